package rtc

import (
	"strings"

	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// opusFmtpParams are appended to the answer's Opus fmtp line: raise the
// bitrate cap and enable stereo in both directions
var opusFmtpParams = []string{
	"maxaveragebitrate=128000",
	"stereo=1",
	"sprop-stereo=1",
}

// mungeOpusFmtp rewrites the Opus fmtp attribute of every audio section
func mungeOpusFmtp(raw string) (string, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return "", err
	}

	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media != "audio" {
			continue
		}

		// Collect the payload types rtpmap assigns to Opus
		opusPTs := make(map[string]bool)
		for _, attr := range md.Attributes {
			if attr.Key == "rtpmap" && strings.Contains(strings.ToLower(attr.Value), "opus/48000") {
				fields := strings.Fields(attr.Value)
				if len(fields) > 0 {
					opusPTs[fields[0]] = true
				}
			}
		}

		for i, attr := range md.Attributes {
			if attr.Key != "fmtp" {
				continue
			}
			fields := strings.SplitN(attr.Value, " ", 2)
			if len(fields) != 2 || !opusPTs[fields[0]] {
				continue
			}

			params := fields[1]
			for _, p := range opusFmtpParams {
				if !strings.Contains(params, p) {
					params += ";" + p
				}
			}
			md.Attributes[i].Value = fields[0] + " " + params
		}
	}

	out, err := desc.Marshal()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// drainRTCP reads RTCP from the receiver until it closes. The reports are
// only inspected for debug logging; feedback handling lives upstream.
func (r *RTC) drainRTCP(receiver *webrtc.RTPReceiver) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}

		for _, pkt := range packets {
			switch report := pkt.(type) {
			case *rtcp.SenderReport:
				r.logger.Debug("rtcp sender report", "ssrc", report.SSRC)
			case *rtcp.ReceiverReport:
				r.logger.Debug("rtcp receiver report", "ssrc", report.SSRC)
			}
		}
	}
}
