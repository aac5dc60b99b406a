package rtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/ethan/discord-voice-relay/pkg/broadcast"
	"github.com/ethan/discord-voice-relay/pkg/ingress"
)

// RTC owns the WebRTC peer connection feeding the broadcast hub.
//
// The host runtime drives signaling (offer in, answer out, trickled
// candidates both ways); incoming Opus tracks are attached to the ingress
// pipeline automatically.
type RTC struct {
	logger *slog.Logger
	pc     *webrtc.PeerConnection
	hub    *broadcast.Broadcast

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a peer connection configured for Opus audio
func New(hub *broadcast.Broadcast, logger *slog.Logger) (*RTC, error) {
	log := logger.With("component", "rtc")

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register Opus codec: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &RTC{
		logger: log,
		pc:     pc,
		hub:    hub,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info("new track added",
			"kind", track.Kind().String(),
			"codec", track.Codec().MimeType,
			"ssrc", uint32(track.SSRC()))

		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}

		ingress.Attach(r.ctx, r.hub, track, logger)

		// Keep draining RTCP so the interceptor chain stays healthy
		go r.drainRTCP(receiver)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("rtc connection state changed", "state", state.String())

		switch state {
		case webrtc.PeerConnectionStateClosed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed:
			r.shutdown()
		}
	})

	return r, nil
}

// Signal applies a remote offer and returns the local answer with the Opus
// fmtp rewritten for stereo at a higher bitrate.
func (r *RTC) Signal(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var none webrtc.SessionDescription

	if err := r.pc.SetRemoteDescription(offer); err != nil {
		return none, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := r.pc.CreateAnswer(nil)
	if err != nil {
		return none, fmt.Errorf("create answer: %w", err)
	}

	munged, err := mungeOpusFmtp(answer.SDP)
	if err != nil {
		return none, fmt.Errorf("rewrite Opus fmtp: %w", err)
	}
	answer.SDP = munged

	if err := r.pc.SetLocalDescription(answer); err != nil {
		return none, fmt.Errorf("set local description: %w", err)
	}

	local := r.pc.LocalDescription()
	if local == nil {
		return none, fmt.Errorf("no local description found")
	}
	return *local, nil
}

// AddCandidate applies a remote ICE candidate
func (r *RTC) AddCandidate(candidate webrtc.ICECandidateInit) error {
	return r.pc.AddICECandidate(candidate)
}

// OnCandidate registers a callback for locally gathered ICE candidates
func (r *RTC) OnCandidate(fn func(webrtc.ICECandidateInit)) {
	r.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		fn(c.ToJSON())
	})
}

// Wait blocks until the connection closes, disconnects, or fails
func (r *RTC) Wait() {
	<-r.done
}

// Close tears down the peer connection and its ingress tasks; idempotent
func (r *RTC) Close() error {
	r.logger.Debug("closing rtc connection")
	r.shutdown()
	return r.pc.Close()
}

// shutdown cancels ingress tasks and releases Wait; idempotent
func (r *RTC) shutdown() {
	r.closeOnce.Do(func() {
		r.cancel()
		close(r.done)
	})
}
