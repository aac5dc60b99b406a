package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"

	"github.com/ethan/discord-voice-relay/pkg/crypto"
)

const (
	// VoicePacketMax is the scratch buffer size for one outbound voice
	// packet, kept safely below the Ethernet MTU to avoid fragmentation.
	VoicePacketMax = 1460

	// rtpVersion is the one (and only) RTP version
	rtpVersion = 2

	// PayloadType is the dynamic profile used by Discord's Opus traffic
	PayloadType = 120
)

// Writer assembles Discord voice packets into a fixed scratch buffer.
//
// The header carries a constant version, payload type, and ssrc; sequence
// and timestamp are rewritten per packet. Payload end offsets are counted
// from the end of the header and include the tag and nonce suffix, matching
// what the cipher expects. A Writer belongs to a single sender task.
type Writer struct {
	buf       [VoicePacketMax]byte
	header    rtp.Header
	headerLen int
}

// NewWriter creates a writer for one session's ssrc
func NewWriter(ssrc uint32) *Writer {
	w := &Writer{
		header: rtp.Header{
			Version:     rtpVersion,
			PayloadType: PayloadType,
			SSRC:        ssrc,
		},
	}
	// No extensions and no CSRCs, so the library reports the fixed 12 bytes
	w.headerLen = w.header.MarshalSize()
	return w
}

// HeaderLen returns the RTP header length in bytes
func (w *Writer) HeaderLen() int {
	return w.headerLen
}

// SetHeader stamps the per-packet sequence and timestamp into the header
func (w *Writer) SetHeader(sequence uint16, timestamp uint32) error {
	w.header.SequenceNumber = sequence
	w.header.Timestamp = timestamp
	if _, err := w.header.MarshalTo(w.buf[:]); err != nil {
		return fmt.Errorf("marshal RTP header: %w", err)
	}
	return nil
}

// CopyPayload places the plaintext payload after the header and returns the
// payload end: payload length plus room for the AEAD tag and nonce suffix.
func (w *Writer) CopyPayload(payload []byte) (int, error) {
	payloadEnd := len(payload) + crypto.TagSize + crypto.NonceSize
	if w.headerLen+payloadEnd > VoicePacketMax {
		return 0, fmt.Errorf("payload too large for voice packet: %d bytes", len(payload))
	}
	copy(w.buf[w.headerLen:], payload)
	return payloadEnd, nil
}

// WriteNonce stamps the big-endian nonce counter into the trailing nonce
// slot and returns the payload end unchanged.
func (w *Writer) WriteNonce(nonce uint32, payloadEnd int) int {
	start := w.headerLen + payloadEnd - crypto.NonceSize
	binary.BigEndian.PutUint32(w.buf[start:], nonce)
	return payloadEnd
}

// Packet returns the wire packet for the given payload end
func (w *Writer) Packet(payloadEnd int) []byte {
	return w.buf[:w.headerLen+payloadEnd]
}
