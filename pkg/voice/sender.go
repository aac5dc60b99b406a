package voice

import (
	"github.com/ethan/discord-voice-relay/pkg/broadcast"
	"github.com/ethan/discord-voice-relay/pkg/crypto"
	"github.com/ethan/discord-voice-relay/pkg/packet"
)

// senderLoop consumes this session's sink, rewraps each payload as a Discord
// voice packet, and transmits it.
//
// Per packet: stamp sequence/timestamp from the (already regularized)
// inbound packet, copy the payload, stamp the nonce counter, encrypt in
// place, send. The writer's scratch buffer, the nonce counter, and the
// cipher are all task-local, so the loop runs lock-free.
//
// A UDP send error or cipher failure is fatal for this session only: the
// loop exits and unregisters its sink; every other session keeps running.
func (s *Session) senderLoop(sink *broadcast.Sink, cipher *crypto.Cipher) {
	defer s.wg.Done()
	defer s.closeConn()
	defer s.unregisterSink()
	defer s.cancel()

	writer := packet.NewWriter(s.ssrc)
	nonce := crypto.NewNonceState()

	s.logger.Debug("sender started")

	for {
		select {
		case pkt, ok := <-sink.Packets():
			if !ok {
				s.logger.Debug("sender closing, sink unregistered")
				return
			}

			if err := writer.SetHeader(pkt.SequenceNumber, pkt.Timestamp); err != nil {
				s.logger.Error("fatal header write error", "error", err)
				return
			}

			payloadEnd, err := writer.CopyPayload(pkt.Payload)
			if err != nil {
				// Oversized payloads cannot happen with Opus frames; drop
				// and keep the session alive
				s.logger.Warn("dropping oversized payload", "size", len(pkt.Payload))
				continue
			}

			payloadEnd = nonce.Write(writer, payloadEnd)

			wire := writer.Packet(payloadEnd)
			if err := cipher.EncryptInPlace(wire, writer.HeaderLen(), payloadEnd); err != nil {
				s.logger.Error("fatal encrypt error", "error", err)
				return
			}

			if _, err := s.conn.Write(wire); err != nil {
				s.logger.Error("fatal UDP packet send error", "error", err)
				return
			}

		case <-s.ctx.Done():
			s.logger.Debug("sender closing after shutdown signal")
			return
		}
	}
}
