package ingress

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"

	"github.com/ethan/discord-voice-relay/pkg/broadcast"
)

const (
	// packetBufferLength is the depth of the buffer between the track
	// reader and the pacer; also the pacer's burst allowance
	packetBufferLength = 10

	// packetsPerSecond is the drain cadence: one 20 ms Opus frame per tick
	packetsPerSecond = 50
)

// TrackReader is the inbound RTP source; satisfied by *webrtc.TrackRemote
type TrackReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Attach wires a remote track into the broadcast hub.
//
// The reader drops empty payloads (Opus DTX produces them upstream) and
// rewrites sequence numbers from a random start so Discord sees a contiguous
// sequence space per ssrc. Timestamps pass through unchanged; the receiver
// derives sample cadence from them. Buffered packets drain to the hub at
// frame cadence so TCP-side bursts don't reach the UDP senders.
//
// Both loops exit when ctx is canceled or the track read fails; the track's
// owner is expected to close it on teardown, which unblocks the reader.
func Attach(ctx context.Context, hub *broadcast.Broadcast, track TrackReader, logger *slog.Logger) {
	log := logger.With("component", "ingress")
	buffered := make(chan *rtp.Packet, packetBufferLength)

	go readLoop(ctx, track, buffered, log)
	go paceLoop(ctx, hub, buffered, log)
}

// readLoop pulls RTP from the track, re-sequences, and buffers
func readLoop(ctx context.Context, track TrackReader, out chan<- *rtp.Packet, log *slog.Logger) {
	defer close(out)

	sequence := uint16(rand.Uint32())

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug("ingress closing after track read error", "error", err)
			}
			return
		}

		// Skip DTX frames; they carry no audio and would burn a sequence
		// number the receiver never sees
		if len(pkt.Payload) == 0 {
			continue
		}

		pkt.Header.SequenceNumber = sequence
		sequence++

		select {
		case out <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// paceLoop drains the buffer into the hub at frame cadence
func paceLoop(ctx context.Context, hub *broadcast.Broadcast, in <-chan *rtp.Packet, log *slog.Logger) {
	limiter := rate.NewLimiter(packetsPerSecond, packetBufferLength)

	for {
		select {
		case pkt, ok := <-in:
			if !ok {
				log.Debug("ingress pacer closing, buffer drained")
				return
			}
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			hub.Send(pkt)
		case <-ctx.Done():
			return
		}
	}
}
