package broadcast

import (
	"log/slog"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
)

// sinkBuffer bounds each sink's queue. Opus frames are small and the sender
// loop is near-zero-cost, so the buffer only fills when a session stalls; on
// overflow the oldest packet is dropped and the drop logged.
const sinkBuffer = 512

// Sink is one FIFO queue of RTP packets, consumed by exactly one session
// sender. Consumers detect unregistration as a closed channel.
type Sink struct {
	ch chan *rtp.Packet
}

// NewSink creates an unregistered sink
func NewSink() *Sink {
	return &Sink{ch: make(chan *rtp.Packet, sinkBuffer)}
}

// Packets returns the consumer side of the sink
func (s *Sink) Packets() <-chan *rtp.Packet {
	return s.ch
}

// Broadcast fans incoming RTP packets out to every registered sink.
//
// Sinks are keyed by random uint32 handles. Send never fails to its caller;
// per-sink overflow is logged and swallowed so one slow session cannot stall
// the others.
type Broadcast struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks map[uint32]*Sink
}

// New creates an empty broadcast hub
func New(logger *slog.Logger) *Broadcast {
	return &Broadcast{
		logger: logger.With("component", "broadcast"),
		sinks:  make(map[uint32]*Sink),
	}
}

// Register inserts the sink under a fresh random key and returns the key.
// Key collisions are resolved by redrawing.
func (b *Broadcast) Register(sink *Sink) uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		key := rand.Uint32()
		if _, taken := b.sinks[key]; taken {
			continue
		}
		b.sinks[key] = sink
		b.logger.Debug("sink registered", "key", key, "sinks", len(b.sinks))
		return key
	}
}

// Unregister removes and closes the sink; idempotent
func (b *Broadcast) Unregister(key uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sink, ok := b.sinks[key]
	if !ok {
		return
	}
	delete(b.sinks, key)
	close(sink.ch)
	b.logger.Debug("sink unregistered", "key", key, "sinks", len(b.sinks))
}

// Count returns the number of registered sinks
func (b *Broadcast) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sinks)
}

// Send delivers the packet to every registered sink in registration-map
// order. Per-sink order is FIFO; there is no ordering across sinks.
func (b *Broadcast) Send(pkt *rtp.Packet) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for key, sink := range b.sinks {
		select {
		case sink.ch <- pkt:
			continue
		default:
		}

		// Sink is backed up: drop the oldest packet to make room
		select {
		case <-sink.ch:
		default:
		}

		select {
		case sink.ch <- pkt:
			b.logger.Warn("sink overflow, dropped oldest packet", "key", key)
		default:
			b.logger.Warn("sink overflow, dropped packet", "key", key)
		}
	}
}
