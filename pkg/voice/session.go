package voice

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/ethan/discord-voice-relay/pkg/broadcast"
	"github.com/ethan/discord-voice-relay/pkg/crypto"
	"github.com/ethan/discord-voice-relay/pkg/discovery"
)

// Session is the UDP leg of one Discord voice connection.
//
// It owns the connected socket, the ssrc assigned by signaling, and the
// shutdown signal for its sender task. Lifecycle: NewSession binds and
// connects, DiscoverIP runs the NAT mapping exchange, Connect starts the
// encrypted sender, Disconnect tears everything down. Disconnect is
// idempotent. A GC cleanup cancels and closes the socket of a session that
// becomes unreachable; a running sender task keeps its session reachable,
// so the cleanup does not stop a connected session.
type Session struct {
	logger *slog.Logger
	conn   *net.UDPConn
	ssrc   uint32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once

	mu        sync.Mutex
	connected bool
	hub       *broadcast.Broadcast
	sinkKey   uint32
}

// NewSession binds an ephemeral UDP socket and connects it to the voice
// endpoint delivered by signaling.
func NewSession(ip string, port uint16, ssrc uint32, logger *slog.Logger) (*Session, error) {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ip, port))
	if err != nil {
		return nil, fmt.Errorf("resolve voice endpoint: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("connect voice socket: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		logger: logger.With("component", "voice", "ssrc", ssrc),
		conn:   conn,
		ssrc:   ssrc,
		ctx:    ctx,
		cancel: cancel,
	}

	s.logger.Info("voice session created",
		"remote", raddr.String(),
		"local", conn.LocalAddr().String())

	// GC cleanup mirrors Disconnect's signal half: once the Session is
	// unreachable it cancels the context and closes the socket. The sender
	// task references the Session, so a connected session is not collected
	// while its sender runs. Must not capture s.
	runtime.AddCleanup(s, func(c *net.UDPConn) {
		cancel()
		c.Close()
	}, conn)

	return s, nil
}

// SSRC returns the session's RTP synchronisation source
func (s *Session) SSRC() uint32 {
	return s.ssrc
}

// DiscoverIP finds the public address Discord maps this socket to.
// Must run before Connect; the response shares the socket with voice traffic.
func (s *Session) DiscoverIP(ctx context.Context, timeout time.Duration) (*discovery.IPDiscovery, error) {
	ip, err := discovery.Discover(ctx, s.conn, s.ssrc, timeout)
	if err != nil {
		return nil, err
	}

	s.logger.Info("discovered public mapping",
		"address", ip.Address.String(),
		"port", ip.Port)

	return ip, nil
}

// Connect adds the session secret key and starts forwarding the broadcast.
// https://discord.com/developers/docs/topics/voice-connections#establishing-a-voice-udp-connection
//
// A fresh sink is registered with the hub and the sender task spawned;
// Connect returns immediately after that.
func (s *Session) Connect(secretKey []byte, cryptoMode string, hub *broadcast.Broadcast) error {
	mode, err := crypto.ParseMode(cryptoMode)
	if err != nil {
		return err
	}

	cipher, err := crypto.NewCipher(mode, secretKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("session already connected")
	}
	if s.ctx.Err() != nil {
		return fmt.Errorf("session is disconnected")
	}

	sink := broadcast.NewSink()
	s.hub = hub
	s.sinkKey = hub.Register(sink)
	s.connected = true

	s.logger.Info("voice session connected", "crypto_mode", mode.String(), "sink_key", s.sinkKey)

	s.wg.Add(1)
	go s.senderLoop(sink, cipher)

	return nil
}

// Disconnect signals the sender task, waits for it to unregister its sink,
// and closes the socket. Safe to call any number of times.
func (s *Session) Disconnect() {
	s.cancel()
	s.wg.Wait()
	s.closeConn()

	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()

	s.logger.Debug("voice session disconnected")
}

// unregisterSink removes this session's sink from the hub; idempotent
func (s *Session) unregisterSink() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hub != nil {
		s.hub.Unregister(s.sinkKey)
		s.hub = nil
	}
}

func (s *Session) closeConn() {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
}
