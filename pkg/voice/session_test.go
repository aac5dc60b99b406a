package voice

import (
	"bytes"
	"context"
	"crypto/aes"
	stdcipher "crypto/cipher"
	"encoding/binary"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ethan/discord-voice-relay/pkg/broadcast"
	"github.com/ethan/discord-voice-relay/pkg/crypto"
	"github.com/ethan/discord-voice-relay/pkg/discovery"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// fakeVoiceServer answers IP discovery and captures voice packets
type fakeVoiceServer struct {
	conn    *net.UDPConn
	mapping *discovery.IPDiscovery
	packets chan []byte
}

func newFakeVoiceServer(t *testing.T) *fakeVoiceServer {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	srv := &fakeVoiceServer{
		conn: conn,
		mapping: &discovery.IPDiscovery{
			Address: netip.MustParseAddr("198.51.100.7"),
			Port:    12345,
		},
		packets: make(chan []byte, 64),
	}

	go srv.serve()
	return srv
}

func (f *fakeVoiceServer) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}

		// Discovery requests get a mapping response; everything else is a
		// voice packet
		if n == discovery.PacketSize && binary.BigEndian.Uint16(buf) == 0x0001 {
			ssrc := binary.BigEndian.Uint32(buf[4:])
			f.conn.WriteToUDP(f.mapping.MarshalResponse(ssrc), addr)
			continue
		}

		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		f.packets <- pkt
	}
}

func (f *fakeVoiceServer) port() uint16 {
	return uint16(f.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (f *fakeVoiceServer) next(t *testing.T) []byte {
	t.Helper()
	select {
	case pkt := <-f.packets:
		return pkt
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for voice packet")
		return nil
	}
}

// decryptWire reverses the rtpsize layout with an AEAD built directly from
// the key so the check is independent of pkg/crypto's encrypt path
func decryptWire(t *testing.T, mode crypto.Mode, key, wire []byte) (plaintext []byte, nonce uint32) {
	t.Helper()

	var aead stdcipher.AEAD
	var err error
	switch mode {
	case crypto.ModeAES256GCM:
		var block stdcipher.Block
		block, err = aes.NewCipher(key)
		require.NoError(t, err)
		aead, err = stdcipher.NewGCM(block)
	case crypto.ModeXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	}
	require.NoError(t, err)

	nonceBytes := wire[len(wire)-4:]
	full := make([]byte, aead.NonceSize())
	copy(full[len(full)-4:], nonceBytes)

	plaintext, err = aead.Open(nil, full, wire[12:len(wire)-4], wire[:12])
	require.NoError(t, err)

	return plaintext, binary.BigEndian.Uint32(nonceBytes)
}

func TestSessionDiscoverIP(t *testing.T) {
	srv := newFakeVoiceServer(t)

	s, err := NewSession("127.0.0.1", srv.port(), 0xDEADBEEF, testLogger())
	require.NoError(t, err)
	defer s.Disconnect()

	mapping, err := s.DiscoverIP(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, srv.mapping, mapping)
}

func TestSessionRelaysEncryptedPackets(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, crypto.KeySize)

	for _, mode := range []crypto.Mode{crypto.ModeAES256GCM, crypto.ModeXChaCha20Poly1305} {
		t.Run(mode.String(), func(t *testing.T) {
			srv := newFakeVoiceServer(t)

			s, err := NewSession("127.0.0.1", srv.port(), 0x1234, testLogger())
			require.NoError(t, err)
			defer s.Disconnect()

			_, err = s.DiscoverIP(context.Background(), time.Second)
			require.NoError(t, err)

			hub := broadcast.New(testLogger())
			require.NoError(t, s.Connect(key, mode.String(), hub))
			assert.Equal(t, 1, hub.Count())

			const count = 10
			for i := 0; i < count; i++ {
				hub.Send(&rtp.Packet{
					Header: rtp.Header{
						SequenceNumber: uint16(200 + i),
						Timestamp:      uint32(1000 + 960*i),
					},
					Payload: bytes.Repeat([]byte{byte(i + 1)}, 20),
				})
			}

			var lastNonce uint32
			for i := 0; i < count; i++ {
				wire := srv.next(t)
				require.Len(t, wire, 12+20+crypto.TagSize+crypto.NonceSize)

				// Header: version/payload type, then the input sequence and
				// timestamp unchanged, then the session ssrc
				assert.Equal(t, []byte{0x80, 0x78}, wire[:2])
				assert.Equal(t, uint16(200+i), binary.BigEndian.Uint16(wire[2:]))
				assert.Equal(t, uint32(1000+960*i), binary.BigEndian.Uint32(wire[4:]))
				assert.Equal(t, uint32(0x1234), binary.BigEndian.Uint32(wire[8:]))

				plaintext, nonce := decryptWire(t, mode, key, wire)
				assert.Equal(t, bytes.Repeat([]byte{byte(i + 1)}, 20), plaintext)

				if i > 0 {
					assert.Equal(t, lastNonce+1, nonce, "nonce must increment by one")
				}
				lastNonce = nonce
			}
		})
	}
}

func TestSessionDisconnect(t *testing.T) {
	srv := newFakeVoiceServer(t)

	s, err := NewSession("127.0.0.1", srv.port(), 0x1234, testLogger())
	require.NoError(t, err)

	hub := broadcast.New(testLogger())
	key := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	require.NoError(t, s.Connect(key, "aead_aes256_gcm_rtpsize", hub))

	for i := 0; i < 10; i++ {
		hub.Send(&rtp.Packet{
			Header:  rtp.Header{SequenceNumber: uint16(i)},
			Payload: []byte{byte(i)},
		})
	}
	for i := 0; i < 10; i++ {
		srv.next(t)
	}

	s.Disconnect()

	// The sink is gone and the socket closed before Disconnect returns
	assert.Equal(t, 0, hub.Count())
	_, err = s.conn.Write([]byte{0})
	assert.Error(t, err)

	// Idempotent
	s.Disconnect()
	s.Disconnect()
}

func TestSessionDisconnectBeforeConnect(t *testing.T) {
	srv := newFakeVoiceServer(t)

	s, err := NewSession("127.0.0.1", srv.port(), 1, testLogger())
	require.NoError(t, err)

	s.Disconnect()
	s.Disconnect()
}

func TestSessionConnectValidation(t *testing.T) {
	srv := newFakeVoiceServer(t)
	hub := broadcast.New(testLogger())
	key := bytes.Repeat([]byte{0x42}, crypto.KeySize)

	t.Run("unknown crypto mode", func(t *testing.T) {
		s, err := NewSession("127.0.0.1", srv.port(), 1, testLogger())
		require.NoError(t, err)
		defer s.Disconnect()

		err = s.Connect(key, "xsalsa20_poly1305_lite", hub)
		assert.ErrorIs(t, err, crypto.ErrBadCryptoMode)
		assert.Equal(t, 0, hub.Count())
	})

	t.Run("short key", func(t *testing.T) {
		s, err := NewSession("127.0.0.1", srv.port(), 1, testLogger())
		require.NoError(t, err)
		defer s.Disconnect()

		err = s.Connect(key[:16], "aead_aes256_gcm_rtpsize", hub)
		assert.ErrorIs(t, err, crypto.ErrBadKeyLength)
		assert.Equal(t, 0, hub.Count())
	})

	t.Run("double connect", func(t *testing.T) {
		s, err := NewSession("127.0.0.1", srv.port(), 1, testLogger())
		require.NoError(t, err)
		defer s.Disconnect()

		require.NoError(t, s.Connect(key, "aead_aes256_gcm_rtpsize", hub))
		assert.Error(t, s.Connect(key, "aead_aes256_gcm_rtpsize", hub))
		assert.Equal(t, 1, hub.Count())
	})

	t.Run("connect after disconnect", func(t *testing.T) {
		s, err := NewSession("127.0.0.1", srv.port(), 1, testLogger())
		require.NoError(t, err)

		s.Disconnect()
		assert.Error(t, s.Connect(key, "aead_aes256_gcm_rtpsize", hub))
	})
}
