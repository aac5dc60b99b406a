package stream

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"

	"github.com/pion/rtp"
	"gopkg.in/hraban/opus.v2"

	"github.com/ethan/discord-voice-relay/pkg/broadcast"
	"github.com/ethan/discord-voice-relay/pkg/packet"
)

const (
	// sampleRate is the Opus sample rate Discord expects
	sampleRate = 48000

	// monoFrameSize is samples per channel in one 20 ms frame; also the
	// RTP timestamp increment per frame at 48 kHz
	monoFrameSize = 960

	// stereoFrameSize is total samples in one interleaved stereo frame
	stereoFrameSize = monoFrameSize * 2

	// defaultBitrate matches the bitrate negotiated on the WebRTC side
	defaultBitrate = 128_000
)

// Stream ingests raw PCM datagrams from a local UDP socket, encodes each
// frame to Opus, and publishes the frames into the broadcast hub.
//
// The expected input is interleaved stereo 48 kHz s16le, one 20 ms frame
// (3840 bytes) per datagram. Each encoded frame is wrapped as an RTP packet
// with a synthesized contiguous sequence and a 960-tick timestamp cadence,
// the same shape the WebRTC ingress produces.
type Stream struct {
	logger *slog.Logger
	conn   *net.UDPConn
	hub    *broadcast.Broadcast

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New binds the PCM ingest socket and starts the encode loop
func New(listenAddr string, hub *broadcast.Broadcast, logger *slog.Logger) (*Stream, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve PCM listen addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind PCM socket: %w", err)
	}

	encoder, err := opus.NewEncoder(sampleRate, 2, opus.AppAudio)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create Opus encoder: %w", err)
	}
	if err := encoder.SetBitrate(defaultBitrate); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set Opus bitrate: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Stream{
		logger: logger.With("component", "stream"),
		conn:   conn,
		hub:    hub,
		ctx:    ctx,
		cancel: cancel,
	}

	s.logger.Info("PCM stream listening", "addr", conn.LocalAddr().String())

	s.wg.Add(1)
	go s.encodeLoop(encoder)

	return s, nil
}

// Port returns the bound UDP port for the PCM ingest socket
func (s *Stream) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// Stop closes the socket and waits for the encode loop to exit; idempotent
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
	s.wg.Wait()
}

// encodeLoop reads PCM frames, encodes, and broadcasts until Stop
func (s *Stream) encodeLoop(encoder *opus.Encoder) {
	defer s.wg.Done()

	buf := make([]byte, stereoFrameSize*2)
	pcm := make([]int16, stereoFrameSize)
	encoded := make([]byte, packet.VoicePacketMax)

	sequence := uint16(rand.Uint32())
	timestamp := rand.Uint32()

	for {
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if s.ctx.Err() == nil {
				s.logger.Debug("stream closing after udp read error", "error", err)
			}
			return
		}

		samples := pcmSamples(buf[:n], pcm)
		written, err := encoder.Encode(pcm[:samples], encoded)
		if err != nil {
			s.logger.Debug("opus encode failed", "error", err, "samples", samples)
			continue
		}

		payload := make([]byte, written)
		copy(payload, encoded[:written])

		s.hub.Send(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    packet.PayloadType,
				SequenceNumber: sequence,
				Timestamp:      timestamp,
			},
			Payload: payload,
		})

		sequence++
		timestamp += monoFrameSize
	}
}

// pcmSamples converts little-endian s16 bytes into the sample buffer,
// returning the number of samples written
func pcmSamples(raw []byte, out []int16) int {
	n := len(raw) / 2
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return n
}
