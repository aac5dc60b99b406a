package discovery

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Errors surfaced by the discovery exchange
var (
	ErrIllegalDiscoveryResponse = errors.New("IP discovery response was invalid")
	ErrIllegalIP                = errors.New("IP discovery response had bad IP value")
	ErrTimedOut                 = errors.New("IP discovery timed out")
)

// Wire layout of the 74-byte discovery packet, all fields big-endian:
// type(2) length(2) ssrc(4) address(64, NUL-padded) port(2)
const (
	PacketSize = 74

	typeRequest  = 0x0001
	typeResponse = 0x0002

	// length counts the bytes after the type and length fields
	fieldLength = 70

	addressOffset = 8
	addressSize   = 64
	portOffset    = 72
)

// IPDiscovery is the NAT-mapped address and port Discord sees for our socket
type IPDiscovery struct {
	Address netip.Addr
	Port    uint16
}

// Request builds a discovery request for the given ssrc, address and port zero
func Request(ssrc uint32) []byte {
	buf := make([]byte, PacketSize)
	binary.BigEndian.PutUint16(buf[0:], typeRequest)
	binary.BigEndian.PutUint16(buf[2:], fieldLength)
	binary.BigEndian.PutUint32(buf[4:], ssrc)
	return buf
}

// MarshalResponse builds a discovery response carrying this mapping.
// Used by tests and local tooling; the production path only parses.
func (d *IPDiscovery) MarshalResponse(ssrc uint32) []byte {
	buf := make([]byte, PacketSize)
	binary.BigEndian.PutUint16(buf[0:], typeResponse)
	binary.BigEndian.PutUint16(buf[2:], fieldLength)
	binary.BigEndian.PutUint32(buf[4:], ssrc)
	copy(buf[addressOffset:addressOffset+addressSize], d.Address.String())
	binary.BigEndian.PutUint16(buf[portOffset:], d.Port)
	return buf
}

// ParseResponse validates and decodes a discovery response
func ParseResponse(buf []byte) (*IPDiscovery, error) {
	if len(buf) < PacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrIllegalDiscoveryResponse, len(buf))
	}
	if binary.BigEndian.Uint16(buf[0:]) != typeResponse {
		return nil, ErrIllegalDiscoveryResponse
	}

	raw := buf[addressOffset : addressOffset+addressSize]
	nul := bytes.IndexByte(raw, 0)
	if nul < 0 {
		return nil, ErrIllegalIP
	}

	addr, err := netip.ParseAddr(string(raw[:nul]))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrIllegalIP, raw[:nul])
	}

	return &IPDiscovery{
		Address: addr,
		Port:    binary.BigEndian.Uint16(buf[portOffset:]),
	}, nil
}

// Discover runs the one-shot request/response exchange on a connected voice
// socket. https://discord.com/developers/docs/topics/voice-connections#ip-discovery
func Discover(ctx context.Context, conn *net.UDPConn, ssrc uint32, timeout time.Duration) (*IPDiscovery, error) {
	if _, err := conn.Write(Request(ssrc)); err != nil {
		return nil, fmt.Errorf("send discovery request: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set discovery deadline: %w", err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, PacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimedOut
		}
		return nil, fmt.Errorf("read discovery response: %w", err)
	}

	return ParseResponse(buf[:n])
}
