package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sentinel errors surfaced to callers at connect time
var (
	ErrBadCryptoMode = errors.New("unrecognised crypto mode")
	ErrBadKeyLength  = errors.New("secret key must be 32 bytes")
)

const (
	// KeySize is the session key length delivered by signaling
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the trailing nonce counter length in the rtpsize suites.
	// The 4-byte counter rides after the tag and is zero-extended to the
	// cipher's full nonce width before use.
	NonceSize = 4

	// TagSize is the AEAD authentication tag length for both suites
	TagSize = 16
)

// Mode identifies a Discord transport encryption suite
type Mode int

const (
	// ModeAES256GCM is the aead_aes256_gcm_rtpsize suite
	ModeAES256GCM Mode = iota
	// ModeXChaCha20Poly1305 is the aead_xchacha20_poly1305_rtpsize suite
	ModeXChaCha20Poly1305
)

// ParseMode maps the signaling mode string to a Mode.
// Only the current rtpsize suites are supported; legacy xsalsa modes are not.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "aead_aes256_gcm_rtpsize":
		return ModeAES256GCM, nil
	case "aead_xchacha20_poly1305_rtpsize":
		return ModeXChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrBadCryptoMode, s)
	}
}

// String returns the signaling name of the mode
func (m Mode) String() string {
	switch m {
	case ModeAES256GCM:
		return "aead_aes256_gcm_rtpsize"
	case ModeXChaCha20Poly1305:
		return "aead_xchacha20_poly1305_rtpsize"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// Cipher owns the keyed AEAD state for one crypto mode.
// It is constructed once per session from the signaling secret key and is
// safe for use by a single sender task; the nonce counter lives with the
// session, not here.
type Cipher struct {
	mode Mode
	aead cipher.AEAD
}

// NewCipher constructs the AEAD for the given mode and 32-byte key
func NewCipher(mode Mode, key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d", ErrBadKeyLength, len(key))
	}

	var aead cipher.AEAD
	var err error

	switch mode {
	case ModeAES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key)
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	case ModeXChaCha20Poly1305:
		aead, err = chacha20poly1305.NewX(key)
	default:
		return nil, fmt.Errorf("%w: %d", ErrBadCryptoMode, int(mode))
	}
	if err != nil {
		return nil, fmt.Errorf("build %s cipher: %w", mode, err)
	}

	return &Cipher{mode: mode, aead: aead}, nil
}

// Mode returns the suite this cipher was built for
func (c *Cipher) Mode() Mode {
	return c.mode
}

// EncryptInPlace encrypts an assembled voice packet.
//
// packet[:headerLen] is the RTP header, used as associated data. payloadEnd
// counts bytes after the header and already includes the tag and nonce
// suffix, so the plaintext is packet[headerLen : headerLen+payloadEnd-20].
// The tag is written into the 16 bytes before the nonce suffix; the 4-byte
// nonce counter must already be in place at the end of the packet.
func (c *Cipher) EncryptInPlace(packet []byte, headerLen, payloadEnd int) error {
	total := headerLen + payloadEnd
	if payloadEnd < NonceSize+TagSize || total > len(packet) {
		return fmt.Errorf("invalid payload bounds: payload_end=%d packet=%d", payloadEnd, len(packet))
	}

	nonceStart := total - NonceSize
	tagStart := nonceStart - TagSize

	// Zero-extend the wire counter on the left to the cipher's nonce width
	nonce := make([]byte, c.aead.NonceSize())
	copy(nonce[len(nonce)-NonceSize:], packet[nonceStart:total])

	header := packet[:headerLen]
	plaintext := packet[headerLen:tagStart]

	// Seal appends ciphertext then tag over the plaintext's own storage,
	// landing the tag exactly in packet[tagStart:nonceStart]
	c.aead.Seal(plaintext[:0], nonce, plaintext, header)

	return nil
}
