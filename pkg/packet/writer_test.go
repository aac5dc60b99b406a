package packet_test

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethan/discord-voice-relay/pkg/crypto"
	"github.com/ethan/discord-voice-relay/pkg/packet"
)

func TestWriterHeaderLayout(t *testing.T) {
	w := packet.NewWriter(1)
	require.Equal(t, 12, w.HeaderLen())

	require.NoError(t, w.SetHeader(7, 0))

	payloadEnd, err := w.CopyPayload([]byte{0xAA})
	require.NoError(t, err)

	wire := w.Packet(payloadEnd)
	want := []byte{
		0x80, 0x78, // version 2, payload type 120
		0x00, 0x07, // sequence
		0x00, 0x00, 0x00, 0x00, // timestamp
		0x00, 0x00, 0x00, 0x01, // ssrc
	}
	assert.Equal(t, want, wire[:12])
}

func TestWriterPayloadEndAccountsForSuffix(t *testing.T) {
	w := packet.NewWriter(42)
	require.NoError(t, w.SetHeader(1, 2))

	payload := bytes.Repeat([]byte{0xCD}, 20)
	payloadEnd, err := w.CopyPayload(payload)
	require.NoError(t, err)

	assert.Equal(t, 20+crypto.TagSize+crypto.NonceSize, payloadEnd)
	assert.Equal(t, 52, w.HeaderLen()+payloadEnd)
	assert.Equal(t, payload, w.Packet(payloadEnd)[12:32])
}

func TestWriterWriteNoncePosition(t *testing.T) {
	w := packet.NewWriter(42)
	require.NoError(t, w.SetHeader(1, 2))

	payloadEnd, err := w.CopyPayload(make([]byte, 10))
	require.NoError(t, err)

	got := w.WriteNonce(0xA1B2C3D4, payloadEnd)
	assert.Equal(t, payloadEnd, got)

	wire := w.Packet(payloadEnd)
	assert.Equal(t, []byte{0xA1, 0xB2, 0xC3, 0xD4}, wire[len(wire)-4:])
}

func TestWriterRejectsOversizedPayload(t *testing.T) {
	w := packet.NewWriter(42)
	require.NoError(t, w.SetHeader(1, 2))

	_, err := w.CopyPayload(make([]byte, packet.VoicePacketMax))
	assert.Error(t, err)

	// Largest payload that still fits with the suffix
	_, err = w.CopyPayload(make([]byte, packet.VoicePacketMax-12-crypto.TagSize-crypto.NonceSize))
	assert.NoError(t, err)
}

// Full assembly of one AES-256-GCM voice packet with literal values:
// key 32×0x42, ssrc 1, seq 7, timestamp 0, 20×0xAB payload, nonce 1
func TestWriterEncryptAES256GCMScenario(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, crypto.KeySize)
	c, err := crypto.NewCipher(crypto.ModeAES256GCM, key)
	require.NoError(t, err)

	w := packet.NewWriter(1)
	require.NoError(t, w.SetHeader(7, 0))

	plaintext := bytes.Repeat([]byte{0xAB}, 20)
	payloadEnd, err := w.CopyPayload(plaintext)
	require.NoError(t, err)

	payloadEnd = w.WriteNonce(0x00000001, payloadEnd)

	wire := w.Packet(payloadEnd)
	require.NoError(t, c.EncryptInPlace(wire, w.HeaderLen(), payloadEnd))

	require.Len(t, wire, 52)

	wantHeader := []byte{0x80, 0x78, 0x00, 0x07, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01}
	assert.Equal(t, wantHeader, wire[:12])
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x01}, wire[48:])
	assert.NotEqual(t, plaintext, wire[12:32])

	// The packet decrypts back to the original payload
	got := decryptAES(t, key, wire)
	assert.Equal(t, plaintext, got)
}

// decryptAES reverses the rtpsize layout with a bare stdlib AEAD so the
// round trip does not depend on the code under test
func decryptAES(t *testing.T, key, wire []byte) []byte {
	t.Helper()

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	aead, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := make([]byte, aead.NonceSize())
	copy(nonce[8:], wire[len(wire)-4:])

	plaintext, err := aead.Open(nil, nonce, wire[12:len(wire)-4], wire[:12])
	require.NoError(t, err)
	return plaintext
}
