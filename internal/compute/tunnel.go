package compute

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// tunnelBlockSize is the padding granularity of the encrypted I/O
// envelope. Padding hides exact payload sizes from the host boundary.
const tunnelBlockSize = 1024

// IOTunnel seals module input and output with XChaCha20-Poly1305.
// The inner plaintext is a u64le length prefix, the payload, and zero
// padding to the next 1024-byte block; the emitted ciphertext carries
// its 24-byte nonce as a prefix.
type IOTunnel struct {
	key [32]byte
}

// NewIOTunnel creates a tunnel from a 32-byte key.
func NewIOTunnel(key []byte) (*IOTunnel, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 32 bytes", ErrEnvelopeInvalid)
	}
	t := &IOTunnel{}
	copy(t.key[:], key)
	return t, nil
}

// Encrypt seals plaintext into a padded envelope.
func (t *IOTunnel) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(t.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	inner := make([]byte, 8, 8+len(plaintext))
	binary.LittleEndian.PutUint64(inner, uint64(len(plaintext)))
	inner = append(inner, plaintext...)

	if pad := (tunnelBlockSize - len(inner)%tunnelBlockSize) % tunnelBlockSize; pad > 0 {
		inner = append(inner, make([]byte, pad)...)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(inner)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, inner, nil), nil
}

// Decrypt opens an envelope produced by Encrypt.
func (t *IOTunnel) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: too short to contain nonce", ErrEnvelopeInvalid)
	}

	aead, err := chacha20poly1305.NewX(t.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := sealed[:chacha20poly1305.NonceSizeX]
	inner, err := aead.Open(nil, nonce, sealed[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEnvelopeInvalid, err)
	}

	if len(inner) < 8 {
		return nil, fmt.Errorf("%w: plaintext too small for length prefix", ErrEnvelopeInvalid)
	}
	length := binary.LittleEndian.Uint64(inner)
	if uint64(len(inner)-8) < length {
		return nil, fmt.Errorf("%w: length prefix exceeds payload", ErrEnvelopeInvalid)
	}
	return inner[8 : 8+length], nil
}
