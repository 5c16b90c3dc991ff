package compute

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func tunnelKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func TestIOTunnel_RoundTrip(t *testing.T) {
	tunnel, err := NewIOTunnel(tunnelKey(t))
	if err != nil {
		t.Fatalf("failed to create tunnel: %v", err)
	}

	plain := []byte("hello secret data")
	sealed, err := tunnel.Encrypt(plain)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(sealed, plain) {
		t.Fatal("ciphertext must differ from plaintext")
	}

	got, err := tunnel.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Error("round trip failed")
	}
}

func TestIOTunnel_PaddingGranularity(t *testing.T) {
	tunnel, _ := NewIOTunnel(tunnelKey(t))

	for _, size := range []int{0, 1, 1015, 1016, 1017, 5000} {
		plain := bytes.Repeat([]byte{0x5A}, size)
		sealed, err := tunnel.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt of %d bytes failed: %v", size, err)
		}

		// nonce + padded inner + tag: the inner must be a whole number
		// of 1024-byte blocks.
		inner := len(sealed) - chacha20poly1305.NonceSizeX - chacha20poly1305.Overhead
		if inner%tunnelBlockSize != 0 {
			t.Errorf("size %d: inner length %d not block-aligned", size, inner)
		}

		got, err := tunnel.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt of %d bytes failed: %v", size, err)
		}
		if !bytes.Equal(got, plain) {
			t.Errorf("size %d: round trip failed", size)
		}
	}
}

func TestIOTunnel_WrongKey(t *testing.T) {
	a, _ := NewIOTunnel(tunnelKey(t))
	b, _ := NewIOTunnel(tunnelKey(t))

	sealed, err := a.Encrypt([]byte("for a's eyes only"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	if _, err := b.Decrypt(sealed); !errors.Is(err, ErrEnvelopeInvalid) {
		t.Fatalf("expected ErrEnvelopeInvalid under the wrong key, got %v", err)
	}
}

func TestIOTunnel_MalformedInput(t *testing.T) {
	tunnel, _ := NewIOTunnel(tunnelKey(t))

	if _, err := tunnel.Decrypt([]byte("short")); !errors.Is(err, ErrEnvelopeInvalid) {
		t.Fatalf("expected ErrEnvelopeInvalid for short input, got %v", err)
	}

	sealed, _ := tunnel.Encrypt([]byte("tamper me"))
	sealed[len(sealed)-1] ^= 1
	if _, err := tunnel.Decrypt(sealed); !errors.Is(err, ErrEnvelopeInvalid) {
		t.Fatalf("expected ErrEnvelopeInvalid for tampered input, got %v", err)
	}
}

func TestIOTunnel_BadKeySize(t *testing.T) {
	if _, err := NewIOTunnel([]byte("short key")); err == nil {
		t.Fatal("expected error for non-32-byte key")
	}
}
