package ces

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time      = 3     // Number of iterations
	argon2Memory    = 65536 // Memory in KiB (64 MiB)
	argon2Threads   = 4     // Parallelism factor
	saltSize        = 32    // Salt size in bytes
	keystoreVersion = 1     // Keystore format version
)

var (
	// ErrInvalidPassphrase is returned when the passphrase fails to
	// decrypt the keystore.
	ErrInvalidPassphrase = errors.New("invalid passphrase or corrupted keystore")
)

// KeystoreEntry is the serialized envelope a wrapped content key is
// stored in. KDF parameters travel with the entry so they can change
// without breaking old keystores.
type KeystoreEntry struct {
	Version       int    `json:"version"`
	KDF           string `json:"kdf"`
	Argon2Time    uint32 `json:"argon2_time"`
	Argon2Memory  uint32 `json:"argon2_memory"`
	Argon2Threads uint8  `json:"argon2_threads"`
	Salt          []byte `json:"salt"`
	Nonce         []byte `json:"nonce"`
	Ciphertext    []byte `json:"ciphertext"`
}

// SaveKey encrypts and saves a 32-byte CES content key to disk.
//
// The key is wrapped with XChaCha20-Poly1305 under a key derived from
// the passphrase with Argon2id. An empty passphrase stores the key
// unencrypted under a ".insecure" suffix, for testing only.
func SaveKey(key [KeySize]byte, keystorePath, passphrase string) error {
	dir := filepath.Dir(keystorePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}

	var data []byte

	if passphrase == "" {
		data = key[:]
		keystorePath += ".insecure"
	} else {
		entry, err := wrapKey(key, passphrase)
		if err != nil {
			return fmt.Errorf("failed to encrypt key: %w", err)
		}
		data, err = json.MarshalIndent(entry, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal keystore entry: %w", err)
		}
	}

	if err := os.WriteFile(keystorePath, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore file: %w", err)
	}
	return nil
}

// LoadKey loads and decrypts a content key from disk. Files ending in
// ".insecure" are read without decryption.
func LoadKey(keystorePath, passphrase string) ([KeySize]byte, error) {
	var key [KeySize]byte

	data, err := os.ReadFile(keystorePath)
	if err != nil {
		return key, fmt.Errorf("failed to read keystore file: %w", err)
	}

	if filepath.Ext(keystorePath) == ".insecure" {
		if len(data) != KeySize {
			return key, errors.New("invalid unencrypted keystore: expected 32 bytes")
		}
		copy(key[:], data)
		return key, nil
	}

	var entry KeystoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return key, fmt.Errorf("failed to unmarshal keystore entry: %w", err)
	}

	return unwrapKey(&entry, passphrase)
}

// wrapKey encrypts a content key using Argon2id + XChaCha20-Poly1305.
func wrapKey(key [KeySize]byte, passphrase string) (*KeystoreEntry, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	derived := argon2.IDKey([]byte(passphrase), salt,
		argon2Time, argon2Memory, argon2Threads, KeySize)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &KeystoreEntry{
		Version:       keystoreVersion,
		KDF:           "argon2id",
		Argon2Time:    argon2Time,
		Argon2Memory:  argon2Memory,
		Argon2Threads: argon2Threads,
		Salt:          salt,
		Nonce:         nonce,
		Ciphertext:    aead.Seal(nil, nonce, key[:], nil),
	}, nil
}

// unwrapKey decrypts a content key using the parameters stored in the
// entry.
func unwrapKey(entry *KeystoreEntry, passphrase string) ([KeySize]byte, error) {
	var key [KeySize]byte

	if entry.Version != keystoreVersion {
		return key, fmt.Errorf("unsupported keystore version: %d", entry.Version)
	}
	if entry.KDF != "argon2id" {
		return key, fmt.Errorf("unsupported KDF: %s", entry.KDF)
	}

	derived := argon2.IDKey([]byte(passphrase), entry.Salt,
		entry.Argon2Time, entry.Argon2Memory, entry.Argon2Threads, KeySize)

	aead, err := chacha20poly1305.NewX(derived)
	if err != nil {
		return key, fmt.Errorf("failed to create AEAD: %w", err)
	}
	if len(entry.Nonce) != chacha20poly1305.NonceSizeX {
		return key, ErrInvalidPassphrase
	}

	plain, err := aead.Open(nil, entry.Nonce, entry.Ciphertext, nil)
	if err != nil {
		return key, ErrInvalidPassphrase
	}
	if len(plain) != KeySize {
		return key, errors.New("decrypted key has invalid size")
	}
	copy(key[:], plain)
	return key, nil
}
