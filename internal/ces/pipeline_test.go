package ces

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func newTestPipeline(t *testing.T, cfg Config) *Pipeline {
	t.Helper()
	p, err := NewPipeline(cfg, nil)
	if err != nil {
		t.Fatalf("failed to create pipeline: %v", err)
	}
	return p
}

func TestPipeline_FullRoundTrip(t *testing.T) {
	// Full pipeline with a dropped shard, reconstructed on a second
	// pipeline holding the same key.
	cfg := Config{DataShards: 8, ParityShards: 4, Algorithm: AlgorithmZstd}
	sender := newTestPipeline(t, cfg)

	data := bytes.Repeat([]byte("Full pipeline test data!"), 50)
	shards, err := sender.Process(data)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}
	if len(shards) != 12 {
		t.Fatalf("expected 12 shards, got %d", len(shards))
	}

	receiver := newTestPipeline(t, cfg).WithKey(sender.Key())

	shards[2] = nil
	got, err := receiver.Reconstruct(shards)
	if err != nil {
		t.Fatalf("reconstruct failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("reconstructed data does not match original")
	}
}

func TestPipeline_LossTolerance(t *testing.T) {
	// Any subset of size >= k reconstructs.
	cfg := Config{DataShards: 4, ParityShards: 2, Algorithm: AlgorithmZstd}
	p := newTestPipeline(t, cfg)

	data := bytes.Repeat([]byte("loss tolerance "), 100)
	shards, err := p.Process(data)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	drops := [][]int{{0, 1}, {0, 5}, {4, 5}, {2, 3}, {1, 4}}
	for _, drop := range drops {
		subset := make([][]byte, len(shards))
		copy(subset, shards)
		for _, i := range drop {
			subset[i] = nil
		}

		got, err := p.Reconstruct(subset)
		if err != nil {
			t.Fatalf("reconstruct with drops %v failed: %v", drop, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("reconstruct with drops %v produced wrong data", drop)
		}
	}
}

func TestPipeline_InsufficientShards(t *testing.T) {
	cfg := Config{DataShards: 4, ParityShards: 2, Algorithm: AlgorithmZstd}
	p := newTestPipeline(t, cfg)

	shards, err := p.Process([]byte("not enough shards survive this"))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	shards[0] = nil
	shards[1] = nil
	shards[2] = nil

	_, err = p.Reconstruct(shards)
	if !errors.Is(err, ErrInsufficientShards) {
		t.Fatalf("expected ErrInsufficientShards, got %v", err)
	}
}

func TestPipeline_WrongKey(t *testing.T) {
	cfg := Config{DataShards: 4, ParityShards: 2, Algorithm: AlgorithmZstd}
	sender := newTestPipeline(t, cfg)
	receiver := newTestPipeline(t, cfg) // different random key

	shards, err := sender.Process([]byte("sealed under another key"))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	_, err = receiver.Reconstruct(shards)
	if !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("expected ErrCiphertextInvalid, got %v", err)
	}
}

func TestPipeline_TamperedShard(t *testing.T) {
	cfg := Config{DataShards: 4, ParityShards: 2, Algorithm: AlgorithmZstd}
	p := newTestPipeline(t, cfg)

	shards, err := p.Process(bytes.Repeat([]byte("tamper detection "), 64))
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	// Flip one ciphertext byte; the AEAD tag must catch it.
	shards[1][3] ^= 0x01

	_, err = p.Reconstruct(shards)
	if !errors.Is(err, ErrCiphertextInvalid) {
		t.Fatalf("expected ErrCiphertextInvalid, got %v", err)
	}
}

func TestPipeline_SkipsCompressedContent(t *testing.T) {
	// A ZIP header makes the policy skip compression; the round trip
	// must still hold.
	cfg := Config{DataShards: 4, ParityShards: 2, Algorithm: AlgorithmZstd}
	p := newTestPipeline(t, cfg)

	data := append([]byte{0x50, 0x4B, 0x03, 0x04}, bytes.Repeat([]byte{0xA7}, 500)...)
	shards, err := p.Process(data)
	if err != nil {
		t.Fatalf("process failed: %v", err)
	}

	got, err := p.Reconstruct(shards)
	if err != nil {
		t.Fatalf("reconstruct failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("round trip of compression-skipped content failed")
	}
}

func TestPipeline_BrotliAndNone(t *testing.T) {
	data := bytes.Repeat([]byte("algorithm sweep "), 200)
	for _, alg := range []Algorithm{AlgorithmBrotli, AlgorithmNone} {
		cfg := Config{DataShards: 8, ParityShards: 2, Algorithm: alg}
		p := newTestPipeline(t, cfg)

		shards, err := p.Process(data)
		if err != nil {
			t.Fatalf("%v: process failed: %v", alg, err)
		}
		got, err := p.Reconstruct(shards)
		if err != nil {
			t.Fatalf("%v: reconstruct failed: %v", alg, err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("%v: round trip failed", alg)
		}
	}
}

func TestPipeline_EmptyAndTinyInputs(t *testing.T) {
	cfg := Config{DataShards: 8, ParityShards: 4, Algorithm: AlgorithmZstd}
	p := newTestPipeline(t, cfg)

	for _, data := range [][]byte{{}, {0x42}, []byte("ab")} {
		shards, err := p.Process(data)
		if err != nil {
			t.Fatalf("process of %d bytes failed: %v", len(data), err)
		}
		got, err := p.Reconstruct(shards)
		if err != nil {
			t.Fatalf("reconstruct of %d bytes failed: %v", len(data), err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("round trip of %d bytes failed", len(data))
		}
	}
}

func TestKeystore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.key")

	var key [KeySize]byte
	for i := range key {
		key[i] = byte(i * 7)
	}

	if err := SaveKey(key, path, "correct horse"); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := LoadKey(path, "correct horse")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if got != key {
		t.Error("loaded key does not match saved key")
	}

	if _, err := LoadKey(path, "wrong passphrase"); !errors.Is(err, ErrInvalidPassphrase) {
		t.Fatalf("expected ErrInvalidPassphrase, got %v", err)
	}
}
