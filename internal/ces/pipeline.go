// Package ces implements the compress/encrypt/shard pipeline: content
// is type-detected, compressed by policy, sealed with
// XChaCha20-Poly1305, length-framed, and split into Reed-Solomon
// shards. Reconstruct inverts the pipeline from any k-subset of shards.
package ces

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/warpgrid/warpgrid/internal/erasure"
	"github.com/warpgrid/warpgrid/internal/observability"
)

var (
	// ErrCompressionFailed is returned when the compression codec fails.
	ErrCompressionFailed = errors.New("compression failed")

	// ErrCiphertextInvalid is returned when the AEAD tag does not verify
	// or the ciphertext is malformed.
	ErrCiphertextInvalid = errors.New("ciphertext invalid")

	// ErrTruncatedShardSet is returned when the reconstructed buffer is
	// shorter than its length frame claims.
	ErrTruncatedShardSet = errors.New("truncated shard set")

	// ErrInsufficientShards mirrors the codec error at the pipeline
	// surface.
	ErrInsufficientShards = erasure.ErrInsufficientShards
)

// KeySize is the symmetric key length in bytes.
const KeySize = 32

// lengthPrefixSize is the little-endian ciphertext-length frame
// prepended before sharding so reconstruction can strip the
// Reed-Solomon zero padding.
const lengthPrefixSize = 4

// Config holds the pipeline geometry and compression selection.
type Config struct {
	DataShards   int
	ParityShards int
	Algorithm    Algorithm
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		DataShards:   8,
		ParityShards: 4,
		Algorithm:    AlgorithmZstd,
	}
}

// Pipeline transforms blobs into shard sets and back. Safe for
// concurrent use; each call owns its buffers.
type Pipeline struct {
	cfg     Config
	key     [KeySize]byte
	codec   *erasure.Codec
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewPipeline creates a pipeline with a freshly generated random key.
// Use WithKey to install a shared key for reconstruction on the far
// side.
func NewPipeline(cfg Config, log *observability.Logger) (*Pipeline, error) {
	codec, err := erasure.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create shard codec: %w", err)
	}
	if log == nil {
		log = observability.NopLogger()
	}

	p := &Pipeline{cfg: cfg, codec: codec, log: log}
	if _, err := rand.Read(p.key[:]); err != nil {
		return nil, fmt.Errorf("failed to generate encryption key: %w", err)
	}
	return p, nil
}

// WithKey installs an explicit 32-byte key and returns the pipeline.
func (p *Pipeline) WithKey(key [KeySize]byte) *Pipeline {
	p.key = key
	return p
}

// WithMetrics attaches a metrics registry and returns the pipeline.
func (p *Pipeline) WithMetrics(m *observability.Metrics) *Pipeline {
	p.metrics = m
	return p
}

// Key returns a copy of the symmetric key. It travels out of band.
func (p *Pipeline) Key() [KeySize]byte {
	return p.key
}

// ParityCount returns the configured number of parity shards.
func (p *Pipeline) ParityCount() int {
	return p.cfg.ParityShards
}

// Process runs the forward pipeline and returns the k+m shards in
// index order.
func (p *Pipeline) Process(data []byte) (shards [][]byte, err error) {
	if p.metrics != nil {
		p.metrics.PipelineBytesIn.Add(float64(len(data)))
		defer func() {
			result := "success"
			if err != nil {
				result = "failure"
			}
			p.metrics.PipelineProcessedTotal.WithLabelValues("forward", result).Inc()
		}()
	}

	fileType := DetectContent(data)

	// Compress by policy; a one-byte marker records whether the payload
	// was stored raw so Reconstruct does not have to guess.
	var plain []byte
	if fileType.SkipCompression() || p.cfg.Algorithm == AlgorithmNone {
		plain = make([]byte, 1+len(data))
		plain[0] = markerStored
		copy(plain[1:], data)
	} else {
		compressed, err := compress(p.cfg.Algorithm, data, fileType.CompressionLevel())
		if err != nil {
			return nil, err
		}
		plain = make([]byte, 1+len(compressed))
		plain[0] = markerCompressed
		copy(plain[1:], compressed)
	}

	if p.metrics != nil {
		p.metrics.PipelineBytesCompressed.Add(float64(len(plain) - 1))
	}

	encrypted, err := p.encrypt(plain)
	if err != nil {
		return nil, err
	}

	// Length frame ahead of the ciphertext so the exact range survives
	// shard zero padding.
	framed := make([]byte, lengthPrefixSize+len(encrypted))
	binary.LittleEndian.PutUint32(framed, uint32(len(encrypted)))
	copy(framed[lengthPrefixSize:], encrypted)

	shards, err = p.shard(framed)
	if err != nil {
		return nil, err
	}

	p.log.PipelineProcessed(len(data), len(plain)-1, fileType.String(),
		p.cfg.DataShards, p.cfg.ParityShards)
	return shards, nil
}

// Reconstruct inverts Process. Missing shards are nil entries; any k
// present shards suffice.
func (p *Pipeline) Reconstruct(shards [][]byte) (data []byte, err error) {
	if p.metrics != nil {
		defer func() {
			result := "success"
			if err != nil {
				result = "failure"
			}
			p.metrics.PipelineProcessedTotal.WithLabelValues("inverse", result).Inc()
		}()
	}

	buf, err := p.reconstructShards(shards)
	if err != nil {
		return nil, err
	}

	if len(buf) < lengthPrefixSize {
		return nil, fmt.Errorf("%w: %d bytes reconstructed", ErrTruncatedShardSet, len(buf))
	}
	encLen := int(binary.LittleEndian.Uint32(buf))
	if len(buf) < lengthPrefixSize+encLen {
		return nil, fmt.Errorf("%w: frame claims %d ciphertext bytes, have %d",
			ErrTruncatedShardSet, encLen, len(buf)-lengthPrefixSize)
	}

	plain, err := p.decrypt(buf[lengthPrefixSize : lengthPrefixSize+encLen])
	if err != nil {
		return nil, err
	}
	if len(plain) < 1 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrCiphertextInvalid)
	}

	switch plain[0] {
	case markerStored:
		return plain[1:], nil
	case markerCompressed:
		return decompress(p.cfg.Algorithm, plain[1:])
	default:
		return nil, fmt.Errorf("%w: unknown payload marker %d", ErrCiphertextInvalid, plain[0])
	}
}

// encrypt seals plain with XChaCha20-Poly1305 under a fresh random
// nonce and returns nonce || ciphertext.
func (p *Pipeline) encrypt(plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(p.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, len(nonce)+len(plain)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// decrypt inverts encrypt. Tag mismatch yields ErrCiphertextInvalid.
func (p *Pipeline) decrypt(data []byte) ([]byte, error) {
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, fmt.Errorf("%w: too short to contain nonce", ErrCiphertextInvalid)
	}

	aead, err := chacha20poly1305.NewX(p.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}

	nonce := data[:chacha20poly1305.NonceSizeX]
	plain, err := aead.Open(nil, nonce, data[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCiphertextInvalid, err)
	}
	return plain, nil
}

// shard splits the framed buffer across k data shards of ceil(L/k)
// bytes each, zero-pads the tail, appends m zero parity shards, and
// encodes. Data shards are filled in parallel.
func (p *Pipeline) shard(data []byte) ([][]byte, error) {
	k := p.cfg.DataShards
	m := p.cfg.ParityShards
	shardSize := (len(data) + k - 1) / k
	if shardSize == 0 {
		shardSize = 1
	}

	shards := make([][]byte, k+m)

	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			shard := make([]byte, shardSize)
			start := i * shardSize
			if start < len(data) {
				end := start + shardSize
				if end > len(data) {
					end = len(data)
				}
				copy(shard, data[start:end])
			}
			shards[i] = shard
		}(i)
	}
	wg.Wait()

	for i := k; i < k+m; i++ {
		shards[i] = make([]byte, shardSize)
	}

	if err := p.codec.Encode(shards); err != nil {
		return nil, fmt.Errorf("shard encoding failed: %w", err)
	}
	return shards, nil
}

// reconstructShards recovers missing data shards and concatenates the
// k data shards in index order.
func (p *Pipeline) reconstructShards(shards [][]byte) ([]byte, error) {
	if len(shards) != p.cfg.DataShards+p.cfg.ParityShards {
		return nil, fmt.Errorf("expected %d shards, got %d",
			p.cfg.DataShards+p.cfg.ParityShards, len(shards))
	}

	// Work on a copy so the caller's slice is left untouched.
	work := make([][]byte, len(shards))
	copy(work, shards)

	if err := p.codec.ReconstructData(work); err != nil {
		return nil, err
	}

	size := 0
	for i := 0; i < p.cfg.DataShards; i++ {
		size += len(work[i])
	}
	out := make([]byte, 0, size)
	for i := 0; i < p.cfg.DataShards; i++ {
		out = append(out, work[i]...)
	}
	return out, nil
}
