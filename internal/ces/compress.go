package ces

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

// Algorithm selects the compression codec used by the pipeline.
// The set is closed; callers switch on it rather than plugging in
// arbitrary implementations.
type Algorithm int

const (
	// AlgorithmZstd compresses with Zstandard.
	AlgorithmZstd Algorithm = iota
	// AlgorithmBrotli compresses with Brotli.
	AlgorithmBrotli
	// AlgorithmNone stores data uncompressed.
	AlgorithmNone
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmZstd:
		return "zstd"
	case AlgorithmBrotli:
		return "brotli"
	case AlgorithmNone:
		return "none"
	default:
		return "unknown"
	}
}

// Markers recorded in the first plaintext byte so the inverse pipeline
// knows whether the payload was compressed. Content that the policy
// skips (archives, video) or that uses AlgorithmNone is stored raw.
const (
	markerStored     byte = 0
	markerCompressed byte = 1
)

// compress returns data compressed with the given algorithm and level.
// Level 0 or AlgorithmNone returns the input unchanged.
func compress(alg Algorithm, data []byte, level int) ([]byte, error) {
	if level <= 0 || alg == AlgorithmNone {
		return data, nil
	}

	switch alg {
	case AlgorithmZstd:
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		out := enc.EncodeAll(data, nil)
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		return out, nil

	case AlgorithmBrotli:
		// Brotli quality range is 0-11.
		quality := level
		if quality > 11 {
			quality = 11
		}
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, quality)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrCompressionFailed, alg)
	}
}

// decompress inverts compress for the given algorithm.
func decompress(alg Algorithm, data []byte) ([]byte, error) {
	switch alg {
	case AlgorithmZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		return out, nil

	case AlgorithmBrotli:
		r := brotli.NewReader(bytes.NewReader(data))
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCompressionFailed, err)
		}
		return out, nil

	case AlgorithmNone:
		return data, nil

	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrCompressionFailed, alg)
	}
}
