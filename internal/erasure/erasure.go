// Package erasure wraps Reed-Solomon coding over GF(256) behind the
// shard-slice shape the CES pipeline and the FEC engine share.
package erasure

import (
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

var (
	// ErrInsufficientShards is returned when fewer than k shards are
	// present during reconstruction.
	ErrInsufficientShards = errors.New("insufficient shards for reconstruction")

	// ErrShardLengthMismatch is returned when shards in one call do not
	// all have the same length.
	ErrShardLengthMismatch = errors.New("shard length mismatch")
)

// ReconstructionIncompleteError reports the shard indices that could
// not be materialized by a reconstruction pass.
type ReconstructionIncompleteError struct {
	Indices []int
}

func (e *ReconstructionIncompleteError) Error() string {
	return fmt.Sprintf("reconstruction incomplete at indices %v", e.Indices)
}

// Codec is a Reed-Solomon coder for a fixed (k, m) geometry.
// A Codec is safe for concurrent use.
type Codec struct {
	k  int // data shards
	m  int // parity shards
	rs reedsolomon.Encoder
}

// New creates a codec for k data shards and m parity shards.
// m may be zero, in which case Encode is a no-op and Reconstruct
// requires every data shard to be present.
func New(k, m int) (*Codec, error) {
	if k < 1 || k > 256 {
		return nil, fmt.Errorf("data shards must be between 1 and 256, got %d", k)
	}
	if m < 0 || m > 256 {
		return nil, fmt.Errorf("parity shards must be between 0 and 256, got %d", m)
	}

	c := &Codec{k: k, m: m}
	if m > 0 {
		rs, err := reedsolomon.New(k, m)
		if err != nil {
			return nil, fmt.Errorf("failed to create reed-solomon coder: %w", err)
		}
		c.rs = rs
	}
	return c, nil
}

// Shards returns (k, m).
func (c *Codec) Shards() (k, m int) { return c.k, c.m }

// Encode fills the parity slots [k, k+m) of shards in place. Data
// shards occupy [0, k); parity slots must be allocated and zeroed to
// the same length as the data shards.
func (c *Codec) Encode(shards [][]byte) error {
	if len(shards) != c.k+c.m {
		return fmt.Errorf("expected %d shards, got %d", c.k+c.m, len(shards))
	}
	if err := c.checkLengths(shards); err != nil {
		return err
	}
	if c.m == 0 {
		return nil
	}
	if err := c.rs.Encode(shards); err != nil {
		return fmt.Errorf("reed-solomon encoding failed: %w", err)
	}
	return nil
}

// Reconstruct rebuilds every missing shard (nil entries) in place,
// data and parity alike. At least k shards must be present.
func (c *Codec) Reconstruct(shards [][]byte) error {
	return c.reconstruct(shards, false)
}

// ReconstructData rebuilds only the missing data shards in place,
// leaving absent parity shards nil.
func (c *Codec) ReconstructData(shards [][]byte) error {
	return c.reconstruct(shards, true)
}

func (c *Codec) reconstruct(shards [][]byte, dataOnly bool) error {
	if len(shards) != c.k+c.m {
		return fmt.Errorf("expected %d shards, got %d", c.k+c.m, len(shards))
	}
	present := 0
	for _, s := range shards {
		if s != nil {
			present++
		}
	}
	if present < c.k {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientShards, present, c.k)
	}
	if err := c.checkLengths(shards); err != nil {
		return err
	}

	if c.m == 0 {
		// No parity to recover from; k present shards means all of them.
		return nil
	}

	var err error
	if dataOnly {
		err = c.rs.ReconstructData(shards)
	} else {
		err = c.rs.Reconstruct(shards)
	}
	if err != nil {
		return fmt.Errorf("reed-solomon reconstruction failed: %w", err)
	}

	// The coder must never hand back partially materialized data.
	var missing []int
	for i := 0; i < c.k; i++ {
		if shards[i] == nil {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return &ReconstructionIncompleteError{Indices: missing}
	}
	return nil
}

// checkLengths verifies all present shards have equal length.
func (c *Codec) checkLengths(shards [][]byte) error {
	size := -1
	for i, s := range shards {
		if s == nil {
			continue
		}
		if size == -1 {
			size = len(s)
			continue
		}
		if len(s) != size {
			return fmt.Errorf("%w: shard %d is %d bytes, expected %d",
				ErrShardLengthMismatch, i, len(s), size)
		}
	}
	return nil
}
