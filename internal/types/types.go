// Package types holds the identifiers and wire-adjacent data structures
// shared by the storage, FEC, P2P, and verification layers.
package types

import (
	"fmt"
	"time"
)

// ChunkID uniquely identifies a chunk of content.
type ChunkID uint64

// PeerID uniquely identifies a peer in the network.
type PeerID uint64

// FecGroupID uniquely identifies a FEC packet group.
type FecGroupID uint64

func (id ChunkID) String() string    { return fmt.Sprintf("chunk-%016x", uint64(id)) }
func (id PeerID) String() string     { return fmt.Sprintf("peer-%016x", uint64(id)) }
func (id FecGroupID) String() string { return fmt.Sprintf("group-%016x", uint64(id)) }

// SignatureSize is the length of an Ed25519 signature in bytes.
const SignatureSize = 64

// PublicKeySize is the length of an Ed25519 public key in bytes.
const PublicKeySize = 32

// ChunkData is a signed chunk as carried through the store and the
// transport. Data is treated as immutable once constructed; holders
// share the same backing slice and must not mutate it.
type ChunkData struct {
	ID         ChunkID
	Sequence   uint64
	Timestamp  time.Time
	SourcePeer PeerID
	Signature  [SignatureSize]byte
	Data       []byte
	// FecGroup is the group this chunk belongs to, if any.
	FecGroup    FecGroupID
	HasFecGroup bool
}

// Size returns the payload length in bytes.
func (c *ChunkData) Size() int { return len(c.Data) }

// Packet is a data packet within a FEC group. Index is in [0, k).
type Packet struct {
	GroupID FecGroupID
	Index   int
	Data    []byte
}

// ParityPacket is a parity packet within a FEC group. Index is in [0, m).
type ParityPacket struct {
	GroupID FecGroupID
	Index   int
	Data    []byte
}

// StorageStats is a point-in-time snapshot of chunk store counters.
type StorageStats struct {
	SizeBytes      int
	ChunkCount     int
	EvictionsTotal uint64
	HitsTotal      uint64
	MissesTotal    uint64
}

// PeerStats tracks per-peer transfer accounting for the unchoke
// scheduler. ReliabilityScore is in [0, 1]; new peers start at 1.
type PeerStats struct {
	UploadedBytes    uint64
	DownloadedBytes  uint64
	LastInteraction  time.Time
	ReliabilityScore float64
}

// NewPeerStats returns the stats a freshly discovered peer starts with.
func NewPeerStats() PeerStats {
	return PeerStats{ReliabilityScore: 1.0}
}
