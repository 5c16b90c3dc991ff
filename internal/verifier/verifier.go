// Package verifier authenticates chunks with Ed25519 against a
// trusted-key registry with revocation.
package verifier

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/warpgrid/warpgrid/internal/observability"
	"github.com/warpgrid/warpgrid/internal/types"
)

var (
	// ErrKeyUnknown is returned when no trusted key is registered for
	// the chunk's source peer.
	ErrKeyUnknown = errors.New("no trusted key for peer")

	// ErrKeyRevoked is returned when the source peer's key has been
	// revoked.
	ErrKeyRevoked = errors.New("peer key revoked")

	// ErrSignatureInvalid is returned when the signature does not
	// verify over the chunk payload.
	ErrSignatureInvalid = errors.New("chunk signature invalid")
)

// Stats is a snapshot of the verifier counters.
type Stats struct {
	Total        uint64
	Success      uint64
	Failed       uint64
	RevokedDrops uint64
}

// Verifier checks chunk signatures against trusted peer keys.
// Reads are concurrent; key add/revoke takes the exclusive lock.
type Verifier struct {
	mu      sync.RWMutex
	trusted map[types.PeerID]ed25519.PublicKey
	revoked map[types.PeerID]struct{}

	total        atomic.Uint64
	success      atomic.Uint64
	failed       atomic.Uint64
	revokedDrops atomic.Uint64

	metrics *observability.Metrics
	log     *observability.Logger
}

// New creates a verifier. metrics may be nil.
func New(log *observability.Logger, metrics *observability.Metrics) *Verifier {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Verifier{
		trusted: make(map[types.PeerID]ed25519.PublicKey),
		revoked: make(map[types.PeerID]struct{}),
		metrics: metrics,
		log:     log,
	}
}

// AddTrustedKey registers a peer's public key. Re-adding a revoked
// peer does not restore it; callers must treat revocation as final.
func (v *Verifier) AddTrustedKey(peer types.PeerID, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return errors.New("public key must be 32 bytes")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.revoked[peer]; ok {
		return ErrKeyRevoked
	}
	v.trusted[peer] = key
	if v.metrics != nil {
		v.metrics.TrustedKeys.Set(float64(len(v.trusted)))
	}
	return nil
}

// RevokeKey revokes a peer: its key leaves the trusted map and the
// peer enters the revocation set in one exclusive section.
func (v *Verifier) RevokeKey(peer types.PeerID) {
	v.mu.Lock()
	delete(v.trusted, peer)
	v.revoked[peer] = struct{}{}
	if v.metrics != nil {
		v.metrics.TrustedKeys.Set(float64(len(v.trusted)))
	}
	v.mu.Unlock()
}

// IsRevoked reports whether a peer has been revoked.
func (v *Verifier) IsRevoked(peer types.PeerID) bool {
	v.mu.RLock()
	_, ok := v.revoked[peer]
	v.mu.RUnlock()
	return ok
}

// TrustedKeyCount returns the number of registered keys.
func (v *Verifier) TrustedKeyCount() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.trusted)
}

// Verify checks the chunk's Ed25519 signature over its payload bytes.
// Revoked peers fail with ErrKeyRevoked — callers drop the chunk
// without surfacing the error; the drop counter makes it observable.
func (v *Verifier) Verify(chunk *types.ChunkData) error {
	v.total.Add(1)

	v.mu.RLock()
	_, revoked := v.revoked[chunk.SourcePeer]
	key, known := v.trusted[chunk.SourcePeer]
	v.mu.RUnlock()

	if revoked {
		v.failed.Add(1)
		v.revokedDrops.Add(1)
		if v.metrics != nil {
			v.metrics.RecordRevokedDrop()
		}
		v.log.ChunkRejected(chunk.ID, chunk.SourcePeer, "key revoked")
		return ErrKeyRevoked
	}
	if !known {
		v.failed.Add(1)
		if v.metrics != nil {
			v.metrics.RecordVerification(false)
		}
		return ErrKeyUnknown
	}

	if !ed25519.Verify(key, chunk.Data, chunk.Signature[:]) {
		v.failed.Add(1)
		if v.metrics != nil {
			v.metrics.RecordVerification(false)
		}
		v.log.ChunkRejected(chunk.ID, chunk.SourcePeer, "signature invalid")
		return ErrSignatureInvalid
	}

	v.success.Add(1)
	if v.metrics != nil {
		v.metrics.RecordVerification(true)
	}
	return nil
}

// VerifyOk is Verify reduced to a boolean.
func (v *Verifier) VerifyOk(chunk *types.ChunkData) bool {
	return v.Verify(chunk) == nil
}

// VerifyBatch verifies chunks in order and returns one result per
// chunk.
func (v *Verifier) VerifyBatch(chunks []*types.ChunkData) []error {
	results := make([]error, len(chunks))
	for i, c := range chunks {
		results[i] = v.Verify(c)
	}
	return results
}

// Stats returns a snapshot of the counters.
func (v *Verifier) Stats() Stats {
	return Stats{
		Total:        v.total.Load(),
		Success:      v.success.Load(),
		Failed:       v.failed.Load(),
		RevokedDrops: v.revokedDrops.Load(),
	}
}

// Sign signs payload with the given private key and returns the
// 64-byte signature. Provided for producers assembling ChunkData.
func Sign(priv ed25519.PrivateKey, payload []byte) [types.SignatureSize]byte {
	var sig [types.SignatureSize]byte
	copy(sig[:], ed25519.Sign(priv, payload))
	return sig
}
