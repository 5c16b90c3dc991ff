// Package p2p implements the tit-for-tat unchoke scheduler and the
// per-peer bandwidth split.
package p2p

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/warpgrid/warpgrid/internal/observability"
	"github.com/warpgrid/warpgrid/internal/ratelimit"
	"github.com/warpgrid/warpgrid/internal/types"
)

var (
	// ErrPeerChoked is returned when a choked peer requests a chunk.
	ErrPeerChoked = errors.New("peer is choked")

	// ErrPeerUnknown is returned for peers the engine has never seen.
	ErrPeerUnknown = errors.New("peer is unknown")
)

// Config holds the scheduler parameters.
type Config struct {
	MaxUploadBps           uint64
	MaxDownloadBps         uint64
	UnchokeInterval        time.Duration
	RegularUnchokeCount    int
	OptimisticUnchokeCount int
}

// DefaultConfig returns the scheduler defaults.
func DefaultConfig() Config {
	return Config{
		MaxUploadBps:           50_000_000,
		MaxDownloadBps:         100_000_000,
		UnchokeInterval:        10 * time.Second,
		RegularUnchokeCount:    4,
		OptimisticUnchokeCount: 1,
	}
}

// Allocation is one peer's share of the upload budget for the current
// interval.
type Allocation struct {
	Peer        types.PeerID
	BytesPerSec uint64
}

// unchokeSet is an immutable published rotation result. Observers read
// it through an atomic pointer and never see a partial update.
type unchokeSet struct {
	regular    []types.PeerID
	optimistic []types.PeerID
	members    map[types.PeerID]struct{}
}

func (u *unchokeSet) contains(peer types.PeerID) bool {
	_, ok := u.members[peer]
	return ok
}

func (u *unchokeSet) size() int { return len(u.members) }

// peerEntry wraps mutable per-peer state behind its own lock.
type peerEntry struct {
	mu     sync.Mutex
	stats  types.PeerStats
	bucket *ratelimit.Bucket
}

// Engine is the P2P transfer scheduler. Safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	peers map[types.PeerID]*peerEntry

	unchoked atomic.Pointer[unchokeSet]

	cfg     Config
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewEngine creates a P2P engine.
func NewEngine(cfg Config, log *observability.Logger, metrics *observability.Metrics) *Engine {
	if log == nil {
		log = observability.NopLogger()
	}
	e := &Engine{
		peers:   make(map[types.PeerID]*peerEntry),
		cfg:     cfg,
		log:     log,
		metrics: metrics,
	}
	e.unchoked.Store(&unchokeSet{members: make(map[types.PeerID]struct{})})
	return e
}

// AddPeer registers a peer. New peers start with reliability 1.
func (e *Engine) AddPeer(peer types.PeerID) {
	e.mu.Lock()
	if _, ok := e.peers[peer]; !ok {
		e.peers[peer] = &peerEntry{stats: types.NewPeerStats()}
	}
	e.mu.Unlock()
}

// RemovePeer forgets a peer. It stays in the published unchoke set
// until the next rotation but no longer accumulates stats.
func (e *Engine) RemovePeer(peer types.PeerID) {
	e.mu.Lock()
	delete(e.peers, peer)
	e.mu.Unlock()
}

func (e *Engine) entry(peer types.PeerID) *peerEntry {
	e.mu.RLock()
	p := e.peers[peer]
	e.mu.RUnlock()
	return p
}

// RecordUploaded adds bytes we uploaded to the peer.
func (e *Engine) RecordUploaded(peer types.PeerID, bytes uint64) {
	if p := e.entry(peer); p != nil {
		p.mu.Lock()
		p.stats.UploadedBytes += bytes
		p.stats.LastInteraction = time.Now()
		p.mu.Unlock()
	}
	if e.metrics != nil {
		e.metrics.BytesTransferredTotal.WithLabelValues("sent").Add(float64(bytes))
	}
}

// RecordDownloaded adds bytes the peer uploaded to us.
func (e *Engine) RecordDownloaded(peer types.PeerID, bytes uint64) {
	if p := e.entry(peer); p != nil {
		p.mu.Lock()
		p.stats.DownloadedBytes += bytes
		p.stats.LastInteraction = time.Now()
		p.mu.Unlock()
	}
	if e.metrics != nil {
		e.metrics.BytesTransferredTotal.WithLabelValues("received").Add(float64(bytes))
	}
}

// SetReliability clamps and sets a peer's reliability score.
func (e *Engine) SetReliability(peer types.PeerID, score float64) {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	if p := e.entry(peer); p != nil {
		p.mu.Lock()
		p.stats.ReliabilityScore = score
		p.mu.Unlock()
	}
}

// PeerStats returns a copy of a peer's stats.
func (e *Engine) PeerStats(peer types.PeerID) (types.PeerStats, bool) {
	p := e.entry(peer)
	if p == nil {
		return types.PeerStats{}, false
	}
	p.mu.Lock()
	stats := p.stats
	p.mu.Unlock()
	return stats, true
}

// HandleChunkRequest admits a chunk request from a peer. Unknown peers
// fail with ErrPeerUnknown, known-but-choked peers with ErrPeerChoked.
func (e *Engine) HandleChunkRequest(peer types.PeerID, _ types.ChunkID) error {
	p := e.entry(peer)
	if p == nil {
		return ErrPeerUnknown
	}
	if !e.unchoked.Load().contains(peer) {
		if e.metrics != nil {
			e.metrics.ChokedRequestsTotal.Inc()
		}
		return ErrPeerChoked
	}

	p.mu.Lock()
	p.stats.LastInteraction = time.Now()
	p.mu.Unlock()
	return nil
}

// IsUnchoked reports whether a peer is in the current unchoke set.
func (e *Engine) IsUnchoked(peer types.PeerID) bool {
	return e.unchoked.Load().contains(peer)
}

// UnchokedPeers returns the current unchoke set, regular slice first.
func (e *Engine) UnchokedPeers() []types.PeerID {
	set := e.unchoked.Load()
	out := make([]types.PeerID, 0, set.size())
	out = append(out, set.regular...)
	out = append(out, set.optimistic...)
	return out
}

// score is the tit-for-tat ranking: what the peer gave us weighs 0.7,
// what we gave them 0.3, both discounted by reliability.
func score(stats types.PeerStats) float64 {
	return (0.7*float64(stats.DownloadedBytes) + 0.3*float64(stats.UploadedBytes)) *
		stats.ReliabilityScore
}

// UpdateUnchokeSet recomputes and atomically publishes the unchoke
// set: the top RegularUnchokeCount peers by score, plus one peer drawn
// uniformly from the remainder when optimistic unchoking is enabled.
func (e *Engine) UpdateUnchokeSet() {
	type scored struct {
		peer  types.PeerID
		score float64
	}

	e.mu.RLock()
	ranked := make([]scored, 0, len(e.peers))
	for id, p := range e.peers {
		p.mu.Lock()
		s := score(p.stats)
		p.mu.Unlock()
		ranked = append(ranked, scored{peer: id, score: s})
	}
	e.mu.RUnlock()

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].peer < ranked[j].peer
	})

	set := &unchokeSet{members: make(map[types.PeerID]struct{})}

	regular := e.cfg.RegularUnchokeCount
	if regular > len(ranked) {
		regular = len(ranked)
	}
	for _, s := range ranked[:regular] {
		set.regular = append(set.regular, s.peer)
		set.members[s.peer] = struct{}{}
	}

	remainder := ranked[regular:]
	if e.cfg.OptimisticUnchokeCount > 0 && len(remainder) > 0 {
		pick := remainder[rand.IntN(len(remainder))].peer
		set.optimistic = append(set.optimistic, pick)
		set.members[pick] = struct{}{}
	}

	e.unchoked.Store(set)
	e.resizeBuckets(set)

	perPeer := e.perPeerBps(set.size())
	if e.metrics != nil {
		e.metrics.UnchokedPeers.Set(float64(set.size()))
	}
	e.log.UnchokeRotated(len(set.regular), len(set.optimistic), perPeer)
}

func (e *Engine) perPeerBps(unchoked int) uint64 {
	if unchoked < 1 {
		unchoked = 1
	}
	return e.cfg.MaxUploadBps / uint64(unchoked)
}

// resizeBuckets gives every unchoked peer a bucket refilling at its
// per-interval share and drains rates for peers that fell out.
func (e *Engine) resizeBuckets(set *unchokeSet) {
	rate := float64(e.perPeerBps(set.size()))

	e.mu.RLock()
	defer e.mu.RUnlock()
	for id, p := range e.peers {
		p.mu.Lock()
		if set.contains(id) {
			if p.bucket == nil {
				p.bucket = ratelimit.NewBucket(rate, int(rate))
			} else {
				p.bucket.SetRate(rate, int(rate))
			}
		} else if p.bucket != nil {
			p.bucket.SetRate(0, 0)
		}
		p.mu.Unlock()
	}
}

// ConsumeUpload draws n bytes from the peer's upload budget. Choked
// and unknown peers are refused outright.
func (e *Engine) ConsumeUpload(peer types.PeerID, n int) error {
	p := e.entry(peer)
	if p == nil {
		return ErrPeerUnknown
	}
	if !e.unchoked.Load().contains(peer) {
		return ErrPeerChoked
	}

	p.mu.Lock()
	bucket := p.bucket
	p.mu.Unlock()
	if bucket != nil {
		// Budget exhaustion delays, it does not error: the call waits
		// and retries until a refill admits n bytes.
		for !bucket.Allow(n) {
			time.Sleep(10 * time.Millisecond)
			if !e.unchoked.Load().contains(peer) {
				return ErrPeerChoked
			}
		}
	}
	return nil
}

// BandwidthAllocation returns each unchoked peer's bytes-per-second
// entitlement for the current interval.
func (e *Engine) BandwidthAllocation() []Allocation {
	set := e.unchoked.Load()
	perPeer := e.perPeerBps(set.size())

	out := make([]Allocation, 0, set.size())
	for _, peer := range set.regular {
		out = append(out, Allocation{Peer: peer, BytesPerSec: perPeer})
	}
	for _, peer := range set.optimistic {
		out = append(out, Allocation{Peer: peer, BytesPerSec: perPeer})
	}
	return out
}

// Run rotates the unchoke set every UnchokeInterval until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.UnchokeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.UpdateUnchokeSet()
		}
	}
}
