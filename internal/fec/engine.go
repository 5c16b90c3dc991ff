// Package fec carries packets toward groups and recovers missing data
// packets with Reed-Solomon parity once a group is decodable.
package fec

import (
	"errors"
	"fmt"
	"sync"

	"github.com/warpgrid/warpgrid/internal/erasure"
	"github.com/warpgrid/warpgrid/internal/observability"
	"github.com/warpgrid/warpgrid/internal/types"
)

var (
	// ErrGroupSizeInvalid is returned when an encode batch is empty or
	// larger than the block size.
	ErrGroupSizeInvalid = errors.New("invalid FEC group size")

	// ErrInsufficientPackets is returned when a group is decoded before
	// it is recoverable.
	ErrInsufficientPackets = errors.New("insufficient packets for recovery")
)

// ReconstructionIncompleteError mirrors the codec error at the engine
// surface: some data slots could not be materialized.
type ReconstructionIncompleteError = erasure.ReconstructionIncompleteError

// GroupState is the per-group recovery state machine.
type GroupState int

const (
	// GroupOpen is collecting packets.
	GroupOpen GroupState = iota
	// GroupRecoverable has received at least k packets.
	GroupRecoverable
	// GroupRetired has been decoded; later packets are discarded.
	GroupRetired
)

func (gs GroupState) String() string {
	switch gs {
	case GroupOpen:
		return "open"
	case GroupRecoverable:
		return "recoverable"
	case GroupRetired:
		return "retired"
	default:
		return "unknown"
	}
}

// Group accumulates the packets of one FEC cohort.
type Group struct {
	ID             types.FecGroupID
	DataPackets    []*types.Packet
	ParityPackets  []types.ParityPacket
	ReceivedCount  int
	ExpectedData   int
	ExpectedParity int
	State          GroupState
}

func newGroup(id types.FecGroupID, k, m int) *Group {
	return &Group{
		ID:             id,
		DataPackets:    make([]*types.Packet, k),
		ExpectedData:   k,
		ExpectedParity: m,
		State:          GroupOpen,
	}
}

// CanRecover reports whether the group holds enough packets to decode.
func (g *Group) CanRecover() bool {
	return g.ReceivedCount >= g.ExpectedData
}

// IsComplete reports whether every data slot is filled.
func (g *Group) IsComplete() bool {
	for _, p := range g.DataPackets {
		if p == nil {
			return false
		}
	}
	return true
}

// Config holds the engine's default geometry.
type Config struct {
	BlockSize   int // k, data packets per group
	ParityCount int // m, parity packets per group
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{BlockSize: 16, ParityCount: 2}
}

// Engine tracks active FEC groups and runs encode/recover. Safe for
// concurrent use.
type Engine struct {
	mu     sync.RWMutex
	groups map[types.FecGroupID]*Group

	cfg     Config
	log     *observability.Logger
	metrics *observability.Metrics

	codecMu sync.Mutex
	codecs  map[[2]int]*erasure.Codec
}

// NewEngine creates a FEC engine with the given defaults.
func NewEngine(cfg Config, log *observability.Logger) (*Engine, error) {
	if cfg.BlockSize < 1 || cfg.ParityCount < 1 || cfg.ParityCount >= 256 {
		return nil, fmt.Errorf("%w: k=%d m=%d", ErrGroupSizeInvalid, cfg.BlockSize, cfg.ParityCount)
	}
	if log == nil {
		log = observability.NopLogger()
	}
	return &Engine{
		groups: make(map[types.FecGroupID]*Group),
		cfg:    cfg,
		log:    log,
		codecs: make(map[[2]int]*erasure.Codec),
	}, nil
}

// WithMetrics attaches a metrics registry and returns the engine.
func (e *Engine) WithMetrics(m *observability.Metrics) *Engine {
	e.metrics = m
	return e
}

// codec returns a cached codec for (k, m).
func (e *Engine) codec(k, m int) (*erasure.Codec, error) {
	key := [2]int{k, m}
	e.codecMu.Lock()
	defer e.codecMu.Unlock()
	if c, ok := e.codecs[key]; ok {
		return c, nil
	}
	c, err := erasure.New(k, m)
	if err != nil {
		return nil, err
	}
	e.codecs[key] = c
	return c, nil
}

// Encode pads every packet of the batch to the batch maximum, computes
// m parity packets, and returns them carrying the group id. The batch
// may be short of k; the absent tail is treated as zero packets.
func (e *Engine) Encode(packets []types.Packet, k, m int) ([]types.ParityPacket, error) {
	if len(packets) == 0 {
		return nil, fmt.Errorf("%w: empty packet batch", ErrGroupSizeInvalid)
	}
	if len(packets) > k {
		return nil, fmt.Errorf("%w: %d packets exceed block size %d", ErrGroupSizeInvalid, len(packets), k)
	}

	codec, err := e.codec(k, m)
	if err != nil {
		return nil, err
	}

	maxLen := 0
	for i := range packets {
		if len(packets[i].Data) > maxLen {
			maxLen = len(packets[i].Data)
		}
	}

	shards := make([][]byte, k+m)
	for i := range packets {
		shard := make([]byte, maxLen)
		copy(shard, packets[i].Data)
		shards[i] = shard
	}
	for i := len(packets); i < k+m; i++ {
		shards[i] = make([]byte, maxLen)
	}

	if err := codec.Encode(shards); err != nil {
		return nil, fmt.Errorf("parity encoding failed: %w", err)
	}

	groupID := packets[0].GroupID
	parity := make([]types.ParityPacket, m)
	for i := 0; i < m; i++ {
		parity[i] = types.ParityPacket{
			GroupID: groupID,
			Index:   i,
			Data:    shards[k+i],
		}
	}
	if e.metrics != nil {
		e.metrics.FECParityPacketsSentTotal.Add(float64(m))
	}
	return parity, nil
}

// AddPacket stores a data packet into its group. Duplicate indices are
// ignored (first writer wins); packets for a retired group are
// silently discarded. Returns whether the group is now recoverable.
func (e *Engine) AddPacket(packet types.Packet) (bool, error) {
	if packet.Index < 0 || packet.Index >= e.cfg.BlockSize {
		return false, fmt.Errorf("%w: data index %d out of [0,%d)", ErrGroupSizeInvalid, packet.Index, e.cfg.BlockSize)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.groupLocked(packet.GroupID)
	if g.State == GroupRetired {
		if e.metrics != nil {
			e.metrics.FECLatePacketsTotal.Inc()
		}
		return false, nil
	}

	if g.DataPackets[packet.Index] == nil {
		p := packet
		g.DataPackets[packet.Index] = &p
		g.ReceivedCount++
	}
	if g.CanRecover() && g.State == GroupOpen {
		g.State = GroupRecoverable
	}
	return g.State == GroupRecoverable, nil
}

// AddParity stores a parity packet into its group with the same
// duplicate and retirement rules as AddPacket.
func (e *Engine) AddParity(parity types.ParityPacket) (bool, error) {
	if parity.Index < 0 || parity.Index >= e.cfg.ParityCount {
		return false, fmt.Errorf("%w: parity index %d out of [0,%d)", ErrGroupSizeInvalid, parity.Index, e.cfg.ParityCount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	g := e.groupLocked(parity.GroupID)
	if g.State == GroupRetired {
		if e.metrics != nil {
			e.metrics.FECLatePacketsTotal.Inc()
		}
		return false, nil
	}

	for i := range g.ParityPackets {
		if g.ParityPackets[i].Index == parity.Index {
			return g.State == GroupRecoverable, nil
		}
	}
	g.ParityPackets = append(g.ParityPackets, parity)
	g.ReceivedCount++

	if g.CanRecover() && g.State == GroupOpen {
		g.State = GroupRecoverable
	}
	return g.State == GroupRecoverable, nil
}

func (e *Engine) groupLocked(id types.FecGroupID) *Group {
	g, ok := e.groups[id]
	if !ok {
		g = newGroup(id, e.cfg.BlockSize, e.cfg.ParityCount)
		e.groups[id] = g
	}
	return g
}

// CanRecover reports whether the group exists and is decodable.
func (e *Engine) CanRecover(id types.FecGroupID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.groups[id]
	return ok && g.State != GroupRetired && g.CanRecover()
}

// GroupState returns the state of a group, or GroupOpen for an unknown
// id.
func (e *Engine) GroupState(id types.FecGroupID) GroupState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if g, ok := e.groups[id]; ok {
		return g.State
	}
	return GroupOpen
}

// Recover decodes the group, materializes the missing data packets in
// index order, retires the group, and returns the recovered packets.
// Recovery is order-independent with respect to packet arrival.
func (e *Engine) Recover(id types.FecGroupID) ([]types.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g, ok := e.groups[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown group %v", ErrInsufficientPackets, id)
	}
	if g.State == GroupRetired {
		return nil, nil
	}
	if !g.CanRecover() {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrInsufficientPackets, g.ReceivedCount, g.ExpectedData)
	}

	recovered, err := e.decodeLocked(g)
	if err != nil {
		if e.metrics != nil {
			e.metrics.RecordFECRecovery(false)
		}
		return nil, err
	}

	g.State = GroupRetired
	if e.metrics != nil {
		e.metrics.RecordFECRecovery(true)
	}
	e.log.GroupRecovered(g.ID, len(recovered), g.ReceivedCount)
	return recovered, nil
}

// decodeLocked runs the Reed-Solomon data reconstruction for g and
// fills its empty slots. Never returns partially reconstructed data.
func (e *Engine) decodeLocked(g *Group) ([]types.Packet, error) {
	k := g.ExpectedData
	m := g.ExpectedParity

	codec, err := e.codec(k, m)
	if err != nil {
		return nil, err
	}

	maxLen := 0
	for _, p := range g.DataPackets {
		if p != nil && len(p.Data) > maxLen {
			maxLen = len(p.Data)
		}
	}
	for i := range g.ParityPackets {
		if len(g.ParityPackets[i].Data) > maxLen {
			maxLen = len(g.ParityPackets[i].Data)
		}
	}

	shards := make([][]byte, k+m)
	for i, p := range g.DataPackets {
		if p == nil {
			continue
		}
		shard := make([]byte, maxLen)
		copy(shard, p.Data)
		shards[i] = shard
	}
	for i := range g.ParityPackets {
		pp := &g.ParityPackets[i]
		if pp.Index >= m {
			continue
		}
		shard := make([]byte, maxLen)
		copy(shard, pp.Data)
		shards[k+pp.Index] = shard
	}

	if err := codec.ReconstructData(shards); err != nil {
		return nil, err
	}

	var recovered []types.Packet
	for i := 0; i < k; i++ {
		if g.DataPackets[i] != nil {
			continue
		}
		p := types.Packet{GroupID: g.ID, Index: i, Data: shards[i]}
		g.DataPackets[i] = &p
		recovered = append(recovered, p)
	}
	return recovered, nil
}

// RemoveGroup forgets a group entirely. Packets arriving afterwards
// open a fresh group, so callers retire groups with Recover first and
// remove them only once late packets are no longer expected.
func (e *Engine) RemoveGroup(id types.FecGroupID) {
	e.mu.Lock()
	delete(e.groups, id)
	e.mu.Unlock()
}

// ActiveGroups returns the number of groups currently tracked.
func (e *Engine) ActiveGroups() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.groups)
}
