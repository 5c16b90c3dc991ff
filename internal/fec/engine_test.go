package fec

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/warpgrid/warpgrid/internal/types"
)

func makePackets(groupID uint64, count, size int) []types.Packet {
	packets := make([]types.Packet, count)
	for i := range packets {
		data := make([]byte, size)
		for j := range data {
			data[j] = byte(i)
		}
		packets[i] = types.Packet{
			GroupID: types.FecGroupID(groupID),
			Index:   i,
			Data:    data,
		}
	}
	return packets
}

func newTestEngine(t *testing.T, k, m int) *Engine {
	t.Helper()
	e, err := NewEngine(Config{BlockSize: k, ParityCount: m}, nil)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func TestEngine_Encode(t *testing.T) {
	e := newTestEngine(t, 8, 2)

	packets := makePackets(1, 8, 100)
	parity, err := e.Encode(packets, 8, 2)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if len(parity) != 2 {
		t.Fatalf("expected 2 parity packets, got %d", len(parity))
	}
	for i, pp := range parity {
		if pp.GroupID != types.FecGroupID(1) {
			t.Errorf("parity %d carries wrong group id", i)
		}
		if pp.Index != i {
			t.Errorf("parity %d carries index %d", i, pp.Index)
		}
		if len(pp.Data) != 100 {
			t.Errorf("parity %d has length %d, want 100", i, len(pp.Data))
		}
	}
}

func TestEngine_EncodeInvalidBatch(t *testing.T) {
	e := newTestEngine(t, 8, 2)

	if _, err := e.Encode(nil, 8, 2); !errors.Is(err, ErrGroupSizeInvalid) {
		t.Errorf("expected ErrGroupSizeInvalid for empty batch, got %v", err)
	}
	if _, err := e.Encode(makePackets(1, 9, 10), 8, 2); !errors.Is(err, ErrGroupSizeInvalid) {
		t.Errorf("expected ErrGroupSizeInvalid for oversized batch, got %v", err)
	}
}

func TestEngine_RecoveryAfterLoss(t *testing.T) {
	// k=8 m=2, packets i -> [i; 100], drop 3 and 7, recover bytewise.
	e := newTestEngine(t, 8, 2)

	packets := makePackets(1, 8, 100)
	parity, err := e.Encode(packets, 8, 2)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	for i, p := range packets {
		if i == 3 || i == 7 {
			continue
		}
		if _, err := e.AddPacket(p); err != nil {
			t.Fatalf("add packet %d failed: %v", i, err)
		}
	}
	for _, pp := range parity {
		if _, err := e.AddParity(pp); err != nil {
			t.Fatalf("add parity %d failed: %v", pp.Index, err)
		}
	}

	if !e.CanRecover(types.FecGroupID(1)) {
		t.Fatal("group should be recoverable with 6 data + 2 parity")
	}

	recovered, err := e.Recover(types.FecGroupID(1))
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if len(recovered) != 2 {
		t.Fatalf("expected 2 recovered packets, got %d", len(recovered))
	}
	// Recovered packets appear in index order.
	if recovered[0].Index != 3 || recovered[1].Index != 7 {
		t.Fatalf("recovered indices %d,%d, want 3,7", recovered[0].Index, recovered[1].Index)
	}
	for _, p := range recovered {
		if !bytes.Equal(p.Data, packets[p.Index].Data) {
			t.Errorf("recovered packet %d differs from original", p.Index)
		}
	}
}

func TestEngine_NotRecoverableBelowK(t *testing.T) {
	e := newTestEngine(t, 8, 2)

	for _, p := range makePackets(1, 7, 50) {
		if _, err := e.AddPacket(p); err != nil {
			t.Fatalf("add packet failed: %v", err)
		}
	}

	if e.CanRecover(types.FecGroupID(1)) {
		t.Error("7 of 8 packets must not be recoverable")
	}
	if _, err := e.Recover(types.FecGroupID(1)); !errors.Is(err, ErrInsufficientPackets) {
		t.Fatalf("expected ErrInsufficientPackets, got %v", err)
	}
}

func TestEngine_DuplicateIndexFirstWriterWins(t *testing.T) {
	e := newTestEngine(t, 4, 2)

	first := types.Packet{GroupID: 5, Index: 0, Data: []byte("first")}
	second := types.Packet{GroupID: 5, Index: 0, Data: []byte("second")}

	if _, err := e.AddPacket(first); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if _, err := e.AddPacket(second); err != nil {
		t.Fatalf("duplicate add should not error: %v", err)
	}

	e.mu.RLock()
	g := e.groups[types.FecGroupID(5)]
	e.mu.RUnlock()
	if g.ReceivedCount != 1 {
		t.Errorf("duplicate must not count, received=%d", g.ReceivedCount)
	}
	if !bytes.Equal(g.DataPackets[0].Data, []byte("first")) {
		t.Error("first writer must win on duplicate index")
	}
}

func TestEngine_LatePacketsAfterRetire(t *testing.T) {
	e := newTestEngine(t, 4, 2)

	packets := makePackets(9, 4, 64)
	for _, p := range packets {
		if _, err := e.AddPacket(p); err != nil {
			t.Fatalf("add failed: %v", err)
		}
	}
	if _, err := e.Recover(types.FecGroupID(9)); err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if e.GroupState(types.FecGroupID(9)) != GroupRetired {
		t.Fatal("group should be retired after recovery")
	}

	// Late packets are silently discarded.
	recoverable, err := e.AddPacket(types.Packet{GroupID: 9, Index: 1, Data: []byte("late")})
	if err != nil {
		t.Fatalf("late packet must not error: %v", err)
	}
	if recoverable {
		t.Error("late packet must not reopen a retired group")
	}
	if _, err := e.AddParity(types.ParityPacket{GroupID: 9, Index: 0, Data: []byte("late")}); err != nil {
		t.Fatalf("late parity must not error: %v", err)
	}
}

func TestEngine_RecoverIsOrderIndependent(t *testing.T) {
	e := newTestEngine(t, 4, 2)

	packets := makePackets(3, 4, 32)
	parity, err := e.Encode(packets, 4, 2)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	// Parity first, then data out of order, dropping packet 1.
	for _, pp := range parity {
		e.AddParity(pp)
	}
	for _, i := range []int{3, 0, 2} {
		e.AddPacket(packets[i])
	}

	recovered, err := e.Recover(types.FecGroupID(3))
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if len(recovered) != 1 || recovered[0].Index != 1 {
		t.Fatalf("expected recovery of packet 1, got %v", recovered)
	}
	if !bytes.Equal(recovered[0].Data, packets[1].Data) {
		t.Error("recovered packet 1 differs from original")
	}
}

func TestEngine_UnevenPacketLengths(t *testing.T) {
	// Encode pads to the batch maximum; recovery returns padded data
	// for missing slots but present packets keep their bytes.
	e := newTestEngine(t, 4, 2)

	packets := []types.Packet{
		{GroupID: 11, Index: 0, Data: []byte("short")},
		{GroupID: 11, Index: 1, Data: []byte("a much longer packet body")},
		{GroupID: 11, Index: 2, Data: []byte("mid-length")},
		{GroupID: 11, Index: 3, Data: []byte("x")},
	}
	parity, err := e.Encode(packets, 4, 2)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	maxLen := len(packets[1].Data)
	for i, p := range packets {
		if i == 2 {
			continue
		}
		e.AddPacket(p)
	}
	for _, pp := range parity {
		e.AddParity(pp)
	}

	recovered, err := e.Recover(types.FecGroupID(11))
	if err != nil {
		t.Fatalf("recover failed: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("expected 1 recovered packet, got %d", len(recovered))
	}
	want := make([]byte, maxLen)
	copy(want, packets[2].Data)
	if !bytes.Equal(recovered[0].Data, want) {
		t.Error("recovered packet should carry the zero-padded original")
	}
}

func TestSelectParams_LatencyBands(t *testing.T) {
	cases := []struct {
		budget time.Duration
		loss   float64
		wantK  int
	}{
		{50 * time.Millisecond, 0.01, 8},
		{100 * time.Millisecond, 0.01, 8},
		{150 * time.Millisecond, 0.01, 16},
		{300 * time.Millisecond, 0.01, 32},
		{2 * time.Second, 0.01, 64},
	}
	for _, tc := range cases {
		k, m := SelectParams(tc.budget, tc.loss)
		if k != tc.wantK {
			t.Errorf("budget %v: k=%d, want %d", tc.budget, k, tc.wantK)
		}
		if m < 2 || m > k/2 {
			t.Errorf("budget %v: m=%d outside [2, %d]", tc.budget, m, k/2)
		}
	}

	// High loss pushes parity toward the cap.
	_, m := SelectParams(200*time.Millisecond, 0.5)
	if m != 8 {
		t.Errorf("k=16 loss=0.5: m=%d, want cap 8", m)
	}
}

func TestController_Tick(t *testing.T) {
	var gotReason string
	c := NewController(16, 2, func(k, m int, reason string) { gotReason = reason })

	c.Loss().OnSent(100)
	c.Loss().OnLost(15)
	c.Tick()

	if _, m := c.Params(); m != 4 {
		t.Errorf("m=%d after 15%% loss, want 4", m)
	}
	if gotReason != "loss>10%" {
		t.Errorf("reason=%q", gotReason)
	}

	c.Loss().Reset()
	c.Loss().OnSent(1000)
	c.Tick()
	if _, m := c.Params(); m != 3 {
		t.Errorf("m=%d after quiet window, want 3", m)
	}
}
