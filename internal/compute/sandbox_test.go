package compute

import (
	"bytes"
	"errors"
	"testing"
)

// validModule returns a blob passing the magic and version check.
func validModule() []byte {
	return []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00, 0xDE, 0xAD}
}

func testSandbox(simulation bool) *Sandbox {
	cfg := DefaultConfig()
	cfg.SimulationMode = simulation
	return NewSandbox(cfg, nil)
}

func TestSandbox_ModuleValidation(t *testing.T) {
	s := testSandbox(false)

	if err := s.ValidateModule(validModule()); err != nil {
		t.Fatalf("valid module rejected: %v", err)
	}

	cases := []struct {
		name   string
		module []byte
	}{
		{"empty", nil},
		{"short", []byte{0x00, 0x61}},
		{"bad magic", []byte{0x01, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}},
	}
	for _, tc := range cases {
		if err := s.ValidateModule(tc.module); !errors.Is(err, ErrModuleInvalid) {
			t.Errorf("%s: expected ErrModuleInvalid, got %v", tc.name, err)
		}
	}
}

func TestSandbox_ModuleTooLarge(t *testing.T) {
	s := testSandbox(false)
	huge := make([]byte, MaxModuleSize+1)
	copy(huge, validModule())
	if err := s.ValidateModule(huge); !errors.Is(err, ErrModuleTooLarge) {
		t.Fatalf("expected ErrModuleTooLarge, got %v", err)
	}
}

func TestSandbox_ModuleCaching(t *testing.T) {
	s := testSandbox(false)

	h1, err := s.LoadModule(validModule())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	h2, err := s.LoadModule(validModule())
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if h1 != h2 {
		t.Error("same module must hash identically")
	}
	if s.CachedModules() != 1 {
		t.Errorf("expected 1 cached module, got %d", s.CachedModules())
	}

	s.ClearCache()
	if s.CachedModules() != 0 {
		t.Error("cache should be empty after clear")
	}
}

func TestSandbox_SplitMergeRoundTrip(t *testing.T) {
	s := testSandbox(true)

	original := []byte("Hello, World! This is test data for split and merge.")

	split, err := s.Execute(validModule(), original, FunctionSplit)
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}

	merged, err := s.Execute(validModule(), split, FunctionMerge)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !bytes.Equal(merged, original) {
		t.Error("merge(split(x)) != x")
	}
}

func TestSandbox_ExecuteIdentityInSimulation(t *testing.T) {
	s := testSandbox(true)

	data := []byte("simulation passes input through")
	out, err := s.Execute(validModule(), data, FunctionExecute)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Error("simulation execute must return input unchanged")
	}
}

func TestSandbox_UnknownFunction(t *testing.T) {
	s := testSandbox(true)
	if _, err := s.Execute(validModule(), []byte("x"), "transform"); !errors.Is(err, ErrUnknownFunction) {
		t.Fatalf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestSandbox_InputTooLarge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMemoryMB = 0 // zero MB cap: everything is too large
	cfg.SimulationMode = true
	s := NewSandbox(cfg, nil)

	if _, err := s.Execute(validModule(), []byte("overflow"), FunctionExecute); !errors.Is(err, ErrInputTooLarge) {
		t.Fatalf("expected ErrInputTooLarge, got %v", err)
	}
}

func TestChunkFrame_RoundTrip(t *testing.T) {
	chunks := [][]byte{
		[]byte("first"),
		{},
		[]byte("a longer third chunk with more bytes"),
	}

	frame := SerializeChunks(chunks)
	decoded, err := DeserializeChunks(frame)
	if err != nil {
		t.Fatalf("deserialize failed: %v", err)
	}
	if len(decoded) != len(chunks) {
		t.Fatalf("expected %d chunks, got %d", len(chunks), len(decoded))
	}
	for i := range chunks {
		if !bytes.Equal(decoded[i], chunks[i]) {
			t.Errorf("chunk %d mismatch", i)
		}
	}

	// serialize(deserialize(frame)) reproduces the frame bytes.
	if !bytes.Equal(SerializeChunks(decoded), frame) {
		t.Error("frame re-serialization differs")
	}
}

func TestChunkFrame_Malformed(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{0x01, 0x00}},
		{"truncated header", []byte{0x01, 0x00, 0x00, 0x00, 0x05}},
		{"truncated payload", []byte{0x01, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 'a', 'b'}},
	}
	for _, tc := range cases {
		if _, err := DeserializeChunks(tc.data); !errors.Is(err, ErrFrameInvalid) {
			t.Errorf("%s: expected ErrFrameInvalid, got %v", tc.name, err)
		}
	}
}

func TestSandbox_EmptySplit(t *testing.T) {
	s := testSandbox(true)

	split, err := s.Execute(validModule(), nil, FunctionSplit)
	if err != nil {
		t.Fatalf("split of empty input failed: %v", err)
	}
	merged, err := s.Execute(validModule(), split, FunctionMerge)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if len(merged) != 0 {
		t.Errorf("expected empty merge output, got %d bytes", len(merged))
	}
}
