package compute

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/warpgrid/warpgrid/internal/observability"
)

// Module validation constants: the magic "\0asm" and version 1 header.
var (
	moduleMagic   = []byte{0x00, 0x61, 0x73, 0x6D}
	moduleVersion = []byte{0x01, 0x00, 0x00, 0x00}
)

// moduleHeaderSize covers magic plus version.
const moduleHeaderSize = 8

// MaxModuleSize caps accepted module blobs at 64 MiB.
const MaxModuleSize = 64 * 1024 * 1024

// cachedModule records a validated module by content hash.
type cachedModule struct {
	hash string
	size int
}

// Sandbox executes module functions under the resource meter with no
// network and no filesystem reachable from the executed code. One
// sandbox runs one task at a time; the engine serializes access.
type Sandbox struct {
	cfg   Config
	meter *Meter
	log   *observability.Logger

	mu          sync.Mutex
	moduleCache map[string]cachedModule
}

// NewSandbox creates a sandbox. When simulation mode is enabled the
// constructor warns loudly: simulation must never reach production.
func NewSandbox(cfg Config, log *observability.Logger) *Sandbox {
	if log == nil {
		log = observability.NopLogger()
	}
	if cfg.SimulationMode {
		log.Warn("SIMULATION MODE ENABLED: execute returns input unchanged; never use in production")
	}

	return &Sandbox{
		cfg: cfg,
		meter: NewMeter(Limits{
			MaxMemoryBytes:     cfg.MaxMemoryMB * 1024 * 1024,
			MaxCPUCycles:       cfg.MaxCPUCycles,
			MaxExecutionTimeMS: cfg.MaxExecutionMS,
		}),
		log:         log,
		moduleCache: make(map[string]cachedModule),
	}
}

// Meter exposes the sandbox meter so callers can interrupt execution.
func (s *Sandbox) Meter() *Meter { return s.meter }

// ValidateModule checks the module header: 4-byte magic "\0asm"
// followed by version 01 00 00 00.
func (s *Sandbox) ValidateModule(module []byte) error {
	if len(module) > MaxModuleSize {
		return fmt.Errorf("%w: %d bytes", ErrModuleTooLarge, len(module))
	}
	if len(module) < moduleHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrModuleInvalid, len(module))
	}
	for i := range moduleMagic {
		if module[i] != moduleMagic[i] {
			return ErrModuleInvalid
		}
	}
	for i := range moduleVersion {
		if module[4+i] != moduleVersion[i] {
			return fmt.Errorf("%w: unsupported version", ErrModuleInvalid)
		}
	}
	return nil
}

// LoadModule validates and caches a module, returning its SHA-256 hex
// hash. Already-cached modules skip validation.
func (s *Sandbox) LoadModule(module []byte) (string, error) {
	hash := hashModule(module)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.moduleCache[hash]; ok {
		return hash, nil
	}

	if err := s.ValidateModule(module); err != nil {
		return "", err
	}
	s.moduleCache[hash] = cachedModule{hash: hash, size: len(module)}
	s.log.Debug("module loaded and cached")
	return hash, nil
}

// ClearCache drops all cached modules.
func (s *Sandbox) ClearCache() {
	s.mu.Lock()
	s.moduleCache = make(map[string]cachedModule)
	s.mu.Unlock()
}

// CachedModules returns the number of cached modules.
func (s *Sandbox) CachedModules() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.moduleCache)
}

// Execute runs a module function over input under the meter. The
// function name must be one of split, execute, or merge.
func (s *Sandbox) Execute(module, input []byte, functionName string) ([]byte, error) {
	if _, err := s.LoadModule(module); err != nil {
		return nil, err
	}

	if uint64(len(input)) > s.meter.Limits().MaxMemoryBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds memory limit %d",
			ErrInputTooLarge, len(input), s.meter.Limits().MaxMemoryBytes)
	}
	if err := s.meter.AddMemory(uint64(len(input))); err != nil {
		return nil, err
	}
	defer s.meter.FreeMemory(uint64(len(input)))

	switch functionName {
	case FunctionSplit:
		return s.runSplit(input)
	case FunctionExecute:
		return s.runExecute(input)
	case FunctionMerge:
		return s.runMerge(input)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFunction, functionName)
	}
}

// runSplit divides input into roughly eight chunks and emits the
// standard chunk frame.
func (s *Sandbox) runSplit(input []byte) ([]byte, error) {
	if len(input) == 0 {
		return SerializeChunks(nil), nil
	}

	chunkSize := len(input) / 8
	if chunkSize < 1 {
		chunkSize = 1
	}

	var chunks [][]byte
	for off := 0; off < len(input); off += chunkSize {
		if err := s.meter.AddCycles(cyclesPerChunk); err != nil {
			return nil, err
		}
		end := off + chunkSize
		if end > len(input) {
			end = len(input)
		}
		chunks = append(chunks, input[off:end])
	}
	if err := s.meter.AddCycles(uint64(len(input)) * cyclesPerByteCopied); err != nil {
		return nil, err
	}
	return SerializeChunks(chunks), nil
}

// runExecute returns a copy of its input whether or not SimulationMode
// is set: the module's own code is not run in either mode. The copied
// bytes are charged as cycles against the meter, so the caps and the
// interrupt flag still apply.
func (s *Sandbox) runExecute(input []byte) ([]byte, error) {
	if err := s.meter.Check(); err != nil {
		return nil, err
	}
	if err := s.meter.AddCycles(uint64(len(input)) * cyclesPerByteCopied); err != nil {
		return nil, err
	}

	out := make([]byte, len(input))
	copy(out, input)
	return out, nil
}

// runMerge parses the standard chunk frame and concatenates the
// recorded ranges.
func (s *Sandbox) runMerge(input []byte) ([]byte, error) {
	chunks, err := DeserializeChunks(input)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if err := s.meter.AddCycles(uint64(total) * cyclesPerByteCopied); err != nil {
		return nil, err
	}

	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// SerializeChunks emits the split frame:
// u32le num_chunks || (u32le len || bytes)*.
func SerializeChunks(chunks [][]byte) []byte {
	size := 4
	for _, c := range chunks {
		size += 4 + len(c)
	}
	out := make([]byte, 0, size)

	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(chunks)))
	out = append(out, hdr[:]...)

	for _, c := range chunks {
		binary.LittleEndian.PutUint32(hdr[:], uint32(len(c)))
		out = append(out, hdr[:]...)
		out = append(out, c...)
	}
	return out
}

// DeserializeChunks parses the split frame back into chunks.
func DeserializeChunks(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: %d bytes, need at least 4", ErrFrameInvalid, len(data))
	}

	numChunks := int(binary.LittleEndian.Uint32(data))
	chunks := make([][]byte, 0, numChunks)
	offset := 4

	for i := 0; i < numChunks; i++ {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("%w: truncated header at chunk %d", ErrFrameInvalid, i)
		}
		chunkLen := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4

		if offset+chunkLen > len(data) {
			return nil, fmt.Errorf("%w: chunk %d extends past frame end", ErrFrameInvalid, i)
		}
		chunks = append(chunks, data[offset:offset+chunkLen])
		offset += chunkLen
	}
	return chunks, nil
}

func hashModule(module []byte) string {
	sum := sha256.Sum256(module)
	return hex.EncodeToString(sum[:])
}
