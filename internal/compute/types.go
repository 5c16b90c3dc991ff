// Package compute implements the metered sandbox that splits an input
// blob into chunks, executes a module over each chunk, merges the
// results, and issues Merkle-rooted verification proofs.
package compute

import (
	"errors"
	"fmt"
	"runtime"
)

var (
	// ErrModuleInvalid is returned when a module fails the magic or
	// version check.
	ErrModuleInvalid = errors.New("invalid module: bad magic or version")

	// ErrModuleTooLarge is returned when a module exceeds the size cap.
	ErrModuleTooLarge = errors.New("module too large")

	// ErrInputTooLarge is returned when input exceeds the memory cap.
	ErrInputTooLarge = errors.New("input too large")

	// ErrUnknownFunction is returned for function names outside
	// split/execute/merge.
	ErrUnknownFunction = errors.New("unknown function")

	// ErrInterrupted is returned when the meter's interrupt flag is
	// observed by a metered operation.
	ErrInterrupted = errors.New("execution interrupted")

	// ErrMerkleLeafOutOfRange is returned for proofs of nonexistent
	// leaves.
	ErrMerkleLeafOutOfRange = errors.New("merkle leaf index out of range")

	// ErrVerificationMismatch is returned when a result fails its
	// verification mode.
	ErrVerificationMismatch = errors.New("verification mismatch")

	// ErrFrameInvalid is returned for malformed split/merge frames.
	ErrFrameInvalid = errors.New("invalid chunk frame")

	// ErrEnvelopeInvalid is returned when the encrypted I/O envelope
	// fails to open or is malformed.
	ErrEnvelopeInvalid = errors.New("invalid encrypted envelope")
)

// Function names a module can be invoked with.
const (
	FunctionSplit   = "split"
	FunctionExecute = "execute"
	FunctionMerge   = "merge"
)

// VerificationMode selects how task results are checked. The set is
// closed.
type VerificationMode int

const (
	// VerifyNone skips verification.
	VerifyNone VerificationMode = iota
	// VerifyHash compares a SHA-256 of the result against an expected
	// digest.
	VerifyHash
	// VerifyMerkle builds a Merkle tree over 4 KiB result leaves.
	VerifyMerkle
	// VerifyRedundancy compares two independently computed results.
	VerifyRedundancy
)

func (m VerificationMode) String() string {
	switch m {
	case VerifyNone:
		return "none"
	case VerifyHash:
		return "hash"
	case VerifyMerkle:
		return "merkle"
	case VerifyRedundancy:
		return "redundancy"
	default:
		return "unknown"
	}
}

// SplitStrategy selects how job input is chunked. The set is closed.
type SplitStrategy int

const (
	// SplitFixedSize divides input into fixed-size chunks.
	SplitFixedSize SplitStrategy = iota
	// SplitDelegated hands splitting to the module's split function;
	// its output must use the standard chunk frame.
	SplitDelegated
)

func (s SplitStrategy) String() string {
	switch s {
	case SplitFixedSize:
		return "fixed_size"
	case SplitDelegated:
		return "delegated"
	default:
		return "unknown"
	}
}

// TaskStatus is the compute task state machine. Completed, Failed,
// Timeout, and Cancelled are terminal.
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusAssigned
	StatusComputing
	StatusVerifying
	StatusCompleted
	StatusFailed
	StatusTimeout
	StatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusAssigned:
		return "assigned"
	case StatusComputing:
		return "computing"
	case StatusVerifying:
		return "verifying"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Terminal reports whether the status ends the task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Config holds the compute engine limits and behavior switches.
type Config struct {
	MaxMemoryMB     uint64
	MaxCPUCycles    uint64
	MaxExecutionMS  uint64
	WorkerThreads   int
	Verification    VerificationMode
	// SimulationMode makes execute return its input unchanged. It must
	// never be enabled in production; construction warns loudly.
	SimulationMode bool
}

// DefaultConfig returns the compute defaults. Simulation is off.
func DefaultConfig() Config {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return Config{
		MaxMemoryMB:    256,
		MaxCPUCycles:   1_000_000_000,
		MaxExecutionMS: 30_000,
		WorkerThreads:  workers,
		Verification:   VerifyHash,
		SimulationMode: false,
	}
}

// JobManifest bundles everything needed to run a job.
type JobManifest struct {
	JobID         string
	Module        []byte
	InputData     []byte
	SplitStrategy SplitStrategy
	MinChunkSize  int
	MaxChunkSize  int
	Verification  VerificationMode
	TimeoutSecs   uint32
	RetryCount    uint32
	Priority      uint32
	Redundancy    uint32
}

// NewJobManifest creates a manifest with default settings.
func NewJobManifest(jobID string, module, input []byte) *JobManifest {
	return &JobManifest{
		JobID:         jobID,
		Module:        module,
		InputData:     input,
		SplitStrategy: SplitFixedSize,
		MinChunkSize:  65536,
		MaxChunkSize:  1048576,
		Verification:  VerifyHash,
		TimeoutSecs:   300,
		RetryCount:    3,
		Priority:      5,
		Redundancy:    1,
	}
}

// Task is one chunk of a job.
type Task struct {
	TaskID          string
	ParentJobID     string
	ChunkIndex      uint32
	Module          []byte
	InputData       []byte
	FunctionName    string
	DelegationDepth uint32
	TimeoutMS       uint64
}

// NewTask creates an execute task with id "job:index".
func NewTask(parentJobID string, chunkIndex uint32, module, input []byte) *Task {
	return &Task{
		TaskID:       fmt.Sprintf("%s:%d", parentJobID, chunkIndex),
		ParentJobID:  parentJobID,
		ChunkIndex:   chunkIndex,
		Module:       module,
		InputData:    input,
		FunctionName: FunctionExecute,
		TimeoutMS:    30_000,
	}
}

// TaskResult is the outcome of one task.
type TaskResult struct {
	TaskID          string
	Status          TaskStatus
	ResultData      []byte
	ResultHash      string // SHA-256 hex of ResultData
	MerkleProof     []string
	ExecutionTimeMS uint64
	ErrorMessage    string
}

// FailedResult creates a failed result carrying an error message.
func FailedResult(taskID string, status TaskStatus, err error) TaskResult {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return TaskResult{
		TaskID:       taskID,
		Status:       status,
		ErrorMessage: msg,
	}
}

// ChunkInfo describes a chunk produced by a split.
type ChunkInfo struct {
	Index  uint32
	Size   int
	Hash   string
	Status TaskStatus
}
