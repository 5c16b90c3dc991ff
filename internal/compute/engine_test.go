package compute

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func simConfig() Config {
	cfg := DefaultConfig()
	cfg.SimulationMode = true
	cfg.Verification = VerifyHash
	return cfg
}

func TestEngine_ProcessTaskCompletes(t *testing.T) {
	e := NewEngine(simConfig(), nil, nil)

	task := NewTask("job-1", 0, validModule(), []byte("payload"))
	result := e.ProcessTask(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("status %v, want completed (%s)", result.Status, result.ErrorMessage)
	}
	if result.TaskID != "job-1:0" {
		t.Errorf("task id %q, want job-1:0", result.TaskID)
	}
	if !bytes.Equal(result.ResultData, []byte("payload")) {
		t.Error("simulation result should equal input")
	}
	if result.ResultHash != HashData([]byte("payload")) {
		t.Error("result hash mismatch")
	}
}

func TestEngine_InvalidModuleFails(t *testing.T) {
	e := NewEngine(simConfig(), nil, nil)

	task := NewTask("job-2", 0, []byte("not a module"), []byte("x"))
	result := e.ProcessTask(context.Background(), task)

	if result.Status != StatusFailed {
		t.Fatalf("status %v, want failed", result.Status)
	}
	if !strings.Contains(result.ErrorMessage, "invalid module") {
		t.Errorf("error message %q should name the module failure", result.ErrorMessage)
	}
}

func TestEngine_Cancellation(t *testing.T) {
	e := NewEngine(simConfig(), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	task := NewTask("job-3", 0, validModule(), []byte("x"))
	result := e.ProcessTask(ctx, task)

	// A pre-cancelled context either fails fast as cancelled or, if the
	// tiny task won the race, completes; it must never hang.
	if !result.Status.Terminal() {
		t.Fatalf("status %v is not terminal", result.Status)
	}
}

func TestEngine_MerkleVerification(t *testing.T) {
	cfg := simConfig()
	cfg.Verification = VerifyMerkle
	e := NewEngine(cfg, nil, nil)

	data := bytes.Repeat([]byte("merkle payload "), 1000) // multiple 4 KiB leaves
	task := NewTask("job-4", 0, validModule(), data)
	result := e.ProcessTask(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("status %v, want completed (%s)", result.Status, result.ErrorMessage)
	}
	if len(result.MerkleProof) == 0 {
		t.Fatal("merkle mode must attach a proof")
	}
	tree := MerkleTreeFromData(result.ResultData, MerkleLeafSize)
	if tree.Root() != result.MerkleProof[0] {
		t.Error("proof head should be the result tree root")
	}
}

func TestPool_RunJobRoundTrip(t *testing.T) {
	cfg := simConfig()
	cfg.WorkerThreads = 4
	pool := NewPool(cfg, nil, nil)

	job := NewJobManifest("", validModule(), bytes.Repeat([]byte("pooled job input "), 500))
	job.MinChunkSize = 64
	job.MaxChunkSize = 1024

	merged, root, err := pool.RunJob(context.Background(), job)
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if !bytes.Equal(merged, job.InputData) {
		t.Error("simulation job output should equal input")
	}
	if root == "" {
		t.Error("job should produce a merkle root over chunk results")
	}
	if job.JobID == "" {
		t.Error("pool should assign a job id")
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	cfg := simConfig()
	cfg.WorkerThreads = 1
	pool := NewPool(cfg, nil, nil)

	task := NewTask("job-5", 0, validModule(), []byte("x"))
	task.TimeoutMS = 1

	// The task is trivially fast, so it usually completes; with an
	// already-expired deadline it must come back terminal either way.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	result := pool.Process(ctx, task)
	if !result.Status.Terminal() {
		t.Fatalf("status %v is not terminal", result.Status)
	}
}

func TestExecutor_SplitJobChunkSize(t *testing.T) {
	job := NewJobManifest("job", validModule(), nil)
	job.MinChunkSize = 10
	job.MaxChunkSize = 100

	// input/8 below min clamps to min.
	require.Equal(t, 10, ChunkSizeFor(job, 40))
	// input/8 inside the band is kept.
	require.Equal(t, 50, ChunkSizeFor(job, 400))
	// input/8 above max clamps to max.
	require.Equal(t, 100, ChunkSizeFor(job, 10_000))

	// Degenerate bounds still give at least 1.
	job.MinChunkSize = 0
	job.MaxChunkSize = 0
	require.Equal(t, 1, ChunkSizeFor(job, 4))
}

func TestExecutor_SplitAndMerge(t *testing.T) {
	e := NewExecutor(simConfig())
	job := NewJobManifest("job", validModule(), nil)
	job.MinChunkSize = 16
	job.MaxChunkSize = 64

	data := bytes.Repeat([]byte("0123456789abcdef"), 32)
	chunks, infos, err := e.SplitJob(job, data)
	require.NoError(t, err)
	require.Equal(t, len(chunks), len(infos))

	total := 0
	for i, c := range chunks {
		total += len(c)
		require.Equal(t, HashData(c), infos[i].Hash)
		require.Equal(t, StatusPending, infos[i].Status)
	}
	require.Equal(t, len(data), total)

	require.True(t, bytes.Equal(e.MergeResults(chunks), data))
}

func TestExecutor_VerifyHash(t *testing.T) {
	e := NewExecutor(simConfig())

	result := &TaskResult{ResultData: []byte("verified bytes")}
	good := HashData(result.ResultData)

	require.NoError(t, e.VerifyResult(result, VerifyHash, good))
	require.ErrorIs(t, e.VerifyResult(result, VerifyHash, "deadbeef"), ErrVerificationMismatch)
	// No expectation provided: hash mode computes and passes.
	require.NoError(t, e.VerifyResult(result, VerifyHash, ""))
}

func TestExecutor_VerifyMerkle(t *testing.T) {
	e := NewExecutor(simConfig())

	data := bytes.Repeat([]byte("m"), MerkleLeafSize*3)
	proof, err := e.MerkleProofFor(data, 1)
	require.NoError(t, err)

	result := &TaskResult{ResultData: data, MerkleProof: proof}
	require.NoError(t, e.VerifyResult(result, VerifyMerkle, ""))

	result.ResultData = append([]byte(nil), data...)
	result.ResultData[0] ^= 1
	require.ErrorIs(t, e.VerifyResult(result, VerifyMerkle, ""), ErrVerificationMismatch)
}

func TestExecutor_VerifyRedundancyNeedsSibling(t *testing.T) {
	// A lone result must not pass redundancy verification.
	e := NewExecutor(simConfig())
	result := &TaskResult{ResultData: []byte("solo result")}
	require.ErrorIs(t, e.VerifyResult(result, VerifyRedundancy, ""), ErrVerificationMismatch)
}

func TestPool_RedundantExecution(t *testing.T) {
	cfg := simConfig()
	cfg.WorkerThreads = 4
	cfg.Verification = VerifyRedundancy
	pool := NewPool(cfg, nil, nil)

	job := NewJobManifest("", validModule(), bytes.Repeat([]byte("redundant input "), 100))
	job.Verification = VerifyRedundancy
	job.Redundancy = 2
	job.MinChunkSize = 32
	job.MaxChunkSize = 256

	merged, root, err := pool.RunJob(context.Background(), job)
	require.NoError(t, err)
	require.True(t, bytes.Equal(merged, job.InputData))
	require.NotEmpty(t, root)
}

func TestPool_RedundancyDefaultsToTwoCopies(t *testing.T) {
	// Redundancy verification with a factor below 2 still runs a
	// sibling copy rather than degenerating into a single execution.
	cfg := simConfig()
	cfg.WorkerThreads = 2
	pool := NewPool(cfg, nil, nil)

	job := NewJobManifest("", validModule(), []byte("small redundant payload"))
	job.Verification = VerifyRedundancy
	job.Redundancy = 1
	job.MinChunkSize = 4
	job.MaxChunkSize = 64

	merged, _, err := pool.RunJob(context.Background(), job)
	require.NoError(t, err)
	require.True(t, bytes.Equal(merged, job.InputData))
}

func TestPool_RetriesExhausted(t *testing.T) {
	cfg := simConfig()
	cfg.WorkerThreads = 1
	pool := NewPool(cfg, nil, nil)

	// An invalid module fails every attempt; the error names the
	// exhausted attempt budget.
	job := NewJobManifest("retry-job", []byte("not a module"), []byte("doomed"))
	job.RetryCount = 2
	job.MinChunkSize = 1
	job.MaxChunkSize = 16

	_, _, err := pool.RunJob(context.Background(), job)
	require.Error(t, err)
	require.Contains(t, err.Error(), "after 3 attempts")
	require.Contains(t, err.Error(), "invalid module")
}

func TestExecutor_CompareResults(t *testing.T) {
	e := NewExecutor(simConfig())

	a := &TaskResult{ResultData: []byte("matching result")}
	b := &TaskResult{ResultData: []byte("matching result")}
	c := &TaskResult{ResultData: []byte("divergent result")}

	require.NoError(t, e.CompareResults(a, b))
	require.ErrorIs(t, e.CompareResults(a, c), ErrVerificationMismatch)
}
