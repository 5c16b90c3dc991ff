package compute

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warpgrid/warpgrid/internal/observability"
)

// Engine runs compute tasks through one sandbox. The sandbox is held
// behind an exclusive lock for the duration of a task; concurrency
// comes from running one engine per worker thread (see Pool).
type Engine struct {
	cfg      Config
	mu       sync.Mutex // guards sandbox during a task
	sandbox  *Sandbox
	executor *Executor
	log      *observability.Logger
	metrics  *observability.Metrics
}

// NewEngine creates a compute engine.
func NewEngine(cfg Config, log *observability.Logger, metrics *observability.Metrics) *Engine {
	if log == nil {
		log = observability.NopLogger()
	}
	return &Engine{
		cfg:      cfg,
		sandbox:  NewSandbox(cfg, log),
		executor: NewExecutor(cfg),
		log:      log,
		metrics:  metrics,
	}
}

// Executor exposes the job-level split/merge helper.
func (e *Engine) Executor() *Executor { return e.executor }

// ProcessTask runs one task to a terminal status. Cancellation via ctx
// and the task timeout both set the meter's interrupt flag; the
// returned status distinguishes Timeout from Cancelled.
func (e *Engine) ProcessTask(ctx context.Context, task *Task) TaskResult {
	start := time.Now()

	timeout := time.Duration(task.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.MaxExecutionMS) * time.Millisecond
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.sandbox.Meter().Reset()

	// Interrupt the meter as soon as the context dies so metered loops
	// unwind promptly.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-taskCtx.Done():
			e.sandbox.Meter().Interrupt()
		case <-watchDone:
		}
	}()

	// Pending -> Assigned -> Computing
	data, err := e.sandbox.Execute(task.Module, task.InputData, task.FunctionName)
	if err != nil {
		result := e.failedResult(task, taskCtx, ctx, err)
		e.finish(task, &result, start)
		return result
	}

	// Computing -> Verifying
	result := TaskResult{
		TaskID:          task.TaskID,
		Status:          StatusVerifying,
		ResultData:      data,
		ResultHash:      HashData(data),
		ExecutionTimeMS: uint64(time.Since(start).Milliseconds()),
	}
	if e.cfg.Verification == VerifyMerkle {
		proof, err := e.executor.MerkleProofFor(data, 0)
		if err != nil {
			result = FailedResult(task.TaskID, StatusFailed, err)
			e.finish(task, &result, start)
			return result
		}
		result.MerkleProof = proof
	}

	// Redundancy is a pairwise property: the orchestration layer runs
	// the sibling copy and compares (see Pool.RunJob). Every other mode
	// verifies the single result here.
	if e.cfg.Verification != VerifyRedundancy {
		verifyErr := e.executor.VerifyResult(&result, e.cfg.Verification, "")
		if e.cfg.Verification == VerifyMerkle && e.metrics != nil {
			e.metrics.RecordMerkleProof(verifyErr == nil)
		}
		if verifyErr != nil {
			result.Status = StatusFailed
			result.ErrorMessage = verifyErr.Error()
			e.finish(task, &result, start)
			return result
		}
	}

	result.Status = StatusCompleted
	e.finish(task, &result, start)
	return result
}

// failedResult classifies an execution error into Timeout, Cancelled,
// or Failed, and counts meter overruns by kind.
func (e *Engine) failedResult(task *Task, taskCtx, parent context.Context, err error) TaskResult {
	status := StatusFailed
	switch {
	case parent.Err() != nil:
		status = StatusCancelled
	case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
		status = StatusTimeout
	}

	if e.metrics != nil {
		var memErr *MemoryLimitError
		var cpuErr *CPULimitError
		var timeErr *TimeLimitError
		switch {
		case errors.As(err, &memErr):
			e.metrics.MeterInterruptsTotal.WithLabelValues("memory").Inc()
		case errors.As(err, &cpuErr):
			e.metrics.MeterInterruptsTotal.WithLabelValues("cpu").Inc()
		case errors.As(err, &timeErr):
			e.metrics.MeterInterruptsTotal.WithLabelValues("time").Inc()
		case errors.Is(err, ErrInterrupted):
			e.metrics.MeterInterruptsTotal.WithLabelValues("interrupt").Inc()
		}
	}

	var timeErr *TimeLimitError
	if errors.As(err, &timeErr) {
		status = StatusTimeout
	}
	return FailedResult(task.TaskID, status, err)
}

func (e *Engine) finish(task *Task, result *TaskResult, start time.Time) {
	elapsed := time.Since(start)
	if result.ExecutionTimeMS == 0 {
		result.ExecutionTimeMS = uint64(elapsed.Milliseconds())
	}
	if e.metrics != nil {
		e.metrics.RecordTaskFinished(result.Status.String(), elapsed.Seconds())
	}
	e.log.TaskCompleted(task.TaskID, result.Status.String(), elapsed, len(result.ResultData))
}

// Pool fans tasks out across WorkerThreads engines. Each engine owns
// its sandbox, so tasks on different workers never share one.
type Pool struct {
	engines chan *Engine
	cfg     Config
}

// NewPool creates a pool of cfg.WorkerThreads engines.
func NewPool(cfg Config, log *observability.Logger, metrics *observability.Metrics) *Pool {
	workers := cfg.WorkerThreads
	if workers < 1 {
		workers = 1
	}
	p := &Pool{engines: make(chan *Engine, workers), cfg: cfg}
	for i := 0; i < workers; i++ {
		p.engines <- NewEngine(cfg, log, metrics)
	}
	return p
}

// Process borrows an engine, runs the task, and returns the result.
func (p *Pool) Process(ctx context.Context, task *Task) TaskResult {
	select {
	case engine := <-p.engines:
		defer func() { p.engines <- engine }()
		return engine.ProcessTask(ctx, task)
	case <-ctx.Done():
		return FailedResult(task.TaskID, StatusCancelled, ctx.Err())
	}
}

// RunJob splits a job, executes every chunk across the pool, merges
// the results, and returns the merged output together with the Merkle
// root over the chunk results.
//
// Each chunk gets up to job.RetryCount retries after a failed attempt.
// Under redundancy verification every attempt runs the chunk on
// max(2, job.Redundancy) independent engines and byte-compares the
// copies before the chunk counts as completed.
func (p *Pool) RunJob(ctx context.Context, job *JobManifest) ([]byte, string, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}

	chunks, _, err := NewExecutor(p.cfg).SplitJob(job, job.InputData)
	if err != nil {
		return nil, "", err
	}

	copies := int(job.Redundancy)
	if job.Verification == VerifyRedundancy && copies < 2 {
		copies = 2
	}
	if copies < 1 {
		copies = 1
	}
	attempts := int(job.RetryCount) + 1

	results := make([][]byte, len(chunks))
	errs := make([]error, len(chunks))

	var wg sync.WaitGroup
	for i, chunk := range chunks {
		wg.Add(1)
		go func(i int, chunk []byte) {
			defer wg.Done()
			results[i], errs[i] = p.runChunk(ctx, job, i, chunk, copies, attempts)
		}(i, chunk)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, "", err
		}
	}

	merged := NewExecutor(p.cfg).MergeResults(results)
	root := BuildMerkleTree(results).Root()
	return merged, root, nil
}

// runChunk drives one chunk through its attempt budget.
func (p *Pool) runChunk(ctx context.Context, job *JobManifest, index int, chunk []byte, copies, attempts int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		data, err := p.runChunkOnce(ctx, job, index, chunk, copies)
		if err == nil {
			return data, nil
		}
		lastErr = err
		// A dead context fails every future attempt the same way.
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fmt.Errorf("chunk %d failed after %d attempts: %w", index, attempts, lastErr)
}

// runChunkOnce executes one attempt: the task plus its redundant
// copies, all byte-compared against the first.
func (p *Pool) runChunkOnce(ctx context.Context, job *JobManifest, index int, chunk []byte, copies int) ([]byte, error) {
	taskResults := make([]TaskResult, copies)

	var wg sync.WaitGroup
	for c := 0; c < copies; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			task := NewTask(job.JobID, uint32(index), job.Module, chunk)
			if c > 0 {
				task.TaskID = fmt.Sprintf("%s:%d#%d", job.JobID, index, c)
			}
			task.TimeoutMS = uint64(job.TimeoutSecs) * 1000
			taskResults[c] = p.Process(ctx, task)
		}(c)
	}
	wg.Wait()

	for c := range taskResults {
		if taskResults[c].Status != StatusCompleted {
			return nil, fmt.Errorf("task %s %s: %s",
				taskResults[c].TaskID, taskResults[c].Status, taskResults[c].ErrorMessage)
		}
	}

	executor := NewExecutor(p.cfg)
	for c := 1; c < len(taskResults); c++ {
		if err := executor.CompareResults(&taskResults[0], &taskResults[c]); err != nil {
			return nil, fmt.Errorf("task %s: %w", taskResults[c].TaskID, err)
		}
	}
	return taskResults[0].ResultData, nil
}
