// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
//
// Package taskengine is an in-memory, multi-tenant job scheduler. It owns
// jobs keyed user_id -> job_id -> Job, bounds concurrency with a worker
// pool per job, and isolates CPU-bound item processing so a panicking
// parser cannot take the engine down.
package taskengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/northbound/hivecore/internal/corekit"
	"github.com/northbound/hivecore/internal/obslog"
)

// ItemProcessor does the actual work for one item key (typically wrapping
// ingest.Pipeline.Ingest). A panic inside Process is recovered and treated
// as a worker crash: the item fails with WORKER_CRASHED, the first crash in
// a job is logged, and the remaining items keep running on the same pool.
type ItemProcessor func(ctx context.Context, itemKey string) (interface{}, error)

// Engine schedules and tracks jobs. Safe for concurrent use.
type Engine struct {
	mu             sync.RWMutex
	jobsByUser     map[string]map[string]*Job
	maxWorkers     int
	retentionTTL   time.Duration
	sweepInterval  time.Duration
	stopSweep      chan struct{}
	sweepOnce      sync.Once
}

// Option configures an Engine.
type Option struct {
	MaxWorkers    int           // default: corekit.DefaultMaxWorkers (CPU count, or min(4, CPU/2) with a GPU)
	RetentionTTL  time.Duration // default: 24h
	SweepInterval time.Duration // default: 1h, floor 1h
}

// New constructs an Engine.
func New(opt Option) *Engine {
	maxWorkers := opt.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = corekit.DefaultMaxWorkers(corekit.NoGPUDetector{})
	}
	ttl := opt.RetentionTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	interval := opt.SweepInterval
	if interval < time.Hour {
		interval = time.Hour
	}

	e := &Engine{
		jobsByUser:    map[string]map[string]*Job{},
		maxWorkers:    maxWorkers,
		retentionTTL:  ttl,
		sweepInterval: interval,
		stopSweep:     make(chan struct{}),
	}
	go e.sweepLoop()
	return e
}

// CreateUploadTask creates a job tracking one ItemTask per item key, and
// starts processing them against a per-job worker pool sized at
// 2*MAX_WORKERS. That per-job semaphore is the only bound: there is no
// engine-wide cap on items running across concurrent jobs.
func (e *Engine) CreateUploadTask(ctx context.Context, userID string, itemKeys []string, processor ItemProcessor) string {
	jobID := uuid.NewString()
	job := newJob(jobID, userID, itemKeys)

	e.mu.Lock()
	if e.jobsByUser[userID] == nil {
		e.jobsByUser[userID] = map[string]*Job{}
	}
	e.jobsByUser[userID][jobID] = job
	e.mu.Unlock()

	job.mu.Lock()
	job.Status = StatusRunning
	job.mu.Unlock()

	go e.run(ctx, job, itemKeys, processor)

	return jobID
}

// CreateCustomTask is CreateUploadTask under a different name for callers
// whose items are not file uploads (e.g. connector-driven re-ingestion).
func (e *Engine) CreateCustomTask(ctx context.Context, userID string, itemKeys []string, processor ItemProcessor) string {
	return e.CreateUploadTask(ctx, userID, itemKeys, processor)
}

const jobWorkerMultiplier = 2

func (e *Engine) run(ctx context.Context, job *Job, itemKeys []string, processor ItemProcessor) {
	perJobWorkers := e.maxWorkers * jobWorkerMultiplier
	if perJobWorkers > len(itemKeys) {
		perJobWorkers = len(itemKeys)
	}
	if perJobWorkers < 1 {
		perJobWorkers = 1
	}

	sem := make(chan struct{}, perJobWorkers)
	var wg sync.WaitGroup

	poolRebuilt := false
	var poolMu sync.Mutex

	for _, key := range itemKeys {
		sem <- struct{}{}
		if job.Cancelled() {
			<-sem
			job.recordTerminal(key, StatusCancelled, nil, "job cancelled")
			continue
		}

		wg.Add(1)
		go func(itemKey string) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := e.processIsolated(ctx, processor, itemKey)
			if err != nil {
				if err.Error() == WorkerCrashedError {
					poolMu.Lock()
					if !poolRebuilt {
						obslog.Warnf("taskengine: worker crashed on item %s, continuing with remaining items", itemKey)
						poolRebuilt = true
					}
					poolMu.Unlock()
				}
				job.recordTerminal(itemKey, StatusFailed, nil, err.Error())
				return
			}
			job.recordTerminal(itemKey, StatusCompleted, result, "")
		}(key)
	}

	wg.Wait()
}

// processIsolated runs processor in isolation: a panic is recovered and
// reported as WORKER_CRASHED rather than propagating into the pool
// goroutine.
func (e *Engine) processIsolated(ctx context.Context, processor ItemProcessor, itemKey string) (result interface{}, err error) {
	done := make(chan struct{})
	go func() {
		defer func() {
			if r := recover(); r != nil {
				obslog.Errorf("taskengine: item %s panicked: %v", itemKey, r)
				err = fmt.Errorf("%s", WorkerCrashedError)
			}
			close(done)
		}()
		result, err = processor(ctx, itemKey)
	}()
	<-done
	return result, err
}

// Status returns a snapshot of a job, or an error if the job or user is
// unknown.
func (e *Engine) Status(userID, jobID string) (Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	jobs, ok := e.jobsByUser[userID]
	if !ok {
		return Job{}, corekit.Newf(corekit.NotFoundKind, "taskengine: no jobs for user %s", userID)
	}
	job, ok := jobs[jobID]
	if !ok {
		return Job{}, corekit.Newf(corekit.NotFoundKind, "taskengine: job %s not found", jobID)
	}
	return job.Snapshot(), nil
}

// ListTasks returns a snapshot of every job owned by userID.
func (e *Engine) ListTasks(userID string) []Job {
	e.mu.RLock()
	defer e.mu.RUnlock()

	jobs := e.jobsByUser[userID]
	out := make([]Job, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// Cancel requests cooperative cancellation: in-flight items finish, but no
// further items in the job are started.
func (e *Engine) Cancel(userID, jobID string) error {
	e.mu.RLock()
	jobs, ok := e.jobsByUser[userID]
	if !ok {
		e.mu.RUnlock()
		return corekit.Newf(corekit.NotFoundKind, "taskengine: no jobs for user %s", userID)
	}
	job, ok := jobs[jobID]
	e.mu.RUnlock()
	if !ok {
		return corekit.Newf(corekit.NotFoundKind, "taskengine: job %s not found", jobID)
	}

	job.requestCancel()
	return nil
}

// sweepLoop periodically removes terminal jobs older than retentionTTL.
func (e *Engine) sweepLoop() {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stopSweep:
			return
		}
	}
}

func (e *Engine) sweep() {
	cutoff := time.Now().Add(-e.retentionTTL)

	e.mu.Lock()
	defer e.mu.Unlock()

	for userID, jobs := range e.jobsByUser {
		for jobID, job := range jobs {
			job.mu.Lock()
			terminal := job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusCancelled
			updatedAt := job.UpdatedAt
			job.mu.Unlock()

			if terminal && updatedAt.Before(cutoff) {
				delete(jobs, jobID)
				obslog.Debugf("taskengine: retention-swept job %s (user %s)", jobID, userID)
			}
		}
		if len(jobs) == 0 {
			delete(e.jobsByUser, userID)
		}
	}
}

// Close stops the retention sweep loop.
func (e *Engine) Close() {
	e.sweepOnce.Do(func() { close(e.stopSweep) })
}
