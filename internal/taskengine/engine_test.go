// Copyright (c) 2025 Northbound System
// Author: Nicholas Skitch
package taskengine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForTerminal(t *testing.T, e *Engine, userID, jobID string) Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.Status(userID, jobID)
		require.NoError(t, err)
		if job.Status == StatusCompleted || job.Status == StatusFailed {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job did not reach terminal state in time")
	return Job{}
}

func TestEngine_AllItemsSucceed(t *testing.T) {
	e := New(Option{MaxWorkers: 2})
	defer e.Close()

	processor := func(ctx context.Context, itemKey string) (interface{}, error) {
		return "ok:" + itemKey, nil
	}

	jobID := e.CreateUploadTask(context.Background(), "user1", []string{"a", "b", "c"}, processor)
	job := waitForTerminal(t, e, "user1", jobID)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 3, job.Successful)
	assert.Equal(t, 0, job.Failed)
}

func TestEngine_PartialSuccessStaysCompleted(t *testing.T) {
	e := New(Option{MaxWorkers: 2})
	defer e.Close()

	processor := func(ctx context.Context, itemKey string) (interface{}, error) {
		if itemKey == "bad" {
			return nil, fmt.Errorf("boom")
		}
		return "ok", nil
	}

	jobID := e.CreateUploadTask(context.Background(), "user1", []string{"good", "bad"}, processor)
	job := waitForTerminal(t, e, "user1", jobID)

	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 1, job.Successful)
	assert.Equal(t, 1, job.Failed)
}

func TestEngine_AllFailuresMarkJobFailed(t *testing.T) {
	e := New(Option{MaxWorkers: 2})
	defer e.Close()

	processor := func(ctx context.Context, itemKey string) (interface{}, error) {
		return nil, fmt.Errorf("always fails")
	}

	jobID := e.CreateUploadTask(context.Background(), "user1", []string{"a", "b"}, processor)
	job := waitForTerminal(t, e, "user1", jobID)

	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 0, job.Successful)
	assert.Equal(t, 2, job.Failed)
}

func TestEngine_WorkerCrashRecovery(t *testing.T) {
	e := New(Option{MaxWorkers: 2})
	defer e.Close()

	processor := func(ctx context.Context, itemKey string) (interface{}, error) {
		if itemKey == "crasher" {
			panic("native parser crash")
		}
		return "ok", nil
	}

	jobID := e.CreateUploadTask(context.Background(), "user1", []string{"crasher", "survivor"}, processor)
	job := waitForTerminal(t, e, "user1", jobID)

	assert.Equal(t, StatusCompleted, job.Status) // partial success
	assert.Contains(t, job.ItemTasks["crasher"].Error, WorkerCrashedError)
	assert.Equal(t, StatusCompleted, job.ItemTasks["survivor"].Status)
}

func TestEngine_StatusUnknownJob(t *testing.T) {
	e := New(Option{MaxWorkers: 1})
	defer e.Close()

	_, err := e.Status("user1", "missing")
	assert.Error(t, err)
}

func TestEngine_ListTasks(t *testing.T) {
	e := New(Option{MaxWorkers: 1})
	defer e.Close()

	processor := func(ctx context.Context, itemKey string) (interface{}, error) { return "ok", nil }
	id1 := e.CreateUploadTask(context.Background(), "user1", []string{"a"}, processor)
	waitForTerminal(t, e, "user1", id1)

	tasks := e.ListTasks("user1")
	require.Len(t, tasks, 1)
	assert.Equal(t, id1, tasks[0].JobID)
}

func TestEngine_Cancel(t *testing.T) {
	// MaxWorkers=1 gives a per-job pool of 2 concurrent slots. "a" and "b"
	// both occupy those slots and block on release, so the scheduling loop
	// stalls trying to dispatch "c" until a slot frees — a deterministic
	// window in which to request cancellation before any later item starts.
	e := New(Option{MaxWorkers: 1})
	defer e.Close()

	var startedCount int32
	started := make(chan struct{})
	release := make(chan struct{})
	processor := func(ctx context.Context, itemKey string) (interface{}, error) {
		if itemKey == "a" || itemKey == "b" {
			if atomic.AddInt32(&startedCount, 1) == 2 {
				close(started)
			}
			<-release
		}
		return "ok", nil
	}

	jobID := e.CreateUploadTask(context.Background(), "user1", []string{"a", "b", "c", "d"}, processor)
	<-started
	require.NoError(t, e.Cancel("user1", jobID))
	close(release)

	job := waitForTerminal(t, e, "user1", jobID)
	assert.Equal(t, 2, job.Successful)
	assert.Equal(t, StatusCancelled, job.ItemTasks["c"].Status)
	assert.Equal(t, StatusCancelled, job.ItemTasks["d"].Status)
}
