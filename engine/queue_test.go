//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/store/inmemory"
)

var deploySetup = map[string]string{
	ambiance.KeyAccountID:          "acc",
	ambiance.KeyOrgIdentifier:      "org",
	ambiance.KeyProjectIdentifier:  "proj",
	ambiance.KeyPipelineIdentifier: "deploy",
}

func queuedPlan() *plan.Plan {
	return newPlan("deploy", stageNode("stage", "a"), stepNode("a", remoteStep, ""))
}

// submitRuns submits n runs of the deploy pipeline, one second apart.
func submitRuns(t *testing.T, h *harness, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := range ids {
		id, err := h.Submit(context.Background(), queuedPlan(), execution.TriggerMetadata{TriggerType: "WEBHOOK"}, deploySetup)
		require.NoError(t, err)
		ids[i] = id
		h.clock.Advance(time.Second)
	}
	return ids
}

func TestQueuedRunStartsWhenActiveRunConcludes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runs := submitRuns(t, h, 3)

	assert.Equal(t, execution.StatusRunning, h.planStatus(t, runs[0]))
	assert.Equal(t, execution.StatusQueued, h.planStatus(t, runs[1]))
	assert.Equal(t, execution.StatusQueued, h.planStatus(t, runs[2]))
	assert.Empty(t, h.remote.requests(runs[1]))

	ok := encode(t, step.Succeeded(nil))
	require.NoError(t, h.Resume(ctx, h.remote.token(t, runs[0], "a"), ok, false))
	assert.Equal(t, execution.StatusSucceeded, h.planStatus(t, runs[0]))
	assert.Equal(t, execution.StatusRunning, h.planStatus(t, runs[1]))
	assert.Equal(t, execution.StatusQueued, h.planStatus(t, runs[2]))

	// Aborting a queued run drops it from the queue.
	require.NoError(t, h.Abort(ctx, runs[2]))
	assert.Equal(t, execution.StatusAborted, h.planStatus(t, runs[2]))

	require.NoError(t, h.Resume(ctx, h.remote.token(t, runs[1], "a"), ok, false))
	assert.Equal(t, execution.StatusSucceeded, h.planStatus(t, runs[1]))
	assert.Empty(t, h.remote.requests(runs[2]))

	active, err := h.store.CountActive(ctx, ambiance.PipelineKey(deploySetup))
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestQueuedRunStartsAfterFailedRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runs := submitRuns(t, h, 2)

	require.NoError(t, h.Abort(ctx, runs[0]))
	assert.Equal(t, execution.StatusAborted, h.planStatus(t, runs[0]))
	assert.Equal(t, execution.StatusRunning, h.planStatus(t, runs[1]))
	assert.Len(t, h.remote.requests(runs[1]), 1)
}

func TestConcurrentResumeNextQueuedStartsOneRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runs := submitRuns(t, h, 3)

	// The active run ends without its continuation firing.
	_, err := h.store.UpdatePlanExecutionStatus(ctx, runs[0], execution.StatusSucceeded,
		[]execution.Status{execution.StatusRunning}, store.PlanUpdate{EndTS: h.clock.Now()})
	require.NoError(t, err)

	key := ambiance.PipelineKey(deploySetup)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.resumeNextQueued(ctx, key))
		}()
	}
	wg.Wait()

	assert.Equal(t, execution.StatusRunning, h.planStatus(t, runs[1]))
	assert.Equal(t, execution.StatusQueued, h.planStatus(t, runs[2]))
	assert.Len(t, h.remote.requests(runs[1]), 1)
	assert.Len(t, h.nodes(t, runs[1], "stage"), 1)
	active, err := h.store.CountActive(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
}

func TestRunsWithoutPipelineKeyNeverQueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		id, err := h.Submit(ctx, queuedPlan(), execution.TriggerMetadata{}, map[string]string{ambiance.KeyAccountID: "acc"})
		require.NoError(t, err)
		assert.Equal(t, execution.StatusRunning, h.planStatus(t, id))
	}
}

// flakyStore fails the next failCreates node creations.
type flakyStore struct {
	*inmemory.Store
	failCreates atomic.Int32
}

func (s *flakyStore) CreateNodeExecution(ctx context.Context, n *execution.NodeExecution) error {
	if s.failCreates.Add(-1) >= 0 {
		return errors.New("connection reset by peer")
	}
	return s.Store.CreateNodeExecution(ctx, n)
}

func TestRunWithoutRootReleasesQueue(t *testing.T) {
	fs := &flakyStore{Store: inmemory.New()}
	h := &harness{store: fs.Store, remote: &remoteExecutor{}, clock: newFakeClock()}
	h.Engine = New(fs, WithAsyncExecutor(h.remote), WithClock(h.clock.Now))
	ctx := context.Background()

	fs.failCreates.Store(1)
	id, err := h.Submit(ctx, queuedPlan(), execution.TriggerMetadata{}, deploySetup)
	require.Error(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, execution.StatusErrored, h.planStatus(t, id))

	runs := submitRuns(t, h, 3)
	assert.Equal(t, execution.StatusRunning, h.planStatus(t, runs[0]))

	// The root of the next queued run cannot be created.
	fs.failCreates.Store(1)
	require.NoError(t, h.Resume(ctx, h.remote.token(t, runs[0], "a"), encode(t, step.Succeeded(nil)), false))
	assert.Equal(t, execution.StatusSucceeded, h.planStatus(t, runs[0]))
	assert.Equal(t, execution.StatusErrored, h.planStatus(t, runs[1]))
	assert.Empty(t, h.nodes(t, runs[1], "stage"))
	assert.Equal(t, execution.StatusRunning, h.planStatus(t, runs[2]))
	assert.Len(t, h.remote.requests(runs[2]), 1)
}
