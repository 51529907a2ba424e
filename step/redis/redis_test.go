//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/engine"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/store/inmemory"
)

func newTestQueue(t *testing.T, opts ...Option) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	q, err := New(append([]Option{WithRedisClientURL("redis://" + mr.Addr())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func request(token, stepType string) *step.Request {
	return &step.Request{
		WaitToken:  token,
		StepType:   stepType,
		Parameters: map[string]any{"script": "make test"},
	}
}

func TestNewRequiresTarget(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	_, err = New(WithRedisInstance("not-registered"))
	require.Error(t, err)
}

func TestPushAndNext(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, request("t1", "ShellScript")))
	require.NoError(t, q.Dispatch(ctx, request("t2", "ShellScript")))
	require.NoError(t, q.Enqueue(ctx, request("t3", "Http")))

	n, err := q.Len(ctx, KindAsync, "ShellScript")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := q.Next(ctx, KindAsync, time.Second, "ShellScript")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.WaitToken)
	assert.Equal(t, "make test", got.Parameters["script"])

	got, err = q.Next(ctx, KindTask, time.Second, "ShellScript", "Http")
	require.NoError(t, err)
	assert.Equal(t, "t3", got.WaitToken)

	_, err = q.Next(ctx, KindTask, 50*time.Millisecond, "Http")
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = q.Next(ctx, KindTask, time.Second)
	assert.Error(t, err)
}

func TestQueueFull(t *testing.T) {
	q := newTestQueue(t, WithMaxLen(1), WithKeyPrefix("ci:"))
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, request("t1", "ShellScript")))
	assert.ErrorIs(t, q.Dispatch(ctx, request("t2", "ShellScript")), ErrQueueFull)
	assert.Equal(t, "ci:async:ShellScript", q.Key(KindAsync, "ShellScript"))
}

func TestWorkerRoundTrip(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	e := engine.New(inmemory.New(), engine.WithAsyncExecutor(q))

	p := &plan.Plan{
		ID:             "build",
		StartingNodeID: "stage",
		Nodes: []*plan.Node{
			{ID: "stage", Group: ambiance.GroupStage, Category: plan.CategoryStage, Child: "compile"},
			{ID: "compile", StepType: "ShellScript", Group: ambiance.GroupStep, Category: plan.CategoryStep},
		},
	}
	peID, err := e.Submit(ctx, p, execution.TriggerMetadata{}, nil)
	require.NoError(t, err)

	req, err := q.Next(ctx, KindAsync, time.Second, "ShellScript")
	require.NoError(t, err)
	assert.Equal(t, peID, req.Ambiance.PlanExecutionID)
	assert.Equal(t, "compile", req.Ambiance.CurrentSetupID())

	data, err := step.Succeeded(nil).Encode()
	require.NoError(t, err)
	require.NoError(t, e.Resume(ctx, req.WaitToken, data, false))

	pe, err := e.PlanExecution(ctx, peID)
	require.NoError(t, err)
	assert.Equal(t, execution.StatusSucceeded, pe.Status)
}
