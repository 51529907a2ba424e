//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package output_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/output"
	"trpc.group/trpc-go/trpc-pipeline-go/store/inmemory"
)

func path() ambiance.Ambiance {
	return ambiance.New("pe1", "plan1", nil).
		WithLevel(ambiance.Level{SetupID: "pipeline", RuntimeID: "r-pipe", Group: ambiance.GroupPipeline}).
		WithLevel(ambiance.Level{SetupID: "stage", RuntimeID: "r-stage", Group: ambiance.GroupStage}).
		WithLevel(ambiance.Level{SetupID: "step", RuntimeID: "r-step", Group: ambiance.GroupStep})
}

func TestConsumeAtGroupVisibleToSiblings(t *testing.T) {
	ctx := context.Background()
	svc := output.New(inmemory.New())
	step := path()

	require.NoError(t, svc.Consume(ctx, step, "flag", true, ambiance.GroupPipeline))

	sibling := step.Parent().WithLevel(ambiance.Level{SetupID: "other", RuntimeID: "r-other"})
	on, err := svc.Flag(ctx, sibling, "flag")
	require.NoError(t, err)
	assert.True(t, on)

	on, err = svc.Flag(ctx, ambiance.New("pe2", "plan1", nil), "flag")
	require.NoError(t, err)
	assert.False(t, on, "outputs do not leak across plan executions")
}

func TestResolveNearestWins(t *testing.T) {
	ctx := context.Background()
	svc := output.New(inmemory.New())
	step := path()

	require.NoError(t, svc.Consume(ctx, step, "image", "pipe", ambiance.GroupPipeline))
	require.NoError(t, svc.Consume(ctx, step, "image", "stage", ambiance.GroupStage))

	var got string
	require.NoError(t, svc.Resolve(ctx, step, "image", &got))
	assert.Equal(t, "stage", got)

	err := svc.Resolve(ctx, step, "missing", &got)
	require.ErrorIs(t, err, output.ErrNotFound)
}

func TestConsumeOnce(t *testing.T) {
	ctx := context.Background()
	svc := output.New(inmemory.New())
	step := path()

	wrote, err := svc.ConsumeOnce(ctx, step, "started", true, ambiance.GroupPipeline)
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = svc.ConsumeOnce(ctx, step, "started", true, ambiance.GroupPipeline)
	require.NoError(t, err)
	assert.False(t, wrote)
}

func TestMissingGroupFallsBackToPlanScope(t *testing.T) {
	ctx := context.Background()
	svc := output.New(inmemory.New())
	amb := ambiance.New("pe1", "plan1", nil).
		WithLevel(ambiance.Level{SetupID: "step", RuntimeID: "r-step"})

	require.NoError(t, svc.Consume(ctx, amb, "k", 3, ambiance.GroupPipeline))
	var v int
	require.NoError(t, svc.Resolve(ctx, ambiance.New("pe1", "plan1", nil), "k", &v))
	assert.Equal(t, 3, v)
}
