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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/adviser"
	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
)

// rollbackPlan is pipeline > stages > stage > [A, B] with a declared
// pipeline rollback stage. B carries the pipeline rollback adviser.
func rollbackPlan(filter ...string) *plan.Plan {
	params := map[string]any{}
	if len(filter) > 0 {
		types := make([]any, len(filter))
		for i, f := range filter {
			types[i] = f
		}
		params["applicableFailureTypes"] = types
	}
	return newPlan("rollback",
		&plan.Node{
			ID:                     "pipeline",
			Group:                  ambiance.GroupPipeline,
			Category:               plan.CategoryPipeline,
			Child:                  "stages",
			PipelineRollbackNodeID: "rollback",
		},
		&plan.Node{ID: "stages", Group: ambiance.GroupStages, Category: plan.CategoryStages, Child: "stage"},
		stageNode("stage", "A"),
		stepNode("A", step.TypeNoop, "B"),
		stepNode("B", remoteStep, "", plan.AdviserObtainment{Type: adviser.TypePipelineRollback, Parameters: params}),
		&plan.Node{
			ID:       "rollback",
			Group:    ambiance.GroupStage,
			Category: plan.CategoryPipelineRollbackStage,
			Child:    "undo",
		},
		stepNode("undo", step.TypeNoop, ""),
	)
}

func TestPipelineRollbackStartsAfterPrimaryBranch(t *testing.T) {
	d := &QueueDispatcher{}
	h := newHarness(t, WithDispatcher(d))
	ctx := context.Background()

	peID, err := h.Submit(ctx, rollbackPlan("CONNECTIVITY"), execution.TriggerMetadata{}, nil)
	require.NoError(t, err)
	d.Drain()
	assert.Equal(t, execution.StatusSucceeded, h.node(t, peID, "A").Status)

	failed := encode(t, step.Failed("unreachable", execution.FailureConnectivity))
	require.NoError(t, h.Resume(ctx, h.remote.token(t, peID, "B"), failed, false))

	var rb *execution.NodeExecution
	for rb == nil && d.Step() {
		rb = h.node(t, peID, "rollback")
	}
	require.NotNil(t, rb, "rollback stage was never created")
	assert.Equal(t, execution.StatusQueued, rb.Status)

	root := h.node(t, peID, "pipeline")
	assert.Equal(t, execution.StatusRunning, root.Status)
	assert.Equal(t, root.ID, rb.ParentID)
	raised, err := h.Outputs().Flag(ctx, root.Ambiance, adviser.OutputShouldStartPipelineRollback)
	require.NoError(t, err)
	assert.True(t, raised)
	assert.Equal(t, execution.StatusFailed, h.node(t, peID, "stages").Status)

	d.Drain()
	assert.Equal(t, execution.StatusSucceeded, h.node(t, peID, "undo").Status)
	assert.Equal(t, execution.StatusSucceeded, h.node(t, peID, "rollback").Status)
	assert.Equal(t, execution.StatusFailed, h.node(t, peID, "pipeline").Status)
	assert.Equal(t, execution.StatusFailed, h.planStatus(t, peID))
	assert.Len(t, h.nodes(t, peID, "rollback"), 1)
}

func TestPipelineRollbackFilters(t *testing.T) {
	tests := []struct {
		name         string
		filter       []string
		failure      execution.FailureType
		abort        bool
		wantRollback bool
		wantPlan     execution.Status
	}{
		{
			name:         "matching type",
			filter:       []string{"CONNECTIVITY"},
			failure:      execution.FailureConnectivity,
			wantRollback: true,
			wantPlan:     execution.StatusFailed,
		},
		{
			name:     "other type",
			filter:   []string{"CONNECTIVITY"},
			failure:  execution.FailureAuthentication,
			wantPlan: execution.StatusFailed,
		},
		{
			name:         "empty filter matches any type",
			failure:      execution.FailureApplication,
			wantRollback: true,
			wantPlan:     execution.StatusFailed,
		},
		{
			name:         "empty filter matches abort",
			abort:        true,
			wantRollback: true,
			wantPlan:     execution.StatusAborted,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			peID, err := h.Submit(ctx, rollbackPlan(tt.filter...), execution.TriggerMetadata{}, nil)
			require.NoError(t, err)

			if tt.abort {
				require.NoError(t, h.AbortNode(ctx, h.node(t, peID, "B").ID))
			} else {
				failed := encode(t, step.Failed("broken", tt.failure))
				require.NoError(t, h.Resume(ctx, h.remote.token(t, peID, "B"), failed, false))
			}

			rb := h.node(t, peID, "rollback")
			if tt.wantRollback {
				require.NotNil(t, rb)
				assert.Equal(t, execution.StatusSucceeded, rb.Status)
			} else {
				assert.Nil(t, rb)
			}
			assert.Equal(t, tt.wantPlan, h.planStatus(t, peID))
		})
	}
}

func TestPipelineRollbackRunsUnderPlanAbort(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	peID, err := h.Submit(ctx, rollbackPlan(), execution.TriggerMetadata{}, nil)
	require.NoError(t, err)

	require.NoError(t, h.Abort(ctx, peID))
	assert.Equal(t, execution.StatusAborted, h.node(t, peID, "B").Status)
	rb := h.node(t, peID, "rollback")
	require.NotNil(t, rb)
	assert.Equal(t, execution.StatusSucceeded, rb.Status)
	assert.Equal(t, execution.StatusAborted, h.planStatus(t, peID))
}
