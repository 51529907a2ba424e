//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package adviser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
)

type recordingOutputs struct {
	mu     sync.Mutex
	values map[string]any
	groups map[string]string
	err    error
}

func (r *recordingOutputs) Consume(_ context.Context, _ ambiance.Ambiance, name string, value any, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.values == nil {
		r.values = map[string]any{}
		r.groups = map[string]string{}
	}
	r.values[name] = value
	r.groups[name] = group
	return nil
}

func failedEvent(status execution.Status, types ...execution.FailureType) *Event {
	return &Event{
		Ambiance:     ambiance.New("pe", "p", nil),
		FromStatus:   execution.StatusRunning,
		ToStatus:     status,
		FailureTypes: types,
	}
}

func TestPipelineRollbackFilterBoundaries(t *testing.T) {
	conn := execution.FailureConnectivity
	app := execution.FailureApplication
	tests := []struct {
		name   string
		filter []execution.FailureType
		event  *Event
		want   bool
	}{
		{"type inside filter", []execution.FailureType{conn}, failedEvent(execution.StatusFailed, conn), true},
		{"type outside filter", []execution.FailureType{conn}, failedEvent(execution.StatusFailed, app), false},
		{"one of many types inside", []execution.FailureType{conn}, failedEvent(execution.StatusFailed, app, conn), true},
		{"empty filter matches all", nil, failedEvent(execution.StatusFailed, app), true},
		{"empty filter matches no type", nil, failedEvent(execution.StatusExpired), true},
		{"aborted is broken", nil, failedEvent(execution.StatusAborted), true},
		{"expired with filter", []execution.FailureType{execution.FailureTimeout}, failedEvent(execution.StatusExpired, execution.FailureTimeout), true},
		{"success never fires", nil, failedEvent(execution.StatusSucceeded), false},
		{"errored is not in rollback set", nil, failedEvent(execution.StatusErrored, app), false},
		{"filter with no failure types", []execution.FailureType{conn}, failedEvent(execution.StatusFailed), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &recordingOutputs{}
			a := &PipelineRollbackAdviser{ApplicableFailureTypes: tt.filter, outputs: out}
			require.Equal(t, tt.want, a.CanAdvise(tt.event))
		})
	}
}

func TestPipelineRollbackRaisesFlag(t *testing.T) {
	out := &recordingOutputs{}
	a := &PipelineRollbackAdviser{outputs: out}
	resp, err := a.OnAdvise(context.Background(), failedEvent(execution.StatusFailed))
	require.NoError(t, err)
	require.Equal(t, ResponseNextStep, resp.Type)
	require.Empty(t, resp.NextNodeID)
	require.Equal(t, true, out.values[OutputShouldStartPipelineRollback])
	require.Equal(t, ambiance.GroupPipeline, out.groups[OutputShouldStartPipelineRollback])

	out.err = errors.New("store down")
	_, err = a.OnAdvise(context.Background(), failedEvent(execution.StatusFailed))
	require.Error(t, err)
}

func TestChainFirstMatchWins(t *testing.T) {
	r := NewRegistry(&recordingOutputs{})
	chain, err := r.Compile([]plan.AdviserObtainment{
		{Type: TypeIgnoreFailure, Parameters: map[string]any{
			"applicableFailureTypes": []any{"CONNECTIVITY"}, "nextNodeId": "b",
		}},
		{Type: TypeOnFail, Parameters: map[string]any{"applicableFailureTypes": []any{"APPLICATION"}}},
		{Type: TypeNextStep, Parameters: map[string]any{"nextNodeId": "b"}},
	})
	require.NoError(t, err)

	resp, err := chain.Advise(context.Background(), failedEvent(execution.StatusFailed, execution.FailureConnectivity))
	require.NoError(t, err)
	require.Equal(t, ResponseIgnore, resp.Type)
	require.Equal(t, "b", resp.NextNodeID)

	resp, err = chain.Advise(context.Background(), failedEvent(execution.StatusFailed, execution.FailureApplication))
	require.NoError(t, err)
	require.Equal(t, ResponseNextStep, resp.Type)
	require.Empty(t, resp.NextNodeID)

	resp, err = chain.Advise(context.Background(), failedEvent(execution.StatusSucceeded))
	require.NoError(t, err)
	require.Equal(t, "b", resp.NextNodeID)

	resp, err = chain.Advise(context.Background(), failedEvent(execution.StatusAborted))
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestCompileRejectsAmbiguousAdvisers(t *testing.T) {
	r := NewRegistry(&recordingOutputs{})
	_, err := r.Compile([]plan.AdviserObtainment{
		{Type: TypeRetry, Parameters: map[string]any{"retryCount": 2}},
		{Type: TypePipelineRollback, Parameters: map[string]any{"applicableFailureTypes": []any{"CONNECTIVITY"}}},
	})
	require.ErrorIs(t, err, ErrAmbiguousAdvisers)

	_, err = r.Compile([]plan.AdviserObtainment{
		{Type: TypeRetry, Parameters: map[string]any{"applicableFailureTypes": []any{"APPLICATION"}}},
		{Type: TypePipelineRollback, Parameters: map[string]any{"applicableFailureTypes": []any{"CONNECTIVITY"}}},
	})
	require.NoError(t, err)
}

func TestCompileRejectsUnknownAndInvalid(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Compile([]plan.AdviserObtainment{{Type: "WHATEVER"}})
	require.ErrorIs(t, err, ErrUnknownAdviser)

	_, err = r.Compile([]plan.AdviserObtainment{{Type: TypeRetry, Parameters: map[string]any{"retryCount": "x"}}})
	require.ErrorIs(t, err, ErrInvalidParameters)

	_, err = r.Compile([]plan.AdviserObtainment{{Type: TypeRetry, Parameters: map[string]any{"retryCount": -1}}})
	require.ErrorIs(t, err, ErrInvalidParameters)
}

func TestRetryAdviserExhaustsThenRepairs(t *testing.T) {
	r := NewRegistry(&recordingOutputs{})
	chain, err := r.Compile([]plan.AdviserObtainment{{Type: TypeRetry, Parameters: map[string]any{
		"retryCount":    2,
		"waitIntervals": []any{"1s", 5},
		"repairActionAfterRetry": map[string]any{
			"type": TypeEndPlan,
		},
	}}})
	require.NoError(t, err)

	ev := failedEvent(execution.StatusFailed, execution.FailureApplication)
	resp, err := chain.Advise(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ResponseRetry, resp.Type)
	require.Equal(t, time.Second, resp.Delay)

	ev.RetryCount = 1
	resp, err = chain.Advise(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, resp.Delay)

	ev.RetryCount = 2
	resp, err = chain.Advise(context.Background(), ev)
	require.NoError(t, err)
	require.Equal(t, ResponseEndPlan, resp.Type)
	require.Equal(t, execution.StatusFailed, resp.Status)
}

func TestRetryNeverAdvisesAbortedNode(t *testing.T) {
	a := &RetryAdviser{RetryCount: 3}
	require.False(t, a.CanAdvise(failedEvent(execution.StatusAborted)))
}

func TestRetryRepairWithPipelineRollback(t *testing.T) {
	out := &recordingOutputs{}
	a := &RetryAdviser{RetryCount: 0, RepairActionAfterRetry: RepairAction{Type: TypePipelineRollback}, outputs: out}
	resp, err := a.OnAdvise(context.Background(), failedEvent(execution.StatusFailed))
	require.NoError(t, err)
	require.Equal(t, ResponseNextStep, resp.Type)
	require.Equal(t, true, out.values[OutputShouldStartPipelineRollback])
}

func TestManualInterventionDefaultsToEndPlan(t *testing.T) {
	a := &ManualInterventionAdviser{Timeout: Duration(time.Hour)}
	resp, err := a.OnAdvise(context.Background(), failedEvent(execution.StatusFailed))
	require.NoError(t, err)
	require.Equal(t, ResponseManualIntervention, resp.Type)
	require.Equal(t, time.Hour, resp.Timeout)
	require.Equal(t, ResponseEndPlan, resp.TimeoutAction)
}

func TestScopeOverlaps(t *testing.T) {
	a := Scope{Statuses: failureStatuses, FailureTypes: []execution.FailureType{execution.FailureApplication}}
	b := Scope{Statuses: failureStatuses, FailureTypes: []execution.FailureType{execution.FailureConnectivity}}
	c := Scope{Statuses: successStatuses}
	require.False(t, a.Overlaps(b))
	require.False(t, a.Overlaps(c))
	require.True(t, a.Overlaps(Scope{Statuses: failureStatuses}))
}
