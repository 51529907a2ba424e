//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package execution

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAggregatePrecedence(t *testing.T) {
	tests := []struct {
		name     string
		children []Status
		want     Status
	}{
		{"empty", nil, StatusSucceeded},
		{"all success", []Status{StatusSucceeded, StatusSucceeded}, StatusSucceeded},
		{"ignored failure counts as success", []Status{StatusIgnoreFailed, StatusSucceeded}, StatusSucceeded},
		{"failure wins over success", []Status{StatusSucceeded, StatusFailed}, StatusFailed},
		{"abort wins over success", []Status{StatusSucceeded, StatusSucceeded, StatusAborted}, StatusAborted},
		{"abort wins over failure", []Status{StatusFailed, StatusAborted, StatusExpired}, StatusAborted},
		{"expired wins over failed", []Status{StatusFailed, StatusExpired}, StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Aggregate(tt.children))
		})
	}
}

func TestSettled(t *testing.T) {
	require.True(t, Settled(nil))
	require.True(t, Settled([]Status{StatusSucceeded, StatusFailed, StatusIgnoreFailed}))
	require.False(t, Settled([]Status{StatusSucceeded, StatusRunning}))
	require.False(t, Settled([]Status{StatusQueued}))
	require.False(t, Settled([]Status{StatusFailed, StatusInterventionWaiting}))
	// A running child has no severity, so only Settled keeps it from
	// aggregating to success.
	require.Equal(t, StatusSucceeded, Aggregate([]Status{StatusSucceeded, StatusRunning}))
}

func TestTransitionsAreMonotonic(t *testing.T) {
	require.True(t, CanTransition(StatusQueued, StatusRunning, Natural))
	require.True(t, CanTransition(StatusRunning, StatusFailed, Natural))
	require.False(t, CanTransition(StatusSucceeded, StatusRunning, Natural))
	require.False(t, CanTransition(StatusFailed, StatusRetried, Natural))
	require.True(t, CanTransition(StatusFailed, StatusRetried, AdviserAuthorised))
	require.False(t, CanTransition(StatusAborted, StatusRetried, AdviserAuthorised))
	require.False(t, CanTransition(StatusSucceeded, StatusRetried, AdviserAuthorised))
}

func TestFinalStatusesHaveNoExit(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusAborted, StatusIgnoreFailed, StatusRetried} {
		require.True(t, s.IsFinal())
		for _, to := range []Status{StatusQueued, StatusRunning, StatusFailed, StatusRetried, StatusIgnoreFailed} {
			require.False(t, CanTransition(s, to, Natural), "%s -> %s", s, to)
			require.False(t, CanTransition(s, to, AdviserAuthorised), "%s -> %s", s, to)
		}
	}
}

func TestPlanStatus(t *testing.T) {
	require.Equal(t, StatusSucceeded, PlanStatus(StatusIgnoreFailed))
	require.Equal(t, StatusFailed, PlanStatus(StatusExpired))
	require.Equal(t, StatusAborted, PlanStatus(StatusAborted))
	require.True(t, IsPlanTerminal(StatusErrored))
	require.False(t, IsPlanTerminal(StatusPaused))
}

func TestFailureInfoMerge(t *testing.T) {
	f := &FailureInfo{FailureTypes: []FailureType{FailureApplication}}
	f.Merge(&FailureInfo{Message: "boom", FailureTypes: []FailureType{FailureApplication, FailureConnectivity}})
	require.Equal(t, "boom", f.Message)
	require.Equal(t, []FailureType{FailureApplication, FailureConnectivity}, f.FailureTypes)
}

func TestLatestSkipsRetried(t *testing.T) {
	nodes := []*NodeExecution{{ID: "a", Status: StatusRetried}, {ID: "b", Status: StatusSucceeded}}
	latest := Latest(nodes)
	require.Len(t, latest, 1)
	require.Equal(t, "b", latest[0].ID)
}
