//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package store defines the narrow persistence contract of the engine.
//
// Records are documents addressed by id. Every status change is a
// conditional update: the caller names the statuses it expects the record to
// be in, and the update fails with ErrStatusConflict otherwise. The engine
// relies on this, never on in-process locks, to stay correct when several
// processes advance the same plan.
package store

import (
	"context"
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

var (
	// ErrNotFound is returned for missing records.
	ErrNotFound = errors.New("store: not found")
	// ErrStatusConflict is returned when a conditional update did not match.
	ErrStatusConflict = errors.New("store: status conflict")
	// ErrDuplicate is returned when inserting an existing key.
	ErrDuplicate = errors.New("store: duplicate key")
)

// PlanStore keeps compiled plans so that any process can resume a run.
type PlanStore interface {
	SavePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, id string) (*plan.Plan, error)
}

// PlanUpdate carries the optional fields written with a plan transition.
type PlanUpdate struct {
	StartTS        time.Time
	EndTS          time.Time
	IncrementEpoch bool
}

// Apply writes u onto pe.
func (u PlanUpdate) Apply(pe *execution.PlanExecution) {
	if !u.StartTS.IsZero() {
		pe.StartTS = u.StartTS
	}
	if !u.EndTS.IsZero() {
		pe.EndTS = u.EndTS
	}
	if u.IncrementEpoch {
		pe.PauseEpoch++
	}
}

// PlanExecutionStore persists PlanExecutions.
type PlanExecutionStore interface {
	CreatePlanExecution(ctx context.Context, pe *execution.PlanExecution) error
	GetPlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error)
	// UpdatePlanExecutionStatus moves the record to `to` if its status is in
	// `from`.
	UpdatePlanExecutionStatus(ctx context.Context, id string, to execution.Status,
		from []execution.Status, upd PlanUpdate) (*execution.PlanExecution, error)
	// FindNextQueued returns the oldest QUEUED execution of a pipeline key.
	FindNextQueued(ctx context.Context, pipelineKey string) (*execution.PlanExecution, error)
	// CountActive counts RUNNING or PAUSED executions of a pipeline key.
	CountActive(ctx context.Context, pipelineKey string) (int, error)
}

// NodeExecutionStore is the arena of NodeExecutions indexed by id.
type NodeExecutionStore interface {
	CreateNodeExecution(ctx context.Context, n *execution.NodeExecution) error
	GetNodeExecution(ctx context.Context, id string) (*execution.NodeExecution, error)
	// UpdateNodeStatus moves the record to `to` if its status is in `from`.
	UpdateNodeStatus(ctx context.Context, id string, to execution.Status,
		from []execution.Status, upd execution.NodeUpdate) (*execution.NodeExecution, error)
	// ListChildren returns the children of a node in creation order.
	ListChildren(ctx context.Context, parentID string) ([]*execution.NodeExecution, error)
	// ListNodeExecutions returns every node of a plan execution in creation
	// order.
	ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error)
	// FindExpired returns RUNNING nodes whose deadline passed.
	FindExpired(ctx context.Context, now time.Time, limit int) ([]*execution.NodeExecution, error)
	// FindStaleQueued returns QUEUED nodes created before `before`.
	FindStaleQueued(ctx context.Context, before time.Time, limit int) ([]*execution.NodeExecution, error)
}

// NodeExecutionInfoStore persists the side table and the join counters.
type NodeExecutionInfoStore interface {
	SaveNodeExecutionInfo(ctx context.Context, info *execution.NodeExecutionsInfo) error
	GetNodeExecutionInfo(ctx context.Context, nodeExecutionID string) (*execution.NodeExecutionsInfo, error)
	// InitChildInstance stores the join counter of a parent. It is written
	// before any child starts.
	InitChildInstance(ctx context.Context, nodeExecutionID, planExecutionID string,
		cci *execution.ConcurrentChildInstance) error
	// AddChild appends childID to the fan-out when it is not there yet.
	AddChild(ctx context.Context, nodeExecutionID, childID string) error
	// ReportChild records childID as reported, once. applied is false when
	// the child had already reported or is unknown. The caller that sees
	// applied && reported == fanOut is the one that resumes the parent.
	ReportChild(ctx context.Context, nodeExecutionID, childID string) (reported, fanOut int, applied bool, err error)
	// AdvanceCursor reserves the next unstarted child. ok is false when all
	// children have been started.
	AdvanceCursor(ctx context.Context, nodeExecutionID string) (childID string, ok bool, err error)
}

// OutputStore persists sweeping outputs keyed by plan execution, level
// runtime id and name.
type OutputStore interface {
	// SaveOutput upserts an output. With once set it fails with
	// ErrDuplicate instead of overwriting.
	SaveOutput(ctx context.Context, planExecutionID, levelRuntimeID, name string, value []byte, once bool) error
	GetOutput(ctx context.Context, planExecutionID, levelRuntimeID, name string) ([]byte, error)
}

// Store is everything the engine persists.
type Store interface {
	PlanStore
	PlanExecutionStore
	NodeExecutionStore
	NodeExecutionInfoStore
	OutputStore
	waiter.Store
}
