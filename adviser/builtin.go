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
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// Adviser types registered by default.
const (
	TypeNextStep           = "NEXT_STEP"
	TypeOnFail             = "ON_FAIL"
	TypeRetry              = "RETRY"
	TypePipelineRollback   = "PIPELINE_ROLLBACK"
	TypeStageRollback      = "STAGE_ROLLBACK"
	TypeIgnoreFailure      = "IGNORE_FAILURE"
	TypeManualIntervention = "MANUAL_INTERVENTION"
	TypeEndPlan            = "END_PLAN"
)

// OutputShouldStartPipelineRollback is the sweeping output raised by the
// pipeline rollback adviser.
const OutputShouldStartPipelineRollback = "shouldStartPipelineRollback"

var (
	successStatuses = []execution.Status{execution.StatusSucceeded, execution.StatusIgnoreFailed}
	failureStatuses = []execution.Status{execution.StatusFailed, execution.StatusExpired, execution.StatusErrored}
	// rollbackStatuses is the broken set the rollback policy reacts to.
	rollbackStatuses = []execution.Status{execution.StatusFailed, execution.StatusExpired, execution.StatusAborted}
)

// NextStepAdviser advances to the declared next sibling on success.
type NextStepAdviser struct {
	NextNodeID string `json:"nextNodeId"`
}

// Scope implements Scoped.
func (a *NextStepAdviser) Scope() Scope { return Scope{Statuses: successStatuses} }

// CanAdvise implements Adviser.
func (a *NextStepAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *NextStepAdviser) OnAdvise(context.Context, *Event) (*Response, error) {
	return NextStep(a.NextNodeID), nil
}

// OnFailAdviser moves to a failure branch. An empty NextNodeID ends the
// branch so the failure reaches the parent.
type OnFailAdviser struct {
	NextNodeID             string                  `json:"nextNodeId"`
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`
}

// Scope implements Scoped.
func (a *OnFailAdviser) Scope() Scope {
	return Scope{Statuses: failureStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *OnFailAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *OnFailAdviser) OnAdvise(context.Context, *Event) (*Response, error) {
	return NextStep(a.NextNodeID), nil
}

// RepairAction is what the retry adviser does once retries are exhausted.
type RepairAction struct {
	Type       string   `json:"type"`
	NextNodeID string   `json:"nextNodeId,omitempty"`
	Timeout    Duration `json:"timeout,omitempty"`
	// TimeoutAction applies to MANUAL_INTERVENTION.
	TimeoutAction ResponseType `json:"timeoutAction,omitempty"`
}

// RetryAdviser retries a failed node up to RetryCount times.
type RetryAdviser struct {
	RetryCount             int                     `json:"retryCount"`
	WaitIntervals          []Duration              `json:"waitIntervals"`
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`
	RepairActionAfterRetry RepairAction            `json:"repairActionAfterRetry"`

	outputs OutputWriter
}

// Scope implements Scoped.
func (a *RetryAdviser) Scope() Scope {
	return Scope{Statuses: failureStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *RetryAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *RetryAdviser) OnAdvise(ctx context.Context, ev *Event) (*Response, error) {
	if ev.RetryCount < a.RetryCount {
		return Retry(a.delay(ev.RetryCount)), nil
	}
	return a.repair(ctx, ev)
}

func (a *RetryAdviser) delay(attempt int) time.Duration {
	if len(a.WaitIntervals) == 0 {
		return 0
	}
	if attempt >= len(a.WaitIntervals) {
		attempt = len(a.WaitIntervals) - 1
	}
	return time.Duration(a.WaitIntervals[attempt])
}

func (a *RetryAdviser) repair(ctx context.Context, ev *Event) (*Response, error) {
	r := a.RepairActionAfterRetry
	switch r.Type {
	case "", TypeOnFail, TypeNextStep:
		return NextStep(r.NextNodeID), nil
	case TypeIgnoreFailure:
		return Ignore(r.NextNodeID), nil
	case TypeEndPlan:
		return EndPlan(execution.StatusFailed), nil
	case TypeManualIntervention:
		return ManualIntervention(time.Duration(r.Timeout), r.TimeoutAction), nil
	case TypePipelineRollback:
		return raisePipelineRollback(ctx, a.outputs, ev.Ambiance)
	default:
		return nil, fmt.Errorf("%w: repair action %q", ErrInvalidParameters, r.Type)
	}
}

// PipelineRollbackAdviser raises the pipeline rollback flag when a node
// breaks with a matching failure type. The declared rollback stage is
// started later by the pipeline root.
type PipelineRollbackAdviser struct {
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`

	outputs OutputWriter
}

// Scope implements Scoped.
func (a *PipelineRollbackAdviser) Scope() Scope {
	return Scope{Statuses: rollbackStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *PipelineRollbackAdviser) CanAdvise(ev *Event) bool {
	if !containsStatus(rollbackStatuses, ev.ToStatus) {
		return false
	}
	return len(a.ApplicableFailureTypes) == 0 ||
		MatchFailureTypes(a.ApplicableFailureTypes, ev.FailureTypes)
}

// OnAdvise implements Adviser.
func (a *PipelineRollbackAdviser) OnAdvise(ctx context.Context, ev *Event) (*Response, error) {
	return raisePipelineRollback(ctx, a.outputs, ev.Ambiance)
}

func raisePipelineRollback(ctx context.Context, outputs OutputWriter, amb ambiance.Ambiance) (*Response, error) {
	if outputs == nil {
		return nil, fmt.Errorf("%w: pipeline rollback needs an output writer", ErrInvalidParameters)
	}
	if err := outputs.Consume(ctx, amb, OutputShouldStartPipelineRollback, true, ambiance.GroupPipeline); err != nil {
		return nil, fmt.Errorf("adviser: raise pipeline rollback: %w", err)
	}
	return NextStep(""), nil
}

// StageRollbackAdviser starts the stage rollback section.
type StageRollbackAdviser struct {
	RollbackNodeID         string                  `json:"rollbackNodeId"`
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`
}

// Scope implements Scoped.
func (a *StageRollbackAdviser) Scope() Scope {
	return Scope{Statuses: failureStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *StageRollbackAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *StageRollbackAdviser) OnAdvise(context.Context, *Event) (*Response, error) {
	return Rollback(a.RollbackNodeID), nil
}

// IgnoreFailureAdviser ignores matching failures.
type IgnoreFailureAdviser struct {
	NextNodeID             string                  `json:"nextNodeId"`
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`
}

// Scope implements Scoped.
func (a *IgnoreFailureAdviser) Scope() Scope {
	return Scope{Statuses: failureStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *IgnoreFailureAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *IgnoreFailureAdviser) OnAdvise(context.Context, *Event) (*Response, error) {
	return Ignore(a.NextNodeID), nil
}

// ManualInterventionAdviser parks failed nodes for an operator.
type ManualInterventionAdviser struct {
	Timeout                Duration                `json:"timeout"`
	TimeoutAction          ResponseType            `json:"timeoutAction"`
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`
}

// Scope implements Scoped.
func (a *ManualInterventionAdviser) Scope() Scope {
	return Scope{Statuses: failureStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *ManualInterventionAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *ManualInterventionAdviser) OnAdvise(context.Context, *Event) (*Response, error) {
	action := a.TimeoutAction
	if action == "" {
		action = ResponseEndPlan
	}
	return ManualIntervention(time.Duration(a.Timeout), action), nil
}

// EndPlanAdviser ends the plan on matching failures. With Abort set the
// plan is aborted instead of failed.
type EndPlanAdviser struct {
	Abort                  bool                    `json:"abort"`
	ApplicableFailureTypes []execution.FailureType `json:"applicableFailureTypes"`
}

// Scope implements Scoped.
func (a *EndPlanAdviser) Scope() Scope {
	return Scope{Statuses: failureStatuses, FailureTypes: a.ApplicableFailureTypes}
}

// CanAdvise implements Adviser.
func (a *EndPlanAdviser) CanAdvise(ev *Event) bool { return a.Scope().Matches(ev) }

// OnAdvise implements Adviser.
func (a *EndPlanAdviser) OnAdvise(context.Context, *Event) (*Response, error) {
	if a.Abort {
		return EndPlan(execution.StatusAborted), nil
	}
	return EndPlan(execution.StatusFailed), nil
}

var (
	_ Scoped = (*NextStepAdviser)(nil)
	_ Scoped = (*OnFailAdviser)(nil)
	_ Scoped = (*RetryAdviser)(nil)
	_ Scoped = (*PipelineRollbackAdviser)(nil)
	_ Scoped = (*StageRollbackAdviser)(nil)
	_ Scoped = (*IgnoreFailureAdviser)(nil)
	_ Scoped = (*ManualInterventionAdviser)(nil)
	_ Scoped = (*EndPlanAdviser)(nil)
)
