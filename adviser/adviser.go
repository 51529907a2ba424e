//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package adviser implements the post-completion policy of a node.
//
// Every node carries an ordered list of advisers. When the node reaches a
// terminal status the chain is walked in declared order and the first
// adviser whose CanAdvise returns true decides what happens next. Advisers
// are resolved from a registry when the plan is compiled, and overlapping
// failure filters are rejected at that point, so the first-match rule is
// never a silent tie-break.
package adviser

import (
	"context"
	"errors"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

var (
	// ErrUnknownAdviser is returned when a plan names an unregistered type.
	ErrUnknownAdviser = errors.New("adviser: unknown adviser type")
	// ErrInvalidParameters is returned for undecodable adviser parameters.
	ErrInvalidParameters = errors.New("adviser: invalid parameters")
	// ErrAmbiguousAdvisers is returned when two advisers of a node can fire
	// on the same event.
	ErrAmbiguousAdvisers = errors.New("adviser: ambiguous advisers")
)

// ResponseType discriminates Response.
type ResponseType string

// Response types.
const (
	ResponseNextStep           ResponseType = "NEXT_STEP"
	ResponseRetry              ResponseType = "RETRY"
	ResponseEndPlan            ResponseType = "END_PLAN"
	ResponseRollback           ResponseType = "ROLLBACK"
	ResponseIgnore             ResponseType = "IGNORE"
	ResponseManualIntervention ResponseType = "MANUAL_INTERVENTION"
)

// Response is the decision of an adviser. Only the fields of the variant
// named by Type are meaningful.
type Response struct {
	Type ResponseType `json:"type"`
	// NextNodeID is the sibling to start for NEXT_STEP and IGNORE. Empty ends
	// the branch and reports to the parent.
	NextNodeID string `json:"nextNodeId,omitempty"`
	// Delay is the wait before a RETRY.
	Delay time.Duration `json:"delay,omitempty"`
	// Status is the plan status for END_PLAN.
	Status execution.Status `json:"status,omitempty"`
	// RollbackNodeID is the stage scoped rollback section for ROLLBACK.
	RollbackNodeID string `json:"rollbackNodeId,omitempty"`
	// Timeout and TimeoutAction apply to MANUAL_INTERVENTION.
	Timeout       time.Duration `json:"timeout,omitempty"`
	TimeoutAction ResponseType  `json:"timeoutAction,omitempty"`
}

// NextStep advances to nextNodeID, or ends the branch when it is empty.
func NextStep(nextNodeID string) *Response {
	return &Response{Type: ResponseNextStep, NextNodeID: nextNodeID}
}

// Retry asks for a new attempt after delay.
func Retry(delay time.Duration) *Response {
	return &Response{Type: ResponseRetry, Delay: delay}
}

// EndPlan terminates the whole plan with status.
func EndPlan(status execution.Status) *Response {
	return &Response{Type: ResponseEndPlan, Status: status}
}

// Rollback starts the rollback section of the enclosing stage.
func Rollback(nodeID string) *Response {
	return &Response{Type: ResponseRollback, RollbackNodeID: nodeID}
}

// Ignore marks the failure as ignored and continues with nextNodeID.
func Ignore(nextNodeID string) *Response {
	return &Response{Type: ResponseIgnore, NextNodeID: nextNodeID}
}

// ManualIntervention parks the node until an operator answers or timeout.
func ManualIntervention(timeout time.Duration, onTimeout ResponseType) *Response {
	return &Response{Type: ResponseManualIntervention, Timeout: timeout, TimeoutAction: onTimeout}
}

// Event is what an adviser looks at.
type Event struct {
	Ambiance        ambiance.Ambiance
	NodeExecutionID string
	FromStatus      execution.Status
	ToStatus        execution.Status
	FailureTypes    []execution.FailureType
	// RetryCount is the number of retries already spent on this plan node.
	RetryCount int
}

// Adviser decides the next action after a node terminates.
type Adviser interface {
	CanAdvise(ev *Event) bool
	OnAdvise(ctx context.Context, ev *Event) (*Response, error)
}

// Scoped advisers declare which events they react to so that ambiguous
// configurations can be rejected before execution.
type Scoped interface {
	Scope() Scope
}

// Scope is the static trigger of an adviser.
type Scope struct {
	Statuses []execution.Status
	// FailureTypes filters broken statuses. Empty matches every type.
	FailureTypes []execution.FailureType
}

// Overlaps reports whether one event could satisfy both scopes.
func (s Scope) Overlaps(o Scope) bool {
	if !intersectStatuses(s.Statuses, o.Statuses) {
		return false
	}
	if len(s.FailureTypes) == 0 || len(o.FailureTypes) == 0 {
		return true
	}
	return MatchFailureTypes(s.FailureTypes, o.FailureTypes)
}

// Matches reports whether ev falls inside the scope.
func (s Scope) Matches(ev *Event) bool {
	if !containsStatus(s.Statuses, ev.ToStatus) {
		return false
	}
	if !ev.ToStatus.IsBroken() {
		return true
	}
	return len(s.FailureTypes) == 0 || MatchFailureTypes(s.FailureTypes, ev.FailureTypes)
}

// MatchFailureTypes reports whether the two sets intersect.
func MatchFailureTypes(filter, actual []execution.FailureType) bool {
	for _, f := range filter {
		for _, a := range actual {
			if f == a {
				return true
			}
		}
	}
	return false
}

func intersectStatuses(a, b []execution.Status) bool {
	for _, s := range a {
		if containsStatus(b, s) {
			return true
		}
	}
	return false
}

func containsStatus(list []execution.Status, s execution.Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// OutputWriter persists sweeping outputs. The pipeline rollback adviser uses
// it to raise the rollback flag at the pipeline level.
type OutputWriter interface {
	Consume(ctx context.Context, amb ambiance.Ambiance, name string, value any, group string) error
}

// Chain is the compiled, ordered adviser list of one node.
type Chain []Adviser

// Advise returns the response of the first adviser that can advise, or nil
// when none matches.
func (c Chain) Advise(ctx context.Context, ev *Event) (*Response, error) {
	for _, a := range c {
		if !a.CanAdvise(ev) {
			continue
		}
		return a.OnAdvise(ctx, ev)
	}
	return nil, nil
}
