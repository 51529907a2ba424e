//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package execution

// Status is the lifecycle state of a NodeExecution or a PlanExecution.
type Status string

// Status values.
const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusPaused              Status = "PAUSED"
	StatusInterventionWaiting Status = "INTERVENTION_WAITING"
	StatusSucceeded           Status = "SUCCEEDED"
	StatusFailed              Status = "FAILED"
	StatusExpired             Status = "EXPIRED"
	StatusAborted             Status = "ABORTED"
	StatusErrored             Status = "ERRORED"
	StatusIgnoreFailed        Status = "IGNORE_FAILED"
	StatusRetried             Status = "RETRIED"
)

// IsTerminal reports whether no further transition is expected without an
// adviser decision.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusExpired, StatusAborted,
		StatusErrored, StatusIgnoreFailed, StatusRetried:
		return true
	}
	return false
}

// IsBroken reports whether the status is one the failure advisers react to.
func (s Status) IsBroken() bool {
	switch s {
	case StatusFailed, StatusExpired, StatusAborted, StatusErrored:
		return true
	}
	return false
}

// IsPositive reports whether the status lets the enclosing branch continue.
func (s Status) IsPositive() bool {
	return s == StatusSucceeded || s == StatusIgnoreFailed
}

// IsFinal reports whether nothing, not even an adviser, may move the record.
func (s Status) IsFinal() bool {
	switch s {
	case StatusSucceeded, StatusAborted, StatusIgnoreFailed, StatusRetried:
		return true
	}
	return false
}

// Unterminated lists the statuses of nodes that still need to finish.
func Unterminated() []Status {
	return []Status{StatusQueued, StatusRunning, StatusPaused, StatusInterventionWaiting}
}

// Transition kinds. Adviser authorised moves are only accepted when the
// caller passes AdviserAuthorised.
type TransitionKind int

const (
	// Natural is a lifecycle transition driven by the scheduler.
	Natural TransitionKind = iota
	// AdviserAuthorised is a transition requested by an adviser response.
	AdviserAuthorised
)

var naturalTransitions = map[Status][]Status{
	StatusQueued:              {StatusRunning, StatusPaused, StatusAborted, StatusErrored},
	StatusPaused:              {StatusQueued, StatusAborted},
	StatusRunning:             {StatusSucceeded, StatusFailed, StatusExpired, StatusAborted, StatusErrored},
	StatusInterventionWaiting: {StatusSucceeded, StatusFailed, StatusExpired, StatusAborted},
}

var adviserTransitions = map[Status][]Status{
	StatusFailed:              {StatusRetried, StatusIgnoreFailed, StatusInterventionWaiting},
	StatusExpired:             {StatusRetried, StatusIgnoreFailed, StatusInterventionWaiting},
	StatusErrored:             {StatusRetried, StatusIgnoreFailed, StatusInterventionWaiting},
	StatusInterventionWaiting: {StatusRetried, StatusIgnoreFailed},
}

// AllowedFrom returns the statuses a record may be in to move to `to`.
func AllowedFrom(to Status, kind TransitionKind) []Status {
	var from []Status
	table := naturalTransitions
	if kind == AdviserAuthorised {
		table = adviserTransitions
	}
	for f, tos := range table {
		for _, t := range tos {
			if t == to {
				from = append(from, f)
			}
		}
	}
	return sortStatuses(from)
}

// CanTransition reports whether from→to is legal for kind.
func CanTransition(from, to Status, kind TransitionKind) bool {
	for _, f := range AllowedFrom(to, kind) {
		if f == from {
			return true
		}
	}
	return false
}

var severity = map[Status]int{
	StatusAborted:      50,
	StatusErrored:      40,
	StatusExpired:      30,
	StatusFailed:       20,
	StatusSucceeded:    10,
	StatusIgnoreFailed: 10,
}

// Aggregate derives a parent status from the terminal statuses of its latest
// children. ABORTED takes precedence over ERRORED, then EXPIRED, FAILED and
// finally success. Retried records must be filtered out by the caller.
func Aggregate(children []Status) Status {
	result := StatusSucceeded
	for _, s := range children {
		if severity[s] > severity[result] {
			result = s
		}
	}
	if result == StatusIgnoreFailed {
		return StatusSucceeded
	}
	return result
}

// Settled reports whether every child status is terminal. Aggregate is only
// meaningful for settled children.
func Settled(children []Status) bool {
	for _, s := range children {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

func sortStatuses(in []Status) []Status {
	for i := 1; i < len(in); i++ {
		for j := i; j > 0 && in[j] < in[j-1]; j-- {
			in[j], in[j-1] = in[j-1], in[j]
		}
	}
	return in
}

// PlanStatus converts a root node status into the plan status.
func PlanStatus(root Status) Status {
	switch root {
	case StatusSucceeded, StatusIgnoreFailed:
		return StatusSucceeded
	case StatusAborted:
		return StatusAborted
	case StatusErrored:
		return StatusErrored
	default:
		return StatusFailed
	}
}

// IsPlanTerminal reports whether a plan execution has finished.
func IsPlanTerminal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusAborted, StatusErrored:
		return true
	}
	return false
}
