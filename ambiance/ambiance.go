//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package ambiance provides the immutable address of a unit of work inside a
// running plan.
//
// An Ambiance is the ordered path of levels from the plan root down to the
// current node. A child's ambiance is the parent's ambiance with one level
// appended. Values are never mutated in place; every modifier returns a copy,
// so an Ambiance can be persisted, passed across goroutines and rebuilt from
// storage without sharing state.
package ambiance

import (
	"fmt"
	"strings"
)

// Well known setup abstraction keys.
const (
	KeyAccountID          = "accountId"
	KeyOrgIdentifier      = "orgIdentifier"
	KeyProjectIdentifier  = "projectIdentifier"
	KeyPipelineIdentifier = "pipelineIdentifier"
)

// Well known level groups.
const (
	GroupPipeline  = "PIPELINE"
	GroupStages    = "STAGES"
	GroupStage     = "STAGE"
	GroupStepGroup = "STEP_GROUP"
	GroupStep      = "STEP"
	GroupFork      = "FORK"
)

// Level is one hop of the execution path.
type Level struct {
	// SetupID is the plan node id. It stays the same across retries.
	SetupID string `json:"setupId"`
	// RuntimeID is the NodeExecution id.
	RuntimeID string `json:"runtimeId"`
	// Group classifies the level, e.g. PIPELINE or STAGE.
	Group string `json:"group,omitempty"`
	// Identifier is the user facing identifier of the plan node.
	Identifier string `json:"identifier,omitempty"`
	StepType   string `json:"stepType,omitempty"`
	RetryIndex int    `json:"retryIndex,omitempty"`
}

// Ambiance addresses a point in the execution tree.
type Ambiance struct {
	PlanExecutionID   string            `json:"planExecutionId"`
	PlanID            string            `json:"planId"`
	Levels            []Level           `json:"levels,omitempty"`
	SetupAbstractions map[string]string `json:"setupAbstractions,omitempty"`
}

// New creates the root ambiance of a plan execution.
func New(planExecutionID, planID string, setup map[string]string) Ambiance {
	return Ambiance{
		PlanExecutionID:   planExecutionID,
		PlanID:            planID,
		SetupAbstractions: copyMap(setup),
	}
}

// WithLevel returns a copy of a with level appended.
func (a Ambiance) WithLevel(level Level) Ambiance {
	out := a.clone()
	out.Levels = append(out.Levels, level)
	return out
}

// WithRetry returns a copy of a whose last level points at a new runtime id
// of the same plan node.
func (a Ambiance) WithRetry(runtimeID string) Ambiance {
	out := a.clone()
	if n := len(out.Levels); n > 0 {
		out.Levels[n-1].RuntimeID = runtimeID
		out.Levels[n-1].RetryIndex++
	}
	return out
}

// Parent returns the ambiance of the enclosing node. The root ambiance is its
// own parent with no levels.
func (a Ambiance) Parent() Ambiance {
	out := a.clone()
	if n := len(out.Levels); n > 0 {
		out.Levels = out.Levels[:n-1]
	}
	return out
}

// CurrentLevel returns the innermost level, if any.
func (a Ambiance) CurrentLevel() (Level, bool) {
	if len(a.Levels) == 0 {
		return Level{}, false
	}
	return a.Levels[len(a.Levels)-1], true
}

// CurrentRuntimeID returns the NodeExecution id addressed by a.
func (a Ambiance) CurrentRuntimeID() string {
	l, _ := a.CurrentLevel()
	return l.RuntimeID
}

// CurrentSetupID returns the plan node id addressed by a.
func (a Ambiance) CurrentSetupID() string {
	l, _ := a.CurrentLevel()
	return l.SetupID
}

// Depth is the number of levels.
func (a Ambiance) Depth() int { return len(a.Levels) }

// FindLevelByGroup returns the innermost level whose group matches.
func (a Ambiance) FindLevelByGroup(group string) (Level, bool) {
	for i := len(a.Levels) - 1; i >= 0; i-- {
		if a.Levels[i].Group == group {
			return a.Levels[i], true
		}
	}
	return Level{}, false
}

// Setup returns a setup abstraction value.
func (a Ambiance) Setup(key string) string {
	return a.SetupAbstractions[key]
}

// PipelineKey identifies the pipeline across executions. Runs sharing a key
// compete for the same execution slot.
func (a Ambiance) PipelineKey() string {
	return PipelineKey(a.SetupAbstractions)
}

// PipelineKey builds the pipeline key from setup abstractions. It returns an
// empty string when no pipeline identifier is present.
func PipelineKey(setup map[string]string) string {
	if setup[KeyPipelineIdentifier] == "" {
		return ""
	}
	return strings.Join([]string{
		setup[KeyAccountID],
		setup[KeyOrgIdentifier],
		setup[KeyProjectIdentifier],
		setup[KeyPipelineIdentifier],
	}, "/")
}

// Fields returns structured logging fields.
func (a Ambiance) Fields() []any {
	fields := []any{"planExecutionId", a.PlanExecutionID}
	if l, ok := a.CurrentLevel(); ok {
		fields = append(fields, "nodeExecutionId", l.RuntimeID, "setupId", l.SetupID)
		if l.Identifier != "" {
			fields = append(fields, "identifier", l.Identifier)
		}
	}
	return fields
}

// String renders the path, e.g. "p1:pipeline/stages/build".
func (a Ambiance) String() string {
	parts := make([]string, 0, len(a.Levels))
	for _, l := range a.Levels {
		name := l.Identifier
		if name == "" {
			name = l.SetupID
		}
		parts = append(parts, name)
	}
	return fmt.Sprintf("%s:%s", a.PlanExecutionID, strings.Join(parts, "/"))
}

func (a Ambiance) clone() Ambiance {
	out := Ambiance{
		PlanExecutionID:   a.PlanExecutionID,
		PlanID:            a.PlanID,
		SetupAbstractions: a.SetupAbstractions,
	}
	if len(a.Levels) > 0 {
		out.Levels = make([]Level, len(a.Levels), len(a.Levels)+1)
		copy(out.Levels, a.Levels)
	}
	return out
}

func copyMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
