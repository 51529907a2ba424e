//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package execution defines the durable records of a running plan: the
// PlanExecution, the arena of NodeExecutions indexed by id and the
// NodeExecutionsInfo side table.
package execution

import (
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
)

// Mode is the way a node runs, decided by its facilitator.
type Mode string

// Execution modes.
const (
	ModeSync     Mode = "SYNC"
	ModeAsync    Mode = "ASYNC"
	ModeTask     Mode = "TASK"
	ModeChild    Mode = "CHILD"
	ModeChildren Mode = "CHILDREN"
)

// IsLeaf reports whether the mode runs step logic rather than child nodes.
func (m Mode) IsLeaf() bool {
	return m == ModeSync || m == ModeAsync || m == ModeTask
}

// FailureType classifies a step failure.
type FailureType string

// Failure types.
const (
	FailureUnknown              FailureType = "UNKNOWN"
	FailureApplication          FailureType = "APPLICATION"
	FailureConnectivity         FailureType = "CONNECTIVITY"
	FailureAuthentication       FailureType = "AUTHENTICATION"
	FailureAuthorization        FailureType = "AUTHORIZATION"
	FailureVerification         FailureType = "VERIFICATION"
	FailureDelegateProvisioning FailureType = "DELEGATE_PROVISIONING"
	FailureTimeout              FailureType = "TIMEOUT"
	FailurePolicyEvaluation     FailureType = "POLICY_EVALUATION"
	FailureInputTimeout         FailureType = "INPUT_TIMEOUT"
)

// FailureInfo is attached to every broken node and propagated to parents.
type FailureInfo struct {
	Message      string        `json:"message,omitempty"`
	FailureTypes []FailureType `json:"failureTypes,omitempty"`
}

// Merge folds other into f, keeping failure types unique.
func (f *FailureInfo) Merge(other *FailureInfo) {
	if other == nil {
		return
	}
	if f.Message == "" {
		f.Message = other.Message
	}
	for _, t := range other.FailureTypes {
		if !containsType(f.FailureTypes, t) {
			f.FailureTypes = append(f.FailureTypes, t)
		}
	}
}

func containsType(types []FailureType, t FailureType) bool {
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

// TriggerMetadata records who or what started a plan execution.
type TriggerMetadata struct {
	TriggerType string `json:"triggerType,omitempty"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// PlanExecution is the durable record of one workflow run.
type PlanExecution struct {
	ID                string            `json:"id"`
	PlanID            string            `json:"planId"`
	PipelineKey       string            `json:"pipelineKey,omitempty"`
	Status            Status            `json:"status"`
	Metadata          TriggerMetadata   `json:"metadata"`
	SetupAbstractions map[string]string `json:"setupAbstractions,omitempty"`
	// PauseEpoch increases on every pause so that parked nodes wait on a
	// token unique to that pause.
	PauseEpoch int       `json:"pauseEpoch,omitempty"`
	StartTS    time.Time `json:"startTs,omitempty"`
	EndTS      time.Time `json:"endTs,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NodeExecution is the durable record of one node run. Relationships are id
// references into the arena kept by the store.
type NodeExecution struct {
	ID         string            `json:"id"`
	Ambiance   ambiance.Ambiance `json:"ambiance"`
	PlanNodeID string            `json:"planNodeId"`
	Identifier string            `json:"identifier,omitempty"`
	Name       string            `json:"name,omitempty"`
	StepType   string            `json:"stepType,omitempty"`
	Group      string            `json:"group,omitempty"`
	Mode       Mode              `json:"mode,omitempty"`
	Status     Status            `json:"status"`
	ParentID   string            `json:"parentId,omitempty"`
	PreviousID string            `json:"previousId,omitempty"`
	NextID     string            `json:"nextId,omitempty"`
	// NotifyID is the wait token the enclosing node waits on. Retries and
	// sequential siblings inherit it so the parent sees one report per branch.
	NotifyID        string           `json:"notifyId,omitempty"`
	RetryCount      int              `json:"retryCount,omitempty"`
	RetryIDs        []string         `json:"retryIds,omitempty"`
	FailureInfo     *FailureInfo     `json:"failureInfo,omitempty"`
	AdviserResponse *AdviserDecision `json:"adviserResponse,omitempty"`
	Timeout         time.Duration    `json:"timeout,omitempty"`
	Deadline        time.Time        `json:"deadline,omitempty"`
	StartTS         time.Time        `json:"startTs,omitempty"`
	EndTS           time.Time        `json:"endTs,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	Version         int64            `json:"version"`
}

// AdviserDecision is the audit copy of the adviser response applied to a node.
type AdviserDecision struct {
	Type       string `json:"type"`
	NextNodeID string `json:"nextNodeId,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// NodeUpdate carries the optional fields written with a status transition.
type NodeUpdate struct {
	Mode            Mode
	FailureInfo     *FailureInfo
	AdviserResponse *AdviserDecision
	NextID          string
	StartTS         time.Time
	EndTS           time.Time
	Deadline        time.Time
}

// Apply writes u onto n. Zero fields are ignored.
func (u NodeUpdate) Apply(n *NodeExecution) {
	if u.Mode != "" {
		n.Mode = u.Mode
	}
	if u.FailureInfo != nil {
		n.FailureInfo = u.FailureInfo
	}
	if u.AdviserResponse != nil {
		n.AdviserResponse = u.AdviserResponse
	}
	if u.NextID != "" {
		n.NextID = u.NextID
	}
	if !u.StartTS.IsZero() {
		n.StartTS = u.StartTS
	}
	if !u.EndTS.IsZero() {
		n.EndTS = u.EndTS
	}
	if !u.Deadline.IsZero() {
		n.Deadline = u.Deadline
	}
}

// ConcurrentChildInstance is the join counter of a CHILD or CHILDREN node.
type ConcurrentChildInstance struct {
	ChildrenIDs    []string `json:"childrenIds"`
	Reported       []string `json:"reported,omitempty"`
	Cursor         int      `json:"cursor"`
	MaxConcurrency int      `json:"maxConcurrency,omitempty"`
}

// FanOut is the number of children the parent waits for.
func (c *ConcurrentChildInstance) FanOut() int { return len(c.ChildrenIDs) }

// Done reports whether every child reported back.
func (c *ConcurrentChildInstance) Done() bool {
	return len(c.Reported) >= len(c.ChildrenIDs)
}

// NodeExecutionsInfo holds the large payloads of a NodeExecution.
type NodeExecutionsInfo struct {
	NodeExecutionID         string                   `json:"nodeExecutionId"`
	PlanExecutionID         string                   `json:"planExecutionId"`
	ResolvedInputs          map[string]any           `json:"resolvedInputs,omitempty"`
	StepDetails             map[string]any           `json:"stepDetails,omitempty"`
	Outputs                 map[string]any           `json:"outputs,omitempty"`
	ConcurrentChildInstance *ConcurrentChildInstance `json:"concurrentChildInstance,omitempty"`
}

// Latest filters out records superseded by a retry.
func Latest(nodes []*NodeExecution) []*NodeExecution {
	out := make([]*NodeExecution, 0, len(nodes))
	for _, n := range nodes {
		if n.Status != StatusRetried {
			out = append(out, n)
		}
	}
	return out
}
