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
	"encoding/json"
	"errors"
	"fmt"

	"trpc.group/trpc-go/trpc-pipeline-go/adviser"
	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

// Callback types registered by the engine.
const (
	CallbackEngineResume     = "ENGINE_RESUME"
	CallbackChildReported    = "CHILD_REPORTED"
	CallbackPipelineRollback = "PIPELINE_ROLLBACK"
	CallbackRetryTimer       = "RETRY_TIMER"
	CallbackIntervention     = "INTERVENTION"
	CallbackPlanUnpause      = "PLAN_UNPAUSE"
	CallbackResumeNextQueued = "RESUME_NEXT_QUEUED"
)

// branchToken is the token a container waits on for the branch that starts
// with childID. It differs from the child's own id, which a remote step
// waits on.
func branchToken(childID string) string { return "branch:" + childID }

func interventionToken(nodeExecutionID string) string { return "intervention:" + nodeExecutionID }

func retryToken(nodeExecutionID string) string { return "retry:" + nodeExecutionID }

func unpauseToken(planExecutionID string, epoch int) string {
	return fmt.Sprintf("unpause:%s:%d", planExecutionID, epoch)
}

func queueLockName(pipelineKey string) string { return "pipeline-queue:" + pipelineKey }

func (e *Engine) registerCallbacks(r *waiter.Registry) {
	r.Register(CallbackEngineResume, func() waiter.Callback { return &EngineResumeCallback{e: e} })
	r.Register(CallbackChildReported, func() waiter.Callback { return &ChildReportedCallback{e: e} })
	r.Register(CallbackPipelineRollback, func() waiter.Callback { return &PipelineRollbackCallback{e: e} })
	r.Register(CallbackRetryTimer, func() waiter.Callback { return &RetryTimerCallback{e: e} })
	r.Register(CallbackIntervention, func() waiter.Callback { return &InterventionCallback{e: e} })
	r.Register(CallbackPlanUnpause, func() waiter.Callback { return &PlanUnpauseCallback{e: e} })
	r.Register(CallbackResumeNextQueued, func() waiter.Callback { return &ResumeNextQueuedCallback{e: e} })
}

// EngineResumeCallback delivers the response of an ASYNC or TASK step. It
// waits on the node execution id.
type EngineResumeCallback struct {
	Ambiance ambiance.Ambiance `json:"ambiance"`

	e *Engine
}

// CallbackType implements waiter.Callback.
func (c *EngineResumeCallback) CallbackType() string { return CallbackEngineResume }

// Notify implements waiter.Callback.
func (c *EngineResumeCallback) Notify(ctx context.Context, responses waiter.ResponseMap) error {
	return c.e.onStepResponse(ctx, c.Ambiance.CurrentRuntimeID(), responses, false)
}

// NotifyError implements waiter.Callback.
func (c *EngineResumeCallback) NotifyError(ctx context.Context, responses waiter.ResponseMap) error {
	return c.e.onStepResponse(ctx, c.Ambiance.CurrentRuntimeID(), responses, true)
}

// NotifyTimeout implements waiter.Callback.
func (c *EngineResumeCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.expire(ctx, c.Ambiance.CurrentRuntimeID())
}

func (e *Engine) onStepResponse(ctx context.Context, id string, responses waiter.ResponseMap, isError bool) error {
	var (
		resp *step.Response
		err  = errors.New("missing step response")
	)
	if r, ok := responses[id]; ok {
		resp, err = step.Decode(r.Data)
	}
	if err != nil {
		resp = &step.Response{
			Status:      execution.StatusErrored,
			FailureInfo: failure(err.Error(), execution.FailureUnknown),
		}
	}
	if isError && resp.Status.IsPositive() {
		resp.Status = execution.StatusFailed
	}
	return e.processStepResponse(ctx, id, resp)
}

// ChildReportedCallback counts one finished branch of a container. It waits
// on the branch token of the branch's first runtime id.
type ChildReportedCallback struct {
	// Ambiance addresses the container.
	Ambiance ambiance.Ambiance `json:"ambiance"`
	ChildID  string            `json:"childId"`

	e *Engine
}

// CallbackType implements waiter.Callback.
func (c *ChildReportedCallback) CallbackType() string { return CallbackChildReported }

// Notify implements waiter.Callback.
func (c *ChildReportedCallback) Notify(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.onChildReported(ctx, c.Ambiance.CurrentRuntimeID(), c.ChildID)
}

// NotifyError implements waiter.Callback. A broken branch is counted like
// any other; the container status comes from the join.
func (c *ChildReportedCallback) NotifyError(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.onChildReported(ctx, c.Ambiance.CurrentRuntimeID(), c.ChildID)
}

// NotifyTimeout implements waiter.Callback.
func (c *ChildReportedCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.onChildReported(ctx, c.Ambiance.CurrentRuntimeID(), c.ChildID)
}

// PipelineRollbackCallback watches the primary branch of the pipeline root.
// When the branch reports with the rollback flag raised, the rollback stage
// joins the root's children before the branch is counted.
type PipelineRollbackCallback struct {
	// Ambiance addresses the pipeline root.
	Ambiance       ambiance.Ambiance `json:"ambiance"`
	ChildID        string            `json:"childId"`
	RollbackNodeID string            `json:"rollbackNodeId"`

	e *Engine
}

// CallbackType implements waiter.Callback.
func (c *PipelineRollbackCallback) CallbackType() string { return CallbackPipelineRollback }

// Notify implements waiter.Callback.
func (c *PipelineRollbackCallback) Notify(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.onPrimaryReported(ctx, c.Ambiance, c.ChildID, c.RollbackNodeID)
}

// NotifyError implements waiter.Callback.
func (c *PipelineRollbackCallback) NotifyError(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.onPrimaryReported(ctx, c.Ambiance, c.ChildID, c.RollbackNodeID)
}

// NotifyTimeout implements waiter.Callback.
func (c *PipelineRollbackCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.onPrimaryReported(ctx, c.Ambiance, c.ChildID, c.RollbackNodeID)
}

// RetryTimerCallback starts a delayed retry when its timer token times out.
type RetryTimerCallback struct {
	// Ambiance addresses the RETRIED attempt.
	Ambiance ambiance.Ambiance `json:"ambiance"`

	e *Engine
}

// CallbackType implements waiter.Callback.
func (c *RetryTimerCallback) CallbackType() string { return CallbackRetryTimer }

// Notify implements waiter.Callback. Answering the timer token starts the
// retry early.
func (c *RetryTimerCallback) Notify(ctx context.Context, _ waiter.ResponseMap) error {
	return c.start(ctx)
}

// NotifyError implements waiter.Callback.
func (c *RetryTimerCallback) NotifyError(ctx context.Context, _ waiter.ResponseMap) error {
	return c.start(ctx)
}

// NotifyTimeout implements waiter.Callback.
func (c *RetryTimerCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	return c.start(ctx)
}

func (c *RetryTimerCallback) start(ctx context.Context) error {
	retried, err := c.e.store.GetNodeExecution(ctx, c.Ambiance.CurrentRuntimeID())
	if err != nil {
		return err
	}
	return c.e.startRetry(ctx, retried)
}

// InterventionCallback applies the operator's answer to a node in
// INTERVENTION_WAITING, or TimeoutAction when nobody answers in time.
type InterventionCallback struct {
	Ambiance      ambiance.Ambiance    `json:"ambiance"`
	TimeoutAction adviser.ResponseType `json:"timeoutAction"`

	e *Engine
}

// CallbackType implements waiter.Callback.
func (c *InterventionCallback) CallbackType() string { return CallbackIntervention }

// Notify implements waiter.Callback.
func (c *InterventionCallback) Notify(ctx context.Context, responses waiter.ResponseMap) error {
	id := c.Ambiance.CurrentRuntimeID()
	r, ok := responses[interventionToken(id)]
	if !ok {
		return c.NotifyTimeout(ctx, responses)
	}
	var answer interventionAnswer
	if err := json.Unmarshal(r.Data, &answer); err != nil || !validAction(answer.Action) {
		log.Warnf("engine: bad intervention answer for %s, applying %s", id, c.TimeoutAction)
		return c.NotifyTimeout(ctx, responses)
	}
	return c.e.applyIntervention(ctx, id, answer.Action)
}

// NotifyError implements waiter.Callback.
func (c *InterventionCallback) NotifyError(ctx context.Context, responses waiter.ResponseMap) error {
	return c.NotifyTimeout(ctx, responses)
}

// NotifyTimeout implements waiter.Callback.
func (c *InterventionCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	action := c.TimeoutAction
	if !validAction(action) {
		action = adviser.ResponseEndPlan
	}
	return c.e.applyIntervention(ctx, c.Ambiance.CurrentRuntimeID(), action)
}

// PlanUnpauseCallback restarts a node parked while its plan was paused.
type PlanUnpauseCallback struct {
	Ambiance ambiance.Ambiance `json:"ambiance"`

	e *Engine
}

// CallbackType implements waiter.Callback.
func (c *PlanUnpauseCallback) CallbackType() string { return CallbackPlanUnpause }

// Notify implements waiter.Callback.
func (c *PlanUnpauseCallback) Notify(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.unpark(ctx, c.Ambiance.CurrentRuntimeID())
}

// NotifyError implements waiter.Callback.
func (c *PlanUnpauseCallback) NotifyError(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.unpark(ctx, c.Ambiance.CurrentRuntimeID())
}

// NotifyTimeout implements waiter.Callback.
func (c *PlanUnpauseCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.unpark(ctx, c.Ambiance.CurrentRuntimeID())
}

// ResumeNextQueuedCallback starts the next queued run of a pipeline when
// the run it waits on concludes, however it concluded.
type ResumeNextQueuedCallback struct {
	AccountID  string `json:"accountId"`
	OrgID      string `json:"orgId"`
	ProjectID  string `json:"projectId"`
	PipelineID string `json:"pipelineId"`

	e *Engine
}

func newResumeNextQueuedCallback(setup map[string]string) *ResumeNextQueuedCallback {
	return &ResumeNextQueuedCallback{
		AccountID:  setup[ambiance.KeyAccountID],
		OrgID:      setup[ambiance.KeyOrgIdentifier],
		ProjectID:  setup[ambiance.KeyProjectIdentifier],
		PipelineID: setup[ambiance.KeyPipelineIdentifier],
	}
}

// PipelineKey returns the key of the pipeline the callback serves.
func (c *ResumeNextQueuedCallback) PipelineKey() string {
	return ambiance.PipelineKey(map[string]string{
		ambiance.KeyAccountID:          c.AccountID,
		ambiance.KeyOrgIdentifier:      c.OrgID,
		ambiance.KeyProjectIdentifier:  c.ProjectID,
		ambiance.KeyPipelineIdentifier: c.PipelineID,
	})
}

// CallbackType implements waiter.Callback.
func (c *ResumeNextQueuedCallback) CallbackType() string { return CallbackResumeNextQueued }

// Notify implements waiter.Callback.
func (c *ResumeNextQueuedCallback) Notify(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.resumeNextQueued(ctx, c.PipelineKey())
}

// NotifyError implements waiter.Callback.
func (c *ResumeNextQueuedCallback) NotifyError(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.resumeNextQueued(ctx, c.PipelineKey())
}

// NotifyTimeout implements waiter.Callback.
func (c *ResumeNextQueuedCallback) NotifyTimeout(ctx context.Context, _ waiter.ResponseMap) error {
	return c.e.resumeNextQueued(ctx, c.PipelineKey())
}

// onChildReported counts childID on the join of parentID. The report that
// completes the join resumes the parent; any other applied report frees a
// slot for the next held back child.
func (e *Engine) onChildReported(ctx context.Context, parentID, childID string) error {
	reported, fanOut, applied, err := e.store.ReportChild(ctx, parentID, childID)
	if err != nil {
		return fmt.Errorf("report child %s to %s: %w", childID, parentID, err)
	}
	if !applied {
		log.Debugf("engine: child %s of %s already reported", childID, parentID)
		return nil
	}
	parent, err := e.store.GetNodeExecution(ctx, parentID)
	if err != nil {
		return err
	}
	if reported < fanOut {
		return e.startNextChild(ctx, parent)
	}
	return e.resumeParent(ctx, parent)
}

// resumeParent ends a container with the aggregate status of its latest
// children.
func (e *Engine) resumeParent(ctx context.Context, parent *execution.NodeExecution) error {
	children, err := e.store.ListChildren(ctx, parent.ID)
	if err != nil {
		return err
	}
	latest := execution.Latest(children)
	statuses := make([]execution.Status, 0, len(latest))
	for _, c := range latest {
		statuses = append(statuses, c.Status)
	}
	if !execution.Settled(statuses) {
		log.With(parent.Ambiance.Fields()...).Errorf("engine: join of %s complete with unterminated children, not ending it", parent.ID)
		return nil
	}
	merged := &execution.FailureInfo{}
	for _, c := range latest {
		if c.Status.IsBroken() {
			merged.Merge(c.FailureInfo)
		}
	}
	to := execution.Aggregate(statuses)
	upd := execution.NodeUpdate{EndTS: e.now()}
	if to.IsBroken() {
		upd.FailureInfo = merged
	}
	return e.finish(ctx, parent.ID, to, []execution.Status{execution.StatusRunning}, upd, nil, true)
}

// onPrimaryReported starts the pipeline rollback stage when the flag is
// raised, then counts the primary branch.
func (e *Engine) onPrimaryReported(ctx context.Context, root ambiance.Ambiance, childID, rollbackNodeID string) error {
	raised, err := e.outputs.Flag(ctx, root, adviser.OutputShouldStartPipelineRollback)
	if err != nil {
		return err
	}
	if raised {
		if err := e.startPipelineRollback(ctx, root, rollbackNodeID); err != nil {
			return err
		}
	}
	return e.onChildReported(ctx, root.CurrentRuntimeID(), childID)
}

// startPipelineRollback appends the rollback stage to the root's join and
// starts it. Every step is repeatable; the once marker makes sure only one
// caller dispatches the start.
func (e *Engine) startPipelineRollback(ctx context.Context, root ambiance.Ambiance, rollbackNodeID string) error {
	rootID := root.CurrentRuntimeID()
	rollbackID := derivedID(rootID, "pipeline-rollback")
	cp, err := e.compiled(ctx, root.PlanID)
	if err != nil {
		return err
	}
	node, err := cp.node(rollbackNodeID)
	if err != nil {
		return err
	}
	if err := e.store.AddChild(ctx, rootID, rollbackID); err != nil {
		return fmt.Errorf("add rollback stage to %s: %w", rootID, err)
	}
	cb := &ChildReportedCallback{Ambiance: root, ChildID: rollbackID}
	if _, err := e.waiter.WaitForAllOn(ctx, cb, 0, branchToken(rollbackID)); err != nil {
		return fmt.Errorf("register rollback stage wait: %w", err)
	}
	_, err = e.createNode(ctx, root, node, links{
		id:       rollbackID,
		parentID: rootID,
		notifyID: branchToken(rollbackID),
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		return err
	}
	first, err := e.outputs.ConsumeOnce(ctx, root, outputPipelineRollbackStarted, e.now().UTC(), "")
	if err != nil {
		return err
	}
	if !first {
		return nil
	}
	log.With(root.Fields()...).Infof("engine: starting pipeline rollback stage %s", node.DisplayName())
	return e.dispatchStart(ctx, rollbackID)
}
