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
	"slices"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/adviser"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

// branchReport is the answer a branch sends to its parent's wait token.
type branchReport struct {
	NodeExecutionID string           `json:"nodeExecutionId"`
	Status          execution.Status `json:"status"`
}

// processStepResponse ends a RUNNING node with the outcome of its step.
func (e *Engine) processStepResponse(ctx context.Context, id string, resp *step.Response) error {
	to := resp.Status
	upd := execution.NodeUpdate{EndTS: e.now(), FailureInfo: resp.FailureInfo}
	if !execution.CanTransition(execution.StatusRunning, to, execution.Natural) {
		to = execution.StatusErrored
		upd.FailureInfo = failure(fmt.Sprintf("unexpected step status %q", resp.Status), execution.FailureUnknown)
	}
	if to.IsBroken() && upd.FailureInfo == nil {
		upd.FailureInfo = failure("", execution.FailureUnknown)
	}
	return e.finish(ctx, id, to, []execution.Status{execution.StatusRunning}, upd, resp.Outputs, true)
}

// expire ends a RUNNING node whose deadline passed. An expired container
// aborts its unterminated descendants before its advisers run, so nothing
// of it keeps running next to the branch that continues.
func (e *Engine) expire(ctx context.Context, id string) error {
	upd := execution.NodeUpdate{EndTS: e.now(), FailureInfo: failure("deadline exceeded", execution.FailureTimeout)}
	n, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if n.Mode.IsLeaf() {
		return e.finish(ctx, id, execution.StatusExpired, []execution.Status{execution.StatusRunning}, upd, nil, true)
	}

	expired, err := e.store.UpdateNodeStatus(ctx, id, execution.StatusExpired,
		[]execution.Status{execution.StatusRunning}, upd)
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire node execution %s: %w", id, err)
	}
	metric.RecordTransition(ctx, string(expired.Status), expired.StepType)
	logger := log.With(expired.Ambiance.Fields()...)
	if err := e.outputs.Consume(ctx, expired.Ambiance, outputAbortRequested, true, ""); err != nil {
		logger.Errorf("engine: request abort below expired node: %v", err)
	}
	if err := e.abortDescendants(ctx, id); err != nil {
		logger.Errorf("engine: abort below expired node: %v", err)
	}
	return e.endNodeExecution(ctx, expired, execution.StatusRunning)
}

// finish moves node id to a terminal status and continues the run. Only the
// caller whose conditional update succeeds continues; a loser is a duplicate
// delivery and returns nil.
func (e *Engine) finish(
	ctx context.Context,
	id string,
	to execution.Status,
	from []execution.Status,
	upd execution.NodeUpdate,
	outputs map[string]any,
	advise bool,
) error {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameEndNode)
	defer span.End()

	n, prior, err := e.transition(ctx, id, to, from, upd)
	if errors.Is(err, store.ErrStatusConflict) {
		log.Debugf("engine: node execution %s not in %v, skip %s", id, from, to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("end node execution %s: %w", id, err)
	}
	metric.RecordTransition(ctx, string(n.Status), n.StepType)
	itelemetry.TraceNode(span, n)
	logger := log.With(n.Ambiance.Fields()...)
	logger.Debugf("engine: node execution ended with %s", n.Status)

	if len(outputs) > 0 {
		if err := e.saveOutputs(ctx, n, outputs); err != nil {
			logger.Errorf("engine: save step outputs: %v", err)
		}
	}
	if !advise {
		return e.endBranch(ctx, n)
	}
	return e.endNodeExecution(ctx, n, prior)
}

// transition moves node id to `to` and returns the status it moved from.
// With several allowed sources the record is read first and updated
// conditionally on exactly that status.
func (e *Engine) transition(
	ctx context.Context,
	id string,
	to execution.Status,
	from []execution.Status,
	upd execution.NodeUpdate,
) (*execution.NodeExecution, execution.Status, error) {
	if len(from) == 1 {
		n, err := e.store.UpdateNodeStatus(ctx, id, to, from, upd)
		return n, from[0], err
	}
	for {
		cur, err := e.store.GetNodeExecution(ctx, id)
		if err != nil {
			return nil, "", err
		}
		if !slices.Contains(from, cur.Status) {
			return nil, "", fmt.Errorf("%w: %s is %s", store.ErrStatusConflict, id, cur.Status)
		}
		n, err := e.store.UpdateNodeStatus(ctx, id, to, []execution.Status{cur.Status}, upd)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		return n, cur.Status, err
	}
}

func (e *Engine) saveOutputs(ctx context.Context, n *execution.NodeExecution, outputs map[string]any) error {
	info, err := e.store.GetNodeExecutionInfo(ctx, n.ID)
	if errors.Is(err, store.ErrNotFound) {
		info = &execution.NodeExecutionsInfo{NodeExecutionID: n.ID, PlanExecutionID: n.Ambiance.PlanExecutionID}
	} else if err != nil {
		return err
	}
	info.Outputs = outputs
	return e.store.SaveNodeExecutionInfo(ctx, info)
}

// endNodeExecution runs the adviser chain of a terminated node and applies
// the response.
func (e *Engine) endNodeExecution(ctx context.Context, n *execution.NodeExecution, from execution.Status) error {
	logger := log.With(n.Ambiance.Fields()...)
	cp, err := e.compiled(ctx, n.Ambiance.PlanID)
	if err != nil {
		return err
	}
	node, err := cp.node(n.PlanNodeID)
	if err != nil {
		return err
	}
	ev := &adviser.Event{
		Ambiance:        n.Ambiance,
		NodeExecutionID: n.ID,
		FromStatus:      from,
		ToStatus:        n.Status,
		RetryCount:      n.RetryCount,
	}
	if n.FailureInfo != nil {
		ev.FailureTypes = n.FailureInfo.FailureTypes
	}
	resp, err := cp.chains[node.ID].Advise(ctx, ev)
	if err != nil {
		logger.Errorf("engine: advise %s: %v", node.DisplayName(), err)
		resp = nil
	}
	if resp != nil && resp.Type == adviser.ResponseRetry && n.Status == execution.StatusAborted {
		logger.Debugf("engine: retry of aborted node ignored")
		resp = nil
	}
	if resp == nil && n.Status.IsPositive() && node.Next != "" {
		resp = adviser.NextStep(node.Next)
	}
	if resp == nil {
		return e.endBranch(ctx, n)
	}

	logger.Debugf("engine: adviser decided %s", resp.Type)
	e.recordDecision(ctx, n, resp)
	switch resp.Type {
	case adviser.ResponseNextStep:
		return e.next(ctx, n, resp.NextNodeID)
	case adviser.ResponseRollback:
		return e.next(ctx, n, resp.RollbackNodeID)
	case adviser.ResponseIgnore:
		nextID := resp.NextNodeID
		if nextID == "" {
			nextID = node.Next
		}
		return e.ignore(ctx, n, nextID)
	case adviser.ResponseRetry:
		return e.retry(ctx, n, resp.Delay)
	case adviser.ResponseEndPlan:
		return e.endPlan(ctx, n.Ambiance.PlanExecutionID, resp.Status)
	case adviser.ResponseManualIntervention:
		return e.awaitIntervention(ctx, n, resp.Timeout, resp.TimeoutAction)
	default:
		logger.Warnf("engine: unknown adviser response %q, ending branch", resp.Type)
		return e.endBranch(ctx, n)
	}
}

// recordDecision keeps the applied response on the node for auditing.
func (e *Engine) recordDecision(ctx context.Context, n *execution.NodeExecution, resp *adviser.Response) {
	d := &execution.AdviserDecision{Type: string(resp.Type), NextNodeID: resp.NextNodeID}
	switch resp.Type {
	case adviser.ResponseRollback:
		d.NextNodeID = resp.RollbackNodeID
	case adviser.ResponseRetry:
		d.Detail = resp.Delay.String()
	case adviser.ResponseEndPlan:
		d.Detail = string(resp.Status)
	case adviser.ResponseManualIntervention:
		d.Detail = string(resp.TimeoutAction)
	}
	if _, err := e.store.UpdateNodeStatus(ctx, n.ID, n.Status, []execution.Status{n.Status},
		execution.NodeUpdate{AdviserResponse: d}); err != nil {
		log.Warnf("engine: record adviser response of %s: %v", n.ID, err)
	}
}

// next starts the sibling nextID after n, or ends the branch when there is
// none.
func (e *Engine) next(ctx context.Context, n *execution.NodeExecution, nextID string) error {
	if nextID == "" {
		return e.endBranch(ctx, n)
	}
	cp, err := e.compiled(ctx, n.Ambiance.PlanID)
	if err != nil {
		return err
	}
	node, err := cp.node(nextID)
	if err != nil {
		return err
	}
	sibling, err := e.createNode(ctx, n.Ambiance.Parent(), node, links{
		id:         derivedID(n.ID, "next"),
		parentID:   n.ParentID,
		previousID: n.ID,
		notifyID:   n.NotifyID,
	})
	if errors.Is(err, store.ErrDuplicate) {
		log.Debugf("engine: next of %s already created", n.ID)
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := e.store.UpdateNodeStatus(ctx, n.ID, n.Status, []execution.Status{n.Status},
		execution.NodeUpdate{NextID: sibling.ID}); err != nil {
		log.Warnf("engine: link %s to %s: %v", n.ID, sibling.ID, err)
	}
	return e.dispatchStart(ctx, sibling.ID)
}

// ignore marks a broken node IGNORE_FAILED and continues with nextID.
func (e *Engine) ignore(ctx context.Context, n *execution.NodeExecution, nextID string) error {
	ignored, err := e.store.UpdateNodeStatus(ctx, n.ID, execution.StatusIgnoreFailed,
		execution.AllowedFrom(execution.StatusIgnoreFailed, execution.AdviserAuthorised),
		execution.NodeUpdate{EndTS: e.now()})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ignore failure of %s: %w", n.ID, err)
	}
	metric.RecordTransition(ctx, string(ignored.Status), ignored.StepType)
	return e.next(ctx, ignored, nextID)
}

// retry supersedes n with a new attempt of the same plan node, now or after
// delay.
func (e *Engine) retry(ctx context.Context, n *execution.NodeExecution, delay time.Duration) error {
	retried, err := e.store.UpdateNodeStatus(ctx, n.ID, execution.StatusRetried,
		execution.AllowedFrom(execution.StatusRetried, execution.AdviserAuthorised),
		execution.NodeUpdate{})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("retry %s: %w", n.ID, err)
	}
	metric.RecordTransition(ctx, string(retried.Status), retried.StepType)
	if delay > 0 {
		cb := &RetryTimerCallback{Ambiance: retried.Ambiance}
		if _, err := e.waiter.WaitForAllOn(ctx, cb, delay, retryToken(retried.ID)); err != nil {
			return fmt.Errorf("schedule retry of %s: %w", retried.ID, err)
		}
		return nil
	}
	return e.startRetry(ctx, retried)
}

// startRetry creates and starts the attempt that replaces the RETRIED node.
// The attempt id is derived from the retried one so a repeated call finds
// it.
func (e *Engine) startRetry(ctx context.Context, retried *execution.NodeExecution) error {
	cp, err := e.compiled(ctx, retried.Ambiance.PlanID)
	if err != nil {
		return err
	}
	node, err := cp.node(retried.PlanNodeID)
	if err != nil {
		return err
	}
	attempt, err := e.createNode(ctx, retried.Ambiance, node, links{
		id:         derivedID(retried.ID, "retry"),
		parentID:   retried.ParentID,
		previousID: retried.PreviousID,
		notifyID:   retried.NotifyID,
		retryOf:    retried,
	})
	if errors.Is(err, store.ErrDuplicate) {
		return e.dispatchStart(ctx, derivedID(retried.ID, "retry"))
	}
	if err != nil {
		return err
	}
	log.With(attempt.Ambiance.Fields()...).Infof("engine: retry attempt %d of %s", attempt.RetryCount, node.DisplayName())
	return e.dispatchStart(ctx, attempt.ID)
}

// awaitIntervention parks a broken node until an operator answers or the
// timeout applies onTimeout.
func (e *Engine) awaitIntervention(
	ctx context.Context,
	n *execution.NodeExecution,
	timeout time.Duration,
	onTimeout adviser.ResponseType,
) error {
	waiting, err := e.store.UpdateNodeStatus(ctx, n.ID, execution.StatusInterventionWaiting,
		execution.AllowedFrom(execution.StatusInterventionWaiting, execution.AdviserAuthorised),
		execution.NodeUpdate{})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("await intervention on %s: %w", n.ID, err)
	}
	metric.RecordTransition(ctx, string(waiting.Status), waiting.StepType)
	cb := &InterventionCallback{Ambiance: waiting.Ambiance, TimeoutAction: onTimeout}
	if _, err := e.waiter.WaitForAllOn(ctx, cb, timeout, interventionToken(waiting.ID)); err != nil {
		return fmt.Errorf("await intervention on %s: %w", n.ID, err)
	}
	log.With(waiting.Ambiance.Fields()...).Infof("engine: waiting for manual intervention")
	return nil
}

// endBranch reports a finished branch to its parent, or concludes the plan
// when the branch is the root.
func (e *Engine) endBranch(ctx context.Context, n *execution.NodeExecution) error {
	if n.NotifyID == "" {
		return e.concludePlan(ctx, n.Ambiance.PlanExecutionID, execution.PlanStatus(n.Status))
	}
	data, err := json.Marshal(branchReport{NodeExecutionID: n.ID, Status: n.Status})
	if err != nil {
		return err
	}
	err = e.waiter.DoneWith(ctx, n.NotifyID, data, n.Status.IsBroken())
	if errors.Is(err, waiter.ErrDuplicateResponse) {
		log.Debugf("engine: branch %s already reported", n.NotifyID)
		return nil
	}
	return err
}

// endPlan aborts every unterminated node of the plan, innermost first, and
// concludes it with status.
func (e *Engine) endPlan(ctx context.Context, planExecutionID string, status execution.Status) error {
	if !execution.IsPlanTerminal(status) {
		status = execution.StatusFailed
	}
	nodes, err := e.store.ListNodeExecutions(ctx, planExecutionID)
	if err != nil {
		return err
	}
	now := e.now()
	for i := len(nodes) - 1; i >= 0; i-- {
		n := nodes[i]
		if n.Status.IsTerminal() {
			continue
		}
		aborted, err := e.store.UpdateNodeStatus(ctx, n.ID, execution.StatusAborted, execution.Unterminated(),
			execution.NodeUpdate{EndTS: now, FailureInfo: failure("plan ended")})
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("end plan %s: %w", planExecutionID, err)
		}
		metric.RecordTransition(ctx, string(aborted.Status), aborted.StepType)
	}
	return e.concludePlan(ctx, planExecutionID, status)
}

// concludePlan moves the plan execution to its final status once and lets
// the next queued run of the pipeline go.
func (e *Engine) concludePlan(ctx context.Context, planExecutionID string, status execution.Status) error {
	pe, err := e.store.UpdatePlanExecutionStatus(ctx, planExecutionID, status,
		[]execution.Status{execution.StatusRunning, execution.StatusPaused},
		store.PlanUpdate{EndTS: e.now()})
	if errors.Is(err, store.ErrStatusConflict) {
		log.Debugf("engine: plan execution %s already concluded", planExecutionID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("conclude plan execution %s: %w", planExecutionID, err)
	}
	metric.RecordPlanConcluded(ctx, string(pe.Status))
	log.Infof("engine: plan execution %s concluded with %s", pe.ID, pe.Status)
	if pe.PipelineKey == "" {
		return nil
	}
	err = e.waiter.DoneWith(ctx, pe.ID, nil, pe.Status != execution.StatusSucceeded)
	if errors.Is(err, waiter.ErrDuplicateResponse) {
		return nil
	}
	return err
}
