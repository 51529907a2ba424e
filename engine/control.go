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
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

// Abort stops a plan execution. Unterminated leaves end ABORTED through
// the normal end path, so advisers still run (a RETRY is ignored) and
// containers finish through their joins. Nodes that would start later are
// aborted when they start. Aborting a finished plan is a no-op.
func (e *Engine) Abort(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.GetPlanExecution(ctx, planExecutionID)
	if err != nil {
		return err
	}
	if execution.IsPlanTerminal(pe.Status) {
		return nil
	}
	if pe.Status == execution.StatusQueued {
		_, err := e.store.UpdatePlanExecutionStatus(ctx, pe.ID, execution.StatusAborted,
			[]execution.Status{execution.StatusQueued}, store.PlanUpdate{EndTS: e.now()})
		switch {
		case errors.Is(err, store.ErrStatusConflict):
			// Started meanwhile.
			return e.Abort(ctx, planExecutionID)
		case err != nil:
			return err
		}
		log.Infof("engine: queued plan execution %s aborted", pe.ID)
		// Releases the queue continuation registered at submit.
		if err := e.waiter.DoneWith(ctx, pe.ID, nil, true); err != nil &&
			!errors.Is(err, waiter.ErrDuplicateResponse) {
			return err
		}
		return nil
	}

	planScope := ambiance.New(pe.ID, pe.PlanID, nil)
	if err := e.outputs.Consume(ctx, planScope, outputAbortRequested, true, ""); err != nil {
		return fmt.Errorf("request abort of %s: %w", pe.ID, err)
	}
	log.Infof("engine: aborting plan execution %s", pe.ID)
	nodes, err := e.store.ListNodeExecutions(ctx, pe.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range nodes {
		if !abortable(n) {
			continue
		}
		if err := e.abortNode(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AbortNode aborts one node. For a running container its unterminated
// descendants are aborted and the container follows through its join.
func (e *Engine) AbortNode(ctx context.Context, nodeExecutionID string) error {
	n, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if n.Status.IsTerminal() {
		return nil
	}
	if abortable(n) {
		return e.abortNode(ctx, n)
	}
	if err := e.outputs.Consume(ctx, n.Ambiance, outputAbortRequested, true, ""); err != nil {
		return fmt.Errorf("request abort of %s: %w", n.ID, err)
	}
	return e.abortDescendants(ctx, n.ID)
}

func (e *Engine) abortDescendants(ctx context.Context, parentID string) error {
	children, err := e.store.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range children {
		switch {
		case c.Status.IsTerminal():
		case abortable(c):
			errs = append(errs, e.abortNode(ctx, c))
		default:
			errs = append(errs, e.abortDescendants(ctx, c.ID))
		}
	}
	return errors.Join(errs...)
}

// abortable reports whether n is aborted directly. Running containers end
// through their children instead.
func abortable(n *execution.NodeExecution) bool {
	if n.Status.IsTerminal() {
		return false
	}
	return n.Status != execution.StatusRunning || n.Mode.IsLeaf()
}

func (e *Engine) abortNode(ctx context.Context, n *execution.NodeExecution) error {
	return e.finish(ctx, n.ID, execution.StatusAborted, execution.Unterminated(),
		execution.NodeUpdate{EndTS: e.now(), FailureInfo: failure("aborted")},
		nil, true)
}

// Pause suspends a running plan execution. Nodes already running finish;
// nodes that would start park until ResumePlan.
func (e *Engine) Pause(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.UpdatePlanExecutionStatus(ctx, planExecutionID, execution.StatusPaused,
		[]execution.Status{execution.StatusRunning}, store.PlanUpdate{IncrementEpoch: true})
	if err != nil {
		return fmt.Errorf("pause plan execution %s: %w", planExecutionID, err)
	}
	log.Infof("engine: plan execution %s paused (epoch %d)", pe.ID, pe.PauseEpoch)
	return nil
}

// ResumePlan continues a paused plan execution and restarts parked nodes.
func (e *Engine) ResumePlan(ctx context.Context, planExecutionID string) error {
	pe, err := e.store.UpdatePlanExecutionStatus(ctx, planExecutionID, execution.StatusRunning,
		[]execution.Status{execution.StatusPaused}, store.PlanUpdate{})
	if err != nil {
		return fmt.Errorf("resume plan execution %s: %w", planExecutionID, err)
	}
	log.Infof("engine: plan execution %s resumed", pe.ID)
	err = e.waiter.DoneWith(ctx, unpauseToken(pe.ID, pe.PauseEpoch), nil, false)
	if errors.Is(err, waiter.ErrDuplicateResponse) {
		return nil
	}
	return err
}

// unpark requeues a node parked by a pause.
func (e *Engine) unpark(ctx context.Context, id string) error {
	n, err := e.store.UpdateNodeStatus(ctx, id, execution.StatusQueued,
		[]execution.Status{execution.StatusPaused}, execution.NodeUpdate{})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.dispatchStart(ctx, n.ID)
}

// interventionAnswer is the operator's answer to an intervention token.
type interventionAnswer struct {
	Action adviser.ResponseType `json:"action"`
}

func validAction(a adviser.ResponseType) bool {
	switch a {
	case adviser.ResponseNextStep, adviser.ResponseRetry, adviser.ResponseIgnore, adviser.ResponseEndPlan:
		return true
	}
	return false
}

// Intervene answers a node waiting for manual intervention. NEXT_STEP marks
// it succeeded, RETRY starts a new attempt, IGNORE continues past the
// failure and END_PLAN fails the plan.
func (e *Engine) Intervene(ctx context.Context, nodeExecutionID string, action adviser.ResponseType) error {
	if !validAction(action) {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	n, err := e.store.GetNodeExecution(ctx, nodeExecutionID)
	if err != nil {
		return err
	}
	if n.Status != execution.StatusInterventionWaiting {
		return fmt.Errorf("%w: %s is %s", ErrNotWaiting, n.ID, n.Status)
	}
	data, err := json.Marshal(interventionAnswer{Action: action})
	if err != nil {
		return err
	}
	return e.Resume(ctx, interventionToken(n.ID), data, false)
}

// applyIntervention moves an INTERVENTION_WAITING node according to action.
func (e *Engine) applyIntervention(ctx context.Context, id string, action adviser.ResponseType) error {
	n, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != execution.StatusInterventionWaiting {
		log.Debugf("engine: node execution %s no longer waits for intervention", id)
		return nil
	}
	log.With(n.Ambiance.Fields()...).Infof("engine: intervention %s", action)
	waiting := []execution.Status{execution.StatusInterventionWaiting}
	switch action {
	case adviser.ResponseNextStep:
		return e.finish(ctx, id, execution.StatusSucceeded, waiting,
			execution.NodeUpdate{EndTS: e.now()}, nil, true)
	case adviser.ResponseRetry:
		return e.retry(ctx, n, 0)
	case adviser.ResponseIgnore:
		cp, err := e.compiled(ctx, n.Ambiance.PlanID)
		if err != nil {
			return err
		}
		node, err := cp.node(n.PlanNodeID)
		if err != nil {
			return err
		}
		return e.ignore(ctx, n, node.Next)
	case adviser.ResponseEndPlan:
		if _, err := e.store.UpdateNodeStatus(ctx, id, execution.StatusFailed, waiting,
			execution.NodeUpdate{EndTS: e.now()}); err != nil {
			if errors.Is(err, store.ErrStatusConflict) {
				return nil
			}
			return err
		}
		return e.endPlan(ctx, n.Ambiance.PlanExecutionID, execution.StatusFailed)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
}
