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
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

// stepDetailChildren maps child runtime ids to plan node ids in the
// NodeExecutionsInfo of a container.
const stepDetailChildren = "children"

// links places a new node execution in the tree.
type links struct {
	// id presets the runtime id. A new one is generated when empty.
	id         string
	parentID   string
	previousID string
	notifyID   string
	// retryOf is the attempt this node replaces.
	retryOf *execution.NodeExecution
}

// createNode persists a QUEUED node execution of node under parent.
func (e *Engine) createNode(
	ctx context.Context,
	parent ambiance.Ambiance,
	node *plan.Node,
	l links,
) (*execution.NodeExecution, error) {
	id := l.id
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now()
	n := &execution.NodeExecution{
		ID:         id,
		PlanNodeID: node.ID,
		Identifier: node.Identifier,
		Name:       node.DisplayName(),
		StepType:   node.StepType,
		Group:      node.Group,
		Status:     execution.StatusQueued,
		ParentID:   l.parentID,
		PreviousID: l.previousID,
		NotifyID:   l.notifyID,
		Timeout:    node.Timeout,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if r := l.retryOf; r != nil {
		n.Ambiance = r.Ambiance.WithRetry(id)
		n.RetryCount = r.RetryCount + 1
		n.RetryIDs = append(append([]string(nil), r.RetryIDs...), r.ID)
	} else {
		n.Ambiance = parent.WithLevel(ambiance.Level{
			SetupID:    node.ID,
			RuntimeID:  id,
			Group:      node.Group,
			Identifier: node.Identifier,
			StepType:   node.StepType,
		})
	}
	if err := e.store.CreateNodeExecution(ctx, n); err != nil {
		return nil, fmt.Errorf("create node execution of %s: %w", node.ID, err)
	}
	metric.RecordTransition(ctx, string(n.Status), n.StepType)
	return n, nil
}

// startNode creates a node execution and dispatches its start.
func (e *Engine) startNode(
	ctx context.Context,
	parent ambiance.Ambiance,
	node *plan.Node,
	l links,
) (*execution.NodeExecution, error) {
	n, err := e.createNode(ctx, parent, node, l)
	if err != nil {
		return nil, err
	}
	return n, e.dispatchStart(ctx, n.ID)
}

// dispatchStart hands the start event of a node to the dispatcher.
func (e *Engine) dispatchStart(ctx context.Context, id string) error {
	return e.dispatcher.Dispatch(ctx, func(ctx context.Context) {
		if err := e.handleStart(ctx, id); err != nil {
			log.Errorf("engine: start node execution %s: %v", id, err)
		}
	})
}

// handleStart runs a QUEUED node. Anything else is a stale or duplicate
// start event and is ignored.
func (e *Engine) handleStart(ctx context.Context, id string) error {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameStartNode)
	defer span.End()

	n, err := e.store.GetNodeExecution(ctx, id)
	if err != nil {
		return err
	}
	itelemetry.TraceNode(span, n)
	if n.Status != execution.StatusQueued {
		log.Debugf("engine: node execution %s is %s, skip start", id, n.Status)
		return nil
	}
	logger := log.With(n.Ambiance.Fields()...)

	pe, err := e.store.GetPlanExecution(ctx, n.Ambiance.PlanExecutionID)
	if err != nil {
		return err
	}
	cp, err := e.compiled(ctx, pe.PlanID)
	if err != nil {
		return err
	}
	node, err := cp.node(n.PlanNodeID)
	if err != nil {
		return err
	}

	abort, err := e.abortRequested(ctx, pe, n, cp)
	if err != nil {
		return err
	}
	if abort {
		logger.Infof("engine: abort requested, not starting %s", node.DisplayName())
		return e.abortNode(ctx, n)
	}
	if pe.Status == execution.StatusPaused {
		return e.park(ctx, n, pe)
	}

	mode, err := cp.facilitators[node.ID].Facilitate(n.Ambiance, node)
	if err != nil {
		logger.Errorf("engine: facilitate %s: %v", node.DisplayName(), err)
		return e.finish(ctx, n.ID, execution.StatusErrored,
			[]execution.Status{execution.StatusQueued},
			execution.NodeUpdate{EndTS: e.now(), FailureInfo: failure(err.Error(), execution.FailureUnknown)},
			nil, false)
	}

	now := e.now()
	upd := execution.NodeUpdate{Mode: mode, StartTS: now}
	if n.Timeout > 0 {
		upd.Deadline = now.Add(n.Timeout)
	}
	n, err = e.store.UpdateNodeStatus(ctx, id, execution.StatusRunning,
		[]execution.Status{execution.StatusQueued}, upd)
	if errors.Is(err, store.ErrStatusConflict) {
		log.Debugf("engine: node execution %s started elsewhere", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("start node execution %s: %w", id, err)
	}
	metric.RecordTransition(ctx, string(n.Status), n.StepType)
	logger.Debugf("engine: node %s running in %s mode", node.DisplayName(), mode)

	info := &execution.NodeExecutionsInfo{
		NodeExecutionID: n.ID,
		PlanExecutionID: pe.ID,
		ResolvedInputs:  node.StepParameters,
	}
	switch mode {
	case execution.ModeSync:
		if err := e.store.SaveNodeExecutionInfo(ctx, info); err != nil {
			return err
		}
		return e.runSync(ctx, n, node)
	case execution.ModeAsync, execution.ModeTask:
		if err := e.store.SaveNodeExecutionInfo(ctx, info); err != nil {
			return err
		}
		return e.runRemote(ctx, n, node, mode)
	case execution.ModeChild, execution.ModeChildren:
		return e.runChildren(ctx, n, node, info)
	default:
		return e.processStepResponse(ctx, n.ID, erroredResponse(fmt.Errorf("unknown mode %q", mode)))
	}
}

// abortRequested reports whether an abort covers n: the plan already
// ended, or the plan or one of n's ancestors was aborted. The pipeline
// rollback stage and everything inside it still run under an abort.
func (e *Engine) abortRequested(
	ctx context.Context,
	pe *execution.PlanExecution,
	n *execution.NodeExecution,
	cp *compiledPlan,
) (bool, error) {
	if execution.IsPlanTerminal(pe.Status) {
		return true, nil
	}
	for _, l := range n.Ambiance.Levels {
		if ln, ok := cp.plan.Node(l.SetupID); ok && ln.Category == plan.CategoryPipelineRollbackStage {
			return false, nil
		}
	}
	return e.outputs.Flag(ctx, n.Ambiance, outputAbortRequested)
}

// park suspends a node that would start while its plan is paused.
func (e *Engine) park(ctx context.Context, n *execution.NodeExecution, pe *execution.PlanExecution) error {
	n, err := e.store.UpdateNodeStatus(ctx, n.ID, execution.StatusPaused,
		[]execution.Status{execution.StatusQueued}, execution.NodeUpdate{})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("park node execution: %w", err)
	}
	metric.RecordTransition(ctx, string(n.Status), n.StepType)
	cb := &PlanUnpauseCallback{Ambiance: n.Ambiance}
	if _, err := e.waiter.WaitForAllOn(ctx, cb, 0, unpauseToken(pe.ID, pe.PauseEpoch)); err != nil {
		return fmt.Errorf("park node execution %s: %w", n.ID, err)
	}
	return nil
}

func (e *Engine) request(n *execution.NodeExecution, node *plan.Node) *step.Request {
	return &step.Request{
		WaitToken:  n.ID,
		Ambiance:   n.Ambiance,
		StepType:   n.StepType,
		Parameters: node.StepParameters,
	}
}

// runSync executes an inline step and ends the node with its response.
func (e *Engine) runSync(ctx context.Context, n *execution.NodeExecution, node *plan.Node) error {
	s, ok := e.steps.Lookup(n.StepType)
	if !ok {
		return e.processStepResponse(ctx, n.ID,
			erroredResponse(fmt.Errorf("no inline step registered for %q", n.StepType)))
	}
	resp, err := s.Execute(ctx, e.request(n, node))
	if err != nil {
		resp = erroredResponse(err)
	}
	if resp == nil {
		resp = erroredResponse(errors.New("step returned no response"))
	}
	return e.processStepResponse(ctx, n.ID, resp)
}

// runRemote hands a step to a worker. The wait is persisted first, so a
// worker that answers immediately always finds it.
func (e *Engine) runRemote(ctx context.Context, n *execution.NodeExecution, node *plan.Node, mode execution.Mode) error {
	cb := &EngineResumeCallback{Ambiance: n.Ambiance}
	if _, err := e.waiter.WaitForAllOn(ctx, cb, 0, n.ID); err != nil {
		return fmt.Errorf("register step wait: %w", err)
	}
	req := e.request(n, node)
	var err error
	switch {
	case mode == execution.ModeAsync && e.async != nil:
		err = e.async.Dispatch(ctx, req)
	case mode == execution.ModeTask && e.tasks != nil:
		err = e.tasks.Enqueue(ctx, req)
	default:
		err = fmt.Errorf("%w: %s step %q", ErrNoExecutor, mode, n.StepType)
	}
	if err == nil {
		return nil
	}
	log.With(n.Ambiance.Fields()...).Errorf("engine: hand off step: %v", err)
	data, encErr := erroredResponse(err).Encode()
	if encErr != nil {
		return encErr
	}
	if err := e.waiter.DoneWith(ctx, n.ID, data, true); err != nil &&
		!errors.Is(err, waiter.ErrDuplicateResponse) {
		return err
	}
	return nil
}

// runChildren starts the children of a container. The join counter and one
// wait per child exist before any child does.
func (e *Engine) runChildren(
	ctx context.Context,
	n *execution.NodeExecution,
	node *plan.Node,
	info *execution.NodeExecutionsInfo,
) error {
	setupIDs := node.Children
	if node.Child != "" {
		setupIDs = []string{node.Child}
	}
	runtimeIDs := make([]string, len(setupIDs))
	mapping := make(map[string]any, len(setupIDs))
	for i, setupID := range setupIDs {
		runtimeIDs[i] = uuid.NewString()
		mapping[runtimeIDs[i]] = setupID
	}
	info.StepDetails = map[string]any{stepDetailChildren: mapping}
	if err := e.store.SaveNodeExecutionInfo(ctx, info); err != nil {
		return err
	}
	cci := &execution.ConcurrentChildInstance{
		ChildrenIDs:    runtimeIDs,
		MaxConcurrency: node.MaxConcurrency,
	}
	if err := e.store.InitChildInstance(ctx, n.ID, n.Ambiance.PlanExecutionID, cci); err != nil {
		return fmt.Errorf("init join of %s: %w", n.ID, err)
	}
	for _, childID := range runtimeIDs {
		var cb waiter.Callback = &ChildReportedCallback{Ambiance: n.Ambiance, ChildID: childID}
		if node.PipelineRollbackNodeID != "" {
			cb = &PipelineRollbackCallback{
				Ambiance:       n.Ambiance,
				ChildID:        childID,
				RollbackNodeID: node.PipelineRollbackNodeID,
			}
		}
		if _, err := e.waiter.WaitForAllOn(ctx, cb, 0, branchToken(childID)); err != nil {
			return fmt.Errorf("register child wait: %w", err)
		}
	}
	width := len(runtimeIDs)
	if node.MaxConcurrency > 0 && node.MaxConcurrency < width {
		width = node.MaxConcurrency
	}
	for i := 0; i < width; i++ {
		if err := e.startNextChild(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// startNextChild starts the next child of parent that has not started yet.
func (e *Engine) startNextChild(ctx context.Context, parent *execution.NodeExecution) error {
	childID, ok, err := e.store.AdvanceCursor(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("advance children of %s: %w", parent.ID, err)
	}
	if !ok {
		return nil
	}
	info, err := e.store.GetNodeExecutionInfo(ctx, parent.ID)
	if err != nil {
		return err
	}
	setupID, err := childSetupID(info, childID)
	if err != nil {
		return err
	}
	cp, err := e.compiled(ctx, parent.Ambiance.PlanID)
	if err != nil {
		return err
	}
	node, err := cp.node(setupID)
	if err != nil {
		return err
	}
	_, err = e.startNode(ctx, parent.Ambiance, node, links{
		id:       childID,
		parentID: parent.ID,
		notifyID: branchToken(childID),
	})
	return err
}

func childSetupID(info *execution.NodeExecutionsInfo, childID string) (string, error) {
	mapping, _ := info.StepDetails[stepDetailChildren].(map[string]any)
	setupID, _ := mapping[childID].(string)
	if setupID == "" {
		return "", fmt.Errorf("%w: child %s of %s", ErrUnknownNode, childID, info.NodeExecutionID)
	}
	return setupID, nil
}

func erroredResponse(err error) *step.Response {
	return &step.Response{
		Status:      execution.StatusErrored,
		FailureInfo: failure(err.Error(), execution.FailureUnknown),
	}
}

func failure(msg string, types ...execution.FailureType) *execution.FailureInfo {
	return &execution.FailureInfo{Message: msg, FailureTypes: types}
}
