//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package engine drives plan executions.
//
// The engine never holds a plan in memory between events. Every step of a
// run is an event handled by a Dispatcher: start a node, deliver a step
// result, report a child to its parent. Each handler reloads what it needs
// from the store and moves records with conditional updates, so duplicate
// or concurrent deliveries of the same event are harmless and any process
// sharing the store can continue a run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-pipeline-go/adviser"
	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/facilitator"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/lock"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/output"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

var (
	// ErrUnknownNode is returned when a record names a node missing from its
	// plan.
	ErrUnknownNode = errors.New("engine: plan node not found")
	// ErrNoExecutor is returned when a remote step has nowhere to go.
	ErrNoExecutor = errors.New("engine: no executor for step")
	// ErrInvalidAction is returned for unsupported intervention answers.
	ErrInvalidAction = errors.New("engine: invalid intervention action")
	// ErrNotWaiting is returned when intervening on a node that does not
	// wait for an operator.
	ErrNotWaiting = errors.New("engine: node is not waiting for intervention")
)

// Sweeping outputs written by the engine itself.
const (
	outputPipelineRollbackStarted = "pipelineRollbackStarted"
	outputAbortRequested          = "abortRequested"
)

// Engine schedules nodes of submitted plans.
type Engine struct {
	store        store.Store
	waiter       *waiter.Waiter
	outputs      *output.Service
	steps        *step.Catalog
	async        step.AsyncExecutor
	tasks        step.TaskQueue
	advisers     *adviser.Registry
	facilitators *facilitator.Registry
	locker       lock.Locker
	dispatcher   Dispatcher
	now          func() time.Time

	queueAcquire time.Duration
	queueHold    time.Duration

	// plans caches compiled plans by plan id.
	plans sync.Map
}

// compiledPlan is a plan with every facilitator and adviser chain resolved.
type compiledPlan struct {
	plan         *plan.Plan
	facilitators map[string]facilitator.Facilitator
	chains       map[string]adviser.Chain
}

func (cp *compiledPlan) node(id string) (*plan.Node, error) {
	n, ok := cp.plan.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q in plan %s", ErrUnknownNode, id, cp.plan.ID)
	}
	return n, nil
}

// New creates an Engine on top of s.
func New(s store.Store, opts ...Option) *Engine {
	options := Options{
		Dispatcher:          InlineDispatcher{},
		QueueAcquireTimeout: lock.DefaultAcquireTimeout,
		QueueHoldTimeout:    lock.DefaultHoldTimeout,
		Clock:               time.Now,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Locker == nil {
		options.Locker = lock.NewInMemory()
	}
	if options.Steps == nil {
		options.Steps = step.NewCatalog()
	}

	e := &Engine{
		store:        s,
		outputs:      output.New(s),
		steps:        options.Steps,
		async:        options.AsyncExecutor,
		tasks:        options.TaskQueue,
		locker:       options.Locker,
		dispatcher:   options.Dispatcher,
		now:          options.Clock,
		queueAcquire: options.QueueAcquireTimeout,
		queueHold:    options.QueueHoldTimeout,
	}
	e.advisers = adviser.NewRegistry(e.outputs)
	for typ, f := range options.Advisers {
		e.advisers.Register(typ, f)
	}
	e.facilitators = facilitator.NewRegistry(options.Steps)
	for typ, f := range options.Facilitators {
		e.facilitators.Register(typ, f)
	}

	callbacks := waiter.NewRegistry()
	e.registerCallbacks(callbacks)
	waiterOpts := []waiter.Option{
		waiter.WithRunner(e.dispatcher.Dispatch),
		waiter.WithClock(options.Clock),
	}
	if options.WaiterLease > 0 {
		waiterOpts = append(waiterOpts, waiter.WithLease(options.WaiterLease))
	}
	e.waiter = waiter.New(s, callbacks, waiterOpts...)
	return e
}

// Waiter returns the wait/notify service of the engine.
func (e *Engine) Waiter() *waiter.Waiter { return e.waiter }

// Outputs returns the sweeping output service.
func (e *Engine) Outputs() *output.Service { return e.outputs }

// Compile checks that p can run: its structure is valid, every facilitator
// and adviser type is known and no node has ambiguous advisers.
func (e *Engine) Compile(p *plan.Plan) error {
	_, err := e.compile(p)
	return err
}

func (e *Engine) compile(p *plan.Plan) (*compiledPlan, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	cp := &compiledPlan{
		plan:         p,
		facilitators: make(map[string]facilitator.Facilitator, len(p.Nodes)),
		chains:       make(map[string]adviser.Chain, len(p.Nodes)),
	}
	for _, n := range p.Nodes {
		f, err := e.facilitators.Resolve(n.Facilitator)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		chain, err := e.advisers.Compile(n.Advisers)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", n.ID, err)
		}
		cp.facilitators[n.ID] = f
		cp.chains[n.ID] = chain
	}
	return cp, nil
}

// compiled returns the compiled plan of planID, loading it from the store
// when this process has not seen it yet.
func (e *Engine) compiled(ctx context.Context, planID string) (*compiledPlan, error) {
	if v, ok := e.plans.Load(planID); ok {
		return v.(*compiledPlan), nil
	}
	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", planID, err)
	}
	cp, err := e.compile(p)
	if err != nil {
		return nil, fmt.Errorf("compile plan %s: %w", planID, err)
	}
	e.plans.Store(planID, cp)
	return cp, nil
}

// Submit compiles p and starts a new execution of it. Nothing is persisted
// when compilation fails. When another run of the same pipeline is active
// the execution is created QUEUED and started once that run concludes.
func (e *Engine) Submit(
	ctx context.Context,
	p *plan.Plan,
	meta execution.TriggerMetadata,
	setup map[string]string,
) (string, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameSubmit)
	defer span.End()

	cp, err := e.compile(p)
	if err != nil {
		return "", fmt.Errorf("compile plan %s: %w", p.ID, err)
	}
	if err := e.store.SavePlan(ctx, p); err != nil {
		return "", fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	e.plans.Store(p.ID, cp)

	now := e.now()
	pe := &execution.PlanExecution{
		ID:                uuid.NewString(),
		PlanID:            p.ID,
		PipelineKey:       ambiance.PipelineKey(setup),
		Status:            execution.StatusRunning,
		Metadata:          meta,
		SetupAbstractions: setup,
		StartTS:           now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	span.SetAttributes(attribute.String(itelemetry.KeyPlanExecutionID, pe.ID))

	if pe.PipelineKey == "" {
		err = e.store.CreatePlanExecution(ctx, pe)
	} else {
		err = e.admit(ctx, pe)
	}
	if err != nil {
		return "", fmt.Errorf("create plan execution: %w", err)
	}
	if pe.PipelineKey != "" {
		cb := newResumeNextQueuedCallback(setup)
		if _, err := e.waiter.WaitForAllOn(ctx, cb, 0, pe.ID); err != nil {
			return pe.ID, fmt.Errorf("register queue continuation: %w", err)
		}
	}
	if pe.Status == execution.StatusQueued {
		log.Infof("engine: plan execution %s queued behind pipeline %s", pe.ID, pe.PipelineKey)
		return pe.ID, nil
	}
	log.Infof("engine: plan execution %s of plan %s submitted", pe.ID, p.ID)
	return pe.ID, e.startPlan(ctx, pe, cp)
}

// startPlan creates and dispatches the root node of pe. A run whose root
// cannot be created is concluded ERRORED. A root that exists but whose start
// is lost is picked up by the sweeper.
func (e *Engine) startPlan(ctx context.Context, pe *execution.PlanExecution, cp *compiledPlan) error {
	root, ok := cp.plan.StartingNode()
	if !ok {
		return e.failStart(ctx, pe, fmt.Errorf("%w: starting node of plan %s", ErrUnknownNode, cp.plan.ID))
	}
	amb := ambiance.New(pe.ID, pe.PlanID, pe.SetupAbstractions)
	n, err := e.createNode(ctx, amb, root, links{})
	if err != nil {
		return e.failStart(ctx, pe, err)
	}
	return e.dispatchStart(ctx, n.ID)
}

// failStart concludes a RUNNING plan execution that has no root node. Its
// conclusion releases the pipeline queue.
func (e *Engine) failStart(ctx context.Context, pe *execution.PlanExecution, cause error) error {
	log.Errorf("engine: start plan execution %s: %v", pe.ID, cause)
	if err := e.concludePlan(ctx, pe.ID, execution.StatusErrored); err != nil {
		return errors.Join(fmt.Errorf("start plan execution %s: %w", pe.ID, cause), err)
	}
	return fmt.Errorf("start plan execution %s: %w", pe.ID, cause)
}

// PlanExecution returns the current record of a plan execution.
func (e *Engine) PlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error) {
	return e.store.GetPlanExecution(ctx, id)
}

// NodeExecution returns one node execution.
func (e *Engine) NodeExecution(ctx context.Context, id string) (*execution.NodeExecution, error) {
	return e.store.GetNodeExecution(ctx, id)
}

// NodeExecutions returns every node of a plan execution in creation order,
// retried attempts included.
func (e *Engine) NodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	return e.store.ListNodeExecutions(ctx, planExecutionID)
}

// Resume answers a wait token. Remote workers call it with the encoded
// step.Response of their node; operators and timers use it for the other
// tokens. A token answered twice is a no-op.
func (e *Engine) Resume(ctx context.Context, token string, data []byte, isError bool) error {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameResume)
	defer span.End()
	itelemetry.TraceResume(span, token, isError)

	err := e.waiter.DoneWith(ctx, token, data, isError)
	if errors.Is(err, waiter.ErrDuplicateResponse) {
		log.Debugf("engine: wait token %s already answered", token)
		return nil
	}
	if err != nil {
		return err
	}
	metric.RecordResume(ctx, isError)
	return nil
}

// derivedID returns a stable id for a record derived from another one, so
// that repeating the derivation finds the existing record.
func derivedID(parts ...string) string {
	name := ""
	for _, p := range parts {
		name += p + "/"
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}
