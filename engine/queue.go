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
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/lock"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
)

// admit creates pe under the pipeline queue lock. The run is QUEUED when
// another run of the pipeline is active or already waiting.
func (e *Engine) admit(ctx context.Context, pe *execution.PlanExecution) error {
	lk, err := e.locker.Acquire(ctx, queueLockName(pe.PipelineKey), e.queueAcquire, e.queueHold)
	if err != nil {
		return fmt.Errorf("acquire pipeline queue lock: %w", err)
	}
	defer release(ctx, lk)

	active, err := e.store.CountActive(ctx, pe.PipelineKey)
	if err != nil {
		return err
	}
	waiting := false
	if active == 0 {
		_, err := e.store.FindNextQueued(ctx, pe.PipelineKey)
		switch {
		case err == nil:
			waiting = true
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
	}
	if active > 0 || waiting {
		pe.Status = execution.StatusQueued
		pe.StartTS = time.Time{}
	}
	return e.store.CreatePlanExecution(ctx, pe)
}

// resumeNextQueued starts the oldest queued run of a pipeline if no other
// run of it is active. Concurrent callers serialize on the pipeline queue
// lock, so at most one of them starts a run.
func (e *Engine) resumeNextQueued(ctx context.Context, pipelineKey string) error {
	lk, err := e.locker.Acquire(ctx, queueLockName(pipelineKey), e.queueAcquire, e.queueHold)
	if err != nil {
		return fmt.Errorf("acquire pipeline queue lock: %w", err)
	}
	next, err := e.claimNextQueued(ctx, pipelineKey)
	release(ctx, lk)
	if err != nil || next == nil {
		return err
	}
	log.Infof("engine: starting queued plan execution %s of pipeline %s", next.ID, pipelineKey)
	cp, err := e.compiled(ctx, next.PlanID)
	if err != nil {
		return e.failStart(ctx, next, err)
	}
	return e.startPlan(ctx, next, cp)
}

func (e *Engine) claimNextQueued(ctx context.Context, pipelineKey string) (*execution.PlanExecution, error) {
	active, err := e.store.CountActive(ctx, pipelineKey)
	if err != nil {
		return nil, err
	}
	if active > 0 {
		log.Debugf("engine: pipeline %s still has %d active run(s)", pipelineKey, active)
		return nil, nil
	}
	pe, err := e.store.FindNextQueued(ctx, pipelineKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	pe, err = e.store.UpdatePlanExecutionStatus(ctx, pe.ID, execution.StatusRunning,
		[]execution.Status{execution.StatusQueued}, store.PlanUpdate{StartTS: e.now()})
	if errors.Is(err, store.ErrStatusConflict) {
		return nil, nil
	}
	return pe, err
}

func release(ctx context.Context, lk lock.Lock) {
	if err := lk.Release(ctx); err != nil {
		log.Warnf("engine: release lock %s: %v", lk.Name(), err)
	}
}
