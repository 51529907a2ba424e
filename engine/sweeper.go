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
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-pipeline-go/telemetry/trace"
)

const (
	defaultSweepInterval = 5 * time.Second
	defaultStaleAfter    = time.Minute
	defaultSweepBatch    = 100
	defaultSweepWorkers  = 8

	poolReleaseTimeout = 5 * time.Second
)

// Sweeper drives time based progress and crash recovery: it expires
// RUNNING nodes past their deadline, fires timed out waits, restarts QUEUED
// nodes whose start event was lost and re-fires completed waits whose
// callback never finished.
type Sweeper struct {
	engine     *Engine
	pool       *ants.Pool
	interval   time.Duration
	staleAfter time.Duration
	batch      int
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*sweeperOptions)

type sweeperOptions struct {
	interval   time.Duration
	staleAfter time.Duration
	batch      int
	workers    int
}

// WithSweepInterval sets the period of Run.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(o *sweeperOptions) { o.interval = d }
}

// WithStaleAfter sets how long a node may stay QUEUED before its start is
// dispatched again.
func WithStaleAfter(d time.Duration) SweeperOption {
	return func(o *sweeperOptions) { o.staleAfter = d }
}

// WithSweepBatch bounds the records handled per category and pass.
func WithSweepBatch(n int) SweeperOption {
	return func(o *sweeperOptions) { o.batch = n }
}

// WithSweepWorkers sets the size of the sweeper pool.
func WithSweepWorkers(n int) SweeperOption {
	return func(o *sweeperOptions) { o.workers = n }
}

// NewSweeper creates a sweeper for e. Close releases its pool.
func NewSweeper(e *Engine, opts ...SweeperOption) (*Sweeper, error) {
	o := sweeperOptions{
		interval:   defaultSweepInterval,
		staleAfter: defaultStaleAfter,
		batch:      defaultSweepBatch,
		workers:    defaultSweepWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	pool, err := ants.NewPool(o.workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create sweeper pool: %w", err)
	}
	return &Sweeper{
		engine:     e,
		pool:       pool,
		interval:   o.interval,
		staleAfter: o.staleAfter,
		batch:      o.batch,
	}, nil
}

// Run sweeps every interval until ctx is done. Errors of a pass are logged
// and the work is retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Warnf("engine: sweep: %v", err)
			}
		}
	}
}

// SweepOnce runs a single pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	start := time.Now()
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameSweep)
	defer span.End()
	defer func() { metric.RecordSweep(ctx, time.Since(start)) }()

	e := s.engine
	now := e.now()
	var errs []error

	expired, err := e.store.FindExpired(ctx, now, s.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("find expired: %w", err))
	}
	errs = append(errs, s.each(ctx, expired, func(ctx context.Context, n *execution.NodeExecution) error {
		log.With(n.Ambiance.Fields()...).Infof("engine: deadline of node exceeded")
		return e.expire(ctx, n.ID)
	}))

	timedOut, err := e.waiter.SweepTimeouts(ctx, s.batch)
	if err != nil {
		errs = append(errs, err)
	}

	stale, err := e.store.FindStaleQueued(ctx, now.Add(-s.staleAfter), s.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("find stale queued: %w", err))
	}
	errs = append(errs, s.each(ctx, stale, func(ctx context.Context, n *execution.NodeExecution) error {
		return e.handleStart(ctx, n.ID)
	}))

	ready, err := e.waiter.SweepReady(ctx, s.batch)
	if err != nil {
		errs = append(errs, err)
	}

	span.SetAttributes(
		attribute.Int("sweep.expired", len(expired)),
		attribute.Int("sweep.timed_out", timedOut),
		attribute.Int("sweep.stale_queued", len(stale)),
		attribute.Int("sweep.ready", ready),
	)
	return errors.Join(errs...)
}

// each runs fn for every node on the pool and waits for all of them.
func (s *Sweeper) each(
	ctx context.Context,
	nodes []*execution.NodeExecution,
	fn func(ctx context.Context, n *execution.NodeExecution) error,
) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, n := range nodes {
		n := n
		wg.Add(1)
		err := s.pool.Submit(func() {
			defer wg.Done()
			if err := fn(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("node execution %s: %w", n.ID, err))
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit sweep task: %w", err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Close releases the sweeper pool and waits for its workers to exit.
func (s *Sweeper) Close() error {
	return s.pool.ReleaseTimeout(poolReleaseTimeout)
}
