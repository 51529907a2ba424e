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

	"github.com/panjf2000/ants/v2"
)

// Dispatcher runs engine work items such as node starts and fired callbacks.
// Work is handed over with a context that outlives the caller's request.
type Dispatcher interface {
	Dispatch(ctx context.Context, fn func(ctx context.Context)) error
}

// InlineDispatcher runs work on the calling goroutine.
type InlineDispatcher struct{}

// Dispatch implements Dispatcher.
func (InlineDispatcher) Dispatch(ctx context.Context, fn func(ctx context.Context)) error {
	fn(ctx)
	return nil
}

// PoolDispatcher runs work on a bounded ants goroutine pool. When every
// worker is busy the work runs on the caller's goroutine, so handlers that
// dispatch from inside the pool never wait on it.
type PoolDispatcher struct {
	pool *ants.Pool
}

// NewPoolDispatcher creates a pool of size workers. A non-positive size
// selects the ants default.
func NewPoolDispatcher(size int) (*PoolDispatcher, error) {
	if size <= 0 {
		size = ants.DefaultAntsPoolSize
	}
	pool, err := ants.NewPool(size, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher pool: %w", err)
	}
	return &PoolDispatcher{pool: pool}, nil
}

// Dispatch implements Dispatcher.
func (d *PoolDispatcher) Dispatch(ctx context.Context, fn func(ctx context.Context)) error {
	ctx = context.WithoutCancel(ctx)
	err := d.pool.Submit(func() { fn(ctx) })
	if errors.Is(err, ants.ErrPoolOverload) {
		fn(ctx)
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit work: %w", err)
	}
	return nil
}

// Running returns the number of busy workers.
func (d *PoolDispatcher) Running() int { return d.pool.Running() }

// Close releases the pool and waits for running work to finish.
func (d *PoolDispatcher) Close() error {
	return d.pool.ReleaseTimeout(poolReleaseTimeout)
}

// QueueDispatcher buffers work until the owner drains it. It makes the
// engine step by step deterministic, which embedders use in tests and
// tooling.
type QueueDispatcher struct {
	mu    sync.Mutex
	queue []queuedWork
}

type queuedWork struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// Dispatch implements Dispatcher.
func (d *QueueDispatcher) Dispatch(ctx context.Context, fn func(ctx context.Context)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, queuedWork{ctx: context.WithoutCancel(ctx), fn: fn})
	return nil
}

// Len returns the number of pending items.
func (d *QueueDispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Step runs the oldest pending item. It reports false when nothing was
// pending.
func (d *QueueDispatcher) Step() bool {
	d.mu.Lock()
	if len(d.queue) == 0 {
		d.mu.Unlock()
		return false
	}
	w := d.queue[0]
	d.queue = d.queue[1:]
	d.mu.Unlock()
	w.fn(w.ctx)
	return true
}

// Drain runs items, including the ones they enqueue, until the queue is
// empty. It returns the number of items run.
func (d *QueueDispatcher) Drain() int {
	n := 0
	for d.Step() {
		n++
	}
	return n
}
