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
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/adviser"
	"trpc.group/trpc-go/trpc-pipeline-go/facilitator"
	"trpc.group/trpc-go/trpc-pipeline-go/lock"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
)

// Option configures an Engine.
type Option func(*Options)

// Options contains configuration options for creating an Engine.
type Options struct {
	// Dispatcher runs node starts and fired callbacks (default: inline).
	Dispatcher Dispatcher
	// Locker guards the queued execution critical section
	// (default: in-process).
	Locker lock.Locker
	// Steps is the catalog of inline steps.
	Steps *step.Catalog
	// AsyncExecutor receives ASYNC steps.
	AsyncExecutor step.AsyncExecutor
	// TaskQueue receives TASK steps.
	TaskQueue step.TaskQueue
	// Advisers are registered on top of the built-in adviser types.
	Advisers map[string]adviser.Factory
	// Facilitators are registered on top of the built-in facilitators.
	Facilitators map[string]facilitator.Facilitator
	// WaiterLease protects a fired callback from re-firing.
	WaiterLease time.Duration
	// QueueAcquireTimeout bounds the wait for the pipeline queue lock.
	QueueAcquireTimeout time.Duration
	// QueueHoldTimeout bounds how long the pipeline queue lock is held.
	QueueHoldTimeout time.Duration
	// Clock is the time source.
	Clock func() time.Time
}

// WithDispatcher sets the dispatcher for engine work.
func WithDispatcher(d Dispatcher) Option {
	return func(opts *Options) {
		opts.Dispatcher = d
	}
}

// WithLocker sets the distributed locker.
func WithLocker(l lock.Locker) Option {
	return func(opts *Options) {
		opts.Locker = l
	}
}

// WithStepCatalog sets the inline step catalog.
func WithStepCatalog(c *step.Catalog) Option {
	return func(opts *Options) {
		opts.Steps = c
	}
}

// WithAsyncExecutor sets the executor of ASYNC steps.
func WithAsyncExecutor(e step.AsyncExecutor) Option {
	return func(opts *Options) {
		opts.AsyncExecutor = e
	}
}

// WithTaskQueue sets the queue of TASK steps.
func WithTaskQueue(q step.TaskQueue) Option {
	return func(opts *Options) {
		opts.TaskQueue = q
	}
}

// WithAdviser registers a custom adviser type.
func WithAdviser(typ string, f adviser.Factory) Option {
	return func(opts *Options) {
		if opts.Advisers == nil {
			opts.Advisers = make(map[string]adviser.Factory)
		}
		opts.Advisers[typ] = f
	}
}

// WithFacilitator registers a custom facilitator type.
func WithFacilitator(typ string, f facilitator.Facilitator) Option {
	return func(opts *Options) {
		if opts.Facilitators == nil {
			opts.Facilitators = make(map[string]facilitator.Facilitator)
		}
		opts.Facilitators[typ] = f
	}
}

// WithWaiterLease sets the lease of fired callbacks.
func WithWaiterLease(d time.Duration) Option {
	return func(opts *Options) {
		opts.WaiterLease = d
	}
}

// WithQueueLockTimeouts sets the acquire and hold timeouts of the pipeline
// queue lock.
func WithQueueLockTimeouts(acquire, hold time.Duration) Option {
	return func(opts *Options) {
		opts.QueueAcquireTimeout = acquire
		opts.QueueHoldTimeout = hold
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(opts *Options) {
		opts.Clock = now
	}
}
