//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package waiter implements the durable wait/notify protocol.
//
// A suspended execution registers a WaitInstance holding a serialized
// Callback and the correlation ids (wait tokens) it waits for. Answers are
// stored as Responses. When the last awaited id is answered, or the wait
// times out, the callback is rebuilt from the store and invoked. Nothing is
// kept in process memory between registration and firing, so a different
// process can complete the wait after a restart.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-pipeline-go/log"
)

const defaultLease = 5 * time.Minute

// Runner executes a fired callback. The default runs inline.
type Runner func(ctx context.Context, fn func(ctx context.Context)) error

func inlineRunner(ctx context.Context, fn func(ctx context.Context)) error {
	fn(ctx)
	return nil
}

// Option configures a Waiter.
type Option func(*Waiter)

// WithRunner sets how fired callbacks are executed.
func WithRunner(r Runner) Option {
	return func(w *Waiter) { w.run = r }
}

// WithLease sets how long a claimed callback is protected from re-firing.
func WithLease(d time.Duration) Option {
	return func(w *Waiter) { w.lease = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Waiter) { w.now = now }
}

// Waiter registers waits and delivers answers.
type Waiter struct {
	store    Store
	registry *Registry
	run      Runner
	lease    time.Duration
	now      func() time.Time
}

// New creates a Waiter.
func New(store Store, registry *Registry, opts ...Option) *Waiter {
	w := &Waiter{
		store:    store,
		registry: registry,
		run:      inlineRunner,
		lease:    defaultLease,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Registry returns the callback registry.
func (w *Waiter) Registry() *Registry { return w.registry }

// WaitForAllOn persists cb so that it fires once every correlation id is
// answered. A zero timeout waits forever. The instance is durable when this
// returns, so it must be called before the work that will answer is sent.
func (w *Waiter) WaitForAllOn(ctx context.Context, cb Callback, timeout time.Duration, correlationIDs ...string) (string, error) {
	if len(correlationIDs) == 0 {
		return "", ErrEmptyCorrelation
	}
	typ, data, err := w.registry.Encode(cb)
	if err != nil {
		return "", err
	}
	now := w.now()
	wi := &WaitInstance{
		ID:             uuid.NewString(),
		CorrelationIDs: append([]string(nil), correlationIDs...),
		Waiting:        append([]string(nil), correlationIDs...),
		CallbackType:   typ,
		Callback:       data,
		CreatedAt:      now,
	}
	if timeout > 0 {
		wi.TimeoutAt = now.Add(timeout)
	}
	if err := w.store.SaveWaitInstance(ctx, wi); err != nil {
		return "", fmt.Errorf("waiter: save wait instance: %w", err)
	}
	// Answers may have arrived before the registration.
	existing, err := w.store.GetResponses(ctx, correlationIDs)
	if err != nil {
		return "", fmt.Errorf("waiter: load responses: %w", err)
	}
	for id := range existing {
		if err := w.pull(ctx, id); err != nil {
			return "", err
		}
	}
	return wi.ID, nil
}

// DoneWith answers correlationID. A second answer for the same id returns
// ErrDuplicateResponse and changes nothing.
func (w *Waiter) DoneWith(ctx context.Context, correlationID string, data []byte, isError bool) error {
	resp := &Response{
		CorrelationID: correlationID,
		Data:          data,
		Error:         isError,
		CreatedAt:     w.now(),
	}
	if err := w.store.SaveResponse(ctx, resp); err != nil {
		if errors.Is(err, ErrDuplicateResponse) {
			return err
		}
		return fmt.Errorf("waiter: save response: %w", err)
	}
	return w.pull(ctx, correlationID)
}

func (w *Waiter) pull(ctx context.Context, correlationID string) error {
	ready, err := w.store.PullWaiting(ctx, correlationID)
	if err != nil {
		return fmt.Errorf("waiter: pull %s: %w", correlationID, err)
	}
	for _, id := range ready {
		if err := w.schedule(ctx, id, false); err != nil {
			return err
		}
	}
	return nil
}

func (w *Waiter) schedule(ctx context.Context, id string, timedOut bool) error {
	return w.run(ctx, func(ctx context.Context) {
		if err := w.Fire(ctx, id, timedOut); err != nil {
			log.Errorf("waiter: fire wait instance %s: %v", id, err)
		}
	})
}

// Fire claims and invokes the callback of a wait instance. It returns nil
// without invoking anything when another process holds or finished it.
func (w *Waiter) Fire(ctx context.Context, id string, timedOut bool) error {
	now := w.now()
	ok, err := w.store.ClaimWaitInstance(ctx, id, now, now.Add(-w.lease))
	if err != nil {
		return fmt.Errorf("waiter: claim %s: %w", id, err)
	}
	if !ok {
		log.Debugf("waiter: wait instance %s already claimed", id)
		return nil
	}
	wi, err := w.store.GetWaitInstance(ctx, id)
	if err != nil {
		return fmt.Errorf("waiter: load %s: %w", id, err)
	}
	cb, err := w.registry.Decode(wi.CallbackType, wi.Callback)
	if err != nil {
		return err
	}
	responses, err := w.store.GetResponses(ctx, wi.CorrelationIDs)
	if err != nil {
		return fmt.Errorf("waiter: load responses of %s: %w", id, err)
	}
	switch {
	case timedOut:
		err = cb.NotifyTimeout(ctx, responses)
	case responses.HasError():
		err = cb.NotifyError(ctx, responses)
	default:
		err = cb.Notify(ctx, responses)
	}
	if err != nil {
		// The lease expires and the sweep fires the instance again.
		return fmt.Errorf("waiter: callback %s of %s: %w", wi.CallbackType, id, err)
	}
	if err := w.store.MarkWaitInstanceProcessed(ctx, id); err != nil {
		return fmt.Errorf("waiter: mark %s processed: %w", id, err)
	}
	return nil
}

// SweepTimeouts fires the timeout path of expired waits. It returns the
// number of instances scheduled.
func (w *Waiter) SweepTimeouts(ctx context.Context, limit int) (int, error) {
	expired, err := w.store.FindTimedOutWaitInstances(ctx, w.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("waiter: find timed out: %w", err)
	}
	for _, wi := range expired {
		if err := w.schedule(ctx, wi.ID, len(wi.Waiting) > 0); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

// SweepReady re-fires completed waits whose callback never finished, e.g.
// because the process died after claiming them.
func (w *Waiter) SweepReady(ctx context.Context, limit int) (int, error) {
	ready, err := w.store.FindReadyWaitInstances(ctx, w.now().Add(-w.lease), limit)
	if err != nil {
		return 0, fmt.Errorf("waiter: find ready: %w", err)
	}
	for _, wi := range ready {
		if err := w.schedule(ctx, wi.ID, false); err != nil {
			return 0, err
		}
	}
	return len(ready), nil
}
