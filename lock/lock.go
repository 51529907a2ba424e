//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package lock provides short lived, timeout bounded named locks.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAcquired is returned when the lock could not be taken within the
	// acquire timeout.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrNotHeld is returned when releasing a lock that expired or was taken
	// over.
	ErrNotHeld = errors.New("lock: not held")
)

// Default timeouts used around the queued execution critical section.
const (
	DefaultAcquireTimeout = 10 * time.Second
	DefaultHoldTimeout    = 30 * time.Second
)

// Lock is a held lock.
type Lock interface {
	// Name returns the lock name.
	Name() string
	// Release frees the lock if it is still held by this owner.
	Release(ctx context.Context) error
}

// Locker acquires named locks. A lock is held until released or until
// holdTimeout elapses, whichever comes first.
type Locker interface {
	Acquire(ctx context.Context, name string, acquireTimeout, holdTimeout time.Duration) (Lock, error)
}

// RetryInterval is how often Acquire polls a busy lock.
var RetryInterval = 50 * time.Millisecond

// Poll retries try until it succeeds, the acquire timeout elapses or ctx is
// done. Implementations share it.
func Poll(ctx context.Context, acquireTimeout time.Duration, try func() (bool, error)) error {
	deadline := time.Now().Add(acquireTimeout)
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrNotAcquired
		}
		wait := RetryInterval
		if remaining := time.Until(deadline); remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

type entry struct {
	token   string
	expires time.Time
}

// InMemory is a process local Locker.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]entry
	now   func() time.Time
}

// NewInMemory creates an in-process locker.
func NewInMemory() *InMemory {
	return &InMemory{locks: make(map[string]entry), now: time.Now}
}

// Acquire implements Locker.
func (m *InMemory) Acquire(ctx context.Context, name string, acquireTimeout, holdTimeout time.Duration) (Lock, error) {
	token := uuid.NewString()
	err := Poll(ctx, acquireTimeout, func() (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		now := m.now()
		if e, ok := m.locks[name]; ok && now.Before(e.expires) {
			return false, nil
		}
		m.locks[name] = entry{token: token, expires: now.Add(holdTimeout)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &memLock{owner: m, name: name, token: token}, nil
}

type memLock struct {
	owner *InMemory
	name  string
	token string
}

func (l *memLock) Name() string { return l.name }

func (l *memLock) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	e, ok := l.owner.locks[l.name]
	if !ok || e.token != l.token {
		return ErrNotHeld
	}
	delete(l.owner.locks, l.name)
	return nil
}
