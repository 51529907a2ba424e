//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInMemoryMutualExclusion(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()

	l, err := m.Acquire(ctx, "pipeline", time.Second, time.Minute)
	require.NoError(t, err)
	require.Equal(t, "pipeline", l.Name())

	_, err = m.Acquire(ctx, "pipeline", 100*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, ErrNotAcquired)

	other, err := m.Acquire(ctx, "other", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, l.Release(ctx))
	require.ErrorIs(t, l.Release(ctx), ErrNotHeld)

	l2, err := m.Acquire(ctx, "pipeline", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, l2.Release(ctx))
}

func TestInMemoryHoldTimeoutExpires(t *testing.T) {
	ctx := context.Background()
	m := NewInMemory()
	now := time.Now()
	m.now = func() time.Time { return now }

	stale, err := m.Acquire(ctx, "x", time.Second, 30*time.Second)
	require.NoError(t, err)

	now = now.Add(time.Minute)
	fresh, err := m.Acquire(ctx, "x", time.Second, 30*time.Second)
	require.NoError(t, err)

	require.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestPollHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Poll(ctx, time.Minute, func() (bool, error) { return false, nil })
	require.ErrorIs(t, err, context.Canceled)
}
