//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/lock"
)

func setupTestRedis(t testing.TB) (*miniredis.Miniredis, string, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	return mr, "redis://" + mr.Addr(), mr.Close
}

func TestNewRequiresTarget(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	_, err = New(WithRedisInstance("not-registered"))
	require.Error(t, err)
}

func TestAcquireExclusive(t *testing.T) {
	_, url, cleanup := setupTestRedis(t)
	defer cleanup()

	l, err := New(WithRedisClientURL(url))
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	held, err := l.Acquire(ctx, "pipeline-queue:a/b/c/p", time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "pipeline-queue:a/b/c/p", held.Name())

	_, err = l.Acquire(ctx, "pipeline-queue:a/b/c/p", 120*time.Millisecond, time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	require.NoError(t, held.Release(ctx))
	again, err := l.Acquire(ctx, "pipeline-queue:a/b/c/p", time.Second, time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestHoldTimeoutExpires(t *testing.T) {
	mr, url, cleanup := setupTestRedis(t)
	defer cleanup()

	l, err := New(WithRedisClientURL(url), WithKeyPrefix("t:"))
	require.NoError(t, err)
	defer l.Close()

	ctx := context.Background()
	first, err := l.Acquire(ctx, "k", time.Second, time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("t:k"))

	mr.FastForward(2 * time.Second)
	second, err := l.Acquire(ctx, "k", time.Second, time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, first.Release(ctx), lock.ErrNotHeld)
	require.NoError(t, second.Release(ctx))
	assert.False(t, mr.Exists("t:k"))
}
