//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package redis hands steps to workers through redis lists. ASYNC steps and
// TASK steps go to separate lists per step type; workers pop requests with
// Next and answer the engine with the request's wait token.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/step"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
)

// Kind selects the list family of a request.
type Kind string

// Request kinds.
const (
	KindAsync Kind = "async"
	KindTask  Kind = "task"
)

var (
	// ErrQueueFull is returned when a list is at its bound.
	ErrQueueFull = errors.New("redis step queue: queue full")
	// ErrEmpty is returned by Next when nothing arrived before the timeout.
	ErrEmpty = errors.New("redis step queue: empty")
)

// pushScript appends ARGV[1] unless the list holds ARGV[2] entries already.
var pushScript = redis.NewScript(`
local max = tonumber(ARGV[2])
if max > 0 and redis.call("LLEN", KEYS[1]) >= max then
	return -1
end
return redis.call("RPUSH", KEYS[1], ARGV[1])
`)

var (
	_ step.AsyncExecutor = (*Queue)(nil)
	_ step.TaskQueue     = (*Queue)(nil)
)

// Queue is a redis list backed step hand-off.
type Queue struct {
	client    redis.UniversalClient
	keyPrefix string
	maxLen    int64
	owned     bool
}

// New creates a redis step queue.
func New(opts ...Option) (*Queue, error) {
	o := &Options{keyPrefix: defaultKeyPrefix, maxLen: defaultMaxLen}
	for _, opt := range opts {
		opt(o)
	}
	q := &Queue{keyPrefix: o.keyPrefix, maxLen: o.maxLen}
	if o.client != nil {
		q.client = o.client
		return q, nil
	}
	instance := o.instanceName
	if o.url != "" {
		instance = ""
	}
	if instance == "" && o.url == "" {
		return nil, errors.New("redis step queue: url or instance is required")
	}
	client, err := storage.NewClient(instance, o.url)
	if err != nil {
		return nil, fmt.Errorf("redis step queue: create client: %w", err)
	}
	q.client, q.owned = client, true
	return q, nil
}

// Key returns the list holding requests of kind and stepType.
func (q *Queue) Key(kind Kind, stepType string) string {
	return q.keyPrefix + string(kind) + ":" + stepType
}

// Dispatch implements step.AsyncExecutor.
func (q *Queue) Dispatch(ctx context.Context, req *step.Request) error {
	return q.push(ctx, KindAsync, req)
}

// Enqueue implements step.TaskQueue.
func (q *Queue) Enqueue(ctx context.Context, req *step.Request) error {
	return q.push(ctx, KindTask, req)
}

func (q *Queue) push(ctx context.Context, kind Kind, req *step.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("redis step queue: encode request: %w", err)
	}
	key := q.Key(kind, req.StepType)
	n, err := pushScript.Run(ctx, q.client, []string{key}, data, q.maxLen).Int64()
	if err != nil {
		return fmt.Errorf("redis step queue: push %s: %w", key, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: %s", ErrQueueFull, key)
	}
	log.Debugf("redis step queue: pushed %s onto %s (%d pending)", req.WaitToken, key, n)
	return nil
}

// Next pops the oldest request of kind and one of stepTypes, waiting up to
// timeout. It returns ErrEmpty when nothing arrives.
func (q *Queue) Next(ctx context.Context, kind Kind, timeout time.Duration, stepTypes ...string) (*step.Request, error) {
	if len(stepTypes) == 0 {
		return nil, errors.New("redis step queue: no step types")
	}
	keys := make([]string, len(stepTypes))
	for i, t := range stepTypes {
		keys[i] = q.Key(kind, t)
	}
	res, err := q.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("redis step queue: pop: %w", err)
	}
	// res is [key, value].
	var req step.Request
	if err := json.Unmarshal([]byte(res[1]), &req); err != nil {
		return nil, fmt.Errorf("redis step queue: decode request from %s: %w", res[0], err)
	}
	return &req, nil
}

// Len returns the number of pending requests of kind and stepType.
func (q *Queue) Len(ctx context.Context, kind Kind, stepType string) (int64, error) {
	return q.client.LLen(ctx, q.Key(kind, stepType)).Result()
}

// Close closes the client when the queue created it.
func (q *Queue) Close() error {
	if q.owned {
		return q.client.Close()
	}
	return nil
}
