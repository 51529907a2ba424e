//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package redis implements lock.Locker on top of redis SET NX PX.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-pipeline-go/lock"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/redis"
)

// releaseScript deletes the key only when it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ lock.Locker = (*Locker)(nil)

// Locker is a redis backed lock.Locker.
type Locker struct {
	client    redis.UniversalClient
	keyPrefix string
	owned     bool
}

// New creates a redis locker.
func New(opts ...Option) (*Locker, error) {
	o := &Options{keyPrefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(o)
	}
	if o.client != nil {
		return &Locker{client: o.client, keyPrefix: o.keyPrefix}, nil
	}
	instance := o.instanceName
	if o.url != "" {
		instance = ""
	}
	if instance == "" && o.url == "" {
		return nil, errors.New("redis lock: url or instance is required")
	}
	client, err := storage.NewClient(instance, o.url)
	if err != nil {
		return nil, fmt.Errorf("redis lock: create client: %w", err)
	}
	return &Locker{client: client, keyPrefix: o.keyPrefix, owned: true}, nil
}

// Acquire implements lock.Locker.
func (l *Locker) Acquire(ctx context.Context, name string, acquireTimeout, holdTimeout time.Duration) (lock.Lock, error) {
	key := l.keyPrefix + name
	token := uuid.NewString()
	err := lock.Poll(ctx, acquireTimeout, func() (bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, holdTimeout).Result()
		if err != nil {
			return false, fmt.Errorf("redis lock: set %s: %w", key, err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("redis lock: acquired %s", name)
	return &redisLock{client: l.client, name: name, key: key, token: token}, nil
}

// Close closes the client when the locker created it.
func (l *Locker) Close() error {
	if l.owned {
		return l.client.Close()
	}
	return nil
}

type redisLock struct {
	client redis.UniversalClient
	name   string
	key    string
	token  string
}

func (r *redisLock) Name() string { return r.name }

func (r *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("redis lock: release %s: %w", r.key, err)
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}
