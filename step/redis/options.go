//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package redis

import "github.com/redis/go-redis/v9"

const (
	defaultKeyPrefix = "pipeline:steps:"
	defaultMaxLen    = 100000
)

// Options configures the redis step queue.
type Options struct {
	url          string
	instanceName string
	client       redis.UniversalClient
	keyPrefix    string
	maxLen       int64
}

// Option is the option for the redis step queue.
type Option func(*Options)

// WithRedisClientURL connects to the given redis url.
func WithRedisClientURL(url string) Option {
	return func(o *Options) {
		o.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
func WithRedisInstance(name string) Option {
	return func(o *Options) {
		o.instanceName = name
	}
}

// WithRedisClient uses an existing client. The queue does not close it.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *Options) {
		o.client = c
	}
}

// WithKeyPrefix sets the prefix of the list keys. A list per step type
// lives under <prefix><kind>:<stepType>.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.keyPrefix = prefix
	}
}

// WithMaxLen bounds each list. Pushing onto a full list fails with
// ErrQueueFull; 0 disables the bound.
func WithMaxLen(n int64) Option {
	return func(o *Options) {
		o.maxLen = n
	}
}
