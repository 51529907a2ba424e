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

const defaultKeyPrefix = "pipeline:lock:"

// Options configures the redis locker.
type Options struct {
	url          string
	instanceName string
	client       redis.UniversalClient
	keyPrefix    string
}

// Option is the option for the redis locker.
type Option func(*Options)

// WithRedisClientURL connects to the given redis url.
func WithRedisClientURL(url string) Option {
	return func(o *Options) {
		o.url = url
	}
}

// WithRedisInstance uses a redis instance registered in storage/redis.
// The url option takes precedence when both are set.
func WithRedisInstance(name string) Option {
	return func(o *Options) {
		o.instanceName = name
	}
}

// WithRedisClient uses an existing client. The locker does not close it.
func WithRedisClient(c redis.UniversalClient) Option {
	return func(o *Options) {
		o.client = c
	}
}

// WithKeyPrefix sets the prefix prepended to every lock name.
func WithKeyPrefix(prefix string) Option {
	return func(o *Options) {
		o.keyPrefix = prefix
	}
}
