//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package postgres

import (
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
)

// Options configures the postgres store.
type Options struct {
	connString   string
	instanceName string
	client       storage.Client
	tablePrefix  string
	skipInit     bool
	builderOpts  []storage.ClientBuilderOpt
}

// Option is the option for the postgres store.
type Option func(*Options)

// WithConnString connects with a postgres connection string.
func WithConnString(conn string) Option {
	return func(o *Options) {
		o.connString = conn
	}
}

// WithPostgresInstance uses an instance registered in storage/postgres.
func WithPostgresInstance(name string) Option {
	return func(o *Options) {
		o.instanceName = name
	}
}

// WithClient uses an existing client. The store does not close it.
func WithClient(c storage.Client) Option {
	return func(o *Options) {
		o.client = c
	}
}

// WithTablePrefix prefixes every table name, e.g. "ci_".
func WithTablePrefix(prefix string) Option {
	return func(o *Options) {
		o.tablePrefix = prefix
	}
}

// WithSkipInit skips creating tables on startup.
func WithSkipInit(skip bool) Option {
	return func(o *Options) {
		o.skipInit = skip
	}
}

// WithClientBuilderOpts forwards pool settings to the client builder.
func WithClientBuilderOpts(opts ...storage.ClientBuilderOpt) Option {
	return func(o *Options) {
		o.builderOpts = append(o.builderOpts, opts...)
	}
}
