//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package waiter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Callback is a serializable continuation. Its exported fields are persisted
// with the wait instance; anything else must be injected by the factory it
// is registered with, so a callback can be rebuilt by any process.
type Callback interface {
	// CallbackType is the registry discriminator.
	CallbackType() string
	// Notify is called once every correlation id was answered.
	Notify(ctx context.Context, responses ResponseMap) error
	// NotifyError is called instead of Notify when any answer is an error.
	NotifyError(ctx context.Context, responses ResponseMap) error
	// NotifyTimeout is called when the wait times out first.
	NotifyTimeout(ctx context.Context, responses ResponseMap) error
}

// Factory returns an empty callback with its services injected.
type Factory func() Callback

// Registry maps callback types to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a callback type.
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Encode serializes cb.
func (r *Registry) Encode(cb Callback) (string, json.RawMessage, error) {
	typ := cb.CallbackType()
	r.mu.RLock()
	_, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownCallback, typ)
	}
	data, err := json.Marshal(cb)
	if err != nil {
		return "", nil, fmt.Errorf("waiter: encode callback %s: %w", typ, err)
	}
	return typ, data, nil
}

// Decode rebuilds a callback from its persisted form.
func (r *Registry) Decode(typ string, data json.RawMessage) (Callback, error) {
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallback, typ)
	}
	cb := f()
	if len(data) > 0 {
		if err := json.Unmarshal(data, cb); err != nil {
			return nil, fmt.Errorf("waiter: decode callback %s: %w", typ, err)
		}
	}
	return cb, nil
}
