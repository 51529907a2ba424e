//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package step defines the contracts between the engine and the code that
// actually runs a step: inline sync steps, remote executors for ASYNC nodes
// and the task queue for TASK nodes.
package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// Response is the terminal outcome of a step. Remote workers post it as the
// body of their callback.
type Response struct {
	Status      execution.Status       `json:"status"`
	FailureInfo *execution.FailureInfo `json:"failureInfo,omitempty"`
	Outputs     map[string]any         `json:"outputs,omitempty"`
}

// Succeeded builds a successful response.
func Succeeded(outputs map[string]any) *Response {
	return &Response{Status: execution.StatusSucceeded, Outputs: outputs}
}

// Failed builds a failed response.
func Failed(msg string, types ...execution.FailureType) *Response {
	if len(types) == 0 {
		types = []execution.FailureType{execution.FailureUnknown}
	}
	return &Response{
		Status:      execution.StatusFailed,
		FailureInfo: &execution.FailureInfo{Message: msg, FailureTypes: types},
	}
}

// Decode parses a response delivered through the notify protocol.
func Decode(data []byte) (*Response, error) {
	r := &Response{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("step: decode response: %w", err)
	}
	if !r.Status.IsTerminal() {
		return nil, fmt.Errorf("step: response status %q is not terminal", r.Status)
	}
	return r, nil
}

// Encode serializes a response.
func (r *Response) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Request describes one step run handed to an executor.
type Request struct {
	// WaitToken correlates the eventual completion with the node.
	WaitToken  string            `json:"waitToken"`
	Ambiance   ambiance.Ambiance `json:"ambiance"`
	StepType   string            `json:"stepType"`
	Parameters map[string]any    `json:"parameters,omitempty"`
}

// SyncStep runs inline on the engine goroutine.
type SyncStep interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// SyncFunc adapts a function to SyncStep.
type SyncFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute implements SyncStep.
func (f SyncFunc) Execute(ctx context.Context, req *Request) (*Response, error) { return f(ctx, req) }

// AsyncExecutor hands a step to a remote worker. The worker later resumes
// the engine with the request's wait token. Dispatch must not block on the
// step itself.
type AsyncExecutor interface {
	Dispatch(ctx context.Context, req *Request) error
}

// TaskQueue enqueues a step for a delegate pool.
type TaskQueue interface {
	Enqueue(ctx context.Context, req *Request) error
}

// Catalog is the registry of inline steps.
type Catalog struct {
	mu    sync.RWMutex
	steps map[string]SyncStep
}

// NewCatalog returns a catalog with the built-in Noop step.
func NewCatalog() *Catalog {
	c := &Catalog{steps: make(map[string]SyncStep)}
	c.Register(TypeNoop, SyncFunc(func(context.Context, *Request) (*Response, error) {
		return Succeeded(nil), nil
	}))
	return c
}

// TypeNoop is a step that succeeds immediately.
const TypeNoop = "Noop"

// Register adds or replaces a sync step.
func (c *Catalog) Register(stepType string, s SyncStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[stepType] = s
}

// Lookup returns the sync step of a type.
func (c *Catalog) Lookup(stepType string) (SyncStep, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.steps[stepType]
	return s, ok
}

// IsSync reports whether stepType runs inline.
func (c *Catalog) IsSync(stepType string) bool {
	_, ok := c.Lookup(stepType)
	return ok
}
