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
	"errors"
	"time"
)

var (
	// ErrDuplicateResponse is returned when a correlation id was already
	// answered. Callers treat it as a no-op.
	ErrDuplicateResponse = errors.New("waiter: duplicate response")
	// ErrUnknownCallback is returned when a persisted callback type has no
	// registered factory.
	ErrUnknownCallback = errors.New("waiter: unknown callback type")
	// ErrNotFound is returned for missing wait instances.
	ErrNotFound = errors.New("waiter: wait instance not found")
	// ErrEmptyCorrelation is returned when waiting on nothing.
	ErrEmptyCorrelation = errors.New("waiter: no correlation ids")
)

// WaitInstance is the durable outbox record of a suspended execution.
type WaitInstance struct {
	ID             string   `json:"id"`
	CorrelationIDs []string `json:"correlationIds"`
	// Waiting holds the correlation ids not answered yet.
	Waiting      []string        `json:"waiting"`
	CallbackType string          `json:"callbackType"`
	Callback     json.RawMessage `json:"callback"`
	TimeoutAt    time.Time       `json:"timeoutAt,omitempty"`
	// ClaimedAt is the lease taken by the process firing the callback.
	ClaimedAt time.Time `json:"claimedAt,omitempty"`
	Processed bool      `json:"processed"`
	CreatedAt time.Time `json:"createdAt"`
}

// Response is the answer to one correlation id.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         bool            `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ResponseMap maps correlation ids to responses.
type ResponseMap map[string]*Response

// HasError reports whether any response is an error.
func (m ResponseMap) HasError() bool {
	for _, r := range m {
		if r.Error {
			return true
		}
	}
	return false
}

// Store persists wait instances and responses. Every mutation is a
// conditional update so concurrent processes cannot double fire.
type Store interface {
	// SaveWaitInstance inserts a new wait instance.
	SaveWaitInstance(ctx context.Context, wi *WaitInstance) error
	// GetWaitInstance loads a wait instance by id.
	GetWaitInstance(ctx context.Context, id string) (*WaitInstance, error)
	// SaveResponse inserts a response. It returns ErrDuplicateResponse when
	// the correlation id was already answered.
	SaveResponse(ctx context.Context, r *Response) error
	// GetResponses loads the responses of the given correlation ids.
	GetResponses(ctx context.Context, correlationIDs []string) (ResponseMap, error)
	// PullWaiting removes correlationID from every unprocessed instance that
	// waits on it and returns the ids of instances this call emptied.
	PullWaiting(ctx context.Context, correlationID string) ([]string, error)
	// ClaimWaitInstance takes the firing lease when the instance is
	// unprocessed and its previous lease, if any, started before staleBefore.
	ClaimWaitInstance(ctx context.Context, id string, now, staleBefore time.Time) (bool, error)
	// MarkWaitInstanceProcessed records a successful callback.
	MarkWaitInstanceProcessed(ctx context.Context, id string) error
	// FindTimedOutWaitInstances lists unprocessed instances whose timeout
	// passed.
	FindTimedOutWaitInstances(ctx context.Context, now time.Time, limit int) ([]*WaitInstance, error)
	// FindReadyWaitInstances lists unprocessed instances with nothing left to
	// wait for and no live lease.
	FindReadyWaitInstances(ctx context.Context, staleBefore time.Time, limit int) ([]*WaitInstance, error)
}
