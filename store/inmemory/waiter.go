//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package inmemory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

// SaveWaitInstance implements waiter.Store.
func (s *Store) SaveWaitInstance(_ context.Context, wi *waiter.WaitInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits[wi.ID] = clone(wi)
	return nil
}

// GetWaitInstance implements waiter.Store.
func (s *Store) GetWaitInstance(_ context.Context, id string) (*waiter.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wi, ok := s.waits[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, waiter.ErrNotFound)
	}
	return clone(wi), nil
}

// SaveResponse implements waiter.Store.
func (s *Store) SaveResponse(_ context.Context, r *waiter.Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[r.CorrelationID]; ok {
		return fmt.Errorf("%s: %w", r.CorrelationID, waiter.ErrDuplicateResponse)
	}
	s.responses[r.CorrelationID] = clone(r)
	return nil
}

// GetResponses implements waiter.Store.
func (s *Store) GetResponses(_ context.Context, ids []string) (waiter.ResponseMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(waiter.ResponseMap)
	for _, id := range ids {
		if r, ok := s.responses[id]; ok {
			out[id] = clone(r)
		}
	}
	return out, nil
}

// PullWaiting implements waiter.Store.
func (s *Store) PullWaiting(_ context.Context, correlationID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var emptied []string
	for id, wi := range s.waits {
		if wi.Processed || !contains(wi.Waiting, correlationID) {
			continue
		}
		kept := wi.Waiting[:0]
		for _, w := range wi.Waiting {
			if w != correlationID {
				kept = append(kept, w)
			}
		}
		wi.Waiting = kept
		if len(kept) == 0 {
			emptied = append(emptied, id)
		}
	}
	sort.Strings(emptied)
	return emptied, nil
}

// ClaimWaitInstance implements waiter.Store.
func (s *Store) ClaimWaitInstance(_ context.Context, id string, now, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.waits[id]
	if !ok {
		return false, fmt.Errorf("%s: %w", id, waiter.ErrNotFound)
	}
	if wi.Processed || (!wi.ClaimedAt.IsZero() && !wi.ClaimedAt.Before(staleBefore)) {
		return false, nil
	}
	wi.ClaimedAt = now
	return true, nil
}

// MarkWaitInstanceProcessed implements waiter.Store.
func (s *Store) MarkWaitInstanceProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wi, ok := s.waits[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, waiter.ErrNotFound)
	}
	wi.Processed = true
	return nil
}

func (s *Store) findWaits(filter func(*waiter.WaitInstance) bool, limit int) []*waiter.WaitInstance {
	var out []*waiter.WaitInstance
	for _, wi := range s.waits {
		if filter(wi) {
			out = append(out, clone(wi))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return limitTo(out, limit)
}

// FindTimedOutWaitInstances implements waiter.Store.
func (s *Store) FindTimedOutWaitInstances(_ context.Context, now time.Time, limit int) ([]*waiter.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findWaits(func(wi *waiter.WaitInstance) bool {
		return !wi.Processed && wi.ClaimedAt.IsZero() && !wi.TimeoutAt.IsZero() && wi.TimeoutAt.Before(now)
	}, limit), nil
}

// FindReadyWaitInstances implements waiter.Store.
func (s *Store) FindReadyWaitInstances(_ context.Context, staleBefore time.Time, limit int) ([]*waiter.WaitInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findWaits(func(wi *waiter.WaitInstance) bool {
		return !wi.Processed && len(wi.Waiting) == 0 &&
			(wi.ClaimedAt.IsZero() || wi.ClaimedAt.Before(staleBefore))
	}, limit), nil
}
