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
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

const waitColumns = `id, correlation_ids, waiting, callback_type, callback, timeout_at, claimed_at, processed, created_at`

func jsonList(ids []string) []byte {
	if ids == nil {
		ids = []string{}
	}
	b, _ := json.Marshal(ids)
	return b
}

func scanWait(rows *sql.Rows) (*waiter.WaitInstance, error) {
	var (
		wi                   waiter.WaitInstance
		correlation, wait    []byte
		callback             []byte
		timeoutAt, claimedAt sql.NullTime
	)
	if err := rows.Scan(&wi.ID, &correlation, &wait, &wi.CallbackType, &callback,
		&timeoutAt, &claimedAt, &wi.Processed, &wi.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(correlation, &wi.CorrelationIDs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(wait, &wi.Waiting); err != nil {
		return nil, err
	}
	wi.Callback = json.RawMessage(callback)
	if timeoutAt.Valid {
		wi.TimeoutAt = timeoutAt.Time
	}
	if claimedAt.Valid {
		wi.ClaimedAt = claimedAt.Time
	}
	return &wi, nil
}

func (s *Store) queryWaits(ctx context.Context, query string, args ...any) ([]*waiter.WaitInstance, error) {
	var out []*waiter.WaitInstance
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			wi, err := scanWait(rows)
			if err != nil {
				return err
			}
			out = append(out, wi)
		}
		return nil
	}, query, args...)
	return out, err
}

// SaveWaitInstance implements waiter.Store.
func (s *Store) SaveWaitInstance(ctx context.Context, wi *waiter.WaitInstance) error {
	callback := []byte(wi.Callback)
	if len(callback) == 0 {
		callback = []byte("{}")
	}
	_, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET correlation_ids = EXCLUDED.correlation_ids,
		waiting = EXCLUDED.waiting, callback_type = EXCLUDED.callback_type, callback = EXCLUDED.callback,
		timeout_at = EXCLUDED.timeout_at, claimed_at = EXCLUDED.claimed_at, processed = EXCLUDED.processed`,
		s.t.waits, waitColumns),
		wi.ID, jsonList(wi.CorrelationIDs), jsonList(wi.Waiting), wi.CallbackType, callback,
		nullTime(wi.TimeoutAt), nullTime(wi.ClaimedAt), wi.Processed, wi.CreatedAt)
	if err != nil {
		return fmt.Errorf("save wait instance %s: %w", wi.ID, err)
	}
	return nil
}

// GetWaitInstance implements waiter.Store.
func (s *Store) GetWaitInstance(ctx context.Context, id string) (*waiter.WaitInstance, error) {
	out, err := s.queryWaits(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, waitColumns, s.t.waits), id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", id, waiter.ErrNotFound)
	}
	return out[0], nil
}

// SaveResponse implements waiter.Store.
func (s *Store) SaveResponse(ctx context.Context, r *waiter.Response) error {
	var data any
	if len(r.Data) > 0 {
		data = []byte(r.Data)
	}
	res, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (correlation_id, data, is_error, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (correlation_id) DO NOTHING`, s.t.responses),
		r.CorrelationID, data, r.Error, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save response %s: %w", r.CorrelationID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", r.CorrelationID, waiter.ErrDuplicateResponse)
	}
	return nil
}

// GetResponses implements waiter.Store.
func (s *Store) GetResponses(ctx context.Context, ids []string) (waiter.ResponseMap, error) {
	out := make(waiter.ResponseMap)
	if len(ids) == 0 {
		return out, nil
	}
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				r    waiter.Response
				data []byte
			)
			if err := rows.Scan(&r.CorrelationID, &data, &r.Error, &r.CreatedAt); err != nil {
				return err
			}
			if len(data) > 0 {
				r.Data = json.RawMessage(data)
			}
			out[r.CorrelationID] = &r
		}
		return nil
	}, fmt.Sprintf(`SELECT correlation_id, data, is_error, created_at FROM %s
		WHERE correlation_id IN (SELECT jsonb_array_elements_text($1::jsonb))`, s.t.responses), jsonList(ids))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PullWaiting implements waiter.Store. The jsonb update is atomic per row so
// exactly one caller observes each instance becoming empty.
func (s *Store) PullWaiting(ctx context.Context, correlationID string) ([]string, error) {
	var emptied []string
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var (
				id   string
				left int
			)
			if err := rows.Scan(&id, &left); err != nil {
				return err
			}
			if left == 0 {
				emptied = append(emptied, id)
			}
		}
		return nil
	}, fmt.Sprintf(`UPDATE %s SET waiting = waiting - $1::text
		WHERE processed = FALSE AND waiting ? $1::text
		RETURNING id, jsonb_array_length(waiting)`, s.t.waits), correlationID)
	if err != nil {
		return nil, fmt.Errorf("pull waiting %s: %w", correlationID, err)
	}
	sort.Strings(emptied)
	return emptied, nil
}

func (s *Store) waitExists(ctx context.Context, id string) (bool, error) {
	found := false
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		found = rows.Next()
		return nil
	}, fmt.Sprintf(`SELECT 1 FROM %s WHERE id = $1`, s.t.waits), id)
	return found, err
}

// ClaimWaitInstance implements waiter.Store.
func (s *Store) ClaimWaitInstance(ctx context.Context, id string, now, staleBefore time.Time) (bool, error) {
	res, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET claimed_at = $2 WHERE id = $1 AND processed = FALSE
		AND (claimed_at IS NULL OR claimed_at < $3)`, s.t.waits), id, now, staleBefore)
	if err != nil {
		return false, fmt.Errorf("claim wait instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	found, err := s.waitExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, fmt.Errorf("%s: %w", id, waiter.ErrNotFound)
	}
	return false, nil
}

// MarkWaitInstanceProcessed implements waiter.Store.
func (s *Store) MarkWaitInstanceProcessed(ctx context.Context, id string) error {
	res, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`UPDATE %s SET processed = TRUE WHERE id = $1`, s.t.waits), id)
	if err != nil {
		return fmt.Errorf("mark wait instance %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, waiter.ErrNotFound)
	}
	return nil
}

// FindTimedOutWaitInstances implements waiter.Store.
func (s *Store) FindTimedOutWaitInstances(ctx context.Context, now time.Time, limit int) ([]*waiter.WaitInstance, error) {
	return s.queryWaits(ctx, fmt.Sprintf(`SELECT %s FROM %s
		WHERE processed = FALSE AND claimed_at IS NULL AND timeout_at IS NOT NULL AND timeout_at < $1
		ORDER BY created_at LIMIT $2`, waitColumns, s.t.waits), now, sqlLimit(limit))
}

// FindReadyWaitInstances implements waiter.Store.
func (s *Store) FindReadyWaitInstances(ctx context.Context, staleBefore time.Time, limit int) ([]*waiter.WaitInstance, error) {
	return s.queryWaits(ctx, fmt.Sprintf(`SELECT %s FROM %s
		WHERE processed = FALSE AND jsonb_array_length(waiting) = 0
		AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY created_at LIMIT $2`, waitColumns, s.t.waits), staleBefore, sqlLimit(limit))
}
