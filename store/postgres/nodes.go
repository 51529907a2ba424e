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
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
)

// CreateNodeExecution implements store.NodeExecutionStore.
func (s *Store) CreateNodeExecution(ctx context.Context, n *execution.NodeExecution) error {
	doc, err := json.Marshal(n)
	if err != nil {
		return err
	}
	res, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, plan_execution_id, parent_id, status, deadline, created_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7) ON CONFLICT (id) DO NOTHING`, s.t.nodes),
		n.ID, n.Ambiance.PlanExecutionID, n.ParentID, string(n.Status), nullTime(n.Deadline), n.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("create node execution %s: %w", n.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("node execution %s: %w", n.ID, store.ErrDuplicate)
	}
	return nil
}

// GetNodeExecution implements store.NodeExecutionStore.
func (s *Store) GetNodeExecution(ctx context.Context, id string) (*execution.NodeExecution, error) {
	out, err := decodeAll[execution.NodeExecution](ctx, s.client,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.t.nodes), id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("node execution %s: %w", id, store.ErrNotFound)
	}
	return out[0], nil
}

// UpdateNodeStatus implements store.NodeExecutionStore.
func (s *Store) UpdateNodeStatus(ctx context.Context, id string, to execution.Status,
	from []execution.Status, upd execution.NodeUpdate) (*execution.NodeExecution, error) {
	var n execution.NodeExecution
	err := s.client.Transaction(ctx, func(tx *sql.Tx) error {
		found, err := lockDoc(ctx, tx, s.t.nodes, id, &n)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("node execution %s: %w", id, store.ErrNotFound)
		}
		if !containsStatus(from, n.Status) {
			return fmt.Errorf("node execution %s is %s: %w", id, n.Status, store.ErrStatusConflict)
		}
		n.Status = to
		n.UpdatedAt = time.Now()
		n.Version++
		upd.Apply(&n)
		doc, err := json.Marshal(&n)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			`UPDATE %s SET status = $2, deadline = $3, doc = $4 WHERE id = $1`, s.t.nodes),
			id, string(to), nullTime(n.Deadline), doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListChildren implements store.NodeExecutionStore.
func (s *Store) ListChildren(ctx context.Context, parentID string) ([]*execution.NodeExecution, error) {
	return decodeAll[execution.NodeExecution](ctx, s.client,
		fmt.Sprintf(`SELECT doc FROM %s WHERE parent_id = $1 ORDER BY seq`, s.t.nodes), parentID)
}

// ListNodeExecutions implements store.NodeExecutionStore.
func (s *Store) ListNodeExecutions(ctx context.Context, planExecutionID string) ([]*execution.NodeExecution, error) {
	return decodeAll[execution.NodeExecution](ctx, s.client,
		fmt.Sprintf(`SELECT doc FROM %s WHERE plan_execution_id = $1 ORDER BY seq`, s.t.nodes), planExecutionID)
}

// FindExpired implements store.NodeExecutionStore.
func (s *Store) FindExpired(ctx context.Context, now time.Time, limit int) ([]*execution.NodeExecution, error) {
	return decodeAll[execution.NodeExecution](ctx, s.client, fmt.Sprintf(
		`SELECT doc FROM %s WHERE status = 'RUNNING'
		AND deadline IS NOT NULL AND deadline < $1 ORDER BY seq LIMIT $2`, s.t.nodes), now, sqlLimit(limit))
}

// FindStaleQueued implements store.NodeExecutionStore.
func (s *Store) FindStaleQueued(ctx context.Context, before time.Time, limit int) ([]*execution.NodeExecution, error) {
	return decodeAll[execution.NodeExecution](ctx, s.client, fmt.Sprintf(
		`SELECT doc FROM %s WHERE status = 'QUEUED' AND created_at < $1 ORDER BY seq LIMIT $2`,
		s.t.nodes), before, sqlLimit(limit))
}
