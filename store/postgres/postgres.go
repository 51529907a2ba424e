//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package postgres implements store.Store on PostgreSQL.
//
// Records are JSONB documents next to the few columns the engine filters on.
// Conditional updates read the row with SELECT ... FOR UPDATE inside a
// transaction, check the expected status and write the document back, so
// concurrent processes serialise on the row.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/log"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
)

var _ store.Store = (*Store)(nil)

// Store is a postgres backed store.Store.
type Store struct {
	client storage.Client
	t      tables
	owned  bool
}

// New creates the store and, unless disabled, its tables.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	client := o.client
	owned := false
	if client == nil {
		if o.instanceName == "" && o.connString == "" {
			return nil, errors.New("postgres store: connection string or instance is required")
		}
		c, err := storage.NewClient(ctx, o.instanceName, o.connString, o.builderOpts...)
		if err != nil {
			return nil, fmt.Errorf("postgres store: create client: %w", err)
		}
		client, owned = c, true
	}
	s := &Store{client: client, t: newTables(o.tablePrefix), owned: owned}
	if !o.skipInit {
		if err := s.initDB(ctx); err != nil {
			if owned {
				client.Close()
			}
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) initDB(ctx context.Context) error {
	for _, stmt := range s.t.ddl() {
		if _, err := s.client.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres store: init schema: %w", err)
		}
	}
	log.Debugf("postgres store: schema ready")
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

// SavePlan implements store.PlanStore.
func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) error {
	doc, err := plan.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.client.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, doc) VALUES ($1, $2) ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`,
		s.t.plans), p.ID, doc)
	if err != nil {
		return fmt.Errorf("save plan %s: %w", p.ID, err)
	}
	return nil
}

// GetPlan implements store.PlanStore.
func (s *Store) GetPlan(ctx context.Context, id string) (*plan.Plan, error) {
	doc, err := s.queryDoc(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.t.plans), id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("plan %s: %w", id, store.ErrNotFound)
	}
	return plan.Unmarshal(doc)
}

// queryDoc returns the first doc column of the query, or nil.
func (s *Store) queryDoc(ctx context.Context, query string, args ...any) ([]byte, error) {
	var doc []byte
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&doc)
		}
		return nil
	}, query, args...)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func decodeAll[T any](ctx context.Context, c storage.Client, query string, args ...any) ([]*T, error) {
	var out []*T
	err := c.Query(ctx, func(rows *sql.Rows) error {
		for rows.Next() {
			var doc []byte
			if err := rows.Scan(&doc); err != nil {
				return err
			}
			v := new(T)
			if err := json.Unmarshal(doc, v); err != nil {
				return err
			}
			out = append(out, v)
		}
		return nil
	}, query, args...)
	return out, err
}

// lockDoc loads a document under a row lock inside tx. found is false when
// the row does not exist.
func lockDoc(ctx context.Context, tx *sql.Tx, table, id string, v any) (found bool, err error) {
	var doc []byte
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 FOR UPDATE`, table), id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(doc, v)
}

// CreatePlanExecution implements store.PlanExecutionStore.
func (s *Store) CreatePlanExecution(ctx context.Context, pe *execution.PlanExecution) error {
	doc, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	res, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, pipeline_key, status, created_at, doc) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING`, s.t.planExecutions),
		pe.ID, pe.PipelineKey, string(pe.Status), pe.CreatedAt, doc)
	if err != nil {
		return fmt.Errorf("create plan execution %s: %w", pe.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plan execution %s: %w", pe.ID, store.ErrDuplicate)
	}
	return nil
}

// GetPlanExecution implements store.PlanExecutionStore.
func (s *Store) GetPlanExecution(ctx context.Context, id string) (*execution.PlanExecution, error) {
	out, err := decodeAll[execution.PlanExecution](ctx, s.client,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.t.planExecutions), id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("plan execution %s: %w", id, store.ErrNotFound)
	}
	return out[0], nil
}

// UpdatePlanExecutionStatus implements store.PlanExecutionStore.
func (s *Store) UpdatePlanExecutionStatus(ctx context.Context, id string, to execution.Status,
	from []execution.Status, upd store.PlanUpdate) (*execution.PlanExecution, error) {
	var pe execution.PlanExecution
	err := s.client.Transaction(ctx, func(tx *sql.Tx) error {
		found, err := lockDoc(ctx, tx, s.t.planExecutions, id, &pe)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("plan execution %s: %w", id, store.ErrNotFound)
		}
		if !containsStatus(from, pe.Status) {
			return fmt.Errorf("plan execution %s is %s: %w", id, pe.Status, store.ErrStatusConflict)
		}
		pe.Status = to
		pe.UpdatedAt = time.Now()
		upd.Apply(&pe)
		doc, err := json.Marshal(&pe)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET status = $2, doc = $3 WHERE id = $1`,
			s.t.planExecutions), id, string(to), doc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &pe, nil
}

// FindNextQueued implements store.PlanExecutionStore.
func (s *Store) FindNextQueued(ctx context.Context, pipelineKey string) (*execution.PlanExecution, error) {
	out, err := decodeAll[execution.PlanExecution](ctx, s.client, fmt.Sprintf(
		`SELECT doc FROM %s WHERE pipeline_key = $1 AND status = 'QUEUED' ORDER BY created_at, id LIMIT 1`,
		s.t.planExecutions), pipelineKey)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("queued execution of %s: %w", pipelineKey, store.ErrNotFound)
	}
	return out[0], nil
}

// CountActive implements store.PlanExecutionStore.
func (s *Store) CountActive(ctx context.Context, pipelineKey string) (int, error) {
	var n int
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		if rows.Next() {
			return rows.Scan(&n)
		}
		return nil
	}, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE pipeline_key = $1 AND status IN ('RUNNING', 'PAUSED')`,
		s.t.planExecutions), pipelineKey)
	return n, err
}

func containsStatus(list []execution.Status, st execution.Status) bool {
	for _, x := range list {
		if x == st {
			return true
		}
	}
	return false
}
