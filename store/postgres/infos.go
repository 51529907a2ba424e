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
	"slices"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
)

func (s *Store) writeInfo(ctx context.Context, tx *sql.Tx, info *execution.NodeExecutionsInfo) error {
	doc, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, plan_execution_id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, s.t.infos),
		info.NodeExecutionID, info.PlanExecutionID, doc)
	return err
}

// SaveNodeExecutionInfo implements store.NodeExecutionInfoStore. The join
// counter of an existing record is kept.
func (s *Store) SaveNodeExecutionInfo(ctx context.Context, info *execution.NodeExecutionsInfo) error {
	return s.client.Transaction(ctx, func(tx *sql.Tx) error {
		var old execution.NodeExecutionsInfo
		found, err := lockDoc(ctx, tx, s.t.infos, info.NodeExecutionID, &old)
		if err != nil {
			return err
		}
		next := *info
		if found && next.ConcurrentChildInstance == nil {
			next.ConcurrentChildInstance = old.ConcurrentChildInstance
		}
		return s.writeInfo(ctx, tx, &next)
	})
}

// GetNodeExecutionInfo implements store.NodeExecutionInfoStore.
func (s *Store) GetNodeExecutionInfo(ctx context.Context, id string) (*execution.NodeExecutionsInfo, error) {
	out, err := decodeAll[execution.NodeExecutionsInfo](ctx, s.client,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.t.infos), id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("node execution info %s: %w", id, store.ErrNotFound)
	}
	return out[0], nil
}

// InitChildInstance implements store.NodeExecutionInfoStore.
func (s *Store) InitChildInstance(ctx context.Context, nodeExecutionID, planExecutionID string,
	cci *execution.ConcurrentChildInstance) error {
	return s.client.Transaction(ctx, func(tx *sql.Tx) error {
		var info execution.NodeExecutionsInfo
		found, err := lockDoc(ctx, tx, s.t.infos, nodeExecutionID, &info)
		if err != nil {
			return err
		}
		if !found {
			info = execution.NodeExecutionsInfo{NodeExecutionID: nodeExecutionID, PlanExecutionID: planExecutionID}
		}
		info.ConcurrentChildInstance = cci
		return s.writeInfo(ctx, tx, &info)
	})
}

// mutateChildInstance runs fn on the join counter of a parent under a row
// lock and persists the result.
func (s *Store) mutateChildInstance(ctx context.Context, id string,
	fn func(cci *execution.ConcurrentChildInstance) (changed bool)) error {
	return s.client.Transaction(ctx, func(tx *sql.Tx) error {
		var info execution.NodeExecutionsInfo
		found, err := lockDoc(ctx, tx, s.t.infos, id, &info)
		if err != nil {
			return err
		}
		if !found || info.ConcurrentChildInstance == nil {
			return fmt.Errorf("child instance of %s: %w", id, store.ErrNotFound)
		}
		if !fn(info.ConcurrentChildInstance) {
			return nil
		}
		return s.writeInfo(ctx, tx, &info)
	})
}

// AddChild implements store.NodeExecutionInfoStore.
func (s *Store) AddChild(ctx context.Context, nodeExecutionID, childID string) error {
	return s.mutateChildInstance(ctx, nodeExecutionID, func(cci *execution.ConcurrentChildInstance) bool {
		if slices.Contains(cci.ChildrenIDs, childID) {
			return false
		}
		cci.ChildrenIDs = append(cci.ChildrenIDs, childID)
		if cci.Cursor == len(cci.ChildrenIDs)-1 {
			cci.Cursor++
		}
		return true
	})
}

// ReportChild implements store.NodeExecutionInfoStore.
func (s *Store) ReportChild(ctx context.Context, nodeExecutionID, childID string) (reported, fanOut int, applied bool, err error) {
	err = s.mutateChildInstance(ctx, nodeExecutionID, func(cci *execution.ConcurrentChildInstance) bool {
		fanOut = len(cci.ChildrenIDs)
		if !slices.Contains(cci.ChildrenIDs, childID) || slices.Contains(cci.Reported, childID) {
			reported = len(cci.Reported)
			return false
		}
		cci.Reported = append(cci.Reported, childID)
		reported, applied = len(cci.Reported), true
		return true
	})
	if err != nil {
		return 0, 0, false, err
	}
	return reported, fanOut, applied, nil
}

// AdvanceCursor implements store.NodeExecutionInfoStore.
func (s *Store) AdvanceCursor(ctx context.Context, nodeExecutionID string) (childID string, ok bool, err error) {
	err = s.mutateChildInstance(ctx, nodeExecutionID, func(cci *execution.ConcurrentChildInstance) bool {
		if cci.Cursor >= len(cci.ChildrenIDs) {
			return false
		}
		childID, ok = cci.ChildrenIDs[cci.Cursor], true
		cci.Cursor++
		return true
	})
	if err != nil {
		return "", false, err
	}
	return childID, ok, nil
}

// SaveOutput implements store.OutputStore.
func (s *Store) SaveOutput(ctx context.Context, planExecutionID, levelRuntimeID, name string, value []byte, once bool) error {
	conflict := "DO UPDATE SET value = EXCLUDED.value"
	if once {
		conflict = "DO NOTHING"
	}
	res, err := s.client.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (plan_execution_id, level_runtime_id, name, value) VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_execution_id, level_runtime_id, name) %s`, s.t.outputs, conflict),
		planExecutionID, levelRuntimeID, name, value)
	if err != nil {
		return fmt.Errorf("save output %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 && once {
		return fmt.Errorf("output %s: %w", name, store.ErrDuplicate)
	}
	return nil
}

// GetOutput implements store.OutputStore.
func (s *Store) GetOutput(ctx context.Context, planExecutionID, levelRuntimeID, name string) ([]byte, error) {
	var (
		value []byte
		found bool
	)
	err := s.client.Query(ctx, func(rows *sql.Rows) error {
		if rows.Next() {
			found = true
			return rows.Scan(&value)
		}
		return nil
	}, fmt.Sprintf(`SELECT value FROM %s WHERE plan_execution_id = $1 AND level_runtime_id = $2 AND name = $3`,
		s.t.outputs), planExecutionID, levelRuntimeID, name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("output %s: %w", name, store.ErrNotFound)
	}
	return value, nil
}
