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
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/store"
	storage "trpc.group/trpc-go/trpc-pipeline-go/storage/postgres"
	"trpc.group/trpc-go/trpc-pipeline-go/waiter"
)

// testPostgresClient wraps sql.DB to implement storage.Client for testing.
type testPostgresClient struct {
	db *sql.DB
}

func (c *testPostgresClient) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.db.ExecContext(ctx, query, args...)
}

func (c *testPostgresClient) Query(ctx context.Context, handler storage.HandlerFunc, query string, args ...any) error {
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	if err := handler(rows); err != nil {
		return err
	}
	return rows.Err()
}

func (c *testPostgresClient) Transaction(ctx context.Context, fn storage.TxFunc) (err error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (c *testPostgresClient) Close() error {
	return c.db.Close()
}

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := New(context.Background(), WithClient(&testPostgresClient{db: db}), WithSkipInit(true))
	require.NoError(t, err)
	return s, mock
}

func nodeDoc(t *testing.T, status execution.Status) []byte {
	n := &execution.NodeExecution{
		ID:       "n1",
		Ambiance: ambiance.New("pe1", "plan1", nil),
		Status:   status,
	}
	doc, err := json.Marshal(n)
	require.NoError(t, err)
	return doc
}

func TestNewRequiresConnection(t *testing.T) {
	_, err := New(context.Background())
	require.Error(t, err)
}

func TestNewCreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	for range newTables("ci_").ddl() {
		mock.ExpectExec("CREATE (TABLE|INDEX) IF NOT EXISTS ci_").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	s, err := New(context.Background(), WithClient(&testPostgresClient{db: db}), WithTablePrefix("ci_"))
	require.NoError(t, err)
	assert.Equal(t, "ci_node_executions", s.t.nodes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateNodeStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("applies when status matches", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM node_executions WHERE id = .+ FOR UPDATE").
			WithArgs("n1").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(nodeDoc(t, execution.StatusRunning)))
		mock.ExpectExec("UPDATE node_executions SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		n, err := s.UpdateNodeStatus(ctx, "n1", execution.StatusSucceeded,
			[]execution.Status{execution.StatusRunning}, execution.NodeUpdate{EndTS: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, execution.StatusSucceeded, n.Status)
		assert.Equal(t, int64(1), n.Version)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("conflict rolls back", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM node_executions").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(nodeDoc(t, execution.StatusSucceeded)))
		mock.ExpectRollback()

		_, err := s.UpdateNodeStatus(ctx, "n1", execution.StatusFailed,
			[]execution.Status{execution.StatusRunning}, execution.NodeUpdate{})
		require.ErrorIs(t, err, store.ErrStatusConflict)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row", func(t *testing.T) {
		s, mock := newTestStore(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT doc FROM node_executions").
			WillReturnRows(sqlmock.NewRows([]string{"doc"}))
		mock.ExpectRollback()

		_, err := s.UpdateNodeStatus(ctx, "n1", execution.StatusFailed,
			[]execution.Status{execution.StatusRunning}, execution.NodeUpdate{})
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestReportChild(t *testing.T) {
	ctx := context.Background()
	info := &execution.NodeExecutionsInfo{
		NodeExecutionID: "parent",
		PlanExecutionID: "pe1",
		ConcurrentChildInstance: &execution.ConcurrentChildInstance{
			ChildrenIDs: []string{"a", "b"},
			Reported:    []string{"a"},
			Cursor:      2,
		},
	}
	doc, err := json.Marshal(info)
	require.NoError(t, err)

	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT doc FROM node_executions_infos").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectExec("INSERT INTO node_executions_infos").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	reported, fanOut, applied, err := s.ReportChild(ctx, "parent", "b")
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 2, reported)
	assert.Equal(t, 2, fanOut)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT doc FROM node_executions_infos").
		WillReturnRows(sqlmock.NewRows([]string{"doc"}).AddRow(doc))
	mock.ExpectCommit()

	reported, _, applied, err = s.ReportChild(ctx, "parent", "a")
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, 1, reported)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveOutputOnce(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO sweeping_outputs .+ DO NOTHING").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.SaveOutput(context.Background(), "pe1", "rt1", "flag", []byte("true"), true)
	require.ErrorIs(t, err, store.ErrDuplicate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveResponseDuplicate(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO wait_responses").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO wait_responses").WillReturnResult(sqlmock.NewResult(0, 0))

	r := &waiter.Response{CorrelationID: "tok", Data: json.RawMessage(`{}`), CreatedAt: time.Now()}
	require.NoError(t, s.SaveResponse(context.Background(), r))
	require.ErrorIs(t, s.SaveResponse(context.Background(), r), waiter.ErrDuplicateResponse)
}

func TestPullWaiting(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectQuery("UPDATE wait_instances SET waiting = waiting").
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "left"}).
			AddRow("w2", 0).
			AddRow("w3", 1).
			AddRow("w1", 0))

	emptied, err := s.PullWaiting(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, emptied)
}

func TestClaimWaitInstance(t *testing.T) {
	ctx := context.Background()
	now := time.Now()

	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE wait_instances SET claimed_at").WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := s.ClaimWaitInstance(ctx, "w1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec("UPDATE wait_instances SET claimed_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM wait_instances").WillReturnRows(sqlmock.NewRows([]string{"x"}).AddRow(1))
	ok, err = s.ClaimWaitInstance(ctx, "w1", now, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec("UPDATE wait_instances SET claimed_at").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT 1 FROM wait_instances").WillReturnRows(sqlmock.NewRows([]string{"x"}))
	_, err = s.ClaimWaitInstance(ctx, "missing", now, now)
	require.ErrorIs(t, err, waiter.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetWaitInstance(t *testing.T) {
	s, mock := newTestStore(t)
	created := time.Now().Truncate(time.Second)
	mock.ExpectQuery("SELECT id, correlation_ids").
		WillReturnRows(sqlmock.NewRows([]string{"id", "correlation_ids", "waiting", "callback_type",
			"callback", "timeout_at", "claimed_at", "processed", "created_at"}).
			AddRow("w1", []byte(`["a","b"]`), []byte(`["b"]`), "engineResume", []byte(`{"nodeExecutionId":"n1"}`),
				nil, nil, false, created))

	wi, err := s.GetWaitInstance(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, wi.CorrelationIDs)
	assert.Equal(t, []string{"b"}, wi.Waiting)
	assert.True(t, wi.TimeoutAt.IsZero())
	assert.Equal(t, created, wi.CreatedAt)
}
