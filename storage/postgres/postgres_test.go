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
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestDefaultClientBuilderEmptyConnString(t *testing.T) {
	_, err := defaultClientBuilder(context.Background())
	require.EqualError(t, err, "postgres: connection string is empty")
}

func TestNewClientResolvesInstance(t *testing.T) {
	oldRegistry := postgresRegistry
	postgresRegistry = make(map[string][]ClientBuilderOpt)
	oldBuilder := GetClientBuilder()
	defer func() {
		postgresRegistry = oldRegistry
		SetClientBuilder(oldBuilder)
	}()

	var got ClientBuilderOpts
	SetClientBuilder(func(_ context.Context, opts ...ClientBuilderOpt) (Client, error) {
		got = ClientBuilderOpts{}
		for _, o := range opts {
			o(&got)
		}
		return nil, nil
	})

	RegisterPostgresInstance("engine", WithClientConnString("postgres://db/engine"))
	_, err := NewClient(context.Background(), "engine", "", WithPool(10, 2, time.Minute))
	require.NoError(t, err)
	require.Equal(t, "postgres://db/engine", got.ConnString)
	require.Equal(t, 10, got.MaxOpenConns)

	_, err = NewClient(context.Background(), "missing", "")
	require.Error(t, err)

	_, err = NewClient(context.Background(), "", "postgres://direct")
	require.NoError(t, err)
	require.Equal(t, "postgres://direct", got.ConnString)
}

func TestTransactionCommitAndRollback(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	c := &sqlClient{db: db}

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err = c.Transaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE t SET x = 1")
		return err
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectRollback()
	boom := errors.New("boom")
	err = c.Transaction(context.Background(), func(*sql.Tx) error { return boom })
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}
