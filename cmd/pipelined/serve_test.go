//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
	"trpc.group/trpc-go/trpc-pipeline-go/plan"
	stepredis "trpc.group/trpc-go/trpc-pipeline-go/step/redis"
)

func testConfig(t *testing.T, redisURL string) *config {
	t.Helper()
	cfg := defaultConfig()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.Engine.Workers = 0
	cfg.Sweep.Interval = 5 * time.Millisecond
	cfg.Sweep.Workers = 1
	cfg.Redis.URL = redisURL
	cfg.Redis.KeyPrefix = "test:"
	return cfg
}

func TestNewDaemonWiresRedis(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	d, err := newDaemon(ctx, testConfig(t, "redis://"+mr.Addr()))
	require.NoError(t, err)
	defer d.close()

	p := &plan.Plan{
		ID:             "build",
		StartingNodeID: "stage",
		Nodes: []*plan.Node{
			{ID: "stage", Group: ambiance.GroupStage, Category: plan.CategoryStage, Child: "compile"},
			{ID: "compile", StepType: "ShellScript", Group: ambiance.GroupStep, Category: plan.CategoryStep},
		},
	}
	peID, err := d.engine.Submit(ctx, p, execution.TriggerMetadata{}, nil)
	require.NoError(t, err)
	assert.True(t, mr.Exists("test:steps:async:ShellScript"))

	worker, err := stepredis.New(stepredis.WithRedisClientURL("redis://"+mr.Addr()), stepredis.WithKeyPrefix("test:steps:"))
	require.NoError(t, err)
	defer worker.Close()
	req, err := worker.Next(ctx, stepredis.KindAsync, time.Second, "ShellScript")
	require.NoError(t, err)
	assert.Equal(t, peID, req.Ambiance.PlanExecutionID)

	rec := httptest.NewRecorder()
	d.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/plan-executions/"+peID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDaemonRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d, err := newDaemon(context.Background(), testConfig(t, ""))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, "127.0.0.1:0") }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	d.close()
}
