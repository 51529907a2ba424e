//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package postgres

import "fmt"

type tables struct {
	plans          string
	planExecutions string
	nodes          string
	infos          string
	outputs        string
	waits          string
	responses      string
}

func newTables(prefix string) tables {
	return tables{
		plans:          prefix + "plans",
		planExecutions: prefix + "plan_executions",
		nodes:          prefix + "node_executions",
		infos:          prefix + "node_executions_infos",
		outputs:        prefix + "sweeping_outputs",
		waits:          prefix + "wait_instances",
		responses:      prefix + "wait_responses",
	}
}

func (t tables) ddl() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL)`, t.plans),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			pipeline_key TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL)`, t.planExecutions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_queue_idx ON %s (pipeline_key, status, created_at)`,
			t.planExecutions, t.planExecutions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			plan_execution_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			deadline TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			doc JSONB NOT NULL)`, t.nodes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_parent_idx ON %s (parent_id, seq)`, t.nodes, t.nodes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_plan_idx ON %s (plan_execution_id, seq)`, t.nodes, t.nodes),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status, deadline)`, t.nodes, t.nodes),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			plan_execution_id TEXT NOT NULL,
			doc JSONB NOT NULL)`, t.infos),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			plan_execution_id TEXT NOT NULL,
			level_runtime_id TEXT NOT NULL,
			name TEXT NOT NULL,
			value BYTEA NOT NULL,
			PRIMARY KEY (plan_execution_id, level_runtime_id, name))`, t.outputs),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			correlation_ids JSONB NOT NULL,
			waiting JSONB NOT NULL,
			callback_type TEXT NOT NULL,
			callback JSONB NOT NULL,
			timeout_at TIMESTAMPTZ,
			claimed_at TIMESTAMPTZ,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL)`, t.waits),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_waiting_idx ON %s USING gin (waiting)`, t.waits, t.waits),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			correlation_id TEXT PRIMARY KEY,
			data JSONB,
			is_error BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL)`, t.responses),
	}
}
