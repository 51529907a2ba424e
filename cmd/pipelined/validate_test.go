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
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buildPlan = `
id: build
startingNodeId: stage
nodes:
  - id: stage
    group: STAGE
    category: STAGE
    child: compile
  - id: compile
    stepType: ShellScript
    group: STEP
    category: STEP
    timeout: 10m
    advisers:
      - type: RETRY
        parameters:
          retryCount: 2
          waitIntervals: ["10s"]
`

const ambiguousPlan = `
id: ambiguous
startingNodeId: stage
nodes:
  - id: stage
    group: STAGE
    category: STAGE
    child: compile
  - id: compile
    stepType: ShellScript
    group: STEP
    category: STEP
    advisers:
      - type: ON_FAIL
      - type: IGNORE_FAILURE
`

func TestValidatePlans(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "plans/build.yaml", buildPlan)
	writeFile(t, dir, "plans/nested/deploy.yaml", buildPlan)

	var out bytes.Buffer
	require.NoError(t, validatePlans(&out, []string{
		filepath.Join(dir, "plans", "**", "*.yaml"),
		filepath.Join(dir, "plans", "build.yaml"),
	}))
	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("ok ")))
	assert.Contains(t, out.String(), "(build, 2 nodes)")
}

func TestValidatePlansReportsFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "build.yaml", buildPlan)
	writeFile(t, dir, "ambiguous.yaml", ambiguousPlan)
	writeFile(t, dir, "broken.yaml", "id: broken\nnodes: [")

	var out bytes.Buffer
	err := validatePlans(&out, []string{filepath.Join(dir, "*.yaml")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3")
	assert.Contains(t, out.String(), "FAIL "+filepath.Join(dir, "ambiguous.yaml"))
	assert.Contains(t, out.String(), "FAIL "+filepath.Join(dir, "broken.yaml"))
}

func TestValidatePlansNoMatch(t *testing.T) {
	err := validatePlans(&bytes.Buffer{}, []string{filepath.Join(t.TempDir(), "*.yaml")})
	assert.ErrorContains(t, err, "no plan file matches")
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "build.yaml", buildPlan)

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", filepath.Join(dir, "*.yaml")})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "ok ")
}
