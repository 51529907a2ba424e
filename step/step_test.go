//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package step

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

func TestDecodeRejectsNonTerminal(t *testing.T) {
	_, err := Decode([]byte(`{"status":"RUNNING"}`))
	require.Error(t, err)

	_, err = Decode([]byte(`not json`))
	require.Error(t, err)

	r, err := Decode([]byte(`{"status":"FAILED","failureInfo":{"failureTypes":["CONNECTIVITY"]}}`))
	require.NoError(t, err)
	require.Equal(t, execution.StatusFailed, r.Status)
	require.Equal(t, []execution.FailureType{execution.FailureConnectivity}, r.FailureInfo.FailureTypes)
}

func TestFailedDefaultsToUnknown(t *testing.T) {
	r := Failed("boom")
	require.Equal(t, []execution.FailureType{execution.FailureUnknown}, r.FailureInfo.FailureTypes)
}

func TestCatalog(t *testing.T) {
	c := NewCatalog()
	require.True(t, c.IsSync(TypeNoop))
	require.False(t, c.IsSync("ShellScript"))

	s, ok := c.Lookup(TypeNoop)
	require.True(t, ok)
	resp, err := s.Execute(context.Background(), &Request{})
	require.NoError(t, err)
	require.Equal(t, execution.StatusSucceeded, resp.Status)
}
