//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"trpc.group/trpc-go/trpc-pipeline-go/ambiance"
	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// stubSpan records the attributes set on it and forwards everything else to
// a noop span.
type stubSpan struct {
	trace.Span
	attrs []attribute.KeyValue
}

func (s *stubSpan) SetAttributes(kv ...attribute.KeyValue) {
	s.attrs = append(s.attrs, kv...)
	s.Span.SetAttributes(kv...)
}

func newStubSpan() *stubSpan {
	_, base := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "test")
	return &stubSpan{Span: base}
}

func (s *stubSpan) value(key string) (attribute.Value, bool) {
	for _, kv := range s.attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTraceNode(t *testing.T) {
	span := newStubSpan()
	n := &execution.NodeExecution{
		ID:              "n1",
		Ambiance:        ambiance.New("pe1", "plan", nil),
		PlanNodeID:      "build",
		Mode:            execution.ModeAsync,
		Status:          execution.StatusFailed,
		AdviserResponse: &execution.AdviserDecision{Type: "RETRY"},
	}
	TraceNode(span, n)

	v, ok := span.value(KeyNodeExecutionID)
	require.True(t, ok)
	require.Equal(t, "n1", v.AsString())
	v, ok = span.value(KeyAdviserResponse)
	require.True(t, ok)
	require.Equal(t, "RETRY", v.AsString())

	before := len(span.attrs)
	TraceNode(span, nil)
	require.Len(t, span.attrs, before)
}

func TestTraceResume(t *testing.T) {
	span := newStubSpan()
	TraceResume(span, "tok", true)
	v, ok := span.value(KeyIsError)
	require.True(t, ok)
	require.True(t, v.AsBool())
}

// gRPC dials lazily, so even malformed targets do not error immediately.
func TestNewGRPCConn(t *testing.T) {
	conn, err := NewGRPCConn("localhost:4317")
	require.NoError(t, err)
	require.NotNil(t, conn)
	_ = conn.Close()
}
