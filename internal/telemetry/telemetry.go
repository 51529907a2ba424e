//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the span names, attribute keys and helpers shared
// by the tracing and metric packages.
package telemetry

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"trpc.group/trpc-go/trpc-pipeline-go/execution"
)

// telemetry service constants.
const (
	ServiceName      = "pipelined"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-pipeline-go"
	InstrumentName   = "trpc.pipeline.go"

	SpanNameSubmit    = "pipeline.submit"
	SpanNameStartNode = "pipeline.start_node"
	SpanNameEndNode   = "pipeline.end_node"
	SpanNameResume    = "pipeline.resume"
	SpanNameSweep     = "pipeline.sweep"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// telemetry attributes constants.
var (
	KeyPlanExecutionID = "trpc.pipeline.plan_execution_id"
	KeyNodeExecutionID = "trpc.pipeline.node_execution_id"
	KeySetupID         = "trpc.pipeline.setup_id"
	KeyStepType        = "trpc.pipeline.step_type"
	KeyMode            = "trpc.pipeline.mode"
	KeyStatus          = "trpc.pipeline.status"
	KeyAdviserResponse = "trpc.pipeline.adviser_response"
	KeyWaitToken       = "trpc.pipeline.wait_token"
	KeyIsError         = "trpc.pipeline.is_error"
)

// NodeAttributes returns the attributes describing a node execution.
func NodeAttributes(n *execution.NodeExecution) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(KeyPlanExecutionID, n.Ambiance.PlanExecutionID),
		attribute.String(KeyNodeExecutionID, n.ID),
		attribute.String(KeySetupID, n.PlanNodeID),
		attribute.String(KeyStepType, n.StepType),
		attribute.String(KeyMode, string(n.Mode)),
		attribute.String(KeyStatus, string(n.Status)),
	}
}

// TraceNode records the node on span.
func TraceNode(span trace.Span, n *execution.NodeExecution) {
	if n == nil {
		return
	}
	span.SetAttributes(NodeAttributes(n)...)
	if n.AdviserResponse != nil {
		span.SetAttributes(attribute.String(KeyAdviserResponse, n.AdviserResponse.Type))
	}
}

// TraceResume records an incoming wait token answer.
func TraceResume(span trace.Span, token string, isError bool) {
	span.SetAttributes(
		attribute.String(KeyWaitToken, token),
		attribute.Bool(KeyIsError, isError),
	)
}

// NewGRPCConn creates a new gRPC connection to the OpenTelemetry Collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint,
		// Note the use of insecure transport here. TLS is recommended in production.
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
