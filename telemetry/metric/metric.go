//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

// Package metric exports engine counters through OpenTelemetry. Until Start
// is called the instruments are noops.
package metric

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
)

// Instrument names.
const (
	NameNodeTransitions = "pipeline.node.transitions"
	NamePlanConcluded   = "pipeline.plan.concluded"
	NameResumes         = "pipeline.resumes"
	NameSweepDuration   = "pipeline.sweep.duration"
)

type instruments struct {
	transitions metric.Int64Counter
	concluded   metric.Int64Counter
	resumes     metric.Int64Counter
	sweep       metric.Float64Histogram
}

var current atomic.Pointer[instruments]

func init() {
	if err := Use(noopm.Meter{}); err != nil {
		panic(err)
	}
}

// Use builds the instruments from meter. Tests pass an sdk meter to read the
// recorded values.
func Use(meter metric.Meter) error {
	in := &instruments{}
	var err error
	if in.transitions, err = meter.Int64Counter(NameNodeTransitions,
		metric.WithDescription("Node execution status transitions")); err != nil {
		return err
	}
	if in.concluded, err = meter.Int64Counter(NamePlanConcluded,
		metric.WithDescription("Plan executions reaching a terminal status")); err != nil {
		return err
	}
	if in.resumes, err = meter.Int64Counter(NameResumes,
		metric.WithDescription("Wait token answers received")); err != nil {
		return err
	}
	if in.sweep, err = meter.Float64Histogram(NameSweepDuration,
		metric.WithDescription("Duration of one sweep pass"), metric.WithUnit("s")); err != nil {
		return err
	}
	current.Store(in)
	return nil
}

// RecordTransition counts a node reaching status.
func RecordTransition(ctx context.Context, status, stepType string) {
	current.Load().transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("step_type", stepType),
	))
}

// RecordPlanConcluded counts a finished plan execution.
func RecordPlanConcluded(ctx context.Context, status string) {
	current.Load().concluded.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordResume counts an answer to a wait token.
func RecordResume(ctx context.Context, isError bool) {
	current.Load().resumes.Add(ctx, 1, metric.WithAttributes(attribute.Bool("error", isError)))
}

// RecordSweep records the duration of one sweep pass.
func RecordSweep(ctx context.Context, d time.Duration) {
	current.Load().sweep.Record(ctx, d.Seconds())
}

// Start installs an OTLP gRPC exporter and rebuilds the instruments on it.
//
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_METRICS_ENDPOINT are
// honoured when no endpoint option is given.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	options := &options{
		metricsEndpoint:  metricsEndpoint(),
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
	}
	for _, opt := range opts {
		opt(options)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(options.serviceNamespace),
			semconv.ServiceName(options.serviceName),
			semconv.ServiceVersion(options.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	conn, err := itelemetry.NewGRPCConn(options.metricsEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics connection: %w", err)
	}
	exporter, err := otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	if err := Use(mp.Meter(itelemetry.InstrumentName)); err != nil {
		return nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	return func() error {
		if err := mp.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

func metricsEndpoint() string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	return "localhost:4317"
}

// Option is a function that configures meter options.
type Option func(*options)

type options struct {
	metricsEndpoint  string
	serviceName      string
	serviceVersion   string
	serviceNamespace string
}

// WithEndpoint sets the collector host and port, e.g. "collector:4317".
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithServiceName overrides the service.name resource attribute.
func WithServiceName(name string) Option {
	return func(opts *options) {
		opts.serviceName = name
	}
}
