//
// Tencent is pleased to support the open source community by making trpc-pipeline-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-pipeline-go is licensed under the Apache License Version 2.0.
//
//

package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	itelemetry "trpc.group/trpc-go/trpc-pipeline-go/internal/telemetry"
)

func TestTracesEndpoint(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "custom-trace:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "generic-endpoint:4317")
	require.Equal(t, "custom-trace:4317", tracesEndpoint(itelemetry.ProtocolGRPC))

	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	require.Equal(t, "generic-endpoint:4317", tracesEndpoint(itelemetry.ProtocolGRPC))

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	require.Equal(t, "localhost:4317", tracesEndpoint(itelemetry.ProtocolGRPC))
	require.Equal(t, "localhost:4318", tracesEndpoint(itelemetry.ProtocolHTTP))
}

func TestParseEndpointURL(t *testing.T) {
	tests := []struct {
		in       string
		endpoint string
		path     string
		wantErr  bool
	}{
		{in: "http://collector:4318/otel", endpoint: "collector:4318", path: "/otel"},
		{in: "collector:4318", endpoint: "collector:4318", path: "/"},
		{in: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			endpoint, path, err := parseEndpointURL(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.endpoint, endpoint)
			require.Equal(t, tt.path, path)
		})
	}
}

// Start does not need a running collector; exports fail in the background.
func TestStartAndClean(t *testing.T) {
	clean, err := Start(context.Background(), WithEndpoint("localhost:4317"), WithServiceName("test"))
	require.NoError(t, err)
	require.NotNil(t, clean)
	_ = clean()

	clean, err = Start(context.Background(), WithProtocol(itelemetry.ProtocolHTTP),
		WithEndpointURL("http://localhost:4318/v1/traces"))
	require.NoError(t, err)
	_ = clean()
}
