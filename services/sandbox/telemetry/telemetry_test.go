// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/autoeda/services/sandbox/config"
)

func TestInit_None(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{TraceExporter: "none", MetricsExporter: "none"}, Options{})
	require.NoError(t, err)
	assert.Nil(t, p.MetricsHandler())
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestInit_PrometheusServesInstruments(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, config.TelemetryConfig{MetricsExporter: "prometheus"}, Options{})
	require.NoError(t, err)
	defer p.Shutdown(ctx)
	require.NotNil(t, p.MetricsHandler())

	counter, err := otel.Meter("autoeda.test").Int64Counter("telemetry_test_total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	srv := httptest.NewServer(p.MetricsHandler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "telemetry_test_total")
}

func TestInit_StdoutTraces(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	p, err := Init(ctx, config.TelemetryConfig{TraceExporter: "stdout"}, Options{Writer: &buf})
	require.NoError(t, err)

	_, span := otel.Tracer("autoeda.test").Start(ctx, "unit-of-work")
	span.End()
	require.NoError(t, p.Shutdown(ctx))
	assert.Contains(t, buf.String(), "unit-of-work")
}

func TestInit_UnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{TraceExporter: "zipkin"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownExporter)

	_, err = Init(context.Background(), config.TelemetryConfig{MetricsExporter: "statsd"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownExporter)
}
