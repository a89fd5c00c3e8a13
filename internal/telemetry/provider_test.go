// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

func TestSetup_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), ExportOptions{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
	assert.Nil(t, provider.Load())
}

func TestSetup_ExportsSpansOnShutdown(t *testing.T) {
	var posts atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			posts.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	shutdown, err := Setup(context.Background(), ExportOptions{
		Endpoint:    collector.URL + "/v1/traces",
		ServiceName: "chatlink-test",
	})
	require.NoError(t, err)

	_, span := StartSpan(context.Background(), "jobs.await", AttrJobID.String("j1"))
	EndSpan(span, nil)

	require.NoError(t, shutdown(context.Background()))
	assert.Positive(t, posts.Load(), "batched span flushed on shutdown")
	assert.Nil(t, provider.Load(), "shutdown restores the global provider")
}

func TestBuildResource_ServiceName(t *testing.T) {
	res, err := buildResource(ExportOptions{ServiceVersion: "1.2.3"})
	require.NoError(t, err)

	name, ok := res.Set().Value(semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, DefaultServiceName, name.AsString())

	version, ok := res.Set().Value(semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version.AsString())
}
