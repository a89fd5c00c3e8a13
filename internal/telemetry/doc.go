// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides OpenTelemetry tracing for chatlink.
//
// Stream exchanges, job submissions and polls, and channel dials each get a
// span. Without an OTLP endpoint the global no-op provider is used and spans
// cost nothing.
//
// # Key Functions
//
//   - Setup: Installs an OTLP/HTTP exporting provider, returns its shutdown
//   - StartSpan / EndSpan: Span helpers that record errors on the span
//
// # Usage
//
//	shutdown, err := telemetry.Setup(ctx, telemetry.ExportOptions{
//	    Endpoint:    "http://localhost:4318",
//	    ServiceName: "chatlink",
//	})
//	defer shutdown(context.Background())
//
// # Privacy
//
// Spans carry ids, paths, statuses and counts. Prompt and reply text is
// never recorded.
package telemetry
