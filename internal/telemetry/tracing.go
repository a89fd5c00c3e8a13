// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides the OpenTelemetry tracer used by the streaming
// client, the job poller and the live event channel.
//
// Nothing is exported unless the embedding program installs a TracerProvider;
// the default provider is a no-op.
package telemetry

import (
	"context"
	"errors"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/jeranaias/chatlink"

// Attribute keys shared across components.
var (
	AttrConversationID = attribute.Key("chatlink.conversation_id")
	AttrJobID          = attribute.Key("chatlink.job_id")
	AttrJobKind        = attribute.Key("chatlink.job_kind")
	AttrJobStatus      = attribute.Key("chatlink.job_status")
	AttrModel          = attribute.Key("chatlink.model")
	AttrTokens         = attribute.Key("chatlink.tokens")
	AttrAttempts       = attribute.Key("chatlink.attempts")
	AttrCursor         = attribute.Key("chatlink.cursor")
)

var provider atomic.Pointer[trace.TracerProvider]

// SetTracerProvider overrides the provider for this package only.
// Passing nil restores the global otel provider.
func SetTracerProvider(tp trace.TracerProvider) {
	if tp == nil {
		provider.Store(nil)
		return
	}
	provider.Store(&tp)
}

// Tracer returns the tracer for chatlink spans.
func Tracer() trace.Tracer {
	if tp := provider.Load(); tp != nil {
		return (*tp).Tracer(instrumentationName)
	}
	return otel.GetTracerProvider().Tracer(instrumentationName)
}

// StartSpan starts a span on the chatlink tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends the span. Context cancellation is
// recorded as an event rather than an error status.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, context.Canceled):
		span.AddEvent("cancelled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
