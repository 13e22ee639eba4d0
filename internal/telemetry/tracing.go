/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the workflow
// orchestrator. Spans mirror the lifecycle the Phase Executor drives:
// one root span per workflow, one child per phase, one grandchild per
// tool invocation, plus a sibling span for each planner call.
//
// Custom span attributes use the `orchestrator.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "orchestrator/workflow"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initializes the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is disabled (a no-op
// provider is installed). Returns a shutdown function to call on exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("security-workflow-orchestrator"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartWorkflowSpan creates the root span for one workflow's lifetime.
func StartWorkflowSpan(ctx context.Context, workflowID, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("orchestrator.workflow_id", workflowID),
			attribute.String("orchestrator.target", target),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartPhaseSpan creates a child span for one phase (recon/analyze/exploit).
func StartPhaseSpan(ctx context.Context, workflowID, phase string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.phase",
		trace.WithAttributes(
			attribute.String("orchestrator.workflow_id", workflowID),
			attribute.String("orchestrator.phase", phase),
		),
	)
}

// StartPlannerSpan creates a child span for one planner plan/adapt call.
func StartPlannerSpan(ctx context.Context, workflowID, phase, op string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "planner.call",
		trace.WithAttributes(
			attribute.String("orchestrator.workflow_id", workflowID),
			attribute.String("orchestrator.phase", phase),
			attribute.String("orchestrator.planner_op", op),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndPlannerSpan enriches the planner span with the strategy it returned.
func EndPlannerSpan(span trace.Span, recommendationCount int, confidence float64) {
	span.SetAttributes(
		attribute.Int("orchestrator.recommendation_count", recommendationCount),
		attribute.Float64("orchestrator.confidence", confidence),
	)
	span.End()
}

// StartInvocationSpan creates a child span for one tool invocation.
func StartInvocationSpan(ctx context.Context, workflowID, tool, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "invocation.run",
		trace.WithAttributes(
			attribute.String("orchestrator.workflow_id", workflowID),
			attribute.String("orchestrator.tool", tool),
			attribute.String("orchestrator.target", target),
		),
	)
}

// EndInvocationSpan enriches the invocation span with its outcome.
func EndInvocationSpan(span trace.Span, disposition, outcome string, findingCount int) {
	span.SetAttributes(
		attribute.String("orchestrator.disposition", disposition),
		attribute.String("orchestrator.outcome", outcome),
		attribute.Int("orchestrator.finding_count", findingCount),
	)
	span.End()
}
