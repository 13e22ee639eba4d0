/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Prometheus counters/histograms for the workflow orchestrator,
// registered against a plain prometheus.Registry rather than a
// controller-runtime manager's registry — this process has no
// reconciliation manager to borrow one from.
//
// Metric naming follows Prometheus conventions:
//   - orchestrator_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WorkflowsTotal counts workflows reaching a terminal status.
	WorkflowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_workflows_total",
			Help: "Total number of workflows by terminal status.",
		},
		[]string{"status"},
	)

	// WorkflowDurationSeconds is a histogram of end-to-end workflow duration.
	WorkflowDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_workflow_duration_seconds",
			Help:    "Duration of a workflow from start to terminal status, in seconds.",
			Buckets: []float64{30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"status"},
	)

	// InvocationsTotal counts tool invocations by tool and outcome.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_invocations_total",
			Help: "Total tool invocations by tool name and outcome.",
		},
		[]string{"tool", "outcome"},
	)

	// InvocationDurationSeconds is a histogram of per-invocation container runtime.
	InvocationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrator_invocation_duration_seconds",
			Help:    "Duration of a single tool invocation's container run, in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"tool"},
	)

	// RestraintDecisionsTotal counts restraint dispositions by tool and disposition.
	RestraintDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_restraint_decisions_total",
			Help: "Total restraint dispositions by tool and disposition.",
		},
		[]string{"tool", "disposition"},
	)

	// FindingsTotal counts findings by severity.
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_findings_total",
			Help: "Total findings reported by tool invocations, by severity.",
		},
		[]string{"severity"},
	)

	// ApprovalsTotal counts approval resolutions by decision.
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_approvals_total",
			Help: "Total approval requests resolved, by decision.",
		},
		[]string{"decision"},
	)

	// ActiveWorkflows is the number of currently running workflows.
	ActiveWorkflows = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_active_workflows",
			Help: "Number of workflows currently running.",
		},
	)

	// BusLaggedTotal counts subscriber lag events by the kind of the
	// event being published when the lag occurred.
	BusLaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_bus_lagged_total",
			Help: "Total lagged-subscriber events, by the kind of the event being published.",
		},
		[]string{"kind"},
	)
)

// Registry is the orchestrator's own Prometheus registry — callers
// serve it on a metrics endpoint (out of scope here per spec.md §1).
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		WorkflowsTotal,
		WorkflowDurationSeconds,
		InvocationsTotal,
		InvocationDurationSeconds,
		RestraintDecisionsTotal,
		FindingsTotal,
		ApprovalsTotal,
		ActiveWorkflows,
		BusLaggedTotal,
	)
}

// RecordWorkflowTerminal records a workflow reaching a terminal status.
func RecordWorkflowTerminal(status string, duration time.Duration) {
	WorkflowsTotal.WithLabelValues(status).Inc()
	WorkflowDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordInvocation records one completed tool invocation.
func RecordInvocation(tool, outcome string, duration time.Duration) {
	InvocationsTotal.WithLabelValues(tool, outcome).Inc()
	InvocationDurationSeconds.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordRestraintDecision records one restraint disposition.
func RecordRestraintDecision(tool, disposition string) {
	RestraintDecisionsTotal.WithLabelValues(tool, disposition).Inc()
}

// RecordFinding records one finding by severity.
func RecordFinding(severity string) {
	FindingsTotal.WithLabelValues(severity).Inc()
}

// RecordApproval records one resolved approval decision.
func RecordApproval(decision string) {
	ApprovalsTotal.WithLabelValues(decision).Inc()
}

// RecordBusLag records a lagged-subscriber event.
func RecordBusLag(kind string) {
	BusLaggedTotal.WithLabelValues(kind).Inc()
}
