/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package restraint

import (
	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/workflow"
)

// DefaultRules returns the reference rule list a deployment starts
// from — restraint rules are externally configured, and this is the
// baseline a fresh orchestrator ships with. Order matters: rules run
// top to bottom and every predicate is evaluated for audit, but deny
// always wins regardless of position.
func DefaultRules() []workflow.RestraintRule {
	return []workflow.RestraintRule{
		{
			ID:       "exploit-phase-requires-approval",
			Action:   workflow.DispositionRequireApproval,
			Severity: workflow.SeverityHigh,
			Reason:   "exploit-phase tools always require an explicit human approval for this workflow",
			Predicate: func(d workflow.Draft) bool {
				return d.Phase == workflow.PhaseExploit
			},
		},
		{
			ID:       "prod-exploit-elevated-scrutiny",
			Action:   workflow.DispositionRequireApproval,
			Severity: workflow.SeverityCritical,
			Reason:   "exploit-phase tools against a production target require elevated sign-off",
			Predicate: func(d workflow.Draft) bool {
				return d.Environment == string(workflow.EnvProduction) && d.Phase == workflow.PhaseExploit
			},
		},
		{
			ID:       "destructive-always-requires-approval",
			Action:   workflow.DispositionRequireApproval,
			Severity: workflow.SeverityCritical,
			Reason:   "destructive-class tools always require human sign-off",
			Predicate: func(d workflow.Draft) bool {
				return d.SafetyClass == string(catalog.SafetyDestructive)
			},
		},
		{
			ID:       "no-intrusive-tools-outside-allowed-hosts",
			Action:   workflow.DispositionLimitScope,
			Severity: workflow.SeverityMedium,
			Reason:   "intrusive tooling is scoped to the workflow's declared target only",
			Mitigation: map[string]any{
				"excludeHosts": []string{},
			},
			Predicate: func(d workflow.Draft) bool {
				return d.SafetyClass == string(catalog.SafetyIntrusive)
			},
		},
		{
			ID:       "monitor-all-auth-bypass-attempts",
			Action:   workflow.DispositionMonitor,
			Severity: workflow.SeverityMedium,
			Reason:   "credential and auth-bypass attempts are flagged for audit regardless of outcome",
			Predicate: func(d workflow.Draft) bool {
				return d.Tool == "auth-bypass" || d.Tool == "hydra"
			},
		},
	}
}
