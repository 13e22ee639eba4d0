/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package restraint implements the Restraint Evaluator (C4): an
// ordered, statically configured list of rules that classifies a
// candidate invocation as allow/deny/rate-limit/limit-scope/
// require-approval/monitor, merging mitigations with strictest-wins
// semantics, and caching approval decisions per (workflow, tool, target).
package restraint

import (
	"fmt"
	"sync"

	"github.com/carterpry/restraint/internal/workflow"
)

// PredicateError records a rule whose predicate panicked during
// evaluation. Per spec.md §7, a panicking predicate is treated as
// non-matching rather than crashing the workflow; the caller surfaces
// these as warning-severity error events.
type PredicateError struct {
	RuleID  string
	Message string
}

// Decision is the composed result of running every rule against a Draft.
type Decision struct {
	Disposition workflow.Disposition
	Mitigation  map[string]any
	Matched     []string // rule IDs that matched, for audit
	Reason      string
	Blast       Assessment

	// PredicateErrors lists every rule whose predicate panicked during
	// this Evaluate call, in rule order. Empty in the common case.
	PredicateErrors []PredicateError
}

// Evaluator runs one workflow's ordered rule list. One Evaluator is
// constructed per workflow by the controller, so the approval cache
// is naturally scoped to a single workflow — never shared.
type Evaluator struct {
	rules  []workflow.RestraintRule
	scorer Scorer

	mu            sync.Mutex
	approvalCache map[cacheKey]workflow.Disposition
}

type cacheKey struct {
	workflowID string
	tool       string
	target     string
}

// New builds an Evaluator over the given ordered rules.
func New(rules []workflow.RestraintRule, scorer Scorer) *Evaluator {
	if scorer == nil {
		scorer = DeterministicScorer{}
	}
	return &Evaluator{
		rules:         rules,
		scorer:        scorer,
		approvalCache: make(map[cacheKey]workflow.Disposition),
	}
}

// Evaluate runs every rule's predicate (every predicate always runs,
// for audit completeness), then composes the outcome: any deny wins
// outright; else any require-approval (subject to the cache); else
// rate-limit/limit-scope mitigations are merged with strictest-wins;
// monitor never changes the disposition, only tags it for the event
// stream.
func (e *Evaluator) Evaluate(d workflow.Draft) Decision {
	var matched []string
	var predicateErrors []PredicateError
	disposition := workflow.DispositionAllow
	mitigation := map[string]any{}
	reason := ""
	denied := false
	needsApproval := false

	for _, rule := range e.rules {
		ok, panicMsg := runPredicate(rule, d)
		if panicMsg != "" {
			predicateErrors = append(predicateErrors, PredicateError{RuleID: rule.ID, Message: panicMsg})
		}
		if !ok {
			continue
		}
		matched = append(matched, rule.ID)

		switch rule.Action {
		case workflow.DispositionDeny:
			denied = true
			reason = rule.Reason
		case workflow.DispositionRequireApproval:
			needsApproval = true
			if reason == "" {
				reason = rule.Reason
			}
		case workflow.DispositionRateLimit, workflow.DispositionLimitScope:
			mergeMitigation(mitigation, rule.Mitigation)
		case workflow.DispositionMonitor:
			// tag only, handled by caller via Matched
		}
	}

	blast := e.scorer.Assess(Input{
		SafetyClass: d.SafetyClass,
		Target:      d.Target,
		Environment: d.Environment,
	})

	if blast.Decision == DecisionDeny && !denied {
		denied = true
		if reason == "" {
			reason = "blast radius assessment denies this action"
		}
	}

	switch {
	case denied:
		disposition = workflow.DispositionDeny
	case needsApproval:
		if cached, ok := e.cachedApproval(d); ok {
			disposition = cached
		} else {
			disposition = workflow.DispositionRequireApproval
		}
	case len(mitigation) > 0:
		disposition = workflow.DispositionRateLimit
	default:
		disposition = workflow.DispositionAllow
	}

	return Decision{
		Disposition:     disposition,
		Mitigation:      mitigation,
		Matched:         matched,
		Reason:          reason,
		Blast:           blast,
		PredicateErrors: predicateErrors,
	}
}

// runPredicate invokes rule.Predicate and recovers from a panic,
// treating the rule as non-matching rather than letting the panic
// propagate into the caller's goroutine.
func runPredicate(rule workflow.RestraintRule, d workflow.Draft) (matched bool, panicMsg string) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			panicMsg = fmt.Sprintf("rule %s predicate panicked: %v", rule.ID, r)
		}
	}()
	return rule.Predicate(d), ""
}

// CacheApproval records a resolved approval so subsequent identical
// (workflow, tool, target) drafts skip the human gate.
func (e *Evaluator) CacheApproval(d workflow.Draft, decision workflow.Disposition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approvalCache[cacheKey{d.WorkflowID, d.Tool, d.Target}] = decision
}

func (e *Evaluator) cachedApproval(d workflow.Draft) (workflow.Disposition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.approvalCache[cacheKey{d.WorkflowID, d.Tool, d.Target}]
	return v, ok
}

// mergeMitigation combines mitigation maps with strictest-wins:
// numeric caps take the minimum, list-valued exclusions union, and
// list-valued inclusions intersect.
func mergeMitigation(dst, src map[string]any) {
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = v
			continue
		}
		switch sv := v.(type) {
		case int:
			if ev, ok := existing.(int); ok && sv < ev {
				dst[k] = sv
			}
		case float64:
			if ev, ok := existing.(float64); ok && sv < ev {
				dst[k] = sv
			}
		case []string:
			if ev, ok := existing.([]string); ok {
				if isExclusionKey(k) {
					dst[k] = unionStrings(ev, sv)
				} else {
					dst[k] = intersectStrings(ev, sv)
				}
			}
		default:
			dst[k] = v
		}
	}
}

func isExclusionKey(k string) bool {
	return k == "excludeHosts" || k == "excludePaths" || k == "denyList"
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func intersectStrings(a, b []string) []string {
	set := map[string]bool{}
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
