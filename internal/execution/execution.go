// Package execution implements the Execution Engine (C5): a bounded
// worker pool of width W that runs the eight-step per-invocation
// lifecycle — substitute params, evaluate restraint, (skip if denied),
// run in a sandbox, parse output into findings, record the invocation,
// publish events, and fan out per-element for list-valued targets.
package execution

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/eventbus"
	"github.com/carterpry/restraint/internal/restraint"
	"github.com/carterpry/restraint/internal/sandbox"
	"github.com/carterpry/restraint/internal/substitution"
	"github.com/carterpry/restraint/internal/telemetry"
	"github.com/carterpry/restraint/internal/workflow"
)

// DefaultWidth is the default bounded worker pool size.
const DefaultWidth = 3

// Priority orders dispatch within the bounded pool.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// PriorityFromString maps a Recommendation's string priority field
// onto the engine's dispatch Priority.
func PriorityFromString(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "medium":
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// Request is one unit of dispatch: a recommendation resolved against
// the workflow's prior results, ready to be restrained and run.
type Request struct {
	Workflow   *workflow.Workflow
	Phase      workflow.PhaseName
	Recomm     workflow.Recommendation
	Priority   Priority
	Environment string
}

// Engine runs requests through the eight-step lifecycle with a bounded
// pool of width W; Dispatch starts a batch highest priority first,
// in FIFO order per level.
type Engine struct {
	catalog   *catalog.Catalog
	runner    *sandbox.Runner
	evaluator func(workflowID string) *restraint.Evaluator
	bus       *eventbus.Bus
	results   ResultStoreFactory

	sem *semaphore.Weighted
}

// ResultStoreFactory returns (and lazily creates) the per-workflow
// substitution.ResultStore backing {{tool.property}} resolution.
type ResultStoreFactory func(workflowID string) substitution.ResultStore

// New constructs an Engine with the given worker pool width.
func New(width int, cat *catalog.Catalog, runner *sandbox.Runner,
	evalFor func(string) *restraint.Evaluator, bus *eventbus.Bus, results ResultStoreFactory) *Engine {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Engine{
		catalog:   cat,
		runner:    runner,
		evaluator: evalFor,
		bus:       bus,
		results:   results,
		sem:       semaphore.NewWeighted(int64(width)),
	}
}

// Dispatch runs a batch of requests — typically every recommendation
// produced by one planner call — honoring priority-hinted FIFO order:
// requests are grouped by Priority (critical first) and, within a
// level, started in submission order. Each runs in its own goroutine,
// so the order in which they acquire a worker-pool permit is not
// fixed; the semaphore caps how many run concurrently regardless of
// batch size.
func (e *Engine) Dispatch(ctx context.Context, reqs []Request) ([][]workflow.Invocation, error) {
	ordered := make([]Request, 0, len(reqs))
	for level := PriorityCritical; level >= PriorityLow; level-- {
		for _, r := range reqs {
			if r.Priority == level {
				ordered = append(ordered, r)
			}
		}
	}

	results := make([][]workflow.Invocation, len(ordered))
	errs := make([]error, len(ordered))
	done := make(chan int, len(ordered))
	for i, r := range ordered {
		i, r := i, r
		go func() {
			invs, err := e.Submit(ctx, r)
			results[i] = invs
			errs[i] = err
			done <- i
		}()
	}
	for range ordered {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Submit runs one recommendation to completion, fanning out across
// targets when the resolved target parameter is a comma-separated
// list: each element becomes its own Invocation.
func (e *Engine) Submit(ctx context.Context, req Request) ([]workflow.Invocation, error) {
	raw := req.Recomm.Params["target"]
	resolvedTarget, _ := substitution.Resolve(raw, substitution.Parse(raw), e.results(req.Workflow.ID))
	targets := splitTargets(resolvedTarget)
	if len(targets) <= 1 {
		inv, err := e.runOne(ctx, req)
		if err != nil {
			return nil, err
		}
		return []workflow.Invocation{inv}, nil
	}

	invocations := make([]workflow.Invocation, len(targets))
	errs := make([]error, len(targets))
	done := make(chan int, len(targets))
	for i, t := range targets {
		i, t := i, t
		go func() {
			sub := req
			sub.Recomm.Params = cloneParams(req.Recomm.Params)
			sub.Recomm.Params["target"] = t
			inv, err := e.runOne(ctx, sub)
			invocations[i] = inv
			errs[i] = err
			done <- i
		}()
	}
	for range targets {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return invocations, err
		}
	}
	return invocations, nil
}

// runOne executes the eight-step lifecycle for a single invocation,
// acquiring a worker permit for the duration of the container run.
func (e *Engine) runOne(ctx context.Context, req Request) (workflow.Invocation, error) {
	inv := workflow.Invocation{
		ID:   invocationID(req),
		Tool: req.Recomm.Tool,
	}

	// 1. Publish invocation:start before anything else runs — every
	// invocation gets a start event, including ones restraint later
	// skips.
	e.publish(req.Workflow.ID, workflow.EventInvocationStart, map[string]any{"tool": req.Recomm.Tool})
	inv.StartedAt = time.Now().UTC()

	// 1b. Parameter substitution.
	store := e.results(req.Workflow.ID)
	resolved := make(map[string]string, len(req.Recomm.Params))
	for k, raw := range req.Recomm.Params {
		val, _ := substitution.Resolve(raw, substitution.Parse(raw), store)
		resolved[k] = val
	}
	inv.ResolvedParams = resolved

	// 2. Restraint evaluation.
	entry, ok := e.catalog.Get(req.Recomm.Tool)
	if !ok {
		inv.MarkDenied(fmt.Sprintf("tool %q not in catalog", req.Recomm.Tool))
		return inv, nil
	}
	draft := workflow.Draft{
		WorkflowID:  req.Workflow.ID,
		Phase:       req.Phase,
		Tool:        req.Recomm.Tool,
		Target:      resolved["target"],
		SafetyClass: string(entry.Safety),
		OWASPCat:    entry.OWASPCategory,
		Environment: req.Environment,
		Params:      resolved,
	}
	decision := e.evaluator(req.Workflow.ID).Evaluate(draft)
	inv.Disposition = decision.Disposition
	telemetry.RecordRestraintDecision(req.Recomm.Tool, string(decision.Disposition))
	e.publish(req.Workflow.ID, workflow.EventRestraintDecision, map[string]any{
		"tool": req.Recomm.Tool, "target": draft.Target, "disposition": string(decision.Disposition),
		"matched": decision.Matched, "reason": decision.Reason,
	})
	for _, pe := range decision.PredicateErrors {
		e.publish(req.Workflow.ID, workflow.EventError, map[string]any{
			"class": string(workflow.ErrorClassRestraint), "severity": "warning",
			"message": fmt.Sprintf("tool %s: %s", req.Recomm.Tool, pe.Message),
		})
	}

	// 3. Denied invocations are always skipped, never run.
	if decision.Disposition == workflow.DispositionDeny {
		inv.MarkDenied(decision.Reason)
		e.publish(req.Workflow.ID, workflow.EventInvocationComplete, map[string]any{
			"tool": req.Recomm.Tool, "outcome": string(inv.Outcome),
		})
		return inv, nil
	}
	if decision.Disposition == workflow.DispositionRequireApproval {
		inv.Disposition = workflow.DispositionRequireApproval
		inv.Outcome = workflow.OutcomeSkipped
		inv.Error = "awaiting approval"
		inv.FinishedAt = time.Now().UTC()
		e.publish(req.Workflow.ID, workflow.EventInvocationComplete, map[string]any{
			"tool": req.Recomm.Tool, "outcome": string(inv.Outcome),
		})
		return inv, nil
	}

	// 4. Build the container argv from resolved parameters.
	argv, err := entry.BuildArgv(resolved)
	if err != nil {
		inv.Error = err.Error()
		inv.Outcome = workflow.OutcomeFailure
		return inv, nil
	}

	// 5. Acquire a worker permit (bounded pool width W).
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return inv, err
	}
	defer e.sem.Release(1)

	// 6. Run the container with the catalog's declared timeout.
	result, runErr := e.runner.Run(ctx, sandbox.Spec{
		Image:       entry.Image,
		Argv:        argv,
		Deadline:    entry.Timeout,
		IsolatedNet: req.Phase == workflow.PhaseExploit,
	})
	inv.FinishedAt = time.Now().UTC()
	inv.Stdout = result.Stdout
	inv.Stderr = result.Stderr

	// 7. Map sandbox outcome to invocation outcome and parse findings.
	switch {
	case runErr != nil:
		inv.Outcome = workflow.OutcomeFailure
		inv.Error = runErr.Error()
	case result.Outcome == sandbox.OutcomeTimeout:
		inv.Outcome = workflow.OutcomeTimeout
	case result.ExitCode != 0:
		inv.Outcome = workflow.OutcomeFailure
	default:
		inv.Outcome = workflow.OutcomeSuccess
		inv.Findings = entry.ParseOutput(result.Stdout, result.Stderr, resolved["target"])
	}

	// 7b. Record the result under results[workflowId][toolName] so
	// later invocations can resolve {{tool.property}} references.
	if recorder, ok := store.(substitution.Recorder); ok {
		recorder.Record(req.Recomm.Tool, findingTargets(inv.Findings), inv.Stdout)
	}

	// 8. Publish completion.
	telemetry.RecordInvocation(req.Recomm.Tool, string(inv.Outcome), inv.FinishedAt.Sub(inv.StartedAt))
	e.publish(req.Workflow.ID, workflow.EventInvocationComplete, map[string]any{
		"tool": req.Recomm.Tool, "outcome": string(inv.Outcome),
	})
	for _, f := range inv.Findings {
		telemetry.RecordFinding(string(f.Severity))
		e.publish(req.Workflow.ID, workflow.EventFindingDiscovered, map[string]any{"title": f.Title, "severity": string(f.Severity)})
	}

	return inv, nil
}

func (e *Engine) publish(workflowID string, kind workflow.EventKind, payload map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(workflowID, kind, payload)
}

func splitTargets(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(raw); i++ {
		if i == len(raw) || raw[i] == ',' {
			if i > start {
				out = append(out, raw[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// findingTargets extracts the "results" property value for
// substitution: the discovered item for enumeration findings, or the
// affected component for vulnerability findings.
func findingTargets(findings []workflow.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		switch {
		case f.Target != "":
			out = append(out, f.Target)
		case f.AffectedComponent != "":
			out = append(out, f.AffectedComponent)
		}
	}
	return out
}

func cloneParams(p map[string]string) map[string]string {
	out := make(map[string]string, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

var invocationSeq atomic.Int64

func invocationID(req Request) string {
	n := invocationSeq.Add(1)
	return fmt.Sprintf("%s-%s-%d", req.Workflow.ID, req.Recomm.Tool, n)
}
