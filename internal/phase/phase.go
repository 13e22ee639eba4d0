// Package phase implements the Phase Executor (C7): the state machine
// that drives one workflow through recon, analyze, and exploit in
// order, each bounded by its own wall-clock budget. For every phase it
// asks the Planner for recommendations, runs each one past the
// Restraint Evaluator itself (filing and waiting on an approval gate
// when required, applying rate-limit/limit-scope mitigations to the
// recommendation's own parameters before dispatch), hands survivors to
// the Execution Engine, and splices high-priority adapt-triggered
// recommendations immediately ahead of the current position in the
// queue as findings land.
package phase

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/carterpry/restraint/internal/approval"
	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/eventbus"
	"github.com/carterpry/restraint/internal/execution"
	"github.com/carterpry/restraint/internal/planner"
	"github.com/carterpry/restraint/internal/restraint"
	"github.com/carterpry/restraint/internal/substitution"
	"github.com/carterpry/restraint/internal/telemetry"
	"github.com/carterpry/restraint/internal/workflow"
)

// Planner is the subset of planner.Client this package depends on —
// declared here so tests can substitute a stub (accept interfaces,
// return structs).
type Planner interface {
	Plan(ctx context.Context, req planner.PlanRequest) (planner.PlanResponse, error)
	Adapt(ctx context.Context, req planner.AdaptRequest) (planner.PlanResponse, error)
}

// Runner is the subset of execution.Engine this package depends on.
type Runner interface {
	Submit(ctx context.Context, req execution.Request) ([]workflow.Invocation, error)
}

// setOf builds a membership set from a name list.
func setOf(names ...string) map[string]bool {
	s := make(map[string]bool, len(names))
	for _, n := range names {
		s[n] = true
	}
	return s
}

// allowedTools fixes which of the twelve canonical tools a phase may
// dispatch, regardless of what the planner recommends.
var allowedTools = map[workflow.PhaseName]map[string]bool{
	workflow.PhaseRecon: setOf(
		"subdomain-scanner", "port-scanner", "directory-scanner", "tech-fingerprint",
	),
	workflow.PhaseAnalyze: setOf(
		"ssl-checker", "header-analyzer", "api-discovery", "jwt-analyzer",
	),
	workflow.PhaseExploit: setOf(
		"sql-injection", "xss-scanner", "auth-bypass", "api-fuzzer",
	),
}

// phaseOrder is the fixed pipeline sequence: recon < analyze < exploit,
// monotonically increasing.
var phaseOrder = []workflow.PhaseName{
	workflow.PhaseRecon, workflow.PhaseAnalyze, workflow.PhaseExploit,
}

// Deps bundles every collaborator the Executor drives. One set of Deps
// belongs to exactly one workflow: the Evaluator's approval cache, the
// Approvals queue, and the Results store are all per-workflow by
// construction.
type Deps struct {
	Bus        *eventbus.Bus
	Planner    Planner
	Runner     Runner
	Catalog    *catalog.Catalog
	Evaluator  *restraint.Evaluator
	Approvals  *approval.Queue
	Results    *substitution.Store
}

// Executor drives one workflow through the full phase pipeline.
type Executor struct {
	deps Deps
}

// New constructs an Executor over the given dependencies.
func New(deps Deps) *Executor {
	return &Executor{deps: deps}
}

var invocationSeq atomic.Int64

// Run drives wf through recon, analyze, and exploit in order, stopping
// early on cancellation, context expiry, or a phase that made no
// progress at all. It always leaves the workflow in a terminal status.
func (e *Executor) Run(ctx context.Context, wf *workflow.Workflow, cancel <-chan struct{}) {
	ctx, rootSpan := telemetry.StartWorkflowSpan(ctx, wf.ID, wf.Target)
	defer rootSpan.End()

	// A defensive backstop: anything that reaches here uncaught is, by
	// spec.md §7's taxonomy, a fatal error — terminate the workflow
	// with workflow:status=failed carrying the panic value rather than
	// letting it crash the goroutine silently.
	defer func() {
		if r := recover(); r != nil {
			e.publishError(wf.ID, workflow.ErrorClassFatal, fmt.Sprintf("recovered panic: %v", r))
			e.finishFailed(wf, fmt.Errorf("panic: %v", r))
		}
	}()

	wf.Mu.Lock()
	wf.Transition(workflow.StatusRunning)
	wf.Mu.Unlock()
	e.publish(wf.ID, workflow.EventWorkflowStarted, map[string]any{"target": wf.Target})

	for _, name := range phaseOrder {
		select {
		case <-cancel:
			e.finishCancelled(wf)
			return
		case <-ctx.Done():
			e.finishFailed(wf, ctx.Err())
			return
		default:
		}

		advanced, err := e.runPhase(ctx, wf, name, cancel)
		if err != nil {
			e.finishFailed(wf, err)
			return
		}
		// runPhase already published workflow:cancelled if it observed
		// the cancel; no second terminal event follows it.
		wf.Mu.Lock()
		cancelled := wf.Status == workflow.StatusCancelled
		wf.Mu.Unlock()
		if cancelled {
			return
		}
		if !advanced {
			break
		}
	}

	e.finishCompleted(wf)
}

// runPhase executes one phase to completion (or to its budget
// deadline, or until every queued recommendation has been consumed)
// and appends the resulting Phase record to wf.PhaseHistory.
func (e *Executor) runPhase(ctx context.Context, wf *workflow.Workflow, name workflow.PhaseName, cancel <-chan struct{}) (bool, error) {
	wf.Mu.Lock()
	wf.PhaseHistory = append(wf.PhaseHistory, workflow.Phase{Name: name, StartedAt: time.Now().UTC()})
	idx := len(wf.PhaseHistory) - 1
	wf.Mu.Unlock()

	ctx, phaseSpan := telemetry.StartPhaseSpan(ctx, wf.ID, string(name))
	defer phaseSpan.End()

	e.publish(wf.ID, workflow.EventPhaseStart, map[string]any{"phase": string(name)})

	budget := workflow.DefaultPhaseBudget(name)
	pctx, cancelTimeout := context.WithTimeout(ctx, budget)
	defer cancelTimeout()
	pctx, cancelOnAbort := withAbort(pctx, cancel)
	defer cancelOnAbort()

	planReq := planner.PlanRequest{
		WorkflowID:     wf.ID,
		Target:         wf.Target,
		UserIntent:     wf.UserIntent,
		Phase:          name,
		AvailableTools: e.deps.Catalog.Names(),
		Constraints:    wf.Constraints,
	}

	_, plannerSpan := telemetry.StartPlannerSpan(pctx, wf.ID, string(name), "plan")
	planResp, err := e.deps.Planner.Plan(pctx, planReq)
	if err != nil {
		plannerSpan.End()
		return false, fmt.Errorf("phase %s: planner: %w", name, err)
	}
	telemetry.EndPlannerSpan(plannerSpan, len(planResp.Recommendations), planResp.ConfidenceLevel)
	if planResp.UsedFallback {
		e.publishError(wf.ID, workflow.ErrorClassPlanner,
			fmt.Sprintf("phase %s: reasoning service unavailable (%s); synthesized baseline recommendations in use", name, planResp.FallbackReason))
	}
	e.publish(wf.ID, workflow.EventPlannerStrategy, map[string]any{
		"phase": string(name), "confidence": planResp.ConfidenceLevel, "count": len(planResp.Recommendations),
	})

	queue := append([]workflow.Recommendation(nil), planResp.Recommendations...)
	seen := map[string]bool{}
	var invocations []workflow.Invocation
	var findings []workflow.Finding

	for i := 0; i < len(queue); i++ {
		select {
		case <-cancel:
			e.finishPhase(wf, idx, invocations, findings, false, "cancelled")
			e.finishCancelled(wf)
			return false, nil
		case <-pctx.Done():
			e.finishPhase(wf, idx, invocations, findings, len(invocations) > 0, "phase budget exceeded")
			return len(invocations) > 0, nil
		default:
		}

		rec := queue[i]
		if !allowedTools[name][rec.Tool] {
			continue
		}
		key := rec.Tool + "|" + rec.Params["target"]
		if seen[key] {
			continue
		}
		seen[key] = true

		entry, ok := e.deps.Catalog.Get(rec.Tool)
		if !ok {
			continue
		}

		target, _ := substitution.Resolve(rec.Params["target"], substitution.Parse(rec.Params["target"]), e.deps.Results)

		draft := workflow.Draft{
			WorkflowID:  wf.ID,
			Phase:       name,
			Tool:        rec.Tool,
			Target:      target,
			SafetyClass: string(entry.Safety),
			OWASPCat:    entry.OWASPCategory,
			Environment: string(wf.Constraints.Environment),
			Params:      rec.Params,
		}
		decision := e.deps.Evaluator.Evaluate(draft)
		for _, pe := range decision.PredicateErrors {
			e.publishError(wf.ID, workflow.ErrorClassRestraint,
				fmt.Sprintf("tool %s: %s", rec.Tool, pe.Message))
		}

		switch decision.Disposition {
		case workflow.DispositionDeny:
			invocations = append(invocations, e.skippedInvocation(rec.Tool, workflow.DispositionDeny, decision.Reason))
			continue

		case workflow.DispositionRequireApproval:
			req := e.deps.Approvals.File(wf.ID, rec.Tool, target, string(name), decision.Reason)
			e.publish(wf.ID, workflow.EventApprovalRequested, map[string]any{
				"id": req.ID, "tool": rec.Tool, "target": target, "reason": decision.Reason,
			})
			wf.Mu.Lock()
			wf.Transition(workflow.StatusAwaitingApproval)
			wf.Mu.Unlock()
			outcome, err := e.deps.Approvals.Wait(req.ID)
			wf.Mu.Lock()
			wf.Transition(workflow.StatusRunning)
			wf.Mu.Unlock()
			if err != nil {
				invocations = append(invocations, e.skippedInvocation(rec.Tool, workflow.DispositionRequireApproval, err.Error()))
				continue
			}
			telemetry.RecordApproval(string(outcome.Decision))
			e.publish(wf.ID, workflow.EventApprovalResolved, map[string]any{
				"id": req.ID, "decision": string(outcome.Decision),
			})
			if outcome.Decision != approval.DecisionApproved {
				invocations = append(invocations, e.skippedInvocation(rec.Tool, workflow.DispositionRequireApproval,
					"approval "+string(outcome.Decision)))
				continue
			}
			e.deps.Evaluator.CacheApproval(draft, workflow.DispositionAllow)

		case workflow.DispositionRateLimit, workflow.DispositionLimitScope:
			rec.Params = applyMitigation(rec.Params, decision.Mitigation)
		}

		invSpanCtx, invSpan := telemetry.StartInvocationSpan(pctx, wf.ID, rec.Tool, target)
		invs, err := e.deps.Runner.Submit(invSpanCtx, execution.Request{
			Workflow:    wf,
			Phase:       name,
			Recomm:      rec,
			Priority:    execution.PriorityFromString(rec.Priority),
			Environment: string(wf.Constraints.Environment),
		})
		if err != nil {
			invSpan.End()
			invocations = append(invocations, e.skippedInvocation(rec.Tool, decision.Disposition, err.Error()))
			continue
		}
		if len(invs) > 0 {
			last := invs[len(invs)-1]
			totalFindings := 0
			for _, inv := range invs {
				totalFindings += len(inv.Findings)
			}
			telemetry.EndInvocationSpan(invSpan, string(last.Disposition), string(last.Outcome), totalFindings)
		} else {
			invSpan.End()
		}
		invocations = append(invocations, invs...)

		var landed []workflow.Finding
		for _, inv := range invs {
			landed = append(landed, inv.Findings...)
		}
		findings = append(findings, landed...)
		if len(landed) == 0 {
			continue
		}

		splice := e.adaptSplice(pctx, wf, name, planReq, rec.Tool, invs[0], seen)
		if len(splice) > 0 {
			rest := append([]workflow.Recommendation(nil), queue[i+1:]...)
			queue = append(queue[:i+1:i+1], splice...)
			queue = append(queue, rest...)
		}
	}

	advanced, reason := advanceConditionMet(name, findings)
	if len(invocations) == 0 {
		advanced, reason = false, "no recommendation survived filtering"
	}
	e.finishPhase(wf, idx, invocations, findings, advanced, reason)
	return advanced, nil
}

// withAbort derives a context that is also cancelled the instant abort
// fires, so an in-flight planner call or container run tied to ctx is
// torn down immediately rather than waiting for the next loop
// iteration's select — this is what lets Cancel kill in-flight
// containers instead of merely stopping new ones from being dispatched.
func withAbort(parent context.Context, abort <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-abort:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// reconAdvanceTypes are the finding type tags that satisfy the
// recon->analyze predicate: at least one finding identifying a
// service, endpoint, technology, subdomain, or port. The canonical
// catalog entries tag these as subdomain/open_port/tech rather than
// those exact nouns, so both vocabularies are accepted.
var reconAdvanceTypes = setOf("service", "endpoint", "technology", "subdomain", "port", "tech", "open_port")

// advanceConditionMet evaluates the advance predicate for the phase
// that just ran, independent of whether any invocation merely
// executed — a recon phase that runs four tools and finds nothing
// must not advance to analyze.
func advanceConditionMet(name workflow.PhaseName, findings []workflow.Finding) (bool, string) {
	switch name {
	case workflow.PhaseRecon:
		for _, f := range findings {
			if reconAdvanceTypes[f.Type] {
				return true, "recon found a service/endpoint/technology/subdomain/port"
			}
		}
		return false, "recon produced no service/endpoint/technology/subdomain/port finding"

	case workflow.PhaseAnalyze:
		for _, f := range findings {
			if f.Severity == workflow.SeverityHigh || f.Severity == workflow.SeverityCritical {
				return true, "analyze found a high/critical severity finding"
			}
			if f.Severity == workflow.SeverityMedium && f.Confidence >= 0.7 {
				return true, "analyze found a medium finding with confidence >= 0.7"
			}
		}
		return false, "analyze produced no finding meeting the exploit-gate severity threshold"

	default:
		// exploit is the last phase in phaseOrder; whether it
		// "advances" is moot since there is nowhere further to go.
		return true, "exploit is the terminal phase"
	}
}

// adaptSplice calls the planner's Adapt operation after a tool
// produces findings and returns the critical/high-priority
// recommendations not already seen — the caller splices these
// immediately ahead of the current queue position.
func (e *Executor) adaptSplice(ctx context.Context, wf *workflow.Workflow, name workflow.PhaseName,
	planReq planner.PlanRequest, latestTool string, latestResult workflow.Invocation, seen map[string]bool) []workflow.Recommendation {

	resp, err := e.deps.Planner.Adapt(ctx, planner.AdaptRequest{
		PlanRequest:  planReq,
		LatestTool:   latestTool,
		LatestResult: latestResult,
	})
	if err != nil {
		return nil
	}

	var out []workflow.Recommendation
	for _, r := range resp.Recommendations {
		if r.Priority != "critical" && r.Priority != "high" {
			continue
		}
		if !allowedTools[name][r.Tool] {
			continue
		}
		key := r.Tool + "|" + r.Params["target"]
		if seen[key] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// finishPhase records the terminal state of one Phase under the
// workflow's lock and publishes phase:complete.
func (e *Executor) finishPhase(wf *workflow.Workflow, idx int, invocations []workflow.Invocation,
	findings []workflow.Finding, advanced bool, reason string) {
	wf.Mu.Lock()
	ph := &wf.PhaseHistory[idx]
	ph.FinishedAt = time.Now().UTC()
	ph.Invocations = invocations
	ph.Findings = findings
	ph.Advance = workflow.AdvanceDecision{Advanced: advanced, Reason: reason}
	name := ph.Name
	wf.Mu.Unlock()

	e.publish(wf.ID, workflow.EventPhaseComplete, map[string]any{
		"phase": string(name), "invocations": len(invocations), "findings": len(findings), "advanced": advanced,
	})
}

func (e *Executor) skippedInvocation(tool string, disposition workflow.Disposition, reason string) workflow.Invocation {
	n := invocationSeq.Add(1)
	return workflow.Invocation{
		ID:          fmt.Sprintf("skip-%s-%d", tool, n),
		Tool:        tool,
		Disposition: disposition,
		Outcome:     workflow.OutcomeSkipped,
		Error:       reason,
		FinishedAt:  time.Now().UTC(),
	}
}

func (e *Executor) finishCompleted(wf *workflow.Workflow) {
	wf.Mu.Lock()
	wf.Transition(workflow.StatusCompleted)
	created := wf.CreatedAt
	wf.Mu.Unlock()
	telemetry.RecordWorkflowTerminal(string(workflow.StatusCompleted), time.Since(created))
	e.publish(wf.ID, workflow.EventWorkflowCompleted, nil)
}

func (e *Executor) finishFailed(wf *workflow.Workflow, err error) {
	wf.Mu.Lock()
	wf.Transition(workflow.StatusFailed)
	created := wf.CreatedAt
	wf.Mu.Unlock()
	telemetry.RecordWorkflowTerminal(string(workflow.StatusFailed), time.Since(created))
	payload := map[string]any{}
	if err != nil {
		payload["error"] = err.Error()
	}
	e.publish(wf.ID, workflow.EventWorkflowFailed, payload)
}

func (e *Executor) finishCancelled(wf *workflow.Workflow) {
	wf.Mu.Lock()
	wf.Transition(workflow.StatusCancelled)
	created := wf.CreatedAt
	wf.Mu.Unlock()
	telemetry.RecordWorkflowTerminal(string(workflow.StatusCancelled), time.Since(created))
	e.publish(wf.ID, workflow.EventWorkflowCancelled, nil)
}

func (e *Executor) publish(workflowID string, kind workflow.EventKind, payload map[string]any) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(workflowID, kind, payload)
}

// publishError emits a warning-severity error event tagged with the
// ErrorClass that raised it. Planner and restraint errors recover
// locally and the workflow continues; this is the caller's only
// observable trace of that recovery, per spec.md §7.
func (e *Executor) publishError(workflowID string, class workflow.ErrorClass, message string) {
	severity := "warning"
	if class == workflow.ErrorClassFatal {
		severity = "fatal"
	}
	e.publish(workflowID, workflow.EventError, map[string]any{
		"class": string(class), "severity": severity, "message": message,
	})
}

// applyMitigation layers a restraint mitigation onto a recommendation's
// parameters. Only recognized keys are applied; everything else in
// params is left untouched. Mitigations only ever tighten — they never
// add a parameter that widens scope.
func applyMitigation(params map[string]string, mitigation map[string]any) map[string]string {
	if len(mitigation) == 0 {
		return params
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	if rate, ok := mitigation["rateLimitPerMin"]; ok {
		out["rateLimitPerMin"] = fmt.Sprintf("%v", rate)
	}
	if scope, ok := mitigation["excludeHosts"].([]string); ok && len(scope) > 0 {
		out["excludeHosts"] = joinStrings(scope)
	}
	return out
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
