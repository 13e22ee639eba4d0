package phase

import (
	"context"
	"testing"
	"time"

	"github.com/carterpry/restraint/internal/approval"
	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/eventbus"
	"github.com/carterpry/restraint/internal/execution"
	"github.com/carterpry/restraint/internal/planner"
	"github.com/carterpry/restraint/internal/restraint"
	"github.com/carterpry/restraint/internal/substitution"
	"github.com/carterpry/restraint/internal/workflow"
)

// stubPlanner returns one fixed recommendation per phase and never
// triggers an adapt splice unless adaptResp is set.
type stubPlanner struct {
	perPhase  map[workflow.PhaseName][]workflow.Recommendation
	adaptResp *planner.PlanResponse
}

func (s stubPlanner) Plan(ctx context.Context, req planner.PlanRequest) (planner.PlanResponse, error) {
	return planner.PlanResponse{Recommendations: s.perPhase[req.Phase], ConfidenceLevel: 0.9}, nil
}

func (s stubPlanner) Adapt(ctx context.Context, req planner.AdaptRequest) (planner.PlanResponse, error) {
	if s.adaptResp != nil {
		return *s.adaptResp, nil
	}
	return planner.PlanResponse{}, nil
}

// stubRunner always succeeds with no findings unless findingsFor names a tool.
type stubRunner struct {
	findingsFor map[string][]workflow.Finding
}

func (r stubRunner) Submit(ctx context.Context, req execution.Request) ([]workflow.Invocation, error) {
	return []workflow.Invocation{{
		ID:          "inv-" + req.Recomm.Tool,
		Tool:        req.Recomm.Tool,
		Disposition: workflow.DispositionAllow,
		Outcome:     workflow.OutcomeSuccess,
		Findings:    r.findingsFor[req.Recomm.Tool],
	}}, nil
}

func newDeps(p Planner, r Runner, rules []workflow.RestraintRule) Deps {
	return Deps{
		Bus:       eventbus.New(),
		Planner:   p,
		Runner:    r,
		Catalog:   catalog.New(),
		Evaluator: restraint.New(rules, restraint.DeterministicScorer{}),
		Approvals: approval.NewQueue(2 * time.Second),
		Results:   substitution.NewStore("example.com"),
	}
}

func baselinePlan() map[workflow.PhaseName][]workflow.Recommendation {
	target := map[string]string{"target": "{{workflow.target}}"}
	return map[workflow.PhaseName][]workflow.Recommendation{
		workflow.PhaseRecon:   {{Tool: "port-scanner", Params: target, Priority: "high"}},
		workflow.PhaseAnalyze: {{Tool: "header-analyzer", Params: target, Priority: "medium"}},
		workflow.PhaseExploit: {{Tool: "sql-injection", Params: target, Priority: "high"}},
	}
}

func TestRunCompletesThroughAllPhases(t *testing.T) {
	runner := stubRunner{findingsFor: map[string][]workflow.Finding{
		"port-scanner":    {{Type: "port"}},
		"header-analyzer": {{Severity: workflow.SeverityHigh}},
	}}
	deps := newDeps(stubPlanner{perPhase: baselinePlan()}, runner, nil)
	ex := New(deps)
	wf := &workflow.Workflow{ID: "wf-1", Target: "example.com", Status: workflow.StatusPending}

	ex.Run(context.Background(), wf, nil)

	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %v", wf.Status)
	}
	if len(wf.PhaseHistory) != 3 {
		t.Fatalf("expected 3 phases, got %d", len(wf.PhaseHistory))
	}
	for _, ph := range wf.PhaseHistory {
		if !ph.Advance.Advanced {
			t.Fatalf("phase %s did not advance: %s", ph.Name, ph.Advance.Reason)
		}
	}
}

// TestReconWithNoFindingsStopsAfterRecon covers the case where every
// recon tool succeeds with zero findings, so the recon->analyze
// advance predicate is false and the workflow completes after recon
// alone.
func TestReconWithNoFindingsStopsAfterRecon(t *testing.T) {
	deps := newDeps(stubPlanner{perPhase: baselinePlan()}, stubRunner{}, nil)
	ex := New(deps)
	wf := &workflow.Workflow{ID: "wf-5", Target: "example.com", Status: workflow.StatusPending}

	ex.Run(context.Background(), wf, nil)

	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %v", wf.Status)
	}
	if len(wf.PhaseHistory) != 1 {
		t.Fatalf("expected exactly 1 phase (recon only), got %d", len(wf.PhaseHistory))
	}
	if wf.PhaseHistory[0].Name != workflow.PhaseRecon {
		t.Fatalf("expected recon, got %s", wf.PhaseHistory[0].Name)
	}
	if wf.PhaseHistory[0].Advance.Advanced {
		t.Fatal("recon with zero findings should not advance")
	}
}

func TestDeniedToolRecordedSkipped(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "deny-sqli", Action: workflow.DispositionDeny, Reason: "no exploit tools here",
			Predicate: func(d workflow.Draft) bool { return d.Tool == "sql-injection" }},
	}
	runner := stubRunner{findingsFor: map[string][]workflow.Finding{
		"port-scanner":    {{Type: "port"}},
		"header-analyzer": {{Severity: workflow.SeverityHigh}},
	}}
	deps := newDeps(stubPlanner{perPhase: baselinePlan()}, runner, rules)
	ex := New(deps)
	wf := &workflow.Workflow{ID: "wf-2", Target: "example.com", Status: workflow.StatusPending}

	ex.Run(context.Background(), wf, nil)

	var exploit *workflow.Phase
	for i := range wf.PhaseHistory {
		if wf.PhaseHistory[i].Name == workflow.PhaseExploit {
			exploit = &wf.PhaseHistory[i]
		}
	}
	if exploit == nil {
		t.Fatal("expected an exploit phase to run")
	}
	if len(exploit.Invocations) != 1 || exploit.Invocations[0].Disposition != workflow.DispositionDeny {
		t.Fatalf("expected one denied invocation, got %+v", exploit.Invocations)
	}
}

func TestRequireApprovalBlocksUntilApproved(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "gate-sqli", Action: workflow.DispositionRequireApproval, Reason: "human sign-off required",
			Predicate: func(d workflow.Draft) bool { return d.Tool == "sql-injection" }},
	}
	runner := stubRunner{findingsFor: map[string][]workflow.Finding{
		"port-scanner":    {{Type: "port"}},
		"header-analyzer": {{Severity: workflow.SeverityHigh}},
	}}
	deps := newDeps(stubPlanner{perPhase: baselinePlan()}, runner, rules)
	ex := New(deps)
	wf := &workflow.Workflow{ID: "wf-3", Target: "example.com", Status: workflow.StatusPending}

	done := make(chan struct{})
	go func() {
		deadline := time.After(2 * time.Second)
		for {
			pending := deps.Approvals.Pending()
			if len(pending) > 0 {
				deps.Approvals.Decide(pending[0].ID, true, "tester", "looks fine")
				return
			}
			select {
			case <-deadline:
				return
			case <-time.After(2 * time.Millisecond):
			}
		}
	}()

	go func() {
		ex.Run(context.Background(), wf, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not complete after approval was granted")
	}

	if wf.Status != workflow.StatusCompleted {
		t.Fatalf("expected completed, got %v", wf.Status)
	}
}

func TestAdaptSpliceRunsFollowUpRecommendation(t *testing.T) {
	followUp := planner.PlanResponse{Recommendations: []workflow.Recommendation{
		{Tool: "directory-scanner", Priority: "critical", Params: map[string]string{"target": "{{workflow.target}}"}},
	}}
	plan := baselinePlan()
	plan[workflow.PhaseRecon] = []workflow.Recommendation{
		{Tool: "port-scanner", Params: map[string]string{"target": "{{workflow.target}}"}, Priority: "high"},
	}
	deps := newDeps(stubPlanner{perPhase: plan, adaptResp: &followUp}, stubRunner{
		findingsFor: map[string][]workflow.Finding{"port-scanner": {{Title: "open port", Type: "port"}}},
	}, nil)
	ex := New(deps)
	wf := &workflow.Workflow{ID: "wf-4", Target: "example.com", Status: workflow.StatusPending}

	advanced, err := ex.runPhase(context.Background(), wf, workflow.PhaseRecon, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !advanced {
		t.Fatal("expected recon phase to advance")
	}

	tools := map[string]bool{}
	for _, inv := range wf.PhaseHistory[0].Invocations {
		tools[inv.Tool] = true
	}
	if !tools["port-scanner"] || !tools["directory-scanner"] {
		t.Fatalf("expected both port-scanner and spliced directory-scanner to run, got %+v", tools)
	}
}
