package restraint

import (
	"testing"

	"github.com/carterpry/restraint/internal/workflow"
)

func destructiveOnProd(d workflow.Draft) bool {
	return d.SafetyClass == "destructive" && d.Environment == "prod"
}

func alwaysTrue(workflow.Draft) bool { return true }

func TestDenyRuleWins(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "r1", Predicate: destructiveOnProd, Action: workflow.DispositionDeny, Reason: "no destructive tools in prod"},
	}
	e := New(rules, stubScorer{Assessment{Level: LevelLow, Decision: DecisionAllow}})
	d := e.Evaluate(workflow.Draft{SafetyClass: "destructive", Environment: "prod", Tool: "metasploit"})
	if d.Disposition != workflow.DispositionDeny {
		t.Fatalf("expected deny, got %v", d.Disposition)
	}
}

func TestApprovalRequiredThenCached(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "r1", Predicate: alwaysTrue, Action: workflow.DispositionRequireApproval, Reason: "needs human sign-off"},
	}
	e := New(rules, stubScorer{Assessment{Level: LevelLow, Decision: DecisionAllow}})
	draft := workflow.Draft{WorkflowID: "wf-1", Tool: "sqlmap", Target: "a.com"}

	d := e.Evaluate(draft)
	if d.Disposition != workflow.DispositionRequireApproval {
		t.Fatalf("expected require_approval, got %v", d.Disposition)
	}

	e.CacheApproval(draft, workflow.DispositionAllow)
	d2 := e.Evaluate(draft)
	if d2.Disposition != workflow.DispositionAllow {
		t.Fatalf("expected cached allow, got %v", d2.Disposition)
	}
}

func TestMitigationMergeStrictestWins(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "r1", Predicate: alwaysTrue, Action: workflow.DispositionRateLimit, Mitigation: map[string]any{"maxPerMin": 10}},
		{ID: "r2", Predicate: alwaysTrue, Action: workflow.DispositionRateLimit, Mitigation: map[string]any{"maxPerMin": 3}},
	}
	e := New(rules, stubScorer{Assessment{Level: LevelLow, Decision: DecisionAllow}})
	d := e.Evaluate(workflow.Draft{})
	if d.Disposition != workflow.DispositionRateLimit {
		t.Fatalf("expected rate_limit, got %v", d.Disposition)
	}
	if d.Mitigation["maxPerMin"] != 3 {
		t.Fatalf("expected strictest cap 3, got %v", d.Mitigation["maxPerMin"])
	}
}

func TestBlastRadiusCriticalForcesDeny(t *testing.T) {
	e := New(nil, DeterministicScorer{})
	d := e.Evaluate(workflow.Draft{SafetyClass: "destructive", Environment: "prod"})
	if d.Disposition != workflow.DispositionDeny {
		t.Fatalf("expected blast-radius-forced deny, got %v", d.Disposition)
	}
}

func TestAllPredicatesRunForAudit(t *testing.T) {
	calls := 0
	rules := []workflow.RestraintRule{
		{ID: "r1", Predicate: func(workflow.Draft) bool { calls++; return true }, Action: workflow.DispositionMonitor},
		{ID: "r2", Predicate: func(workflow.Draft) bool { calls++; return false }, Action: workflow.DispositionDeny},
	}
	e := New(rules, stubScorer{Assessment{Level: LevelLow, Decision: DecisionAllow}})
	e.Evaluate(workflow.Draft{})
	if calls != 2 {
		t.Fatalf("expected every predicate to run, got %d calls", calls)
	}
}

func TestPanickingPredicateTreatedAsNonMatching(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "boom", Predicate: func(workflow.Draft) bool { panic("predicate exploded") }, Action: workflow.DispositionDeny, Reason: "should never apply"},
		{ID: "after", Predicate: alwaysTrue, Action: workflow.DispositionMonitor},
	}
	e := New(rules, stubScorer{Assessment{Level: LevelLow, Decision: DecisionAllow}})
	d := e.Evaluate(workflow.Draft{Tool: "sqlmap"})

	if d.Disposition != workflow.DispositionAllow {
		t.Fatalf("expected a panicking deny rule to be treated as non-matching, got %v", d.Disposition)
	}
	if len(d.PredicateErrors) != 1 || d.PredicateErrors[0].RuleID != "boom" {
		t.Fatalf("expected one predicate error for rule 'boom', got %+v", d.PredicateErrors)
	}
	found := false
	for _, id := range d.Matched {
		if id == "after" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the rule after the panicking one to still run")
	}
}

type stubScorer struct{ a Assessment }

func (s stubScorer) Assess(Input) Assessment { return s.a }
