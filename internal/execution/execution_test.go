package execution

import (
	"context"
	"testing"

	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/eventbus"
	"github.com/carterpry/restraint/internal/restraint"
	"github.com/carterpry/restraint/internal/substitution"
	"github.com/carterpry/restraint/internal/workflow"
)

type emptyStore struct{}

func (emptyStore) Lookup(tool, property string) (string, bool) { return "", false }

func emptyResults(string) substitution.ResultStore { return emptyStore{} }

func TestSubmitDeniedInvocationIsSkipped(t *testing.T) {
	rules := []workflow.RestraintRule{
		{ID: "deny-all", Predicate: func(workflow.Draft) bool { return true }, Action: workflow.DispositionDeny, Reason: "blocked for test"},
	}
	cat := catalog.New()
	bus := eventbus.New()
	eval := restraint.New(rules, restraint.DeterministicScorer{})
	e := New(1, cat, nil, func(string) *restraint.Evaluator { return eval }, bus, emptyResults)

	wf := &workflow.Workflow{ID: "wf-1"}
	invs, err := e.Submit(context.Background(), Request{
		Workflow: wf,
		Recomm:   workflow.Recommendation{Tool: "nmap", Params: map[string]string{"target": "10.0.0.1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(invs) != 1 {
		t.Fatalf("expected 1 invocation, got %d", len(invs))
	}
	if invs[0].Disposition != workflow.DispositionDeny || invs[0].Outcome != workflow.OutcomeSkipped {
		t.Fatalf("expected denied+skipped, got %+v", invs[0])
	}
}

func TestSubmitUnknownToolIsSkipped(t *testing.T) {
	cat := catalog.New()
	bus := eventbus.New()
	eval := restraint.New(nil, restraint.DeterministicScorer{})
	e := New(1, cat, nil, func(string) *restraint.Evaluator { return eval }, bus, emptyResults)

	wf := &workflow.Workflow{ID: "wf-1"}
	invs, err := e.Submit(context.Background(), Request{
		Workflow: wf,
		Recomm:   workflow.Recommendation{Tool: "not-a-real-tool", Params: map[string]string{"target": "x"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if invs[0].Outcome != workflow.OutcomeSkipped {
		t.Fatalf("expected skipped, got %+v", invs[0])
	}
}

func TestSplitTargetsFansOutPerElement(t *testing.T) {
	got := splitTargets("a.com,b.com, c.com")
	if len(got) != 3 {
		t.Fatalf("expected 3 targets, got %v", got)
	}
}

func TestSplitTargetsEmpty(t *testing.T) {
	if got := splitTargets(""); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
