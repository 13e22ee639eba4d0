package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/carterpry/restraint/internal/workflow"
)

type stubBackend struct {
	resp PlanResponse
	err  error
}

func (s stubBackend) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	return s.resp, s.err
}
func (s stubBackend) Adapt(ctx context.Context, req AdaptRequest) (PlanResponse, error) {
	return s.resp, s.err
}

func TestPlanFallsBackOnBackendError(t *testing.T) {
	c := New(stubBackend{err: errors.New("boom")})
	resp, err := c.Plan(context.Background(), PlanRequest{Phase: workflow.PhaseRecon, UserIntent: "check for sql injection"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ConfidenceLevel != 0.4 {
		t.Fatalf("expected fallback response, got %+v", resp)
	}
	found := false
	for _, r := range resp.Recommendations {
		if r.Tool == "sql-injection" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected sql-injection recommended from keyword match")
	}
	if !resp.UsedFallback || resp.FallbackReason == "" {
		t.Fatalf("expected UsedFallback set with a reason, got %+v", resp)
	}
}

func TestPlanFallsBackOnMalformedResponse(t *testing.T) {
	c := New(stubBackend{resp: PlanResponse{Recommendations: []workflow.Recommendation{{Tool: ""}}}})
	resp, err := c.Plan(context.Background(), PlanRequest{Phase: workflow.PhaseRecon})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ConfidenceLevel != 0.4 {
		t.Fatalf("expected fallback triggered by malformed response, got %+v", resp)
	}
	if !resp.UsedFallback {
		t.Fatal("expected UsedFallback set on malformed response")
	}
}

func TestEnforceFloorSynthesizesShortfall(t *testing.T) {
	c := New(stubBackend{resp: PlanResponse{
		Recommendations: []workflow.Recommendation{{Tool: "port-scanner"}},
	}})
	resp, err := c.Plan(context.Background(), PlanRequest{Phase: workflow.PhaseRecon})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Recommendations) < floorCounts[workflow.PhaseRecon] {
		t.Fatalf("expected floor of %d, got %d", floorCounts[workflow.PhaseRecon], len(resp.Recommendations))
	}
}

func TestValidResponseAboveFloorIsUntouched(t *testing.T) {
	want := []workflow.Recommendation{{Tool: "port-scanner"}, {Tool: "directory-scanner"}, {Tool: "tech-fingerprint"}}
	c := New(stubBackend{resp: PlanResponse{Recommendations: want}})
	resp, err := c.Plan(context.Background(), PlanRequest{Phase: workflow.PhaseAnalyze})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Recommendations) != len(want) {
		t.Fatalf("expected unchanged recommendations, got %d", len(resp.Recommendations))
	}
	if resp.UsedFallback {
		t.Fatal("a valid, above-floor backend response must not be flagged as fallback")
	}
}
