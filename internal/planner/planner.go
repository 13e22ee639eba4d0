// Package planner implements the Planner Client (C6): a contract
// against an external reasoning service with plan/adapt operations,
// falling back to a keyword-matching recommender on timeout or
// malformed response, and topping up a response that falls short of
// the phase's floor count from that same recommender. The backend is
// not called a second time with a critique prompt.
package planner

import (
	"context"
	"errors"

	"github.com/carterpry/restraint/internal/workflow"
)

// ErrPlannerUnavailable is returned when the reasoning service cannot
// be reached within the call timeout.
var ErrPlannerUnavailable = errors.New("planner: service unavailable")

// ErrPlannerMalformed is returned when the reasoning service responds
// but the payload doesn't satisfy the contract.
var ErrPlannerMalformed = errors.New("planner: malformed response")

// PlanRequest is the request contract sent to the reasoning service.
type PlanRequest struct {
	WorkflowID      string
	Target          string
	UserIntent      string
	Phase           workflow.PhaseName
	PriorFindings   []workflow.Finding
	CompletedTools  []string
	AvailableTools  []string
	Constraints     workflow.Constraints
}

// AdaptRequest extends a PlanRequest with the tool result that just landed.
type AdaptRequest struct {
	PlanRequest
	LatestTool   string
	LatestResult workflow.Invocation
}

// PlanResponse is the response contract returned by the reasoning service.
type PlanResponse struct {
	Reasoning              string
	Recommendations        []workflow.Recommendation
	ConfidenceLevel        float64
	EstimatedDuration       string
	SafetyConsiderations   []string
	NextPhaseConditions    []string

	// UsedFallback reports whether this response came from the local
	// keyword recommender rather than the reasoning service — set on
	// PlannerUnavailable/PlannerMalformed so the caller can surface the
	// fallback activation as an error event rather than silently
	// swallowing it.
	UsedFallback   bool
	FallbackReason string
}

// Backend is satisfied by each reasoning-service transport (HTTP, MCP).
type Backend interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResponse, error)
	Adapt(ctx context.Context, req AdaptRequest) (PlanResponse, error)
}

// floorCounts gives the minimum recommendation count expected per
// phase; below this, Client appends fallback-recommender entries for
// tools the response does not already name. No critique retry is made.
var floorCounts = map[workflow.PhaseName]int{
	workflow.PhaseRecon:   5,
	workflow.PhaseAnalyze: 2,
	workflow.PhaseExploit: 1,
}

// Client wraps a Backend with fallback and floor enforcement. It puts
// no limit of its own on concurrent outbound calls.
type Client struct {
	backend  Backend
	fallback *FallbackRecommender
	inflight chan struct{} // not created or used by any Client method
}

// New constructs a Client against the given primary backend.
func New(backend Backend) *Client {
	return &Client{backend: backend, fallback: NewFallbackRecommender()}
}

// Plan calls the backend, falling back and enforcing the floor count.
// A backend failure or malformed payload never surfaces as an error
// return — spec.md §7 recovers both locally — but the response is
// flagged with UsedFallback so the caller can still emit the
// warning-severity error event the spec requires.
func (c *Client) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	resp, err := c.backend.Plan(ctx, req)
	switch {
	case err != nil:
		resp = c.fallback.Recommend(req)
		resp.UsedFallback, resp.FallbackReason = true, err.Error()
	case !validResponse(resp):
		resp = c.fallback.Recommend(req)
		resp.UsedFallback, resp.FallbackReason = true, ErrPlannerMalformed.Error()
	}
	return c.enforceFloor(ctx, req, resp), nil
}

// Adapt calls the backend's adapt operation with the same fallback
// and floor-enforcement behavior as Plan.
func (c *Client) Adapt(ctx context.Context, req AdaptRequest) (PlanResponse, error) {
	resp, err := c.backend.Adapt(ctx, req)
	switch {
	case err != nil:
		resp = c.fallback.Recommend(req.PlanRequest)
		resp.UsedFallback, resp.FallbackReason = true, err.Error()
	case !validResponse(resp):
		resp = c.fallback.Recommend(req.PlanRequest)
		resp.UsedFallback, resp.FallbackReason = true, ErrPlannerMalformed.Error()
	}
	return c.enforceFloor(ctx, req.PlanRequest, resp), nil
}

func validResponse(resp PlanResponse) bool {
	if resp.Recommendations == nil {
		return false
	}
	for _, r := range resp.Recommendations {
		if r.Tool == "" {
			return false
		}
	}
	return true
}

// enforceFloor synthesizes additional fallback recommendations when
// the response falls short of the phase's floor count: it appends
// fallback entries whose tool is not yet in the response, one per
// tool, until the floor is reached or the fallback list is exhausted.
// The backend is not re-invoked.
func (c *Client) enforceFloor(ctx context.Context, req PlanRequest, resp PlanResponse) PlanResponse {
	floor := floorCounts[req.Phase]
	if len(resp.Recommendations) >= floor {
		return resp
	}
	extra := c.fallback.Recommend(req)
	seen := map[string]bool{}
	for _, r := range resp.Recommendations {
		seen[r.Tool] = true
	}
	for _, r := range extra.Recommendations {
		if len(resp.Recommendations) >= floor {
			break
		}
		if seen[r.Tool] {
			continue
		}
		resp.Recommendations = append(resp.Recommendations, r)
		seen[r.Tool] = true
	}
	return resp
}
