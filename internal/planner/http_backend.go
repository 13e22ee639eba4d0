package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/carterpry/restraint/internal/workflow"
)

// callTimeout bounds how long a single reasoning-service call may run.
const callTimeout = 60 * time.Second

// HTTPBackend talks to an external reasoning service over HTTP/JSON: a
// raw net/http POST with bearer auth and a hand-rolled request/response
// shape, no client SDK.
type HTTPBackend struct {
	BaseURL string
	APIKey  string
	client  *http.Client
}

// NewHTTPBackend constructs a reasoning-service client.
func NewHTTPBackend(baseURL, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		BaseURL: baseURL,
		APIKey:  apiKey,
		client:  &http.Client{Timeout: callTimeout},
	}
}

type wireRequest struct {
	WorkflowID     string   `json:"workflowId"`
	Target         string   `json:"target"`
	UserIntent     string   `json:"userIntent"`
	Phase          string   `json:"phase"`
	PriorFindings  []string `json:"priorFindings"`
	CompletedTools []string `json:"completedTools"`
	AvailableTools []string `json:"availableTools"`
	Constraints    map[string]any `json:"constraints"`
	LatestTool     string   `json:"latestTool,omitempty"`
}

type wireResponse struct {
	Reasoning            string                    `json:"reasoning"`
	Recommendations      []wireRecommendation      `json:"recommendations"`
	ConfidenceLevel      float64                   `json:"confidenceLevel"`
	EstimatedDuration    string                    `json:"estimatedDuration"`
	SafetyConsiderations []string                  `json:"safetyConsiderations"`
	NextPhaseConditions  []string                  `json:"nextPhaseConditions,omitempty"`
}

type wireRecommendation struct {
	Tool            string            `json:"tool"`
	Purpose         string            `json:"purpose"`
	ExpectedOutcome string            `json:"expectedOutcome"`
	Params          map[string]string `json:"params"`
	SafetyChecks    []string          `json:"safetyChecks"`
	Priority        string            `json:"priority"`
	OWASPHint       string            `json:"owaspHint"`
}

func (b *HTTPBackend) call(ctx context.Context, path string, wreq wireRequest) (PlanResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	body, err := json.Marshal(wreq)
	if err != nil {
		return PlanResponse{}, fmt.Errorf("%w: encode request: %v", ErrPlannerMalformed, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return PlanResponse{}, fmt.Errorf("%w: %v", ErrPlannerUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return PlanResponse{}, fmt.Errorf("%w: %v", ErrPlannerUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PlanResponse{}, fmt.Errorf("%w: status %d", ErrPlannerUnavailable, resp.StatusCode)
	}

	var wresp wireResponse
	if err := json.NewDecoder(resp.Body).Decode(&wresp); err != nil {
		return PlanResponse{}, fmt.Errorf("%w: %v", ErrPlannerMalformed, err)
	}

	recs := make([]workflow.Recommendation, 0, len(wresp.Recommendations))
	for _, r := range wresp.Recommendations {
		if r.Tool == "" {
			return PlanResponse{}, fmt.Errorf("%w: recommendation missing tool", ErrPlannerMalformed)
		}
		recs = append(recs, workflow.Recommendation{
			Tool:            r.Tool,
			Purpose:         r.Purpose,
			ExpectedOutcome: r.ExpectedOutcome,
			Params:          r.Params,
			SafetyChecks:    r.SafetyChecks,
			Priority:        r.Priority,
			OWASPHint:       r.OWASPHint,
		})
	}

	return PlanResponse{
		Reasoning:            wresp.Reasoning,
		Recommendations:      recs,
		ConfidenceLevel:      wresp.ConfidenceLevel,
		EstimatedDuration:    wresp.EstimatedDuration,
		SafetyConsiderations: wresp.SafetyConsiderations,
		NextPhaseConditions:  wresp.NextPhaseConditions,
	}, nil
}

// Plan implements Backend.
func (b *HTTPBackend) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	return b.call(ctx, "/v1/plan", toWireRequest(req, ""))
}

// Adapt implements Backend.
func (b *HTTPBackend) Adapt(ctx context.Context, req AdaptRequest) (PlanResponse, error) {
	return b.call(ctx, "/v1/adapt", toWireRequest(req.PlanRequest, req.LatestTool))
}

func toWireRequest(req PlanRequest, latestTool string) wireRequest {
	findings := make([]string, 0, len(req.PriorFindings))
	for _, f := range req.PriorFindings {
		findings = append(findings, f.Title)
	}
	return wireRequest{
		WorkflowID:     req.WorkflowID,
		Target:         req.Target,
		UserIntent:     req.UserIntent,
		Phase:          string(req.Phase),
		PriorFindings:  findings,
		CompletedTools: req.CompletedTools,
		AvailableTools: req.AvailableTools,
		Constraints: map[string]any{
			"allowedHosts":    req.Constraints.AllowedHosts,
			"excludedHosts":   req.Constraints.ExcludedHosts,
			"rateLimitPerMin": req.Constraints.RateLimitPerMin,
		},
		LatestTool: latestTool,
	}
}
