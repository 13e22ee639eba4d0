package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/carterpry/restraint/internal/workflow"
)

// MCPBackend treats the reasoning service as an MCP tool host exposing
// a "plan" and "adapt" tool pair — an alternate transport to HTTPBackend
// for deployments that already run their LLM-facing services behind
// MCP, grounded on internal/mcp's StreamableClientTransport + CallTool
// usage.
type MCPBackend struct {
	endpoint string
	client   *mcpsdk.Client
	session  *mcpsdk.ClientSession
}

// NewMCPBackend connects to an MCP server exposing plan/adapt tools.
func NewMCPBackend(ctx context.Context, endpoint string) (*MCPBackend, error) {
	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    "restraint-orchestrator",
		Version: "0.1.0",
	}, nil)

	transport := &mcpsdk.StreamableClientTransport{
		Endpoint:             endpoint,
		HTTPClient:           &http.Client{Timeout: callTimeout},
		DisableStandaloneSSE: true,
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: connect MCP planner at %s: %v", ErrPlannerUnavailable, endpoint, err)
	}

	return &MCPBackend{endpoint: endpoint, client: client, session: session}, nil
}

func (b *MCPBackend) callTool(ctx context.Context, name string, args map[string]any) (PlanResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	result, err := b.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return PlanResponse{}, fmt.Errorf("%w: %v", ErrPlannerUnavailable, err)
	}
	if result.IsError {
		return PlanResponse{}, fmt.Errorf("%w: planner tool returned an error", ErrPlannerMalformed)
	}

	text := extractText(result)
	var wresp wireResponse
	if err := json.Unmarshal([]byte(text), &wresp); err != nil {
		return PlanResponse{}, fmt.Errorf("%w: decode planner tool result: %v", ErrPlannerMalformed, err)
	}

	recs := make([]workflow.Recommendation, 0, len(wresp.Recommendations))
	for _, r := range wresp.Recommendations {
		if r.Tool == "" {
			return PlanResponse{}, fmt.Errorf("%w: recommendation missing tool", ErrPlannerMalformed)
		}
		recs = append(recs, workflow.Recommendation{
			Tool: r.Tool, Purpose: r.Purpose, ExpectedOutcome: r.ExpectedOutcome,
			Params: r.Params, SafetyChecks: r.SafetyChecks, Priority: r.Priority, OWASPHint: r.OWASPHint,
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

func extractText(result *mcpsdk.CallToolResult) string {
	if result == nil {
		return ""
	}
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Plan implements Backend via the MCP "plan" tool.
func (b *MCPBackend) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	return b.callTool(ctx, "plan", planArgs(req))
}

// Adapt implements Backend via the MCP "adapt" tool.
func (b *MCPBackend) Adapt(ctx context.Context, req AdaptRequest) (PlanResponse, error) {
	args := planArgs(req.PlanRequest)
	args["latestTool"] = req.LatestTool
	return b.callTool(ctx, "adapt", args)
}

func planArgs(req PlanRequest) map[string]any {
	findings := make([]string, 0, len(req.PriorFindings))
	for _, f := range req.PriorFindings {
		findings = append(findings, f.Title)
	}
	return map[string]any{
		"workflowId":     req.WorkflowID,
		"target":         req.Target,
		"userIntent":     req.UserIntent,
		"phase":          string(req.Phase),
		"priorFindings":  findings,
		"completedTools": req.CompletedTools,
		"availableTools": req.AvailableTools,
	}
}
