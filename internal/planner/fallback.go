package planner

import (
	"strings"

	"github.com/carterpry/restraint/internal/workflow"
)

// FallbackRecommender produces the baseline enumeration-tool plan when
// the reasoning service is unavailable or malformed, keyed off simple
// keyword matching against the user intent: a flat list of string
// checks, no ML, no external call.
type FallbackRecommender struct {
	keywordTools map[string][]string
}

// NewFallbackRecommender builds the default keyword table.
func NewFallbackRecommender() *FallbackRecommender {
	return &FallbackRecommender{
		keywordTools: map[string][]string{
			"sql":        {"sql-injection"},
			"injection":  {"sql-injection"},
			"xss":        {"xss-scanner"},
			"script":     {"xss-scanner"},
			"ssl":        {"ssl-checker"},
			"tls":        {"ssl-checker"},
			"cert":       {"ssl-checker"},
			"password":   {"auth-bypass"},
			"credential": {"auth-bypass"},
			"login":      {"auth-bypass"},
			"auth":       {"auth-bypass"},
			"jwt":        {"jwt-analyzer"},
			"token":      {"jwt-analyzer"},
			"api":        {"api-discovery", "api-fuzzer"},
			"header":     {"header-analyzer"},
		},
	}
}

// recon is the fixed baseline every workflow starts from, regardless
// of user intent: a minimal exhaustive enumeration set of subdomain,
// port, directory, and tech-fingerprint tools.
func recon() []workflow.Recommendation {
	return []workflow.Recommendation{
		{Tool: "subdomain-scanner", Purpose: "enumerate subdomains", Priority: "high",
			Params: map[string]string{"target": "{{workflow.target}}"}},
		{Tool: "port-scanner", Purpose: "port and service enumeration", Priority: "high",
			Params: map[string]string{"target": "{{workflow.target}}"}},
		{Tool: "directory-scanner", Purpose: "enumerate exposed paths", Priority: "medium",
			Params: map[string]string{"target": "{{workflow.target}}"}},
		{Tool: "tech-fingerprint", Purpose: "technology fingerprinting", Priority: "medium",
			Params: map[string]string{"target": "{{workflow.target}}"}},
	}
}

// Recommend returns the baseline plan, augmented with any tool whose
// keyword appears in the user intent.
func (f *FallbackRecommender) Recommend(req PlanRequest) PlanResponse {
	recs := recon()
	lower := strings.ToLower(req.UserIntent)
	seen := map[string]bool{}
	for _, r := range recs {
		seen[r.Tool] = true
	}

	for kw, tools := range f.keywordTools {
		if !strings.Contains(lower, kw) {
			continue
		}
		for _, tool := range tools {
			if seen[tool] {
				continue
			}
			recs = append(recs, workflow.Recommendation{
				Tool:     tool,
				Purpose:  "keyword match on user intent: " + kw,
				Priority: "medium",
				Params:   map[string]string{"target": "{{workflow.target}}"},
			})
			seen[tool] = true
		}
	}

	return PlanResponse{
		Reasoning:       "planner unavailable; using keyword-matched baseline recommendations",
		Recommendations: recs,
		ConfidenceLevel: 0.4,
	}
}
