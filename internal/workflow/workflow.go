// Package workflow defines the core data model shared by every
// orchestrator subsystem: workflows, phases, invocations, findings,
// recommendations, and restraint rules. Types here carry no behavior
// beyond small accessors — the subsystems that mutate them own the
// locking and transition rules.
package workflow

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a Workflow. Transitions are
// monotone except for the awaiting-approval <-> running oscillation
// that occurs each time an invocation waits on an approval.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// PhaseName enumerates the three-stage assessment pipeline.
type PhaseName string

const (
	PhaseRecon    PhaseName = "recon"
	PhaseAnalyze  PhaseName = "analyze"
	PhaseExploit  PhaseName = "exploit"
	PhaseComplete PhaseName = "complete"
)

// DefaultPhaseBudget returns the default wall-clock budget for a phase.
func DefaultPhaseBudget(p PhaseName) time.Duration {
	switch p {
	case PhaseRecon:
		return 15 * time.Minute
	case PhaseAnalyze:
		return 30 * time.Minute
	case PhaseExploit:
		return 45 * time.Minute
	default:
		return 0
	}
}

// Severity grades a Finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// InvocationOutcome is the terminal result of running a tool in a container.
type InvocationOutcome string

const (
	OutcomeSuccess InvocationOutcome = "success"
	OutcomeFailure InvocationOutcome = "failure"
	OutcomeTimeout InvocationOutcome = "timeout"
	OutcomeSkipped InvocationOutcome = "skipped"
)

// Disposition is the decision a Restraint Rule (or the composition of
// several) reaches for a candidate invocation.
type Disposition string

const (
	DispositionAllow           Disposition = "allow"
	DispositionDeny            Disposition = "deny"
	DispositionRateLimit       Disposition = "rate_limit"
	DispositionLimitScope      Disposition = "limit_scope"
	DispositionRequireApproval Disposition = "require_approval"
	DispositionMonitor         Disposition = "monitor"
)

// Credentials carries operator-supplied secrets scoped to one workflow.
// Never logged or placed in an Event payload.
type Credentials map[string]string

// Environment tags the deployment tier a workflow's target lives in;
// the restraint evaluator and blast-radius scorer use it to tighten
// dispositions against production targets.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Constraints narrows what the workflow is permitted to touch.
type Constraints struct {
	AllowedHosts    []string      `json:"allowedHosts,omitempty"`
	ExcludedHosts   []string      `json:"excludedHosts,omitempty"`
	Environment     Environment   `json:"environment,omitempty"`
	MaxDuration     time.Duration `json:"maxDuration,omitempty"`
	RateLimitPerMin int           `json:"rateLimitPerMin,omitempty"`
	ExcludeTools    []string      `json:"excludeTools,omitempty"`
}

// Finding is a single discovered fact or vulnerability.
type Finding struct {
	Type               string            `json:"type"`
	Severity           Severity          `json:"severity"`
	Confidence         float64           `json:"confidence"`
	Title              string            `json:"title"`
	Description        string            `json:"description"`
	AffectedComponent  string            `json:"affectedComponent"`
	Evidence           map[string]string `json:"evidence,omitempty"`
	OWASPCategory      string            `json:"owaspCategory,omitempty"`
	OWASPControls      []string          `json:"owaspControls,omitempty"`
	Target             string            `json:"target"`
	DiscoveredAt       time.Time         `json:"discoveredAt"`
}

// Recommendation is a planner-suggested next action.
type Recommendation struct {
	Tool             string            `json:"tool"`
	Purpose          string            `json:"purpose"`
	ExpectedOutcome  string            `json:"expectedOutcome"`
	Params           map[string]string `json:"params"`
	SafetyChecks     []string          `json:"safetyChecks,omitempty"`
	Priority         string            `json:"priority"` // critical|high|medium|low
	OWASPHint        string            `json:"owaspHint,omitempty"`
}

// RestraintRule is one entry in the ordered Restraint Evaluator rule list.
type RestraintRule struct {
	ID         string
	Predicate  func(Draft) bool
	Action     Disposition
	Mitigation map[string]any
	Severity   Severity
	Reason     string
}

// Draft is the candidate invocation handed to the Restraint Evaluator
// before a container is ever started.
type Draft struct {
	WorkflowID   string
	Phase        PhaseName
	Tool         string
	Target       string
	SafetyClass  string
	OWASPCat     string
	Environment  string
	Params       map[string]string
}

// Invocation records one tool execution attempt.
type Invocation struct {
	ID             string            `json:"id"`
	Tool           string            `json:"tool"`
	ResolvedParams map[string]string `json:"resolvedParams"`
	Disposition    Disposition       `json:"disposition"`
	Outcome        InvocationOutcome `json:"outcome"`
	StartedAt      time.Time         `json:"startedAt"`
	FinishedAt     time.Time         `json:"finishedAt"`
	Stdout         string            `json:"stdout"`
	Stderr         string            `json:"stderr"`
	Findings       []Finding         `json:"findings,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Invariant: a denied invocation is always recorded with OutcomeSkipped.
func (inv *Invocation) MarkDenied(reason string) {
	inv.Disposition = DispositionDeny
	inv.Outcome = OutcomeSkipped
	inv.Error = reason
	inv.FinishedAt = time.Now().UTC()
}

// AdvanceDecision records why a phase did or didn't advance.
type AdvanceDecision struct {
	Advanced bool
	Reason   string
}

// Phase is one stage of the recon/analyze/exploit pipeline.
type Phase struct {
	Name        PhaseName         `json:"name"`
	StartedAt   time.Time         `json:"startedAt"`
	FinishedAt  time.Time         `json:"finishedAt"`
	Invocations []Invocation      `json:"invocations"`
	Findings    []Finding         `json:"findingsSummary"`
	Advance     AdvanceDecision   `json:"advance"`
}

// Workflow is the top-level aggregate. Every field mutation must hold
// Mu — the controller never takes a package-wide lock, only the
// workflow's own.
type Workflow struct {
	Mu sync.Mutex `json:"-"`

	ID          string      `json:"id"`
	Target      string      `json:"target"`
	UserIntent  string      `json:"userIntent"`
	Constraints Constraints `json:"constraints"`
	Credentials Credentials `json:"-"`

	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	PhaseHistory []Phase   `json:"phaseHistory"`
	NextSeq      uint64    `json:"-"`

	ResultDigest string `json:"resultDigest,omitempty"`
}

// CurrentPhase returns a pointer to the in-progress phase, or nil.
func (w *Workflow) CurrentPhase() *Phase {
	if len(w.PhaseHistory) == 0 {
		return nil
	}
	last := &w.PhaseHistory[len(w.PhaseHistory)-1]
	if last.FinishedAt.IsZero() {
		return last
	}
	return nil
}

// legalTransitions enumerates the monotone status graph plus the one
// permitted oscillation (awaiting-approval <-> running).
var legalTransitions = map[Status][]Status{
	StatusPending:          {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusCancelled, StatusFailed},
	StatusCompleted:        {},
	StatusFailed:           {},
	StatusCancelled:        {},
}

// Transition moves the workflow to next, rejecting illegal transitions.
// Callers must hold Mu.
func (w *Workflow) Transition(next Status) bool {
	for _, allowed := range legalTransitions[w.Status] {
		if allowed == next {
			w.Status = next
			w.UpdatedAt = time.Now().UTC()
			return true
		}
	}
	return false
}
