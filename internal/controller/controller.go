// Package controller implements the Workflow Controller (C8): the
// top-level entry point that owns the workflow registry and wires one
// eventbus, catalog, planner client, and execution engine across every
// workflow while keeping each workflow's restraint evaluator, approval
// queue, and substitution store strictly private to that workflow.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/carterpry/restraint/internal/approval"
	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/eventbus"
	"github.com/carterpry/restraint/internal/execution"
	"github.com/carterpry/restraint/internal/persistence"
	"github.com/carterpry/restraint/internal/phase"
	"github.com/carterpry/restraint/internal/planner"
	"github.com/carterpry/restraint/internal/restraint"
	"github.com/carterpry/restraint/internal/sandbox"
	"github.com/carterpry/restraint/internal/substitution"
	"github.com/carterpry/restraint/internal/workflow"
)

// StartRequest is the public contract for launching a new workflow.
type StartRequest struct {
	Target      string
	UserIntent  string
	Constraints workflow.Constraints
	Credentials workflow.Credentials
}

// WorkflowView is the read-only projection of a Workflow returned from
// Status — it never carries Credentials.
type WorkflowView struct {
	ID           string
	Target       string
	Status       workflow.Status
	CreatedAt    time.Time
	UpdatedAt    time.Time
	PhaseHistory []workflow.Phase
}

type entry struct {
	wf        *workflow.Workflow
	evaluator *restraint.Evaluator
	approvals *approval.Queue
	results   *substitution.Store
	cancel    chan struct{}
}

// Controller owns every live workflow. It is safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	workflows map[string]*entry

	bus     *eventbus.Bus
	catalog *catalog.Catalog
	planner *planner.Client
	engine  *execution.Engine
	store   *persistence.Store

	approvalTTL time.Duration
}

// SetStore attaches a durable persistence sink (C10). Once set, every
// subsequently started workflow mirrors its restraint decisions,
// approval requests, and phase/terminal snapshots into it. Workflows
// already running when SetStore is called are not retroactively
// mirrored — call this before the first StartWorkflow.
func (c *Controller) SetStore(s *persistence.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store = s
}

// New constructs a Controller. runner executes containers; backend is
// the reasoning-service transport the Planner Client wraps; width
// bounds the shared Execution Engine's worker pool.
func New(cat *catalog.Catalog, runner *sandbox.Runner, backend planner.Backend, width int, approvalTTL time.Duration) *Controller {
	c := &Controller{
		workflows:   make(map[string]*entry),
		bus:         eventbus.New(),
		catalog:     cat,
		planner:     planner.New(backend),
		approvalTTL: approvalTTL,
	}
	c.engine = execution.New(width, cat, runner, c.evaluatorFor, c.bus, c.resultsFor)
	return c
}

// evaluatorFor is the Execution Engine's evalFor callback: every
// invocation is re-evaluated against the same per-workflow Evaluator
// instance the Phase Executor already consulted, so a cached approval
// from the Phase Executor's pre-check is honored here too.
func (c *Controller) evaluatorFor(workflowID string) *restraint.Evaluator {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.workflows[workflowID]
	if !ok {
		return restraint.New(restraint.DefaultRules(), restraint.DeterministicScorer{})
	}
	return e.evaluator
}

func (c *Controller) resultsFor(workflowID string) substitution.ResultStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.workflows[workflowID]
	if !ok {
		return substitution.NewStore("")
	}
	return e.results
}

// StartWorkflow registers a new workflow, starts its Phase Executor in
// a background goroutine, and returns its ID immediately — the caller
// observes progress via Subscribe.
func (c *Controller) StartWorkflow(req StartRequest) (string, error) {
	if req.Target == "" {
		return "", fmt.Errorf("controller: target is required")
	}

	now := time.Now().UTC()
	wf := &workflow.Workflow{
		ID:          uuid.NewString(),
		Target:      req.Target,
		UserIntent:  req.UserIntent,
		Constraints: req.Constraints,
		Credentials: req.Credentials,
		Status:      workflow.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	en := &entry{
		wf:        wf,
		evaluator: restraint.New(restraint.DefaultRules(), restraint.DeterministicScorer{}),
		approvals: approval.NewQueue(c.approvalTTL),
		results:   substitution.NewStore(req.Target),
		cancel:    make(chan struct{}),
	}

	c.mu.Lock()
	c.workflows[wf.ID] = en
	c.mu.Unlock()

	en.approvals.StartReaper(time.Minute, en.cancel)

	executor := phase.New(phase.Deps{
		Bus:       c.bus,
		Planner:   c.planner,
		Runner:    c.engine,
		Catalog:   c.catalog,
		Evaluator: en.evaluator,
		Approvals: en.approvals,
		Results:   en.results,
	})

	go executor.Run(context.Background(), wf, en.cancel)

	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store != nil {
		wf.Mu.Lock()
		saveErr := store.SaveWorkflow(context.Background(), wf)
		wf.Mu.Unlock()
		if saveErr != nil {
			c.bus.Publish(wf.ID, workflow.EventError, map[string]any{
				"class": string(workflow.ErrorClassExecution), "severity": "warning",
				"message": fmt.Sprintf("persistence: save workflow: %v", saveErr),
			})
		}
		go c.mirror(store, en)
	}

	return wf.ID, nil
}

// mirror subscribes to a workflow's own event stream and writes a
// durable copy through store: every restraint decision as an
// append-only audit row, every approval request as it is filed and
// resolved, and a workflow snapshot at each phase boundary and at the
// terminal event. A write failure is surfaced as a warning error
// event on the same bus rather than retried — persistence is a mirror
// of the in-memory run, never a gate on it.
func (c *Controller) mirror(store *persistence.Store, en *entry) {
	ctx := context.Background()
	events := c.bus.Subscribe(en.wf.ID, "persistence")
	defer c.bus.Unsubscribe(en.wf.ID, "persistence")

	for e := range events {
		switch e.Kind {
		case workflow.EventRestraintDecision:
			c.mirrorDecision(ctx, store, en.wf.ID, e.Payload)
		case workflow.EventApprovalRequested:
			c.mirrorApproval(ctx, store, en, e.Payload["id"], approval.DecisionPending, "")
		case workflow.EventApprovalResolved:
			decision, _ := e.Payload["decision"].(string)
			c.mirrorApproval(ctx, store, en, e.Payload["id"], approval.Decision(decision), "")
		case workflow.EventPhaseComplete, workflow.EventPlannerStrategy:
			c.mirrorSnapshot(ctx, store, en)
		}
		if e.Kind.IsTerminal() {
			c.mirrorSnapshot(ctx, store, en)
			return
		}
	}
}

func (c *Controller) mirrorSnapshot(ctx context.Context, store *persistence.Store, en *entry) {
	en.wf.Mu.Lock()
	err := store.SaveWorkflow(ctx, en.wf)
	en.wf.Mu.Unlock()
	c.mirrorErr(en.wf.ID, "save workflow snapshot", err)
}

func (c *Controller) mirrorDecision(ctx context.Context, store *persistence.Store, workflowID string, payload map[string]any) {
	tool, _ := payload["tool"].(string)
	target, _ := payload["target"].(string)
	disposition, _ := payload["disposition"].(string)
	reason, _ := payload["reason"].(string)
	matched, _ := payload["matched"].([]string)

	dec := restraint.Decision{Disposition: workflow.Disposition(disposition), Matched: matched, Reason: reason}
	err := store.RecordDecision(ctx, uuid.NewString(), workflowID, tool, target, dec)
	c.mirrorErr(workflowID, "record decision", err)
}

// mirrorApproval upserts one approval request's current row. decidedBy
// is not threaded through the event payload today, so the mirrored row
// carries the decision and timestamp only — still enough to rehydrate
// PendingApprovals after a restart.
func (c *Controller) mirrorApproval(ctx context.Context, store *persistence.Store, en *entry, rawID any, decision approval.Decision, decidedBy string) {
	id, _ := rawID.(string)
	req, ok := en.approvals.Get(id)
	if !ok {
		return
	}
	out := approval.Outcome{Decision: decision, DecidedBy: decidedBy}
	if decision != approval.DecisionPending {
		out.DecidedAt = time.Now().UTC()
	}
	err := store.SaveApproval(ctx, *req, out)
	c.mirrorErr(en.wf.ID, "save approval", err)
}

func (c *Controller) mirrorErr(workflowID, op string, err error) {
	if err == nil {
		return
	}
	c.bus.Publish(workflowID, workflow.EventError, map[string]any{
		"class": string(workflow.ErrorClassExecution), "severity": "warning",
		"message": fmt.Sprintf("persistence: %s: %v", op, err),
	})
}

// Subscribe returns the workflow's live event stream, replaying its
// ring buffer first (eventbus.Bus's own contract).
func (c *Controller) Subscribe(workflowID, subscriberID string) (<-chan workflow.Event, error) {
	if _, ok := c.lookup(workflowID); !ok {
		return nil, fmt.Errorf("controller: unknown workflow %q", workflowID)
	}
	return c.bus.Subscribe(workflowID, subscriberID), nil
}

// Unsubscribe releases a subscriber's channel.
func (c *Controller) Unsubscribe(workflowID, subscriberID string) {
	c.bus.Unsubscribe(workflowID, subscriberID)
}

// Cancel requests that the workflow stop at its next phase or
// invocation boundary. Idempotent: cancelling twice is a no-op.
func (c *Controller) Cancel(workflowID string) error {
	en, ok := c.lookup(workflowID)
	if !ok {
		return fmt.Errorf("controller: unknown workflow %q", workflowID)
	}
	en.wf.Mu.Lock()
	alreadyTerminal := en.wf.Status == workflow.StatusCompleted ||
		en.wf.Status == workflow.StatusFailed ||
		en.wf.Status == workflow.StatusCancelled
	en.wf.Mu.Unlock()
	if alreadyTerminal {
		return nil
	}

	select {
	case <-en.cancel:
		// already closed by a prior Cancel call
	default:
		close(en.cancel)
	}
	return nil
}

// Status returns a read-only snapshot of the workflow.
func (c *Controller) Status(workflowID string) (WorkflowView, error) {
	en, ok := c.lookup(workflowID)
	if !ok {
		return WorkflowView{}, fmt.Errorf("controller: unknown workflow %q", workflowID)
	}
	en.wf.Mu.Lock()
	defer en.wf.Mu.Unlock()
	return WorkflowView{
		ID:           en.wf.ID,
		Target:       en.wf.Target,
		Status:       en.wf.Status,
		CreatedAt:    en.wf.CreatedAt,
		UpdatedAt:    en.wf.UpdatedAt,
		PhaseHistory: append([]workflow.Phase(nil), en.wf.PhaseHistory...),
	}, nil
}

// ResolveApproval decides a pending approval request for workflowID —
// the public half of the approval sub-protocol's resolver side.
func (c *Controller) ResolveApproval(workflowID, approvalID string, approved bool, decidedBy, reason string) error {
	en, ok := c.lookup(workflowID)
	if !ok {
		return fmt.Errorf("controller: unknown workflow %q", workflowID)
	}
	_, err := en.approvals.Decide(approvalID, approved, decidedBy, reason)
	return err
}

// PendingApprovals lists the workflow's unresolved approval requests.
func (c *Controller) PendingApprovals(workflowID string) ([]*approval.Request, error) {
	en, ok := c.lookup(workflowID)
	if !ok {
		return nil, fmt.Errorf("controller: unknown workflow %q", workflowID)
	}
	return en.approvals.Pending(), nil
}

func (c *Controller) lookup(workflowID string) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	en, ok := c.workflows[workflowID]
	return en, ok
}
