package controller

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/carterpry/restraint/internal/catalog"
	"github.com/carterpry/restraint/internal/planner"
	"github.com/carterpry/restraint/internal/sandbox"
	"github.com/carterpry/restraint/internal/workflow"
)

// fakeClient is sandbox_test.go's fake docker client, reimplemented
// here since it isn't exported across packages. Every invocation in a
// test run shares one of these, so its exit code, logs, and optional
// wait delay apply to every container the test dispatches.
type fakeClient struct {
	exitCode  int
	waitDelay time.Duration
	logs      string
}

func (f *fakeClient) ImageInspect(ctx context.Context, id string, opts ...client.ImageInspectOption) (image.InspectResponse, error) {
	return image.InspectResponse{}, nil
}
func (f *fakeClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("")), nil
}
func (f *fakeClient) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, net *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	return container.CreateResponse{ID: "container-1"}, nil
}
func (f *fakeClient) ContainerStart(ctx context.Context, id string, opts container.StartOptions) error {
	return nil
}
func (f *fakeClient) ContainerWait(ctx context.Context, id string, cond container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		if f.waitDelay > 0 {
			time.Sleep(f.waitDelay)
		}
		waitCh <- container.WaitResponse{StatusCode: int64(f.exitCode)}
	}()
	return waitCh, errCh
}
func (f *fakeClient) ContainerLogs(ctx context.Context, id string, opts container.LogsOptions) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f.logs)), nil
}
func (f *fakeClient) ContainerKill(ctx context.Context, id, signal string) error { return nil }
func (f *fakeClient) ContainerRemove(ctx context.Context, id string, opts container.RemoveOptions) error {
	return nil
}

type noopPuller struct{}

func (noopPuller) EnsurePresent(ctx context.Context, cli sandbox.DockerClient, img string, policy sandbox.RetryPolicy) error {
	return nil
}

// scriptedBackend is a fixed, per-phase planner.Backend: it hands back
// exactly the recommendations a test wants for each phase and never
// proposes an adapt-splice follow-up, so a run's shape is deterministic.
type scriptedBackend struct {
	recon, analyze, exploit []workflow.Recommendation
}

func (b scriptedBackend) Plan(ctx context.Context, req planner.PlanRequest) (planner.PlanResponse, error) {
	var recs []workflow.Recommendation
	switch req.Phase {
	case workflow.PhaseRecon:
		recs = b.recon
	case workflow.PhaseAnalyze:
		recs = b.analyze
	case workflow.PhaseExploit:
		recs = b.exploit
	}
	return planner.PlanResponse{Recommendations: recs, ConfidenceLevel: 0.9}, nil
}

func (b scriptedBackend) Adapt(ctx context.Context, req planner.AdaptRequest) (planner.PlanResponse, error) {
	return planner.PlanResponse{Recommendations: []workflow.Recommendation{}, ConfidenceLevel: 0.9}, nil
}

func targetParam() map[string]string {
	return map[string]string{"target": "{{workflow.target}}"}
}

// highSeverityCatalog returns a Catalog identical to catalog.New()
// except header-analyzer always reports a high-severity finding,
// giving the analyze phase a deterministic way to clear the
// exploit-gate severity threshold without depending on curl's
// Server-header heuristic.
func highSeverityCatalog() *catalog.Catalog {
	cat := catalog.New()
	base, _ := cat.Get("header-analyzer")
	base.ParseOutput = func(stdout, stderr, target string) []workflow.Finding {
		return []workflow.Finding{{
			Type:              "security_header_missing",
			Severity:          workflow.SeverityHigh,
			Confidence:        0.9,
			Title:             "Missing security headers",
			Description:       "response lacks Content-Security-Policy",
			AffectedComponent: target,
			Target:            target,
		}}
	}
	cat.Register(base)
	return cat
}

func waitForTerminal(t *testing.T, events <-chan workflow.Event, timeout time.Duration) []workflow.Event {
	t.Helper()
	var seen []workflow.Event
	deadline := time.After(timeout)
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return seen
			}
			seen = append(seen, e)
			if e.Kind.IsTerminal() {
				return seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for a terminal event, saw %d events", len(seen))
		}
	}
}

func TestApprovalExpiryLeavesExploitInvocationsSkippedButWorkflowCompletes(t *testing.T) {
	cli := &fakeClient{exitCode: 0, logs: "22/tcp open ssh\n"}
	runner := sandbox.New(cli, noopPuller{})
	backend := scriptedBackend{
		recon:   []workflow.Recommendation{{Tool: "port-scanner", Params: targetParam(), Priority: "medium"}},
		analyze: []workflow.Recommendation{{Tool: "header-analyzer", Params: targetParam(), Priority: "high"}},
		exploit: []workflow.Recommendation{{Tool: "sql-injection", Params: targetParam(), Priority: "high"}},
	}

	ctrl := New(highSeverityCatalog(), runner, backend, 3, 30*time.Millisecond)

	wfID, err := ctrl.StartWorkflow(StartRequest{Target: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	events, err := ctrl.Subscribe(wfID, "test")
	if err != nil {
		t.Fatal(err)
	}

	seen := waitForTerminal(t, events, 5*time.Second)
	if len(seen) == 0 || seen[len(seen)-1].Kind != workflow.EventWorkflowCompleted {
		t.Fatalf("expected the workflow to complete despite the expired approval, last event: %+v", seen[len(seen)-1])
	}

	view, err := ctrl.Status(wfID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != workflow.StatusCompleted {
		t.Fatalf("expected status completed, got %v", view.Status)
	}

	var exploitPhase *workflow.Phase
	for i := range view.PhaseHistory {
		if view.PhaseHistory[i].Name == workflow.PhaseExploit {
			exploitPhase = &view.PhaseHistory[i]
		}
	}
	if exploitPhase == nil {
		t.Fatal("expected the exploit phase to have run")
	}
	if len(exploitPhase.Invocations) == 0 {
		t.Fatal("expected the exploit phase to record at least one invocation")
	}
	found := false
	for _, inv := range exploitPhase.Invocations {
		if inv.Tool == "sql-injection" && inv.Outcome == workflow.OutcomeSkipped && inv.Disposition == workflow.DispositionRequireApproval {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected sql-injection to be recorded skipped after its approval expired, got %+v", exploitPhase.Invocations)
	}
}

func TestCancelMidRunEndsWithExactlyOneTerminalEvent(t *testing.T) {
	cli := &fakeClient{exitCode: 0, logs: "22/tcp open ssh\n", waitDelay: 150 * time.Millisecond}
	runner := sandbox.New(cli, noopPuller{})
	backend := scriptedBackend{
		recon: []workflow.Recommendation{
			{Tool: "port-scanner", Params: targetParam(), Priority: "medium"},
			{Tool: "subdomain-scanner", Params: targetParam(), Priority: "medium"},
		},
	}

	ctrl := New(catalog.New(), runner, backend, 3, time.Minute)

	wfID, err := ctrl.StartWorkflow(StartRequest{Target: "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	events, err := ctrl.Subscribe(wfID, "test")
	if err != nil {
		t.Fatal(err)
	}

	// Wait for the first invocation to start — by then its container
	// run is blocked inside the fake client's wait delay — then cancel
	// while it's in flight.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind == workflow.EventInvocationStart {
				goto cancel
			}
		case <-deadline:
			t.Fatal("timed out waiting for the first invocation to start")
		}
	}
cancel:
	if err := ctrl.Cancel(wfID); err != nil {
		t.Fatal(err)
	}
	// Idempotent: a second call must not error or double-publish.
	if err := ctrl.Cancel(wfID); err != nil {
		t.Fatal(err)
	}

	seen := waitForTerminal(t, events, 5*time.Second)
	terminalCount := 0
	for i, e := range seen {
		if e.Kind.IsTerminal() {
			terminalCount++
			if i != len(seen)-1 {
				t.Fatalf("terminal event %v was not the last event observed: %+v", e.Kind, seen)
			}
		}
	}
	if terminalCount != 1 {
		t.Fatalf("expected exactly one terminal event, got %d: %+v", terminalCount, seen)
	}
	if seen[len(seen)-1].Kind != workflow.EventWorkflowCancelled {
		t.Fatalf("expected the terminal event to be workflow:cancelled, got %v", seen[len(seen)-1].Kind)
	}

	// Nothing more should arrive on this subscriber — the bus closes
	// every subscriber channel the instant a terminal event publishes.
	select {
	case e, ok := <-events:
		if ok {
			t.Fatalf("expected no further events after cancellation, got %+v", e)
		}
	case <-time.After(50 * time.Millisecond):
	}

	view, err := ctrl.Status(wfID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Status != workflow.StatusCancelled {
		t.Fatalf("expected status cancelled, got %v", view.Status)
	}
}
