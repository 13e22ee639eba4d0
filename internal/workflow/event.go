package workflow

import "time"

// EventKind enumerates the published event taxonomy. Exactly one
// terminal kind is ever published per workflow, and it is always last.
type EventKind string

const (
	EventWorkflowStarted    EventKind = "workflow:started"
	EventPhaseStart         EventKind = "phase:start"
	EventPhaseComplete      EventKind = "phase:complete"
	EventRestraintDecision  EventKind = "restraint:decision"
	EventInvocationStart    EventKind = "invocation:start"
	EventInvocationComplete EventKind = "invocation:complete"
	EventFindingDiscovered  EventKind = "finding:discovered"
	EventApprovalRequested  EventKind = "approval:requested"
	EventApprovalResolved   EventKind = "approval:resolved"
	EventPlannerStrategy    EventKind = "planner:strategy"
	EventWorkflowCompleted  EventKind = "workflow:completed"
	EventWorkflowFailed     EventKind = "workflow:failed"
	EventWorkflowCancelled  EventKind = "workflow:cancelled"
	EventError              EventKind = "error"
	EventLagged             EventKind = "bus:lagged"
)

// ErrorClass tags which part of the error taxonomy raised an `error`
// event: planner and restraint failures recover locally and the
// workflow continues, execution failures stay scoped to one
// invocation, user errors never reach the bus at all (they're
// rejected synchronously at StartWorkflow), and fatal errors always
// precede a terminal workflow:failed event.
type ErrorClass string

const (
	ErrorClassUser      ErrorClass = "user"
	ErrorClassPlanner   ErrorClass = "planner"
	ErrorClassRestraint ErrorClass = "restraint"
	ErrorClassExecution ErrorClass = "execution"
	ErrorClassFatal     ErrorClass = "fatal"
)

// terminalKinds are the only kinds allowed to be the last event on a stream.
var terminalKinds = map[EventKind]bool{
	EventWorkflowCompleted: true,
	EventWorkflowFailed:    true,
	EventWorkflowCancelled: true,
}

// IsTerminal reports whether this EventKind ends a workflow's event stream.
func (k EventKind) IsTerminal() bool { return terminalKinds[k] }

// Event is one entry in a workflow's totally-ordered event stream.
type Event struct {
	WorkflowID string         `json:"workflowId"`
	Seq        uint64         `json:"seq"`
	Timestamp  time.Time      `json:"timestamp"`
	Kind       EventKind      `json:"kind"`
	Payload    map[string]any `json:"payload,omitempty"`
}
