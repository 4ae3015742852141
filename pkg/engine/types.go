package engine

import (
	"encoding/json"
	"time"
)

// ResourceItem is the atomic unit of convergence: one record of one resource
// family, keyed by the adapter's identity function.
type ResourceItem struct {
	// Key is the stable identity key, unique within a plan, e.g.
	// "cli/admin-cred/admin" or "floor:/Global/HQ/F1/ap:AP-01".
	Key string `json:"key"`

	// Family is the resource family that owns the item.
	Family string `json:"family"`

	// Section is the document section the item came from.
	Section string `json:"section"`

	// Payload is the normalised desired configuration in the controller's
	// wire vocabulary (camelCase keys).
	Payload map[string]interface{} `json:"payload"`

	// Position is the item's position in the input document, used for
	// tie-breaking and error reporting.
	Position int `json:"position"`

	// FatalOnFailure aborts the remaining plan items when this item fails.
	FatalOnFailure bool `json:"fatal_on_failure,omitempty"`
}

// RemoteItem is one current-state record fetched from the controller.
type RemoteItem struct {
	// Key is the identity key computed by the adapter.
	Key string `json:"key"`

	// ID is the controller-assigned id of the record.
	ID string `json:"id"`

	// Fields is the decoded wire record.
	Fields map[string]interface{} `json:"fields"`
}

// Have is the current remote state relevant to one adapter's want set,
// plus any auxiliary lookups the planner and executor need.
type Have struct {
	// Items maps identity key to the current remote record.
	Items map[string]RemoteItem

	// Refs maps resolved external references (site path -> site id,
	// webhook name -> webhook id) to their controller ids.
	Refs map[string]string

	// Unresolved maps item keys to the reference-resolution error that
	// makes them unconvergeable. The planner turns these into hard
	// per-item failures.
	Unresolved map[string]*Error

	// Assigned marks derived assignment keys the controller already
	// satisfies. The planner skips them instead of re-dispatching.
	Assigned map[string]bool
}

// NewHave returns an empty Have with all maps initialised.
func NewHave() *Have {
	return &Have{
		Items:      make(map[string]RemoteItem),
		Refs:       make(map[string]string),
		Unresolved: make(map[string]*Error),
		Assigned:   make(map[string]bool),
	}
}

// PlanItem is one ordered step of a plan.
type PlanItem struct {
	// Item is the resource item the step converges.
	Item ResourceItem `json:"item"`

	// Action is the lifecycle tag assigned by the planner.
	Action Action `json:"action"`

	// Rationale is a short explanation of why the action was chosen.
	Rationale string `json:"rationale"`

	// Predecessor is the identity key of a barrier predecessor. When the
	// predecessor fails, this item is skipped with predecessor_failed.
	Predecessor string `json:"predecessor,omitempty"`

	// Unresolvable carries the reference-resolution error that makes the
	// item a hard per-item failure. The executor never dispatches it.
	Unresolvable *Error `json:"unresolvable,omitempty"`
}

// Plan is the ordered sequence of steps that converges one adapter's items.
// Every input item appears exactly once; no item carries two actions.
type Plan struct {
	// Family is the resource family the plan belongs to.
	Family string `json:"family"`

	// Items are the plan steps in execution order.
	Items []PlanItem `json:"items"`
}

// MutationCount returns the number of steps with a mutating action.
func (p *Plan) MutationCount() int {
	n := 0
	for _, item := range p.Items {
		if item.Action.IsMutating() {
			n++
		}
	}
	return n
}

// Converged reports whether every step is a no-op (EXISTS or ABSENT).
func (p *Plan) Converged() bool {
	for _, item := range p.Items {
		if item.Action != ActionExists && item.Action != ActionAbsent {
			return false
		}
	}
	return true
}

// Dispatch is the result of handing one plan item to the controller.
type Dispatch struct {
	// TaskID is the controller-issued async task id, empty for synchronous
	// operations.
	TaskID string

	// Response is the decoded controller response for synchronous
	// operations.
	Response json.RawMessage

	// Detail is an optional human-readable note carried into the outcome.
	Detail string
}

// TaskResult is the terminal observation of an asynchronous task.
type TaskResult struct {
	// State is the terminal task state.
	State TaskState `json:"state"`

	// Progress is the last controller-reported progress string.
	Progress string `json:"progress,omitempty"`

	// FailureReason is the controller-reported failure reason, if any.
	FailureReason string `json:"failure_reason,omitempty"`

	// Polls is the number of status polls performed.
	Polls int `json:"polls"`

	// Elapsed is the wall-clock time spent waiting.
	Elapsed time.Duration `json:"elapsed"`
}

// Outcome is the result of executing a single plan item.
type Outcome struct {
	// Key is the identity key of the item.
	Key string `json:"key"`

	// Family is the resource family of the item.
	Family string `json:"family"`

	// Action is the action that was (or would have been) executed.
	Action Action `json:"action"`

	// Status is the per-item execution status.
	Status OutcomeStatus `json:"status"`

	// Detail is the human-readable result or failure reason.
	Detail string `json:"detail,omitempty"`

	// Code is the taxonomy code for failures.
	Code string `json:"code,omitempty"`

	// Task is the terminal task observation for asynchronous operations.
	Task *TaskResult `json:"task,omitempty"`
}

// Mutated reports whether the outcome represents a successful mutation.
func (o Outcome) Mutated() bool {
	return o.Status == OutcomeOK && o.Action.IsMutating()
}

// ResourceLists groups outcome keys by disposition for the run result.
type ResourceLists struct {
	Created        []string `json:"created"`
	Updated        []string `json:"updated"`
	Deleted        []string `json:"deleted"`
	Assigned       []string `json:"assigned"`
	AlreadyPresent []string `json:"already_present"`
	AlreadyAbsent  []string `json:"already_absent"`
	Failed         []string `json:"failed"`
}

// RunResult is the final structured result handed back to the host runtime.
type RunResult struct {
	// RunID identifies the invocation in logs and metrics.
	RunID string `json:"run_id"`

	// Changed is true iff at least one mutating action succeeded.
	Changed bool `json:"changed"`

	// Status is the overall run status.
	Status RunStatus `json:"status"`

	// Message is the stable, machine-parseable summary.
	Message string `json:"message"`

	// Outcomes are the per-item results in plan order.
	Outcomes []Outcome `json:"outcomes"`

	// Resources groups item keys by disposition, sorted by identity key.
	Resources ResourceLists `json:"resource_lists"`

	// Duration is the wall-clock duration of the run.
	Duration time.Duration `json:"duration"`
}
