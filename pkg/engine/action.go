package engine

import (
	"encoding/json"
	"fmt"
)

// Action is the lifecycle tag the planner assigns to a resource item.
type Action string

const (
	// ActionCreate indicates the item must be created on the controller.
	ActionCreate Action = "CREATE"

	// ActionUpdate indicates the item exists but differs from the desired
	// payload and must be updated in place.
	ActionUpdate Action = "UPDATE"

	// ActionDelete indicates the item exists and must be removed.
	ActionDelete Action = "DELETE"

	// ActionAssign indicates a binding step (credential to site, real AP to
	// planned position) emitted after creates in the same plan.
	ActionAssign Action = "ASSIGN"

	// ActionExists indicates the item already matches the desired payload;
	// executing it is a no-op.
	ActionExists Action = "EXISTS"

	// ActionAbsent indicates the item is already gone; executing it is a
	// no-op.
	ActionAbsent Action = "ABSENT"
)

// IsMutating reports whether executing the action changes controller state.
func (a Action) IsMutating() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAssign:
		return true
	default:
		return false
	}
}

// Validate checks that the action is a member of the closed set.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAssign, ActionExists, ActionAbsent:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// orderRank is the execution ordering of action classes within one plan:
// creates precede updates precede assigns; no-ops ride along with their
// class; deletes come last and are reversed by the planner.
func (a Action) orderRank() int {
	switch a {
	case ActionCreate:
		return 0
	case ActionExists:
		return 1
	case ActionUpdate:
		return 2
	case ActionAssign:
		return 3
	case ActionAbsent:
		return 4
	case ActionDelete:
		return 5
	default:
		return 6
	}
}

// OutcomeStatus is the per-item execution status.
type OutcomeStatus string

const (
	// OutcomeOK indicates the item was applied (or already present).
	OutcomeOK OutcomeStatus = "ok"

	// OutcomeSkipped indicates no work was needed (already absent) or the
	// item was not attempted.
	OutcomeSkipped OutcomeStatus = "skipped"

	// OutcomeFailed indicates the item could not be converged.
	OutcomeFailed OutcomeStatus = "failed"
)

// Validate checks that the status is a member of the closed set.
func (s OutcomeStatus) Validate() error {
	switch s {
	case OutcomeOK, OutcomeSkipped, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid outcome status: %s", s)
	}
}

// RunStatus is the overall status of a convergence run.
type RunStatus string

const (
	// RunSuccess indicates every outcome succeeded or was a no-op.
	RunSuccess RunStatus = "success"

	// RunPartial indicates both successful mutations and failures occurred.
	RunPartial RunStatus = "partial"

	// RunFailed indicates failures occurred with no successful mutation, or
	// verification found unconverged items.
	RunFailed RunStatus = "failed"
)

// Validate checks that the status is a member of the closed set.
func (s RunStatus) Validate() error {
	switch s {
	case RunSuccess, RunPartial, RunFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// TaskState is the controller-reported state of an asynchronous task.
type TaskState string

const (
	// TaskQueued indicates the task has not started yet.
	TaskQueued TaskState = "QUEUED"

	// TaskInProgress indicates the task is running.
	TaskInProgress TaskState = "IN_PROGRESS"

	// TaskSuccess indicates the task finished successfully. Terminal.
	TaskSuccess TaskState = "SUCCESS"

	// TaskFailed indicates the task finished with an error. Terminal.
	TaskFailed TaskState = "FAILED"

	// TaskCancelled indicates the task was cancelled. Terminal.
	TaskCancelled TaskState = "CANCELLED"

	// TaskUnknown indicates the controller reported an unrecognised state.
	TaskUnknown TaskState = "UNKNOWN"
)

// IsTerminal reports whether the state is final. Terminal states are sticky:
// once observed, the client caches them and never polls again.
func (s TaskState) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailed || s == TaskCancelled
}

// Validate checks that the state is a member of the closed set.
func (s TaskState) Validate() error {
	switch s {
	case TaskQueued, TaskInProgress, TaskSuccess, TaskFailed, TaskCancelled, TaskUnknown:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// State is the desired disposition of a config block.
type State string

const (
	// StatePresent converges items toward existence.
	StatePresent State = "present"

	// StateAbsent converges items toward removal.
	StateAbsent State = "absent"
)

// Validate checks that the state is a member of the closed set.
func (s State) Validate() error {
	switch s {
	case StatePresent, StateAbsent:
		return nil
	default:
		return fmt.Errorf("invalid state: %s", s)
	}
}

// UnmarshalJSON validates enum membership at the boundary.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = State(str)
	return s.Validate()
}
