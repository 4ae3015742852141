package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// Executor dispatches plan items to the controller strictly sequentially,
// tracks asynchronous tasks to their terminal state and aggregates one
// outcome per plan item, preserving plan order.
type Executor struct {
	client  Client
	adapter Adapter
	log     *telemetry.Logger
	metrics *telemetry.Metrics

	// taskDeadline is the per-task wall-clock budget.
	taskDeadline time.Duration
}

// NewExecutor creates an executor for one adapter.
func NewExecutor(client Client, adapter Adapter, taskDeadline time.Duration, log *telemetry.Logger, metrics *telemetry.Metrics) *Executor {
	return &Executor{
		client:       client,
		adapter:      adapter,
		log:          log.NewComponentLogger("executor").WithFamily(adapter.Family()),
		metrics:      metrics,
		taskDeadline: taskDeadline,
	}
}

// Execute runs the plan and returns one outcome per item in plan order.
// Per-item failures never short-circuit the plan unless the failed item is
// marked fatal-on-failure or a barrier edge names it as a predecessor.
// The engine is forward-only: nothing is rolled back.
func (e *Executor) Execute(ctx context.Context, plan *Plan, have *Have) []Outcome {
	outcomes := make([]Outcome, 0, len(plan.Items))
	failed := make(map[string]bool)
	aborted := ""

	for _, step := range plan.Items {
		started := time.Now()
		outcome := e.executeItem(ctx, step, have, failed, aborted)
		outcomes = append(outcomes, outcome)

		if outcome.Status == OutcomeFailed {
			failed[step.Item.Key] = true
			if step.Item.FatalOnFailure && aborted == "" {
				aborted = step.Item.Key
			}
		}

		e.metrics.RecordPlanItem(plan.Family, string(step.Action), string(outcome.Status), time.Since(started))
	}

	return outcomes
}

func (e *Executor) executeItem(ctx context.Context, step PlanItem, have *Have, failed map[string]bool, aborted string) Outcome {
	outcome := Outcome{
		Key:    step.Item.Key,
		Family: step.Item.Family,
		Action: step.Action,
	}
	log := e.log.WithItemKey(step.Item.Key)

	switch {
	case step.Unresolvable != nil:
		outcome.Status = OutcomeFailed
		outcome.Code = CodeReferenceUnresolved
		outcome.Detail = step.Unresolvable.Message
		log.WithError(step.Unresolvable).Error("reference resolution failed")
		return outcome

	case aborted != "":
		outcome.Status = OutcomeFailed
		outcome.Code = CodePredecessorFailed
		outcome.Detail = fmt.Sprintf("aborted: %s failed", aborted)
		return outcome

	case step.Predecessor != "" && failed[step.Predecessor]:
		outcome.Status = OutcomeFailed
		outcome.Code = CodePredecessorFailed
		outcome.Detail = fmt.Sprintf("skipped: predecessor %s failed", step.Predecessor)
		log.Warnf("skipping %s: predecessor %s failed", step.Action, step.Predecessor)
		return outcome

	case step.Action == ActionExists:
		outcome.Status = OutcomeOK
		outcome.Detail = "already present"
		return outcome

	case step.Action == ActionAbsent:
		outcome.Status = OutcomeSkipped
		outcome.Detail = "already absent"
		return outcome
	}

	log.Infof("dispatching %s", step.Action)
	dispatch, err := e.adapter.Apply(ctx, e.client, step, have)
	if err != nil {
		e.metrics.RecordError(string(ClassOf(err)))
		outcome.Status = OutcomeFailed
		outcome.Code = codeOf(err)
		outcome.Detail = err.Error()
		if ctx.Err() != nil {
			outcome.Code = CodeTaskCancelled
			outcome.Detail = "cancelled: " + err.Error()
		}
		log.WithError(err).Error("dispatch failed")
		return outcome
	}

	if dispatch.TaskID == "" {
		outcome.Status = OutcomeOK
		outcome.Detail = dispatch.Detail
		return outcome
	}

	task, err := e.client.PollTask(ctx, dispatch.TaskID, e.taskDeadline)
	if err != nil {
		e.metrics.RecordError(string(ClassOf(err)))
		outcome.Status = OutcomeFailed
		outcome.Code = codeOf(err)
		outcome.Detail = err.Error()
		log.WithError(err).Error("task polling failed")
		return outcome
	}

	outcome.Task = task
	e.metrics.RecordTaskWait(string(task.State), task.Polls, task.Elapsed)

	switch task.State {
	case TaskSuccess:
		outcome.Status = OutcomeOK
		outcome.Detail = dispatch.Detail
	case TaskCancelled:
		outcome.Status = OutcomeFailed
		outcome.Code = CodeTaskCancelled
		outcome.Detail = taskDetail("task cancelled", task)
	case TaskFailed:
		outcome.Status = OutcomeFailed
		outcome.Code = CodeTaskFailed
		if task.FailureReason == "deadline" {
			outcome.Code = CodeTaskDeadline
		}
		outcome.Detail = taskDetail("task failed", task)
	default:
		outcome.Status = OutcomeFailed
		outcome.Code = CodeTaskFailed
		outcome.Detail = taskDetail(fmt.Sprintf("task ended in state %s", task.State), task)
	}

	if outcome.Status == OutcomeFailed {
		log.Errorf("%s (task=%s)", outcome.Detail, dispatch.TaskID)
	}
	return outcome
}

func taskDetail(prefix string, task *TaskResult) string {
	if task.FailureReason != "" && task.FailureReason != "deadline" {
		return prefix + ": " + task.FailureReason
	}
	if task.FailureReason == "deadline" {
		return prefix + ": deadline exceeded"
	}
	if task.Progress != "" {
		return prefix + ": " + task.Progress
	}
	return prefix
}

