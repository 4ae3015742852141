package catalyst

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

// taskStatus is the controller's task record, reduced to the fields the
// poller needs. Field order in the response is not relied upon.
type taskStatus struct {
	TaskID        string `json:"taskId"`
	IsError       bool   `json:"isError"`
	Progress      string `json:"progress"`
	FailureReason string `json:"failureReason"`
	EndTime       *int64 `json:"endTime"`
}

// PollTask polls an asynchronous task until it reaches a terminal state or
// the deadline expires. Poll spacing is the configured TaskPollInterval.
// Deadline expiry yields a FAILED result with reason "deadline"; it is an
// outcome, not an error. Cancellation returns a task.cancelled error.
// Terminal results are cached: polling an already-terminal task id returns
// the cached observation without network I/O.
func (c *Client) PollTask(ctx context.Context, taskID string, deadline time.Duration) (*engine.TaskResult, error) {
	c.taskMu.Lock()
	if cached, ok := c.taskCache[taskID]; ok {
		c.taskMu.Unlock()
		return cached, nil
	}
	c.taskMu.Unlock()

	if deadline == 0 {
		deadline = c.cfg.TaskTimeout
	}
	started := time.Now()
	polls := 0

	ticker := time.NewTicker(c.cfg.TaskPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.fetchTask(ctx, taskID)
		polls++
		if err != nil {
			if ctx.Err() != nil {
				return nil, engine.NewPermanentError("task polling cancelled", ctx.Err()).
					WithCode(engine.CodeTaskCancelled)
			}
			return nil, err
		}

		if state := terminalState(status); state != "" {
			result := &engine.TaskResult{
				State:         state,
				Progress:      status.Progress,
				FailureReason: status.FailureReason,
				Polls:         polls,
				Elapsed:       time.Since(started),
			}
			c.cacheTask(taskID, result)
			return result, nil
		}

		if time.Since(started) >= deadline {
			result := &engine.TaskResult{
				State:         engine.TaskFailed,
				Progress:      status.Progress,
				FailureReason: "deadline",
				Polls:         polls,
				Elapsed:       time.Since(started),
			}
			c.cacheTask(taskID, result)
			return result, nil
		}

		select {
		case <-ctx.Done():
			return nil, engine.NewPermanentError("task polling cancelled", ctx.Err()).
				WithCode(engine.CodeTaskCancelled)
		case <-ticker.C:
		}
	}
}

func (c *Client) fetchTask(ctx context.Context, taskID string) (*taskStatus, error) {
	body, err := c.Exec(ctx, "task", "getTaskById", map[string]interface{}{"taskId": taskID})
	if err != nil {
		return nil, err
	}

	var status taskStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, engine.NewError(engine.ErrorClassProtocol, "malformed task status", err)
	}
	return &status, nil
}

// terminalState maps a task record to a terminal TaskState, or "" while the
// task is still running. The controller marks completion with endTime.
func terminalState(status *taskStatus) engine.TaskState {
	if status.EndTime == nil {
		return ""
	}
	if status.IsError {
		if status.FailureReason == "cancelled" {
			return engine.TaskCancelled
		}
		return engine.TaskFailed
	}
	return engine.TaskSuccess
}

func (c *Client) cacheTask(taskID string, result *engine.TaskResult) {
	c.taskMu.Lock()
	c.taskCache[taskID] = result
	c.taskMu.Unlock()
}
