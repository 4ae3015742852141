package catalyst

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
)

// taskHandler serves /task/{id} from a fixed sequence of status bodies; the
// last body repeats once the sequence is exhausted.
func taskHandler(taskID string, bodies []string, calls *int32) (string, http.HandlerFunc) {
	pattern := "/dna/intent/api/v1/task/" + taskID
	return pattern, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)
		idx := int(n) - 1
		if idx >= len(bodies) {
			idx = len(bodies) - 1
		}
		fmt.Fprintf(w, `{"response":%s}`, bodies[idx])
	}
}

func TestPollTaskSuccess(t *testing.T) {
	var authCalls, taskCalls int32
	mux := controllerMux(t, []string{"tok-1"}, &authCalls)
	mux.HandleFunc(taskHandler("t-1", []string{
		`{"taskId":"t-1","progress":"queued"}`,
		`{"taskId":"t-1","progress":"running"}`,
		`{"taskId":"t-1","progress":"done","endTime":1700000000,"isError":false}`,
	}, &taskCalls))
	client := newTestClient(t, mux)

	result, err := client.PollTask(context.Background(), "t-1", time.Second)
	if err != nil {
		t.Fatalf("PollTask failed: %v", err)
	}
	if result.State != engine.TaskSuccess {
		t.Errorf("State = %s, want %s", result.State, engine.TaskSuccess)
	}
	if result.Polls != 3 {
		t.Errorf("Polls = %d, want 3", result.Polls)
	}
	if result.Progress != "done" {
		t.Errorf("Progress = %q, want %q", result.Progress, "done")
	}
}

func TestPollTaskFailure(t *testing.T) {
	var authCalls, taskCalls int32
	mux := controllerMux(t, []string{"tok-1"}, &authCalls)
	mux.HandleFunc(taskHandler("t-2", []string{
		`{"taskId":"t-2","endTime":1700000000,"isError":true,"failureReason":"NCND12093: device unreachable"}`,
	}, &taskCalls))
	client := newTestClient(t, mux)

	result, err := client.PollTask(context.Background(), "t-2", time.Second)
	if err != nil {
		t.Fatalf("PollTask failed: %v", err)
	}
	if result.State != engine.TaskFailed {
		t.Errorf("State = %s, want %s", result.State, engine.TaskFailed)
	}
	if result.FailureReason != "NCND12093: device unreachable" {
		t.Errorf("FailureReason = %q", result.FailureReason)
	}
}

func TestPollTaskCancelledByController(t *testing.T) {
	var authCalls, taskCalls int32
	mux := controllerMux(t, []string{"tok-1"}, &authCalls)
	mux.HandleFunc(taskHandler("t-3", []string{
		`{"taskId":"t-3","endTime":1700000000,"isError":true,"failureReason":"cancelled"}`,
	}, &taskCalls))
	client := newTestClient(t, mux)

	result, err := client.PollTask(context.Background(), "t-3", time.Second)
	if err != nil {
		t.Fatalf("PollTask failed: %v", err)
	}
	if result.State != engine.TaskCancelled {
		t.Errorf("State = %s, want %s", result.State, engine.TaskCancelled)
	}
}

func TestPollTaskDeadlineIsAnOutcome(t *testing.T) {
	var authCalls, taskCalls int32
	mux := controllerMux(t, []string{"tok-1"}, &authCalls)
	mux.HandleFunc(taskHandler("t-4", []string{
		`{"taskId":"t-4","progress":"still going"}`,
	}, &taskCalls))
	client := newTestClient(t, mux)

	result, err := client.PollTask(context.Background(), "t-4", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Deadline expiry must be a result, not an error: %v", err)
	}
	if result.State != engine.TaskFailed {
		t.Errorf("State = %s, want %s", result.State, engine.TaskFailed)
	}
	if result.FailureReason != "deadline" {
		t.Errorf("FailureReason = %q, want %q", result.FailureReason, "deadline")
	}
	if result.Polls < 2 {
		t.Errorf("Polls = %d, want at least 2 before the deadline", result.Polls)
	}
}

func TestPollTaskContextCancellation(t *testing.T) {
	var authCalls, taskCalls int32
	mux := controllerMux(t, []string{"tok-1"}, &authCalls)
	mux.HandleFunc(taskHandler("t-5", []string{
		`{"taskId":"t-5","progress":"still going"}`,
	}, &taskCalls))
	client := newTestClient(t, mux)

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	_, err := client.PollTask(ctx, "t-5", time.Second)
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		t.Fatalf("Expected *engine.Error, got %T: %v", err, err)
	}
	if engErr.Code != engine.CodeTaskCancelled {
		t.Errorf("Error code = %q, want %q", engErr.Code, engine.CodeTaskCancelled)
	}
}

func TestPollTaskTerminalResultIsCached(t *testing.T) {
	var authCalls, taskCalls int32
	mux := controllerMux(t, []string{"tok-1"}, &authCalls)
	mux.HandleFunc(taskHandler("t-6", []string{
		`{"taskId":"t-6","endTime":1700000000,"isError":false}`,
	}, &taskCalls))
	client := newTestClient(t, mux)

	first, err := client.PollTask(context.Background(), "t-6", time.Second)
	if err != nil {
		t.Fatalf("PollTask failed: %v", err)
	}
	second, err := client.PollTask(context.Background(), "t-6", time.Second)
	if err != nil {
		t.Fatalf("Cached PollTask failed: %v", err)
	}
	if second != first {
		t.Error("Second poll did not return the cached result")
	}
	if taskCalls != 1 {
		t.Errorf("Controller polled %d times, want 1", taskCalls)
	}
}
