package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/schema"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// fakeAdapter is a configurable Adapter for planner and executor tests.
type fakeAdapter struct {
	family   string
	minVer   string
	schema   *schema.Schema
	items    func(section map[string]interface{}, state State) ([]ResourceItem, error)
	have     *Have
	haveErr  error
	onFetch  func()
	equals   func(want ResourceItem, have RemoteItem) bool
	assigns  []AssignItem
	barriers map[string]string
	apply    func(ctx context.Context, client Client, item PlanItem, have *Have) (*Dispatch, error)
}

func (f *fakeAdapter) Family() string {
	if f.family == "" {
		return "fake"
	}
	return f.family
}

func (f *fakeAdapter) MinControllerVersion() string {
	return f.minVer
}

func (f *fakeAdapter) Schema() *schema.Schema {
	if f.schema == nil {
		return &schema.Schema{Fields: map[string]*schema.Field{
			"records": {
				Type: schema.KindList,
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"name": {Type: schema.KindString, Required: true},
					},
				},
			},
		}}
	}
	return f.schema
}

func (f *fakeAdapter) Items(section map[string]interface{}, state State) ([]ResourceItem, error) {
	if f.items != nil {
		return f.items(section, state)
	}
	raw, _ := section["records"].([]interface{})
	var items []ResourceItem
	for i, elem := range raw {
		record, _ := elem.(map[string]interface{})
		items = append(items, ResourceItem{
			Key:      record["name"].(string),
			Family:   f.Family(),
			Section:  "records",
			Payload:  record,
			Position: i,
		})
	}
	return items, nil
}

func (f *fakeAdapter) FetchHave(ctx context.Context, client Client, want []ResourceItem) (*Have, error) {
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.haveErr != nil {
		return nil, f.haveErr
	}
	if f.have == nil {
		return NewHave(), nil
	}
	return f.have, nil
}

func (f *fakeAdapter) Equals(want ResourceItem, have RemoteItem) bool {
	if f.equals != nil {
		return f.equals(want, have)
	}
	return true
}

func (f *fakeAdapter) Assigns(want []ResourceItem, have *Have) []AssignItem {
	return f.assigns
}

func (f *fakeAdapter) Barriers(items []ResourceItem) map[string]string {
	return f.barriers
}

func (f *fakeAdapter) Apply(ctx context.Context, client Client, item PlanItem, have *Have) (*Dispatch, error) {
	if f.apply != nil {
		return f.apply(ctx, client, item, have)
	}
	return &Dispatch{Detail: "applied"}, nil
}

// fakeClient is a configurable Client for executor tests.
type fakeClient struct {
	exec     func(ctx context.Context, family, op string, params map[string]interface{}) (json.RawMessage, error)
	poll     func(ctx context.Context, taskID string, deadline time.Duration) (*TaskResult, error)
	paged    func(ctx context.Context, family, op string, filter map[string]string, fn func(json.RawMessage) error) error
	download func(ctx context.Context, family, op string, params map[string]interface{}) ([]byte, error)
}

func (f *fakeClient) Exec(ctx context.Context, family, op string, params map[string]interface{}) (json.RawMessage, error) {
	if f.exec != nil {
		return f.exec(ctx, family, op, params)
	}
	return json.RawMessage(`{}`), nil
}

func (f *fakeClient) FetchPaged(ctx context.Context, family, op string, filter map[string]string, fn func(json.RawMessage) error) error {
	if f.paged != nil {
		return f.paged(ctx, family, op, filter, fn)
	}
	return nil
}

func (f *fakeClient) PollTask(ctx context.Context, taskID string, deadline time.Duration) (*TaskResult, error) {
	if f.poll != nil {
		return f.poll(ctx, taskID, deadline)
	}
	return &TaskResult{State: TaskSuccess}, nil
}

func (f *fakeClient) Download(ctx context.Context, family, op string, params map[string]interface{}) ([]byte, error) {
	if f.download != nil {
		return f.download(ctx, family, op, params)
	}
	return nil, nil
}

func testLogger(t *testing.T) *telemetry.Logger {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "ERROR"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

func testMetrics(t *testing.T) *telemetry.Metrics {
	t.Helper()
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return m
}

func presentItem(key string, position int) ResourceItem {
	return ResourceItem{
		Key:      key,
		Family:   "fake",
		Section:  "records",
		Payload:  map[string]interface{}{"name": key},
		Position: position,
	}
}
