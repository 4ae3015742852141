package accesspoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// fakeClient answers floor lookups and planned/device listings and records
// dispatched operations with their parameters.
type fakeClient struct {
	sites   map[string]string // site path -> site id
	planned map[string]string // floorId -> JSON array of planned records
	devices map[string]string // hostname or mac -> device id
	execs   []string
	params  map[string]map[string]interface{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sites:   make(map[string]string),
		planned: make(map[string]string),
		devices: make(map[string]string),
		params:  make(map[string]map[string]interface{}),
	}
}

func (f *fakeClient) Exec(ctx context.Context, family, op string, params map[string]interface{}) (json.RawMessage, error) {
	f.execs = append(f.execs, op)
	f.params[op] = params
	if op == "getSite" {
		path, _ := params["name"].(string)
		id, ok := f.sites[path]
		if !ok {
			return nil, engine.NewNotFoundError("no such site")
		}
		return json.RawMessage(fmt.Sprintf(`[{"id":%q}]`, id)), nil
	}
	return json.RawMessage(`{"taskId":"task-1"}`), nil
}

func (f *fakeClient) FetchPaged(ctx context.Context, family, op string, filter map[string]string, fn func(json.RawMessage) error) error {
	var body string
	switch op {
	case "listPlanned":
		body = f.planned[filter["floorId"]]
	case "listDevices":
		name := filter["hostname"]
		if name == "" {
			name = filter["macAddress"]
		}
		if id, ok := f.devices[name]; ok {
			body = fmt.Sprintf(`[{"id":%q}]`, id)
		}
	}
	if body == "" {
		return nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal([]byte(body), &records); err != nil {
		return err
	}
	for _, record := range records {
		if err := fn(record); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeClient) PollTask(ctx context.Context, taskID string, deadline time.Duration) (*engine.TaskResult, error) {
	return &engine.TaskResult{State: engine.TaskSuccess, Polls: 1}, nil
}

func (f *fakeClient) Download(ctx context.Context, family, op string, params map[string]interface{}) ([]byte, error) {
	return nil, engine.NewNotFoundError("no downloads in the accesspoint family")
}

func newEngine(t *testing.T, client engine.Client) *engine.Engine {
	t.Helper()
	log, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "ERROR"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}
	return engine.New(client, []engine.Adapter{New()}, engine.Options{
		TaskTimeout:       time.Minute,
		ControllerVersion: "2.3.7.6",
	}, log, metrics)
}

func docWith(section map[string]interface{}) *engine.Document {
	return &engine.Document{Blocks: []engine.Block{{
		State:    engine.StatePresent,
		Sections: map[string]map[string]interface{}{"accesspoint": section},
	}}}
}

func TestOutOfRangeCoordinateFailsBeforeNetwork(t *testing.T) {
	client := newFakeClient()
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/HQ/Floor1",
		"access_points": []interface{}{map[string]interface{}{
			"name":       "AP-01",
			"x_position": 150,
			"y_position": 10,
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunFailed {
		t.Errorf("Status = %s, want failed", result.Status)
	}
	if result.Changed {
		t.Error("A schema failure must not report changed")
	}
	if !strings.Contains(result.Message, "schema.range_violation") {
		t.Errorf("Message %q should carry the range violation code", result.Message)
	}
	if len(client.execs) != 0 {
		t.Errorf("Schema failures must abort before network I/O, got %v", client.execs)
	}
}

func TestCreatePlannedPosition(t *testing.T) {
	client := newFakeClient()
	client.sites["Global/HQ/Floor1"] = "floor-1"
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/HQ/Floor1",
		"access_points": []interface{}{map[string]interface{}{
			"name":       "AP-01",
			"x_position": 12.5,
			"y_position": 40,
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunSuccess || !result.Changed {
		t.Fatalf("Status = %s changed = %v, want success and changed: %s", result.Status, result.Changed, result.Message)
	}
	if len(result.Resources.Created) != 1 || result.Resources.Created[0] != "Global/HQ/Floor1/AP-01" {
		t.Errorf("Created = %v", result.Resources.Created)
	}

	params := client.params["createPlanned"]
	if params == nil {
		t.Fatalf("createPlanned was never dispatched: %v", client.execs)
	}
	if params["floorId"] != "floor-1" {
		t.Errorf("floorId = %v, want floor-1", params["floorId"])
	}
	attrs, _ := params["attributes"].(map[string]interface{})
	if attrs["name"] != "AP-01" {
		t.Errorf("attributes = %v", params["attributes"])
	}
	pos, _ := params["position"].(map[string]interface{})
	if z, _ := pos["z"].(float64); z != 5.0 {
		t.Errorf("z = %v, want the 5.0 default", pos["z"])
	}
}

func TestPositionDriftTriggersUpdate(t *testing.T) {
	client := newFakeClient()
	client.sites["Global/HQ/Floor1"] = "floor-1"
	client.planned["floor-1"] = `[{"id":"p-1","attributes":{"name":"AP-01"},"position":{"x":30.0,"y":40.0,"z":5.0}}]`
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/HQ/Floor1",
		"access_points": []interface{}{map[string]interface{}{
			"name":       "AP-01",
			"x_position": 12.5,
			"y_position": 40,
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(result.Resources.Updated) != 1 {
		t.Fatalf("Updated = %v, want one item: %s", result.Resources.Updated, result.Message)
	}
	params := client.params["updatePlanned"]
	if params == nil {
		t.Fatalf("updatePlanned was never dispatched: %v", client.execs)
	}
	if params["id"] != "p-1" {
		t.Errorf("update id = %v, want p-1", params["id"])
	}
}

func TestMatchingPositionIsConverged(t *testing.T) {
	client := newFakeClient()
	client.sites["Global/HQ/Floor1"] = "floor-1"
	client.planned["floor-1"] = `[{"id":"p-1","attributes":{"name":"AP-01"},"position":{"x":12.5,"y":40.0,"z":5.0}}]`
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/HQ/Floor1",
		"access_points": []interface{}{map[string]interface{}{
			"name":       "AP-01",
			"x_position": 12.5,
			"y_position": 40,
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Changed {
		t.Errorf("Matching position must not report changed: %s", result.Message)
	}
	if len(result.Resources.AlreadyPresent) != 1 {
		t.Errorf("AlreadyPresent = %v", result.Resources.AlreadyPresent)
	}
}

func TestAssignDeviceToPlannedPosition(t *testing.T) {
	client := newFakeClient()
	client.sites["Global/HQ/Floor1"] = "floor-1"
	client.planned["floor-1"] = `[{"id":"p-1","attributes":{"name":"AP-01"},"position":{"x":12.5,"y":40.0,"z":5.0}}]`
	client.devices["ap01.example.com"] = "dev-7"
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/HQ/Floor1",
		"access_points": []interface{}{map[string]interface{}{
			"name":          "AP-01",
			"x_position":    12.5,
			"y_position":    40,
			"assign_device": "ap01.example.com",
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunSuccess {
		t.Fatalf("Status = %s: %s", result.Status, result.Message)
	}
	if len(result.Resources.Assigned) != 1 {
		t.Fatalf("Assigned = %v", result.Resources.Assigned)
	}

	params := client.params["assignPlanned"]
	if params == nil {
		t.Fatalf("assignPlanned was never dispatched: %v", client.execs)
	}
	if params["plannedId"] != "p-1" || params["deviceId"] != "dev-7" || params["floorId"] != "floor-1" {
		t.Errorf("assignPlanned params = %v", params)
	}
}

func TestAssignedDeviceNotReplanned(t *testing.T) {
	// The floor listing echoes the attached device; a second run of the
	// same document must not dispatch the assignment again.
	client := newFakeClient()
	client.sites["Global/HQ/Floor1"] = "floor-1"
	client.planned["floor-1"] = `[{"id":"p-1","attributes":{"name":"AP-01"},"position":{"x":12.5,"y":40.0,"z":5.0},"assignedApName":"ap01.example.com"}]`
	client.devices["ap01.example.com"] = "dev-7"
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/HQ/Floor1",
		"access_points": []interface{}{map[string]interface{}{
			"name":          "AP-01",
			"x_position":    12.5,
			"y_position":    40,
			"assign_device": "ap01.example.com",
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunSuccess {
		t.Fatalf("Status = %s: %s", result.Status, result.Message)
	}
	if result.Changed {
		t.Errorf("Converged assignment must not report changed: %s", result.Message)
	}
	if client.params["assignPlanned"] != nil {
		t.Errorf("assignPlanned re-dispatched on a converged document: %v", client.execs)
	}
}

func TestTooManyAccessPoints(t *testing.T) {
	aps := make([]interface{}, 101)
	for i := range aps {
		aps[i] = map[string]interface{}{
			"name":       fmt.Sprintf("AP-%03d", i),
			"x_position": 10.0,
			"y_position": 10.0,
		}
	}
	client := newFakeClient()
	eng := newEngine(t, client)

	errs := eng.Validate(docWith(map[string]interface{}{
		"floor":         "Global/HQ/Floor1",
		"access_points": aps,
	}))
	if len(errs) == 0 {
		t.Fatal("101 access points on one floor must be rejected")
	}
	if !strings.Contains(strings.Join(errs, "\n"), "schema.range_violation") {
		t.Errorf("Validation errors should carry the range code: %v", errs)
	}
}

func TestEqualsComparesCoordinatesAtTwoDecimals(t *testing.T) {
	adapter := New()
	want := engine.ResourceItem{Payload: map[string]interface{}{
		"name": "AP-01", "x": 12.49, "y": 40.0, "z": 3.0,
	}}
	have := engine.RemoteItem{Fields: map[string]interface{}{
		"name": "AP-01", "x": 12.5, "y": 40.0, "z": 3.0,
	}}
	if adapter.Equals(want, have) {
		t.Error("12.49 and 12.5 differ at two decimals")
	}

	want.Payload["x"] = 12.504
	if !adapter.Equals(want, have) {
		t.Error("12.504 and 12.5 round to the same two-decimal value")
	}
}

func TestUnresolvedFloorFailsItsItems(t *testing.T) {
	client := newFakeClient()
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"floor": "Global/Nowhere/Floor9",
		"access_points": []interface{}{map[string]interface{}{
			"name":       "AP-01",
			"x_position": 12.5,
			"y_position": 40,
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunFailed {
		t.Errorf("Status = %s, want failed: %s", result.Status, result.Message)
	}
	if len(result.Outcomes) != 1 || result.Outcomes[0].Code != engine.CodeReferenceUnresolved {
		t.Errorf("Outcomes = %+v, want one reference.unresolved failure", result.Outcomes)
	}
}
