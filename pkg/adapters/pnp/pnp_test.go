package pnp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/telemetry"
)

// fakeClient serves the PnP inventory and records dispatched operations.
type fakeClient struct {
	inventory string            // JSON array of inventory records
	sites     map[string]string // site path -> site id
	execs     []string
	params    map[string]map[string]interface{}
	onExec    func(f *fakeClient, op string, params map[string]interface{})
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		sites:  make(map[string]string),
		params: make(map[string]map[string]interface{}),
	}
}

func (f *fakeClient) Exec(ctx context.Context, family, op string, params map[string]interface{}) (json.RawMessage, error) {
	f.execs = append(f.execs, op)
	f.params[op] = params
	if f.onExec != nil {
		f.onExec(f, op, params)
	}
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
	if op != "list" || f.inventory == "" {
		return nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal([]byte(f.inventory), &records); err != nil {
		return err
	}
	serial := filter["serialNumber"]
	for _, record := range records {
		if serial != "" {
			var probe struct {
				DeviceInfo struct {
					SerialNumber string `json:"serialNumber"`
				} `json:"deviceInfo"`
			}
			if err := json.Unmarshal(record, &probe); err != nil {
				return err
			}
			if probe.DeviceInfo.SerialNumber != serial {
				continue
			}
		}
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
	return nil, engine.NewNotFoundError("no downloads in the pnp family")
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
		Sections: map[string]map[string]interface{}{"pnp": section},
	}}}
}

func TestImportWrapsDevicesInBulkPayload(t *testing.T) {
	client := newFakeClient()
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"devices": []interface{}{map[string]interface{}{
			"serial_number": "FJC12345678",
			"pid":           "C9300-24T",
			"hostname":      "sw-edge-1",
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunSuccess || !result.Changed {
		t.Fatalf("Status = %s changed = %v: %s", result.Status, result.Changed, result.Message)
	}
	if len(result.Resources.Created) != 1 || result.Resources.Created[0] != "device/FJC12345678" {
		t.Errorf("Created = %v", result.Resources.Created)
	}

	params := client.params["import"]
	if params == nil {
		t.Fatalf("import was never dispatched: %v", client.execs)
	}
	devices, _ := params["payload"].([]interface{})
	if len(devices) != 1 {
		t.Fatalf("import payload = %v, want one device", params["payload"])
	}
	device, _ := devices[0].(map[string]interface{})
	info, _ := device["deviceInfo"].(map[string]interface{})
	if info["serialNumber"] != "FJC12345678" || info["pid"] != "C9300-24T" || info["hostname"] != "sw-edge-1" {
		t.Errorf("deviceInfo = %v", info)
	}
	if _, leaked := info["claimSite"]; leaked {
		t.Error("claimSite is engine-side and must not reach the import payload")
	}
}

func TestKnownSerialIsConverged(t *testing.T) {
	client := newFakeClient()
	client.inventory = `[{"id":"pnp-1","deviceInfo":{"serialNumber":"FJC12345678","state":"Provisioned"}}]`
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"devices": []interface{}{map[string]interface{}{"serial_number": "FJC12345678"}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Changed {
		t.Errorf("Known serial must not report changed: %s", result.Message)
	}
	if len(result.Resources.AlreadyPresent) != 1 {
		t.Errorf("AlreadyPresent = %v", result.Resources.AlreadyPresent)
	}
}

func TestClaimUnclaimedDevice(t *testing.T) {
	client := newFakeClient()
	client.inventory = `[{"id":"pnp-1","deviceInfo":{"serialNumber":"FJC12345678","state":"Unclaimed"}}]`
	client.sites["Global/Branch"] = "site-4"
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"devices": []interface{}{map[string]interface{}{
			"serial_number": "FJC12345678",
			"claim_site":    "Global/Branch",
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunSuccess {
		t.Fatalf("Status = %s: %s", result.Status, result.Message)
	}
	if len(result.Resources.Assigned) != 1 || result.Resources.Assigned[0] != "device/FJC12345678@Global/Branch" {
		t.Errorf("Assigned = %v", result.Resources.Assigned)
	}

	params := client.params["claim"]
	if params == nil {
		t.Fatalf("claim was never dispatched: %v", client.execs)
	}
	if params["siteId"] != "site-4" || params["deviceId"] != "pnp-1" || params["type"] != "Default" {
		t.Errorf("claim params = %v", params)
	}
}

func TestClaimSkippedForClaimedDevice(t *testing.T) {
	client := newFakeClient()
	client.inventory = `[{"id":"pnp-1","deviceInfo":{"serialNumber":"FJC12345678","state":"Provisioned"}}]`
	client.sites["Global/Branch"] = "site-4"
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"devices": []interface{}{map[string]interface{}{
			"serial_number": "FJC12345678",
			"claim_site":    "Global/Branch",
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Changed {
		t.Errorf("A device past Unclaimed must not be re-claimed: %s", result.Message)
	}
	if _, dispatched := client.params["claim"]; dispatched {
		t.Error("claim must not be dispatched for a provisioned device")
	}
}

func TestImportThenClaimResolvesNewDeviceID(t *testing.T) {
	client := newFakeClient()
	client.sites["Global/Branch"] = "site-4"
	client.onExec = func(f *fakeClient, op string, params map[string]interface{}) {
		if op == "import" {
			f.inventory = `[{"id":"pnp-9","deviceInfo":{"serialNumber":"FJC99999999","state":"Unclaimed"}}]`
		}
	}
	eng := newEngine(t, client)

	doc := docWith(map[string]interface{}{
		"devices": []interface{}{map[string]interface{}{
			"serial_number": "FJC99999999",
			"claim_site":    "Global/Branch",
		}},
	})
	result, err := eng.Run(context.Background(), doc)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != engine.RunSuccess {
		t.Fatalf("Status = %s: %s", result.Status, result.Message)
	}

	params := client.params["claim"]
	if params == nil {
		t.Fatalf("claim was never dispatched: %v", client.execs)
	}
	if params["deviceId"] != "pnp-9" {
		t.Errorf("deviceId = %v, want the id assigned at import", params["deviceId"])
	}
}

func TestDuplicateSerialsRejected(t *testing.T) {
	client := newFakeClient()
	eng := newEngine(t, client)

	errs := eng.Validate(docWith(map[string]interface{}{
		"devices": []interface{}{
			map[string]interface{}{"serial_number": "FJC12345678"},
			map[string]interface{}{"serial_number": "FJC12345678"},
		},
	}))
	if len(errs) == 0 {
		t.Fatal("Duplicate serial numbers in one block must be rejected")
	}
}
