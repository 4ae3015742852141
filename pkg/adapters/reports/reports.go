// Package reports converges scheduled reports: view resolution, schedule
// creation, execution wait and file download.
package reports

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openconverge/openconverge/pkg/adapters"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/schema"
)

// Delivery types.
const (
	deliveryNotification = "NOTIFICATION"
	deliveryDownload     = "DOWNLOAD"
	deliveryWebhook      = "WEBHOOK"
)

// Execution states reported by the controller.
const (
	executionSuccess = "SUCCESS"
	executionFailure = "FAILURE"
)

// errNotReady is the controller's business code for a report file that is
// still being rendered.
const errNotReady = "4002"

var weekdays = []interface{}{
	"MONDAY", "TUESDAY", "WEDNESDAY", "THURSDAY", "FRIDAY", "SATURDAY", "SUNDAY",
}

var formatExtensions = map[string]string{
	"CSV":  ".csv",
	"PDF":  ".pdf",
	"JSON": ".json",
	"TDE":  ".tde",
}

// Options configures the execution wait and download retry loops.
type Options struct {
	// PollInterval is the delay between execution status checks.
	PollInterval time.Duration

	// Deadline bounds the execution wait and the not-ready retry loop.
	Deadline time.Duration
}

// Adapter implements engine.Adapter for the reports family.
type Adapter struct {
	opts Options
}

// New creates the reports adapter.
func New(opts Options) *Adapter {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Deadline <= 0 {
		opts.Deadline = 20 * time.Minute
	}
	return &Adapter{opts: opts}
}

// Family returns "reports".
func (a *Adapter) Family() string {
	return "reports"
}

// MinControllerVersion returns the oldest supported controller version.
func (a *Adapter) MinControllerVersion() string {
	return "2.2.3.3"
}

// Schema describes the reports document section. Monthly recurrence is not
// in the enum: the controller's month-boundary semantics are not supported
// and such documents fail validation.
func (a *Adapter) Schema() *schema.Schema {
	return &schema.Schema{
		Fields: map[string]*schema.Field{
			"schedules": {
				Type:     schema.KindList,
				Identity: []string{"name"},
				Checks: []schema.CrossCheck{
					{Name: "schedule_fields", Check: checkSchedule},
					{Name: "delivery_fields", Check: checkDelivery},
				},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"name":       {Type: schema.KindString, Required: true},
						"view_group": {Type: schema.KindString, Required: true, Wire: "viewGroup"},
						"view":       {Type: schema.KindString, Required: true},
						"format":     {Type: schema.KindString, Default: "CSV", Enum: []string{"CSV", "PDF", "JSON", "TDE"}},
						"schedule": {
							Type: schema.KindMap,
							Fields: map[string]*schema.Field{
								"type":       {Type: schema.KindString, Required: true, Enum: []string{"SCHEDULE_NOW", "SCHEDULE_LATER", "SCHEDULE_RECURRENCE"}},
								"date_time":  {Type: schema.KindInt, Wire: "dateTime"},
								"time_zone":  {Type: schema.KindString, Default: "UTC", Wire: "timeZone"},
								"recurrence": {Type: schema.KindString, Enum: []string{"DAILY", "WEEKLY"}},
								"days":       {Type: schema.KindList, Elem: &schema.Field{Type: schema.KindString, Enum: toStrings(weekdays)}},
							},
						},
						"delivery": {
							Type: schema.KindMap,
							Fields: map[string]*schema.Field{
								"type":         {Type: schema.KindString, Required: true, Enum: []string{deliveryNotification, deliveryDownload, deliveryWebhook}},
								"file_path":    {Type: schema.KindString, Wire: "filePath"},
								"webhook_name": {Type: schema.KindString, Wire: "webhookName"},
								"email":        {Type: schema.KindString, Format: "email"},
							},
						},
					},
				},
			},
		},
	}
}

func toStrings(values []interface{}) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.(string)
	}
	return out
}

func checkSchedule(record map[string]interface{}) string {
	sched, ok := record["schedule"].(map[string]interface{})
	if !ok {
		return ""
	}
	switch sched["type"] {
	case "SCHEDULE_LATER":
		if sched["dateTime"] == nil {
			return "date_time is required for SCHEDULE_LATER"
		}
	case "SCHEDULE_RECURRENCE":
		recurrence, _ := sched["recurrence"].(string)
		if recurrence == "" {
			return "recurrence is required for SCHEDULE_RECURRENCE"
		}
		if recurrence == "WEEKLY" {
			if days, _ := sched["days"].([]interface{}); len(days) == 0 {
				return "days is required for WEEKLY recurrence"
			}
		}
	}
	return ""
}

func checkDelivery(record map[string]interface{}) string {
	delivery, ok := record["delivery"].(map[string]interface{})
	if !ok {
		return "delivery is required"
	}
	switch delivery["type"] {
	case deliveryDownload:
		if delivery["filePath"] == nil {
			return "file_path is required for DOWNLOAD delivery"
		}
	case deliveryWebhook:
		if delivery["webhookName"] == nil {
			return "webhook_name is required for WEBHOOK delivery"
		}
	}
	return ""
}

// Items emits one item per schedule, keyed by report name. Daily recurrence
// is rewritten as weekly over all seven days, which is how the controller
// models it.
func (a *Adapter) Items(section map[string]interface{}, state engine.State) ([]engine.ResourceItem, error) {
	raw, _ := section["schedules"].([]interface{})
	var items []engine.ResourceItem
	for position, elem := range raw {
		record, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		if sched, ok := record["schedule"].(map[string]interface{}); ok {
			if sched["recurrence"] == "DAILY" {
				sched["recurrence"] = "WEEKLY"
				sched["days"] = weekdays
			}
		}
		items = append(items, engine.ResourceItem{
			Key:      "schedule/" + adapters.StringField(record, "name"),
			Family:   a.Family(),
			Section:  "schedules",
			Payload:  record,
			Position: position,
		})
	}
	if len(items) == 0 {
		return nil, engine.NewPermanentError("reports section has no schedules", nil)
	}
	return items, nil
}

// FetchHave lists existing schedules and resolves view groups, views and
// webhooks by name.
func (a *Adapter) FetchHave(ctx context.Context, client engine.Client, want []engine.ResourceItem) (*engine.Have, error) {
	have := engine.NewHave()

	records, err := adapters.CollectList(ctx, client, "reports", "listSchedules", nil)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		key := "schedule/" + adapters.StringField(record, "name")
		have.Items[key] = engine.RemoteItem{
			Key:    key,
			ID:     adapters.StringField(record, "reportId"),
			Fields: record,
		}
	}

	for _, item := range want {
		if err := a.resolveRefs(ctx, client, item, have); err != nil {
			have.Unresolved[item.Key] = engine.NewPermanentError(err.Error(), nil).
				WithCode(engine.CodeReferenceUnresolved)
		}
		// The execute-wait and download steps run once, in the pass that
		// creates the schedule. A schedule the controller already holds
		// has delivered its file; re-running the chain every pass would
		// re-execute the report forever.
		if _, exists := have.Items[item.Key]; exists {
			delivery, _ := item.Payload["delivery"].(map[string]interface{})
			if adapters.StringField(delivery, "type") == deliveryDownload {
				have.Assigned[item.Key+"/execute"] = true
				have.Assigned[item.Key+"/download"] = true
			}
		}
	}
	return have, nil
}

// resolveRefs resolves the item's view group, view and optional webhook and
// records their ids under name-prefixed ref keys.
func (a *Adapter) resolveRefs(ctx context.Context, client engine.Client, item engine.ResourceItem, have *engine.Have) error {
	group := adapters.StringField(item.Payload, "viewGroup")
	groupRef := "viewgroup/" + group
	if _, ok := have.Refs[groupRef]; !ok {
		id, err := a.lookupByName(ctx, client, "listViewGroups", nil, group)
		if err != nil {
			return fmt.Errorf("view group %q: %w", group, err)
		}
		have.Refs[groupRef] = id
	}

	view := adapters.StringField(item.Payload, "view")
	viewRef := "view/" + group + "/" + view
	if _, ok := have.Refs[viewRef]; !ok {
		id, err := a.lookupByName(ctx, client, "listViews",
			map[string]string{"viewGroupId": have.Refs[groupRef]}, view)
		if err != nil {
			return fmt.Errorf("view %q in group %q: %w", view, group, err)
		}
		have.Refs[viewRef] = id
	}

	if delivery, ok := item.Payload["delivery"].(map[string]interface{}); ok {
		if webhook := adapters.StringField(delivery, "webhookName"); webhook != "" {
			webhookRef := "webhook/" + webhook
			if _, ok := have.Refs[webhookRef]; !ok {
				id, err := a.lookupByName(ctx, client, "listWebhooks", nil, webhook)
				if err != nil {
					return fmt.Errorf("webhook %q: %w", webhook, err)
				}
				have.Refs[webhookRef] = id
			}
		}
	}
	return nil
}

func (a *Adapter) lookupByName(ctx context.Context, client engine.Client, op string, filter map[string]string, name string) (string, error) {
	records, err := adapters.CollectList(ctx, client, "reports", op, filter)
	if err != nil {
		return "", err
	}
	for _, record := range records {
		if adapters.StringField(record, "name") == name {
			for _, idField := range []string{"viewGroupId", "viewId", "webhookId", "id"} {
				if id := adapters.StringField(record, idField); id != "" {
					return id, nil
				}
			}
		}
	}
	return "", fmt.Errorf("no record named %q", name)
}

// Equals matches on the report name. Schedules are immutable on the
// controller; a changed definition under the same name must be deleted and
// re-created.
func (a *Adapter) Equals(want engine.ResourceItem, have engine.RemoteItem) bool {
	return adapters.FieldsEqual(want.Payload, have.Fields, "name")
}

// Assigns derives the execute-wait and download steps for schedules with
// DOWNLOAD delivery, chained so the download is skipped when execution
// fails.
func (a *Adapter) Assigns(want []engine.ResourceItem, have *engine.Have) []engine.AssignItem {
	var assigns []engine.AssignItem
	position := len(want)
	for _, item := range want {
		delivery, _ := item.Payload["delivery"].(map[string]interface{})
		if adapters.StringField(delivery, "type") != deliveryDownload {
			continue
		}
		executeKey := item.Key + "/execute"
		shared := map[string]interface{}{
			"schedule": item.Key,
			"name":     item.Payload["name"],
			"filePath": delivery["filePath"],
			"format":   item.Payload["format"],
		}
		assigns = append(assigns,
			engine.AssignItem{
				Item: engine.ResourceItem{
					Key:      executeKey,
					Family:   a.Family(),
					Section:  "schedules",
					Payload:  shared,
					Position: position,
				},
				Predecessor: item.Key,
			},
			engine.AssignItem{
				Item: engine.ResourceItem{
					Key:      item.Key + "/download",
					Family:   a.Family(),
					Section:  "schedules",
					Payload:  shared,
					Position: position + 1,
				},
				Predecessor: executeKey,
			},
		)
		position += 2
	}
	return assigns
}

// Barriers declares no edges between schedules.
func (a *Adapter) Barriers(items []engine.ResourceItem) map[string]string {
	return nil
}

// Apply dispatches one reports plan item.
func (a *Adapter) Apply(ctx context.Context, client engine.Client, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	switch item.Action {
	case engine.ActionCreate:
		body, err := client.Exec(ctx, "reports", "create", a.createParams(item.Item, have))
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "created"}, nil

	case engine.ActionDelete:
		reportID := item.Item.Payload["reportId"]
		if reportID == nil {
			reportID = item.Item.Payload["id"]
		}
		body, err := client.Exec(ctx, "reports", "delete",
			map[string]interface{}{"reportId": reportID})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "deleted"}, nil

	case engine.ActionAssign:
		if strings.HasSuffix(item.Item.Key, "/execute") {
			return a.applyExecuteWait(ctx, client, item)
		}
		return a.applyDownload(ctx, client, item)

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action %s", item.Action), nil)
	}
}

// createParams builds the controller's report definition from a schedule
// record and the resolved ids.
func (a *Adapter) createParams(item engine.ResourceItem, have *engine.Have) map[string]interface{} {
	group := adapters.StringField(item.Payload, "viewGroup")
	view := adapters.StringField(item.Payload, "view")
	format := adapters.StringField(item.Payload, "format")

	params := map[string]interface{}{
		"name":         item.Payload["name"],
		"viewGroupId":  have.Refs["viewgroup/"+group],
		"dataCategory": group,
		"view": map[string]interface{}{
			"viewId": have.Refs["view/"+group+"/"+view],
			"format": map[string]interface{}{
				"formatType": format,
				"name":       format,
			},
		},
	}
	if sched, ok := item.Payload["schedule"].(map[string]interface{}); ok {
		params["schedule"] = sched
	}
	if delivery, ok := item.Payload["delivery"].(map[string]interface{}); ok {
		wire := map[string]interface{}{"type": delivery["type"]}
		if webhook := adapters.StringField(delivery, "webhookName"); webhook != "" {
			wire["webhookId"] = have.Refs["webhook/"+webhook]
		}
		if delivery["email"] != nil {
			wire["email"] = delivery["email"]
		}
		params["deliveries"] = []interface{}{wire}
	}
	return params
}

// applyExecuteWait blocks until the newest execution of the report reaches
// a terminal state.
func (a *Adapter) applyExecuteWait(ctx context.Context, client engine.Client, item engine.PlanItem) (*engine.Dispatch, error) {
	name := adapters.StringField(item.Item.Payload, "name")
	reportID, err := a.reportID(ctx, client, name)
	if err != nil {
		return nil, err
	}

	deadline := time.NewTimer(a.opts.Deadline)
	defer deadline.Stop()
	ticker := time.NewTicker(a.opts.PollInterval)
	defer ticker.Stop()

	for {
		execution, err := a.latestExecution(ctx, client, reportID)
		if err != nil && !engine.IsNotFound(err) {
			return nil, err
		}
		if execution != nil {
			switch adapters.StringField(execution, "processStatus") {
			case executionSuccess:
				return &engine.Dispatch{Detail: "execution completed"}, nil
			case executionFailure:
				return nil, engine.NewPermanentError("report execution failed", nil).
					WithCode(engine.CodeTaskFailed).WithItem(item.Item.Key)
			}
		}
		select {
		case <-ctx.Done():
			return nil, engine.NewPermanentError("execution wait cancelled", ctx.Err()).
				WithCode(engine.CodeTaskCancelled)
		case <-deadline.C:
			return nil, engine.NewPermanentError("report execution did not complete before deadline", nil).
				WithCode(engine.CodeTaskDeadline).WithItem(item.Item.Key)
		case <-ticker.C:
		}
	}
}

// applyDownload fetches the rendered report file, retrying while the
// controller reports it as not ready, and writes it to the configured
// directory.
func (a *Adapter) applyDownload(ctx context.Context, client engine.Client, item engine.PlanItem) (*engine.Dispatch, error) {
	name := adapters.StringField(item.Item.Payload, "name")
	reportID, err := a.reportID(ctx, client, name)
	if err != nil {
		return nil, err
	}
	execution, err := a.latestExecution(ctx, client, reportID)
	if err != nil {
		return nil, err
	}
	if execution == nil {
		return nil, engine.NewPermanentError("no execution found for report "+name, nil).
			WithItem(item.Item.Key)
	}
	executionID := adapters.StringField(execution, "executionId")

	deadline := time.NewTimer(a.opts.Deadline)
	defer deadline.Stop()

	var content []byte
	for {
		content, err = client.Download(ctx, "reports", "download", map[string]interface{}{
			"reportId":    reportID,
			"executionId": executionID,
		})
		if err == nil {
			break
		}
		var engErr *engine.Error
		if !errors.As(err, &engErr) || engErr.Code != errNotReady {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, engine.NewPermanentError("download cancelled", ctx.Err()).
				WithCode(engine.CodeTaskCancelled)
		case <-deadline.C:
			return nil, engine.NewPermanentError("report file was not ready before deadline", nil).
				WithCode(engine.CodeTaskDeadline).WithItem(item.Item.Key)
		case <-time.After(a.opts.PollInterval):
		}
	}

	target := filepath.Join(
		adapters.StringField(item.Item.Payload, "filePath"),
		name+extensionFor(adapters.StringField(item.Item.Payload, "format")),
	)
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return nil, engine.NewPermanentError("writing report file failed", err).WithItem(item.Item.Key)
	}
	return &engine.Dispatch{Detail: "downloaded to " + target}, nil
}

// reportID finds the schedule id by report name, covering schedules created
// earlier in the same plan.
func (a *Adapter) reportID(ctx context.Context, client engine.Client, name string) (string, error) {
	records, err := adapters.CollectList(ctx, client, "reports", "listSchedules", nil)
	if err != nil {
		return "", err
	}
	for _, record := range records {
		if adapters.StringField(record, "name") == name {
			for _, idField := range []string{"reportId", "id"} {
				if id := adapters.StringField(record, idField); id != "" {
					return id, nil
				}
			}
		}
	}
	return "", engine.NewPermanentError("report "+name+" not found", nil).
		WithCode(engine.CodeReferenceUnresolved)
}

// latestExecution returns the most recent execution record, or nil when
// none exist yet.
func (a *Adapter) latestExecution(ctx context.Context, client engine.Client, reportID string) (map[string]interface{}, error) {
	records, err := adapters.CollectList(ctx, client, "reports", "listExecutions",
		map[string]string{"reportId": reportID})
	if err != nil {
		return nil, err
	}
	var latest map[string]interface{}
	var latestStart float64
	for _, record := range records {
		start, _ := adapters.NumberField(record, "startTime")
		if latest == nil || start > latestStart {
			latest = record
			latestStart = start
		}
	}
	return latest, nil
}

func extensionFor(format string) string {
	if ext, ok := formatExtensions[format]; ok {
		return ext
	}
	return ".csv"
}
