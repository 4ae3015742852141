// Package pnp converges Plug-and-Play device imports and their claims to
// sites.
package pnp

import (
	"context"
	"fmt"

	"github.com/openconverge/openconverge/pkg/adapters"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/schema"
)

// stateUnclaimed is the device state a claim requires.
const stateUnclaimed = "Unclaimed"

// Adapter implements engine.Adapter for the pnp family.
type Adapter struct{}

// New creates the pnp adapter.
func New() *Adapter {
	return &Adapter{}
}

// Family returns "pnp".
func (a *Adapter) Family() string {
	return "pnp"
}

// MinControllerVersion returns the oldest supported controller version.
func (a *Adapter) MinControllerVersion() string {
	return "2.2.3.3"
}

// Schema describes the pnp document section.
func (a *Adapter) Schema() *schema.Schema {
	return &schema.Schema{
		Fields: map[string]*schema.Field{
			"devices": {
				Type:     schema.KindList,
				Identity: []string{"serialNumber"},
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"serial_number": {Type: schema.KindString, Required: true, Wire: "serialNumber"},
						"pid":           {Type: schema.KindString},
						"hostname":      {Type: schema.KindString},
						"stack":         {Type: schema.KindBool, Default: false},
						"claim_site":    {Type: schema.KindString, Wire: "claimSite"},
						"image_id":      {Type: schema.KindString, Wire: "imageId"},
						"template_id":   {Type: schema.KindString, Wire: "templateId"},
					},
				},
			},
		},
	}
}

// Items emits one item per device, keyed by serial number.
func (a *Adapter) Items(section map[string]interface{}, state engine.State) ([]engine.ResourceItem, error) {
	raw, _ := section["devices"].([]interface{})
	var items []engine.ResourceItem
	for position, elem := range raw {
		record, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		items = append(items, engine.ResourceItem{
			Key:      "device/" + adapters.StringField(record, "serialNumber"),
			Family:   a.Family(),
			Section:  "devices",
			Payload:  record,
			Position: position,
		})
	}
	if len(items) == 0 {
		return nil, engine.NewPermanentError("pnp section has no devices", nil)
	}
	return items, nil
}

// FetchHave lists the PnP inventory and resolves claim site paths.
func (a *Adapter) FetchHave(ctx context.Context, client engine.Client, want []engine.ResourceItem) (*engine.Have, error) {
	have := engine.NewHave()

	records, err := adapters.CollectList(ctx, client, "pnp", "list", nil)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		flat := flattenDevice(record)
		key := "device/" + adapters.StringField(flat, "serialNumber")
		have.Items[key] = engine.RemoteItem{
			Key:    key,
			ID:     adapters.StringField(flat, "id"),
			Fields: flat,
		}
	}

	for _, item := range want {
		site := adapters.StringField(item.Payload, "claimSite")
		if site == "" {
			continue
		}
		if _, done := have.Refs[site]; done {
			continue
		}
		id, err := adapters.ResolveSiteID(ctx, client, site)
		if err != nil {
			have.Unresolved[claimKey(item, site)] = engine.NewPermanentError(err.Error(), nil).
				WithCode(engine.CodeReferenceUnresolved)
			continue
		}
		have.Refs[site] = id
	}
	return have, nil
}

// flattenDevice lifts deviceInfo members next to the record id.
func flattenDevice(record map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{})
	if info, ok := record["deviceInfo"].(map[string]interface{}); ok {
		for k, v := range info {
			flat[k] = v
		}
	}
	for k, v := range record {
		if k == "deviceInfo" {
			continue
		}
		flat[k] = v
	}
	return flat
}

// Equals matches on the serial number alone. Import carries no mutable
// fields the controller reports back.
func (a *Adapter) Equals(want engine.ResourceItem, have engine.RemoteItem) bool {
	return adapters.FieldsEqual(want.Payload, have.Fields, "serialNumber")
}

// Assigns derives a claim item for each device naming a claim site, unless
// the inventory already shows the device past the Unclaimed state.
func (a *Adapter) Assigns(want []engine.ResourceItem, have *engine.Have) []engine.AssignItem {
	var assigns []engine.AssignItem
	position := len(want)
	for _, item := range want {
		site := adapters.StringField(item.Payload, "claimSite")
		if site == "" {
			continue
		}
		if remote, ok := have.Items[item.Key]; ok {
			if state := adapters.StringField(remote.Fields, "state"); state != "" && state != stateUnclaimed {
				continue
			}
		}
		assigns = append(assigns, engine.AssignItem{
			Item: engine.ResourceItem{
				Key:     claimKey(item, site),
				Family:  a.Family(),
				Section: item.Section,
				Payload: map[string]interface{}{
					"site":   site,
					"device": item.Key,
				},
				Position: position,
			},
			Predecessor: item.Key,
		})
		position++
	}
	return assigns
}

func claimKey(item engine.ResourceItem, site string) string {
	return item.Key + "@" + site
}

// Barriers declares no edges between devices.
func (a *Adapter) Barriers(items []engine.ResourceItem) map[string]string {
	return nil
}

// Apply dispatches one pnp plan item.
func (a *Adapter) Apply(ctx context.Context, client engine.Client, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	switch item.Action {
	case engine.ActionCreate:
		device := map[string]interface{}{
			"deviceInfo": importInfo(item.Item.Payload),
		}
		body, err := client.Exec(ctx, "pnp", "import", map[string]interface{}{
			"payload": []interface{}{device},
		})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "imported"}, nil

	case engine.ActionDelete:
		body, err := client.Exec(ctx, "pnp", "delete",
			map[string]interface{}{"id": item.Item.Payload["id"]})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "deleted"}, nil

	case engine.ActionAssign:
		return a.applyClaim(ctx, client, item, have)

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action %s", item.Action), nil)
	}
}

func (a *Adapter) applyClaim(ctx context.Context, client engine.Client, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	site := adapters.StringField(item.Item.Payload, "site")
	siteID, ok := have.Refs[site]
	if !ok {
		return nil, engine.NewPermanentError("site "+site+" was not resolved", nil).
			WithCode(engine.CodeReferenceUnresolved).WithItem(item.Item.Key)
	}

	deviceKey := adapters.StringField(item.Item.Payload, "device")
	deviceID, err := a.deviceID(ctx, client, deviceKey, have)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"siteId":   siteID,
		"deviceId": deviceID,
		"type":     "Default",
	}
	if remote, ok := have.Items[deviceKey]; ok {
		if imageID := adapters.StringField(remote.Fields, "imageId"); imageID != "" {
			params["imageInfo"] = map[string]interface{}{"imageId": imageID}
		}
	}
	body, err := client.Exec(ctx, "pnp", "claim", params)
	if err != nil {
		return nil, err
	}
	return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "claimed to " + site}, nil
}

// deviceID finds the inventory id for a device, re-listing when the device
// was imported earlier in the same plan.
func (a *Adapter) deviceID(ctx context.Context, client engine.Client, deviceKey string, have *engine.Have) (string, error) {
	if remote, ok := have.Items[deviceKey]; ok && remote.ID != "" {
		return remote.ID, nil
	}
	serial := deviceKey[len("device/"):]
	records, err := adapters.CollectList(ctx, client, "pnp", "list",
		map[string]string{"serialNumber": serial})
	if err != nil {
		return "", err
	}
	for _, record := range records {
		flat := flattenDevice(record)
		if adapters.StringField(flat, "serialNumber") == serial {
			if id := adapters.StringField(flat, "id"); id != "" {
				return id, nil
			}
		}
	}
	return "", engine.NewPermanentError("device "+serial+" not found after import", nil).
		WithCode(engine.CodeReferenceUnresolved)
}

// importInfo keeps the wire members the bulk import accepts.
func importInfo(payload map[string]interface{}) map[string]interface{} {
	info := map[string]interface{}{"serialNumber": payload["serialNumber"]}
	for _, field := range []string{"pid", "hostname", "stack"} {
		if payload[field] != nil {
			info[field] = payload[field]
		}
	}
	return info
}
