// Package accesspoint converges planned access-point positions on a floor
// and their assignment to real devices.
package accesspoint

import (
	"context"
	"fmt"

	"github.com/openconverge/openconverge/pkg/adapters"
	"github.com/openconverge/openconverge/pkg/engine"
	"github.com/openconverge/openconverge/pkg/schema"
)

// coordinateDecimals is the precision positions are compared at.
const coordinateDecimals = 2

// Adapter implements engine.Adapter for the accesspoint family.
type Adapter struct{}

// New creates the accesspoint adapter.
func New() *Adapter {
	return &Adapter{}
}

// Family returns "accesspoint".
func (a *Adapter) Family() string {
	return "accesspoint"
}

// MinControllerVersion returns the oldest supported controller version.
func (a *Adapter) MinControllerVersion() string {
	return "2.3.3.0"
}

// Schema describes the accesspoint document section. Coordinate ranges are
// exclusive: the controller rejects positions on the floor boundary.
func (a *Adapter) Schema() *schema.Schema {
	return &schema.Schema{
		Fields: map[string]*schema.Field{
			"floor": {Type: schema.KindString, Required: true},
			"access_points": {
				Type:     schema.KindList,
				Identity: []string{"name"},
				MaxItems: 100,
				Elem: &schema.Field{
					Type: schema.KindMap,
					Fields: map[string]*schema.Field{
						"name":          {Type: schema.KindString, Required: true},
						"mac_address":   {Type: schema.KindString, Format: "mac", Wire: "macAddress"},
						"type":          {Type: schema.KindString, Wire: "typeString"},
						"x_position":    {Type: schema.KindFloat, Required: true, Min: schema.Ptr(0), Max: schema.Ptr(100), Exclusive: true, Wire: "x"},
						"y_position":    {Type: schema.KindFloat, Required: true, Min: schema.Ptr(0), Max: schema.Ptr(88), Exclusive: true, Wire: "y"},
						"z_position":    {Type: schema.KindFloat, Default: 5.0, Min: schema.Ptr(3), Max: schema.Ptr(10), Exclusive: true, Wire: "z"},
						"assign_device": {Type: schema.KindString, Wire: "assignDevice"},
						"radios": {
							Type:     schema.KindList,
							MaxItems: 4,
							Elem: &schema.Field{
								Type: schema.KindMap,
								Fields: map[string]*schema.Field{
									"bands":     {Type: schema.KindList, Elem: &schema.Field{Type: schema.KindString, Enum: []string{"2.4", "5", "6"}}},
									"channel":   {Type: schema.KindInt},
									"tx_power":  {Type: schema.KindInt, Wire: "txPower"},
									"antenna":   {Type: schema.KindString},
									"azimuth":   {Type: schema.KindInt, Min: schema.Ptr(0), Max: schema.Ptr(360)},
									"elevation": {Type: schema.KindInt, Min: schema.Ptr(-90), Max: schema.Ptr(90)},
								},
							},
						},
					},
				},
			},
		},
	}
}

// Items emits one item per planned access point, keyed by floor and name.
func (a *Adapter) Items(section map[string]interface{}, state engine.State) ([]engine.ResourceItem, error) {
	floor, _ := section["floor"].(string)
	if floor == "" {
		return nil, engine.NewPermanentError("accesspoint section has no floor", nil)
	}
	raw, _ := section["access_points"].([]interface{})
	var items []engine.ResourceItem
	for position, elem := range raw {
		record, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		payload := make(map[string]interface{}, len(record)+1)
		for k, v := range record {
			payload[k] = v
		}
		payload["floor"] = floor
		items = append(items, engine.ResourceItem{
			Key:      floor + "/" + adapters.StringField(record, "name"),
			Family:   a.Family(),
			Section:  "access_points",
			Payload:  payload,
			Position: position,
		})
	}
	if len(items) == 0 {
		return nil, engine.NewPermanentError("accesspoint section has no access_points", nil)
	}
	return items, nil
}

// FetchHave resolves the floor and lists its planned access points.
func (a *Adapter) FetchHave(ctx context.Context, client engine.Client, want []engine.ResourceItem) (*engine.Have, error) {
	have := engine.NewHave()

	floors := make(map[string]bool)
	for _, item := range want {
		floors[adapters.StringField(item.Payload, "floor")] = true
	}

	for floor := range floors {
		floorID, err := adapters.ResolveSiteID(ctx, client, floor)
		if err != nil {
			refErr := engine.NewPermanentError(err.Error(), nil).WithCode(engine.CodeReferenceUnresolved)
			for _, item := range want {
				if adapters.StringField(item.Payload, "floor") == floor {
					have.Unresolved[item.Key] = refErr
				}
			}
			continue
		}
		have.Refs[floor] = floorID

		records, err := adapters.CollectList(ctx, client, "accesspoint", "listPlanned",
			map[string]string{"floorId": floorID})
		if err != nil {
			return nil, err
		}
		for _, record := range records {
			flat := flattenPlanned(record)
			key := floor + "/" + adapters.StringField(flat, "name")
			have.Items[key] = engine.RemoteItem{
				Key:    key,
				ID:     adapters.StringField(flat, "id"),
				Fields: flat,
			}
		}
	}

	a.markSatisfiedAssignments(want, have)
	return have, nil
}

// markSatisfiedAssignments marks device assignments the floor listing
// already reflects. An assigned planned record echoes its device as
// assignedApName (or assignedApMac when addressed by MAC).
func (a *Adapter) markSatisfiedAssignments(want []engine.ResourceItem, have *engine.Have) {
	for _, item := range want {
		device := adapters.StringField(item.Payload, "assignDevice")
		if device == "" {
			continue
		}
		remote, ok := have.Items[item.Key]
		if !ok {
			continue
		}
		if adapters.StringField(remote.Fields, "assignedApName") == device ||
			adapters.StringField(remote.Fields, "assignedApMac") == device {
			have.Assigned[item.Key+"@"+device] = true
		}
	}
}

// flattenPlanned lifts the controller's nested planned-AP record into the
// flat field set the diff runs over.
func flattenPlanned(record map[string]interface{}) map[string]interface{} {
	flat := make(map[string]interface{})
	if attrs, ok := record["attributes"].(map[string]interface{}); ok {
		for k, v := range attrs {
			flat[k] = v
		}
	}
	if pos, ok := record["position"].(map[string]interface{}); ok {
		for k, v := range pos {
			flat[k] = v
		}
	}
	for k, v := range record {
		if k == "attributes" || k == "position" {
			continue
		}
		flat[k] = v
	}
	return flat
}

// Equals compares the name and the position at two-decimal precision.
func (a *Adapter) Equals(want engine.ResourceItem, have engine.RemoteItem) bool {
	if !adapters.FieldsEqual(want.Payload, have.Fields, "name", "macAddress") {
		return false
	}
	for _, axis := range []string{"x", "y", "z"} {
		w, wok := adapters.NumberField(want.Payload, axis)
		h, hok := adapters.NumberField(have.Fields, axis)
		if wok != hok {
			return false
		}
		if wok && !adapters.FloatEqual(w, h, coordinateDecimals) {
			return false
		}
	}
	return true
}

// Assigns derives one assignment item per planned AP that names a real
// device, barriered on the planned position.
func (a *Adapter) Assigns(want []engine.ResourceItem, have *engine.Have) []engine.AssignItem {
	var assigns []engine.AssignItem
	position := len(want)
	for _, item := range want {
		device := adapters.StringField(item.Payload, "assignDevice")
		if device == "" {
			continue
		}
		assigns = append(assigns, engine.AssignItem{
			Item: engine.ResourceItem{
				Key:     item.Key + "@" + device,
				Family:  a.Family(),
				Section: item.Section,
				Payload: map[string]interface{}{
					"floor":   item.Payload["floor"],
					"planned": item.Key,
					"device":  device,
				},
				Position: position,
			},
			Predecessor: item.Key,
		})
		position++
	}
	return assigns
}

// Barriers declares no edges between planned positions.
func (a *Adapter) Barriers(items []engine.ResourceItem) map[string]string {
	return nil
}

// Apply dispatches one accesspoint plan item.
func (a *Adapter) Apply(ctx context.Context, client engine.Client, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	floor := adapters.StringField(item.Item.Payload, "floor")
	floorID, ok := have.Refs[floor]
	if !ok {
		return nil, engine.NewPermanentError("floor "+floor+" was not resolved", nil).
			WithCode(engine.CodeReferenceUnresolved).WithItem(item.Item.Key)
	}

	switch item.Action {
	case engine.ActionCreate:
		body, err := client.Exec(ctx, "accesspoint", "createPlanned", plannedParams(floorID, item.Item.Payload))
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "created"}, nil

	case engine.ActionUpdate:
		params := plannedParams(floorID, item.Item.Payload)
		params["id"] = item.Item.Payload["id"]
		body, err := client.Exec(ctx, "accesspoint", "updatePlanned", params)
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "updated"}, nil

	case engine.ActionDelete:
		body, err := client.Exec(ctx, "accesspoint", "deletePlanned", map[string]interface{}{
			"floorId":   floorID,
			"plannedId": item.Item.Payload["id"],
		})
		if err != nil {
			return nil, err
		}
		return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "deleted"}, nil

	case engine.ActionAssign:
		return a.applyAssign(ctx, client, floorID, item, have)

	default:
		return nil, engine.NewPermanentError(fmt.Sprintf("unsupported action %s", item.Action), nil)
	}
}

func (a *Adapter) applyAssign(ctx context.Context, client engine.Client, floorID string, item engine.PlanItem, have *engine.Have) (*engine.Dispatch, error) {
	device := adapters.StringField(item.Item.Payload, "device")
	plannedKey := adapters.StringField(item.Item.Payload, "planned")

	plannedID, err := a.plannedID(ctx, client, floorID, plannedKey, have)
	if err != nil {
		return nil, err
	}

	deviceID, err := a.deviceID(ctx, client, device)
	if err != nil {
		return nil, err
	}

	body, err := client.Exec(ctx, "accesspoint", "assignPlanned", map[string]interface{}{
		"floorId":   floorID,
		"plannedId": plannedID,
		"deviceId":  deviceID,
	})
	if err != nil {
		return nil, err
	}
	return &engine.Dispatch{TaskID: adapters.TaskID(body), Detail: "assigned to " + device}, nil
}

// plannedID finds the planned position's controller id, re-listing the
// floor when the position was created earlier in the same plan.
func (a *Adapter) plannedID(ctx context.Context, client engine.Client, floorID, plannedKey string, have *engine.Have) (string, error) {
	if remote, ok := have.Items[plannedKey]; ok && remote.ID != "" {
		return remote.ID, nil
	}
	records, err := adapters.CollectList(ctx, client, "accesspoint", "listPlanned",
		map[string]string{"floorId": floorID})
	if err != nil {
		return "", err
	}
	for _, record := range records {
		flat := flattenPlanned(record)
		if fmt.Sprintf("%s/%s", floorPath(plannedKey), adapters.StringField(flat, "name")) == plannedKey {
			if id := adapters.StringField(flat, "id"); id != "" {
				return id, nil
			}
		}
	}
	return "", engine.NewPermanentError("planned position "+plannedKey+" not found after creation", nil).
		WithCode(engine.CodeReferenceUnresolved)
}

// deviceID resolves a real access point by name or MAC address.
func (a *Adapter) deviceID(ctx context.Context, client engine.Client, device string) (string, error) {
	records, err := adapters.CollectList(ctx, client, "accesspoint", "listDevices",
		map[string]string{"hostname": device})
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		records, err = adapters.CollectList(ctx, client, "accesspoint", "listDevices",
			map[string]string{"macAddress": device})
		if err != nil {
			return "", err
		}
	}
	if len(records) == 0 {
		return "", engine.NewPermanentError("access point "+device+" not found", nil).
			WithCode(engine.CodeReferenceUnresolved)
	}
	return adapters.StringField(records[0], "id"), nil
}

func plannedParams(floorID string, payload map[string]interface{}) map[string]interface{} {
	attrs := map[string]interface{}{"name": payload["name"]}
	if payload["macAddress"] != nil {
		attrs["macAddress"] = payload["macAddress"]
	}
	if payload["typeString"] != nil {
		attrs["typeString"] = payload["typeString"]
	}
	params := map[string]interface{}{
		"floorId":    floorID,
		"attributes": attrs,
		"position": map[string]interface{}{
			"x": payload["x"],
			"y": payload["y"],
			"z": payload["z"],
		},
	}
	if radios, ok := payload["radios"].([]interface{}); ok && len(radios) > 0 {
		params["radios"] = radios
	}
	return params
}

func floorPath(plannedKey string) string {
	for i := len(plannedKey) - 1; i >= 0; i-- {
		if plannedKey[i] == '/' {
			return plannedKey[:i]
		}
	}
	return plannedKey
}
