// Package adapters holds helpers shared by the resource-family adapters:
// wire record decoding, permissive field comparison and the site-hierarchy
// lookup every family with site references needs.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/openconverge/openconverge/pkg/engine"
)

// DecodeRecord decodes one wire record into a generic mapping.
func DecodeRecord(raw json.RawMessage) (map[string]interface{}, error) {
	var record map[string]interface{}
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, engine.NewError(engine.ErrorClassProtocol, "malformed record", err)
	}
	return record, nil
}

// CollectList materialises a paged listing into decoded records.
func CollectList(ctx context.Context, client engine.Client, family, op string, filter map[string]string) ([]map[string]interface{}, error) {
	var records []map[string]interface{}
	err := client.FetchPaged(ctx, family, op, filter, func(raw json.RawMessage) error {
		record, err := DecodeRecord(raw)
		if err != nil {
			return err
		}
		records = append(records, record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// StringField returns a string member of a record ("" when absent or not a
// string).
func StringField(record map[string]interface{}, key string) string {
	v, ok := record[key].(string)
	if !ok {
		return ""
	}
	return v
}

// NumberField returns a numeric member of a record, coercing ints, floats
// and numeric strings.
func NumberField(record map[string]interface{}, key string) (float64, bool) {
	switch n := record[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// FieldsEqual compares the given fields of want and have. Only fields the
// want record actually expresses participate; numbers are compared with
// coercion, everything else as strings.
func FieldsEqual(want, have map[string]interface{}, fields ...string) bool {
	for _, field := range fields {
		wv, present := want[field]
		if !present || wv == nil {
			continue
		}
		if wn, ok := NumberField(want, field); ok {
			hn, hok := NumberField(have, field)
			if !hok || wn != hn {
				return false
			}
			continue
		}
		if fmt.Sprintf("%v", wv) != fmt.Sprintf("%v", have[field]) {
			return false
		}
	}
	return true
}

// FloatEqual compares two floats after rounding to the declared number of
// decimal places.
func FloatEqual(a, b float64, decimals int) bool {
	scale := math.Pow10(decimals)
	return math.Round(a*scale) == math.Round(b*scale)
}

// TaskID extracts the task id from a dispatch response. Mutating intent
// endpoints respond with {"taskId": "...", "url": "..."} inside the
// standard envelope.
func TaskID(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.TaskID
}

// ResolveSiteID maps a site hierarchy path (e.g. "Global/HQ/Floor1") to the
// controller's site id. A miss returns a reference.unresolved error the
// planner turns into a hard per-item failure.
func ResolveSiteID(ctx context.Context, client engine.Client, sitePath string) (string, error) {
	body, err := client.Exec(ctx, "sites", "getSite", map[string]interface{}{"name": sitePath})
	if err != nil {
		if engine.IsNotFound(err) {
			return "", unresolvedSite(sitePath)
		}
		return "", err
	}

	var sites []map[string]interface{}
	if err := json.Unmarshal(body, &sites); err != nil {
		return "", engine.NewError(engine.ErrorClassProtocol, "malformed site response", err)
	}
	if len(sites) == 0 {
		return "", unresolvedSite(sitePath)
	}
	id := StringField(sites[0], "id")
	if id == "" {
		return "", unresolvedSite(sitePath)
	}
	return id, nil
}

func unresolvedSite(sitePath string) *engine.Error {
	return engine.NewPermanentError(
		fmt.Sprintf("site %q not found in the site hierarchy", sitePath), nil).
		WithCode(engine.CodeReferenceUnresolved)
}
