package catalyst

import (
	"context"
	"encoding/json"

	"github.com/openconverge/openconverge/pkg/engine"
)

// FetchPaged reads a listing endpoint page by page, invoking fn once per
// record. The sequence is finite and not restartable; callers materialise or
// filter while consuming. A 404 from the listing endpoint means "nothing
// there" and ends the iteration without error; several controller listing
// endpoints report an empty collection that way.
func (c *Client) FetchPaged(ctx context.Context, family, op string, filter map[string]string, fn func(json.RawMessage) error) error {
	offset := 1
	for {
		params := make(map[string]interface{}, len(filter)+2)
		for k, v := range filter {
			params[k] = v
		}
		params["offset"] = offset
		params["limit"] = c.cfg.PageSize

		body, err := c.Exec(ctx, family, op, params)
		if err != nil {
			if engine.IsNotFound(err) {
				return nil
			}
			return err
		}

		records, err := decodePage(body)
		if err != nil {
			return engine.NewError(engine.ErrorClassProtocol, "malformed page in "+family+"/"+op, err)
		}
		if len(records) == 0 {
			return nil
		}

		for _, record := range records {
			if err := fn(record); err != nil {
				return err
			}
		}

		if len(records) < c.cfg.PageSize {
			return nil
		}
		offset += c.cfg.PageSize
	}
}

// decodePage accepts either a bare array or an object with a single array
// member; the controller is not consistent across families.
func decodePage(body json.RawMessage) ([]json.RawMessage, error) {
	if len(body) == 0 {
		return nil, nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err == nil {
		return records, nil
	}

	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, err
	}
	for _, v := range wrapped {
		if err := json.Unmarshal(v, &records); err == nil {
			return records, nil
		}
	}
	return nil, nil
}
