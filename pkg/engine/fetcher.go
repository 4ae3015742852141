package engine

import (
	"context"

	"github.com/openconverge/openconverge/pkg/telemetry"
)

// FetchHave reads the current remote state required to diff the want set.
// The reads are delegated to the adapter, which declares and performs only
// what its diff needs (list + filter + hydrate) through the classified
// client. All reads complete before the caller starts planning; nothing the
// fetch phase starts is still in flight when it returns.
//
// A lookup miss inside the adapter's reads is an empty result, not an error.
// Reference-resolution failures (site path, webhook name) are recorded
// per-item in Have.Unresolved; only transport-level failures abort the fetch.
func FetchHave(ctx context.Context, client Client, adapter Adapter, want []ResourceItem, log *telemetry.Logger) (*Have, error) {
	log = log.NewComponentLogger("fetcher").WithFamily(adapter.Family())

	if len(want) == 0 {
		return NewHave(), nil
	}

	have, err := adapter.FetchHave(ctx, client, want)
	if err != nil {
		if IsNotFound(err) {
			// The family's listing endpoint does not exist yet on this
			// controller; treat as "nothing present".
			log.Debug("listing returned not found, treating as empty state")
			return NewHave(), nil
		}
		return nil, err
	}
	if have == nil {
		have = NewHave()
	}
	if have.Items == nil {
		have.Items = make(map[string]RemoteItem)
	}
	if have.Refs == nil {
		have.Refs = make(map[string]string)
	}
	if have.Unresolved == nil {
		have.Unresolved = make(map[string]*Error)
	}

	log.Debugf("fetched %d remote records, %d resolved references, %d unresolved items",
		len(have.Items), len(have.Refs), len(have.Unresolved))
	return have, nil
}
