package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openconverge/openconverge/pkg/schema"
)

// Client is the typed facade to the remote controller the engine depends on.
// Implementations classify every failure (see ErrorClass) and retry transient
// and server errors internally with backoff and jitter. A 404 on a read is
// surfaced as NewNotFoundError, never as a generic failure, and lookup
// helpers built on FetchPaged treat it as an empty result.
type Client interface {
	// Exec performs one controller operation and returns the decoded
	// response body.
	Exec(ctx context.Context, family, op string, params map[string]interface{}) (json.RawMessage, error)

	// FetchPaged reads a paginated listing lazily, invoking fn once per
	// record. The sequence is finite and not restartable; callers
	// materialise or filter as they consume. fn returning an error stops
	// the iteration and is returned verbatim.
	FetchPaged(ctx context.Context, family, op string, filter map[string]string, fn func(json.RawMessage) error) error

	// PollTask polls an asynchronous task until it reaches a terminal
	// state or the deadline expires. Deadline expiry yields a FAILED
	// result with a task.deadline code, not an error.
	PollTask(ctx context.Context, taskID string, deadline time.Duration) (*TaskResult, error)

	// Download fetches raw (non-JSON) content, e.g. generated report files.
	Download(ctx context.Context, family, op string, params map[string]interface{}) ([]byte, error)
}

// AssignItem pairs a derived assignment item with its barrier predecessor.
// Assignment steps are emitted after all creates in the same plan; when the
// predecessor fails, the assignment is skipped with predecessor_failed.
type AssignItem struct {
	Item        ResourceItem
	Predecessor string
}

// Adapter specialises the engine for one resource family. It supplies the
// schema, identity rules, diff predicate and API bindings; the engine
// supplies everything else.
type Adapter interface {
	// Family returns the resource family name. It is also the name of the
	// document section the adapter consumes.
	Family() string

	// MinControllerVersion is the minimum controller version the family's
	// endpoints require ("" = no gate).
	MinControllerVersion() string

	// Schema describes and normalises the family's document section.
	Schema() *schema.Schema

	// Items splits a normalised section into resource items in section
	// order. Item keys must be unique; payloads are already in wire casing.
	Items(section map[string]interface{}, state State) ([]ResourceItem, error)

	// FetchHave reads the current remote state the diff requires and
	// resolves external references. Items whose references cannot be
	// resolved are recorded in Have.Unresolved and become hard per-item
	// failures during planning.
	FetchHave(ctx context.Context, client Client, want []ResourceItem) (*Have, error)

	// Equals compares only the fields the user may express. Numeric fields
	// are compared with explicit coercion; float coordinates after
	// precision normalisation; lists of records by identity match.
	Equals(want ResourceItem, have RemoteItem) bool

	// Assigns derives assignment items from the want set. Adapters without
	// an assign phase return nil.
	Assigns(want []ResourceItem, have *Have) []AssignItem

	// Barriers declares predecessor edges between regular items
	// (item key -> predecessor item key).
	Barriers(items []ResourceItem) map[string]string

	// Apply dispatches one plan item to the controller, returning either a
	// synchronous response or a task handle for the executor to poll.
	Apply(ctx context.Context, client Client, item PlanItem, have *Have) (*Dispatch, error)
}
