package engine

import (
	"fmt"
	"sort"
)

// BuildPlan computes the ordered plan that converges the want set onto the
// current remote state. It is deterministic: the same inputs always produce
// the same plan.
//
// For state=present a want item becomes CREATE (no matching remote record),
// EXISTS (adapter's Equals holds) or UPDATE (record differs; the remote id is
// carried into the payload). For state=absent it becomes DELETE or ABSENT.
// Assignment items derived by the adapter are appended after all creates;
// assignments the controller already satisfies (have.Assigned) are skipped.
// Ordering: creates precede updates precede assigns; deletes run in reverse
// dependency order; ties break by input position, then identity key.
func BuildPlan(adapter Adapter, want []ResourceItem, have *Have, state State) (*Plan, error) {
	if err := state.Validate(); err != nil {
		return nil, NewPermanentError("invalid block state", err)
	}

	seen := make(map[string]int, len(want))
	for _, item := range want {
		if _, dup := seen[item.Key]; dup {
			return nil, NewPermanentError(
				fmt.Sprintf("duplicate identity key %q in want set", item.Key), nil).
				WithCode(CodeSchemaDuplicateIdentity).WithItem(item.Key)
		}
		seen[item.Key] = item.Position
	}

	barriers := adapter.Barriers(want)
	plan := &Plan{Family: adapter.Family()}

	for _, item := range want {
		step := PlanItem{Item: item, Predecessor: barriers[item.Key]}

		if refErr, unresolved := have.Unresolved[item.Key]; unresolved {
			// Reference resolution failed in the fetch phase; the item is a
			// hard per-item failure but still occupies its plan slot.
			step.Action = actionForState(state, false)
			step.Rationale = refErr.Message
			step.Unresolvable = refErr
			plan.Items = append(plan.Items, step)
			continue
		}

		remote, exists := have.Items[item.Key]
		switch state {
		case StatePresent:
			switch {
			case !exists:
				step.Action = ActionCreate
				step.Rationale = "no matching remote record"
			case adapter.Equals(item, remote):
				step.Action = ActionExists
				step.Rationale = fmt.Sprintf("matches remote record %s", remote.ID)
			default:
				step.Action = ActionUpdate
				step.Rationale = fmt.Sprintf("differs from remote record %s", remote.ID)
				carryRemoteID(&step.Item, remote)
			}
		case StateAbsent:
			if exists {
				step.Action = ActionDelete
				step.Rationale = fmt.Sprintf("remote record %s present", remote.ID)
				carryRemoteID(&step.Item, remote)
			} else {
				step.Action = ActionAbsent
				step.Rationale = "no remote record"
			}
		}

		plan.Items = append(plan.Items, step)
	}

	if state == StatePresent {
		for _, assign := range adapter.Assigns(want, have) {
			if have.Assigned[assign.Item.Key] {
				continue
			}
			step := PlanItem{
				Item:        assign.Item,
				Action:      ActionAssign,
				Rationale:   "assignment requested",
				Predecessor: assign.Predecessor,
			}
			if refErr, unresolved := have.Unresolved[assign.Item.Key]; unresolved {
				step.Rationale = refErr.Message
				step.Unresolvable = refErr
			}
			plan.Items = append(plan.Items, step)
		}
	}

	orderPlan(plan, barriers)
	return plan, nil
}

// carryRemoteID copies the controller id of the matching remote record into
// the payload so updates and deletes address the right object. The payload is
// cloned first; planning never mutates the want set.
func carryRemoteID(item *ResourceItem, remote RemoteItem) {
	payload := make(map[string]interface{}, len(item.Payload)+1)
	for k, v := range item.Payload {
		payload[k] = v
	}
	payload["id"] = remote.ID
	item.Payload = payload
}

// orderPlan sorts plan items into execution order. The sort is stable over
// (action class, barrier depth, input position, identity key); barrier depth
// is ascending for creates (predecessors first) and descending for deletes
// (dependents first, e.g. backup before its NFS target).
func orderPlan(plan *Plan, barriers map[string]string) {
	depth := barrierDepths(barriers)

	sort.SliceStable(plan.Items, func(i, j int) bool {
		a, b := plan.Items[i], plan.Items[j]
		if ra, rb := a.Action.orderRank(), b.Action.orderRank(); ra != rb {
			return ra < rb
		}
		da, db := depth[a.Item.Key], depth[b.Item.Key]
		if da != db {
			if a.Action == ActionDelete {
				return da > db
			}
			return da < db
		}
		if a.Item.Position != b.Item.Position {
			return a.Item.Position < b.Item.Position
		}
		return a.Item.Key < b.Item.Key
	})
}

// barrierDepths computes the predecessor-chain depth of every item that
// participates in a barrier edge. Cycles are forbidden by construction
// (resources do not refer back to themselves); the walk is bounded so a
// malformed chain terminates regardless.
func barrierDepths(barriers map[string]string) map[string]int {
	depth := make(map[string]int, len(barriers))
	for key := range barriers {
		d, cur := 0, key
		for i := 0; i < len(barriers)+1; i++ {
			pred, ok := barriers[cur]
			if !ok {
				break
			}
			d++
			cur = pred
		}
		depth[key] = d
	}
	return depth
}

func actionForState(state State, exists bool) Action {
	if state == StateAbsent {
		if exists {
			return ActionDelete
		}
		return ActionAbsent
	}
	if exists {
		return ActionUpdate
	}
	return ActionCreate
}
