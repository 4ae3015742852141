package engine

import (
	"errors"
	"testing"
)

func TestBuildPlanCreate(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{presentItem("a", 0)}

	plan, err := BuildPlan(adapter, want, NewHave(), StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Items) != 1 {
		t.Fatalf("Expected 1 plan item, got %d", len(plan.Items))
	}
	if plan.Items[0].Action != ActionCreate {
		t.Errorf("Expected CREATE, got %s", plan.Items[0].Action)
	}
	if plan.MutationCount() != 1 {
		t.Errorf("Expected 1 mutation, got %d", plan.MutationCount())
	}
}

func TestBuildPlanExists(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{presentItem("a", 0)}
	have := NewHave()
	have.Items["a"] = RemoteItem{Key: "a", ID: "id-1", Fields: map[string]interface{}{"name": "a"}}

	plan, err := BuildPlan(adapter, want, have, StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if plan.Items[0].Action != ActionExists {
		t.Errorf("Expected EXISTS, got %s", plan.Items[0].Action)
	}
	if !plan.Converged() {
		t.Error("Plan with only EXISTS should be converged")
	}
}

func TestBuildPlanUpdateCarriesRemoteID(t *testing.T) {
	adapter := &fakeAdapter{
		equals: func(want ResourceItem, have RemoteItem) bool { return false },
	}
	want := []ResourceItem{presentItem("a", 0)}
	have := NewHave()
	have.Items["a"] = RemoteItem{Key: "a", ID: "id-1"}

	plan, err := BuildPlan(adapter, want, have, StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	step := plan.Items[0]
	if step.Action != ActionUpdate {
		t.Fatalf("Expected UPDATE, got %s", step.Action)
	}
	if step.Item.Payload["id"] != "id-1" {
		t.Errorf("Expected payload to carry remote id, got %v", step.Item.Payload["id"])
	}
	if _, mutated := want[0].Payload["id"]; mutated {
		t.Error("Planning must not mutate the want set")
	}
}

func TestBuildPlanAbsent(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{presentItem("b1", 0)}

	plan, err := BuildPlan(adapter, want, NewHave(), StateAbsent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if plan.Items[0].Action != ActionAbsent {
		t.Errorf("Expected ABSENT, got %s", plan.Items[0].Action)
	}
	if plan.MutationCount() != 0 {
		t.Errorf("ABSENT is not a mutation, got count %d", plan.MutationCount())
	}
}

func TestBuildPlanDelete(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{presentItem("b1", 0)}
	have := NewHave()
	have.Items["b1"] = RemoteItem{Key: "b1", ID: "id-9"}

	plan, err := BuildPlan(adapter, want, have, StateAbsent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	step := plan.Items[0]
	if step.Action != ActionDelete {
		t.Fatalf("Expected DELETE, got %s", step.Action)
	}
	if step.Item.Payload["id"] != "id-9" {
		t.Errorf("Expected delete payload to carry remote id, got %v", step.Item.Payload["id"])
	}
}

func TestBuildPlanDuplicateIdentity(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{presentItem("a", 0), presentItem("a", 1)}

	_, err := BuildPlan(adapter, want, NewHave(), StatePresent)
	if err == nil {
		t.Fatal("Expected duplicate identity error")
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != CodeSchemaDuplicateIdentity {
		t.Errorf("Expected %s, got %v", CodeSchemaDuplicateIdentity, err)
	}
}

func TestBuildPlanEveryWantItemAppearsOnce(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{
		presentItem("c", 0),
		presentItem("a", 1),
		presentItem("b", 2),
	}
	have := NewHave()
	have.Items["a"] = RemoteItem{Key: "a", ID: "id-a", Fields: map[string]interface{}{"name": "a"}}

	plan, err := BuildPlan(adapter, want, have, StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Items) != len(want) {
		t.Fatalf("Expected |plan| = |want| = %d, got %d", len(want), len(plan.Items))
	}
	seen := make(map[string]int)
	for _, step := range plan.Items {
		seen[step.Item.Key]++
	}
	for _, item := range want {
		if seen[item.Key] != 1 {
			t.Errorf("Item %s appears %d times in plan", item.Key, seen[item.Key])
		}
	}
}

func TestBuildPlanOrderingCreatesBeforeUpdatesBeforeAssigns(t *testing.T) {
	adapter := &fakeAdapter{
		equals: func(want ResourceItem, have RemoteItem) bool { return false },
		assigns: []AssignItem{
			{
				Item:        ResourceItem{Key: "a@site", Family: "fake", Section: "records", Position: 2},
				Predecessor: "a",
			},
		},
	}
	want := []ResourceItem{presentItem("u", 0), presentItem("a", 1)}
	have := NewHave()
	have.Items["u"] = RemoteItem{Key: "u", ID: "id-u"}

	plan, err := BuildPlan(adapter, want, have, StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	var order []Action
	for _, step := range plan.Items {
		order = append(order, step.Action)
	}
	expected := []Action{ActionCreate, ActionUpdate, ActionAssign}
	for i, action := range expected {
		if order[i] != action {
			t.Fatalf("Position %d: expected %s, got %s (full order %v)", i, action, order[i], order)
		}
	}
}

func TestBuildPlanSkipsSatisfiedAssigns(t *testing.T) {
	adapter := &fakeAdapter{
		assigns: []AssignItem{
			{Item: ResourceItem{Key: "a@site", Family: "fake", Section: "records", Position: 1}, Predecessor: "a"},
			{Item: ResourceItem{Key: "a@branch", Family: "fake", Section: "records", Position: 2}, Predecessor: "a"},
		},
	}
	want := []ResourceItem{presentItem("a", 0)}
	have := NewHave()
	have.Items["a"] = RemoteItem{Key: "a", ID: "id-1", Fields: map[string]interface{}{"name": "a"}}
	have.Assigned["a@site"] = true

	plan, err := BuildPlan(adapter, want, have, StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if len(plan.Items) != 2 {
		t.Fatalf("Expected satisfied assignment dropped, got %d items", len(plan.Items))
	}
	for _, step := range plan.Items {
		if step.Item.Key == "a@site" {
			t.Error("Satisfied assignment must not be re-planned")
		}
	}
	if plan.MutationCount() != 1 {
		t.Errorf("Expected only the unsatisfied assignment as mutation, got %d", plan.MutationCount())
	}
}

func TestBuildPlanDeleteReverseDependencyOrder(t *testing.T) {
	// backup depends on nfs; deletes must run backup first.
	adapter := &fakeAdapter{
		barriers: map[string]string{"backup/B1": "nfs/10.0.0.1:/b"},
	}
	want := []ResourceItem{
		{Key: "nfs/10.0.0.1:/b", Family: "fake", Section: "nfs", Position: 0},
		{Key: "backup/B1", Family: "fake", Section: "backup", Position: 1},
	}
	have := NewHave()
	have.Items["nfs/10.0.0.1:/b"] = RemoteItem{Key: "nfs/10.0.0.1:/b", ID: "n1"}
	have.Items["backup/B1"] = RemoteItem{Key: "backup/B1", ID: "b1"}

	plan, err := BuildPlan(adapter, want, have, StateAbsent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if plan.Items[0].Item.Key != "backup/B1" {
		t.Errorf("Expected dependent deleted first, got %s", plan.Items[0].Item.Key)
	}
	if plan.Items[1].Item.Key != "nfs/10.0.0.1:/b" {
		t.Errorf("Expected predecessor deleted last, got %s", plan.Items[1].Item.Key)
	}
}

func TestBuildPlanCreateDependencyOrder(t *testing.T) {
	adapter := &fakeAdapter{
		barriers: map[string]string{"backup/B1": "nfs/10.0.0.1:/b"},
	}
	// Input order deliberately reversed.
	want := []ResourceItem{
		{Key: "backup/B1", Family: "fake", Section: "backup", Position: 0},
		{Key: "nfs/10.0.0.1:/b", Family: "fake", Section: "nfs", Position: 1},
	}

	plan, err := BuildPlan(adapter, want, NewHave(), StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	if plan.Items[0].Item.Key != "nfs/10.0.0.1:/b" {
		t.Errorf("Expected predecessor created first, got %s", plan.Items[0].Item.Key)
	}
}

func TestBuildPlanUnresolvedReference(t *testing.T) {
	adapter := &fakeAdapter{}
	want := []ResourceItem{presentItem("a", 0)}
	have := NewHave()
	have.Unresolved["a"] = NewPermanentError("site Global/Nowhere not found", nil).
		WithCode(CodeReferenceUnresolved)

	plan, err := BuildPlan(adapter, want, have, StatePresent)
	if err != nil {
		t.Fatalf("BuildPlan failed: %v", err)
	}
	step := plan.Items[0]
	if step.Unresolvable == nil {
		t.Fatal("Expected unresolvable plan item")
	}
	if step.Unresolvable.Code != CodeReferenceUnresolved {
		t.Errorf("Expected %s, got %s", CodeReferenceUnresolved, step.Unresolvable.Code)
	}
}

func TestBuildPlanInvalidState(t *testing.T) {
	adapter := &fakeAdapter{}
	if _, err := BuildPlan(adapter, nil, NewHave(), State("sideways")); err == nil {
		t.Fatal("Expected invalid state error")
	}
}
