package workflow_test

import (
	"testing"

	"studygate/internal/workflow"
)

var knownGuards = map[string]bool{workflow.GuardArtifactPublished: true}

func TestDefaultTableValidates(t *testing.T) {
	if err := workflow.Default().Validate(knownGuards); err != nil {
		t.Fatalf("default table invalid: %v", err)
	}
}

func TestLookup(t *testing.T) {
	def := workflow.Default()

	tr, ok := def.Lookup(workflow.Submit, workflow.Created)
	if !ok {
		t.Fatal("submit from created not found")
	}
	if tr.Destination != workflow.Submitted {
		t.Fatalf("destination = %s, want submitted", tr.Destination)
	}

	if _, ok := def.Lookup(workflow.Submit, workflow.Submitted); ok {
		t.Fatal("submit should not be legal from submitted")
	}
	if _, ok := def.Lookup("vanish", workflow.Created); ok {
		t.Fatal("unknown trigger matched")
	}

	// Deactivate is declared from both running states.
	for _, from := range []workflow.State{workflow.Active, workflow.Paused} {
		tr, ok := def.Lookup(workflow.Deactivate, from)
		if !ok || tr.Destination != workflow.Deactivated {
			t.Fatalf("deactivate from %s: ok=%v dest=%s", from, ok, tr.Destination)
		}
	}
}

func TestTransitionsFromSorted(t *testing.T) {
	trs := workflow.Default().TransitionsFrom(workflow.Active)
	if len(trs) != 2 {
		t.Fatalf("transitions from active = %d, want 2", len(trs))
	}
	if trs[0].Trigger != workflow.Deactivate || trs[1].Trigger != workflow.Pause {
		t.Fatalf("order = %s, %s", trs[0].Trigger, trs[1].Trigger)
	}
	if got := workflow.Default().TransitionsFrom(workflow.Deactivated); len(got) != 0 {
		t.Fatalf("deactivated is terminal, got %+v", got)
	}
}

func TestWithDeclarationsMerges(t *testing.T) {
	def := workflow.Default().WithDeclarations(map[string][]string{
		"reject": {"review_ref", "comments"},
		"submit": {"ethics_approved"},
	})
	if err := def.Validate(knownGuards); err != nil {
		t.Fatalf("merged table invalid: %v", err)
	}

	tr, _ := def.Lookup(workflow.Reject, workflow.Submitted)
	if len(tr.Declarations) != 2 {
		t.Fatalf("reject declarations = %v; comments must not be duplicated or dropped", tr.Declarations)
	}
	tr, _ = def.Lookup(workflow.Submit, workflow.Created)
	if len(tr.Declarations) != 1 || tr.Declarations[0] != "ethics_approved" {
		t.Fatalf("submit declarations = %v", tr.Declarations)
	}

	// The base table is not mutated.
	tr, _ = workflow.Default().Lookup(workflow.Submit, workflow.Created)
	if len(tr.Declarations) != 0 {
		t.Fatalf("base table gained declarations: %v", tr.Declarations)
	}
}

func TestValidateRejectsUnknownGuard(t *testing.T) {
	def := workflow.Default()
	if err := def.Validate(map[string]bool{}); err == nil {
		t.Fatal("table with unregistered guard passed validation")
	}
}

func TestIsState(t *testing.T) {
	for _, s := range workflow.States() {
		if !workflow.IsState(s) {
			t.Fatalf("%s not recognized", s)
		}
	}
	if workflow.IsState("archived") {
		t.Fatal("archived is not a state")
	}
}
