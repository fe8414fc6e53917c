package workflow

import (
	"fmt"
	"sort"

	"studygate/internal/rank"
)

// State is a study lifecycle state. The set is closed; no other values are
// valid anywhere in the system.
type State string

const (
	Created     State = "created"
	Submitted   State = "submitted"
	Rejected    State = "rejected"
	Approved    State = "approved"
	Active      State = "active"
	Paused      State = "paused"
	Deactivated State = "deactivated"
)

// Initial is the state every study starts in.
const Initial = Created

// States returns the closed state set in lifecycle order.
func States() []State {
	return []State{Created, Submitted, Rejected, Approved, Active, Paused, Deactivated}
}

// IsState reports whether s names a member of the closed state set.
func IsState(s State) bool {
	for _, known := range States() {
		if s == known {
			return true
		}
	}
	return false
}

// Trigger is a named action an actor requests against a study.
type Trigger string

const (
	Submit     Trigger = "submit"
	Resubmit   Trigger = "resubmit"
	Reject     Trigger = "reject"
	Approve    Trigger = "approve"
	Activate   Trigger = "activate"
	Pause      Trigger = "pause"
	Resume     Trigger = "resume"
	Deactivate Trigger = "deactivate"
)

// CommentsField is the declaration field satisfied by the transition comment
// rather than the declarations payload.
const CommentsField = "comments"

// GuardArtifactPublished requires the study's latest build artifact to be
// published before the transition may commit.
const GuardArtifactPublished = "artifact-published"

// Transition is one immutable row of the workflow table.
type Transition struct {
	Trigger      Trigger
	Sources      []State
	Destination  State
	RequiredRank rank.Rank
	// Declarations lists payload fields that must be present and non-empty,
	// e.g. comments for reject. The comments field is read from the
	// transition comment.
	Declarations []string
	// Guard names a business-rule predicate registered with the engine.
	Guard string
}

func (t Transition) from(s State) bool {
	for _, src := range t.Sources {
		if src == s {
			return true
		}
	}
	return false
}

// Definition is the closed, startup-validated table of transitions.
type Definition struct {
	transitions []Transition
}

// Default returns the documented study lifecycle table.
func Default() Definition {
	return Definition{transitions: []Transition{
		{Trigger: Submit, Sources: []State{Created}, Destination: Submitted, RequiredRank: rank.Researcher},
		{Trigger: Resubmit, Sources: []State{Rejected}, Destination: Submitted, RequiredRank: rank.Researcher},
		{Trigger: Reject, Sources: []State{Submitted}, Destination: Rejected, RequiredRank: rank.Admin, Declarations: []string{CommentsField}},
		{Trigger: Approve, Sources: []State{Submitted}, Destination: Approved, RequiredRank: rank.Admin},
		{Trigger: Activate, Sources: []State{Approved}, Destination: Active, RequiredRank: rank.Admin, Guard: GuardArtifactPublished},
		{Trigger: Pause, Sources: []State{Active}, Destination: Paused, RequiredRank: rank.Manager},
		{Trigger: Resume, Sources: []State{Paused}, Destination: Active, RequiredRank: rank.Manager},
		{Trigger: Deactivate, Sources: []State{Active, Paused}, Destination: Deactivated, RequiredRank: rank.Admin},
	}}
}

// WithDeclarations returns a copy of the definition with extra required
// declaration fields merged in per trigger. Documented requirements are never
// removed; unknown triggers are rejected by Validate.
func (d Definition) WithDeclarations(extra map[string][]string) Definition {
	if len(extra) == 0 {
		return d
	}
	out := Definition{transitions: make([]Transition, len(d.transitions))}
	copy(out.transitions, d.transitions)
	for i, tr := range out.transitions {
		add, ok := extra[string(tr.Trigger)]
		if !ok {
			continue
		}
		merged := append([]string{}, tr.Declarations...)
		for _, field := range add {
			if !contains(merged, field) {
				merged = append(merged, field)
			}
		}
		out.transitions[i].Declarations = merged
	}
	return out
}

// Validate checks table consistency at startup: known states only, a single
// destination per (trigger, source) pair, non-empty declaration fields, and
// guards limited to the registered set.
func (d Definition) Validate(knownGuards map[string]bool) error {
	type pair struct {
		trigger Trigger
		source  State
	}
	seen := map[pair]State{}
	for _, tr := range d.transitions {
		if tr.Trigger == "" {
			return fmt.Errorf("transition with empty trigger")
		}
		if !IsState(tr.Destination) {
			return fmt.Errorf("trigger %s: unknown destination state %s", tr.Trigger, tr.Destination)
		}
		if len(tr.Sources) == 0 {
			return fmt.Errorf("trigger %s: no source states", tr.Trigger)
		}
		if tr.RequiredRank <= rank.None {
			return fmt.Errorf("trigger %s: required rank missing", tr.Trigger)
		}
		for _, src := range tr.Sources {
			if !IsState(src) {
				return fmt.Errorf("trigger %s: unknown source state %s", tr.Trigger, src)
			}
			key := pair{tr.Trigger, src}
			if dst, dup := seen[key]; dup && dst != tr.Destination {
				return fmt.Errorf("trigger %s maps %s to both %s and %s", tr.Trigger, src, dst, tr.Destination)
			}
			seen[key] = tr.Destination
		}
		for _, field := range tr.Declarations {
			if field == "" {
				return fmt.Errorf("trigger %s: empty declaration field", tr.Trigger)
			}
		}
		if tr.Guard != "" && !knownGuards[tr.Guard] {
			return fmt.Errorf("trigger %s: unknown guard %s", tr.Trigger, tr.Guard)
		}
	}
	return nil
}

// Lookup returns the transition for (trigger, from), if declared.
func (d Definition) Lookup(trigger Trigger, from State) (Transition, bool) {
	for _, tr := range d.transitions {
		if tr.Trigger == trigger && tr.from(from) {
			return tr, true
		}
	}
	return Transition{}, false
}

// TransitionsFrom lists the triggers legal from a state. Used to drive UI
// affordances; it grants no authorization.
func (d Definition) TransitionsFrom(from State) []Transition {
	var out []Transition
	for _, tr := range d.transitions {
		if tr.from(from) {
			out = append(out, tr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger < out[j].Trigger })
	return out
}

// Transitions returns the full table in declaration order.
func (d Definition) Transitions() []Transition {
	out := make([]Transition, len(d.transitions))
	copy(out, d.transitions)
	return out
}

func contains(in []string, v string) bool {
	for _, s := range in {
		if s == v {
			return true
		}
	}
	return false
}
