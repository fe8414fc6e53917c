package rank_test

import (
	"testing"

	"studygate/internal/rank"
)

func TestFromRole(t *testing.T) {
	cases := map[string]rank.Rank{
		"read":       rank.Read,
		"researcher": rank.Researcher,
		"manager":    rank.Manager,
		"admin":      rank.Admin,
		"full":       rank.Full,
	}
	for role, want := range cases {
		got, err := rank.FromRole(role)
		if err != nil {
			t.Fatalf("FromRole(%s): %v", role, err)
		}
		if got != want {
			t.Fatalf("FromRole(%s) = %v, want %v", role, got, want)
		}
		if got.String() != role {
			t.Fatalf("round trip: %v.String() = %s", got, got.String())
		}
	}
	if _, err := rank.FromRole("owner"); err == nil {
		t.Fatal("unknown role accepted")
	}
}

func TestOrdering(t *testing.T) {
	order := []rank.Rank{rank.None, rank.Read, rank.Researcher, rank.Manager, rank.Admin, rank.Full}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Fatalf("%v not below %v", order[i-1], order[i])
		}
	}
}

func TestMembershipRolesExcludeFull(t *testing.T) {
	for _, role := range rank.MembershipRoles() {
		if role == "full" {
			t.Fatal("full must only be a global grant")
		}
		if _, err := rank.FromRole(role); err != nil {
			t.Fatalf("membership role %s invalid: %v", role, err)
		}
	}
}
