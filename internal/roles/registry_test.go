package roles

import (
	"testing"
	"time"
)

func testRoles() []Role {
	return []Role{
		{Name: "ceo"},
		{Name: "cfo", Supervisor: "ceo", Senior: true, ExpenseThreshold: 100_000, Keywords: []string{"budget"}},
		{Name: "cto", Supervisor: "ceo", Senior: true},
		{Name: "analyst", Supervisor: "cfo"},
		{Name: "engineer", Supervisor: "cto"},
	}
}

func TestRegistryHierarchy(t *testing.T) {
	r, err := NewRegistry(testRoles())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}

	subs := r.Subordinates("ceo")
	if len(subs) != 2 || subs[0] != "cfo" || subs[1] != "cto" {
		t.Fatalf("ceo subordinates=%v", subs)
	}
	if !r.IsSubordinate("cfo", "analyst") {
		t.Fatalf("analyst should be subordinate of cfo")
	}
	if r.IsSubordinate("cfo", "engineer") {
		t.Fatalf("engineer is not on cfo's team")
	}

	sup, ok := r.Supervisor("analyst")
	if !ok || sup != "cfo" {
		t.Fatalf("supervisor=%s ok=%t", sup, ok)
	}
	if _, ok := r.Supervisor("ceo"); ok {
		t.Fatalf("ceo has no supervisor")
	}
}

func TestRegistryDefaults(t *testing.T) {
	r, err := NewRegistry([]Role{{Name: "solo"}})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	role, _ := r.Get("solo")
	if role.ConsecutiveFailureLimit != 3 {
		t.Fatalf("failure limit=%d want 3", role.ConsecutiveFailureLimit)
	}
	if role.ReviewCadence != 24*time.Hour {
		t.Fatalf("cadence=%v want 24h", role.ReviewCadence)
	}
}

func TestRegistryRejectsBadHierarchy(t *testing.T) {
	if _, err := NewRegistry([]Role{{Name: "a", Supervisor: "missing"}}); err == nil {
		t.Fatalf("unknown supervisor must be rejected")
	}
	if _, err := NewRegistry([]Role{{Name: "a", Supervisor: "a"}}); err == nil {
		t.Fatalf("self-supervision must be rejected")
	}
	if _, err := NewRegistry([]Role{{Name: "a"}, {Name: "a"}}); err == nil {
		t.Fatalf("duplicate role must be rejected")
	}
}

func TestDerivedTables(t *testing.T) {
	r, err := NewRegistry(testRoles())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if got := r.SeniorNames(); len(got) != 2 || got[0] != "cfo" || got[1] != "cto" {
		t.Fatalf("senior names=%v", got)
	}
	if kw := r.KeywordTable(); len(kw["cfo"]) != 1 {
		t.Fatalf("keyword table=%v", kw)
	}
	if th := r.ExpenseThresholds(); th["cfo"] != 100_000 {
		t.Fatalf("thresholds=%v", th)
	}
}
