package knowledge

import (
	"errors"
	"strings"
	"testing"
	"time"

	"orgsim/internal/domain"
	"orgsim/internal/roles"
)

func testRegistry(t *testing.T) *roles.Registry {
	t.Helper()
	reg, err := roles.NewRegistry([]roles.Role{
		{Name: "cto", Senior: true},
		{Name: "engineer", Supervisor: "cto"},
		{Name: "tester", Supervisor: "cto"},
		{Name: "cfo", Senior: true},
		{Name: "accountant", Supervisor: "cfo"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func goodRec() domain.Recommendation {
	return domain.Recommendation{
		Type:           "addition",
		Content:        "Run the regression suite before every deploy and attach the report.",
		TargetPattern:  "deployment checklist",
		ExpectedImpact: "high",
		Reasoning:      "Three of the last five incidents shipped without a test run.",
		Sources:        []string{"incident-42", "incident-47"},
		TargetRole:     "engineer",
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := Validate(goodRec()); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestValidateRejectsContractViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.Recommendation)
		want   error
	}{
		{"unknown type", func(r *domain.Recommendation) { r.Type = "directive" }, ErrBadType},
		{"empty content", func(r *domain.Recommendation) { r.Content = "  " }, ErrEmptyContent},
		{"content too long", func(r *domain.Recommendation) {
			r.Content = strings.Repeat("word ", 201)
		}, ErrContentTooLong},
		{"no target pattern", func(r *domain.Recommendation) { r.TargetPattern = "" }, ErrNoTarget},
		{"bad impact", func(r *domain.Recommendation) { r.ExpectedImpact = "transformative" }, ErrBadImpact},
		{"no reasoning", func(r *domain.Recommendation) { r.Reasoning = "" }, ErrNoReasoning},
		{"no sources", func(r *domain.Recommendation) { r.Sources = nil }, ErrNoSources},
		{"blank source", func(r *domain.Recommendation) { r.Sources = []string{" "} }, ErrNoSources},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := goodRec()
			tc.mutate(&rec)
			if err := Validate(rec); !errors.Is(err, tc.want) {
				t.Fatalf("Validate = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestContentWordLimitInclusive(t *testing.T) {
	rec := goodRec()
	rec.Content = strings.TrimSpace(strings.Repeat("word ", 200))
	if err := Validate(rec); err != nil {
		t.Fatalf("exactly 200 words should pass: %v", err)
	}
}

func TestScopeRejectsLeadAndForeignTeams(t *testing.T) {
	v := NewValidator(Config{}, testRegistry(t), nil)

	rec := goodRec()
	rec.TargetRole = "cto"
	if err := v.Scope(rec, "cto"); !errors.Is(err, ErrScopeSelf) {
		t.Fatalf("lead target error = %v, want ErrScopeSelf", err)
	}

	rec.TargetRole = "accountant"
	if err := v.Scope(rec, "cto"); !errors.Is(err, ErrScopeTeam) {
		t.Fatalf("foreign team error = %v, want ErrScopeTeam", err)
	}

	rec.TargetRole = "tester"
	if err := v.Scope(rec, "cto"); err != nil {
		t.Fatalf("in-team target error = %v, want nil", err)
	}
}

func TestAdmitStampsIdentityAndExpiry(t *testing.T) {
	v := NewValidator(Config{}, testRegistry(t), nil)

	got, err := v.Admit(goodRec(), "cto")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if got.ID == "" {
		t.Fatalf("Admit did not assign an id")
	}
	if got.CreatedAt.IsZero() {
		t.Fatalf("Admit did not stamp creation time")
	}
	want := got.CreatedAt.Add(DefaultExpiry)
	if !got.ExpiresAt.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}

	if _, err := v.Admit(goodRec(), "cfo"); !errors.Is(err, ErrScopeTeam) {
		t.Fatalf("Admit out-of-team error = %v, want ErrScopeTeam", err)
	}
}

func TestAdmitHonorsConfiguredExpiry(t *testing.T) {
	v := NewValidator(Config{Expiry: 48 * time.Hour}, testRegistry(t), nil)
	got, err := v.Admit(goodRec(), "cto")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if got.ExpiresAt.Sub(got.CreatedAt) != 48*time.Hour {
		t.Fatalf("expiry window = %v, want 48h", got.ExpiresAt.Sub(got.CreatedAt))
	}
}

func TestFresh(t *testing.T) {
	now := time.Now().UTC()
	rec := domain.Recommendation{ExpiresAt: now.Add(time.Hour)}
	if !Fresh(rec, now) {
		t.Fatalf("recommendation expiring in an hour should be fresh")
	}
	if Fresh(rec, now.Add(2*time.Hour)) {
		t.Fatalf("expired recommendation reported fresh")
	}
	if Fresh(domain.Recommendation{}, now) {
		t.Fatalf("unstamped recommendation reported fresh")
	}
}
