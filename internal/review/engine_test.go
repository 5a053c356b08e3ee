package review

import (
	"context"
	"sync"
	"testing"
	"time"

	"orgsim/internal/domain"
	"orgsim/internal/patterns"
	"orgsim/internal/roles"
)

func testRegistry(t *testing.T) *roles.Registry {
	t.Helper()
	reg, err := roles.NewRegistry([]roles.Role{
		{Name: "cfo", Senior: true},
		{Name: "accountant", Supervisor: "cfo"},
		{Name: "analyst", Supervisor: "cfo"},
		{Name: "cto", Senior: true},
		{Name: "engineer", Supervisor: "cto"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

type memStore struct {
	mu         sync.Mutex
	history    map[string][]domain.HistoryEntry
	amendments []domain.Amendment
	reviews    []domain.Review
	findings   []domain.Finding
}

func newMemStore() *memStore {
	return &memStore{history: make(map[string][]domain.HistoryEntry)}
}

func (s *memStore) ListHistory(_ context.Context, role string, limit int) ([]domain.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.history[role]
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]domain.HistoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *memStore) CreateAmendment(_ context.Context, a domain.Amendment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.amendments = append(s.amendments, a)
	return nil
}

func (s *memStore) UpdateAmendment(_ context.Context, a domain.Amendment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.amendments {
		if s.amendments[i].ID == a.ID {
			s.amendments[i] = a
			return nil
		}
	}
	s.amendments = append(s.amendments, a)
	return nil
}

func (s *memStore) ListActiveAmendments(_ context.Context, role string) ([]domain.Amendment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Amendment
	for _, a := range s.amendments {
		if a.TargetRole == role && a.Active {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memStore) CreateReview(_ context.Context, r domain.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews = append(s.reviews, r)
	return nil
}

func (s *memStore) InsertPatternFinding(_ context.Context, _ string, f domain.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.findings = append(s.findings, f)
	return nil
}

type captureEscalator struct {
	mu   sync.Mutex
	recv []domain.Escalation
}

func (c *captureEscalator) HandleEscalation(_ context.Context, esc domain.Escalation) (domain.Escalation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recv = append(c.recv, esc)
	return esc, nil
}

func newTestEngine(t *testing.T, store *memStore, esc Escalator) *Engine {
	t.Helper()
	reg := testRegistry(t)
	policy := NewPolicy(reg, nil, nil)
	detector := patterns.New(patterns.Config{})
	return New(Config{}, reg, policy, detector, store, esc, nil, nil)
}

func histEntry(status domain.TaskStatus, taken, estimate float64, at time.Time) domain.HistoryEntry {
	return domain.HistoryEntry{
		TaskID:           "task-" + at.Format("150405.000"),
		Role:             "accountant",
		Category:         "bookkeeping",
		Status:           status,
		Success:          status == domain.TaskStatusCompleted,
		TimeTakenMinutes: taken,
		EstimateMinutes:  estimate,
		CompletedAt:      at,
	}
}

func TestTrendDecliningWhenFailuresRecent(t *testing.T) {
	base := time.Now().UTC().Add(-time.Hour)
	var entries []domain.HistoryEntry
	for i := 0; i < 4; i++ {
		entries = append(entries, histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 4; i < 6; i++ {
		entries = append(entries, histEntry(domain.TaskStatusFailed, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}

	trend, slope := Trend(entries)
	if trend != domain.TrendDeclining {
		t.Fatalf("trend = %s, want declining (slope %.3f)", trend, slope)
	}
	if slope <= decliningSlope {
		t.Fatalf("slope = %.3f, expected above %.2f", slope, decliningSlope)
	}

	// Same outcomes with failures oldest reads as improvement.
	reversed := make([]domain.HistoryEntry, len(entries))
	for i := range entries {
		reversed[i] = entries[len(entries)-1-i]
		reversed[i].CompletedAt = base.Add(time.Duration(i) * time.Minute)
	}
	trend, slope = Trend(reversed)
	if trend != domain.TrendImproving {
		t.Fatalf("reversed trend = %s, want improving (slope %.3f)", trend, slope)
	}
}

func TestTrendInsufficientSamples(t *testing.T) {
	base := time.Now().UTC()
	entries := []domain.HistoryEntry{
		histEntry(domain.TaskStatusFailed, 30, 30, base),
		histEntry(domain.TaskStatusFailed, 30, 30, base.Add(time.Minute)),
	}
	trend, slope := Trend(entries)
	if trend != domain.TrendStable || slope != 0 {
		t.Fatalf("got %s/%.3f, want stable/0 below three samples", trend, slope)
	}
}

func TestTrendStableOnConsistentWork(t *testing.T) {
	base := time.Now().UTC()
	var entries []domain.HistoryEntry
	for i := 0; i < 8; i++ {
		entries = append(entries, histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}
	trend, _ := Trend(entries)
	if trend != domain.TrendStable {
		t.Fatalf("trend = %s, want stable", trend)
	}
}

func TestConsecutiveFailuresStopAtSuccess(t *testing.T) {
	base := time.Now().UTC()
	// Oldest to newest: completed, failed, rejected, failed.
	entries := []domain.HistoryEntry{
		histEntry(domain.TaskStatusCompleted, 30, 30, base),
		histEntry(domain.TaskStatusFailed, 30, 30, base.Add(time.Minute)),
		histEntry(domain.TaskStatusRejected, 30, 30, base.Add(2*time.Minute)),
		histEntry(domain.TaskStatusFailed, 30, 30, base.Add(3*time.Minute)),
	}
	if got := ConsecutiveFailures(entries); got != 3 {
		t.Fatalf("ConsecutiveFailures = %d, want 3", got)
	}

	entries = append(entries, histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(4*time.Minute)))
	if got := ConsecutiveFailures(entries); got != 0 {
		t.Fatalf("after trailing success, ConsecutiveFailures = %d, want 0", got)
	}
}

func TestCompositeScoreBounds(t *testing.T) {
	q := func(v float64) *float64 { return &v }
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	cases := []struct {
		name  string
		entry domain.HistoryEntry
	}{
		{"perfect", domain.HistoryEntry{Status: domain.TaskStatusCompleted, Success: true, QualityScore: q(1.0), DueDate: &future, CompletedAt: past}},
		{"worst", domain.HistoryEntry{Status: domain.TaskStatusFailed, QualityScore: q(0), Retries: 5, DueDate: &past, CompletedAt: future}},
		{"plain failure", domain.HistoryEntry{Status: domain.TaskStatusFailed}},
		{"plain success", domain.HistoryEntry{Status: domain.TaskStatusCompleted, Success: true}},
	}
	for _, tc := range cases {
		score := CompositeScore(tc.entry)
		if score < 0 || score > 1 {
			t.Fatalf("%s: score %.3f outside [0,1]", tc.name, score)
		}
	}
}

func TestCompositeScoreRetriesStrictlyLower(t *testing.T) {
	entry := domain.HistoryEntry{Status: domain.TaskStatusCompleted, Success: true}
	prev := CompositeScore(entry)
	for retries := 1; retries <= 4; retries++ {
		entry.Retries = retries
		score := CompositeScore(entry)
		if score >= prev {
			t.Fatalf("retries=%d: score %.4f not strictly below %.4f", retries, score, prev)
		}
		prev = score
	}
}

func TestRunCycleCriticalScoreEscalates(t *testing.T) {
	store := newMemStore()
	esc := &captureEscalator{}
	base := time.Now().UTC().Add(-time.Hour)
	// Alternating failures and low-quality completions keep the composite
	// under 0.3 without tripping the consecutive-failure limit.
	q := 0.05
	for i := 0; i < 10; i++ {
		e := histEntry(domain.TaskStatusFailed, 30, 30, base.Add(time.Duration(i)*time.Minute))
		if i%3 == 0 {
			e = histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i)*time.Minute))
			e.QualityScore = &q
			e.Retries = 4
		}
		store.history["accountant"] = append(store.history["accountant"], e)
	}

	engine := newTestEngine(t, store, esc)
	rev, err := engine.RunCycle(context.Background(), "cfo", "accountant")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rev.CompositeScore >= 0.3 {
		t.Fatalf("composite %.3f, expected below critical threshold", rev.CompositeScore)
	}
	if !rev.Intervention || rev.EscalatedTo != "cfo" {
		t.Fatalf("expected escalation intervention, got %+v", rev)
	}
	if len(esc.recv) != 1 {
		t.Fatalf("escalations delivered = %d, want 1", len(esc.recv))
	}
	if len(store.amendments) != 0 {
		t.Fatalf("critical score must escalate, not amend; got %d amendments", len(store.amendments))
	}
}

func TestRunCycleWarningScoreAmends(t *testing.T) {
	store := newMemStore()
	esc := &captureEscalator{}
	base := time.Now().UTC().Add(-time.Hour)
	// Alternating failures keep the composite in the warning band.
	for i := 0; i < 11; i++ {
		status := domain.TaskStatusCompleted
		if i%2 == 1 {
			status = domain.TaskStatusFailed
		}
		store.history["accountant"] = append(store.history["accountant"],
			histEntry(status, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}

	engine := newTestEngine(t, store, esc)
	rev, err := engine.RunCycle(context.Background(), "cfo", "accountant")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rev.CompositeScore < 0.3 || rev.CompositeScore >= 0.5 {
		t.Fatalf("composite %.3f not in warning band", rev.CompositeScore)
	}
	if len(esc.recv) != 0 {
		t.Fatalf("warning band must amend, not escalate; got %d escalations", len(esc.recv))
	}
	if len(store.amendments) != 1 {
		t.Fatalf("amendments = %d, want 1", len(store.amendments))
	}
	a := store.amendments[0]
	if a.TargetRole != "accountant" || a.CreatedBy != "cfo" {
		t.Fatalf("amendment targeting wrong roles: %+v", a)
	}
	if !a.Active || a.Result != domain.AmendmentResultPending {
		t.Fatalf("new amendment should be active and pending: %+v", a)
	}
	if a.PreScore != rev.CompositeScore {
		t.Fatalf("pre score %.3f != review composite %.3f", a.PreScore, rev.CompositeScore)
	}
	if rev.AmendmentID != a.ID {
		t.Fatalf("review does not reference the amendment")
	}
}

func TestRunCycleConsecutiveFailureLimit(t *testing.T) {
	store := newMemStore()
	esc := &captureEscalator{}
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		store.history["accountant"] = append(store.history["accountant"],
			histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}
	for i := 5; i < 8; i++ {
		store.history["accountant"] = append(store.history["accountant"],
			histEntry(domain.TaskStatusFailed, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}

	engine := newTestEngine(t, store, esc)
	rev, err := engine.RunCycle(context.Background(), "cfo", "accountant")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rev.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive failures = %d, want 3", rev.ConsecutiveFailures)
	}
	if len(esc.recv) != 1 {
		t.Fatalf("expected one escalation at the failure limit, got %d", len(esc.recv))
	}
	if esc.recv[0].FromRole != "cfo" {
		t.Fatalf("escalation from %q, want cfo", esc.recv[0].FromRole)
	}
}

func TestRunCycleRejectsOutsideTeam(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(t, store, &captureEscalator{})

	if _, err := engine.RunCycle(context.Background(), "cfo", "engineer"); err != ErrOutsideTeam {
		t.Fatalf("cross-team review error = %v, want ErrOutsideTeam", err)
	}
	if _, err := engine.RunCycle(context.Background(), "cfo", "cfo"); err != ErrSelfTarget {
		t.Fatalf("self review error = %v, want ErrSelfTarget", err)
	}
	if len(store.reviews) != 0 {
		t.Fatalf("rejected cycles must not persist reviews")
	}
}

func TestAmendmentEvaluationSuccessAndRevert(t *testing.T) {
	store := newMemStore()
	base := time.Now().UTC().Add(-2 * time.Hour)

	lowPre := 0.2
	store.amendments = append(store.amendments,
		domain.Amendment{
			ID: "amend-good", TargetRole: "accountant", CreatedBy: "cfo",
			PreScore: lowPre, WindowSize: 3, Active: true,
			Result: domain.AmendmentResultPending, CreatedAt: base,
		},
		domain.Amendment{
			ID: "amend-bad", TargetRole: "accountant", CreatedBy: "cfo",
			PreScore: 0.95, WindowSize: 3, Active: true,
			Result: domain.AmendmentResultPending, CreatedAt: base,
		})
	// Healthy post-amendment work: above 0.2, below 0.95.
	for i := 0; i < 12; i++ {
		store.history["accountant"] = append(store.history["accountant"],
			histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i+1)*time.Minute)))
	}

	engine := newTestEngine(t, store, &captureEscalator{})
	if _, err := engine.RunCycle(context.Background(), "cfo", "accountant"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	byID := make(map[string]domain.Amendment)
	for _, a := range store.amendments {
		byID[a.ID] = a
	}
	good := byID["amend-good"]
	if good.Active || good.Result != domain.AmendmentResultSuccess || good.Reverted {
		t.Fatalf("improved amendment: %+v", good)
	}
	if good.PostScore == nil || *good.PostScore <= lowPre {
		t.Fatalf("post score should exceed pre score, got %+v", good.PostScore)
	}
	bad := byID["amend-bad"]
	if bad.Active || bad.Result != domain.AmendmentResultFailure || !bad.Reverted {
		t.Fatalf("non-improving amendment must revert: %+v", bad)
	}
}

func TestAmendmentEvaluationWaitsForWindow(t *testing.T) {
	store := newMemStore()
	base := time.Now().UTC().Add(-time.Hour)
	store.amendments = append(store.amendments, domain.Amendment{
		ID: "amend-young", TargetRole: "accountant", CreatedBy: "cfo",
		PreScore: 0.2, WindowSize: 5, Active: true,
		Result: domain.AmendmentResultPending, CreatedAt: base,
	})
	for i := 0; i < 3; i++ {
		store.history["accountant"] = append(store.history["accountant"],
			histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i+1)*time.Minute)))
	}

	engine := newTestEngine(t, store, &captureEscalator{})
	if _, err := engine.RunCycle(context.Background(), "cfo", "accountant"); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !store.amendments[0].Active || store.amendments[0].Result != domain.AmendmentResultPending {
		t.Fatalf("amendment evaluated before its window elapsed: %+v", store.amendments[0])
	}
}

func TestRunCyclePersistsReviewSnapshot(t *testing.T) {
	store := newMemStore()
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 6; i++ {
		store.history["accountant"] = append(store.history["accountant"],
			histEntry(domain.TaskStatusCompleted, 30, 30, base.Add(time.Duration(i)*time.Minute)))
	}

	engine := newTestEngine(t, store, &captureEscalator{})
	rev, err := engine.RunCycle(context.Background(), "cfo", "accountant")
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if rev.Intervention {
		t.Fatalf("healthy role should not trigger intervention: %+v", rev)
	}
	if len(store.reviews) != 1 {
		t.Fatalf("reviews persisted = %d, want 1", len(store.reviews))
	}
	got := store.reviews[0]
	if got.Role != "accountant" || got.Reviewer != "cfo" || got.TasksAnalyzed != 6 {
		t.Fatalf("review snapshot mismatch: %+v", got)
	}
}
