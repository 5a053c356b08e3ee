package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"orgsim/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}

func TestTaskRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	due := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	task := domain.Task{
		ID:              uuid.NewString(),
		Content:         "Prepare the quarterly budget review",
		Notes:           "needs last quarter's actuals",
		Priority:        domain.PriorityHigh,
		Score:           75,
		AssignedRole:    "cfo",
		Workflow:        "finance-close",
		DueDate:         &due,
		BlockedBy:       []string{"task-a", "task-b"},
		Status:          domain.TaskStatusQueued,
		EstimateMinutes: 90,
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Content != task.Content || got.Priority != domain.PriorityHigh || got.Score != 75 {
		t.Fatalf("task mismatch: %+v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Fatalf("due date mismatch: %v", got.DueDate)
	}
	if len(got.BlockedBy) != 2 || got.BlockedBy[0] != "task-a" {
		t.Fatalf("blocked_by mismatch: %v", got.BlockedBy)
	}

	if err := store.CreateTask(ctx, task); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("duplicate insert error = %v, want ErrDuplicateTask", err)
	}

	got.Status = domain.TaskStatusInFlight
	got.Retries = 1
	if err := store.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update task: %v", err)
	}
	again, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get updated task: %v", err)
	}
	if again.Status != domain.TaskStatusInFlight || again.Retries != 1 {
		t.Fatalf("update not applied: %+v", again)
	}
}

func TestListOpenTasksSkipsTerminal(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	statuses := []domain.TaskStatus{
		domain.TaskStatusQueued,
		domain.TaskStatusInFlight,
		domain.TaskStatusCompleted,
		domain.TaskStatusFailed,
		domain.TaskStatusEscalated,
	}
	for _, st := range statuses {
		if err := store.CreateTask(ctx, domain.Task{
			ID:       uuid.NewString(),
			Content:  "work",
			Priority: domain.PriorityMedium,
			Status:   st,
		}); err != nil {
			t.Fatalf("create %s task: %v", st, err)
		}
	}

	open, err := store.ListOpenTasks(ctx)
	if err != nil {
		t.Fatalf("list open tasks: %v", err)
	}
	if len(open) != 3 {
		t.Fatalf("open tasks = %d, want 3", len(open))
	}
	for _, task := range open {
		if domain.IsFinalStatus(task.Status) {
			t.Fatalf("terminal task %s in open list", task.Status)
		}
	}
}

func TestHistoryChronologicalOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	quality := 0.8
	for i := 0; i < 5; i++ {
		entry := domain.HistoryEntry{
			TaskID:           uuid.NewString(),
			Role:             "accountant",
			Category:         "bookkeeping",
			Status:           domain.TaskStatusCompleted,
			Success:          true,
			TimeTakenMinutes: float64(30 + i),
			EstimateMinutes:  30,
			QualityScore:     &quality,
			ToolsUsed:        []string{"spreadsheet"},
			CompletedAt:      base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.AppendHistory(ctx, entry); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}
	if err := store.AppendHistory(ctx, domain.HistoryEntry{
		TaskID:      uuid.NewString(),
		Role:        "analyst",
		Status:      domain.TaskStatusFailed,
		CompletedAt: base,
	}); err != nil {
		t.Fatalf("append other-role history: %v", err)
	}

	entries, err := store.ListHistory(ctx, "accountant", 3)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].CompletedAt.Before(entries[i-1].CompletedAt) {
			t.Fatalf("entries not chronological: %v then %v", entries[i-1].CompletedAt, entries[i].CompletedAt)
		}
	}
	// Limit keeps the most recent entries.
	if entries[len(entries)-1].TimeTakenMinutes != 34 {
		t.Fatalf("last entry time taken = %v, want 34", entries[len(entries)-1].TimeTakenMinutes)
	}
	if entries[0].QualityScore == nil || *entries[0].QualityScore != 0.8 {
		t.Fatalf("quality score not round-tripped: %v", entries[0].QualityScore)
	}
	if len(entries[0].ToolsUsed) != 1 || entries[0].ToolsUsed[0] != "spreadsheet" {
		t.Fatalf("tools not round-tripped: %v", entries[0].ToolsUsed)
	}
}

func TestLearningUpsert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	rec := domain.LearningRecord{Role: "cfo", TaskType: "finance", Total: 4, Successes: 3, SuccessRate: 0.75}
	if err := store.UpsertLearning(ctx, rec); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	rec.Total = 5
	rec.Successes = 4
	rec.SuccessRate = 0.8
	if err := store.UpsertLearning(ctx, rec); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if err := store.UpsertLearning(ctx, domain.LearningRecord{Role: "cto", TaskType: "engineering", Total: 1, Successes: 1, SuccessRate: 1}); err != nil {
		t.Fatalf("second role upsert: %v", err)
	}

	recs, err := store.LoadLearning(ctx)
	if err != nil {
		t.Fatalf("load learning: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2", len(recs))
	}
	var cfo domain.LearningRecord
	for _, r := range recs {
		if r.Role == "cfo" {
			cfo = r
		}
	}
	if cfo.Total != 5 || cfo.Successes != 4 || cfo.SuccessRate != 0.8 {
		t.Fatalf("upsert did not replace counts: %+v", cfo)
	}
}

func TestRoutingDecisionOutcome(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	taskID := uuid.NewString()
	if err := store.InsertRoutingDecision(ctx, domain.RoutingDecision{
		TaskID:      taskID,
		PrimaryRole: "cfo",
		Alternates:  []string{"accountant"},
		Confidence:  0.7,
		Factors:     []string{"keyword match: budget"},
	}); err != nil {
		t.Fatalf("insert decision: %v", err)
	}

	if err := store.AttachRoutingOutcome(ctx, taskID, true); err != nil {
		t.Fatalf("attach outcome: %v", err)
	}

	decisions, err := store.ListRoutingDecisions(ctx, taskID)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	d := decisions[0]
	if d.Outcome == nil || !*d.Outcome {
		t.Fatalf("outcome not attached: %+v", d)
	}
	if len(d.Alternates) != 1 || d.Alternates[0] != "accountant" {
		t.Fatalf("alternates mismatch: %v", d.Alternates)
	}

	// Attaching again must not flip a recorded outcome.
	if err := store.AttachRoutingOutcome(ctx, taskID, false); err != nil {
		t.Fatalf("second attach: %v", err)
	}
	decisions, err = store.ListRoutingDecisions(ctx, taskID)
	if err != nil {
		t.Fatalf("list after second attach: %v", err)
	}
	if !*decisions[0].Outcome {
		t.Fatalf("recorded outcome was overwritten")
	}
}

func TestEscalationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	esc := domain.Escalation{
		ID:       uuid.NewString(),
		FromRole: "cfo",
		Task: domain.Task{
			ID:       uuid.NewString(),
			Content:  "Approve vendor contract worth $75,000",
			Priority: domain.PriorityHigh,
			Status:   domain.TaskStatusEscalated,
		},
		Reasons:  []string{"contract amount $75,000.00 exceeds authority limit"},
		Priority: domain.PriorityHigh,
		Status:   domain.EscalationStatusPending,
	}
	if err := store.CreateEscalation(ctx, esc); err != nil {
		t.Fatalf("create escalation: %v", err)
	}

	pending, err := store.ListEscalations(ctx, domain.EscalationStatusPending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != esc.ID {
		t.Fatalf("pending escalations: %+v", pending)
	}
	if pending[0].Task.Content != esc.Task.Content {
		t.Fatalf("embedded task not round-tripped: %+v", pending[0].Task)
	}

	resolvedAt := time.Now().UTC()
	if err := store.ResolveEscalation(ctx, esc.ID, "approved with revised terms", resolvedAt); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	got, err := store.GetEscalation(ctx, esc.ID)
	if err != nil {
		t.Fatalf("get escalation: %v", err)
	}
	if got.Status != domain.EscalationStatusResolved || got.Decision != "approved with revised terms" {
		t.Fatalf("resolution not applied: %+v", got)
	}
	if got.ResolvedAt == nil {
		t.Fatalf("resolved_at not set")
	}

	pending, err = store.ListEscalations(ctx, domain.EscalationStatusPending)
	if err != nil {
		t.Fatalf("list pending after resolve: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("resolved escalation still pending")
	}
}

func TestAmendmentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	a := domain.Amendment{
		ID:         uuid.NewString(),
		TargetRole: "accountant",
		CreatedBy:  "cfo",
		Trigger:    "pattern repeated_failure (confidence 0.85)",
		Type:       domain.AmendmentAppend,
		TargetArea: "repeated_failure",
		Content:    "Reconcile ledgers before submitting reports.",
		PreScore:   0.42,
		WindowSize: 5,
		Active:     true,
		Result:     domain.AmendmentResultPending,
	}
	if err := store.CreateAmendment(ctx, a); err != nil {
		t.Fatalf("create amendment: %v", err)
	}

	active, err := store.ListActiveAmendments(ctx, "accountant")
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("active amendments: %+v", active)
	}

	post := 0.38
	a.PostScore = &post
	a.Active = false
	a.Reverted = true
	a.Result = domain.AmendmentResultFailure
	if err := store.UpdateAmendment(ctx, a); err != nil {
		t.Fatalf("update amendment: %v", err)
	}

	active, err = store.ListActiveAmendments(ctx, "accountant")
	if err != nil {
		t.Fatalf("list active after revert: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("reverted amendment still active")
	}

	all, err := store.ListAmendments(ctx, "accountant")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("amendments = %d, want 1", len(all))
	}
	got := all[0]
	if !got.Reverted || got.Result != domain.AmendmentResultFailure {
		t.Fatalf("revert not recorded: %+v", got)
	}
	if got.PostScore == nil || *got.PostScore != post {
		t.Fatalf("post score not recorded: %v", got.PostScore)
	}
}

func TestReviewAndPatternLog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	rev := domain.Review{
		ID:                  uuid.NewString(),
		Role:                "accountant",
		Reviewer:            "cfo",
		TasksAnalyzed:       10,
		Trend:               domain.TrendDeclining,
		Slope:               0.22,
		CompositeScore:      0.41,
		ConsecutiveFailures: 1,
		Intervention:        true,
		AmendmentID:         uuid.NewString(),
	}
	if err := store.CreateReview(ctx, rev); err != nil {
		t.Fatalf("create review: %v", err)
	}

	reviews, err := store.ListReviews(ctx, "accountant", 10)
	if err != nil {
		t.Fatalf("list reviews: %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("reviews = %d, want 1", len(reviews))
	}
	got := reviews[0]
	if got.Trend != domain.TrendDeclining || !got.Intervention || got.AmendmentID != rev.AmendmentID {
		t.Fatalf("review mismatch: %+v", got)
	}

	finding := domain.Finding{
		Type:       domain.PatternRepeatedFailure,
		Confidence: 0.85,
		Evidence: map[string]any{
			"failure_rate":   0.45,
			"worst_category": "bookkeeping",
		},
		SuggestedAction: "Reconcile ledgers before submitting reports.",
	}
	if err := store.InsertPatternFinding(ctx, "accountant", finding); err != nil {
		t.Fatalf("insert finding: %v", err)
	}

	findings, err := store.ListPatternFindings(ctx, "accountant", 10)
	if err != nil {
		t.Fatalf("list findings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("findings = %d, want 1", len(findings))
	}
	if findings[0].Type != domain.PatternRepeatedFailure || findings[0].Evidence["worst_category"] != "bookkeeping" {
		t.Fatalf("finding mismatch: %+v", findings[0])
	}
}
