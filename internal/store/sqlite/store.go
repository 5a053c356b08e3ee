package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"orgsim/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	content TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	priority TEXT NOT NULL,
	score INTEGER NOT NULL DEFAULT 0,
	assigned_role TEXT NOT NULL DEFAULT '',
	workflow TEXT NOT NULL DEFAULT '',
	due_date INTEGER NULL,
	blocked_by TEXT NOT NULL DEFAULT '[]',
	parent_task_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	estimate_minutes REAL NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, score);

CREATE TABLE IF NOT EXISTS task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	role TEXT NOT NULL,
	category TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	success INTEGER NOT NULL,
	time_taken_minutes REAL NOT NULL DEFAULT 0,
	estimate_minutes REAL NOT NULL DEFAULT 0,
	quality_score REAL NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	tools_used TEXT NOT NULL DEFAULT '[]',
	retries INTEGER NOT NULL DEFAULT 0,
	due_date INTEGER NULL,
	completed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_history_role ON task_history(role, completed_at);

CREATE TABLE IF NOT EXISTS learning (
	role TEXT NOT NULL,
	task_type TEXT NOT NULL,
	total INTEGER NOT NULL DEFAULT 0,
	successes INTEGER NOT NULL DEFAULT 0,
	success_rate REAL NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY(role, task_type)
);

CREATE TABLE IF NOT EXISTS routing_decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	primary_role TEXT NOT NULL,
	alternates TEXT NOT NULL DEFAULT '[]',
	confidence REAL NOT NULL DEFAULT 0,
	factors TEXT NOT NULL DEFAULT '[]',
	outcome INTEGER NULL,
	decided_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_routing_decisions_task ON routing_decisions(task_id);

CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	from_role TEXT NOT NULL,
	task TEXT NOT NULL,
	reasons TEXT NOT NULL DEFAULT '[]',
	priority TEXT NOT NULL,
	status TEXT NOT NULL,
	decision TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	resolved_at INTEGER NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_status ON escalations(status, created_at);

CREATE TABLE IF NOT EXISTS amendments (
	id TEXT PRIMARY KEY,
	target_role TEXT NOT NULL,
	created_by TEXT NOT NULL,
	trigger_reason TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	target_area TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	pre_score REAL NOT NULL DEFAULT 0,
	post_score REAL NULL,
	window_size INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	reverted INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_amendments_role ON amendments(target_role, active);

CREATE TABLE IF NOT EXISTS reviews (
	id TEXT PRIMARY KEY,
	role TEXT NOT NULL,
	reviewer TEXT NOT NULL,
	tasks_analyzed INTEGER NOT NULL DEFAULT 0,
	trend TEXT NOT NULL,
	slope REAL NOT NULL DEFAULT 0,
	composite_score REAL NOT NULL DEFAULT 0,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	intervention INTEGER NOT NULL DEFAULT 0,
	amendment_id TEXT NOT NULL DEFAULT '',
	escalated_to TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reviews_role ON reviews(role, created_at);

CREATE TABLE IF NOT EXISTS pattern_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	role TEXT NOT NULL,
	type TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0,
	evidence TEXT NOT NULL DEFAULT '{}',
	suggested_action TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pattern_log_role ON pattern_log(role, created_at);
`

// ErrDuplicateTask reports an insert with an id that already exists.
var ErrDuplicateTask = errors.New("task id already exists")

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, task domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
	}
	if task.Status == "" {
		task.Status = domain.TaskStatusQueued
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(
			id, content, notes, priority, score, assigned_role, workflow, due_date,
			blocked_by, parent_task_id, status, retries, estimate_minutes, last_error,
			created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Content, task.Notes, string(task.Priority), task.Score,
		task.AssignedRole, task.Workflow, nullableUnix(task.DueDate),
		mustJSON(task.BlockedBy), task.ParentTaskID, string(task.Status), task.Retries,
		task.EstimateMinutes, task.LastError, task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create task %s: %w", task.ID, ErrDuplicateTask)
		}
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

const taskColumns = `id, content, notes, priority, score, assigned_role, workflow, due_date,
	blocked_by, parent_task_id, status, retries, estimate_minutes, last_error,
	created_at, updated_at`

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// ListOpenTasks returns tasks that have not reached a terminal status,
// oldest first, for queue rehydration at startup.
func (s *Store) ListOpenTasks(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(
		ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (?, ?, ?) ORDER BY created_at ASC`,
		string(domain.TaskStatusQueued), string(domain.TaskStatusInFlight), string(domain.TaskStatusEscalated),
	)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var priority, status, blockedBy string
	var dueDate sql.NullInt64
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.Content, &t.Notes, &priority, &t.Score, &t.AssignedRole, &t.Workflow,
		&dueDate, &blockedBy, &t.ParentTaskID, &status, &t.Retries, &t.EstimateMinutes,
		&t.LastError, &created, &updated,
	); err != nil {
		return domain.Task{}, err
	}
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.DueDate = int64ToTimePtr(dueDate)
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)
	if err := json.Unmarshal([]byte(blockedBy), &t.BlockedBy); err != nil {
		return domain.Task{}, fmt.Errorf("decode blocked_by: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, task domain.Task) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET
			content = ?, notes = ?, priority = ?, score = ?, assigned_role = ?, workflow = ?,
			due_date = ?, blocked_by = ?, parent_task_id = ?, status = ?, retries = ?,
			estimate_minutes = ?, last_error = ?, updated_at = ?
		WHERE id = ?`,
		task.Content, task.Notes, string(task.Priority), task.Score, task.AssignedRole,
		task.Workflow, nullableUnix(task.DueDate), mustJSON(task.BlockedBy),
		task.ParentTaskID, string(task.Status), task.Retries, task.EstimateMinutes,
		task.LastError, time.Now().UTC().Unix(), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, taskID string, status domain.TaskStatus, lastError string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE tasks SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(status), lastError, time.Now().UTC().Unix(), taskID,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

func (s *Store) AppendHistory(ctx context.Context, entry domain.HistoryEntry) error {
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO task_history(
			task_id, role, category, status, success, time_taken_minutes, estimate_minutes,
			quality_score, failure_reason, tools_used, retries, due_date, completed_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Role, entry.Category, string(entry.Status), boolToInt(entry.Success),
		entry.TimeTakenMinutes, entry.EstimateMinutes, nullableFloat(entry.QualityScore),
		entry.FailureReason, mustJSON(entry.ToolsUsed), entry.Retries,
		nullableUnix(entry.DueDate), entry.CompletedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// ListHistory returns the most recent terminal entries for role in
// chronological order, oldest first.
func (s *Store) ListHistory(ctx context.Context, role string, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, task_id, role, category, status, success, time_taken_minutes,
			estimate_minutes, quality_score, failure_reason, tools_used, retries,
			due_date, completed_at
		FROM task_history
		WHERE role = ?
		ORDER BY completed_at DESC, id DESC
		LIMIT ?`,
		role, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var status, toolsUsed string
		var success int
		var quality sql.NullFloat64
		var dueDate sql.NullInt64
		var completed int64
		if err := rows.Scan(
			&e.ID, &e.TaskID, &e.Role, &e.Category, &status, &success, &e.TimeTakenMinutes,
			&e.EstimateMinutes, &quality, &e.FailureReason, &toolsUsed, &e.Retries,
			&dueDate, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.Status = domain.TaskStatus(status)
		e.Success = success != 0
		if quality.Valid {
			v := quality.Float64
			e.QualityScore = &v
		}
		e.DueDate = int64ToTimePtr(dueDate)
		e.CompletedAt = unixToTime(completed)
		if err := json.Unmarshal([]byte(toolsUsed), &e.ToolsUsed); err != nil {
			return nil, fmt.Errorf("decode tools_used: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	// Newest-first query, oldest-first contract.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) UpsertLearning(ctx context.Context, rec domain.LearningRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO learning(role, task_type, total, successes, success_rate, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(role, task_type) DO UPDATE SET
			total = excluded.total,
			successes = excluded.successes,
			success_rate = excluded.success_rate,
			updated_at = excluded.updated_at`,
		rec.Role, rec.TaskType, rec.Total, rec.Successes, rec.SuccessRate, rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert learning: %w", err)
	}
	return nil
}

func (s *Store) LoadLearning(ctx context.Context) ([]domain.LearningRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT role, task_type, total, successes, success_rate, updated_at
		FROM learning ORDER BY role, task_type`,
	)
	if err != nil {
		return nil, fmt.Errorf("load learning: %w", err)
	}
	defer rows.Close()

	var result []domain.LearningRecord
	for rows.Next() {
		var rec domain.LearningRecord
		var updated int64
		if err := rows.Scan(&rec.Role, &rec.TaskType, &rec.Total, &rec.Successes, &rec.SuccessRate, &updated); err != nil {
			return nil, fmt.Errorf("scan learning record: %w", err)
		}
		rec.UpdatedAt = unixToTime(updated)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learning: %w", err)
	}
	return result, nil
}

func (s *Store) InsertRoutingDecision(ctx context.Context, d domain.RoutingDecision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO routing_decisions(task_id, primary_role, alternates, confidence, factors, outcome, decided_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)`,
		d.TaskID, d.PrimaryRole, mustJSON(d.Alternates), d.Confidence, mustJSON(d.Factors),
		nullableBool(d.Outcome), d.DecidedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert routing decision: %w", err)
	}
	return nil
}

// AttachRoutingOutcome records whether the routed role completed the task.
func (s *Store) AttachRoutingOutcome(ctx context.Context, taskID string, success bool) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE routing_decisions SET outcome = ? WHERE task_id = ? AND outcome IS NULL`,
		boolToInt(success), taskID,
	)
	if err != nil {
		return fmt.Errorf("attach routing outcome: %w", err)
	}
	return nil
}

func (s *Store) ListRoutingDecisions(ctx context.Context, taskID string) ([]domain.RoutingDecision, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT task_id, primary_role, alternates, confidence, factors, outcome, decided_at
		FROM routing_decisions WHERE task_id = ? ORDER BY decided_at ASC, id ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list routing decisions: %w", err)
	}
	defer rows.Close()

	var result []domain.RoutingDecision
	for rows.Next() {
		var d domain.RoutingDecision
		var alternates, factors string
		var outcome sql.NullInt64
		var decided int64
		if err := rows.Scan(&d.TaskID, &d.PrimaryRole, &alternates, &d.Confidence, &factors, &outcome, &decided); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		if err := json.Unmarshal([]byte(alternates), &d.Alternates); err != nil {
			return nil, fmt.Errorf("decode alternates: %w", err)
		}
		if err := json.Unmarshal([]byte(factors), &d.Factors); err != nil {
			return nil, fmt.Errorf("decode factors: %w", err)
		}
		if outcome.Valid {
			v := outcome.Int64 != 0
			d.Outcome = &v
		}
		d.DecidedAt = unixToTime(decided)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate routing decisions: %w", err)
	}
	return result, nil
}

func (s *Store) CreateEscalation(ctx context.Context, esc domain.Escalation) error {
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}
	taskJSON, err := json.Marshal(esc.Task)
	if err != nil {
		return fmt.Errorf("marshal escalation task: %w", err)
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO escalations(id, from_role, task, reasons, priority, status, decision, created_at, resolved_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		esc.ID, esc.FromRole, string(taskJSON), mustJSON(esc.Reasons), string(esc.Priority),
		string(esc.Status), esc.Decision, esc.CreatedAt.Unix(), nullableUnix(esc.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("create escalation: %w", err)
	}
	return nil
}

func (s *Store) GetEscalation(ctx context.Context, id string) (domain.Escalation, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, from_role, task, reasons, priority, status, decision, created_at, resolved_at
		FROM escalations WHERE id = ?`,
		id,
	)
	esc, err := scanEscalation(row)
	if err != nil {
		return domain.Escalation{}, fmt.Errorf("get escalation: %w", err)
	}
	return esc, nil
}

func (s *Store) ListEscalations(ctx context.Context, status domain.EscalationStatus) ([]domain.Escalation, error) {
	query := `SELECT id, from_role, task, reasons, priority, status, decision, created_at, resolved_at
		FROM escalations ORDER BY created_at DESC`
	args := []any{}
	if status != "" {
		query = `SELECT id, from_role, task, reasons, priority, status, decision, created_at, resolved_at
			FROM escalations WHERE status = ? ORDER BY created_at DESC`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Escalation, 0)
	for rows.Next() {
		esc, err := scanEscalation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		result = append(result, esc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escalations: %w", err)
	}
	return result, nil
}

func scanEscalation(row rowScanner) (domain.Escalation, error) {
	var esc domain.Escalation
	var taskJSON, reasons, priority, status string
	var created int64
	var resolved sql.NullInt64
	if err := row.Scan(&esc.ID, &esc.FromRole, &taskJSON, &reasons, &priority, &status, &esc.Decision, &created, &resolved); err != nil {
		return domain.Escalation{}, err
	}
	if err := json.Unmarshal([]byte(taskJSON), &esc.Task); err != nil {
		return domain.Escalation{}, fmt.Errorf("decode escalation task: %w", err)
	}
	if err := json.Unmarshal([]byte(reasons), &esc.Reasons); err != nil {
		return domain.Escalation{}, fmt.Errorf("decode escalation reasons: %w", err)
	}
	esc.Priority = domain.Priority(priority)
	esc.Status = domain.EscalationStatus(status)
	esc.CreatedAt = unixToTime(created)
	esc.ResolvedAt = int64ToTimePtr(resolved)
	return esc, nil
}

func (s *Store) ResolveEscalation(ctx context.Context, id string, decision string, at time.Time) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE escalations SET status = ?, decision = ?, resolved_at = ? WHERE id = ?`,
		string(domain.EscalationStatusResolved), decision, at.UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve escalation: %w", err)
	}
	return nil
}

func (s *Store) CreateAmendment(ctx context.Context, a domain.Amendment) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO amendments(
			id, target_role, created_by, trigger_reason, type, target_area, content,
			pre_score, post_score, window_size, active, reverted, result, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TargetRole, a.CreatedBy, a.Trigger, string(a.Type), a.TargetArea, a.Content,
		a.PreScore, nullableFloat(a.PostScore), a.WindowSize, boolToInt(a.Active),
		boolToInt(a.Reverted), string(a.Result), a.CreatedAt.Unix(), a.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create amendment: %w", err)
	}
	return nil
}

func (s *Store) UpdateAmendment(ctx context.Context, a domain.Amendment) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE amendments SET
			post_score = ?, active = ?, reverted = ?, result = ?, updated_at = ?
		WHERE id = ?`,
		nullableFloat(a.PostScore), boolToInt(a.Active), boolToInt(a.Reverted),
		string(a.Result), time.Now().UTC().Unix(), a.ID,
	)
	if err != nil {
		return fmt.Errorf("update amendment: %w", err)
	}
	return nil
}

func (s *Store) ListActiveAmendments(ctx context.Context, role string) ([]domain.Amendment, error) {
	return s.queryAmendments(
		ctx,
		`SELECT id, target_role, created_by, trigger_reason, type, target_area, content,
			pre_score, post_score, window_size, active, reverted, result, created_at, updated_at
		FROM amendments WHERE target_role = ? AND active = 1 ORDER BY created_at ASC`,
		role,
	)
}

func (s *Store) ListAmendments(ctx context.Context, role string) ([]domain.Amendment, error) {
	return s.queryAmendments(
		ctx,
		`SELECT id, target_role, created_by, trigger_reason, type, target_area, content,
			pre_score, post_score, window_size, active, reverted, result, created_at, updated_at
		FROM amendments WHERE target_role = ? ORDER BY created_at ASC`,
		role,
	)
}

func (s *Store) queryAmendments(ctx context.Context, query string, args ...any) ([]domain.Amendment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query amendments: %w", err)
	}
	defer rows.Close()

	var result []domain.Amendment
	for rows.Next() {
		var a domain.Amendment
		var typ, res string
		var post sql.NullFloat64
		var active, reverted int
		var created, updated int64
		if err := rows.Scan(
			&a.ID, &a.TargetRole, &a.CreatedBy, &a.Trigger, &typ, &a.TargetArea, &a.Content,
			&a.PreScore, &post, &a.WindowSize, &active, &reverted, &res, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan amendment: %w", err)
		}
		a.Type = domain.AmendmentType(typ)
		a.Result = domain.AmendmentResult(res)
		if post.Valid {
			v := post.Float64
			a.PostScore = &v
		}
		a.Active = active != 0
		a.Reverted = reverted != 0
		a.CreatedAt = unixToTime(created)
		a.UpdatedAt = unixToTime(updated)
		result = append(result, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate amendments: %w", err)
	}
	return result, nil
}

func (s *Store) CreateReview(ctx context.Context, r domain.Review) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO reviews(
			id, role, reviewer, tasks_analyzed, trend, slope, composite_score,
			consecutive_failures, intervention, amendment_id, escalated_to, created_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Role, r.Reviewer, r.TasksAnalyzed, string(r.Trend), r.Slope, r.CompositeScore,
		r.ConsecutiveFailures, boolToInt(r.Intervention), r.AmendmentID, r.EscalatedTo,
		r.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

func (s *Store) ListReviews(ctx context.Context, role string, limit int) ([]domain.Review, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, role, reviewer, tasks_analyzed, trend, slope, composite_score,
			consecutive_failures, intervention, amendment_id, escalated_to, created_at
		FROM reviews WHERE role = ? ORDER BY created_at DESC LIMIT ?`,
		role, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	var result []domain.Review
	for rows.Next() {
		var r domain.Review
		var trend string
		var intervention int
		var created int64
		if err := rows.Scan(
			&r.ID, &r.Role, &r.Reviewer, &r.TasksAnalyzed, &trend, &r.Slope, &r.CompositeScore,
			&r.ConsecutiveFailures, &intervention, &r.AmendmentID, &r.EscalatedTo, &created,
		); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		r.Trend = domain.TrendDirection(trend)
		r.Intervention = intervention != 0
		r.CreatedAt = unixToTime(created)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return result, nil
}

func (s *Store) InsertPatternFinding(ctx context.Context, role string, f domain.Finding) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pattern_log(role, type, confidence, evidence, suggested_action, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		role, string(f.Type), f.Confidence, mustJSON(f.Evidence), f.SuggestedAction,
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert pattern finding: %w", err)
	}
	return nil
}

func (s *Store) ListPatternFindings(ctx context.Context, role string, limit int) ([]domain.Finding, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT type, confidence, evidence, suggested_action
		FROM pattern_log WHERE role = ? ORDER BY created_at DESC LIMIT ?`,
		role, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pattern findings: %w", err)
	}
	defer rows.Close()

	var result []domain.Finding
	for rows.Next() {
		var f domain.Finding
		var typ, evidence string
		if err := rows.Scan(&typ, &f.Confidence, &evidence, &f.SuggestedAction); err != nil {
			return nil, fmt.Errorf("scan pattern finding: %w", err)
		}
		f.Type = domain.PatternType(typ)
		if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
			return nil, fmt.Errorf("decode finding evidence: %w", err)
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pattern findings: %w", err)
	}
	return result, nil
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) any {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func mustJSON(v any) string {
	if v == nil {
		return "[]"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}
