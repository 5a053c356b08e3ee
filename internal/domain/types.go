package domain

import (
	"strings"
	"time"
)

type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ParsePriority maps free-form tier names onto a known tier. Unknown tiers
// fall back to medium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// Rank orders tiers low < medium < high < critical.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusInFlight  TaskStatus = "in_flight"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRejected  TaskStatus = "rejected"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusEscalated TaskStatus = "escalated"
)

func IsFinalStatus(status TaskStatus) bool {
	return status == TaskStatusCompleted ||
		status == TaskStatusFailed ||
		status == TaskStatusRejected ||
		status == TaskStatusCancelled
}

type Task struct {
	ID              string     `json:"id"`
	Content         string     `json:"content"`
	Notes           string     `json:"notes,omitempty"`
	Priority        Priority   `json:"priority"`
	Score           int        `json:"score"`
	AssignedRole    string     `json:"assigned_role,omitempty"`
	Workflow        string     `json:"workflow,omitempty"`
	DueDate         *time.Time `json:"due_date,omitempty"`
	BlockedBy       []string   `json:"blocked_by,omitempty"`
	ParentTaskID    string     `json:"parent_task_id,omitempty"`
	Status          TaskStatus `json:"status"`
	Retries         int        `json:"retries"`
	EstimateMinutes float64    `json:"estimate_minutes,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ExecResult is the opaque output of a role's execution capability.
type ExecResult struct {
	Analysis       string          `json:"analysis,omitempty"`
	Action         string          `json:"action,omitempty"`
	Decision       string          `json:"decision,omitempty"`
	Escalate       bool            `json:"escalate"`
	EscalateReason string          `json:"escalate_reason,omitempty"`
	Handoff        *HandoffRequest `json:"handoff,omitempty"`
	Success        bool            `json:"success"`
	QualityScore   *float64        `json:"quality_score,omitempty"`
	ToolsUsed      []string        `json:"tools_used,omitempty"`
	FailureReason  string          `json:"failure_reason,omitempty"`
}

// HandoffRequest asks the orchestrator to open a new task for another role,
// linked to the task it came out of.
type HandoffRequest struct {
	SourceTaskID string `json:"source_task_id"`
	FromRole     string `json:"from_role"`
	ToRole       string `json:"to_role"`
	Context      string `json:"context"`
}

type EscalationStatus string

const (
	EscalationStatusPending  EscalationStatus = "pending"
	EscalationStatusResolved EscalationStatus = "resolved"
)

type Escalation struct {
	ID         string           `json:"id"`
	FromRole   string           `json:"from_role"`
	Task       Task             `json:"task"`
	Reasons    []string         `json:"reasons"`
	Priority   Priority         `json:"priority"`
	Status     EscalationStatus `json:"status"`
	Decision   string           `json:"decision,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// RoutingDecision is written once at route time; the outcome is attached
// once when the routed task reaches a terminal status.
type RoutingDecision struct {
	TaskID      string    `json:"task_id"`
	PrimaryRole string    `json:"primary_role"`
	Alternates  []string  `json:"alternates,omitempty"`
	Confidence  float64   `json:"confidence"`
	Factors     []string  `json:"factors,omitempty"`
	DecidedAt   time.Time `json:"decided_at"`
	Outcome     *bool     `json:"outcome,omitempty"`
}

// LearningRecord accumulates routing outcomes per (role, task type).
// Counts never decrease.
type LearningRecord struct {
	Role        string    `json:"role"`
	TaskType    string    `json:"task_type"`
	Total       int       `json:"total"`
	Successes   int       `json:"successes"`
	SuccessRate float64   `json:"success_rate"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HistoryEntry is the append-only record of one terminal task, the source of
// truth for pattern detection and review cycles.
type HistoryEntry struct {
	ID               int64      `json:"id"`
	TaskID           string     `json:"task_id"`
	Role             string     `json:"role"`
	Category         string     `json:"category"`
	Status           TaskStatus `json:"status"`
	Success          bool       `json:"success"`
	TimeTakenMinutes float64    `json:"time_taken_minutes"`
	EstimateMinutes  float64    `json:"estimate_minutes"`
	QualityScore     *float64   `json:"quality_score,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	ToolsUsed        []string   `json:"tools_used,omitempty"`
	Retries          int        `json:"retries"`
	DueDate          *time.Time `json:"due_date,omitempty"`
	CompletedAt      time.Time  `json:"completed_at"`
}

type PatternType string

const (
	PatternRepeatedFailure  PatternType = "repeated_failure"
	PatternTimeRegression   PatternType = "time_regression"
	PatternQualityDecline   PatternType = "quality_decline"
	PatternCategoryWeakness PatternType = "category_weakness"
	PatternToolInefficiency PatternType = "tool_inefficiency"
)

type Finding struct {
	Type            PatternType    `json:"type"`
	Confidence      float64        `json:"confidence"`
	Evidence        map[string]any `json:"evidence"`
	SuggestedAction string         `json:"suggested_action"`
}

type AmendmentType string

const (
	AmendmentAppend  AmendmentType = "append"
	AmendmentReplace AmendmentType = "replace"
)

type AmendmentResult string

const (
	AmendmentResultPending AmendmentResult = "pending"
	AmendmentResultSuccess AmendmentResult = "success"
	AmendmentResultFailure AmendmentResult = "failure"
)

// Amendment is a bounded, evaluable change to a role's operating guidance.
// The evaluation window is fixed at creation.
type Amendment struct {
	ID         string          `json:"id"`
	TargetRole string          `json:"target_role"`
	CreatedBy  string          `json:"created_by"`
	Trigger    string          `json:"trigger"`
	Type       AmendmentType   `json:"type"`
	TargetArea string          `json:"target_area"`
	Content    string          `json:"content"`
	PreScore   float64         `json:"pre_score"`
	PostScore  *float64        `json:"post_score,omitempty"`
	WindowSize int             `json:"window_size"`
	Active     bool            `json:"active"`
	Reverted   bool            `json:"reverted"`
	Result     AmendmentResult `json:"result"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type TrendDirection string

const (
	TrendImproving TrendDirection = "improving"
	TrendStable    TrendDirection = "stable"
	TrendDeclining TrendDirection = "declining"
)

// Review is one per-role review-cycle snapshot.
type Review struct {
	ID                  string         `json:"id"`
	Role                string         `json:"role"`
	Reviewer            string         `json:"reviewer"`
	TasksAnalyzed       int            `json:"tasks_analyzed"`
	Trend               TrendDirection `json:"trend"`
	Slope               float64        `json:"slope"`
	CompositeScore      float64        `json:"composite_score"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Intervention        bool           `json:"intervention"`
	AmendmentID         string         `json:"amendment_id,omitempty"`
	EscalatedTo         string         `json:"escalated_to,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
}

// Recommendation is the validated output contract of the knowledge
// collaborator. Generation of its content is out of scope.
type Recommendation struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	Content        string    `json:"content"`
	TargetPattern  string    `json:"target_pattern"`
	ExpectedImpact string    `json:"expected_impact"`
	Reasoning      string    `json:"reasoning"`
	Sources        []string  `json:"sources"`
	TargetRole     string    `json:"target_role"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type EventKind string

const (
	EventTaskQueued         EventKind = "task_queued"
	EventEscalation         EventKind = "escalation"
	EventEscalationResolved EventKind = "escalation_resolved"
	EventHandoffCreated     EventKind = "handoff_created"
)

// Event is the orchestrator's external event surface. Exactly one of the
// entity fields is set, according to Kind.
type Event struct {
	Kind       EventKind   `json:"kind"`
	Task       *Task       `json:"task,omitempty"`
	Escalation *Escalation `json:"escalation,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}
