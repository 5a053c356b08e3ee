package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orgsim/internal/domain"
	"orgsim/internal/escalation"
	"orgsim/internal/events"
	"orgsim/internal/metrics"
	"orgsim/internal/roles"
	"orgsim/internal/routing"
)

// Priority tier scores and scheduling bonuses.
const (
	scoreCritical = 100
	scoreHigh     = 75
	scoreMedium   = 50
	scoreLow      = 25

	bonusOverdue   = 20
	bonusDueToday  = 15
	bonusDueSoon   = 8
	bonusUnblocked = 10

	dueSoonDays = 3
)

var (
	ErrDuplicateTask       = errors.New("task id already queued")
	ErrUnknownTask         = errors.New("task not found")
	ErrUnknownEscalation   = errors.New("escalation not found")
	ErrUnknownRole         = errors.New("role is not registered")
	ErrEscalationResolved  = errors.New("escalation is already resolved")
	ErrNoExecutionCapacity = errors.New("no execution capability for role")
)

// Store is the persistence surface the orchestrator uses. It is a mirror:
// the in-memory queue stays authoritative and a failing store only degrades
// durability, never scheduling.
type Store interface {
	CreateTask(ctx context.Context, task domain.Task) error
	UpdateTask(ctx context.Context, task domain.Task) error
	ListOpenTasks(ctx context.Context) ([]domain.Task, error)
	AppendHistory(ctx context.Context, entry domain.HistoryEntry) error
	CreateEscalation(ctx context.Context, esc domain.Escalation) error
	ResolveEscalation(ctx context.Context, id string, decision string, at time.Time) error
	InsertRoutingDecision(ctx context.Context, d domain.RoutingDecision) error
	AttachRoutingOutcome(ctx context.Context, taskID string, success bool) error
}

type Config struct {
	MaxConcurrent    int
	DispatchInterval time.Duration
	TaskTimeout      time.Duration
	MaxRetries       int
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 4
	}
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = 500 * time.Millisecond
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 2 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	return c
}

// Service owns the priority queue and the dispatch loop. Tasks flow from
// Enqueue through routing and execution to a terminal status, with
// escalations parked in the human decision queue along the way.
type Service struct {
	cfg       Config
	store     Store
	router    *routing.Router
	detector  *escalation.Detector
	registry  *roles.Registry
	executors map[string]roles.Executor
	bus       *events.Bus
	logger    *zap.Logger
	metrics   *metrics.Metrics

	wg sync.WaitGroup

	mu          sync.Mutex
	tasks       map[string]*domain.Task
	escalations map[string]*domain.Escalation
	cancels     map[string]context.CancelFunc
	inFlight    int
}

func New(cfg Config, store Store, router *routing.Router, detector *escalation.Detector, registry *roles.Registry, executors map[string]roles.Executor, bus *events.Bus, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:         cfg.withDefaults(),
		store:       store,
		router:      router,
		detector:    detector,
		registry:    registry,
		executors:   executors,
		bus:         bus,
		logger:      logger,
		metrics:     m,
		tasks:       make(map[string]*domain.Task),
		escalations: make(map[string]*domain.Escalation),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Rehydrate reloads open tasks from the store after a restart.
func (s *Service) Rehydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	open, err := s.store.ListOpenTasks(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate open tasks: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range open {
		t := task
		// Work that was mid-flight when the process died goes back in line.
		if t.Status == domain.TaskStatusInFlight {
			t.Status = domain.TaskStatusQueued
		}
		s.tasks[t.ID] = &t
	}
	s.logger.Info("queue rehydrated", zap.Int("tasks", len(open)))
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.dispatchLoop(ctx)
	}()
}

func (s *Service) Wait() {
	s.wg.Wait()
}

type EnqueueInput struct {
	ID              string
	Content         string
	Notes           string
	Priority        domain.Priority
	AssignedRole    string
	Workflow        string
	DueDate         *time.Time
	BlockedBy       []string
	ParentTaskID    string
	EstimateMinutes float64
}

func (s *Service) Enqueue(ctx context.Context, in EnqueueInput) (domain.Task, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityMedium
	}
	if in.AssignedRole != "" && s.registry != nil {
		if _, ok := s.registry.Get(in.AssignedRole); !ok {
			return domain.Task{}, fmt.Errorf("enqueue for %q: %w", in.AssignedRole, ErrUnknownRole)
		}
	}
	now := time.Now().UTC()
	task := domain.Task{
		ID:              in.ID,
		Content:         in.Content,
		Notes:           in.Notes,
		Priority:        in.Priority,
		AssignedRole:    in.AssignedRole,
		Workflow:        in.Workflow,
		DueDate:         in.DueDate,
		BlockedBy:       in.BlockedBy,
		ParentTaskID:    in.ParentTaskID,
		Status:          domain.TaskStatusQueued,
		EstimateMinutes: in.EstimateMinutes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("enqueue %s: %w", task.ID, ErrDuplicateTask)
	}
	s.mu.Unlock()

	decision := s.router.Route(task)
	task.AssignedRole = decision.PrimaryRole
	task.Score = s.PriorityScore(task, now)

	// Routing ran outside the lock, so a concurrent Enqueue with the same id
	// may have won the race; the insert check is the authoritative one.
	s.mu.Lock()
	if _, exists := s.tasks[task.ID]; exists {
		s.mu.Unlock()
		return domain.Task{}, fmt.Errorf("enqueue %s: %w", task.ID, ErrDuplicateTask)
	}
	s.tasks[task.ID] = &task
	depth := s.queueDepthLocked()
	s.mu.Unlock()

	s.persistTask(ctx, task, "create")
	if s.store != nil {
		if err := s.store.InsertRoutingDecision(ctx, decision); err != nil {
			s.logger.Warn("routing decision not persisted", zap.String("task", task.ID), zap.Error(err))
		}
	}

	s.metrics.TaskEnqueued()
	s.metrics.SetQueueDepth(depth)
	s.publish(domain.Event{Kind: domain.EventTaskQueued, Task: &task})
	s.logger.Info("task queued",
		zap.String("task", task.ID),
		zap.String("role", task.AssignedRole),
		zap.String("priority", string(task.Priority)),
		zap.Int("score", task.Score),
		zap.Float64("route_confidence", decision.Confidence))
	return task, nil
}

// PriorityScore ranks a task for dispatch: the priority tier dominates,
// due-date pressure and being unblocked add on top.
func (s *Service) PriorityScore(task domain.Task, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priorityScoreLocked(task, now)
}

func (s *Service) priorityScoreLocked(task domain.Task, now time.Time) int {
	score := 0
	switch task.Priority {
	case domain.PriorityCritical:
		score = scoreCritical
	case domain.PriorityHigh:
		score = scoreHigh
	case domain.PriorityLow:
		score = scoreLow
	default:
		score = scoreMedium
	}

	if task.DueDate != nil {
		due := task.DueDate.UTC()
		switch {
		case due.Before(now):
			score += bonusOverdue
		case sameDay(due, now):
			score += bonusDueToday
		case due.Before(now.Add(dueSoonDays * 24 * time.Hour)):
			score += bonusDueSoon
		}
	}

	if s.unblockedLocked(task) {
		score += bonusUnblocked
	}
	return score
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// unblockedLocked reports whether every blocker has completed. A blocker id
// that was never enqueued cannot be in the completed set, so it keeps the
// task blocked.
func (s *Service) unblockedLocked(task domain.Task) bool {
	for _, blockerID := range task.BlockedBy {
		blocker, ok := s.tasks[blockerID]
		if !ok {
			return false
		}
		if blocker.Status != domain.TaskStatusCompleted {
			return false
		}
	}
	return true
}

func (s *Service) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.DispatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatchOnce(ctx)
		}
	}
}

func (s *Service) dispatchOnce(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	ready := make([]*domain.Task, 0)
	for _, task := range s.tasks {
		if task.Status != domain.TaskStatusQueued {
			continue
		}
		task.Score = s.priorityScoreLocked(*task, now)
		if !s.unblockedLocked(*task) {
			continue
		}
		ready = append(ready, task)
	}
	// Deterministic order before the stable sort so equal scores tie-break
	// by age.
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Score > ready[j].Score
	})

	var launched []domain.Task
	for _, task := range ready {
		if s.inFlight >= s.cfg.MaxConcurrent {
			break
		}
		task.Status = domain.TaskStatusInFlight
		task.UpdatedAt = now
		s.inFlight++
		launched = append(launched, *task)
	}
	depth := s.queueDepthLocked()
	inFlight := s.inFlight
	s.mu.Unlock()

	s.metrics.SetQueueDepth(depth)
	s.metrics.SetInFlight(inFlight)

	for _, task := range launched {
		s.persistTask(ctx, task, "dispatch")
		s.metrics.TaskDispatched()
		s.wg.Add(1)
		go func(t domain.Task) {
			defer s.wg.Done()
			s.runTask(ctx, t)
		}(task)
	}
}

func (s *Service) runTask(ctx context.Context, task domain.Task) {
	start := time.Now().UTC()

	exec, ok := s.executors[task.AssignedRole]
	if !ok {
		s.finishTask(ctx, task.ID, start, domain.ExecResult{
			Success:       false,
			FailureReason: fmt.Sprintf("role %s: %v", task.AssignedRole, ErrNoExecutionCapacity),
		}, nil)
		return
	}

	taskCtx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	s.mu.Lock()
	s.cancels[task.ID] = cancel
	s.mu.Unlock()

	result, err := exec.Process(taskCtx, task)

	s.mu.Lock()
	delete(s.cancels, task.ID)
	s.mu.Unlock()
	cancel()

	s.finishTask(ctx, task.ID, start, result, err)
}

func (s *Service) finishTask(ctx context.Context, taskID string, start time.Time, result domain.ExecResult, execErr error) {
	now := time.Now().UTC()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.inFlight--
		inFlight := s.inFlight
		s.mu.Unlock()
		s.metrics.SetInFlight(inFlight)
		return
	}
	cancelled := task.Status == domain.TaskStatusCancelled
	snapshot := *task
	s.mu.Unlock()

	if cancelled {
		s.settleTask(ctx, taskID, domain.TaskStatusCancelled, "cancelled by operator", result, start, now)
		return
	}

	outcome := s.detector.Evaluate(snapshot, &result, snapshot.AssignedRole)
	if outcome.Escalate || result.Escalate {
		reasons := outcome.Reasons
		if result.Escalate && result.EscalateReason != "" {
			reasons = append(reasons, result.EscalateReason)
		}
		if len(reasons) == 0 {
			reasons = []string{"escalation requested by executing role"}
		}
		s.mu.Lock()
		task.Status = domain.TaskStatusEscalated
		task.UpdatedAt = now
		s.inFlight--
		inFlight := s.inFlight
		snapshot = *task
		s.mu.Unlock()
		s.metrics.SetInFlight(inFlight)
		s.persistTask(ctx, snapshot, "escalate")

		if _, err := s.HandleEscalation(ctx, domain.Escalation{
			FromRole: snapshot.AssignedRole,
			Task:     snapshot,
			Reasons:  reasons,
			Priority: outcome.Priority,
		}); err != nil {
			s.logger.Warn("escalation not recorded", zap.String("task", taskID), zap.Error(err))
		}
		return
	}

	if execErr != nil || !result.Success {
		reason := result.FailureReason
		if reason == "" && execErr != nil {
			reason = execErr.Error()
		}
		s.mu.Lock()
		retryable := task.Retries < s.cfg.MaxRetries
		if retryable {
			task.Retries++
			task.Status = domain.TaskStatusQueued
			task.LastError = reason
			task.UpdatedAt = now
			snapshot = *task
		}
		if !retryable {
			s.mu.Unlock()
			s.settleTask(ctx, taskID, domain.TaskStatusFailed, reason, result, start, now)
			return
		}
		s.inFlight--
		inFlight := s.inFlight
		s.mu.Unlock()
		s.metrics.SetInFlight(inFlight)
		s.persistTask(ctx, snapshot, "retry")
		s.logger.Info("task requeued after failure",
			zap.String("task", taskID),
			zap.Int("retries", snapshot.Retries),
			zap.String("reason", reason))
		return
	}

	if result.Handoff != nil {
		if _, err := s.HandleHandoff(ctx, *result.Handoff); err != nil {
			s.logger.Warn("handoff not created", zap.String("task", taskID), zap.Error(err))
		}
	}

	s.settleTask(ctx, taskID, domain.TaskStatusCompleted, "", result, start, now)
}

// settleTask moves a task to a terminal status and records everything
// downstream consumers feed on: history, routing outcome, learning.
func (s *Service) settleTask(ctx context.Context, taskID string, status domain.TaskStatus, lastError string, result domain.ExecResult, start, now time.Time) {
	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.inFlight--
		inFlight := s.inFlight
		s.mu.Unlock()
		s.metrics.SetInFlight(inFlight)
		return
	}
	task.Status = status
	task.LastError = lastError
	task.UpdatedAt = now
	snapshot := *task
	s.inFlight--
	inFlight := s.inFlight
	depth := s.queueDepthLocked()
	s.mu.Unlock()

	s.persistTask(ctx, snapshot, "settle")
	s.metrics.TaskTerminal(string(status))
	s.metrics.SetInFlight(inFlight)
	s.metrics.SetQueueDepth(depth)

	success := status == domain.TaskStatusCompleted
	taskType := routing.DetectTaskType(snapshot.Content)

	if status != domain.TaskStatusCancelled {
		s.router.RecordOutcome(ctx, snapshot.AssignedRole, taskType, success)
		if s.store != nil {
			if err := s.store.AttachRoutingOutcome(ctx, taskID, success); err != nil {
				s.logger.Warn("routing outcome not persisted", zap.String("task", taskID), zap.Error(err))
			}
		}
	}

	entry := domain.HistoryEntry{
		TaskID:           taskID,
		Role:             snapshot.AssignedRole,
		Category:         taskType,
		Status:           status,
		Success:          success,
		TimeTakenMinutes: now.Sub(start).Minutes(),
		EstimateMinutes:  snapshot.EstimateMinutes,
		QualityScore:     result.QualityScore,
		FailureReason:    lastError,
		ToolsUsed:        result.ToolsUsed,
		Retries:          snapshot.Retries,
		DueDate:          snapshot.DueDate,
		CompletedAt:      now,
	}
	if s.store != nil {
		if err := s.store.AppendHistory(ctx, entry); err != nil {
			s.logger.Warn("history not persisted", zap.String("task", taskID), zap.Error(err))
		}
	}

	s.logger.Info("task settled",
		zap.String("task", taskID),
		zap.String("role", snapshot.AssignedRole),
		zap.String("status", string(status)),
		zap.Float64("minutes", entry.TimeTakenMinutes))
}

// HandleEscalation parks an escalation in the pending decision queue.
func (s *Service) HandleEscalation(ctx context.Context, esc domain.Escalation) (domain.Escalation, error) {
	if esc.ID == "" {
		esc.ID = uuid.NewString()
	}
	if esc.Status == "" {
		esc.Status = domain.EscalationStatusPending
	}
	if esc.Priority == "" {
		esc.Priority = domain.PriorityMedium
	}
	if esc.CreatedAt.IsZero() {
		esc.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	stored := esc
	s.escalations[esc.ID] = &stored
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.CreateEscalation(ctx, esc); err != nil {
			s.logger.Warn("escalation not persisted", zap.String("escalation", esc.ID), zap.Error(err))
		}
	}
	s.metrics.EscalationRaised()
	s.publish(domain.Event{Kind: domain.EventEscalation, Escalation: &esc})
	s.logger.Info("escalation raised",
		zap.String("escalation", esc.ID),
		zap.String("from_role", esc.FromRole),
		zap.String("priority", string(esc.Priority)),
		zap.Strings("reasons", esc.Reasons))
	return esc, nil
}

// ResolveEscalation records the human decision. The originating task, if
// still tracked and parked, completes with that decision.
func (s *Service) ResolveEscalation(ctx context.Context, id string, decision string) (domain.Escalation, error) {
	now := time.Now().UTC()

	s.mu.Lock()
	esc, ok := s.escalations[id]
	if !ok {
		s.mu.Unlock()
		return domain.Escalation{}, fmt.Errorf("resolve %s: %w", id, ErrUnknownEscalation)
	}
	if esc.Status == domain.EscalationStatusResolved {
		s.mu.Unlock()
		return domain.Escalation{}, fmt.Errorf("resolve %s: %w", id, ErrEscalationResolved)
	}
	esc.Status = domain.EscalationStatusResolved
	esc.Decision = decision
	esc.ResolvedAt = &now
	snapshot := *esc

	task, taskTracked := s.tasks[esc.Task.ID]
	var taskSnapshot domain.Task
	settled := false
	if taskTracked && task.Status == domain.TaskStatusEscalated {
		task.Status = domain.TaskStatusCompleted
		task.Notes = appendNote(task.Notes, "Resolution: "+decision)
		task.UpdatedAt = now
		taskSnapshot = *task
		settled = true
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.ResolveEscalation(ctx, id, decision, now); err != nil {
			s.logger.Warn("escalation resolution not persisted", zap.String("escalation", id), zap.Error(err))
		}
	}
	if settled {
		s.persistTask(ctx, taskSnapshot, "resolve")
		s.metrics.TaskTerminal(string(domain.TaskStatusCompleted))
		if s.store != nil {
			if err := s.store.AppendHistory(ctx, domain.HistoryEntry{
				TaskID:      taskSnapshot.ID,
				Role:        taskSnapshot.AssignedRole,
				Category:    routing.DetectTaskType(taskSnapshot.Content),
				Status:      domain.TaskStatusCompleted,
				Success:     true,
				Retries:     taskSnapshot.Retries,
				DueDate:     taskSnapshot.DueDate,
				CompletedAt: now,
			}); err != nil {
				s.logger.Warn("history not persisted", zap.String("task", taskSnapshot.ID), zap.Error(err))
			}
		}
	}

	s.metrics.EscalationResolved()
	s.publish(domain.Event{Kind: domain.EventEscalationResolved, Escalation: &snapshot})
	s.logger.Info("escalation resolved",
		zap.String("escalation", id),
		zap.String("decision", decision))
	return snapshot, nil
}

func appendNote(notes, line string) string {
	if notes == "" {
		return line
	}
	return notes + "\n" + line
}

// HandleHandoff opens a follow-on task for another role, linked to its
// source and inheriting its urgency.
func (s *Service) HandleHandoff(ctx context.Context, req domain.HandoffRequest) (domain.Task, error) {
	priority := domain.PriorityMedium
	var due *time.Time
	s.mu.Lock()
	if source, ok := s.tasks[req.SourceTaskID]; ok {
		priority = source.Priority
		due = source.DueDate
	}
	s.mu.Unlock()

	task, err := s.Enqueue(ctx, EnqueueInput{
		Content:      fmt.Sprintf("Handoff from %s: %s", req.FromRole, req.Context),
		Priority:     priority,
		AssignedRole: req.ToRole,
		DueDate:      due,
		ParentTaskID: req.SourceTaskID,
	})
	if err != nil {
		return domain.Task{}, fmt.Errorf("handoff from %s: %w", req.FromRole, err)
	}
	s.publish(domain.Event{Kind: domain.EventHandoffCreated, Task: &task})
	return task, nil
}

// Cancel stops a task cooperatively: queued tasks leave the queue, in-flight
// tasks get their context cancelled and settle on return.
func (s *Service) Cancel(ctx context.Context, taskID string) error {
	now := time.Now().UTC()

	s.mu.Lock()
	task, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("cancel %s: %w", taskID, ErrUnknownTask)
	}
	if domain.IsFinalStatus(task.Status) {
		s.mu.Unlock()
		return nil
	}
	wasQueued := task.Status == domain.TaskStatusQueued
	task.Status = domain.TaskStatusCancelled
	task.UpdatedAt = now
	snapshot := *task
	cancel := s.cancels[taskID]
	s.mu.Unlock()

	if wasQueued {
		s.persistTask(ctx, snapshot, "cancel")
		s.metrics.TaskTerminal(string(domain.TaskStatusCancelled))
		return nil
	}
	if cancel != nil {
		cancel()
	}
	return nil
}

func (s *Service) GetTask(taskID string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return domain.Task{}, fmt.Errorf("get %s: %w", taskID, ErrUnknownTask)
	}
	return *task, nil
}

func (s *Service) ListTasks() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *Service) ListEscalations(status domain.EscalationStatus) []domain.Escalation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Escalation, 0)
	for _, esc := range s.escalations {
		if status != "" && esc.Status != status {
			continue
		}
		out = append(out, *esc)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// RoleLoad counts active work per role, the router's load signal.
func (s *Service) RoleLoad(role string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, task := range s.tasks {
		if task.AssignedRole != role {
			continue
		}
		if task.Status == domain.TaskStatusQueued || task.Status == domain.TaskStatusInFlight {
			count++
		}
	}
	return count
}

func (s *Service) queueDepthLocked() int {
	depth := 0
	for _, task := range s.tasks {
		if task.Status == domain.TaskStatusQueued {
			depth++
		}
	}
	return depth
}

func (s *Service) persistTask(ctx context.Context, task domain.Task, op string) {
	if s.store == nil {
		return
	}
	var err error
	if op == "create" {
		err = s.store.CreateTask(ctx, task)
	} else {
		err = s.store.UpdateTask(ctx, task)
	}
	if err != nil {
		s.logger.Warn("task not persisted",
			zap.String("task", task.ID),
			zap.String("op", op),
			zap.Error(err))
	}
}

func (s *Service) publish(evt domain.Event) {
	if s.bus == nil {
		return
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if dropped := s.bus.Publish(evt); dropped > 0 {
		s.metrics.EventsDropped(dropped)
	}
}
