package routing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"orgsim/internal/domain"
)

const (
	explicitAssignmentScore = 100
	keywordMatchScore       = 20
	loadPenaltyPerTask      = 5
	loadPenaltyFloor        = 5
	seniorPreferenceScore   = 10
	successRateScore        = 10
	maxAlternates           = 2
)

type Config struct {
	// DefaultRole receives tasks no rule can place.
	DefaultRole string
	// RoleKeywords maps a role to the content keywords it claims.
	RoleKeywords map[string][]string
	// WorkflowRoles maps a declared workflow to its participating roles.
	WorkflowRoles map[string][]string
	SeniorRoles   []string
	// PreferSenior marks the priority tiers that bias toward senior roles.
	PreferSenior []domain.Priority
}

func (c Config) withDefaults() Config {
	if c.DefaultRole == "" {
		c.DefaultRole = "coordinator"
	}
	if len(c.PreferSenior) == 0 {
		c.PreferSenior = []domain.Priority{domain.PriorityHigh, domain.PriorityCritical}
	}
	return c
}

// LearningStore persists success-rate statistics between runs. A nil store
// keeps the router fully in-memory.
type LearningStore interface {
	UpsertLearning(ctx context.Context, rec domain.LearningRecord) error
	LoadLearning(ctx context.Context) ([]domain.LearningRecord, error)
}

// LoadFunc reports a role's current in-flight task count.
type LoadFunc func(role string) int

type learningKey struct {
	role     string
	taskType string
}

// Router proposes roles for a task by blending static rules with persisted
// historical success rates, and records outcomes to keep the rates current.
type Router struct {
	cfg    Config
	store  LearningStore
	load   LoadFunc
	logger *zap.Logger

	mu       sync.RWMutex
	learning map[learningKey]domain.LearningRecord
	senior   map[string]bool
	prefer   map[domain.Priority]bool
}

func New(cfg Config, store LearningStore, load LoadFunc, logger *zap.Logger) *Router {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Router{
		cfg:      cfg,
		store:    store,
		load:     load,
		logger:   logger,
		learning: make(map[learningKey]domain.LearningRecord),
		senior:   make(map[string]bool, len(cfg.SeniorRoles)),
		prefer:   make(map[domain.Priority]bool, len(cfg.PreferSenior)),
	}
	for _, role := range cfg.SeniorRoles {
		r.senior[role] = true
	}
	for _, p := range cfg.PreferSenior {
		r.prefer[p] = true
	}
	r.rehydrate()
	return r
}

func (r *Router) rehydrate() {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recs, err := r.store.LoadLearning(ctx)
	if err != nil {
		r.logger.Warn("learning rehydration failed, starting cold", zap.Error(err))
		return
	}
	r.mu.Lock()
	for _, rec := range recs {
		r.learning[learningKey{rec.Role, rec.TaskType}] = rec
	}
	r.mu.Unlock()
	r.logger.Info("learning records rehydrated", zap.Int("records", len(recs)))
}

type scoredCandidate struct {
	role    string
	score   float64
	order   int
	factors []string
}

// Route picks a primary role and up to two alternates for the task.
func (r *Router) Route(task domain.Task) domain.RoutingDecision {
	taskType := DetectTaskType(task.Content)
	candidates := r.candidates(task)

	scored := make([]scoredCandidate, 0, len(candidates))
	for i, role := range candidates {
		c := scoredCandidate{role: role, order: i}

		if role == task.AssignedRole && task.AssignedRole != "" {
			c.score += explicitAssignmentScore
			c.factors = append(c.factors, "explicit assignment")
		}
		if n := r.keywordMatches(role, task.Content); n > 0 {
			c.score += float64(keywordMatchScore * n)
			c.factors = append(c.factors, fmt.Sprintf("%d keyword matches", n))
		}
		// Load only costs anything beyond five in-flight tasks; light loads
		// are free.
		if r.load != nil {
			if load := r.load(role); load > loadPenaltyFloor {
				c.score -= float64(loadPenaltyPerTask * load)
				c.factors = append(c.factors, fmt.Sprintf("load penalty (%d in flight)", load))
			}
		}
		if r.prefer[task.Priority] && r.senior[role] {
			c.score += seniorPreferenceScore
			c.factors = append(c.factors, "senior role preferred for tier")
		}
		if rec, ok := r.record(role, taskType); ok {
			c.score += successRateScore * rec.SuccessRate
			c.factors = append(c.factors, fmt.Sprintf("historical success rate %.2f over %d tasks", rec.SuccessRate, rec.Total))
		}
		scored = append(scored, c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].order < scored[j].order
	})

	primary := scored[0]
	alternates := make([]string, 0, maxAlternates)
	for _, c := range scored[1:] {
		if len(alternates) == maxAlternates {
			break
		}
		alternates = append(alternates, c.role)
	}

	return domain.RoutingDecision{
		TaskID:      task.ID,
		PrimaryRole: primary.role,
		Alternates:  alternates,
		Confidence:  confidence(primary.score, len(scored)),
		Factors:     primary.factors,
		DecidedAt:   time.Now().UTC(),
	}
}

// candidates unions the explicit assignment, keyword-claimed roles, and
// workflow roles, keeping first-seen order. Empty union falls back to the
// default coordinating role.
func (r *Router) candidates(task domain.Task) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(role string) {
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}

	add(task.AssignedRole)
	lower := strings.ToLower(task.Content)
	for role, keywords := range r.cfg.RoleKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				add(role)
				break
			}
		}
	}
	for _, role := range r.cfg.WorkflowRoles[task.Workflow] {
		add(role)
	}

	if len(out) == 0 {
		add(r.cfg.DefaultRole)
	}
	sortKeywordStable(out, task, r.cfg)
	return out
}

// sortKeywordStable pins candidate enumeration order: explicit assignment
// first, then keyword roles in config-independent sorted order, then
// workflow roles. Map iteration order must not leak into tie-breaks.
func sortKeywordStable(out []string, task domain.Task, cfg Config) {
	rank := func(role string) (int, string) {
		if role == task.AssignedRole && role != "" {
			return 0, role
		}
		for _, wf := range cfg.WorkflowRoles[task.Workflow] {
			if wf == role {
				return 2, role
			}
		}
		return 1, role
	}
	sort.SliceStable(out, func(i, j int) bool {
		ri, ni := rank(out[i])
		rj, nj := rank(out[j])
		if ri != rj {
			return ri < rj
		}
		return ni < nj
	})
}

func (r *Router) keywordMatches(role, content string) int {
	lower := strings.ToLower(content)
	n := 0
	for _, kw := range r.cfg.RoleKeywords[role] {
		if strings.Contains(lower, kw) {
			n++
		}
	}
	return n
}

func (r *Router) record(role, taskType string) (domain.LearningRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.learning[learningKey{role, taskType}]
	return rec, ok
}

// RecordOutcome folds a terminal task into the (role, taskType) learning
// record and persists it best-effort.
func (r *Router) RecordOutcome(ctx context.Context, role, taskType string, success bool) domain.LearningRecord {
	r.mu.Lock()
	key := learningKey{role, taskType}
	rec := r.learning[key]
	rec.Role = role
	rec.TaskType = taskType
	rec.Total++
	if success {
		rec.Successes++
	}
	rec.SuccessRate = float64(rec.Successes) / float64(rec.Total)
	rec.UpdatedAt = time.Now().UTC()
	r.learning[key] = rec
	r.mu.Unlock()

	if r.store != nil {
		go func(rec domain.LearningRecord) {
			upsertCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.store.UpsertLearning(upsertCtx, rec); err != nil {
				r.logger.Warn("learning upsert failed, keeping in-memory record",
					zap.String("role", role),
					zap.String("task_type", taskType),
					zap.Error(err))
			}
		}(rec)
	}
	return rec
}

func confidence(topScore float64, candidateCount int) float64 {
	conf := topScore / 150
	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 1 {
		conf = 1
	}
	if candidateCount == 1 {
		// Sole candidate: nothing competed, cap the claim.
		if conf > 0.75 {
			conf = 0.75
		}
	}
	return conf
}

// DetectTaskType buckets task content into the coarse categories learning
// records are keyed by.
func DetectTaskType(content string) string {
	lower := strings.ToLower(content)
	switch {
	case strings.Contains(lower, "budget") || strings.Contains(lower, "invoice") ||
		strings.Contains(lower, "expense") || strings.Contains(lower, "financ"):
		return "finance"
	case strings.Contains(lower, "security") || strings.Contains(lower, "breach") ||
		strings.Contains(lower, "vulnerab"):
		return "security"
	case strings.Contains(lower, "contract") || strings.Contains(lower, "legal") ||
		strings.Contains(lower, "complian"):
		return "legal"
	case strings.Contains(lower, "hiring") || strings.Contains(lower, "recruit") ||
		strings.Contains(lower, "onboard"):
		return "hr"
	case strings.Contains(lower, "deploy") || strings.Contains(lower, "architect") ||
		strings.Contains(lower, "infrastructure") || strings.Contains(lower, "bug"):
		return "engineering"
	default:
		return "general"
	}
}
