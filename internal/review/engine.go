package review

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orgsim/internal/domain"
	"orgsim/internal/metrics"
	"orgsim/internal/patterns"
	"orgsim/internal/roles"
)

const (
	DefaultTrendWindow       = 10
	DefaultWarningThreshold  = 0.5
	DefaultCriticalThreshold = 0.3
	DefaultEvaluationWindow  = 5

	improvingSlope = -0.05
	decliningSlope = 0.10
)

type Config struct {
	TrendWindow       int
	WarningThreshold  float64
	CriticalThreshold float64
	EvaluationWindow  int
	HistoryFetch      int
}

func (c Config) withDefaults() Config {
	if c.TrendWindow <= 0 {
		c.TrendWindow = DefaultTrendWindow
	}
	if c.WarningThreshold <= 0 {
		c.WarningThreshold = DefaultWarningThreshold
	}
	if c.CriticalThreshold <= 0 {
		c.CriticalThreshold = DefaultCriticalThreshold
	}
	if c.EvaluationWindow <= 0 {
		c.EvaluationWindow = DefaultEvaluationWindow
	}
	if c.HistoryFetch <= 0 {
		c.HistoryFetch = 40
	}
	return c
}

// Store is the slice of the persistence collaborator the review engine
// needs. A failing store degrades review to advisory logging.
type Store interface {
	ListHistory(ctx context.Context, role string, limit int) ([]domain.HistoryEntry, error)
	CreateAmendment(ctx context.Context, a domain.Amendment) error
	UpdateAmendment(ctx context.Context, a domain.Amendment) error
	ListActiveAmendments(ctx context.Context, role string) ([]domain.Amendment, error)
	CreateReview(ctx context.Context, r domain.Review) error
	InsertPatternFinding(ctx context.Context, role string, f domain.Finding) error
}

// Escalator routes review-triggered escalations into the human decision
// queue. The orchestrator satisfies this.
type Escalator interface {
	HandleEscalation(ctx context.Context, esc domain.Escalation) (domain.Escalation, error)
}

// Engine runs periodic per-role reviews: it classifies the performance
// trend, scores recent work, and turns sustained decline into a bounded
// amendment or a supervisory escalation, under the safety policy.
type Engine struct {
	cfg      Config
	reg      *roles.Registry
	policy   *Policy
	detector *patterns.Detector
	store    Store
	esc      Escalator
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func New(cfg Config, reg *roles.Registry, policy *Policy, detector *patterns.Detector, store Store, esc Escalator, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg.withDefaults(),
		reg:      reg,
		policy:   policy,
		detector: detector,
		store:    store,
		esc:      esc,
		logger:   logger,
		metrics:  m,
		lastRun:  make(map[string]time.Time),
	}
}

// Start drives review cycles for every supervised role at its configured
// cadence. It runs independently of the dispatch loop and never blocks it.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runDueCycles(ctx)
			}
		}
	}()
}

func (e *Engine) runDueCycles(ctx context.Context) {
	now := time.Now().UTC()
	for _, reviewer := range e.reg.Names() {
		for _, target := range e.reg.Subordinates(reviewer) {
			role, _ := e.reg.Get(target)
			e.mu.Lock()
			last := e.lastRun[target]
			due := now.Sub(last) >= role.ReviewCadence
			if due {
				e.lastRun[target] = now
			}
			e.mu.Unlock()
			if !due {
				continue
			}
			if _, err := e.RunCycle(ctx, reviewer, target); err != nil {
				e.logger.Warn("review cycle failed",
					zap.String("reviewer", reviewer),
					zap.String("target", target),
					zap.Error(err))
			}
		}
	}
}

// RunCycle reviews target on behalf of reviewer and returns the snapshot.
func (e *Engine) RunCycle(ctx context.Context, reviewer, target string) (domain.Review, error) {
	if err := e.policy.CheckEscalation(reviewer, target); err != nil {
		return domain.Review{}, err
	}

	entries, err := e.store.ListHistory(ctx, target, e.cfg.HistoryFetch)
	if err != nil {
		return domain.Review{}, fmt.Errorf("list history for %s: %w", target, err)
	}

	e.evaluateAmendments(ctx, reviewer, target, entries)

	trendEntries := entries
	if len(trendEntries) > e.cfg.TrendWindow {
		trendEntries = trendEntries[len(trendEntries)-e.cfg.TrendWindow:]
	}
	trend, slope := Trend(trendEntries)
	composite := averageComposite(trendEntries)
	consecutive := ConsecutiveFailures(entries)

	role, _ := e.reg.Get(target)
	rev := domain.Review{
		ID:                  uuid.NewString(),
		Role:                target,
		Reviewer:            reviewer,
		TasksAnalyzed:       len(trendEntries),
		Trend:               trend,
		Slope:               slope,
		CompositeScore:      composite,
		ConsecutiveFailures: consecutive,
		CreatedAt:           time.Now().UTC(),
	}

	switch {
	case len(trendEntries) == 0:
		// Nothing to judge yet.
	case consecutive >= role.ConsecutiveFailureLimit:
		rev.Intervention = true
		rev.EscalatedTo = reviewer
		e.escalate(ctx, reviewer, target, entries,
			fmt.Sprintf("%d consecutive failures reached the escalation threshold (%d)", consecutive, role.ConsecutiveFailureLimit))
	case composite < e.cfg.CriticalThreshold:
		rev.Intervention = true
		rev.EscalatedTo = reviewer
		e.escalate(ctx, reviewer, target, entries,
			fmt.Sprintf("composite score %.2f is below the critical threshold %.2f", composite, e.cfg.CriticalThreshold))
	case composite < e.cfg.WarningThreshold:
		rev.Intervention = true
		if amendment, ok := e.generateAmendment(ctx, reviewer, target, entries, composite); ok {
			rev.AmendmentID = amendment.ID
		}
	}

	if err := e.store.CreateReview(ctx, rev); err != nil {
		e.logger.Warn("review snapshot not persisted", zap.String("target", target), zap.Error(err))
	}
	return rev, nil
}

func (e *Engine) escalate(ctx context.Context, reviewer, target string, entries []domain.HistoryEntry, reason string) {
	if e.esc == nil {
		return
	}
	// The escalation references the subject role's most recent failed task
	// so the human reviewer sees concrete evidence.
	var subject domain.Task
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Success {
			subject = domain.Task{
				ID:           entries[i].TaskID,
				Content:      fmt.Sprintf("Performance review of role %s", target),
				AssignedRole: target,
				Priority:     domain.PriorityHigh,
				Status:       entries[i].Status,
			}
			break
		}
	}
	if subject.ID == "" && len(entries) > 0 {
		last := entries[len(entries)-1]
		subject = domain.Task{
			ID:           last.TaskID,
			Content:      fmt.Sprintf("Performance review of role %s", target),
			AssignedRole: target,
			Priority:     domain.PriorityHigh,
			Status:       last.Status,
		}
	}

	_, err := e.esc.HandleEscalation(ctx, domain.Escalation{
		FromRole: reviewer,
		Task:     subject,
		Reasons:  []string{reason},
		Priority: domain.PriorityHigh,
	})
	if err != nil {
		e.logger.Warn("review escalation not delivered",
			zap.String("target", target), zap.Error(err))
	}
}

func (e *Engine) generateAmendment(ctx context.Context, reviewer, target string, entries []domain.HistoryEntry, composite float64) (domain.Amendment, bool) {
	active, err := e.store.ListActiveAmendments(ctx, target)
	if err != nil {
		e.logger.Warn("active amendments unavailable, skipping amendment",
			zap.String("target", target), zap.Error(err))
		return domain.Amendment{}, false
	}
	if err := e.policy.CheckAmendment(reviewer, target, len(active)); err != nil {
		return domain.Amendment{}, false
	}

	area, content, trigger := e.weakestArea(ctx, target, entries)
	now := time.Now().UTC()
	amendment := domain.Amendment{
		ID:         uuid.NewString(),
		TargetRole: target,
		CreatedBy:  reviewer,
		Trigger:    trigger,
		Type:       domain.AmendmentAppend,
		TargetArea: area,
		Content:    content,
		PreScore:   composite,
		WindowSize: e.cfg.EvaluationWindow,
		Active:     true,
		Result:     domain.AmendmentResultPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.store.CreateAmendment(ctx, amendment); err != nil {
		e.logger.Warn("amendment not persisted", zap.String("target", target), zap.Error(err))
		return domain.Amendment{}, false
	}
	e.metrics.AmendmentCreated()
	e.logger.Info("amendment created",
		zap.String("reviewer", reviewer),
		zap.String("target", target),
		zap.String("area", area),
		zap.Float64("pre_score", composite))
	return amendment, true
}

// weakestArea asks the pattern detector where target is struggling and
// turns the strongest finding into amendment guidance.
func (e *Engine) weakestArea(ctx context.Context, target string, entries []domain.HistoryEntry) (area, content, trigger string) {
	area, content = "general", "Slow down and double-check acceptance criteria before reporting completion."
	trigger = "composite score below warning threshold"

	res := e.detector.Analyze(entries)
	if res.NeedMoreData || len(res.Findings) == 0 {
		return area, content, trigger
	}
	best := res.Findings[0]
	for _, f := range res.Findings[1:] {
		if f.Confidence > best.Confidence {
			best = f
		}
	}
	if err := e.store.InsertPatternFinding(ctx, target, best); err != nil {
		e.logger.Warn("pattern finding not persisted", zap.String("target", target), zap.Error(err))
	}
	return string(best.Type), best.SuggestedAction, fmt.Sprintf("pattern %s (confidence %.2f)", best.Type, best.Confidence)
}

// evaluateAmendments re-scores every active amendment whose evaluation
// window of subsequent tasks has elapsed. Success requires strict
// improvement over the pre-amendment snapshot; failure reverts.
func (e *Engine) evaluateAmendments(ctx context.Context, reviewer, target string, entries []domain.HistoryEntry) {
	active, err := e.store.ListActiveAmendments(ctx, target)
	if err != nil || len(active) == 0 {
		return
	}
	for _, amendment := range active {
		if e.policy.CheckAmendment(reviewer, amendment.TargetRole, 0) != nil {
			continue
		}
		var after []domain.HistoryEntry
		for _, entry := range entries {
			if entry.CompletedAt.After(amendment.CreatedAt) {
				after = append(after, entry)
			}
		}
		if len(after) < amendment.WindowSize {
			continue
		}
		window := after[:amendment.WindowSize]
		post := averageComposite(window)
		amendment.PostScore = &post
		amendment.Active = false
		amendment.UpdatedAt = time.Now().UTC()
		if post > amendment.PreScore {
			amendment.Result = domain.AmendmentResultSuccess
		} else {
			amendment.Result = domain.AmendmentResultFailure
			amendment.Reverted = true
			e.metrics.AmendmentReverted()
		}
		if err := e.store.UpdateAmendment(ctx, amendment); err != nil {
			e.logger.Warn("amendment evaluation not persisted",
				zap.String("amendment", amendment.ID), zap.Error(err))
			continue
		}
		e.logger.Info("amendment evaluated",
			zap.String("amendment", amendment.ID),
			zap.String("target", target),
			zap.String("result", string(amendment.Result)),
			zap.Float64("pre", amendment.PreScore),
			zap.Float64("post", post))
	}
}

// Trend runs a least-squares regression over the per-task deviation metric
// of chronologically ordered entries. The metric grows with poor outcomes,
// so a falling line reads as improvement.
func Trend(entries []domain.HistoryEntry) (domain.TrendDirection, float64) {
	if len(entries) < 3 {
		return domain.TrendStable, 0
	}
	ys := make([]float64, len(entries))
	for i, e := range entries {
		ys[i] = deviationMetric(e)
	}
	slope := regressionSlope(ys)
	switch {
	case slope < improvingSlope:
		return domain.TrendImproving, slope
	case slope > decliningSlope:
		return domain.TrendDeclining, slope
	default:
		return domain.TrendStable, slope
	}
}

// deviationMetric: 0 is on target, 1 is a failed task, and successful tasks
// contribute their overrun against the estimate.
func deviationMetric(e domain.HistoryEntry) float64 {
	if !e.Success {
		return 1
	}
	if e.EstimateMinutes > 0 && e.TimeTakenMinutes > 0 {
		dev := (e.TimeTakenMinutes - e.EstimateMinutes) / e.EstimateMinutes
		if dev > 1 {
			dev = 1
		}
		if dev < -1 {
			dev = -1
		}
		return dev
	}
	return 0
}

func regressionSlope(ys []float64) float64 {
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// ConsecutiveFailures counts trailing failed or rejected entries before the
// first success, scanning from the most recent backward.
func ConsecutiveFailures(entries []domain.HistoryEntry) int {
	count := 0
	for i := len(entries) - 1; i >= 0; i-- {
		status := entries[i].Status
		if status == domain.TaskStatusFailed || status == domain.TaskStatusRejected {
			count++
			continue
		}
		break
	}
	return count
}

// CompositeScore blends status, quality, retries, and timeliness into a
// [0,1] per-task score. Retries divide the score, so any retry strictly
// lowers a positive score.
func CompositeScore(e domain.HistoryEntry) float64 {
	score := 0.2
	if e.Status == domain.TaskStatusCompleted {
		score = 0.7
	}
	if e.QualityScore != nil {
		score = 0.6*score + 0.4*(*e.QualityScore)
	}
	if e.Retries > 0 {
		score /= 1 + 0.25*float64(e.Retries)
	}
	if e.DueDate != nil {
		if e.CompletedAt.After(*e.DueDate) {
			score -= 0.1
		} else {
			score += 0.1
		}
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func averageComposite(entries []domain.HistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += CompositeScore(e)
	}
	return sum / float64(len(entries))
}
