package patterns

import (
	"fmt"
	"sort"

	"orgsim/internal/domain"
)

const (
	DefaultWindow        = 20
	DefaultMinSamples    = 5
	DefaultMinConfidence = 0.6

	failureRateTrigger     = 0.4
	timeRegressionFactor   = 1.5
	qualityDeclineDrop     = 0.15
	categoryWeaknessGap    = 0.15
	toolIneffectivenessCap = 0.6
	splitMinSamples        = 6
	categoryMinSamples     = 3
	toolMinUses            = 3
)

type Config struct {
	Window        int
	MinSamples    int
	MinConfidence float64
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.MinSamples <= 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.MinConfidence <= 0 {
		c.MinConfidence = DefaultMinConfidence
	}
	return c
}

// Result distinguishes "nothing found" from "not enough history to look".
type Result struct {
	NeedMoreData bool
	Analyzed     int
	Findings     []domain.Finding
}

// Detector runs five independent analyzers over a role's recent task
// history. Findings may co-occur; each carries its own confidence.
type Detector struct {
	cfg Config
}

func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Analyze inspects entries ordered oldest to newest. Only the most recent
// Window entries are considered; below MinSamples the detector refuses to
// guess.
func (d *Detector) Analyze(entries []domain.HistoryEntry) Result {
	if len(entries) > d.cfg.Window {
		entries = entries[len(entries)-d.cfg.Window:]
	}
	if len(entries) < d.cfg.MinSamples {
		return Result{NeedMoreData: true, Analyzed: len(entries)}
	}

	res := Result{Analyzed: len(entries)}
	analyzers := []func([]domain.HistoryEntry) (domain.Finding, bool){
		detectRepeatedFailure,
		detectTimeRegression,
		detectQualityDecline,
		detectCategoryWeakness,
		detectToolInefficiency,
	}
	for _, analyze := range analyzers {
		if f, ok := analyze(entries); ok && f.Confidence >= d.cfg.MinConfidence {
			res.Findings = append(res.Findings, f)
		}
	}
	return res
}

func detectRepeatedFailure(entries []domain.HistoryEntry) (domain.Finding, bool) {
	failures := 0
	perCategory := map[string]int{}
	for _, e := range entries {
		if !e.Success {
			failures++
			perCategory[e.Category]++
		}
	}
	rate := float64(failures) / float64(len(entries))
	if rate < failureRateTrigger {
		return domain.Finding{}, false
	}

	worstCategory := ""
	worstCount := 0
	for cat, n := range perCategory {
		if n > worstCount || (n == worstCount && cat < worstCategory) {
			worstCategory, worstCount = cat, n
		}
	}
	concentration := float64(worstCount) / float64(failures)
	confidence := clamp01(rate + 0.4*concentration)

	return domain.Finding{
		Type:       domain.PatternRepeatedFailure,
		Confidence: confidence,
		Evidence: map[string]any{
			"failure_rate":   rate,
			"failures":       failures,
			"sample_size":    len(entries),
			"worst_category": worstCategory,
			"concentration":  concentration,
		},
		SuggestedAction: fmt.Sprintf("review recurring failures, concentrated in %q (%d of %d failures)",
			worstCategory, worstCount, failures),
	}, true
}

func detectTimeRegression(entries []domain.HistoryEntry) (domain.Finding, bool) {
	var timed []domain.HistoryEntry
	for _, e := range entries {
		if e.TimeTakenMinutes > 0 {
			timed = append(timed, e)
		}
	}
	if len(timed) < splitMinSamples {
		return domain.Finding{}, false
	}

	older, newer := splitHalves(timed)
	olderAvg := avgTime(older)
	newerAvg := avgTime(newer)
	if olderAvg <= 0 || newerAvg < timeRegressionFactor*olderAvg {
		return domain.Finding{}, false
	}

	ratio := newerAvg / olderAvg
	return domain.Finding{
		Type:       domain.PatternTimeRegression,
		Confidence: clamp01(0.6 + (ratio-timeRegressionFactor)/timeRegressionFactor),
		Evidence: map[string]any{
			"older_avg_minutes": olderAvg,
			"newer_avg_minutes": newerAvg,
			"ratio":             ratio,
			"timed_samples":     len(timed),
		},
		SuggestedAction: fmt.Sprintf("recent tasks take %.1fx longer than before; look for a process bottleneck", ratio),
	}, true
}

func detectQualityDecline(entries []domain.HistoryEntry) (domain.Finding, bool) {
	var scored []domain.HistoryEntry
	for _, e := range entries {
		if e.QualityScore != nil {
			scored = append(scored, e)
		}
	}
	if len(scored) < splitMinSamples {
		return domain.Finding{}, false
	}

	older, newer := splitHalves(scored)
	olderAvg := avgQuality(older)
	newerAvg := avgQuality(newer)
	drop := olderAvg - newerAvg
	if drop < qualityDeclineDrop {
		return domain.Finding{}, false
	}

	return domain.Finding{
		Type:       domain.PatternQualityDecline,
		Confidence: clamp01(0.6 + (drop-qualityDeclineDrop)*2),
		Evidence: map[string]any{
			"older_avg_quality": olderAvg,
			"newer_avg_quality": newerAvg,
			"drop":              drop,
			"scored_samples":    len(scored),
		},
		SuggestedAction: fmt.Sprintf("quality dropped %.2f between history halves; tighten review on recent output", drop),
	}, true
}

func detectCategoryWeakness(entries []domain.HistoryEntry) (domain.Finding, bool) {
	type catStats struct {
		n          int
		successes  int
		qualitySum float64
		qualityN   int
	}
	stats := map[string]*catStats{}
	for _, e := range entries {
		s := stats[e.Category]
		if s == nil {
			s = &catStats{}
			stats[e.Category] = s
		}
		s.n++
		if e.Success {
			s.successes++
		}
		if e.QualityScore != nil {
			s.qualitySum += *e.QualityScore
			s.qualityN++
		}
	}

	composites := map[string]float64{}
	for cat, s := range stats {
		if s.n < categoryMinSamples {
			continue
		}
		successRate := float64(s.successes) / float64(s.n)
		avgQ := 0.5
		if s.qualityN > 0 {
			avgQ = s.qualitySum / float64(s.qualityN)
		}
		composites[cat] = 0.6*successRate + 0.4*avgQ
	}
	if len(composites) < 2 {
		return domain.Finding{}, false
	}

	var total float64
	weakest := ""
	for cat, score := range composites {
		total += score
		if weakest == "" || score < composites[weakest] || (score == composites[weakest] && cat < weakest) {
			weakest = cat
		}
	}
	mean := total / float64(len(composites))
	gap := mean - composites[weakest]
	if gap < categoryWeaknessGap {
		return domain.Finding{}, false
	}

	return domain.Finding{
		Type:       domain.PatternCategoryWeakness,
		Confidence: clamp01(0.6 + (gap-categoryWeaknessGap)*2),
		Evidence: map[string]any{
			"weakest_category": weakest,
			"weakest_score":    composites[weakest],
			"category_mean":    mean,
			"gap":              gap,
			"categories":       len(composites),
		},
		SuggestedAction: fmt.Sprintf("category %q trails the average by %.2f; add guidance or reroute that work", weakest, gap),
	}, true
}

func detectToolInefficiency(entries []domain.HistoryEntry) (domain.Finding, bool) {
	uses := map[string]int{}
	successes := map[string]int{}
	for _, e := range entries {
		for _, tool := range e.ToolsUsed {
			uses[tool]++
			if e.Success {
				successes[tool]++
			}
		}
	}

	tools := make([]string, 0, len(uses))
	for tool, n := range uses {
		if n >= toolMinUses {
			tools = append(tools, tool)
		}
	}
	if len(tools) == 0 {
		return domain.Finding{}, false
	}
	sort.Strings(tools)

	worstTool := ""
	worstRate := 2.0
	for _, tool := range tools {
		rate := float64(successes[tool]) / float64(uses[tool])
		if rate < worstRate {
			worstTool, worstRate = tool, rate
		}
	}
	if worstRate > toolIneffectivenessCap {
		return domain.Finding{}, false
	}

	return domain.Finding{
		Type:       domain.PatternToolInefficiency,
		Confidence: clamp01(0.6 + (toolIneffectivenessCap-worstRate)),
		Evidence: map[string]any{
			"tool":         worstTool,
			"success_rate": worstRate,
			"uses":         uses[worstTool],
		},
		SuggestedAction: fmt.Sprintf("tool %q succeeds only %.0f%% of the time; reconsider when it is reached for", worstTool, worstRate*100),
	}, true
}

func splitHalves(entries []domain.HistoryEntry) (older, newer []domain.HistoryEntry) {
	mid := len(entries) / 2
	return entries[:mid], entries[mid:]
}

func avgTime(entries []domain.HistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += e.TimeTakenMinutes
	}
	return sum / float64(len(entries))
}

func avgQuality(entries []domain.HistoryEntry) float64 {
	if len(entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range entries {
		sum += *e.QualityScore
	}
	return sum / float64(len(entries))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
