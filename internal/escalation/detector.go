package escalation

import (
	"fmt"
	"strings"

	"orgsim/internal/domain"
)

const (
	DefaultExpenseThreshold  = 10_000
	DefaultContractThreshold = 50_000
)

type Config struct {
	// ExpenseThreshold is the global single-expense ceiling. Role-specific
	// overrides win when present.
	ExpenseThreshold      float64
	ContractThreshold     float64
	RoleExpenseThresholds map[string]float64
}

func (c Config) withDefaults() Config {
	if c.ExpenseThreshold <= 0 {
		c.ExpenseThreshold = DefaultExpenseThreshold
	}
	if c.ContractThreshold <= 0 {
		c.ContractThreshold = DefaultContractThreshold
	}
	return c
}

// Outcome is the detector's verdict. Escalate is true exactly when Reasons
// is non-empty.
type Outcome struct {
	Escalate bool            `json:"escalate"`
	Reasons  []string        `json:"reasons"`
	Priority domain.Priority `json:"priority"`
}

// Detector is a stateless rule evaluator. All rule categories are always
// evaluated and their reasons accumulate; nothing short-circuits.
type Detector struct {
	cfg    Config
	custom []Rule
}

func New(cfg Config, custom ...Rule) *Detector {
	return &Detector{
		cfg:    cfg.withDefaults(),
		custom: custom,
	}
}

// Evaluate decides whether task (optionally with its execution result)
// exceeds actingRole's authority.
func (d *Detector) Evaluate(task domain.Task, result *domain.ExecResult, actingRole string) Outcome {
	var reasons []string

	taskText := task.Content + "\n" + task.Notes

	for _, marker := range containsAny(taskText, explicitMarkers) {
		reasons = append(reasons, fmt.Sprintf("explicit escalation marker %q found", marker))
	}

	reasons = append(reasons, d.financialReasons(task, result, actingRole)...)

	riskText := taskText
	if result != nil {
		riskText += "\n" + result.Analysis + "\n" + result.Decision
	}
	for _, kw := range containsAny(riskText, riskKeywords) {
		reasons = append(reasons, fmt.Sprintf("risk keyword %q detected", kw))
	}

	for _, kw := range containsAny(taskText, strategicKeywords) {
		reasons = append(reasons, fmt.Sprintf("strategic keyword %q detected", kw))
	}

	roleText := taskText
	if result != nil {
		roleText += "\n" + result.Action
	}
	for _, phrase := range containsAny(roleText, roleRules[strings.ToLower(actingRole)]) {
		reasons = append(reasons, fmt.Sprintf("%s rule matched: %s", strings.ToLower(actingRole), phrase))
	}

	for _, rule := range d.custom {
		if rule.Match == nil || !rule.Match(task, result) {
			continue
		}
		reason := rule.Reason
		if reason == "" {
			reason = defaultCustomReason
		}
		reasons = append(reasons, reason)
		break
	}

	reasons = dedupe(reasons)
	return Outcome{
		Escalate: len(reasons) > 0,
		Reasons:  reasons,
		Priority: resolvePriority(task, reasons),
	}
}

func (d *Detector) financialReasons(task domain.Task, result *domain.ExecResult, actingRole string) []string {
	text := task.Content
	if result != nil {
		text += "\n" + result.Action
	}
	amounts := extractAmounts(text)
	if len(amounts) == 0 {
		return nil
	}

	expenseLimit := d.cfg.ExpenseThreshold
	if override, ok := d.cfg.RoleExpenseThresholds[strings.ToLower(actingRole)]; ok && override > 0 {
		expenseLimit = override
	}
	limit := expenseLimit
	kind := "expense"
	if mentionsContract(text) {
		limit = d.cfg.ContractThreshold
		kind = "contract value"
	}

	var reasons []string
	for _, amount := range amounts {
		if amount > limit {
			reasons = append(reasons, fmt.Sprintf("%s $%.2f exceeds authority limit $%.2f", kind, amount, limit))
		}
	}
	return reasons
}

// resolvePriority starts from medium, forces critical on security/legal
// reason text, and otherwise inherits the task's own tier when it is high or
// critical. A critical classification is never downgraded.
func resolvePriority(task domain.Task, reasons []string) domain.Priority {
	for _, reason := range reasons {
		lower := strings.ToLower(reason)
		for _, term := range criticalReasonTerms {
			if strings.Contains(lower, term) {
				return domain.PriorityCritical
			}
		}
	}
	if task.Priority == domain.PriorityCritical || task.Priority == domain.PriorityHigh {
		return task.Priority
	}
	return domain.PriorityMedium
}

func dedupe(reasons []string) []string {
	seen := make(map[string]struct{}, len(reasons))
	out := reasons[:0]
	for _, r := range reasons {
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
