package review

import (
	"errors"

	"go.uber.org/zap"

	"orgsim/internal/metrics"
	"orgsim/internal/roles"
)

// Safety constraints. These are deliberately constants, not configuration:
// no amendment content or config value can relax them.
const maxActiveAmendmentsPerRole = 10

var (
	ErrSelfTarget    = errors.New("amendment or escalation may not target the acting role")
	ErrSharedPersona = errors.New("amendment may not target the acting role's own persona")
	ErrOutsideTeam   = errors.New("target role is outside the reviewer's subordinate set")
	ErrAmendmentCap  = errors.New("active amendment cap reached for target role")
)

// Policy guards every amendment and escalation the review engine produces.
// Violations are security-relevant: they are logged and counted, never
// silently ignored.
type Policy struct {
	reg     *roles.Registry
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewPolicy(reg *roles.Registry, logger *zap.Logger, m *metrics.Metrics) *Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Policy{reg: reg, logger: logger, metrics: m}
}

// CheckAmendment validates that reviewer may create, evaluate, or revert an
// amendment targeting target while activeCount amendments are in force.
func (p *Policy) CheckAmendment(reviewer, target string, activeCount int) error {
	if err := p.CheckEscalation(reviewer, target); err != nil {
		return err
	}
	if p.sharedPersona(reviewer, target) {
		p.violation("shared_persona_amendment", reviewer, target)
		return ErrSharedPersona
	}
	if activeCount >= maxActiveAmendmentsPerRole {
		p.violation("amendment_cap", reviewer, target)
		return ErrAmendmentCap
	}
	return nil
}

// CheckEscalation validates that reviewer may act on target at all: never
// itself, and only roles inside its own subordinate set (strict team
// isolation).
func (p *Policy) CheckEscalation(reviewer, target string) error {
	if reviewer == target {
		p.violation("self_target", reviewer, target)
		return ErrSelfTarget
	}
	if !p.reg.IsSubordinate(reviewer, target) {
		p.violation("outside_team", reviewer, target)
		return ErrOutsideTeam
	}
	return nil
}

func (p *Policy) sharedPersona(reviewer, target string) bool {
	a, okA := p.reg.Get(reviewer)
	b, okB := p.reg.Get(target)
	return okA && okB && a.Persona != "" && a.Persona == b.Persona
}

func (p *Policy) violation(kind, reviewer, target string) {
	p.metrics.PolicyViolation()
	p.logger.Warn("review policy violation rejected",
		zap.String("violation", kind),
		zap.String("reviewer", reviewer),
		zap.String("target", target))
}
