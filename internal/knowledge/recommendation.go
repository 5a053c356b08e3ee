// Package knowledge validates and scopes recommendations produced by an
// external research collaborator. Content generation happens elsewhere;
// only the output contract is enforced here.
package knowledge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orgsim/internal/domain"
	"orgsim/internal/roles"
)

const (
	DefaultExpiry   = 7 * 24 * time.Hour
	maxContentWords = 200
)

var (
	ErrBadType        = errors.New("recommendation type must be addition, modification, or suggestion")
	ErrEmptyContent   = errors.New("recommendation content is empty")
	ErrContentTooLong = errors.New("recommendation content exceeds the word limit")
	ErrNoTarget       = errors.New("recommendation targeting pattern is empty")
	ErrBadImpact      = errors.New("recommendation impact must be low, medium, or high")
	ErrNoReasoning    = errors.New("recommendation reasoning is empty")
	ErrNoSources      = errors.New("recommendation has no sources")
	ErrExpired        = errors.New("recommendation has expired")
	ErrScopeSelf      = errors.New("recommendation may not target its own team lead or author")
	ErrScopeTeam      = errors.New("recommendation target is outside the team")
)

var (
	validTypes   = map[string]bool{"addition": true, "modification": true, "suggestion": true}
	validImpacts = map[string]bool{"low": true, "medium": true, "high": true}
)

type Config struct {
	Expiry time.Duration
}

func (c Config) withDefaults() Config {
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	return c
}

// Validator admits externally produced recommendations into the system.
type Validator struct {
	cfg    Config
	reg    *roles.Registry
	logger *zap.Logger
}

func NewValidator(cfg Config, reg *roles.Registry, logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{cfg: cfg.withDefaults(), reg: reg, logger: logger}
}

// Admit validates rec against the output contract and scopes it to the
// team led by teamLead. On success it returns the recommendation with
// identity and expiry stamped.
func (v *Validator) Admit(rec domain.Recommendation, teamLead string) (domain.Recommendation, error) {
	if err := Validate(rec); err != nil {
		v.logger.Warn("recommendation rejected",
			zap.String("target_role", rec.TargetRole),
			zap.Error(err))
		return domain.Recommendation{}, err
	}
	if err := v.Scope(rec, teamLead); err != nil {
		v.logger.Warn("recommendation rejected",
			zap.String("target_role", rec.TargetRole),
			zap.String("team_lead", teamLead),
			zap.Error(err))
		return domain.Recommendation{}, err
	}
	now := time.Now().UTC()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.ExpiresAt = rec.CreatedAt.Add(v.cfg.Expiry)
	return rec, nil
}

// Validate enforces the recommendation output contract. It checks fields
// only; scoping and expiry stamping are separate steps.
func Validate(rec domain.Recommendation) error {
	if !validTypes[rec.Type] {
		return fmt.Errorf("%w: %q", ErrBadType, rec.Type)
	}
	content := strings.TrimSpace(rec.Content)
	if content == "" {
		return ErrEmptyContent
	}
	if n := len(strings.Fields(content)); n > maxContentWords {
		return fmt.Errorf("%w: %d words", ErrContentTooLong, n)
	}
	if strings.TrimSpace(rec.TargetPattern) == "" {
		return ErrNoTarget
	}
	if !validImpacts[rec.ExpectedImpact] {
		return fmt.Errorf("%w: %q", ErrBadImpact, rec.ExpectedImpact)
	}
	if strings.TrimSpace(rec.Reasoning) == "" {
		return ErrNoReasoning
	}
	if len(rec.Sources) == 0 {
		return ErrNoSources
	}
	for _, s := range rec.Sources {
		if strings.TrimSpace(s) == "" {
			return ErrNoSources
		}
	}
	return nil
}

// Scope restricts rec to the subordinates of teamLead: never the lead
// itself and never a role outside the team.
func (v *Validator) Scope(rec domain.Recommendation, teamLead string) error {
	if rec.TargetRole == teamLead {
		return ErrScopeSelf
	}
	if !v.reg.IsSubordinate(teamLead, rec.TargetRole) {
		return fmt.Errorf("%w: %q is not supervised by %q", ErrScopeTeam, rec.TargetRole, teamLead)
	}
	return nil
}

// Fresh reports whether rec is still usable at the given instant.
func Fresh(rec domain.Recommendation, now time.Time) bool {
	return !rec.ExpiresAt.IsZero() && now.Before(rec.ExpiresAt)
}
