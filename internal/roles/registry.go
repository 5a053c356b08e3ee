package roles

import (
	"fmt"
	"sort"
	"time"
)

// Role is a named unit of work capacity with an authority tier and a
// supervisor. All of this is static configuration; roles can never mutate
// their own entries at runtime.
type Role struct {
	Name                    string
	Persona                 string
	Supervisor              string
	Senior                  bool
	ExpenseThreshold        float64
	ContractThreshold       float64
	Keywords                []string
	ReviewCadence           time.Duration
	ConsecutiveFailureLimit int
}

// Registry is the immutable role hierarchy built once at startup.
type Registry struct {
	roles        map[string]Role
	subordinates map[string][]string
}

func NewRegistry(list []Role) (*Registry, error) {
	r := &Registry{
		roles:        make(map[string]Role, len(list)),
		subordinates: make(map[string][]string),
	}
	for _, role := range list {
		if role.Name == "" {
			return nil, fmt.Errorf("role with empty name")
		}
		if _, dup := r.roles[role.Name]; dup {
			return nil, fmt.Errorf("duplicate role %s", role.Name)
		}
		if role.ConsecutiveFailureLimit <= 0 {
			role.ConsecutiveFailureLimit = 3
		}
		if role.ReviewCadence <= 0 {
			role.ReviewCadence = 24 * time.Hour
		}
		r.roles[role.Name] = role
	}
	for name, role := range r.roles {
		if role.Supervisor == "" {
			continue
		}
		if _, ok := r.roles[role.Supervisor]; !ok {
			return nil, fmt.Errorf("role %s has unknown supervisor %s", name, role.Supervisor)
		}
		if role.Supervisor == name {
			return nil, fmt.Errorf("role %s supervises itself", name)
		}
		r.subordinates[role.Supervisor] = append(r.subordinates[role.Supervisor], name)
	}
	for _, subs := range r.subordinates {
		sort.Strings(subs)
	}
	return r, nil
}

func (r *Registry) Get(name string) (Role, bool) {
	role, ok := r.roles[name]
	return role, ok
}

func (r *Registry) Supervisor(name string) (string, bool) {
	role, ok := r.roles[name]
	if !ok || role.Supervisor == "" {
		return "", false
	}
	return role.Supervisor, true
}

// Subordinates returns the direct reports of name, the only roles its
// review process may touch.
func (r *Registry) Subordinates(name string) []string {
	return r.subordinates[name]
}

func (r *Registry) IsSubordinate(supervisor, name string) bool {
	for _, sub := range r.subordinates[supervisor] {
		if sub == name {
			return true
		}
	}
	return false
}

func (r *Registry) IsSenior(name string) bool {
	return r.roles[name].Senior
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.roles))
	for name := range r.roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SeniorNames lists roles flagged senior, for router configuration.
func (r *Registry) SeniorNames() []string {
	var names []string
	for name, role := range r.roles {
		if role.Senior {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// KeywordTable maps each role to its claimed content keywords.
func (r *Registry) KeywordTable() map[string][]string {
	table := make(map[string][]string, len(r.roles))
	for name, role := range r.roles {
		if len(role.Keywords) > 0 {
			table[name] = role.Keywords
		}
	}
	return table
}

// ExpenseThresholds maps roles to their single-expense authority override.
func (r *Registry) ExpenseThresholds() map[string]float64 {
	table := make(map[string]float64)
	for name, role := range r.roles {
		if role.ExpenseThreshold > 0 {
			table[name] = role.ExpenseThreshold
		}
	}
	return table
}
