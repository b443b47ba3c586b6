package service

import (
	"sort"

	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// Match is the outcome of a successful rule evaluation.
type Match struct {
	Rule *repository.AuditRule
	// Tier is nil when the rule matched without a tier (an "always" rule
	// without tiers, or without a magnitude on the event).
	Tier      *rules.Tier
	Magnitude *float64
}

// Boundary returns the matched tier boundary, if any.
func (m *Match) Boundary() (float64, bool) {
	if m.Tier == nil {
		return 0, false
	}
	return m.Tier.Boundary, true
}

// Includes reports whether a template step materializes for this match.
// Without a matched tier every step is included.
func (m *Match) Includes(step rules.StepTemplate) bool {
	boundary, ok := m.Boundary()
	return !ok || step.IncludedAt(boundary)
}

// Evaluate picks the first applicable rule for an event. Rules of other audit
// types and disabled rules are ignored; the rest are tried by priority
// ascending, then rule key and version. A threshold rule whose tiers all lie
// above the event value does not apply and evaluation moves on.
func Evaluate(candidates []*repository.AuditRule, auditType rules.AuditType, attrs map[string]any) (*Match, bool) {
	ordered := make([]*repository.AuditRule, 0, len(candidates))
	for _, r := range candidates {
		if r != nil && r.Enabled && r.AuditType == auditType {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.RuleKey != b.RuleKey {
			return a.RuleKey < b.RuleKey
		}
		return a.Version < b.Version
	})

	for _, rule := range ordered {
		if m, ok := evaluateRule(rule, attrs); ok {
			return m, true
		}
	}
	return nil, false
}

func evaluateRule(rule *repository.AuditRule, attrs map[string]any) (*Match, bool) {
	cond := rule.Trigger
	value, hasValue := cond.Magnitude(attrs)

	m := &Match{Rule: rule}
	if hasValue {
		v := value
		m.Magnitude = &v
	}

	switch {
	case cond.Kind.IsThreshold():
		if !hasValue {
			return nil, false
		}
		tier, ok := cond.SelectTier(value)
		if !ok {
			return nil, false
		}
		m.Tier = &tier
		return m, true

	case cond.Kind == rules.KindAlways:
		if hasValue && len(cond.Tiers) > 0 {
			if tier, ok := cond.SelectTier(value); ok {
				m.Tier = &tier
			}
		}
		return m, true
	}
	return nil, false
}
