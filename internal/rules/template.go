package rules

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

// StepTemplate is the rule-authored blueprint for one approval step.
type StepTemplate struct {
	Order        int          `json:"order"`
	Name         string       `json:"name"`
	ApproverSpec ApproverSpec `json:"approverSpec"`
	// MinBoundaryToInclude drops the step unless the matched tier boundary is at least this value.
	MinBoundaryToInclude  *float64 `json:"minBoundaryToInclude"`
	ExpectedDurationHours int      `json:"expectedDurationHours"`
	Required              bool     `json:"required"`
}

// IncludedAt reports whether the step materializes for the given matched boundary.
func (s StepTemplate) IncludedAt(boundary float64) bool {
	return s.MinBoundaryToInclude == nil || *s.MinBoundaryToInclude <= boundary
}

// ParseStepTemplate decodes and validates the JSON wire form of a step template.
// The returned slice is sorted by Order.
func ParseStepTemplate(data []byte, cond TriggerCondition) ([]StepTemplate, error) {
	var steps []StepTemplate
	if err := json.Unmarshal(data, &steps); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInvalidRule {
			return nil, err
		}
		return nil, errors.Wrap(err, errors.ErrCodeInvalidRule, "malformed stepTemplate")
	}
	if err := ValidateStepTemplate(steps, cond); err != nil {
		return nil, err
	}
	return steps, nil
}

// ValidateStepTemplate checks a template against its trigger condition and
// sorts it by Order in place. Orders must run 1..n without gaps.
func ValidateStepTemplate(steps []StepTemplate, cond TriggerCondition) error {
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	for i, s := range steps {
		if s.Order != i+1 {
			return errors.Newf(errors.ErrCodeInvalidRule, "stepTemplate orders must be 1..%d without gaps, found %d at position %d", len(steps), s.Order, i+1)
		}
		if strings.TrimSpace(s.Name) == "" {
			return errors.Newf(errors.ErrCodeInvalidRule, "step %d has no name", s.Order)
		}
		if s.ExpectedDurationHours < 0 {
			return errors.Newf(errors.ErrCodeInvalidRule, "step %d has a negative expectedDurationHours", s.Order)
		}
		switch s.ApproverSpec.Kind {
		case ApproverRole, ApproverUser:
		case ApproverTier:
			// Only threshold kinds guarantee a matched tier for every event they apply to.
			if !cond.Kind.IsThreshold() || len(cond.Tiers) == 0 {
				return errors.Newf(errors.ErrCodeInvalidRule, "step %d uses the tier approver but the condition is not a tiered threshold", s.Order)
			}
		default:
			return errors.Newf(errors.ErrCodeInvalidRule, "step %d is missing an approverSpec", s.Order)
		}
	}
	return nil
}

// ApplicableSteps returns the steps that materialize at the given boundary,
// preserving template order.
func ApplicableSteps(steps []StepTemplate, boundary float64) []StepTemplate {
	out := make([]StepTemplate, 0, len(steps))
	for _, s := range steps {
		if s.IncludedAt(boundary) {
			out = append(out, s)
		}
	}
	return out
}

// Float is a small helper for building templates with a MinBoundaryToInclude.
func Float(v float64) *float64 {
	return &v
}
