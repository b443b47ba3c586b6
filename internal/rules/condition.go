// Package rules holds the typed audit rule schema: trigger conditions, step
// templates, approver specs and the closed set of audit types.
//
// Rule JSON is parsed and validated once, when a rule is loaded or published.
// Everything downstream works on the typed values.
package rules

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

// TriggerKind tags the variant of a TriggerCondition.
type TriggerKind string

const (
	KindAlways              TriggerKind = "always"
	KindAmountThreshold     TriggerKind = "amount_threshold"
	KindPercentageThreshold TriggerKind = "percentage_threshold"
)

// IsThreshold reports whether the kind selects a tier from a numeric value.
func (k TriggerKind) IsThreshold() bool {
	return k == KindAmountThreshold || k == KindPercentageThreshold
}

// MagnitudeKeys lists the event attributes read for this kind, in lookup order.
func (k TriggerKind) MagnitudeKeys() []string {
	switch k {
	case KindAmountThreshold:
		return []string{"amount"}
	case KindPercentageThreshold:
		return []string{"percentageChange", "percentage_change"}
	default:
		return []string{"percentageChange", "percentage_change", "amount"}
	}
}

// Tier is one (boundary, approver) pair of a threshold condition.
type Tier struct {
	Boundary     float64      `json:"boundary"`
	ApproverSpec ApproverSpec `json:"approverSpec"`
}

// TriggerCondition decides whether a rule applies and which tier matches.
// Tiers are kept sorted by boundary, descending.
type TriggerCondition struct {
	Kind  TriggerKind `json:"kind"`
	Tiers []Tier      `json:"tiers,omitempty"`
}

// NewTriggerCondition validates and normalizes a condition.
func NewTriggerCondition(kind TriggerKind, tiers []Tier) (TriggerCondition, error) {
	c := TriggerCondition{Kind: kind, Tiers: append([]Tier(nil), tiers...)}
	if err := c.normalize(); err != nil {
		return TriggerCondition{}, err
	}
	return c, nil
}

// ParseTriggerCondition decodes and validates the JSON wire form.
func ParseTriggerCondition(data []byte) (TriggerCondition, error) {
	var c TriggerCondition
	if err := json.Unmarshal(data, &c); err != nil {
		return TriggerCondition{}, err
	}
	return c, nil
}

func (c *TriggerCondition) UnmarshalJSON(data []byte) error {
	type wire TriggerCondition
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInvalidRule {
			return err
		}
		return errors.Wrap(err, errors.ErrCodeInvalidRule, "malformed triggerCondition")
	}
	parsed := TriggerCondition(w)
	if err := parsed.normalize(); err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c *TriggerCondition) normalize() error {
	switch c.Kind {
	case KindAlways:
	case KindAmountThreshold, KindPercentageThreshold:
		if len(c.Tiers) == 0 {
			return errors.Newf(errors.ErrCodeInvalidRule, "%s condition requires at least one tier", c.Kind)
		}
	case "":
		return errors.New(errors.ErrCodeInvalidRule, "triggerCondition.kind is required")
	default:
		return errors.Newf(errors.ErrCodeInvalidRule, "unknown triggerCondition.kind %q", c.Kind)
	}

	seen := make(map[float64]struct{}, len(c.Tiers))
	for i, t := range c.Tiers {
		if math.IsNaN(t.Boundary) || math.IsInf(t.Boundary, 0) {
			return errors.Newf(errors.ErrCodeInvalidRule, "tier %d has a non-finite boundary", i)
		}
		if _, dup := seen[t.Boundary]; dup {
			return errors.Newf(errors.ErrCodeInvalidRule, "duplicate tier boundary %v", t.Boundary)
		}
		seen[t.Boundary] = struct{}{}
		switch t.ApproverSpec.Kind {
		case ApproverRole, ApproverUser:
		case ApproverTier:
			return errors.Newf(errors.ErrCodeInvalidRule, "tier %v cannot use the \"tier\" approver spec", t.Boundary)
		default:
			return errors.Newf(errors.ErrCodeInvalidRule, "tier %v is missing an approverSpec", t.Boundary)
		}
	}

	sort.SliceStable(c.Tiers, func(i, j int) bool {
		return c.Tiers[i].Boundary > c.Tiers[j].Boundary
	})
	return nil
}

// SelectTier returns the tier with the greatest boundary not above value.
func (c TriggerCondition) SelectTier(value float64) (Tier, bool) {
	for _, t := range c.Tiers {
		if t.Boundary <= value {
			return t, true
		}
	}
	return Tier{}, false
}

// Magnitude extracts the numeric value this condition is evaluated against.
func (c TriggerCondition) Magnitude(attrs map[string]any) (float64, bool) {
	return NumericAttribute(attrs, c.Kind.MagnitudeKeys()...)
}

// NumericAttribute returns the first key in attrs holding a finite number.
// JSON numbers, Go numeric types and numeric strings are accepted.
func NumericAttribute(attrs map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		raw, ok := attrs[key]
		if !ok || raw == nil {
			continue
		}
		if v, ok := toFloat(raw); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			return v, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
