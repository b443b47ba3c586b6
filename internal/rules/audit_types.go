package rules

import (
	"sort"
	"strconv"
	"strings"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

// AuditType is the closed set of business events that can require approval.
type AuditType string

const (
	ContractAmountDecrease AuditType = "contract_amount_decrease"
	BankRemittance         AuditType = "bank_remittance"
	QuoteDiscount          AuditType = "quote_discount"
	PaymentRefund          AuditType = "payment_refund"
)

// Strategy carries the per-type defaults used to seed rules and label
// notifications.
type Strategy struct {
	Type            AuditType
	Label           string
	EntityType      string
	DefaultPriority int
	DefaultTrigger  TriggerCondition
	DefaultTemplate []StepTemplate
}

var strategies = map[AuditType]Strategy{
	ContractAmountDecrease: {
		Type:            ContractAmountDecrease,
		Label:           "Contract amount decrease",
		EntityType:      "contract",
		DefaultPriority: 100,
		DefaultTrigger: mustTrigger(KindPercentageThreshold, []Tier{
			{Boundary: 10, ApproverSpec: RoleSpec("supervisor", true)},
			{Boundary: 20, ApproverSpec: RoleSpec("manager", false)},
			{Boundary: 30, ApproverSpec: RoleSpec("director", false)},
		}),
		DefaultTemplate: []StepTemplate{
			{Order: 1, Name: "Supervisor review", ApproverSpec: RoleSpec("supervisor", true), MinBoundaryToInclude: Float(0), ExpectedDurationHours: 24, Required: true},
			{Order: 2, Name: "Manager review", ApproverSpec: RoleSpec("manager", false), MinBoundaryToInclude: Float(20), ExpectedDurationHours: 24, Required: true},
			{Order: 3, Name: "Director sign-off", ApproverSpec: RoleSpec("director", false), MinBoundaryToInclude: Float(30), ExpectedDurationHours: 48, Required: true},
		},
	},
	BankRemittance: {
		Type:            BankRemittance,
		Label:           "Bank remittance",
		EntityType:      "payment",
		DefaultPriority: 100,
		DefaultTrigger: mustTrigger(KindAmountThreshold, []Tier{
			{Boundary: 0, ApproverSpec: RoleSpec("finance", true)},
			{Boundary: 50000, ApproverSpec: RoleSpec("finance_manager", false)},
			{Boundary: 200000, ApproverSpec: RoleSpec("director", false)},
		}),
		DefaultTemplate: []StepTemplate{
			{Order: 1, Name: "Finance check", ApproverSpec: RoleSpec("finance", true), ExpectedDurationHours: 8, Required: true},
			{Order: 2, Name: "Finance manager approval", ApproverSpec: RoleSpec("finance_manager", false), MinBoundaryToInclude: Float(50000), ExpectedDurationHours: 24, Required: true},
			{Order: 3, Name: "Director approval", ApproverSpec: RoleSpec("director", false), MinBoundaryToInclude: Float(200000), ExpectedDurationHours: 48, Required: true},
		},
	},
	QuoteDiscount: {
		Type:            QuoteDiscount,
		Label:           "Quote discount",
		EntityType:      "quote",
		DefaultPriority: 100,
		DefaultTrigger: mustTrigger(KindPercentageThreshold, []Tier{
			{Boundary: 5, ApproverSpec: RoleSpec("sales_manager", true)},
			{Boundary: 15, ApproverSpec: RoleSpec("manager", false)},
		}),
		DefaultTemplate: []StepTemplate{
			{Order: 1, Name: "Discount approval", ApproverSpec: TierSpec(), ExpectedDurationHours: 24, Required: true},
		},
	},
	PaymentRefund: {
		Type:            PaymentRefund,
		Label:           "Payment refund",
		EntityType:      "payment",
		DefaultPriority: 100,
		DefaultTrigger:  mustTrigger(KindAlways, nil),
		DefaultTemplate: []StepTemplate{
			{Order: 1, Name: "Finance review", ApproverSpec: RoleSpec("finance", true), ExpectedDurationHours: 24, Required: true},
			{Order: 2, Name: "Manager approval", ApproverSpec: RoleSpec("manager", false), ExpectedDurationHours: 24, Required: false},
		},
	},
}

func init() {
	for t, s := range strategies {
		if err := ValidateStepTemplate(s.DefaultTemplate, s.DefaultTrigger); err != nil {
			panic("default template for " + string(t) + ": " + err.Error())
		}
	}
}

// ParseAuditType validates a wire value against the closed set.
func ParseAuditType(raw string) (AuditType, error) {
	t := AuditType(strings.TrimSpace(raw))
	if _, ok := strategies[t]; !ok {
		return "", errors.InvalidInput("audit_type", "unknown audit type "+strconv.Quote(raw))
	}
	return t, nil
}

// StrategyFor returns the strategy of a known audit type.
func StrategyFor(t AuditType) (Strategy, bool) {
	s, ok := strategies[t]
	if !ok {
		return Strategy{}, false
	}
	s.DefaultTemplate = append([]StepTemplate(nil), s.DefaultTemplate...)
	s.DefaultTrigger.Tiers = append([]Tier(nil), s.DefaultTrigger.Tiers...)
	return s, true
}

// AuditTypes lists every audit type in a stable order.
func AuditTypes() []AuditType {
	out := make([]AuditType, 0, len(strategies))
	for t := range strategies {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Label returns the human readable name of the audit type.
func (t AuditType) Label() string {
	if s, ok := strategies[t]; ok {
		return s.Label
	}
	return string(t)
}

func mustTrigger(kind TriggerKind, tiers []Tier) TriggerCondition {
	c, err := NewTriggerCondition(kind, tiers)
	if err != nil {
		panic(err)
	}
	return c
}
