package service

import (
	"context"
	"strings"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

const systemActor = "system"

// PublishRuleRequest describes a new version of a rule. Trigger must already
// be normalized (NewTriggerCondition or JSON decoding does that).
type PublishRuleRequest struct {
	RuleKey   string
	AuditType rules.AuditType
	Trigger   rules.TriggerCondition
	Template  []rules.StepTemplate
	// Priority defaults to the audit type's default priority.
	Priority  *int
	CreatedBy string
}

// PublishRule stores version N+1 of a rule and disables version N in the
// same transaction. Published rules are never edited in place.
func (s *AuditService) PublishRule(ctx context.Context, req PublishRuleRequest) (*repository.AuditRule, error) {
	strategy, ok := rules.StrategyFor(req.AuditType)
	if !ok {
		return nil, errors.InvalidInput("audit_type", "unknown audit type "+string(req.AuditType))
	}
	if strings.TrimSpace(req.RuleKey) == "" {
		return nil, errors.InvalidInput("rule_key", "rule key is required")
	}
	if strings.TrimSpace(req.CreatedBy) == "" {
		return nil, errors.InvalidInput("created_by", "created by is required")
	}
	trigger, err := rules.NewTriggerCondition(req.Trigger.Kind, req.Trigger.Tiers)
	if err != nil {
		return nil, err
	}
	template := append([]rules.StepTemplate(nil), req.Template...)
	if err := rules.ValidateStepTemplate(template, trigger); err != nil {
		return nil, err
	}
	if len(template) == 0 && len(trigger.Tiers) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidRule, "a rule without tiers needs at least one step")
	}

	priority := strategy.DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}

	rule := &repository.AuditRule{
		ID:        s.newID(),
		RuleKey:   req.RuleKey,
		Version:   1,
		AuditType: req.AuditType,
		Trigger:   trigger,
		Template:  template,
		Enabled:   true,
		Priority:  priority,
		CreatedBy: req.CreatedBy,
		CreatedAt: s.now(),
	}
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		prev, err := tx.GetLatestRuleVersion(ctx, req.RuleKey)
		if err != nil {
			return err
		}
		if prev != nil {
			if prev.AuditType != req.AuditType {
				return errors.Newf(errors.ErrCodeConflict, "rule key %q belongs to audit type %s", req.RuleKey, prev.AuditType)
			}
			rule.Version = prev.Version + 1
			if prev.Enabled {
				if err := tx.SetRuleEnabled(ctx, prev.ID, false); err != nil {
					return err
				}
			}
		}
		return tx.InsertRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info().
		Str("rule_id", rule.ID).
		Str("rule_key", rule.RuleKey).
		Int("version", rule.Version).
		Str("audit_type", string(rule.AuditType)).
		Str("created_by", rule.CreatedBy).
		Msg("Audit rule published")
	return rule, nil
}

// DisableRule takes a rule version out of evaluation. Running workflows keep
// the template snapshot they were created with.
func (s *AuditService) DisableRule(ctx context.Context, ruleID, actorID string) (*repository.AuditRule, error) {
	var rule *repository.AuditRule
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		r, err := tx.GetRule(ctx, ruleID)
		if err != nil {
			return err
		}
		if r.Enabled {
			if err := tx.SetRuleEnabled(ctx, r.ID, false); err != nil {
				return err
			}
			r.Enabled = false
		}
		rule = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("rule_id", rule.ID).Str("actor_id", actorID).Msg("Audit rule disabled")
	return rule, nil
}

// ListRules lists rules of one audit type, or of all types when auditType is
// empty.
func (s *AuditService) ListRules(ctx context.Context, auditType rules.AuditType, includeDisabled bool) ([]*repository.AuditRule, error) {
	if auditType != "" {
		if _, ok := rules.StrategyFor(auditType); !ok {
			return nil, errors.InvalidInput("audit_type", "unknown audit type "+string(auditType))
		}
	}
	return s.store.ListRules(ctx, auditType, includeDisabled)
}

// SeedDefaults publishes the built-in rule of every audit type that has no
// rule yet, enabled or not. It returns the number of rules created.
func (s *AuditService) SeedDefaults(ctx context.Context) (int, error) {
	seeded := 0
	for _, t := range rules.AuditTypes() {
		existing, err := s.store.ListRules(ctx, t, true)
		if err != nil {
			return seeded, err
		}
		if len(existing) > 0 {
			continue
		}
		strategy, _ := rules.StrategyFor(t)
		priority := strategy.DefaultPriority
		if _, err := s.PublishRule(ctx, PublishRuleRequest{
			RuleKey:   "default_" + string(t),
			AuditType: t,
			Trigger:   strategy.DefaultTrigger,
			Template:  strategy.DefaultTemplate,
			Priority:  &priority,
			CreatedBy: systemActor,
		}); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

// SeedDirectory upserts users into the directory in one transaction.
func (s *AuditService) SeedDirectory(ctx context.Context, users []*repository.User) error {
	if len(users) == 0 {
		return nil
	}
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		for _, u := range users {
			if err := tx.UpsertUser(ctx, u); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Int("users", len(users)).Msg("User directory seeded")
	return nil
}
