package service

import (
	"context"
	"sort"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
	"github.com/poplovexz/qiyewenjian-sub002/internal/logger"
	"github.com/poplovexz/qiyewenjian-sub002/internal/repository"
	"github.com/poplovexz/qiyewenjian-sub002/internal/rules"
)

// ResolverConfig is the static part of approver resolution.
type ResolverConfig struct {
	// DefaultApproverID receives steps no active user matches.
	DefaultApproverID string
	// FallbackRole is used when DefaultApproverID is unset or inactive; its
	// lowest-id active holder is picked.
	FallbackRole string
	// RoleAssignments pins a role code to one user id.
	RoleAssignments map[string]string
}

// ResolveContext carries the event data relevant to resolution.
type ResolveContext struct {
	AuditType  rules.AuditType
	Department string
	// Magnitude is logged only; it never re-decides the tier.
	Magnitude *float64
	Tier      *rules.Tier
}

// Resolution is a concrete approver for one step.
type Resolution struct {
	UserID       string
	FallbackUsed bool
}

// ApproverResolver maps an approver spec to a concrete, active user.
// Given the same directory state the pick is deterministic.
type ApproverResolver struct {
	cfg ResolverConfig
	log *logger.Logger
}

// NewApproverResolver creates a resolver. The role assignment map is copied.
func NewApproverResolver(cfg ResolverConfig, log *logger.Logger) *ApproverResolver {
	pins := make(map[string]string, len(cfg.RoleAssignments))
	for role, userID := range cfg.RoleAssignments {
		pins[role] = userID
	}
	cfg.RoleAssignments = pins
	return &ApproverResolver{cfg: cfg, log: log.Component("approver_resolver")}
}

// Resolve picks the approver for spec. When nothing matches, the configured
// fallback is used and reported through FallbackUsed.
func (r *ApproverResolver) Resolve(ctx context.Context, dir repository.Directory, spec rules.ApproverSpec, rc ResolveContext) (Resolution, error) {
	if spec.Kind == rules.ApproverTier {
		if rc.Tier == nil {
			return Resolution{}, errors.New(errors.ErrCodeInvalidRule, "step uses the tier approver but no tier matched")
		}
		spec = rc.Tier.ApproverSpec
	}

	var (
		userID string
		err    error
	)
	switch spec.Kind {
	case rules.ApproverUser:
		userID, err = r.activeUser(ctx, dir, spec.UserID)
	case rules.ApproverRole:
		userID, err = r.pickRoleHolder(ctx, dir, spec, rc.Department)
	default:
		return Resolution{}, errors.Newf(errors.ErrCodeInvalidRule, "unsupported approver spec %q", spec.String())
	}
	if err != nil {
		return Resolution{}, err
	}
	if userID != "" {
		return Resolution{UserID: userID}, nil
	}

	fallbackID, err := r.fallback(ctx, dir)
	if err != nil {
		return Resolution{}, err
	}
	if fallbackID == "" {
		evt := r.log.Error().
			Str("audit_type", string(rc.AuditType)).
			Str("approver_spec", spec.String()).
			Str("department", rc.Department)
		if rc.Magnitude != nil {
			evt = evt.Float64("magnitude", *rc.Magnitude)
		}
		evt.Msg("No approver could be resolved, approval matrix is misconfigured")
		return Resolution{}, errors.Newf(errors.ErrCodeApproverResolutionFailed,
			"no active approver for %s and no usable fallback", spec.String()).
			WithDetail("approver_spec", spec.String())
	}

	r.log.Warn().
		Str("audit_type", string(rc.AuditType)).
		Str("approver_spec", spec.String()).
		Str("fallback_user_id", fallbackID).
		Msg("Approver spec unresolved, using fallback approver")
	return Resolution{UserID: fallbackID, FallbackUsed: true}, nil
}

// ResolveTransferTarget validates the target of a transfer. No fallback
// applies: an unknown or inactive target is a caller error.
func (r *ApproverResolver) ResolveTransferTarget(ctx context.Context, dir repository.Directory, userID string) (string, error) {
	if userID == "" {
		return "", errors.InvalidInput("transfer_to_user_id", "transfer target is required")
	}
	id, err := r.activeUser(ctx, dir, userID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.InvalidInput("transfer_to_user_id", "transfer target "+userID+" is not an active user")
	}
	return id, nil
}

// activeUser returns userID if the user exists and is active, "" otherwise.
func (r *ApproverResolver) activeUser(ctx context.Context, dir repository.Directory, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	u, err := dir.GetUser(ctx, userID)
	if errors.Is(err, errors.ErrCodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !u.Active {
		return "", nil
	}
	return u.ID, nil
}

// pickRoleHolder applies the role pin, then ranks active holders by
// department match, current workload and id.
func (r *ApproverResolver) pickRoleHolder(ctx context.Context, dir repository.Directory, spec rules.ApproverSpec, department string) (string, error) {
	if pinned := r.cfg.RoleAssignments[spec.Role]; pinned != "" {
		id, err := r.activeUser(ctx, dir, pinned)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		r.log.Warn().Str("role", spec.Role).Str("user_id", pinned).Msg("Pinned approver is inactive, ranking role holders")
	}

	holders, err := dir.ListActiveUsersByRole(ctx, spec.Role)
	if err != nil {
		return "", err
	}
	if len(holders) == 0 {
		return "", nil
	}

	ids := make([]string, len(holders))
	for i, u := range holders {
		ids[i] = u.ID
	}
	load, err := dir.CountPendingSteps(ctx, ids)
	if err != nil {
		return "", err
	}

	preferDept := spec.PreferSameDepartment && department != ""
	sort.SliceStable(holders, func(i, j int) bool {
		a, b := holders[i], holders[j]
		if preferDept {
			aSame, bSame := a.Department == department, b.Department == department
			if aSame != bSame {
				return aSame
			}
		}
		if load[a.ID] != load[b.ID] {
			return load[a.ID] < load[b.ID]
		}
		return a.ID < b.ID
	})
	return holders[0].ID, nil
}

func (r *ApproverResolver) fallback(ctx context.Context, dir repository.Directory) (string, error) {
	id, err := r.activeUser(ctx, dir, r.cfg.DefaultApproverID)
	if err != nil || id != "" {
		return id, err
	}
	if r.cfg.FallbackRole == "" {
		return "", nil
	}
	holders, err := dir.ListActiveUsersByRole(ctx, r.cfg.FallbackRole)
	if err != nil {
		return "", err
	}
	if len(holders) == 0 {
		return "", nil
	}
	lowest := holders[0].ID
	for _, u := range holders[1:] {
		if u.ID < lowest {
			lowest = u.ID
		}
	}
	return lowest, nil
}
