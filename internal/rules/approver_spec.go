package rules

import (
	"encoding/json"
	"strings"

	"github.com/poplovexz/qiyewenjian-sub002/internal/errors"
)

// ApproverKind tags the variant held by an ApproverSpec.
type ApproverKind string

const (
	ApproverRole ApproverKind = "role"
	ApproverUser ApproverKind = "user"
	// ApproverTier defers to the approver spec of the matched threshold tier.
	ApproverTier ApproverKind = "tier"
)

const sameDepartmentSuffix = "same_department"

// ApproverSpec is the abstract description of who approves a step.
//
// Wire forms: "role:<code>", "role:<code>:same_department", "user:<id>", "tier".
type ApproverSpec struct {
	Kind                 ApproverKind
	Role                 string
	PreferSameDepartment bool
	UserID               string
}

// RoleSpec builds a role approver spec.
func RoleSpec(role string, preferSameDepartment bool) ApproverSpec {
	return ApproverSpec{Kind: ApproverRole, Role: role, PreferSameDepartment: preferSameDepartment}
}

// UserSpec builds a literal user approver spec.
func UserSpec(userID string) ApproverSpec {
	return ApproverSpec{Kind: ApproverUser, UserID: userID}
}

// TierSpec builds a spec that uses the matched tier's approver.
func TierSpec() ApproverSpec {
	return ApproverSpec{Kind: ApproverTier}
}

// ParseApproverSpec parses the wire form of an approver spec.
func ParseApproverSpec(raw string) (ApproverSpec, error) {
	s := strings.TrimSpace(raw)
	if s == string(ApproverTier) {
		return TierSpec(), nil
	}

	parts := strings.Split(s, ":")
	switch {
	case len(parts) == 2 && parts[0] == string(ApproverUser) && parts[1] != "":
		return UserSpec(parts[1]), nil
	case len(parts) == 2 && parts[0] == string(ApproverRole) && parts[1] != "":
		return RoleSpec(parts[1], false), nil
	case len(parts) == 3 && parts[0] == string(ApproverRole) && parts[1] != "" && parts[2] == sameDepartmentSuffix:
		return RoleSpec(parts[1], true), nil
	}
	return ApproverSpec{}, errors.Newf(errors.ErrCodeInvalidRule, "invalid approver spec %q", raw)
}

// String renders the wire form.
func (a ApproverSpec) String() string {
	switch a.Kind {
	case ApproverUser:
		return "user:" + a.UserID
	case ApproverRole:
		if a.PreferSameDepartment {
			return "role:" + a.Role + ":" + sameDepartmentSuffix
		}
		return "role:" + a.Role
	case ApproverTier:
		return string(ApproverTier)
	}
	return ""
}

// IsZero reports whether the spec was never set.
func (a ApproverSpec) IsZero() bool {
	return a.Kind == ""
}

func (a ApproverSpec) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *ApproverSpec) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidRule, "approverSpec must be a string")
	}
	spec, err := ParseApproverSpec(raw)
	if err != nil {
		return err
	}
	*a = spec
	return nil
}
