// Package auth holds the role ladder and the table of minimum roles per
// operation. Callers resolve the actor's role; Authorize only compares.
package auth

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"stateline/internal/catalog"
)

type Role int

const (
	Guest  Role = 5
	Viewer Role = 10
	Member Role = 15
	Admin  Role = 20
)

func (r Role) String() string {
	switch r {
	case Guest:
		return "guest"
	case Viewer:
		return "viewer"
	case Member:
		return "member"
	case Admin:
		return "admin"
	case 0:
		return "none"
	default:
		return strconv.Itoa(int(r))
	}
}

func (r Role) Valid() bool {
	return r == Guest || r == Viewer || r == Member || r == Admin
}

// ParseRole accepts role names or their numeric values.
func ParseRole(s string) (Role, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "guest":
		return Guest, nil
	case "viewer":
		return Viewer, nil
	case "member":
		return Member, nil
	case "admin":
		return Admin, nil
	}
	if n, err := strconv.Atoi(s); err == nil && Role(n).Valid() {
		return Role(n), nil
	}
	return 0, fmt.Errorf("unknown role %q", s)
}

// ForbiddenError indicates the actor's role is below the operation's minimum.
type ForbiddenError struct {
	Operation string
	Required  Role
	Actual    Role
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires role %s, have %s", e.Operation, e.Required, e.Actual)
}

const (
	OpList   = "list"
	OpRead   = "read"
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Operation names a policy entry, e.g. "state.create".
func Operation(resource, action string) string {
	return resource + "." + action
}

const (
	OpStateMarkDefault = "state.mark_default"
	OpStateSeed        = "state.seed"
	OpTransitionCheck  = "state_transition.check"
	OpEventList        = "event.list"
	OpMemberManage     = "member.manage"
	OpAPIKeyManage     = "apikey.manage"
)

type Policy struct {
	rules map[string]Role
}

// DefaultPolicy lets every workspace role read, members edit issue property
// values and admins perform every other mutation.
func DefaultPolicy() Policy {
	rules := map[string]Role{}
	for _, s := range catalog.All() {
		rules[Operation(s.Resource, OpList)] = Guest
		rules[Operation(s.Resource, OpRead)] = Guest
		for _, action := range []string{OpCreate, OpUpdate, OpDelete} {
			rules[Operation(s.Resource, action)] = Admin
		}
	}
	for _, action := range []string{OpCreate, OpUpdate, OpDelete} {
		rules[Operation(catalog.IssuePropertyValue, action)] = Member
	}
	rules[OpStateMarkDefault] = Admin
	rules[OpStateSeed] = Admin
	rules[OpTransitionCheck] = Guest
	rules[OpEventList] = Admin
	rules[OpMemberManage] = Admin
	rules[OpAPIKeyManage] = Admin
	return Policy{rules: rules}
}

// WithOverrides returns a copy with the given operations remapped to role names.
func (p Policy) WithOverrides(overrides map[string]string) (Policy, error) {
	rules := make(map[string]Role, len(p.rules))
	for k, v := range p.rules {
		rules[k] = v
	}
	for op, name := range overrides {
		if _, ok := rules[op]; !ok {
			return Policy{}, fmt.Errorf("policy override for unknown operation %q", op)
		}
		role, err := ParseRole(name)
		if err != nil {
			return Policy{}, fmt.Errorf("policy override %s: %w", op, err)
		}
		rules[op] = role
	}
	return Policy{rules: rules}, nil
}

func (p Policy) Required(op string) (Role, bool) {
	r, ok := p.rules[op]
	return r, ok
}

// Authorize fails closed for operations missing from the table.
func (p Policy) Authorize(op string, actual Role) error {
	required, ok := p.rules[op]
	if !ok {
		return ForbiddenError{Operation: op, Required: Admin + 1, Actual: actual}
	}
	if actual < required {
		return ForbiddenError{Operation: op, Required: required, Actual: actual}
	}
	return nil
}

func (p Policy) Operations() []string {
	ops := make([]string, 0, len(p.rules))
	for op := range p.rules {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}
