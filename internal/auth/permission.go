package auth

import (
	"fmt"
	"strings"
)

// Resource names the closed set of things the surrounding platform authorizes.
type Resource string

// Action names what may be done to a resource.
type Action string

// Scope bounds a grant to the caller's own records or to all records.
type Scope string

const (
	ResourceTickets         Resource = "tickets"
	ResourceWorkflows       Resource = "workflows"
	ResourceReports         Resource = "reports"
	ResourceIntegrations    Resource = "integrations"
	ResourceTimeEntries     Resource = "time_entries"
	ResourceIdentities      Resource = "identities"
	ResourceRoles           Resource = "roles"
	ResourceServiceAccounts Resource = "service_accounts"
)

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const (
	ScopeOwn Scope = "own"
	ScopeAll Scope = "all"
)

// Permission is a (resource, action, scope) triple. A grant of scope "all"
// for a pair subsumes "own" for the same pair; no other implicit
// relationships exist.
type Permission struct {
	Resource Resource `json:"resource"`
	Action   Action   `json:"action"`
	Scope    Scope    `json:"scope"`
}

// Key renders the canonical "resource:action:scope" form used in storage and
// in token claims.
func (p Permission) Key() string {
	return string(p.Resource) + ":" + string(p.Action) + ":" + string(p.Scope)
}

func (p Permission) validate() error {
	switch p.Resource {
	case ResourceTickets, ResourceWorkflows, ResourceReports, ResourceIntegrations,
		ResourceTimeEntries, ResourceIdentities, ResourceRoles, ResourceServiceAccounts:
	default:
		return fmt.Errorf("%w: unknown resource %q", ErrInvalidInput, p.Resource)
	}
	switch p.Action {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrInvalidInput, p.Action)
	}
	switch p.Scope {
	case ScopeOwn, ScopeAll:
	default:
		return fmt.Errorf("%w: unknown scope %q", ErrInvalidInput, p.Scope)
	}
	return nil
}

// ParsePermission parses the canonical "resource:action:scope" form.
func ParsePermission(key string) (Permission, error) {
	parts := strings.Split(strings.TrimSpace(key), ":")
	if len(parts) != 3 {
		return Permission{}, fmt.Errorf("%w: permission must be resource:action:scope", ErrInvalidInput)
	}
	p := Permission{
		Resource: Resource(strings.ToLower(parts[0])),
		Action:   Action(strings.ToLower(parts[1])),
		Scope:    Scope(strings.ToLower(parts[2])),
	}
	if err := p.validate(); err != nil {
		return Permission{}, err
	}
	return p, nil
}

// OverrideEffect is a user-level grant or revocation applied after
// role-derived permissions.
type OverrideEffect string

const (
	OverrideGrant  OverrideEffect = "grant"
	OverrideRevoke OverrideEffect = "revoke"
)

// Override attaches an effect to one exact triple for one identity.
type Override struct {
	IdentityID string         `json:"identity_id"`
	Permission Permission     `json:"permission"`
	Effect     OverrideEffect `json:"effect"`
}

// grants reports whether a held permission satisfies the required one:
// an exact match, or a scope-all grant covering a scope-own requirement.
func grants(held, required Permission) bool {
	if held.Resource != required.Resource || held.Action != required.Action {
		return false
	}
	if held.Scope == required.Scope {
		return true
	}
	return held.Scope == ScopeAll && required.Scope == ScopeOwn
}

// Evaluate answers whether the roles plus overrides satisfy the required
// permission. Revocations match the exact triple only and win over role
// grants; grant overrides behave like an extra held permission.
func Evaluate(roles []Role, overrides []Override, required Permission) bool {
	for _, o := range overrides {
		if o.Effect == OverrideRevoke && o.Permission == required {
			return false
		}
	}
	for _, o := range overrides {
		if o.Effect == OverrideGrant && grants(o.Permission, required) {
			return true
		}
	}
	for _, role := range roles {
		for _, held := range role.Permissions {
			if grants(held, required) {
				return true
			}
		}
	}
	return false
}
