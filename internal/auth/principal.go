package auth

// Principal is an identity with its resolved roles and overrides.
type Principal struct {
	Identity  *Identity
	Roles     []Role
	Overrides []Override
}

// Allows evaluates the required permission against the principal's roles and
// overrides.
func (p Principal) Allows(required Permission) bool {
	return Evaluate(p.Roles, p.Overrides, required)
}

// RoleNames returns the principal's role names in assignment order.
func (p Principal) RoleNames() []string {
	names := make([]string, 0, len(p.Roles))
	for _, r := range p.Roles {
		names = append(names, r.Name)
	}
	return names
}

// ServicePrincipal is an API-key caller. Its permissions come from the key
// record, not from roles.
type ServicePrincipal struct {
	ServiceAccountID string
	KeyID            string
	Permissions      []Permission
}

// Allows evaluates the required permission against the key's grants,
// with the same all-subsumes-own rule as role grants.
func (sp ServicePrincipal) Allows(required Permission) bool {
	for _, held := range sp.Permissions {
		if grants(held, required) {
			return true
		}
	}
	return false
}
