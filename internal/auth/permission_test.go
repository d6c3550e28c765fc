package auth

import "testing"

func perm(r Resource, a Action, s Scope) Permission {
	return Permission{Resource: r, Action: a, Scope: s}
}

func TestPermissionKeyRoundTrip(t *testing.T) {
	p := perm(ResourceTickets, ActionUpdate, ScopeOwn)
	if p.Key() != "tickets:update:own" {
		t.Fatalf("Key = %q", p.Key())
	}
	parsed, err := ParsePermission(p.Key())
	if err != nil {
		t.Fatalf("ParsePermission: %v", err)
	}
	if parsed != p {
		t.Fatalf("round trip mismatch: %+v", parsed)
	}
}

func TestParsePermissionRejectsUnknownParts(t *testing.T) {
	for _, key := range []string{
		"tickets:update",
		"tickets:update:own:extra",
		"spaceships:update:own",
		"tickets:fly:own",
		"tickets:update:galaxy",
		"",
	} {
		if _, err := ParsePermission(key); err == nil {
			t.Errorf("ParsePermission(%q) accepted an invalid key", key)
		}
	}
}

func TestEvaluateScopeSubsumption(t *testing.T) {
	lead := []Role{{Name: "qa_lead", Permissions: []Permission{perm(ResourceTickets, ActionUpdate, ScopeAll)}}}

	if !Evaluate(lead, nil, perm(ResourceTickets, ActionUpdate, ScopeOwn)) {
		t.Fatal("scope all must satisfy scope own")
	}
	if !Evaluate(lead, nil, perm(ResourceTickets, ActionUpdate, ScopeAll)) {
		t.Fatal("scope all must satisfy itself")
	}

	member := []Role{{Name: "member", Permissions: []Permission{perm(ResourceTickets, ActionUpdate, ScopeOwn)}}}
	if Evaluate(member, nil, perm(ResourceTickets, ActionUpdate, ScopeAll)) {
		t.Fatal("scope own must not satisfy scope all")
	}
}

func TestEvaluateRevokeOverrideWins(t *testing.T) {
	roles := []Role{{Name: "qa_lead", Permissions: []Permission{perm(ResourceReports, ActionRead, ScopeAll)}}}
	overrides := []Override{{
		Permission: perm(ResourceReports, ActionRead, ScopeAll),
		Effect:     OverrideRevoke,
	}}

	if Evaluate(roles, overrides, perm(ResourceReports, ActionRead, ScopeAll)) {
		t.Fatal("revoke override must beat the role grant")
	}
	// Revocations bind the exact triple only: the scope-own requirement is
	// still satisfied through the role's scope-all grant.
	if !Evaluate(roles, overrides, perm(ResourceReports, ActionRead, ScopeOwn)) {
		t.Fatal("revoking the all triple must not strip the own requirement")
	}
}

func TestEvaluateGrantOverride(t *testing.T) {
	overrides := []Override{{
		Permission: perm(ResourceWorkflows, ActionDelete, ScopeAll),
		Effect:     OverrideGrant,
	}}
	if !Evaluate(nil, overrides, perm(ResourceWorkflows, ActionDelete, ScopeOwn)) {
		t.Fatal("grant override must act like a held permission")
	}
	if Evaluate(nil, nil, perm(ResourceWorkflows, ActionDelete, ScopeOwn)) {
		t.Fatal("no roles and no overrides must deny")
	}
}
