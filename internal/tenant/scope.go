// Package tenant carries the active tenant context through every repository call.
//
// The engine never decides who may bypass tenant filtering; a Scope with bypass
// can only be produced by a Policy, which is the single evaluation point.
package tenant

import (
	"fmt"

	"github.com/google/uuid"
)

// Role is the caller's role as supplied by the external authorization layer.
type Role string

const (
	RoleSuperadmin Role = "superadmin"
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleTenant     Role = "tenant"
	RoleSystem     Role = "system"
)

// Actor identifies who is performing an operation.
type Actor struct {
	UserID   uuid.UUID
	TenantID uuid.UUID
	Role     Role
}

// Scope is the tenant filter applied to reads and writes.
type Scope struct {
	tenantID uuid.UUID
	actorID  uuid.UUID
	bypass   bool
}

// ForTenant returns a non-privileged scope for tenantID.
func ForTenant(tenantID, actorID uuid.UUID) Scope {
	return Scope{tenantID: tenantID, actorID: actorID}
}

func (s Scope) TenantID() uuid.UUID { return s.tenantID }
func (s Scope) ActorID() uuid.UUID  { return s.actorID }
func (s Scope) Bypass() bool        { return s.bypass }

// Allows reports whether a row owned by tenantID is visible in this scope.
func (s Scope) Allows(tenantID uuid.UUID) bool {
	return s.bypass || s.tenantID == tenantID
}

// Policy decides the scope for an actor.
type Policy interface {
	Scope(actor Actor) (Scope, error)
}

// RolePolicy grants bypass to a fixed set of roles.
type RolePolicy struct {
	bypassRoles map[Role]struct{}
}

// NewRolePolicy creates a policy granting bypass to the given roles.
func NewRolePolicy(roles ...string) *RolePolicy {
	p := &RolePolicy{bypassRoles: make(map[Role]struct{}, len(roles))}
	for _, r := range roles {
		p.bypassRoles[Role(r)] = struct{}{}
	}
	return p
}

// Scope implements Policy.
func (p *RolePolicy) Scope(actor Actor) (Scope, error) {
	if _, ok := p.bypassRoles[actor.Role]; ok {
		return Scope{tenantID: actor.TenantID, actorID: actor.UserID, bypass: true}, nil
	}
	if actor.TenantID == uuid.Nil {
		return Scope{}, fmt.Errorf("actor %s has no tenant and role %q cannot bypass tenant scope", actor.UserID, actor.Role)
	}
	return ForTenant(actor.TenantID, actor.UserID), nil
}
