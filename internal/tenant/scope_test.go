package tenant

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRolePolicy_SuperadminBypasses(t *testing.T) {
	policy := NewRolePolicy("superadmin")
	own := uuid.New()

	scope, err := policy.Scope(Actor{UserID: uuid.New(), TenantID: own, Role: RoleSuperadmin})
	require.NoError(t, err)

	assert.True(t, scope.Bypass())
	assert.True(t, scope.Allows(uuid.New()))
}

func TestRolePolicy_ManagerIsScoped(t *testing.T) {
	policy := NewRolePolicy("superadmin")
	own := uuid.New()

	scope, err := policy.Scope(Actor{UserID: uuid.New(), TenantID: own, Role: RoleManager})
	require.NoError(t, err)

	assert.False(t, scope.Bypass())
	assert.True(t, scope.Allows(own))
	assert.False(t, scope.Allows(uuid.New()))
}

func TestRolePolicy_RejectsTenantlessActor(t *testing.T) {
	policy := NewRolePolicy("superadmin")

	_, err := policy.Scope(Actor{UserID: uuid.New(), Role: RoleAdmin})
	assert.Error(t, err)
}
