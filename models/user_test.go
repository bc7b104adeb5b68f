package models

import (
	"context"
	"testing"

	"github.com/creetelo/admin_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateUserAndLogin(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	user, err := CreateUser(ctx, &NewUser{
		Username: "staff1",
		Name:     "Staff One",
		Email:    "staff1@example.com",
		Password: "s3cret-pass",
		IsActive: utils.NewTrue(),
		Role:     UserRoleStaff,
	})
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret-pass", user.Password)

	info, err := Login(ctx, "staff1", "s3cret-pass")
	require.NoError(t, err)
	assert.NotEmpty(t, info.Token)
	assert.Equal(t, "Staff One", info.Name)
	assert.Equal(t, string(UserRoleStaff), info.Role)

	_, err = Login(ctx, "staff1", "wrong-pass")
	require.Error(t, err)
	_, err = Login(ctx, "nobody", "s3cret-pass")
	require.Error(t, err)
}

func TestLoginInactiveUserRejected(t *testing.T) {
	newTestDB(t)
	ctx := context.Background()

	_, err := CreateUser(ctx, &NewUser{
		Username: "gone",
		Name:     "Gone",
		Password: "s3cret-pass",
		IsActive: utils.NewFalse(),
		Role:     UserRoleStaff,
	})
	require.NoError(t, err)

	_, err = Login(ctx, "gone", "s3cret-pass")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inactive")
}

func TestCreateUserRejectsInvalidEmail(t *testing.T) {
	newTestDB(t)

	_, err := CreateUser(context.Background(), &NewUser{
		Username: "bademail",
		Name:     "Bad Email",
		Email:    "not-an-email",
		Password: "s3cret-pass",
		IsActive: utils.NewTrue(),
		Role:     UserRoleStaff,
	})
	require.Error(t, err)
}

func TestRoleAllows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	module := Module{Name: "comparisons", Actions: "read;create;process;delete"}
	require.NoError(t, db.Create(&module).Error)

	role, err := CreateRole(ctx, &NewRole{
		Name: "operator",
		AllowedModules: []*NewAllowedModule{
			{ModuleId: module.ID, AllowedActions: "read;process"},
		},
	})
	require.NoError(t, err)

	allowed, err := RoleAllows(ctx, role.ID, "comparisons", "read")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = RoleAllows(ctx, role.ID, "Comparisons", "PROCESS")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = RoleAllows(ctx, role.ID, "comparisons", "delete")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = RoleAllows(ctx, role.ID, "missing_users", "read")
	require.NoError(t, err)
	assert.False(t, allowed)
}
