package models

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/creetelo/admin_backend/config"
)

type Role struct {
	ID          int           `gorm:"primary_key" json:"id"`
	Name        string        `gorm:"index;size:100;not null" json:"name" binding:"required"`
	RoleModules []*RoleModule `gorm:"foreignKey:RoleId" json:"role_modules"`
	CreatedAt   time.Time     `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// Module is a named area of the admin app (comparisons, missing_users,
// cancellations, users) with its valid actions, semicolon separated.
type Module struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"index;size:100;not null" json:"name" binding:"required"`
	Actions   string    `gorm:"not null" json:"actions" binding:"required"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type RoleModule struct {
	ID             int       `gorm:"primary_key" json:"id"`
	RoleId         int       `gorm:"index;not null" json:"role_id"`
	ModuleId       int       `gorm:"index;not null" json:"module_id"`
	Module         *Module   `gorm:"foreignKey:ModuleId" json:"module"`
	AllowedActions string    `gorm:"not null" json:"allowed_actions"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRole struct {
	Name           string              `json:"name" binding:"required"`
	AllowedModules []*NewAllowedModule `json:"allowed_modules"`
}

type NewAllowedModule struct {
	ModuleId       int    `json:"module_id"`
	AllowedActions string `json:"allowed_actions"`
}

func extractModuleActions(s string) []string {
	return strings.Split(strings.ToLower(s), ";")
}

func CreateRole(ctx context.Context, input *NewRole) (*Role, error) {
	db := config.GetDB()
	role := Role{Name: strings.TrimSpace(input.Name)}
	for _, allowed := range input.AllowedModules {
		role.RoleModules = append(role.RoleModules, &RoleModule{
			ModuleId:       allowed.ModuleId,
			AllowedActions: strings.ToLower(allowed.AllowedActions),
		})
	}
	if err := db.WithContext(ctx).Create(&role).Error; err != nil {
		return nil, err
	}
	return &role, nil
}

func ListRoles(ctx context.Context) ([]*Role, error) {
	db := config.GetDB()
	var roles []*Role
	if err := db.WithContext(ctx).Preload("RoleModules").Preload("RoleModules.Module").Find(&roles).Error; err != nil {
		return nil, err
	}
	return roles, nil
}

// RoleAllows reports whether a role grants an action on a module.
// Admin-role users bypass this check entirely.
func RoleAllows(ctx context.Context, roleId int, moduleName, action string) (bool, error) {
	db := config.GetDB()
	var role Role
	if err := db.WithContext(ctx).Preload("RoleModules").Preload("RoleModules.Module").
		Where("id = ?", roleId).First(&role).Error; err != nil {
		return false, err
	}

	moduleName = strings.ToLower(strings.TrimSpace(moduleName))
	action = strings.ToLower(strings.TrimSpace(action))

	for _, permission := range role.RoleModules {
		if permission.Module == nil || strings.ToLower(permission.Module.Name) != moduleName {
			continue
		}
		validActions := extractModuleActions(permission.Module.Actions)
		allowedActions := extractModuleActions(permission.AllowedActions)
		for _, a := range allowedActions {
			if a == action && slices.Contains(validActions, a) {
				return true, nil
			}
		}
	}
	return false, nil
}
