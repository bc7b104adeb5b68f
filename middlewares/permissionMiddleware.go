package middlewares

import (
	"net/http"
	"strings"

	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/utils"
	"github.com/gin-gonic/gin"
)

// RequireAuth aborts requests that carry no resolved session.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, ok := utils.GetUsernameFromContext(c.Request.Context())
		if !ok || strings.TrimSpace(username) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequirePermission enforces the role grant for one module/action pair.
// Admin-role users bypass the role table.
func RequirePermission(moduleName, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		username, ok := utils.GetUsernameFromContext(ctx)
		if !ok || strings.TrimSpace(username) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		if isAdmin, ok := utils.GetIsAdminFromContext(ctx); ok && isAdmin {
			c.Next()
			return
		}

		user, err := models.GetUserByUsername(ctx, username)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		if user.Role == models.UserRoleAdmin {
			c.Next()
			return
		}

		allowed, err := models.RoleAllows(ctx, user.RoleId, moduleName, action)
		if err != nil {
			config.LogError(config.GetLogger(), "middlewares", "RequirePermission", "role lookup",
				map[string]interface{}{"username": username, "module": moduleName, "action": action}, err)
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		if !allowed {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			c.Abort()
			return
		}
		c.Next()
	}
}
