package middlewares

import (
	"context"
	"net/http"

	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the opaque session token to a username and
// stamps the request context. Requests without a token pass through; route
// groups that need auth add RequireAuth on top.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		username, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		ctx := context.WithValue(c.Request.Context(), utils.ContextKeyToken, token)
		ctx = context.WithValue(ctx, utils.ContextKeyUsername, username)

		if user, err := models.GetUserByUsername(ctx, username); err == nil {
			ctx = context.WithValue(ctx, utils.ContextKeyUserId, user.ID)
			ctx = context.WithValue(ctx, utils.ContextKeyUserName, user.Name)
			ctx = context.WithValue(ctx, utils.ContextKeyIsAdmin, user.Role == models.UserRoleAdmin)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
