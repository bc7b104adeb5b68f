package main

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/paypal"
	"github.com/creetelo/admin_backend/utils"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func loginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
			return
		}

		info, err := models.Login(c.Request.Context(), strings.TrimSpace(req.Username), req.Password)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

func logoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := utils.GetTokenFromContext(c.Request.Context())
		if !ok || token == "" {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := models.Logout(c.Request.Context(), token); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// requireAdmin gates the user/role management surface to admin-role users.
func requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := authorizeAdminOnly(c); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func authorizeAdminOnly(c *gin.Context) error {
	ctx := c.Request.Context()
	username, ok := utils.GetUsernameFromContext(ctx)
	if !ok || username == "" {
		return errors.New("unauthorized")
	}

	user, err := models.GetUserByUsername(ctx, username)
	if err != nil {
		return errors.New("unauthorized")
	}
	if user.Role != models.UserRoleAdmin {
		return errors.New("unauthorized")
	}
	return nil
}

func createUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewUser
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		user, err := models.CreateUser(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		user.PrepareGive()
		c.JSON(http.StatusCreated, user)
	}
}

func listUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		var users []models.User
		if err := db.WithContext(c.Request.Context()).Order("id asc").Find(&users).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		for i := range users {
			users[i].PrepareGive()
		}
		c.JSON(http.StatusOK, gin.H{"items": users})
	}
}

type setActiveRequest struct {
	IsActive *bool `json:"is_active" binding:"required"`
}

func setUserActiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		var req setActiveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "is_active is required"})
			return
		}

		db := config.GetDB()
		var user models.User
		if err := db.WithContext(c.Request.Context()).Where("id = ?", id).Take(&user).Error; err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		if err := db.WithContext(c.Request.Context()).Model(&user).Update("is_active", req.IsActive).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = user.RemoveInstanceRedis()
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func createRoleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewRole
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		role, err := models.CreateRole(c.Request.Context(), &input)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, role)
	}
}

func listRolesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		roles, err := models.ListRoles(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": roles})
	}
}

func createModuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.Module
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}

		db := config.GetDB()
		if err := db.WithContext(c.Request.Context()).Create(&input).Error; err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, input)
	}
}

func listModulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB()
		var modules []models.Module
		if err := db.WithContext(c.Request.Context()).Order("id asc").Find(&modules).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": modules})
	}
}

// getPayPalSubscriptionHandler lets staff inspect a PayPal subscription while
// reviewing a cancellation.
func getPayPalSubscriptionHandler(client *paypal.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		subscription, err := client.GetSubscription(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, subscription)
	}
}

type cancelPayPalRequest struct {
	Reason string `json:"reason"`
}

func cancelPayPalSubscriptionHandler(client *paypal.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}

		var req cancelPayPalRequest
		_ = c.ShouldBindJSON(&req)
		if req.Reason == "" {
			req.Reason = "member requested cancellation"
		}

		if err := client.CancelSubscription(c.Request.Context(), id, req.Reason); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
