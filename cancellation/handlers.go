package cancellation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

type requestCancellationInput struct {
	Email string `json:"email" binding:"required"`
}

// RequestHandler starts the flow and returns the survey token. Mail delivery
// is handled by the CRM automation; the API only mints the link payload.
func (h *Handlers) RequestHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input requestCancellationInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
			return
		}

		token, err := h.service.RequestCancellation(c.Request.Context(), input.Email)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"token":      token.Token,
			"expires_at": token.ExpiresAt,
		})
	}
}

// SurveyHandler validates the token and marks the survey viewed.
func (h *Handlers) SurveyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenValue := strings.TrimSpace(c.Query("token"))
		if tokenValue == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
			return
		}

		tracking, err := h.service.ViewSurvey(c.Request.Context(), tokenValue)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, tracking)
	}
}

type completeSurveyInput struct {
	Token    string            `json:"token" binding:"required"`
	Reason   string            `json:"reason"`
	Feedback string            `json:"feedback"`
	Answers  map[string]string `json:"answers"`
}

func (h *Handlers) CompleteSurveyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input completeSurveyInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
			return
		}

		tracking, err := h.service.CompleteSurvey(c.Request.Context(), input.Token, SurveyAnswers{
			Reason:   input.Reason,
			Feedback: input.Feedback,
			Answers:  input.Answers,
		})
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, tracking)
	}
}

type cancelBillingInput struct {
	Email string `json:"email" binding:"required"`
}

// CancelBillingHandler is the staff action that cancels both billing
// backends for a member whose survey is complete.
func (h *Handlers) CancelBillingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input cancelBillingInput
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
			return
		}

		tracking, err := h.service.CancelBilling(c.Request.Context(), input.Email)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, tracking)
	}
}

func (h *Handlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		email := strings.TrimSpace(c.Query("email"))
		if email == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "email is required"})
			return
		}

		tracking, err := h.service.Status(c.Request.Context(), email)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if tracking == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusOK, tracking)
	}
}

func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidToken):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, ErrTrackingMissing):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrSurveyRequired):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
