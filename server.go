package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/creetelo/admin_backend/baremetrics"
	"github.com/creetelo/admin_backend/cancellation"
	"github.com/creetelo/admin_backend/config"
	"github.com/creetelo/admin_backend/ghl"
	"github.com/creetelo/admin_backend/middlewares"
	"github.com/creetelo/admin_backend/models"
	"github.com/creetelo/admin_backend/paypal"
	"github.com/creetelo/admin_backend/reconcile"
	"github.com/creetelo/admin_backend/stripe"
	"github.com/creetelo/admin_backend/utils"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("creetelo-admin")

// RateLimiter throttles by client IP using a Redis counter per window.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

func getRedisClient(redisAddress string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, app endpoints return 503.
	r := gin.New()
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Root span per request; otelgorm picks it up for DB spans.
		spanCtx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath())
		defer span.End()
		c.Request = c.Request.WithContext(spanCtx)
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow the startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// In production, require an explicit allowlist via CORS_ALLOWED_ORIGINS.
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = utils.SplitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	// Optional rate limiting:
	// RATE_LIMIT_ENABLED=true RATE_LIMIT_WINDOW_SECONDS=60 RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.SessionMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Wire the SaaS clients once; configuration is explicit per client.
	billingClient := baremetrics.NewClient(baremetrics.ConfigFromEnv())
	crmClient := ghl.NewClient(ghl.ConfigFromEnv())
	paymentsClient := stripe.NewClient(stripe.ConfigFromEnv())
	paypalClient := paypal.NewClient(paypal.ConfigFromEnv())

	engine := reconcile.NewEngine(billingClient)
	importer := reconcile.NewImporter(billingClient, paymentsClient, reconcile.NewTagPlanMapper())
	reconcileHandlers := reconcile.NewHandlers(engine, importer)

	cancellationService := cancellation.NewService(billingClient, paymentsClient, crmClient)
	cancellationHandlers := cancellation.NewHandlers(cancellationService)

	registerRoutes(r, reconcileHandlers, cancellationHandlers, engine, paypalClient)
	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// AutoMigrate can run DDL that blocks tables; allow running it as a
	// separate job instead.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Scheduled maintenance: purge expired cancellation tokens.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("*/15 * * * *", func() {
		cancellationService.PurgeExpiredTokens(context.Background())
	}); err != nil {
		logger.WithFields(logrus.Fields{"field": "cron"}).Error("failed to schedule token purge: " + err.Error())
	}
	scheduler.Start()
	defer scheduler.Stop()

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("listening on http://localhost:", port)
	log.Println("Server started successfully")

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

func registerRoutes(r *gin.Engine, rec *reconcile.Handlers, cxl *cancellation.Handlers, engine *reconcile.Engine, paypalClient *paypal.Client) {
	// Auth.
	r.POST("/login", loginHandler())
	r.POST("/logout", logoutHandler())

	// Pub/Sub push delivery for queued comparison runs.
	r.POST("/pubsub/comparison", engine.PubSubPushHandler())

	// Public cancellation flow (token gated, no session).
	r.POST("/cancellation/request", cxl.RequestHandler())
	r.GET("/cancellation/survey", cxl.SurveyHandler())
	r.POST("/cancellation/survey", cxl.CompleteSurveyHandler())

	api := r.Group("/api", middlewares.RequireAuth())

	comparisons := api.Group("/comparisons")
	comparisons.GET("", middlewares.RequirePermission("comparisons", "read"), rec.ListComparisonsHandler())
	comparisons.POST("", middlewares.RequirePermission("comparisons", "create"), rec.CreateComparisonHandler())
	comparisons.GET("/:id", middlewares.RequirePermission("comparisons", "read"), rec.GetComparisonHandler())
	comparisons.DELETE("/:id", middlewares.RequirePermission("comparisons", "delete"), rec.DeleteComparisonHandler())
	comparisons.POST("/:id/process", middlewares.RequirePermission("comparisons", "process"), rec.ProcessComparisonHandler())
	comparisons.GET("/:id/progress", middlewares.RequirePermission("comparisons", "read"), rec.ProgressHandler())
	comparisons.GET("/:id/missing-users", middlewares.RequirePermission("missing_users", "read"), rec.ListMissingUsersHandler())
	comparisons.POST("/:id/import", middlewares.RequirePermission("missing_users", "import"), rec.ImportMissingUsersHandler())
	comparisons.GET("/:id/export", middlewares.RequirePermission("missing_users", "read"), rec.ExportHandler())

	missingUsers := api.Group("/missing-users")
	missingUsers.POST("/:id/retry", middlewares.RequirePermission("missing_users", "import"), rec.RetryImportHandler())
	missingUsers.POST("/:id/found-in-other-source", middlewares.RequirePermission("missing_users", "update"), rec.MarkFoundInOtherSourceHandler())

	cancellations := api.Group("/cancellations")
	cancellations.GET("/status", middlewares.RequirePermission("cancellations", "read"), cxl.StatusHandler())
	cancellations.POST("/cancel-billing", middlewares.RequirePermission("cancellations", "cancel"), cxl.CancelBillingHandler())

	paypalGroup := api.Group("/paypal", middlewares.RequirePermission("cancellations", "cancel"))
	paypalGroup.GET("/subscriptions/:id", getPayPalSubscriptionHandler(paypalClient))
	paypalGroup.POST("/subscriptions/:id/cancel", cancelPayPalSubscriptionHandler(paypalClient))

	admin := api.Group("/admin", requireAdmin())
	admin.POST("/users", createUserHandler())
	admin.GET("/users", listUsersHandler())
	admin.PUT("/users/:id/active", setUserActiveHandler())
	admin.POST("/roles", createRoleHandler())
	admin.GET("/roles", listRolesHandler())
	admin.POST("/modules", createModuleHandler())
	admin.GET("/modules", listModulesHandler())
}

// customErrorLogger logs only requests that recorded errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	key := c.ClientIP()

	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}
