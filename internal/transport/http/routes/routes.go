package routes

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arklim/webapp-admission/internal/infra/config"
	"github.com/arklim/webapp-admission/internal/transport/http/handlers"
	"github.com/arklim/webapp-admission/internal/transport/http/middleware"
)

// Scopes wired to routes. Each must resolve in the policy registry.
const (
	ScopeAuth   = "auth"
	ScopeAPI    = "api"
	ScopePublic = "public"
	ScopeUser   = "user"
)

// Limiter is what the HTTP layer needs from the sliding-window limiter.
type Limiter interface {
	middleware.PolicyResolver
	handlers.QuotaInspector
}

// Tokens issues and verifies bearer tokens.
type Tokens interface {
	handlers.TokenService
	middleware.TokenParser
}

// Dependencies encapsulates the objects required to register routes.
type Dependencies struct {
	Config      *config.AppConfig
	Logger      *zap.Logger
	Gate        middleware.Gate
	Limiter     Limiter
	Scopes      handlers.ScopeLister
	Tokens      Tokens
	Revocations handlers.Revoker
	HTTPMetrics *middleware.HTTPMetrics
	Gatherer    prometheus.Gatherer
	Cache       CacheChecker
}

// CacheChecker exposes readiness behaviour for cache backends.
type CacheChecker interface {
	HealthCheck(ctx context.Context) error
}

// Register configures the Gin engine with routes and middleware.
// It fails when a route refers to a scope that has no policy.
func Register(deps Dependencies) (*gin.Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Config.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if err := r.SetTrustedProxies(deps.Config.App.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	r.Use(gin.Recovery())
	r.Use(middleware.EnrichContext())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(deps.Logger))
	if len(deps.Config.App.CORSOrigins) > 0 {
		r.Use(middleware.CORS(deps.Config.App.CORSOrigins))
	}
	if deps.HTTPMetrics != nil {
		r.Use(deps.HTTPMetrics.Handler())
	}

	healthOptions := []handlers.HealthOption{handlers.WithCheckTimeout(deps.Config.Redis.OperationTimeout)}
	if deps.Cache != nil {
		healthOptions = append(healthOptions, handlers.WithReadinessCheck("redis", deps.Cache.HealthCheck))
	}
	healthHandler := handlers.NewHealthHandler(healthOptions...)

	r.GET("/healthz", healthHandler.Status)
	r.GET("/readyz", healthHandler.Ready)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	admission := middleware.NewAdmission(deps.Gate, deps.Limiter, deps.Logger)
	limits := make(map[string]gin.HandlerFunc, 4)
	for _, scope := range []string{ScopeAuth, ScopeAPI, ScopePublic, ScopeUser} {
		limit, err := admission.Limit(scope)
		if err != nil {
			return nil, err
		}
		limits[scope] = limit
	}

	requireAuth := middleware.RequireAuth(deps.Tokens)
	optionalAuth := middleware.OptionalAuth(deps.Tokens)

	authHandler := handlers.NewAuthHandler(deps.Tokens, deps.Revocations,
		handlers.WithDevMode(deps.Config.App.Env == "development"))
	rateLimitHandler := handlers.NewRateLimitHandler(deps.Limiter, deps.Scopes, deps.Config.RateLimit.Enabled)
	subjectHandler := handlers.NewSubjectHandler(deps.Revocations)

	api := r.Group("/api/v1")
	{
		authGroup := api.Group("/auth")
		authGroup.POST("/refresh", limits[ScopeAuth], authHandler.Refresh)
		authGroup.POST("/logout", requireAuth, limits[ScopeAuth], authHandler.Logout)
		authGroup.POST("/logout-all", requireAuth, limits[ScopeAuth], authHandler.LogoutAll)
		if authHandler.DevMode() {
			authGroup.POST("/dev-token", limits[ScopeAuth], authHandler.DevToken)
		}

		api.GET("/me", requireAuth, limits[ScopeUser], authHandler.Me)
		api.GET("/status", optionalAuth, limits[ScopeAPI], func(c *gin.Context) {
			c.JSON(http.StatusOK, handlers.MessageResponse{Message: "ok"})
		})

		publicGroup := api.Group("/public")
		publicGroup.Use(limits[ScopePublic])
		publicGroup.GET("/ping", healthHandler.Ping)

		adminGroup := api.Group("/admin")
		adminGroup.Use(requireAuth, limits[ScopeUser], middleware.RequireRole("admin"))
		adminGroup.GET("/rate-limits", rateLimitHandler.ListPolicies)
		adminGroup.GET("/rate-limits/:scope/:identity", rateLimitHandler.GetQuota)
		adminGroup.DELETE("/rate-limits/:scope/:identity", rateLimitHandler.ResetQuota)
		adminGroup.POST("/subjects/:subjectId/revoke-tokens", subjectHandler.RevokeSubjectTokens)
	}

	return r, nil
}
