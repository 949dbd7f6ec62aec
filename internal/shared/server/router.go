package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"chatlens-backend/internal/account"
	"chatlens-backend/internal/analysis"
	"chatlens-backend/internal/auth"
	"chatlens-backend/internal/services/health"
	"chatlens-backend/internal/shared/config"
	"chatlens-backend/internal/shared/metrics"
	"chatlens-backend/internal/shared/server/middleware"
	"chatlens-backend/internal/shared/server/respond"
	"chatlens-backend/internal/sources"
	"chatlens-backend/internal/usage"
	"chatlens-backend/internal/users"
)

// RouterDeps carries the handlers the router wires up.
type RouterDeps struct {
	Config          config.Config
	Health          *health.Service
	SourcesHandler  *sources.Handler
	AnalysisHandler *analysis.Handler
	UsageHandler    *usage.Handler
	UsersHandler    *users.Handler
	AccountHandler  *account.Handler
	GoogleAuth      *auth.GoogleService
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
		middleware.Auth(deps.Config.Env),
		middleware.RateLimit(middleware.RateLimitConfig{
			Rules: map[string]middleware.RateLimitRule{
				"ANALYZE": {Rate: 0.2, Burst: 5},
				"UPLOAD":  {Rate: 0.5, Burst: 10},
			},
			GroupFor: func(c *gin.Context) string {
				if c.Request.Method != http.MethodPost {
					return ""
				}
				switch c.FullPath() {
				case "/api/v1/sources/:id/analyses":
					return "ANALYZE"
				case "/api/v1/sources/upload":
					return "UPLOAD"
				}
				return ""
			},
		}),
	)

	api := r.Group("/api/v1")
	api.GET("/health", func(c *gin.Context) {
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/ready", func(c *gin.Context) {
		if err := deps.Health.Ready(c.Request.Context()); err != nil {
			respond.Error(c, http.StatusServiceUnavailable, "not_ready", "dependencies unavailable", nil)
			return
		}
		respond.JSON(c, http.StatusOK, gin.H{"ok": true})
	})
	api.GET("/metrics", metrics.Handler())

	if deps.GoogleAuth != nil {
		deps.GoogleAuth.RegisterRoutes(api)
	}
	if deps.UsersHandler != nil {
		deps.UsersHandler.RegisterRoutes(api)
	}
	if deps.SourcesHandler != nil {
		deps.SourcesHandler.RegisterRoutes(api)
	}
	if deps.AnalysisHandler != nil {
		deps.AnalysisHandler.RegisterRoutes(api)
	}
	if deps.UsageHandler != nil {
		deps.UsageHandler.RegisterRoutes(api)
		if deps.Config.Env != "production" {
			deps.UsageHandler.RegisterDevRoutes(api)
		}
	}
	if deps.AccountHandler != nil {
		deps.AccountHandler.RegisterRoutes(api)
	}

	return r
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
