package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/recallchat/internal/auth"
	"github.com/vovakirdan/recallchat/internal/config"
	"github.com/vovakirdan/recallchat/internal/core"
	"github.com/vovakirdan/recallchat/internal/metrics"
	"github.com/vovakirdan/recallchat/internal/store"
)

// Deps carries what the HTTP surface serves.
type Deps struct {
	Hub     *core.Hub
	Store   store.UserStore
	Auth    *auth.Service
	Metrics *metrics.Metrics
}

// NewServer builds the HTTP server with the chat routes.
func NewServer(deps Deps, cfg *config.Config, logger *zerolog.Logger) *stdhttp.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger))

	api := NewAPIHandlers(deps.Hub, logger)
	users := NewUserHandlers(deps.Store, logger)
	ws := NewWSHandler(deps.Hub, deps.Auth, RateLimit{RPS: cfg.RateLimitRPS, Burst: cfg.RateLimitBurst}, logger)

	router.GET("/health", api.Health)
	router.GET("/ws", gin.WrapH(ws))

	group := router.Group("/api")
	group.Use(AuthMiddleware(deps.Auth, logger))
	{
		group.GET("/messages", api.ListMessages)
		group.GET("/online", api.ListOnline)
		group.GET("/users", users.ListUsers)
		group.GET("/users/:id", users.GetUser)
	}

	if cfg.MetricsEnabled && deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	return &stdhttp.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}
