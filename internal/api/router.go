package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/domiro-org/domiro/internal/api/handlers"
	"github.com/domiro-org/domiro/internal/api/middleware"
	"github.com/domiro-org/domiro/internal/config"
	"github.com/domiro-org/domiro/internal/pipeline"
	"github.com/domiro-org/domiro/internal/storage/postgres"
)

type Server struct {
	Config *config.Config
	Router *gin.Engine
}

func NewServer(cfg *config.Config, pipe *pipeline.Pipeline, store *postgres.Store, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config: cfg,
		Router: router,
	}

	server.setupRoutes(pipe, store, logger)
	return server
}

func (s *Server) setupRoutes(pipe *pipeline.Pipeline, store *postgres.Store, logger *zap.Logger) {
	h := handlers.NewHandler(pipe, store, logger)

	s.Router.GET("/health", h.Health)
	s.Router.GET("/ready", h.Ready)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api/v1")
	if s.Config.Server.JWTSecret != "" {
		api.Use(middleware.AuthRequired(s.Config.Server.JWTSecret))
	}

	scans := api.Group("/scans")
	{
		scans.POST("", h.StartScan)
		scans.GET("", h.ListScans)
		scans.GET("/current", h.GetCurrentScan)
		scans.GET("/current/results", h.GetCurrentResults)
		scans.POST("/current/retry", h.RetryFailed)
		scans.DELETE("/current", h.ResetScan)
		scans.GET("/:id", h.GetScan)
	}
}
