package server

import (
	"github.com/abduss/nullpath/internal/config"
	"github.com/abduss/nullpath/internal/file"
	"github.com/abduss/nullpath/internal/logger"
	"github.com/abduss/nullpath/internal/metrics"
	"github.com/gin-gonic/gin"
)

// Dependencies groups the services required by the HTTP router.
type Dependencies struct {
	Config config.Config
	Files  *file.Service
	// Checks are pinged by the readiness probe in order.
	Checks []Check
}

// NewRouter builds a Gin engine with foundational middleware and routes.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.Middleware())
	router.Use(metrics.Middleware())
	router.Use(securityHeaders())

	registerHealthRoutes(router, deps.Checks)
	metrics.Register(router, deps.Config.Metrics.PrometheusPath)

	api := router.Group("/api")
	if deps.Files != nil {
		file.RegisterRoutes(api, deps.Files, deps.Config.Server.PublicBaseURL)
	}

	return router
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "SAMEORIGIN")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Cache-Control", "no-cache, no-store, max-age=0, must-revalidate")
		h.Set("Pragma", "no-cache")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		c.Next()
	}
}
