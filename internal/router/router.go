package router

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/storefront-labs/mediacache/internal/handlers"
	"github.com/storefront-labs/mediacache/internal/middleware"
)

// New wires the HTTP surface: media resolution plus the cache housekeeping
// endpoints, with request logging and metrics applied to everything.
func New(logger *slog.Logger, media *handlers.MediaHandler) *gin.Engine {
	r := gin.New()
	r.Use(
		gin.Recovery(),
		middleware.WithLogging(logger),
		middleware.WithMetrics(),
	)

	r.GET("/media", media.Get)
	r.POST("/cache/preload", media.Preload)
	r.GET("/cache/contains", media.Contains)
	r.GET("/cache/stats", media.Stats)
	r.POST("/cache/cleanup", media.Cleanup)
	r.DELETE("/cache", media.Clear)

	r.GET("/health", handlers.HealthCheck)
	r.GET("/metrics", middleware.Prometheus)

	return r
}
