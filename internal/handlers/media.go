package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/storefront-labs/mediacache/internal/cache"
)

// MediaHandler exposes the cache facade over HTTP. It is the only consumer of
// the facade; storage tiers are never reached from here directly.
type MediaHandler struct {
	cache  *cache.Service
	logger *slog.Logger
}

func NewMediaHandler(svc *cache.Service, logger *slog.Logger) *MediaHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MediaHandler{cache: svc, logger: logger}
}

// Get serves the cached bytes for ?src=<url>. When the payload cannot be
// obtained at all the client is redirected to the origin URL, which is no
// worse than the uncached behavior.
func (h *MediaHandler) Get(c *gin.Context) {
	src := c.Query("src")
	if src == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing src parameter"})
		return
	}

	entry, ok := h.cache.Open(c.Request.Context(), src)
	if !ok {
		h.logger.Warn("serving redirect to origin", "url", src)
		c.Redirect(http.StatusFound, src)
		return
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, entry.Payload)
}

type preloadRequest struct {
	URLs []string `json:"urls" binding:"required"`
}

// Preload warms the cache for a batch of URLs. Individual failures are
// absorbed; the request itself never fails once the body parses.
func (h *MediaHandler) Preload(c *gin.Context) {
	var req preloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.cache.PreloadMedia(c.Request.Context(), req.URLs)
	c.JSON(http.StatusAccepted, gin.H{"preloaded": len(req.URLs)})
}

func (h *MediaHandler) Contains(c *gin.Context) {
	src := c.Query("src")
	if src == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing src parameter"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cached": h.cache.IsCached(c.Request.Context(), src)})
}

func (h *MediaHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.GetCacheStats(c.Request.Context()))
}

func (h *MediaHandler) Cleanup(c *gin.Context) {
	h.cache.CleanupExpired(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *MediaHandler) Clear(c *gin.Context) {
	h.cache.ClearCache(c.Request.Context())
	c.Status(http.StatusNoContent)
}
