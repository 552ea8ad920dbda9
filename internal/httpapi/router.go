// Package httpapi exposes the document catalog over HTTP and mounts the
// WebSocket endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"collab-engine/internal/errs"
	"collab-engine/internal/hub"
	"collab-engine/internal/presence"
	"collab-engine/internal/registry"
)

type Options struct {
	// AllowedOrigins feeds CORS. Empty allows any origin.
	AllowedOrigins []string
	Logger         logrus.FieldLogger
	// Metrics, when set, is served at /debug/metrics.
	Metrics Collector
}

// Collector is satisfied by the otel sdk ManualReader.
type Collector interface {
	Collect(ctx context.Context, rm *metricdata.ResourceMetrics) error
}

type handlers struct {
	docs     *registry.Registry
	presence presence.Tracker
	log      logrus.FieldLogger
}

// NewRouter wires the REST and WebSocket routes.
func NewRouter(docs *registry.Registry, h *hub.Hub, opts Options) *gin.Engine {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	log := opts.Logger.WithField("component", "http")

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	hd := &handlers{docs: docs, presence: h.Presence(), log: log}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "documents": docs.Loaded()})
	})

	if opts.Metrics != nil {
		r.GET("/debug/metrics", func(c *gin.Context) {
			var rm metricdata.ResourceMetrics
			if err := opts.Metrics.Collect(c.Request.Context(), &rm); err != nil {
				hd.fail(c, err)
				return
			}
			c.JSON(http.StatusOK, rm.ScopeMetrics)
		})
	}

	api := r.Group("/api/documents")
	{
		api.GET("", hd.list)
		api.GET("/:id", hd.get)
		api.PUT("/:id/title", hd.setTitle)
		api.GET("/:id/versions", hd.versions)
		api.DELETE("/:id", hd.remove)
		api.GET("/:id/presence", hd.members)
	}
	r.GET("/api/presence", hd.activeDocuments)

	r.GET("/ws/documents/:id", func(c *gin.Context) {
		h.ServeWS(c.Writer, c.Request, c.Param("id"))
	})
	return r
}

func corsConfig(allowed []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "PUT", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(allowed) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowed
	}
	return cfg
}

func requestLogger(log logrus.FieldLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// WebSocket connections are logged by the hub.
		if strings.HasPrefix(c.Request.URL.Path, "/ws/") {
			return
		}
		entry := log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}

func (hd *handlers) list(c *gin.Context) {
	docs, err := hd.docs.List(c.Request.Context())
	if err != nil {
		hd.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (hd *handlers) get(c *gin.Context) {
	snap, err := hd.docs.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		hd.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type titleRequest struct {
	Title string `json:"title" binding:"required"`
}

func (hd *handlers) setTitle(c *gin.Context) {
	var req titleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "bad_request", "error": err.Error()})
		return
	}
	id := c.Param("id")
	if err := hd.docs.SetTitle(c.Request.Context(), id, req.Title); err != nil {
		hd.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "title": req.Title})
}

func (hd *handlers) versions(c *gin.Context) {
	snaps, err := hd.docs.Versions(c.Request.Context(), c.Param("id"))
	if err != nil {
		hd.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": snaps})
}

func (hd *handlers) remove(c *gin.Context) {
	if err := hd.docs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		hd.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (hd *handlers) members(c *gin.Context) {
	members, err := hd.presence.Members(c.Request.Context(), c.Param("id"))
	if err != nil {
		hd.fail(c, fmt.Errorf("%w: presence: %w", errs.ErrStorageUnavailable, err))
		return
	}
	if members == nil {
		members = []presence.Member{}
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

func (hd *handlers) activeDocuments(c *gin.Context) {
	ids, err := hd.presence.Documents(c.Request.Context())
	if err != nil {
		hd.fail(c, fmt.Errorf("%w: presence: %w", errs.ErrStorageUnavailable, err))
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": ids})
}

func (hd *handlers) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		hd.log.WithField("path", c.Request.URL.Path).WithError(err).Error("request error")
	}
	c.JSON(status, gin.H{"code": errs.Code(err), "error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrMalformedOperation):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
