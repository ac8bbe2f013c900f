package server

import (
	"context"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lorddemonos/killfeed/internal/activity"
	"github.com/lorddemonos/killfeed/internal/aggregator"
	"github.com/lorddemonos/killfeed/internal/model"
)

// TargetLister lists the tracked targets.
type TargetLister interface {
	All(ctx context.Context) ([]model.TrackedTarget, error)
}

// targetView adds the derived respawn time to a record.
type targetView struct {
	model.TrackedTarget
	NextRespawn *time.Time `json:"next_respawn,omitempty"`
}

// Server holds the Gin engine and dependencies for the dashboard API.
type Server struct {
	engine     *gin.Engine
	hub        *activity.Hub
	aggregator *aggregator.Aggregator
	targets    TargetLister
	addr       string
}

// New creates the dashboard API server. targets may be nil.
func New(h *activity.Hub, agg *aggregator.Aggregator, targets TargetLister, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	// Disable automatic redirects that cause 301 issues.
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false

	s := &Server{
		engine:     engine,
		hub:        h,
		aggregator: agg,
		targets:    targets,
		addr:       addr,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	// Health check.
	s.engine.GET("/healthz", func(c *gin.Context) {
		stats := s.aggregator.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"uptime":        stats.Uptime,
			"active_file":   stats.ActiveFile,
			"character":     stats.Character,
			"recent_posts":  stats.RecentPosts,
			"dropped_audit": stats.DroppedAudit,
		})
	})

	// Stats API.
	s.engine.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.aggregator.Snapshot())
	})

	s.engine.GET("/api/activity", s.handleActivity)
	s.engine.GET("/api/targets", s.handleTargets)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket.
	s.engine.GET("/ws", s.handleWebSocket)

	// pprof profiling endpoints.
	s.engine.GET("/debug/pprof/", gin.WrapF(pprof.Index))
	s.engine.GET("/debug/pprof/cmdline", gin.WrapF(pprof.Cmdline))
	s.engine.GET("/debug/pprof/profile", gin.WrapF(pprof.Profile))
	s.engine.GET("/debug/pprof/symbol", gin.WrapF(pprof.Symbol))
	s.engine.GET("/debug/pprof/trace", gin.WrapF(pprof.Trace))
	s.engine.GET("/debug/pprof/allocs", gin.WrapH(pprof.Handler("allocs")))
	s.engine.GET("/debug/pprof/heap", gin.WrapH(pprof.Handler("heap")))
	s.engine.GET("/debug/pprof/goroutine", gin.WrapH(pprof.Handler("goroutine")))
}

func (s *Server) handleActivity(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries := s.hub.Recent(limit)
	if status := c.Query("status"); status != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (s *Server) handleTargets(c *gin.Context) {
	if s.targets == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "registry unavailable"})
		return
	}
	all, err := s.targets.All(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	views := make([]targetView, 0, len(all))
	for _, t := range all {
		v := targetView{TrackedTarget: t}
		if at, ok := t.NextRespawn(); ok {
			v.NextRespawn = &at
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"targets": views})
}

// Handler exposes the routes, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// HTTPServer returns an http.Server bound to the configured address. The
// caller owns ListenAndServe and Shutdown.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
