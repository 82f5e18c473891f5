// Package server provides the engine's embeddable HTTP control surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caprun/caprun/internal/engine"
	"github.com/caprun/caprun/internal/metrics"
)

// Router provides embeddable HTTP handlers for controlling the engine.
// Endpoints:
//
//	GET  {basePath}/status            engine state, drivers, last run
//	GET  {basePath}/discover          reachability of known drivers
//	POST {basePath}/run               body: {"goal": "...", "max_iterations": N}
//	POST {basePath}/stop              stop the active run
//	POST {basePath}/pause             query: duration=10s (optional)
//	POST {basePath}/drivers/:id/stop  query: graceful=false (optional)
//	GET  {basePath}/metrics           Prometheus exposition
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	eng      *engine.Engine
	basePath string
}

// NewRouter constructs a Router with a configurable basePath.
func NewRouter(eng *engine.Engine, basePath string) *Router {
	return &Router{eng: eng, basePath: sanitizeBase(basePath)}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server or mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/status", r.handleStatus)
	group.GET("/discover", r.handleDiscover)
	group.POST("/run", r.handleRun)
	group.POST("/stop", r.handleStopRun)
	group.POST("/pause", r.handlePause)
	group.POST("/drivers/:id/stop", r.handleStopDriver)
	group.GET("/metrics", gin.WrapH(metrics.Handler()))
	return g
}

// NewServer starts a standalone HTTP server on addr using this router. Call
// Shutdown or Close on the returned server to stop it.
func NewServer(addr, basePath string, eng *engine.Engine) (*http.Server, error) {
	r := NewRouter(eng, basePath)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() { _ = server.ListenAndServe() }()
	return server, nil
}

type runRequest struct {
	Goal          string `json:"goal"`
	MaxIterations int    `json:"max_iterations"`
}

func (r *Router) handleStatus(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.eng.Status())
}

func (r *Router) handleDiscover(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.eng.Discover(c.Request.Context()))
}

func (r *Router) handleRun(c *gin.Context) {
	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.Goal == "" {
		writeError(c, http.StatusBadRequest, "goal required")
		return
	}
	// Runs outlive the request; detach from the request context.
	if err := r.eng.StartRun(context.Background(), req.Goal, req.MaxIterations); err != nil {
		writeError(c, http.StatusConflict, err.Error())
		return
	}
	writeJSON(c, http.StatusAccepted, gin.H{"success": true, "goal": req.Goal})
}

func (r *Router) handleStopRun(c *gin.Context) {
	r.eng.StopRun()
	writeJSON(c, http.StatusOK, gin.H{"success": true})
}

func (r *Router) handlePause(c *gin.Context) {
	d := 10 * time.Second
	if s := c.Query("duration"); s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			writeError(c, http.StatusBadRequest, "invalid duration: "+err.Error())
			return
		}
		d = parsed
	}
	r.eng.PauseRun(d)
	writeJSON(c, http.StatusOK, gin.H{"success": true, "paused_for": d.String()})
}

func (r *Router) handleStopDriver(c *gin.Context) {
	id := c.Param("id")
	graceful := c.DefaultQuery("graceful", "true") != "false"
	if err := r.eng.StopDriver(c.Request.Context(), id, graceful); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"success": true})
}
