package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/craftdock/craftdock/internal/auth"
	"github.com/craftdock/craftdock/internal/console"
	"github.com/craftdock/craftdock/internal/domain"
	"github.com/craftdock/craftdock/internal/lifecycle"
	"github.com/craftdock/craftdock/internal/storage"
	"github.com/craftdock/craftdock/internal/stream"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux       *http.ServeMux
	store     *storage.Store
	manager   *lifecycle.Manager
	console   *console.Bridge
	streams   *stream.Multiplexer
	auth      *auth.Service
	staticDir string
}

// NewRouter creates a new HTTP router
func NewRouter(store *storage.Store, manager *lifecycle.Manager, bridge *console.Bridge, streams *stream.Multiplexer, authService *auth.Service, staticDir string) *Router {
	r := &Router{
		mux:       http.NewServeMux(),
		store:     store,
		manager:   manager,
		console:   bridge,
		streams:   streams,
		auth:      authService,
		staticDir: staticDir,
	}

	// A deleted instance must not keep a daemon attachment alive.
	manager.OnDelete(streams.Teardown)

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)

	// Instance routes
	r.mux.HandleFunc("GET /api/servers", r.requireAuth(r.handleListServers))
	r.mux.HandleFunc("POST /api/servers", r.requireAdmin(r.handleCreateServer))
	r.mux.HandleFunc("GET /api/servers/{id}", r.requirePermission(domain.PermView, r.handleGetServer))
	r.mux.HandleFunc("PUT /api/servers/{id}", r.requirePermission(domain.PermManage, r.handleUpdateServer))
	r.mux.HandleFunc("DELETE /api/servers/{id}", r.requirePermission(domain.PermManage, r.handleDeleteServer))

	r.mux.HandleFunc("POST /api/servers/{id}/start", r.requirePermission(domain.PermStartStop, r.handleStartServer))
	r.mux.HandleFunc("POST /api/servers/{id}/stop", r.requirePermission(domain.PermStartStop, r.handleStopServer))
	r.mux.HandleFunc("POST /api/servers/{id}/restart", r.requirePermission(domain.PermStartStop, r.handleRestartServer))

	r.mux.HandleFunc("GET /api/servers/{id}/stats", r.requirePermission(domain.PermView, r.handleServerStats))
	r.mux.HandleFunc("GET /api/servers/{id}/players", r.requirePermission(domain.PermView, r.handleServerPlayers))
	r.mux.HandleFunc("GET /api/servers/{id}/logs", r.requirePermission(domain.PermView, r.handleServerLogs))
	r.mux.HandleFunc("POST /api/servers/{id}/command", r.requirePermission(domain.PermConsole, r.handleServerCommand))

	// User management (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))

	// Per-instance permissions (admin only)
	r.mux.HandleFunc("POST /api/servers/{id}/permissions", r.requireAdmin(r.handleGrantPermission))
	r.mux.HandleFunc("DELETE /api/servers/{id}/permissions/{user_id}", r.requireAdmin(r.handleRevokePermission))

	// WebSocket endpoint
	r.mux.HandleFunc("GET /ws/servers/{id}", r.handleWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	// Static files - only serve if staticDir is configured
	if staticDir != "" {
		r.mux.HandleFunc("GET /", r.handleStatic)
	}

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartEventForwarder pushes lifecycle events into the stream
// multiplexer for delivery to WebSocket subscribers.
func (r *Router) StartEventForwarder() {
	go func() {
		for ev := range r.manager.Events() {
			r.streams.Publish(ev)
		}
	}()
}

// handleHealth is a liveness probe
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatic serves static files from the configured directory
// For SPA support, serves index.html for any path that doesn't match a file
func (r *Router) handleStatic(w http.ResponseWriter, req *http.Request) {
	path := filepath.Clean(req.URL.Path)
	if path == "/" {
		path = "/index.html"
	}

	fullPath := filepath.Join(r.staticDir, path)

	// Security: ensure the path is within staticDir
	absStaticDir, _ := filepath.Abs(r.staticDir)
	absPath, _ := filepath.Abs(fullPath)
	if !strings.HasPrefix(absPath, absStaticDir) {
		http.NotFound(w, req)
		return
	}

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		// SPA fallback: serve index.html for unknown paths
		fullPath = filepath.Join(r.staticDir, "index.html")
		if _, err := os.Stat(fullPath); err != nil {
			http.NotFound(w, req)
			return
		}
	}

	http.ServeFile(w, req, fullPath)
}
