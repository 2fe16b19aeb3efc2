package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/craftdock/craftdock/internal/lifecycle"
	"github.com/craftdock/craftdock/internal/storage"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// parseID parses an ID from the URL path
func parseID(req *http.Request, param string) (int64, error) {
	idStr := req.PathValue(param)
	return strconv.ParseInt(idStr, 10, 64)
}

// parseTail parses an optional ?tail= query with a default and cap
func parseTail(req *http.Request, def, max int) int {
	tail := def
	if s := req.URL.Query().Get("tail"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			tail = n
		}
	}
	if tail > max {
		tail = max
	}
	return tail
}

// writeLifecycleError maps lifecycle and storage errors to HTTP statuses
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "server not found")
	case errors.Is(err, lifecycle.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, lifecycle.ErrNameTaken),
		errors.Is(err, lifecycle.ErrMaxInstances),
		errors.Is(err, lifecycle.ErrInvalidState),
		errors.Is(err, lifecycle.ErrPortConflict),
		errors.Is(err, lifecycle.ErrPortsExhausted):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// handleListServers returns the instances visible to the caller.
// Admins see everything; other users see only instances they hold a
// permission on.
func (r *Router) handleListServers(w http.ResponseWriter, req *http.Request) {
	claims := r.getAuthClaims(req)
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	instances, err := r.store.GetInstances(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	visible := instances[:0]
	for i := range instances {
		if !claims.IsAdmin {
			perm, err := r.store.GetPermission(req.Context(), claims.UserID, instances[i].ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if perm == "" {
				continue
			}
		}
		r.manager.SyncStatus(req.Context(), &instances[i])
		visible = append(visible, instances[i])
	}

	writeJSON(w, http.StatusOK, visible)
}

// handleCreateServer provisions a new instance
func (r *Router) handleCreateServer(w http.ResponseWriter, req *http.Request) {
	var body lifecycle.CreateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inst, err := r.manager.Create(req.Context(), body)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// handleGetServer returns a single instance
func (r *Router) handleGetServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	inst, err := r.store.GetInstanceByID(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}
	r.manager.SyncStatus(req.Context(), inst)
	writeJSON(w, http.StatusOK, inst)
}

// handleUpdateServer changes a stopped instance's settings
func (r *Router) handleUpdateServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	var body lifecycle.UpdateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	inst, err := r.manager.Update(req.Context(), id, body)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// handleDeleteServer removes an instance and its container
func (r *Router) handleDeleteServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	result, err := r.manager.Delete(req.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "server not found")
			return
		}
		// Partial failures report what was removed so the client can retry.
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  err.Error(),
			"result": result,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "server deleted",
		"result":  result,
	})
}

// handleStartServer powers on an instance
func (r *Router) handleStartServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	if err := r.manager.Start(req.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "server started"})
}

// handleStopServer powers off an instance
func (r *Router) handleStopServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	// Best-effort heads-up to connected players before the container
	// goes down.
	if inst, err := r.store.GetInstanceByID(req.Context(), id); err == nil {
		r.console.Say(inst, "Server is shutting down...")
	}

	if err := r.manager.Stop(req.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "server stopped"})
}

// handleRestartServer restarts a running instance
func (r *Router) handleRestartServer(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	if inst, err := r.store.GetInstanceByID(req.Context(), id); err == nil {
		r.console.Say(inst, "Server is restarting...")
	}

	if err := r.manager.Restart(req.Context(), id); err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "server restarted"})
}

// handleServerStats returns a resource snapshot for an instance
func (r *Router) handleServerStats(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	stats, err := r.manager.Stats(req.Context(), id)
	if err != nil {
		writeLifecycleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CommandRequest is the request body for console commands
type CommandRequest struct {
	Command string `json:"command"`
}

// handleServerCommand runs a console command on a running instance
func (r *Router) handleServerCommand(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	var body CommandRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	inst, err := r.store.GetInstanceByID(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	writeJSON(w, http.StatusOK, r.console.Execute(inst, body.Command))
}

// handleServerPlayers returns the online player list for an instance
func (r *Router) handleServerPlayers(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	inst, err := r.store.GetInstanceByID(req.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "server not found")
		return
	}

	writeJSON(w, http.StatusOK, r.console.Players(inst))
}

// handleServerLogs returns recent log lines for an instance
func (r *Router) handleServerLogs(w http.ResponseWriter, req *http.Request) {
	id, err := parseID(req, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid server id")
		return
	}

	tail := parseTail(req, 100, 1000)
	lines, err := r.streams.Backlog(req.Context(), id, tail)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "server not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines": lines,
		"total": len(lines),
	})
}
