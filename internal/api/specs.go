package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/dispatchd/dispatchd/internal/model"
)

// routeSpecs handles /specs and /specs/{id}, where rest is whatever
// followed "/specs" in the request path (e.g. "", "/spec_1").
func (h *Handler) routeSpecs(w http.ResponseWriter, r *http.Request, rest string) {
	id := strings.TrimPrefix(rest, "/")
	if id == "" {
		switch r.Method {
		case http.MethodGet:
			h.listSpecs(w, r)
		case http.MethodPost:
			h.createSpec(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.getSpec(w, r, id)
	case http.MethodPut:
		h.updateSpec(w, r, id)
	case http.MethodDelete:
		h.deleteSpec(w, r, id)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) listSpecs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r, 50)
	specs, err := h.store.ListSpecs(r.Context(), limit, offset)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"specs": specs})
}

type createSpecRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Command     string `json:"command"`
}

func (h *Handler) createSpec(w http.ResponseWriter, r *http.Request) {
	var body createSpecRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Name) == "" || strings.TrimSpace(body.Command) == "" {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and command are required"})
		return
	}
	now := time.Now()
	spec := &model.JobSpecification{
		ID:          newEntityID("spec"),
		Name:        body.Name,
		Description: body.Description,
		Command:     strings.TrimRight(body.Command, "\n"),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.store.CreateSpec(r.Context(), spec); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, spec)
}

func (h *Handler) getSpec(w http.ResponseWriter, r *http.Request, id string) {
	spec, err := h.store.GetSpec(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, spec)
}

func (h *Handler) updateSpec(w http.ResponseWriter, r *http.Request, id string) {
	spec, err := h.store.GetSpec(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	var body createSpecRequest
	if err := h.decodeJSON(r, &body); err != nil {
		h.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if body.Name != "" {
		spec.Name = body.Name
	}
	if body.Command != "" {
		spec.Command = strings.TrimRight(body.Command, "\n")
	}
	spec.Description = body.Description
	spec.UpdatedAt = time.Now()
	if err := h.store.UpdateSpec(r.Context(), spec); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, spec)
}

func (h *Handler) deleteSpec(w http.ResponseWriter, r *http.Request, id string) {
	spec, err := h.store.GetSpec(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	running, err := h.store.HasRunningJobsForSpec(r.Context(), spec.Name)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if running {
		h.writeJSON(w, http.StatusConflict, map[string]string{"error": "spec has running or pending jobs"})
		return
	}
	if err := h.store.DeleteSpec(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
