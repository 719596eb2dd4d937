package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
	"github.com/openphc/cce-collector/internal/sources"
)

type SourceHandler struct {
	sources *sources.Service
}

func NewSourceHandler(src *sources.Service) *SourceHandler {
	return &SourceHandler{sources: src}
}

type registerSourceRequest struct {
	SourceURI    string   `json:"sourceUri"`
	DisplayName  string   `json:"displayName"`
	Description  string   `json:"description"`
	APIKey       string   `json:"apiKey"`
	AllowedTypes []string `json:"allowedTypes"`
}

type updateSourceRequest struct {
	DisplayName  string   `json:"displayName"`
	Description  string   `json:"description"`
	Active       bool     `json:"active"`
	APIKey       string   `json:"apiKey"`
	AllowedTypes []string `json:"allowedTypes"`
}

func (h *SourceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SourceURI == "" {
		http.Error(w, "sourceUri is required", http.StatusBadRequest)
		return
	}

	reg, err := h.sources.Register(r.Context(), req.SourceURI, req.DisplayName, req.Description, req.APIKey, req.AllowedTypes)
	if err != nil {
		if errors.Is(err, repository.ErrSourceExists) {
			http.Error(w, "Source already registered", http.StatusConflict)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusCreated, reg)
}

func (h *SourceHandler) List(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	regs, err := h.sources.List(r.Context(), activeOnly)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if regs == nil {
		regs = []model.SourceRegistration{}
	}
	sendJSON(w, http.StatusOK, regs)
}

func (h *SourceHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid source id", http.StatusBadRequest)
		return
	}
	reg, err := h.sources.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Source not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, reg)
}

func (h *SourceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid source id", http.StatusBadRequest)
		return
	}
	var req updateSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	reg, err := h.sources.Update(r.Context(), id, req.DisplayName, req.Description, req.Active, req.APIKey, req.AllowedTypes)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Source not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, reg)
}

func (h *SourceHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid source id", http.StatusBadRequest)
		return
	}
	if err := h.sources.Deactivate(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Source not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
