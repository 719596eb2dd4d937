package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
)

type DeadLetterHandler struct {
	dlq *deadletter.Service
}

func NewDeadLetterHandler(dlq *deadletter.Service) *DeadLetterHandler {
	return &DeadLetterHandler{dlq: dlq}
}

// deadLetterPage is the paged list response.
type deadLetterPage struct {
	Total   int                     `json:"total"`
	Page    int                     `json:"page"`
	Size    int                     `json:"size"`
	Results []model.DeadLetterEvent `json:"results"`
}

// List supports filtering by reason, source, and resolution state, paged.
func (h *DeadLetterHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter repository.DeadLetterFilter
	if raw := q.Get("reason"); raw != "" {
		reason, ok := model.ParseRejectionReason(raw)
		if !ok {
			http.Error(w, "Unknown rejection reason", http.StatusBadRequest)
			return
		}
		filter.Reason = reason
	}
	filter.Source = q.Get("source")
	filter.UnresolvedOnly = q.Get("unresolved") == "true"

	page := intParam(q.Get("page"), 1)
	size := intParam(q.Get("size"), 50)
	if size < 1 || size > 500 {
		size = 50
	}
	if page < 1 {
		page = 1
	}

	rows, total, err := h.dlq.List(r.Context(), filter, page, size)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.DeadLetterEvent{}
	}
	sendJSON(w, http.StatusOK, deadLetterPage{Total: total, Page: page, Size: size, Results: rows})
}

func (h *DeadLetterHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid dead letter id", http.StatusBadRequest)
		return
	}
	dl, err := h.dlq.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Dead letter not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, dl)
}

// Resolve marks a dead letter as handled. Resolution is bookkeeping only:
// it does not replay the event.
func (h *DeadLetterHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid dead letter id", http.StatusBadRequest)
		return
	}
	dl, err := h.dlq.Resolve(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "Dead letter not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	sendJSON(w, http.StatusOK, dl)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
