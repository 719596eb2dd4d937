// Package handlers exposes the collector's HTTP API: event ingestion,
// dead-letter inspection, and source registry management.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/logging"
	"github.com/openphc/cce-collector/internal/metrics"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/service"
	"github.com/openphc/cce-collector/internal/sources"
)

type EventHandler struct {
	ingestor     *service.Ingestor
	sources      *sources.Service
	dlq          *deadletter.Service
	maxEventSize int
	requireReg   bool
	logger       *logging.Logger
}

func NewEventHandler(ingestor *service.Ingestor, src *sources.Service, dlq *deadletter.Service, maxEventSize int, requireRegisteredSource bool, logger *logging.Logger) *EventHandler {
	if maxEventSize <= 0 {
		maxEventSize = 1 << 20
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &EventHandler{
		ingestor:     ingestor,
		sources:      src,
		dlq:          dlq,
		maxEventSize: maxEventSize,
		requireReg:   requireRegisteredSource,
		logger:       logger,
	}
}

// HandleIngest accepts a single CloudEvents envelope. 202 on acceptance,
// 200 on duplicate, 400 on rejection, 413 when the body exceeds the
// configured size cap.
func (h *EventHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, tooLarge, err := h.readBody(r)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if tooLarge {
		h.dlq.Capture(r.Context(), deadletter.Entry{
			Reason:       model.ReasonPayloadTooLarge,
			Stage:        model.StageValidation,
			ErrorDetails: "request body exceeds configured maximum event size",
		})
		sendRejection(w, http.StatusRequestEntityTooLarge, "", model.ReasonPayloadTooLarge, "event exceeds maximum allowed size")
		return
	}

	var env model.EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		h.captureMalformed(r, body, err)
		sendRejection(w, http.StatusBadRequest, "", model.ReasonDeserializationError, err.Error())
		return
	}

	if code, reason, details := h.checkSource(r, &env); code != 0 {
		sendRejection(w, code, env.ID, reason, details)
		return
	}

	resp, err := h.ingestor.Ingest(r.Context(), &env)
	if err != nil {
		reason, details, ok := service.ClassifyRejection(err)
		if !ok {
			h.logger.ErrorContext(r.Context(), "ingestion failed",
				logging.EventID(env.ID), logging.Error(err))
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		sendRejection(w, http.StatusBadRequest, env.ID, reason, details)
		return
	}

	status := http.StatusAccepted
	if resp.IsDuplicate() {
		status = http.StatusOK
	}
	sendJSON(w, status, resp)
}

// HandleBatch accepts up to the configured maximum of envelopes in one
// request and reports per-item outcomes. The batch as a whole succeeds
// even when individual events are rejected.
func (h *EventHandler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, tooLarge, err := h.readBody(r)
	if err != nil || tooLarge {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var envs []model.EventEnvelope
	if err := json.Unmarshal(body, &envs); err != nil {
		h.captureMalformed(r, body, err)
		sendRejection(w, http.StatusBadRequest, "", model.ReasonDeserializationError, err.Error())
		return
	}
	if len(envs) == 0 {
		http.Error(w, "Empty batch", http.StatusBadRequest)
		return
	}
	if max := h.ingestor.MaxBatch(); len(envs) > max {
		http.Error(w, "Batch exceeds maximum size", http.StatusBadRequest)
		return
	}

	if !h.requireReg {
		sendJSON(w, http.StatusAccepted, h.ingestor.IngestBatch(r.Context(), envs))
		return
	}

	// The source gate is per-envelope: an unregistered source rejects that
	// item only, the rest of the batch still processes independently.
	resp := &model.BatchResponse{
		Total:   len(envs),
		Results: make([]model.IngestionResponse, 0, len(envs)),
	}
	for i := range envs {
		env := &envs[i]
		if code, reason, details := h.checkSource(r, env); code != 0 {
			if code == http.StatusInternalServerError {
				http.Error(w, "Internal server error", http.StatusInternalServerError)
				return
			}
			resp.Rejected++
			resp.Results = append(resp.Results, model.IngestionResponse{
				EventID:    env.ID,
				Status:     model.StatusRejected,
				ReceivedAt: time.Now().UTC(),
				Reason:     string(reason),
				Details:    details,
			})
			continue
		}
		res, accepted := h.ingestor.IngestItem(r.Context(), env)
		if accepted {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Results = append(resp.Results, res)
	}
	sendJSON(w, http.StatusAccepted, resp)
}

// readBody reads at most maxEventSize bytes. The second return reports
// whether the body was truncated because it exceeded the cap.
func (h *EventHandler) readBody(r *http.Request) ([]byte, bool, error) {
	defer r.Body.Close()
	limit := int64(h.maxEventSize)
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return nil, true, nil
	}
	return body, false, nil
}

// captureMalformed dead-letters a body that could not be decoded. The raw
// bytes are preserved verbatim for operator inspection.
func (h *EventHandler) captureMalformed(r *http.Request, body []byte, cause error) {
	metrics.EventsReceived.WithLabelValues("unknown", "rejected").Inc()
	h.dlq.Capture(r.Context(), deadletter.Entry{
		RawPayload:   map[string]any{"raw": string(body)},
		Reason:       model.ReasonDeserializationError,
		Stage:        model.StageValidation,
		ErrorDetails: cause.Error(),
	})
	h.logger.WarnContext(r.Context(), "rejected undecodable request body", logging.Error(cause))
}

// checkSource enforces the registered-source gate when enabled. A zero
// status code means the request may proceed.
func (h *EventHandler) checkSource(r *http.Request, env *model.EventEnvelope) (int, model.RejectionReason, string) {
	if !h.requireReg || h.sources == nil {
		return 0, "", ""
	}
	ok, err := h.sources.Allowed(r.Context(), env.Source)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "source registry lookup failed",
			logging.Source(env.Source), logging.Error(err))
		return http.StatusInternalServerError, model.ReasonInvalidEnvelope, "source registry unavailable"
	}
	if !ok {
		h.dlq.Capture(r.Context(), deadletter.Entry{
			EventID:      env.ID,
			Source:       env.Source,
			Type:         env.Type,
			Subject:      env.Subject,
			RawPayload:   env.RawPayload(),
			Reason:       model.ReasonInvalidEnvelope,
			Stage:        model.StageValidation,
			ErrorDetails: "source is not registered or inactive",
		})
		return http.StatusForbidden, model.ReasonInvalidEnvelope, "source is not registered or inactive"
	}
	return 0, "", ""
}
