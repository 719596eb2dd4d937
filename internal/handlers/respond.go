package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/openphc/cce-collector/internal/model"
)

func sendJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendRejection writes a rejected IngestionResponse so clients get the
// same result shape for failures as for acceptances.
func sendRejection(w http.ResponseWriter, status int, eventID string, reason model.RejectionReason, details string) {
	sendJSON(w, status, model.IngestionResponse{
		EventID:    eventID,
		Status:     model.StatusRejected,
		ReceivedAt: time.Now().UTC(),
		Reason:     string(reason),
		Details:    details,
	})
}
