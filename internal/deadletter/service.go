// Package deadletter captures and manages events that could not be accepted
// or delivered. Capture never fails the pipeline: a store error here is
// logged and the entry dropped as a last resort.
package deadletter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openphc/cce-collector/internal/logging"
	"github.com/openphc/cce-collector/internal/metrics"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
)

// Entry describes one failure to capture.
type Entry struct {
	InboundEventID *uuid.UUID
	EventID        string
	Source         string
	Type           string
	Subject        string
	RawPayload     map[string]any
	Reason         model.RejectionReason
	Stage          model.FailureStage
	ErrorDetails   string
	CorrelationID  string
	FacilityID     string
}

// Service is the sole writer of dead-letter records.
type Service struct {
	repo   repository.Repository
	logger *logging.Logger
}

// NewService creates a dead-letter service over the repository.
func NewService(repo repository.Repository, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// Capture appends a dead-letter record for the failure. It returns the
// stored record, or nil if the store rejected the write (logged, never
// propagated; dead-lettering must not crash ingestion).
func (s *Service) Capture(ctx context.Context, e Entry) *model.DeadLetterEvent {
	dl := &model.DeadLetterEvent{
		ID:             uuid.New(),
		InboundEventID: e.InboundEventID,
		EventID:        e.EventID,
		Source:         e.Source,
		Type:           e.Type,
		Subject:        e.Subject,
		RawPayload:     e.RawPayload,
		Reason:         e.Reason,
		Stage:          e.Stage,
		ErrorDetails:   e.ErrorDetails,
		CorrelationID:  e.CorrelationID,
		FacilityID:     e.FacilityID,
		ReceivedAt:     time.Now().UTC(),
	}

	if err := s.repo.InsertDeadLetter(ctx, dl); err != nil {
		s.logger.ErrorContext(ctx, "failed to persist dead letter, dropping",
			logging.EventID(e.EventID), logging.Source(e.Source),
			logging.Reason(string(e.Reason)), logging.Error(err))
		return nil
	}

	metrics.DeadLetters.WithLabelValues(string(e.Reason)).Inc()
	s.logger.ErrorContext(ctx, "dead-lettered event",
		logging.EventID(e.EventID), logging.Source(e.Source),
		logging.Reason(string(e.Reason)), slog.String("stage", string(e.Stage)))
	return dl
}

// List returns a filtered page of dead letters, newest first, with the
// total match count.
func (s *Service) List(ctx context.Context, filter repository.DeadLetterFilter, page, size int) ([]model.DeadLetterEvent, int, error) {
	return s.repo.ListDeadLetters(ctx, filter, page, size)
}

// Get fetches one dead-letter record.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	return s.repo.GetDeadLetter(ctx, id)
}

// Resolve marks a record resolved. Resolution is bookkeeping only: it
// signals that an operator will reprocess the event out of band, and never
// re-invokes the pipeline.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	dl, err := s.repo.ResolveDeadLetter(ctx, id, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "dead letter resolved", slog.String("id", id.String()))
	return dl, nil
}
