// Package service contains the ingestion orchestrator: the single entry
// point that sequences envelope validation, deduplication, durable audit,
// normalization, payload validation, outbox enqueue, and broker publish.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/dedup"
	"github.com/openphc/cce-collector/internal/fhir"
	"github.com/openphc/cce-collector/internal/logging"
	"github.com/openphc/cce-collector/internal/metrics"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/normalizer"
	"github.com/openphc/cce-collector/internal/publisher"
	"github.com/openphc/cce-collector/internal/repository"
	"github.com/openphc/cce-collector/internal/validator"
)

// Config holds the orchestrator's per-deployment settings.
type Config struct {
	// Topic is the destination reported in acceptance responses.
	Topic string

	// MaxBatch caps the number of envelopes in one batch request.
	MaxBatch int
}

// Ingestor orchestrates the ingestion-to-delivery pipeline. It is the sole
// writer of inbound and outbox state transitions.
type Ingestor struct {
	repo   repository.Repository
	dedup  *dedup.Deduplicator
	gate   *fhir.Gate
	pub    *publisher.Publisher
	dlq    *deadletter.Service
	cfg    Config
	logger *logging.Logger
}

// NewIngestor wires the pipeline components together.
func NewIngestor(
	repo repository.Repository,
	dd *dedup.Deduplicator,
	gate *fhir.Gate,
	pub *publisher.Publisher,
	dlq *deadletter.Service,
	cfg Config,
	logger *logging.Logger,
) *Ingestor {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 100
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Ingestor{repo: repo, dedup: dd, gate: gate, pub: pub, dlq: dlq, cfg: cfg, logger: logger}
}

// MaxBatch returns the configured batch size cap.
func (s *Ingestor) MaxBatch() int {
	return s.cfg.MaxBatch
}

// Ingest runs one envelope through the full pipeline.
//
// A returned error means the event was rejected (and dead-lettered); the
// caller received no durability. A nil error with a duplicate status means
// the event was already processed. A nil error with an accepted status
// means the event is durably recorded and either published or awaiting the
// retry sweep; broker failures are not surfaced as ingestion failures.
func (s *Ingestor) Ingest(ctx context.Context, env *model.EventEnvelope) (*model.IngestionResponse, error) {
	start := time.Now()
	defer func() {
		metrics.IngestionDuration.Observe(time.Since(start).Seconds())
	}()

	receivedAt := time.Now().UTC()

	// Envelope validation: fail fast, nothing persisted except the dead
	// letter itself.
	if err := validator.Envelope(env); err != nil {
		var envErr *validator.EnvelopeError
		errors.As(err, &envErr)
		reason := validator.Reason(envErr)
		metrics.EventsReceived.WithLabelValues(sourceLabel(env.Source), "rejected").Inc()
		s.dlq.Capture(ctx, deadletter.Entry{
			EventID:       env.ID,
			Source:        env.Source,
			Type:          env.Type,
			Subject:       env.Subject,
			RawPayload:    env.RawPayload(),
			Reason:        reason,
			Stage:         model.StageValidation,
			ErrorDetails:  envErr.Message,
			CorrelationID: env.CorrelationID,
			FacilityID:    env.FacilityID,
		})
		return nil, err
	}

	// Two-layer dedup: cheap cache check, then the authoritative store
	// check; the unique constraint below backstops any race.
	isDup, err := s.dedup.IsDuplicate(ctx, env.Source, env.ID)
	if err != nil {
		return nil, err
	}
	if isDup {
		metrics.EventsReceived.WithLabelValues(sourceLabel(env.Source), "duplicate").Inc()
		return duplicateResponse(env, receivedAt), nil
	}

	// Durability checkpoint: once this row commits, the event survives a
	// process crash.
	inbound := buildInboundEvent(env, receivedAt)
	if err := s.repo.InsertInboundEvent(ctx, inbound); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost the insert race to a concurrent request for the same
			// (source, id): a recognized outcome, not a failure.
			metrics.EventsReceived.WithLabelValues(sourceLabel(env.Source), "duplicate").Inc()
			return duplicateResponse(env, receivedAt), nil
		}
		return nil, err
	}
	s.dedup.MarkProcessed(ctx, env.Source, env.ID)

	// Normalization is total: it never rejects.
	normalizedType := normalizer.EventType(env.Type)
	correlationID := normalizer.CorrelationID(env.CorrelationID)
	eventTime := normalizer.EventTime(env.Time)

	if err := s.gate.Check(ctx, env); err != nil {
		var payloadErr *fhir.ValidationError
		errors.As(err, &payloadErr)
		reason := string(model.ReasonInvalidPayload)
		if updateErr := s.repo.UpdateInboundStatus(ctx, inbound.ID, model.InboundRejected, &reason); updateErr != nil {
			s.logger.ErrorContext(ctx, "failed to mark inbound rejected",
				logging.EventID(env.ID), logging.Error(updateErr))
		}
		metrics.EventsReceived.WithLabelValues(sourceLabel(env.Source), "rejected").Inc()
		s.dlq.Capture(ctx, deadletter.Entry{
			InboundEventID: &inbound.ID,
			EventID:        env.ID,
			Source:         env.Source,
			Type:           env.Type,
			Subject:        env.Subject,
			RawPayload:     env.RawPayload(),
			Reason:         model.ReasonInvalidPayload,
			Stage:          model.StageProcessing,
			ErrorDetails:   payloadErr.Error(),
			CorrelationID:  correlationID,
			FacilityID:     env.FacilityID,
		})
		return nil, err
	}

	// Accept and enqueue commit together: an accepted inbound row with no
	// outbox row would be silent message loss.
	outbox := buildOutboxEvent(env, inbound, normalizedType, correlationID, eventTime, receivedAt)
	if err := s.repo.AcceptAndEnqueue(ctx, inbound.ID, outbox); err != nil {
		return nil, err
	}

	// Synchronous publish attempt. Failure is dead-lettered for
	// visibility but the response stays accepted: durability already
	// happened and the retry sweep owns delivery from here. An ack that
	// could not be recorded means the message did reach the broker, so it
	// is logged without a dead letter.
	if _, err := s.pub.Publish(ctx, outbox); err != nil && !errors.Is(err, publisher.ErrAckRecordFailed) {
		s.logger.ErrorContext(ctx, "broker publish failed, outbox row left for retry",
			logging.EventID(env.ID), logging.Error(err))
		s.dlq.Capture(ctx, deadletter.Entry{
			InboundEventID: &inbound.ID,
			EventID:        env.ID,
			Source:         env.Source,
			Type:           normalizedType,
			Subject:        env.Subject,
			RawPayload:     env.RawPayload(),
			Reason:         model.ReasonBrokerPublishFailure,
			Stage:          model.StagePublish,
			ErrorDetails:   err.Error(),
			CorrelationID:  correlationID,
			FacilityID:     env.FacilityID,
		})
	}

	metrics.EventsReceived.WithLabelValues(sourceLabel(env.Source), "accepted").Inc()
	return &model.IngestionResponse{
		EventID:        env.ID,
		Status:         model.StatusAccepted,
		CorrelationID:  correlationID,
		PublishedTopic: s.cfg.Topic,
		ReceivedAt:     receivedAt,
	}, nil
}

// IngestBatch processes envelopes independently and reports per-item
// results. Duplicates count as accepted: the caller received a
// success-shaped outcome for them. A failure on one item never aborts
// the rest.
func (s *Ingestor) IngestBatch(ctx context.Context, envs []model.EventEnvelope) *model.BatchResponse {
	resp := &model.BatchResponse{
		Total:   len(envs),
		Results: make([]model.IngestionResponse, 0, len(envs)),
	}

	for i := range envs {
		res, accepted := s.IngestItem(ctx, &envs[i])
		if accepted {
			resp.Accepted++
		} else {
			resp.Rejected++
		}
		resp.Results = append(resp.Results, res)
	}
	return resp
}

// IngestItem runs one envelope through the pipeline and folds the outcome
// into a per-item result. Client rejections carry their reason and detail;
// infrastructure failures are logged and reported with a generic detail so
// internal error strings never reach the caller.
func (s *Ingestor) IngestItem(ctx context.Context, env *model.EventEnvelope) (model.IngestionResponse, bool) {
	res, err := s.Ingest(ctx, env)
	if err == nil {
		return *res, true
	}
	reason, details, ok := ClassifyRejection(err)
	if !ok {
		s.logger.ErrorContext(ctx, "batch item failed",
			logging.EventID(env.ID), logging.Error(err))
		details = "internal error"
	}
	return model.IngestionResponse{
		EventID:    env.ID,
		Status:     model.StatusRejected,
		ReceivedAt: time.Now().UTC(),
		Reason:     string(reason),
		Details:    details,
	}, false
}

// ClassifyRejection maps a pipeline error to its client-facing rejection
// reason and detail. The third return is false for infrastructure errors,
// which are not client rejections and must not be surfaced verbatim.
func ClassifyRejection(err error) (model.RejectionReason, string, bool) {
	var envErr *validator.EnvelopeError
	if errors.As(err, &envErr) {
		return validator.Reason(envErr), envErr.Message, true
	}
	var payloadErr *fhir.ValidationError
	if errors.As(err, &payloadErr) {
		return model.ReasonInvalidPayload, payloadErr.Error(), true
	}
	return "", "", false
}

func duplicateResponse(env *model.EventEnvelope, receivedAt time.Time) *model.IngestionResponse {
	return &model.IngestionResponse{
		EventID:       env.ID,
		Status:        model.StatusDuplicate,
		CorrelationID: env.CorrelationID,
		ReceivedAt:    receivedAt,
	}
}

func buildInboundEvent(env *model.EventEnvelope, receivedAt time.Time) *model.InboundEvent {
	ev := &model.InboundEvent{
		ID:              uuid.New(),
		EventID:         env.ID,
		Source:          env.Source,
		Type:            env.Type,
		SpecVersion:     env.SpecVersion,
		Subject:         env.Subject,
		DataContentType: env.DataContentType,
		FacilityID:      env.FacilityID,
		CorrelationID:   env.CorrelationID,
		SourceEventID:   env.SourceEventID,
		RawPayload:      env.RawPayload(),
		Status:          model.InboundReceived,
		ReceivedAt:      receivedAt,
	}
	// Raw event time only when well formed; normalization defaults it
	// later for the outbox row.
	if env.Time != "" {
		if t, err := time.Parse(time.RFC3339, env.Time); err == nil {
			ev.EventTime = &t
		}
	}
	return ev
}

func buildOutboxEvent(env *model.EventEnvelope, inbound *model.InboundEvent, normalizedType, correlationID string, eventTime, receivedAt time.Time) *model.OutboxEvent {
	contentType := env.DataContentType
	if contentType == "" {
		contentType = model.FHIRContentType
	}
	return &model.OutboxEvent{
		ID:                   uuid.New(),
		InboundEventID:       inbound.ID,
		EventID:              env.ID,
		Source:               env.Source,
		SourceEventID:        env.SourceEventID,
		Subject:              env.Subject,
		Type:                 normalizedType,
		EventTime:            eventTime,
		ReceivedAt:           receivedAt,
		CorrelationID:        correlationID,
		Data:                 env.Data,
		DataContentType:      contentType,
		ProtocolInstanceID:   parseUUID(env.ProtocolInstID),
		ProtocolDefinitionID: parseUUID(env.ProtocolDefID),
		ActionID:             env.ActionID,
		FacilityID:           env.FacilityID,
		PublishStatus:        model.PublishPending,
	}
}

func parseUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

func sourceLabel(source string) string {
	if source == "" {
		return "unknown"
	}
	return source
}
