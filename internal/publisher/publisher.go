// Package publisher delivers outbox rows to the message broker and retries
// the ones that did not make it. The outbox row is the unit of
// exactly-once-intent delivery: it is written durably with the accept
// decision and only leaves PENDING/FAILED on a broker acknowledgment.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openphc/cce-collector/internal/broker"
	"github.com/openphc/cce-collector/internal/logging"
	"github.com/openphc/cce-collector/internal/metrics"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
)

// ErrAckRecordFailed reports that the broker acknowledged the message but
// the outbox row could not be marked published. The message was delivered;
// the sweep will republish it and downstream consumers must tolerate the
// duplicate.
var ErrAckRecordFailed = errors.New("publish acknowledged but not recorded")

// Config controls publish timeouts and the retry sweep.
type Config struct {
	// PublishTimeout bounds the broker-ack wait for one publish, so a
	// broker outage degrades to "accepted but pending retry" rather than
	// hanging the caller.
	PublishTimeout time.Duration

	// RetryInterval is the sweep cadence. Rows younger than one interval
	// are left alone to avoid racing an in-flight first attempt.
	RetryInterval time.Duration

	// RetryMaxAge is the age past which a row is no longer retried and
	// is left FAILED for manual intervention.
	RetryMaxAge time.Duration

	// SweepBatchLimit caps how many rows one sweep picks up.
	SweepBatchLimit int
}

// DefaultConfig returns the deployment defaults: 5s publish timeout, 30s
// sweep interval, 60 minute max retry age.
func DefaultConfig() Config {
	return Config{
		PublishTimeout:  5 * time.Second,
		RetryInterval:   30 * time.Second,
		RetryMaxAge:     60 * time.Minute,
		SweepBatchLimit: 100,
	}
}

// Publisher publishes outbox rows and runs the scheduled retry sweep.
type Publisher struct {
	broker broker.Publisher
	repo   repository.Repository
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Publisher. Call Start to begin the retry sweep.
func New(b broker.Publisher, repo repository.Repository, cfg Config, logger *logging.Logger) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.RetryMaxAge <= 0 {
		cfg.RetryMaxAge = 60 * time.Minute
	}
	if cfg.SweepBatchLimit <= 0 {
		cfg.SweepBatchLimit = 100
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{broker: b, repo: repo, cfg: cfg, logger: logger}
}

// Publish builds the canonical outbound message for the outbox row, sends
// it keyed by subject, and blocks for the broker acknowledgment. On ack the
// row transitions to PUBLISHED with its delivery coordinates; on error it
// transitions to FAILED and the error is returned (the row stays eligible
// for the sweep).
func (p *Publisher) Publish(ctx context.Context, ev *model.OutboxEvent) (broker.Ack, error) {
	msg := buildOutboundMessage(ev)
	data, err := json.Marshal(msg)
	if err != nil {
		// Outbox rows are built from decoded JSON, so this indicates a
		// programming error rather than bad input.
		return broker.Ack{}, fmt.Errorf("marshal outbound message: %w", err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	ack, err := p.broker.Publish(pubCtx, ev.Subject, data)
	if err != nil {
		metrics.PublishAttempts.WithLabelValues("failure").Inc()
		if markErr := p.repo.MarkOutboxFailed(ctx, ev.ID); markErr != nil {
			p.logger.ErrorContext(ctx, "failed to mark outbox row failed",
				slog.String("outbox_id", ev.ID.String()), logging.Error(markErr))
		}
		return broker.Ack{}, fmt.Errorf("broker publish: %w", err)
	}

	publishedAt := time.Now().UTC()
	if err := p.repo.MarkOutboxPublished(ctx, ev.ID, publishedAt, ack.Topic, ack.Partition, ack.Offset); err != nil {
		// The message is on the broker; the next sweep will republish and
		// downstream consumers must tolerate the duplicate (at-least-once).
		p.logger.ErrorContext(ctx, "published but failed to record ack",
			slog.String("outbox_id", ev.ID.String()), logging.Error(err))
		return ack, fmt.Errorf("%w: %v", ErrAckRecordFailed, err)
	}

	metrics.PublishAttempts.WithLabelValues("success").Inc()
	p.logger.InfoContext(ctx, "published event",
		logging.EventID(ev.EventID), logging.Subject(ev.Subject),
		slog.String("topic", ack.Topic), slog.Int64("offset", ack.Offset))
	return ack, nil
}

// Start launches the retry sweep loop. Sweeps are serialized with respect
// to themselves: the next tick waits for the previous sweep to finish.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("retry sweep already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	p.logger.InfoContext(ctx, "outbox retry sweep starting",
		slog.Duration("interval", p.cfg.RetryInterval),
		slog.Duration("max_retry_age", p.cfg.RetryMaxAge))

	p.wg.Add(1)
	go p.run(ctx)

	return nil
}

// Stop halts the sweep loop, letting an in-flight sweep finish.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("retry sweep not running")
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("outbox retry sweep stopped")
	return nil
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep retries PENDING and FAILED outbox rows older than one sweep
// interval. Rows past the max retry age are skipped and left as a stuck
// signal for operators; retry failures are logged and left for the next
// sweep. No backoff and no retry-count cap; only the age cutoff bounds
// retry duration.
func (p *Publisher) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	cutoff := now.Add(-p.cfg.RetryInterval)
	maxAge := now.Add(-p.cfg.RetryMaxAge)

	rows, err := p.repo.ListRetryableOutbox(ctx, cutoff, p.cfg.SweepBatchLimit)
	if err != nil {
		p.logger.ErrorContext(ctx, "retry sweep: failed to list outbox rows", logging.Error(err))
		return
	}

	for i := range rows {
		ev := &rows[i]
		if ev.ReceivedAt.Before(maxAge) {
			metrics.OutboxAbandoned.Inc()
			p.logger.WarnContext(ctx, "outbox row exceeded max retry age, leaving for manual intervention",
				slog.String("outbox_id", ev.ID.String()), logging.EventID(ev.EventID))
			continue
		}

		metrics.OutboxRetried.Inc()
		if _, err := p.Publish(ctx, ev); err != nil {
			p.logger.WarnContext(ctx, "retry publish failed, leaving for next sweep",
				slog.String("outbox_id", ev.ID.String()), logging.Error(err))
			continue
		}
		p.logger.InfoContext(ctx, "retried publish succeeded",
			slog.String("outbox_id", ev.ID.String()), logging.EventID(ev.EventID))
	}
}

func buildOutboundMessage(ev *model.OutboxEvent) *model.OutboundMessage {
	msg := &model.OutboundMessage{
		ID:              ev.EventID,
		Source:          ev.Source,
		Type:            ev.Type,
		SpecVersion:     model.SpecVersion,
		Subject:         ev.Subject,
		Time:            ev.EventTime,
		DataContentType: ev.DataContentType,
		CorrelationID:   ev.CorrelationID,
		SourceEventID:   ev.SourceEventID,
		ActionID:        ev.ActionID,
		FacilityID:      ev.FacilityID,
		Data:            ev.Data,
	}
	if ev.ProtocolInstanceID != nil {
		msg.ProtocolInstanceID = ev.ProtocolInstanceID.String()
	}
	if ev.ProtocolDefinitionID != nil {
		msg.ProtocolDefinitionID = ev.ProtocolDefinitionID.String()
	}
	return msg
}
