// Package repository persists the collector's domain records. The Repository
// interface is implemented by PostgresRepository (production) and
// InMemoryRepository (tests).
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/openphc/cce-collector/internal/model"
)

var (
	// ErrDuplicate is returned when an insert violates the (source,
	// event_id) unique constraint. The store is the final race-arbiter
	// for deduplication: callers must treat this as a duplicate outcome,
	// not a fatal error.
	ErrDuplicate = errors.New("event already recorded for source")

	ErrNotFound     = errors.New("record not found")
	ErrSourceExists = errors.New("source already registered")
)

// DeadLetterFilter narrows a dead-letter listing. Zero values mean
// "no filter".
type DeadLetterFilter struct {
	Reason         model.RejectionReason
	Source         string
	UnresolvedOnly bool
}

// Repository is the durable-store contract for the ingestion pipeline.
type Repository interface {
	// InsertInboundEvent writes the audit row. Returns ErrDuplicate when
	// a row for (source, event_id) already exists.
	InsertInboundEvent(ctx context.Context, ev *model.InboundEvent) error

	// UpdateInboundStatus moves an inbound row to its terminal status.
	UpdateInboundStatus(ctx context.Context, id uuid.UUID, status model.InboundStatus, rejectionReason *string) error

	// InboundEventExists reports whether an event from source with the
	// given id was already recorded. A non-zero since bounds the check to
	// rows received after it (the dedup lookback window).
	InboundEventExists(ctx context.Context, source, eventID string, since time.Time) (bool, error)

	// AcceptAndEnqueue marks the inbound row ACCEPTED and inserts the
	// outbox row in one transaction, so an accepted event can never lack
	// its outbox entry.
	AcceptAndEnqueue(ctx context.Context, inboundID uuid.UUID, out *model.OutboxEvent) error

	// MarkOutboxPublished records a broker acknowledgment with its
	// delivery coordinates.
	MarkOutboxPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time, topic string, partition int32, offset int64) error

	// MarkOutboxFailed flags a failed publish attempt; the row stays
	// eligible for the retry sweep.
	MarkOutboxFailed(ctx context.Context, id uuid.UUID) error

	// ListRetryableOutbox returns PENDING and FAILED outbox rows received
	// before the cutoff, oldest first.
	ListRetryableOutbox(ctx context.Context, receivedBefore time.Time, limit int) ([]model.OutboxEvent, error)

	// GetOutboxByInboundID fetches the outbox row created for an inbound
	// event, if any.
	GetOutboxByInboundID(ctx context.Context, inboundID uuid.UUID) (*model.OutboxEvent, error)

	// InsertDeadLetter appends a dead-letter row.
	InsertDeadLetter(ctx context.Context, dl *model.DeadLetterEvent) error

	// ListDeadLetters returns a filtered page ordered newest-first, plus
	// the total match count.
	ListDeadLetters(ctx context.Context, filter DeadLetterFilter, page, size int) ([]model.DeadLetterEvent, int, error)

	// GetDeadLetter fetches one dead-letter row.
	GetDeadLetter(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error)

	// ResolveDeadLetter marks a dead-letter row resolved. Returns
	// ErrNotFound for an unknown id.
	ResolveDeadLetter(ctx context.Context, id uuid.UUID, resolvedAt time.Time) (*model.DeadLetterEvent, error)

	// InsertSource registers a new source. Returns ErrSourceExists for a
	// duplicate source URI.
	InsertSource(ctx context.Context, s *model.SourceRegistration) error

	// UpdateSource overwrites a source registration.
	UpdateSource(ctx context.Context, s *model.SourceRegistration) error

	// GetSourceByURI fetches a registration by its source URI.
	GetSourceByURI(ctx context.Context, uri string) (*model.SourceRegistration, error)

	// GetSourceByID fetches a registration by id.
	GetSourceByID(ctx context.Context, id uuid.UUID) (*model.SourceRegistration, error)

	// ListSources returns all registrations, optionally active-only.
	ListSources(ctx context.Context, activeOnly bool) ([]model.SourceRegistration, error)

	// Close releases the underlying connections.
	Close()
}
