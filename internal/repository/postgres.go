package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openphc/cce-collector/internal/model"
)

const uniqueViolation = "23505"

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a pooled PostgreSQL repository.
func NewPostgresRepository(ctx context.Context, connString string) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresRepository{pool: pool}, nil
}

// Close releases the connection pool.
func (r *PostgresRepository) Close() { r.pool.Close() }

// Ping verifies database connectivity, for readiness probes.
func (r *PostgresRepository) Ping(ctx context.Context) error { return r.pool.Ping(ctx) }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// InsertInboundEvent writes the audit row. The unique index on
// (source, event_id) is the authoritative dedup backstop; a violation is
// surfaced as ErrDuplicate.
func (r *PostgresRepository) InsertInboundEvent(ctx context.Context, ev *model.InboundEvent) error {
	q := `INSERT INTO inbound_event (
	        id, event_id, source, type, spec_version, subject, event_time,
	        data_content_type, facility_id, correlation_id, source_event_id,
	        raw_payload, status, received_at
	      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err := r.pool.Exec(ctx, q,
		ev.ID, ev.EventID, ev.Source, ev.Type, ev.SpecVersion, ev.Subject, ev.EventTime,
		ev.DataContentType, ev.FacilityID, ev.CorrelationID, ev.SourceEventID,
		ev.RawPayload, ev.Status, ev.ReceivedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert inbound event: %w", err)
	}
	return nil
}

// UpdateInboundStatus moves an inbound row to its terminal status.
func (r *PostgresRepository) UpdateInboundStatus(ctx context.Context, id uuid.UUID, status model.InboundStatus, rejectionReason *string) error {
	q := `UPDATE inbound_event SET status = $2, rejection_reason = $3 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, status, rejectionReason)
	if err != nil {
		return fmt.Errorf("update inbound status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InboundEventExists is the authoritative duplicate check, optionally
// bounded to the dedup lookback window.
func (r *PostgresRepository) InboundEventExists(ctx context.Context, source, eventID string, since time.Time) (bool, error) {
	q := `SELECT EXISTS (
	        SELECT 1 FROM inbound_event
	        WHERE source = $1 AND event_id = $2 AND received_at >= $3
	      )`
	var exists bool
	if err := r.pool.QueryRow(ctx, q, source, eventID, since).Scan(&exists); err != nil {
		return false, fmt.Errorf("check inbound exists: %w", err)
	}
	return exists, nil
}

// AcceptAndEnqueue updates the inbound row to ACCEPTED and inserts the
// outbox row in a single transaction. An accepted inbound event without an
// outbox row would be silent message loss, so the two writes never commit
// separately.
func (r *PostgresRepository) AcceptAndEnqueue(ctx context.Context, inboundID uuid.UUID, out *model.OutboxEvent) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin accept tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE inbound_event SET status = $2, rejection_reason = NULL WHERE id = $1`,
		inboundID, model.InboundAccepted,
	)
	if err != nil {
		return fmt.Errorf("accept inbound event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	q := `INSERT INTO event_log (
	        id, inbound_event_id, event_id, source, source_event_id, subject,
	        type, event_time, received_at, correlation_id, data,
	        data_content_type, protocol_instance_id, protocol_definition_id,
	        action_id, facility_id, publish_status
	      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err = tx.Exec(ctx, q,
		out.ID, out.InboundEventID, out.EventID, out.Source, out.SourceEventID, out.Subject,
		out.Type, out.EventTime, out.ReceivedAt, out.CorrelationID, out.Data,
		out.DataContentType, out.ProtocolInstanceID, out.ProtocolDefinitionID,
		out.ActionID, out.FacilityID, out.PublishStatus,
	)
	if err != nil {
		return fmt.Errorf("insert outbox event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit accept tx: %w", err)
	}
	return nil
}

// MarkOutboxPublished records broker delivery coordinates for an
// acknowledged publish.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time, topic string, partition int32, offset int64) error {
	q := `UPDATE event_log
	      SET publish_status = $2, published_at = $3,
	          broker_topic = $4, broker_partition = $5, broker_offset = $6
	      WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, model.PublishPublished, publishedAt, topic, partition, offset)
	if err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOutboxFailed flags a failed publish attempt.
func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id uuid.UUID) error {
	q := `UPDATE event_log SET publish_status = $2 WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q, id, model.PublishFailed)
	if err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const outboxColumns = `id, inbound_event_id, event_id, source, source_event_id, subject,
	type, event_time, received_at, correlation_id, data, data_content_type,
	protocol_instance_id, protocol_definition_id, action_id, facility_id,
	publish_status, published_at, broker_topic, broker_partition, broker_offset`

// ListRetryableOutbox returns PENDING and FAILED rows received before the
// cutoff, oldest first, for the retry sweep.
func (r *PostgresRepository) ListRetryableOutbox(ctx context.Context, receivedBefore time.Time, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + outboxColumns + `
	      FROM event_log
	      WHERE publish_status IN ($1, $2) AND received_at < $3
	      ORDER BY received_at ASC
	      LIMIT $4`
	rows, err := r.pool.Query(ctx, q, model.PublishPending, model.PublishFailed, receivedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list retryable outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// GetOutboxByInboundID fetches the outbox row created for an inbound event.
func (r *PostgresRepository) GetOutboxByInboundID(ctx context.Context, inboundID uuid.UUID) (*model.OutboxEvent, error) {
	q := `SELECT ` + outboxColumns + ` FROM event_log WHERE inbound_event_id = $1`
	row := r.pool.QueryRow(ctx, q, inboundID)
	ev, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return ev, nil
}

func scanOutbox(row pgx.Row) (*model.OutboxEvent, error) {
	var ev model.OutboxEvent
	err := row.Scan(
		&ev.ID, &ev.InboundEventID, &ev.EventID, &ev.Source, &ev.SourceEventID, &ev.Subject,
		&ev.Type, &ev.EventTime, &ev.ReceivedAt, &ev.CorrelationID, &ev.Data, &ev.DataContentType,
		&ev.ProtocolInstanceID, &ev.ProtocolDefinitionID, &ev.ActionID, &ev.FacilityID,
		&ev.PublishStatus, &ev.PublishedAt, &ev.BrokerTopic, &ev.BrokerPartition, &ev.BrokerOffset,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan outbox event: %w", err)
	}
	return &ev, nil
}

// InsertDeadLetter appends a dead-letter row.
func (r *PostgresRepository) InsertDeadLetter(ctx context.Context, dl *model.DeadLetterEvent) error {
	q := `INSERT INTO dead_letter_event (
	        id, inbound_event_id, event_id, source, type, subject, raw_payload,
	        rejection_reason, failure_stage, error_details, correlation_id,
	        facility_id, received_at, retry_count, next_retry_at, resolved, resolved_at
	      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := r.pool.Exec(ctx, q,
		dl.ID, dl.InboundEventID, dl.EventID, dl.Source, dl.Type, dl.Subject, dl.RawPayload,
		dl.Reason, dl.Stage, dl.ErrorDetails, dl.CorrelationID,
		dl.FacilityID, dl.ReceivedAt, dl.RetryCount, dl.NextRetryAt, dl.Resolved, dl.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, inbound_event_id, event_id, source, type, subject, raw_payload,
	rejection_reason, failure_stage, error_details, correlation_id, facility_id,
	received_at, retry_count, next_retry_at, resolved, resolved_at`

// ListDeadLetters returns a filtered page ordered newest-first plus the
// total match count.
func (r *PostgresRepository) ListDeadLetters(ctx context.Context, filter DeadLetterFilter, page, size int) ([]model.DeadLetterEvent, int, error) {
	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	offset := (page - 1) * size

	where := " WHERE 1=1"
	args := []any{}
	if filter.Reason != "" {
		args = append(args, filter.Reason)
		where += fmt.Sprintf(" AND rejection_reason = $%d", len(args))
	}
	if filter.Source != "" {
		args = append(args, filter.Source)
		where += fmt.Sprintf(" AND source = $%d", len(args))
	}
	if filter.UnresolvedOnly {
		where += " AND resolved = FALSE"
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM dead_letter_event"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count dead letters: %w", err)
	}

	args = append(args, size, offset)
	q := "SELECT " + deadLetterColumns + " FROM dead_letter_event" + where +
		fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []model.DeadLetterEvent
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *dl)
	}
	return out, total, rows.Err()
}

// GetDeadLetter fetches one dead-letter row.
func (r *PostgresRepository) GetDeadLetter(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	q := `SELECT ` + deadLetterColumns + ` FROM dead_letter_event WHERE id = $1`
	dl, err := scanDeadLetter(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return dl, nil
}

// ResolveDeadLetter marks a dead-letter row resolved and returns it.
func (r *PostgresRepository) ResolveDeadLetter(ctx context.Context, id uuid.UUID, resolvedAt time.Time) (*model.DeadLetterEvent, error) {
	q := `UPDATE dead_letter_event SET resolved = TRUE, resolved_at = $2
	      WHERE id = $1
	      RETURNING ` + deadLetterColumns
	dl, err := scanDeadLetter(r.pool.QueryRow(ctx, q, id, resolvedAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return dl, nil
}

func scanDeadLetter(row pgx.Row) (*model.DeadLetterEvent, error) {
	var dl model.DeadLetterEvent
	err := row.Scan(
		&dl.ID, &dl.InboundEventID, &dl.EventID, &dl.Source, &dl.Type, &dl.Subject, &dl.RawPayload,
		&dl.Reason, &dl.Stage, &dl.ErrorDetails, &dl.CorrelationID, &dl.FacilityID,
		&dl.ReceivedAt, &dl.RetryCount, &dl.NextRetryAt, &dl.Resolved, &dl.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	return &dl, nil
}

const sourceColumns = `id, source_uri, display_name, description, active,
	api_key_hash, allowed_types, created_at, updated_at`

// InsertSource registers a new source.
func (r *PostgresRepository) InsertSource(ctx context.Context, s *model.SourceRegistration) error {
	q := `INSERT INTO source_registration (
	        id, source_uri, display_name, description, active, api_key_hash,
	        allowed_types, created_at, updated_at
	      ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	_, err := r.pool.Exec(ctx, q,
		s.ID, s.SourceURI, s.DisplayName, s.Description, s.Active, s.APIKeyHash,
		s.AllowedTypes, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrSourceExists
		}
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// UpdateSource overwrites a source registration.
func (r *PostgresRepository) UpdateSource(ctx context.Context, s *model.SourceRegistration) error {
	q := `UPDATE source_registration
	      SET display_name = $2, description = $3, active = $4,
	          api_key_hash = $5, allowed_types = $6, updated_at = $7
	      WHERE id = $1`
	tag, err := r.pool.Exec(ctx, q,
		s.ID, s.DisplayName, s.Description, s.Active, s.APIKeyHash, s.AllowedTypes, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSourceByURI fetches a registration by its source URI.
func (r *PostgresRepository) GetSourceByURI(ctx context.Context, uri string) (*model.SourceRegistration, error) {
	q := `SELECT ` + sourceColumns + ` FROM source_registration WHERE source_uri = $1`
	return r.scanSource(r.pool.QueryRow(ctx, q, uri))
}

// GetSourceByID fetches a registration by id.
func (r *PostgresRepository) GetSourceByID(ctx context.Context, id uuid.UUID) (*model.SourceRegistration, error) {
	q := `SELECT ` + sourceColumns + ` FROM source_registration WHERE id = $1`
	return r.scanSource(r.pool.QueryRow(ctx, q, id))
}

// ListSources returns all registrations, optionally active-only.
func (r *PostgresRepository) ListSources(ctx context.Context, activeOnly bool) ([]model.SourceRegistration, error) {
	q := `SELECT ` + sourceColumns + ` FROM source_registration`
	if activeOnly {
		q += ` WHERE active = TRUE`
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []model.SourceRegistration
	for rows.Next() {
		s, err := r.scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) scanSource(row pgx.Row) (*model.SourceRegistration, error) {
	var s model.SourceRegistration
	err := row.Scan(
		&s.ID, &s.SourceURI, &s.DisplayName, &s.Description, &s.Active,
		&s.APIKeyHash, &s.AllowedTypes, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan source: %w", err)
	}
	return &s, nil
}
