// Package dedup implements two-layer duplicate detection: a Redis fast path
// keyed by source and event id with a bounded TTL, backed by the durable
// store's (source, event_id) uniqueness within a configurable lookback
// window. The cache is best-effort; Redis outages degrade to "not duplicate"
// and never block ingestion.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openphc/cce-collector/internal/metrics"
)

const keyPrefix = "idempotency:"

// Store is the authoritative duplicate check against the durable store.
type Store interface {
	InboundEventExists(ctx context.Context, source, eventID string, since time.Time) (bool, error)
}

// Config controls cache TTL and the authoritative lookback window.
type Config struct {
	// TTL bounds how long the fast-path idempotency key lives.
	TTL time.Duration

	// LookbackWindow bounds the authoritative store check. Zero means
	// unbounded (permanent uniqueness).
	LookbackWindow time.Duration
}

// DefaultConfig returns the deployment defaults: 24h cache TTL, 30 day
// lookback window.
func DefaultConfig() Config {
	return Config{
		TTL:            24 * time.Hour,
		LookbackWindow: 30 * 24 * time.Hour,
	}
}

// Deduplicator answers "have we seen this (source, event id) before?".
type Deduplicator struct {
	client *redis.Client // nil when the cache layer is disabled
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Deduplicator. A nil Redis client disables the fast path;
// the authoritative store check still runs.
func New(client *redis.Client, store Store, cfg Config, logger *slog.Logger) *Deduplicator {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{client: client, store: store, cfg: cfg, logger: logger}
}

// NewClient connects a Redis client for the dedup cache.
func NewClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func key(source, eventID string) string {
	return keyPrefix + source + ":" + eventID
}

// IsDuplicate runs the cheap cache check first and only consults the store
// on a miss. The store's unique constraint remains the final backstop for
// races between concurrent requests that both pass here.
func (d *Deduplicator) IsDuplicate(ctx context.Context, source, eventID string) (bool, error) {
	if d.isDuplicateViaCache(ctx, source, eventID) {
		return true, nil
	}
	return d.isDuplicateViaStore(ctx, source, eventID)
}

func (d *Deduplicator) isDuplicateViaCache(ctx context.Context, source, eventID string) bool {
	if d.client == nil {
		return false
	}
	n, err := d.client.Exists(ctx, key(source, eventID)).Result()
	if err != nil {
		d.logger.WarnContext(ctx, "redis dedup check failed, falling back to store",
			slog.String("error", err.Error()))
		return false
	}
	if n > 0 {
		metrics.DedupHits.WithLabelValues("cache").Inc()
		d.logger.InfoContext(ctx, "duplicate detected via cache",
			slog.String("source", source), slog.String("event_id", eventID))
		return true
	}
	return false
}

func (d *Deduplicator) isDuplicateViaStore(ctx context.Context, source, eventID string) (bool, error) {
	var since time.Time
	if d.cfg.LookbackWindow > 0 {
		since = time.Now().UTC().Add(-d.cfg.LookbackWindow)
	}
	exists, err := d.store.InboundEventExists(ctx, source, eventID, since)
	if err != nil {
		return false, fmt.Errorf("authoritative dedup check: %w", err)
	}
	if exists {
		metrics.DedupHits.WithLabelValues("store").Inc()
		d.logger.InfoContext(ctx, "duplicate detected via store",
			slog.String("source", source), slog.String("event_id", eventID))
	}
	return exists, nil
}

// MarkProcessed records the idempotency key in the cache. Failures are
// logged and dropped; the durable store already holds the record.
func (d *Deduplicator) MarkProcessed(ctx context.Context, source, eventID string) {
	if d.client == nil {
		return
	}
	if err := d.client.Set(ctx, key(source, eventID), "1", d.cfg.TTL).Err(); err != nil {
		d.logger.WarnContext(ctx, "failed to set idempotency key",
			slog.String("error", err.Error()))
	}
}
