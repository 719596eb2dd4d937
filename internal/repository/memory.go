package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openphc/cce-collector/internal/model"
)

// InMemoryRepository is a Repository backed by maps, for tests and local
// development. It enforces the same (source, event_id) uniqueness the
// Postgres schema does.
type InMemoryRepository struct {
	mu          sync.RWMutex
	inbound     map[uuid.UUID]*model.InboundEvent
	inboundKeys map[string]uuid.UUID // source + "\x00" + event_id
	outbox      map[uuid.UUID]*model.OutboxEvent
	deadLetters map[uuid.UUID]*model.DeadLetterEvent
	sources     map[uuid.UUID]*model.SourceRegistration
	sourceURIs  map[string]uuid.UUID
}

// NewInMemoryRepository creates an empty in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		inbound:     make(map[uuid.UUID]*model.InboundEvent),
		inboundKeys: make(map[string]uuid.UUID),
		outbox:      make(map[uuid.UUID]*model.OutboxEvent),
		deadLetters: make(map[uuid.UUID]*model.DeadLetterEvent),
		sources:     make(map[uuid.UUID]*model.SourceRegistration),
		sourceURIs:  make(map[string]uuid.UUID),
	}
}

func inboundKey(source, eventID string) string {
	return source + "\x00" + eventID
}

func (r *InMemoryRepository) InsertInboundEvent(_ context.Context, ev *model.InboundEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := inboundKey(ev.Source, ev.EventID)
	if _, exists := r.inboundKeys[key]; exists {
		return ErrDuplicate
	}

	cp := *ev
	r.inbound[ev.ID] = &cp
	r.inboundKeys[key] = ev.ID
	return nil
}

func (r *InMemoryRepository) UpdateInboundStatus(_ context.Context, id uuid.UUID, status model.InboundStatus, rejectionReason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.inbound[id]
	if !ok {
		return ErrNotFound
	}
	ev.Status = status
	ev.RejectionReason = rejectionReason
	return nil
}

func (r *InMemoryRepository) InboundEventExists(_ context.Context, source, eventID string, since time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.inboundKeys[inboundKey(source, eventID)]
	if !ok {
		return false, nil
	}
	return !r.inbound[id].ReceivedAt.Before(since), nil
}

func (r *InMemoryRepository) AcceptAndEnqueue(_ context.Context, inboundID uuid.UUID, out *model.OutboxEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.inbound[inboundID]
	if !ok {
		return ErrNotFound
	}
	ev.Status = model.InboundAccepted
	ev.RejectionReason = nil

	cp := *out
	r.outbox[out.ID] = &cp
	return nil
}

func (r *InMemoryRepository) MarkOutboxPublished(_ context.Context, id uuid.UUID, publishedAt time.Time, topic string, partition int32, offset int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.outbox[id]
	if !ok {
		return ErrNotFound
	}
	ev.PublishStatus = model.PublishPublished
	ev.PublishedAt = &publishedAt
	ev.BrokerTopic = &topic
	ev.BrokerPartition = &partition
	ev.BrokerOffset = &offset
	return nil
}

func (r *InMemoryRepository) MarkOutboxFailed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev, ok := r.outbox[id]
	if !ok {
		return ErrNotFound
	}
	ev.PublishStatus = model.PublishFailed
	return nil
}

func (r *InMemoryRepository) ListRetryableOutbox(_ context.Context, receivedBefore time.Time, limit int) ([]model.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var out []model.OutboxEvent
	for _, ev := range r.outbox {
		if ev.PublishStatus == model.PublishPublished {
			continue
		}
		if !ev.ReceivedAt.Before(receivedBefore) {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) GetOutboxByInboundID(_ context.Context, inboundID uuid.UUID) (*model.OutboxEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, ev := range r.outbox {
		if ev.InboundEventID == inboundID {
			cp := *ev
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) InsertDeadLetter(_ context.Context, dl *model.DeadLetterEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *dl
	r.deadLetters[dl.ID] = &cp
	return nil
}

func (r *InMemoryRepository) ListDeadLetters(_ context.Context, filter DeadLetterFilter, page, size int) ([]model.DeadLetterEvent, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if page < 1 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}

	var matched []model.DeadLetterEvent
	for _, dl := range r.deadLetters {
		if filter.Reason != "" && dl.Reason != filter.Reason {
			continue
		}
		if filter.Source != "" && dl.Source != filter.Source {
			continue
		}
		if filter.UnresolvedOnly && dl.Resolved {
			continue
		}
		matched = append(matched, *dl)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.After(matched[j].ReceivedAt) })

	total := len(matched)
	start := (page - 1) * size
	if start >= total {
		return nil, total, nil
	}
	end := start + size
	if end > total {
		end = total
	}
	return matched[start:end], total, nil
}

func (r *InMemoryRepository) GetDeadLetter(_ context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dl, ok := r.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (r *InMemoryRepository) ResolveDeadLetter(_ context.Context, id uuid.UUID, resolvedAt time.Time) (*model.DeadLetterEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dl, ok := r.deadLetters[id]
	if !ok {
		return nil, ErrNotFound
	}
	dl.Resolved = true
	dl.ResolvedAt = &resolvedAt
	cp := *dl
	return &cp, nil
}

func (r *InMemoryRepository) InsertSource(_ context.Context, s *model.SourceRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sourceURIs[s.SourceURI]; exists {
		return ErrSourceExists
	}
	cp := *s
	r.sources[s.ID] = &cp
	r.sourceURIs[s.SourceURI] = s.ID
	return nil
}

func (r *InMemoryRepository) UpdateSource(_ context.Context, s *model.SourceRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[s.ID]; !ok {
		return ErrNotFound
	}
	cp := *s
	r.sources[s.ID] = &cp
	r.sourceURIs[s.SourceURI] = s.ID
	return nil
}

func (r *InMemoryRepository) GetSourceByURI(_ context.Context, uri string) (*model.SourceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.sourceURIs[uri]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.sources[id]
	return &cp, nil
}

func (r *InMemoryRepository) GetSourceByID(_ context.Context, id uuid.UUID) (*model.SourceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *InMemoryRepository) ListSources(_ context.Context, activeOnly bool) ([]model.SourceRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []model.SourceRegistration
	for _, s := range r.sources {
		if activeOnly && !s.Active {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Close is a no-op for the in-memory repository.
func (r *InMemoryRepository) Close() {}
