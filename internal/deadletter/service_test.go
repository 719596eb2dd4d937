package deadletter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
)

func TestCapture(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	dl := svc.Capture(ctx, Entry{
		EventID:      "evt-001",
		Source:       "urn:site-a",
		Subject:      "upid-12345",
		RawPayload:   map[string]any{"id": "evt-001"},
		Reason:       model.ReasonInvalidEnvelope,
		Stage:        model.StageValidation,
		ErrorDetails: "missing required CloudEvents field: 'type'",
	})
	require.NotNil(t, dl)
	assert.False(t, dl.Resolved)
	assert.False(t, dl.ReceivedAt.IsZero())

	got, err := svc.Get(ctx, dl.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInvalidEnvelope, got.Reason)
	assert.Equal(t, model.StageValidation, got.Stage)
	assert.Equal(t, "evt-001", got.EventID)
}

func TestResolve(t *testing.T) {
	repo := repository.NewInMemoryRepository()
	svc := NewService(repo, nil)
	ctx := context.Background()

	dl := svc.Capture(ctx, Entry{
		EventID:    "evt-001",
		RawPayload: map[string]any{},
		Reason:     model.ReasonBrokerPublishFailure,
		Stage:      model.StagePublish,
	})
	require.NotNil(t, dl)

	resolved, err := svc.Resolve(ctx, dl.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	// Resolution is bookkeeping only: the record stays listable without
	// the unresolved filter.
	rows, total, err := svc.List(ctx, repository.DeadLetterFilter{}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.True(t, rows[0].Resolved)

	_, total, err = svc.List(ctx, repository.DeadLetterFilter{UnresolvedOnly: true}, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
}
