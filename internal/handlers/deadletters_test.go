package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/repository"
)

func newDeadLetterFixture(t *testing.T) (*deadletter.Service, *DeadLetterHandler) {
	t.Helper()
	svc := deadletter.NewService(repository.NewInMemoryRepository(), nil)
	return svc, NewDeadLetterHandler(svc)
}

func capture(t *testing.T, svc *deadletter.Service, reason model.RejectionReason, source string) *model.DeadLetterEvent {
	t.Helper()
	dl := svc.Capture(context.Background(), deadletter.Entry{
		EventID:    "evt-" + uuid.NewString(),
		Source:     source,
		RawPayload: map[string]any{},
		Reason:     reason,
		Stage:      model.StageValidation,
	})
	require.NotNil(t, dl)
	return dl
}

func TestDeadLetterList(t *testing.T) {
	svc, h := newDeadLetterFixture(t)
	capture(t, svc, model.ReasonInvalidEnvelope, "urn:site-a")
	capture(t, svc, model.ReasonInvalidPayload, "urn:site-b")

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var page deadLetterPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Results, 2)
}

func TestDeadLetterList_Filters(t *testing.T) {
	svc, h := newDeadLetterFixture(t)
	capture(t, svc, model.ReasonInvalidEnvelope, "urn:site-a")
	capture(t, svc, model.ReasonInvalidPayload, "urn:site-b")

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters?reason=INVALID_PAYLOAD", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var page deadLetterPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters?source=urn:site-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Total)
}

func TestDeadLetterList_UnknownReason(t *testing.T) {
	_, h := newDeadLetterFixture(t)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters?reason=NOT_A_REASON", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterGet(t *testing.T) {
	svc, h := newDeadLetterFixture(t)
	dl := capture(t, svc, model.ReasonInvalidEnvelope, "urn:site-a")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters/"+dl.ID.String(), nil)
	req.SetPathValue("id", dl.ID.String())
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.DeadLetterEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, dl.ID, got.ID)
}

func TestDeadLetterGet_NotFound(t *testing.T) {
	_, h := newDeadLetterFixture(t)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters/"+id, nil)
	req.SetPathValue("id", id)
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeadLetterGet_BadID(t *testing.T) {
	_, h := newDeadLetterFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/dead-letters/not-a-uuid", nil)
	req.SetPathValue("id", "not-a-uuid")
	rec := httptest.NewRecorder()
	h.Get(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeadLetterResolve(t *testing.T) {
	svc, h := newDeadLetterFixture(t)
	dl := capture(t, svc, model.ReasonBrokerPublishFailure, "urn:site-a")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/dead-letters/"+dl.ID.String()+"/resolve", nil)
	req.SetPathValue("id", dl.ID.String())
	rec := httptest.NewRecorder()
	h.Resolve(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var got model.DeadLetterEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Resolved)
	assert.NotNil(t, got.ResolvedAt)
}
