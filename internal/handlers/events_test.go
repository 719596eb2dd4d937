package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphc/cce-collector/internal/broker"
	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/dedup"
	"github.com/openphc/cce-collector/internal/fhir"
	"github.com/openphc/cce-collector/internal/model"
	"github.com/openphc/cce-collector/internal/publisher"
	"github.com/openphc/cce-collector/internal/repository"
	"github.com/openphc/cce-collector/internal/service"
	"github.com/openphc/cce-collector/internal/sources"
)

type stubBroker struct {
	mu   sync.Mutex
	fail bool
	seq  int64
}

func (s *stubBroker) Publish(_ context.Context, subjectKey string, _ []byte) (broker.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return broker.Ack{}, errors.New("broker unavailable")
	}
	s.seq++
	return broker.Ack{Topic: "cce.events.inbound." + broker.SubjectToken(subjectKey), Offset: s.seq}, nil
}

func (s *stubBroker) Close() error { return nil }

type fixture struct {
	repo    *repository.InMemoryRepository
	broker  *stubBroker
	dlq     *deadletter.Service
	sources *sources.Service
	handler *EventHandler
}

func newFixture(t *testing.T, maxEventSize int, requireRegistered bool) *fixture {
	t.Helper()

	repo := repository.NewInMemoryRepository()
	b := &stubBroker{}
	pub := publisher.New(b, repo, publisher.DefaultConfig(), nil)
	dlq := deadletter.NewService(repo, nil)
	dd := dedup.New(nil, repo, dedup.DefaultConfig(), nil)
	gate := fhir.NewGate(fhir.StructuralValidator{}, fhir.GateConfig{Enabled: true}, nil)
	src := sources.NewService(repo)

	ingestor := service.NewIngestor(repo, dd, gate, pub, dlq, service.Config{
		Topic:    "cce.events.inbound",
		MaxBatch: 3,
	}, nil)

	return &fixture{
		repo:    repo,
		broker:  b,
		dlq:     dlq,
		sources: src,
		handler: NewEventHandler(ingestor, src, dlq, maxEventSize, requireRegistered, nil),
	}
}

func envelopeJSON(id string) string {
	return fmt.Sprintf(`{
		"specversion": "1.0",
		"id": %q,
		"source": "urn:openphc:ehr:site-a",
		"type": "cce.observation.created",
		"subject": "upid-12345",
		"datacontenttype": "application/fhir+json",
		"data": {"resourceType": "Observation", "status": "final"}
	}`, id)
}

func postEvent(h *EventHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleIngest(rec, req)
	return rec
}

func TestHandleIngest_Accepted(t *testing.T) {
	f := newFixture(t, 1<<20, false)

	rec := postEvent(f.handler, envelopeJSON("evt-001"))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp model.IngestionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "evt-001", resp.EventID)
	assert.Equal(t, model.StatusAccepted, resp.Status)
	assert.Equal(t, "cce.events.inbound", resp.PublishedTopic)
	assert.NotEmpty(t, resp.CorrelationID)
}

func TestHandleIngest_DuplicateReturns200(t *testing.T) {
	f := newFixture(t, 1<<20, false)

	require.Equal(t, http.StatusAccepted, postEvent(f.handler, envelopeJSON("evt-001")).Code)

	rec := postEvent(f.handler, envelopeJSON("evt-001"))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp model.IngestionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusDuplicate, resp.Status)
}

func TestHandleIngest_InvalidEnvelope(t *testing.T) {
	f := newFixture(t, 1<<20, false)

	body := `{"specversion": "1.0", "id": "evt-001", "source": "urn:site-a", "type": "cce.observation.created", "data": {"resourceType": "Observation"}}`
	rec := postEvent(f.handler, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp model.IngestionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, model.StatusRejected, resp.Status)
	assert.Equal(t, string(model.ReasonMissingSubject), resp.Reason)
}

func TestHandleIngest_MalformedJSON(t *testing.T) {
	f := newFixture(t, 1<<20, false)

	rec := postEvent(f.handler, `{"specversion": "1.0",`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp model.IngestionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(model.ReasonDeserializationError), resp.Reason)

	// The undecodable body is dead-lettered verbatim.
	_, total, err := f.repo.ListDeadLetters(context.Background(),
		repository.DeadLetterFilter{Reason: model.ReasonDeserializationError}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestHandleIngest_PayloadTooLarge(t *testing.T) {
	f := newFixture(t, 256, false)

	big := envelopeJSON("evt-001")[:200] + strings.Repeat("x", 300)
	rec := postEvent(f.handler, big)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var resp model.IngestionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(model.ReasonPayloadTooLarge), resp.Reason)

	_, total, err := f.repo.ListDeadLetters(context.Background(),
		repository.DeadLetterFilter{Reason: model.ReasonPayloadTooLarge}, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestHandleIngest_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, 1<<20, false)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	rec := httptest.NewRecorder()
	f.handler.HandleIngest(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleIngest_RegisteredSourceGate(t *testing.T) {
	f := newFixture(t, 1<<20, true)
	ctx := context.Background()

	rec := postEvent(f.handler, envelopeJSON("evt-001"))
	assert.Equal(t, http.StatusForbidden, rec.Code, "unregistered source rejected")

	_, err := f.sources.Register(ctx, "urn:openphc:ehr:site-a", "Site A", "", "", nil)
	require.NoError(t, err)

	rec = postEvent(f.handler, envelopeJSON("evt-002"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestHandleIngest_BrokerDownStillAccepts(t *testing.T) {
	f := newFixture(t, 1<<20, false)
	f.broker.fail = true

	rec := postEvent(f.handler, envelopeJSON("evt-001"))
	assert.Equal(t, http.StatusAccepted, rec.Code,
		"durably recorded events are accepted even when the broker is down")
}

func postBatch(h *EventHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events/batch", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.HandleBatch(rec, req)
	return rec
}

func TestHandleBatch(t *testing.T) {
	f := newFixture(t, 1<<20, false)

	bad := `{"specversion": "1.0", "id": "evt-bad", "source": "urn:site-a", "type": "t", "subject": "", "data": {"x": 1}}`
	body := "[" + envelopeJSON("evt-001") + "," + envelopeJSON("evt-002") + "," + bad + "]"

	rec := postBatch(f.handler, body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp model.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 3)
}

func TestHandleBatch_RegisteredSourceGatePerItem(t *testing.T) {
	f := newFixture(t, 1<<20, true)
	ctx := context.Background()

	_, err := f.sources.Register(ctx, "urn:openphc:ehr:site-a", "Site A", "", "", nil)
	require.NoError(t, err)

	unregistered := `{
		"specversion": "1.0",
		"id": "evt-unreg",
		"source": "urn:openphc:ehr:site-b",
		"type": "cce.observation.created",
		"subject": "upid-67890",
		"datacontenttype": "application/fhir+json",
		"data": {"resourceType": "Observation", "status": "final"}
	}`
	body := "[" + unregistered + "," + envelopeJSON("evt-001") + "]"

	rec := postBatch(f.handler, body)
	require.Equal(t, http.StatusAccepted, rec.Code,
		"an unregistered source rejects that item, not the batch")

	var resp model.BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, "evt-unreg", resp.Results[0].EventID)
	assert.Equal(t, model.StatusRejected, resp.Results[0].Status)
	assert.Contains(t, resp.Results[0].Details, "not registered")
	assert.Equal(t, "evt-001", resp.Results[1].EventID)
	assert.Equal(t, model.StatusAccepted, resp.Results[1].Status)
}

func TestHandleBatch_TooManyEvents(t *testing.T) {
	f := newFixture(t, 1<<20, false) // MaxBatch is 3 in the fixture

	var items []string
	for i := 0; i < 4; i++ {
		items = append(items, envelopeJSON(fmt.Sprintf("evt-%03d", i)))
	}
	rec := postBatch(f.handler, "["+strings.Join(items, ",")+"]")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleBatch_Empty(t *testing.T) {
	f := newFixture(t, 1<<20, false)
	assert.Equal(t, http.StatusBadRequest, postBatch(f.handler, "[]").Code)
}

func TestHandleBatch_MalformedJSON(t *testing.T) {
	f := newFixture(t, 1<<20, false)
	rec := postBatch(f.handler, `{"not": "an array"`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
