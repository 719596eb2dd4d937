package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphc/cce-collector/internal/broker"
	"github.com/openphc/cce-collector/internal/deadletter"
	"github.com/openphc/cce-collector/internal/dedup"
	"github.com/openphc/cce-collector/internal/fhir"
	"github.com/openphc/cce-collector/internal/handlers"
	"github.com/openphc/cce-collector/internal/publisher"
	"github.com/openphc/cce-collector/internal/repository"
	"github.com/openphc/cce-collector/internal/service"
	"github.com/openphc/cce-collector/internal/sources"
)

// nopBroker accepts every publish.
type nopBroker struct{ seq int64 }

func (b *nopBroker) Publish(_ context.Context, subjectKey string, _ []byte) (broker.Ack, error) {
	b.seq++
	return broker.Ack{Topic: "cce.events.inbound." + broker.SubjectToken(subjectKey), Offset: b.seq}, nil
}

func (b *nopBroker) Close() error { return nil }

func testRouter(t *testing.T) http.Handler {
	t.Helper()

	repo := repository.NewInMemoryRepository()
	pub := publisher.New(&nopBroker{}, repo, publisher.DefaultConfig(), nil)
	dlq := deadletter.NewService(repo, nil)
	dd := dedup.New(nil, repo, dedup.DefaultConfig(), nil)
	gate := fhir.NewGate(fhir.StructuralValidator{}, fhir.GateConfig{Enabled: true}, nil)
	src := sources.NewService(repo)
	ingestor := service.NewIngestor(repo, dd, gate, pub, dlq, service.Config{Topic: "cce.events.inbound"}, nil)

	return NewRouter(
		handlers.NewEventHandler(ingestor, src, dlq, 1<<20, false, nil),
		handlers.NewDeadLetterHandler(dlq),
		handlers.NewSourceHandler(src),
		handlers.NewHealthHandler(nil),
	)
}

func TestRouter_Routes(t *testing.T) {
	router := testRouter(t)

	tests := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodPost, "/api/v1/events", `{
			"specversion": "1.0", "id": "evt-001", "source": "urn:site-a",
			"type": "cce.observation.created", "subject": "upid-1",
			"data": {"resourceType": "Observation"}
		}`, http.StatusAccepted},
		{http.MethodGet, "/api/v1/dead-letters", "", http.StatusOK},
		{http.MethodGet, "/api/v1/sources", "", http.StatusOK},
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodGet, "/api/v1/events", "", http.StatusMethodNotAllowed},
		{http.MethodGet, "/nope", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			} else {
				req = httptest.NewRequest(tt.method, tt.path, nil)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRouter_RequestIDHeader(t *testing.T) {
	router := testRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRouter_PathValueRouting(t *testing.T) {
	router := testRouter(t)

	// Register a source through the API, then fetch it by id via the
	// pattern route.
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/sources",
		strings.NewReader(`{"sourceUri": "urn:site-a"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)

	var reg struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sources/"+reg.ID, nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
