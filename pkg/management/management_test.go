package management

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.od2.network/jobgate/pkg/billing"
	"go.od2.network/jobgate/pkg/jobqueue"
	"go.od2.network/jobgate/pkg/jobqueue/memstore"
	"go.od2.network/jobgate/pkg/types"
	"go.uber.org/zap/zaptest"
)

type fakeSubmitter struct {
	events []*billing.Event
	mode   billing.Mode
}

func (f *fakeSubmitter) SubmitEvent(_ context.Context, event *billing.Event) (*billing.Receipt, error) {
	f.events = append(f.events, event)
	return &billing.Receipt{EventID: event.ID, Mode: f.mode}, nil
}

type fakeTiers map[string]types.Tier

func (f fakeTiers) HasTierAccess(_ context.Context, subjectID string, required types.Tier) (bool, error) {
	tier, ok := f[subjectID]
	return ok && tier.Includes(required), nil
}

func newTestHandler(t *testing.T) (*Handler, *jobqueue.Queue, *memstore.Store) {
	s := memstore.New()
	q := jobqueue.New(s, zaptest.NewLogger(t))
	h := &Handler{
		Queue:   q,
		Log:     zaptest.NewLogger(t),
		Events:  &fakeSubmitter{mode: billing.ModeQueued},
		Tiers:   fakeTiers{"pro-user": types.TierPro},
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("# metrics\n")) }),
	}
	return h, q, s
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Queues(t *testing.T) {
	h, q, s := newTestHandler(t)
	router := h.Router()
	_, err := q.Enqueue(context.Background(), "ingest", map[string]string{"trigger": "test"}, jobqueue.WithDedupKey("run-1"))
	require.NoError(t, err)

	rec := serve(router, http.MethodGet, "/queues/ingest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counts queueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	assert.Equal(t, "ingest", counts.Queue)
	assert.Equal(t, int64(1), counts.Counts[jobqueue.StateWaiting])

	rec = serve(router, http.MethodGet, "/queues/ingest/jobs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobqueue.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, "run-1", job.ID)
	assert.Equal(t, jobqueue.StateWaiting, job.State)

	rec = serve(router, http.MethodGet, "/queues/ingest/jobs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	s.SetUnavailable(true)
	rec = serve(router, http.MethodGet, "/queues/ingest", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_Healthz(t *testing.T) {
	h, _, _ := newTestHandler(t)
	rec := serve(h.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	h.Health = func(context.Context) error { return errors.New("redis down") }
	rec = serve(h.Router(), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded","error":"redis down"}`, rec.Body.String())

	rec = serve(h.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_Events(t *testing.T) {
	h, _, _ := newTestHandler(t)
	submitter := h.Events.(*fakeSubmitter)
	router := h.Router()

	rec := serve(router, http.MethodPost, "/events", `{"id":"evt_1","type":"invoice.payment_failed","data":{"object":{}}}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"event_id":"evt_1","mode":"queued"}`, rec.Body.String())
	require.Len(t, submitter.events, 1)
	assert.Equal(t, "invoice.payment_failed", submitter.events[0].Type)

	submitter.mode = billing.ModeInline
	rec = serve(router, http.MethodPost, "/events", `{"id":"evt_2","type":"invoice.payment_failed"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(router, http.MethodPost, "/events", `{"type":"invoice.payment_failed"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = serve(router, http.MethodPost, "/events", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, submitter.events, 2)
}

func TestHandler_TierAccess(t *testing.T) {
	h, _, _ := newTestHandler(t)
	router := h.Router()

	rec := serve(router, http.MethodGet, "/subjects/pro-user/access/starter", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subject":"pro-user","required":"STARTER","allowed":true}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/subjects/nobody/access/PRO", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"subject":"nobody","required":"PRO","allowed":false}`, rec.Body.String())

	rec = serve(router, http.MethodGet, "/subjects/nobody/access/gold", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
