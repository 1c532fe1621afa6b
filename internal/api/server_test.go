package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyledger/internal/config"
	"notifyledger/internal/engine"
	"notifyledger/internal/metrics"
	"notifyledger/internal/model"
	"notifyledger/internal/results"
	"notifyledger/internal/storage"
	"notifyledger/internal/stream"
)

var apiClock = time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storage.Store
	cfg     *config.Manager
	metrics *metrics.Store
	results *results.Store
	hub     *stream.Hub[model.Outcome]
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "api.db") + "?_pragma=busy_timeout(5000)"
	store, err := storage.NewStore(config.StorageConfig{Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	t.Cleanup(func() { _ = store.Close() })

	cfg := config.NewStaticManager(config.DefaultConfig())
	f := &fixture{
		store:   store,
		cfg:     cfg,
		metrics: metrics.NewStore(10),
		results: results.NewStore(10),
		hub:     stream.NewHub[model.Outcome](),
	}
	eng := engine.NewEngine(cfg.Get(), store.Policies, store.Ledger, store.Queue, nil, nil)
	f.handler = NewHandler(Deps{
		Config:   cfg,
		Policies: store.Policies,
		Ledger:   store.Ledger,
		Queue:    store.Queue,
		Metrics:  f.metrics,
		Results:  f.results,
		Engine:   eng,
		Version:  "test",
		Outcomes: f.hub.Subscribe,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, "sqlite", body["storage"])
	ingest := body["ingest"].(map[string]any)
	assert.Equal(t, true, ingest["rest"])
	assert.Equal(t, false, ingest["udp"])
}

func TestPolicyLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/policies/bank1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["configured"])
	assert.EqualValues(t, model.ModeSuggest, body["policy"].(map[string]any)["mode"])

	rec = f.do(t, http.MethodPatch, "/policies/bank1", `{"mode":"automatic","confidence_threshold":0.6,"blacklist":["refund"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.Policies.Get(context.Background(), "bank1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, model.ModeAutomatic, stored.Mode)
	assert.InDelta(t, 0.6, stored.ConfidenceThreshold, 1e-9)
	assert.Equal(t, []string{"refund"}, stored.Blacklist)
	assert.Equal(t, model.DefaultAmountWindowSeconds, stored.AmountWindowSeconds)

	rec = f.do(t, http.MethodPatch, "/policies/bank1", `{"mode":"sometimes"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPatch, "/policies/bank1", `{"confidence_threshold":1.5}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/policies", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodDelete, "/policies/bank1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodDelete, "/policies/bank1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPutPolicyValidates(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/policies/bank2", `{"mode":2,"confidence_threshold":0.7,"amount_window_seconds":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, "/policies/bank2", `{"app_id":"ignored","mode":2,"confidence_threshold":0.7,"amount_window_seconds":120}`)
	require.Equal(t, http.StatusOK, rec.Code)
	policy := decode(t, rec)["policy"].(map[string]any)
	assert.Equal(t, "bank2", policy["app_id"])
	assert.EqualValues(t, 120, policy["amount_window_seconds"])

	rec = f.do(t, http.MethodPost, "/policies/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["reset"])
}

func TestLedgerEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, pkg := range []string{"bank1", "bank1", "wallet"} {
		_, err := f.store.Ledger.InsertIfAbsent(ctx, model.DedupRecord{
			EventKey:    string(rune('a' + i)),
			PackageName: pkg,
			PostTime:    apiClock,
			AmountCents: 100,
			CreatedAt:   apiClock,
		})
		require.NoError(t, err)
	}

	rec := f.do(t, http.MethodGet, "/ledger/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["total"])
	assert.Len(t, body["packages"], 2)

	rec = f.do(t, http.MethodDelete, "/ledger/packages/bank1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["deleted"])

	rec = f.do(t, http.MethodDelete, "/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["deleted"])
}

func TestQueueEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Queue.Insert(ctx, model.QueueEntry{
		ID:           "e1",
		Type:         engine.ConfirmType,
		SourceModule: "bank1",
		SourceID:     "n-1",
		ScheduledAt:  apiClock,
		Title:        "Confirm",
		Message:      "12.00",
		CreatedAt:    apiClock,
	}))
	require.NoError(t, f.store.Queue.Insert(ctx, model.QueueEntry{
		ID:           "e2",
		Type:         engine.ConfirmType,
		SourceModule: "bank1",
		SourceID:     "n-2",
		ScheduledAt:  apiClock,
		CreatedAt:    apiClock,
	}))

	rec := f.do(t, http.MethodGet, "/queue/e1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PENDING", decode(t, rec)["status"])
	rec = f.do(t, http.MethodGet, "/queue/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/queue/e1/cancel", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/queue/e1/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/candidates/cancel", `{"source_app":"bank1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/candidates/cancel", `{"source_app":"bank1","candidate_id":"n-2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["cancelled"])

	rec = f.do(t, http.MethodGet, "/queue?status=cancelled", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/status", "")
	queue := decode(t, rec)["queue"].(map[string]any)
	assert.EqualValues(t, 2, queue["CANCELLED"])
}

func TestResultsAndMetrics(t *testing.T) {
	f := newFixture(t)
	queued := model.Outcome{Disposition: model.DispositionQueued, Candidate: model.Candidate{SourceApp: "bank1"}, At: apiClock}
	dup := model.Outcome{Disposition: model.DispositionDuplicate, Reason: engine.ReasonKeyExists, Candidate: model.Candidate{SourceApp: "bank1"}, At: apiClock.Add(time.Minute)}
	for _, out := range []model.Outcome{queued, dup} {
		f.results.Add(out)
		f.metrics.Record(out)
	}

	rec := f.do(t, http.MethodGet, "/results?disposition=duplicate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/results?since="+apiClock.Add(30*time.Second).Format(time.RFC3339), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/results?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics/bank1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 1, body["queued"])
	assert.EqualValues(t, 1, body["duplicate"])

	rec = f.do(t, http.MethodGet, "/metrics/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/clear", `{"target":"metrics"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.metrics.GetAll())
	assert.Equal(t, 2, f.results.Len())

	rec = f.do(t, http.MethodPost, "/admin/clear", `{"target":"everything"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/clear", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 2, f.results.Len())

	rec = f.do(t, http.MethodPost, "/admin/clear", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.results.Len())
}

func TestUpdateFilters(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/config/filters", `{"blocked_packages":[" com.shop.app ",""],"order_keywords":["shipped"],"payment_keywords":["paid"],"skip_group_summaries":false}`)
	require.Equal(t, http.StatusOK, rec.Code)

	filters := f.cfg.Get().Engine.Filters
	assert.Equal(t, []string{"com.shop.app"}, filters.BlockedPackages)
	assert.False(t, filters.SkipGroupSummaries)

	rec = f.do(t, http.MethodGet, "/config/filters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode(t, rec)["filters"].(map[string]any)
	assert.Equal(t, []any{"shipped"}, got["order_keywords"])

	rec = f.do(t, http.MethodPost, "/config/filters", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMethodRouting(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/status", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// nextEvent reads one server-sent event and returns its name and data.
func nextEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return name, data
		}
	}
}

func openStream(t *testing.T, srv *httptest.Server, path string) *bufio.Reader {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return bufio.NewReader(resp.Body)
}

func TestQueueStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)
	r := openStream(t, srv, "/queue/stream?limit=5")

	name, data := nextEvent(t, r)
	assert.Equal(t, "queue", name)
	assert.Equal(t, "[]", data)

	require.NoError(t, f.store.Queue.Insert(context.Background(), model.QueueEntry{
		ID:           "e1",
		Type:         engine.ConfirmType,
		SourceModule: "bank1",
		SourceID:     "n-1",
		ScheduledAt:  apiClock,
		CreatedAt:    apiClock,
	}))
	_, data = nextEvent(t, r)
	var list []model.QueueEntry
	require.NoError(t, json.Unmarshal([]byte(data), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "e1", list[0].ID)
}

func TestResultsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)
	r := openStream(t, srv, "/results/stream")

	require.Eventually(t, func() bool { return f.hub.Len() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Publish(model.Outcome{Disposition: model.DispositionAutoCommit, EventKey: "k1", At: apiClock})

	name, data := nextEvent(t, r)
	assert.Equal(t, "outcome", name)
	var out model.Outcome
	require.NoError(t, json.Unmarshal([]byte(data), &out))
	assert.Equal(t, "k1", out.EventKey)
}
