package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/cache"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/annel0/trial-replay/internal/timeseries"
	"github.com/annel0/trial-replay/internal/trial"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock не ждёт (block=false) или ждёт вечно до отмены (block=true).
type testClock struct{ block bool }

func (testClock) Now() time.Time { return time.UnixMilli(1_700_000_000_000) }

func (c testClock) After(time.Duration) <-chan time.Time {
	if c.block {
		return nil
	}
	ch := make(chan time.Time, 1)
	ch <- time.Time{}
	return ch
}

type envelope[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
}

func newTestServer(t *testing.T, clock replay.Clock) (*RestServer, *replay.Manager) {
	t.Helper()

	catalog := trial.NewMemoryCatalog()
	require.NoError(t, catalog.Put(trial.Trial{ID: 7, Name: "pump", StartTimestamp: 0, EndTimestamp: trial.Millis(3000)}))
	catalog.SetGlobalPoints([]trial.Point{{ID: 1, Identity: "A"}, {ID: 2, Identity: "B"}})

	series := timeseries.NewMemoryReader()
	series.Append("A", timeseries.Sample{Timestamp: 0, Value: "1"}, timeseries.Sample{Timestamp: 1000, Value: "2"})
	series.Append("B", timeseries.Sample{Timestamp: 500, Value: "x"})

	c := cache.NewMemoryCache(cache.DefaultOptions())
	builder := timeline.NewBuilder(series, c, timeline.NewPool(4))
	hub := broadcast.NewHub(16)
	m := replay.NewManager(catalog, c, builder, hub, replay.Config{Clock: clock})

	reg := prometheus.NewRegistry()
	rs := NewRestServer(Config{Manager: m, Hub: hub, Registerer: reg, Gatherer: reg})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
		hub.Close()
	})
	return rs, m
}

func do(t *testing.T, rs *RestServer, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	rs.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func TestHistoryEndpoint(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})

	w := do(t, rs, http.MethodGet, "/trial/7/history_data", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env := decode[timeline.Timeline](t, w)
	assert.Equal(t, 200, env.Code)
	assert.Equal(t, "success", env.Message)
	assert.Equal(t, int64(7), env.Data.TrialID)
	assert.Equal(t, []timeline.Entry{
		{Timestamp: 0, Points: map[string]string{"A": "1"}},
		{Timestamp: 500, Points: map[string]string{"B": "x"}},
		{Timestamp: 1000, Points: map[string]string{"A": "2"}},
	}, env.Data.Entries)
}

func TestHistoryEndpoint_Errors(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})

	w := do(t, rs, http.MethodGet, "/trial/abc/history_data", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 400, decode[any](t, w).Code)

	w = do(t, rs, http.MethodGet, "/trial/404/history_data", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, decode[any](t, w).Message, "trial not found")
}

func TestStartReplayEndpoint(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})

	w := do(t, rs, http.MethodPost, "/trial/7/history_data?rate=2", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	env := decode[StartReplayResponse](t, w)
	assert.Regexp(t, `^1700000000000-7-[0-9a-f]{8}$`, env.Data.SubscriberID)
	assert.Equal(t, "trial.history."+env.Data.SubscriberID, env.Data.Topic)
	assert.Equal(t, 2.0, env.Data.Rate)
	assert.Equal(t, 3, env.Data.Entries)

	w = do(t, rs, http.MethodPost, "/trial/7/history_data?rate=fast", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSessionControlEndpoints(t *testing.T) {
	rs, m := newTestServer(t, testClock{block: true})

	w := do(t, rs, http.MethodPost, "/trial/7/history_data", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	id := decode[StartReplayResponse](t, w).Data.SubscriberID

	w = do(t, rs, http.MethodPut, "/trial/history_data/"+id+"/rate", `{"rate": 3}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3.0, decode[map[string]any](t, w).Data["rate"])

	w = do(t, rs, http.MethodPut, "/trial/history_data/"+id+"/rate?rate=-1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1.0, decode[map[string]any](t, w).Data["rate"])

	w = do(t, rs, http.MethodPut, "/trial/history_data/"+id+"/rate", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, rs, http.MethodPut, "/trial/history_data/unknown/rate", `{"rate": 2}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, rs, http.MethodGet, "/trial/history_data", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Sessions []replay.Snapshot `json:"sessions"`
		Total    int               `json:"total"`
	}](t, w)
	require.Equal(t, 1, list.Data.Total)
	assert.Equal(t, id, list.Data.Sessions[0].SubscriberID)

	w = do(t, rs, http.MethodDelete, "/trial/history_data/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)

	assert.Eventually(t, func() bool {
		_, ok := m.Session(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
	w = do(t, rs, http.MethodDelete, "/trial/history_data/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCacheEndpoints(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})

	require.Equal(t, http.StatusOK, do(t, rs, http.MethodGet, "/trial/7/history_data", "").Code)

	w := do(t, rs, http.MethodDelete, "/trial/7/history_cache", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, rs, http.MethodGet, "/trial/history_cache/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[cache.Stats](t, w).Data
	assert.Equal(t, int64(1), stats.Invalidations)
	assert.Equal(t, int64(1), stats.Puts)
	assert.Equal(t, 0, stats.Size)
}

func TestReplayStreamEndpoint(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})
	srv := httptest.NewServer(rs.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/trial/7/history_stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	id := resp.Header.Get("X-Subscriber-Id")
	require.NotEmpty(t, id)

	var got []broadcast.Message
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var msg broadcast.Message
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &msg))
		got = append(got, msg)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, got, 4)
	stamps := make([]int64, len(got))
	for i, msg := range got {
		stamps[i] = msg.Data.Timestamp
		assert.Equal(t, id, msg.Data.SubscribeID)
	}
	assert.Equal(t, []int64{0, 500, 1000, -1}, stamps)
	assert.Equal(t, map[string]string{"B": "x"}, got[1].Data.PointsData)
}

func TestSubscriberStream_Unknown(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})

	w := do(t, rs, http.MethodGet, "/trial/history_data/nobody/stream", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthEndpoint(t *testing.T) {
	rs, _ := newTestServer(t, testClock{})

	w := do(t, rs, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	report := decode[HealthReport](t, w).Data
	assert.Equal(t, "ok", report.Status)
	assert.Positive(t, report.Goroutines)

	w = do(t, rs, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(replay.ErrTrialNotFound))
	assert.Equal(t, http.StatusNotFound, statusFor(replay.ErrSessionNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(replay.ErrSessionExists))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(replay.ErrShuttingDown))
	assert.Equal(t, http.StatusInternalServerError, statusFor(timeline.ErrQueryFailure))
}
