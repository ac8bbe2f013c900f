package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorddemonos/killfeed/internal/activity"
	"github.com/lorddemonos/killfeed/internal/aggregator"
	"github.com/lorddemonos/killfeed/internal/model"
)

type staticTargets struct {
	targets []model.TrackedTarget
	err     error
}

func (s staticTargets) All(context.Context) ([]model.TrackedTarget, error) {
	return s.targets, s.err
}

func newTestServer(t *testing.T, targets TargetLister) (*Server, *activity.Hub) {
	t.Helper()
	h := activity.New(10)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Start(ctx)

	agg := aggregator.New(h.Subscribe(), h.Dropped, func() (string, string) { return "/logs/eqlog_Soandso_pq.proj.txt", "Soandso" })
	go agg.Start(ctx)

	return New(h, agg, targets, "127.0.0.1:0"), h
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "Soandso", body["character"])
}

func TestActivityEndpoint(t *testing.T) {
	s, h := newTestServer(t, nil)

	h.Record(model.Activity{Status: model.StatusPosted, Event: model.KillEvent{Target: "Severilous"}})
	h.Record(model.Activity{Status: model.StatusBufferedDuplicate, Event: model.KillEvent{Target: "Severilous"}})
	h.Record(model.Activity{Status: model.StatusCancelled, Event: model.KillEvent{Target: "Thall Va Xakra"}})
	require.Eventually(t, func() bool { return len(h.Recent(0)) == 3 }, time.Second, 5*time.Millisecond)

	var body struct {
		Entries []model.Activity `json:"entries"`
	}

	rec := get(t, s, "/api/activity?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 2)
	assert.Equal(t, model.StatusCancelled, body.Entries[1].Status)

	rec = get(t, s, "/api/activity?status=posted")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Entries, 1)
	assert.Equal(t, "Severilous", body.Entries[0].Event.Target)

	rec = get(t, s, "/api/activity?limit=abc")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTargetsEndpoint(t *testing.T) {
	killed := time.Date(2026, 2, 7, 17, 0, 0, 0, time.UTC)
	hours := 72.0
	s, _ := newTestServer(t, staticTargets{targets: []model.TrackedTarget{
		{ID: "severilous|", Name: "Severilous", Location: "The Emerald Jungle", Enabled: true, KillCount: 2, LastKilledAt: &killed, RespawnHours: &hours},
	}})

	rec := get(t, s, "/api/targets")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"next_respawn":"2026-02-10T17:00:00Z"`)
	assert.Contains(t, rec.Body.String(), `"kill_count":2`)
}

func TestTargetsEndpointErrors(t *testing.T) {
	s, _ := newTestServer(t, nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/api/targets").Code)

	s, _ = newTestServer(t, staticTargets{err: errors.New("db closed")})
	assert.Equal(t, http.StatusInternalServerError, get(t, s, "/api/targets").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestWebSocketStream(t *testing.T) {
	s, h := newTestServer(t, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The subscription is registered once the upgrade completes; retry the
	// record until the client sees it.
	got := make(chan model.Activity, 1)
	go func() {
		var a model.Activity
		if err := conn.ReadJSON(&a); err == nil {
			got <- a
		}
	}()

	deadline := time.After(2 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case a := <-got:
			assert.Equal(t, "Severilous", a.Event.Target)
			return
		case <-tick.C:
			h.Record(model.Activity{Status: model.StatusPosted, Event: model.KillEvent{Target: "Severilous"}})
		case <-deadline:
			t.Fatal("no activity received over websocket")
		}
	}
}
