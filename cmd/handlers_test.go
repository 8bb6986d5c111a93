package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/monitoring"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/pipeline"
	"github.com/sells-group/compete-cli/internal/store"
)

func postJSON(t *testing.T, h http.Handler, path string, body any, accept string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeNDJSON(t *testing.T, body []byte) []model.Envelope {
	t.Helper()
	var events []model.Envelope
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var env model.Envelope
		require.NoError(t, json.Unmarshal([]byte(line), &env), line)
		events = append(events, env)
	}
	require.NoError(t, sc.Err())
	return events
}

// analyzeRun streams a successful run and returns its id.
func analyzeRun(t *testing.T, s *server, h http.Handler, names ...string) string {
	t.Helper()
	rec := postJSON(t, h, "/api/analyze", testRequest(names...), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	id := rec.Header().Get("X-Run-ID")
	require.NotEmpty(t, id)
	return id
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	rec := get(t, s.routes(nil), "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServiceHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
		s.breakers.Get("jina")
		rec := get(t, s.routes(nil), "/health/services")

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "ok", body["store"])
		assert.Equal(t, []any{map[string]any{"service": "jina", "state": "closed", "failures": float64(0)}}, body["circuits"])
	})

	t.Run("collaborator down", func(t *testing.T) {
		a := &stubAnalyzer{preflightErr: eris.Wrap(pipeline.ErrPreflight, "ai: 401")}
		s := newTestServer(t, a, orchestrator.Config{})
		rec := get(t, s.routes(nil), "/health/services")

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), `"degraded"`)
		assert.Contains(t, rec.Body.String(), "ai: 401")
	})
}

func TestAnalyze_NDJSONStream(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{fail: map[string]bool{"Globex": true}}, orchestrator.Config{})
	h := s.routes(nil)

	rec := postJSON(t, h, "/api/analyze", testRequest("Acme", "Globex"), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	events := decodeNDJSON(t, rec.Body.Bytes())
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, model.EventComplete, last.Type)
	assert.Equal(t, 100.0, last.Progress)
	assert.Contains(t, last.Message, "1/2")

	var terminal []string
	for _, e := range events {
		if e.Type == model.EventCompetitorComplete || e.Type == model.EventCompetitorError {
			terminal = append(terminal, string(e.Type)+":"+e.Competitor)
		}
	}
	assert.Equal(t, []string{"competitor_complete:Acme", "competitor_error:Globex"}, terminal)

	run, err := s.store.GetRun(context.Background(), rec.Header().Get("X-Run-ID"))
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, 2, run.Result.Summary.TotalCompetitors)
	assert.Equal(t, 1, run.Result.Summary.SuccessfulAnalyses)
}

func TestAnalyze_SSEStream(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})

	rec := postJSON(t, s.routes(nil), "/api/analyze", testRequest("Acme"), "text/event-stream")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: progress\ndata: ")
	assert.Contains(t, body, "event: competitor_complete\n")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "}"))
	assert.Contains(t, body, "event: complete\n")
}

func TestAnalyze_ValidationErrors(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"competitors": [`},
		{"zero competitors", `{"competitors": []}`},
		{"missing name", `{"competitors": [{"website": "https://acme.io"}]}`},
		{"bad mode", `{"competitors": [{"name": "Acme"}], "options": {"mode": "turbo"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/analyze", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}

	runs, err := s.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected requests are not persisted")
}

func TestAnalyze_PreflightFailure(t *testing.T) {
	a := &stubAnalyzer{preflightErr: eris.Wrap(pipeline.ErrPreflight, "ai: 401")}
	s := newTestServer(t, a, orchestrator.Config{Preflight: true})

	rec := postJSON(t, s.routes(nil), "/api/analyze", testRequest("Acme"), "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "ai: 401")

	runs, err := s.store.ListRuns(context.Background(), store.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Error, "ai: 401")
}

func TestAnalyzeWebSocket(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	ts := httptest.NewServer(s.routes(nil))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/analyze/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	require.NoError(t, conn.WriteJSON(testRequest("Acme", "Globex")))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var events []model.Envelope
	for {
		var env model.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		events = append(events, env)
		if env.Type == model.EventComplete {
			break
		}
	}

	require.NotEmpty(t, events)
	assert.Equal(t, model.EventComplete, events[len(events)-1].Type)
	assert.Contains(t, events[len(events)-1].Message, "2/2")
}

func TestAnalyzeWebSocket_InvalidRequest(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	ts := httptest.NewServer(s.routes(nil))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/analyze/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close() //nolint:errcheck

	require.NoError(t, conn.WriteJSON(model.Request{}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var env model.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, model.EventError, env.Type)
	assert.Equal(t, float64(model.ProgressFailed), env.Progress)
	assert.Contains(t, env.Message, "at least one competitor")
}

func TestJobs_EnqueueAndProcess(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)

	rec := postJSON(t, h, "/api/jobs", testRequest("Acme", "Globex"), "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	id := accepted["id"]
	require.NotEmpty(t, id)
	assert.Equal(t, "queued", accepted["status"])

	rec = get(t, h, "/api/jobs/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	var status jobStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.RunStatusQueued, status.Status)
	assert.Nil(t, status.Summary)

	found, err := s.runs.processNext(context.Background())
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.runs.processNext(context.Background())
	require.NoError(t, err)
	assert.False(t, found, "queue is drained")

	rec = get(t, h, "/api/jobs/"+id)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, model.RunStatusComplete, status.Status)
	require.NotNil(t, status.Summary)
	assert.Equal(t, 2, status.Summary.SuccessfulAnalyses)
	assert.True(t, status.Summary.CostTargetMet)
}

func TestJobs_Validation(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})

	rec := postJSON(t, s.routes(nil), "/api/jobs", model.Request{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobs_NotFound(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})

	rec := get(t, s.routes(nil), "/api/jobs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"run not found"}`, rec.Body.String())
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)

	analyzeRun(t, s, h, "Acme")
	analyzeRun(t, s, h, "Globex", "Hooli")

	rec := get(t, h, "/api/runs?status=complete&competitor=hooli")
	require.Equal(t, http.StatusOK, rec.Code)

	var items []runListItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, []string{"Globex", "Hooli"}, items[0].Competitors)
	require.NotNil(t, items[0].Summary)
	assert.Equal(t, 2, items[0].Summary.TotalCompetitors)

	rec = get(t, h, "/api/runs?limit=1")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 1)
}

func TestListRuns_BadParams(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)

	for _, q := range []string{"limit=abc", "limit=0", "offset=-1", "since=yesterday"} {
		rec := get(t, h, "/api/runs?"+q)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)
	id := analyzeRun(t, s, h, "Acme")

	rec := get(t, h, "/api/runs/"+id)
	require.Equal(t, http.StatusOK, rec.Code)

	var run model.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, id, run.ID)
	require.NotNil(t, run.Result)
	require.Len(t, run.Result.Results, 1)
	assert.Equal(t, "Acme", run.Result.Results[0].Competitor.Name)

	rec = get(t, h, "/api/runs/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunReport(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)
	id := analyzeRun(t, s, h, "Acme", "Globex")

	t.Run("markdown", func(t *testing.T) {
		rec := get(t, h, "/api/runs/"+id+"/report")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/markdown; charset=utf-8", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.True(t, strings.HasPrefix(body, "# Acme"))
		assert.Contains(t, body, "\n\n---\n\n# Globex")
	})

	t.Run("one competitor", func(t *testing.T) {
		rec := get(t, h, "/api/runs/"+id+"/report?competitor=globex")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, rec.Body.String(), "Acme")
		assert.Contains(t, rec.Body.String(), "# Globex")
	})

	t.Run("html", func(t *testing.T) {
		rec := get(t, h, "/api/runs/"+id+"/report?format=html")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		body := rec.Body.String()
		assert.Contains(t, body, `<h1 id="acme">Acme</h1>`)
		assert.Contains(t, body, "<table>")
		assert.Contains(t, body, "<hr>")
	})

	t.Run("unknown competitor", func(t *testing.T) {
		rec := get(t, h, "/api/runs/"+id+"/report?competitor=initrode")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("bad format", func(t *testing.T) {
		rec := get(t, h, "/api/runs/"+id+"/report?format=pdf")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunReport_NoResultYet(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)

	rec := postJSON(t, h, "/api/jobs", testRequest("Acme"), "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	rec = get(t, h, "/api/runs/"+accepted["id"]+"/report")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "no results")
}

func TestMetrics(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes(nil)

	rec := get(t, h, "/api/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code, "no collector configured")

	s.collector = monitoring.NewCollector(s.store, s.breakers)
	h = s.routes(nil)
	analyzeRun(t, s, h, "Acme", "Globex")

	rec = get(t, h, "/api/metrics?lookback_hours=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 2, snap.CompetitorsAnalyzed)
	assert.Equal(t, 1, snap.LookbackHours)

	rec = get(t, h, "/api/metrics?lookback_hours=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, &stubAnalyzer{}, orchestrator.Config{})
	h := s.routes([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/api/analyze", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusForError(eris.Wrap(orchestrator.ErrInvalidRequest, "bad")))
	assert.Equal(t, http.StatusServiceUnavailable, statusForError(eris.Wrap(pipeline.ErrPreflight, "down")))
	assert.Equal(t, http.StatusInternalServerError, statusForError(eris.New("boom")))
}
