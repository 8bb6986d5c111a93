package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sells-group/compete-cli/internal/model"
	"github.com/sells-group/compete-cli/internal/monitoring"
	"github.com/sells-group/compete-cli/internal/orchestrator"
	"github.com/sells-group/compete-cli/internal/pipeline"
	"github.com/sells-group/compete-cli/internal/progress"
	"github.com/sells-group/compete-cli/internal/resilience"
	"github.com/sells-group/compete-cli/internal/store"
)

const (
	wsWriteTimeout   = 10 * time.Second
	maxRequestBytes  = 1 << 20
	defaultListLimit = 50
)

// preflightFunc health-checks the analysis collaborators.
type preflightFunc func(ctx context.Context) ([]pipeline.ServiceCheck, error)

// server holds the HTTP handlers' dependencies.
type server struct {
	runs          *runService
	store         store.Store
	preflight     preflightFunc
	breakers      *resilience.ServiceBreakers
	collector     *monitoring.Collector
	lookbackHours int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *server) routes(corsOrigins []string) http.Handler {
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/services", s.handleServiceHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/analyze/ws", s.handleAnalyzeWS)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleJobStatus)

		r.Get("/runs", s.handleListRuns)
		r.Get("/runs/{id}", s.handleGetRun)
		r.Get("/runs/{id}/report", s.handleRunReport)

		r.Get("/metrics", s.handleMetrics)
	})
	return r
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status   string                     `json:"status"`
		Store    string                     `json:"store"`
		Services []pipeline.ServiceCheck    `json:"services,omitempty"`
		Circuits []resilience.BreakerStatus `json:"circuits,omitempty"`
	}{Status: "ok", Store: "ok"}

	status := http.StatusOK
	if err := s.store.Ping(r.Context()); err != nil {
		resp.Store = err.Error()
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	if s.preflight != nil {
		checks, err := s.preflight(r.Context())
		resp.Services = checks
		if err != nil {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	if s.breakers != nil {
		resp.Circuits = s.breakers.Snapshot()
	}
	writeJSON(w, status, resp)
}

// handleAnalyze streams a run's events in the response body: server-sent
// events when the client accepts text/event-stream, NDJSON otherwise.
// Setup errors are reported as a JSON error before any stream bytes.
func (s *server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}

	run, err := s.runs.start(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}

	w.Header().Set("X-Run-ID", run.ID())
	var sink progress.Sink
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		sink = progress.NewSSESink(w)
		w.WriteHeader(http.StatusOK)
	} else {
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		sink = progress.NewNDJSONSink(w)
	}

	s.runs.execute(r.Context(), run, sink)
}

// handleAnalyzeWS runs one analysis over a websocket. The first client
// message is the request; every event is then sent as one JSON text frame.
// The connection closing detaches the stream but the run continues.
func (s *server) handleAnalyzeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		zap.L().Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close() //nolint:errcheck

	var req model.Request
	if err := conn.ReadJSON(&req); err != nil {
		writeWSError(conn, "invalid request: "+err.Error())
		return
	}

	run, err := s.runs.start(r.Context(), req)
	if err != nil {
		writeWSError(conn, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		// Any read error means the client went away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	s.runs.execute(ctx, run, progress.NewWebSocketSink(conn, wsWriteTimeout))

	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"), deadline)
}

func (s *server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest(w, r)
	if !ok {
		return
	}
	rec, err := s.runs.enqueue(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     rec.ID,
		"status": string(rec.Status),
	})
}

// jobStatus is the polling view of a queued or finished run.
type jobStatus struct {
	ID        string          `json:"id"`
	Status    model.RunStatus `json:"status"`
	Summary   *model.Summary  `json:"summary,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

func newJobStatus(run *model.Run) jobStatus {
	js := jobStatus{
		ID:        run.ID,
		Status:    run.Status,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if run.Result != nil {
		summary := run.Result.Summary
		js.Summary = &summary
	}
	return js
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, newJobStatus(run))
}

// runListItem is one row of the run list.
type runListItem struct {
	jobStatus
	Competitors []string `json:"competitors"`
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Status:     model.RunStatus(q.Get("status")),
		Competitor: q.Get("competitor"),
		Limit:      defaultListLimit,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be a duration such as 24h")
			return
		}
		filter.CreatedAfter = time.Now().Add(-d)
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	items := make([]runListItem, 0, len(runs))
	for i := range runs {
		names := make([]string, 0, len(runs[i].Request.Competitors))
		for _, c := range runs[i].Request.Competitors {
			names = append(names, c.Name)
		}
		items = append(items, runListItem{jobStatus: newJobStatus(&runs[i]), Competitors: names})
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunReport returns the stored reports of a run as markdown, or as
// HTML with ?format=html. ?competitor= narrows it to one competitor.
func (s *server) handleRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	if run.Result == nil {
		writeError(w, http.StatusNotFound, "run has no results yet")
		return
	}

	md, found := combinedReport(run.Result.Results, r.URL.Query().Get("competitor"))
	if !found {
		writeError(w, http.StatusNotFound, "no report found")
		return
	}

	switch r.URL.Query().Get("format") {
	case "", "markdown", "md":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(md))
	case "html":
		body, err := renderHTML(md)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(body))
	default:
		writeError(w, http.StatusBadRequest, "format must be markdown or html")
	}
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotFound, "metrics are not enabled")
		return
	}
	lookback := s.lookbackHours
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "lookback_hours must be a positive integer")
			return
		}
		lookback = n
	}
	if lookback <= 0 {
		lookback = 24
	}

	snap, err := s.collector.Collect(r.Context(), lookback)
	if err != nil {
		zap.L().Error("collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		zap.L().Error("get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return nil, false
	}
	return run, true
}

func decodeRequest(w http.ResponseWriter, r *http.Request) (model.Request, bool) {
	var req model.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// statusForError maps setup errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrPreflight):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeWSError(conn *websocket.Conn, msg string) {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	_ = conn.WriteJSON(model.Envelope{
		Type:      model.EventError,
		Progress:  model.ProgressFailed,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
