package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gyaneshwarpardhi/reactsink/internal/event"
	"github.com/gyaneshwarpardhi/reactsink/internal/ingest"
	"github.com/gyaneshwarpardhi/reactsink/internal/metrics"
	"github.com/gyaneshwarpardhi/reactsink/internal/plugin"
	"github.com/gyaneshwarpardhi/reactsink/internal/repo"
	"github.com/gyaneshwarpardhi/reactsink/internal/sink"
)

const maxBatchSize = 100

// Handler holds all HTTP handler dependencies.
type Handler struct {
	coord    *sink.Coordinator
	listener *ingest.Listener
	registry *plugin.Registry
	repo     repo.Client
	mux      *http.ServeMux
}

// New creates the HTTP handler and registers all routes: the worker ingest
// socket, HTTP event ingestion for webhook-driven checks, and the ops
// surface.
func New(coord *sink.Coordinator, listener *ingest.Listener, reg *plugin.Registry, rc repo.Client) http.Handler {
	h := &Handler{coord: coord, listener: listener, registry: reg, repo: rc, mux: http.NewServeMux()}

	h.mux.Handle("GET /v1/ingest", listener)
	h.mux.HandleFunc("POST /v1/events", h.ingestEvent)
	h.mux.HandleFunc("POST /v1/events/batch", h.ingestBatch)
	h.mux.HandleFunc("GET /v1/reactions/{id}/runs", h.listRuns)
	h.mux.HandleFunc("GET /v1/rtypes", h.listRTypes)
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return loggingMiddleware(h.mux)
}

// POST /v1/events — synchronous single-event ingestion, used by
// webhook-driven checks that want the dispatch result back.
func (h *Handler) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.HealthEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if err := ev.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	ev.ReceivedAt = time.Now()
	metrics.EventsReceived.Inc()

	res, err := h.coord.ProcessSync(r.Context(), &ev)
	if err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /v1/events/batch — async batch ingestion (up to 100 events).
func (h *Handler) ingestBatch(w http.ResponseWriter, r *http.Request) {
	var events []*event.HealthEvent
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err))
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusBadRequest, "batch must contain at least one event")
		return
	}
	if len(events) > maxBatchSize {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(events), maxBatchSize))
		return
	}

	now := time.Now()
	jobID := uuid.New().String()
	queued, invalid := 0, 0
	for _, ev := range events {
		if err := ev.Validate(); err != nil {
			metrics.EventsInvalid.Inc()
			invalid++
			continue
		}
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
		ev.ReceivedAt = now
		metrics.EventsReceived.Inc()
		if h.coord.Submit(ev) {
			queued++
		}
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":   jobID,
		"total":    len(events),
		"queued":   queued,
		"invalid":  invalid,
		"rejected": len(events) - queued - invalid,
	})
}

// GET /v1/reactions/{id}/runs — recent execution history, newest first.
func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be an integer in [1,500]")
			return
		}
		limit = n
	}
	runs, err := h.repo.Runs(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reaction_id": id,
		"runs":        runs,
	})
}

// GET /v1/rtypes — registered reaction types.
func (h *Handler) listRTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rtypes": h.registry.Types()})
}

// GET /healthz — always 200 (liveness probe).
func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz — 503 if the dispatch queue is >80% full.
func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	util := h.coord.QueueUtilization()
	metrics.QueueUtilization.Set(util)
	if util > 0.8 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":            "overloaded",
			"queue_utilization": util,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "ready",
		"queue_utilization": util,
	})
}

// loggingMiddleware logs one line per request. The ingest socket route is
// skipped; connection lifecycle is logged by the listener itself.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/ingest" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}
