package server

import (
	"IntentFlow/internal/core"
	"IntentFlow/internal/event"
	"IntentFlow/internal/intent"
	"IntentFlow/internal/observability"
	"IntentFlow/internal/persistence"
	"IntentFlow/internal/projection"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// maxBodyBytes caps intent submissions.
const maxBodyBytes = 1 << 20

// IntentService is the manager surface the API drives.
type IntentService interface {
	Submit(ctx context.Context, in *intent.Intent, meta intent.Metadata) intent.Receipt
	GetIntentStatus(id string) (projection.IntentState, error)
	GetIntentHistory(ctx context.Context, id string) ([]persistence.EventRecord, error)
	QueueSize() int
}

type PlanReader interface {
	GetPlanState(id string) (projection.PlanState, error)
}

type Replayer interface {
	Replay(ctx context.Context, subject string, from, to time.Time) ([]*event.Envelope, error)
}

// Deps holds everything the HTTP API serves from.
type Deps struct {
	Intents IntentService
	Plans   PlanReader
	Events  Replayer
	Health  *observability.HealthChecker
}

type api struct {
	deps    Deps
	log     zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewHTTPHandler builds the JSON API on the grpc-gateway runtime mux, with
// liveness and readiness probes alongside.
func NewHTTPHandler(deps Deps, logger zerolog.Logger, metrics *observability.Metrics) (http.Handler, error) {
	a := &api{deps: deps, log: logger, metrics: metrics, now: time.Now}

	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		h               runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/intents", a.submitIntent},
		{http.MethodGet, "/v1/intents/{id}", a.getIntent},
		{http.MethodGet, "/v1/intents/{id}/history", a.getHistory},
		{http.MethodGet, "/v1/plans/{id}", a.getPlan},
		{http.MethodGet, "/v1/queue", a.getQueue},
		{http.MethodGet, "/v1/events/{topic}/replay", a.replay},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, a.instrument(r.pattern, r.h)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.code = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *api) instrument(route string, h runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r, params)
		if a.metrics != nil {
			a.metrics.APIRequests.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// submitIntent decodes an intent, fills server-side defaults and hands it to
// the manager. The receipt is always returned; the status code reflects it.
func (a *api) submitIntent(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var in intent.Intent
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "malformed intent: "+err.Error())
		return
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Priority == 0 {
		in.Priority = intent.DefaultPriority
	}
	in.Status = intent.StatusPending
	in.StatusReason = ""
	in.FilledAmount = decimal.Zero
	if in.CreatedAt.IsZero() {
		in.CreatedAt = a.now().UTC()
	}

	meta := intent.Metadata{
		Source:    "http",
		RequestID: r.Header.Get("X-Request-ID"),
		User:      r.Header.Get("X-User"),
	}
	rcpt := a.deps.Intents.Submit(r.Context(), &in, meta)

	code := http.StatusAccepted
	switch {
	case rcpt.Status == intent.StatusQueued:
	case len(rcpt.Errors) > 0:
		code = http.StatusUnprocessableEntity
	default:
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rcpt)
}

func (a *api) getIntent(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	st, err := a.deps.Intents.GetIntentStatus(params["id"])
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	if err != nil {
		a.internal(w, "get intent", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type historyEntry struct {
	*event.Envelope
	AggregateVersion int64 `json:"aggregateVersion"`
}

func (a *api) getHistory(w http.ResponseWriter, r *http.Request, params map[string]string) {
	id := params["id"]
	recs, err := a.deps.Intents.GetIntentHistory(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		writeError(w, http.StatusNotFound, "intent not found")
		return
	}
	if err != nil {
		a.internal(w, "get history", err)
		return
	}
	out := make([]historyEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, historyEntry{Envelope: rec.Envelope(), AggregateVersion: rec.AggregateVersion})
	}
	writeJSON(w, http.StatusOK, map[string]any{"intentId": id, "events": out})
}

func (a *api) getPlan(w http.ResponseWriter, _ *http.Request, params map[string]string) {
	if a.deps.Plans == nil {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	p, err := a.deps.Plans.GetPlanState(params["id"])
	if errors.Is(err, core.ErrNotFound) {
		writeError(w, http.StatusNotFound, "plan not found")
		return
	}
	if err != nil {
		a.internal(w, "get plan", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) getQueue(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]int{"size": a.deps.Intents.QueueSize()})
}

// replay serves the fast replay buffer. from and to are RFC 3339; the window
// defaults to the last hour.
func (a *api) replay(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if a.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "replay unavailable")
		return
	}
	to := a.now().UTC()
	from := to.Add(-time.Hour)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid from: "+err.Error())
			return
		}
		from = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid to: "+err.Error())
			return
		}
		to = t
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to is before from")
		return
	}

	envs, err := a.deps.Events.Replay(r.Context(), params["topic"], from, to)
	if err != nil {
		a.internal(w, "replay", err)
		return
	}
	if envs == nil {
		envs = []*event.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"topic": params["topic"], "events": envs})
}

func (a *api) internal(w http.ResponseWriter, op string, err error) {
	a.log.Error().Err(err).Str("op", op).Msg("api request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}
