package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/alerting"
	"github.com/lvonguyen/cloudsentry/internal/pipeline"
	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

const (
	defaultStatsWindow = 24 * time.Hour
	defaultListLimit   = 100
	maxListLimit       = 1000
)

// ingestRequest is one raw provider record.
type ingestRequest struct {
	Source telemetry.Source `json:"source"`
	Data   map[string]any   `json:"data"`
}

type batchRequest struct {
	Events []ingestRequest `json:"events"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.deps.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(s.deps.Checks)+1)
	ready := s.deps.Pipeline.Ready()
	checks["pipeline"] = "ok"
	if !ready {
		checks["pipeline"] = "not accepting events"
	}

	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// Ingest handlers

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large",
				fmt.Sprintf("request body exceeds %d bytes", s.config.MaxBodyBytes))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func (req ingestRequest) raw() (*ingestion.RawEvent, error) {
	if !req.Source.Valid() {
		return nil, fmt.Errorf("unknown source %q", req.Source)
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("data is required")
	}
	return ingestion.NewRawEvent(req.Source, req.Data), nil
}

func (s *Server) ingestFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrBackpressure):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "backpressure", err.Error())
	case errors.Is(err, pipeline.ErrPipelineClosed):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "ingest_failed", err.Error())
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !s.decode(w, r, &req) {
		return
	}
	raw, err := req.raw()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_event", err.Error())
		return
	}
	if err := s.deps.Pipeline.Ingest(r.Context(), raw); err != nil {
		s.ingestFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": raw.ID})
}

func (s *Server) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_batch", "events is required")
		return
	}
	if len(req.Events) > s.config.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge, "batch_too_large",
			fmt.Sprintf("batch of %d exceeds maximum of %d", len(req.Events), s.config.MaxBatchSize))
		return
	}

	raws := make([]*ingestion.RawEvent, 0, len(req.Events))
	for i, e := range req.Events {
		raw, err := e.raw()
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_event", fmt.Sprintf("event %d: %v", i, err))
			return
		}
		raws = append(raws, raw)
	}

	accepted, err := s.deps.Pipeline.IngestBatch(r.Context(), raws)
	if err != nil {
		if accepted > 0 {
			s.logger.Warn("Batch partially accepted",
				zap.Int("accepted", accepted),
				zap.Int("size", len(raws)),
				zap.Error(err),
			)
		}
		w.Header().Set("X-Accepted-Count", strconv.Itoa(accepted))
		s.ingestFailure(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "accepted": accepted})
}

// Stats handlers

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if v := r.URL.Query().Get("window"); v != "" {
		if v == "all" || v == "0" {
			window = 0
		} else {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "invalid_window", fmt.Sprintf("window %q is not a duration", v))
				return
			}
			window = d
		}
	}

	stats, err := s.deps.Alerts.Stats(r.Context(), window)
	if err != nil {
		s.logger.Error("Stats query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePipelineStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"pipeline": s.deps.Pipeline.Stats()}
	if s.deps.Deliveries != nil {
		resp["pending_deliveries"] = s.deps.Deliveries.Pending()
	}
	writeJSON(w, http.StatusOK, resp)
}

// Alert handlers

func parseListFilter(r *http.Request) (alerting.ListFilter, error) {
	q := r.URL.Query()
	filter := alerting.ListFilter{Limit: defaultListLimit}

	if v := q.Get("state"); v != "" {
		state := alerting.State(strings.ToLower(v))
		switch state {
		case alerting.StateNew, alerting.StateOpen, alerting.StateAcknowledged, alerting.StateResolved:
			filter.State = state
		default:
			return filter, fmt.Errorf("unknown state %q", v)
		}
	}
	if v := q.Get("min_severity"); v != "" {
		sev, err := alerting.ParseSeverity(v)
		if err != nil {
			return filter, err
		}
		filter.MinSeverity = sev
	}
	if v := q.Get("source"); v != "" {
		src := telemetry.Source(v)
		if !src.Valid() {
			return filter, fmt.Errorf("unknown source %q", v)
		}
		filter.Source = src
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, fmt.Errorf("since must be RFC 3339: %w", err)
		}
		filter.Since = since
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("limit must be a positive integer")
		}
		filter.Limit = min(n, maxListLimit)
	}
	return filter, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	alerts := s.deps.Alerts.List(filter)
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

// handleChains correlates the alerts matching the list filter. Without an
// explicit limit every matching alert is considered.
func (s *Server) handleChains(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	if r.URL.Query().Get("limit") == "" {
		filter.Limit = 0
	}
	chains := s.deps.Correlator.Correlate(s.deps.Alerts.List(filter))
	writeJSON(w, http.StatusOK, map[string]any{"chains": chains, "count": len(chains)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	a, ok := s.deps.Alerts.Get(fp)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", alerting.ErrAlertNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Deliveries == nil {
		writeError(w, http.StatusNotFound, "not_found", "delivery tracking is not enabled")
		return
	}
	fp := chi.URLParam(r, "fingerprint")
	records := s.deps.Deliveries.Deliveries(fp)
	sort.SliceStable(records, func(i, j int) bool { return records[i].QueuedAt.Before(records[j].QueuedAt) })
	writeJSON(w, http.StatusOK, map[string]any{"fingerprint": fp, "deliveries": records})
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "acknowledge", s.deps.Alerts.Acknowledge)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, "resolve", s.deps.Alerts.Resolve)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op string,
	apply func(ctx context.Context, fp string) (alerting.Alert, error)) {
	fp := chi.URLParam(r, "fingerprint")
	a, err := apply(r.Context(), fp)
	if err != nil {
		if errors.Is(err, alerting.ErrAlertNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		s.logger.Error("Alert transition failed", zap.String("op", op), zap.String("fingerprint", fp), zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+"_failed", err.Error())
		return
	}
	s.logger.Info("Alert "+op+"d", zap.String("alert_id", a.ID), zap.String("state", string(a.State)))
	writeJSON(w, http.StatusOK, a)
}
