// Package splunk provides bidirectional Splunk HEC integration.
// Receives cloud log records via HEC endpoints and sends alerts back to Splunk.
package splunk

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/cloudsentry/internal/telemetry"
	"github.com/lvonguyen/cloudsentry/internal/telemetry/ingestion"
)

// ErrServerBusy is returned by an EventHandler that cannot accept more
// events right now. The receiver answers with HEC code 9.
var ErrServerBusy = errors.New("server is busy")

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	server  *http.Server
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	Port          int           `yaml:"port"`
	TokenEnv      string        `yaml:"token_env"`
	TLSCertFile   string        `yaml:"tls_cert_file"`
	TLSKeyFile    string        `yaml:"tls_key_file"`
	MaxBatchSize  int           `yaml:"max_batch_size"`
	MaxEventSize  int           `yaml:"max_event_size"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	DefaultSource string        `yaml:"default_source"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Port:         8088,
		TokenEnv:     "SPLUNK_HEC_TOKEN_INBOUND",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// ReceiverOption customizes a receiver.
type ReceiverOption func(*HECReceiver)

// WithReceiverLogger sets the receiver logger.
func WithReceiverLogger(l *zap.Logger) ReceiverOption {
	return func(r *HECReceiver) { r.logger = l }
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, opts ...ReceiverOption) *HECReceiver {
	r := &HECReceiver{
		config:  config,
		handler: handler,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Routes returns the HEC endpoints, to be mounted at /services/collector.
func (r *HECReceiver) Routes() http.Handler {
	router := chi.NewRouter()
	router.Post("/", r.handleEvent)
	router.Post("/event", r.handleEvent)
	router.Post("/event/1.0", r.handleEvent)
	router.Post("/raw", r.handleRaw)
	router.Post("/raw/1.0", r.handleRaw)
	router.Get("/health", r.handleHealth)
	router.Get("/health/1.0", r.handleHealth)
	return router
}

// Start serves the HEC endpoints on their own port until ctx is done.
func (r *HECReceiver) Start(ctx context.Context) error {
	router := chi.NewRouter()
	router.Mount("/services/collector", r.Routes())

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      router,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.server.Shutdown(shutdownCtx)
	}()

	r.logger.Info("HEC receiver listening", zap.Int("port", r.config.Port))

	var err error
	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		err = r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	} else {
		err = r.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", 5)
		return
	}

	// Parse events (may be multiple JSON objects or newline-delimited)
	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), 6)
		return
	}

	r.dispatch(w, req, events, len(body))
}

// handleRaw processes raw HEC endpoint requests. Each non-empty line is
// one event.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", 4)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)))
	if err != nil {
		writeHEC(w, http.StatusBadRequest, "Error reading body", 6)
		return
	}

	q := req.URL.Query()
	var events []HECEvent
	for _, line := range strings.Split(string(body), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		events = append(events, HECEvent{
			Event:      line,
			SourceType: q.Get("sourcetype"),
			Source:     q.Get("source"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
		})
	}
	if len(events) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", 5)
		return
	}
	if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
		writeHEC(w, http.StatusBadRequest, fmt.Sprintf("batch exceeds maximum size of %d events", r.config.MaxBatchSize), 6)
		return
	}

	r.dispatch(w, req, events, len(body))
}

func (r *HECReceiver) dispatch(w http.ResponseWriter, req *http.Request, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(req.Context(), events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()

			r.logger.Warn("HEC events rejected",
				zap.Int("events", len(events)),
				zap.Error(err),
			)
			if errors.Is(err, ErrServerBusy) {
				writeHEC(w, http.StatusServiceUnavailable, "Server is busy", 9)
				return
			}
			writeHEC(w, http.StatusInternalServerError, "Error processing events", 8)
			return
		}
	}

	writeHEC(w, http.StatusOK, "Success", 0)
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", 17)
}

// validateToken checks the HEC token. Requests are rejected when no token
// is configured, and tokens are only accepted from the Authorization header.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if expectedToken == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Splunk ") {
		return false
	}
	got := strings.TrimPrefix(auth, "Splunk ")
	return subtle.ConstantTimeCompare([]byte(got), []byte(expectedToken)) == 1
}

// parseEvents parses HEC event body (JSON or newline-delimited).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
		if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
			return nil, fmt.Errorf("batch exceeds maximum size of %d events", r.config.MaxBatchSize)
		}
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}

	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}

// ===========================================================================
// Conversion to raw cloud log records
// ===========================================================================

// sourceTypes maps common Splunk sourcetypes onto supported sources.
var sourceTypes = map[string]telemetry.Source{
	"aws:cloudwatch":      telemetry.SourceAWSCloudWatch,
	"aws:cloudwatchlogs":  telemetry.SourceAWSCloudWatch,
	"aws:cloudtrail":      telemetry.SourceAWSCloudWatch,
	"azure:monitor":       telemetry.SourceAzureMonitor,
	"azure:signinlogs":    telemetry.SourceAzureMonitor,
	"azure:activitylogs":  telemetry.SourceAzureMonitor,
	"mscs:azure:eventhub": telemetry.SourceAzureMonitor,
}

// ResolveSource picks the cloud source for an HEC event from its source,
// then its sourcetype, then fallback.
func ResolveSource(e HECEvent, fallback telemetry.Source) (telemetry.Source, bool) {
	for _, cand := range []string{e.Source, e.SourceType} {
		cand = strings.ToLower(strings.TrimSpace(cand))
		if s := telemetry.Source(cand); s.Valid() {
			return s, true
		}
		if s, ok := sourceTypes[cand]; ok {
			return s, true
		}
	}
	return fallback, fallback.Valid()
}

// ToRawEvent converts an HEC event into the record layout the normalizer
// expects for src. CloudWatch records carry the payload as a message with
// an epoch-millisecond timestamp; Azure rows are passed through as objects.
func ToRawEvent(e HECEvent, src telemetry.Source) *ingestion.RawEvent {
	raw := ingestion.NewRawEvent(src, nil)
	ts := raw.ReceivedAt
	if e.Time > 0 {
		ts = time.Unix(0, int64(e.Time*float64(time.Second))).UTC()
	}

	var data map[string]any
	switch src {
	case telemetry.SourceAWSCloudWatch:
		data = map[string]any{
			"message":   eventText(e.Event),
			"timestamp": float64(ts.UnixMilli()),
		}
	default:
		data = eventObject(e.Event)
		if data == nil {
			data = map[string]any{"message": eventText(e.Event)}
		}
		if _, ok := data["TimeGenerated"]; !ok {
			data["TimeGenerated"] = ts.Format(time.RFC3339Nano)
		}
	}
	if e.Host != "" {
		if _, ok := data["hec_host"]; !ok {
			data["hec_host"] = e.Host
		}
	}
	for k, v := range e.Fields {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}
	raw.Data = data
	return raw
}

func eventText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func eventObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = val
		}
		return out
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(t), &m); err == nil {
			return m
		}
	}
	return nil
}

// SinkHandler adapts an ingestion sink into an EventHandler. Events whose
// source cannot be resolved are skipped and logged.
func SinkHandler(sink ingestion.Sink, fallback telemetry.Source, logger *zap.Logger) EventHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, events []HECEvent) error {
		raws := make([]*ingestion.RawEvent, 0, len(events))
		for _, e := range events {
			src, ok := ResolveSource(e, fallback)
			if !ok {
				logger.Debug("Skipping HEC event with unknown source",
					zap.String("source", e.Source),
					zap.String("sourcetype", e.SourceType),
				)
				continue
			}
			raws = append(raws, ToRawEvent(e, src))
		}
		if len(raws) == 0 {
			return nil
		}
		accepted, err := sink.IngestBatch(ctx, raws)
		if err != nil {
			return fmt.Errorf("%w: accepted %d of %d: %v", ErrServerBusy, accepted, len(raws), err)
		}
		return nil
	}
}
