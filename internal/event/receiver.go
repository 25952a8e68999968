// Package event ingests normalized security events from external producers
// (SIEM forwarders, collectors) and hands them to the hunting executor.
package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// Sink consumes normalized events. The hunting executor implements it.
type Sink interface {
	Submit(e intel.Event)
}

// ReceiverConfig holds HTTP receiver configuration.
type ReceiverConfig struct {
	Addr         string        `yaml:"addr"`
	TokenEnv     string        `yaml:"token_env"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		Addr:         ":8088",
		TokenEnv:     "INTELFORGE_EVENT_TOKEN",
		MaxBatchSize: 1000,
		MaxBodyBytes: 1 << 20,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// ReceiverStats tracks receiver counters.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsRejected int64     `json:"events_rejected"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// Receiver accepts JSON or newline-delimited JSON event batches over HTTP.
// Authentication is fail-closed: with no token configured, every request is
// rejected.
type Receiver struct {
	cfg    ReceiverConfig
	sink   Sink
	logger *zap.Logger
	server *http.Server

	mu    sync.RWMutex
	stats ReceiverStats
}

// NewReceiver creates an event receiver feeding the sink.
func NewReceiver(cfg ReceiverConfig, sink Sink, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 1000
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Receiver{cfg: cfg, sink: sink, logger: logger}
}

// Handler returns the receiver's HTTP handler, for mounting into an
// existing server or tests.
func (r *Receiver) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collector/events", r.handleEvents)
	mux.HandleFunc("/collector/health", r.handleHealth)
	return mux
}

// Start listens until ctx is cancelled.
func (r *Receiver) Start(ctx context.Context) error {
	r.server = &http.Server{
		Addr:         r.cfg.Addr,
		Handler:      r.Handler(),
		ReadTimeout:  r.cfg.ReadTimeout,
		WriteTimeout: r.cfg.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.server.Shutdown(shutdownCtx)
	}()

	err := r.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stats returns current receiver counters.
func (r *Receiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

func (r *Receiver) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !r.validToken(req) {
		r.reject(1)
		http.Error(w, `{"error":"invalid token"}`, http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, r.cfg.MaxBodyBytes))
	if err != nil {
		http.Error(w, `{"error":"error reading body"}`, http.StatusBadRequest)
		return
	}

	events, err := parseEvents(body, r.cfg.MaxBatchSize)
	if err != nil {
		r.reject(1)
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	for _, e := range events {
		r.sink.Submit(e)
	}

	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(len(body))
	r.stats.LastEventAt = time.Now().UTC()
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"accepted":%d}`, len(events))
}

func (r *Receiver) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// validToken checks the bearer token against the configured env var.
// Fail-closed: an unset token rejects everything.
func (r *Receiver) validToken(req *http.Request) bool {
	expected := os.Getenv(r.cfg.TokenEnv)
	if expected == "" {
		return false
	}
	auth := req.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == expected
	}
	return false
}

func (r *Receiver) reject(n int64) {
	r.mu.Lock()
	r.stats.EventsRejected += n
	r.mu.Unlock()
}

// envelope is the wire shape of one event.
type envelope struct {
	ID        string            `json:"id,omitempty"`
	Timestamp string            `json:"timestamp,omitempty"`
	Source    string            `json:"source"`
	Type      string            `json:"type"`
	Subject   string            `json:"subject"`
	Fields    map[string]string `json:"fields,omitempty"`
}

func (e *envelope) toEvent() (intel.Event, error) {
	if e.Type == "" {
		return intel.Event{}, fmt.Errorf("event missing type")
	}
	if e.Subject == "" {
		return intel.Event{}, fmt.Errorf("event missing subject")
	}
	ts := time.Now().UTC()
	if e.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			return intel.Event{}, fmt.Errorf("bad timestamp %q: %w", e.Timestamp, err)
		}
		ts = parsed
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	return intel.Event{
		ID:        id,
		Timestamp: ts,
		Source:    e.Source,
		Type:      e.Type,
		Subject:   e.Subject,
		Fields:    e.Fields,
	}, nil
}

// parseEvents accepts a single JSON object, a JSON array, or
// newline-delimited JSON, capped at maxBatch events.
func parseEvents(body []byte, maxBatch int) ([]intel.Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	var envelopes []envelope
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &envelopes); err != nil {
			return nil, fmt.Errorf("bad event array: %w", err)
		}
	} else {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		for decoder.More() {
			var env envelope
			if err := decoder.Decode(&env); err != nil {
				return nil, fmt.Errorf("bad event: %w", err)
			}
			envelopes = append(envelopes, env)
		}
	}

	if len(envelopes) > maxBatch {
		return nil, fmt.Errorf("batch of %d exceeds limit %d", len(envelopes), maxBatch)
	}

	events := make([]intel.Event, 0, len(envelopes))
	for _, env := range envelopes {
		e, err := env.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
