package event

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lvonguyen/intelforge/internal/intel"
)

type captureSink struct {
	mu     sync.Mutex
	events []intel.Event
}

func (s *captureSink) Submit(e intel.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func newTestReceiver(t *testing.T) (*Receiver, *captureSink, *httptest.Server) {
	t.Helper()
	t.Setenv("INTELFORGE_EVENT_TOKEN", "secret")
	sink := &captureSink{}
	r := NewReceiver(DefaultReceiverConfig(), sink, nil)
	srv := httptest.NewServer(r.Handler())
	t.Cleanup(srv.Close)
	return r, sink, srv
}

func post(t *testing.T, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestReceiverAcceptsBatch(t *testing.T) {
	r, sink, srv := newTestReceiver(t)

	body := `{"timestamp":"2026-08-01T10:00:00Z","source":"edr","type":"process_start","subject":"host-1","fields":{"command_line":"calc.exe"}}
{"source":"edr","type":"logon","subject":"host-2"}`
	resp := post(t, srv.URL+"/collector/events", "secret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if sink.count() != 2 {
		t.Errorf("expected 2 events submitted, got %d", sink.count())
	}
	if stats := r.Stats(); stats.EventsReceived != 2 {
		t.Errorf("expected stats EventsReceived 2, got %d", stats.EventsReceived)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].ID == "" || sink.events[1].ID == "" {
		t.Error("events should get generated IDs when absent")
	}
	if sink.events[0].Timestamp.IsZero() {
		t.Error("explicit timestamp should be parsed")
	}
}

func TestReceiverAcceptsJSONArray(t *testing.T) {
	_, sink, srv := newTestReceiver(t)

	body := `[{"source":"fw","type":"deny","subject":"host-9"},{"source":"fw","type":"allow","subject":"host-9"}]`
	resp := post(t, srv.URL+"/collector/events", "secret", body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if sink.count() != 2 {
		t.Errorf("expected 2 events, got %d", sink.count())
	}
}

func TestReceiverRejectsBadToken(t *testing.T) {
	_, sink, srv := newTestReceiver(t)

	resp := post(t, srv.URL+"/collector/events", "wrong", `{"source":"x","type":"y","subject":"z"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 on bad token, got %d", resp.StatusCode)
	}
	if sink.count() != 0 {
		t.Error("rejected request must not reach the sink")
	}
}

// TestReceiverFailsClosedWithoutToken verifies requests are rejected when no
// token is configured at all.
func TestReceiverFailsClosedWithoutToken(t *testing.T) {
	t.Setenv("INTELFORGE_EVENT_TOKEN", "")
	sink := &captureSink{}
	r := NewReceiver(DefaultReceiverConfig(), sink, nil)
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp := post(t, srv.URL+"/collector/events", "anything", `{"source":"x","type":"y","subject":"z"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 with no token configured, got %d", resp.StatusCode)
	}
}

func TestReceiverRejectsMalformedAndOversized(t *testing.T) {
	_, sink, srv := newTestReceiver(t)

	resp := post(t, srv.URL+"/collector/events", "secret", `{"type":`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for malformed JSON, got %d", resp.StatusCode)
	}

	// Missing subject is rejected.
	resp = post(t, srv.URL+"/collector/events", "secret", `{"source":"x","type":"y"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for missing subject, got %d", resp.StatusCode)
	}

	// Batch over the limit is rejected whole.
	cfg := DefaultReceiverConfig()
	cfg.MaxBatchSize = 1
	small := NewReceiver(cfg, sink, nil)
	smallSrv := httptest.NewServer(small.Handler())
	defer smallSrv.Close()

	resp = post(t, smallSrv.URL+"/collector/events", "secret",
		`[{"source":"a","type":"t","subject":"s"},{"source":"b","type":"t","subject":"s"}]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for oversized batch, got %d", resp.StatusCode)
	}
	if sink.count() != 0 {
		t.Error("no events should be submitted from rejected requests")
	}
}

func TestReceiverHealth(t *testing.T) {
	_, _, srv := newTestReceiver(t)
	resp, err := http.Get(srv.URL + "/collector/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 from health endpoint, got %d", resp.StatusCode)
	}
}
