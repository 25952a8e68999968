package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", ""} {
		logger, err := NewLogger(LogConfig{Level: level, Format: "json"})
		if err != nil {
			t.Fatalf("level %q: %v", level, err)
		}
		logger.Sync()
	}
}

func TestMetricsHandlerExposesInstruments(t *testing.T) {
	m := NewMetrics()
	m.IndicatorsIngested.WithLabelValues("feed-1").Add(3)
	m.AlertsTotal.WithLabelValues("hunting").Inc()
	m.LandscapeScore.Set(0.42)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"intelforge_indicators_ingested_total",
		"intelforge_alerts_total",
		"intelforge_landscape_score",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

// Two Metrics instances must not collide: each carries its own registry.
func TestMetricsIndependentRegistries(t *testing.T) {
	a := NewMetrics()
	b := NewMetrics()
	a.IndicatorsActive.Set(10)
	b.IndicatorsActive.Set(20)
}
