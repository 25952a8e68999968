package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lvonguyen/intelforge/internal/intel"
)

const (
	otxDefaultBaseURL = "https://otx.alienvault.com"
	otxAPIPath        = "/api/v1"
)

// OTXAdapter pulls indicators from AlienVault OTX subscribed pulses.
type OTXAdapter struct {
	cfg        Config
	feedID     intel.FeedID
	httpClient *http.Client
	mu         sync.Mutex
	since      time.Time
}

// NewOTXAdapter creates an OTX adapter. The API key is read from the
// environment variable named in cfg.APIKeyEnv, never stored in config files.
func NewOTXAdapter(feedID intel.FeedID, cfg Config) (*OTXAdapter, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OTX_API_KEY"
	}
	if os.Getenv(cfg.APIKeyEnv) == "" {
		return nil, fmt.Errorf("OTX API key not found in env var: %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = otxDefaultBaseURL
	}
	return &OTXAdapter{
		cfg:    cfg,
		feedID: feedID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		since: time.Now().UTC().Add(-24 * time.Hour),
	}, nil
}

// Name returns the adapter identifier.
func (a *OTXAdapter) Name() string { return "otx" }

// HealthCheck verifies connectivity and credentials.
func (a *OTXAdapter) HealthCheck(ctx context.Context) error {
	req, err := a.newRequest(ctx, "GET", "/user/me")
	if err != nil {
		return fmt.Errorf("creating health check request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("OTX authentication failed: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: OTX returned status %d", ErrFeedUnavailable, resp.StatusCode)
	}
	return nil
}

// Sync fetches pulses modified since the previous sync and normalizes their
// indicators. Records that cannot be mapped to a known IOC type are dropped
// here; the manager counts the rest of the validation failures.
func (a *OTXAdapter) Sync(ctx context.Context) ([]intel.IndicatorRecord, error) {
	a.mu.Lock()
	since := a.since
	a.mu.Unlock()

	path := fmt.Sprintf("/pulses/subscribed?modified_since=%s&limit=%d",
		url.QueryEscape(since.Format(time.RFC3339)), 50)

	req, err := a.newRequest(ctx, "GET", path)
	if err != nil {
		return nil, fmt.Errorf("creating pulse request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching OTX pulses: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: OTX returned %d: %s", ErrFeedUnavailable, resp.StatusCode, string(body))
	}

	var pulseResp otxPulseListResponse
	if err := json.NewDecoder(resp.Body).Decode(&pulseResp); err != nil {
		return nil, fmt.Errorf("decoding OTX response: %w", err)
	}

	now := time.Now().UTC()
	var records []intel.IndicatorRecord
	for _, pulse := range pulseResp.Results {
		severity := otxSeverity(pulse)
		for _, ind := range pulse.Indicators {
			iocType := otxTypeToIOCType(ind.Type)
			if iocType == "" {
				continue
			}
			seenAt, err := time.Parse("2006-01-02T15:04:05", ind.Created)
			if err != nil {
				seenAt = now
			}
			records = append(records, intel.IndicatorRecord{
				Type:       iocType,
				Value:      ind.Indicator,
				Confidence: a.cfg.ConfidenceBaseline,
				Severity:   severity,
				SeenAt:     seenAt,
				Source:     a.feedID,
				Tags:       pulse.Tags,
			})
		}
	}

	a.mu.Lock()
	a.since = now
	a.mu.Unlock()

	return records, nil
}

func (a *OTXAdapter) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(a.cfg.BaseURL, "/") + otxAPIPath + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-OTX-API-KEY", os.Getenv(a.cfg.APIKeyEnv))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "IntelForge/1.0")
	return req, nil
}

// otxTypeToIOCType converts an OTX indicator type to our IOCType.
func otxTypeToIOCType(otxType string) intel.IOCType {
	switch otxType {
	case "IPv4", "IPv6":
		return intel.IOCTypeIP
	case "domain", "hostname":
		return intel.IOCTypeDomain
	case "URL", "URI":
		return intel.IOCTypeURL
	case "FileHash-MD5", "FileHash-SHA1", "FileHash-SHA256":
		return intel.IOCTypeHash
	case "email":
		return intel.IOCTypeEmail
	default:
		return ""
	}
}

// otxSeverity maps pulse tags to the 1-10 severity scale.
func otxSeverity(pulse otxPulse) int {
	tagLower := strings.ToLower(strings.Join(pulse.Tags, " "))
	switch {
	case strings.Contains(tagLower, "apt") || strings.Contains(tagLower, "ransomware"):
		return 9
	case strings.Contains(tagLower, "malware") || strings.Contains(tagLower, "c2"):
		return 7
	case strings.Contains(tagLower, "phishing") || strings.Contains(tagLower, "botnet"):
		return 5
	}
	if pulse.Adversary != "" {
		return 7
	}
	return 3
}

// OTX API response types.

type otxPulseListResponse struct {
	Results []otxPulse `json:"results"`
	Count   int        `json:"count"`
	Next    string     `json:"next,omitempty"`
}

type otxPulse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Created    string         `json:"created"`
	Modified   string         `json:"modified"`
	Tags       []string       `json:"tags"`
	Adversary  string         `json:"adversary,omitempty"`
	Indicators []otxIndicator `json:"indicators,omitempty"`
}

type otxIndicator struct {
	ID        string `json:"id"`
	Indicator string `json:"indicator"`
	Type      string `json:"type"`
	Created   string `json:"created"`
	IsActive  int    `json:"is_active"`
}
