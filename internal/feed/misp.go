package feed

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

	"github.com/lvonguyen/intelforge/internal/intel"
)

// MISPAdapter pulls attributes from a MISP instance via restSearch.
type MISPAdapter struct {
	cfg        Config
	feedID     intel.FeedID
	httpClient *http.Client
	mu         sync.Mutex
	since      time.Time
}

// NewMISPAdapter creates a MISP adapter. BaseURL is required because MISP
// instances are self-hosted.
func NewMISPAdapter(feedID intel.FeedID, cfg Config) (*MISPAdapter, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "MISP_API_KEY"
	}
	if os.Getenv(cfg.APIKeyEnv) == "" {
		return nil, fmt.Errorf("MISP API key not found in env var: %s", cfg.APIKeyEnv)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("MISP base URL is required")
	}
	return &MISPAdapter{
		cfg:    cfg,
		feedID: feedID,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		since: time.Now().UTC().Add(-24 * time.Hour),
	}, nil
}

// Name returns the adapter identifier.
func (a *MISPAdapter) Name() string { return "misp" }

// HealthCheck verifies connectivity to the MISP instance.
func (a *MISPAdapter) HealthCheck(ctx context.Context) error {
	req, err := a.newRequest(ctx, "GET", "/servers/getVersion", nil)
	if err != nil {
		return err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: MISP returned status %d", ErrFeedUnavailable, resp.StatusCode)
	}
	return nil
}

// Sync searches attributes updated since the previous sync.
func (a *MISPAdapter) Sync(ctx context.Context) ([]intel.IndicatorRecord, error) {
	a.mu.Lock()
	since := a.since
	a.mu.Unlock()

	searchReq := mispAttributeSearchRequest{
		Timestamp: since.Unix(),
		Published: true,
		Limit:     1000,
	}
	body, err := json.Marshal(searchReq)
	if err != nil {
		return nil, err
	}

	req, err := a.newRequest(ctx, "POST", "/attributes/restSearch", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: MISP search failed: %v", ErrFeedUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: MISP returned %d: %s", ErrFeedUnavailable, resp.StatusCode, string(b))
	}

	var searchResp mispAttributeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&searchResp); err != nil {
		return nil, fmt.Errorf("decoding MISP response: %w", err)
	}

	now := time.Now().UTC()
	records := make([]intel.IndicatorRecord, 0, len(searchResp.Response.Attribute))
	for _, attr := range searchResp.Response.Attribute {
		iocType := mispTypeToIOCType(attr.Type)
		if iocType == "" {
			continue
		}
		seenAt := now
		if attr.LastSeen > 0 {
			seenAt = time.Unix(attr.LastSeen, 0).UTC()
		} else if attr.FirstSeen > 0 {
			seenAt = time.Unix(attr.FirstSeen, 0).UTC()
		}
		tags := make([]string, 0, len(attr.Tag))
		for _, t := range attr.Tag {
			tags = append(tags, t.Name)
		}
		records = append(records, intel.IndicatorRecord{
			Type:       iocType,
			Value:      attr.Value,
			Confidence: threatLevelToConfidence(attr.Event.ThreatLevelID),
			Severity:   threatLevelToSeverity(attr.Event.ThreatLevelID),
			SeenAt:     seenAt,
			Source:     a.feedID,
			Tags:       tags,
		})
	}

	a.mu.Lock()
	a.since = now
	a.mu.Unlock()

	return records, nil
}

func (a *MISPAdapter) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	fullURL := strings.TrimSuffix(a.cfg.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", os.Getenv(a.cfg.APIKeyEnv))
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func mispTypeToIOCType(mispType string) intel.IOCType {
	switch mispType {
	case "ip-src", "ip-dst":
		return intel.IOCTypeIP
	case "domain", "hostname":
		return intel.IOCTypeDomain
	case "url":
		return intel.IOCTypeURL
	case "md5", "sha1", "sha256":
		return intel.IOCTypeHash
	case "email-src", "email-dst":
		return intel.IOCTypeEmail
	default:
		return ""
	}
}

// threatLevelToConfidence maps MISP threat level (1=High .. 4=Undefined).
func threatLevelToConfidence(level string) float64 {
	switch level {
	case "1":
		return 0.9
	case "2":
		return 0.7
	case "3":
		return 0.5
	default:
		return 0.3
	}
}

func threatLevelToSeverity(level string) int {
	switch level {
	case "1":
		return 9
	case "2":
		return 7
	case "3":
		return 5
	default:
		return 3
	}
}

// MISP API types.

type mispAttributeSearchRequest struct {
	Value     string `json:"value,omitempty"`
	Type      string `json:"type,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Published bool   `json:"published,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

type mispAttributeSearchResponse struct {
	Response struct {
		Attribute []mispAttribute `json:"Attribute"`
	} `json:"response"`
}

type mispAttribute struct {
	ID        string    `json:"id"`
	UUID      string    `json:"uuid"`
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment"`
	FirstSeen int64     `json:"first_seen"`
	LastSeen  int64     `json:"last_seen"`
	Tag       []mispTag `json:"Tag,omitempty"`
	Event     mispEvent `json:"Event,omitempty"`
}

type mispTag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type mispEvent struct {
	ID            string `json:"id"`
	Info          string `json:"info"`
	ThreatLevelID string `json:"threat_level_id"`
	Published     bool   `json:"published"`
}
