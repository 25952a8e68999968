package feed

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/lvonguyen/intelforge/internal/intel"
)

// SimAdapter generates deterministic synthetic indicators for local
// development and load testing. Seeded per feed so repeated runs produce the
// same stream.
type SimAdapter struct {
	feedID intel.FeedID
	cfg    Config
	mu     sync.Mutex
	rng    *rand.Rand
	batch  int
}

// NewSimAdapter creates a simulated adapter. Options: "seed" (int64),
// "batch_size" (int, default 25).
func NewSimAdapter(feedID intel.FeedID, cfg Config) *SimAdapter {
	var seed int64 = 1
	if s, ok := cfg.Options["seed"]; ok {
		fmt.Sscanf(s, "%d", &seed)
	}
	batch := 25
	if b, ok := cfg.Options["batch_size"]; ok {
		fmt.Sscanf(b, "%d", &batch)
	}
	return &SimAdapter{
		feedID: feedID,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		batch:  batch,
	}
}

// Name returns the adapter identifier.
func (a *SimAdapter) Name() string { return "sim" }

var simTags = [][]string{
	{"c2", "malware"},
	{"phishing"},
	{"botnet", "scanner"},
	{"apt"},
	{"spam"},
}

// Sync emits a batch of synthetic records.
func (a *SimAdapter) Sync(ctx context.Context) ([]intel.IndicatorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	records := make([]intel.IndicatorRecord, 0, a.batch)
	for i := 0; i < a.batch; i++ {
		var (
			iocType intel.IOCType
			value   string
		)
		switch a.rng.Intn(4) {
		case 0:
			iocType = intel.IOCTypeIP
			value = fmt.Sprintf("198.51.%d.%d", a.rng.Intn(256), a.rng.Intn(256))
		case 1:
			iocType = intel.IOCTypeDomain
			value = fmt.Sprintf("host-%04d.sim.example", a.rng.Intn(5000))
		case 2:
			iocType = intel.IOCTypeURL
			value = fmt.Sprintf("http://host-%04d.sim.example/p/%d", a.rng.Intn(5000), a.rng.Intn(100))
		default:
			iocType = intel.IOCTypeHash
			value = fmt.Sprintf("%032x", a.rng.Uint64())
		}
		records = append(records, intel.IndicatorRecord{
			Type:       iocType,
			Value:      value,
			Confidence: 0.3 + a.rng.Float64()*0.6,
			Severity:   1 + a.rng.Intn(10),
			SeenAt:     now.Add(-time.Duration(a.rng.Intn(3600)) * time.Second),
			Source:     a.feedID,
			Tags:       simTags[a.rng.Intn(len(simTags))],
		})
	}
	return records, nil
}
