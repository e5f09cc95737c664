package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	valkey "github.com/valkey-io/valkey-go"

	"github.com/scottpeterman/gosnmpscan/pkg/scanner"
)

// Snapshot is the document stored under the progress key.
type Snapshot struct {
	ScanID    string           `json:"scan_id"`
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
	Percent   float64          `json:"percent"`
	Current   string           `json:"current,omitempty"`
	Done      bool             `json:"done"`
	Summary   *scanner.Summary `json:"summary,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

func snapshot(scanID string, p scanner.Progress, now time.Time) Snapshot {
	s := Snapshot{
		ScanID:    scanID,
		Completed: p.Completed,
		Total:     p.Total,
		Current:   p.Current,
		UpdatedAt: now,
	}
	if p.Total > 0 {
		s.Percent = float64(p.Completed) / float64(p.Total) * 100
	}
	return s
}

// ValkeyProgress mirrors scan progress into a Valkey key with a TTL, so
// dashboards can poll a running scan and stale entries expire.
type ValkeyProgress struct {
	client valkey.Client
	key    string
	ttl    time.Duration
	scanID string
	log    logrus.FieldLogger
}

// NewValkeyProgress connects to address. The key is suffixed with the
// scan ID.
func NewValkeyProgress(address, key string, ttl time.Duration, scanID string, log logrus.FieldLogger) (*ValkeyProgress, error) {
	if log == nil {
		log = discard()
	}
	if address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("valkey ttl must be positive, got %s", ttl)
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{address}})
	if err != nil {
		return nil, fmt.Errorf("connect to valkey %s: %w", address, err)
	}
	return &ValkeyProgress{
		client: client,
		key:    ProgressKey(key, scanID),
		ttl:    ttl,
		scanID: scanID,
		log:    log.WithField("key", ProgressKey(key, scanID)),
	}, nil
}

// ProgressKey is the key a scan's snapshot is stored under.
func ProgressKey(prefix, scanID string) string {
	return prefix + ":" + scanID
}

// Key returns the key snapshots are written to.
func (v *ValkeyProgress) Key() string {
	return v.key
}

// Update stores the latest progress.
func (v *ValkeyProgress) Update(ctx context.Context, p scanner.Progress) error {
	return v.set(ctx, snapshot(v.scanID, p, time.Now()))
}

// Finish stores the final snapshot with the scan summary.
func (v *ValkeyProgress) Finish(ctx context.Context, summary scanner.Summary) error {
	s := snapshot(v.scanID, scanner.Progress{Completed: summary.Total, Total: summary.Total}, time.Now())
	s.Done = true
	s.Summary = &summary
	return v.set(ctx, s)
}

func (v *ValkeyProgress) set(ctx context.Context, s Snapshot) error {
	value, err := json.Marshal(s)
	if err != nil {
		return err
	}
	cmd := v.client.B().Set().Key(v.key).Value(string(value)).Ex(v.ttl).Build()
	if err := v.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("valkey SET for key '%s' failed: %w", v.key, err)
	}
	v.log.WithField("completed", s.Completed).Debug("Progress stored")
	return nil
}

// Close shuts down the client.
func (v *ValkeyProgress) Close() {
	v.client.Close()
}
