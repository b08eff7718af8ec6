package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"github.com/shopspring/decimal"

	"github.com/perchbot/perch/internal/registry"
)

// usageArchive writes pruned usage rows as zstd-compressed JSONL, one file
// per prune day. Re-runs on the same day append a fresh zstd frame;
// concatenated frames decode as one stream.
type usageArchive struct {
	dir string
}

func newUsageArchive(dir string) *usageArchive {
	if dir == "" {
		return nil
	}
	return &usageArchive{dir: dir}
}

type archivedUsage struct {
	TS            time.Time       `json:"ts"`
	Channel       string          `json:"channel"`
	Model         string          `json:"model"`
	Feature       string          `json:"feature,omitempty"`
	TokensIn      int64           `json:"tokens_in"`
	TokensOut     int64           `json:"tokens_out"`
	LatencyMS     int64           `json:"latency_ms"`
	EstimatedCost decimal.Decimal `json:"estimated_cost"`
}

// Write appends rows to the archive file for the given day.
func (a *usageArchive) Write(day time.Time, rows []registry.UsageRecord) (err error) {
	if len(rows) == 0 {
		return nil
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("archive: create dir: %w", err)
	}
	path := filepath.Join(a.dir, fmt.Sprintf("usage-%s.jsonl.zst", day.UTC().Format("20060102")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("archive: close %s: %w", path, cerr)
		}
	}()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("archive: zstd writer: %w", err)
	}
	for _, rec := range rows {
		line, err := json.Marshal(archivedUsage{
			TS:            rec.TS,
			Channel:       rec.Channel,
			Model:         rec.Model,
			Feature:       rec.Feature,
			TokensIn:      rec.TokensIn,
			TokensOut:     rec.TokensOut,
			LatencyMS:     rec.LatencyMS,
			EstimatedCost: rec.EstimatedCost,
		})
		if err != nil {
			_ = enc.Close()
			return fmt.Errorf("archive: encode row: %w", err)
		}
		line = append(line, '\n')
		if _, err := enc.Write(line); err != nil {
			_ = enc.Close()
			return fmt.Errorf("archive: write row: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("archive: flush: %w", err)
	}
	return nil
}
