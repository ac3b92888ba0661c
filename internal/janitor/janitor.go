// Package janitor keeps recorded segments under the disk quota by deleting
// the oldest ones.
package janitor

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/gftdcojp/segment-recorder/internal/events"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/metrics"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"go.uber.org/zap"
)

type Config struct {
	Root      string
	Extension string // without the leading dot
	MaxBytes  int64
	Interval  time.Duration

	// Journal and Events are optional.
	Journal journal.Store
	Events  events.Publisher
	Logger  *zap.Logger
}

// Result summarises one sweep.
type Result struct {
	Files      int              `json:"files"`
	TotalBytes int64            `json:"total_bytes"`
	LimitBytes int64            `json:"limit_bytes"`
	Overage    int64            `json:"overage_bytes"`
	Evicted    []types.Eviction `json:"evicted"`
	FreedBytes int64            `json:"freed_bytes"`
	Failures   int              `json:"failures"`
}

type Janitor struct {
	cfg    Config
	logger *zap.Logger
	events events.Publisher
	remove func(path string) error

	mu sync.Mutex // serialises sweeps
}

func New(cfg Config) *Janitor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Janitor{
		cfg:    cfg,
		logger: logger,
		events: pub,
		remove: os.Remove,
	}
}

// Run sweeps once immediately and then every Interval until ctx is
// cancelled. A failed sweep is logged and the next tick proceeds normally.
func (j *Janitor) Run(ctx context.Context) error {
	metrics.LimitBytes.Set(float64(j.cfg.MaxBytes))

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Error("janitor sweep failed", zap.String("root", j.cfg.Root), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep scans the root and, when usage exceeds MaxBytes, deletes segments
// oldest first until the deleted bytes cover the overage.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	start := time.Now()
	defer func() { metrics.JanitorSweepDuration.Observe(time.Since(start).Seconds()) }()

	res := Result{LimitBytes: j.cfg.MaxBytes}

	files, err := Scan(j.cfg.Root, j.cfg.Extension)
	if err != nil {
		metrics.JanitorSweeps.WithLabelValues("error").Inc()
		return res, err
	}
	res.Files = len(files)
	for _, f := range files {
		res.TotalBytes += f.Size
	}
	metrics.SegmentFiles.Set(float64(res.Files))
	metrics.UsageBytes.Set(float64(res.TotalBytes))

	if res.TotalBytes <= j.cfg.MaxBytes {
		metrics.JanitorSweeps.WithLabelValues("noop").Inc()
		return res, nil
	}
	res.Overage = res.TotalBytes - j.cfg.MaxBytes

	j.logger.Info("disk quota exceeded",
		zap.String("usage", units.BytesSize(float64(res.TotalBytes))),
		zap.String("limit", units.BytesSize(float64(j.cfg.MaxBytes))),
		zap.Int64("overage_bytes", res.Overage),
	)

	// Equal timestamps keep scan order.
	sort.SliceStable(files, func(a, b int) bool {
		return files[a].ModTime.Before(files[b].ModTime)
	})

	for _, f := range files {
		if res.FreedBytes >= res.Overage {
			break
		}
		if err := j.remove(f.Path); err != nil {
			j.logger.Warn("failed to delete segment", zap.String("file", f.Path), zap.Error(err))
			metrics.EvictionErrors.Inc()
			res.Failures++
			continue
		}
		res.FreedBytes += f.Size

		j.logger.Info("deleted segment to honour quota",
			zap.String("file", f.Path),
			zap.String("size", units.BytesSize(float64(f.Size))),
		)
		ev := types.Eviction{Path: f.Path, Size: f.Size, ModTime: f.ModTime, DeletedAt: time.Now()}
		res.Evicted = append(res.Evicted, ev)
		metrics.EvictedFiles.Inc()
		metrics.EvictedBytes.Add(float64(f.Size))

		if j.cfg.Journal != nil {
			if err := j.cfg.Journal.RecordEviction(ctx, ev); err != nil {
				j.logger.Warn("journal write failed", zap.String("file", f.Path), zap.Error(err))
			}
		}
		j.events.Publish(ctx, events.Event{
			Type: events.SegmentEvicted,
			Path: f.Path,
			Size: f.Size,
		})
	}

	metrics.UsageBytes.Set(float64(res.TotalBytes - res.FreedBytes))
	metrics.JanitorSweeps.WithLabelValues("evicted").Inc()
	if res.FreedBytes < res.Overage {
		j.logger.Warn("quota still exceeded after sweep",
			zap.Int64("freed_bytes", res.FreedBytes),
			zap.Int64("overage_bytes", res.Overage),
			zap.Int("failures", res.Failures),
		)
	}
	return res, nil
}

// Scan lists every regular file under root with the given extension. Any
// walk error, including an entry vanishing mid-scan, aborts the scan.
func Scan(root, ext string) ([]types.SegmentFile, error) {
	suffix := "." + ext
	var files []types.SegmentFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || filepath.Ext(path) != suffix {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, types.SegmentFile{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", root, err)
	}
	return files, nil
}
