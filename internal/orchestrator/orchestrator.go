// Package orchestrator starts every recorder task and keeps them isolated
// from each other.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/archive"
	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/events"
	"github.com/gftdcojp/segment-recorder/internal/janitor"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/metrics"
	"github.com/gftdcojp/segment-recorder/internal/pipeline"
	"github.com/gftdcojp/segment-recorder/internal/serve"
	"github.com/gftdcojp/segment-recorder/internal/supervisor"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/gftdcojp/segment-recorder/pkg/s3util"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Deps struct {
	Config   *config.Config
	Launcher pipeline.Launcher
	Journal  journal.Store

	// NATS is nil when events are disabled, S3 when archiving is.
	NATS *nats.Conn
	S3   *s3util.Client

	Logger *zap.Logger
}

type task struct {
	name string
	run  func(ctx context.Context) error
}

type Orchestrator struct {
	cfg         *config.Config
	supervisors []*supervisor.Supervisor
	janitor     *janitor.Janitor
	tasks       []task
	logger      *zap.Logger
}

func New(d Deps) *Orchestrator {
	cfg := d.Config
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var pub events.Publisher = events.Nop{}
	if d.NATS != nil {
		pub = events.NewNATSPublisher(d.NATS, cfg.Events.SubjectPrefix, logger.Named("events"))
	}

	o := &Orchestrator{cfg: cfg, logger: logger}

	live := logger.Named("recorder")
	for _, sc := range cfg.Streams {
		s := supervisor.New(supervisor.Config{
			Stream:   sc,
			Storage:  cfg.Storage,
			FFmpeg:   cfg.FFmpeg,
			Timing:   cfg.Supervisor,
			Launcher: d.Launcher,
			Journal:  d.Journal,
			Events:   pub,
			Logger:   logger.Named("supervisor"),
			LiveSink: live,
		})
		o.supervisors = append(o.supervisors, s)
		o.addTask("supervisor/"+sc.Name, s.Run)
	}

	o.janitor = janitor.New(janitor.Config{
		Root:      cfg.Storage.RootDir,
		Extension: cfg.Storage.Extension(),
		MaxBytes:  int64(cfg.Storage.MaxDiskBytes),
		Interval:  cfg.Janitor.Interval.Duration(),
		Journal:   d.Journal,
		Events:    pub,
		Logger:    logger.Named("janitor"),
	})
	o.addTask("janitor", o.janitor.Run)

	if cfg.Archive.Enabled && d.S3 != nil {
		names := make([]string, 0, len(cfg.Streams))
		for _, sc := range cfg.Streams {
			names = append(names, sc.Name)
		}
		up := archive.New(d.S3.S3, archive.Config{
			Archive: cfg.Archive,
			Storage: cfg.Storage,
			Streams: names,
			Journal: d.Journal,
			Events:  pub,
			Logger:  logger.Named("archive"),
		})
		o.addTask("archive", up.Run)
	}

	if cfg.API.Enabled {
		router := serve.NewRouter(o, d.Journal, o.janitor, logger.Named("api"))
		o.addTask("api", func(ctx context.Context) error {
			return serve.RunHTTP(ctx, cfg.API, router, logger.Named("api"))
		})
	}

	if d.NATS != nil && cfg.Events.StatusResponder {
		o.addTask("status-responder", func(ctx context.Context) error {
			return events.RunStatusResponder(ctx, d.NATS, cfg.Events.SubjectPrefix, o, logger.Named("nats-responder"))
		})
	}

	if cfg.Observability.Metrics.Enabled {
		o.addTask("metrics", func(ctx context.Context) error {
			return metrics.RunServer(ctx, cfg.Observability.Metrics)
		})
	}

	if cfg.Observability.Health.Enabled {
		checker := metrics.NewHealthChecker(metrics.HealthDeps{
			NATS:    d.NATS,
			Journal: d.Journal,
			S3:      d.S3,
			RootDir: cfg.Storage.RootDir,
			Streams: o,
		})
		o.addTask("health", func(ctx context.Context) error {
			return metrics.RunHealthServer(ctx, cfg.Observability.Health, checker)
		})
	}

	return o
}

func (o *Orchestrator) addTask(name string, run func(ctx context.Context) error) {
	o.tasks = append(o.tasks, task{name: name, run: run})
}

// Statuses returns a snapshot of every stream supervisor, in config order.
func (o *Orchestrator) Statuses() []types.StreamStatus {
	out := make([]types.StreamStatus, 0, len(o.supervisors))
	for _, s := range o.supervisors {
		out = append(out, s.Status())
	}
	return out
}

// Janitor exposes the disk janitor for on-demand sweeps.
func (o *Orchestrator) Janitor() *janitor.Janitor { return o.janitor }

// Run starts all tasks and blocks until ctx is cancelled. It then waits up
// to the shutdown timeout for tasks to stop and returns regardless.
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.cfg.Storage.KeepFreeBytes > 0 {
		o.logger.Warn("storage.keep_free_bytes is not enforced",
			zap.Stringer("keep_free_bytes", o.cfg.Storage.KeepFreeBytes))
	}
	if o.cfg.Storage.SegmentTargetBytes > 0 {
		o.logger.Warn("storage.segment_target_bytes is not enforced",
			zap.Stringer("segment_target_bytes", o.cfg.Storage.SegmentTargetBytes))
	}
	if err := os.MkdirAll(o.cfg.Storage.RootDir, 0755); err != nil {
		o.logger.Error("creating root dir", zap.String("root", o.cfg.Storage.RootDir), zap.Error(err))
	}

	// A plain group: one task ending must not cancel the others.
	var g errgroup.Group
	for _, t := range o.tasks {
		g.Go(func() error {
			o.runTask(ctx, t)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	o.logger.Info("recorder started",
		zap.Int("streams", len(o.supervisors)),
		zap.Int("tasks", len(o.tasks)),
		zap.String("root", o.cfg.Storage.RootDir),
		zap.Stringer("max_disk_bytes", o.cfg.Storage.MaxDiskBytes),
	)

	select {
	case <-done:
		o.logger.Warn("all tasks ended before shutdown")
		return nil
	case <-ctx.Done():
	}

	timeout := o.cfg.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = config.DefaultShutdownTimeout
	}
	o.logger.Info("shutting down", zap.Duration("timeout", timeout))

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		o.logger.Info("all tasks stopped")
	case <-timer.C:
		o.logger.Warn("shutdown timeout elapsed with tasks still running")
	}
	return nil
}

func (o *Orchestrator) runTask(ctx context.Context, t task) {
	logger := o.logger.With(zap.String("task", t.name))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	err := t.run(ctx)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		logger.Debug("task stopped")
	default:
		logger.Error("task failed", zap.Error(fmt.Errorf("%s: %w", t.name, err)))
	}
}
