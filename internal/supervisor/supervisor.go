// Package supervisor keeps one recording pipeline alive per stream.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/events"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/metrics"
	"github.com/gftdcojp/segment-recorder/internal/pipeline"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Stream   config.StreamConfig
	Storage  config.StorageConfig
	FFmpeg   config.FFmpegConfig
	Timing   config.SupervisorConfig
	Launcher pipeline.Launcher

	// Journal and Events are optional.
	Journal journal.Store
	Events  events.Publisher

	Logger *zap.Logger
	// LiveSink receives every diagnostic line of the pipeline.
	LiveSink *zap.Logger
}

// Supervisor runs the launch, wait, back off loop for a single stream.
// Only one pipeline instance is alive at a time: Wait returns before the
// next launch is attempted.
type Supervisor struct {
	cfg    Config
	logger *zap.Logger
	live   *zap.Logger
	events events.Publisher

	mu     sync.Mutex
	status types.StreamStatus
}

func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := cfg.LiveSink
	if live == nil {
		live = logger.Named("recorder")
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	name := cfg.Stream.Name
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With(zap.String("stream", name)),
		live:   live.With(zap.String("stream", name)),
		events: pub,
		status: types.StreamStatus{
			Stream: name,
			State:  types.StateLaunching,
			Since:  time.Now(),
		},
	}
}

// Name is the supervised stream's name.
func (s *Supervisor) Name() string { return s.cfg.Stream.Name }

// Status returns a snapshot of the supervisor.
func (s *Supervisor) Status() types.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if st.LastExitCode != nil {
		code := *st.LastExitCode
		st.LastExitCode = &code
	}
	return st
}

func (s *Supervisor) update(fn func(st *types.StreamStatus)) {
	s.mu.Lock()
	fn(&s.status)
	s.mu.Unlock()
}

func (s *Supervisor) setState(state types.StreamState) {
	s.update(func(st *types.StreamStatus) {
		st.State = state
		st.Since = time.Now()
	})
}

// Run supervises the stream until ctx is cancelled. It only returns early
// when the stream or log directory cannot be created.
func (s *Supervisor) Run(ctx context.Context) error {
	name := s.cfg.Stream.Name
	streamDir := s.cfg.Storage.StreamDir(name)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return fmt.Errorf("creating stream dir %s: %w", streamDir, err)
	}
	logDir := s.cfg.Storage.LogDirectory()
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("creating log dir %s: %w", logDir, err)
	}

	logFile := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name+".log"),
		MaxSize:    s.cfg.Storage.LogMaxSizeMB,
		MaxBackups: s.cfg.Storage.LogMaxBackups,
		Compress:   s.cfg.Storage.LogCompress,
	}
	defer logFile.Close()

	s.logger.Info("supervising stream", zap.String("dir", streamDir))

	for {
		if ctx.Err() != nil {
			break
		}
		if !s.runOnce(ctx, logFile) {
			break
		}
	}

	s.setState(types.StateStopped)
	metrics.PipelineUp.WithLabelValues(name).Set(0)
	s.logger.Info("stream supervisor stopped")
	return ctx.Err()
}

// runOnce performs a single launch attempt, waits for the instance to end
// and sleeps the matching backoff. It reports false when ctx ended.
func (s *Supervisor) runOnce(ctx context.Context, logFile io.Writer) bool {
	name := s.cfg.Stream.Name
	// Arguments are rebuilt on every attempt.
	spec := pipeline.NewSpec(s.cfg.FFmpeg, s.cfg.Storage, s.cfg.Stream)

	s.setState(types.StateLaunching)
	startedAt := time.Now()

	proc, err := s.cfg.Launcher.Launch(ctx, spec)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		backoff := s.cfg.Timing.LaunchBackoff.Duration()
		s.logger.Error("failed to launch pipeline",
			zap.String("path", spec.Path),
			zap.Duration("retry_in", backoff),
			zap.Error(err),
		)
		metrics.PipelineLaunchFailures.WithLabelValues(name).Inc()
		s.update(func(st *types.StreamStatus) {
			st.State = types.StateLaunchFailed
			st.Since = time.Now()
			st.LaunchFailures++
			st.LastError = err.Error()
			st.RunID = ""
			st.PID = 0
		})
		s.putRun(ctx, types.RunRecord{
			Stream:      name,
			RunID:       uuid.NewString(),
			StartedAt:   startedAt,
			EndedAt:     time.Now(),
			ExitCode:    -1,
			LaunchError: err.Error(),
		})
		s.events.Publish(ctx, events.Event{
			Type:   events.LaunchFailed,
			Stream: name,
			Error:  err.Error(),
		})

		s.setState(types.StateBackoffError)
		return sleepCtx(ctx, backoff)
	}

	runID, pid := proc.ID(), proc.PID()
	s.logger.Info("pipeline started", zap.String("run_id", runID), zap.Int("pid", pid))
	metrics.PipelineLaunches.WithLabelValues(name).Inc()
	metrics.PipelineUp.WithLabelValues(name).Set(1)
	s.update(func(st *types.StreamStatus) {
		st.State = types.StateRunning
		st.Since = time.Now()
		st.Launches++
		st.RunID = runID
		st.PID = pid
	})
	rec := types.RunRecord{Stream: name, RunID: runID, PID: pid, StartedAt: startedAt}
	s.putRun(ctx, rec)
	s.events.Publish(ctx, events.Event{Type: events.PipelineStarted, Stream: name, RunID: runID, PID: pid})

	// The drain is never joined; it ends on EOF once the pipeline is gone.
	go s.drain(proc.Diagnostics(), logFile)

	exit := proc.Wait()

	endedAt := time.Now()
	metrics.PipelineUp.WithLabelValues(name).Set(0)
	metrics.PipelineExits.WithLabelValues(name, strconv.Itoa(exit.Code)).Inc()
	metrics.PipelineRunDuration.WithLabelValues(name).Observe(endedAt.Sub(startedAt).Seconds())

	code := exit.Code
	s.update(func(st *types.StreamStatus) {
		st.State = types.StateExited
		st.Since = endedAt
		st.LastExitCode = &code
		st.PID = 0
		if exit.Err != nil {
			st.LastError = exit.Err.Error()
		}
	})
	rec.EndedAt = endedAt
	rec.ExitCode = code
	// The journal write must survive shutdown, so it is not tied to ctx.
	s.putRun(context.WithoutCancel(ctx), rec)
	ev := events.Event{Type: events.PipelineExited, Stream: name, RunID: runID, PID: pid, ExitCode: &code}
	if exit.Err != nil {
		ev.Error = exit.Err.Error()
	}
	s.events.Publish(ctx, ev)

	if ctx.Err() != nil {
		s.logger.Info("pipeline stopped", zap.String("run_id", runID), zap.Int("exit_code", code))
		return false
	}

	backoff := s.cfg.Timing.ExitBackoff.Duration()
	fields := []zap.Field{
		zap.String("run_id", runID),
		zap.Int("exit_code", code),
		zap.String("status", exit.State),
		zap.Duration("restart_in", backoff),
	}
	if exit.Err != nil {
		fields = append(fields, zap.Error(exit.Err))
	}
	s.logger.Warn("pipeline exited", fields...)

	s.setState(types.StateBackoffCrash)
	return sleepCtx(ctx, backoff)
}

func (s *Supervisor) putRun(ctx context.Context, rec types.RunRecord) {
	if s.cfg.Journal == nil {
		return
	}
	if err := s.cfg.Journal.PutRun(ctx, rec); err != nil {
		s.logger.Warn("journal write failed", zap.String("run_id", rec.RunID), zap.Error(err))
	}
}

// drain copies diagnostic lines to the live sink and the stream's log file.
// Write errors are dropped.
func (s *Supervisor) drain(r io.ReadCloser, logFile io.Writer) {
	defer r.Close()
	name := s.cfg.Stream.Name
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			s.live.Info(line)
			io.WriteString(logFile, line+"\n")
			metrics.DiagnosticLines.WithLabelValues(name).Inc()
			s.update(func(st *types.StreamStatus) { st.DiagnosticLines++ })
		}
		if err != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
