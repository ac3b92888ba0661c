package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/events"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/orchestrator"
	"github.com/gftdcojp/segment-recorder/internal/pipeline"
	"github.com/gftdcojp/segment-recorder/pkg/natsutil"
	"github.com/gftdcojp/segment-recorder/pkg/s3util"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "config.toml"

func main() {
	// ${VAR} references in the config may come from a local .env file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Observability.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("fatal error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(cfg.Storage.RootDir, 0755); err != nil {
		return fmt.Errorf("creating root dir: %w", err)
	}

	js, err := journal.OpenBoltStore(cfg.State.Path, journal.Retention{
		MaxRunsPerStream: cfg.State.MaxRunsPerStream,
		MaxEvictions:     cfg.State.MaxEvictions,
	}, logger.Named("journal"))
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer js.Close()

	var nc *nats.Conn
	if cfg.Events.Enabled {
		nc, err = natsutil.Connect(cfg.Events, logger.Named("nats"))
		if err != nil {
			return fmt.Errorf("connecting to NATS: %w", err)
		}
		defer nc.Close()

		if cfg.Events.JetStream != "" {
			if err := ensureEventStream(ctx, nc, cfg.Events, logger); err != nil {
				logger.Warn("event retention disabled", zap.Error(err))
			}
		}
	}

	var s3Client *s3util.Client
	if cfg.Archive.Enabled {
		s3Client, err = s3util.NewClient(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("creating S3 client: %w", err)
		}
	}

	orch := orchestrator.New(orchestrator.Deps{
		Config:   cfg,
		Launcher: &pipeline.ExecLauncher{StopGrace: cfg.Supervisor.StopGrace.Duration()},
		Journal:  js,
		NATS:     nc,
		S3:       s3Client,
		Logger:   logger,
	})

	logger.Info("segment-recorder starting",
		zap.String("version", version),
		zap.String("root", cfg.Storage.RootDir),
		zap.Int("streams", len(cfg.Streams)),
		zap.Bool("events", nc != nil),
		zap.Bool("archive", s3Client != nil),
	)

	return orch.Run(ctx)
}

func ensureEventStream(ctx context.Context, nc *nats.Conn, cfg config.EventsConfig, logger *zap.Logger) error {
	js, err := jetstream.New(nc)
	if err != nil {
		return err
	}
	if _, err := events.EnsureStream(ctx, js, cfg.JetStream, cfg.SubjectPrefix, cfg.JetStreamMaxAge.Duration()); err != nil {
		return err
	}
	logger.Info("event stream ready", zap.String("stream", cfg.JetStream))
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	switch cfg.Level {
	case "debug":
		zapCfg.Level.SetLevel(zap.DebugLevel)
	case "info":
		zapCfg.Level.SetLevel(zap.InfoLevel)
	case "warn":
		zapCfg.Level.SetLevel(zap.WarnLevel)
	case "error":
		zapCfg.Level.SetLevel(zap.ErrorLevel)
	}

	return zapCfg.Build()
}
