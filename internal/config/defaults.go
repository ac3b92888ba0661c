package config

import "time"

// Timing defaults kept for parity with the recorder's historical behaviour.
const (
	DefaultExitBackoff     = 3 * time.Second
	DefaultLaunchBackoff   = 10 * time.Second
	DefaultStopGrace       = 5 * time.Second
	DefaultJanitorInterval = 10 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			LogMaxSizeMB:  50,
			LogMaxBackups: 3,
		},
		Supervisor: SupervisorConfig{
			ExitBackoff:   Duration(DefaultExitBackoff),
			LaunchBackoff: Duration(DefaultLaunchBackoff),
			StopGrace:     Duration(DefaultStopGrace),
		},
		Janitor: JanitorConfig{
			Interval: Duration(DefaultJanitorInterval),
		},
		State: StateConfig{
			MaxRunsPerStream: 500,
			MaxEvictions:     5000,
		},
		Archive: ArchiveConfig{
			Enabled:     false,
			Region:      "us-east-1",
			Interval:    Duration(30 * time.Second),
			Concurrency: 8,
		},
		Events: EventsConfig{
			Enabled:        false,
			SubjectPrefix:  "recorder",
			ConnectionName: "segment-recorder",
			MaxReconnects:  -1,
			ReconnectWait:  Duration(2 * time.Second),
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Listen:  ":9090",
				Path:    "/metrics",
			},
			Health: HealthConfig{
				Enabled:       true,
				Listen:        ":8081",
				LivenessPath:  "/healthz",
				ReadinessPath: "/readyz",
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
	}
}
