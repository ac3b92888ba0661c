package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage       StorageConfig       `toml:"storage" yaml:"storage"`
	FFmpeg        FFmpegConfig        `toml:"ffmpeg" yaml:"ffmpeg"`
	Streams       []StreamConfig      `toml:"streams" yaml:"streams"`
	Supervisor    SupervisorConfig    `toml:"supervisor" yaml:"supervisor"`
	Janitor       JanitorConfig       `toml:"janitor" yaml:"janitor"`
	State         StateConfig         `toml:"state" yaml:"state"`
	Archive       ArchiveConfig       `toml:"archive" yaml:"archive"`
	Events        EventsConfig        `toml:"events" yaml:"events"`
	API           APIConfig           `toml:"api" yaml:"api"`
	Observability ObservabilityConfig `toml:"observability" yaml:"observability"`

	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	RootDir            string   `toml:"root_dir" yaml:"root_dir"`
	MaxDiskBytes       ByteSize `toml:"max_disk_bytes" yaml:"max_disk_bytes"`
	SegmentTimeSec     int      `toml:"segment_time_sec" yaml:"segment_time_sec"`
	SegmentTargetBytes ByteSize `toml:"segment_target_bytes" yaml:"segment_target_bytes"`
	KeepFreeBytes      ByteSize `toml:"keep_free_bytes" yaml:"keep_free_bytes"`
	OutputFormat       string   `toml:"output_format" yaml:"output_format"`
	LogDir             string   `toml:"log_dir" yaml:"log_dir"`
	LogMaxSizeMB       int      `toml:"log_max_size_mb" yaml:"log_max_size_mb"`
	LogMaxBackups      int      `toml:"log_max_backups" yaml:"log_max_backups"`
	LogCompress        bool     `toml:"log_compress" yaml:"log_compress"`
}

// Extension is the file extension (without dot) of recordable segments.
func (s StorageConfig) Extension() string {
	if s.OutputFormat == "mp4" {
		return "mp4"
	}
	return "ts"
}

// LogDirectory resolves the per-stream diagnostic log directory.
func (s StorageConfig) LogDirectory() string {
	if s.LogDir != "" {
		return s.LogDir
	}
	return filepath.Join(s.RootDir, "logs")
}

// StreamDir is the directory segments of the named stream are written to.
func (s StorageConfig) StreamDir(name string) string {
	return filepath.Join(s.RootDir, name)
}

type FFmpegConfig struct {
	Path            string   `toml:"path" yaml:"path"`
	RTSPTransport   string   `toml:"rtsp_transport" yaml:"rtsp_transport"`
	ExtraInputArgs  []string `toml:"extra_input_args" yaml:"extra_input_args"`
	ExtraOutputArgs []string `toml:"extra_output_args" yaml:"extra_output_args"`
}

// Executable returns the recorder binary, defaulting to ffmpeg on PATH.
func (f FFmpegConfig) Executable() string {
	if f.Path == "" {
		return "ffmpeg"
	}
	return f.Path
}

type StreamConfig struct {
	Name        string            `toml:"name" yaml:"name"`
	URL         string            `toml:"url" yaml:"url"`
	Headers     map[string]string `toml:"headers" yaml:"headers"`
	BearerToken string            `toml:"bearer_token" yaml:"bearer_token"`
	Transcode   *TranscodeConfig  `toml:"transcode" yaml:"transcode"`
}

type TranscodeConfig struct {
	VBitrate string `toml:"v_bitrate" yaml:"v_bitrate"`
	ABitrate string `toml:"a_bitrate" yaml:"a_bitrate"`
	Codec    string `toml:"codec" yaml:"codec"`
}

type SupervisorConfig struct {
	ExitBackoff   Duration `toml:"exit_backoff" yaml:"exit_backoff"`
	LaunchBackoff Duration `toml:"launch_backoff" yaml:"launch_backoff"`
	StopGrace     Duration `toml:"stop_grace" yaml:"stop_grace"`
}

type JanitorConfig struct {
	Interval Duration `toml:"interval" yaml:"interval"`
}

type StateConfig struct {
	Path             string `toml:"path" yaml:"path"`
	MaxRunsPerStream int    `toml:"max_runs_per_stream" yaml:"max_runs_per_stream"`
	MaxEvictions     int    `toml:"max_evictions" yaml:"max_evictions"`
}

type ArchiveConfig struct {
	Enabled         bool     `toml:"enabled" yaml:"enabled"`
	Endpoint        string   `toml:"endpoint" yaml:"endpoint"`
	Region          string   `toml:"region" yaml:"region"`
	Bucket          string   `toml:"bucket" yaml:"bucket"`
	Prefix          string   `toml:"prefix" yaml:"prefix"`
	AccessKeyID     string   `toml:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string   `toml:"secret_access_key" yaml:"secret_access_key"`
	ForcePathStyle  bool     `toml:"force_path_style" yaml:"force_path_style"`
	StorageClass    string   `toml:"storage_class" yaml:"storage_class"`
	Interval        Duration `toml:"interval" yaml:"interval"`
	MinAge          Duration `toml:"min_age" yaml:"min_age"`
	Concurrency     int      `toml:"concurrency" yaml:"concurrency"`
}

type EventsConfig struct {
	Enabled         bool      `toml:"enabled" yaml:"enabled"`
	URL             string    `toml:"url" yaml:"url"`
	SubjectPrefix   string    `toml:"subject_prefix" yaml:"subject_prefix"`
	CredentialsFile string    `toml:"credentials_file" yaml:"credentials_file"`
	NKeySeedFile    string    `toml:"nkey_seed_file" yaml:"nkey_seed_file"`
	Token           string    `toml:"token" yaml:"token"`
	TLS             TLSConfig `toml:"tls" yaml:"tls"`
	ConnectionName  string    `toml:"connection_name" yaml:"connection_name"`
	MaxReconnects   int       `toml:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait   Duration  `toml:"reconnect_wait" yaml:"reconnect_wait"`
	StatusResponder bool      `toml:"status_responder" yaml:"status_responder"`

	// JetStream, when set, names a stream that retains published events.
	JetStream       string   `toml:"jetstream_stream" yaml:"jetstream_stream"`
	JetStreamMaxAge Duration `toml:"jetstream_max_age" yaml:"jetstream_max_age"`
}

type TLSConfig struct {
	CAFile   string `toml:"ca_file" yaml:"ca_file"`
	CertFile string `toml:"cert_file" yaml:"cert_file"`
	KeyFile  string `toml:"key_file" yaml:"key_file"`
}

type APIConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

type ObservabilityConfig struct {
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
	Health  HealthConfig  `toml:"health" yaml:"health"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
	Path    string `toml:"path" yaml:"path"`
}

type HealthConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	Listen        string `toml:"listen" yaml:"listen"`
	LivenessPath  string `toml:"liveness_path" yaml:"liveness_path"`
	ReadinessPath string `toml:"readiness_path" yaml:"readiness_path"`
}

type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// Load reads the configuration file at path. The decoder is picked by
// extension: .yaml/.yml use YAML, anything else is treated as TOML.
// ${VAR} references are expanded from the environment first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// applyDerivedDefaults fills values whose default depends on other fields.
func (c *Config) applyDerivedDefaults() {
	if c.State.Path == "" && c.Storage.RootDir != "" {
		c.State.Path = filepath.Join(c.Storage.RootDir, ".recorder.db")
	}
	if c.Archive.MinAge <= 0 && c.Storage.SegmentTimeSec > 0 {
		c.Archive.MinAge = Duration(2 * time.Duration(c.Storage.SegmentTimeSec) * time.Second)
	}
}

func (c *Config) Validate() error {
	if c.Storage.RootDir == "" {
		return fmt.Errorf("storage.root_dir is required")
	}
	if c.Storage.MaxDiskBytes <= 0 {
		return fmt.Errorf("storage.max_disk_bytes must be > 0")
	}
	if c.Storage.SegmentTimeSec <= 0 {
		return fmt.Errorf("storage.segment_time_sec must be > 0")
	}
	if c.Storage.SegmentTargetBytes < 0 || c.Storage.KeepFreeBytes < 0 {
		return fmt.Errorf("storage byte limits must not be negative")
	}
	switch c.Storage.OutputFormat {
	case "", "mp4", "mpegts":
	default:
		return fmt.Errorf("storage.output_format must be \"mp4\", \"mpegts\" or empty, got %q", c.Storage.OutputFormat)
	}

	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream must be configured")
	}

	seen := make(map[string]bool, len(c.Streams))
	tokens := make(map[string]string, len(c.Streams))
	for i, sc := range c.Streams {
		if sc.Name == "" {
			return fmt.Errorf("streams[%d].name is required", i)
		}
		if strings.ContainsAny(sc.Name, `/\`) || sc.Name == "." || sc.Name == ".." {
			return fmt.Errorf("streams[%d] (%s): name must be a plain directory name", i, sc.Name)
		}
		if seen[sc.Name] {
			return fmt.Errorf("streams[%d]: duplicate stream name %q", i, sc.Name)
		}
		seen[sc.Name] = true
		tok := SubjectToken(sc.Name)
		if tok == "status" || tok == "_janitor" {
			return fmt.Errorf("streams[%d] (%s): name is reserved for event subjects", i, sc.Name)
		}
		if prev, ok := tokens[tok]; ok {
			return fmt.Errorf("streams[%d] (%s): event subject collides with stream %q", i, sc.Name, prev)
		}
		tokens[tok] = sc.Name
		if sc.URL == "" {
			return fmt.Errorf("streams[%d] (%s): url is required", i, sc.Name)
		}
		if sc.Transcode != nil && sc.Transcode.VBitrate == "" {
			return fmt.Errorf("streams[%d] (%s): transcode requires v_bitrate", i, sc.Name)
		}
	}

	if c.Supervisor.ExitBackoff <= 0 || c.Supervisor.LaunchBackoff <= 0 {
		return fmt.Errorf("supervisor backoffs must be > 0")
	}
	if c.Janitor.Interval <= 0 {
		return fmt.Errorf("janitor.interval must be > 0")
	}
	if c.State.MaxRunsPerStream <= 0 || c.State.MaxEvictions <= 0 {
		return fmt.Errorf("state.max_runs_per_stream and state.max_evictions must be > 0")
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive requires bucket")
		}
		if c.Archive.Interval <= 0 {
			return fmt.Errorf("archive.interval must be > 0")
		}
		if c.Archive.Concurrency <= 0 {
			return fmt.Errorf("archive.concurrency must be > 0")
		}
	}

	if c.Events.Enabled && c.Events.URL == "" {
		return fmt.Errorf("events.url is required when events are enabled")
	}

	return nil
}

// Duration wraps time.Duration for decoding strings like "3s", "10m".
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize is a byte count decoded from integers or strings such as
// "500000000000" or "200GB". Strings let very large values survive
// formats whose integer type is narrower than uint64.
type ByteSize int64

func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = ByteSize(parsed)
	return nil
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		var n int64
		if err2 := value.Decode(&n); err2 != nil {
			return err
		}
		*b = ByteSize(n)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// String renders the size with binary units, e.g. "1.5GiB".
func (b ByteSize) String() string {
	return units.BytesSize(float64(b))
}

func parseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	// Conversion of an overflowing float wraps or saturates depending on arch.
	if n < 0 || n == math.MaxInt64 {
		return 0, fmt.Errorf("byte size %q out of range", s)
	}
	return n, nil
}

// SubjectToken maps a stream name to the single NATS subject token its
// events and status requests use.
func SubjectToken(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, name)
}
