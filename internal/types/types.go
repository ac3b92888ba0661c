package types

import "time"

// StreamState is the supervision state of one stream's recording pipeline.
type StreamState int

const (
	StateLaunching StreamState = iota
	StateRunning
	StateExited
	StateBackoffCrash
	StateLaunchFailed
	StateBackoffError
	StateStopped
)

func (s StreamState) String() string {
	switch s {
	case StateLaunching:
		return "launching"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateBackoffCrash:
		return "backoff_crash"
	case StateLaunchFailed:
		return "launch_failed"
	case StateBackoffError:
		return "backoff_error"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s StreamState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// SegmentFile is a recordable file found by a janitor scan. It is a
// point-in-time snapshot: a live pipeline may still be growing the file.
type SegmentFile struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// StreamStatus is a snapshot of a stream supervisor.
type StreamStatus struct {
	Stream          string      `json:"stream"`
	State           StreamState `json:"state"`
	RunID           string      `json:"run_id,omitempty"`
	PID             int         `json:"pid,omitempty"`
	Launches        uint64      `json:"launches"`
	LaunchFailures  uint64      `json:"launch_failures"`
	LastExitCode    *int        `json:"last_exit_code,omitempty"`
	LastError       string      `json:"last_error,omitempty"`
	Since           time.Time   `json:"since"`
	DiagnosticLines uint64      `json:"diagnostic_lines"`
}

// RunRecord describes one pipeline instance, from launch attempt to exit.
type RunRecord struct {
	Stream      string    `json:"stream"`
	RunID       string    `json:"run_id"`
	PID         int       `json:"pid,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
	ExitCode    int       `json:"exit_code"`
	LaunchError string    `json:"launch_error,omitempty"`
}

// Eviction is a segment removed by the janitor to honour the disk quota.
type Eviction struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	DeletedAt time.Time `json:"deleted_at"`
}
