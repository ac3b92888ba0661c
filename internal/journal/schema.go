package journal

import (
	"encoding/binary"
	"time"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketRuns       = []byte("runs")
	bucketEvictions  = []byte("evictions")
	bucketArchived   = []byte("archived")
	keySchemaVersion = []byte("schema_version")
)

const currentSchemaVersion = 1

// ArchiveEntry records a segment that has been offloaded to object storage.
type ArchiveEntry struct {
	Path       string
	Key        string
	Size       int64
	UploadedAt time.Time
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// runKey orders runs by start time; the run ID disambiguates equal stamps.
func runKey(startedAt time.Time, runID string) []byte {
	k := make([]byte, 8, 8+len(runID))
	binary.BigEndian.PutUint64(k, uint64(startedAt.UnixNano()))
	return append(k, runID...)
}
