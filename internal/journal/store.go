package journal

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/gftdcojp/segment-recorder/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("journal: not found")

// Store is the durable ledger of pipeline runs, janitor evictions and
// archived segments. It is advisory: supervision and retention never depend
// on it succeeding.
type Store interface {
	PutRun(ctx context.Context, rec types.RunRecord) error
	ListRuns(ctx context.Context, stream string, limit int) ([]types.RunRecord, error)

	RecordEviction(ctx context.Context, ev types.Eviction) error
	ListEvictions(ctx context.Context, limit int) ([]types.Eviction, error)

	MarkArchived(ctx context.Context, entry ArchiveEntry) error
	LookupArchived(ctx context.Context, path string) (*ArchiveEntry, error)

	Ping() error
	Close() error
}

// Retention caps how many records the journal keeps. The oldest records are
// pruned on write once a cap is exceeded. Zero values take the defaults.
type Retention struct {
	MaxRunsPerStream int
	MaxEvictions     int
}

const (
	DefaultMaxRunsPerStream = 500
	DefaultMaxEvictions     = 5000
)

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db        *bbolt.DB
	retention Retention
	logger    *zap.Logger
}

// NewBoltStore opens or creates a BoltDB journal with default retention.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	return OpenBoltStore(path, Retention{}, logger)
}

// OpenBoltStore opens or creates a BoltDB journal.
func OpenBoltStore(path string, retention Retention, logger *zap.Logger) (*BoltStore, error) {
	if retention.MaxRunsPerStream <= 0 {
		retention.MaxRunsPerStream = DefaultMaxRunsPerStream
	}
	if retention.MaxEvictions <= 0 {
		retention.MaxEvictions = DefaultMaxEvictions
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, retention: retention, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketRuns, bucketEvictions, bucketArchived} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		if got := bytesToUint64(v); got > currentSchemaVersion {
			return fmt.Errorf("journal schema version %d is newer than supported %d", got, currentSchemaVersion)
		}
		return nil
	})
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// PutRun inserts or replaces a run record. Records are keyed by start time
// and run ID, so the same record can be written at launch and at exit.
func (s *BoltStore) PutRun(_ context.Context, rec types.RunRecord) error {
	data, err := encode(&rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		sb, err := tx.Bucket(bucketRuns).CreateBucketIfNotExists([]byte(rec.Stream))
		if err != nil {
			return err
		}
		if err := sb.Put(runKey(rec.StartedAt, rec.RunID), data); err != nil {
			return err
		}
		pruned, err := keepNewest(sb, s.retention.MaxRunsPerStream)
		if pruned > 0 {
			s.logger.Debug("pruned run records", zap.String("stream", rec.Stream), zap.Int("count", pruned))
		}
		return err
	})
}

// ListRuns returns up to limit runs of a stream, newest first. limit <= 0
// returns all of them.
func (s *BoltStore) ListRuns(_ context.Context, stream string, limit int) ([]types.RunRecord, error) {
	var runs []types.RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		sb := tx.Bucket(bucketRuns).Bucket([]byte(stream))
		if sb == nil {
			return nil
		}
		c := sb.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec types.RunRecord
			if err := decode(v, &rec); err != nil {
				return err
			}
			runs = append(runs, rec)
			if limit > 0 && len(runs) >= limit {
				break
			}
		}
		return nil
	})
	return runs, err
}

// RecordEviction appends an eviction and drops any archive marker for the
// deleted path, since a future segment may reuse the name.
func (s *BoltStore) RecordEviction(_ context.Context, ev types.Eviction) error {
	data, err := encode(&ev)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEvictions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		if err := b.Put(uint64ToBytes(seq), data); err != nil {
			return err
		}
		if seq > uint64(s.retention.MaxEvictions) {
			if err := deleteUpTo(b, seq-uint64(s.retention.MaxEvictions)); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketArchived).Delete([]byte(ev.Path))
	})
}

// keepNewest deletes all but the last keep keys of b.
func keepNewest(b *bbolt.Bucket, keep int) (int, error) {
	c := b.Cursor()
	k, _ := c.Last()
	for i := 1; k != nil && i < keep; i++ {
		k, _ = c.Prev()
	}
	if k == nil {
		return 0, nil
	}
	var stale [][]byte
	for k, _ = c.Prev(); k != nil; k, _ = c.Prev() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	return len(stale), nil
}

// deleteUpTo deletes every sequence key <= last.
func deleteUpTo(b *bbolt.Bucket, last uint64) error {
	var stale [][]byte
	c := b.Cursor()
	for k, _ := c.First(); k != nil && bytesToUint64(k) <= last; k, _ = c.Next() {
		stale = append(stale, append([]byte(nil), k...))
	}
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// ListEvictions returns up to limit evictions, newest first.
func (s *BoltStore) ListEvictions(_ context.Context, limit int) ([]types.Eviction, error) {
	var out []types.Eviction
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEvictions).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var ev types.Eviction
			if err := decode(v, &ev); err != nil {
				return err
			}
			out = append(out, ev)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) MarkArchived(_ context.Context, entry ArchiveEntry) error {
	data, err := encode(&entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchived).Put([]byte(entry.Path), data)
	})
}

// LookupArchived returns ErrNotFound when the path has not been archived.
func (s *BoltStore) LookupArchived(_ context.Context, path string) (*ArchiveEntry, error) {
	var entry *ArchiveEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketArchived).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		entry = &ArchiveEntry{}
		return decode(raw, entry)
	})
	return entry, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
