// Package archive copies closed segments to S3-compatible object storage.
// Local files are never deleted here; retention belongs to the janitor.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/events"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"github.com/gftdcojp/segment-recorder/internal/metrics"
	"github.com/gftdcojp/segment-recorder/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// S3API is the subset of the S3 client used by the uploader.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Archive config.ArchiveConfig
	Storage config.StorageConfig
	Streams []string

	Journal journal.Store
	Events  events.Publisher
	Logger  *zap.Logger
}

type Uploader struct {
	s3     S3API
	cfg    Config
	logger *zap.Logger
	events events.Publisher
	now    func() time.Time
}

// New creates an uploader. The journal is required: it is the only record
// of which segments were already uploaded.
func New(s3api S3API, cfg Config) *Uploader {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	pub := cfg.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Uploader{
		s3:     s3api,
		cfg:    cfg,
		logger: logger,
		events: pub,
		now:    time.Now,
	}
}

// Run uploads pending segments every archive interval until ctx ends.
func (u *Uploader) Run(ctx context.Context) error {
	ticker := time.NewTicker(u.cfg.Archive.Interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := u.Cycle(ctx); err != nil {
				u.logger.Error("archive cycle error", zap.Error(err))
			}
		}
	}
}

// ObjectKey is the object key of a segment: [prefix/]stream/file.
func (u *Uploader) ObjectKey(stream, file string) string {
	if u.cfg.Archive.Prefix != "" {
		return path.Join(u.cfg.Archive.Prefix, stream, file)
	}
	return path.Join(stream, file)
}

// Cycle uploads every closed, not yet archived segment. Failed uploads are
// logged and left for the next cycle. It returns the number uploaded.
func (u *Uploader) Cycle(ctx context.Context) (int, error) {
	pending, err := u.pending(ctx)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var uploaded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(u.cfg.Archive.Concurrency, 1))
	for _, p := range pending {
		g.Go(func() error {
			if err := u.upload(gctx, p.stream, p.file); err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					// evicted since the scan
					return nil
				}
				u.logger.Warn("segment upload failed",
					zap.String("stream", p.stream),
					zap.String("file", p.file.Path),
					zap.Error(err),
				)
				return nil
			}
			uploaded.Add(1)
			return nil
		})
	}
	g.Wait()

	return int(uploaded.Load()), ctx.Err()
}

type pendingSegment struct {
	stream string
	file   types.SegmentFile
}

func (u *Uploader) pending(ctx context.Context) ([]pendingSegment, error) {
	cutoff := u.now().Add(-u.cfg.Archive.MinAge.Duration())
	suffix := "." + u.cfg.Storage.Extension()

	var out []pendingSegment
	for _, stream := range u.cfg.Streams {
		dir := u.cfg.Storage.StreamDir(stream)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() || filepath.Ext(e.Name()) != suffix {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			// Segments still being written are newer than the cutoff.
			if info.ModTime().After(cutoff) {
				continue
			}
			p := filepath.Join(dir, e.Name())
			if _, err := u.cfg.Journal.LookupArchived(ctx, p); err == nil {
				continue
			} else if !errors.Is(err, journal.ErrNotFound) {
				return nil, fmt.Errorf("checking archive state of %s: %w", p, err)
			}
			out = append(out, pendingSegment{
				stream: stream,
				file:   types.SegmentFile{Path: p, Size: info.Size(), ModTime: info.ModTime()},
			})
		}
	}
	return out, nil
}

func (u *Uploader) upload(ctx context.Context, stream string, seg types.SegmentFile) error {
	f, err := os.Open(seg.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	key := u.ObjectKey(stream, filepath.Base(seg.Path))
	input := &s3.PutObjectInput{
		Bucket:        aws.String(u.cfg.Archive.Bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(seg.Size),
		ContentType:   aws.String(contentType(u.cfg.Storage.Extension())),
		Metadata: map[string]string{
			"recorder-stream": stream,
			"recorder-mtime":  strconv.FormatInt(seg.ModTime.Unix(), 10),
		},
	}
	if u.cfg.Archive.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(u.cfg.Archive.StorageClass)
	}

	start := time.Now()
	if _, err := u.s3.PutObject(ctx, input); err != nil {
		metrics.ArchiveUploads.WithLabelValues(stream, "error").Inc()
		return fmt.Errorf("uploading %s to S3: %w", key, err)
	}
	metrics.ArchiveUploads.WithLabelValues(stream, "ok").Inc()
	metrics.ArchiveUploadDuration.WithLabelValues(stream).Observe(time.Since(start).Seconds())

	entry := journal.ArchiveEntry{Path: seg.Path, Key: key, Size: seg.Size, UploadedAt: time.Now()}
	if err := u.cfg.Journal.MarkArchived(ctx, entry); err != nil {
		u.logger.Warn("journal write failed", zap.String("file", seg.Path), zap.Error(err))
	}

	u.logger.Debug("segment archived",
		zap.String("stream", stream),
		zap.String("key", key),
		zap.Int64("size", seg.Size),
	)
	u.events.Publish(ctx, events.Event{
		Type:   events.SegmentArchived,
		Stream: stream,
		Path:   seg.Path,
		Size:   seg.Size,
		Key:    key,
	})
	return nil
}

func contentType(ext string) string {
	if ext == "mp4" {
		return "video/mp4"
	}
	return "video/mp2t"
}
