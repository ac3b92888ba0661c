package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gftdcojp/segment-recorder/internal/config"
	"github.com/gftdcojp/segment-recorder/internal/journal"
	"go.uber.org/zap"
)

// mockS3 is an in-memory S3 for testing.
type mockS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	inputs   map[string]*s3.PutObjectInput
	failKeys map[string]bool
	delay    time.Duration
	inFlight int
	maxIn    int
}

func newMockS3() *mockS3 {
	return &mockS3{
		objects:  make(map[string][]byte),
		inputs:   make(map[string]*s3.PutObjectInput),
		failKeys: make(map[string]bool),
	}
}

func (m *mockS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.maxIn {
		m.maxIn = m.inFlight
	}
	fail := m.failKeys[*params.Key]
	m.mu.Unlock()

	time.Sleep(m.delay)
	data, _ := io.ReadAll(params.Body)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
	if fail {
		return nil, errors.New("InternalError: we encountered an internal error")
	}
	m.objects[*params.Key] = data
	m.inputs[*params.Key] = params
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

func writeFile(t *testing.T, path string, data string, mtime time.Time) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func newTestUploader(t *testing.T, mock *mockS3) (*Uploader, string, journal.Store) {
	t.Helper()
	root := t.TempDir()
	store, err := journal.NewBoltStore(filepath.Join(t.TempDir(), "journal.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	u := New(mock, Config{
		Archive: config.ArchiveConfig{
			Enabled:      true,
			Bucket:       "recordings",
			Prefix:       "site-a",
			StorageClass: "STANDARD_IA",
			Interval:     config.Duration(time.Hour),
			MinAge:       config.Duration(2 * time.Minute),
			Concurrency:  2,
		},
		Storage: config.StorageConfig{RootDir: root},
		Streams: []string{"cam1", "cam2"},
		Journal: store,
		Logger:  zap.NewNop(),
	})
	return u, root, store
}

func TestCycle_UploadsClosedSegmentsOnce(t *testing.T) {
	mock := newMockS3()
	u, root, store := newTestUploader(t, mock)
	now := time.Now()

	writeFile(t, filepath.Join(root, "cam1", "20240101-000000.ts"), "old-1", now.Add(-10*time.Minute))
	writeFile(t, filepath.Join(root, "cam2", "20240101-000000.ts"), "old-2", now.Add(-5*time.Minute))
	writeFile(t, filepath.Join(root, "cam1", "20240101-000500.ts"), "live", now)
	writeFile(t, filepath.Join(root, "cam1", "notes.txt"), "skip", now.Add(-time.Hour))

	n, err := u.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 uploads, got %d", n)
	}
	if !mock.has("site-a/cam1/20240101-000000.ts") || !mock.has("site-a/cam2/20240101-000000.ts") {
		t.Fatalf("missing objects: %v", mock.objects)
	}
	if mock.has("site-a/cam1/20240101-000500.ts") || mock.has("site-a/cam1/notes.txt") {
		t.Fatal("fresh segment or foreign file uploaded")
	}

	in := mock.inputs["site-a/cam1/20240101-000000.ts"]
	if *in.Bucket != "recordings" || *in.ContentType != "video/mp2t" || string(in.StorageClass) != "STANDARD_IA" {
		t.Fatalf("unexpected put input: %+v", in)
	}
	if string(mock.objects["site-a/cam1/20240101-000000.ts"]) != "old-1" {
		t.Fatal("unexpected object body")
	}

	entry, err := store.LookupArchived(context.Background(), filepath.Join(root, "cam1", "20240101-000000.ts"))
	if err != nil {
		t.Fatal(err)
	}
	if entry.Key != "site-a/cam1/20240101-000000.ts" || entry.Size != 5 {
		t.Fatalf("unexpected archive entry: %+v", entry)
	}

	n, err = u.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected already archived segments to be skipped, uploaded %d", n)
	}
}

func TestCycle_FailedUploadRetried(t *testing.T) {
	mock := newMockS3()
	u, root, _ := newTestUploader(t, mock)
	writeFile(t, filepath.Join(root, "cam1", "a.ts"), "a", time.Now().Add(-time.Hour))
	writeFile(t, filepath.Join(root, "cam1", "b.ts"), "b", time.Now().Add(-time.Hour))

	mock.failKeys["site-a/cam1/a.ts"] = true
	n, err := u.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !mock.has("site-a/cam1/b.ts") {
		t.Fatalf("expected b uploaded despite a failing, n=%d", n)
	}

	mock.mu.Lock()
	delete(mock.failKeys, "site-a/cam1/a.ts")
	mock.mu.Unlock()
	n, err = u.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || !mock.has("site-a/cam1/a.ts") {
		t.Fatalf("expected a uploaded on retry, n=%d", n)
	}
}

func TestCycle_RespectsConcurrency(t *testing.T) {
	mock := newMockS3()
	mock.delay = 20 * time.Millisecond
	u, root, _ := newTestUploader(t, mock)
	for _, name := range []string{"a.ts", "b.ts", "c.ts", "d.ts", "e.ts"} {
		writeFile(t, filepath.Join(root, "cam1", name), name, time.Now().Add(-time.Hour))
	}

	n, err := u.Cycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 uploads, got %d", n)
	}
	if mock.maxIn > 2 {
		t.Fatalf("expected at most 2 concurrent uploads, saw %d", mock.maxIn)
	}
}

func TestObjectKey(t *testing.T) {
	u := New(newMockS3(), Config{})
	if got := u.ObjectKey("cam1", "x.ts"); got != "cam1/x.ts" {
		t.Fatalf("unexpected key %q", got)
	}
	u.cfg.Archive.Prefix = "archive/"
	if got := u.ObjectKey("cam1", "x.ts"); got != "archive/cam1/x.ts" {
		t.Fatalf("unexpected prefixed key %q", got)
	}
}
