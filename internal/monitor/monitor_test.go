package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/config"
	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/ingest"
	"github.com/kailas-cloud/corpusdex/internal/store"
)

const testDim = 4

type stubEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (s *stubEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1, 0, 0}
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int { return testDim }

func (s *stubEmbedder) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestMonitor(t *testing.T, folder string) (*Monitor, *store.Store, *stubEmbedder) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{
		IndexPath:    filepath.Join(dir, "index.bin"),
		MetadataPath: filepath.Join(dir, "meta.db"),
		Dimension:    testDim,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var cfg config.Config
	cfg.ApplyDefaults()
	cfg.Embedding.Dimension = testDim
	cfg.FolderMonitoring.Enabled = true
	cfg.FolderMonitoring.AutoIngest = true
	cfg.FolderMonitoring.Recursive = true
	cfg.FolderMonitoring.MonitoredFolders = []string{folder}

	e := &stubEmbedder{}
	p, err := ingest.NewPipeline(s, e, cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return New(p, cfg.FolderMonitoring, zap.NewNop()), s, e
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTickIngestsNewFiles(t *testing.T) {
	folder := t.TempDir()
	m, s, _ := newTestMonitor(t, folder)
	writeFile(t, folder, "a.txt", "Fresh file dropped into the watched folder.")
	writeFile(t, folder, "nested/b.md", "Nested markdown file, picked up recursively.")

	m.tick(context.Background())

	st := s.Stats()
	if st.Documents != 2 {
		t.Fatalf("Documents = %d after tick, want 2", st.Documents)
	}
}

func TestTickIgnoresUnchangedFiles(t *testing.T) {
	folder := t.TempDir()
	m, _, e := newTestMonitor(t, folder)
	writeFile(t, folder, "a.txt", "Stable content.")

	m.tick(context.Background())
	before := e.callCount()
	m.tick(context.Background())

	if got := e.callCount(); got != before {
		t.Errorf("embedder called %d times after no-change tick, want %d", got, before)
	}
}

func TestTickReingestsModifiedFiles(t *testing.T) {
	folder := t.TempDir()
	m, s, _ := newTestMonitor(t, folder)
	path := writeFile(t, folder, "a.txt", "Version one.")
	ctx := context.Background()

	m.tick(ctx)

	// Force a distinct fingerprint even on coarse filesystem timestamps.
	writeFile(t, folder, "a.txt", "Version two, now noticeably longer than before.")
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}
	m.tick(ctx)

	doc, err := s.GetDocument(domain.DocumentIDFromPath(path))
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if doc.ContentHash != domain.HashContent([]byte("Version two, now noticeably longer than before.")) {
		t.Error("document hash still matches the old content after modification")
	}
}

func TestTickRemovesDeletedFiles(t *testing.T) {
	folder := t.TempDir()
	m, s, _ := newTestMonitor(t, folder)
	path := writeFile(t, folder, "a.txt", "Here today.")
	ctx := context.Background()

	m.tick(ctx)
	if s.Stats().Documents != 1 {
		t.Fatal("expected one document after first tick")
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	m.tick(ctx)

	if got := s.Stats().Documents; got != 0 {
		t.Errorf("Documents = %d after file removal, want 0", got)
	}
	if _, err := s.GetDocument(domain.DocumentIDFromPath(path)); !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("GetDocument() error = %v, want ErrDocumentNotFound", err)
	}
}

func TestTickSkipsWhileScanInProgress(t *testing.T) {
	folder := t.TempDir()
	m, _, e := newTestMonitor(t, folder)
	writeFile(t, folder, "a.txt", "Content that would be ingested.")

	m.ticking.Store(true)
	m.tick(context.Background())
	if got := e.callCount(); got != 0 {
		t.Errorf("embedder called %d times during overlapping tick, want 0", got)
	}

	m.ticking.Store(false)
	m.tick(context.Background())
	if got := e.callCount(); got == 0 {
		t.Error("embedder never called once the scan slot was free")
	}
}

func TestScanFiltersExtensions(t *testing.T) {
	folder := t.TempDir()
	m, _, _ := newTestMonitor(t, folder)
	writeFile(t, folder, "keep.txt", "kept")
	writeFile(t, folder, "skip.bin", "skipped")

	found := m.scan()
	if len(found) != 1 {
		t.Fatalf("scan() found %d files, want 1", len(found))
	}
	for path := range found {
		if filepath.Base(path) != "keep.txt" {
			t.Errorf("scan() kept %s, want keep.txt", path)
		}
	}
}

func TestDrainPendingDropsBufferedTick(t *testing.T) {
	ticks := make(chan time.Time, 1)
	ticks <- time.Now()

	if !drainPending(ticks, zap.NewNop()) {
		t.Error("drainPending() = false with a buffered tick, want true")
	}
	if drainPending(ticks, zap.NewNop()) {
		t.Error("drainPending() = true on an empty channel, want false")
	}
}
