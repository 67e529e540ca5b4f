package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

const testDim = 4

func newTestStore(t *testing.T) (*Store, Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := Config{
		IndexPath:    filepath.Join(dir, "vectors", "index.bin"),
		MetadataPath: filepath.Join(dir, "metadata", "meta.db"),
		Dimension:    testDim,
	}
	s, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, cfg
}

func testDoc(id string, vecs ...[]float32) (domain.Document, []domain.Chunk) {
	doc := domain.Document{
		ID:         id,
		SourcePath: "/corpus/" + id + ".txt",
		Format:     "txt",
		ChunkCount: len(vecs),
		IngestedAt: time.Now().UTC(),
	}
	chunks := make([]domain.Chunk, len(vecs))
	for i, v := range vecs {
		chunks[i] = domain.Chunk{
			ID:         domain.ChunkID(id, i),
			DocumentID: id,
			Seq:        i,
			Text:       fmt.Sprintf("chunk %d of %s", i, id),
			Embedding:  v,
		}
	}
	return doc, chunks
}

func TestInsertAndSearch(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc, chunks := testDoc("doc-a",
		[]float32{1, 0, 0, 0},
		[]float32{0, 1, 0, 0},
		[]float32{0.9, 0.1, 0, 0},
	)
	slots, err := s.Insert(ctx, doc, chunks)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if len(slots) != 3 {
		t.Fatalf("Insert() returned %d slots, want 3", len(slots))
	}

	hits, err := s.Search([]float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("Search() returned %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "doc-a:0" {
		t.Errorf("best hit = %s, want doc-a:0", hits[0].ChunkID)
	}
	if hits[0].Score < 0.999 {
		t.Errorf("best score = %f, want ~1.0", hits[0].Score)
	}
	if hits[1].ChunkID != "doc-a:2" {
		t.Errorf("second hit = %s, want doc-a:2", hits[1].ChunkID)
	}
}

func TestSearchTieKeepsInsertionOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Identical vectors score identically; the earlier slot must win.
	doc, chunks := testDoc("doc-tie",
		[]float32{0, 0, 1, 0},
		[]float32{0, 0, 1, 0},
	)
	if _, err := s.Insert(ctx, doc, chunks); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	hits, err := s.Search([]float32{0, 0, 1, 0}, 2)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if hits[0].ChunkID != "doc-tie:0" || hits[1].ChunkID != "doc-tie:1" {
		t.Errorf("tie order = %s, %s; want doc-tie:0, doc-tie:1", hits[0].ChunkID, hits[1].ChunkID)
	}
}

func TestInsertDimensionMismatch(t *testing.T) {
	s, _ := newTestStore(t)

	doc, chunks := testDoc("doc-bad", []float32{1, 0})
	if _, err := s.Insert(context.Background(), doc, chunks); !errors.Is(err, domain.ErrVectorDimMismatch) {
		t.Fatalf("Insert() error = %v, want ErrVectorDimMismatch", err)
	}
	if s.LiveCount() != 0 {
		t.Errorf("LiveCount() = %d after rejected insert, want 0", s.LiveCount())
	}
}

func TestReingestReplacesPriorChunks(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	doc, chunks := testDoc("doc-a", []float32{1, 0, 0, 0}, []float32{0, 1, 0, 0})
	if _, err := s.Insert(ctx, doc, chunks); err != nil {
		t.Fatalf("first Insert() error = %v", err)
	}

	doc2, chunks2 := testDoc("doc-a", []float32{0, 0, 0, 1})
	if _, err := s.Insert(ctx, doc2, chunks2); err != nil {
		t.Fatalf("second Insert() error = %v", err)
	}

	if got := s.LiveCount(); got != 1 {
		t.Fatalf("LiveCount() = %d after re-ingest, want 1", got)
	}
	hits, err := s.Search([]float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == "doc-a:0" && h.Score > 0.5 {
			t.Errorf("stale chunk %s still served with score %f", h.ChunkID, h.Score)
		}
	}
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	docA, chunksA := testDoc("doc-a", []float32{1, 0, 0, 0})
	docB, chunksB := testDoc("doc-b", []float32{0, 1, 0, 0})
	if _, err := s.Insert(ctx, docA, chunksA); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, docB, chunksB); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, "doc-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := s.LiveCount(); got != 1 {
		t.Errorf("LiveCount() = %d after delete, want 1", got)
	}
	if _, err := s.GetDocument("doc-a"); !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("GetDocument(doc-a) error = %v, want ErrDocumentNotFound", err)
	}
	if err := s.Delete(ctx, "doc-a"); !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("second Delete(doc-a) error = %v, want ErrDocumentNotFound", err)
	}

	hits, err := s.Search([]float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.ChunkID == "doc-a:0" {
			t.Errorf("deleted chunk %s still served", h.ChunkID)
		}
	}
}

func TestDeleteTriggersRebuild(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Two docs, one chunk each: deleting one leaves 50% tombstoned, above
	// the rebuild threshold.
	docA, chunksA := testDoc("doc-a", []float32{1, 0, 0, 0})
	docB, chunksB := testDoc("doc-b", []float32{0, 1, 0, 0})
	if _, err := s.Insert(ctx, docA, chunksA); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Insert(ctx, docB, chunksB); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete(ctx, "doc-a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	st := s.Stats()
	if st.Tombstoned != 0 {
		t.Errorf("Tombstoned = %d after auto rebuild, want 0", st.Tombstoned)
	}
	if st.TotalSlots != 1 || st.LiveChunks != 1 {
		t.Errorf("TotalSlots = %d, LiveChunks = %d after rebuild, want 1, 1", st.TotalSlots, st.LiveChunks)
	}

	hits, err := s.Search([]float32{0, 1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search() after rebuild error = %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "doc-b:0" {
		t.Fatalf("Search() after rebuild = %+v, want doc-b:0", hits)
	}
	if hits[0].Slot != 0 {
		t.Errorf("doc-b:0 slot = %d after compaction, want 0", hits[0].Slot)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		IndexPath:    filepath.Join(dir, "index.bin"),
		MetadataPath: filepath.Join(dir, "meta.db"),
		Dimension:    testDim,
	}

	s, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	doc, chunks := testDoc("doc-a", []float32{1, 0, 0, 0}, []float32{0, 1, 0, 0})
	if _, err := s.Insert(context.Background(), doc, chunks); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer s2.Close()

	if got := s2.LiveCount(); got != 2 {
		t.Fatalf("LiveCount() = %d after reopen, want 2", got)
	}
	got, err := s2.GetDocument("doc-a")
	if err != nil {
		t.Fatalf("GetDocument() error = %v", err)
	}
	if got.ChunkCount != 2 {
		t.Errorf("ChunkCount = %d, want 2", got.ChunkCount)
	}
	hits, err := s2.Search([]float32{0, 1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("Search() after reopen error = %v", err)
	}
	if hits[0].ChunkID != "doc-a:1" {
		t.Errorf("best hit after reopen = %s, want doc-a:1", hits[0].ChunkID)
	}
}

func TestCorruptedIndexRefusesService(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		IndexPath:    filepath.Join(dir, "index.bin"),
		MetadataPath: filepath.Join(dir, "meta.db"),
		Dimension:    testDim,
	}

	s, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	doc, chunks := testDoc("doc-a", []float32{1, 0, 0, 0})
	if _, err := s.Insert(context.Background(), doc, chunks); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Flip a payload byte so the checksum no longer matches.
	data, err := os.ReadFile(cfg.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(cfg.IndexPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Open() on corrupted index error = %v, want corrupted-state store", err)
	}
	defer s2.Close()

	if s2.Stats().Healthy {
		t.Error("Stats().Healthy = true for corrupted index")
	}
	if _, err := s2.Search([]float32{1, 0, 0, 0}, 1); !errors.Is(err, domain.ErrIndexCorrupted) {
		t.Errorf("Search() error = %v, want ErrIndexCorrupted", err)
	}
	d2, c2 := testDoc("doc-b", []float32{0, 1, 0, 0})
	if _, err := s2.Insert(context.Background(), d2, c2); !errors.Is(err, domain.ErrIndexCorrupted) {
		t.Errorf("Insert() error = %v, want ErrIndexCorrupted", err)
	}
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{
		IndexPath:    filepath.Join(dir, "index.bin"),
		MetadataPath: filepath.Join(dir, "meta.db"),
		Dimension:    testDim,
	}
	backupDir := filepath.Join(dir, "backups")

	s, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	docA, chunksA := testDoc("doc-a", []float32{1, 0, 0, 0})
	if _, err := s.Insert(ctx, docA, chunksA); err != nil {
		t.Fatal(err)
	}

	mgr := NewBackupManager(s, backupDir, 5, zap.NewNop())
	name, err := mgr.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Content ingested after the backup is not part of it.
	docB, chunksB := testDoc("doc-b", []float32{0, 1, 0, 0})
	if _, err := s.Insert(ctx, docB, chunksB); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	// Corrupt the live index, then recover from the backup.
	data, err := os.ReadFile(cfg.IndexPath)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(cfg.IndexPath, data, 0o644); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.Stats().Healthy {
		t.Fatal("expected corrupted store before restore")
	}

	mgr2 := NewBackupManager(s2, backupDir, 5, zap.NewNop())
	latest, err := mgr2.Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if latest != name {
		t.Fatalf("Latest() = %s, want %s", latest, name)
	}
	if err := mgr2.Restore(latest); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	if !s2.Stats().Healthy {
		t.Error("store still unhealthy after restore")
	}
	if got := s2.LiveCount(); got != 1 {
		t.Errorf("LiveCount() = %d after restore, want 1 (backup-time content)", got)
	}
	if _, err := s2.GetDocument("doc-a"); err != nil {
		t.Errorf("GetDocument(doc-a) after restore error = %v", err)
	}
	if _, err := s2.GetDocument("doc-b"); !errors.Is(err, domain.ErrDocumentNotFound) {
		t.Errorf("GetDocument(doc-b) after restore error = %v, want ErrDocumentNotFound", err)
	}
}

func TestBackupRotation(t *testing.T) {
	s, cfg := newTestStore(t)
	backupDir := filepath.Join(filepath.Dir(cfg.IndexPath), "..", "backups")

	doc, chunks := testDoc("doc-a", []float32{1, 0, 0, 0})
	if _, err := s.Insert(context.Background(), doc, chunks); err != nil {
		t.Fatal(err)
	}

	mgr := NewBackupManager(s, backupDir, 2, zap.NewNop())
	var names []string
	for i := 0; i < 3; i++ {
		name, err := mgr.Create()
		if err != nil {
			t.Fatalf("Create() #%d error = %v", i, err)
		}
		names = append(names, name)
	}

	kept, err := mgr.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("List() returned %d backups, want 2", len(kept))
	}
	if kept[0] != names[1] || kept[1] != names[2] {
		t.Errorf("kept %v, want the two newest of %v", kept, names)
	}
}

func TestLatestNoBackups(t *testing.T) {
	s, cfg := newTestStore(t)
	mgr := NewBackupManager(s, filepath.Join(filepath.Dir(cfg.IndexPath), "..", "backups"), 5, zap.NewNop())
	if _, err := mgr.Latest(); !errors.Is(err, domain.ErrNoBackups) {
		t.Fatalf("Latest() error = %v, want ErrNoBackups", err)
	}
}

func TestConcurrentSearchDuringInsert(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	docA, chunksA := testDoc("doc-a", []float32{1, 0, 0, 0}, []float32{0, 1, 0, 0})
	if _, err := s.Insert(ctx, docA, chunksA); err != nil {
		t.Fatal(err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			hits, err := s.Search([]float32{1, 0, 0, 0}, 10)
			if err != nil {
				t.Errorf("Search() error = %v", err)
				return
			}
			// Either the pre-insert or post-insert view, never a partial one.
			if len(hits) != 2 && len(hits) != 3 {
				t.Errorf("Search() returned %d hits, want 2 or 3", len(hits))
				return
			}
		}
	}()

	docB, chunksB := testDoc("doc-b", []float32{0, 0, 1, 0})
	if _, err := s.Insert(ctx, docB, chunksB); err != nil {
		t.Fatal(err)
	}
	close(stop)
	wg.Wait()
}
