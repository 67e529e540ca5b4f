// Package store owns the persistent vector index and its chunk metadata.
// The two are only ever mutated together, under one write lock; readers run
// lock-free against an atomically swapped immutable snapshot.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

// rebuildFragmentation is the tombstone share above which a delete triggers a
// compacting rebuild.
const rebuildFragmentation = 0.25

// Config holds the store's on-disk layout and vector dimension.
type Config struct {
	IndexPath    string
	MetadataPath string
	Dimension    int
}

// Hit is one search result: a chunk identity with its similarity score.
type Hit struct {
	ChunkID string
	Slot    int
	Score   float64
}

// Stats summarizes the store's content and health.
type Stats struct {
	Documents  int
	LiveChunks int
	TotalSlots int
	Tombstoned int
	Healthy    bool
}

// snapshot is the immutable in-memory view searches run against.
type snapshot struct {
	dim      int
	vectors  [][]float32 // slot -> normalized vector
	chunkIDs []string    // slot -> chunk identity
	dead     []bool      // tombstoned slots, excluded from search
	live     int
}

// Store is the persistent vector store. All mutations serialize on mu;
// searches read the current snapshot without locking.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	db     *bbolt.DB
	closed bool

	snap      atomic.Pointer[snapshot]
	corrupted atomic.Bool
}

// Open loads the index and metadata from disk. A checksum or entry-count
// mismatch does not fail Open: the store comes up in a corrupted state that
// refuses every operation except restore, so the caller can recover from the
// latest valid backup.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("store dimension must be positive, got %d", cfg.Dimension)
	}

	s := &Store{cfg: cfg, logger: logger}
	if err := s.loadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// loadLocked (re)opens the metadata store and index file and rebuilds the
// in-memory snapshot. Caller must hold mu (or be the only owner, as in Open).
func (s *Store) loadLocked() error {
	if s.db != nil {
		_ = s.db.Close()
		s.db = nil
	}

	db, err := openMetaDB(s.cfg.MetadataPath)
	if err != nil {
		return err
	}
	s.db = db

	recs, err := loadChunkRecords(db)
	if err != nil {
		return fmt.Errorf("load chunk records: %w", err)
	}
	deadSlots, err := loadTombstonedSlots(db)
	if err != nil {
		return fmt.Errorf("load tombstones: %w", err)
	}

	snap, err := buildSnapshot(s.cfg, recs, deadSlots)
	if err != nil {
		// Detected inconsistency between index file and metadata: refuse to
		// serve until restored.
		s.logger.Error("Vector store failed consistency check on load",
			zap.String("index_path", s.cfg.IndexPath),
			zap.Error(err),
		)
		s.corrupted.Store(true)
		s.snap.Store(&snapshot{dim: s.cfg.Dimension})
		return nil
	}

	s.corrupted.Store(false)
	s.snap.Store(snap)
	return nil
}

func buildSnapshot(cfg Config, recs []chunkRecord, deadSlots map[int]bool) (*snapshot, error) {
	if _, err := os.Stat(cfg.IndexPath); errors.Is(err, os.ErrNotExist) {
		if len(recs) != 0 {
			return nil, fmt.Errorf(
				"index file missing but %d chunk records persisted: %w",
				len(recs), domain.ErrIndexCorrupted,
			)
		}
		return &snapshot{dim: cfg.Dimension}, nil
	}

	dim, vectors, err := readIndexFile(cfg.IndexPath)
	if err != nil {
		return nil, err
	}
	if dim != cfg.Dimension {
		return nil, fmt.Errorf(
			"index file dim %d, configured %d: %w", dim, cfg.Dimension, domain.ErrVectorDimMismatch,
		)
	}
	// Standing invariant: every slot is either a live chunk record or a
	// tombstone, never both, never neither.
	if len(vectors) != len(recs)+len(deadSlots) {
		return nil, fmt.Errorf(
			"index has %d slots, metadata accounts for %d live and %d dead: %w",
			len(vectors), len(recs), len(deadSlots), domain.ErrIndexCorrupted,
		)
	}

	snap := &snapshot{
		dim:      dim,
		vectors:  vectors,
		chunkIDs: make([]string, len(vectors)),
		dead:     make([]bool, len(vectors)),
	}
	for slot := range deadSlots {
		if slot < 0 || slot >= len(vectors) {
			return nil, fmt.Errorf("tombstone for slot %d out of range: %w", slot, domain.ErrIndexCorrupted)
		}
		snap.dead[slot] = true
	}
	for _, rec := range recs {
		if rec.Slot < 0 || rec.Slot >= len(vectors) || snap.dead[rec.Slot] || snap.chunkIDs[rec.Slot] != "" {
			return nil, fmt.Errorf(
				"chunk %s maps to invalid slot %d: %w", rec.ID, rec.Slot, domain.ErrIndexCorrupted,
			)
		}
		snap.chunkIDs[rec.Slot] = rec.ID
		snap.live++
	}
	return snap, nil
}

// Insert writes a document and its chunks in one transaction. Prior chunks of
// the same document are tombstoned, so re-ingesting changed content replaces
// rather than duplicates. Returns the assigned vector slots. Concurrent
// searches observe either the full pre-insert or full post-insert state.
func (s *Store) Insert(ctx context.Context, doc domain.Document, chunks []domain.Chunk) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cur := s.snap.Load()
	for _, c := range chunks {
		if len(c.Embedding) != cur.dim {
			return nil, fmt.Errorf(
				"chunk %s has dimension %d, store expects %d: %w",
				c.ID, len(c.Embedding), cur.dim, domain.ErrVectorDimMismatch,
			)
		}
	}

	next := cur.clone()

	var prior []chunkRecord
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		prior, err = chunkRecordsForDocument(tx, doc.ID)
		if err != nil {
			return err
		}
		for _, rec := range prior {
			if err := tombstone(tx, rec.ID, rec.Slot); err != nil {
				return err
			}
			next.dead[rec.Slot] = true
			next.live--
		}

		for i, c := range chunks {
			slot := len(next.vectors) + i
			if err := putChunkRecord(tx, chunkRecord{Chunk: c, Slot: slot}); err != nil {
				return err
			}
		}
		return putDocument(tx, doc)
	})
	if err != nil {
		return nil, fmt.Errorf("insert metadata: %w", err)
	}

	slots := make([]int, len(chunks))
	for i, c := range chunks {
		slots[i] = len(next.vectors)
		next.vectors = append(next.vectors, normalize(c.Embedding))
		next.chunkIDs = append(next.chunkIDs, c.ID)
		next.dead = append(next.dead, false)
		next.live++
	}

	if err := writeIndexFile(s.cfg.IndexPath, next.dim, next.vectors); err != nil {
		// Metadata and index have diverged; refuse service until restored.
		s.corrupted.Store(true)
		return nil, fmt.Errorf("persist index: %w", err)
	}

	s.snap.Store(next)
	return slots, nil
}

// Delete tombstones all chunks of a document and removes its record. Slots
// are excluded from search immediately and reclaimed on the next rebuild.
func (s *Store) Delete(ctx context.Context, docID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	next := s.snap.Load().clone()

	found := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketDocuments).Get([]byte(docID)) != nil {
			found = true
		}
		recs, err := chunkRecordsForDocument(tx, docID)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			found = true
			if err := tombstone(tx, rec.ID, rec.Slot); err != nil {
				return err
			}
			next.dead[rec.Slot] = true
			next.live--
		}
		return tx.Bucket(bucketDocuments).Delete([]byte(docID))
	})
	if err != nil {
		return fmt.Errorf("delete metadata: %w", err)
	}
	if !found {
		return fmt.Errorf("document %s: %w", docID, domain.ErrDocumentNotFound)
	}

	s.snap.Store(next)

	if next.fragmentation() > rebuildFragmentation {
		if err := s.rebuildLocked(); err != nil {
			return fmt.Errorf("auto rebuild: %w", err)
		}
	}
	return nil
}

// Rebuild reconstructs the index from live entries, reclaiming tombstoned slots.
func (s *Store) Rebuild(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.rebuildLocked()
}

func (s *Store) rebuildLocked() error {
	cur := s.snap.Load()

	next := &snapshot{dim: cur.dim}
	newSlots := make(map[string]int)
	for slot, id := range cur.chunkIDs {
		if cur.dead[slot] {
			continue
		}
		newSlots[id] = len(next.vectors)
		next.vectors = append(next.vectors, cur.vectors[slot])
		next.chunkIDs = append(next.chunkIDs, id)
		next.dead = append(next.dead, false)
		next.live++
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketTombstones); err != nil {
			return err
		}
		if _, err := tx.CreateBucket(bucketTombstones); err != nil {
			return err
		}

		// Reassign compacted slots. Dead records were already dropped when
		// their slots were tombstoned. Collect first: bbolt forbids writes
		// to a bucket while iterating it.
		var moved []chunkRecord
		err := tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			var rec chunkRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode chunk record %s: %w", k, err)
			}
			if slot, ok := newSlots[rec.ID]; ok && rec.Slot != slot {
				rec.Slot = slot
				moved = append(moved, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range moved {
			if err := putChunkRecord(tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rebuild metadata: %w", err)
	}

	if err := writeIndexFile(s.cfg.IndexPath, next.dim, next.vectors); err != nil {
		s.corrupted.Store(true)
		return fmt.Errorf("persist rebuilt index: %w", err)
	}

	old := s.snap.Load()
	s.snap.Store(next)
	s.logger.Info("Index rebuilt",
		zap.Int("live", next.live),
		zap.Int("reclaimed", len(old.vectors)-len(next.vectors)),
	)
	return nil
}

// Search returns up to topK live entries by descending similarity. Equal
// scores keep insertion order (earlier slot wins). The metric is normalized
// inner product, fixed at construction.
func (s *Store) Search(query []float32, topK int) ([]Hit, error) {
	if s.corrupted.Load() {
		return nil, domain.ErrIndexCorrupted
	}
	snap := s.snap.Load()
	if len(query) != snap.dim {
		return nil, fmt.Errorf(
			"query has dimension %d, store expects %d: %w",
			len(query), snap.dim, domain.ErrVectorDimMismatch,
		)
	}
	if topK <= 0 {
		return nil, nil
	}

	q := normalize(query)
	hits := make([]Hit, 0, snap.live)
	for slot, vec := range snap.vectors {
		if snap.dead[slot] {
			continue
		}
		hits = append(hits, Hit{ChunkID: snap.chunkIDs[slot], Slot: slot, Score: dot(q, vec)})
	}

	// Stable over ascending slot order: ties go to the earlier-inserted entry.
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })

	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// LiveCount reports the number of live (searchable) entries.
func (s *Store) LiveCount() int {
	return s.snap.Load().live
}

// Dimension reports the store's fixed vector dimension.
func (s *Store) Dimension() int {
	return s.cfg.Dimension
}

// GetChunk returns the persisted chunk metadata (without its embedding).
func (s *Store) GetChunk(chunkID string) (domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return domain.Chunk{}, err
	}
	var rec chunkRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get([]byte(chunkID))
		if v == nil {
			return fmt.Errorf("chunk %s: %w", chunkID, domain.ErrDocumentNotFound)
		}
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return domain.Chunk{}, err
	}
	return rec.Chunk, nil
}

// GetDocument returns a document record by id.
func (s *Store) GetDocument(docID string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return domain.Document{}, err
	}
	var doc domain.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(docID))
		if v == nil {
			return fmt.Errorf("document %s: %w", docID, domain.ErrDocumentNotFound)
		}
		return json.Unmarshal(v, &doc)
	})
	if err != nil {
		return domain.Document{}, err
	}
	return doc, nil
}

// Stats reports content counts and index health.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snap.Load()
	st := Stats{
		LiveChunks: snap.live,
		TotalSlots: len(snap.vectors),
		Tombstoned: len(snap.vectors) - snap.live,
		Healthy:    !s.corrupted.Load(),
	}
	if s.closed || s.corrupted.Load() || s.db == nil {
		return st
	}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		st.Documents = tx.Bucket(bucketDocuments).Stats().KeyN
		return nil
	})
	return st
}

// Flush writes the current in-memory index state through to disk.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.usableLocked(); err != nil {
		return err
	}
	snap := s.snap.Load()
	return writeIndexFile(s.cfg.IndexPath, snap.dim, snap.vectors)
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var flushErr error
	if !s.corrupted.Load() {
		snap := s.snap.Load()
		flushErr = writeIndexFile(s.cfg.IndexPath, snap.dim, snap.vectors)
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("close metadata store: %w", err)
		}
	}
	return flushErr
}

func (s *Store) usableLocked() error {
	if s.closed {
		return domain.ErrStoreClosed
	}
	if s.corrupted.Load() {
		return domain.ErrIndexCorrupted
	}
	return nil
}

func (sn *snapshot) clone() *snapshot {
	next := &snapshot{
		dim:      sn.dim,
		vectors:  make([][]float32, len(sn.vectors)),
		chunkIDs: make([]string, len(sn.chunkIDs)),
		dead:     make([]bool, len(sn.dead)),
		live:     sn.live,
	}
	copy(next.vectors, sn.vectors)
	copy(next.chunkIDs, sn.chunkIDs)
	copy(next.dead, sn.dead)
	return next
}

func (sn *snapshot) fragmentation() float64 {
	if len(sn.vectors) == 0 {
		return 0
	}
	return float64(len(sn.vectors)-sn.live) / float64(len(sn.vectors))
}

// normalize returns a unit-length copy; zero vectors are returned as-is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, f := range v {
		out[i] = float32(float64(f) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
