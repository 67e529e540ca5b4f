package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

var (
	bucketDocuments  = []byte("documents")
	bucketChunks     = []byte("chunks")
	bucketTombstones = []byte("tombstones")
)

// chunkRecord is the persisted form of a chunk: everything but the embedding,
// which lives in the index file at the record's slot.
type chunkRecord struct {
	domain.Chunk
	Slot int `json:"slot"`
}

func openMetaDB(path string) (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open metadata store %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketDocuments, bucketChunks, bucketTombstones} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init metadata buckets: %w", err)
	}

	return db, nil
}

func loadChunkRecords(db *bbolt.DB) ([]chunkRecord, error) {
	var recs []chunkRecord
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(_, v []byte) error {
			var rec chunkRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode chunk record: %w", err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func loadTombstonedSlots(db *bbolt.DB) (map[int]bool, error) {
	dead := make(map[int]bool)
	err := db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTombstones).ForEach(func(k, _ []byte) error {
			if len(k) != 8 {
				return fmt.Errorf("malformed tombstone key %x", k)
			}
			dead[int(binary.BigEndian.Uint64(k))] = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return dead, nil
}

func chunkRecordsForDocument(tx *bbolt.Tx, docID string) ([]chunkRecord, error) {
	prefix := []byte(docID + ":")
	var recs []chunkRecord

	c := tx.Bucket(bucketChunks).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rec chunkRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("decode chunk record %s: %w", k, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func putChunkRecord(tx *bbolt.Tx, rec chunkRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode chunk record %s: %w", rec.ID, err)
	}
	return tx.Bucket(bucketChunks).Put([]byte(rec.ID), data)
}

func putDocument(tx *bbolt.Tx, doc domain.Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	return tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data)
}

// tombstone marks a slot dead and drops its chunk record. Chunk ids repeat
// across re-ingests of the same document, so tombstones key on the slot.
func tombstone(tx *bbolt.Tx, chunkID string, slot int) error {
	if err := tx.Bucket(bucketChunks).Delete([]byte(chunkID)); err != nil {
		return err
	}
	var slotKey [8]byte
	binary.BigEndian.PutUint64(slotKey[:], uint64(slot))
	return tx.Bucket(bucketTombstones).Put(slotKey[:], []byte(chunkID))
}
