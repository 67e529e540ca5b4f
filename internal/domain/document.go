package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// Document is one ingested source file (or raw text submission).
// Documents are uniquely keyed by normalized source path: two ingestions of the
// same path always update the same record.
type Document struct {
	ID          string    `json:"id"`
	SourcePath  string    `json:"source_path"`
	Format      string    `json:"format"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentHash string    `json:"content_hash"`
	ChunkCount  int       `json:"chunk_count"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Chunk is a contiguous span of a document's text, the unit of embedding and
// retrieval. Start and End are rune offsets within the extracted text.
type Chunk struct {
	ID         string            `json:"id"`
	DocumentID string            `json:"document_id"`
	Seq        int               `json:"seq"`
	Start      int               `json:"start"`
	End        int               `json:"end"`
	Text       string            `json:"text"`
	Embedding  []float32         `json:"-"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ScoredChunk is a retrieval hit: a chunk paired with its similarity score.
type ScoredChunk struct {
	Chunk Chunk
	Score float64
}

// ChunkID builds the canonical chunk identity from document id and sequence index.
func ChunkID(docID string, seq int) string {
	return fmt.Sprintf("%s:%d", docID, seq)
}

// DocumentIDFromPath derives the stable document id from a normalized source path.
func DocumentIDFromPath(path string) string {
	sum := sha256.Sum256([]byte(NormalizePath(path)))
	return hex.EncodeToString(sum[:16])
}

// NormalizePath resolves a source path to its canonical absolute form.
func NormalizePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	return abs
}

// HashContent returns the hex sha256 of raw file content.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
