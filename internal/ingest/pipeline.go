// Package ingest runs files through extraction, chunking, and embedding into
// the vector store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/chunker"
	"github.com/kailas-cloud/corpusdex/internal/config"
	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/extract"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
	"github.com/kailas-cloud/corpusdex/internal/store"
	"github.com/kailas-cloud/corpusdex/internal/usecase/embedding"
)

// Pipeline ingests files end to end. Safe for concurrent use; the store
// serializes writes internally.
type Pipeline struct {
	store    *store.Store
	embedder domain.Embedder
	chunker  *chunker.Chunker
	logger   *zap.Logger

	formats      map[string]bool
	maxFileBytes int64
	batchSize    int
	maxInFlight  int
}

// NewPipeline wires the ingestion stages together. The embedding provider's
// dimension must match the store's; a mismatch here would otherwise surface
// as a failure on every single file.
func NewPipeline(
	s *store.Store, e domain.Embedder, cfg config.Config, logger *zap.Logger,
) (*Pipeline, error) {
	if dim := e.Dimensions(); dim != s.Dimension() {
		return nil, fmt.Errorf(
			"provider produces %d-dimensional vectors, store expects %d: %w",
			dim, s.Dimension(), domain.ErrVectorDimMismatch,
		)
	}

	ch, err := chunker.New(cfg.Ingestion.ChunkSize, cfg.Ingestion.ChunkOverlap)
	if err != nil {
		return nil, err
	}

	formats := make(map[string]bool, len(cfg.Ingestion.SupportedFormats))
	for _, ext := range cfg.Ingestion.SupportedFormats {
		formats[strings.ToLower(ext)] = true
	}

	return &Pipeline{
		store:        s,
		embedder:     e,
		chunker:      ch,
		logger:       logger,
		formats:      formats,
		maxFileBytes: int64(cfg.Ingestion.MaxFileSizeMB) * 1024 * 1024,
		batchSize:    cfg.Embedding.BatchSize,
		maxInFlight:  cfg.Embedding.MaxInFlight,
	}, nil
}

// Supported reports whether the path's extension is on the ingest allowlist.
func (p *Pipeline) Supported(path string) bool {
	return p.formats[strings.ToLower(filepath.Ext(path))]
}

// IngestFiles processes each file independently: one failing file never
// aborts the batch. The exception is embedding-provider exhaustion (rate
// limiting or an open cool-down), which would fail every remaining file the
// same way, so the rest of the batch is failed in place without being tried.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string) Report {
	rep := NewReport()
	for i, path := range paths {
		res := p.ingestOne(ctx, path)
		rep.add(res)

		if res.Status == StatusFailed && providerUnavailable(res.err) {
			p.logger.Warn("Embedding provider unavailable, abandoning batch",
				zap.String("path", path),
				zap.Int("remaining", len(paths)-i-1),
			)
			for _, rest := range paths[i+1:] {
				rep.add(FileResult{
					Path:   rest,
					Status: StatusFailed,
					Reason: "embedding provider unavailable",
				})
			}
			break
		}
	}
	rep.finish()
	return rep
}

// IngestFile processes a single file.
func (p *Pipeline) IngestFile(ctx context.Context, path string) FileResult {
	rep := p.IngestFiles(ctx, []string{path})
	return rep.Results[0]
}

func (p *Pipeline) ingestOne(ctx context.Context, path string) FileResult {
	res := p.doIngest(ctx, path)
	metrics.IngestFilesTotal.WithLabelValues(string(res.Status)).Inc()

	switch res.Status {
	case StatusIngested:
		p.logger.Info("File ingested",
			zap.String("path", res.Path),
			zap.String("document_id", res.DocumentID),
			zap.Int("chunks", res.Chunks),
		)
	case StatusSkipped:
		p.logger.Debug("File skipped",
			zap.String("path", res.Path),
			zap.String("reason", res.Reason),
		)
	case StatusFailed:
		p.logger.Error("File ingestion failed",
			zap.String("path", res.Path),
			zap.String("reason", res.Reason),
			zap.Error(res.err),
		)
	}
	return res
}

func (p *Pipeline) doIngest(ctx context.Context, path string) FileResult {
	path = domain.NormalizePath(path)
	res := FileResult{Path: path}

	if !p.Supported(path) {
		res.Status = StatusSkipped
		res.Reason = fmt.Sprintf("unsupported extension %q", filepath.Ext(path))
		return res
	}

	ex, err := extract.Extract(path, p.maxFileBytes)
	if err != nil {
		return failed(res, "extraction failed", err)
	}
	for _, w := range ex.Warnings {
		p.logger.Warn("Extraction warning", zap.String("path", path), zap.String("warning", w))
	}

	docID := domain.DocumentIDFromPath(path)
	res.DocumentID = docID

	if existing, err := p.store.GetDocument(docID); err == nil {
		if existing.ContentHash == ex.ContentHash {
			res.Status = StatusSkipped
			res.Reason = "content unchanged"
			return res
		}
	} else if !errors.Is(err, domain.ErrDocumentNotFound) {
		return failed(res, "store lookup failed", err)
	}

	if ex.Text == "" {
		res.Status = StatusSkipped
		res.Reason = "no extractable text"
		return res
	}

	spans := p.chunker.Split(ex.Text)
	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.Text
	}

	vectors, err := embedding.EmbedAll(ctx, p.embedder, texts, p.batchSize, p.maxInFlight)
	if err != nil {
		return failed(res, "embedding failed", err)
	}

	doc := domain.Document{
		ID:          docID,
		SourcePath:  path,
		Format:      ex.Format,
		SizeBytes:   ex.SizeBytes,
		ContentHash: ex.ContentHash,
		ChunkCount:  len(spans),
		IngestedAt:  time.Now().UTC(),
	}
	chunks := make([]domain.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = domain.Chunk{
			ID:         domain.ChunkID(docID, i),
			DocumentID: docID,
			Seq:        i,
			Start:      sp.Start,
			End:        sp.End,
			Text:       sp.Text,
			Embedding:  vectors[i],
			Metadata: map[string]string{
				"source": path,
				"format": ex.Format,
			},
		}
	}

	if _, err := p.store.Insert(ctx, doc, chunks); err != nil {
		return failed(res, "store write failed", err)
	}

	metrics.IngestChunksTotal.Add(float64(len(chunks)))
	res.Status = StatusIngested
	res.Chunks = len(chunks)
	return res
}

// IngestText ingests a raw text submission under a synthetic source name.
// Re-submitting the same name replaces the prior content.
func (p *Pipeline) IngestText(ctx context.Context, name, text string) FileResult {
	sourcePath := "text://" + name
	docID := domain.DocumentIDFromPath(sourcePath)
	res := FileResult{Path: sourcePath, DocumentID: docID}

	text = strings.TrimSpace(text)
	if text == "" {
		res.Status = StatusSkipped
		res.Reason = "no extractable text"
		metrics.IngestFilesTotal.WithLabelValues(string(res.Status)).Inc()
		return res
	}

	hash := domain.HashContent([]byte(text))
	if existing, err := p.store.GetDocument(docID); err == nil && existing.ContentHash == hash {
		res.Status = StatusSkipped
		res.Reason = "content unchanged"
		metrics.IngestFilesTotal.WithLabelValues(string(res.Status)).Inc()
		return res
	}

	spans := p.chunker.Split(text)
	texts := make([]string, len(spans))
	for i, sp := range spans {
		texts[i] = sp.Text
	}

	vectors, err := embedding.EmbedAll(ctx, p.embedder, texts, p.batchSize, p.maxInFlight)
	if err != nil {
		res = failed(res, "embedding failed", err)
		metrics.IngestFilesTotal.WithLabelValues(string(res.Status)).Inc()
		return res
	}

	doc := domain.Document{
		ID:          docID,
		SourcePath:  sourcePath,
		Format:      extract.FormatText,
		SizeBytes:   int64(len(text)),
		ContentHash: hash,
		ChunkCount:  len(spans),
		IngestedAt:  time.Now().UTC(),
	}
	chunks := make([]domain.Chunk, len(spans))
	for i, sp := range spans {
		chunks[i] = domain.Chunk{
			ID:         domain.ChunkID(docID, i),
			DocumentID: docID,
			Seq:        i,
			Start:      sp.Start,
			End:        sp.End,
			Text:       sp.Text,
			Embedding:  vectors[i],
			Metadata:   map[string]string{"source": sourcePath, "format": extract.FormatText},
		}
	}

	if _, err := p.store.Insert(ctx, doc, chunks); err != nil {
		res = failed(res, "store write failed", err)
		metrics.IngestFilesTotal.WithLabelValues(string(res.Status)).Inc()
		return res
	}

	metrics.IngestChunksTotal.Add(float64(len(chunks)))
	metrics.IngestFilesTotal.WithLabelValues(string(StatusIngested)).Inc()
	res.Status = StatusIngested
	res.Chunks = len(chunks)
	return res
}

// Remove deletes a previously ingested document by source path.
func (p *Pipeline) Remove(ctx context.Context, path string) error {
	return p.store.Delete(ctx, domain.DocumentIDFromPath(path))
}

func failed(res FileResult, reason string, err error) FileResult {
	res.Status = StatusFailed
	res.Reason = reason
	res.err = err
	return res
}

func providerUnavailable(err error) bool {
	return errors.Is(err, domain.ErrProviderRateLimited) ||
		errors.Is(err, domain.ErrProviderCoolingDown)
}
