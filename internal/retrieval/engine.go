// Package retrieval answers similarity queries over the ingested corpus.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/config"
	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
	"github.com/kailas-cloud/corpusdex/internal/store"
	"github.com/kailas-cloud/corpusdex/internal/usecase/embedding"
)

// Options override the configured retrieval parameters for one query.
// Zero values keep the configured defaults.
type Options struct {
	TopK      int
	Threshold *float64
}

// Index is the slice of the vector store the engine reads from.
// *store.Store satisfies it.
type Index interface {
	Stats() store.Stats
	Search(query []float32, topK int) ([]store.Hit, error)
	GetChunk(chunkID string) (domain.Chunk, error)
}

// Engine embeds queries and ranks stored chunks against them.
type Engine struct {
	store    Index
	embedder domain.Embedder
	cfg      config.RetrievalConfig
	reranker Reranker
	logger   *zap.Logger
}

// NewEngine builds a retrieval engine. Reranking uses TermOverlapReranker
// when enabled in the config; WithReranker swaps in another strategy.
func NewEngine(
	s Index, e domain.Embedder, cfg config.RetrievalConfig, logger *zap.Logger,
) *Engine {
	eng := &Engine{store: s, embedder: e, cfg: cfg, logger: logger}
	if cfg.EnableReranking {
		eng.reranker = TermOverlapReranker{}
	}
	return eng
}

// WithReranker replaces the reranking strategy. Passing nil disables reranking.
func (e *Engine) WithReranker(r Reranker) *Engine {
	e.reranker = r
	return e
}

// Retrieve returns up to topK chunks scoring at or above the similarity
// threshold, best first. No matches above the threshold is an empty result,
// not an error.
func (e *Engine) Retrieve(ctx context.Context, query string, opts Options) ([]domain.ScoredChunk, error) {
	started := time.Now()
	results, err := e.retrieve(ctx, query, opts)
	metrics.SearchDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.SearchQueriesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.SearchQueriesTotal.WithLabelValues("ok").Inc()

	e.logger.Debug("Query answered",
		zap.Int("results", len(results)),
		zap.Duration("took", time.Since(started)),
	)
	return results, nil
}

func (e *Engine) retrieve(ctx context.Context, query string, opts Options) ([]domain.ScoredChunk, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("blank query: %w", domain.ErrInvalidQuery)
	}
	st := e.store.Stats()
	if !st.Healthy {
		return nil, domain.ErrIndexCorrupted
	}
	if st.LiveChunks == 0 {
		return nil, domain.ErrEmptyIndex
	}

	topK := e.cfg.TopK
	if opts.TopK > 0 {
		topK = opts.TopK
	}
	threshold := e.cfg.SimilarityThreshold
	if opts.Threshold != nil {
		threshold = *opts.Threshold
	}

	vectors, err := embedding.EmbedAll(ctx, e.embedder, []string{query}, 1, 1)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Widen the candidate pool when a reranker may promote a lower-similarity
	// chunk into the final window.
	poolSize := topK
	if e.reranker != nil {
		poolSize += e.cfg.RerankTopK
	}

	hits, err := e.store.Search(vectors[0], poolSize)
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}

	candidates := make([]domain.ScoredChunk, 0, len(hits))
	for _, h := range hits {
		if h.Score < threshold {
			continue
		}
		chunk, err := e.store.GetChunk(h.ChunkID)
		if errors.Is(err, domain.ErrDocumentNotFound) {
			// The chunk was deleted between the snapshot search and the
			// metadata read. Drop the hit rather than failing the query.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load chunk %s: %w", h.ChunkID, err)
		}
		candidates = append(candidates, domain.ScoredChunk{Chunk: chunk, Score: h.Score})
	}

	if e.reranker != nil {
		candidates = e.reranker.Rerank(query, candidates)
	}
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	return candidates, nil
}
