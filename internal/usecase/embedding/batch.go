package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/corpusdex/internal/domain"
)

// SplitBatches partitions texts into batches of at most size elements.
func SplitBatches(texts []string, size int) [][]string {
	if size <= 0 {
		size = len(texts)
	}
	var batches [][]string
	for start := 0; start < len(texts); start += size {
		end := start + size
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, texts[start:end])
	}
	return batches
}

// EmbedAll vectorizes texts in provider-sized batches with at most maxInFlight
// batches issued concurrently. Results keep input order. Any batch failure
// cancels the remaining batches and fails the whole call.
func EmbedAll(
	ctx context.Context, e domain.Embedder, texts []string,
	batchSize, maxInFlight int,
) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if maxInFlight < 1 {
		maxInFlight = 1
	}

	out := make([][]float32, len(texts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	offset := 0
	for _, batch := range SplitBatches(texts, batchSize) {
		start := offset
		batch := batch
		g.Go(func() error {
			vectors, err := e.EmbedBatch(ctx, batch)
			if err != nil {
				return fmt.Errorf("embed batch at offset %d: %w", start, err)
			}
			if len(vectors) != len(batch) {
				return fmt.Errorf(
					"embed batch at offset %d: got %d vectors for %d texts: %w",
					start, len(vectors), len(batch), domain.ErrProviderFatal,
				)
			}
			copy(out[start:start+len(batch)], vectors)
			return nil
		})
		offset += len(batch)
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
