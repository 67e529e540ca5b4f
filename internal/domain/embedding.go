package domain

import "context"

// Embedder is the shared text vectorization contract between layers.
// Implementations differ only in where the vectors are computed and are
// otherwise interchangeable.
type Embedder interface {
	// EmbedBatch vectorizes texts in a single call. The returned slice has one
	// vector per input text, all of dimension Dimensions().
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions reports the vector dimension this provider produces.
	Dimensions() int
}

// HealthChecker verifies embedding provider availability.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
