package domain

import "errors"

var (
	// ErrUnsupportedFormat signals a file format outside the supported set.
	ErrUnsupportedFormat = errors.New("unsupported format")
	// ErrCorruptFile signals that structural parsing of a file failed.
	ErrCorruptFile = errors.New("corrupt file")
	// ErrFileTooLarge signals a file above the configured size ceiling.
	ErrFileTooLarge = errors.New("file too large")
	// ErrInvalidChunkConfig signals overlap >= chunk size or a non-positive size.
	ErrInvalidChunkConfig = errors.New("invalid chunk config")

	// ErrProviderTimeout signals an embedding provider timeout (retryable).
	ErrProviderTimeout = errors.New("embedding provider timeout")
	// ErrProviderRateLimited signals a provider rate limit hit (retryable).
	ErrProviderRateLimited = errors.New("embedding provider rate limited")
	// ErrProviderFatal signals a non-retryable provider failure (e.g. bad credentials).
	ErrProviderFatal = errors.New("embedding provider fatal error")
	// ErrProviderCoolingDown signals that calls are short-circuited after repeated failures.
	ErrProviderCoolingDown = errors.New("embedding provider cooling down")

	// ErrVectorDimMismatch signals a vector dimension mismatch.
	ErrVectorDimMismatch = errors.New("vector dimension mismatch")
	// ErrDocumentNotFound signals a missing document.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrIndexCorrupted signals a checksum or entry-count mismatch detected on load.
	// The store refuses queries until restored from a valid backup.
	ErrIndexCorrupted = errors.New("index corrupted")
	// ErrStoreClosed signals an operation against a closed store.
	ErrStoreClosed = errors.New("store closed")

	// ErrBackupWrite signals a failed snapshot copy; existing snapshots are untouched.
	ErrBackupWrite = errors.New("backup write failed")
	// ErrNoBackups signals that no snapshot exists to restore from.
	ErrNoBackups = errors.New("no backups available")
	// ErrRestoreVerification signals that a restored snapshot failed verification.
	ErrRestoreVerification = errors.New("restore verification failed")

	// ErrEmptyIndex signals a retrieval attempt against a store with zero live entries.
	ErrEmptyIndex = errors.New("index is empty")
	// ErrInvalidQuery signals an empty or malformed query.
	ErrInvalidQuery = errors.New("invalid query")
)
