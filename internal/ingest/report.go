package ingest

import (
	"time"

	"github.com/google/uuid"
)

// Status is the per-file ingestion outcome.
type Status string

const (
	StatusIngested Status = "ingested"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
)

// FileResult records the outcome for one file.
type FileResult struct {
	Path       string `json:"path"`
	Status     Status `json:"status"`
	Reason     string `json:"reason,omitempty"`
	DocumentID string `json:"document_id,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`

	err error
}

// Err returns the underlying error for a failed result, if any.
func (r FileResult) Err() error { return r.err }

// Report summarizes one ingestion run.
type Report struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Results    []FileResult `json:"results"`
	Ingested   int          `json:"ingested"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
}

// NewReport starts an empty report with a fresh run id.
func NewReport() Report {
	return Report{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
}

func (r *Report) add(res FileResult) {
	r.Results = append(r.Results, res)
	switch res.Status {
	case StatusIngested:
		r.Ingested++
	case StatusSkipped:
		r.Skipped++
	case StatusFailed:
		r.Failed++
	}
}

func (r *Report) finish() {
	r.FinishedAt = time.Now().UTC()
}
