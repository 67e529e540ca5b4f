// Package status aggregates component health into one report.
package status

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/store"
)

// Check is one component's health verdict.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the aggregated system status.
type Report struct {
	Healthy     bool      `json:"healthy"`
	Documents   int       `json:"documents"`
	Chunks      int       `json:"chunks"`
	Tombstoned  int       `json:"tombstoned"`
	IndexHealth string    `json:"index_health"` // "ok" or "corrupted"
	LastBackup  string    `json:"last_backup,omitempty"`
	CheckedAt   time.Time `json:"checked_at"`
	Checks      []Check   `json:"checks"`
}

// Service runs the status checks.
type Service struct {
	store    *store.Store
	backups  *store.BackupManager
	provider domain.HealthChecker
	logger   *zap.Logger
}

// NewService wires the checked components. provider may be nil when the
// embedding transport exposes no health endpoint.
func NewService(
	s *store.Store, b *store.BackupManager, provider domain.HealthChecker, logger *zap.Logger,
) *Service {
	return &Service{store: s, backups: b, provider: provider, logger: logger}
}

// Check gathers store stats, backup state, and provider reachability. It
// always returns a report; individual failures land in Checks.
func (s *Service) Check(ctx context.Context) Report {
	rep := Report{CheckedAt: time.Now().UTC(), Healthy: true}

	st := s.store.Stats()
	rep.Documents = st.Documents
	rep.Chunks = st.LiveChunks
	rep.Tombstoned = st.Tombstoned
	if st.Healthy {
		rep.IndexHealth = "ok"
		rep.Checks = append(rep.Checks, Check{Name: "index", OK: true})
	} else {
		rep.IndexHealth = "corrupted"
		rep.Healthy = false
		rep.Checks = append(rep.Checks, Check{
			Name:   "index",
			Detail: "index failed verification, restore from backup",
		})
	}

	latest, err := s.backups.Latest()
	switch {
	case err == nil:
		rep.LastBackup = latest
		rep.Checks = append(rep.Checks, Check{Name: "backups", OK: true, Detail: latest})
	case errors.Is(err, domain.ErrNoBackups):
		rep.Checks = append(rep.Checks, Check{Name: "backups", OK: true, Detail: "no backups yet"})
	default:
		rep.Healthy = false
		rep.Checks = append(rep.Checks, Check{Name: "backups", Detail: err.Error()})
	}

	if s.provider != nil {
		if err := s.provider.HealthCheck(ctx); err != nil {
			rep.Healthy = false
			rep.Checks = append(rep.Checks, Check{Name: "embedding_provider", Detail: err.Error()})
			s.logger.Warn("Embedding provider health check failed", zap.Error(err))
		} else {
			rep.Checks = append(rep.Checks, Check{Name: "embedding_provider", OK: true})
		}
	}

	return rep
}
