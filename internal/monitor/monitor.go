// Package monitor watches configured folders and keeps the index in sync with
// their contents.
package monitor

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/config"
	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/ingest"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
)

// fingerprint is the cheap change signal for a file. Content hashing happens
// later, inside the pipeline, which also deduplicates unchanged content.
type fingerprint struct {
	size    int64
	modTime time.Time
}

// Monitor periodically scans folders and feeds added, modified, and removed
// files to the ingestion pipeline. Scans never overlap: a tick that fires
// while the previous one is still running is skipped.
type Monitor struct {
	pipeline *ingest.Pipeline
	cfg      config.FolderMonitoringConfig
	logger   *zap.Logger

	extensions map[string]bool
	maxBytes   int64

	ticking atomic.Bool
	known   map[string]fingerprint

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a monitor over the configured folders.
func New(p *ingest.Pipeline, cfg config.FolderMonitoringConfig, logger *zap.Logger) *Monitor {
	exts := make(map[string]bool, len(cfg.SupportedExtensions))
	for _, e := range cfg.SupportedExtensions {
		exts[strings.ToLower(e)] = true
	}
	return &Monitor{
		pipeline:   p,
		cfg:        cfg,
		logger:     logger,
		extensions: exts,
		maxBytes:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		known:      make(map[string]fingerprint),
		stop:       make(chan struct{}),
	}
}

// Start launches the scan loop. The first scan runs immediately so a restart
// picks up changes made while the process was down.
func (m *Monitor) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	interval := time.Duration(m.cfg.CheckIntervalSec) * time.Second

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.tick(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick(ctx)
				// A scan longer than the interval leaves a fire buffered in
				// the ticker channel. Running it would queue scans back to
				// back instead of skipping, so drop it and wait a full
				// interval.
				drainPending(ticker.C, m.logger)
			}
		}
	}()

	m.logger.Info("Folder monitoring started",
		zap.Strings("folders", m.cfg.MonitoredFolders),
		zap.Duration("interval", interval),
	)
}

// drainPending discards a tick that fired during a long scan. Reports true
// when one was pending.
func drainPending(ticks <-chan time.Time, logger *zap.Logger) bool {
	select {
	case <-ticks:
		metrics.MonitorTicksTotal.WithLabelValues("skipped").Inc()
		logger.Debug("Dropping tick queued during a long scan")
		return true
	default:
		return false
	}
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// tick runs one scan cycle. Only one runs at a time.
func (m *Monitor) tick(ctx context.Context) {
	if !m.ticking.CompareAndSwap(false, true) {
		metrics.MonitorTicksTotal.WithLabelValues("skipped").Inc()
		m.logger.Debug("Scan still in progress, skipping tick")
		return
	}
	defer m.ticking.Store(false)
	metrics.MonitorTicksTotal.WithLabelValues("run").Inc()

	current := m.scan()

	var changed []string
	for path, fp := range current {
		if prev, ok := m.known[path]; !ok || prev != fp {
			changed = append(changed, path)
		}
	}
	var removed []string
	for path := range m.known {
		if _, ok := current[path]; !ok {
			removed = append(removed, path)
		}
	}

	if len(changed) > 0 && m.cfg.AutoIngest {
		rep := m.pipeline.IngestFiles(ctx, changed)
		m.logger.Info("Scan ingested changes",
			zap.Int("ingested", rep.Ingested),
			zap.Int("skipped", rep.Skipped),
			zap.Int("failed", rep.Failed),
		)
	} else if len(changed) > 0 {
		m.logger.Info("Detected changed files, auto-ingest disabled",
			zap.Int("count", len(changed)),
		)
	}

	for _, path := range removed {
		err := m.pipeline.Remove(ctx, path)
		if err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
			m.logger.Error("Failed to remove deleted file from index",
				zap.String("path", path),
				zap.Error(err),
			)
			continue
		}
		m.logger.Info("Removed deleted file from index", zap.String("path", path))
	}

	m.known = current
}

// scan walks the monitored folders and fingerprints every eligible file.
func (m *Monitor) scan() map[string]fingerprint {
	found := make(map[string]fingerprint)
	for _, folder := range m.cfg.MonitoredFolders {
		root := domain.NormalizePath(folder)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				m.logger.Warn("Scan error", zap.String("path", path), zap.Error(err))
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && !m.cfg.Recursive {
					return fs.SkipDir
				}
				return nil
			}
			if !m.extensions[strings.ToLower(filepath.Ext(path))] {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return nil
			}
			if m.maxBytes > 0 && info.Size() > m.maxBytes {
				m.logger.Debug("File exceeds size ceiling, ignored",
					zap.String("path", path),
					zap.Int64("size", info.Size()),
				)
				return nil
			}
			found[path] = fingerprint{size: info.Size(), modTime: info.ModTime()}
			return nil
		})
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Scan failed", zap.String("folder", folder), zap.Error(err))
		}
	}
	return found
}
