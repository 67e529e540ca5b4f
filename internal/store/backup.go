package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/kailas-cloud/corpusdex/internal/domain"
	"github.com/kailas-cloud/corpusdex/internal/metrics"
)

const (
	backupPrefix   = "backup-"
	backupIndex    = "index.bin"
	backupMetadata = "meta.db"
)

// BackupManager creates, rotates, and restores point-in-time copies of the
// store's index and metadata files. It shares the store's write lock, so a
// backup or restore never observes a half-applied mutation.
type BackupManager struct {
	store  *Store
	dir    string
	max    int
	logger *zap.Logger
}

// NewBackupManager returns a manager writing snapshots under dir, keeping at
// most max of them.
func NewBackupManager(s *Store, dir string, max int, logger *zap.Logger) *BackupManager {
	return &BackupManager{store: s, dir: dir, max: max, logger: logger}
}

// Create writes a new backup and evicts the oldest ones beyond the retention
// limit. Returns the backup's directory name.
func (m *BackupManager) Create() (string, error) {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if err := m.store.usableLocked(); err != nil {
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return "", err
	}

	// Flush so the copied index matches the current snapshot.
	snap := m.store.snap.Load()
	if err := writeIndexFile(m.store.cfg.IndexPath, snap.dim, snap.vectors); err != nil {
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return "", fmt.Errorf("flush before backup: %w", err)
	}

	name := backupPrefix + time.Now().UTC().Format("20060102T150405.000000000Z")
	tmp := filepath.Join(m.dir, ".tmp-"+name)
	if err := m.writeBackup(tmp); err != nil {
		_ = os.RemoveAll(tmp)
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrBackupWrite, err)
	}
	if err := os.Rename(tmp, filepath.Join(m.dir, name)); err != nil {
		_ = os.RemoveAll(tmp)
		metrics.BackupsTotal.WithLabelValues("create", "error").Inc()
		return "", fmt.Errorf("%w: %v", domain.ErrBackupWrite, err)
	}

	if err := m.rotate(); err != nil {
		m.logger.Warn("Backup rotation failed", zap.Error(err))
	}

	metrics.BackupsTotal.WithLabelValues("create", "success").Inc()
	m.logger.Info("Backup created", zap.String("backup", name))
	return name, nil
}

func (m *BackupManager) writeBackup(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(m.store.cfg.IndexPath); err == nil {
		if err := copyFile(m.store.cfg.IndexPath, filepath.Join(dir, backupIndex)); err != nil {
			return err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	// bbolt writes a consistent copy under its own read transaction.
	return m.store.db.View(func(tx *bbolt.Tx) error {
		f, err := os.Create(filepath.Join(dir, backupMetadata))
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := tx.WriteTo(f); err != nil {
			return err
		}
		return f.Sync()
	})
}

// List returns the names of all backups, oldest first.
func (m *BackupManager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), backupPrefix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Latest returns the name of the most recent backup.
func (m *BackupManager) Latest() (string, error) {
	names, err := m.List()
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", domain.ErrNoBackups
	}
	return names[len(names)-1], nil
}

// Restore replaces the live index and metadata with the named backup and
// reloads the store. If the restored state fails verification, the prior
// files are put back. Restore is the one mutation permitted on a corrupted
// store.
func (m *BackupManager) Restore(name string) error {
	m.store.mu.Lock()
	defer m.store.mu.Unlock()
	if m.store.closed {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return domain.ErrStoreClosed
	}

	src := filepath.Join(m.dir, name)
	if _, err := os.Stat(src); err != nil {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return fmt.Errorf("backup %s: %w", name, domain.ErrNoBackups)
	}

	// Detach from the metadata file before touching it.
	if m.store.db != nil {
		if err := m.store.db.Close(); err != nil {
			metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
			return fmt.Errorf("close metadata store: %w", err)
		}
		m.store.db = nil
	}

	aside, err := setAside(m.store.cfg.IndexPath, m.store.cfg.MetadataPath)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return fmt.Errorf("stage restore: %w", err)
	}

	restoreErr := m.applyBackup(src)
	if restoreErr == nil {
		restoreErr = m.store.loadLocked()
		if restoreErr == nil && m.store.corrupted.Load() {
			restoreErr = fmt.Errorf("restored state failed verification: %w", domain.ErrRestoreVerification)
		}
	}
	if restoreErr != nil {
		aside.rollback()
		if err := m.store.loadLocked(); err != nil {
			m.logger.Error("Reload after failed restore rollback", zap.Error(err))
		}
		metrics.BackupsTotal.WithLabelValues("restore", "error").Inc()
		return fmt.Errorf("%w: %v", domain.ErrRestoreVerification, restoreErr)
	}

	aside.discard()
	metrics.BackupsTotal.WithLabelValues("restore", "success").Inc()
	m.logger.Info("Backup restored",
		zap.String("backup", name),
		zap.Int("live_chunks", m.store.snap.Load().live),
	)
	return nil
}

func (m *BackupManager) applyBackup(src string) error {
	if err := os.MkdirAll(filepath.Dir(m.store.cfg.IndexPath), 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.store.cfg.MetadataPath), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(src, backupIndex)); err == nil {
		if err := copyFile(filepath.Join(src, backupIndex), m.store.cfg.IndexPath); err != nil {
			return err
		}
	}
	return copyFile(filepath.Join(src, backupMetadata), m.store.cfg.MetadataPath)
}

func (m *BackupManager) rotate() error {
	if m.max <= 0 {
		return nil
	}
	names, err := m.List()
	if err != nil {
		return err
	}
	for len(names) > m.max {
		victim := names[0]
		names = names[1:]
		if err := os.RemoveAll(filepath.Join(m.dir, victim)); err != nil {
			return err
		}
		m.logger.Info("Backup rotated out", zap.String("backup", victim))
	}
	return nil
}

// setAsideFiles tracks live files moved out of the way during a restore so a
// failed restore can roll them back.
type setAsideFiles struct {
	moves [][2]string // original path, aside path
}

func setAside(paths ...string) (*setAsideFiles, error) {
	a := &setAsideFiles{}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			a.rollback()
			return nil, err
		}
		aside := p + ".pre-restore"
		if err := os.Rename(p, aside); err != nil {
			a.rollback()
			return nil, err
		}
		a.moves = append(a.moves, [2]string{p, aside})
	}
	return a, nil
}

func (a *setAsideFiles) rollback() {
	for _, mv := range a.moves {
		_ = os.Remove(mv[0])
		_ = os.Rename(mv[1], mv[0])
	}
	a.moves = nil
}

func (a *setAsideFiles) discard() {
	for _, mv := range a.moves {
		_ = os.Remove(mv[1])
	}
	a.moves = nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
