// Package maintenance enforces retention: expired raw NDJSON files are
// deleted (audit files optionally backed up first), expired index rows are
// pruned, and the database is compacted when anything was removed.
package maintenance

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/indexer"
	"github.com/mikroscope/mikroscope/internal/store"
	"github.com/mikroscope/mikroscope/internal/telemetry"
)

// Loop runs retention passes on a timer.
type Loop struct {
	store    *store.Store
	logsRoot string

	intervalMs            int
	dbRetentionDays       int
	dbAuditRetentionDays  int
	logRetentionDays      int
	logAuditRetentionDays int
	backupDir             string

	running atomic.Bool
	stopCh  chan struct{}

	mu         sync.Mutex
	lastRunAt  string
	lastError  string
	lastReport Report
}

// Report summarizes one maintenance pass.
type Report struct {
	FilesDeleted  int               `json:"filesDeleted"`
	FilesBackedUp int               `json:"filesBackedUp"`
	Prune         store.PruneReport `json:"prune"`
	Vacuumed      bool              `json:"vacuumed"`
}

// State is the maintenance section of the health report.
type State struct {
	IntervalMs int    `json:"intervalMs"`
	LastRunAt  string `json:"lastRunAt,omitempty"`
	LastError  string `json:"lastError,omitempty"`
	LastReport Report `json:"lastReport"`
}

// New builds the loop from configuration.
func New(st *store.Store, cfg *config.Config) *Loop {
	return &Loop{
		store:                 st,
		logsRoot:              cfg.LogsPath,
		intervalMs:            cfg.MaintenanceIntervalMs,
		dbRetentionDays:       cfg.DBRetentionDays,
		dbAuditRetentionDays:  cfg.DBAuditRetentionDays,
		logRetentionDays:      cfg.LogRetentionDays,
		logAuditRetentionDays: cfg.LogAuditRetentionDays,
		backupDir:             cfg.AuditBackupDirectory,
	}
}

// Start launches the periodic timer. The orchestrator runs one synchronous
// pass before calling this.
func (l *Loop) Start() {
	if l.stopCh != nil {
		return
	}
	l.stopCh = make(chan struct{})

	go func() {
		ticker := time.NewTicker(time.Duration(l.intervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-l.stopCh:
				return
			case <-ticker.C:
				l.Run()
			}
		}
	}()
}

// Stop halts the timer. Idempotent.
func (l *Loop) Stop() {
	if l.stopCh != nil {
		close(l.stopCh)
		l.stopCh = nil
	}
}

// Run executes one retention pass. Overlapping ticks are no-ops; errors are
// recorded, never fatal.
func (l *Loop) Run() Report {
	if !l.running.CompareAndSwap(false, true) {
		return Report{}
	}
	defer l.running.Store(false)

	now := time.Now().UTC()
	var report Report
	var firstErr error

	if err := l.pruneFiles(now, &report); err != nil {
		firstErr = err
	}

	normalCutoff := cutoffISO(now, l.dbRetentionDays)
	auditCutoff := cutoffISO(now, l.dbAuditRetentionDays)
	pruneReport, err := l.store.PruneByRetention(normalCutoff, auditCutoff)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	report.Prune = pruneReport
	telemetry.EntriesPrunedTotal.Add(float64(pruneReport.Total()))
	telemetry.FilesDeletedTotal.Add(float64(report.FilesDeleted))

	if report.FilesDeleted > 0 || pruneReport.Total() > 0 {
		if err := l.store.Vacuum(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			report.Vacuumed = true
		}
	}

	l.mu.Lock()
	l.lastRunAt = now.Format(time.RFC3339)
	if firstErr != nil {
		l.lastError = firstErr.Error()
	} else {
		l.lastError = ""
	}
	l.lastReport = report
	l.mu.Unlock()

	if firstErr != nil {
		log.Error().Err(firstErr).Msg("Maintenance pass finished with errors")
	} else if report.FilesDeleted > 0 || pruneReport.Total() > 0 {
		log.Info().
			Int("filesDeleted", report.FilesDeleted).
			Int("filesBackedUp", report.FilesBackedUp).
			Int64("entriesPruned", pruneReport.Total()).
			Bool("vacuumed", report.Vacuumed).
			Msg("Maintenance pass finished")
	}
	return report
}

// pruneFiles deletes expired raw files, backing up audit files first when a
// backup directory is configured. One bad file never stops the walk.
func (l *Loop) pruneFiles(now time.Time, report *Report) error {
	normalHorizon := fileHorizon(now, l.logRetentionDays)
	auditHorizon := fileHorizon(now, l.logAuditRetentionDays)
	if normalHorizon.IsZero() && auditHorizon.IsZero() {
		return nil
	}

	var firstErr error
	err := filepath.WalkDir(l.logsRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == l.logsRoot {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.ToLower(filepath.Ext(d.Name())) != ".ndjson" {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		rel, err := filepath.Rel(l.logsRoot, path)
		if err != nil {
			rel = d.Name()
		}
		isAudit := indexer.PathIsAudit(filepath.ToSlash(rel))

		horizon := normalHorizon
		if isAudit {
			horizon = auditHorizon
		}
		if horizon.IsZero() || !info.ModTime().Before(horizon) {
			return nil
		}

		if isAudit && l.backupDir != "" {
			if err := copyFile(path, filepath.Join(l.backupDir, rel)); err != nil {
				log.Warn().Err(err).Str("file", rel).Msg("Audit backup failed, keeping file")
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			report.FilesBackedUp++
		}

		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("file", rel).Msg("Failed to delete expired log file")
			if firstErr == nil {
				firstErr = err
			}
			return nil
		}
		report.FilesDeleted++
		log.Debug().Str("file", rel).Bool("audit", isAudit).Msg("Deleted expired log file")
		return nil
	})
	if err != nil && !os.IsNotExist(err) && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy backup: %w", err)
	}
	return out.Close()
}

// cutoffISO renders the index prune horizon; 0 days disables the class.
func cutoffISO(now time.Time, days int) string {
	if days <= 0 {
		return ""
	}
	return now.AddDate(0, 0, -days).Format(store.TimeLayout)
}

// fileHorizon returns the raw-file mtime horizon; zero time disables.
func fileHorizon(now time.Time, days int) time.Time {
	if days <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, -days)
}

// StateSnapshot returns the maintenance section for the health report.
func (l *Loop) StateSnapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		IntervalMs: l.intervalMs,
		LastRunAt:  l.lastRunAt,
		LastError:  l.lastError,
		LastReport: l.lastReport,
	}
}
