package maintenance_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikroscope/mikroscope/internal/config"
	"github.com/mikroscope/mikroscope/internal/maintenance"
	"github.com/mikroscope/mikroscope/internal/store"
)

func newTestLoop(t *testing.T, mutate func(*config.Config)) (*maintenance.Loop, *store.Store, *config.Config) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.DBPath = filepath.Join(dir, "test.db")
	cfg.LogsPath = filepath.Join(dir, "logs")
	if err := os.MkdirAll(cfg.LogsPath, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}
	return maintenance.New(st, cfg), st, cfg
}

func writeAgedFile(t *testing.T, path string, ageDays int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"event":"old"}`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	past := time.Now().AddDate(0, 0, -ageDays)
	if err := os.Chtimes(path, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func TestRetentionDisabledKeepsEverything(t *testing.T) {
	loop, _, cfg := newTestLoop(t, nil)

	path := filepath.Join(cfg.LogsPath, "old.ndjson")
	writeAgedFile(t, path, 365)

	report := loop.Run()
	if report.FilesDeleted != 0 {
		t.Fatalf("deleted %d files with retention disabled", report.FilesDeleted)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file removed despite disabled retention: %v", err)
	}
}

func TestExpiredNormalFileDeleted(t *testing.T) {
	loop, _, cfg := newTestLoop(t, func(c *config.Config) {
		c.LogRetentionDays = 7
	})

	old := filepath.Join(cfg.LogsPath, "old.ndjson")
	fresh := filepath.Join(cfg.LogsPath, "fresh.ndjson")
	writeAgedFile(t, old, 30)
	if err := os.WriteFile(fresh, []byte(`{"event":"new"}`+"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	report := loop.Run()
	if report.FilesDeleted != 1 {
		t.Fatalf("files deleted = %d, want 1", report.FilesDeleted)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Fatalf("expired file still present")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatalf("fresh file removed: %v", err)
	}
}

func TestAuditFileBackedUpBeforeDelete(t *testing.T) {
	backupDir := ""
	loop, _, cfg := newTestLoop(t, func(c *config.Config) {
		c.LogAuditRetentionDays = 7
		backupDir = filepath.Join(filepath.Dir(c.DBPath), "backup")
		c.AuditBackupDirectory = backupDir
	})

	auditFile := filepath.Join(cfg.LogsPath, "audit", "events.ndjson")
	writeAgedFile(t, auditFile, 30)

	report := loop.Run()
	if report.FilesDeleted != 1 || report.FilesBackedUp != 1 {
		t.Fatalf("report = %+v", report)
	}

	copied := filepath.Join(backupDir, "audit", "events.ndjson")
	data, err := os.ReadFile(copied)
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(data) != `{"event":"old"}`+"\n" {
		t.Fatalf("backup content mismatch: %q", data)
	}
	if _, err := os.Stat(auditFile); !os.IsNotExist(err) {
		t.Fatalf("audit file not deleted after backup")
	}
}

func TestAuditRetentionSeparateFromNormal(t *testing.T) {
	loop, _, cfg := newTestLoop(t, func(c *config.Config) {
		c.LogRetentionDays = 7
		// Audit class disabled: audit files survive any age.
	})

	auditFile := filepath.Join(cfg.LogsPath, "audit", "events.ndjson")
	writeAgedFile(t, auditFile, 365)

	report := loop.Run()
	if report.FilesDeleted != 0 {
		t.Fatalf("audit file deleted by the normal horizon")
	}
	if _, err := os.Stat(auditFile); err != nil {
		t.Fatalf("audit file missing: %v", err)
	}
}

func TestIndexPruneAndVacuum(t *testing.T) {
	loop, st, _ := newTestLoop(t, func(c *config.Config) {
		c.DBRetentionDays = 7
	})

	old := time.Now().UTC().AddDate(0, 0, -30).Format(store.TimeLayout)
	if _, _, err := st.UpsertEntry(store.EntryInput{
		Timestamp: old, Level: "INFO", Event: "old", Message: "",
		DataJSON: `{}`, SourceFile: "a.ndjson", LineNumber: 1,
	}); err != nil {
		t.Fatalf("UpsertEntry: %v", err)
	}

	report := loop.Run()
	if report.Prune.NormalEntriesDeleted != 1 {
		t.Fatalf("prune report = %+v", report.Prune)
	}
	if !report.Vacuumed {
		t.Fatalf("vacuum skipped although entries were pruned")
	}

	count, err := st.Count(store.Filter{})
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Fatalf("entries remaining = %d", count)
	}
}

func TestStateSnapshotRecordsLastRun(t *testing.T) {
	loop, _, _ := newTestLoop(t, nil)

	loop.Run()
	state := loop.StateSnapshot()
	if state.LastRunAt == "" {
		t.Fatalf("lastRunAt empty after a run")
	}
	if state.LastError != "" {
		t.Fatalf("unexpected error: %s", state.LastError)
	}
}
