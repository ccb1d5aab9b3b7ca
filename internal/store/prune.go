package store

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// PruneReport summarizes one retention pass over the index.
type PruneReport struct {
	NormalEntriesDeleted int64 `json:"normalEntriesDeleted"`
	AuditEntriesDeleted  int64 `json:"auditEntriesDeleted"`
	FieldsDeleted        int64 `json:"fieldsDeleted"`
}

// Total returns the combined number of entries removed.
func (r PruneReport) Total() int64 {
	return r.NormalEntriesDeleted + r.AuditEntriesDeleted
}

// PruneByRetention deletes entries whose timestamp precedes the horizon for
// their class. An empty cutoff disables that class. Field rows go first so
// entry deletion does not churn through cascade bookkeeping.
func (s *Store) PruneByRetention(normalCutoffISO, auditCutoffISO string) (PruneReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report PruneReport

	tx, err := s.db.Begin()
	if err != nil {
		return report, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer tx.Rollback()

	prune := func(cutoff string, isAudit int) (int64, error) {
		res, err := tx.Exec(`
			DELETE FROM log_fields WHERE entry_id IN (
				SELECT id FROM log_entries WHERE is_audit = ? AND timestamp < ?
			)`, isAudit, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune fields: %w", err)
		}
		fields, _ := res.RowsAffected()
		report.FieldsDeleted += fields

		res, err = tx.Exec(`DELETE FROM log_entries WHERE is_audit = ? AND timestamp < ?`, isAudit, cutoff)
		if err != nil {
			return 0, fmt.Errorf("failed to prune entries: %w", err)
		}
		entries, _ := res.RowsAffected()
		return entries, nil
	}

	if normalCutoffISO != "" {
		deleted, err := prune(normalCutoffISO, 0)
		if err != nil {
			return report, err
		}
		report.NormalEntriesDeleted = deleted
	}
	if auditCutoffISO != "" {
		deleted, err := prune(auditCutoffISO, 1)
		if err != nil {
			return report, err
		}
		report.AuditEntriesDeleted = deleted
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("failed to commit prune: %w", err)
	}

	if report.Total() > 0 {
		log.Info().
			Int64("normalEntries", report.NormalEntriesDeleted).
			Int64("auditEntries", report.AuditEntriesDeleted).
			Int64("fields", report.FieldsDeleted).
			Msg("Pruned expired index entries")
	}
	return report, nil
}
