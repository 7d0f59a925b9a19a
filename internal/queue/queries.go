package queue

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/arrayops/subflow/internal/store"
	"github.com/arrayops/subflow/internal/subband"
)

// Entry returns one queue entry, or nil when the group is unknown.
func (q *Queue) Entry(ctx context.Context, groupID string) (*Entry, error) {
	var entry *Entry
	err := q.store.Tx(ctx, func(tx *sql.Tx) error {
		var err error
		entry, err = entryInTx(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Entries lists entries in a given state, oldest first. A zero state lists
// everything; limit <= 0 means no limit.
func (q *Queue) Entries(ctx context.Context, state State, limit int) ([]Entry, error) {
	query := `
		SELECT group_id, state, received_at, last_update, expected_units, retry_count, error_message, has_marker
		FROM queue_entries`
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY group_id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.store.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByState returns the number of entries per state.
func (q *Queue) CountByState(ctx context.Context) (map[State]int, error) {
	rows, err := q.store.Query(ctx,
		"SELECT state, COUNT(*) FROM queue_entries GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[State]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// GroupFiles returns the indexed files of a group ordered by unit index,
// including those marked absent.
func (q *Queue) GroupFiles(ctx context.Context, groupID string) ([]File, error) {
	rows, err := q.store.Query(ctx, `
		SELECT path, group_id, unit_index, unit_code, observed_at, observed_mjd, size_bytes, present_on_disk
		FROM subband_files
		WHERE group_id = ?
		ORDER BY unit_index ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("group files %s: %w", groupID, err)
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var (
			f        File
			observed string
			present  int
		)
		if err := rows.Scan(&f.Path, &f.GroupID, &f.UnitIndex, &f.UnitCode,
			&observed, &f.ObservedMJD, &f.SizeBytes, &present); err != nil {
			return nil, err
		}
		f.PresentOnDisk = present != 0
		if ts, err := subband.ParseGroupID(observed); err == nil {
			f.ObservedAt = ts
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// ReconcilePresence re-checks every indexed file of a group against the
// filesystem and flips present_on_disk to false for files that are gone,
// unreadable, or empty. Rows are never deleted; the index is the audit
// trail. Returns the files still present and those found missing.
func (q *Queue) ReconcilePresence(ctx context.Context, groupID string) (present, missing []File, err error) {
	files, err := q.GroupFiles(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	for _, f := range files {
		st, statErr := os.Stat(f.Path)
		ok := statErr == nil && st.Size() > 0
		if ok {
			present = append(present, f)
			continue
		}

		if f.PresentOnDisk {
			if _, err := q.store.Exec(ctx, `
				UPDATE subband_files SET present_on_disk = 0
				WHERE group_id = ? AND unit_index = ?
			`, groupID, f.UnitIndex); err != nil {
				return nil, nil, fmt.Errorf("mark absent %s: %w", f.Path, err)
			}
			q.logger.Warn("indexed file no longer on disk", "group", groupID, "path", f.Path)
		}
		f.PresentOnDisk = false
		missing = append(missing, f)
	}

	return present, missing, nil
}

// RecordStageMetric stores the wall time one pipeline stage spent on a
// group. Upserts so retried runs keep the latest measurement.
func (q *Queue) RecordStageMetric(ctx context.Context, groupID, stage string, seconds float64) error {
	_, err := q.store.Exec(ctx, `
		INSERT INTO stage_metrics (group_id, stage, seconds, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(group_id, stage) DO UPDATE SET seconds = excluded.seconds, recorded_at = excluded.recorded_at
	`, groupID, stage, seconds, store.Epoch(q.clock.Now()))
	if err != nil {
		return fmt.Errorf("record metric %s/%s: %w", groupID, stage, err)
	}
	return nil
}

// StageMetrics returns the recorded per-stage wall times for a group.
func (q *Queue) StageMetrics(ctx context.Context, groupID string) (map[string]float64, error) {
	rows, err := q.store.Query(ctx,
		"SELECT stage, seconds FROM stage_metrics WHERE group_id = ?", groupID)
	if err != nil {
		return nil, fmt.Errorf("stage metrics %s: %w", groupID, err)
	}
	defer rows.Close()

	metrics := make(map[string]float64)
	for rows.Next() {
		var stage string
		var seconds float64
		if err := rows.Scan(&stage, &seconds); err != nil {
			return nil, err
		}
		metrics[stage] = seconds
	}
	return metrics, rows.Err()
}

func entryInTx(ctx context.Context, tx *sql.Tx, groupID string) (*Entry, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT group_id, state, received_at, last_update, expected_units, retry_count, error_message, has_marker
		FROM queue_entries WHERE group_id = ?
	`, groupID)

	e, err := scanEntryRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read entry %s: %w", groupID, err)
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	return scanEntryRow(rows)
}

func scanEntryRow(row rowScanner) (Entry, error) {
	var (
		e          Entry
		state      string
		receivedAt float64
		lastUpdate float64
		errMsg     sql.NullString
		hasMarker  sql.NullInt64
	)
	if err := row.Scan(&e.GroupID, &state, &receivedAt, &lastUpdate,
		&e.ExpectedUnits, &e.RetryCount, &errMsg, &hasMarker); err != nil {
		return Entry{}, err
	}

	e.State = State(state)
	e.ReceivedAt = store.FromEpoch(receivedAt)
	e.LastUpdate = store.FromEpoch(lastUpdate)
	if errMsg.Valid {
		e.ErrorMessage = errMsg.String
	}
	if hasMarker.Valid {
		v := hasMarker.Int64 != 0
		e.HasMarker = &v
	}
	return e, nil
}
