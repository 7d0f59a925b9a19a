package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arrayops/subflow/internal/store"
)

// Claim atomically acquires the oldest pending entry, transitioning it to
// in_progress. Returns nil when nothing is pending. At most one caller can
// claim a given group: the transition is a compare-and-set on state.
func (q *Queue) Claim(ctx context.Context) (*Entry, error) {
	var claimed *Entry

	err := q.store.Tx(ctx, func(tx *sql.Tx) error {
		var groupID string
		err := tx.QueryRowContext(ctx, `
			SELECT group_id FROM queue_entries
			WHERE state = ?
			ORDER BY group_id ASC
			LIMIT 1
		`, string(StatePending)).Scan(&groupID)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find pending: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE queue_entries
			SET state = ?, last_update = ?
			WHERE group_id = ? AND state = ?
		`, string(StateInProgress), store.Epoch(q.clock.Now()), groupID, string(StatePending))
		if err != nil {
			return fmt.Errorf("claim %s: %w", groupID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Lost the race to another claimer.
			return nil
		}

		claimed, err = entryInTx(ctx, tx, groupID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Release returns an in_progress entry to pending without consuming a
// retry attempt. Used on clean dispatcher shutdown so recovery does not
// have to wait for the housekeeping timeout.
func (q *Queue) Release(ctx context.Context, groupID string) error {
	n, err := q.transition(ctx, groupID, StateInProgress, StatePending,
		"UPDATE queue_entries SET state = ?, last_update = ?, error_message = 'released on shutdown' WHERE group_id = ? AND state = ?")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("release %s: entry is not in progress", groupID)
	}
	q.logger.Info("released claim", "group", groupID)
	return nil
}

// MarkCompleted transitions in_progress → completed.
func (q *Queue) MarkCompleted(ctx context.Context, groupID string) error {
	n, err := q.transition(ctx, groupID, StateInProgress, StateCompleted,
		"UPDATE queue_entries SET state = ?, last_update = ?, error_message = NULL WHERE group_id = ? AND state = ?")
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("complete %s: entry is not in progress", groupID)
	}
	return nil
}

// RetryOrFail handles a failed run: below the retry budget the entry goes
// back to pending with retry_count incremented; at or past the budget it
// is marked failed. Returns whether the entry was requeued for retry.
func (q *Queue) RetryOrFail(ctx context.Context, groupID, cause string, maxRetries int) (bool, error) {
	retried := false

	err := q.store.Tx(ctx, func(tx *sql.Tx) error {
		var retryCount int
		var state string
		err := tx.QueryRowContext(ctx, `
			SELECT retry_count, state FROM queue_entries WHERE group_id = ?
		`, groupID).Scan(&retryCount, &state)
		if err == sql.ErrNoRows {
			return fmt.Errorf("fail %s: entry not found", groupID)
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", groupID, err)
		}
		if State(state) != StateInProgress {
			return fmt.Errorf("fail %s: entry is %s, not in progress", groupID, state)
		}

		now := store.Epoch(q.clock.Now())
		if retryCount < maxRetries {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET state = ?, last_update = ?, retry_count = retry_count + 1, error_message = ?
				WHERE group_id = ?
			`, string(StatePending), now, cause, groupID)
			retried = true
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET state = ?, last_update = ?, error_message = ?
				WHERE group_id = ?
			`, string(StateFailed), now, cause, groupID)
		}
		if err != nil {
			return fmt.Errorf("fail %s: %w", groupID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if retried {
		q.logger.Warn("run failed, requeued for retry", "group", groupID, "cause", cause)
	} else {
		q.logger.Error("run failed, retries exhausted", "group", groupID, "cause", cause)
	}
	return retried, nil
}

// RequeueFailed is the operator action that returns a failed entry to
// pending with its retry budget reset. Never taken automatically.
func (q *Queue) RequeueFailed(ctx context.Context, groupID string) error {
	res, err := q.store.Exec(ctx, `
		UPDATE queue_entries
		SET state = ?, last_update = ?, retry_count = 0, error_message = NULL
		WHERE group_id = ? AND state = ?
	`, string(StatePending), store.Epoch(q.clock.Now()), groupID, string(StateFailed))
	if err != nil {
		return fmt.Errorf("requeue %s: %w", groupID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("requeue %s: entry is not failed", groupID)
	}
	q.logger.Info("operator requeued failed group", "group", groupID)
	return nil
}

// RecoverStale returns every in_progress entry whose last update predates
// now − olderThan back to pending, incrementing its retry count. This is
// the crash-recovery path for workers that died mid-run.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return q.sweepOlderThan(ctx, StateInProgress, StatePending, olderThan,
		"recovered by housekeeping", true)
}

// ExpireCollecting fails every collecting entry whose last update predates
// now − olderThan. A group that will never complete must not block forever.
func (q *Queue) ExpireCollecting(ctx context.Context, olderThan time.Duration) ([]string, error) {
	return q.sweepOlderThan(ctx, StateCollecting, StateFailed, olderThan,
		"collecting timeout", false)
}

func (q *Queue) sweepOlderThan(ctx context.Context, from, to State, olderThan time.Duration, note string, countRetry bool) ([]string, error) {
	cutoff := store.Epoch(q.clock.Now().Add(-olderThan))
	var swept []string

	err := q.store.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT group_id FROM queue_entries
			WHERE state = ? AND last_update < ?
			ORDER BY group_id
		`, string(from), cutoff)
		if err != nil {
			return fmt.Errorf("find stale %s: %w", from, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			swept = append(swept, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(swept) == 0 {
			return nil
		}

		now := store.Epoch(q.clock.Now())
		retryExpr := ""
		if countRetry {
			retryExpr = ", retry_count = retry_count + 1"
		}
		for _, id := range swept {
			_, err := tx.ExecContext(ctx, fmt.Sprintf(`
				UPDATE queue_entries
				SET state = ?, last_update = ?, error_message = ?%s
				WHERE group_id = ? AND state = ?
			`, retryExpr), string(to), now, note, id, string(from))
			if err != nil {
				return fmt.Errorf("sweep %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}

// SetMarker records whether the group contains a calibration-relevant
// target, once known.
func (q *Queue) SetMarker(ctx context.Context, groupID string, hasMarker bool) error {
	v := 0
	if hasMarker {
		v = 1
	}
	_, err := q.store.Exec(ctx,
		"UPDATE queue_entries SET has_marker = ? WHERE group_id = ?", v, groupID)
	if err != nil {
		return fmt.Errorf("set marker %s: %w", groupID, err)
	}
	return nil
}

// transition runs a guarded single-row update after validating the
// transition against the state machine.
func (q *Queue) transition(ctx context.Context, groupID string, from, to State, query string) (int64, error) {
	if !CanTransition(from, to) {
		return 0, fmt.Errorf("invalid transition %s → %s", from, to)
	}
	res, err := q.store.Exec(ctx, query,
		string(to), store.Epoch(q.clock.Now()), groupID, string(from))
	if err != nil {
		return 0, fmt.Errorf("transition %s %s → %s: %w", groupID, from, to, err)
	}
	return res.RowsAffected()
}
