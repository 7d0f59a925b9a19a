package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/arrayops/subflow/internal/store"
	"github.com/arrayops/subflow/internal/subband"
)

// DefaultExpectedUnits is the number of sub-bands in a complete group.
const DefaultExpectedUnits = 16

// DefaultTolerance is the clustering window for grouping arrivals whose
// timestamps differ by clock skew between sub-band writers.
const DefaultTolerance = 60 * time.Second

// clusterCandidateLimit bounds how many open groups a single arrival is
// compared against.
const clusterCandidateLimit = 100

// Queue is the durable processing queue.
//
// All mutations go through guarded SQL transitions; the dispatcher and the
// housekeeping sweeper are the only writers besides arrival recording.
type Queue struct {
	store         *store.Store
	clock         Clock
	logger        *slog.Logger
	expectedUnits int
	tolerance     time.Duration
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides wall time. For tests.
func WithClock(c Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithExpectedUnits overrides the completeness threshold.
func WithExpectedUnits(n int) Option {
	return func(q *Queue) { q.expectedUnits = n }
}

// WithTolerance overrides the clustering window.
func WithTolerance(d time.Duration) Option {
	return func(q *Queue) { q.tolerance = d }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates a Queue over the given store.
func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:         st,
		clock:         SystemClock{},
		logger:        slog.Default(),
		expectedUnits: DefaultExpectedUnits,
		tolerance:     DefaultTolerance,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ExpectedUnits returns the completeness threshold.
func (q *Queue) ExpectedUnits() int { return q.expectedUnits }

// Tolerance returns the clustering window.
func (q *Queue) Tolerance() time.Duration { return q.tolerance }

// RecordArrival registers one sub-band file.
//
// The file is attached to the open group whose canonical timestamp lies
// nearest within the tolerance window; if none qualifies, a new group is
// created under the file's own canonical timestamp. When the group reaches
// its expected unit count it is promoted to pending in the same
// transaction. Duplicate arrivals for the same (group, unit index)
// overwrite the existing row; a differing path is logged as a warning.
//
// Returns the group the file landed in and whether this arrival promoted
// the group to pending. Parse failures return a parse-kind error; callers
// log and skip, they never abort the stream.
func (q *Queue) RecordArrival(ctx context.Context, path string) (string, bool, error) {
	info, err := subband.Parse(path)
	if err != nil {
		return "", false, err
	}

	var size int64
	if st, statErr := os.Stat(path); statErr == nil {
		size = st.Size()
	}

	now := store.Epoch(q.clock.Now())
	var target string
	var promoted bool

	err = q.store.Tx(ctx, func(tx *sql.Tx) error {
		candidates, err := openGroupIDs(tx)
		if err != nil {
			return err
		}

		target = info.GroupID
		if match, ok := subband.NearestGroup(info.ObservedAt, candidates, q.tolerance); ok {
			target = match
		}
		if target != info.GroupID {
			q.logger.Debug("clustering arrival into existing group",
				"unit", info.UnitIndex, "file_ts", info.GroupID, "group", target)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO queue_entries
			(group_id, state, received_at, last_update, expected_units)
			VALUES (?, ?, ?, ?, ?)
		`, target, string(StateCollecting), now, now, q.expectedUnits); err != nil {
			return fmt.Errorf("insert entry: %w", err)
		}

		if err := q.upsertFile(ctx, tx, target, info, size); err != nil {
			return err
		}

		// Group naming convention: the group takes the timestamp of unit
		// index 0 when that unit shows up while the group is still open.
		if info.UnitIndex == 0 && target != info.GroupID {
			renamed, err := q.rekeyGroup(ctx, tx, target, info.GroupID)
			if err != nil {
				return err
			}
			if renamed {
				target = info.GroupID
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE queue_entries SET last_update = ? WHERE group_id = ?
		`, now, target); err != nil {
			return fmt.Errorf("touch entry: %w", err)
		}

		var count int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM subband_files
			WHERE group_id = ? AND present_on_disk = 1
		`, target).Scan(&count); err != nil {
			return fmt.Errorf("count units: %w", err)
		}

		if count >= q.expectedUnits {
			res, err := tx.ExecContext(ctx, `
				UPDATE queue_entries
				SET state = ?, last_update = ?
				WHERE group_id = ? AND state = ?
			`, string(StatePending), now, target, string(StateCollecting))
			if err != nil {
				return fmt.Errorf("promote entry: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			promoted = n > 0
		}

		return nil
	})
	if err != nil {
		return "", false, err
	}

	if promoted {
		q.logger.Info("group complete", "group", target, "units", q.expectedUnits)
	}
	return target, promoted, nil
}

// upsertFile writes one file row with last-write-wins semantics for the
// (group, unit index) slot.
func (q *Queue) upsertFile(ctx context.Context, tx *sql.Tx, groupID string, info subband.FileInfo, size int64) error {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT path FROM subband_files WHERE group_id = ? AND unit_index = ?
	`, groupID, info.UnitIndex).Scan(&existing)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO subband_files
			(group_id, unit_index, path, unit_code, observed_at, observed_mjd, size_bytes, present_on_disk)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT(path) DO NOTHING
		`, groupID, info.UnitIndex, info.Path, info.UnitCode,
			info.ObservedAt.Format(subband.GroupIDLayout), info.ObservedMJD(), size)
		if err != nil {
			return fmt.Errorf("insert file: %w", err)
		}
	case err != nil:
		return fmt.Errorf("lookup file slot: %w", err)
	default:
		if existing != info.Path {
			q.logger.Warn("duplicate unit with different content, last write wins",
				"group", groupID, "unit", info.UnitIndex,
				"old", existing, "new", info.Path)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE subband_files
			SET path = ?, unit_code = ?, observed_at = ?, observed_mjd = ?, size_bytes = ?, present_on_disk = 1
			WHERE group_id = ? AND unit_index = ?
		`, info.Path, info.UnitCode, info.ObservedAt.Format(subband.GroupIDLayout),
			info.ObservedMJD(), size, groupID, info.UnitIndex)
		if err != nil {
			return fmt.Errorf("overwrite file slot: %w", err)
		}
	}
	return nil
}

// rekeyGroup renames a still-collecting group to the canonical timestamp
// of its unit-0 file. No-op when the target ID is taken or the group has
// already left collecting.
func (q *Queue) rekeyGroup(ctx context.Context, tx *sql.Tx, from, to string) (bool, error) {
	var taken int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries WHERE group_id = ?
	`, to).Scan(&taken); err != nil {
		return false, fmt.Errorf("check rekey target: %w", err)
	}
	if taken > 0 {
		return false, nil
	}

	// subband_files follows via its ON UPDATE CASCADE foreign key;
	// stage_metrics carries no constraint and is repointed by hand.
	res, err := tx.ExecContext(ctx, `
		UPDATE queue_entries SET group_id = ? WHERE group_id = ? AND state = ?
	`, to, from, string(StateCollecting))
	if err != nil {
		return false, fmt.Errorf("rekey entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE stage_metrics SET group_id = ? WHERE group_id = ?
	`, to, from); err != nil {
		return false, fmt.Errorf("rekey stage_metrics: %w", err)
	}

	q.logger.Debug("rekeyed group to unit-0 timestamp", "from", from, "to", to)
	return true, nil
}

// Bootstrap registers every parseable sub-band file already present in
// dir. Idempotent: files already indexed are counted as skipped.
func (q *Queue) Bootstrap(ctx context.Context, dir string) (added, skipped int, err error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_sb??.hdf5"))
	if err != nil {
		return 0, 0, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(matches)

	for _, path := range matches {
		known, err := q.hasFile(ctx, path)
		if err != nil {
			return added, skipped, err
		}
		if known {
			skipped++
			continue
		}
		if _, _, err := q.RecordArrival(ctx, path); err != nil {
			q.logger.Warn("skipping unparseable file", "path", path, "error", err)
			skipped++
			continue
		}
		added++
	}

	q.logger.Info("bootstrap complete", "dir", dir, "added", added, "skipped", skipped)
	return added, skipped, nil
}

func (q *Queue) hasFile(ctx context.Context, path string) (bool, error) {
	var n int
	err := q.store.DB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM subband_files WHERE path = ?", path).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup file: %w", err)
	}
	return n > 0, nil
}

// ConsolidateFragmented merges open groups whose timestamps fall within the
// tolerance window of each other. Such fragments arise from data recorded
// before clustering was in effect. The group with the most members wins;
// colliding unit slots keep the winner's file. A merged-away entry is
// marked failed with a note naming the winner, and its leftover file rows
// stay in the index flagged absent. Returns the number of groups merged.
func (q *Queue) ConsolidateFragmented(ctx context.Context) (int, error) {
	merged := 0

	err := q.store.Tx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT q.group_id,
			       (SELECT COUNT(*) FROM subband_files f WHERE f.group_id = q.group_id)
			FROM queue_entries q
			WHERE q.state IN (?, ?)
			ORDER BY q.group_id
		`, string(StateCollecting), string(StatePending))
		if err != nil {
			return fmt.Errorf("list open groups: %w", err)
		}

		type groupInfo struct {
			id    string
			ts    time.Time
			count int
		}
		var groups []groupInfo
		for rows.Next() {
			var g groupInfo
			if err := rows.Scan(&g.id, &g.count); err != nil {
				rows.Close()
				return fmt.Errorf("scan open group: %w", err)
			}
			ts, err := subband.ParseGroupID(g.id)
			if err != nil {
				continue
			}
			g.ts = ts
			groups = append(groups, g)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(groups) < 2 {
			return nil
		}

		sort.Slice(groups, func(i, j int) bool { return groups[i].ts.Before(groups[j].ts) })

		start := 0
		for i := 1; i <= len(groups); i++ {
			if i < len(groups) && groups[i].ts.Sub(groups[start].ts) <= q.tolerance {
				continue
			}
			cluster := groups[start:i]
			start = i
			if len(cluster) < 2 {
				continue
			}

			winner := cluster[0]
			for _, g := range cluster[1:] {
				if g.count > winner.count {
					winner = g
				}
			}

			for _, g := range cluster {
				if g.id == winner.id {
					continue
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE OR IGNORE subband_files SET group_id = ? WHERE group_id = ?
				`, winner.id, g.id); err != nil {
					return fmt.Errorf("merge files: %w", err)
				}
				// Leftovers lost the unit-slot collision with the winner.
				// They stay in the index as the audit trail, flagged absent.
				if _, err := tx.ExecContext(ctx, `
					UPDATE subband_files SET present_on_disk = 0 WHERE group_id = ?
				`, g.id); err != nil {
					return fmt.Errorf("flag merged files: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `
					UPDATE queue_entries SET state = ?, last_update = ?, error_message = ?
					WHERE group_id = ?
				`, string(StateFailed), store.Epoch(q.clock.Now()),
					"consolidated into "+winner.id, g.id); err != nil {
					return fmt.Errorf("close merged entry: %w", err)
				}
				q.logger.Info("consolidated fragmented group", "from", g.id, "into", winner.id)
				merged++
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}
	return merged, nil
}

func openGroupIDs(tx *sql.Tx) ([]string, error) {
	rows, err := tx.Query(`
		SELECT group_id FROM queue_entries
		WHERE state IN (?, ?)
		ORDER BY received_at DESC
		LIMIT ?
	`, string(StateCollecting), string(StatePending), clusterCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("list open groups: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
