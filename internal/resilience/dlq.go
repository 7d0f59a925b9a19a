package resilience

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/arrayops/subflow/internal/store"
)

// DLQStatus is the lifecycle state of a dead-letter item.
type DLQStatus string

const (
	// DLQPending awaits operator triage.
	DLQPending DLQStatus = "pending"

	// DLQRetrying is set while a requeued item runs through a fresh
	// retry budget.
	DLQRetrying DLQStatus = "retrying"

	// DLQResolved is terminal: the failure was fixed or requeued
	// successfully.
	DLQResolved DLQStatus = "resolved"

	// DLQAbandoned is terminal: the operator gave up on the item.
	DLQAbandoned DLQStatus = "abandoned"
)

// DeadLetterItem is one permanently failed operation retained for triage.
type DeadLetterItem struct {
	ID           string
	Component    string
	Operation    string
	ErrorSummary string
	Context      map[string]string
	Status       DLQStatus
	AttemptCount int
	CreatedAt    time.Time
}

// DeadLetters is the durable dead-letter queue. Items are appended when a
// resilience-wrapped call exhausts its retry budget; they only leave the
// pending state through explicit operator action.
type DeadLetters struct {
	store *store.Store
	now   func() time.Time
	newID func() string
}

// NewDeadLetters creates a dead-letter queue over the given store.
func NewDeadLetters(st *store.Store) *DeadLetters {
	return &DeadLetters{
		store: st,
		now:   time.Now,
		newID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// WithNow overrides the clock. For tests.
func (d *DeadLetters) WithNow(now func() time.Time) *DeadLetters {
	d.now = now
	return d
}

// WithIDGenerator overrides item ID generation. For tests.
func (d *DeadLetters) WithIDGenerator(gen func() string) *DeadLetters {
	d.newID = gen
	return d
}

// Add appends a new pending item and returns its ID.
func (d *DeadLetters) Add(ctx context.Context, component, operation string, cause error, attempts int, itemCtx map[string]string) (string, error) {
	if itemCtx == nil {
		itemCtx = map[string]string{}
	}
	ctxJSON, err := json.Marshal(itemCtx)
	if err != nil {
		return "", fmt.Errorf("dead letter context: %w", err)
	}

	summary := ""
	if cause != nil {
		summary = cause.Error()
	}

	id := d.newID()
	_, err = d.store.Exec(ctx, `
		INSERT INTO dead_letters
		(id, component, operation, error_summary, context, status, attempt_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, component, operation, summary, string(ctxJSON), string(DLQPending), attempts, store.Epoch(d.now()))
	if err != nil {
		return "", fmt.Errorf("add dead letter: %w", err)
	}

	return id, nil
}

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status    DLQStatus
	Component string
	Limit     int
}

// List returns items newest first, optionally filtered by status and
// component.
func (d *DeadLetters) List(ctx context.Context, f ListFilter) ([]DeadLetterItem, error) {
	q := `
		SELECT id, component, operation, error_summary, context, status, attempt_count, created_at
		FROM dead_letters WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if f.Component != "" {
		q += " AND component = ?"
		args = append(args, f.Component)
	}
	q += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.store.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var items []DeadLetterItem
	for rows.Next() {
		item, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Get returns one item by ID.
func (d *DeadLetters) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	rows, err := d.store.Query(ctx, `
		SELECT id, component, operation, error_summary, context, status, attempt_count, created_at
		FROM dead_letters WHERE id = ?
	`, id)
	if err != nil {
		return nil, fmt.Errorf("get dead letter: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("dead letter %s not found", id)
	}
	item, err := scanDeadLetter(rows)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Resolve marks a pending or retrying item resolved. Operator-only,
// terminal.
func (d *DeadLetters) Resolve(ctx context.Context, id, notes string) error {
	return d.close(ctx, id, DLQResolved, notes)
}

// Abandon marks a pending or retrying item abandoned. Operator-only,
// terminal.
func (d *DeadLetters) Abandon(ctx context.Context, id, notes string) error {
	return d.close(ctx, id, DLQAbandoned, notes)
}

func (d *DeadLetters) close(ctx context.Context, id string, status DLQStatus, notes string) error {
	res, err := d.store.Exec(ctx, `
		UPDATE dead_letters
		SET status = ?, resolved_at = ?, resolution_notes = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(status), store.Epoch(d.now()), notes, id, string(DLQPending), string(DLQRetrying))
	if err != nil {
		return fmt.Errorf("close dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s is not open", id)
	}
	return nil
}

// Requeue re-runs the original operation through the retry wrapper with a
// fresh attempt budget. Success resolves the item; another exhaustion puts
// it back to pending with the new error summary.
func (d *DeadLetters) Requeue(ctx context.Context, id string, policy RetryPolicy, op func(context.Context) error) error {
	return d.RequeueWithSleep(ctx, id, policy, Sleep, op)
}

// RequeueWithSleep is Requeue with an injectable sleep, for tests.
func (d *DeadLetters) RequeueWithSleep(ctx context.Context, id string, policy RetryPolicy, sleep SleepFunc, op func(context.Context) error) error {
	res, err := d.store.Exec(ctx, `
		UPDATE dead_letters SET status = ? WHERE id = ? AND status = ?
	`, string(DLQRetrying), id, string(DLQPending))
	if err != nil {
		return fmt.Errorf("requeue dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("dead letter %s is not pending", id)
	}

	runErr := DoWithSleep(ctx, policy, sleep, op)
	if runErr == nil {
		return d.close(ctx, id, DLQResolved, "requeued successfully")
	}

	_, err = d.store.Exec(ctx, `
		UPDATE dead_letters
		SET status = ?, error_summary = ?, attempt_count = attempt_count + ?
		WHERE id = ?
	`, string(DLQPending), runErr.Error(), policy.MaxAttempts, id)
	if err != nil {
		return fmt.Errorf("record requeue failure: %w", err)
	}
	return runErr
}

func scanDeadLetter(rows *sql.Rows) (DeadLetterItem, error) {
	var (
		item      DeadLetterItem
		ctxJSON   string
		status    string
		createdAt float64
	)
	if err := rows.Scan(&item.ID, &item.Component, &item.Operation, &item.ErrorSummary,
		&ctxJSON, &status, &item.AttemptCount, &createdAt); err != nil {
		return DeadLetterItem{}, fmt.Errorf("scan dead letter: %w", err)
	}

	item.Status = DLQStatus(status)
	item.CreatedAt = store.FromEpoch(createdAt)
	item.Context = map[string]string{}
	if err := json.Unmarshal([]byte(ctxJSON), &item.Context); err != nil {
		return DeadLetterItem{}, fmt.Errorf("decode dead letter context: %w", err)
	}
	return item, nil
}
