// Package housekeeping runs the periodic recovery sweep: reclaiming
// in_progress entries orphaned by a crashed worker, failing groups stuck
// collecting past their deadline, and deleting expired scratch directories.
package housekeeping

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/arrayops/subflow/internal/queue"
)

// Default timeouts. A sub-band group normally completes within a couple of
// minutes of its first arrival; a pipeline run within the hour.
const (
	DefaultInterval          = time.Minute
	DefaultInProgressTimeout = 30 * time.Minute
	DefaultCollectingTimeout = 30 * time.Minute
	DefaultScratchTTL        = 24 * time.Hour
)

// Sweeper performs the housekeeping pass on a fixed interval, independent
// of request traffic.
type Sweeper struct {
	queue             *queue.Queue
	clock             queue.Clock
	logger            *slog.Logger
	interval          time.Duration
	inProgressTimeout time.Duration
	collectingTimeout time.Duration
	scratchDir        string
	scratchTTL        time.Duration
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the time between passes.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) { s.interval = d }
}

// WithInProgressTimeout sets the stale-claim recovery cutoff.
func WithInProgressTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.inProgressTimeout = d }
}

// WithCollectingTimeout sets the incomplete-group expiry cutoff.
func WithCollectingTimeout(d time.Duration) Option {
	return func(s *Sweeper) { s.collectingTimeout = d }
}

// WithScratch enables scratch-directory TTL cleanup.
func WithScratch(dir string, ttl time.Duration) Option {
	return func(s *Sweeper) {
		s.scratchDir = dir
		s.scratchTTL = ttl
	}
}

// WithClock overrides wall time. For tests.
func WithClock(c queue.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// New creates a Sweeper over the queue.
func New(q *queue.Queue, opts ...Option) *Sweeper {
	s := &Sweeper{
		queue:             q,
		clock:             queue.SystemClock{},
		logger:            slog.Default(),
		interval:          DefaultInterval,
		inProgressTimeout: DefaultInProgressTimeout,
		collectingTimeout: DefaultCollectingTimeout,
		scratchTTL:        DefaultScratchTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report summarizes one housekeeping pass.
type Report struct {
	Recovered      []string // in_progress entries returned to pending
	Expired        []string // collecting entries marked failed
	ScratchRemoved int      // expired scratch directories deleted
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("housekeeping pass failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass. Idempotent: a second pass with no new failures
// finds nothing left to do.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	var report Report

	recovered, err := s.queue.RecoverStale(ctx, s.inProgressTimeout)
	if err != nil {
		return report, err
	}
	report.Recovered = recovered
	for _, id := range recovered {
		s.logger.Warn("recovered orphaned in-progress entry", "group", id)
	}

	expired, err := s.queue.ExpireCollecting(ctx, s.collectingTimeout)
	if err != nil {
		return report, err
	}
	report.Expired = expired
	for _, id := range expired {
		s.logger.Warn("collecting timed out, marked failed for review", "group", id)
	}

	if s.scratchDir != "" {
		n, err := s.sweepScratch()
		if err != nil {
			// Disk hygiene is best effort; queue recovery already ran.
			s.logger.Error("scratch sweep failed", "dir", s.scratchDir, "error", err)
		}
		report.ScratchRemoved = n
	}

	return report, nil
}

// sweepScratch deletes direct children of the scratch directory whose
// modification time predates the TTL.
func (s *Sweeper) sweepScratch() (int, error) {
	entries, err := os.ReadDir(s.scratchDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := s.clock.Now().Add(-s.scratchTTL)
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.scratchDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to remove expired scratch", "path", path, "error", err)
			continue
		}
		s.logger.Debug("removed expired scratch", "path", path)
		removed++
	}

	return removed, nil
}
