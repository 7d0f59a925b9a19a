// Package watcher feeds the queue from an incoming directory, combining
// filesystem notifications with a periodic rescan so missed events never
// strand a group below completeness.
package watcher

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/arrayops/subflow/internal/queue"
	"github.com/arrayops/subflow/internal/resilience"
)

// DefaultRescanInterval is the fallback poll cadence behind fsnotify.
const DefaultRescanInterval = 30 * time.Second

// Watcher registers sub-band file arrivals with the queue.
type Watcher struct {
	dir    string
	queue  *queue.Queue
	logger *slog.Logger
	rescan time.Duration
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRescanInterval sets the periodic rescan cadence.
func WithRescanInterval(d time.Duration) Option {
	return func(w *Watcher) { w.rescan = d }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) { w.logger = l }
}

// New creates a Watcher on dir.
func New(dir string, q *queue.Queue, opts ...Option) *Watcher {
	w := &Watcher{
		dir:    dir,
		queue:  q,
		logger: slog.Default(),
		rescan: DefaultRescanInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run bootstraps from existing files, then watches for new arrivals until
// the context is cancelled. Event delivery is best effort: a periodic
// rescan catches anything fsnotify dropped.
func (w *Watcher) Run(ctx context.Context) error {
	if _, _, err := w.queue.Bootstrap(ctx, w.dir); err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return err
	}
	w.logger.Info("watching for arrivals", "dir", w.dir)

	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".hdf5") {
				continue
			}
			w.record(ctx, event.Name)

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", watchErr)

		case <-ticker.C:
			if _, _, err := w.queue.Bootstrap(ctx, w.dir); err != nil {
				w.logger.Error("rescan failed", "dir", w.dir, "error", err)
			}
		}
	}
}

// record registers one arrival. Parse failures are logged and skipped;
// they are never fatal to the stream.
func (w *Watcher) record(ctx context.Context, path string) {
	group, promoted, err := w.queue.RecordArrival(ctx, path)
	if err != nil {
		if resilience.IsParse(err) {
			w.logger.Warn("skipping unparseable file", "path", path, "error", err)
			return
		}
		w.logger.Error("failed to record arrival", "path", path, "error", err)
		return
	}

	w.logger.Debug("arrival recorded", "path", path, "group", group)
	if promoted {
		w.logger.Info("group ready for dispatch", "group", group)
	}
}
