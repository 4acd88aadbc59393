package eventlog

import (
	"context"
	"log/slog"
	"time"
)

// RetentionWorker prunes the event log on a fixed schedule.
type RetentionWorker struct {
	store *Store
	days  int
	every time.Duration
	log   *slog.Logger
	now   func() time.Time
}

// NewRetentionWorker keeps retentionDays of events, pruning every interval
// (daily when interval is not positive).
func NewRetentionWorker(store *Store, retentionDays int, interval time.Duration, logger *slog.Logger) *RetentionWorker {
	w := &RetentionWorker{store: store, days: retentionDays, every: interval, log: logger, now: time.Now}
	if w.every <= 0 {
		w.every = 24 * time.Hour
	}
	if w.log == nil {
		w.log = slog.Default()
	}
	return w
}

func (w *RetentionWorker) enabled() bool { return w.store != nil && w.days > 0 }

// Cutoff is the creation time before which events are pruned.
func (w *RetentionWorker) Cutoff() time.Time {
	return w.now().UTC().AddDate(0, 0, -w.days)
}

// Run prunes straight away and then every interval until ctx ends. It
// returns immediately when events are kept forever.
func (w *RetentionWorker) Run(ctx context.Context) {
	if !w.enabled() {
		w.log.Debug("event pruning off", "retention_days", w.days)
		return
	}
	w.log.Debug("event pruning on", "retention_days", w.days, "every", w.every)

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		w.Sweep(ctx)
		timer.Reset(w.every)
	}
}

// Sweep deletes events older than Cutoff and reports how many went.
func (w *RetentionWorker) Sweep(ctx context.Context) int64 {
	cutoff := w.Cutoff()
	n, err := w.store.DeleteOlderThan(ctx, cutoff)
	switch {
	case err != nil:
		w.log.Warn("pruning events", "cutoff", cutoff, "error", err)
		return 0
	case n > 0:
		w.log.Info("pruned events", "count", n, "cutoff", cutoff)
	}
	return n
}
