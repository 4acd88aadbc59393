package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// DeliverFunc hands one event to its consumers.
type DeliverFunc func(ctx context.Context, e Event) error

// Config sizes the tracker.
type Config struct {
	QueueSize int           `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
	Workers   int           `mapstructure:"workers" yaml:"workers" json:"workers"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the default tracker settings.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, Workers: 2, Timeout: 10 * time.Second}
}

// Tracker delivers events on a pool of worker goroutines. Track never
// blocks: when the queue is full the event is dropped with a warning.
type Tracker struct {
	deliver DeliverFunc
	cfg     Config
	logger  *slog.Logger

	queue  chan Event
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewTracker creates a tracker and starts its workers.
func NewTracker(deliver DeliverFunc, cfg Config, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		deliver: deliver,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueSize),
	}
	for i := 0; i < cfg.Workers; i++ {
		t.wg.Add(1)
		go func(workerID int) {
			defer t.wg.Done()
			t.workerLoop(workerID)
		}(i)
	}
	return t
}

// Track queues e for delivery and reports whether it was accepted.
func (t *Tracker) Track(e Event) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.dropped.Add(1)
		t.logger.Warn("event tracker closed, dropping event", "event", e.Name, "id", e.ID)
		return false
	}
	select {
	case t.queue <- e:
		return true
	default:
		t.dropped.Add(1)
		t.logger.Warn("event queue full, dropping event", "event", e.Name, "id", e.ID)
		return false
	}
}

func (t *Tracker) workerLoop(workerID int) {
	for e := range t.queue {
		t.process(workerID, e)
	}
}

func (t *Tracker) process(workerID int, e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.Timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return t.deliver(ctx, e)
	}()
	if err != nil {
		t.failed.Add(1)
		t.logger.Error("event delivery failed",
			"workerID", workerID, "event", e.Name, "id", e.ID, "error", err)
		return
	}
	t.delivered.Add(1)
}

// Close stops accepting events and waits for queued ones to be delivered,
// or for ctx to end.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.queue)
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event tracker drain: %w", ctx.Err())
	}
}

// Stats reports delivery counters.
type Stats struct {
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Failed    int64 `json:"failed"`
	Queued    int   `json:"queued"`
}

// Stats returns the current counters.
func (t *Tracker) Stats() Stats {
	return Stats{
		Delivered: t.delivered.Load(),
		Dropped:   t.dropped.Load(),
		Failed:    t.failed.Load(),
		Queued:    len(t.queue),
	}
}
