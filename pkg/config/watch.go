package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// ReloadFunc receives a freshly loaded config and its version.
type ReloadFunc func(cfg *Config, version string)

// Watcher reloads a config file when it changes on disk. Files with parse
// errors are logged and ignored; the last good config stays in effect.
type Watcher struct {
	path     string
	version  string
	onChange ReloadFunc
	logger   *slog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher
}

// NewWatcher watches path. version is the version of the config already in
// use; reloads that produce the same version are not reported.
func NewWatcher(path, version string, onChange ReloadFunc, logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	// Watch the directory: editors often replace the file by renaming.
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	return &Watcher{
		path:     abs,
		version:  version,
		onChange: onChange,
		logger:   logger.With("component", "config-watcher", "path", abs),
		debounce: DefaultDebounce,
		fsw:      fsw,
	}, nil
}

// Run processes file events until ctx is cancelled, then closes the
// underlying watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			pending = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)
		case <-pending:
			pending = nil
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, version, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "error", err)
		return
	}
	if version == w.version {
		return
	}
	w.version = version
	w.logger.Info("config reloaded", "version", version[:12])
	w.onChange(cfg, version)
}
