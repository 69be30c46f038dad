package manifest

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lightforgemedia/go-dcrf/pkg/filewatcher"
)

// Watcher applies a manifest file to a Reconciler and re-applies it
// whenever the file changes. A file that fails to load is logged and the
// previous subscriptions stay in place.
type Watcher struct {
	path     string
	rec      *Reconciler
	logger   *slog.Logger
	debounce time.Duration
	fw       *filewatcher.FileWatcher
	onApply  func(Result, error)
}

// WatcherOption configures the Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets a custom logging implementation.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithWatchDebounce sets how long the file must stay quiet before reload.
func WithWatchDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithOnApply is called after every load attempt.
func WithOnApply(fn func(Result, error)) WatcherOption {
	return func(w *Watcher) {
		w.onApply = fn
	}
}

// NewWatcher creates a Watcher for the manifest at path.
func NewWatcher(path string, rec *Reconciler, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		rec:      rec,
		logger:   slog.Default(),
		debounce: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start applies the manifest once and then watches it. The first load must
// succeed.
func (w *Watcher) Start() (Result, error) {
	m, err := Load(w.path)
	if err != nil {
		return Result{}, err
	}
	res := w.rec.Apply(m)
	w.report(res, nil)

	fw, err := filewatcher.New(
		filewatcher.WithLogger(w.logger),
		filewatcher.WithFiles(w.path),
		filewatcher.WithDebounce(w.debounce),
	)
	if err != nil {
		return res, err
	}
	fw.AddCallback(func(string) { w.reload() })
	if err := fw.Start(); err != nil {
		_ = fw.Stop()
		return res, fmt.Errorf("manifest: watch %s: %w", w.path, err)
	}
	w.fw = fw
	return res, nil
}

// Stop stops watching. Subscriptions are left in place.
func (w *Watcher) Stop() error {
	if w.fw == nil {
		return nil
	}
	return w.fw.Stop()
}

func (w *Watcher) reload() {
	m, err := Load(w.path)
	if err != nil {
		w.logger.Warn("manifest: reload failed, keeping current subscriptions", "path", w.path, "error", err)
		w.report(Result{}, err)
		return
	}
	w.logger.Info("manifest: reloading", "path", w.path)
	w.report(w.rec.Apply(m), nil)
}

func (w *Watcher) report(res Result, err error) {
	if w.onApply != nil {
		w.onApply(res, err)
	}
}
