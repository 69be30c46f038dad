// Package filewatcher reports debounced file changes using fsnotify.
package filewatcher

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// FileWatcher watches files and directories and calls back once a changed
// file has been quiet for the debounce period.
type FileWatcher struct {
	watcher     *fsnotify.Watcher
	dirs        []string
	files       []string
	patterns    []string
	logger      *slog.Logger
	callbacks   []func(string)
	callbacksMu sync.RWMutex
	debounce    time.Duration
	changes     map[string]time.Time
	changesMu   sync.Mutex
	done        chan struct{}
	stopOnce    sync.Once
}

// New creates a new FileWatcher. Without WithFiles or WithDirs it watches
// the working directory.
func New(opts ...Option) (*FileWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatcher: %w", err)
	}

	fw := &FileWatcher{
		watcher:  watcher,
		patterns: []string{"*"},
		logger:   slog.Default(),
		debounce: defaultDebounce,
		changes:  make(map[string]time.Time),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(fw)
	}
	if len(fw.dirs) == 0 && len(fw.files) == 0 {
		fw.dirs = []string{"."}
	}
	return fw, nil
}

// AddCallback adds a callback to be called with the path of a changed file.
func (fw *FileWatcher) AddCallback(callback func(string)) {
	fw.callbacksMu.Lock()
	defer fw.callbacksMu.Unlock()
	fw.callbacks = append(fw.callbacks, callback)
}

// Start starts watching for file changes
func (fw *FileWatcher) Start() error {
	watched := make(map[string]bool)
	add := func(dir string) error {
		if watched[dir] {
			return nil
		}
		watched[dir] = true
		fw.logger.Debug("filewatcher: watching directory", "dir", dir)
		if err := fw.watcher.Add(dir); err != nil {
			return fmt.Errorf("filewatcher: watch %s: %w", dir, err)
		}
		return nil
	}
	for _, dir := range fw.dirs {
		if err := add(dir); err != nil {
			return err
		}
	}
	for _, file := range fw.files {
		if err := add(filepath.Dir(file)); err != nil {
			return err
		}
	}

	go fw.watchLoop()
	return nil
}

// Stop stops watching for file changes. It is safe to call more than once.
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		close(fw.done)
		err = fw.watcher.Close()
	})
	return err
}

func (fw *FileWatcher) watchLoop() {
	ticker := time.NewTicker(fw.debounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if fw.matches(event.Name) {
					fw.changesMu.Lock()
					fw.changes[event.Name] = time.Now()
					fw.changesMu.Unlock()
				}
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error("filewatcher: watcher error", "error", err)
		case <-ticker.C:
			fw.processChanges()
		}
	}
}

// processChanges reports files that have been quiet for the debounce period.
func (fw *FileWatcher) processChanges() {
	now := time.Now()
	var ready []string
	fw.changesMu.Lock()
	for file, changeTime := range fw.changes {
		if now.Sub(changeTime) >= fw.debounce {
			ready = append(ready, file)
			delete(fw.changes, file)
		}
	}
	fw.changesMu.Unlock()

	for _, file := range ready {
		fw.logger.Debug("filewatcher: file changed", "file", file)
		fw.notifyCallbacks(file)
	}
}

func (fw *FileWatcher) notifyCallbacks(file string) {
	fw.callbacksMu.RLock()
	callbacks := append(([]func(string))(nil), fw.callbacks...)
	fw.callbacksMu.RUnlock()

	for _, callback := range callbacks {
		callback(file)
	}
}

// matches reports whether file is one of the watched files, or lies in a
// watched directory and matches a pattern.
func (fw *FileWatcher) matches(file string) bool {
	clean := filepath.Clean(file)
	for _, f := range fw.files {
		if filepath.Clean(f) == clean {
			return true
		}
	}
	inDir := false
	for _, d := range fw.dirs {
		if filepath.Clean(d) == filepath.Dir(clean) {
			inDir = true
			break
		}
	}
	if !inDir {
		return false
	}

	base := filepath.Base(file)
	for _, pattern := range fw.patterns {
		matched, err := filepath.Match(pattern, base)
		if err != nil {
			fw.logger.Error("filewatcher: pattern match error", "pattern", pattern, "error", err)
			continue
		}
		if matched {
			return true
		}
	}
	return false
}
