package filewatcher

import (
	"log/slog"
	"time"
)

// Option configures a FileWatcher
type Option func(*FileWatcher)

// WithLogger sets the logger for the file watcher
func WithLogger(logger *slog.Logger) Option {
	return func(fw *FileWatcher) {
		if logger != nil {
			fw.logger = logger
		}
	}
}

// WithFiles watches individual files. Their directories are watched, so a
// file replaced by rename (as most editors save) keeps being tracked.
func WithFiles(files ...string) Option {
	return func(fw *FileWatcher) {
		fw.files = append(fw.files, files...)
	}
}

// WithDirs sets the directories to watch
func WithDirs(dirs []string) Option {
	return func(fw *FileWatcher) {
		if len(dirs) > 0 {
			fw.dirs = dirs
		}
	}
}

// WithPatterns sets the file patterns to watch
func WithPatterns(patterns []string) Option {
	return func(fw *FileWatcher) {
		if len(patterns) > 0 {
			fw.patterns = patterns
		}
	}
}

// WithDebounce sets how long a file must stay quiet before its change is
// reported.
func WithDebounce(d time.Duration) Option {
	return func(fw *FileWatcher) {
		if d > 0 {
			fw.debounce = d
		}
	}
}
