package config

import (
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a BACKENDS_FILE for changes and calls a callback with the
// old and new backend lists when the file's content changes. It uses
// polling rather than fsnotify to keep the dependency list small.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new []BackendConfig)

	mu       sync.Mutex
	current  []BackendConfig
	done     chan struct{}
	stopOnce sync.Once

	lastMtime time.Time
	lastHash  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a BACKENDS_FILE watcher. It loads the file immediately
// and starts polling in a background goroutine.
func NewWatcher(path string, onChange func(old, new []BackendConfig), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	backends, hash, mtime, err := w.loadAndHash()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current = backends
	w.lastHash = hash
	w.lastMtime = mtime

	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid backend list.
func (w *Watcher) Current() []BackendConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops the file watcher.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reads the backends file and, if it has changed and is valid, calls
// onChange and updates the current list. An invalid file is logged and
// ignored — the gateway keeps serving the last good backend list rather
// than tearing down the registry.
func (w *Watcher) check() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("backends watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	mtime := w.lastMtime
	w.mu.Unlock()

	if info.ModTime().Equal(mtime) {
		return
	}

	backends, hash, newMtime, err := w.loadAndHash()
	if err != nil {
		slog.Warn("backends watcher: failed to load backends", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if hash == w.lastHash {
		w.lastMtime = newMtime
		w.mu.Unlock()
		return
	}

	old := w.current
	w.current = backends
	w.lastHash = hash
	w.lastMtime = newMtime
	w.mu.Unlock()

	slog.Info("backends watcher: backend list reloaded", "path", w.path, "count", len(backends))

	if w.onChange != nil {
		w.onChange(old, backends)
	}
}

// loadAndHash reads the backends file, parses it, and returns the decoded
// list alongside the file's SHA-256 hash and modification time.
func (w *Watcher) loadAndHash() ([]BackendConfig, [sha256.Size]byte, time.Time, error) {
	var zeroHash [sha256.Size]byte

	f, err := os.Open(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	hash := sha256.Sum256(data)

	backends, err := loadBackendsFile(w.path)
	if err != nil {
		return nil, zeroHash, time.Time{}, err
	}

	return backends, hash, info.ModTime(), nil
}

// bytesReaderImpl wraps a byte slice in a minimal io.Reader, used by
// [loadBackendsFile] to feed the bytes it has read to the YAML decoder.
type bytesReaderImpl struct {
	data []byte
	pos  int
}

func bytesReader(b []byte) io.Reader {
	return &bytesReaderImpl{data: b}
}

func (r *bytesReaderImpl) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}
