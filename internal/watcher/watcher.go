// Package watcher reports file changes under the sync directories.
package watcher

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rjeczalik/notify"
	"github.com/rs/zerolog"
)

const (
	defaultDebounce        = 50 * time.Millisecond
	defaultIgnoreTimeout   = 5 * time.Second
	defaultCleanupInterval = 15 * time.Second
	eventBufferSize        = 256
)

// Op is what happened to a path.
type Op int

// Operations.
const (
	Changed Op = iota // created or written
	Removed           // deleted or moved away
)

func (o Op) String() string {
	if o == Removed {
		return "removed"
	}
	return "changed"
}

// Event is a debounced change of one regular file.
type Event struct {
	Op   Op
	Path string // absolute local path
}

// Config contains configuration for the watcher.
type Config struct {
	Dirs            []string      // directories watched recursively
	Ignore          []string      // base name patterns never reported, see filepath.Match
	Debounce        time.Duration // quiet time before a path is reported (default: 50ms)
	IgnoreTimeout   time.Duration // lifetime of an IgnoreOnce entry (default: 5s)
	CleanupInterval time.Duration // sweep of expired IgnoreOnce entries (default: 15s)
	Logger          zerolog.Logger
}

// Watcher watches directory trees and emits one Event per path after it has
// been quiet for the debounce time. Bursts of writes to a file collapse into
// a single event.
type Watcher struct {
	dirs            []string
	patterns        []string
	debounce        time.Duration
	ignoreTimeout   time.Duration
	cleanupInterval time.Duration
	logger          zerolog.Logger

	raw    chan notify.EventInfo
	events chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	ignoreMu sync.Mutex
	ignore   map[string]time.Time

	debounceMu sync.Mutex
	timers     map[string]*time.Timer
	closed     bool
	sending    sync.WaitGroup // flushes waiting for the consumer
}

// New creates a watcher. Call Start to begin watching.
func New(config Config) *Watcher {
	if config.Debounce == 0 {
		config.Debounce = defaultDebounce
	}
	if config.IgnoreTimeout == 0 {
		config.IgnoreTimeout = defaultIgnoreTimeout
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = defaultCleanupInterval
	}
	return &Watcher{
		dirs:            config.Dirs,
		patterns:        config.Ignore,
		debounce:        config.Debounce,
		ignoreTimeout:   config.IgnoreTimeout,
		cleanupInterval: config.CleanupInterval,
		logger:          config.Logger.With().Str("component", "watcher").Logger(),
		raw:             make(chan notify.EventInfo, eventBufferSize),
		events:          make(chan Event, eventBufferSize),
		done:            make(chan struct{}),
		ignore:          make(map[string]time.Time),
		timers:          make(map[string]*time.Timer),
	}
}

// Start installs recursive watches on every directory.
func (w *Watcher) Start(ctx context.Context) error {
	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			notify.Stop(w.raw)
			return err
		}
		if err := notify.Watch(filepath.Join(dir, "..."), w.raw, notify.Create, notify.Write, notify.Remove, notify.Rename); err != nil {
			notify.Stop(w.raw)
			return err
		}
		w.logger.Info().Str("dir", dir).Msg("watching directory")
	}

	w.wg.Add(2)
	go w.run(ctx)
	go w.cleanup(ctx)
	return nil
}

// Stop removes the watches and waits for the watcher goroutines. Pending
// debounced events are dropped; Events is closed.
func (w *Watcher) Stop() {
	notify.Stop(w.raw)
	close(w.done)
	w.wg.Wait()

	w.debounceMu.Lock()
	w.closed = true
	for path, timer := range w.timers {
		timer.Stop()
		delete(w.timers, path)
	}
	w.debounceMu.Unlock()

	// Flushes blocked on a full channel return once done is closed.
	w.sending.Wait()
	close(w.events)
	w.logger.Info().Msg("watcher stopped")
}

// Events returns the channel of debounced events.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// IgnoreOnce suppresses the next event for path, as long as it arrives
// within the ignore timeout. It is used for writes made by this process.
func (w *Watcher) IgnoreOnce(path string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[path] = time.Now().Add(w.ignoreTimeout)
}

func (w *Watcher) ignored(path string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()

	expiry, ok := w.ignore[path]
	if !ok {
		return false
	}
	delete(w.ignore, path)
	return time.Now().Before(expiry)
}

func (w *Watcher) filtered(path string) bool {
	base := filepath.Base(path)
	for _, pattern := range w.patterns {
		if ok, _ := filepath.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

func (w *Watcher) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ei := <-w.raw:
			if w.filtered(ei.Path()) {
				continue
			}
			w.touch(ei.Path())
		}
	}
}

// touch (re)starts the debounce timer of path.
func (w *Watcher) touch(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.timers[path]; ok {
		timer.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.flush(path) })
}

// flush reports path in its current state. The operation is read from the
// filesystem, not from the raw events, so a create-then-delete burst reports
// a removal.
func (w *Watcher) flush(path string) {
	w.debounceMu.Lock()
	delete(w.timers, path)
	w.debounceMu.Unlock()

	if w.ignored(path) {
		w.logger.Debug().Str("path", path).Msg("ignoring own change")
		return
	}

	ev := Event{Op: Changed, Path: path}
	info, err := os.Lstat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		ev.Op = Removed
	case err != nil:
		w.logger.Warn().Err(err).Str("path", path).Msg("cannot stat changed path")
		return
	case !info.Mode().IsRegular():
		return
	}

	w.debounceMu.Lock()
	if w.closed {
		w.debounceMu.Unlock()
		return
	}
	w.sending.Add(1)
	w.debounceMu.Unlock()
	defer w.sending.Done()

	// A slow consumer holds the flush back; the event is only lost on Stop.
	select {
	case w.events <- ev:
		w.logger.Debug().Str("op", ev.Op.String()).Str("path", path).Msg("file event")
	case <-w.done:
	}
}

func (w *Watcher) cleanup(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			now := time.Now()
			w.ignoreMu.Lock()
			for path, expiry := range w.ignore {
				if now.After(expiry) {
					delete(w.ignore, path)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
