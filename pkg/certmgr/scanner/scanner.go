// Package scanner watches the managed certificate tree and reports file
// level changes, with a suppression mechanism so the manager's own writes
// do not echo back as external events.
package scanner

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultSuppressionWindow is how long a registered self-write path stays
// muted after registration.
const DefaultSuppressionWindow = 5 * time.Second

// debounceDelay coalesces bursts of events on the same path (editors and
// atomic-rename writers fire several).
const debounceDelay = 500 * time.Millisecond

// EventKind classifies a filesystem change.
type EventKind string

const (
	EventCreated EventKind = "created"
	EventUpdated EventKind = "updated"
	EventRemoved EventKind = "removed"
)

// Event is one debounced filesystem change under the watched tree.
type Event struct {
	Path string
	Kind EventKind
}

// Handler receives debounced events. It runs on the watcher goroutine;
// long work should be dispatched elsewhere.
type Handler func(Event)

// watchedExtensions are the artifact suffixes worth reporting.
var watchedExtensions = map[string]struct{}{
	".crt": {}, ".cert": {}, ".pem": {}, ".cer": {}, ".der": {},
	".key": {}, ".csr": {}, ".p12": {}, ".pfx": {}, ".p7b": {}, ".ext": {},
}

type Scanner struct {
	root    string
	handler Handler
	window  time.Duration

	mu         sync.Mutex
	suppressed map[string]time.Time
	pending    map[string]*pendingEvent

	watcher *fsnotify.Watcher
	done    chan struct{}
}

type pendingEvent struct {
	kind  EventKind
	timer *time.Timer
}

type Option func(*Scanner)

// WithSuppressionWindow overrides the default self-write mute duration.
func WithSuppressionWindow(window time.Duration) Option {
	return func(s *Scanner) {
		s.window = window
	}
}

func New(root string, handler Handler, opts ...Option) *Scanner {
	s := &Scanner{
		root:       root,
		handler:    handler,
		window:     DefaultSuppressionWindow,
		suppressed: map[string]time.Time{},
		pending:    map[string]*pendingEvent{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IgnoreFilePaths mutes events on the given paths for window, starting
// now; a non-positive window falls back to the scanner's default. The
// renewal engine registers its publish targets before writing them.
func (s *Scanner) IgnoreFilePaths(paths []string, window time.Duration) {
	if window <= 0 {
		window = s.window
	}
	deadline := time.Now().Add(window)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		if path == "" {
			continue
		}
		s.suppressed[filepath.Clean(path)] = deadline
	}
}

func (s *Scanner) isSuppressed(path string) bool {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline, ok := s.suppressed[filepath.Clean(path)]
	if !ok {
		return false
	}
	if now.After(deadline) {
		delete(s.suppressed, filepath.Clean(path))
		return false
	}
	return true
}

// Scan walks the tree once and reports every watchable file as created.
// Used at startup and as the fallback when the notify backend is
// unavailable.
func (s *Scanner) Scan() ([]string, error) {
	var files []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logrus.Warnf("scan %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if skipDir(s.root, path, d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if isWatchable(path) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// Start begins watching. It returns once the watcher is installed; events
// are delivered until ctx ends or Stop is called.
func (s *Scanner) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	s.watcher = watcher
	s.done = make(chan struct{})

	if err := s.addRecursive(s.root); err != nil {
		watcher.Close()
		return err
	}

	go s.loop(ctx)
	logrus.Infof("watching %s", s.root)
	return nil
}

// Stop shuts the watcher down and waits for the loop to drain.
func (s *Scanner) Stop() {
	if s.watcher == nil {
		return
	}
	s.watcher.Close()
	<-s.done
}

func (s *Scanner) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if skipDir(root, path, d.Name()) {
			return filepath.SkipDir
		}
		return s.watcher.Add(path)
	})
}

func (s *Scanner) loop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.handleRaw(event)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logrus.Warnf("watcher: %v", err)
		}
	}
}

func (s *Scanner) handleRaw(event fsnotify.Event) {
	path := filepath.Clean(event.Name)

	// New directories join the watch set immediately so files created
	// inside them are seen.
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if !skipDir(s.root, path, filepath.Base(path)) {
				if err := s.addRecursive(path); err != nil {
					logrus.Warnf("watch %s: %v", path, err)
				}
			}
			return
		}
	}

	if !isWatchable(path) {
		return
	}
	if s.isSuppressed(path) {
		logrus.Debugf("suppressed self-write event on %s", path)
		return
	}

	var kind EventKind
	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		kind = EventRemoved
	case event.Op.Has(fsnotify.Create):
		kind = EventCreated
	case event.Op.Has(fsnotify.Write):
		kind = EventUpdated
	default:
		return
	}

	s.debounce(path, kind)
}

// debounce coalesces rapid event bursts on one path, keeping the most
// significant kind (removal wins over update, creation over update).
func (s *Scanner) debounce(path string, kind EventKind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pending[path]; ok {
		if kind == EventRemoved || (kind == EventCreated && existing.kind == EventUpdated) {
			existing.kind = kind
		}
		existing.timer.Reset(debounceDelay)
		return
	}

	pe := &pendingEvent{kind: kind}
	pe.timer = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		kind := pe.kind
		delete(s.pending, path)
		s.mu.Unlock()

		if s.isSuppressed(path) {
			return
		}
		s.handler(Event{Path: path, Kind: kind})
	})
	s.pending[path] = pe
}

func isWatchable(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".tmp") {
		return false
	}
	_, ok := watchedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// skipDir mirrors the discovery walk: backup and archive trees plus dot
// directories are never watched.
func skipDir(root, path, name string) bool {
	if path == root {
		return false
	}
	switch strings.ToLower(name) {
	case "backups", "archive":
		return true
	}
	return strings.HasPrefix(name, ".")
}
