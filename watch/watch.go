// Package watch emits debounced filesystem events for resource directories.
// Rapid successive writes to the same path collapse into a single event once
// the path has been quiet for the configured debounce interval.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"resync/scope"
)

// Op identifies what happened to a watched path.
type Op string

const (
	OpCreate Op = "create"
	OpWrite  Op = "write"
	OpRemove Op = "remove"
	OpRename Op = "rename"
)

// Event is a single debounced filesystem notification.
type Event struct {
	Path string // relative to the watched root, slash-separated
	Op   Op
	Time time.Time // arrival of the last underlying notification
}

// Options configures a watcher.
type Options struct {
	Debounce time.Duration // quiet period before an event is emitted, default 250ms
	Gate     *scope.Gate   // optional path filter, nil allows everything
	Buffer   int           // event channel capacity, default 64
}

type pendingEvent struct {
	ev   Event
	last time.Time
}

// Watcher watches a directory tree and delivers debounced events.
type Watcher struct {
	root     string
	fs       *fsnotify.Watcher
	debounce time.Duration
	gate     *scope.Gate
	logger   zerolog.Logger

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	// pending is owned by the run loop.
	pending map[string]*pendingEvent
}

// New creates a watcher over the directory tree rooted at root. Hidden
// directories are skipped.
func New(root string, opts Options, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving watch root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("checking watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root is not a directory: %s", abs)
	}

	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		root:     abs,
		fs:       fw,
		debounce: opts.Debounce,
		gate:     opts.Gate,
		logger:   logger,
		events:   make(chan Event, opts.Buffer),
		done:     make(chan struct{}),
		pending:  make(map[string]*pendingEvent),
	}
	if err := w.addTree(abs); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fs.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// Events returns the channel debounced events are delivered on. The channel
// is closed when the run loop exits.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start launches the event loop. It runs until the context is cancelled or
// Close is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.events)

	interval := w.debounce / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case fe, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.record(fe)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("watch error")
		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) record(fe fsnotify.Event) {
	op := mapOp(fe.Op)
	if op == "" {
		return
	}

	// New directories must be watched before files land in them.
	if op == OpCreate {
		if info, err := os.Stat(fe.Name); err == nil && info.IsDir() {
			if err := w.addTree(fe.Name); err != nil {
				w.logger.Warn().Err(err).Str("path", fe.Name).Msg("watching new directory")
			}
			return
		}
	}

	rel, err := filepath.Rel(w.root, fe.Name)
	if err != nil {
		return
	}
	rel = filepath.ToSlash(rel)
	if w.gate != nil && !w.gate.Allows(rel) {
		return
	}

	now := time.Now()
	if p, ok := w.pending[rel]; ok {
		// A create followed by writes is still a create.
		if !(p.ev.Op == OpCreate && op == OpWrite) {
			p.ev.Op = op
		}
		p.ev.Time = now
		p.last = now
		return
	}
	w.pending[rel] = &pendingEvent{
		ev:   Event{Path: rel, Op: op, Time: now},
		last: now,
	}
}

func (w *Watcher) flush(now time.Time) {
	for path, p := range w.pending {
		if now.Sub(p.last) < w.debounce {
			continue
		}
		delete(w.pending, path)
		select {
		case w.events <- p.ev:
		default:
			w.logger.Warn().Str("path", p.ev.Path).Msg("event buffer full, dropping")
		}
	}
}

// Close stops the watcher. Safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
	})
	return err
}

func mapOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Rename):
		return OpRename
	}
	return ""
}
