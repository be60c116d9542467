// Package watcher turns a filesystem completion marker into a single render
// outcome.
//
// The marker is polled on a fixed interval. When filesystem notifications are
// available they trigger an extra check as soon as the marker appears, but the
// ticker stays authoritative so network filesystems still work.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bhandras/dumiverse/internal/artifact"
	"github.com/bhandras/dumiverse/internal/engine"
	"github.com/bhandras/dumiverse/internal/logger"
	"github.com/fsnotify/fsnotify"
)

// DefaultInterval is the marker poll interval.
const DefaultInterval = 100 * time.Millisecond

// ErrTimedOut is returned when no marker appears within the configured
// timeout.
var ErrTimedOut = errors.New("watcher: timed out waiting for completion marker")

// Config configures a Watcher.
type Config struct {
	// Store holds the marker and output artifacts.
	Store *artifact.Store
	// Marker is the completion marker path.
	Marker string
	// Output is the render output path handed back on success.
	Output string
	// Interval is the poll interval. Zero means DefaultInterval.
	Interval time.Duration
	// Timeout bounds the wait. Zero waits until the context is done.
	Timeout time.Duration
	// Notify enables filesystem notifications in addition to polling.
	Notify bool
}

// Outcome is the resolved result of one render.
type Outcome struct {
	// Status is the marker status; engine.StatusOK means success.
	Status int
	// Output is the output artifact path, set only on success.
	Output string
	// Raw is the marker text when it could not be parsed.
	Raw string
}

// Succeeded reports whether the render completed successfully.
func (o Outcome) Succeeded() bool {
	return o.Status == engine.StatusOK && o.Output != ""
}

// Watcher waits for completion markers.
type Watcher struct {
	cfg Config
}

// New returns a watcher for cfg.
func New(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Watcher{cfg: cfg}
}

// Wait blocks until the marker is observed, the timeout elapses or ctx is
// done. The marker is read only after it is seen and deleted only after it
// was read, so each marker resolves exactly one wait.
func (w *Watcher) Wait(ctx context.Context) (Outcome, error) {
	start := time.Now()
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if w.cfg.Timeout > 0 {
		timer := time.NewTimer(w.cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var notify <-chan struct{}
	if w.cfg.Notify {
		sub, err := subscribe(w.cfg.Store.Path(w.cfg.Marker))
		if err != nil {
			logger.Debugf("[watcher] notifications unavailable, polling only: %v", err)
		} else {
			defer sub.Close()
			notify = sub.events
		}
	}

	for {
		outcome, done, err := w.check()
		if err != nil {
			return Outcome{}, err
		}
		if done {
			logger.Debugf("[watcher] marker resolved with status %d after %v", outcome.Status, time.Since(start))
			return outcome, nil
		}

		select {
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		case <-timeout:
			return Outcome{}, fmt.Errorf("%w after %v", ErrTimedOut, w.cfg.Timeout)
		case <-ticker.C:
			logger.Tracef("[watcher] poll %s", w.cfg.Marker)
		case <-notify:
			logger.Tracef("[watcher] notified for %s", w.cfg.Marker)
		}
	}
}

// check performs one existence/read/delete step.
func (w *Watcher) check() (Outcome, bool, error) {
	store := w.cfg.Store
	if !store.Exists(w.cfg.Marker) {
		return Outcome{}, false, nil
	}
	raw, err := store.ReadAll(w.cfg.Marker)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return Outcome{}, false, nil
		}
		return Outcome{}, false, err
	}
	status, err := engine.ParseMarker(raw)
	if errors.Is(err, engine.ErrEmptyMarker) {
		// Created but not yet written; pick it up on the next tick.
		return Outcome{}, false, nil
	}

	if delErr := store.Delete(w.cfg.Marker); delErr != nil {
		logger.Warnf("[watcher] delete marker: %v", delErr)
	}

	outcome := Outcome{Status: status}
	if err != nil {
		outcome.Raw = string(raw)
		return outcome, true, nil
	}
	if status == engine.StatusOK {
		outcome.Output = w.cfg.Output
	}
	return outcome, true, nil
}

// Handle is a one-shot completion handle for a background wait.
type Handle struct {
	done chan struct{}
	once sync.Once

	outcome Outcome
	err     error
}

// Start runs Wait in a new goroutine and returns a handle resolved with its
// result.
func (w *Watcher) Start(ctx context.Context) *Handle {
	h := &Handle{done: make(chan struct{})}
	go func() {
		outcome, err := w.Wait(ctx)
		h.resolve(outcome, err)
	}()
	return h
}

func (h *Handle) resolve(outcome Outcome, err error) {
	h.once.Do(func() {
		h.outcome = outcome
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handle is resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result blocks until the handle is resolved and returns its result.
func (h *Handle) Result() (Outcome, error) {
	<-h.done
	return h.outcome, h.err
}

type subscription struct {
	watcher *fsnotify.Watcher
	events  chan struct{}
	stop    chan struct{}
	once    sync.Once
}

func subscribe(marker string) (*subscription, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(marker)); err != nil {
		fw.Close()
		return nil, err
	}
	sub := &subscription{
		watcher: fw,
		events:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
	go sub.run(filepath.Clean(marker))
	return sub, nil
}

func (s *subscription) run(marker string) {
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != marker {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename) {
				s.signal()
			}
		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.signal()
		}
	}
}

func (s *subscription) signal() {
	select {
	case s.events <- struct{}{}:
	default:
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		err = s.watcher.Close()
	})
	return err
}
