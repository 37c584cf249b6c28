// Package watcher runs an inotify session on a dedicated goroutine and turns
// its events into daemon records. It implements daemon.Source.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/audit"
	"github.com/tripwire/fswatch/internal/config"
	"github.com/tripwire/fswatch/internal/daemon"
)

// ErrStopped is returned by AddWatch and RemoveWatch once the watcher has
// stopped.
var ErrStopped = errors.New("watcher: stopped")

// recordBuffer is the capacity of the Records channel. Events arriving while
// it is full are dropped and counted.
const recordBuffer = 64

// WatchInfo describes one live watch.
type WatchInfo struct {
	ID     inotify.WatchID `json:"id"`
	Name   string          `json:"name"`
	Path   string          `json:"path"`
	Events []string        `json:"events"`
}

// Observer receives watcher statistics. *metrics.Metrics implements it.
type Observer interface {
	ObserveEvent(watch string, mask inotify.EventKind)
	ObserveWaitError(reason string)
	ObserveDropped()
	SetWatches(n int)
}

// ChangeLog records watch table mutations. *audit.Logger implements it.
type ChangeLog interface {
	LogWatchChange(c audit.WatchChange) (audit.Entry, error)
}

// Option configures an InotifyWatcher.
type Option func(*InotifyWatcher)

// WithObserver sets the statistics hook.
func WithObserver(o Observer) Option {
	return func(w *InotifyWatcher) { w.observer = o }
}

// WithChangeLog sets the audit log for watch table changes.
func WithChangeLog(c ChangeLog) Option {
	return func(w *InotifyWatcher) { w.changes = c }
}

// WithBufferSize sets the session read buffer size.
func WithBufferSize(n int) Option {
	return func(w *InotifyWatcher) { w.bufferSize = n }
}

type request struct {
	add    *config.WatchConfig
	remove inotify.WatchID
	reply  chan response
}

type response struct {
	info WatchInfo
	err  error
}

// InotifyWatcher owns one inotify.Session. Only the run goroutine touches the
// session's table and read path; AddWatch and RemoveWatch hand their work to
// it over a channel and wake it with Session.Interrupt.
type InotifyWatcher struct {
	initial    []config.WatchConfig
	logger     *slog.Logger
	observer   Observer
	changes    ChangeLog
	bufferSize int

	sess *inotify.Session

	// lifeMu orders Interrupt calls against the final Close.
	lifeMu sync.RWMutex
	closed bool

	requests chan request
	records  chan daemon.Record
	ready    chan struct{}
	done     chan struct{}
	started  atomic.Bool
	stopping atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.RWMutex
	watches map[inotify.WatchID]WatchInfo
}

// NewInotifyWatcher opens an inotify session. The watches in initial are
// registered when Start is called; paths that cannot be watched then are
// logged and skipped.
func NewInotifyWatcher(initial []config.WatchConfig, logger *slog.Logger, opts ...Option) (*InotifyWatcher, error) {
	w := &InotifyWatcher{
		initial:  initial,
		logger:   logger,
		requests: make(chan request, 16),
		records:  make(chan daemon.Record, recordBuffer),
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
		watches:  make(map[inotify.WatchID]WatchInfo),
	}
	for _, opt := range opts {
		opt(w)
	}

	sess, err := inotify.NewSession(
		inotify.WithLogger(logger),
		inotify.WithBufferSize(w.bufferSize),
	)
	if err != nil {
		return nil, fmt.Errorf("inotify watcher: %w", err)
	}
	w.sess = sess
	return w, nil
}

// Start registers the initial watches and begins reading events in a
// background goroutine.
func (w *InotifyWatcher) Start(_ context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("inotify watcher: already started")
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop wakes the background goroutine, waits for it, and closes the session.
// The Records channel is closed when Stop returns. Stop is idempotent.
func (w *InotifyWatcher) Stop() {
	w.stopOnce.Do(func() {
		w.stopping.Store(true)
		if w.started.Load() {
			if err := w.sess.Interrupt(); err != nil {
				w.logger.Warn("inotify watcher: interrupt failed", slog.Any("error", err))
			}
			w.wg.Wait()
		} else {
			close(w.done)
		}

		w.lifeMu.Lock()
		w.closed = true
		if err := w.sess.Close(); err != nil {
			w.logger.Warn("inotify watcher: close failed", slog.Any("error", err))
		}
		w.lifeMu.Unlock()

		w.mu.Lock()
		clear(w.watches)
		w.mu.Unlock()
		w.setWatchGauge()
		close(w.records)
	})
}

// Records returns the channel events are delivered on.
func (w *InotifyWatcher) Records() <-chan daemon.Record { return w.records }

// Ready is closed once the initial watches have been registered.
func (w *InotifyWatcher) Ready() <-chan struct{} { return w.ready }

// Watches returns the live watches ordered by id.
func (w *InotifyWatcher) Watches() []WatchInfo {
	w.mu.RLock()
	out := make([]WatchInfo, 0, len(w.watches))
	for _, info := range w.watches {
		out = append(out, info)
	}
	w.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WatchCount returns the number of live watches.
func (w *InotifyWatcher) WatchCount() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.watches)
}

// AddWatch registers wc and returns the resulting watch. Adding a path that
// is already watched returns the existing id under the new name.
func (w *InotifyWatcher) AddWatch(ctx context.Context, wc config.WatchConfig) (WatchInfo, error) {
	resp, err := w.submit(ctx, request{add: &wc})
	if err != nil {
		return WatchInfo{}, err
	}
	return resp.info, resp.err
}

// RemoveWatch removes the watch with the given id.
func (w *InotifyWatcher) RemoveWatch(ctx context.Context, id inotify.WatchID) error {
	resp, err := w.submit(ctx, request{remove: id})
	if err != nil {
		return err
	}
	return resp.err
}

// submit queues req for the run goroutine, wakes it, and waits for the reply.
func (w *InotifyWatcher) submit(ctx context.Context, req request) (response, error) {
	req.reply = make(chan response, 1)

	w.lifeMu.RLock()
	if w.closed {
		w.lifeMu.RUnlock()
		return response{}, ErrStopped
	}
	select {
	case w.requests <- req:
	case <-w.done:
		w.lifeMu.RUnlock()
		return response{}, ErrStopped
	case <-ctx.Done():
		w.lifeMu.RUnlock()
		return response{}, ctx.Err()
	}
	err := w.sess.Interrupt()
	w.lifeMu.RUnlock()
	if err != nil {
		return response{}, fmt.Errorf("inotify watcher: wake: %w", err)
	}

	select {
	case resp := <-req.reply:
		return resp, nil
	case <-w.done:
		return response{}, ErrStopped
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (w *InotifyWatcher) run() {
	defer w.wg.Done()
	defer close(w.done)

	for _, wc := range w.initial {
		if _, err := w.add(wc); err != nil {
			w.logger.Warn("inotify watcher: cannot watch path at startup; skipping",
				slog.String("watch", wc.Name),
				slog.String("path", wc.Path),
				slog.Any("error", err))
		}
	}
	close(w.ready)

	for {
		ev, err := w.sess.WaitForEvent()
		if err != nil {
			if errors.Is(err, inotify.ErrInterrupted) {
				if w.stopping.Load() {
					return
				}
				w.serveRequests()
				continue
			}
			if !w.handleWaitError(err) {
				return
			}
			continue
		}
		w.dispatch(ev)
	}
}

// serveRequests applies every queued request.
func (w *InotifyWatcher) serveRequests() {
	for {
		select {
		case req := <-w.requests:
			var resp response
			if req.add != nil {
				resp.info, resp.err = w.add(*req.add)
			} else {
				resp.err = w.remove(req.remove)
			}
			req.reply <- resp
		default:
			return
		}
	}
}

func (w *InotifyWatcher) add(wc config.WatchConfig) (WatchInfo, error) {
	mask, err := wc.Mask()
	if err != nil {
		return WatchInfo{}, fmt.Errorf("inotify watcher: watch %q: %w", wc.Name, err)
	}
	id, err := w.sess.AddWatch(wc.Path, mask)
	if err != nil {
		return WatchInfo{}, err
	}

	info := WatchInfo{ID: id, Name: wc.Name, Path: wc.Path, Events: append([]string(nil), wc.Events...)}
	w.mu.Lock()
	w.watches[id] = info
	w.mu.Unlock()
	w.setWatchGauge()
	w.audit(audit.ActionAdded, info)

	w.logger.Info("inotify watcher: watching path",
		slog.String("watch", info.Name),
		slog.String("path", info.Path),
		slog.Int("wd", int(id)))
	return info, nil
}

func (w *InotifyWatcher) remove(id inotify.WatchID) error {
	if err := w.sess.RemoveWatch(id); err != nil {
		return err
	}
	w.mu.Lock()
	info, ok := w.watches[id]
	delete(w.watches, id)
	w.mu.Unlock()
	w.setWatchGauge()
	if ok {
		w.audit(audit.ActionRemoved, info)
	}
	w.logger.Info("inotify watcher: watch removed", slog.Int("wd", int(id)), slog.String("path", info.Path))
	return nil
}

// handleWaitError logs and counts a failed wait. It reports whether the loop
// should keep reading.
func (w *InotifyWatcher) handleWaitError(err error) bool {
	reason, keep := classify(err)
	if w.observer != nil {
		w.observer.ObserveWaitError(reason)
	}
	switch {
	case !keep:
		w.logger.Error("inotify watcher: stopping after read failure", slog.Any("error", err))
	case reason == "unknown_watch":
		w.logger.Debug("inotify watcher: event for unknown watch", slog.Any("error", err))
	default:
		w.logger.Warn("inotify watcher: wait failed", slog.String("reason", reason), slog.Any("error", err))
	}
	return keep
}

// classify maps a WaitForEvent error to a metric label and whether reading
// can continue.
func classify(err error) (reason string, keep bool) {
	switch {
	case errors.Is(err, inotify.ErrQueueOverflow):
		return "overflow", true
	case errors.Is(err, inotify.ErrUnknownWatch):
		return "unknown_watch", true
	case errors.Is(err, inotify.ErrShortRead), errors.Is(err, inotify.ErrTruncatedName):
		return "malformed", true
	case errors.Is(err, inotify.ErrClosed):
		return "closed", false
	default:
		return "io", false
	}
}

// dispatch converts ev into a Record and sends it without blocking.
func (w *InotifyWatcher) dispatch(ev inotify.Event) {
	w.mu.Lock()
	info, ok := w.watches[ev.WatchID]
	if ev.WatchRemoved {
		delete(w.watches, ev.WatchID)
	}
	w.mu.Unlock()

	name := info.Name
	if !ok {
		name = ev.Path
	}
	if ev.WatchRemoved {
		w.setWatchGauge()
		if ok {
			w.audit(audit.ActionKernelRemoved, info)
		}
		w.logger.Info("inotify watcher: watch removed by kernel",
			slog.String("watch", name),
			slog.String("path", ev.Path))
	}

	if w.observer != nil {
		w.observer.ObserveEvent(name, ev.Mask)
	}

	rec := daemon.NewRecord(name, ev, time.Now())
	select {
	case w.records <- rec:
	default:
		if w.observer != nil {
			w.observer.ObserveDropped()
		}
		w.logger.Warn("inotify watcher: record channel full, dropping event",
			slog.String("watch", name),
			slog.String("path", rec.FullPath()))
	}
}

func (w *InotifyWatcher) audit(action string, info WatchInfo) {
	if w.changes == nil {
		return
	}
	_, err := w.changes.LogWatchChange(audit.WatchChange{
		Action:  action,
		WatchID: int32(info.ID),
		Name:    info.Name,
		Path:    info.Path,
		Events:  info.Events,
	})
	if err != nil {
		w.logger.Warn("inotify watcher: audit write failed", slog.String("action", action), slog.Any("error", err))
	}
}

func (w *InotifyWatcher) setWatchGauge() {
	if w.observer != nil {
		w.observer.SetWatches(w.WatchCount())
	}
}
