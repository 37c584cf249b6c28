// Package daemon contains the fswatch orchestrator. It connects one event
// source (the inotify watcher) to any number of sinks (journal, archive,
// live stream), managing their lifecycle through a shared context.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/fswatch/inotify"
)

// Record is one inotify event as the daemon stores and publishes it.
type Record struct {
	ID string `json:"id"`
	// Watch is the configured name of the watch that produced the event.
	Watch        string    `json:"watch"`
	WatchID      int32     `json:"wd"`
	Path         string    `json:"path"`
	Name         string    `json:"name,omitempty"`
	Mask         uint32    `json:"mask"`
	Kinds        []string  `json:"kinds"`
	Cookie       uint32    `json:"cookie,omitempty"`
	IsDir        bool      `json:"is_dir"`
	Unmounted    bool      `json:"unmounted"`
	WatchRemoved bool      `json:"watch_removed"`
	Timestamp    time.Time `json:"ts"`
}

// NewRecord converts a decoded event into a Record with a fresh ID.
func NewRecord(watch string, ev inotify.Event, ts time.Time) Record {
	return Record{
		ID:           uuid.NewString(),
		Watch:        watch,
		WatchID:      int32(ev.WatchID),
		Path:         ev.Path,
		Name:         ev.Name,
		Mask:         uint32(ev.Mask),
		Kinds:        ev.Mask.Names(),
		Cookie:       ev.Cookie,
		IsDir:        ev.IsDir,
		Unmounted:    ev.Unmounted,
		WatchRemoved: ev.WatchRemoved,
		Timestamp:    ts.UTC(),
	}
}

// FullPath returns the path of the object the event concerns.
func (r Record) FullPath() string {
	return inotify.Event{Path: r.Path, Name: r.Name}.FullPath()
}

// Source produces Records. Implementations must be safe for concurrent use.
type Source interface {
	// Start begins monitoring. It returns an error if initialisation fails.
	Start(ctx context.Context) error
	// Stop ceases monitoring and blocks until internal goroutines exit.
	Stop()
	// Records returns the channel Records are delivered on. It is closed
	// when the source stops.
	Records() <-chan Record
}

// Sink consumes Records.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string
	// Write stores or forwards one record.
	Write(ctx context.Context, rec Record) error
	// Close releases resources held by the sink.
	Close() error
}

// ErrorObserver is notified of failed sink writes.
type ErrorObserver interface {
	ObserveSinkError(sink string)
}

// watchCounter is implemented by sources that can report their table size.
type watchCounter interface {
	WatchCount() int
}

// Daemon is the central orchestrator. It starts the source, fans its records
// out to every sink, and reports health.
type Daemon struct {
	logger   *slog.Logger
	source   Source
	sinks    []Sink
	observer ErrorObserver

	startTime time.Time
	cancel    context.CancelFunc

	mu          sync.RWMutex
	lastEventAt time.Time
	events      int64
	sinkErrors  int64
	running     bool
	wg          sync.WaitGroup
}

// Option is a functional option for Daemon construction.
type Option func(*Daemon)

// WithSource sets the record source.
func WithSource(s Source) Option {
	return func(d *Daemon) { d.source = s }
}

// WithSinks registers one or more sinks. Records are written to them in
// registration order.
func WithSinks(sinks ...Sink) Option {
	return func(d *Daemon) { d.sinks = append(d.sinks, sinks...) }
}

// WithErrorObserver registers a hook for sink failures, typically metrics.
func WithErrorObserver(o ErrorObserver) Option {
	return func(d *Daemon) { d.observer = o }
}

// New creates a Daemon. Without a source it runs idle, which is useful in
// tests of the health endpoint.
func New(logger *slog.Logger, opts ...Option) *Daemon {
	d := &Daemon{logger: logger}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start starts the source and the fan-out goroutine.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon: already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	d.logger.Info("starting fswatch daemon", slog.Int("num_sinks", len(d.sinks)))

	if d.source != nil {
		if err := d.source.Start(ctx); err != nil {
			cancel()
			d.mu.Lock()
			d.running = false
			d.mu.Unlock()
			return fmt.Errorf("daemon: source failed to start: %w", err)
		}
		d.wg.Add(1)
		go d.fanOut(ctx)
	}

	d.logger.Info("fswatch daemon started")
	return nil
}

// Stop stops the source, waits for in-flight records to reach the sinks,
// then closes the sinks. It is safe to call Stop multiple times.
func (d *Daemon) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	d.mu.Unlock()

	if d.source != nil {
		d.source.Stop()
	}
	// The source closes its channel on Stop, so fanOut drains what is left
	// and exits before the context is cancelled.
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}

	for _, s := range d.sinks {
		if err := s.Close(); err != nil {
			d.logger.Warn("error closing sink", slog.String("sink", s.Name()), slog.Any("error", err))
		}
	}

	d.logger.Info("fswatch daemon stopped")
}

// fanOut delivers every record from the source to every sink. It exits when
// the source's channel is closed.
func (d *Daemon) fanOut(ctx context.Context) {
	defer d.wg.Done()
	for rec := range d.source.Records() {
		d.handleRecord(ctx, rec)
	}
}

// handleRecord writes rec to each sink. Sink errors are logged and counted
// but never stop the daemon.
func (d *Daemon) handleRecord(ctx context.Context, rec Record) {
	d.mu.Lock()
	d.lastEventAt = rec.Timestamp
	d.events++
	d.mu.Unlock()

	d.logger.Debug("event received",
		slog.String("watch", rec.Watch),
		slog.String("path", rec.FullPath()),
		slog.Any("kinds", rec.Kinds),
	)

	for _, s := range d.sinks {
		if err := s.Write(ctx, rec); err != nil {
			d.mu.Lock()
			d.sinkErrors++
			d.mu.Unlock()
			if d.observer != nil {
				d.observer.ObserveSinkError(s.Name())
			}
			d.logger.Warn("sink write failed",
				slog.String("sink", s.Name()),
				slog.String("event_id", rec.ID),
				slog.Any("error", err))
		}
	}
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	Watches     int     `json:"watches"`
	Events      int64   `json:"events"`
	SinkErrors  int64   `json:"sink_errors"`
	LastEventAt string  `json:"last_event_at,omitempty"`
}

// Health returns a snapshot of the current daemon health state.
func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h := HealthStatus{
		Status:     "ok",
		Events:     d.events,
		SinkErrors: d.sinkErrors,
	}
	if !d.startTime.IsZero() {
		h.UptimeS = time.Since(d.startTime).Seconds()
	}
	if wc, ok := d.source.(watchCounter); ok {
		h.Watches = wc.WatchCount()
	}
	if !d.lastEventAt.IsZero() {
		h.LastEventAt = d.lastEventAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler responds with the daemon's health status as JSON.
func (d *Daemon) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := d.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		d.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
