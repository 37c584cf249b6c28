// Package websocket streams inotify events to connected WebSocket clients.
// The Broadcaster is a daemon.Sink: every record the daemon fans out is
// offered to each client whose filter matches it.
//
// Each client has a buffered channel of encoded messages. Sends never block;
// a slow client loses messages and its Dropped counter grows, so one stalled
// browser tab cannot hold up the journal or the archive.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/daemon"
)

// Message is the JSON envelope pushed to clients. Type is always "event".
type Message struct {
	Type string        `json:"type"`
	Data daemon.Record `json:"data"`
}

// Filter selects the records a client receives. Zero fields match all.
type Filter struct {
	// PathPrefix matches records whose full path starts with it.
	PathPrefix string
	// Kind matches records with any of these bits set.
	Kind inotify.EventKind
	// Watch matches the configured watch name.
	Watch string
}

func (f Filter) match(rec daemon.Record) bool {
	if f.PathPrefix != "" && !strings.HasPrefix(rec.FullPath(), f.PathPrefix) {
		return false
	}
	if f.Kind != 0 && !inotify.EventKind(rec.Mask).Any(f.Kind) {
		return false
	}
	if f.Watch != "" && rec.Watch != f.Watch {
		return false
	}
	return true
}

// Client is one registered subscriber.
type Client struct {
	id      string
	filter  Filter
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's identifier.
func (c *Client) ID() string { return c.id }

// Send returns the channel encoded messages arrive on. It is closed when the
// client is unregistered or the broadcaster closes.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans records out to registered clients. It is safe for
// concurrent use.
type Broadcaster struct {
	logger  *slog.Logger
	bufSize int

	mu      sync.RWMutex
	clients map[string]*Client
	closed  bool
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client buffer
// depth; zero selects 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		logger:  logger,
		bufSize: bufSize,
		clients: make(map[string]*Client),
	}
}

// Register adds a client. After Close it returns a client whose Send channel
// is already closed.
func (b *Broadcaster) Register(id string, f Filter) *Client {
	c := &Client{id: id, filter: f, send: make(chan []byte, b.bufSize)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(c.send)
		return c
	}
	b.clients[id] = c
	return c
}

// Unregister removes the client and closes its Send channel. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(c.send)
	}
}

// ClientCount returns the number of registered clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Broadcast offers rec to every client whose filter matches.
func (b *Broadcaster) Broadcast(rec daemon.Record) {
	var raw []byte

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.clients {
		if !c.filter.match(rec) {
			continue
		}
		if raw == nil {
			var err error
			if raw, err = json.Marshal(Message{Type: "event", Data: rec}); err != nil {
				b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
				return
			}
		}
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping event",
				slog.String("client_id", c.id))
		}
	}
}

// Name implements daemon.Sink.
func (b *Broadcaster) Name() string { return "stream" }

// Write implements daemon.Sink. Delivery is best effort and never fails.
func (b *Broadcaster) Write(_ context.Context, rec daemon.Record) error {
	b.Broadcast(rec)
	return nil
}

// Close unregisters every client. Later registrations are closed at once.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, c := range b.clients {
		delete(b.clients, id)
		close(c.send)
	}
	return nil
}
