package websocket

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/tripwire/fswatch/inotify"
)

const (
	// maxMessageSize bounds frames accepted from clients, which never need
	// to send anything larger than a close frame.
	maxMessageSize = 64 * 1024

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Handler upgrades requests to WebSocket connections and streams matching
// events to them.
//
// Query parameters narrow the stream: path (prefix of the full path), kind
// (comma-separated event names) and watch (watch name).
type Handler struct {
	bc           *Broadcaster
	logger       *slog.Logger
	writeTimeout time.Duration
	upgrader     gorilla.Upgrader
}

// NewHandler creates a Handler backed by bc. writeTimeout <= 0 selects ten
// seconds. Cross-origin upgrades are refused.
func NewHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *Handler {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Handler{
		bc:           bc,
		logger:       logger,
		writeTimeout: writeTimeout,
		upgrader: gorilla.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// ParseFilter reads a Filter from the query string of r.
func ParseFilter(r *http.Request) (Filter, error) {
	q := r.URL.Query()
	f := Filter{PathPrefix: q.Get("path"), Watch: q.Get("watch")}
	if kinds := q.Get("kind"); kinds != "" {
		k, err := inotify.ParseEventKinds(strings.Split(kinds, ","))
		if err != nil {
			return Filter{}, err
		}
		f.Kind = k
	}
	return f, nil
}

// ServeHTTP handles the upgrade and runs the connection until either side
// closes it.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !gorilla.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}
	filter, err := ParseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.logger.Debug("websocket: upgrade failed", slog.Any("error", err))
		return
	}
	defer conn.Close()

	clientID := uuid.NewString()
	client := h.bc.Register(clientID, filter)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()))

	// The reader discards client frames and notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			h.logger.Info("websocket: client disconnected", slog.String("client_id", clientID))
			return

		case <-ticker.C:
			if err := conn.WriteControl(gorilla.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				return
			}

		case msg, ok := <-client.Send():
			if !ok {
				// Broadcaster closed: tell the client we are going away.
				_ = conn.WriteControl(gorilla.CloseMessage,
					gorilla.FormatCloseMessage(gorilla.CloseGoingAway, "server shutting down"),
					time.Now().Add(h.writeTimeout))
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				return
			}
			if err := conn.WriteMessage(gorilla.TextMessage, msg); err != nil {
				h.logger.Warn("websocket: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}
		}
	}
}
