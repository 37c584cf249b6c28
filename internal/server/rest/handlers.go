package rest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/config"
	"github.com/tripwire/fswatch/internal/daemon"
	"github.com/tripwire/fswatch/internal/journal"
	"github.com/tripwire/fswatch/internal/watcher"
)

// requestTimeout bounds how long a handler waits for the watcher goroutine.
const requestTimeout = 5 * time.Second

// Server holds the dependencies of the REST handlers.
type Server struct {
	watches WatchManager
	events  EventStore
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(watches WatchManager, events EventStore, logger *slog.Logger) *Server {
	return &Server{watches: watches, events: events, logger: logger}
}

// handleListWatches responds to GET /api/v1/watches with the live watch
// table.
func (s *Server) handleListWatches(w http.ResponseWriter, _ *http.Request) {
	watches := s.watches.Watches()
	if watches == nil {
		watches = []watcher.WatchInfo{}
	}
	writeJSON(w, http.StatusOK, watches)
}

// watchRequest is the body of POST /api/v1/watches.
type watchRequest struct {
	Name       string   `json:"name"`
	Path       string   `json:"path"`
	Events     []string `json:"events"`
	OnlyDir    bool     `json:"only_dir"`
	DontFollow bool     `json:"dont_follow"`
	Oneshot    bool     `json:"oneshot"`
}

// handleAddWatch responds to POST /api/v1/watches.
//
// Returns 201 with the new watch, 400 for a malformed body, unknown event
// names or a path the kernel interface cannot carry, and 422 when the kernel
// refuses the watch.
func (s *Server) handleAddWatch(w http.ResponseWriter, r *http.Request) {
	var req watchRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON watch object")
		return
	}
	if req.Name == "" || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "'name' and 'path' are required")
		return
	}
	if len(req.Events) == 0 {
		req.Events = append([]string(nil), config.DefaultEvents...)
	}
	wc := config.WatchConfig{
		Name:       req.Name,
		Path:       req.Path,
		Events:     req.Events,
		OnlyDir:    req.OnlyDir,
		DontFollow: req.DontFollow,
		Oneshot:    req.Oneshot,
	}
	if _, err := wc.Mask(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	info, err := s.watches.AddWatch(ctx, wc)
	if err != nil {
		code, msg := watchErrorStatus(err)
		s.logger.Info("rest: add watch rejected",
			slog.String("path", req.Path),
			slog.Int("status", code),
			slog.Any("error", err))
		writeJSONError(w, code, msg)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

// handleRemoveWatch responds to DELETE /api/v1/watches/{id} with 204, or 404
// when the kernel does not know the id.
func (s *Server) handleRemoveWatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "watch id must be an integer")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.watches.RemoveWatch(ctx, inotify.WatchID(id)); err != nil {
		code, msg := watchErrorStatus(err)
		writeJSONError(w, code, msg)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// watchErrorStatus maps a watcher error to an HTTP status and message.
func watchErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, watcher.ErrStopped),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "watcher unavailable"
	}

	switch inotify.KindOf(err) {
	case inotify.KindPathEncoding:
		return http.StatusBadRequest, "path cannot contain a NUL byte"
	case inotify.KindAddWatch:
		if errno, ok := inotify.ErrnoOf(err); ok {
			return http.StatusUnprocessableEntity, inotify.Describe(errno)
		}
		return http.StatusBadRequest, err.Error()
	case inotify.KindRemoveWatch:
		return http.StatusNotFound, "no such watch"
	}
	return http.StatusInternalServerError, "internal error"
}

// eventsResponse is the body of GET /api/v1/events.
type eventsResponse struct {
	Total  int64           `json:"total"`
	Events []daemon.Record `json:"events"`
}

// handleGetEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	path    – watched path or full object path (optional)
//	kind    – comma-separated event names, any of which must match (optional)
//	watch   – watch name (optional)
//	since   – RFC3339 lower bound on the event time (optional)
//	limit   – maximum number of results (default 100, max 1000)
//	offset  – pagination offset (default 0)
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	jq := journal.Query{Path: q.Get("path"), Watch: q.Get("watch")}

	if kinds := q.Get("kind"); kinds != "" {
		k, err := inotify.ParseEventKinds(strings.Split(kinds, ","))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		jq.Kind = k
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "'since' must be a valid RFC3339 timestamp")
			return
		}
		jq.Since = t
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit <= 0 {
			writeJSONError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		jq.Limit = min(limit, journal.MaxLimit)
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeJSONError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		jq.Offset = offset
	}

	events, err := s.events.Query(r.Context(), jq)
	if err != nil {
		s.logger.Error("rest: query events", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	total, err := s.events.Count(r.Context(), jq)
	if err != nil {
		s.logger.Error("rest: count events", slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, "failed to query events")
		return
	}
	if events == nil {
		events = []daemon.Record{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Total: total, Events: events})
}
