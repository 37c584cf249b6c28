package rest

import (
	"context"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/config"
	"github.com/tripwire/fswatch/internal/daemon"
	"github.com/tripwire/fswatch/internal/journal"
	"github.com/tripwire/fswatch/internal/watcher"
)

// WatchManager is the subset of watcher.InotifyWatcher used by the handlers.
type WatchManager interface {
	Watches() []watcher.WatchInfo
	AddWatch(ctx context.Context, wc config.WatchConfig) (watcher.WatchInfo, error)
	RemoveWatch(ctx context.Context, id inotify.WatchID) error
}

// EventStore is the subset of journal.Journal used by the handlers.
type EventStore interface {
	Query(ctx context.Context, q journal.Query) ([]daemon.Record, error)
	Count(ctx context.Context, q journal.Query) (int64, error)
}
