package inotify

import (
	"fmt"
	"path/filepath"
)

// WatchID is a kernel-assigned watch descriptor. IDs are unique among the
// live watches of one Session but may be reused after a watch is removed.
type WatchID int32

// Event is one decoded notification.
type Event struct {
	WatchID WatchID
	// Path is the path the watch was registered for.
	Path string
	// Mask is the full mask reported by the kernel, including result bits.
	Mask EventKind
	// Cookie pairs MovedFrom and MovedTo events of the same rename. It is
	// passed through uninterpreted.
	Cookie uint32
	// Name is the entry inside a watched directory the event concerns, or
	// empty when the event is about the watched object itself.
	Name string

	IsDir        bool
	Unmounted    bool
	WatchRemoved bool
}

// HasName reports whether the event concerns an entry inside a watched
// directory.
func (e Event) HasName() bool { return e.Name != "" }

// FullPath returns Path joined with Name when Name is present.
func (e Event) FullPath() string {
	if e.Name == "" {
		return e.Path
	}
	return filepath.Join(e.Path, e.Name)
}

func (e Event) String() string {
	return fmt.Sprintf("%s: %s", e.FullPath(), e.Mask)
}

// newEvent derives the flag fields from mask. The result bits are set by the
// kernel whether or not they were requested.
func newEvent(rec Record, path string) Event {
	return Event{
		WatchID:      rec.WatchID,
		Path:         path,
		Mask:         rec.Mask,
		Cookie:       rec.Cookie,
		Name:         rec.Name,
		IsDir:        rec.Mask&IsDirectory != 0,
		Unmounted:    rec.Mask&Unmounted != 0,
		WatchRemoved: rec.Mask&WatchRemoved != 0,
	}
}
