//go:build !linux

package inotify

// Session is the stub for platforms without inotify. NewSession always fails
// with KindSessionOpen.
type Session struct{}

// NewSession always fails on this platform.
func NewSession(_ ...Option) (*Session, error) {
	return nil, &Error{Kind: KindSessionOpen, Err: ErrUnsupported}
}

// AddWatch fails with ErrUnsupported.
func (s *Session) AddWatch(path string, _ EventKind) (WatchID, error) {
	return 0, &Error{Kind: KindAddWatch, Path: path, Err: ErrUnsupported}
}

// WaitForEvent fails with ErrUnsupported.
func (s *Session) WaitForEvent() (Event, error) {
	return Event{}, &Error{Kind: KindWait, Err: ErrUnsupported}
}

// Interrupt does nothing.
func (s *Session) Interrupt() error { return nil }

// RemoveWatch fails with ErrUnsupported.
func (s *Session) RemoveWatch(id WatchID) error {
	return &Error{Kind: KindRemoveWatch, WatchID: id, Err: ErrUnsupported}
}

// Close does nothing.
func (s *Session) Close() error { return nil }

// Lookup always reports no watch.
func (s *Session) Lookup(WatchID) (string, bool) { return "", false }

// PathID always reports no watch.
func (s *Session) PathID(string) (WatchID, bool) { return 0, false }

// Watches returns nil.
func (s *Session) Watches() []Watch { return nil }

// Len returns 0.
func (s *Session) Len() int { return 0 }
