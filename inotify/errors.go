package inotify

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies which operation failed.
type Kind int

const (
	KindOther Kind = iota
	KindSessionOpen
	KindAddWatch
	KindWait
	KindRemoveWatch
	KindIO
	KindPathEncoding
)

func (k Kind) String() string {
	switch k {
	case KindSessionOpen:
		return "session open"
	case KindAddWatch:
		return "add watch"
	case KindWait:
		return "wait for event"
	case KindRemoveWatch:
		return "remove watch"
	case KindIO:
		return "read"
	case KindPathEncoding:
		return "encode path"
	default:
		return "other"
	}
}

// Sentinel causes. They are wrapped in an *Error and matched with errors.Is.
var (
	ErrClosed         = errors.New("session is closed")
	ErrInterrupted    = errors.New("wait interrupted")
	ErrShortRead      = errors.New("read shorter than event header")
	ErrTruncatedName  = errors.New("event name runs past end of read")
	ErrUnknownWatch   = errors.New("event for unknown watch descriptor")
	ErrQueueOverflow  = errors.New("kernel event queue overflowed")
	ErrEmbeddedNUL    = errors.New("path contains NUL byte")
	ErrEmptyMask      = errors.New("event mask has no interest bits")
	ErrResultOnlyBits = errors.New("event mask contains kernel-only result bits")
	ErrUnsupported    = errors.New("inotify is not supported on this platform")
)

// Error is returned by every fallible Session operation.
type Error struct {
	Kind Kind
	// Path is set for add-watch and path-encoding failures.
	Path string
	// WatchID is set for remove-watch failures and unknown-watch decode
	// failures.
	WatchID WatchID
	// Errno is the platform error code returned by the failing system call,
	// or 0 when the failure did not come from the kernel.
	Errno syscall.Errno
	Err   error
}

func (e *Error) Error() string {
	var subject string
	switch {
	case e.Path != "":
		subject = fmt.Sprintf(" %q", e.Path)
	case e.Kind == KindRemoveWatch || errors.Is(e.Err, ErrUnknownWatch):
		subject = fmt.Sprintf(" wd=%d", e.WatchID)
	}
	if e.Err == nil {
		return "inotify: " + e.Kind.String() + subject
	}
	return "inotify: " + e.Kind.String() + subject + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// sysError builds an *Error from a failed x/sys/unix call. The errno travels
// with the returned error value, so nothing can overwrite it in between.
func sysError(kind Kind, err error) *Error {
	e := &Error{Kind: kind, Err: err}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.Errno = errno
	}
	return e
}

// KindOf returns the Kind of err, or KindOther when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// ErrnoOf returns the platform error code carried by err, if any.
func ErrnoOf(err error) (syscall.Errno, bool) {
	var e *Error
	if errors.As(err, &e) && e.Errno != 0 {
		return e.Errno, true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Describe returns the human-readable message for a platform error code.
func Describe(code syscall.Errno) string {
	if code == 0 {
		return ""
	}
	return code.Error()
}
