//go:build linux

package inotify

import (
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Session is one inotify instance and its watch table. Create it with
// NewSession and release it with Close; closing the descriptor drops every
// kernel-side watch, so RemoveWatch calls beforehand are optional.
type Session struct {
	fd     int
	wakeR  int
	wakeW  int
	closed atomic.Bool

	dec    decoder
	buf    []byte
	logger *slog.Logger
}

// NewSession opens an inotify instance with an empty watch table.
func NewSession(opts ...Option) (*Session, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		return nil, sysError(KindSessionOpen, err)
	}

	var pipe [2]int
	if err := unix.Pipe2(pipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		e := sysError(KindSessionOpen, err)
		unix.Close(fd)
		return nil, e
	}

	s := &Session{
		fd:     fd,
		wakeR:  pipe[0],
		wakeW:  pipe[1],
		dec:    newDecoder(),
		buf:    make([]byte, o.bufferSize),
		logger: o.logger,
	}
	s.logger.Debug("inotify: session opened", slog.Int("fd", fd), slog.Int("buffer_size", o.bufferSize))
	return s, nil
}

// AddWatch registers interest in path for the events in mask and returns the
// kernel's watch descriptor. Adding a path that is already watched returns
// the existing descriptor and replaces its mask (or ORs into it with
// MaskAdd); the table entry is overwritten, not duplicated.
func (s *Session) AddWatch(path string, mask EventKind) (WatchID, error) {
	if s.closed.Load() {
		return 0, &Error{Kind: KindOther, Path: path, Err: ErrClosed}
	}
	if strings.IndexByte(path, 0) >= 0 {
		return 0, &Error{Kind: KindPathEncoding, Path: path, Err: ErrEmbeddedNUL}
	}
	if err := validateInterest(mask); err != nil {
		return 0, &Error{Kind: KindAddWatch, Path: path, Err: err}
	}

	wd, err := unix.InotifyAddWatch(s.fd, path, uint32(mask))
	if err != nil {
		e := sysError(KindAddWatch, err)
		e.Path = path
		return 0, e
	}

	id := WatchID(wd)
	s.dec.added(id, path)
	s.logger.Debug("inotify: watch added",
		slog.Int("wd", wd),
		slog.String("path", path),
		slog.String("mask", mask.String()))
	return id, nil
}

// WaitForEvent blocks until the kernel reports an event and returns it.
// Records left over from an earlier read are returned first, in kernel order.
//
// A failure is terminal for that call only; the caller may call again.
func (s *Session) WaitForEvent() (Event, error) {
	for {
		if s.closed.Load() {
			return Event{}, &Error{Kind: KindOther, Err: ErrClosed}
		}
		if ev, ok, err := s.dec.next(); ok {
			return ev, err
		}
		if err := s.fill(); err != nil {
			return Event{}, err
		}
	}
}

// fill waits for the descriptor to become readable and feeds one read to the
// decoder.
func (s *Session) fill() error {
	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.wakeR), Events: unix.POLLIN},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sysError(KindIO, err)
		}
		break
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		s.drainWake()
		return &Error{Kind: KindWait, Err: ErrInterrupted}
	}
	if fds[0].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) == 0 {
		return nil
	}

	var n int
	for {
		var err error
		n, err = unix.Read(s.fd, s.buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return sysError(KindIO, err)
		}
		break
	}
	if err := s.dec.feed(s.buf[:n]); err != nil {
		return err
	}
	s.logger.Debug("inotify: read", slog.Int("bytes", n), slog.Int("records", s.dec.buffered()))
	return nil
}

func (s *Session) drainWake() {
	var b [64]byte
	for {
		n, err := unix.Read(s.wakeR, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Interrupt wakes a WaitForEvent blocked in another goroutine; that call
// returns an error wrapping ErrInterrupted. If no call is blocked, the next
// one returns immediately instead. Interrupt must not race with Close.
func (s *Session) Interrupt() error {
	if s.closed.Load() {
		return &Error{Kind: KindOther, Err: ErrClosed}
	}
	_, err := unix.Write(s.wakeW, []byte{0})
	if err == unix.EAGAIN {
		// Pipe already full: a wakeup is pending.
		return nil
	}
	if err != nil {
		return sysError(KindIO, err)
	}
	return nil
}

// RemoveWatch deregisters id. It fails, leaving the table unchanged, when
// the kernel rejects id, which includes a second removal of the same id.
func (s *Session) RemoveWatch(id WatchID) error {
	if s.closed.Load() {
		return &Error{Kind: KindOther, WatchID: id, Err: ErrClosed}
	}
	if _, err := unix.InotifyRmWatch(s.fd, uint32(id)); err != nil {
		e := sysError(KindRemoveWatch, err)
		e.WatchID = id
		return e
	}
	s.dec.removed(id)
	s.logger.Debug("inotify: watch removed", slog.Int("wd", int(id)))
	return nil
}

// Close releases the inotify descriptor, and with it every kernel-side
// watch. Only the first call does anything; later operations fail with
// ErrClosed.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Close(s.fd)
	unix.Close(s.wakeR)
	unix.Close(s.wakeW)
	n := s.dec.table.len()
	s.dec.reset()
	s.logger.Debug("inotify: session closed", slog.Int("watches_released", n))
	if err != nil {
		return sysError(KindIO, err)
	}
	return nil
}

// Lookup returns the path registered for id.
func (s *Session) Lookup(id WatchID) (string, bool) { return s.dec.table.lookup(id) }

// PathID returns the watch descriptor most recently registered for path.
func (s *Session) PathID(path string) (WatchID, bool) { return s.dec.table.lookupPath(path) }

// Watches returns the watch table ordered by id.
func (s *Session) Watches() []Watch { return s.dec.table.snapshot() }

// Len returns the number of live watches.
func (s *Session) Len() int { return s.dec.table.len() }
