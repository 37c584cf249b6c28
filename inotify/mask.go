package inotify

import (
	"fmt"
	"strconv"
	"strings"
)

// EventKind is a set of inotify event bits. The same type carries the
// interest mask passed to AddWatch and the outcome mask reported in an Event.
type EventKind uint32

// Interest bits a caller may request. Values are the Linux kernel ABI from
// <sys/inotify.h> and never change.
const (
	Access           EventKind = 0x00000001 // IN_ACCESS: file was read
	Modify           EventKind = 0x00000002 // IN_MODIFY: file was written
	ChangeAttributes EventKind = 0x00000004 // IN_ATTRIB: metadata changed
	CloseWrite       EventKind = 0x00000008 // IN_CLOSE_WRITE: writable file closed
	CloseNoWrite     EventKind = 0x00000010 // IN_CLOSE_NOWRITE: read-only file closed
	Open             EventKind = 0x00000020 // IN_OPEN: file was opened
	MovedFrom        EventKind = 0x00000040 // IN_MOVED_FROM: entry moved out of watched dir
	MovedTo          EventKind = 0x00000080 // IN_MOVED_TO: entry moved into watched dir
	CreatedInDir     EventKind = 0x00000100 // IN_CREATE: entry created in watched dir
	DeletedInDir     EventKind = 0x00000200 // IN_DELETE: entry deleted from watched dir
	Deleted          EventKind = 0x00000400 // IN_DELETE_SELF: watched object deleted
	MoveSelf         EventKind = 0x00000800 // IN_MOVE_SELF: watched object moved

	Close EventKind = CloseWrite | CloseNoWrite
	Move  EventKind = MovedFrom | MovedTo

	AllEvents EventKind = 0x00000fff
)

// Watch option bits. They change how AddWatch registers a path and never
// appear in an Event.
const (
	OnlyDir    EventKind = 0x01000000 // IN_ONLYDIR
	DontFollow EventKind = 0x02000000 // IN_DONT_FOLLOW
	ExclUnlink EventKind = 0x04000000 // IN_EXCL_UNLINK
	MaskAdd    EventKind = 0x20000000 // IN_MASK_ADD
	Oneshot    EventKind = 0x80000000 // IN_ONESHOT

	watchOptions = OnlyDir | DontFollow | ExclUnlink | MaskAdd | Oneshot
)

// Result bits set only by the kernel.
const (
	Unmounted     EventKind = 0x00002000 // IN_UNMOUNT: backing filesystem unmounted
	QueueOverflow EventKind = 0x00004000 // IN_Q_OVERFLOW: kernel queue overflowed
	WatchRemoved  EventKind = 0x00008000 // IN_IGNORED: watch was removed
	IsDirectory   EventKind = 0x40000000 // IN_ISDIR: subject is a directory

	resultOnly = Unmounted | QueueOverflow | WatchRemoved | IsDirectory
)

// Has reports whether every bit of k is set in e.
func (e EventKind) Has(k EventKind) bool {
	return k != 0 && e&k == k
}

// Any reports whether at least one bit of k is set in e.
func (e EventKind) Any(k EventKind) bool {
	return e&k != 0
}

// kindNames is ordered by bit value so String output is stable.
var kindNames = []struct {
	bit  EventKind
	name string
}{
	{Access, "ACCESS"},
	{Modify, "MODIFY"},
	{ChangeAttributes, "ATTRIB"},
	{CloseWrite, "CLOSE_WRITE"},
	{CloseNoWrite, "CLOSE_NOWRITE"},
	{Open, "OPEN"},
	{MovedFrom, "MOVED_FROM"},
	{MovedTo, "MOVED_TO"},
	{CreatedInDir, "CREATE"},
	{DeletedInDir, "DELETE"},
	{Deleted, "DELETE_SELF"},
	{MoveSelf, "MOVE_SELF"},
	{Unmounted, "UNMOUNT"},
	{QueueOverflow, "Q_OVERFLOW"},
	{WatchRemoved, "IGNORED"},
	{OnlyDir, "ONLYDIR"},
	{DontFollow, "DONT_FOLLOW"},
	{ExclUnlink, "EXCL_UNLINK"},
	{MaskAdd, "MASK_ADD"},
	{IsDirectory, "ISDIR"},
	{Oneshot, "ONESHOT"},
}

// Names returns the kernel names of the bits set in e, lowest bit first.
// Unknown bits are rendered as a single hex value at the end.
func (e EventKind) Names() []string {
	var names []string
	rest := e
	for _, kn := range kindNames {
		if e&kn.bit != 0 {
			names = append(names, kn.name)
			rest &^= kn.bit
		}
	}
	if rest != 0 {
		names = append(names, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return names
}

// String renders e as IN_-less kernel names joined by '|', e.g. "CREATE|ISDIR".
func (e EventKind) String() string {
	if e == 0 {
		return "0"
	}
	return strings.Join(e.Names(), "|")
}

// configNames maps the lower-case names accepted in configuration files and
// on the command line to their bits.
var configNames = map[string]EventKind{
	"access":        Access,
	"modify":        Modify,
	"attrib":        ChangeAttributes,
	"close_write":   CloseWrite,
	"close_nowrite": CloseNoWrite,
	"close":         Close,
	"open":          Open,
	"moved_from":    MovedFrom,
	"moved_to":      MovedTo,
	"move":          Move,
	"create":        CreatedInDir,
	"delete":        DeletedInDir,
	"deleted":       Deleted,
	"delete_self":   Deleted,
	"move_self":     MoveSelf,
	"all":           AllEvents,
}

// ParseEventKind maps a single name such as "modify" or "CLOSE_WRITE" to its
// interest bits.
func ParseEventKind(name string) (EventKind, error) {
	k, ok := configNames[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("inotify: unknown event kind %q", name)
	}
	return k, nil
}

// ParseEventKinds ORs together the bits of every name. An empty list is an
// error since a watch without interest bits is rejected by the kernel.
func ParseEventKinds(names []string) (EventKind, error) {
	if len(names) == 0 {
		return 0, ErrEmptyMask
	}
	var mask EventKind
	for _, n := range names {
		k, err := ParseEventKind(n)
		if err != nil {
			return 0, err
		}
		mask |= k
	}
	return mask, nil
}

// validateInterest checks a mask passed to AddWatch.
func validateInterest(mask EventKind) error {
	if mask&resultOnly != 0 {
		return ErrResultOnlyBits
	}
	if mask&AllEvents == 0 {
		return ErrEmptyMask
	}
	return nil
}
