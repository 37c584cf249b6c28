// Package inotify is a thin, blocking wrapper around the Linux inotify(7)
// facility.
//
// A Session owns exactly one inotify file descriptor and the table that maps
// kernel watch descriptors back to the paths they were registered for:
//
//	sess, err := inotify.NewSession()
//	if err != nil {
//		return err
//	}
//	defer sess.Close()
//
//	wd, err := sess.AddWatch("/etc/passwd", inotify.Modify|inotify.Deleted)
//	...
//	ev, err := sess.WaitForEvent() // blocks
//	...
//	err = sess.RemoveWatch(wd)
//
// # Wire format
//
// Each read(2) on the descriptor returns zero or more variable-length records:
//
//	struct inotify_event {
//	    int32_t  wd;      // watch descriptor
//	    uint32_t mask;    // event mask
//	    uint32_t cookie;  // rename correlation cookie
//	    uint32_t len;     // length of name, including NUL padding
//	    char     name[];  // NUL-terminated, NUL-padded
//	}
//
// Records are parsed field by field in native byte order with explicit bounds
// checks; see DecodeRecord. When one read carries several records the surplus
// is queued and returned by later WaitForEvent calls in kernel order.
//
// # Concurrency
//
// A Session does no locking. AddWatch, WaitForEvent, RemoveWatch and Close
// must be serialised by the caller. Interrupt is the one exception: it may be
// called from any goroutine to wake a blocked WaitForEvent.
package inotify
