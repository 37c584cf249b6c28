package inotify

import "fmt"

// pending is one queued outcome of a read: a record to resolve, or the
// decode error that ended the read.
type pending struct {
	rec Record
	err error
}

// decoder turns raw reads into Events against a watch table. It holds the
// records of a read that have not been returned yet.
type decoder struct {
	table watchTable
	// retired counts, per id, the IN_IGNORED records still owed for watches
	// removed through RemoveWatch. The kernel may hand the id out again
	// before they are read.
	retired map[WatchID]int
	queue   []pending
}

func newDecoder() decoder {
	return decoder{
		table:   newWatchTable(),
		retired: make(map[WatchID]int),
	}
}

// feed decodes one read. Records are queued in kernel order; a malformed
// tail is queued as an error after the records that preceded it.
func (d *decoder) feed(buf []byte) error {
	if len(buf) < HeaderSize {
		return &Error{Kind: KindWait, Err: fmt.Errorf("%w: got %d bytes", ErrShortRead, len(buf))}
	}
	recs, err := DecodeRecords(buf)
	for _, r := range recs {
		d.queue = append(d.queue, pending{rec: r})
	}
	if err != nil {
		d.queue = append(d.queue, pending{err: err})
	}
	return nil
}

func (d *decoder) buffered() int { return len(d.queue) }

// next pops queued records until one resolves to an Event or fails. ok is
// false when the queue is empty.
func (d *decoder) next() (ev Event, ok bool, err error) {
	for len(d.queue) > 0 {
		p := d.queue[0]
		d.queue[0] = pending{}
		d.queue = d.queue[1:]
		if p.err != nil {
			return Event{}, true, p.err
		}
		ev, skip, err := d.resolve(p.rec)
		if skip {
			continue
		}
		return ev, true, err
	}
	d.queue = nil
	return Event{}, false, nil
}

// resolve maps rec to an Event. skip is true for the IN_IGNORED record of a
// watch this session already removed.
func (d *decoder) resolve(rec Record) (ev Event, skip bool, err error) {
	if rec.Mask&QueueOverflow != 0 {
		return Event{}, false, &Error{Kind: KindWait, WatchID: rec.WatchID, Err: ErrQueueOverflow}
	}
	// The kernel queues IN_IGNORED at removal time, so one owed for an id
	// precedes every record of a watch that later reuses the id.
	if rec.Mask&WatchRemoved != 0 && d.retired[rec.WatchID] > 0 {
		d.retire(rec.WatchID, -1)
		return Event{}, true, nil
	}
	path, found := d.table.lookup(rec.WatchID)
	if !found {
		return Event{}, false, &Error{Kind: KindWait, WatchID: rec.WatchID, Err: ErrUnknownWatch}
	}
	ev = newEvent(rec, path)
	if ev.WatchRemoved {
		// Terminal record for this id: drop the entry now that the event is
		// being handed to the caller.
		d.table.remove(rec.WatchID)
	}
	return ev, false, nil
}

// added records a successful inotify_add_watch.
func (d *decoder) added(id WatchID, path string) {
	d.table.set(id, path)
}

// removed records a successful inotify_rm_watch.
func (d *decoder) removed(id WatchID) {
	d.table.remove(id)
	d.retire(id, 1)
}

func (d *decoder) retire(id WatchID, delta int) {
	if n := d.retired[id] + delta; n > 0 {
		d.retired[id] = n
	} else {
		delete(d.retired, id)
	}
}

func (d *decoder) reset() {
	d.table.reset()
	clear(d.retired)
	d.queue = nil
}
