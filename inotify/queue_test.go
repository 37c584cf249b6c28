package inotify

import (
	"encoding/binary"
	"errors"
	"testing"
)

func encode(recs ...Record) []byte {
	var buf []byte
	for _, r := range recs {
		buf = EncodeRecord(buf, r)
	}
	return buf
}

func mustNext(t *testing.T, d *decoder) Event {
	t.Helper()
	ev, ok, err := d.next()
	if !ok {
		t.Fatal("next: queue empty")
	}
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return ev
}

func TestDecoder_ModifyWithoutName(t *testing.T) {
	d := newDecoder()
	d.added(7, "/tmp/x")

	if err := d.feed(encode(Record{WatchID: 7, Mask: Modify})); err != nil {
		t.Fatalf("feed: %v", err)
	}
	ev := mustNext(t, &d)

	want := Event{WatchID: 7, Path: "/tmp/x", Mask: Modify}
	if ev != want {
		t.Errorf("event = %+v, want %+v", ev, want)
	}
	if ev.HasName() {
		t.Error("HasName = true for an event without a name")
	}
}

func TestDecoder_NameStopsAtFirstNUL(t *testing.T) {
	d := newDecoder()
	d.added(1, "/tmp/dir")

	buf := encode(Record{WatchID: 1, Mask: CreatedInDir})
	// Rewrite len to 6 and append "ab" plus four NULs of padding.
	binary.NativeEndian.PutUint32(buf[12:16], 6)
	buf = append(buf, 'a', 'b', 0, 0, 0, 0)
	if err := d.feed(buf); err != nil {
		t.Fatalf("feed: %v", err)
	}
	ev := mustNext(t, &d)
	if ev.Name != "ab" {
		t.Errorf("Name = %q, want %q", ev.Name, "ab")
	}
	if ev.FullPath() != "/tmp/dir/ab" {
		t.Errorf("FullPath = %q, want %q", ev.FullPath(), "/tmp/dir/ab")
	}
}

func TestDecoder_IsDirRegardlessOfInterest(t *testing.T) {
	d := newDecoder()
	d.added(3, "/srv")

	if err := d.feed(encode(Record{WatchID: 3, Mask: CreatedInDir | IsDirectory, Name: "sub"})); err != nil {
		t.Fatalf("feed: %v", err)
	}
	ev := mustNext(t, &d)
	if !ev.IsDir {
		t.Error("IsDir = false, want true")
	}
	if ev.Unmounted || ev.WatchRemoved {
		t.Errorf("unexpected flags: %+v", ev)
	}
}

func TestDecoder_ShortReadFails(t *testing.T) {
	d := newDecoder()
	err := d.feed(make([]byte, HeaderSize-1))
	if !errors.Is(err, ErrShortRead) {
		t.Fatalf("feed err = %v, want ErrShortRead", err)
	}
	if KindOf(err) != KindWait {
		t.Errorf("KindOf = %v, want KindWait", KindOf(err))
	}
	if d.buffered() != 0 {
		t.Errorf("buffered = %d after short read, want 0", d.buffered())
	}
}

func TestDecoder_UnknownWatchIsAnError(t *testing.T) {
	d := newDecoder()
	if err := d.feed(encode(Record{WatchID: 9, Mask: Modify})); err != nil {
		t.Fatalf("feed: %v", err)
	}
	_, ok, err := d.next()
	if !ok {
		t.Fatal("next: queue empty")
	}
	if !errors.Is(err, ErrUnknownWatch) {
		t.Fatalf("err = %v, want ErrUnknownWatch", err)
	}
	var e *Error
	if !errors.As(err, &e) || e.WatchID != 9 {
		t.Errorf("error does not carry the watch id: %v", err)
	}
}

func TestDecoder_MultipleRecordsQueuedInOrder(t *testing.T) {
	d := newDecoder()
	d.added(1, "/a")
	d.added(2, "/b")

	if err := d.feed(encode(
		Record{WatchID: 1, Mask: Modify},
		Record{WatchID: 2, Mask: Open},
		Record{WatchID: 1, Mask: CloseWrite},
	)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if d.buffered() != 3 {
		t.Fatalf("buffered = %d, want 3", d.buffered())
	}

	want := []struct {
		path string
		mask EventKind
	}{{"/a", Modify}, {"/b", Open}, {"/a", CloseWrite}}
	for i, w := range want {
		ev := mustNext(t, &d)
		if ev.Path != w.path || ev.Mask != w.mask {
			t.Errorf("event %d = %s %s, want %s %s", i, ev.Path, ev.Mask, w.path, w.mask)
		}
	}
	if _, ok, _ := d.next(); ok {
		t.Error("queue not empty after draining all records")
	}
}

func TestDecoder_WatchRemovedDropsEntryAfterDelivery(t *testing.T) {
	d := newDecoder()
	d.added(4, "/gone")

	if err := d.feed(encode(
		Record{WatchID: 4, Mask: Deleted},
		Record{WatchID: 4, Mask: WatchRemoved},
	)); err != nil {
		t.Fatalf("feed: %v", err)
	}

	ev := mustNext(t, &d)
	if ev.Mask != Deleted {
		t.Fatalf("first event mask = %s, want DELETE_SELF", ev.Mask)
	}
	if _, ok := d.table.lookup(4); !ok {
		t.Fatal("entry dropped before the IN_IGNORED record was delivered")
	}

	ev = mustNext(t, &d)
	if !ev.WatchRemoved || ev.Path != "/gone" {
		t.Errorf("terminal event = %+v, want WatchRemoved for /gone", ev)
	}
	if _, ok := d.table.lookup(4); ok {
		t.Error("entry still present after the terminal event was returned")
	}
}

func TestDecoder_IgnoredAfterRemoveWatchIsConsumed(t *testing.T) {
	d := newDecoder()
	d.added(5, "/x")
	d.added(6, "/y")
	d.removed(5)

	if err := d.feed(encode(
		Record{WatchID: 5, Mask: WatchRemoved},
		Record{WatchID: 6, Mask: Modify},
	)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	ev := mustNext(t, &d)
	if ev.WatchID != 6 {
		t.Errorf("event wd = %d, want 6 (IN_IGNORED for removed wd 5 should be skipped)", ev.WatchID)
	}
	if _, ok := d.retired[5]; ok {
		t.Error("retired id not cleared after its IN_IGNORED record")
	}
}

func TestDecoder_ReusedIDSkipsOnlyOwedIgnored(t *testing.T) {
	d := newDecoder()
	d.added(5, "/old")
	d.removed(5)
	// The kernel hands wd 5 out again before the old IN_IGNORED is read.
	d.added(5, "/new")

	if err := d.feed(encode(
		Record{WatchID: 5, Mask: WatchRemoved},
		Record{WatchID: 5, Mask: Modify},
	)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	ev := mustNext(t, &d)
	if ev.WatchRemoved || ev.Path != "/new" || ev.Mask != Modify {
		t.Errorf("event = %+v, want MODIFY on /new", ev)
	}
	if p, ok := d.table.lookup(5); !ok || p != "/new" {
		t.Errorf("lookup(5) = (%q, %v), want (/new, true)", p, ok)
	}
	if n := d.retired[5]; n != 0 {
		t.Errorf("retired[5] = %d, want 0", n)
	}

	// A later kernel removal of the new watch is delivered.
	if err := d.feed(encode(Record{WatchID: 5, Mask: WatchRemoved})); err != nil {
		t.Fatalf("feed: %v", err)
	}
	ev = mustNext(t, &d)
	if !ev.WatchRemoved || ev.Path != "/new" {
		t.Errorf("terminal event = %+v, want WatchRemoved for /new", ev)
	}
	if _, ok := d.table.lookup(5); ok {
		t.Error("entry still present after the terminal event")
	}
}

func TestDecoder_RetiredCountsEachRemoval(t *testing.T) {
	d := newDecoder()
	d.added(2, "/a")
	d.removed(2)
	d.added(2, "/b")
	d.removed(2)
	if n := d.retired[2]; n != 2 {
		t.Fatalf("retired[2] = %d, want 2", n)
	}

	if err := d.feed(encode(
		Record{WatchID: 2, Mask: WatchRemoved},
		Record{WatchID: 2, Mask: WatchRemoved},
	)); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if ev, ok, err := d.next(); ok {
		t.Errorf("next = (%+v, %v), want both IN_IGNORED records consumed", ev, err)
	}
	if _, ok := d.retired[2]; ok {
		t.Error("retired entry survives after every owed record was read")
	}
}

func TestDecoder_QueueOverflow(t *testing.T) {
	d := newDecoder()
	if err := d.feed(encode(Record{WatchID: -1, Mask: QueueOverflow})); err != nil {
		t.Fatalf("feed: %v", err)
	}
	_, _, err := d.next()
	if !errors.Is(err, ErrQueueOverflow) {
		t.Errorf("err = %v, want ErrQueueOverflow", err)
	}
}

func TestDecoder_TruncatedTailDeliveredAfterRecords(t *testing.T) {
	d := newDecoder()
	d.added(1, "/a")

	buf := encode(Record{WatchID: 1, Mask: Modify})
	buf = append(buf, encode(Record{WatchID: 1, Mask: CreatedInDir, Name: "file"})[:HeaderSize+2]...)
	if err := d.feed(buf); err != nil {
		t.Fatalf("feed: %v", err)
	}

	mustNext(t, &d)
	_, ok, err := d.next()
	if !ok || !errors.Is(err, ErrTruncatedName) {
		t.Errorf("second next = (ok=%v, err=%v), want ErrTruncatedName", ok, err)
	}
}
