package inotify_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tripwire/fswatch/inotify"
)

// rawHeader builds a header with an explicit len field and no name bytes.
func rawHeader(wd int32, mask, cookie, nameLen uint32) []byte {
	b := binary.NativeEndian.AppendUint32(nil, uint32(wd))
	b = binary.NativeEndian.AppendUint32(b, mask)
	b = binary.NativeEndian.AppendUint32(b, cookie)
	return binary.NativeEndian.AppendUint32(b, nameLen)
}

func TestDecodeRecord_HeaderOnly(t *testing.T) {
	buf := rawHeader(7, uint32(inotify.Modify), 0, 0)
	rec, n, err := inotify.DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if n != inotify.HeaderSize {
		t.Errorf("consumed = %d, want %d", n, inotify.HeaderSize)
	}
	want := inotify.Record{WatchID: 7, Mask: inotify.Modify}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRecord_NamePaddingDiscarded(t *testing.T) {
	buf := append(rawHeader(1, uint32(inotify.CreatedInDir), 0, 6), 'a', 'b', 0, 0, 0, 0)
	rec, n, err := inotify.DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if rec.Name != "ab" {
		t.Errorf("Name = %q, want %q", rec.Name, "ab")
	}
	if n != inotify.HeaderSize+6 {
		t.Errorf("consumed = %d, want %d", n, inotify.HeaderSize+6)
	}
}

func TestDecodeRecord_NegativeWatchID(t *testing.T) {
	buf := rawHeader(-1, uint32(inotify.QueueOverflow), 0, 0)
	rec, _, err := inotify.DecodeRecord(buf)
	if err != nil {
		t.Fatalf("DecodeRecord: %v", err)
	}
	if rec.WatchID != -1 {
		t.Errorf("WatchID = %d, want -1", rec.WatchID)
	}
}

func TestDecodeRecord_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		buf     []byte
		wantErr error
	}{
		{"empty", nil, inotify.ErrShortRead},
		{"short header", rawHeader(1, 2, 0, 0)[:15], inotify.ErrShortRead},
		{"name past end", append(rawHeader(1, 2, 0, 16), 'x', 0), inotify.ErrTruncatedName},
		{"huge len", rawHeader(1, 2, 0, 0xffffffff), inotify.ErrTruncatedName},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := inotify.DecodeRecord(tc.buf)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}
			if got := inotify.KindOf(err); got != inotify.KindWait {
				t.Errorf("KindOf = %v, want %v", got, inotify.KindWait)
			}
		})
	}
}

func TestDecodeRecords_Concatenated(t *testing.T) {
	want := []inotify.Record{
		{WatchID: 1, Mask: inotify.CreatedInDir, Name: "new.txt"},
		{WatchID: 1, Mask: inotify.MovedFrom, Cookie: 42, Name: "a"},
		{WatchID: 2, Mask: inotify.MovedTo, Cookie: 42, Name: "exactly-fifteen"},
		{WatchID: 3, Mask: inotify.Deleted},
	}
	var buf []byte
	for _, r := range want {
		buf = inotify.EncodeRecord(buf, r)
	}

	got, err := inotify.DecodeRecords(buf)
	if err != nil {
		t.Fatalf("DecodeRecords: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeRecords_TruncatedTailKeepsPrefix(t *testing.T) {
	buf := inotify.EncodeRecord(nil, inotify.Record{WatchID: 1, Mask: inotify.Modify})
	buf = append(buf, rawHeader(1, uint32(inotify.Modify), 0, 0)[:8]...)

	got, err := inotify.DecodeRecords(buf)
	if !errors.Is(err, inotify.ErrShortRead) {
		t.Fatalf("err = %v, want ErrShortRead", err)
	}
	if len(got) != 1 || got[0].WatchID != 1 {
		t.Errorf("records = %+v, want the one complete record", got)
	}
}

func TestEncodeRecord_PadsToHeaderSize(t *testing.T) {
	tests := []struct {
		name    string
		wantLen int
	}{
		{"", inotify.HeaderSize},
		{"a", inotify.HeaderSize + 16},
		{"exactly-fifteen", inotify.HeaderSize + 16},
		{"sixteen-chars-xx", inotify.HeaderSize + 32},
	}
	for _, tc := range tests {
		buf := inotify.EncodeRecord(nil, inotify.Record{WatchID: 1, Mask: inotify.Modify, Name: tc.name})
		if len(buf) != tc.wantLen {
			t.Errorf("EncodeRecord(%q) len = %d, want %d", tc.name, len(buf), tc.wantLen)
		}
	}
}
