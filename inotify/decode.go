package inotify

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the fixed part of struct inotify_event.
	HeaderSize = 16
	// MaxNameLen is NAME_MAX on Linux.
	MaxNameLen = 255
	// RecordBufferSize holds one maximal record: header, longest name and its
	// terminating NUL.
	RecordBufferSize = HeaderSize + MaxNameLen + 1
)

// Record is one undecoded-path kernel record. The watch descriptor has not
// been resolved against a watch table yet.
type Record struct {
	WatchID WatchID
	Mask    EventKind
	Cookie  uint32
	Name    string
}

// DecodeRecord parses the record at the start of buf and returns it together
// with the number of bytes it occupied. Fields are read in native byte order.
func DecodeRecord(buf []byte) (Record, int, error) {
	if len(buf) < HeaderSize {
		return Record{}, 0, &Error{Kind: KindWait, Err: fmt.Errorf("%w: got %d bytes", ErrShortRead, len(buf))}
	}
	order := binary.NativeEndian
	rec := Record{
		WatchID: WatchID(int32(order.Uint32(buf[0:4]))),
		Mask:    EventKind(order.Uint32(buf[4:8])),
		Cookie:  order.Uint32(buf[8:12]),
	}
	nameLen := order.Uint32(buf[12:16])
	if uint64(nameLen) > uint64(len(buf)-HeaderSize) {
		return Record{}, 0, &Error{
			Kind: KindWait,
			Err:  fmt.Errorf("%w: len=%d, %d bytes left", ErrTruncatedName, nameLen, len(buf)-HeaderSize),
		}
	}
	end := HeaderSize + int(nameLen)
	if nameLen > 0 {
		name := buf[HeaderSize:end]
		if i := bytes.IndexByte(name, 0); i >= 0 {
			name = name[:i]
		}
		rec.Name = string(name)
	}
	return rec, end, nil
}

// DecodeRecords parses every complete record in buf. On a malformed record it
// returns the records decoded before it along with the error.
func DecodeRecords(buf []byte) ([]Record, error) {
	var recs []Record
	for off := 0; off < len(buf); {
		rec, n, err := DecodeRecord(buf[off:])
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
		off += n
	}
	return recs, nil
}

// EncodeRecord appends the kernel encoding of rec to dst, padding the name
// with NULs to a multiple of HeaderSize as the kernel does. It is the inverse of
// DecodeRecord and is used to build synthetic reads.
func EncodeRecord(dst []byte, rec Record) []byte {
	var nameLen int
	if rec.Name != "" {
		nameLen = (len(rec.Name) + HeaderSize) &^ (HeaderSize - 1)
	}
	order := binary.NativeEndian
	dst = order.AppendUint32(dst, uint32(rec.WatchID))
	dst = order.AppendUint32(dst, uint32(rec.Mask))
	dst = order.AppendUint32(dst, rec.Cookie)
	dst = order.AppendUint32(dst, uint32(nameLen))
	if nameLen > 0 {
		dst = append(dst, rec.Name...)
		dst = append(dst, make([]byte, nameLen-len(rec.Name))...)
	}
	return dst
}
