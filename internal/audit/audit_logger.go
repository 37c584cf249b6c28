// Package audit keeps a tamper-evident record of changes to the watch table.
// Every line of the log is a JSON entry whose event_hash is the SHA-256 of
// its own content, and whose prev_hash is the event_hash of the line before
// it, so editing or dropping any line breaks the chain from that point on.
//
// # Hash chain
//
// The event_hash for entry N is computed as:
//
//	SHA-256( JSON({seq, ts, payload, prev_hash}) )
//
// The first entry (seq=1) uses GenesisHash as its prev_hash.
//
// Logger is safe for concurrent use.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Watch table actions recorded by LogWatchChange.
const (
	ActionAdded         = "added"
	ActionRemoved       = "removed"
	ActionKernelRemoved = "kernel_removed"
)

// WatchChange is the payload recorded for one watch table mutation.
type WatchChange struct {
	Action  string   `json:"action"`
	WatchID int32    `json:"wd"`
	Name    string   `json:"name"`
	Path    string   `json:"path"`
	Events  []string `json:"events,omitempty"`
}

// Entry is one audit log line.
type Entry struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	EventHash string          `json:"event_hash"`
}

// content is the hashed subset of Entry.
type content struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
}

// Logger appends hash-chained entries to a file. Create one with Open.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	prevHash string
	seq      int64
	now      func() time.Time
}

// Open opens or creates the log at path. An existing log is verified first
// and the chain continues from its last entry; a broken chain is an error.
func Open(path string) (*Logger, error) {
	prevHash, seq := GenesisHash, int64(0)

	f, err := os.Open(path)
	switch {
	case err == nil:
		last, verr := walk(f, nil)
		f.Close()
		if verr != nil {
			return nil, fmt.Errorf("audit: existing log %q: %w", path, verr)
		}
		if last != nil {
			prevHash, seq = last.EventHash, last.Seq
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("audit: open for reading %q: %w", path, err)
	}

	out, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open for appending %q: %w", path, err)
	}
	return &Logger{file: out, prevHash: prevHash, seq: seq, now: time.Now}, nil
}

// Append writes payload as the next entry. A nil payload is recorded as JSON
// null.
func (l *Logger) Append(payload json.RawMessage) (Entry, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := content{
		Seq:       l.seq + 1,
		Timestamp: l.now().UTC(),
		Payload:   payload,
		PrevHash:  l.prevHash,
	}
	e := Entry{
		Seq:       c.Seq,
		Timestamp: c.Timestamp,
		Payload:   c.Payload,
		PrevHash:  c.PrevHash,
		EventHash: hashContent(c),
	}

	line, err := json.Marshal(e)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.seq = e.Seq
	l.prevHash = e.EventHash
	return e, nil
}

// LogWatchChange appends c as the next entry.
func (l *Logger) LogWatchChange(c WatchChange) (Entry, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal watch change: %w", err)
	}
	return l.Append(payload)
}

// Close syncs and closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	return l.file.Close()
}

// Verify reads the log at path and checks the whole chain. It returns the
// entries in order, or the first break found. An empty file is valid.
func Verify(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: verify open %q: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	if _, err := walk(f, func(e Entry) { entries = append(entries, e) }); err != nil {
		return nil, err
	}
	return entries, nil
}

// WatchChanges decodes the watch-change payloads of entries. Entries with
// other payloads are skipped.
func WatchChanges(entries []Entry) []WatchChange {
	var out []WatchChange
	for _, e := range entries {
		var c WatchChange
		if err := json.Unmarshal(e.Payload, &c); err != nil || c.Action == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// walk checks every entry read from r against the chain and passes it to
// visit. It returns the last valid entry, or nil for an empty log.
func walk(r io.Reader, visit func(Entry)) (*Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var last *Entry
	prevHash := GenesisHash
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit: malformed entry after seq %d: %w", seqOf(last), err)
		}
		if e.PrevHash != prevHash {
			return nil, fmt.Errorf("audit: chain break at seq %d: expected prev_hash %q, got %q",
				e.Seq, prevHash, e.PrevHash)
		}
		computed := hashContent(content{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
		if computed != e.EventHash {
			return nil, fmt.Errorf("audit: hash mismatch at seq %d: stored %q, computed %q",
				e.Seq, e.EventHash, computed)
		}
		if visit != nil {
			visit(e)
		}
		prevHash = e.EventHash
		last = &e
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan: %w", err)
	}
	return last, nil
}

func seqOf(e *Entry) int64 {
	if e == nil {
		return 0
	}
	return e.Seq
}

// hashContent returns the hex SHA-256 of the JSON encoding of c.
func hashContent(c content) string {
	raw, err := json.Marshal(c)
	if err != nil {
		// content holds only JSON-serialisable fields.
		panic(fmt.Sprintf("audit: marshal content: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
