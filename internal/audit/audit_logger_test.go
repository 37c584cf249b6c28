package audit_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/tripwire/fswatch/internal/audit"
)

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

func tmpLog(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "audit.log")
}

// openLogger opens the audit log and registers a cleanup to close it.
func openLogger(t *testing.T, path string) *audit.Logger {
	t.Helper()
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open(%q): %v", path, err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func mustLog(t *testing.T, l *audit.Logger, c audit.WatchChange) audit.Entry {
	t.Helper()
	e, err := l.LogWatchChange(c)
	if err != nil {
		t.Fatalf("LogWatchChange: %v", err)
	}
	return e
}

func added(wd int32, name, path string) audit.WatchChange {
	return audit.WatchChange{Action: audit.ActionAdded, WatchID: wd, Name: name, Path: path, Events: []string{"modify"}}
}

// --------------------------------------------------------------------------
// Append
// --------------------------------------------------------------------------

func TestAppend_FirstEntryLinksToGenesis(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustLog(t, l, added(1, "etc", "/etc"))

	if e.Seq != 1 {
		t.Errorf("seq = %d, want 1", e.Seq)
	}
	if e.PrevHash != audit.GenesisHash {
		t.Errorf("prev_hash = %q, want genesis hash", e.PrevHash)
	}
	if len(e.EventHash) != 64 {
		t.Errorf("event_hash length = %d, want 64", len(e.EventHash))
	}
	if e.Timestamp.IsZero() {
		t.Error("timestamp must not be zero")
	}
}

func TestAppend_Chain(t *testing.T) {
	l := openLogger(t, tmpLog(t))

	changes := []audit.WatchChange{
		added(1, "etc", "/etc"),
		added(2, "srv", "/srv"),
		{Action: audit.ActionRemoved, WatchID: 1, Name: "etc", Path: "/etc"},
	}
	var entries []audit.Entry
	for _, c := range changes {
		entries = append(entries, mustLog(t, l, c))
	}

	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EventHash {
			t.Errorf("entry[%d].prev_hash does not link to entry[%d]", i, i-1)
		}
		if entries[i].Seq != int64(i+1) {
			t.Errorf("entry[%d].seq = %d, want %d", i, entries[i].Seq, i+1)
		}
	}
}

func TestAppend_HashMatchesManualComputation(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e := mustLog(t, l, added(3, "x", "/x"))

	type content struct {
		Seq       int64           `json:"seq"`
		Timestamp time.Time       `json:"ts"`
		Payload   json.RawMessage `json:"payload"`
		PrevHash  string          `json:"prev_hash"`
	}
	raw, err := json.Marshal(content{Seq: e.Seq, Timestamp: e.Timestamp, Payload: e.Payload, PrevHash: e.PrevHash})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	sum := sha256.Sum256(raw)
	if want := hex.EncodeToString(sum[:]); e.EventHash != want {
		t.Errorf("event_hash = %q, want %q", e.EventHash, want)
	}
}

func TestAppend_NilPayload(t *testing.T) {
	l := openLogger(t, tmpLog(t))
	e, err := l.Append(nil)
	if err != nil {
		t.Fatalf("Append(nil): %v", err)
	}
	if string(e.Payload) != "null" {
		t.Errorf("payload = %q, want null", string(e.Payload))
	}
}

func TestAppend_ConcurrentSafe(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)

	const goroutines, perGoroutine = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				if _, err := l.LogWatchChange(added(int32(id), "w", "/w")); err != nil {
					t.Errorf("goroutine %d: %v", id, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify after concurrent appends: %v", err)
	}
	if len(entries) != goroutines*perGoroutine {
		t.Errorf("entries = %d, want %d", len(entries), goroutines*perGoroutine)
	}
}

// --------------------------------------------------------------------------
// Open and Verify
// --------------------------------------------------------------------------

func TestOpen_ResumesExistingChain(t *testing.T) {
	path := tmpLog(t)

	l1 := openLogger(t, path)
	mustLog(t, l1, added(1, "a", "/a"))
	e2 := mustLog(t, l1, added(2, "b", "/b"))
	if err := l1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	l2 := openLogger(t, path)
	e3 := mustLog(t, l2, audit.WatchChange{Action: audit.ActionKernelRemoved, WatchID: 2, Name: "b", Path: "/b"})
	if e3.PrevHash != e2.EventHash || e3.Seq != 3 {
		t.Errorf("resumed entry = seq %d prev %q, want seq 3 prev %q", e3.Seq, e3.PrevHash, e2.EventHash)
	}
}

func TestVerify_EmptyFile(t *testing.T) {
	path := tmpLog(t)
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify(empty): %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("entries = %d, want 0", len(entries))
	}
}

func TestVerify_ReturnsWatchChanges(t *testing.T) {
	path := tmpLog(t)
	l := openLogger(t, path)
	want := []audit.WatchChange{
		added(1, "etc", "/etc"),
		{Action: audit.ActionRemoved, WatchID: 1, Name: "etc", Path: "/etc"},
	}
	for _, c := range want {
		mustLog(t, l, c)
	}
	if _, err := l.Append(json.RawMessage(`{"note":"not a change"}`)); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	entries, err := audit.Verify(path)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if diff := cmp.Diff(want, audit.WatchChanges(entries)); diff != "" {
		t.Errorf("WatchChanges mismatch (-want +got):\n%s", diff)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(string) string
	}{
		{
			name: "modified payload",
			mutate: func(s string) string {
				return strings.Replace(s, `"path":"/a"`, `"path":"/z"`, 1)
			},
		},
		{
			name: "deleted first entry",
			mutate: func(s string) string {
				return s[strings.Index(s, "\n")+1:]
			},
		},
		{
			name: "malformed line",
			mutate: func(s string) string {
				return s + "{not json\n"
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := tmpLog(t)
			l := openLogger(t, path)
			mustLog(t, l, added(1, "a", "/a"))
			mustLog(t, l, added(2, "b", "/b"))
			if err := l.Close(); err != nil {
				t.Fatal(err)
			}

			data, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(path, []byte(tc.mutate(string(data))), 0o600); err != nil {
				t.Fatal(err)
			}

			if _, err := audit.Verify(path); err == nil {
				t.Error("Verify accepted a tampered log")
			}
			if _, err := audit.Open(path); err == nil {
				t.Error("Open accepted a tampered log")
			}
		})
	}
}

func TestVerify_MissingFile(t *testing.T) {
	if _, err := audit.Verify(filepath.Join(t.TempDir(), "missing.log")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
