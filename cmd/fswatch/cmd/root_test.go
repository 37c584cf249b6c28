package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/audit"
	"github.com/tripwire/fswatch/internal/daemon"
	"github.com/tripwire/fswatch/internal/journal"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	jr, err := journal.Open(path)
	if err != nil {
		t.Fatalf("journal.Open: %v", err)
	}
	defer jr.Close()

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i, ev := range []inotify.Event{
		{WatchID: 1, Path: "/etc", Name: "passwd", Mask: inotify.Modify},
		{WatchID: 1, Path: "/etc", Name: "shadow", Mask: inotify.ChangeAttributes},
		{WatchID: 2, Path: "/srv", Name: "data", Mask: inotify.CreatedInDir | inotify.IsDirectory, IsDir: true},
	} {
		watch := "etc"
		if ev.WatchID == 2 {
			watch = "srv"
		}
		rec := daemon.NewRecord(watch, ev, at.Add(time.Duration(i)*time.Minute))
		if err := jr.Write(context.Background(), rec); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	return path
}

func seedAudit(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := audit.Open(path)
	if err != nil {
		t.Fatalf("audit.Open: %v", err)
	}
	for _, c := range []audit.WatchChange{
		{Action: audit.ActionAdded, WatchID: 1, Name: "etc", Path: "/etc"},
		{Action: audit.ActionRemoved, WatchID: 1, Name: "etc", Path: "/etc"},
	} {
		if _, err := l.LogWatchChange(c); err != nil {
			t.Fatalf("LogWatchChange: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Root
// ---------------------------------------------------------------------------

func TestRootCmd_Subcommands(t *testing.T) {
	root := NewRootCmd()
	for _, name := range [][]string{{"run"}, {"watch"}, {"events"}, {"audit", "verify"}} {
		c, _, err := root.Find(name)
		if err != nil || c == root {
			t.Errorf("subcommand %v not found", name)
		}
	}
}

func TestWatchCmd_RequiresPath(t *testing.T) {
	if _, err := execute(t, "watch"); err == nil {
		t.Fatal("expected error without PATH")
	}
}

func TestWatchCmd_RejectsUnknownEvent(t *testing.T) {
	_, err := execute(t, "watch", "--events", "explode", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "unknown event kind") {
		t.Fatalf("err = %v, want unknown event kind", err)
	}
}

// ---------------------------------------------------------------------------
// events
// ---------------------------------------------------------------------------

func TestEventsCmd_Table(t *testing.T) {
	out, err := execute(t, "events", "--journal", seedJournal(t), "--path", "/etc")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "/etc/passwd") || !strings.Contains(lines[1], "MODIFY") {
		t.Errorf("first row = %q", lines[1])
	}
	if strings.Contains(out, "/srv") {
		t.Errorf("path filter leaked /srv:\n%s", out)
	}
}

func TestEventsCmd_JSON(t *testing.T) {
	out, err := execute(t, "events", "--journal", seedJournal(t), "--kind", "create", "--json")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var rec daemon.Record
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &rec); err != nil {
		t.Fatalf("output is not one JSON record: %v\n%s", err, out)
	}
	if rec.Watch != "srv" || !rec.IsDir {
		t.Errorf("record = %+v", rec)
	}
}

func TestEventsCmd_LimitAndSince(t *testing.T) {
	path := seedJournal(t)
	out, err := execute(t, "events", "--journal", path, "--since", "2024-05-01T12:01:00Z", "--limit", "1", "--json")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if n := strings.Count(strings.TrimSpace(out), "\n") + 1; n != 1 || !strings.Contains(out, "shadow") {
		t.Errorf("want only the shadow event, got:\n%s", out)
	}

	if _, err := execute(t, "events", "--journal", path, "--since", "yesterday"); err == nil {
		t.Error("expected error for a malformed --since")
	}
}

// ---------------------------------------------------------------------------
// audit verify
// ---------------------------------------------------------------------------

func TestAuditVerify_OK(t *testing.T) {
	out, err := execute(t, "audit", "verify", "--list", seedAudit(t))
	if err != nil {
		t.Fatalf("audit verify: %v", err)
	}
	if !strings.Contains(out, "ok: 2 entries") {
		t.Errorf("output missing summary:\n%s", out)
	}
	if !strings.Contains(out, "added") || !strings.Contains(out, "removed") {
		t.Errorf("--list output missing changes:\n%s", out)
	}
}

func TestAuditVerify_Tampered(t *testing.T) {
	path := seedAudit(t)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data = bytes.Replace(data, []byte(`"/etc"`), []byte(`"/tmp"`), 1)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "audit", "verify", path); err == nil {
		t.Fatal("expected verification failure for a modified log")
	}
}

func TestAuditVerify_Missing(t *testing.T) {
	if _, err := execute(t, "audit", "verify", filepath.Join(t.TempDir(), "nope.log")); err == nil {
		t.Fatal("expected error for a missing log")
	}
}
