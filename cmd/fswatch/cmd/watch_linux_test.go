//go:build linux

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/fswatch/inotify"
	"github.com/tripwire/fswatch/internal/config"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPaths_StopsAfterCount(t *testing.T) {
	dir := t.TempDir()
	out := new(syncBuffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- watchPaths(context.Background(), out, quietLogger(), []string{dir}, inotify.CreatedInDir, 1)
	}()

	// The watch is added asynchronously; keep creating files until one is
	// reported.
	deadline := time.After(3 * time.Second)
	for i := 0; ; i++ {
		select {
		case err := <-errCh:
			if err != nil {
				t.Fatalf("watchPaths: %v", err)
			}
			if !strings.Contains(out.String(), filepath.Join(dir, "f")) || !strings.Contains(out.String(), "CREATE") {
				t.Errorf("output = %q", out.String())
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for watchPaths to return")
		case <-time.After(20 * time.Millisecond):
			if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("f%d", i)), nil, 0o600); err != nil {
				t.Fatal(err)
			}
		}
	}
}

func TestWatchPaths_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- watchPaths(ctx, io.Discard, quietLogger(), []string{t.TempDir()}, inotify.AllEvents, 0)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("watchPaths: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchPaths did not return after cancel")
	}
}

func TestWatchPaths_MissingPath(t *testing.T) {
	err := watchPaths(context.Background(), io.Discard, quietLogger(),
		[]string{filepath.Join(t.TempDir(), "missing")}, inotify.AllEvents, 1)
	if inotify.KindOf(err) != inotify.KindAddWatch {
		t.Fatalf("err = %v, want add-watch error", err)
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

func TestRunDaemon_ServesAndShutsDown(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		LogLevel:    "error",
		APIAddr:     freeAddr(t),
		JournalPath: filepath.Join(dir, "journal.db"),
		AuditPath:   filepath.Join(dir, "audit.log"),
		Watches: []config.WatchConfig{
			{Name: "tmp", Path: dir, Events: config.DefaultEvents},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- runDaemon(ctx, cfg, quietLogger()) }()

	url := "http://" + cfg.APIAddr + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				t.Fatalf("healthz status = %d", resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("daemon never served /healthz: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("runDaemon: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runDaemon did not return after cancel")
	}

	out, err := execute(t, "audit", "verify", cfg.AuditPath)
	if err != nil {
		t.Fatalf("audit log invalid after shutdown: %v", err)
	}
	if !strings.Contains(out, "ok: 1 entries") {
		t.Errorf("audit verify output = %q, want one added entry", out)
	}
}
