package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	logx "chanrelay/pkg/logx"
)

func openDriver(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestDocumentRoundTrip(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openDriver(t, driver)
			ctx := context.Background()

			if _, err := st.GetDocument(ctx, "config"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := st.PutDocument(ctx, "config", []byte(`{"a":1}`)); err != nil {
				t.Fatal(err)
			}
			if err := st.PutDocument(ctx, "config", []byte(`{"a":2}`)); err != nil {
				t.Fatal(err)
			}
			got, err := st.GetDocument(ctx, "config")
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != `{"a":2}` {
				t.Fatalf("got %s", got)
			}
			if err := st.PutDocument(ctx, "../escape", []byte(`{}`)); !errors.Is(err, ErrBadKey) {
				t.Fatalf("expected ErrBadKey, got %v", err)
			}
			if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "addsource", Target: "@x", OK: true}); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := st.PutDocument(ctx, "config@monday", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("leftover temp file %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "config@monday.json")); err != nil {
		t.Fatalf("document file missing: %v", err)
	}
}

func TestFileAuditIsJSONLines(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "stop", OK: true})
	_ = st.AppendAudit(ctx, AuditEntry{ActorID: 2, Action: "addadmin", Target: "3", OK: false, Error: "boom"})
	_ = st.Close()

	f, err := os.Open(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var n int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d: %v", n, err)
		}
		n++
	}
	if n != 2 {
		t.Fatalf("expected 2 lines, got %d", n)
	}
}

func TestFileWatchDocument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	w, ok := st.(DocumentWatcher)
	if !ok {
		t.Fatal("file store should implement DocumentWatcher")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var fired atomic.Int32
	go func() { _ = w.WatchDocument(ctx, "config", func() { fired.Add(1) }) }()

	time.Sleep(150 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(`{}`), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for fired.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if fired.Load() == 0 {
		t.Fatal("watch callback never fired")
	}
}

func TestSQLitePath(t *testing.T) {
	t.Parallel()

	if got := sqlitePath("/data/x.db"); got != "/data/x.db" {
		t.Fatalf("got %s", got)
	}
	dir := t.TempDir()
	if got := sqlitePath(dir); got != filepath.Join(dir, "chanrelay.db") {
		t.Fatalf("got %s", got)
	}
}
