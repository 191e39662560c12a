package eventlog

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestAppendAndRead(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()

	s.Append("Desk-1", "log", "ready")
	s.Append("desk-1", "chat", "hello")
	s.Append("desk-2", "chat", "other")

	l := s.Get("DESK-1")
	if l == nil {
		t.Fatal("log not found case-insensitively")
	}
	got := l.Read(time.Time{}, 0)
	if len(got) != 2 {
		t.Fatalf("got %d entries, want 2", len(got))
	}
	if got[0].Kind != "log" || got[1].Text != "hello" {
		t.Errorf("entries = %+v", got)
	}
	if got[0].SessionID != "Desk-1" {
		t.Errorf("session id = %q", got[0].SessionID)
	}

	if tail := l.Read(time.Time{}, 1); len(tail) != 1 || tail[0].Text != "hello" {
		t.Errorf("tail = %+v", tail)
	}
	if since := l.Read(got[0].Time, 0); len(since) > 1 {
		t.Errorf("since returned %d entries", len(since))
	}

	if s.Get("missing") != nil {
		t.Error("Get created a log")
	}
}

func TestPersistsNDJSON(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.Append("desk-1", "chat", "hi")
	s.Close()

	f, err := os.Open(filepath.Join(dir, "desk-1.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		t.Fatal("empty file")
	}
	var e Entry
	if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.Kind != "chat" || e.Text != "hi" {
		t.Errorf("entry = %+v", e)
	}
}

func TestRingBufferEvicts(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()
	l := s.GetOrCreate("desk")
	for i := 0; i < maxEntries+10; i++ {
		l.Append("log", "x")
	}
	if n := len(l.Read(time.Time{}, 0)); n != maxEntries {
		t.Errorf("buffered %d, want %d", n, maxEntries)
	}
}

func TestRotationCompresses(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir)
	s.maxFileBytes = 1024
	defer s.Close()

	l := s.GetOrCreate("desk")
	line := strings.Repeat("a", 100)
	for i := 0; i < 20; i++ {
		l.Append("chat", line)
	}

	if _, err := os.Stat(filepath.Join(dir, "desk.ndjson.1.zst")); err != nil {
		t.Fatalf("no compressed archive: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, "desk.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() > 1024 {
		t.Errorf("live file %d bytes after rotation", info.Size())
	}

	archived, err := l.Archived()
	if err != nil {
		t.Fatalf("Archived: %v", err)
	}
	if len(archived) == 0 || archived[0].Text != line {
		t.Errorf("archive = %d entries", len(archived))
	}
}

func TestSubscribe(t *testing.T) {
	s := NewStore(t.TempDir())
	defer s.Close()
	l := s.GetOrCreate("desk")
	l.Append("log", "before")

	ch, existing, unsub := l.Subscribe()
	if len(existing) != 1 {
		t.Errorf("existing = %d", len(existing))
	}
	l.Append("chat", "after")

	select {
	case e := <-ch:
		if e.Text != "after" {
			t.Errorf("got %q", e.Text)
		}
	case <-time.After(time.Second):
		t.Fatal("no live entry")
	}

	unsub()
	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}
}

func TestFileNameSanitized(t *testing.T) {
	if got := fileName(`..\evil/../id`); strings.ContainsAny(got, `/\`) {
		t.Errorf("unsafe name %q", got)
	}
}

func TestRewrittenIDsKeepSeparateFiles(t *testing.T) {
	if a, b := fileName("a/b"), fileName("a_b"); a == b {
		t.Fatalf("a/b and a_b share %q", a)
	}
	if got := fileName("a_b"); got != "a_b.ndjson" {
		t.Errorf("clean id renamed to %q", got)
	}

	dir := t.TempDir()
	s := NewStore(dir)
	s.Append("a/b", "chat", "slash")
	s.Append("a_b", "chat", "underscore")
	s.Close()

	files, err := filepath.Glob(filepath.Join(dir, "a_b*.ndjson"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %v, want one per id", files)
	}
	for _, name := range files {
		data, err := os.ReadFile(name)
		if err != nil {
			t.Fatal(err)
		}
		if n := strings.Count(string(data), "\n"); n != 1 {
			t.Errorf("%s holds %d entries, want 1", filepath.Base(name), n)
		}
	}
}
