package storage

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

func TestWriterDrainsOnClose(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLWriter(dir, "frames", "whistle.test", 16, 1)
	w.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	for i := 0; i < 3; i++ {
		if err := w.Write(map[string]int{"n": i}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	lines := readLines(t, filepath.Join(dir, "2026-03-01", "frames", "whistle.test.jsonl"))
	if len(lines) != 3 || lines[0] != `{"n":0}` || lines[2] != `{"n":2}` {
		t.Fatalf("lines = %v; want three ordered records", lines)
	}
	if err := w.Write("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write() after Close error = %v; want ErrClosed", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}

func TestWriterRotatesByDate(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLWriter(dir, "frames", "p", 1, 1)
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return day }

	// Writing synchronously keeps the clock switch deterministic.
	w.writeRecord("a")
	first := w.Path()
	day = day.Add(2 * time.Minute)
	w.writeRecord("b")
	second := w.Path()
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if first == second {
		t.Fatalf("Path() stayed %s across dates", first)
	}
	if got := readLines(t, filepath.Join(dir, "2026-03-02", "frames", "p.jsonl")); len(got) != 1 || got[0] != `"b"` {
		t.Fatalf("second day lines = %v; want [\"b\"]", got)
	}
}

func TestMarshalFailureSkipped(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLWriter(dir, "frames", "p", 4, 1)
	w.writeRecord(make(chan int))
	if w.Path() != "" {
		t.Fatalf("Path() = %q; want no file for unmarshalable record", w.Path())
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
