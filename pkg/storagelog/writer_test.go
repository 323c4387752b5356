package storagelog

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestSegmentNameRoundTrip(t *testing.T) {
	begin := time.Date(2024, 7, 9, 8, 7, 6, 543_000_000, time.UTC)
	name := segmentName(12, begin)

	if !strings.HasPrefix(name, "12_20240709080706543_") {
		t.Errorf("unexpected name %q", name)
	}
	tenant, parsed, ok := parseSegmentName(name)
	if !ok {
		t.Fatalf("parseSegmentName(%q) failed", name)
	}
	if tenant != 12 {
		t.Errorf("tenant = %d, want 12", tenant)
	}
	if !parsed.Equal(begin) {
		t.Errorf("begin = %v, want %v", parsed, begin)
	}
}

func TestSegmentNamesSortChronologically(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var names []string
	for i := 5; i >= 0; i-- {
		names = append(names, segmentName(1, base.Add(time.Duration(i)*1500*time.Millisecond)))
	}
	sort.Strings(names)
	var prev time.Time
	for _, n := range names {
		_, begin, ok := parseSegmentName(n)
		if !ok {
			t.Fatalf("unparseable %q", n)
		}
		if begin.Before(prev) {
			t.Errorf("%q sorts after a later segment", n)
		}
		prev = begin
	}
}

func TestParseSegmentNameRejects(t *testing.T) {
	for _, name := range []string{
		"notes.txt",
		"x_20240101000000000_abc.log",
		"1_2024_abc.log",
		"1_20240101000000000.log",
		".lock",
	} {
		if _, _, ok := parseSegmentName(name); ok {
			t.Errorf("parseSegmentName(%q) should fail", name)
		}
	}
}

func TestSegmentWriterAppendAndClose(t *testing.T) {
	dir := t.TempDir()
	w, err := openSegment(dir, 0, Write, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	e1 := NewLogEntry(Field{"n", 1})
	e2 := NewLogEntry(Field{"n", 2})
	if err := w.Append(e1); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(e2); err != nil {
		t.Fatal(err)
	}
	if err := w.FlushAndClose(); err != nil {
		t.Fatal(err)
	}
	if err := w.FlushAndClose(); err != nil {
		t.Errorf("second FlushAndClose: %v", err)
	}

	data, err := os.ReadFile(w.path)
	if err != nil {
		t.Fatal(err)
	}
	want := e1.String() + "\n" + e2.String() + "\n"
	if string(data) != want {
		t.Errorf("content = %q, want %q", data, want)
	}
	if w.Entries() != 2 {
		t.Errorf("Entries = %d, want 2", w.Entries())
	}
	if w.Size() != int64(len(want)) {
		t.Errorf("Size = %d, want %d", w.Size(), len(want))
	}
	if err := w.Append(e1); !errors.Is(err, ErrClosed) {
		t.Errorf("append after close: %v, want ErrClosed", err)
	}
}

// breakSegment swaps the writer's handle for a read-only one on the same
// file: writes fail while Close still succeeds.
func breakSegment(t *testing.T, w *segmentWriter) {
	t.Helper()
	ro, err := os.Open(w.path)
	if err != nil {
		t.Fatal(err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.file.Close()
	w.file = ro
	w.buf = bufio.NewWriterSize(ro, 64*1024)
}

func TestSegmentWriterFailureMakesWriterUnusable(t *testing.T) {
	w, err := openSegment(t.TempDir(), 0, Access, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	breakSegment(t, w)

	// The small entry is buffered and acknowledged; the large one forces a
	// flush that fails and takes the buffered entry with it.
	if err := w.Append(NewLogEntry(Field{"n", 1})); err != nil {
		t.Fatalf("buffered append: %v", err)
	}
	big := NewLogEntry(Field{"blob", strings.Repeat("x", 128*1024)})
	if err := w.Append(big); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("append on read-only file: %v, want ErrWriteFailed", err)
	}
	if err := w.Append(NewLogEntry(Field{"n", 2})); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("append after failure: %v, want ErrWriteFailed", err)
	}
	if err := w.FlushAndClose(); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("FlushAndClose = %v, want ErrWriteFailed", err)
	}
	if err := w.FlushAndClose(); err != nil {
		t.Errorf("second FlushAndClose = %v, want nil", err)
	}
}

func TestOpenSegmentMissingDir(t *testing.T) {
	_, err := openSegment(filepath.Join(t.TempDir(), "missing"), 0, Write, time.Now())
	if !errors.Is(err, ErrWriteFailed) {
		t.Errorf("openSegment in missing dir: %v, want ErrWriteFailed", err)
	}
}
