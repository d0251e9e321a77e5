package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"portalskies.ai/internal/protocol"
)

func readLines(t *testing.T, path string) []protocol.TransitEvent {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer dec.Close()

	var out []protocol.TransitEvent
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var ev protocol.TransitEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("line: %v", err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return out
}

func TestTransitLogger_WritesCompressedJSONL(t *testing.T) {
	dir := t.TempDir()
	l := NewTransitLogger(dir)
	for i := int64(1); i <= 3; i++ {
		if err := l.WriteTransit(protocol.TransitEvent{Type: protocol.TypeTransit, Body: i, From: "overworld", Code: protocol.CodeOK}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	files, err := l.Files()
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	if filepath.Dir(files[0]) != filepath.Join(dir, "transits") {
		t.Fatalf("unexpected dir: %s", files[0])
	}
	evs := readLines(t, files[0])
	if len(evs) != 3 || evs[2].Body != 3 {
		t.Fatalf("events: %+v", evs)
	}
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "transits")
	at := time.Date(2026, 10, 19, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return at }

	if err := w.Write(protocol.TransitEvent{Body: 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	at = at.Add(2 * time.Minute)
	if err := w.Write(protocol.TransitEvent{Body: 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, _ := w.Files()
	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %v", files)
	}
	if got := filepath.Base(files[0]); got != "transits-2026-10-19-10.jsonl.zst" {
		t.Fatalf("first file %s", got)
	}
	if evs := readLines(t, files[1]); len(evs) != 1 || evs[0].Body != 2 {
		t.Fatalf("second file events: %+v", evs)
	}
}

func TestJSONLZstdWriter_AppendsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 2; i++ {
		w := NewJSONLZstdWriter(dir, "transits")
		w.now = func() time.Time { return at }
		if err := w.Write(protocol.TransitEvent{Body: i}); err != nil {
			t.Fatalf("write: %v", err)
		}
		if err := w.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	files, _ := filepath.Glob(filepath.Join(dir, "*.zst"))
	if len(files) != 1 {
		t.Fatalf("files: %v", files)
	}
	if evs := readLines(t, files[0]); len(evs) != 2 {
		t.Fatalf("expected concatenated frames to decode, got %+v", evs)
	}
}
