package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/dd0wney/lsmkv/internal/codec"
	"github.com/dd0wney/lsmkv/internal/pathutil"
)

// TestLoadCycle is spec property S1: a segment written with this exact
// sequence of put/delete calls and then re-opened and iterated yields
// records identical to, and in the same order as, the calls that
// produced it.
func TestLoadCycle(t *testing.T) {
	dir := t.TempDir()

	w, err := Create(dir, 1, nil)
	if err != nil {
		t.Fatal(err)
	}

	mustPut := func(key, value []byte, ts uint64) {
		if err := w.Put(ts, key, value); err != nil {
			t.Fatal(err)
		}
	}
	mustDelete := func(key []byte, ts uint64) {
		if err := w.Delete(ts, key); err != nil {
			t.Fatal(err)
		}
	}

	mustPut([]byte{0, 0, 1}, []byte{2, 2}, 1)
	mustPut([]byte{0, 1, 0}, []byte{3, 3, 3}, 3)
	mustPut([]byte{0, 1, 1}, []byte{4, 4, 4, 4}, 4)
	mustPut([]byte{1, 0, 0}, []byte{5, 5, 5, 5, 5}, 10)
	mustDelete([]byte{0, 1, 1}, 11)
	mustDelete([]byte{0, 1, 0}, 25)
	mustPut([]byte{0, 1, 1}, []byte{2, 1, 2}, 26)
	mustDelete([]byte{0, 1, 1}, 30)

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := Iter(w.Path())
	if err != nil {
		t.Fatal(err)
	}

	want := []codec.Record{
		{Timestamp: 1, Key: []byte{0, 0, 1}, Value: []byte{2, 2}},
		{Timestamp: 3, Key: []byte{0, 1, 0}, Value: []byte{3, 3, 3}},
		{Timestamp: 4, Key: []byte{0, 1, 1}, Value: []byte{4, 4, 4, 4}},
		{Timestamp: 10, Key: []byte{1, 0, 0}, Value: []byte{5, 5, 5, 5, 5}},
		{Timestamp: 11, Key: []byte{0, 1, 1}, Tombstone: true},
		{Timestamp: 25, Key: []byte{0, 1, 0}, Tombstone: true},
		{Timestamp: 26, Key: []byte{0, 1, 1}, Value: []byte{2, 1, 2}},
		{Timestamp: 30, Key: []byte{0, 1, 1}, Tombstone: true},
	}

	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Timestamp != want[i].Timestamp ||
			!bytes.Equal(got[i].Key, want[i].Key) ||
			got[i].Tombstone != want[i].Tombstone ||
			!bytes.Equal(got[i].Value, want[i].Value) {
			t.Fatalf("record %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestIterCleanEmptyFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := Iter(w.Path())
	if err != nil {
		t.Fatalf("empty segment should iterate cleanly, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}

func TestIterTruncatedTailIsCorruption(t *testing.T) {
	dir := t.TempDir()
	w, err := Create(dir, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Put(1, []byte("key"), []byte("value")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(w.Path())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(w.Path(), info.Size()-1); err != nil {
		t.Fatal(err)
	}

	_, err = Iter(w.Path())
	if err == nil {
		t.Fatal("expected corruption error for truncated tail record")
	}
}

func TestReplayConsolidatesSegmentsAndDeletesOld(t *testing.T) {
	dir := t.TempDir()
	clock := pathutil.NewClock()

	first, err := Create(dir, clock.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	first.Put(1, []byte("a"), []byte("1"))
	first.Put(2, []byte("b"), []byte("2"))
	if err := first.Close(); err != nil {
		t.Fatal(err)
	}
	firstPath := first.Path()

	second, err := Create(dir, clock.Now(), nil)
	if err != nil {
		t.Fatal(err)
	}
	second.Delete(3, []byte("a"))
	second.Put(4, []byte("c"), []byte("3"))
	if err := second.Close(); err != nil {
		t.Fatal(err)
	}
	secondPath := second.Path()

	fresh, table, err := Replay(dir, clock, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()

	if table.Len() != 3 {
		t.Fatalf("got %d live entries, want 3 (a tombstone, b, c)", table.Len())
	}
	if e, ok := table.Get([]byte("a")); !ok || !e.IsTombstone() {
		t.Fatal("expected a to be a tombstone after replay")
	}
	if e, ok := table.Get([]byte("b")); !ok || e.Timestamp != 2 {
		t.Fatalf("expected b unchanged, got %+v ok=%v", e, ok)
	}
	if e, ok := table.Get([]byte("c")); !ok || !bytes.Equal(e.Value, []byte("3")) {
		t.Fatalf("expected c present with value 3, got %+v ok=%v", e, ok)
	}

	if pathutil.FileExists(firstPath) {
		t.Fatal("old segment should have been deleted after replay")
	}
	if pathutil.FileExists(secondPath) {
		t.Fatal("old segment should have been deleted after replay")
	}

	segments, err := pathutil.ListByExt(dir, Ext)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected exactly one consolidated segment, got %d: %v", len(segments), segments)
	}
	if filepath.Base(segments[0]) != filepath.Base(fresh.Path()) {
		t.Fatalf("remaining segment %q is not the fresh one %q", segments[0], fresh.Path())
	}

	recovered, err := Iter(fresh.Path())
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 4 {
		t.Fatalf("fresh segment should contain every replayed record, got %d records", len(recovered))
	}
}

func TestReplayEmptyDirProducesEmptySegment(t *testing.T) {
	dir := t.TempDir()
	clock := pathutil.NewClock()

	fresh, table, err := Replay(dir, clock, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Close()

	if table.Len() != 0 {
		t.Fatalf("expected empty memtable, got %d entries", table.Len())
	}

	segments, err := pathutil.ListByExt(dir, Ext)
	if err != nil {
		t.Fatal(err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected one fresh segment, got %d", len(segments))
	}
}
