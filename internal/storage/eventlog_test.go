package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"marketfeed/internal/domain"
)

func openTestLog(t *testing.T, dir string, opts LogOptions) *EventLog {
	t.Helper()
	l, err := OpenEventLog(dir, opts, nil)
	if err != nil {
		t.Fatalf("OpenEventLog failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEventLog_AppendSyncTail(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, LogOptions{})
	state := domain.NewFeedState(10)

	for i := 0; i < 3; i++ {
		if err := l.Append(stamp(state, bookRecord("ETH-USD", int64(100+i)))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// nothing is visible before Sync
	if recs, _, _ := l.TailFrom(0); len(recs) != 0 {
		t.Errorf("Expected buffered records to be invisible, got %d", len(recs))
	}

	if err := l.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	recs, off, err := l.TailFrom(0)
	if err != nil {
		t.Fatalf("TailFrom failed: %v", err)
	}
	if len(recs) != 3 || off != l.Offset() {
		t.Fatalf("TailFrom(0) = %d records, offset %d (log offset %d)", len(recs), off, l.Offset())
	}
	for i, r := range recs {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d seq = %d", i, r.Seq)
		}
	}

	// resume from the returned offset
	l.Append(stamp(state, tradeRecord("ETH-USD", 101, 9)))
	l.Sync()
	recs, off2, err := l.TailFrom(off)
	if err != nil {
		t.Fatalf("TailFrom failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Kind != domain.KindTrade || off2 <= off {
		t.Errorf("TailFrom(%d) = %+v, %d", off, recs, off2)
	}
	if l.Records() != 4 {
		t.Errorf("Records() = %d, want 4", l.Records())
	}
}

func TestEventLog_TornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := OpenEventLog(dir, LogOptions{}, nil)
	if err != nil {
		t.Fatalf("OpenEventLog failed: %v", err)
	}
	state := domain.NewFeedState(10)
	l.Append(stamp(state, bookRecord("BTC-USD", 1)))
	l.Append(stamp(state, bookRecord("BTC-USD", 2)))
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	path := filepath.Join(dir, ActiveLogFile)
	complete, _ := os.Stat(path)

	// simulate a crash mid-write
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	f.WriteString(`{"seq":3,"kind":"book_top","ticker":"BTC`)
	f.Close()

	recs, off, err := ReadSegment(path, 0)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if len(recs) != 2 || off != complete.Size() {
		t.Errorf("ReadSegment = %d records at %d, want 2 at %d", len(recs), off, complete.Size())
	}

	reopened := openTestLog(t, dir, LogOptions{})
	if reopened.Offset() != complete.Size() {
		t.Errorf("reopened offset = %d, want %d", reopened.Offset(), complete.Size())
	}
	if reopened.Records() != 2 {
		t.Errorf("reopened records = %d, want 2", reopened.Records())
	}

	reopened.Append(stamp(state, bookRecord("BTC-USD", 3)))
	reopened.Sync()
	recs, _, _ = reopened.TailFrom(0)
	if len(recs) != 3 {
		t.Errorf("Expected 3 readable records after repair, got %d", len(recs))
	}
}

func TestEventLog_RotateBySize(t *testing.T) {
	dir := t.TempDir()
	l := openTestLog(t, dir, LogOptions{RotateBytes: 512})
	state := domain.NewFeedState(10)

	var before []domain.LogRecord
	var archive ArchiveInfo
	for i := 0; i < 100; i++ {
		rec := stamp(state, bookRecord("ETH-USD", int64(i)))
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		before = append(before, rec)
		info, rotated, err := l.RotateIfNeeded()
		if err != nil {
			t.Fatalf("RotateIfNeeded failed: %v", err)
		}
		if rotated {
			archive = info
			break
		}
	}
	if archive.Name == "" {
		t.Fatal("log never rotated")
	}

	// next append lands in a fresh active segment
	next := stamp(state, bookRecord("ETH-USD", 999))
	l.Append(next)
	l.Sync()

	active, _, err := ReadSegment(filepath.Join(dir, ActiveLogFile), 0)
	if err != nil {
		t.Fatalf("ReadSegment(active) failed: %v", err)
	}
	if len(active) != 1 || active[0].Seq != next.Seq {
		t.Errorf("active segment = %+v, want only seq %d", active, next.Seq)
	}

	// the archive is closed, complete and readable
	archived, _, err := ReadSegment(archive.Path, 0)
	if err != nil {
		t.Fatalf("ReadSegment(archive) failed: %v", err)
	}
	if len(archived) != len(before) || int64(len(before)) != archive.Records {
		t.Errorf("archive has %d records (info %d), want %d", len(archived), archive.Records, len(before))
	}
	fi, _ := os.Stat(archive.Path)
	if fi.Size() != archive.Bytes || archive.Bytes < 512 {
		t.Errorf("archive size %d, info %d", fi.Size(), archive.Bytes)
	}

	list, err := Archives(dir)
	if err != nil || len(list) != 1 || list[0].Name != archive.Name {
		t.Errorf("Archives() = %v, %v", list, err)
	}
}

func TestEventLog_RotateByAge(t *testing.T) {
	dir := t.TempDir()
	clock := t0
	l := openTestLog(t, dir, LogOptions{RotateAge: time.Hour, Now: func() time.Time { return clock }})
	state := domain.NewFeedState(10)

	// an empty segment never rotates
	clock = clock.Add(2 * time.Hour)
	if _, rotated, _ := l.RotateIfNeeded(); rotated {
		t.Error("empty segment should not rotate")
	}

	l.Append(stamp(state, tradeRecord("SOL-USD", 150, 1)))
	if _, rotated, _ := l.RotateIfNeeded(); !rotated {
		t.Fatal("segment older than RotateAge should rotate")
	}

	l.Append(stamp(state, tradeRecord("SOL-USD", 151, 2)))
	clock = clock.Add(30 * time.Minute)
	if _, rotated, _ := l.RotateIfNeeded(); rotated {
		t.Error("fresh segment should not rotate")
	}
}

func TestArchiveName_RoundTrip(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 6007, time.UTC)
	name := ArchiveName(at)
	if name != "events-20240102T030405.000006007Z.jsonl" {
		t.Errorf("ArchiveName = %q", name)
	}
	got, ok := ParseArchiveName(name)
	if !ok || !got.Equal(at) {
		t.Errorf("ParseArchiveName = %v, %v", got, ok)
	}
	for _, bad := range []string{ActiveLogFile, "snapshot.json", "events-garbage.jsonl"} {
		if _, ok := ParseArchiveName(bad); ok {
			t.Errorf("%q should not parse as an archive", bad)
		}
	}
}

func TestPruneArchives(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		name := ArchiveName(t0.Add(time.Duration(i) * time.Minute))
		os.WriteFile(filepath.Join(dir, name), []byte("\n"), 0644)
	}

	removed, err := PruneArchives(dir, 2)
	if err != nil {
		t.Fatalf("PruneArchives failed: %v", err)
	}
	if len(removed) != 3 {
		t.Errorf("removed %d archives, want 3", len(removed))
	}
	left, _ := Archives(dir)
	if len(left) != 2 || !strings.Contains(left[0].Name, "T120300") {
		t.Errorf("remaining archives = %v", left)
	}

	if removed, _ := PruneArchives(dir, 0); len(removed) != 0 {
		t.Error("keep=0 must not delete anything")
	}
}

func TestReadSegment_OffsetPastEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ActiveLogFile)
	os.WriteFile(path, []byte("\n"), 0644)

	if _, _, err := ReadSegment(path, 100); !errors.Is(err, ErrOffsetPastEnd) {
		t.Errorf("Expected ErrOffsetPastEnd, got %v", err)
	}
}
