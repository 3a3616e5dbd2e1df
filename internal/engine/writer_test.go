package engine

import (
	"path/filepath"
	"testing"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
	"marketfeed/internal/storage"
)

type writerFixture struct {
	dir   string
	queue *Queue
	log   *storage.EventLog
	snaps *storage.SnapshotStore
	state *domain.FeedState
}

func newWriterFixture(t *testing.T, dir string, opts storage.LogOptions) *writerFixture {
	t.Helper()
	log, err := storage.OpenEventLog(dir, opts, nil)
	if err != nil {
		t.Fatalf("OpenEventLog failed: %v", err)
	}
	snaps, err := storage.OpenSnapshotStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenSnapshotStore failed: %v", err)
	}
	rec, err := storage.Recover(dir, 0)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	return &writerFixture{
		dir:   dir,
		queue: NewQueue(64, nil, &infra.Metrics{}),
		log:   log,
		snaps: snaps,
		state: rec.State,
	}
}

func (f *writerFixture) writer(cfg WriterConfig, catalog *storage.Catalog) *Writer {
	cfg.DataDir = f.dir
	return NewWriter(cfg, f.queue, f.state, f.log, f.snaps, catalog, nil, &infra.Metrics{})
}

func TestWriter_SequencesAndSnapshots(t *testing.T) {
	dir := t.TempDir()
	f := newWriterFixture(t, dir, storage.LogOptions{})

	pushAll(t, f.queue,
		book("ETH-USD", 100), trade("ETH-USD", 101), book("BTC-USD", 50000),
		trade("ETH-USD", 102), book("ETH-USD", 103),
	)
	f.queue.Close()

	w := f.writer(WriterConfig{FlushRecords: 2}, nil)
	if err := w.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if w.Written() != 5 {
		t.Errorf("Written = %d, want 5", w.Written())
	}

	records, _, err := storage.ReadSegment(filepath.Join(dir, storage.ActiveLogFile), 0)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	next := map[string]uint64{}
	for _, r := range records {
		next[r.Ticker]++
		if r.Seq != next[r.Ticker] {
			t.Errorf("%s record has seq %d, want %d", r.Ticker, r.Seq, next[r.Ticker])
		}
		if r.WrittenAt.IsZero() {
			t.Errorf("%s/%d has no written_at", r.Ticker, r.Seq)
		}
	}
	if next["ETH-USD"] != 4 || next["BTC-USD"] != 1 {
		t.Errorf("unexpected per ticker counts: %v", next)
	}

	snap, err := storage.ReadSnapshot(dir)
	if err != nil || snap == nil {
		t.Fatalf("ReadSnapshot = %v, %v", snap, err)
	}
	if snap.DaemonID != w.DaemonID() {
		t.Errorf("snapshot daemon id = %q, want %q", snap.DaemonID, w.DaemonID())
	}
	if snap.LastSeq["ETH-USD"] != 4 {
		t.Errorf("snapshot ETH-USD seq = %d, want 4", snap.LastSeq["ETH-USD"])
	}
	if !snap.Books["ETH-USD"].BestBid.Equal(f.state.Books["ETH-USD"].BestBid) {
		t.Errorf("snapshot book %s differs from state", snap.Books["ETH-USD"].BestBid)
	}

	rec, err := storage.Recover(dir, 0)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if rec.Replayed != 0 {
		t.Errorf("final snapshot should cover the whole log, replayed %d", rec.Replayed)
	}
}

func TestWriter_ContinuesSequenceAfterRestart(t *testing.T) {
	dir := t.TempDir()

	first := newWriterFixture(t, dir, storage.LogOptions{})
	pushAll(t, first.queue, trade("ETH-USD", 1), trade("ETH-USD", 2), trade("ETH-USD", 3))
	first.queue.Close()
	w1 := first.writer(WriterConfig{}, nil)
	if err := w1.Run(); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	gen1 := first.snaps.Generation()

	second := newWriterFixture(t, dir, storage.LogOptions{})
	pushAll(t, second.queue, trade("ETH-USD", 4), trade("ETH-USD", 5))
	second.queue.Close()
	w2 := second.writer(WriterConfig{}, nil)
	if err := w2.Run(); err != nil {
		t.Fatalf("second Run failed: %v", err)
	}

	if w1.DaemonID() == w2.DaemonID() {
		t.Error("each run should carry its own daemon id")
	}
	if second.snaps.Generation() <= gen1 {
		t.Errorf("generation went from %d to %d", gen1, second.snaps.Generation())
	}

	records, _, err := storage.ReadSegment(filepath.Join(dir, storage.ActiveLogFile), 0)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for i, r := range records {
		if r.Seq != uint64(i+1) {
			t.Errorf("record %d has seq %d", i, r.Seq)
		}
	}
}

func TestWriter_RotationSnapshotsAndPrunes(t *testing.T) {
	dir := t.TempDir()
	catalog, err := storage.OpenCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	defer catalog.Close()

	f := newWriterFixture(t, dir, storage.LogOptions{RotateBytes: 1})
	for i := int64(0); i < 6; i++ {
		pushAll(t, f.queue, trade("ETH-USD", 100+i))
	}
	f.queue.Close()

	w := f.writer(WriterConfig{FlushRecords: 1, MaxArchives: 2}, catalog)
	if err := w.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	onDisk, err := storage.Archives(dir)
	if err != nil {
		t.Fatalf("Archives failed: %v", err)
	}
	if len(onDisk) != 2 {
		t.Errorf("expected 2 retained archives, got %d", len(onDisk))
	}

	indexed, err := catalog.Archives()
	if err != nil {
		t.Fatalf("catalog.Archives failed: %v", err)
	}
	if len(indexed) != len(onDisk) {
		t.Errorf("catalog lists %d archives, disk has %d", len(indexed), len(onDisk))
	}

	// The snapshot after the last rotation covers everything pruned.
	rec, err := storage.Recover(dir, 0)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if rec.State.LastSeq["ETH-USD"] != 6 {
		t.Errorf("recovered seq = %d, want 6", rec.State.LastSeq["ETH-USD"])
	}
}

func TestWriter_DurabilityFailure(t *testing.T) {
	dir := t.TempDir()
	f := newWriterFixture(t, dir, storage.LogOptions{})
	if err := f.log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	pushAll(t, f.queue, trade("ETH-USD", 1))
	w := f.writer(WriterConfig{}, nil)

	err := w.Run()
	if err == nil {
		t.Fatal("expected an error from a closed log")
	}
	if !domain.IsDurability(err) {
		t.Errorf("expected a DurabilityError, got %v", err)
	}
}

func BenchmarkWriter_WriteBatch(b *testing.B) {
	dir := b.TempDir()
	log, err := storage.OpenEventLog(dir, storage.LogOptions{}, nil)
	if err != nil {
		b.Fatal(err)
	}
	defer log.Close()
	snaps, err := storage.OpenSnapshotStore(dir, nil)
	if err != nil {
		b.Fatal(err)
	}

	w := NewWriter(WriterConfig{DataDir: dir}, NewQueue(1, nil, &infra.Metrics{}), nil, log, snaps, nil, nil, &infra.Metrics{})
	batch := make([]domain.LogRecord, 256)
	for i := range batch {
		batch[i] = book("ETH-USD", int64(2500+i))
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := w.writeBatch(batch); err != nil {
			b.Fatal(err)
		}
	}
}
