package bridge

import (
	"context"
	"testing"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/storage"

	"github.com/shopspring/decimal"
)

func waitUpdate(t *testing.T, ch <-chan Update, timeout time.Duration) Update {
	t.Helper()
	select {
	case u, ok := <-ch:
		if !ok {
			t.Fatal("update channel closed")
		}
		return u
	case <-time.After(timeout):
		t.Fatalf("no update within %v", timeout)
	}
	return Update{}
}

func TestOpen_EmptyDirFallsBackToSynthetic(t *testing.T) {
	opts := Options{
		DataDir:       t.TempDir(),
		Tickers:       []string{"ETH-USD"},
		SyntheticTick: time.Hour, // only the immediate first tick can arrive
	}

	start := time.Now()
	feed := Open(context.Background(), opts, nil)
	if feed.Source() != SourceSynthetic {
		t.Fatalf("Source = %q, want %q", feed.Source(), SourceSynthetic)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	initial, err := feed.Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if len(initial.State.Books) != 0 {
		t.Errorf("synthetic hydrate should be empty, got %d books", len(initial.State.Books))
	}

	ch, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	u := waitUpdate(t, ch, 2*time.Second)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("first synthetic record took %v", elapsed)
	}
	if err := u.Record.Validate(); err != nil {
		t.Errorf("synthetic record invalid: %v", err)
	}
	if u.Record.Kind != domain.KindBookTop || u.Record.Seq != 1 || u.Record.WrittenAt.IsZero() {
		t.Errorf("unexpected first record: %+v", u.Record)
	}
}

func TestOpen_Liveness(t *testing.T) {
	dir := t.TempDir()
	snaps, err := storage.OpenSnapshotStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenSnapshotStore failed: %v", err)
	}
	if _, err := snaps.Write(domain.NewSnapshot("d1", domain.NewFeedState(0), 0, time.Now())); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	tests := []struct {
		name string
		now  func() time.Time
		want string
	}{
		{"fresh snapshot", time.Now, SourceLive},
		{"stale snapshot", func() time.Time { return time.Now().Add(time.Hour) }, SourceSynthetic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feed := Open(context.Background(), Options{DataDir: dir, Now: tt.now}, nil)
			if feed.Source() != tt.want {
				t.Errorf("Source = %q, want %q", feed.Source(), tt.want)
			}
		})
	}
}

func TestWalk_Deterministic(t *testing.T) {
	w := newWalk("ETH-USD")
	now := time.Unix(1700000000, 0).UTC()

	var ticks [][]domain.LogRecord
	for i := 0; i < 17; i++ {
		ticks = append(ticks, w.next(now))
	}

	tests := []struct {
		tick      int // 1-based
		bid, ask  string
		bidSize   string
		askSize   string
		tradeSize string // empty means no trade
		side      domain.Side
	}{
		{tick: 1, bid: "2499.75", ask: "2500.75", bidSize: "121", askSize: "118"},
		{tick: 2, bid: "2500", ask: "2501", bidSize: "122", askSize: "119", tradeSize: "0.02", side: domain.SideSell},
		{tick: 4, bid: "2500.5", ask: "2501.5", bidSize: "124", askSize: "121", tradeSize: "0.03", side: domain.SideBuy},
		{tick: 16, bid: "2503.5", ask: "2504.5", bidSize: "136", askSize: "133", tradeSize: "0.045", side: domain.SideBuy},
		{tick: 17, bid: "2503.25", ask: "2504.25", bidSize: "137", askSize: "134"},
	}

	for _, tt := range tests {
		recs := ticks[tt.tick-1]
		top := recs[0].Book
		if top == nil {
			t.Fatalf("tick %d: first record is not a book_top", tt.tick)
		}
		check := func(field string, got decimal.Decimal, want string) {
			if !got.Equal(decimal.RequireFromString(want)) {
				t.Errorf("tick %d %s = %s, want %s", tt.tick, field, got, want)
			}
		}
		check("bid", top.BestBid, tt.bid)
		check("ask", top.BestAsk, tt.ask)
		check("bid size", top.BidSize, tt.bidSize)
		check("ask size", top.AskSize, tt.askSize)

		if tt.tradeSize == "" {
			if len(recs) != 1 {
				t.Errorf("tick %d: expected no trade, got %d records", tt.tick, len(recs))
			}
			continue
		}
		if len(recs) != 2 || recs[1].Trade == nil {
			t.Fatalf("tick %d: expected a trade", tt.tick)
		}
		check("trade size", recs[1].Trade.Size, tt.tradeSize)
		if recs[1].Trade.Side != tt.side {
			t.Errorf("tick %d side = %s, want %s", tt.tick, recs[1].Trade.Side, tt.side)
		}
		if !recs[1].Trade.Price.Equal(top.Mid()) {
			t.Errorf("tick %d: trade price %s not at mid %s", tt.tick, recs[1].Trade.Price, top.Mid())
		}
	}

	// Sequence numbers run per ticker across both kinds.
	var seq uint64
	for _, recs := range ticks {
		for _, r := range recs {
			seq++
			if r.Seq != seq {
				t.Fatalf("record has seq %d, want %d", r.Seq, seq)
			}
		}
	}
}

type liveDir struct {
	t     *testing.T
	dir   string
	log   *storage.EventLog
	snaps *storage.SnapshotStore
	state *domain.FeedState
}

func newLiveDir(t *testing.T) *liveDir {
	t.Helper()
	dir := t.TempDir()
	log, err := storage.OpenEventLog(dir, storage.LogOptions{}, nil)
	if err != nil {
		t.Fatalf("OpenEventLog failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	snaps, err := storage.OpenSnapshotStore(dir, nil)
	if err != nil {
		t.Fatalf("OpenSnapshotStore failed: %v", err)
	}
	return &liveDir{t: t, dir: dir, log: log, snaps: snaps, state: domain.NewFeedState(0)}
}

func (d *liveDir) append(ticker string, bid int64) domain.LogRecord {
	d.t.Helper()
	rec := domain.NewBookRecord(domain.OrderBookTop{
		Ticker:  ticker,
		BestBid: decimal.NewFromInt(bid),
		BestAsk: decimal.NewFromInt(bid + 1),
		BidSize: decimal.NewFromInt(3),
		AskSize: decimal.NewFromInt(4),
	})
	rec.Seq = d.state.NextSeq(ticker)
	rec.WrittenAt = time.Now().UTC()
	if err := d.log.Append(rec); err != nil {
		d.t.Fatalf("Append failed: %v", err)
	}
	if err := d.log.Sync(); err != nil {
		d.t.Fatalf("Sync failed: %v", err)
	}
	d.state.Apply(rec)
	return rec
}

func (d *liveDir) snapshot(daemonID string) {
	d.t.Helper()
	snap := domain.NewSnapshot(daemonID, d.state, d.log.Offset(), time.Now().UTC())
	if _, err := d.snaps.Write(snap); err != nil {
		d.t.Fatalf("snapshot Write failed: %v", err)
	}
}

func TestLiveFeed_HydrateFollowAndReset(t *testing.T) {
	d := newLiveDir(t)
	d.append("ETH-USD", 2500)
	d.append("ETH-USD", 2501)
	d.snapshot("daemon-1")
	d.append("ETH-USD", 2502)

	feed := NewLiveFeed(Options{DataDir: d.dir, PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial, err := feed.Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if initial.DaemonID != "daemon-1" || initial.Replayed != 1 {
		t.Errorf("hydrate = daemon %q replayed %d, want daemon-1 and 1", initial.DaemonID, initial.Replayed)
	}
	if got := initial.State.Books["ETH-USD"].BestBid; !got.Equal(decimal.NewFromInt(2502)) {
		t.Errorf("hydrated bid = %s, want 2502", got)
	}

	ch, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	want := d.append("ETH-USD", 2503)
	u := waitUpdate(t, ch, 2*time.Second)
	if u.Kind != UpdateRecord || u.Record.Seq != want.Seq {
		t.Fatalf("got %s update seq %d, want record seq %d", u.Kind, u.Record.Seq, want.Seq)
	}
	state := Apply(initial.State, u)
	if state.LastSeq["ETH-USD"] != 4 {
		t.Errorf("consumer seq = %d, want 4", state.LastSeq["ETH-USD"])
	}

	// A new daemon run takes over the directory.
	d.snapshot("daemon-2")
	u = waitUpdate(t, ch, 2*time.Second)
	if u.Kind != UpdateReset {
		t.Fatalf("expected a reset, got %s", u.Kind)
	}
	state = Apply(state, u)
	if state.LastSeq["ETH-USD"] != 4 {
		t.Errorf("state after reset has seq %d, want 4", state.LastSeq["ETH-USD"])
	}

	cancel()
	for range ch {
	}
}

func TestLiveFeed_SubscribeHydratesFirst(t *testing.T) {
	d := newLiveDir(t)
	d.append("BTC-USD", 60000)
	d.snapshot("daemon-1")

	feed := NewLiveFeed(Options{DataDir: d.dir, PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if feed.CurrentGeneration() != 1 {
		t.Errorf("generation = %d, want 1", feed.CurrentGeneration())
	}

	d.append("BTC-USD", 60001)
	u := waitUpdate(t, ch, 2*time.Second)
	if u.Record.Seq != 2 {
		t.Errorf("first tailed record has seq %d, want 2", u.Record.Seq)
	}
}

func TestLiveFeed_RotationBetweenHydrateAndSubscribe(t *testing.T) {
	d := newLiveDir(t)
	d.append("ETH-USD", 2500)
	d.append("ETH-USD", 2501)
	d.snapshot("daemon-1")

	feed := NewLiveFeed(Options{DataDir: d.dir, PollInterval: 10 * time.Millisecond}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initial, err := feed.Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate failed: %v", err)
	}
	if initial.State.LastSeq["ETH-USD"] != 2 {
		t.Fatalf("hydrated seq = %d, want 2", initial.State.LastSeq["ETH-USD"])
	}

	d.append("ETH-USD", 2502)
	d.append("ETH-USD", 2503)
	d.append("ETH-USD", 2504)
	if _, err := d.log.Rotate(); err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	d.append("ETH-USD", 2505)

	ch, err := feed.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	state := initial.State
	for want := uint64(3); want <= 6; want++ {
		u := waitUpdate(t, ch, 2*time.Second)
		if u.Kind != UpdateRecord || u.Record.Seq != want {
			t.Fatalf("got %s update seq %d, want record seq %d", u.Kind, u.Record.Seq, want)
		}
		state = Apply(state, u)
	}
	if got := state.Books["ETH-USD"].BestBid; !got.Equal(decimal.NewFromInt(2505)) {
		t.Errorf("consumer bid = %s, want 2505", got)
	}

	cancel()
	for range ch {
	}
}
