package storage

import (
	"testing"
	"time"

	"marketfeed/internal/domain"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func bookRecord(ticker string, bid int64) domain.LogRecord {
	return domain.NewBookRecord(domain.OrderBookTop{
		Ticker:     ticker,
		BestBid:    decimal.NewFromInt(bid),
		BestAsk:    decimal.NewFromInt(bid + 1),
		BidSize:    decimal.NewFromInt(3),
		AskSize:    decimal.NewFromInt(4),
		ObservedAt: t0,
	})
}

func tradeRecord(ticker string, px int64, venueSeq int64) domain.LogRecord {
	return domain.NewTradeRecord(domain.TradeEvent{
		Ticker:        ticker,
		Price:         decimal.NewFromInt(px),
		Size:          decimal.RequireFromString("0.25"),
		Side:          domain.SideBuy,
		VenueSequence: venueSeq,
		ObservedAt:    t0,
	})
}

// stamp assigns the next sequence for rec the way the writer does and applies it.
func stamp(state *domain.FeedState, rec domain.LogRecord) domain.LogRecord {
	rec.Seq = state.NextSeq(rec.Ticker)
	rec.WrittenAt = t0
	state.Apply(rec)
	return rec
}

func assertSameState(t *testing.T, got, want *domain.FeedState) {
	t.Helper()

	if len(got.LastSeq) != len(want.LastSeq) {
		t.Errorf("LastSeq = %v, want %v", got.LastSeq, want.LastSeq)
	}
	for k, v := range want.LastSeq {
		if got.LastSeq[k] != v {
			t.Errorf("LastSeq[%s] = %d, want %d", k, got.LastSeq[k], v)
		}
	}

	if len(got.Books) != len(want.Books) {
		t.Errorf("Books has %d tickers, want %d", len(got.Books), len(want.Books))
	}
	for k, wb := range want.Books {
		gb, ok := got.Books[k]
		if !ok || !gb.SameLevels(wb) {
			t.Errorf("Books[%s] = %+v, want %+v", k, gb, wb)
		}
	}

	if len(got.RecentTrades) != len(want.RecentTrades) {
		t.Fatalf("RecentTrades has %d, want %d", len(got.RecentTrades), len(want.RecentTrades))
	}
	for i := range want.RecentTrades {
		g, w := got.RecentTrades[i], want.RecentTrades[i]
		if g.Ticker != w.Ticker || !g.Price.Equal(w.Price) || g.VenueSequence != w.VenueSequence {
			t.Errorf("RecentTrades[%d] = %+v, want %+v", i, g, w)
		}
	}
}
