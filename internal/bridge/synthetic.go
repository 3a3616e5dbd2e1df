package bridge

import (
	"context"
	"time"

	"marketfeed/internal/domain"

	"github.com/shopspring/decimal"
)

var (
	walkStart  = decimal.NewFromInt(2500)
	walkStep   = decimal.RequireFromString("0.25")
	walkFloor  = decimal.NewFromInt(10)
	halfSpread = decimal.RequireFromString("0.5")
	tradeBase  = decimal.RequireFromString("0.01")
	tradeStep  = decimal.RequireFromString("0.005")
	bidLiqBase = decimal.NewFromInt(120)
	askLiqBase = decimal.NewFromInt(110)
)

// syntheticID stands in for a daemon id in synthetic hydrates.
const syntheticID = "synthetic"

// SyntheticFeed produces a deterministic random walk per ticker. Its records
// have exactly the shape of live ones, so consumers need no special case.
type SyntheticFeed struct {
	tickers   []string
	tick      time.Duration
	maxTrades int
	now       func() time.Time
}

// NewSyntheticFeed creates a synthetic feed for opts.Tickers.
func NewSyntheticFeed(opts Options) *SyntheticFeed {
	opts.defaults()
	return &SyntheticFeed{
		tickers:   append([]string(nil), opts.Tickers...),
		tick:      opts.SyntheticTick,
		maxTrades: opts.MaxRecentTrades,
		now:       opts.Now,
	}
}

// Source implements Feed.
func (f *SyntheticFeed) Source() string { return SourceSynthetic }

// Hydrate returns an empty state; the walk starts on Subscribe.
func (f *SyntheticFeed) Hydrate(ctx context.Context) (InitialState, error) {
	if err := ctx.Err(); err != nil {
		return InitialState{}, err
	}
	return InitialState{
		State:    domain.NewFeedState(f.maxTrades),
		Source:   SourceSynthetic,
		DaemonID: syntheticID,
	}, nil
}

// Subscribe starts a fresh walk. The first tick is emitted immediately.
func (f *SyntheticFeed) Subscribe(ctx context.Context) (<-chan Update, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Update, 64)
	go f.run(ctx, ch)
	return ch, nil
}

func (f *SyntheticFeed) run(ctx context.Context, ch chan<- Update) {
	defer close(ch)

	walks := make([]*walk, len(f.tickers))
	for i, t := range f.tickers {
		walks[i] = newWalk(t)
	}

	ticker := time.NewTicker(f.tick)
	defer ticker.Stop()

	for {
		now := f.now().UTC()
		for _, w := range walks {
			for _, rec := range w.next(now) {
				if !send(ctx, ch, Update{Kind: UpdateRecord, Record: rec}) {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type walk struct {
	ticker string
	px     decimal.Decimal
	step   decimal.Decimal
	n      uint64
	seq    uint64
}

func newWalk(ticker string) *walk {
	return &walk{ticker: ticker, px: walkStart, step: walkStep}
}

// next advances one tick: a book_top every tick and a trade every other one.
func (w *walk) next(now time.Time) []domain.LogRecord {
	w.n++
	n := w.n
	if n%17 == 0 {
		w.step = w.step.Neg()
	}
	w.px = decimal.Max(w.px.Add(w.step), walkFloor)

	top := domain.OrderBookTop{
		Ticker:     w.ticker,
		BestBid:    w.px.Sub(halfSpread),
		BestAsk:    w.px.Add(halfSpread),
		BidSize:    bidLiqBase.Add(decimal.NewFromInt(int64(n % 25))),
		AskSize:    askLiqBase.Add(decimal.NewFromInt(int64((n + 7) % 25))),
		ObservedAt: now,
	}
	out := []domain.LogRecord{w.stamp(domain.NewBookRecord(top), now)}

	if n%2 == 0 {
		side := domain.SideSell
		if n%4 == 0 {
			side = domain.SideBuy
		}
		tr := domain.TradeEvent{
			Ticker:        w.ticker,
			Price:         w.px,
			Size:          tradeBase.Add(tradeStep.Mul(decimal.NewFromInt(int64(n % 9)))),
			Side:          side,
			VenueSequence: int64(n),
			ObservedAt:    now,
		}
		out = append(out, w.stamp(domain.NewTradeRecord(tr), now))
	}
	return out
}

func (w *walk) stamp(rec domain.LogRecord, now time.Time) domain.LogRecord {
	w.seq++
	rec.Seq = w.seq
	rec.WrittenAt = now
	return rec
}
