package service

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"marketfeed/internal/bridge"
	"marketfeed/internal/domain"
	"marketfeed/internal/infra"

	"github.com/shopspring/decimal"
)

// MarketRow is one ticker as a consumer displays it.
type MarketRow struct {
	Ticker    string
	Top       domain.OrderBookTop
	Spread    decimal.Decimal
	Mid       decimal.Decimal
	LastTrade *domain.TradeEvent
	Seq       uint64
	Favorite  bool
}

// MarketView keeps the consumer-side state built from a bridge.Feed.
// Reads are safe from any goroutine.
type MarketView struct {
	mu        sync.RWMutex
	state     *domain.FeedState
	source    string
	favorites map[string]bool
	updates   int64
	resets    int64

	changes chan string
	logger  *slog.Logger
}

// NewMarketView creates an empty view.
func NewMarketView(logger *slog.Logger) *MarketView {
	return &MarketView{
		state:     domain.NewFeedState(0),
		favorites: make(map[string]bool),
		changes:   make(chan string, 1000), // 버스트 대응을 위한 충분한 버퍼
		logger:    infra.Component(logger, "view"),
	}
}

// Start hydrates from feed and applies its updates in the background until
// ctx ends. It returns once the initial state is in place.
func (v *MarketView) Start(ctx context.Context, feed bridge.Feed) error {
	initial, err := feed.Hydrate(ctx)
	if err != nil {
		return err
	}
	v.Hydrate(initial)

	updates, err := feed.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		for u := range updates {
			v.Apply(u)
		}
		v.logger.Info("feed subscription ended")
	}()
	return nil
}

// Hydrate replaces the view's state with initial.
func (v *MarketView) Hydrate(initial bridge.InitialState) {
	v.mu.Lock()
	v.state = initial.State.Clone()
	v.source = initial.Source
	v.mu.Unlock()

	for _, t := range initial.State.Tickers() {
		v.notify(t)
	}
}

// Apply folds one update into the view.
func (v *MarketView) Apply(u bridge.Update) {
	v.mu.Lock()
	v.state = bridge.Apply(v.state, u)
	if u.Kind == bridge.UpdateReset {
		v.resets++
	} else {
		v.updates++
	}
	tickers := []string{u.Record.Ticker}
	if u.Kind == bridge.UpdateReset {
		tickers = v.state.Tickers()
	}
	v.mu.Unlock()

	if u.Kind == bridge.UpdateReset {
		v.logger.Info("view reset from data directory", slog.Int("tickers", len(tickers)))
	}
	for _, t := range tickers {
		v.notify(t)
	}
}

// notify signals a changed ticker without ever blocking the feed.
func (v *MarketView) notify(ticker string) {
	select {
	case v.changes <- ticker:
	default:
	}
}

// Changes returns the channel of tickers whose row changed.
func (v *MarketView) Changes() <-chan string {
	return v.changes
}

// Source returns "live" or "synthetic".
func (v *MarketView) Source() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.source
}

// Stats returns how many record and reset updates were applied.
func (v *MarketView) Stats() (updates, resets int64) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.updates, v.resets
}

// Rows returns every ticker with a book, favorites first, then by ticker.
func (v *MarketView) Rows() []MarketRow {
	v.mu.RLock()
	defer v.mu.RUnlock()

	result := make([]MarketRow, 0, len(v.state.Books))
	for t := range v.state.Books {
		result = append(result, v.row(t))
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Favorite != result[j].Favorite {
			return result[i].Favorite
		}
		return result[i].Ticker < result[j].Ticker
	})
	return result
}

// Get returns the row for ticker.
func (v *MarketView) Get(ticker string) (MarketRow, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if _, ok := v.state.Books[ticker]; !ok {
		return MarketRow{}, false
	}
	return v.row(ticker), true
}

// must be called with lock held
func (v *MarketView) row(ticker string) MarketRow {
	top := v.state.Books[ticker]
	r := MarketRow{
		Ticker:   ticker,
		Top:      top,
		Spread:   top.Spread(),
		Mid:      top.Mid(),
		Seq:      v.state.LastSeq[ticker],
		Favorite: v.favorites[ticker],
	}
	for i := len(v.state.RecentTrades) - 1; i >= 0; i-- {
		if tr := v.state.RecentTrades[i]; tr.Ticker == ticker {
			r.LastTrade = &tr
			break
		}
	}
	return r
}

// RecentTrades returns up to n of ticker's latest trades, newest last.
func (v *MarketView) RecentTrades(ticker string, n int) []domain.TradeEvent {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var out []domain.TradeEvent
	for i := len(v.state.RecentTrades) - 1; i >= 0 && len(out) < n; i-- {
		if tr := v.state.RecentTrades[i]; tr.Ticker == ticker {
			out = append(out, tr)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SetFavorite pins a ticker to the top of Rows.
func (v *MarketView) SetFavorite(ticker string, isFavorite bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if isFavorite {
		v.favorites[ticker] = true
		return
	}
	delete(v.favorites, ticker)
}
