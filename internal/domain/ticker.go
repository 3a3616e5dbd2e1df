package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderBookTop is the latest known top-of-book for one ticker.
// It is superseded in place, never appended.
type OrderBookTop struct {
	Ticker     string          `json:"ticker"`
	BestBid    decimal.Decimal `json:"best_bid"`
	BestAsk    decimal.Decimal `json:"best_ask"`
	BidSize    decimal.Decimal `json:"bid_size"`
	AskSize    decimal.Decimal `json:"ask_size"`
	ObservedAt time.Time       `json:"observed_at"`
}

// Spread returns BestAsk - BestBid, or zero when either side is empty.
func (b OrderBookTop) Spread() decimal.Decimal {
	if b.BestBid.IsZero() || b.BestAsk.IsZero() {
		return decimal.Zero
	}
	return b.BestAsk.Sub(b.BestBid)
}

// Mid returns the midpoint of the two sides, or the populated side if only one exists.
func (b OrderBookTop) Mid() decimal.Decimal {
	switch {
	case b.BestBid.IsZero():
		return b.BestAsk
	case b.BestAsk.IsZero():
		return b.BestBid
	}
	return b.BestBid.Add(b.BestAsk).Div(decimal.NewFromInt(2))
}

// SameLevels reports whether two tops carry identical prices and sizes.
func (b OrderBookTop) SameLevels(o OrderBookTop) bool {
	return b.BestBid.Equal(o.BestBid) &&
		b.BestAsk.Equal(o.BestAsk) &&
		b.BidSize.Equal(o.BidSize) &&
		b.AskSize.Equal(o.AskSize)
}

// TradeEvent is one venue print. Immutable once recorded.
type TradeEvent struct {
	Ticker        string          `json:"ticker"`
	Price         decimal.Decimal `json:"price"`
	Size          decimal.Decimal `json:"size"`
	Side          Side            `json:"side"`
	VenueSequence int64           `json:"venue_sequence"`
	ObservedAt    time.Time       `json:"observed_at"`
}
