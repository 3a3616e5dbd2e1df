package feed

import (
	"marketfeed/internal/infra/venue"
)

// levelBook is the L2 book for one ticker, keyed by normalized price.
type levelBook struct {
	bids map[string]venue.Level
	asks map[string]venue.Level
}

func newLevelBook() *levelBook {
	return &levelBook{
		bids: make(map[string]venue.Level),
		asks: make(map[string]venue.Level),
	}
}

func (b *levelBook) reset() {
	clear(b.bids)
	clear(b.asks)
}

// apply merges levels into one side. A zero size removes the level.
func apply(side map[string]venue.Level, levels []venue.Level) {
	for _, l := range levels {
		key := l.Price.String()
		if !l.Size.IsPositive() || !l.Price.IsPositive() {
			delete(side, key)
			continue
		}
		side[key] = l
	}
}

func (b *levelBook) update(c venue.BookContents) {
	apply(b.bids, c.Bids)
	apply(b.asks, c.Asks)
}

// best returns the highest bid and lowest ask. Empty sides are zero.
func (b *levelBook) best() (bid, ask venue.Level) {
	first := true
	for _, l := range b.bids {
		if first || l.Price.GreaterThan(bid.Price) {
			bid = l
			first = false
		}
	}
	first = true
	for _, l := range b.asks {
		if first || l.Price.LessThan(ask.Price) {
			ask = l
			first = false
		}
	}
	return bid, ask
}

func (b *levelBook) empty() bool {
	return len(b.bids) == 0 && len(b.asks) == 0
}
