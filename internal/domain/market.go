package domain

import (
	"sort"
	"time"
)

// DefaultMaxRecentTrades bounds the recent trade ring when no limit is given.
const DefaultMaxRecentTrades = 500

// FeedState is the in-memory view rebuilt from a snapshot plus the log tail.
// It is not safe for concurrent use; the writer owns its instance and
// consumers keep their own copy.
type FeedState struct {
	Books        map[string]OrderBookTop
	LastSeq      map[string]uint64
	RecentTrades []TradeEvent

	maxTrades int
}

// NewFeedState returns an empty state keeping at most maxTrades recent trades.
func NewFeedState(maxTrades int) *FeedState {
	if maxTrades <= 0 {
		maxTrades = DefaultMaxRecentTrades
	}
	return &FeedState{
		Books:     make(map[string]OrderBookTop),
		LastSeq:   make(map[string]uint64),
		maxTrades: maxTrades,
	}
}

// NextSeq returns the sequence number the next record for ticker must carry.
func (s *FeedState) NextSeq(ticker string) uint64 {
	return s.LastSeq[ticker] + 1
}

// Apply folds one record into the state. Records at or below the ticker's
// last applied sequence are ignored and Apply returns false.
func (s *FeedState) Apply(rec LogRecord) bool {
	if rec.Seq <= s.LastSeq[rec.Ticker] {
		return false
	}
	s.LastSeq[rec.Ticker] = rec.Seq

	switch rec.Kind {
	case KindBookTop:
		if rec.Book != nil {
			s.Books[rec.Ticker] = *rec.Book
		}
	case KindTrade:
		if rec.Trade != nil {
			s.RecentTrades = append(s.RecentTrades, *rec.Trade)
			s.trimTrades()
		}
	}
	return true
}

func (s *FeedState) trimTrades() {
	if len(s.RecentTrades) <= s.maxTrades {
		return
	}
	excess := len(s.RecentTrades) - s.maxTrades
	kept := make([]TradeEvent, s.maxTrades)
	copy(kept, s.RecentTrades[excess:])
	s.RecentTrades = kept
}

// Tickers returns the tickers that have a book, sorted.
func (s *FeedState) Tickers() []string {
	out := make([]string, 0, len(s.Books))
	for t := range s.Books {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clone returns a deep copy.
func (s *FeedState) Clone() *FeedState {
	c := NewFeedState(s.maxTrades)
	for k, v := range s.Books {
		c.Books[k] = v
	}
	for k, v := range s.LastSeq {
		c.LastSeq[k] = v
	}
	c.RecentTrades = append([]TradeEvent(nil), s.RecentTrades...)
	return c
}

// Snapshot is the latest complete per-ticker state as persisted on disk.
// Generation is assigned by the snapshot store on every write.
type Snapshot struct {
	Generation   uint64                  `json:"generation"`
	DaemonID     string                  `json:"daemon_id"`
	Books        map[string]OrderBookTop `json:"books"`
	LastSeq      map[string]uint64       `json:"last_seq"`
	RecentTrades []TradeEvent            `json:"recent_trades"`
	LogOffset    int64                   `json:"log_offset"` // byte offset in the active segment at WrittenAt
	WrittenAt    time.Time               `json:"written_at"`
}

// NewSnapshot captures a deep copy of state. Generation is left for the store.
func NewSnapshot(daemonID string, state *FeedState, logOffset int64, writtenAt time.Time) *Snapshot {
	c := state.Clone()
	return &Snapshot{
		DaemonID:     daemonID,
		Books:        c.Books,
		LastSeq:      c.LastSeq,
		RecentTrades: c.RecentTrades,
		LogOffset:    logOffset,
		WrittenAt:    writtenAt,
	}
}

// State rebuilds a FeedState from the snapshot.
func (s *Snapshot) State(maxTrades int) *FeedState {
	st := NewFeedState(maxTrades)
	for k, v := range s.Books {
		st.Books[k] = v
	}
	for k, v := range s.LastSeq {
		st.LastSeq[k] = v
	}
	st.RecentTrades = append(st.RecentTrades, s.RecentTrades...)
	st.trimTrades()
	return st
}
