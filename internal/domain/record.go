package domain

import (
	"fmt"
	"time"
)

// RecordKind tags the payload carried by a LogRecord.
type RecordKind string

const (
	KindTrade   RecordKind = "trade"
	KindBookTop RecordKind = "book_top"
)

// LogRecord is one line of the event log. Exactly one of Trade or Book is set,
// matching Kind. Seq is assigned by the writer and strictly increases per ticker.
type LogRecord struct {
	Seq       uint64        `json:"seq"`
	Kind      RecordKind    `json:"kind"`
	Ticker    string        `json:"ticker"`
	Trade     *TradeEvent   `json:"trade,omitempty"`
	Book      *OrderBookTop `json:"book,omitempty"`
	WrittenAt time.Time     `json:"written_at"`
}

// NewTradeRecord wraps a trade. Seq and WrittenAt are filled in by the writer.
func NewTradeRecord(t TradeEvent) LogRecord {
	return LogRecord{Kind: KindTrade, Ticker: t.Ticker, Trade: &t}
}

// NewBookRecord wraps a top-of-book update. Seq and WrittenAt are filled in by the writer.
func NewBookRecord(b OrderBookTop) LogRecord {
	return LogRecord{Kind: KindBookTop, Ticker: b.Ticker, Book: &b}
}

// Validate checks that the tag and payload agree.
func (r LogRecord) Validate() error {
	if r.Ticker == "" {
		return fmt.Errorf("record has no ticker")
	}
	switch r.Kind {
	case KindTrade:
		if r.Trade == nil || r.Book != nil {
			return fmt.Errorf("trade record %s/%d has wrong payload", r.Ticker, r.Seq)
		}
	case KindBookTop:
		if r.Book == nil || r.Trade != nil {
			return fmt.Errorf("book_top record %s/%d has wrong payload", r.Ticker, r.Seq)
		}
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}
