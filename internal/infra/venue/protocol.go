package venue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Channel names on the indexer websocket.
const (
	ChannelOrderbook = "v4_orderbook"
	ChannelTrades    = "v4_trades"
)

// Inbound message types.
const (
	TypeConnected    = "connected"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeChannelData  = "channel_data"
	TypeError        = "error"
)

// DefaultChannels are subscribed for every tracked ticker.
var DefaultChannels = []string{ChannelOrderbook, ChannelTrades}

// RawMessage is one websocket frame as it came off the wire.
type RawMessage struct {
	Data       []byte
	ReceivedAt time.Time
}

type subscription struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// SubscribeMessage builds the outbound subscribe request for one channel and ticker.
func SubscribeMessage(channel, ticker string) []byte {
	b, _ := json.Marshal(subscription{Type: "subscribe", Channel: channel, ID: ticker})
	return b
}

// UnsubscribeMessage builds the outbound unsubscribe request for one channel and ticker.
func UnsubscribeMessage(channel, ticker string) []byte {
	b, _ := json.Marshal(subscription{Type: "unsubscribe", Channel: channel, ID: ticker})
	return b
}

// Envelope is the common shape of every inbound message.
// Seq is the per channel and ticker sequence; zero when the venue omits it.
type Envelope struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	ID       string          `json:"id"`
	Seq      int64           `json:"seq"`
	Message  string          `json:"message"`
	Contents json.RawMessage `json:"contents"`
}

// Level is one price level. The venue sends either ["price","size"] or
// {"price":"...","size":"..."}; numbers may be quoted or bare.
type Level struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

func (l *Level) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty level")
	}

	switch data[0] {
	case '[':
		var arr []decimal.Decimal
		if err := json.Unmarshal(data, &arr); err != nil {
			return fmt.Errorf("level array: %w", err)
		}
		if len(arr) < 2 {
			return fmt.Errorf("level array has %d elements", len(arr))
		}
		l.Price, l.Size = arr[0], arr[1]
		return nil
	case '{':
		var obj struct {
			Price *decimal.Decimal `json:"price"`
			Size  *decimal.Decimal `json:"size"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return fmt.Errorf("level object: %w", err)
		}
		if obj.Price == nil || obj.Size == nil {
			return fmt.Errorf("level object missing price or size")
		}
		l.Price, l.Size = *obj.Price, *obj.Size
		return nil
	default:
		return fmt.Errorf("unsupported level %s", data)
	}
}

// BookContents is the orderbook payload for both snapshots and deltas.
type BookContents struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Trade is one print inside a trades payload.
type Trade struct {
	ID        string          `json:"id"`
	Side      string          `json:"side"`
	Size      decimal.Decimal `json:"size"`
	Price     decimal.Decimal `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

// TradesContents is the trades payload.
type TradesContents struct {
	Trades []Trade `json:"trades"`
}
