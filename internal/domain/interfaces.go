package domain

import (
	"context"
)

// StreamClient defines the venue connection owned by the daemon
type StreamClient interface {
	Connect(endpoint string) error
	Run(ctx context.Context) error
	Shutdown()
	State() ConnectionState
}

// ResyncRequester asks the stream client to drop and re-establish one ticker's subscriptions
type ResyncRequester interface {
	Resync(ticker string)
}

// RecordSink receives canonical records on their way to the single writer
type RecordSink interface {
	Push(rec LogRecord) error
}
