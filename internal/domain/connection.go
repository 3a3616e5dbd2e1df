package domain

import (
	"fmt"
	"time"
)

// ConnState enumerates the venue connection lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Backoff
)

// String returns the string representation of ConnState
func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// ConnectionState is the single daemon-wide view of one venue connection.
// Delay is only meaningful in Backoff; Attempt counts consecutive failures.
type ConnectionState struct {
	State   ConnState
	Delay   time.Duration
	Attempt int
	Since   time.Time
}

func (c ConnectionState) String() string {
	if c.State == Backoff {
		return fmt.Sprintf("backoff(%s)", c.Delay)
	}
	return c.State.String()
}
