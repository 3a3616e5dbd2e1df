package domain

import "errors"

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "dial", "read", "ping")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DecodeError marks a venue message that could not be turned into records.
// The message is dropped; processing continues.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Reason
	}
	return "decode: " + e.Reason + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DurabilityError is a failed write or sync of the event log or snapshot.
// The daemon must terminate when it sees one.
type DurabilityError struct {
	Op   string // "append", "sync", "rename", ...
	Path string
	Err  error
}

func (e *DurabilityError) Error() string {
	return "durability " + e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *DurabilityError) IsRetriable() bool {
	return false
}

func (e *DurabilityError) Unwrap() error {
	return e.Err
}

// IsDurability reports whether err is, or wraps, a DurabilityError.
func IsDurability(err error) bool {
	var de *DurabilityError
	return errors.As(err, &de)
}

var (
	// ErrNotConnected is returned when writing to a venue connection that is down.
	ErrNotConnected = errors.New("not connected")

	// ErrPongTimeout is raised when the venue does not answer a heartbeat ping in time.
	ErrPongTimeout = errors.New("pong timeout")

	// ErrClientStopped is returned by client operations after Shutdown.
	ErrClientStopped = errors.New("client stopped")

	// ErrQueueClosed is returned when pushing to the writer queue after drain has begun.
	ErrQueueClosed = errors.New("write queue closed")
)
