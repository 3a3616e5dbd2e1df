package engine

import (
	"log/slog"
	"sync"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
)

// Queue is the ordered, bounded hand-off between the processor and the writer.
// When full it sheds book_top records, which a newer top supersedes anyway.
// Trades are never dropped: with nothing left to shed the queue grows past
// its capacity instead of blocking the network path.
type Queue struct {
	mu       sync.Mutex
	items    []domain.LogRecord
	capacity int
	closed   bool
	grown    bool

	ready chan struct{}
	done  chan struct{}

	logger  *slog.Logger
	metrics *infra.Metrics

	// Stats
	totalPushed int64
	totalShed   int64
}

// NewQueue creates a queue holding up to capacity records before shedding.
func NewQueue(capacity int, logger *slog.Logger, metrics *infra.Metrics) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		items:    make([]domain.LogRecord, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   infra.Component(logger, "queue"),
		metrics:  infra.OrGlobal(metrics),
	}
}

// Push appends rec. It never blocks and fails only after Close.
func (q *Queue) Push(rec domain.LogRecord) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return domain.ErrQueueClosed
	}

	if len(q.items) >= q.capacity {
		if i := q.victim(rec); i >= 0 {
			q.items = append(q.items[:i], q.items[i+1:]...)
			q.totalShed++
			q.metrics.RecordShed()
		} else if !q.grown {
			q.grown = true
			q.logger.Warn("write queue full of trades, growing past capacity",
				slog.Int("capacity", q.capacity),
				slog.Int("depth", len(q.items)+1),
			)
		}
	}

	q.items = append(q.items, rec)
	q.totalPushed++
	q.metrics.SetQueueDepth(len(q.items))

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// victim picks the book_top to shed for incoming: the oldest one superseded
// by a newer top of the same ticker (queued or incoming), else the oldest
// book_top. It returns -1 when only trades are queued.
func (q *Queue) victim(incoming domain.LogRecord) int {
	newer := make(map[string]bool)
	if incoming.Kind == domain.KindBookTop {
		newer[incoming.Ticker] = true
	}

	superseded, oldest := -1, -1
	for i := len(q.items) - 1; i >= 0; i-- {
		r := q.items[i]
		if r.Kind != domain.KindBookTop {
			continue
		}
		oldest = i
		if newer[r.Ticker] {
			superseded = i
		}
		newer[r.Ticker] = true
	}

	if superseded >= 0 {
		return superseded
	}
	return oldest
}

// PopBatch removes up to max records in FIFO order. It waits at most wait
// for the first record and returns an empty batch on timeout. Once the queue
// is closed and drained it returns domain.ErrQueueClosed.
func (q *Queue) PopBatch(max int, wait time.Duration) ([]domain.LogRecord, error) {
	if max < 1 {
		max = 1
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if n := len(q.items); n > 0 {
			if n > max {
				n = max
			}
			batch := make([]domain.LogRecord, n)
			copy(batch, q.items[:n])
			rest := copy(q.items, q.items[n:])
			clear(q.items[rest:])
			q.items = q.items[:rest]
			if len(q.items) < q.capacity {
				q.grown = false
			}
			q.metrics.SetQueueDepth(len(q.items))
			q.mu.Unlock()
			return batch, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-q.done:
		case <-timer.C:
			return nil, nil
		}
	}
}

// Close stops accepting records. Records already queued can still be popped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Len returns the number of queued records.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap returns the shedding threshold.
func (q *Queue) Cap() int {
	return q.capacity
}

// Stats returns how many records were pushed and how many were shed.
func (q *Queue) Stats() (pushed, shed int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.totalPushed, q.totalShed
}
