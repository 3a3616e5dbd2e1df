package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	messagesReceived atomic.Uint64
	decodeErrors     atomic.Uint64
	sequenceGaps     atomic.Uint64
	resyncRequests   atomic.Uint64
	recordsWritten   atomic.Uint64
	booksShed        atomic.Uint64
	reconnects       atomic.Uint64
	degradedBackoffs atomic.Uint64
	snapshotsWritten atomic.Uint64
	rotations        atomic.Uint64

	// Batch sync latency
	syncSumNs atomic.Int64
	syncCount atomic.Uint64

	// Gauges
	queueDepth atomic.Int64
	connState  atomic.Int32
	staleCount atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// OrGlobal returns m, or GlobalMetrics when m is nil.
func OrGlobal(m *Metrics) *Metrics {
	if m == nil {
		return GlobalMetrics
	}
	return m
}

// RecordMessage counts one raw venue message.
func (m *Metrics) RecordMessage() { m.messagesReceived.Add(1) }

// RecordDecodeError counts one dropped malformed message.
func (m *Metrics) RecordDecodeError() { m.decodeErrors.Add(1) }

// RecordGap counts a detected sequence gap.
func (m *Metrics) RecordGap() { m.sequenceGaps.Add(1) }

// RecordResync counts a resync request sent to the venue.
func (m *Metrics) RecordResync() { m.resyncRequests.Add(1) }

// RecordShed counts book_top records dropped by the write queue.
func (m *Metrics) RecordShed() { m.booksShed.Add(1) }

// RecordReconnect counts a successful re-connection after a failure.
func (m *Metrics) RecordReconnect() { m.reconnects.Add(1) }

// RecordDegraded counts an outage whose backoff reached the cap.
func (m *Metrics) RecordDegraded() { m.degradedBackoffs.Add(1) }

// RecordSnapshot counts a committed snapshot.
func (m *Metrics) RecordSnapshot() { m.snapshotsWritten.Add(1) }

// RecordRotation counts a completed log rotation.
func (m *Metrics) RecordRotation() { m.rotations.Add(1) }

// RecordBatch records a synced batch of n records and the time the sync took.
func (m *Metrics) RecordBatch(n int, syncLatency time.Duration) {
	m.recordsWritten.Add(uint64(n))
	m.syncSumNs.Add(int64(syncLatency))
	m.syncCount.Add(1)
}

// SetQueueDepth sets the current write queue length.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Store(int64(n)) }

// SetConnState stores the venue connection state as its enum value.
func (m *Metrics) SetConnState(state int) { m.connState.Store(int32(state)) }

// SetStale sets the number of tickers currently awaiting resync.
func (m *Metrics) SetStale(n int) { m.staleCount.Store(int32(n)) }

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	MessagesReceived uint64
	DecodeErrors     uint64
	SequenceGaps     uint64
	ResyncRequests   uint64
	RecordsWritten   uint64
	BooksShed        uint64
	Reconnects       uint64
	DegradedBackoffs uint64
	SnapshotsWritten uint64
	Rotations        uint64
	AvgSyncNs        int64
	QueueDepth       int64
	ConnState        int32
	StaleTickers     int32
	Timestamp        time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgSync int64
	count := m.syncCount.Load()
	if count > 0 {
		avgSync = m.syncSumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		MessagesReceived: m.messagesReceived.Load(),
		DecodeErrors:     m.decodeErrors.Load(),
		SequenceGaps:     m.sequenceGaps.Load(),
		ResyncRequests:   m.resyncRequests.Load(),
		RecordsWritten:   m.recordsWritten.Load(),
		BooksShed:        m.booksShed.Load(),
		Reconnects:       m.reconnects.Load(),
		DegradedBackoffs: m.degradedBackoffs.Load(),
		SnapshotsWritten: m.snapshotsWritten.Load(),
		Rotations:        m.rotations.Load(),
		AvgSyncNs:        avgSync,
		QueueDepth:       m.queueDepth.Load(),
		ConnState:        m.connState.Load(),
		StaleTickers:     m.staleCount.Load(),
		Timestamp:        time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.messagesReceived, &m.decodeErrors, &m.sequenceGaps, &m.resyncRequests,
		&m.recordsWritten, &m.booksShed, &m.reconnects, &m.degradedBackoffs,
		&m.snapshotsWritten, &m.rotations, &m.syncCount,
	} {
		c.Store(0)
	}
	m.syncSumNs.Store(0)
	m.queueDepth.Store(0)
	m.connState.Store(0)
	m.staleCount.Store(0)
}
