package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
	"marketfeed/internal/storage"

	"github.com/google/uuid"
)

// WriterConfig controls batching, snapshots and archive retention.
type WriterConfig struct {
	DaemonID         string // generated when empty
	DataDir          string
	FlushRecords     int
	FlushInterval    time.Duration
	SnapshotInterval time.Duration
	MaxArchives      int // 0 keeps every archive
	Now              func() time.Time
}

// WriterConfigFromInfra maps the daemon configuration onto a WriterConfig.
func WriterConfigFromInfra(cfg *infra.Config) WriterConfig {
	return WriterConfig{
		DataDir:          cfg.Storage.DataDir,
		FlushRecords:     cfg.Writer.FlushRecords,
		FlushInterval:    cfg.Writer.FlushInterval,
		SnapshotInterval: cfg.Writer.SnapshotInterval,
		MaxArchives:      cfg.Storage.MaxArchives,
	}
}

// Writer is the single owner of the event log and the snapshot store.
// Every record is sequenced, appended and applied here and nowhere else.
type Writer struct {
	cfg     WriterConfig
	queue   *Queue
	state   *domain.FeedState
	log     *storage.EventLog
	snaps   *storage.SnapshotStore
	catalog *storage.Catalog // optional

	logger  *slog.Logger
	metrics *infra.Metrics

	lastSnapshot time.Time
	written      atomic.Int64
}

// NewWriter creates a writer continuing from state, normally the result of
// storage.Recover, so sequence numbers carry on across restarts.
func NewWriter(
	cfg WriterConfig,
	queue *Queue,
	state *domain.FeedState,
	log *storage.EventLog,
	snaps *storage.SnapshotStore,
	catalog *storage.Catalog,
	logger *slog.Logger,
	metrics *infra.Metrics,
) *Writer {
	if cfg.DaemonID == "" {
		cfg.DaemonID = uuid.NewString()
	}
	if cfg.FlushRecords <= 0 {
		cfg.FlushRecords = 256
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if state == nil {
		state = domain.NewFeedState(0)
	}
	return &Writer{
		cfg:     cfg,
		queue:   queue,
		state:   state,
		log:     log,
		snaps:   snaps,
		catalog: catalog,
		logger:  infra.Component(logger, "writer"),
		metrics: infra.OrGlobal(metrics),
	}
}

// DaemonID identifies this writer's run in every snapshot it commits.
func (w *Writer) DaemonID() string { return w.cfg.DaemonID }

// Written returns the number of records appended by this writer.
func (w *Writer) Written() int64 { return w.written.Load() }

// Run writes batches until the queue is closed and drained, then syncs,
// commits a final snapshot and closes the log. Any failure to persist is
// returned as a *domain.DurabilityError and the daemon must stop.
func (w *Writer) Run() error {
	w.logger.Info("writer started",
		slog.String("daemon_id", w.cfg.DaemonID),
		slog.Int64("log_offset", w.log.Offset()),
	)

	// The first snapshot marks this run on disk before any record arrives.
	if err := w.snapshot(); err != nil {
		return w.fail(err)
	}

	for {
		batch, err := w.queue.PopBatch(w.cfg.FlushRecords, w.cfg.FlushInterval)
		if errors.Is(err, domain.ErrQueueClosed) {
			return w.finish()
		}
		if err != nil {
			return w.fail(err)
		}

		if len(batch) > 0 {
			if err := w.writeBatch(batch); err != nil {
				return w.fail(err)
			}
		}
		if err := w.maybeRotate(); err != nil {
			return w.fail(err)
		}
		if w.cfg.SnapshotInterval > 0 && w.cfg.Now().Sub(w.lastSnapshot) >= w.cfg.SnapshotInterval {
			if err := w.snapshot(); err != nil {
				return w.fail(err)
			}
		}
	}
}

// writeBatch sequences, appends and applies batch, then makes it durable
// with a single sync.
func (w *Writer) writeBatch(batch []domain.LogRecord) error {
	now := w.cfg.Now().UTC()
	n := 0
	for _, rec := range batch {
		if err := rec.Validate(); err != nil {
			w.logger.Warn("skipping invalid record", slog.Any("error", err))
			continue
		}
		rec.Seq = w.state.NextSeq(rec.Ticker)
		rec.WrittenAt = now

		if err := w.log.Append(rec); err != nil {
			return err
		}
		w.state.Apply(rec)
		n++
	}
	if n == 0 {
		return nil
	}

	start := time.Now()
	if err := w.log.Sync(); err != nil {
		return err
	}
	w.written.Add(int64(n))
	w.metrics.RecordBatch(n, time.Since(start))
	return nil
}

// maybeRotate archives the active segment when it is due, snapshots right
// after so readers never need the archive's head, then enforces retention.
func (w *Writer) maybeRotate() error {
	info, rotated, err := w.log.RotateIfNeeded()
	if err != nil || !rotated {
		return err
	}
	w.metrics.RecordRotation()

	if err := w.snapshot(); err != nil {
		return err
	}

	if w.catalog != nil {
		if err := w.catalog.RecordArchive(info); err != nil {
			w.logger.Warn("catalog: failed to record archive", slog.String("archive", info.Name), slog.Any("error", err))
		}
	}

	removed, err := storage.PruneArchives(w.cfg.DataDir, w.cfg.MaxArchives)
	if err != nil {
		w.logger.Warn("archive pruning failed", slog.Any("error", err))
	}
	for _, a := range removed {
		w.logger.Info("archive pruned", slog.String("archive", a.Name))
		if w.catalog != nil {
			if err := w.catalog.DeleteArchive(a.Name); err != nil {
				w.logger.Warn("catalog: failed to drop archive", slog.String("archive", a.Name), slog.Any("error", err))
			}
		}
	}
	return nil
}

// snapshot commits the current state. The log is synced by then, so
// LogOffset points at the end of durable data in the active segment.
func (w *Writer) snapshot() error {
	now := w.cfg.Now().UTC()
	snap := domain.NewSnapshot(w.cfg.DaemonID, w.state, w.log.Offset(), now)
	gen, err := w.snaps.Write(snap)
	if err != nil {
		return err
	}
	w.lastSnapshot = now
	w.metrics.RecordSnapshot()
	w.logger.Debug("snapshot written", slog.Uint64("generation", gen), slog.Int64("log_offset", snap.LogOffset))
	return nil
}

func (w *Writer) finish() error {
	if err := w.log.Sync(); err != nil {
		return w.fail(err)
	}
	if err := w.snapshot(); err != nil {
		return w.fail(err)
	}
	if err := w.log.Close(); err != nil {
		return w.fail(err)
	}
	w.logger.Info("writer drained",
		slog.Int64("records", w.written.Load()),
		slog.Uint64("generation", w.snaps.Generation()),
	)
	return nil
}

// fail logs err and makes sure the caller sees a DurabilityError.
func (w *Writer) fail(err error) error {
	if !domain.IsDurability(err) {
		err = &domain.DurabilityError{Op: "write", Path: w.log.Path(), Err: err}
	}
	w.logger.Error("DURABILITY_FAILURE", slog.Any("error", err))
	return fmt.Errorf("writer stopped: %w", err)
}
