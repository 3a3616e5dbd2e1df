package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/engine"
	"marketfeed/internal/feed"
	"marketfeed/internal/infra"
	"marketfeed/internal/infra/venue"
	"marketfeed/internal/storage"

	"golang.org/x/sync/errgroup"
)

// Daemon wires the ingestion pipeline:
// venue client -> processor -> queue -> writer -> data directory.
type Daemon struct {
	cfg     *infra.Config
	logger  *slog.Logger
	metrics *infra.Metrics

	client    *venue.Client
	processor *feed.Processor
	queue     *engine.Queue
	writer    *engine.Writer
}

// NewDaemon opens the data directory, recovers the last state so sequence
// numbers continue, and builds every stage. catalog may be nil.
func NewDaemon(cfg *infra.Config, tickers []string, catalog *storage.Catalog, logger *slog.Logger, metrics *infra.Metrics) (*Daemon, error) {
	metrics = infra.OrGlobal(metrics)
	if logger == nil {
		logger = slog.Default()
	}
	dir := cfg.Storage.DataDir

	log, err := storage.OpenEventLog(dir, storage.LogOptions{
		RotateBytes: cfg.Storage.RotateBytes,
		RotateAge:   cfg.Storage.RotateAge,
	}, logger)
	if err != nil {
		return nil, err
	}
	snaps, err := storage.OpenSnapshotStore(dir, logger)
	if err != nil {
		log.Close()
		return nil, err
	}
	rec, err := storage.Recover(dir, cfg.Writer.MaxRecentTrades)
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("recover %s: %w", dir, err)
	}
	logger.Info("✅ State recovered",
		slog.Int("tickers", len(rec.State.LastSeq)),
		slog.Int("replayed", rec.Replayed),
	)

	client := venue.NewClient(venue.ConfigFromInfra(cfg), logger, metrics)
	if err := client.Connect(cfg.Venue.WSURL); err != nil {
		log.Close()
		return nil, err
	}
	client.SetTickers(tickers)

	queue := engine.NewQueue(cfg.Writer.QueueSize, logger, metrics)
	writer := engine.NewWriter(engine.WriterConfigFromInfra(cfg), queue, rec.State, log, snaps, catalog, logger, metrics)

	d := &Daemon{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		client:    client,
		processor: feed.NewProcessor(client, logger, metrics),
		queue:     queue,
		writer:    writer,
	}
	client.OnStateChange(func(s domain.ConnectionState) {
		d.logger.Info("venue state changed", slog.String("state", s.String()), slog.Int("attempt", s.Attempt))
	})
	return d, nil
}

// DaemonID identifies this run in the snapshots it writes.
func (d *Daemon) DaemonID() string { return d.writer.DaemonID() }

// Run blocks until ctx ends or a stage fails. Shutdown is cooperative: the
// client stops taking messages, the processor drains what was received, the
// queue closes and the writer flushes, snapshots and closes the log.
// A durability failure is returned as a *domain.DurabilityError.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// Shutdown may win the race when ctx is already done.
		if err := d.client.Run(gctx); err != nil && !errors.Is(err, domain.ErrClientStopped) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		d.client.Shutdown()
		return nil
	})

	g.Go(func() error {
		defer d.queue.Close()
		return d.processor.Run(d.client.Messages(), d.queue)
	})

	g.Go(func() error {
		return d.writer.Run()
	})

	if interval := d.cfg.Debug.StatusInterval; interval > 0 {
		g.Go(func() error {
			d.reportStatus(gctx, interval)
			return nil
		})
	}

	d.logger.Info("✨ Daemon running",
		slog.String("daemon_id", d.DaemonID()),
		slog.Any("tickers", d.client.Tickers()),
	)
	err := g.Wait()
	if err != nil {
		d.logger.Error("❌ Daemon stopped with error", slog.Any("error", err))
		return err
	}
	d.logger.Info("👋 Daemon stopped", slog.Int64("records", d.writer.Written()))
	return nil
}

// reportStatus logs one line of counters every interval.
func (d *Daemon) reportStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := d.metrics.Snapshot()
			d.logger.Info("status",
				slog.String("venue", d.client.State().String()),
				slog.Uint64("messages", m.MessagesReceived),
				slog.Uint64("decode_errors", m.DecodeErrors),
				slog.Uint64("gaps", m.SequenceGaps),
				slog.Uint64("resyncs", m.ResyncRequests),
				slog.Uint64("records", m.RecordsWritten),
				slog.Uint64("shed", m.BooksShed),
				slog.Int64("queue_depth", m.QueueDepth),
				slog.Int("stale_tickers", int(m.StaleTickers)),
				slog.Duration("avg_sync", time.Duration(m.AvgSyncNs)),
			)
		}
	}
}
