package bridge

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
	"marketfeed/internal/storage"
)

// LiveFeed reads what a daemon writes to the data directory. It never
// writes and never locks: snapshots appear by atomic rename and the log
// only grows until it is rotated.
type LiveFeed struct {
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	hydrated   bool
	offset     int64
	segment    os.FileInfo
	daemonID   string
	generation uint64
}

// NewLiveFeed creates a live feed over opts.DataDir.
func NewLiveFeed(opts Options, logger *slog.Logger) *LiveFeed {
	opts.defaults()
	if logger == nil {
		logger = infra.Component(nil, "bridge")
	}
	return &LiveFeed{opts: opts, logger: logger}
}

// Source implements Feed.
func (f *LiveFeed) Source() string { return SourceLive }

// Hydrate rebuilds the current state from the snapshot plus the records
// written after it, and remembers where the log tail continues.
func (f *LiveFeed) Hydrate(ctx context.Context) (InitialState, error) {
	if err := ctx.Err(); err != nil {
		return InitialState{}, err
	}
	rec, err := storage.Recover(f.opts.DataDir, f.opts.MaxRecentTrades)
	if err != nil {
		return InitialState{}, err
	}

	initial := InitialState{State: rec.State, Source: SourceLive, Replayed: rec.Replayed}
	if rec.Snapshot != nil {
		initial.DaemonID = rec.Snapshot.DaemonID
		initial.Generation = rec.Snapshot.Generation
	}

	f.mu.Lock()
	f.hydrated = true
	f.offset = rec.ActiveOffset
	f.segment = rec.ActiveSegment
	f.daemonID = initial.DaemonID
	f.generation = initial.Generation
	f.mu.Unlock()

	f.logger.Info("hydrated from data directory",
		slog.String("daemon_id", initial.DaemonID),
		slog.Uint64("generation", initial.Generation),
		slog.Int("replayed", rec.Replayed),
		slog.Int("tickers", len(rec.State.Books)),
	)
	return initial, nil
}

// Subscribe follows the log from where Hydrate stopped (hydrating first if
// needed). The channel closes when ctx ends.
func (f *LiveFeed) Subscribe(ctx context.Context) (<-chan Update, error) {
	f.mu.Lock()
	hydrated := f.hydrated
	f.mu.Unlock()
	if !hydrated {
		if _, err := f.Hydrate(ctx); err != nil {
			return nil, err
		}
	}

	ch := make(chan Update, 256)
	go f.follow(ctx, ch)
	return ch, nil
}

func (f *LiveFeed) follow(ctx context.Context, ch chan<- Update) {
	defer close(ch)

	tailer := f.newTailer()
	defer func() { tailer.Close() }()

	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		if f.regenerated() {
			initial, err := f.Hydrate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				f.logger.Warn("re-hydrate failed", slog.Any("error", err))
			} else {
				tailer.Close()
				tailer = f.newTailer()
				if !send(ctx, ch, Update{Kind: UpdateReset, State: initial.State}) {
					return
				}
			}
		}

		records, err := tailer.Poll()
		for _, r := range records {
			if !send(ctx, ch, Update{Kind: UpdateRecord, Record: r}) {
				return
			}
		}
		if err != nil {
			f.logger.Warn("log tail failed", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// newTailer continues where the last Hydrate stopped reading.
func (f *LiveFeed) newTailer() *storage.Tailer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storage.NewTailerAt(f.opts.DataDir, f.offset, f.segment)
}

// regenerated reports whether the snapshot on disk belongs to a different
// daemon run, or went backwards, since the last hydrate.
func (f *LiveFeed) regenerated() bool {
	snap, err := storage.ReadSnapshot(f.opts.DataDir)
	if err != nil {
		f.logger.Debug("snapshot unreadable", slog.Any("error", err))
		return false
	}
	if snap == nil {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if snap.DaemonID != f.daemonID || snap.Generation < f.generation {
		f.logger.Info("data directory regenerated",
			slog.String("daemon_id", snap.DaemonID),
			slog.String("previous_daemon_id", f.daemonID),
			slog.Uint64("generation", snap.Generation),
		)
		return true
	}
	f.generation = snap.Generation
	return false
}

// CurrentGeneration returns the snapshot generation last seen.
func (f *LiveFeed) CurrentGeneration() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.generation
}

var _ Feed = (*LiveFeed)(nil)
var _ Feed = (*SyntheticFeed)(nil)

// Apply folds u into state and returns the state to keep using.
func Apply(state *domain.FeedState, u Update) *domain.FeedState {
	if u.Kind == UpdateReset {
		return u.State.Clone()
	}
	state.Apply(u.Record)
	return state
}
