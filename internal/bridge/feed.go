// Package bridge gives read-only consumers one view of the market whether
// or not a daemon is writing: a live feed hydrated from the data directory,
// or a deterministic synthetic feed when nothing is there.
package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
	"marketfeed/internal/storage"
)

// Feed sources.
const (
	SourceLive      = "live"
	SourceSynthetic = "synthetic"
)

// UpdateKind tags an Update.
type UpdateKind int

const (
	// UpdateRecord carries one new record to fold into the consumer's state.
	UpdateRecord UpdateKind = iota
	// UpdateReset replaces the consumer's state after the daemon restarted
	// or the data directory was regenerated.
	UpdateReset
)

func (k UpdateKind) String() string {
	if k == UpdateReset {
		return "reset"
	}
	return "record"
}

// InitialState is what a consumer starts from.
type InitialState struct {
	State      *domain.FeedState
	Source     string
	DaemonID   string
	Generation uint64
	Replayed   int
}

// Update is one item of a subscription.
type Update struct {
	Kind   UpdateKind
	Record domain.LogRecord
	State  *domain.FeedState // set for UpdateReset
}

// Feed is implemented by LiveFeed and SyntheticFeed.
type Feed interface {
	Hydrate(ctx context.Context) (InitialState, error)
	Subscribe(ctx context.Context) (<-chan Update, error)
	Source() string
}

// Options configures feed selection and both feed kinds.
type Options struct {
	DataDir         string
	Tickers         []string
	PollInterval    time.Duration
	LivenessTimeout time.Duration
	StartupTimeout  time.Duration
	SyntheticTick   time.Duration
	MaxRecentTrades int
	Now             func() time.Time
}

// OptionsFromInfra maps the shared configuration onto bridge options.
func OptionsFromInfra(cfg *infra.Config) Options {
	return Options{
		DataDir:         cfg.Storage.DataDir,
		Tickers:         cfg.Venue.Tickers,
		PollInterval:    cfg.Bridge.PollInterval,
		LivenessTimeout: cfg.Bridge.LivenessTimeout,
		StartupTimeout:  cfg.Bridge.StartupTimeout,
		SyntheticTick:   cfg.Bridge.SyntheticTick,
		MaxRecentTrades: cfg.Writer.MaxRecentTrades,
	}
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 15 * time.Second
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = 2 * time.Second
	}
	if o.SyntheticTick <= 0 {
		o.SyntheticTick = 200 * time.Millisecond
	}
	if len(o.Tickers) == 0 {
		o.Tickers = infra.DefaultTickers
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Open picks the feed once: live when the snapshot or the active log was
// modified within the liveness timeout, synthetic otherwise. The decision
// never takes longer than the startup timeout.
func Open(ctx context.Context, opts Options, logger *slog.Logger) Feed {
	opts.defaults()
	logger = infra.Component(logger, "bridge")

	ctx, cancel := context.WithTimeout(ctx, opts.StartupTimeout)
	defer cancel()

	result := make(chan bool, 1)
	go func() { result <- daemonAlive(opts) }()

	var live bool
	select {
	case live = <-result:
	case <-ctx.Done():
		logger.Warn("liveness check timed out", slog.Duration("timeout", opts.StartupTimeout))
	}

	if live {
		logger.Info("using live feed", slog.String("dir", opts.DataDir))
		return NewLiveFeed(opts, logger)
	}
	logger.Info("no live daemon, using synthetic feed", slog.Any("tickers", opts.Tickers))
	return NewSyntheticFeed(opts)
}

// daemonAlive reports whether a daemon wrote to the data directory recently.
func daemonAlive(opts Options) bool {
	now := opts.Now()
	for _, name := range []string{storage.SnapshotFile, storage.ActiveLogFile} {
		fi, err := os.Stat(filepath.Join(opts.DataDir, name))
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) <= opts.LivenessTimeout {
			return true
		}
	}
	return false
}

// send delivers u unless ctx ends first.
func send(ctx context.Context, ch chan<- Update, u Update) bool {
	select {
	case ch <- u:
		return true
	case <-ctx.Done():
		return false
	}
}
