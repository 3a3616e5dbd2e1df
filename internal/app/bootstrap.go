package app

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"marketfeed/internal/infra"
	"marketfeed/internal/infra/venue"
	"marketfeed/internal/storage"
)

const discoveryTimeout = 10 * time.Second

// Bootstrap orchestrates the daemon startup sequence
type Bootstrap struct {
	ConfigPath string
	Config     *infra.Config
	Logger     *slog.Logger
	Metrics    *infra.Metrics
	Catalog    *storage.Catalog

	HTTPClient *http.Client
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap(configPath string) *Bootstrap {
	if configPath == "" {
		configPath = infra.DefaultConfigPath
	}
	return &Bootstrap{
		ConfigPath: configPath,
		Metrics:    infra.GlobalMetrics,
		HTTPClient: &http.Client{Timeout: discoveryTimeout},
	}
}

// Initialize loads config, sets up logging and opens the catalog.
func (b *Bootstrap) Initialize() error {
	// 1. Load Config
	cfg, err := infra.LoadConfig(b.ConfigPath)
	if err != nil {
		return err // Let main handle the error
	}
	b.Config = cfg

	// 2. Setup Logger
	b.Logger = infra.NewLogger(cfg)
	slog.SetDefault(b.Logger)
	b.Logger.Info("🚀 Bootstrapping market feed daemon...",
		slog.String("version", cfg.App.Version),
		slog.String("data_dir", cfg.Storage.DataDir),
	)

	// 3. Open Catalog (SQLite)
	catalog, err := storage.OpenCatalog(b.CatalogPath())
	if err != nil {
		return err
	}
	b.Catalog = catalog

	// 4. Reconcile the archive index with what is on disk
	onDisk, err := storage.Archives(cfg.Storage.DataDir)
	if err != nil {
		return err
	}
	if err := catalog.ReconcileArchives(onDisk); err != nil {
		b.Logger.Warn("catalog: archive reconcile failed", slog.Any("error", err))
	}
	b.Logger.Info("✅ Catalog ready", slog.Int("archives", len(onDisk)))
	return nil
}

// CatalogPath is where the SQLite catalog lives.
func (b *Bootstrap) CatalogPath() string {
	return filepath.Join(b.Config.Storage.DataDir, b.Config.Storage.CatalogFile)
}

// ResolveTickers decides what to subscribe to: configured tickers first,
// then discovered active markets, capped at max_tickers. When discovery
// fails the catalog's last known set is used instead.
func (b *Bootstrap) ResolveTickers(ctx context.Context) []string {
	cfg := b.Config
	priority := cfg.Venue.Tickers

	var discovered []string
	if cfg.Venue.Discover {
		ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
		found, err := venue.FetchActiveTickers(ctx, b.HTTPClient, cfg.Venue.MarketsURL)
		cancel()
		if err != nil {
			b.Logger.Warn("ticker discovery failed", slog.Any("error", err))
			discovered = b.knownTickers()
		} else {
			discovered = found
			b.Logger.Info("🔄 Discovered active markets", slog.Int("count", len(found)))
		}
	}

	tickers := venue.SelectTickers(priority, discovered, cfg.Venue.MaxTickers)

	sources := make(map[string]string, len(tickers))
	for _, t := range tickers {
		sources[t] = storage.SourceDiscovery
	}
	for _, t := range priority {
		if _, ok := sources[t]; ok {
			sources[t] = storage.SourceConfig
		}
	}
	if err := b.Catalog.UpsertTickers(tickers, sources); err != nil {
		b.Logger.Warn("catalog: ticker upsert failed", slog.Any("error", err))
	}

	b.Logger.Info("✨ Tickers resolved", slog.Any("tickers", tickers))
	return tickers
}

func (b *Bootstrap) knownTickers() []string {
	known, err := b.Catalog.ActiveTickers()
	if err != nil {
		b.Logger.Warn("catalog: cannot list tickers", slog.Any("error", err))
		return nil
	}
	out := make([]string, 0, len(known))
	for _, k := range known {
		out = append(out, k.Ticker)
	}
	return out
}

// Close releases what Initialize opened.
func (b *Bootstrap) Close() {
	if b.Catalog != nil {
		if err := b.Catalog.Close(); err != nil {
			b.Logger.Warn("catalog close failed", slog.Any("error", err))
		}
	}
}
