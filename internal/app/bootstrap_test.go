package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"marketfeed/internal/infra"
	"marketfeed/internal/storage"
)

func TestBootstrap_InitializeReconcilesArchives(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "events-20240501T120000.000000000Z.jsonl")
	if err := os.WriteFile(archive, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "storage:\n  data_dir: " + dir + "\nlogging:\n  dir: " + filepath.Join(dir, "logs") + "\nvenue:\n  discover: false\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	b := NewBootstrap(cfgPath)
	if err := b.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	defer b.Close()
	defer slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	indexed, err := b.Catalog.Archives()
	if err != nil {
		t.Fatalf("Archives failed: %v", err)
	}
	if len(indexed) != 1 || indexed[0].Name != filepath.Base(archive) {
		t.Errorf("catalog archives = %+v", indexed)
	}
}

func TestBootstrap_ResolveTickers(t *testing.T) {
	markets := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"markets":{"BTC-USD":{"status":"ACTIVE"},"ETH-USD":{"status":"ACTIVE"},"LUNA-USD":{"status":"FINAL_SETTLEMENT"},"SOL-USD":{"status":"ACTIVE"}}}`))
	}))

	dir := t.TempDir()
	catalog, err := storage.OpenCatalog(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("OpenCatalog failed: %v", err)
	}
	defer catalog.Close()

	cfg := infra.DefaultConfig()
	cfg.Venue.Tickers = []string{"SOL-USD"}
	cfg.Venue.Discover = true
	cfg.Venue.MarketsURL = markets.URL
	cfg.Venue.MaxTickers = 2

	b := &Bootstrap{
		Config:     cfg,
		Logger:     slog.Default(),
		Catalog:    catalog,
		HTTPClient: markets.Client(),
	}

	got := b.ResolveTickers(context.Background())
	want := []string{"SOL-USD", "BTC-USD"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("ResolveTickers = %v, want %v", got, want)
	}

	sol, err := catalog.GetTicker("SOL-USD")
	if err != nil || sol == nil {
		t.Fatalf("GetTicker = %v, %v", sol, err)
	}
	if sol.Source != storage.SourceConfig {
		t.Errorf("SOL-USD source = %q, want %q", sol.Source, storage.SourceConfig)
	}
	btc, _ := catalog.GetTicker("BTC-USD")
	if btc == nil || btc.Source != storage.SourceDiscovery {
		t.Errorf("BTC-USD row = %+v", btc)
	}

	// Discovery down: the last known set from the catalog is used.
	markets.Close()
	got = b.ResolveTickers(context.Background())
	if len(got) != 2 || got[0] != "SOL-USD" || got[1] != "BTC-USD" {
		t.Errorf("fallback ResolveTickers = %v, want %v", got, want)
	}
}
