package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"marketfeed/internal/app"
	"marketfeed/internal/domain"

	_ "net/http/pprof" // For pprof profiling
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	listArchives := flag.Bool("list-archives", false, "print the archive catalog and exit")
	listTickers := flag.Bool("list-tickers", false, "print the tracked tickers and exit")
	flag.Parse()

	// 1. System Bootstrapping
	bootstrap := app.NewBootstrap(*configPath)
	if err := bootstrap.Initialize(); err != nil {
		slog.Error("❌ Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()
	cfg := bootstrap.Config

	if *listArchives || *listTickers {
		if err := printCatalog(bootstrap, *listArchives, *listTickers); err != nil {
			slog.Error("catalog query failed", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	// 2. Pprof Server (for performance profiling)
	if addr := cfg.Debug.PprofAddr; addr != "" {
		go func() {
			slog.Info("🕵️ Pprof server started", slog.String("addr", addr))
			if err := http.ListenAndServe(addr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// 3. Graceful Shutdown Context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Tickers: configured first, then discovered
	tickers := bootstrap.ResolveTickers(ctx)

	// 5. Pipeline
	daemon, err := app.NewDaemon(cfg, tickers, bootstrap.Catalog, bootstrap.Logger, bootstrap.Metrics)
	if err != nil {
		slog.Error("❌ Daemon setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	if err := daemon.Run(ctx); err != nil {
		if domain.IsDurability(err) {
			slog.Error("durability lost, terminating", slog.Any("error", err))
		}
		bootstrap.Close()
		os.Exit(1)
	}
}

func printCatalog(b *app.Bootstrap, archives, tickers bool) error {
	if tickers {
		rows, err := b.Catalog.ActiveTickers()
		if err != nil {
			return err
		}
		for _, t := range rows {
			fmt.Printf("%3d  %-12s %s\n", t.Priority, t.Ticker, t.Source)
		}
	}
	if archives {
		rows, err := b.Catalog.Archives()
		if err != nil {
			return err
		}
		for _, a := range rows {
			fmt.Printf("%s  %10d bytes  %8d records  %s\n",
				a.RotatedAt.UTC().Format("2006-01-02T15:04:05Z"), a.Bytes, a.Records, a.Name)
		}
	}
	return nil
}
