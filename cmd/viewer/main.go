package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketfeed/internal/bridge"
	"marketfeed/internal/infra"
	"marketfeed/internal/service"
)

func main() {
	configPath := flag.String("config", infra.DefaultConfigPath, "path to the YAML config file")
	interval := flag.Duration("interval", time.Second, "refresh interval")
	once := flag.Bool("once", false, "print the hydrated state and exit")
	favorites := flag.String("favorites", "", "comma separated tickers pinned to the top")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg.Logging.File = "viewer.log"
	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feed := bridge.Open(ctx, bridge.OptionsFromInfra(cfg), logger)
	view := service.NewMarketView(logger)
	for _, t := range strings.Split(*favorites, ",") {
		if t = strings.TrimSpace(t); t != "" {
			view.SetFavorite(strings.ToUpper(t), true)
		}
	}

	if *once {
		initial, err := feed.Hydrate(ctx)
		if err != nil {
			slog.Error("hydrate failed", slog.Any("error", err))
			os.Exit(1)
		}
		view.Hydrate(initial)
		render(view)
		return
	}

	if err := view.Start(ctx, feed); err != nil {
		slog.Error("feed start failed", slog.Any("error", err))
		os.Exit(1)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-view.Changes():
		case <-ticker.C:
			render(view)
		}
	}
}

func render(view *service.MarketView) {
	updates, resets := view.Stats()
	fmt.Printf("\n[%s] %s feed  updates=%d resets=%d\n",
		time.Now().Format("15:04:05"), view.Source(), updates, resets)
	fmt.Printf("%-2s %-12s %14s %12s %14s %12s %10s %14s\n",
		"", "TICKER", "BID", "BID SIZE", "ASK", "ASK SIZE", "SPREAD", "LAST")

	for _, r := range view.Rows() {
		mark := ""
		if r.Favorite {
			mark = "*"
		}
		last := "-"
		if r.LastTrade != nil {
			last = fmt.Sprintf("%s %s", r.LastTrade.Side, r.LastTrade.Price)
		}
		fmt.Printf("%-2s %-12s %14s %12s %14s %12s %10s %14s\n",
			mark, r.Ticker,
			r.Top.BestBid, r.Top.BidSize,
			r.Top.BestAsk, r.Top.AskSize,
			r.Spread, last,
		)
	}
}
