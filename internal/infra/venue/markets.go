package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
)

const (
	marketsTimeout = 8 * time.Second
	statusActive   = "ACTIVE"
)

type marketsResponse struct {
	Markets map[string]struct {
		Ticker string `json:"ticker"`
		Status string `json:"status"`
	} `json:"markets"`
}

// FetchActiveTickers lists the tradable markets from the indexer REST API, sorted.
// Markets without a status are treated as active.
func FetchActiveTickers(ctx context.Context, client *http.Client, marketsURL string) ([]string, error) {
	if client == nil {
		client = &http.Client{Timeout: marketsTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, marketsURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", infra.DefaultUserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.NewNetworkError("markets", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("markets: unexpected status %d: %s", resp.StatusCode, body)
	}

	var data marketsResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("markets: decode: %w", err)
	}

	out := make([]string, 0, len(data.Markets))
	for ticker, meta := range data.Markets {
		if meta.Status != "" && meta.Status != statusActive {
			continue
		}
		out = append(out, ticker)
	}
	sort.Strings(out)
	return out, nil
}

// SelectTickers puts priority tickers first, then discovered ones, without
// duplicates, capped at max (max <= 0 means no cap).
func SelectTickers(priority, discovered []string, max int) []string {
	seen := make(map[string]bool, len(priority)+len(discovered))
	out := make([]string, 0, len(priority)+len(discovered))

	for _, group := range [][]string{priority, discovered} {
		for _, t := range group {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}

	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}
