package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"marketfeed/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is sent on the websocket handshake and REST discovery calls
	DefaultUserAgent = "marketfeed/1.0 (+https://github.com/marketfeed)"

	DefaultConfigPath = "configs/config.yaml"
	DefaultWSURL      = "wss://indexer.dydx.trade/v4/ws"
	DefaultMarketsURL = "https://indexer.dydx.trade/v4/perpetualMarkets"
)

// DefaultTickers are always tracked first, ahead of anything discovery returns.
var DefaultTickers = []string{"ETH-USD", "BTC-USD", "SOL-USD"}

// Config holds every daemon and consumer setting.
// LoadConfig starts from DefaultConfig, overlays the YAML file and then the environment.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Venue struct {
		WSURL             string        `yaml:"ws_url"`
		MarketsURL        string        `yaml:"markets_url"`
		Tickers           []string      `yaml:"tickers"`
		Discover          bool          `yaml:"discover"`
		MaxTickers        int           `yaml:"max_tickers"`
		HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PongTimeout       time.Duration `yaml:"pong_timeout"`
		BackoffBase       time.Duration `yaml:"backoff_base"`
		BackoffCap        time.Duration `yaml:"backoff_cap"`
		BackoffJitter     float64       `yaml:"backoff_jitter"`
		SubscribeRate     float64       `yaml:"subscribe_rate"`
		RawBuffer         int           `yaml:"raw_buffer"`
	} `yaml:"venue"`

	Writer struct {
		QueueSize        int           `yaml:"queue_size"`
		FlushRecords     int           `yaml:"flush_records"`
		FlushInterval    time.Duration `yaml:"flush_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		MaxRecentTrades  int           `yaml:"max_recent_trades"`
	} `yaml:"writer"`

	Storage struct {
		DataDir     string        `yaml:"data_dir"`
		RotateBytes int64         `yaml:"rotate_bytes"`
		RotateAge   time.Duration `yaml:"rotate_age"`
		MaxArchives int           `yaml:"max_archives"`
		CatalogFile string        `yaml:"catalog_file"`
	} `yaml:"storage"`

	Bridge struct {
		PollInterval    time.Duration `yaml:"poll_interval"`
		LivenessTimeout time.Duration `yaml:"liveness_timeout"`
		StartupTimeout  time.Duration `yaml:"startup_timeout"`
		SyntheticTick   time.Duration `yaml:"synthetic_tick"`
	} `yaml:"bridge"`

	Logging struct {
		Level      string `yaml:"level"`
		Dir        string `yaml:"dir"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`

	Debug struct {
		PprofAddr      string        `yaml:"pprof_addr"`
		StatusInterval time.Duration `yaml:"status_interval"`
	} `yaml:"debug"`
}

// DefaultConfig returns the settings used when no file is present.
func DefaultConfig() *Config {
	var c Config
	c.App.Name = "marketfeed"
	c.App.Version = "1.0.0"

	c.Venue.WSURL = DefaultWSURL
	c.Venue.MarketsURL = DefaultMarketsURL
	c.Venue.Tickers = append([]string(nil), DefaultTickers...)
	c.Venue.Discover = true
	c.Venue.MaxTickers = 20
	c.Venue.HandshakeTimeout = 10 * time.Second
	c.Venue.HeartbeatInterval = 15 * time.Second
	c.Venue.PongTimeout = 10 * time.Second
	c.Venue.BackoffBase = 1 * time.Second
	c.Venue.BackoffCap = 30 * time.Second
	c.Venue.BackoffJitter = 0.2
	c.Venue.SubscribeRate = 10
	c.Venue.RawBuffer = 1024

	c.Writer.QueueSize = 4096
	c.Writer.FlushRecords = 256
	c.Writer.FlushInterval = 50 * time.Millisecond
	c.Writer.SnapshotInterval = 5 * time.Second
	c.Writer.MaxRecentTrades = domain.DefaultMaxRecentTrades

	c.Storage.DataDir = "data"
	c.Storage.RotateBytes = 64 << 20
	c.Storage.RotateAge = time.Hour
	c.Storage.MaxArchives = 168
	c.Storage.CatalogFile = "catalog.db"

	c.Bridge.PollInterval = 250 * time.Millisecond
	c.Bridge.LivenessTimeout = 15 * time.Second
	c.Bridge.StartupTimeout = 2 * time.Second
	c.Bridge.SyntheticTick = 200 * time.Millisecond

	c.Logging.Level = "info"
	c.Logging.Dir = "logs"
	c.Logging.File = "daemon.log"
	c.Logging.MaxSizeMB = 10
	c.Logging.MaxBackups = 3
	c.Logging.MaxAgeDays = 28
	c.Logging.Compress = true

	c.Debug.StatusInterval = 30 * time.Second
	return &c
}

// LoadConfig reads the YAML file at path on top of the defaults.
// A missing file is not an error; a malformed one is.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	// 환경 변수 오버라이드
	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if !hasPrefix(c.Venue.WSURL, "ws://") && !hasPrefix(c.Venue.WSURL, "wss://") {
		return &domain.ConfigError{Field: "venue.ws_url", Err: fmt.Errorf("invalid websocket url %q", c.Venue.WSURL)}
	}
	if len(c.Venue.Tickers) == 0 && !c.Venue.Discover {
		return &domain.ConfigError{Field: "venue.tickers", Err: errors.New("at least one ticker is required when discovery is off")}
	}
	if c.Venue.Discover && !hasPrefix(c.Venue.MarketsURL, "http://") && !hasPrefix(c.Venue.MarketsURL, "https://") {
		return &domain.ConfigError{Field: "venue.markets_url", Err: fmt.Errorf("invalid markets url %q", c.Venue.MarketsURL)}
	}
	if c.Venue.MaxTickers <= 0 {
		return &domain.ConfigError{Field: "venue.max_tickers", Err: errors.New("must be positive")}
	}

	positive := map[string]time.Duration{
		"venue.heartbeat_interval": c.Venue.HeartbeatInterval,
		"venue.pong_timeout":       c.Venue.PongTimeout,
		"venue.backoff_base":       c.Venue.BackoffBase,
		"writer.flush_interval":    c.Writer.FlushInterval,
		"writer.snapshot_interval": c.Writer.SnapshotInterval,
		"bridge.poll_interval":     c.Bridge.PollInterval,
		"bridge.liveness_timeout":  c.Bridge.LivenessTimeout,
		"bridge.startup_timeout":   c.Bridge.StartupTimeout,
		"bridge.synthetic_tick":    c.Bridge.SyntheticTick,
	}
	for field, d := range positive {
		if d <= 0 {
			return &domain.ConfigError{Field: field, Err: errors.New("must be positive")}
		}
	}

	if c.Venue.BackoffCap < c.Venue.BackoffBase {
		return &domain.ConfigError{Field: "venue.backoff_cap", Err: errors.New("must not be below backoff_base")}
	}
	if c.Venue.BackoffJitter < 0 || c.Venue.BackoffJitter > 1 {
		return &domain.ConfigError{Field: "venue.backoff_jitter", Err: errors.New("must be within [0, 1]")}
	}
	if c.Venue.SubscribeRate <= 0 {
		return &domain.ConfigError{Field: "venue.subscribe_rate", Err: errors.New("must be positive")}
	}
	if c.Writer.QueueSize <= 0 || c.Writer.FlushRecords <= 0 {
		return &domain.ConfigError{Field: "writer.queue_size", Err: errors.New("queue and flush sizes must be positive")}
	}
	if c.Storage.DataDir == "" {
		return &domain.ConfigError{Field: "storage.data_dir", Err: errors.New("missing value")}
	}
	if c.Storage.RotateBytes <= 0 || c.Storage.RotateAge <= 0 {
		return &domain.ConfigError{Field: "storage.rotate_bytes", Err: errors.New("rotation thresholds must be positive")}
	}
	if c.Storage.MaxArchives < 0 {
		return &domain.ConfigError{Field: "storage.max_archives", Err: errors.New("must not be negative")}
	}

	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[0:len(prefix)] == prefix
}

// overrideWithEnv replaces config values with environment variables when set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("FEED_WS_URL"); v != "" {
		cfg.Venue.WSURL = v
	}
	if v := os.Getenv("FEED_MARKETS_URL"); v != "" {
		cfg.Venue.MarketsURL = v
	}
	if v := os.Getenv("FEED_TICKERS"); v != "" {
		var tickers []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
				tickers = append(tickers, t)
			}
		}
		cfg.Venue.Tickers = tickers
	}
	if v := os.Getenv("FEED_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("FEED_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
