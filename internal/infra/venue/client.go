package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeTimeout    = 5 * time.Second
	resyncQueueSize = 64
)

// ClientConfig tunes one venue connection.
type ClientConfig struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	Backoff           infra.BackoffPolicy
	SubscribeRate     float64 // subscribe messages per second
	BufferSize        int     // capacity of the Messages channel
	Channels          []string
}

// ConfigFromInfra maps the venue section of the daemon config.
func ConfigFromInfra(cfg *infra.Config) ClientConfig {
	return ClientConfig{
		HandshakeTimeout:  cfg.Venue.HandshakeTimeout,
		HeartbeatInterval: cfg.Venue.HeartbeatInterval,
		PongTimeout:       cfg.Venue.PongTimeout,
		Backoff:           infra.NewBackoffPolicy(cfg),
		SubscribeRate:     cfg.Venue.SubscribeRate,
		BufferSize:        cfg.Venue.RawBuffer,
		Channels:          DefaultChannels,
	}
}

// Client owns the websocket connection to the venue and runs the
// Disconnected -> Connecting -> Connected -> Backoff state machine.
type Client struct {
	cfg     ClientConfig
	logger  *slog.Logger
	metrics *infra.Metrics
	limiter *rate.Limiter

	messages chan RawMessage
	resync   chan string
	stop     chan struct{}
	done     chan struct{}

	mu       sync.RWMutex
	endpoint string
	tickers  []string
	state    domain.ConnectionState
	onState  func(domain.ConnectionState)
	running  bool
	shutdown bool
	stopOnce sync.Once
}

var _ domain.StreamClient = (*Client)(nil)
var _ domain.ResyncRequester = (*Client)(nil)

// NewClient creates a client. Nothing is dialed until Run.
func NewClient(cfg ClientConfig, logger *slog.Logger, metrics *infra.Metrics) *Client {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	limit := rate.Limit(cfg.SubscribeRate)
	if cfg.SubscribeRate <= 0 {
		limit = rate.Inf
	}
	burst := int(cfg.SubscribeRate)
	if burst < 1 {
		burst = 1
	}

	return &Client{
		cfg:      cfg,
		logger:   infra.Component(logger, "venue"),
		metrics:  infra.OrGlobal(metrics),
		limiter:  rate.NewLimiter(limit, burst),
		messages: make(chan RawMessage, cfg.BufferSize),
		resync:   make(chan string, resyncQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		state:    domain.ConnectionState{State: domain.Disconnected, Since: time.Now()},
	}
}

// Connect validates and records the endpoint. It performs no I/O.
func (c *Client) Connect(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return &domain.ConfigError{Field: "venue.ws_url", Err: err}
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return &domain.ConfigError{Field: "venue.ws_url", Err: fmt.Errorf("unsupported scheme %q", u.Scheme)}
	}

	c.mu.Lock()
	c.endpoint = endpoint
	c.mu.Unlock()
	return nil
}

// SetTickers replaces the tracked set. It is applied in full on the next (re)connect.
func (c *Client) SetTickers(tickers []string) {
	c.mu.Lock()
	c.tickers = append([]string(nil), tickers...)
	c.mu.Unlock()
}

// Tickers returns the tracked set.
func (c *Client) Tickers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.tickers...)
}

// OnStateChange registers a hook called on every transition, from the run loop.
func (c *Client) OnStateChange(fn func(domain.ConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// State returns the current connection state.
func (c *Client) State() domain.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Messages returns the raw inbound stream. It is closed after Shutdown.
func (c *Client) Messages() <-chan RawMessage {
	return c.messages
}

// Resync asks for one ticker to be unsubscribed and subscribed again.
// Requests made while no session is up are dropped: reconnecting subscribes everything.
func (c *Client) Resync(ticker string) {
	select {
	case c.resync <- ticker:
	default:
		c.logger.Warn("resync queue full, dropping request", slog.String("ticker", ticker))
	}
}

// Shutdown stops the client and waits for Run to return, then closes Messages.
// Safe to call more than once.
func (c *Client) Shutdown() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.shutdown = true
		running := c.running
		c.mu.Unlock()

		close(c.stop)
		if running {
			<-c.done
		}
		c.setState(domain.Disconnected, 0, 0)
		close(c.messages)
		c.logger.Info("venue client stopped")
	})
}

// Run blocks until Shutdown or ctx is done. Network failures never end it.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	endpoint := c.endpoint
	switch {
	case c.shutdown:
		c.mu.Unlock()
		return domain.ErrClientStopped
	case c.running:
		c.mu.Unlock()
		return errors.New("venue client already running")
	case endpoint == "":
		c.mu.Unlock()
		return &domain.ConfigError{Field: "venue.ws_url", Err: errors.New("Connect was not called")}
	}
	c.running = true
	c.mu.Unlock()
	defer close(c.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	degraded := false
	for {
		if ctx.Err() != nil {
			c.setState(domain.Disconnected, 0, attempt)
			return nil
		}

		c.setState(domain.Connecting, 0, attempt)
		conn, err := c.dial(ctx, endpoint)
		if err == nil {
			if attempt > 0 {
				c.metrics.RecordReconnect()
				c.logger.Info("venue reconnected", slog.Int("after_attempts", attempt))
			}
			attempt = 0
			degraded = false
			c.setState(domain.Connected, 0, 0)

			err = c.session(ctx, conn)
		}
		if ctx.Err() != nil {
			c.setState(domain.Disconnected, 0, attempt)
			return nil
		}

		if !degraded && c.cfg.Backoff.AtCap(attempt) {
			degraded = true
			c.metrics.RecordDegraded()
			c.logger.Warn("venue unreachable, backoff at cap; still retrying",
				slog.Duration("cap", c.cfg.Backoff.Cap),
				slog.Int("attempt", attempt),
			)
		}

		delay := c.cfg.Backoff.Next(attempt)
		c.logger.Warn("venue connection lost",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
		)
		attempt++
		c.setState(domain.Backoff, delay, attempt)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.setState(domain.Disconnected, 0, attempt)
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) dial(ctx context.Context, endpoint string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}

	header := make(http.Header)
	header.Add("User-Agent", infra.DefaultUserAgent)

	conn, _, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, domain.NewNetworkError("dial", err)
	}
	return conn, nil
}

// session drives one live connection: it subscribes every tracked ticker,
// then multiplexes heartbeats, resync requests and the read loop until
// something fails or ctx ends. All writes happen on this goroutine.
func (c *Client) session(ctx context.Context, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case pongCh <- struct{}{}:
		default:
		}
		return nil
	})

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(sessCtx, conn) }()

	closeAndWait := func() {
		cancel()
		conn.Close()
		<-readErr
	}

	// Stale requests from a previous session are covered by the full subscribe below.
	c.drainResync()

	tickers := c.Tickers()
	for _, ticker := range tickers {
		if err := c.subscribe(sessCtx, conn, ticker); err != nil {
			closeAndWait()
			return err
		}
	}
	c.logger.Info("venue subscribed",
		slog.Int("tickers", len(tickers)),
		slog.Int("channels", len(c.cfg.Channels)),
	)

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var pongTimer *time.Timer
	var pongDeadline <-chan time.Time
	defer func() {
		if pongTimer != nil {
			pongTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			closeAndWait()
			return ctx.Err()

		case err := <-readErr:
			conn.Close()
			return domain.NewNetworkError("read", err)

		case <-heartbeat.C:
			if pongDeadline != nil {
				continue // previous ping still outstanding
			}
			if err := conn.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(writeTimeout)); err != nil {
				closeAndWait()
				return domain.NewNetworkError("ping", err)
			}
			pongTimer = time.NewTimer(c.cfg.PongTimeout)
			pongDeadline = pongTimer.C

		case <-pongCh:
			if pongTimer != nil {
				pongTimer.Stop()
				pongTimer, pongDeadline = nil, nil
			}

		case <-pongDeadline:
			c.logger.Warn("no pong received, connection stale", slog.Duration("timeout", c.cfg.PongTimeout))
			closeAndWait()
			return domain.NewNetworkError("heartbeat", domain.ErrPongTimeout)

		case ticker := <-c.resync:
			if err := c.resubscribe(sessCtx, conn, ticker); err != nil {
				closeAndWait()
				return err
			}
		}
	}
}

// readLoop forwards frames to Messages. The send blocks: the processor on the
// other side never touches disk, so a full buffer only means a short burst.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		receivedAt := time.Now()
		if err != nil {
			return err
		}

		c.metrics.RecordMessage()
		select {
		case c.messages <- RawMessage{Data: data, ReceivedAt: receivedAt}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, ticker string) error {
	for _, ch := range c.cfg.Channels {
		if err := c.send(ctx, conn, SubscribeMessage(ch, ticker)); err != nil {
			return fmt.Errorf("subscribe %s %s: %w", ch, ticker, err)
		}
	}
	return nil
}

func (c *Client) resubscribe(ctx context.Context, conn *websocket.Conn, ticker string) error {
	c.metrics.RecordResync()
	c.logger.Info("resubscribing ticker", slog.String("ticker", ticker))
	for _, ch := range c.cfg.Channels {
		if err := c.send(ctx, conn, UnsubscribeMessage(ch, ticker)); err != nil {
			return fmt.Errorf("unsubscribe %s %s: %w", ch, ticker, err)
		}
	}
	return c.subscribe(ctx, conn, ticker)
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, msg []byte) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return domain.NewNetworkError("write", err)
	}
	return nil
}

func (c *Client) drainResync() {
	for {
		select {
		case <-c.resync:
		default:
			return
		}
	}
}

func (c *Client) setState(s domain.ConnState, delay time.Duration, attempt int) {
	c.mu.Lock()
	if c.state.State == s && c.state.Delay == delay {
		c.mu.Unlock()
		return
	}
	c.state = domain.ConnectionState{State: s, Delay: delay, Attempt: attempt, Since: time.Now()}
	st := c.state
	hook := c.onState
	c.mu.Unlock()

	c.metrics.SetConnState(int(s))
	c.logger.Debug("venue state", slog.String("state", st.String()), slog.Int("attempt", attempt))
	if hook != nil {
		hook(st)
	}
}
