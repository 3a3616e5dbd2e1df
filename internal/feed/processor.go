package feed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"marketfeed/internal/domain"
	"marketfeed/internal/infra"
	"marketfeed/internal/infra/venue"
)

type streamKey struct {
	channel string
	ticker  string
}

type streamState struct {
	last   int64
	synced bool
	stale  bool
}

// Processor turns raw venue messages into canonical log records.
// It is owned by a single goroutine and never touches disk.
type Processor struct {
	resync  domain.ResyncRequester
	logger  *slog.Logger
	metrics *infra.Metrics

	books   map[string]*levelBook
	tops    map[string]domain.OrderBookTop
	streams map[streamKey]*streamState
	stale   map[string]bool // tickers with at least one stale stream
}

// NewProcessor creates a processor. resync may be nil in tests.
func NewProcessor(resync domain.ResyncRequester, logger *slog.Logger, metrics *infra.Metrics) *Processor {
	return &Processor{
		resync:  resync,
		logger:  infra.Component(logger, "feed"),
		metrics: infra.OrGlobal(metrics),
		books:   make(map[string]*levelBook),
		tops:    make(map[string]domain.OrderBookTop),
		streams: make(map[streamKey]*streamState),
		stale:   make(map[string]bool),
	}
}

// Process decodes one message. Control messages and dropped data yield no
// records and no error; malformed messages yield a *domain.DecodeError.
func (p *Processor) Process(raw []byte, receivedAt time.Time) ([]domain.LogRecord, error) {
	var env venue.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &domain.DecodeError{Reason: "invalid json", Err: err}
	}

	switch env.Type {
	case venue.TypeConnected:
		return nil, nil
	case venue.TypeError:
		p.logger.Warn("venue error message", slog.String("message", env.Message), slog.String("id", env.ID))
		return nil, nil
	case venue.TypeSubscribed, venue.TypeUnsubscribed, venue.TypeChannelData:
	case "":
		return nil, &domain.DecodeError{Reason: "missing type"}
	default:
		return nil, &domain.DecodeError{Reason: "unknown type " + env.Type}
	}

	if env.ID == "" {
		return nil, &domain.DecodeError{Reason: "missing id"}
	}
	if env.Channel != venue.ChannelOrderbook && env.Channel != venue.ChannelTrades {
		return nil, &domain.DecodeError{Reason: "unknown channel " + env.Channel}
	}

	key := streamKey{channel: env.Channel, ticker: env.ID}
	switch env.Type {
	case venue.TypeUnsubscribed:
		if st, ok := p.streams[key]; ok {
			st.synced = false
		}
		return nil, nil
	case venue.TypeSubscribed:
		return p.handleSubscribed(key, env, receivedAt)
	default:
		return p.handleData(key, env, receivedAt)
	}
}

// handleSubscribed resets the stream baseline. For the orderbook the
// contents are a full book; for trades they are history already covered
// by earlier prints, so only the baseline is taken.
func (p *Processor) handleSubscribed(key streamKey, env venue.Envelope, receivedAt time.Time) ([]domain.LogRecord, error) {
	var book venue.BookContents
	if key.channel == venue.ChannelOrderbook && len(env.Contents) > 0 {
		if err := json.Unmarshal(env.Contents, &book); err != nil {
			return nil, &domain.DecodeError{Reason: "orderbook snapshot", Err: err}
		}
	}

	st := p.stream(key)
	st.last = env.Seq
	st.synced = true
	if st.stale {
		st.stale = false
		p.refreshStale(key.ticker)
		p.logger.Info("ticker resynced", slog.String("ticker", key.ticker), slog.String("channel", key.channel))
	}

	if key.channel != venue.ChannelOrderbook {
		return nil, nil
	}

	lb := p.book(key.ticker)
	lb.reset()
	lb.update(book)
	return p.emitTop(key.ticker, lb, receivedAt), nil
}

func (p *Processor) handleData(key streamKey, env venue.Envelope, receivedAt time.Time) ([]domain.LogRecord, error) {
	st, ok := p.streams[key]
	if !ok || !st.synced || st.stale {
		return nil, nil
	}

	if env.Seq != 0 {
		switch {
		case env.Seq <= st.last:
			return nil, nil
		case env.Seq != st.last+1:
			p.markStale(key, st, env.Seq)
			return nil, nil
		}
	}

	// Decode before advancing: a message that cannot be applied shows up as a gap next time.
	var records []domain.LogRecord
	switch key.channel {
	case venue.ChannelOrderbook:
		var book venue.BookContents
		if err := json.Unmarshal(env.Contents, &book); err != nil {
			return nil, &domain.DecodeError{Reason: "orderbook contents", Err: err}
		}
		lb := p.book(key.ticker)
		lb.update(book)
		records = p.emitTop(key.ticker, lb, receivedAt)

	case venue.ChannelTrades:
		var trades venue.TradesContents
		if err := json.Unmarshal(env.Contents, &trades); err != nil {
			return nil, &domain.DecodeError{Reason: "trades contents", Err: err}
		}
		for _, tr := range trades.Trades {
			if !tr.Price.IsPositive() || !tr.Size.IsPositive() {
				return nil, &domain.DecodeError{Reason: "trade without price or size"}
			}
		}
		records = make([]domain.LogRecord, 0, len(trades.Trades))
		for _, tr := range trades.Trades {
			observed := tr.CreatedAt
			if observed.IsZero() {
				observed = receivedAt
			}
			records = append(records, domain.NewTradeRecord(domain.TradeEvent{
				Ticker:        key.ticker,
				Price:         tr.Price,
				Size:          tr.Size,
				Side:          parseSide(tr.Side),
				VenueSequence: env.Seq,
				ObservedAt:    observed.UTC(),
			}))
		}
	}

	if env.Seq != 0 {
		st.last = env.Seq
	}
	return records, nil
}

func (p *Processor) markStale(key streamKey, st *streamState, got int64) {
	st.stale = true
	p.metrics.RecordGap()
	p.logger.Warn("sequence gap, ticker marked stale",
		slog.String("ticker", key.ticker),
		slog.String("channel", key.channel),
		slog.Int64("expected", st.last+1),
		slog.Int64("got", got),
	)

	if p.stale[key.ticker] {
		return // resync already requested
	}
	p.stale[key.ticker] = true
	p.metrics.SetStale(len(p.stale))
	if p.resync != nil {
		p.resync.Resync(key.ticker)
	}
}

func (p *Processor) refreshStale(ticker string) {
	for k, st := range p.streams {
		if k.ticker == ticker && st.stale {
			return
		}
	}
	delete(p.stale, ticker)
	p.metrics.SetStale(len(p.stale))
}

// emitTop returns a book_top record when the top of book moved.
func (p *Processor) emitTop(ticker string, lb *levelBook, receivedAt time.Time) []domain.LogRecord {
	if lb.empty() {
		return nil
	}
	bid, ask := lb.best()
	top := domain.OrderBookTop{
		Ticker:     ticker,
		BestBid:    bid.Price,
		BestAsk:    ask.Price,
		BidSize:    bid.Size,
		AskSize:    ask.Size,
		ObservedAt: receivedAt.UTC(),
	}
	if prev, ok := p.tops[ticker]; ok && prev.SameLevels(top) {
		return nil
	}
	p.tops[ticker] = top
	return []domain.LogRecord{domain.NewBookRecord(top)}
}

func (p *Processor) stream(key streamKey) *streamState {
	st, ok := p.streams[key]
	if !ok {
		st = &streamState{}
		p.streams[key] = st
	}
	return st
}

func (p *Processor) book(ticker string) *levelBook {
	lb, ok := p.books[ticker]
	if !ok {
		lb = newLevelBook()
		p.books[ticker] = lb
	}
	return lb
}

// Stale lists tickers currently waiting for a resync, sorted.
func (p *Processor) Stale() []string {
	out := make([]string, 0, len(p.stale))
	for t := range p.stale {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Run feeds every message from in through Process and pushes the records to
// sink. It returns when in is closed, so a shutdown drains what the client
// already received.
func (p *Processor) Run(in <-chan venue.RawMessage, sink domain.RecordSink) error {
	p.logger.Info("processor started")
	for msg := range in {
		records, err := p.Process(msg.Data, msg.ReceivedAt)
		if err != nil {
			p.metrics.RecordDecodeError()
			p.logger.Warn("dropping malformed message", slog.Any("error", err))
			continue
		}
		for _, rec := range records {
			if err := sink.Push(rec); err != nil {
				if errors.Is(err, domain.ErrQueueClosed) {
					p.logger.Warn("write queue closed, processor stopping")
					return nil
				}
				return err
			}
		}
	}
	p.logger.Info("processor drained")
	return nil
}

func parseSide(s string) domain.Side {
	if strings.EqualFold(s, "buy") {
		return domain.SideBuy
	}
	return domain.SideSell
}
