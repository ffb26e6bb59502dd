// ws.go implements the Kalshi market-data push feed.
//
// Kalshi streams one orderbook_snapshot per subscribed ticker followed by
// orderbook_delta updates. Deltas are quantity adjustments at a price
// level, per side. The feed folds them into a per-ticker book and emits
// a normalized per-leg snapshot on every change, so downstream consumers
// only ever see whole books.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max)
// and re-subscribes to every tracked ticker. Kalshi authenticates the
// handshake itself, so each dial is re-signed.
package kalshi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	wsSignPath       = "/trade-api/ws/v2"
	pingInterval     = 10 * time.Second
	readTimeout      = 30 * time.Second // ~3 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Feed maintains the authenticated orderbook_delta stream.
type Feed struct {
	url    string
	auth   *Auth
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // market tickers

	booksMu sync.Mutex
	books   map[string]*bookState // ticker -> folded book

	update venue.UpdateFunc

	// msgID is bumped from Subscribe and the reconnect resubscribe path,
	// which run on different goroutines.
	msgID atomic.Int64

	logger *slog.Logger
}

// bookState is the folded per-ticker book: contracts by price level in
// cents, one map per side.
type bookState struct {
	yes map[int]float64
	no  map[int]float64
}

// NewFeed creates the feed. SetUpdateFunc must be called before Run.
func NewFeed(wsURL string, auth *Auth, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		auth:       auth,
		subscribed: make(map[string]bool),
		books:      make(map[string]*bookState),
		logger:     logger.With("component", "kalshi_ws"),
	}
}

// SetUpdateFunc installs the snapshot callback.
func (f *Feed) SetUpdateFunc(fn venue.UpdateFunc) { f.update = fn }

// Subscribe adds leg instruments to the stream. Both legs of a ticker map
// to one native subscription; the feed fans snapshots back out per leg.
func (f *Feed) Subscribe(ctx context.Context, instruments []string) error {
	tickers := make([]string, 0, len(instruments))
	f.subscribedMu.Lock()
	for _, instrument := range instruments {
		ticker, _, err := splitInstrument(instrument)
		if err != nil {
			f.subscribedMu.Unlock()
			return err
		}
		if !f.subscribed[ticker] {
			f.subscribed[ticker] = true
			tickers = append(tickers, ticker)
		}
	}
	f.subscribedMu.Unlock()

	if len(tickers) == 0 {
		return nil
	}
	return f.sendSubscribe(tickers)
}

// Run connects and maintains the stream with auto-reconnect. Blocks until
// ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		start := time.Now()
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	headers, err := f.auth.Headers(http.MethodGet, wsSignPath)
	if err != nil {
		return fmt.Errorf("sign handshake: %w", err)
	}
	h := http.Header{}
	for k, v := range headers {
		h.Set(k, v)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, h)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Books restart from the snapshot the server sends after subscribing.
	f.booksMu.Lock()
	f.books = make(map[string]*bookState)
	f.booksMu.Unlock()

	if err := f.resubscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) resubscribe() error {
	f.subscribedMu.RLock()
	tickers := make([]string, 0, len(f.subscribed))
	for t := range f.subscribed {
		tickers = append(tickers, t)
	}
	f.subscribedMu.RUnlock()

	if len(tickers) == 0 {
		return nil
	}
	return f.sendSubscribe(tickers)
}

type wsCommand struct {
	ID     int             `json:"id"`
	Cmd    string          `json:"cmd"`
	Params wsCommandParams `json:"params"`
}

type wsCommandParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

func (f *Feed) sendSubscribe(tickers []string) error {
	return f.writeJSON(wsCommand{
		ID:  int(f.msgID.Add(1)),
		Cmd: "subscribe",
		Params: wsCommandParams{
			Channels:      []string{"orderbook_delta"},
			MarketTickers: tickers,
		},
	})
}

type wsEnvelope struct {
	Type string          `json:"type"`
	Msg  json.RawMessage `json:"msg"`
}

type wsSnapshot struct {
	MarketTicker string      `json:"market_ticker"`
	Yes          [][]float64 `json:"yes"`
	No           [][]float64 `json:"no"`
}

type wsDelta struct {
	MarketTicker string  `json:"market_ticker"`
	Price        int     `json:"price"`
	Delta        float64 `json:"delta"`
	Side         string  `json:"side"`
}

func (f *Feed) dispatchMessage(data []byte) {
	var envelope wsEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "orderbook_snapshot":
		var snap wsSnapshot
		if err := json.Unmarshal(envelope.Msg, &snap); err != nil {
			f.logger.Error("unmarshal orderbook_snapshot", "error", err)
			return
		}
		f.applySnapshot(snap)

	case "orderbook_delta":
		var delta wsDelta
		if err := json.Unmarshal(envelope.Msg, &delta); err != nil {
			f.logger.Error("unmarshal orderbook_delta", "error", err)
			return
		}
		f.applyDelta(delta)

	case "subscribed", "ok":
		f.logger.Debug("subscription acknowledged")

	case "error":
		f.logger.Error("ws error frame", "msg", string(envelope.Msg))

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.Type)
	}
}

func (f *Feed) applySnapshot(snap wsSnapshot) {
	state := &bookState{yes: make(map[int]float64), no: make(map[int]float64)}
	for _, lv := range snap.Yes {
		if len(lv) >= 2 {
			state.yes[int(lv[0])] = lv[1]
		}
	}
	for _, lv := range snap.No {
		if len(lv) >= 2 {
			state.no[int(lv[0])] = lv[1]
		}
	}

	f.booksMu.Lock()
	f.books[snap.MarketTicker] = state
	f.booksMu.Unlock()

	f.emit(snap.MarketTicker, "yes")
	f.emit(snap.MarketTicker, "no")
}

func (f *Feed) applyDelta(delta wsDelta) {
	f.booksMu.Lock()
	state, ok := f.books[delta.MarketTicker]
	if !ok {
		// Delta before snapshot: nothing to fold into. The server sends a
		// fresh snapshot on (re)subscribe, so skip rather than guess.
		f.booksMu.Unlock()
		return
	}

	side := state.yes
	if delta.Side == "no" {
		side = state.no
	}
	qty := side[delta.Price] + delta.Delta
	if qty <= 0 {
		delete(side, delta.Price)
	} else {
		side[delta.Price] = qty
	}
	f.booksMu.Unlock()

	f.emit(delta.MarketTicker, delta.Side)
}

// emit builds the normalized ask-side snapshot for one leg and invokes
// the update callback.
func (f *Feed) emit(ticker, side string) {
	if f.update == nil {
		return
	}

	f.booksMu.Lock()
	state, ok := f.books[ticker]
	if !ok {
		f.booksMu.Unlock()
		return
	}
	levels := state.yes
	if side == "no" {
		levels = state.no
	}
	asks := make([]types.PriceLevel, 0, len(levels))
	for cents, qty := range levels {
		asks = append(asks, types.PriceLevel{Price: float64(cents) / 100.0, Size: qty})
	}
	f.booksMu.Unlock()

	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	instrument := legInstrument(ticker, side)
	f.update(instrument, types.OrderbookSnapshot{
		Venue:      types.VenueKalshi,
		Instrument: instrument,
		Asks:       asks,
		ReceivedAt: time.Now(),
	})
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			if f.conn != conn {
				f.connMu.Unlock()
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			f.connMu.Unlock()
			if err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
