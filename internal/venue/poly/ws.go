// ws.go implements the Polymarket market-data push feed.
//
// The public market channel is subscribed by asset ID (token ID) and
// delivers "book" snapshots plus "price_change" deltas. The feed folds
// deltas into a per-token book and emits a normalized snapshot on every
// change. Auto-reconnect mirrors the REST retry posture: exponential
// backoff capped at 30s, full re-subscribe after each reconnect.
package poly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // server expects PING within 60s
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
)

// Feed maintains the market-channel connection for subscribed tokens.
type Feed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	booksMu sync.Mutex
	books   map[string]*tokenBook

	update venue.UpdateFunc
	logger *slog.Logger
}

// tokenBook holds contracts by price for one token, per side.
type tokenBook struct {
	asks map[float64]float64
	bids map[float64]float64
}

// NewFeed creates the feed. SetUpdateFunc must be called before Run.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		books:      make(map[string]*tokenBook),
		logger:     logger.With("component", "poly_ws"),
	}
}

// SetUpdateFunc installs the snapshot callback.
func (f *Feed) SetUpdateFunc(fn venue.UpdateFunc) { f.update = fn }

// Subscribe adds token IDs to the stream.
func (f *Feed) Subscribe(ctx context.Context, instruments []string) error {
	fresh := make([]string, 0, len(instruments))
	f.subscribedMu.Lock()
	for _, id := range instruments {
		if !f.subscribed[id] {
			f.subscribed[id] = true
			fresh = append(fresh, id)
		}
	}
	f.subscribedMu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	return f.writeJSON(map[string]interface{}{
		"operation": "subscribe",
		"assets_ids": fresh,
	})
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
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
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

	f.booksMu.Lock()
	f.books = make(map[string]*tokenBook)
	f.booksMu.Unlock()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx, conn)

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

func (f *Feed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	if len(ids) == 0 {
		return nil
	}
	return f.writeJSON(map[string]interface{}{
		"type":       "market",
		"assets_ids": ids,
	})
}

type wsBookEvent struct {
	EventType string          `json:"event_type"`
	AssetID   string          `json:"asset_id"`
	Asks      []bookLevelJSON `json:"asks"`
	Bids      []bookLevelJSON `json:"bids"`
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Changes []struct {
		Price string `json:"price"`
		Size  string `json:"size"`
		Side  string `json:"side"`
	} `json:"changes"`
}

func (f *Feed) dispatchMessage(data []byte) {
	// The server batches events into arrays; normalize to a slice first.
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		batch = []json.RawMessage{data}
	}

	for _, raw := range batch {
		var envelope struct {
			EventType string `json:"event_type"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			f.logger.Debug("ignoring non-json ws message", "data", string(raw))
			continue
		}

		switch envelope.EventType {
		case "book":
			var evt wsBookEvent
			if err := json.Unmarshal(raw, &evt); err != nil {
				f.logger.Error("unmarshal book event", "error", err)
				continue
			}
			f.applyBook(evt)

		case "price_change":
			var evt wsPriceChange
			if err := json.Unmarshal(raw, &evt); err != nil {
				f.logger.Error("unmarshal price_change event", "error", err)
				continue
			}
			f.applyPriceChange(evt)

		case "last_trade_price", "tick_size_change", "best_bid_ask":
			f.logger.Debug("ignoring event", "type", envelope.EventType)

		default:
			f.logger.Debug("unknown ws event type", "type", envelope.EventType)
		}
	}
}

func (f *Feed) applyBook(evt wsBookEvent) {
	book := &tokenBook{asks: make(map[float64]float64), bids: make(map[float64]float64)}
	for _, lv := range evt.Asks {
		if price, size, ok := parseLevel(lv); ok {
			book.asks[price] = size
		}
	}
	for _, lv := range evt.Bids {
		if price, size, ok := parseLevel(lv); ok {
			book.bids[price] = size
		}
	}

	f.booksMu.Lock()
	f.books[evt.AssetID] = book
	f.booksMu.Unlock()

	f.emit(evt.AssetID)
}

func (f *Feed) applyPriceChange(evt wsPriceChange) {
	f.booksMu.Lock()
	book, ok := f.books[evt.AssetID]
	if !ok {
		// Delta before snapshot; a fresh book arrives on resubscribe.
		f.booksMu.Unlock()
		return
	}
	for _, ch := range evt.Changes {
		price, err1 := strconv.ParseFloat(ch.Price, 64)
		size, err2 := strconv.ParseFloat(ch.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		side := book.asks
		if ch.Side == "BUY" {
			side = book.bids
		}
		if size <= 0 {
			delete(side, price)
		} else {
			side[price] = size
		}
	}
	f.booksMu.Unlock()

	f.emit(evt.AssetID)
}

func parseLevel(lv bookLevelJSON) (price, size float64, ok bool) {
	price, err1 := strconv.ParseFloat(lv.Price, 64)
	size, err2 := strconv.ParseFloat(lv.Size, 64)
	return price, size, err1 == nil && err2 == nil
}

// emit builds the normalized snapshot for one token and invokes the
// update callback.
func (f *Feed) emit(assetID string) {
	if f.update == nil {
		return
	}

	f.booksMu.Lock()
	book, ok := f.books[assetID]
	if !ok {
		f.booksMu.Unlock()
		return
	}
	asks := make([]types.PriceLevel, 0, len(book.asks))
	for price, size := range book.asks {
		asks = append(asks, types.PriceLevel{Price: price, Size: size})
	}
	bids := make([]types.PriceLevel, 0, len(book.bids))
	for price, size := range book.bids {
		bids = append(bids, types.PriceLevel{Price: price, Size: size})
	}
	f.booksMu.Unlock()

	sortLevelsAsc(asks)
	sortLevelsDesc(bids)

	f.update(assetID, types.OrderbookSnapshot{
		Venue:      types.VenuePoly,
		Instrument: assetID,
		Asks:       asks,
		Bids:       bids,
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
			err := conn.WriteMessage(websocket.TextMessage, []byte("PING"))
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
