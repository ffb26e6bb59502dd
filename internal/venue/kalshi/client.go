// Package kalshi implements the Kalshi trade-api v2 adapter.
//
// Kalshi quotes prices in whole cents and books are keyed by market ticker
// with separate yes/no sides. The adapter normalizes both: prices become
// [0,1] fractions, and each market exposes two opaque leg instruments of
// the form "<TICKER>|yes" and "<TICKER>|no" that only this package decodes.
//
// Kalshi is the venue-of-record: its cash balance drives the risk manager.
package kalshi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const signPrefix = "/trade-api/v2"

// Client is the Kalshi REST adapter. It wraps a resty client with retry
// and a circuit breaker so a misbehaving venue degrades to fast failures
// instead of piling up blocked calls.
type Client struct {
	http    *resty.Client
	auth    *Auth
	breaker *gobreaker.CircuitBreaker
	feed    *Feed
	logger  *slog.Logger
}

// NewClient creates the adapter. The push feed is created alongside and
// shares the auth so reconnects can re-sign the handshake.
func NewClient(cfg config.KalshiConfig, logger *slog.Logger) (*Client, error) {
	auth, err := NewAuth(cfg.KeyID, cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "kalshi-rest",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})

	c := &Client{
		http:    httpClient,
		auth:    auth,
		breaker: breaker,
		logger:  logger.With("component", "kalshi"),
	}
	c.feed = NewFeed(cfg.WSURL, auth, c.logger)
	return c, nil
}

// Name implements venue.Adapter.
func (c *Client) Name() types.Venue { return types.VenueKalshi }

// legInstrument builds the opaque per-side identifier.
func legInstrument(ticker, side string) string { return ticker + "|" + side }

// splitInstrument decodes a leg instrument back to ticker and native side.
func splitInstrument(instrument string) (ticker, side string, err error) {
	i := strings.LastIndexByte(instrument, '|')
	if i < 0 {
		return "", "", venue.Fatal(fmt.Errorf("malformed kalshi instrument %q", instrument))
	}
	ticker, side = instrument[:i], instrument[i+1:]
	if side != "yes" && side != "no" {
		return "", "", venue.Fatal(fmt.Errorf("malformed kalshi instrument %q", instrument))
	}
	return ticker, side, nil
}

type apiMarket struct {
	Ticker           string  `json:"ticker"`
	Title            string  `json:"title"`
	Subtitle         string  `json:"subtitle"`
	CloseTime        string  `json:"close_time"`
	ExpirationTime   string  `json:"expiration_time"`
	YesBid           int     `json:"yes_bid"`
	YesAsk           int     `json:"yes_ask"`
	NoBid            int     `json:"no_bid"`
	NoAsk            int     `json:"no_ask"`
	Volume           float64 `json:"volume"`
	SettlementSource string  `json:"settlement_source"`
	FloorStrike      float64 `json:"floor_strike"`
	TickSize         int     `json:"tick_size"`
}

type marketsResponse struct {
	Markets []apiMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

// FetchCatalog lists open markets for each configured series ticker.
func (c *Client) FetchCatalog(ctx context.Context, filter venue.CatalogFilter) ([]types.Market, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	seen := make(map[string]bool)
	var markets []types.Market
	for _, series := range filter.Series {
		page, err := c.fetchSeries(ctx, series, limit)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			if !seen[m.ID] {
				seen[m.ID] = true
				markets = append(markets, m)
			}
		}
	}
	return markets, nil
}

func (c *Client) fetchSeries(ctx context.Context, series string, limit int) ([]types.Market, error) {
	var result marketsResponse
	err := c.get(ctx, "/markets", map[string]string{
		"limit":         fmt.Sprintf("%d", limit),
		"status":        "open",
		"series_ticker": series,
	}, &result)
	if err != nil {
		return nil, fmt.Errorf("fetch series %s: %w", series, err)
	}

	markets := make([]types.Market, 0, len(result.Markets))
	for _, m := range result.Markets {
		markets = append(markets, convertMarket(m))
	}
	return markets, nil
}

// convertMarket normalizes a Kalshi market: cents to fractions, close_time
// (trading deadline) as the resolution time rather than settlement.
func convertMarket(m apiMarket) types.Market {
	yes := centsMid(m.YesBid, m.YesAsk)
	closeAt, err := time.Parse(time.RFC3339, m.CloseTime)
	if err != nil {
		closeAt, _ = time.Parse(time.RFC3339, m.ExpirationTime)
	}

	tick := float64(m.TickSize) / 100.0
	if tick == 0 {
		tick = 0.01
	}

	source := m.SettlementSource
	if source == "" {
		source = "Kalshi"
	}

	return types.Market{
		Venue:          types.VenueKalshi,
		ID:             m.Ticker,
		Ticker:         m.Ticker,
		Title:          m.Title,
		ResolutionTime: closeAt,
		Source:         source,
		YesPrice:       yes,
		NoPrice:        1.0 - yes,
		YesVolume:      m.Volume,
		NoVolume:       m.Volume,
		Threshold:      m.FloorStrike,
		Tick:           tick,
		YesInstrument:  legInstrument(m.Ticker, "yes"),
		NoInstrument:   legInstrument(m.Ticker, "no"),
	}
}

func centsMid(bid, ask int) float64 {
	if bid == 0 && ask == 0 {
		return 0.5
	}
	if ask == 0 {
		return float64(bid) / 100.0
	}
	if bid == 0 {
		return float64(ask) / 100.0
	}
	return float64(bid+ask) / 200.0
}

type orderbookResponse struct {
	Orderbook struct {
		Yes [][]float64 `json:"yes"`
		No  [][]float64 `json:"no"`
	} `json:"orderbook"`
}

// GetOrderbook fetches the book for one leg instrument. Levels arrive as
// [price_cents, contracts] pairs per side; the requested side becomes the
// ask ladder, normalized to fractions and sorted ascending.
func (c *Client) GetOrderbook(ctx context.Context, instrument string) (types.OrderbookSnapshot, error) {
	ticker, side, err := splitInstrument(instrument)
	if err != nil {
		return types.OrderbookSnapshot{}, err
	}

	var result orderbookResponse
	if err := c.get(ctx, "/markets/"+ticker+"/orderbook", nil, &result); err != nil {
		return types.OrderbookSnapshot{}, fmt.Errorf("get orderbook %s: %w", ticker, err)
	}

	levels := result.Orderbook.Yes
	if side == "no" {
		levels = result.Orderbook.No
	}
	return snapshotFromLevels(instrument, levels), nil
}

// snapshotFromLevels converts native [cents, contracts] pairs to an
// ask-side snapshot, preserving venue order.
func snapshotFromLevels(instrument string, levels [][]float64) types.OrderbookSnapshot {
	asks := make([]types.PriceLevel, 0, len(levels))
	for _, lv := range levels {
		if len(lv) < 2 {
			continue
		}
		asks = append(asks, types.PriceLevel{Price: lv[0] / 100.0, Size: lv[1]})
	}
	return types.OrderbookSnapshot{
		Venue:      types.VenueKalshi,
		Instrument: instrument,
		Asks:       asks,
		ReceivedAt: time.Now(),
	}
}

type balanceResponse struct {
	Balance int64 `json:"balance"` // cents
}

// GetBalance returns the cash balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	var result balanceResponse
	if err := c.get(ctx, "/portfolio/balance", nil, &result); err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return float64(result.Balance) / 100.0, nil
}

type orderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Count         int    `json:"count"`
	YesPrice      int    `json:"yes_price,omitempty"`
	NoPrice       int    `json:"no_price,omitempty"`
}

type apiOrder struct {
	OrderID        string `json:"order_id"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	Ticker         string `json:"ticker"`
	YesPrice       int    `json:"yes_price"`
	NoPrice        int    `json:"no_price"`
	InitialCount   int    `json:"initial_count"`
	RemainingCount int    `json:"remaining_count"`
}

type orderResponse struct {
	Order apiOrder `json:"order"`
}

// PlaceOrder submits a limit order. Side semantics: BUY_YES buys the yes
// contract, BUY_NO the no contract; both are "buy" actions natively.
func (c *Client) PlaceOrder(ctx context.Context, instrument string, side types.Side, size, price float64) (string, error) {
	ticker, nativeSide, err := splitInstrument(instrument)
	if err != nil {
		return "", err
	}
	// The leg instrument already encodes the side; the Side argument must agree.
	if (side == types.BuyYes && nativeSide != "yes") || (side == types.BuyNo && nativeSide != "no") {
		return "", venue.Fatal(fmt.Errorf("side %s does not match instrument %s", side, instrument))
	}

	req := orderRequest{
		Ticker:        ticker,
		ClientOrderID: uuid.NewString(),
		Action:        "buy",
		Side:          nativeSide,
		Type:          "limit",
		Count:         int(size),
	}
	cents := int(price*100 + 0.5)
	if nativeSide == "yes" {
		req.YesPrice = cents
	} else {
		req.NoPrice = cents
	}

	var result orderResponse
	if err := c.post(ctx, "/portfolio/orders", req, &result); err != nil {
		return "", fmt.Errorf("place order %s: %w", ticker, err)
	}
	return result.Order.OrderID, nil
}

// GetOrder returns the normalized state of a previously placed order.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var result orderResponse
	if err := c.get(ctx, "/portfolio/orders/"+orderID, nil, &result); err != nil {
		return types.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return convertOrder(result.Order), nil
}

func convertOrder(o apiOrder) types.Order {
	filled := float64(o.InitialCount - o.RemainingCount)
	price := float64(o.YesPrice) / 100.0
	side := types.BuyYes
	if o.Side == "no" {
		side = types.BuyNo
		price = float64(o.NoPrice) / 100.0
	}

	var status types.OrderStatus
	switch o.Status {
	case "executed":
		status = types.OrderFilled
	case "canceled":
		if filled > 0 {
			status = types.OrderPartial
		} else {
			status = types.OrderCanceled
		}
	case "resting", "pending":
		if filled > 0 {
			status = types.OrderPartial
		} else {
			status = types.OrderResting
		}
	default:
		status = types.OrderRejected
	}

	return types.Order{
		ID:         o.OrderID,
		Venue:      types.VenueKalshi,
		Instrument: legInstrument(o.Ticker, o.Side),
		Side:       side,
		Price:      price,
		Size:       float64(o.InitialCount),
		Filled:     filled,
		Status:     status,
	}
}

// CancelOrder cancels a resting order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	path := "/portfolio/orders/" + orderID
	headers, err := c.auth.Headers(http.MethodDelete, signPrefix+path)
	if err != nil {
		return venue.Fatal(err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			Delete(path)
		if err != nil {
			return nil, venue.Transient(err)
		}
		if resp.StatusCode() == http.StatusNotFound || resp.StatusCode() == http.StatusConflict {
			return nil, fmt.Errorf("%w: cancel %s: status %d", venue.ErrRejected, orderID, resp.StatusCode())
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, classifyStatus(resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	return err
}

// SubscribeOrderbook, SetUpdateFunc and Run delegate to the push feed.
func (c *Client) SubscribeOrderbook(ctx context.Context, instruments []string) error {
	return c.feed.Subscribe(ctx, instruments)
}

func (c *Client) SetUpdateFunc(fn venue.UpdateFunc) { c.feed.SetUpdateFunc(fn) }

func (c *Client) Run(ctx context.Context) error { return c.feed.Run(ctx) }

// get performs a signed GET through the circuit breaker.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	headers, err := c.auth.Headers(http.MethodGet, signPrefix+path)
	if err != nil {
		return venue.Fatal(err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParams(params).
			SetResult(out).
			Get(path)
		if err != nil {
			return nil, venue.Transient(err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, classifyStatus(resp.StatusCode(), resp.String())
		}
		return nil, nil
	})
	return err
}

// post performs a signed POST through the circuit breaker.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	headers, err := c.auth.Headers(http.MethodPost, signPrefix+path)
	if err != nil {
		return venue.Fatal(err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetBody(body).
			SetResult(out).
			Post(path)
		if err != nil {
			return nil, venue.Transient(err)
		}
		if resp.StatusCode() == http.StatusCreated || resp.StatusCode() == http.StatusOK {
			return nil, nil
		}
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	})
	return err
}

func classifyStatus(code int, body string) error {
	switch {
	case code >= 500 || code == http.StatusTooManyRequests:
		return venue.Transient(fmt.Errorf("status %d: %s", code, body))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return venue.Fatal(fmt.Errorf("status %d: %s", code, body))
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", venue.ErrRejected, code, body)
	default:
		return venue.Transient(fmt.Errorf("status %d: %s", code, body))
	}
}
