// Package poly implements the Polymarket adapter: market discovery over
// the Gamma API and trading over the CLOB REST API.
//
// Polymarket identifies each outcome by a CLOB token id, which the engine
// uses directly as the leg instrument. Both outcome tokens of a market are
// paired via the Gamma clobTokenIds field.
//
// Every trading request is rate-limited through per-category token buckets
// (Polymarket publishes per-10s limits), retried on 5xx, and signed with
// L2 HMAC headers. If the L2 triplet is not configured, it is derived once
// at startup via L1 wallet auth.
package poly

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// Client is the Polymarket adapter.
type Client struct {
	clob   *resty.Client
	gamma  *resty.Client
	auth   *Auth
	rl     *RateLimiter
	feed   *Feed
	cfg    config.PolyConfig
	logger *slog.Logger
}

// NewClient creates the adapter. Call Init before trading to ensure L2
// credentials exist.
// Market data (Gamma catalog, CLOB books, the market WS channel) needs no
// credentials, so a client without a wallet key still serves simulation
// mode; only the trading endpoints then refuse.
func NewClient(cfg config.PolyConfig, logger *slog.Logger) (*Client, error) {
	var auth *Auth
	if cfg.PrivateKey != "" {
		var err error
		auth, err = NewAuth(cfg)
		if err != nil {
			return nil, err
		}
	}

	newHTTP := func(base string) *resty.Client {
		return resty.New().
			SetBaseURL(base).
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
	}

	c := &Client{
		clob:   newHTTP(cfg.CLOBBaseURL),
		gamma:  newHTTP(cfg.GammaBaseURL),
		auth:   auth,
		rl:     NewRateLimiter(),
		cfg:    cfg,
		logger: logger.With("component", "poly"),
	}
	c.feed = NewFeed(cfg.WSMarketURL, c.logger)
	return c, nil
}

// Name implements venue.Adapter.
func (c *Client) Name() types.Venue { return types.VenuePoly }

// Init derives L2 credentials when none are configured. Must run before
// any authenticated call.
func (c *Client) Init(ctx context.Context) error {
	if c.auth == nil {
		return venue.Fatal(fmt.Errorf("polymarket wallet key not configured"))
	}
	if c.auth.HasL2Credentials() {
		return nil
	}
	if _, err := c.DeriveAPIKey(ctx); err != nil {
		return venue.Fatal(fmt.Errorf("derive api key: %w", err))
	}
	return nil
}

func (c *Client) requireAuth() error {
	if c.auth == nil {
		return venue.Fatal(fmt.Errorf("polymarket wallet key not configured"))
	}
	return nil
}

// DeriveAPIKey bootstraps the L2 triplet via L1 wallet auth.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	if err := c.requireAuth(); err != nil {
		return nil, err
	}
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, venue.Transient(fmt.Errorf("derive api key: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("api key derived", "api_key", result.ApiKey)
	return &result, nil
}

// gammaMarket is the subset of the Gamma /markets response the catalog
// needs. clobTokenIds and outcomePrices arrive as JSON-encoded strings.
type gammaMarket struct {
	ID            string  `json:"id"`
	Question      string  `json:"question"`
	Slug          string  `json:"slug"`
	EndDate       string  `json:"endDate"`
	ClobTokenIDs  string  `json:"clobTokenIds"`
	Outcomes      string  `json:"outcomes"`
	OutcomePrices string  `json:"outcomePrices"`
	Volume        string  `json:"volume"`
	Active        bool    `json:"active"`
	Closed        bool    `json:"closed"`
	SpreadValue   float64 `json:"spread"`
}

// FetchCatalog lists active 15-minute markets via the Gamma tag filter,
// soonest-closing first.
func (c *Client) FetchCatalog(ctx context.Context, filter venue.CatalogFilter) ([]types.Market, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = c.cfg.FetchLimit
	}
	tagID := filter.TagID
	if tagID == 0 {
		tagID = c.cfg.TagID
	}

	var result []gammaMarket
	resp, err := c.gamma.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"tag_id":    strconv.Itoa(tagID),
			"closed":    "false",
			"active":    "true",
			"limit":     strconv.Itoa(limit),
			"order":     "endDate",
			"ascending": "true",
		}).
		SetResult(&result).
		Get("/markets")
	if err != nil {
		return nil, venue.Transient(fmt.Errorf("gamma markets: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode(), resp.String())
	}

	markets := make([]types.Market, 0, len(result))
	for _, gm := range result {
		m, ok := convertGammaMarket(gm)
		if !ok {
			continue
		}
		markets = append(markets, m)
	}
	return markets, nil
}

// convertGammaMarket normalizes one Gamma record. Markets without exactly
// two outcome tokens, or whose token pair cannot be decoded, are skipped:
// a half-identified market can never be traded as a pair.
func convertGammaMarket(gm gammaMarket) (types.Market, bool) {
	if !gm.Active || gm.Closed {
		return types.Market{}, false
	}

	var tokenIDs []string
	if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokenIDs); err != nil || len(tokenIDs) != 2 {
		return types.Market{}, false
	}

	endDate, err := time.Parse(time.RFC3339, gm.EndDate)
	if err != nil {
		return types.Market{}, false
	}

	var prices []string
	yesPrice, noPrice := 0.5, 0.5
	if json.Unmarshal([]byte(gm.OutcomePrices), &prices) == nil && len(prices) == 2 {
		if p, err := strconv.ParseFloat(prices[0], 64); err == nil {
			yesPrice = p
		}
		if p, err := strconv.ParseFloat(prices[1], 64); err == nil {
			noPrice = p
		}
	}

	volume, _ := strconv.ParseFloat(gm.Volume, 64)

	// Outcome ordering follows the outcomes array: index 0 is the
	// Up/Yes token on these markets.
	return types.Market{
		Venue:          types.VenuePoly,
		ID:             gm.ID,
		Ticker:         gm.Slug,
		Title:          gm.Question,
		ResolutionTime: endDate,
		Source:         sourceFromTitle(gm.Question),
		YesPrice:       yesPrice,
		NoPrice:        noPrice,
		YesVolume:      volume,
		NoVolume:       volume,
		Tick:           0.001,
		YesInstrument:  tokenIDs[0],
		NoInstrument:   tokenIDs[1],
	}, true
}

// sourceFromTitle infers the resolution index. The 15-minute up/down
// series resolves against Chainlink feeds.
func sourceFromTitle(title string) string {
	if strings.Contains(title, "Up or Down") {
		return "Chainlink"
	}
	return "Polymarket"
}

type bookResponse struct {
	AssetID string          `json:"asset_id"`
	Bids    []bookLevelJSON `json:"bids"`
	Asks    []bookLevelJSON `json:"asks"`
}

type bookLevelJSON struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// GetOrderbook fetches the CLOB book for one token. The venue returns
// asks sorted descending; they are re-sorted ascending here so BestAsk is
// index zero everywhere.
func (c *Client) GetOrderbook(ctx context.Context, instrument string) (types.OrderbookSnapshot, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return types.OrderbookSnapshot{}, err
	}

	var result bookResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetQueryParam("token_id", instrument).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return types.OrderbookSnapshot{}, venue.Transient(fmt.Errorf("get book: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderbookSnapshot{}, classifyStatus(resp.StatusCode(), resp.String())
	}

	return snapshotFromBook(instrument, result.Asks, result.Bids), nil
}

func snapshotFromBook(instrument string, asks, bids []bookLevelJSON) types.OrderbookSnapshot {
	parse := func(levels []bookLevelJSON) []types.PriceLevel {
		out := make([]types.PriceLevel, 0, len(levels))
		for _, lv := range levels {
			price, err1 := strconv.ParseFloat(lv.Price, 64)
			size, err2 := strconv.ParseFloat(lv.Size, 64)
			if err1 != nil || err2 != nil {
				continue
			}
			out = append(out, types.PriceLevel{Price: price, Size: size})
		}
		return out
	}

	askLevels := parse(asks)
	sortLevelsAsc(askLevels)
	bidLevels := parse(bids)
	sortLevelsDesc(bidLevels)

	return types.OrderbookSnapshot{
		Venue:      types.VenuePoly,
		Instrument: instrument,
		Asks:       askLevels,
		Bids:       bidLevels,
		ReceivedAt: time.Now(),
	}
}

type balanceResponse struct {
	Balance string `json:"balance"` // 6-decimal USDC units
}

// GetBalance returns the collateral balance in dollars.
func (c *Client) GetBalance(ctx context.Context) (float64, error) {
	if err := c.requireAuth(); err != nil {
		return 0, err
	}
	path := "/balance-allowance"
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return 0, venue.Fatal(err)
	}

	var result balanceResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("asset_type", "COLLATERAL").
		SetResult(&result).
		Get(path)
	if err != nil {
		return 0, venue.Transient(fmt.Errorf("get balance: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, classifyStatus(resp.StatusCode(), resp.String())
	}

	raw, err := strconv.ParseFloat(result.Balance, 64)
	if err != nil {
		return 0, fmt.Errorf("parse balance %q: %w", result.Balance, err)
	}
	return raw / 1e6, nil
}

// SignedOrder is the on-chain order shape the CLOB API expects. Amounts
// are 6-decimal USDC units. The engine only ever buys outcome tokens, so
// Side is always BUY on the wire.
type SignedOrder struct {
	Salt          string   `json:"salt"`
	Maker         string   `json:"maker"`
	Signer        string   `json:"signer"`
	Taker         string   `json:"taker"`
	TokenID       string   `json:"tokenId"`
	MakerAmount   *big.Int `json:"makerAmount"`
	TakerAmount   *big.Int `json:"takerAmount"`
	Side          string   `json:"side"`
	Expiration    string   `json:"expiration"`
	Nonce         string   `json:"nonce"`
	FeeRateBps    string   `json:"feeRateBps"`
	SignatureType int      `json:"signatureType"`
	Signature     string   `json:"signature"`
}

// sideOrdinal maps the wire side to the on-chain enum (BUY=0, SELL=1).
func (o SignedOrder) sideOrdinal() int {
	if o.Side == "SELL" {
		return 1
	}
	return 0
}

type orderPayload struct {
	Order     SignedOrder `json:"order"`
	Owner     string      `json:"owner"`
	OrderType string      `json:"orderType"`
}

type orderResponse struct {
	Success  bool   `json:"success"`
	ErrorMsg string `json:"errorMsg"`
	OrderID  string `json:"orderID"`
	Status   string `json:"status"`
}

// PlaceOrder submits a signed GTC limit buy of the given outcome token.
// The Side argument is normalized metadata only; the instrument (token id)
// fully determines which outcome is bought.
func (c *Client) PlaceOrder(ctx context.Context, instrument string, side types.Side, size, price float64) (string, error) {
	if err := c.requireAuth(); err != nil {
		return "", err
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	makerAmt, takerAmt := priceToAmounts(price, size)
	order := SignedOrder{
		Salt:        newSalt(),
		Maker:       c.auth.FunderAddress().Hex(),
		Signer:      c.auth.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     instrument,
		MakerAmount: makerAmt,
		TakerAmount: takerAmt,
		Side:        "BUY",
		Expiration:  "0",
		Nonce:       "0",
		FeeRateBps:  "0",
	}

	sig, err := c.auth.SignOrder(order)
	if err != nil {
		return "", venue.Fatal(err)
	}
	order.Signature = sig

	payload := orderPayload{
		Order:     order,
		Owner:     c.auth.ApiKey(),
		OrderType: "GTC",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers(http.MethodPost, "/order", string(body))
	if err != nil {
		return "", venue.Fatal(err)
	}

	var result orderResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Post("/order")
	if err != nil {
		return "", venue.Transient(fmt.Errorf("post order: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return "", classifyStatus(resp.StatusCode(), resp.String())
	}
	if !result.Success {
		return "", fmt.Errorf("%w: %s", venue.ErrRejected, result.ErrorMsg)
	}
	return result.OrderID, nil
}

type openOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	AssetID      string `json:"asset_id"`
	Side         string `json:"side"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
	Price        string `json:"price"`
}

// GetOrder fetches one order's state from the data API.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	if err := c.requireAuth(); err != nil {
		return types.Order{}, err
	}
	path := "/data/order/" + orderID
	headers, err := c.auth.L2Headers(http.MethodGet, path, "")
	if err != nil {
		return types.Order{}, venue.Fatal(err)
	}

	var result openOrder
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	if err != nil {
		return types.Order{}, venue.Transient(fmt.Errorf("get order: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, classifyStatus(resp.StatusCode(), resp.String())
	}

	return convertOpenOrder(result), nil
}

func convertOpenOrder(o openOrder) types.Order {
	size, _ := strconv.ParseFloat(o.OriginalSize, 64)
	filled, _ := strconv.ParseFloat(o.SizeMatched, 64)
	price, _ := strconv.ParseFloat(o.Price, 64)

	var status types.OrderStatus
	switch o.Status {
	case "matched":
		status = types.OrderFilled
	case "live":
		if filled > 0 {
			status = types.OrderPartial
		} else {
			status = types.OrderResting
		}
	case "canceled", "cancelled":
		if filled > 0 {
			status = types.OrderPartial
		} else {
			status = types.OrderCanceled
		}
	default:
		status = types.OrderRejected
	}
	// A fully matched size also counts as filled even if the status
	// string lags.
	if filled >= size && size > 0 {
		status = types.OrderFilled
	}

	return types.Order{
		ID:         o.ID,
		Venue:      types.VenuePoly,
		Instrument: o.AssetID,
		Side:       types.BuyYes,
		Price:      price,
		Size:       size,
		Filled:     filled,
		Status:     status,
	}
}

type cancelResponse struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// CancelOrder cancels a resting order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	if err := c.requireAuth(); err != nil {
		return err
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	body := fmt.Sprintf(`{"orderID":%q}`, orderID)
	headers, err := c.auth.L2Headers(http.MethodDelete, "/order", body)
	if err != nil {
		return venue.Fatal(err)
	}

	var result cancelResponse
	resp, err := c.clob.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/order")
	if err != nil {
		return venue.Transient(fmt.Errorf("cancel order: %w", err))
	}
	if resp.StatusCode() != http.StatusOK {
		return classifyStatus(resp.StatusCode(), resp.String())
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("%w: cancel %s: %s", venue.ErrRejected, orderID, reason)
	}
	return nil
}

// SubscribeOrderbook, SetUpdateFunc and Run delegate to the market feed.
func (c *Client) SubscribeOrderbook(ctx context.Context, instruments []string) error {
	return c.feed.Subscribe(ctx, instruments)
}

func (c *Client) SetUpdateFunc(fn venue.UpdateFunc) { c.feed.SetUpdateFunc(fn) }

func (c *Client) Run(ctx context.Context) error { return c.feed.Run(ctx) }

func sortLevelsAsc(levels []types.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price < levels[j].Price })
}

func sortLevelsDesc(levels []types.PriceLevel) {
	sort.Slice(levels, func(i, j int) bool { return levels[i].Price > levels[j].Price })
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
