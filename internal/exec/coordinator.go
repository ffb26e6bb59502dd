// Package exec turns opportunities into trades. The coordinator owns the
// only code path that places orders, and its contract is strict: either
// both legs fill at target size, or the position reaches a recorded
// resolution through the unwind planner. An undetected one-sided
// position is the one outcome that must never happen.
package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/arb"
	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// ErrAborted wraps every pre-placement abort. Aborts before placement
// incur zero venue cost.
var ErrAborted = errors.New("trade aborted")

// RiskGate is the slice of the risk manager the execution path needs.
type RiskGate interface {
	CanExecute(totalCost float64) bool
	RegisterTrade(totalCost float64)
	ClosePosition(amount float64)
	UpdatePnL(delta float64)
	SyncBalance(ctx context.Context) error
	LastSync() time.Time
	Bankroll() float64
	TriggerKillSwitch(reason string)
	KillSwitchActive() (bool, string)
}

// DecisionLog receives trade and unwind records out of the hot path.
type DecisionLog interface {
	Trade(trade types.Trade)
	Unwind(rec types.UnwindRecord)
}

// Coordinator executes one opportunity at a time.
type Coordinator struct {
	adapters map[types.Venue]venue.Adapter
	cache    *book.Cache
	risk     RiskGate
	fees     map[types.Venue]arb.FeeModel
	log      DecisionLog
	cfg      config.ExecConfig
	riskCfg  config.RiskConfig
	planner  *Planner
	logger   *slog.Logger

	// minNotional holds per-venue order value floors in dollars.
	minNotional map[types.Venue]float64

	inFlight atomic.Bool
}

// NewCoordinator wires the execution path. The sticky orchestrator policy
// already serializes trades; the in-flight flag backstops that invariant
// if the coordinator is ever driven concurrently.
func NewCoordinator(
	adapters map[types.Venue]venue.Adapter,
	cache *book.Cache,
	risk RiskGate,
	fees map[types.Venue]arb.FeeModel,
	log DecisionLog,
	cfg config.ExecConfig,
	riskCfg config.RiskConfig,
	logger *slog.Logger,
) *Coordinator {
	c := &Coordinator{
		adapters: adapters,
		cache:    cache,
		risk:     risk,
		fees:     fees,
		log:      log,
		cfg:      cfg,
		riskCfg:  riskCfg,
		logger:   logger.With("component", "exec"),
		minNotional: map[types.Venue]float64{
			types.VenuePoly: cfg.MinNotionalPoly,
		},
	}
	c.planner = NewPlanner(adapters, cache, risk, fees, log, cfg, logger)
	return c
}

func abort(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAborted, fmt.Sprintf(format, args...))
}

// Execute runs the full placement protocol for one opportunity. It
// returns the recorded trade, or an ErrAborted-wrapped error for clean
// pre-placement aborts.
func (c *Coordinator) Execute(ctx context.Context, opp types.Opportunity) (*types.Trade, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, abort("trade already in flight")
	}
	defer c.inFlight.Store(false)

	now := time.Now()
	if now.Sub(opp.DetectedAt) > c.cfg.OrderbookTTL {
		return nil, abort("opportunity stale: age %v", now.Sub(opp.DetectedAt))
	}

	snapA, snapB, err := c.freshBooks(ctx, opp)
	if err != nil {
		return nil, err
	}

	bestA, okA := snapA.BestAsk()
	bestB, okB := snapB.BestAsk()
	if !okA || !okB {
		return nil, abort("stale+empty")
	}
	if bestA.Price > opp.LegA.Price || bestB.Price > opp.LegB.Price {
		return nil, abort("price moved: A %.4f>%.4f or B %.4f>%.4f",
			bestA.Price, opp.LegA.Price, bestB.Price, opp.LegB.Price)
	}

	priceA, priceB := bestA.Price, bestB.Price
	size, totalCost, err := c.size(opp, priceA, priceB)
	if err != nil {
		return nil, err
	}

	// Strict liquidity: best-ask depth must carry the whole trade on
	// both sides. No walking deeper levels.
	if bestA.Size < size || bestB.Size < size {
		return nil, abort("insufficient liquidity: need %.0f, have A %.0f B %.0f",
			size, bestA.Size, bestB.Size)
	}

	if !c.risk.CanExecute(totalCost) {
		return nil, abort("risk gate refused cost %.4f", totalCost)
	}

	// Re-verify the books that drive placement are still inside the TTL,
	// and that no kill fired between the gate and here.
	now = time.Now()
	if snapA.AgeMillis(now) > c.cfg.OrderbookTTL.Milliseconds() ||
		snapB.AgeMillis(now) > c.cfg.OrderbookTTL.Milliseconds() {
		return nil, abort("book aged past ttl before placement")
	}
	if active, reason := c.risk.KillSwitchActive(); active {
		return nil, abort("kill switch active: %s", reason)
	}

	orderA, orderB, err := c.placeBoth(ctx, opp, size, priceA, priceB)
	if err != nil {
		return nil, err
	}

	orderA, orderB = c.monitorFills(ctx, opp, orderA, orderB, size)

	trade := c.buildTrade(opp, size, priceA, priceB, orderA, orderB)

	if orderA.Status == types.OrderFilled && orderB.Status == types.OrderFilled {
		c.risk.RegisterTrade(trade.TotalCost())
		c.log.Trade(*trade)
		c.logger.Info("trade executed",
			"id", trade.ID,
			"pair", opp.Pair.Key,
			"strategy", opp.Strategy.String(),
			"size", size,
			"total_cost", trade.TotalCost(),
			"net_profit_per_unit", opp.NetProfit.String(),
		)
		return trade, nil
	}

	c.logger.Warn("imbalanced fill, delegating to unwind planner",
		"trade", trade.ID,
		"status_a", orderA.Status,
		"status_b", orderB.Status,
		"filled_a", orderA.Filled,
		"filled_b", orderB.Filled,
	)
	if err := c.planner.Resolve(ctx, trade, opp, orderA, orderB); err != nil {
		return trade, err
	}
	c.log.Trade(*trade)
	return trade, nil
}

// freshBooks returns both leg books, pulling them (plus the balance, when
// the last sync is old) in a single bounded fan-out if the cache is
// stale.
func (c *Coordinator) freshBooks(ctx context.Context, opp types.Opportunity) (types.OrderbookSnapshot, types.OrderbookSnapshot, error) {
	now := time.Now()
	snapA, okA := c.cache.Get(opp.LegA.Venue, opp.LegA.Instrument, now)
	snapB, okB := c.cache.Get(opp.LegB.Venue, opp.LegB.Instrument, now)
	if okA && okB {
		return snapA, snapB, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	var (
		wg         sync.WaitGroup
		errA, errB error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		snapA, errA = c.adapters[opp.LegA.Venue].GetOrderbook(fetchCtx, opp.LegA.Instrument)
	}()
	go func() {
		defer wg.Done()
		snapB, errB = c.adapters[opp.LegB.Venue].GetOrderbook(fetchCtx, opp.LegB.Instrument)
	}()

	if time.Since(c.risk.LastSync()) > c.cfg.BalanceReuseWindow {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.risk.SyncBalance(fetchCtx); err != nil {
				c.logger.Warn("balance fetch during fan-out failed", "error", err)
			}
		}()
	}
	wg.Wait()

	if errA != nil || errB != nil {
		return snapA, snapB, abort("fresh fetch failed: A=%v B=%v", errA, errB)
	}
	if len(snapA.Asks) == 0 || len(snapB.Asks) == 0 {
		return snapA, snapB, abort("stale+empty")
	}

	c.cache.Put(snapA)
	c.cache.Put(snapB)
	return snapA, snapB, nil
}

// size computes the contract count and the full trade cost including
// estimated fees, enforcing venue notional floors against the per-trade
// risk cap.
func (c *Coordinator) size(opp types.Opportunity, priceA, priceB float64) (float64, float64, error) {
	totalPrice := priceA + priceB
	riskCap := c.riskCfg.MaxRiskPerTrade * c.risk.Bankroll()

	size := math.Floor(riskCap / totalPrice)

	// One venue enforces a dollar floor per order; round the size up to
	// clear it, then re-check the cap.
	if floor := c.minNotional[opp.LegB.Venue]; floor > 0 && size*priceB < floor {
		size = math.Ceil(floor / priceB)
	}
	if floor := c.minNotional[opp.LegA.Venue]; floor > 0 && size*priceA < floor {
		size = math.Ceil(floor / priceA)
	}
	if size < 1 {
		size = 1
	}

	perUnitFees := c.perUnitFees(opp, priceA, priceB)
	totalCost := size*totalPrice + size*perUnitFees
	if totalCost > riskCap {
		return 0, 0, abort("size floor pushes cost %.4f past risk cap %.4f", totalCost, riskCap)
	}
	return size, totalCost, nil
}

func (c *Coordinator) perUnitFees(opp types.Opportunity, priceA, priceB float64) float64 {
	feeA := c.fees[opp.LegA.Venue].Fee(decimalFromFloat(priceA))
	feeB := c.fees[opp.LegB.Venue].Fee(decimalFromFloat(priceB))
	f, _ := feeA.Add(feeB).Float64()
	return f
}

// placeBoth submits both legs concurrently at the observed target prices
// and waits for the venue acknowledgements. If both submissions fail the
// abort is clean; a single failure flows into unwind as a zero-filled
// rejected leg.
func (c *Coordinator) placeBoth(ctx context.Context, opp types.Opportunity, size, priceA, priceB float64) (types.Order, types.Order, error) {
	type placement struct {
		orderID string
		err     error
	}

	var pa, pb placement
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		pa.orderID, pa.err = c.adapters[opp.LegA.Venue].PlaceOrder(
			ctx, opp.LegA.Instrument, opp.LegA.Side, size, priceA)
	}()
	go func() {
		defer wg.Done()
		pb.orderID, pb.err = c.adapters[opp.LegB.Venue].PlaceOrder(
			ctx, opp.LegB.Instrument, opp.LegB.Side, size, priceB)
	}()
	wg.Wait()

	// A venue-side balance rejection means our view drifted; resync
	// immediately in the background.
	if errors.Is(pa.err, venue.ErrRejected) || errors.Is(pb.err, venue.ErrRejected) {
		go func() {
			syncCtx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
			defer cancel()
			if err := c.risk.SyncBalance(syncCtx); err != nil {
				c.logger.Warn("post-rejection balance resync failed", "error", err)
			}
		}()
	}

	if pa.err != nil && pb.err != nil {
		return types.Order{}, types.Order{}, abort("both legs rejected: A=%v B=%v", pa.err, pb.err)
	}

	orderA := legOrder(opp.LegA, size, priceA, pa.orderID, pa.err)
	orderB := legOrder(opp.LegB, size, priceB, pb.orderID, pb.err)
	return orderA, orderB, nil
}

func legOrder(leg types.Leg, size, price float64, orderID string, placeErr error) types.Order {
	order := types.Order{
		ID:         orderID,
		Venue:      leg.Venue,
		Instrument: leg.Instrument,
		Side:       leg.Side,
		Price:      price,
		Size:       size,
		Status:     types.OrderResting,
	}
	if placeErr != nil {
		order.Status = types.OrderRejected
	}
	return order
}

// monitorFills polls both orders on the backoff schedule, checking before
// each sleep and once more after the schedule is spent. The schedule
// bounds the total budget to roughly ten seconds.
func (c *Coordinator) monitorFills(ctx context.Context, opp types.Opportunity, orderA, orderB types.Order, size float64) (types.Order, types.Order) {
	poll := func() {
		if !terminalAtSize(orderA, size) {
			orderA = c.pollOrder(ctx, orderA)
		}
		if !terminalAtSize(orderB, size) {
			orderB = c.pollOrder(ctx, orderB)
		}
	}

	for _, wait := range c.cfg.FillMonitorSchedule {
		poll()
		if terminalAtSize(orderA, size) && terminalAtSize(orderB, size) {
			return orderA, orderB
		}
		select {
		case <-ctx.Done():
			return orderA, orderB
		case <-time.After(wait):
		}
	}
	poll()
	return orderA, orderB
}

func (c *Coordinator) pollOrder(ctx context.Context, order types.Order) types.Order {
	if order.ID == "" {
		return order
	}
	latest, err := c.adapters[order.Venue].GetOrder(ctx, order.ID)
	if err != nil {
		c.logger.Warn("order poll failed", "order", order.ID, "error", err)
		return order
	}
	// Preserve leg metadata the venue does not echo back.
	latest.Venue = order.Venue
	latest.Instrument = order.Instrument
	latest.Side = order.Side
	if latest.Price == 0 {
		latest.Price = order.Price
	}
	if latest.Size == 0 {
		latest.Size = order.Size
	}
	return latest
}

func terminalAtSize(order types.Order, size float64) bool {
	if order.Status == types.OrderFilled {
		return order.Filled >= size
	}
	return order.Status.Terminal()
}

func (c *Coordinator) buildTrade(opp types.Opportunity, size, priceA, priceB float64, orderA, orderB types.Order) *types.Trade {
	return &types.Trade{
		ID:          uuid.NewString(),
		Opportunity: opp,
		Size:        size,
		CostA:       orderA.Filled * priceA,
		CostB:       orderB.Filled * priceB,
		Fees:        c.feeOnFilled(opp, priceA, priceB, orderA.Filled, orderB.Filled),
		OrderIDA:    orderA.ID,
		OrderIDB:    orderB.ID,
		StatusA:     orderA.Status,
		StatusB:     orderB.Status,
		ExecutedAt:  time.Now(),
	}
}

// feeOnFilled charges full taker fees on the filled size of each leg.
func (c *Coordinator) feeOnFilled(opp types.Opportunity, priceA, priceB, filledA, filledB float64) float64 {
	feeA, _ := c.fees[opp.LegA.Venue].Fee(decimalFromFloat(priceA)).Float64()
	feeB, _ := c.fees[opp.LegB.Venue].Fee(decimalFromFloat(priceB)).Float64()
	return feeA*filledA + feeB*filledB
}

func decimalFromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}
