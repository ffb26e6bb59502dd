// Package paper implements the simulation-mode adapter: live market data
// passed through from a real venue adapter, order flow replaced with a
// local fill simulator.
//
// Orders fill against the most recent book the simulator has seen. A leg
// whose limit price still crosses the live best ask fills completely at
// the limit after a short synthetic latency; a leg that no longer crosses
// rests, mimicking the race an aggressive limit order loses when the book
// moves first. Balances are tracked locally and never touch the venue.
package paper

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	minLatency = 20 * time.Millisecond
	maxLatency = 120 * time.Millisecond
)

// Adapter wraps a live adapter, delegating market data and simulating
// everything that would move money.
type Adapter struct {
	live venue.Adapter

	mu      sync.Mutex
	balance float64
	orders  map[string]types.Order
	books   map[string]types.OrderbookSnapshot

	update venue.UpdateFunc
}

// New wraps live with a simulator seeded with the given starting balance.
func New(live venue.Adapter, startingBalance float64) *Adapter {
	return &Adapter{
		live:    live,
		balance: startingBalance,
		orders:  make(map[string]types.Order),
		books:   make(map[string]types.OrderbookSnapshot),
	}
}

// Name reports the wrapped venue so cache keys stay consistent.
func (a *Adapter) Name() types.Venue { return a.live.Name() }

// FetchCatalog delegates to the live venue.
func (a *Adapter) FetchCatalog(ctx context.Context, filter venue.CatalogFilter) ([]types.Market, error) {
	return a.live.FetchCatalog(ctx, filter)
}

// GetOrderbook delegates to the live venue and remembers the book for
// fill decisions.
func (a *Adapter) GetOrderbook(ctx context.Context, instrument string) (types.OrderbookSnapshot, error) {
	snap, err := a.live.GetOrderbook(ctx, instrument)
	if err != nil {
		return snap, err
	}
	a.mu.Lock()
	a.books[instrument] = snap
	a.mu.Unlock()
	return snap, nil
}

// GetBalance returns the simulated balance.
func (a *Adapter) GetBalance(ctx context.Context) (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance, nil
}

// PlaceOrder simulates a limit buy against the last observed book.
func (a *Adapter) PlaceOrder(ctx context.Context, instrument string, side types.Side, size, price float64) (string, error) {
	latency := minLatency + time.Duration(rand.Int63n(int64(maxLatency-minLatency)))
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(latency):
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	cost := size * price
	if cost > a.balance {
		return "", fmt.Errorf("%w: insufficient simulated balance", venue.ErrRejected)
	}

	order := types.Order{
		ID:         uuid.NewString(),
		Venue:      a.live.Name(),
		Instrument: instrument,
		Side:       side,
		Price:      price,
		Size:       size,
		Status:     types.OrderResting,
	}

	if a.crosses(instrument, price) {
		order.Filled = size
		order.Status = types.OrderFilled
		a.balance -= cost
	}

	a.orders[order.ID] = order
	return order.ID, nil
}

// crosses reports whether a limit at price would lift the remembered best
// ask. With no book on record the fill is granted, since paper mode
// should not starve on thin telemetry.
func (a *Adapter) crosses(instrument string, price float64) bool {
	snap, ok := a.books[instrument]
	if !ok {
		return true
	}
	best, ok := snap.BestAsk()
	if !ok {
		return true
	}
	return price >= best.Price
}

// GetOrder returns the simulated order state.
func (a *Adapter) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: unknown simulated order %s", venue.ErrRejected, orderID)
	}
	return order, nil
}

// CancelOrder cancels a resting simulated order.
func (a *Adapter) CancelOrder(ctx context.Context, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	order, ok := a.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: unknown simulated order %s", venue.ErrRejected, orderID)
	}
	if order.Status.Terminal() {
		return fmt.Errorf("%w: order %s already %s", venue.ErrRejected, orderID, order.Status)
	}
	order.Status = types.OrderCanceled
	a.orders[orderID] = order
	return nil
}

// SubscribeOrderbook delegates to the live feed.
func (a *Adapter) SubscribeOrderbook(ctx context.Context, instruments []string) error {
	return a.live.SubscribeOrderbook(ctx, instruments)
}

// SetUpdateFunc interposes on the live feed so the simulator sees every
// book the engine sees.
func (a *Adapter) SetUpdateFunc(fn venue.UpdateFunc) {
	a.update = fn
	a.live.SetUpdateFunc(func(instrument string, snap types.OrderbookSnapshot) {
		a.mu.Lock()
		a.books[instrument] = snap
		a.mu.Unlock()
		if a.update != nil {
			a.update(instrument, snap)
		}
	})
}

// Run delegates to the live feed.
func (a *Adapter) Run(ctx context.Context) error { return a.live.Run(ctx) }
