package paper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// fakeLive is the minimal live adapter the simulator wraps in tests. It
// serves canned books and records the subscriptions it receives.
type fakeLive struct {
	mu         sync.Mutex
	books      map[string]types.OrderbookSnapshot
	subscribed []string
	update     venue.UpdateFunc
	catalog    []types.Market
}

func newFakeLive() *fakeLive {
	return &fakeLive{books: make(map[string]types.OrderbookSnapshot)}
}

func (f *fakeLive) setBook(instrument string, askPrice, askSize float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.books[instrument] = types.OrderbookSnapshot{
		Venue:      types.VenueKalshi,
		Instrument: instrument,
		Asks:       []types.PriceLevel{{Price: askPrice, Size: askSize}},
		ReceivedAt: time.Now(),
	}
}

func (f *fakeLive) Name() types.Venue { return types.VenueKalshi }

func (f *fakeLive) FetchCatalog(ctx context.Context, filter venue.CatalogFilter) ([]types.Market, error) {
	return f.catalog, nil
}

func (f *fakeLive) GetOrderbook(ctx context.Context, instrument string) (types.OrderbookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.books[instrument]
	if !ok {
		return types.OrderbookSnapshot{}, venue.Transient(errors.New("no book"))
	}
	return snap, nil
}

func (f *fakeLive) GetBalance(ctx context.Context) (float64, error) { return 99999, nil }

func (f *fakeLive) PlaceOrder(ctx context.Context, instrument string, side types.Side, size, price float64) (string, error) {
	return "", errors.New("live order flow must never be reached in paper mode")
}

func (f *fakeLive) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	return types.Order{}, errors.New("live order flow must never be reached in paper mode")
}

func (f *fakeLive) CancelOrder(ctx context.Context, orderID string) error {
	return errors.New("live order flow must never be reached in paper mode")
}

func (f *fakeLive) SubscribeOrderbook(ctx context.Context, instruments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, instruments...)
	return nil
}

func (f *fakeLive) SetUpdateFunc(fn venue.UpdateFunc) { f.update = fn }

func (f *fakeLive) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// push simulates one feed message arriving on the live stream.
func (f *fakeLive) push(instrument string, snap types.OrderbookSnapshot) {
	f.update(instrument, snap)
}

func TestPlaceOrderFillsWhenCrossing(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.setBook("T|yes", 0.36, 100)
	sim := New(live, 50)

	// Prime the simulator's book view through the delegated fetch.
	if _, err := sim.GetOrderbook(context.Background(), "T|yes"); err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}

	id, err := sim.PlaceOrder(context.Background(), "T|yes", types.BuyYes, 10, 0.36)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	order, err := sim.GetOrder(context.Background(), id)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != types.OrderFilled || order.Filled != 10 {
		t.Errorf("order = %+v, want filled 10", order)
	}

	balance, _ := sim.GetBalance(context.Background())
	if want := 50 - 10*0.36; balance != want {
		t.Errorf("balance = %v, want %v", balance, want)
	}
}

func TestPlaceOrderRestsWhenBookMovedAway(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.setBook("T|yes", 0.40, 100)
	sim := New(live, 50)
	if _, err := sim.GetOrderbook(context.Background(), "T|yes"); err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}

	// Limit below the best ask no longer crosses: the order rests and
	// money stays put.
	id, err := sim.PlaceOrder(context.Background(), "T|yes", types.BuyYes, 10, 0.36)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	order, _ := sim.GetOrder(context.Background(), id)
	if order.Status != types.OrderResting || order.Filled != 0 {
		t.Errorf("order = %+v, want resting unfilled", order)
	}
	if balance, _ := sim.GetBalance(context.Background()); balance != 50 {
		t.Errorf("balance = %v, want untouched 50", balance)
	}
}

func TestPlaceOrderRejectsInsufficientBalance(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.setBook("T|yes", 0.36, 100)
	sim := New(live, 1)
	if _, err := sim.GetOrderbook(context.Background(), "T|yes"); err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}

	_, err := sim.PlaceOrder(context.Background(), "T|yes", types.BuyYes, 10, 0.36)
	if !errors.Is(err, venue.ErrRejected) {
		t.Errorf("err = %v, want ErrRejected", err)
	}
	if balance, _ := sim.GetBalance(context.Background()); balance != 1 {
		t.Errorf("balance = %v, want untouched 1", balance)
	}
}

func TestCancelOrder(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.setBook("T|yes", 0.40, 100)
	sim := New(live, 50)
	if _, err := sim.GetOrderbook(context.Background(), "T|yes"); err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}

	id, err := sim.PlaceOrder(context.Background(), "T|yes", types.BuyYes, 10, 0.36)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if err := sim.CancelOrder(context.Background(), id); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	order, _ := sim.GetOrder(context.Background(), id)
	if order.Status != types.OrderCanceled {
		t.Errorf("status = %v, want canceled", order.Status)
	}

	// Terminal orders cannot be cancelled again.
	if err := sim.CancelOrder(context.Background(), id); !errors.Is(err, venue.ErrRejected) {
		t.Errorf("second cancel err = %v, want ErrRejected", err)
	}
	if err := sim.CancelOrder(context.Background(), "no-such-order"); !errors.Is(err, venue.ErrRejected) {
		t.Errorf("unknown order cancel err = %v, want ErrRejected", err)
	}
}

func TestFeedInterpositionUpdatesFillBooks(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	sim := New(live, 50)

	var (
		mu   sync.Mutex
		seen []string
	)
	sim.SetUpdateFunc(func(instrument string, snap types.OrderbookSnapshot) {
		mu.Lock()
		seen = append(seen, instrument)
		mu.Unlock()
	})

	// A pushed book must both reach the engine callback and update the
	// simulator's fill view.
	live.push("T|yes", types.OrderbookSnapshot{
		Venue:      types.VenueKalshi,
		Instrument: "T|yes",
		Asks:       []types.PriceLevel{{Price: 0.50, Size: 10}},
		ReceivedAt: time.Now(),
	})

	mu.Lock()
	if len(seen) != 1 || seen[0] != "T|yes" {
		t.Errorf("forwarded updates = %v, want [T|yes]", seen)
	}
	mu.Unlock()

	id, err := sim.PlaceOrder(context.Background(), "T|yes", types.BuyYes, 1, 0.45)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	order, _ := sim.GetOrder(context.Background(), id)
	if order.Status != types.OrderResting {
		t.Errorf("status = %v, want resting below the pushed 0.50 ask", order.Status)
	}
}

func TestMarketDataDelegates(t *testing.T) {
	t.Parallel()

	live := newFakeLive()
	live.catalog = []types.Market{{Venue: types.VenueKalshi, ID: "T"}}
	sim := New(live, 50)

	if sim.Name() != types.VenueKalshi {
		t.Errorf("name = %v, want wrapped venue", sim.Name())
	}
	markets, err := sim.FetchCatalog(context.Background(), venue.CatalogFilter{})
	if err != nil || len(markets) != 1 {
		t.Fatalf("FetchCatalog = %v markets, err %v", len(markets), err)
	}
	if err := sim.SubscribeOrderbook(context.Background(), []string{"T|yes", "T|no"}); err != nil {
		t.Fatalf("SubscribeOrderbook: %v", err)
	}
	if len(live.subscribed) != 2 {
		t.Errorf("subscriptions = %v, want both legs passed through", live.subscribed)
	}
}
