package kalshi

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

func TestSplitInstrument(t *testing.T) {
	t.Parallel()

	ticker, side, err := splitInstrument("KXBTC15M-26JAN1018-T45|yes")
	if err != nil {
		t.Fatalf("splitInstrument: %v", err)
	}
	if ticker != "KXBTC15M-26JAN1018-T45" || side != "yes" {
		t.Errorf("got %q %q", ticker, side)
	}

	// Tickers can themselves contain separators; the last one wins.
	ticker, side, err = splitInstrument("WEIRD|TICKER|no")
	if err != nil {
		t.Fatalf("splitInstrument: %v", err)
	}
	if ticker != "WEIRD|TICKER" || side != "no" {
		t.Errorf("got %q %q", ticker, side)
	}

	for _, bad := range []string{"KXBTC15M", "KXBTC15M|maybe", ""} {
		if _, _, err := splitInstrument(bad); !errors.Is(err, venue.ErrFatal) {
			t.Errorf("splitInstrument(%q) err = %v, want ErrFatal", bad, err)
		}
	}
}

func TestConvertMarket(t *testing.T) {
	t.Parallel()

	m := convertMarket(apiMarket{
		Ticker:           "KXBTC15M-26JAN1018-T45",
		Title:            "Bitcoin price up in next 15 mins?",
		CloseTime:        "2026-01-10T23:45:00Z",
		YesBid:           35,
		YesAsk:           37,
		SettlementSource: "CF Benchmarks",
		TickSize:         1,
	})

	if m.Venue != types.VenueKalshi {
		t.Errorf("venue = %v", m.Venue)
	}
	if m.YesPrice != 0.36 {
		t.Errorf("yes price = %v, want cents mid 0.36", m.YesPrice)
	}
	if m.NoPrice != 0.64 {
		t.Errorf("no price = %v, want complement 0.64", m.NoPrice)
	}
	want := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)
	if !m.ResolutionTime.Equal(want) {
		t.Errorf("resolution = %v, want %v", m.ResolutionTime, want)
	}
	if m.Tick != 0.01 {
		t.Errorf("tick = %v, want 0.01", m.Tick)
	}
	if m.YesInstrument != "KXBTC15M-26JAN1018-T45|yes" || m.NoInstrument != "KXBTC15M-26JAN1018-T45|no" {
		t.Errorf("instruments = %q %q", m.YesInstrument, m.NoInstrument)
	}
}

func TestCentsMid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		bid, ask int
		want     float64
	}{
		{35, 37, 0.36},
		{0, 0, 0.5}, // no quotes yet
		{40, 0, 0.40},
		{0, 60, 0.60},
	}
	for _, tc := range cases {
		if got := centsMid(tc.bid, tc.ask); got != tc.want {
			t.Errorf("centsMid(%d, %d) = %v, want %v", tc.bid, tc.ask, got, tc.want)
		}
	}
}

func TestSnapshotFromLevels(t *testing.T) {
	t.Parallel()

	snap := snapshotFromLevels("TICK|yes", [][]float64{{36, 120}, {37, 50}, {38}})
	if snap.Instrument != "TICK|yes" {
		t.Errorf("instrument = %q", snap.Instrument)
	}
	if len(snap.Asks) != 2 {
		t.Fatalf("asks = %d, want 2 (short level dropped)", len(snap.Asks))
	}
	if snap.Asks[0].Price != 0.36 || snap.Asks[0].Size != 120 {
		t.Errorf("best ask = %+v", snap.Asks[0])
	}
}

func TestConvertOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		order      apiOrder
		wantStatus types.OrderStatus
		wantFilled float64
	}{
		{
			name: "executed",
			order: apiOrder{
				OrderID: "o1", Status: "executed", Side: "yes",
				Ticker: "T", YesPrice: 36, InitialCount: 10, RemainingCount: 0,
			},
			wantStatus: types.OrderFilled, wantFilled: 10,
		},
		{
			name: "canceled after partial",
			order: apiOrder{
				OrderID: "o2", Status: "canceled", Side: "no",
				Ticker: "T", NoPrice: 55, InitialCount: 10, RemainingCount: 6,
			},
			wantStatus: types.OrderPartial, wantFilled: 4,
		},
		{
			name: "canceled clean",
			order: apiOrder{
				OrderID: "o3", Status: "canceled", Side: "yes",
				Ticker: "T", YesPrice: 36, InitialCount: 10, RemainingCount: 10,
			},
			wantStatus: types.OrderCanceled, wantFilled: 0,
		},
		{
			name: "resting",
			order: apiOrder{
				OrderID: "o4", Status: "resting", Side: "yes",
				Ticker: "T", YesPrice: 36, InitialCount: 10, RemainingCount: 10,
			},
			wantStatus: types.OrderResting, wantFilled: 0,
		},
		{
			name: "resting with fills",
			order: apiOrder{
				OrderID: "o5", Status: "resting", Side: "yes",
				Ticker: "T", YesPrice: 36, InitialCount: 10, RemainingCount: 3,
			},
			wantStatus: types.OrderPartial, wantFilled: 7,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := convertOrder(tc.order)
			if got.Status != tc.wantStatus {
				t.Errorf("status = %v, want %v", got.Status, tc.wantStatus)
			}
			if got.Filled != tc.wantFilled {
				t.Errorf("filled = %v, want %v", got.Filled, tc.wantFilled)
			}
		})
	}

	// Side and price selection follow the native side.
	noOrder := convertOrder(apiOrder{
		OrderID: "o6", Status: "executed", Side: "no",
		Ticker: "T", YesPrice: 45, NoPrice: 55, InitialCount: 1,
	})
	if noOrder.Side != types.BuyNo || noOrder.Price != 0.55 {
		t.Errorf("no-side order = %+v, want BUY_NO at 0.55", noOrder)
	}
	if noOrder.Instrument != "T|no" {
		t.Errorf("instrument = %q, want T|no", noOrder.Instrument)
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	if err := classifyStatus(http.StatusBadGateway, ""); !errors.Is(err, venue.ErrTransient) {
		t.Errorf("502 = %v, want transient", err)
	}
	if err := classifyStatus(http.StatusTooManyRequests, ""); !errors.Is(err, venue.ErrTransient) {
		t.Errorf("429 = %v, want transient", err)
	}
	if err := classifyStatus(http.StatusUnauthorized, ""); !errors.Is(err, venue.ErrFatal) {
		t.Errorf("401 = %v, want fatal", err)
	}
	if err := classifyStatus(http.StatusBadRequest, ""); !errors.Is(err, venue.ErrRejected) {
		t.Errorf("400 = %v, want rejected", err)
	}
}
