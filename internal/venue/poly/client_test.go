package poly

import (
	"context"
	"testing"
	"time"

	"crossarb/pkg/types"
)

func validGamma() gammaMarket {
	return gammaMarket{
		ID:            "517311",
		Question:      "Bitcoin Up or Down - Jan 10, 6:45PM ET",
		Slug:          "bitcoin-up-or-down-jan-10-645pm-et",
		EndDate:       "2026-01-10T23:45:00Z",
		ClobTokenIDs:  `["7131","7132"]`,
		Outcomes:      `["Up","Down"]`,
		OutcomePrices: `["0.47","0.53"]`,
		Volume:        "12345.67",
		Active:        true,
	}
}

func TestConvertGammaMarket(t *testing.T) {
	t.Parallel()

	m, ok := convertGammaMarket(validGamma())
	if !ok {
		t.Fatal("expected conversion to succeed")
	}
	if m.Venue != types.VenuePoly {
		t.Errorf("venue = %v", m.Venue)
	}
	if m.YesInstrument != "7131" || m.NoInstrument != "7132" {
		t.Errorf("instruments = %q %q", m.YesInstrument, m.NoInstrument)
	}
	if m.YesPrice != 0.47 || m.NoPrice != 0.53 {
		t.Errorf("prices = %v %v", m.YesPrice, m.NoPrice)
	}
	want := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)
	if !m.ResolutionTime.Equal(want) {
		t.Errorf("resolution = %v, want %v", m.ResolutionTime, want)
	}
	if m.Source != "Chainlink" {
		t.Errorf("source = %q, want Chainlink for the up/down series", m.Source)
	}
}

func TestConvertGammaMarketSkips(t *testing.T) {
	t.Parallel()

	closed := validGamma()
	closed.Closed = true
	if _, ok := convertGammaMarket(closed); ok {
		t.Error("closed market should be skipped")
	}

	inactive := validGamma()
	inactive.Active = false
	if _, ok := convertGammaMarket(inactive); ok {
		t.Error("inactive market should be skipped")
	}

	threeTokens := validGamma()
	threeTokens.ClobTokenIDs = `["1","2","3"]`
	if _, ok := convertGammaMarket(threeTokens); ok {
		t.Error("non-binary market should be skipped")
	}

	badTokens := validGamma()
	badTokens.ClobTokenIDs = `not json`
	if _, ok := convertGammaMarket(badTokens); ok {
		t.Error("undecodable token pair should be skipped")
	}

	badDate := validGamma()
	badDate.EndDate = "tomorrow"
	if _, ok := convertGammaMarket(badDate); ok {
		t.Error("unparseable end date should be skipped")
	}
}

func TestSnapshotFromBookSortsSides(t *testing.T) {
	t.Parallel()

	// The venue sends asks descending; BestAsk must still be index zero.
	asks := []bookLevelJSON{
		{Price: "0.60", Size: "10"},
		{Price: "0.55", Size: "40"},
		{Price: "0.58", Size: "20"},
	}
	bids := []bookLevelJSON{
		{Price: "0.50", Size: "15"},
		{Price: "0.53", Size: "5"},
	}

	snap := snapshotFromBook("7131", asks, bids)
	best, ok := snap.BestAsk()
	if !ok {
		t.Fatal("expected a best ask")
	}
	if best.Price != 0.55 || best.Size != 40 {
		t.Errorf("best ask = %+v, want {0.55 40}", best)
	}
	if snap.Bids[0].Price != 0.53 {
		t.Errorf("best bid = %v, want 0.53", snap.Bids[0].Price)
	}
}

func TestSnapshotFromBookDropsBadLevels(t *testing.T) {
	t.Parallel()

	snap := snapshotFromBook("7131", []bookLevelJSON{
		{Price: "0.55", Size: "40"},
		{Price: "oops", Size: "40"},
		{Price: "0.56", Size: "nan?"},
	}, nil)
	if len(snap.Asks) != 1 {
		t.Fatalf("asks = %d, want 1 (unparseable levels dropped)", len(snap.Asks))
	}
}

func TestConvertOpenOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name       string
		order      openOrder
		wantStatus types.OrderStatus
	}{
		{
			name:       "matched",
			order:      openOrder{ID: "o1", Status: "matched", OriginalSize: "10", SizeMatched: "10", Price: "0.55"},
			wantStatus: types.OrderFilled,
		},
		{
			name:       "live partial",
			order:      openOrder{ID: "o2", Status: "live", OriginalSize: "10", SizeMatched: "4", Price: "0.55"},
			wantStatus: types.OrderPartial,
		},
		{
			name:       "live resting",
			order:      openOrder{ID: "o3", Status: "live", OriginalSize: "10", SizeMatched: "0", Price: "0.55"},
			wantStatus: types.OrderResting,
		},
		{
			name:       "canceled",
			order:      openOrder{ID: "o4", Status: "cancelled", OriginalSize: "10", SizeMatched: "0", Price: "0.55"},
			wantStatus: types.OrderCanceled,
		},
		{
			name:       "status lags full match",
			order:      openOrder{ID: "o5", Status: "live", OriginalSize: "10", SizeMatched: "10", Price: "0.55"},
			wantStatus: types.OrderFilled,
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := convertOpenOrder(tc.order)
			if got.Status != tc.wantStatus {
				t.Errorf("status = %v, want %v", got.Status, tc.wantStatus)
			}
		})
	}
}

func TestPriceToAmounts(t *testing.T) {
	t.Parallel()

	maker, taker := priceToAmounts(0.55, 10)
	if maker.String() != "5500000" {
		t.Errorf("maker = %s, want 5500000 (5.50 USDC)", maker)
	}
	if taker.String() != "10000000" {
		t.Errorf("taker = %s, want 10000000 (10 tokens)", taker)
	}

	// Size truncates to 2 decimals, cost to 4.
	maker, taker = priceToAmounts(0.333, 3.339)
	if taker.String() != "3330000" {
		t.Errorf("taker = %s, want 3330000", taker)
	}
	if maker.String() != "1108800" {
		t.Errorf("maker = %s, want 1108800", maker)
	}
}

func TestTokenBucketBlocksWhenDrained(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(2, 1000)
	ctx := context.Background()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first token: %v", err)
	}
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("second token: %v", err)
	}

	// Empty bucket refills at 1000/s, so the third wait is short but real.
	start := time.Now()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("third token: %v", err)
	}
	if time.Since(start) <= 0 {
		t.Error("expected a measurable wait on an empty bucket")
	}
}

func TestTokenBucketHonorsContext(t *testing.T) {
	t.Parallel()

	tb := NewTokenBucket(1, 0.001) // effectively never refills
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("first token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err == nil {
		t.Fatal("expected context cancellation while blocked")
	}
}
