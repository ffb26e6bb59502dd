package match

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	return New(60*time.Second, 900*time.Second, testLogger())
}

func kalshiMarket(title string, close time.Time) types.Market {
	return types.Market{
		Venue:          types.VenueKalshi,
		ID:             "KXBTC15M-26JAN1018-T45",
		Ticker:         "KXBTC15M-26JAN1018-T45",
		Title:          title,
		ResolutionTime: close,
		Source:         "Kalshi",
		YesInstrument:  "KXBTC15M-26JAN1018-T45|yes",
		NoInstrument:   "KXBTC15M-26JAN1018-T45|no",
	}
}

func polyMarket(title string, close time.Time) types.Market {
	return types.Market{
		Venue:          types.VenuePoly,
		ID:             "0xabc",
		Ticker:         "bitcoin-up-or-down",
		Title:          title,
		ResolutionTime: close,
		Source:         "Chainlink",
		YesInstrument:  "7131",
		NoInstrument:   "7132",
	}
}

func TestMatchShortWindowPair(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	// Phrasings differ completely; the shared asset plus the 15-minute
	// window shape must carry the match on their own.
	a := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	b := polyMarket("Bitcoin Up or Down - Jan 10, 6:45PM ET", close.Add(30*time.Second))

	pairs := m.Match([]types.Market{a}, []types.Market{b})
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
	p := pairs[0]
	if p.Asset != "btc" {
		t.Errorf("asset = %q, want btc", p.Asset)
	}
	if want := "btc:2026-01-10T23:45"; p.Key != want {
		t.Errorf("key = %q, want %q", p.Key, want)
	}
}

func TestMatchRejectsAssetMismatch(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	a := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	b := polyMarket("Ethereum Up or Down - Jan 10, 6:45PM ET", close)

	if pairs := m.Match([]types.Market{a}, []types.Market{b}); len(pairs) != 0 {
		t.Fatalf("got %d pairs, want 0", len(pairs))
	}
}

func TestMatchRejectsTimeSkew(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	a := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	b := polyMarket("Bitcoin Up or Down - Jan 10, 6:45PM ET", close.Add(5*time.Minute))

	if pairs := m.Match([]types.Market{a}, []types.Market{b}); len(pairs) != 0 {
		t.Fatalf("got %d pairs, want 0", len(pairs))
	}
}

func TestCalibratedOffsetRecoversSkewedPair(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	// One venue quantizes the close five minutes later; a calibrated
	// per-asset correction brings it back inside tolerance.
	a := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	b := polyMarket("Bitcoin Up or Down - Jan 10, 6:45PM ET", close.Add(5*time.Minute))

	if err := m.SetOffset("btc", -5*time.Minute); err != nil {
		t.Fatalf("SetOffset: %v", err)
	}
	if pairs := m.Match([]types.Market{a}, []types.Market{b}); len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1 after calibration", len(pairs))
	}
}

func TestSetOffsetRejectsBeyondCap(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	if err := m.SetOffset("btc", 16*time.Minute); err == nil {
		t.Fatal("expected error for offset beyond cap")
	}
	if err := m.SetOffset("btc", -16*time.Minute); err == nil {
		t.Fatal("expected error for negative offset beyond cap")
	}
}

func TestMatchRejectsUnknownSource(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	// Non-short-window titles fall through to the source check.
	a := kalshiMarket("Bitcoin above $100,000 today?", close)
	a.Source = "Some Blog"
	b := polyMarket("Will Bitcoin be above $100,000 today?", close)

	if pairs := m.Match([]types.Market{a}, []types.Market{b}); len(pairs) != 0 {
		t.Fatalf("got %d pairs, want 0", len(pairs))
	}
}

func TestMatchRejectsThresholdDisagreement(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	a := kalshiMarket("Bitcoin above $100,000 today?", close)
	a.Threshold = 100000
	a.Tick = 0.01
	b := polyMarket("Will Bitcoin be above $101,000 today?", close)
	b.Threshold = 101000
	b.Tick = 0.001

	if pairs := m.Match([]types.Market{a}, []types.Market{b}); len(pairs) != 0 {
		t.Fatalf("got %d pairs, want 0", len(pairs))
	}
}

func TestMatchRejectsMissingInstruments(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	a := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	b := polyMarket("Bitcoin Up or Down - Jan 10, 6:45PM ET", close)
	b.NoInstrument = ""

	if pairs := m.Match([]types.Market{a}, []types.Market{b}); len(pairs) != 0 {
		t.Fatalf("got %d pairs, want 0", len(pairs))
	}
}

func TestMatchUsesEachMarketOnce(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	a1 := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	a2 := kalshiMarket("Bitcoin price up in next 15 mins?", close)
	a2.ID = "KXBTC15M-26JAN1018-T45-DUP"
	b := polyMarket("Bitcoin Up or Down - Jan 10, 6:45PM ET", close)

	pairs := m.Match([]types.Market{a1, a2}, []types.Market{b})
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1 (B side consumed once)", len(pairs))
	}
}

func TestStillValid(t *testing.T) {
	t.Parallel()

	m := newTestMatcher(t)
	close := time.Date(2026, 1, 10, 23, 45, 0, 0, time.UTC)

	pair := types.MatchedPair{
		A:     kalshiMarket("Bitcoin price up in next 15 mins?", close),
		B:     polyMarket("Bitcoin Up or Down - Jan 10, 6:45PM ET", close),
		Asset: "btc",
	}

	if !m.StillValid(pair, close.Add(-10*time.Minute)) {
		t.Error("pair should be valid before resolution")
	}
	if m.StillValid(pair, close) {
		t.Error("pair should be invalid at resolution")
	}
	if m.StillValid(pair, close.Add(time.Minute)) {
		t.Error("pair should be invalid after resolution")
	}
}

func TestTitleSimilarity(t *testing.T) {
	t.Parallel()

	same := titleSimilarity(
		"Will Bitcoin be above $100,000 today?",
		"Bitcoin above $100,000 today?",
	)
	if same < 0.6 {
		t.Errorf("similar titles scored %.2f, want >= 0.6", same)
	}

	diff := titleSimilarity(
		"Will Bitcoin be above $100,000 today?",
		"Fed cuts rates in March?",
	)
	if diff >= 0.6 {
		t.Errorf("unrelated titles scored %.2f, want < 0.6", diff)
	}
}
