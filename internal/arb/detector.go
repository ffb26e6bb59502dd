// Package arb evaluates matched pairs for hard-arbitrage opportunities.
//
// A binary pair admits two compensating strategies: buy YES on venue A
// and NO on venue B, or the reverse. Either way exactly one leg pays out
// one dollar at resolution, so the position is profitable whenever
// combined cost plus fees stays under a dollar.
package arb

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Quote carries the four best-ask prices the detector evaluates, as
// observed fractions.
type Quote struct {
	YesA float64
	NoA  float64
	YesB float64
	NoB  float64
}

// Detector evaluates pairs against configured fee models. Safe for
// concurrent use; the memo cache is shared.
type Detector struct {
	feeA      FeeModel
	feeB      FeeModel
	minProfit decimal.Decimal
	epsilon   float64
	memoTTL   time.Duration

	mu   sync.Mutex
	memo map[string]memoEntry
}

type memoEntry struct {
	opp *types.Opportunity
	at  time.Time
}

// NewDetector creates a detector. feeA applies to venue-A legs, feeB to
// venue-B legs.
func NewDetector(feeA, feeB FeeModel, minProfit, epsilon float64, memoTTL time.Duration) *Detector {
	return &Detector{
		feeA:      feeA,
		feeB:      feeB,
		minProfit: decimal.NewFromFloat(minProfit),
		epsilon:   epsilon,
		memoTTL:   memoTTL,
		memo:      make(map[string]memoEntry),
	}
}

// Evaluate returns the best opportunity for the pair at the quoted
// prices, or nil when neither strategy clears the profit floor.
//
// The pre-filter rejects without touching fee math when even the cheaper
// strategy cannot profit under the most optimistic fee assumption; this
// short-circuits nearly all steady-state inputs. Surviving evaluations
// are memoized for a short window keyed on the pair and the prices
// rounded to four decimals, absorbing duplicate push updates.
func (d *Detector) Evaluate(pair types.MatchedPair, q Quote, now time.Time) *types.Opportunity {
	costS1 := q.YesA + q.NoB
	costS2 := q.NoA + q.YesB
	minTotal := costS1
	if costS2 < minTotal {
		minTotal = costS2
	}
	if minTotal > 1.0-2.0*d.epsilon {
		return nil
	}

	key := memoKey(pair, q)
	d.mu.Lock()
	if entry, ok := d.memo[key]; ok && now.Sub(entry.at) <= d.memoTTL {
		d.mu.Unlock()
		return entry.opp
	}
	d.mu.Unlock()

	opp := d.evaluate(pair, q, now)

	d.mu.Lock()
	d.memo[key] = memoEntry{opp: opp, at: now}
	// Expired entries accrete across price levels; sweep opportunistically.
	if len(d.memo) > 4096 {
		for k, e := range d.memo {
			if now.Sub(e.at) > d.memoTTL {
				delete(d.memo, k)
			}
		}
	}
	d.mu.Unlock()

	return opp
}

func (d *Detector) evaluate(pair types.MatchedPair, q Quote, now time.Time) *types.Opportunity {
	netS1 := d.net(q.YesA, q.NoB)
	netS2 := d.net(q.NoA, q.YesB)

	// Higher net wins; ties break to the lower strategy ordinal so
	// repeated evaluations of identical books pick the same legs.
	strategy := types.StrategyYesANoB
	net := netS1
	if netS2.GreaterThan(netS1) {
		strategy = types.StrategyNoAYesB
		net = netS2
	}

	if net.LessThan(d.minProfit) {
		return nil
	}

	var legA, legB types.Leg
	if strategy == types.StrategyYesANoB {
		legA = types.Leg{Venue: pair.A.Venue, Instrument: pair.A.YesInstrument, Side: types.BuyYes, Price: q.YesA}
		legB = types.Leg{Venue: pair.B.Venue, Instrument: pair.B.NoInstrument, Side: types.BuyNo, Price: q.NoB}
	} else {
		legA = types.Leg{Venue: pair.A.Venue, Instrument: pair.A.NoInstrument, Side: types.BuyNo, Price: q.NoA}
		legB = types.Leg{Venue: pair.B.Venue, Instrument: pair.B.YesInstrument, Side: types.BuyYes, Price: q.YesB}
	}

	return &types.Opportunity{
		Pair:       pair,
		Strategy:   strategy,
		LegA:       legA,
		LegB:       legB,
		NetProfit:  net,
		DetectedAt: now,
	}
}

// net computes 1 − cost − fees for one strategy, per unit.
func (d *Detector) net(priceA, priceB float64) decimal.Decimal {
	pa := decimal.NewFromFloat(priceA)
	pb := decimal.NewFromFloat(priceB)

	cost := pa.Add(pb)
	fees := d.feeA.Fee(pa).Add(d.feeB.Fee(pb))
	return decimal.NewFromInt(1).Sub(cost).Sub(fees)
}

// Fees returns the combined per-unit taker fees for the given leg prices,
// used by the coordinator to reserve exposure.
func (d *Detector) Fees(priceA, priceB float64) decimal.Decimal {
	return d.feeA.Fee(decimal.NewFromFloat(priceA)).Add(d.feeB.Fee(decimal.NewFromFloat(priceB)))
}

func memoKey(pair types.MatchedPair, q Quote) string {
	return fmt.Sprintf("%s|%s|%.4f|%.4f|%.4f|%.4f",
		pair.A.ID, pair.B.ID, q.YesA, q.NoA, q.YesB, q.NoB)
}
