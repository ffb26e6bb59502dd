// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the arbitrage engine — venue and
// side enums, market metadata, matched pairs, order book snapshots, detected
// opportunities, and executed trades. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Venue identifies one of the two exchanges the engine trades across.
type Venue string

const (
	VenueKalshi Venue = "KALSHI"     // venue-of-record for the cash balance
	VenuePoly   Venue = "POLYMARKET" // CLOB with paired outcome tokens
)

// Side is the normalized order direction. Venue adapters map these to
// venue-native representations (Kalshi yes/no sides, Polymarket outcome
// tokens); no other component sees the native shapes.
type Side string

const (
	BuyYes Side = "BUY_YES"
	BuyNo  Side = "BUY_NO"
)

// Opposite returns the outcome-complement side on the same venue.
// Buying it makes a one-sided position sum to one within that venue.
func (s Side) Opposite() Side {
	if s == BuyYes {
		return BuyNo
	}
	return BuyYes
}

// Strategy tags the two compensating leg combinations for a matched pair.
// The ordinal is the deterministic tie-break when both nets are equal.
type Strategy int

const (
	StrategyYesANoB Strategy = iota // BUY_YES on venue A, BUY_NO on venue B
	StrategyNoAYesB                 // BUY_NO on venue A, BUY_YES on venue B
)

func (s Strategy) String() string {
	switch s {
	case StrategyYesANoB:
		return "YES_A+NO_B"
	case StrategyNoAYesB:
		return "NO_A+YES_B"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// OrderStatus is the terminal (or resting) classification of a placed order.
type OrderStatus string

const (
	OrderFilled   OrderStatus = "FILLED"
	OrderPartial  OrderStatus = "PARTIAL"
	OrderResting  OrderStatus = "RESTING"
	OrderCanceled OrderStatus = "CANCELED"
	OrderRejected OrderStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change on the venue.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCanceled || s == OrderRejected
}

// ————————————————————————————————————————————————————————————————————————
// Market metadata
// ————————————————————————————————————————————————————————————————————————

// Market is one binary instrument on one venue, resolving to YES or NO.
// Prices are normalized fractions in [0,1] (Kalshi cents are converted by
// the adapter). YesInstrument/NoInstrument are the opaque per-side
// identifiers used for order books and order placement — a Kalshi
// ticker+side pair or a Polymarket CLOB token id. Only the owning adapter
// knows how to decode them.
type Market struct {
	Venue          Venue
	ID             string    // venue market/event identifier
	Ticker         string    // human-oriented ticker or slug
	Title          string    // e.g. "Bitcoin Up or Down - Jan 10, 6:45PM ET"
	ResolutionTime time.Time // trading close, not settlement
	Source         string    // resolution index provider

	YesPrice  float64 // current best YES ask, [0,1]
	NoPrice   float64 // current best NO ask, [0,1]
	YesVolume float64
	NoVolume  float64

	Threshold float64 // numeric strike for threshold markets, 0 for up/down
	Tick      float64 // venue price increment as a fraction

	YesInstrument string // opaque identifier for the YES leg
	NoInstrument  string // opaque identifier for the NO leg
}

// InstrumentFor returns the per-side instrument identifier for an order side.
func (m Market) InstrumentFor(side Side) string {
	if side == BuyYes {
		return m.YesInstrument
	}
	return m.NoInstrument
}

// TimeToResolution is the remaining trading window.
func (m Market) TimeToResolution(now time.Time) time.Duration {
	return m.ResolutionTime.Sub(now)
}

// MatchedPair is two markets deemed equivalent, one per venue. Created by
// the event matcher and invalidated when either side closes, resolution
// times drift past tolerance, or the asset tag de-synchronizes.
type MatchedPair struct {
	A              Market    // venue A (Kalshi)
	B              Market    // venue B (Polymarket)
	ResolutionTime time.Time // shared close time
	Asset          string    // normalized asset tag, e.g. "btc"
	Key            string    // semantic key: asset + resolution minute
	CreatedAt      time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single level in an order book, prices as fractions.
type PriceLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// OrderbookSnapshot is a point-in-time top-N view of one leg instrument's
// book. Asks ascend by price, bids descend. ReceivedAt is stamped by the
// adapter when the data arrived, not when the venue generated it.
type OrderbookSnapshot struct {
	Venue      Venue        `json:"venue"`
	Instrument string       `json:"instrument"`
	Asks       []PriceLevel `json:"asks"`
	Bids       []PriceLevel `json:"bids"`
	ReceivedAt time.Time    `json:"received_at"`
}

// BestAsk returns the lowest ask level, or false if the ask side is empty.
func (s OrderbookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// AgeMillis is the snapshot age at the given instant, in milliseconds.
func (s OrderbookSnapshot) AgeMillis(now time.Time) int64 {
	return now.Sub(s.ReceivedAt).Milliseconds()
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and trades
// ————————————————————————————————————————————————————————————————————————

// Leg is one side of an opportunity: which instrument to buy on which
// venue, at which observed price. Instrument identifiers are pre-resolved
// by the detector so the coordinator never re-queries venue metadata on
// the hot path.
type Leg struct {
	Venue      Venue   `json:"venue"`
	Instrument string  `json:"instrument"`
	Side       Side    `json:"side"`
	Price      float64 `json:"price"` // target price observed at detection
}

// Opportunity is a detected, fee-adjusted profitable pair of legs.
// Immutable after creation; consumed at most once by the coordinator, and
// discarded there if older than the staleness bound (500 ms).
type Opportunity struct {
	Pair       MatchedPair     `json:"pair"`
	Strategy   Strategy        `json:"strategy"`
	LegA       Leg             `json:"leg_a"`
	LegB       Leg             `json:"leg_b"`
	NetProfit  decimal.Decimal `json:"net_profit"` // per-unit, after fees
	DetectedAt time.Time       `json:"detected_at"`
}

// DedupeKey identifies an opportunity for the orchestrator's 15 s
// re-execution window.
func (o Opportunity) DedupeKey() string {
	return o.Pair.Key + ":" + o.Strategy.String()
}

// Order is the engine's view of one venue order.
type Order struct {
	ID         string
	Venue      Venue
	Instrument string
	Side       Side
	Price      float64
	Size       float64 // contracts
	Filled     float64 // contracts filled so far
	Status     OrderStatus
}

// Trade is an executed opportunity: both legs filled at target size, or a
// terminal fallback state reached through the unwind planner. Immutable
// after write.
type Trade struct {
	ID          string      `json:"id"`
	Opportunity Opportunity `json:"opportunity"`
	Size        float64     `json:"size"`   // contracts per leg
	CostA       float64     `json:"cost_a"` // realized cost of leg A
	CostB       float64     `json:"cost_b"`
	Fees        float64     `json:"fees"`
	OrderIDA    string      `json:"order_id_a"`
	OrderIDB    string      `json:"order_id_b"`
	StatusA     OrderStatus `json:"status_a"`
	StatusB     OrderStatus `json:"status_b"`
	ExecutedAt  time.Time   `json:"executed_at"`
}

// TotalCost is the combined realized cost of both legs including fees.
func (t Trade) TotalCost() float64 {
	return t.CostA + t.CostB + t.Fees
}

// UnwindAction is the neutralization path the planner chose.
type UnwindAction string

const (
	UnwindCancel     UnwindAction = "CANCEL"
	UnwindHedge      UnwindAction = "HEDGE"
	UnwindAggressive UnwindAction = "AGGRESSIVE"
)

// UnwindRecord documents one unwind decision: every candidate cost the
// planner evaluated and the action it took. Kept for post-trade analysis
// and for the property that every imbalance reaches a recorded resolution.
type UnwindRecord struct {
	ID           string       `json:"id"`
	TradeID      string       `json:"trade_id"`
	Venue        Venue        `json:"venue"`
	Instrument   string       `json:"instrument"`
	ImbalanceQty float64      `json:"imbalance_qty"`
	CancelCost   float64      `json:"cancel_cost"` // -1 if infeasible
	HedgeCost    float64      `json:"hedge_cost"`
	AggrCost     float64      `json:"aggr_cost"`
	Action       UnwindAction `json:"action"`
	RealizedCost float64      `json:"realized_cost"`
	OrderID      string       `json:"order_id,omitempty"`
	Timestamp    time.Time    `json:"timestamp"`
}
