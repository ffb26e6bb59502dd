// planner.go resolves imbalanced fills. Given one leg filled beyond the
// other, it cancels whatever still rests, then neutralizes the surplus by
// the cheapest of two paths on the surplus leg's own venue:
//
//   - Hedge: buy the opposite outcome at its live best ask, making the
//     position sum to one dollar within that venue.
//   - Aggressive exit: buy the opposite outcome at 0.99, the complement
//     of dumping the unwanted side at 0.01. Guaranteed to cross; its
//     economic cost is the slippage allowance plus fees, not the quoted
//     price.
//
// Every candidate cost is recorded whether chosen or not. If no path is
// feasible the kill switch fires: an unhedged single-venue position must
// never persist silently.
package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crossarb/internal/arb"
	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	// aggrSlippage is the per-unit cost allowance of the 0.99 complement
	// buy: one cent of giveaway relative to a fair exit.
	aggrSlippage = 0.01

	// aggrLimitPrice is where the complement buy is priced.
	aggrLimitPrice = 0.99

	// infeasible marks a candidate cost that could not be computed.
	infeasible = -1.0
)

// Planner chooses and executes the cheapest neutralization.
type Planner struct {
	adapters map[types.Venue]venue.Adapter
	cache    *book.Cache
	risk     RiskGate
	fees     map[types.Venue]arb.FeeModel
	log      DecisionLog
	cfg      config.ExecConfig
	logger   *slog.Logger
}

// NewPlanner creates the planner with the same wiring as the coordinator.
func NewPlanner(
	adapters map[types.Venue]venue.Adapter,
	cache *book.Cache,
	risk RiskGate,
	fees map[types.Venue]arb.FeeModel,
	log DecisionLog,
	cfg config.ExecConfig,
	logger *slog.Logger,
) *Planner {
	return &Planner{
		adapters: adapters,
		cache:    cache,
		risk:     risk,
		fees:     fees,
		log:      log,
		cfg:      cfg,
		logger:   logger.With("component", "unwind"),
	}
}

// Resolve neutralizes the imbalance between two leg orders and updates
// the trade record in place. After a successful resolve, no single-venue
// position remains that is not self-hedged within its venue or netted by
// the opposing filled leg.
func (p *Planner) Resolve(ctx context.Context, trade *types.Trade, opp types.Opportunity, orderA, orderB types.Order) error {
	// Stage 1: anything still resting is cancelled first. Cancellation
	// is free and shrinks the problem to the already-filled quantities.
	cancelCost := infeasible
	for _, order := range []*types.Order{&orderA, &orderB} {
		if order.ID == "" || order.Status.Terminal() {
			continue
		}
		if err := p.adapters[order.Venue].CancelOrder(ctx, order.ID); err != nil {
			p.logger.Warn("unwind cancel failed", "order", order.ID, "error", err)
			// The order may have filled in the race; re-read it.
			if latest, pollErr := p.adapters[order.Venue].GetOrder(ctx, order.ID); pollErr == nil {
				order.Filled = latest.Filled
				order.Status = latest.Status
			}
			continue
		}
		if order.Filled > 0 {
			order.Status = types.OrderPartial
		} else {
			order.Status = types.OrderCanceled
		}
		cancelCost = 0
		p.log.Unwind(types.UnwindRecord{
			ID:           uuid.NewString(),
			TradeID:      trade.ID,
			Venue:        order.Venue,
			Instrument:   order.Instrument,
			ImbalanceQty: order.Size - order.Filled,
			CancelCost:   0,
			HedgeCost:    infeasible,
			AggrCost:     infeasible,
			Action:       types.UnwindCancel,
			RealizedCost: 0,
			OrderID:      order.ID,
			Timestamp:    time.Now(),
		})
		p.logger.Info("unwind: cancelled resting remainder",
			"trade", trade.ID, "order", order.ID)
	}

	// Stage 2: neutralize the fill surplus.
	surplus, leg, legMarket := p.surplus(opp, orderA, orderB)
	if surplus <= 0 {
		// Fills net across venues; nothing on either venue is naked.
		trade.StatusA = orderA.Status
		trade.StatusB = orderB.Status
		return nil
	}

	oppositeSide := leg.Side.Opposite()
	oppositeInstrument := legMarket.InstrumentFor(oppositeSide)
	feeModel := p.fees[leg.Venue]

	hedgeCost, hedgePrice := p.hedgeCandidate(ctx, leg.Venue, oppositeInstrument, feeModel, surplus)

	aggrFee, _ := feeModel.Fee(decimalFromFloat(aggrLimitPrice)).Float64()
	aggrCost := (aggrSlippage + aggrFee) * surplus

	action := types.UnwindAggressive
	execPrice := aggrLimitPrice
	realized := aggrCost
	if hedgeCost != infeasible && hedgeCost < aggrCost {
		action = types.UnwindHedge
		execPrice = hedgePrice
		realized = hedgeCost
	}

	orderID, err := p.adapters[leg.Venue].PlaceOrder(ctx, oppositeInstrument, oppositeSide, surplus, execPrice)
	if err != nil {
		// The chosen path refused; try the other before giving up.
		if action == types.UnwindHedge {
			action, execPrice, realized = types.UnwindAggressive, aggrLimitPrice, aggrCost
		} else if hedgeCost != infeasible {
			action, execPrice, realized = types.UnwindHedge, hedgePrice, hedgeCost
		} else {
			p.risk.TriggerKillSwitch(fmt.Sprintf("unwind failed for trade %s: %v", trade.ID, err))
			return fmt.Errorf("unwind failed: %w", err)
		}
		orderID, err = p.adapters[leg.Venue].PlaceOrder(ctx, oppositeInstrument, oppositeSide, surplus, execPrice)
		if err != nil {
			p.risk.TriggerKillSwitch(fmt.Sprintf("unwind failed for trade %s: %v", trade.ID, err))
			return fmt.Errorf("unwind failed: %w", err)
		}
	}

	rec := types.UnwindRecord{
		ID:           uuid.NewString(),
		TradeID:      trade.ID,
		Venue:        leg.Venue,
		Instrument:   leg.Instrument,
		ImbalanceQty: surplus,
		CancelCost:   cancelCost,
		HedgeCost:    hedgeCost,
		AggrCost:     aggrCost,
		Action:       action,
		RealizedCost: realized,
		OrderID:      orderID,
		Timestamp:    time.Now(),
	}
	p.log.Unwind(rec)

	// The neutralized pair costs its realized amount without any
	// compensating dollar payout edge; book it as a PnL hit.
	p.risk.UpdatePnL(-realized)

	trade.StatusA = orderA.Status
	trade.StatusB = orderB.Status
	trade.Fees += realized

	p.logger.Info("unwind resolved",
		"trade", trade.ID,
		"action", string(action),
		"surplus", surplus,
		"cancel_cost", cancelCost,
		"hedge_cost", hedgeCost,
		"aggr_cost", aggrCost,
		"realized", realized,
	)
	return nil
}

// surplus returns the excess filled quantity and which leg carries it.
func (p *Planner) surplus(opp types.Opportunity, orderA, orderB types.Order) (float64, types.Leg, types.Market) {
	diff := orderA.Filled - orderB.Filled
	if diff > 0 {
		return diff, opp.LegA, p.legMarket(opp, opp.LegA)
	}
	return -diff, opp.LegB, p.legMarket(opp, opp.LegB)
}

func (p *Planner) legMarket(opp types.Opportunity, leg types.Leg) types.Market {
	if leg.Venue == opp.Pair.A.Venue {
		return opp.Pair.A
	}
	return opp.Pair.B
}

// hedgeCandidate prices a same-venue hedge from the live opposite-side
// book. Returns infeasible when no fresh ask exists.
func (p *Planner) hedgeCandidate(ctx context.Context, v types.Venue, oppositeInstrument string, feeModel arb.FeeModel, qty float64) (cost, price float64) {
	best, ok := p.cache.BestAsk(v, oppositeInstrument, time.Now())
	if !ok {
		fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
		snap, err := p.adapters[v].GetOrderbook(fetchCtx, oppositeInstrument)
		cancel()
		if err != nil {
			return infeasible, 0
		}
		best, ok = snap.BestAsk()
		if !ok {
			return infeasible, 0
		}
		p.cache.Put(snap)
	}
	if best.Size < qty {
		return infeasible, 0
	}

	fee, _ := feeModel.Fee(decimalFromFloat(best.Price)).Float64()
	return (best.Price + fee) * qty, best.Price
}

