// Package engine is the orchestrator: it wires discovery, the push
// feeds, detection, and execution into one lifecycle and owns the sticky
// single-pair trading policy.
//
// The policy is deliberately narrow. At most one matched pair is "active"
// at a time; push updates for any other pair are dropped, not queued.
// After a trade the engine goes quiet for a cooldown, then re-discovers
// the catalog in the background. Fifteen-minute instruments churn too
// fast for periodic polling to pay for itself, so re-discovery is
// trade-driven.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"crossarb/internal/arb"
	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/exec"
	"crossarb/internal/journal"
	"crossarb/internal/match"
	"crossarb/internal/risk"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// ErrKillSwitch is returned from Run when the risk manager fires the
// kill switch; main maps it to its own exit code.
var ErrKillSwitch = errors.New("kill switch fired")

type instrumentKey struct {
	venue      types.Venue
	instrument string
}

// Engine drives the full pipeline.
type Engine struct {
	cfg      *config.Config
	adapterA venue.Adapter // Kalshi, venue-of-record
	adapterB venue.Adapter // Polymarket

	cache       *book.Cache
	matcher     *match.Matcher
	detector    *arb.Detector
	coordinator *exec.Coordinator
	risk        *risk.Manager
	journal     *journal.Journal
	logger      *slog.Logger

	mu            sync.Mutex
	pairs         map[string]types.MatchedPair
	byInstrument  map[instrumentKey]string // -> pair key
	activePair    string
	cooldownUntil time.Time
	lastExecuted  map[string]time.Time // opportunity dedupe key -> time
	executing     bool

	tradeWG sync.WaitGroup
}

// New wires the engine from already-constructed components.
func New(
	cfg *config.Config,
	adapterA, adapterB venue.Adapter,
	cache *book.Cache,
	matcher *match.Matcher,
	detector *arb.Detector,
	coordinator *exec.Coordinator,
	riskMgr *risk.Manager,
	jrnl *journal.Journal,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:          cfg,
		adapterA:     adapterA,
		adapterB:     adapterB,
		cache:        cache,
		matcher:      matcher,
		detector:     detector,
		coordinator:  coordinator,
		risk:         riskMgr,
		journal:      jrnl,
		logger:       logger.With("component", "engine"),
		pairs:        make(map[string]types.MatchedPair),
		byInstrument: make(map[instrumentKey]string),
		lastExecuted: make(map[string]time.Time),
	}
}

// Run starts every strand and blocks until ctx is cancelled, the kill
// switch fires, or a feed dies unrecoverably. In-flight trades reach a
// terminal state before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.risk.Init(ctx); err != nil {
		return fmt.Errorf("initialize risk manager: %w", err)
	}

	if err := e.discover(ctx); err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Push updates land in the cache; the cache fans out to the sticky
	// callback.
	e.cache.SetUpdateFunc(e.onBookUpdate)
	for _, adapter := range []venue.Adapter{e.adapterA, e.adapterB} {
		a := adapter
		a.SetUpdateFunc(func(_ string, snap types.OrderbookSnapshot) {
			e.cache.Put(snap)
		})
	}

	var wg sync.WaitGroup
	feedErr := make(chan error, 2)
	for _, adapter := range []venue.Adapter{e.adapterA, e.adapterB} {
		a := adapter
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Run(runCtx); err != nil && runCtx.Err() == nil {
				feedErr <- fmt.Errorf("%s feed: %w", a.Name(), err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.risk.Run(runCtx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.journal.Run(runCtx)
	}()

	e.logger.Info("engine running",
		"pairs", len(e.pairs),
		"simulation", e.cfg.SimulationMode,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case reason := <-e.risk.KillCh():
		runErr = fmt.Errorf("%w: %s", ErrKillSwitch, reason)
	case err := <-feedErr:
		runErr = err
	}

	cancel()
	e.tradeWG.Wait() // in-flight trade reaches a terminal state
	wg.Wait()
	return runErr
}

// discover fetches both catalogs in parallel, matches them, and
// subscribes the push feeds to every pair instrument.
func (e *Engine) discover(ctx context.Context) error {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.Exec.FetchTimeout)
	defer cancel()

	var (
		wg         sync.WaitGroup
		catalogA   []types.Market
		catalogB   []types.Market
		errA, errB error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		catalogA, errA = e.adapterA.FetchCatalog(fetchCtx, venue.CatalogFilter{
			Series: e.cfg.Kalshi.Series,
		})
	}()
	go func() {
		defer wg.Done()
		catalogB, errB = e.adapterB.FetchCatalog(fetchCtx, venue.CatalogFilter{
			TagID: e.cfg.Poly.TagID,
			Limit: e.cfg.Poly.FetchLimit,
		})
	}()
	wg.Wait()

	if errA != nil {
		return fmt.Errorf("fetch kalshi catalog: %w", errA)
	}
	if errB != nil {
		return fmt.Errorf("fetch polymarket catalog: %w", errB)
	}

	pairs := e.matcher.Match(catalogA, catalogB)

	// Gamma occasionally lists token ids the CLOB does not serve yet. A
	// book probe on the YES token weeds those out before we subscribe and
	// start quoting against a pair that can never fill.
	valid := pairs[:0]
	for _, pair := range pairs {
		if _, err := e.adapterB.GetOrderbook(fetchCtx, pair.B.YesInstrument); err != nil {
			e.logger.Warn("dropping pair, token probe failed",
				"pair", pair.Key, "token", pair.B.YesInstrument, "error", err)
			continue
		}
		valid = append(valid, pair)
	}
	pairs = valid

	e.mu.Lock()
	var subsA, subsB []string
	for _, pair := range pairs {
		if _, known := e.pairs[pair.Key]; known {
			continue
		}
		e.pairs[pair.Key] = pair
		for _, instr := range []string{pair.A.YesInstrument, pair.A.NoInstrument} {
			e.byInstrument[instrumentKey{pair.A.Venue, instr}] = pair.Key
			subsA = append(subsA, instr)
		}
		for _, instr := range []string{pair.B.YesInstrument, pair.B.NoInstrument} {
			e.byInstrument[instrumentKey{pair.B.Venue, instr}] = pair.Key
			subsB = append(subsB, instr)
		}
		e.journal.Pair(pair)
	}
	e.mu.Unlock()

	if len(subsA) > 0 {
		if err := e.adapterA.SubscribeOrderbook(ctx, subsA); err != nil {
			e.logger.Warn("kalshi subscribe failed, feed will retry on connect", "error", err)
		}
	}
	if len(subsB) > 0 {
		if err := e.adapterB.SubscribeOrderbook(ctx, subsB); err != nil {
			e.logger.Warn("polymarket subscribe failed, feed will retry on connect", "error", err)
		}
	}

	e.logger.Info("discovery complete",
		"kalshi_markets", len(catalogA),
		"poly_markets", len(catalogB),
		"matched_pairs", len(pairs),
	)
	return nil
}

// onBookUpdate is the per-update callback, invoked from feed goroutines
// through the cache. It is the cooldown/sticky gate: during cooldown or
// a trade in flight, no detector or coordinator work happens at all.
func (e *Engine) onBookUpdate(v types.Venue, instrument string) {
	now := time.Now()

	e.mu.Lock()
	if now.Before(e.cooldownUntil) || e.executing {
		e.mu.Unlock()
		return
	}

	pairKey, ok := e.byInstrument[instrumentKey{v, instrument}]
	if !ok {
		e.mu.Unlock()
		return
	}
	pair, ok := e.pairs[pairKey]
	if !ok {
		e.mu.Unlock()
		return
	}

	if !e.matcher.StillValid(pair, now) {
		e.retirePairLocked(pair)
		e.mu.Unlock()
		return
	}

	quote, fresh := e.quote(pair, now)
	passes := fresh && e.passesFilters(pair, quote, now)

	if e.activePair == "" {
		if !passes {
			e.mu.Unlock()
			return
		}
		e.activePair = pairKey
		e.logger.Info("active pair selected", "pair", pairKey)
	} else if e.activePair != pairKey {
		// Sticky: updates for non-active pairs are dropped, not queued.
		e.mu.Unlock()
		return
	} else if !passes {
		e.logger.Info("active pair cleared: filters stopped holding", "pair", pairKey)
		e.activePair = ""
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	opp := e.detector.Evaluate(pair, quote, now)
	if opp == nil {
		return
	}

	e.mu.Lock()
	if last, seen := e.lastExecuted[opp.DedupeKey()]; seen && now.Sub(last) < e.cfg.Exec.DedupeWindow {
		e.mu.Unlock()
		e.journal.Opportunity(*opp, "rejected", "duplicate within dedupe window")
		return
	}
	if e.executing {
		e.mu.Unlock()
		return
	}
	e.executing = true
	e.mu.Unlock()

	e.tradeWG.Add(1)
	go e.executeTrade(*opp)
}

// executeTrade runs the coordinator off the feed goroutine and applies
// the post-trade policy.
func (e *Engine) executeTrade(opp types.Opportunity) {
	defer e.tradeWG.Done()

	// Execution gets its own context so a feed disconnect cannot strand
	// a half-placed trade; the fill monitor budget bounds it anyway.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	trade, err := e.coordinator.Execute(ctx, opp)

	e.mu.Lock()
	e.executing = false
	if err == nil || trade != nil {
		// Orders reached a venue (filled or unwound): quiet period,
		// then background re-discovery. Clean aborts skip both.
		e.lastExecuted[opp.DedupeKey()] = time.Now()
		e.cooldownUntil = time.Now().Add(e.cfg.Exec.TradeCooldown)
		e.activePair = ""
	}
	e.mu.Unlock()

	if err != nil {
		if errors.Is(err, exec.ErrAborted) {
			e.journal.Opportunity(opp, "rejected", err.Error())
			e.logger.Info("trade aborted", "pair", opp.Pair.Key, "reason", err.Error())
			return
		}
		e.journal.Opportunity(opp, "rejected", err.Error())
		e.logger.Error("trade execution failed", "pair", opp.Pair.Key, "error", err)
		return
	}

	e.journal.Opportunity(opp, "executed", "")

	go func() {
		discCtx, discCancel := context.WithTimeout(context.Background(), e.cfg.Exec.FetchTimeout)
		defer discCancel()
		if err := e.discover(discCtx); err != nil {
			e.logger.Warn("post-trade re-discovery failed", "error", err)
		}
	}()
}

// quote assembles the four fresh best asks for a pair. fresh is false if
// any book is missing or aged out.
func (e *Engine) quote(pair types.MatchedPair, now time.Time) (arb.Quote, bool) {
	yesA, ok1 := e.cache.BestAsk(pair.A.Venue, pair.A.YesInstrument, now)
	noA, ok2 := e.cache.BestAsk(pair.A.Venue, pair.A.NoInstrument, now)
	yesB, ok3 := e.cache.BestAsk(pair.B.Venue, pair.B.YesInstrument, now)
	noB, ok4 := e.cache.BestAsk(pair.B.Venue, pair.B.NoInstrument, now)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return arb.Quote{}, false
	}
	return arb.Quote{
		YesA: yesA.Price,
		NoA:  noA.Price,
		YesB: yesB.Price,
		NoB:  noB.Price,
	}, true
}

// passesFilters applies the tradeability gates: enough time to
// resolution, and every price on both sides inside the band.
func (e *Engine) passesFilters(pair types.MatchedPair, q arb.Quote, now time.Time) bool {
	if pair.ResolutionTime.Sub(now) < e.cfg.Exec.MinTimeToClose {
		return false
	}
	lo, hi := e.cfg.Exec.PriceBandLo, e.cfg.Exec.PriceBandHi
	for _, p := range []float64{q.YesA, q.NoA, q.YesB, q.NoB} {
		if p < lo || p > hi {
			return false
		}
	}
	return true
}

// retirePairLocked removes a pair whose equivalence broke or whose
// markets closed. Caller holds e.mu.
func (e *Engine) retirePairLocked(pair types.MatchedPair) {
	delete(e.pairs, pair.Key)
	for _, instr := range []string{pair.A.YesInstrument, pair.A.NoInstrument} {
		delete(e.byInstrument, instrumentKey{pair.A.Venue, instr})
	}
	for _, instr := range []string{pair.B.YesInstrument, pair.B.NoInstrument} {
		delete(e.byInstrument, instrumentKey{pair.B.Venue, instr})
	}
	e.cache.Drop(pair.A.Venue, pair.A.YesInstrument, pair.A.NoInstrument)
	e.cache.Drop(pair.B.Venue, pair.B.YesInstrument, pair.B.NoInstrument)
	if e.activePair == pair.Key {
		e.activePair = ""
	}
	e.logger.Info("pair retired", "pair", pair.Key)
}
