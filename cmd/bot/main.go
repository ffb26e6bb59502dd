// crossarb — a cross-venue arbitrage engine for 15-minute binary crypto
// prediction markets on Kalshi and Polymarket.
//
// Architecture:
//
//	main.go              — entry point: env + config, wiring, signal handling, exit codes
//	engine/engine.go     — orchestrator: discovery → sticky pair policy → detection → execution
//	match/matcher.go     — cross-venue event equivalence (asset, time, source, shape)
//	arb/detector.go      — fee-adjusted two-strategy evaluation with short-horizon memoization
//	exec/coordinator.go  — bounded two-sided placement with fill monitoring
//	exec/planner.go      — cheapest-path unwind for imbalanced fills
//	risk/manager.go      — per-trade, daily-loss, net-exposure limits; balance sync; kill switch
//	book/cache.go        — TTL-gated order book cache fed by both push streams
//	venue/kalshi         — Kalshi trade-api v2 adapter (RSA-PSS signed REST + WS)
//	venue/poly           — Polymarket Gamma + CLOB adapter (EIP-712 / HMAC auth)
//	venue/paper          — simulation mode: live data, simulated fills
//	journal/journal.go   — async JSONL decision log with optional Redis publishing
//
// How it makes money:
//
//	Two venues list binary markets on the same 15-minute crypto outcome.
//	When the sum of a YES price on one venue and the complementary NO
//	price on the other drops below one dollar minus fees, buying both
//	locks in the difference: exactly one leg pays out $1 at resolution
//	regardless of where the price goes.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"crossarb/internal/arb"
	"crossarb/internal/book"
	"crossarb/internal/config"
	"crossarb/internal/engine"
	"crossarb/internal/exec"
	"crossarb/internal/journal"
	"crossarb/internal/match"
	"crossarb/internal/risk"
	"crossarb/internal/venue"
	"crossarb/internal/venue/kalshi"
	"crossarb/internal/venue/paper"
	"crossarb/internal/venue/poly"
	"crossarb/pkg/types"
)

// Exit codes. Main is the only place that maps error classes to codes.
const (
	exitOK         = 0
	exitConfig     = 1
	exitCredential = 2
	exitVenue      = 3
	exitKillSwitch = 4
)

const paperStartingBalance = 1000.0

func main() {
	os.Exit(run())
}

func run() int {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		return exitConfig
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		return exitConfig
	}
	if err := cfg.ValidateCredentials(); err != nil {
		slog.Error("missing credentials", "error", err)
		return exitCredential
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("engine stopped", "error", err)
	}
	return code
}

// build constructs the full pipeline and runs it to completion.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (int, error) {
	kalshiClient, err := kalshi.NewClient(cfg.Kalshi, logger)
	if err != nil {
		return exitCredential, err
	}

	polyClient, err := poly.NewClient(cfg.Poly, logger)
	if err != nil {
		return exitCredential, err
	}

	var adapterA, adapterB venue.Adapter
	if cfg.SimulationMode {
		logger.Warn("SIMULATION MODE — orders are filled locally, no real positions")
		adapterA = paper.New(kalshiClient, paperStartingBalance)
		adapterB = paper.New(polyClient, paperStartingBalance)
	} else {
		if err := polyClient.Init(ctx); err != nil {
			return exitCredential, err
		}
		adapterA = kalshiClient
		adapterB = polyClient
	}

	cache := book.NewCache(cfg.Exec.OrderbookTTL)
	matcher := match.New(cfg.Matcher.TimeTolerance, cfg.Matcher.OffsetCorrection, logger)

	fees := map[types.Venue]arb.FeeModel{
		types.VenueKalshi: arb.NewProportionalFee(cfg.Fees.KalshiRate),
		types.VenuePoly:   arb.NewFlatPerUnitFee(cfg.Fees.PolyPerUnit),
	}
	detector := arb.NewDetector(
		fees[types.VenueKalshi],
		fees[types.VenuePoly],
		cfg.Arb.MinProfit,
		cfg.Arb.EpsilonFee,
		cfg.Arb.CacheTTL,
	)

	store, err := risk.NewStateStore(cfg.Journal.Dir)
	if err != nil {
		return exitConfig, err
	}
	riskMgr := risk.NewManager(cfg.Risk, adapterA.GetBalance, store, logger)

	jrnl, err := journal.New(cfg.Journal, logger)
	if err != nil {
		return exitConfig, err
	}

	adapters := map[types.Venue]venue.Adapter{
		types.VenueKalshi: adapterA,
		types.VenuePoly:   adapterB,
	}
	coordinator := exec.NewCoordinator(adapters, cache, riskMgr, fees, jrnl, cfg.Exec, cfg.Risk, logger)

	eng := engine.New(cfg, adapterA, adapterB, cache, matcher, detector, coordinator, riskMgr, jrnl, logger)

	err = eng.Run(ctx)
	switch {
	case err == nil:
		return exitOK, nil
	case errors.Is(err, engine.ErrKillSwitch):
		return exitKillSwitch, err
	case errors.Is(err, venue.ErrFatal):
		return exitCredential, err
	default:
		return exitVenue, err
	}
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
