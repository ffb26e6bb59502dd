// Package risk enforces the three hard limits every trade must clear and
// owns the authoritative view of the bankroll.
//
// All limits are fractions of bankroll: max_risk_per_trade caps a single
// trade's total cost, max_daily_loss floors the day's PnL against the
// bankroll recorded at day start, max_net_exposure caps committed capital
// across open positions. Every gate decision, mutation, and reset runs
// under one mutex so no interleaving can observe a half-applied day
// rollover.
//
// The bankroll is pulled from the venue-of-record (Kalshi) every 30 s by
// the Run loop. Daily metrics persist across restarts via the state
// store.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crossarb/internal/config"
)

// BalanceFunc pulls the authoritative cash balance in dollars.
type BalanceFunc func(ctx context.Context) (float64, error)

// Manager is the concurrent risk gate. Safe for use from the execution
// path, the balance syncer, and the orchestrator simultaneously.
type Manager struct {
	cfg     config.RiskConfig
	balance BalanceFunc
	store   *StateStore
	logger  *slog.Logger

	mu                 sync.Mutex
	bankroll           float64
	bankrollAtDayStart float64
	dailyPnL           float64
	exposure           float64
	lastResetDate      string
	lastSync           time.Time
	killActive         bool
	killReason         string

	killCh chan string
}

// NewManager creates a manager. store may be nil in tests; persistence is
// then skipped.
func NewManager(cfg config.RiskConfig, balance BalanceFunc, store *StateStore, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		balance: balance,
		store:   store,
		logger:  logger.With("component", "risk"),
		killCh:  make(chan string, 1),
	}
}

// Init performs the first authoritative balance pull and restores
// persisted daily metrics. Must succeed before trading starts.
func (rm *Manager) Init(ctx context.Context) error {
	bankroll, err := rm.balance(ctx)
	if err != nil {
		return fmt.Errorf("initial balance sync: %w", err)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.bankroll = bankroll
	rm.bankrollAtDayStart = bankroll
	rm.lastSync = time.Now()
	rm.lastResetDate = localDate(time.Now())

	if rm.store != nil {
		state, ok, err := rm.store.Load()
		if err != nil {
			return err
		}
		if ok && state.LastResetDate == rm.lastResetDate {
			rm.dailyPnL = state.DailyPnL
			rm.exposure = state.CurrentExposure
			rm.bankrollAtDayStart = state.BankrollAtDayStart
			rm.logger.Info("restored daily risk state",
				"daily_pnl", rm.dailyPnL,
				"exposure", rm.exposure,
			)
		}
	}

	rm.persistLocked()
	rm.logger.Info("risk manager initialized", "bankroll", bankroll)
	return nil
}

// Run drives the background balance syncer. Blocks until ctx is
// cancelled.
func (rm *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(rm.cfg.BalanceSyncPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rm.SyncBalance(ctx); err != nil {
				rm.logger.Warn("balance sync failed, keeping previous bankroll", "error", err)
			}
		}
	}
}

// CanExecute reports whether a trade of the given total cost (fees
// included) passes all three limits. The daily reset check runs first so
// every gate decision is causal after a midnight rollover.
func (rm *Manager) CanExecute(totalCost float64) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.checkDailyResetLocked(time.Now())

	if rm.killActive {
		rm.logger.Warn("trade rejected: kill switch active", "reason", rm.killReason)
		return false
	}

	if totalCost > rm.cfg.MaxRiskPerTrade*rm.bankroll {
		rm.logger.Warn("trade rejected: per-trade risk limit",
			"cost", totalCost,
			"limit", rm.cfg.MaxRiskPerTrade*rm.bankroll,
		)
		return false
	}

	if rm.dailyPnL-totalCost < -rm.cfg.MaxDailyLoss*rm.bankrollAtDayStart {
		rm.logger.Warn("trade rejected: daily loss limit",
			"daily_pnl", rm.dailyPnL,
			"cost", totalCost,
			"floor", -rm.cfg.MaxDailyLoss*rm.bankrollAtDayStart,
		)
		return false
	}

	if rm.exposure+totalCost > rm.cfg.MaxNetExposure*rm.bankroll {
		rm.logger.Warn("trade rejected: net exposure limit",
			"exposure", rm.exposure,
			"cost", totalCost,
			"limit", rm.cfg.MaxNetExposure*rm.bankroll,
		)
		return false
	}

	return true
}

// RegisterTrade commits a trade's total cost to current exposure.
func (rm *Manager) RegisterTrade(totalCost float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.exposure += totalCost
	rm.persistLocked()
}

// ClosePosition releases exposure, clamped at zero.
func (rm *Manager) ClosePosition(amount float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.exposure -= amount
	if rm.exposure < 0 {
		rm.exposure = 0
	}
	rm.persistLocked()
}

// UpdatePnL applies a realized PnL delta to the daily tally.
func (rm *Manager) UpdatePnL(delta float64) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.dailyPnL += delta
	rm.persistLocked()
}

// SyncBalance pulls the authoritative balance and records the sync time.
// On failure the previous bankroll stays in place.
func (rm *Manager) SyncBalance(ctx context.Context) error {
	bankroll, err := rm.balance(ctx)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	rm.bankroll = bankroll
	rm.lastSync = time.Now()
	rm.mu.Unlock()

	rm.logger.Debug("balance synced", "bankroll", bankroll)
	return nil
}

// Bankroll returns the last-synced bankroll.
func (rm *Manager) Bankroll() float64 {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.bankroll
}

// LastSync returns when the bankroll was last pulled from the venue.
func (rm *Manager) LastSync() time.Time {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.lastSync
}

// TriggerKillSwitch rejects all subsequent CanExecute calls until Clear.
// The reason is delivered on KillCh, replacing any undelivered one.
func (rm *Manager) TriggerKillSwitch(reason string) {
	rm.mu.Lock()
	rm.killActive = true
	rm.killReason = reason
	rm.mu.Unlock()

	rm.logger.Error("KILL SWITCH", "reason", reason)

	select {
	case rm.killCh <- reason:
	default:
		select {
		case <-rm.killCh:
		default:
		}
		rm.killCh <- reason
	}
}

// ClearKillSwitch re-enables trading after operator intervention.
func (rm *Manager) ClearKillSwitch() {
	rm.mu.Lock()
	rm.killActive = false
	rm.killReason = ""
	rm.mu.Unlock()
	rm.logger.Warn("kill switch cleared")
}

// KillSwitchActive reports the switch state and the triggering reason.
func (rm *Manager) KillSwitchActive() (bool, string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.killActive, rm.killReason
}

// KillCh delivers kill reasons to the engine.
func (rm *Manager) KillCh() <-chan string { return rm.killCh }

// CheckDailyReset rolls daily metrics if the local calendar date moved.
func (rm *Manager) CheckDailyReset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.checkDailyResetLocked(time.Now())
}

// Metrics returns a point-in-time copy of the current risk state.
func (rm *Manager) Metrics() DayState {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return DayState{
		LastResetDate:      rm.lastResetDate,
		DailyPnL:           rm.dailyPnL,
		CurrentExposure:    rm.exposure,
		BankrollAtDayStart: rm.bankrollAtDayStart,
	}
}

func (rm *Manager) checkDailyResetLocked(now time.Time) {
	today := localDate(now)
	if today == rm.lastResetDate {
		return
	}

	rm.logger.Info("daily reset",
		"previous_date", rm.lastResetDate,
		"final_daily_pnl", rm.dailyPnL,
	)

	rm.dailyPnL = 0
	rm.exposure = 0
	rm.bankrollAtDayStart = rm.bankroll
	rm.lastResetDate = today
	rm.persistLocked()
}

func (rm *Manager) persistLocked() {
	if rm.store == nil {
		return
	}
	state := DayState{
		LastResetDate:      rm.lastResetDate,
		DailyPnL:           rm.dailyPnL,
		CurrentExposure:    rm.exposure,
		BankrollAtDayStart: rm.bankrollAtDayStart,
	}
	if err := rm.store.Save(state); err != nil {
		rm.logger.Warn("persist risk state failed", "error", err)
	}
}

func localDate(t time.Time) string {
	return t.Local().Format("2006-01-02")
}
