package risk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"crossarb/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxRiskPerTrade:   0.10,
		MaxDailyLoss:      0.20,
		MaxNetExposure:    0.50,
		BalanceSyncPeriod: 30 * time.Second,
	}
}

func fixedBalance(amount float64) BalanceFunc {
	return func(context.Context) (float64, error) { return amount, nil }
}

func initialized(t *testing.T, cfg config.RiskConfig, balance BalanceFunc) *Manager {
	t.Helper()
	rm := NewManager(cfg, balance, nil, testLogger())
	if err := rm.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return rm
}

func TestInitFailsWithoutBalance(t *testing.T) {
	t.Parallel()

	rm := NewManager(testConfig(), func(context.Context) (float64, error) {
		return 0, errors.New("venue unreachable")
	}, nil, testLogger())

	if err := rm.Init(context.Background()); err == nil {
		t.Fatal("expected Init to fail when the balance pull fails")
	}
}

func TestCanExecutePerTradeLimit(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	if !rm.CanExecute(99) {
		t.Error("cost under 10% of bankroll should pass")
	}
	if rm.CanExecute(101) {
		t.Error("cost over 10% of bankroll should be rejected")
	}
}

func TestCanExecuteDailyLossLimit(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	// Worst case counts the full cost as a loss: -150 − 49 stays above the
	// -200 floor, -150 − 51 breaches it.
	rm.UpdatePnL(-150)
	if !rm.CanExecute(49) {
		t.Error("trade inside the daily loss floor should pass")
	}
	if rm.CanExecute(51) {
		t.Error("trade that could breach the daily loss floor should be rejected")
	}
}

func TestCanExecuteNetExposureLimit(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	rm.RegisterTrade(90)
	rm.RegisterTrade(90)
	rm.RegisterTrade(90)
	rm.RegisterTrade(90)
	rm.RegisterTrade(90) // exposure 450 of a 500 cap

	if !rm.CanExecute(49) {
		t.Error("trade inside the exposure cap should pass")
	}
	if rm.CanExecute(51) {
		t.Error("trade over the exposure cap should be rejected")
	}
}

func TestClosePositionClampsAtZero(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	rm.RegisterTrade(50)
	rm.ClosePosition(80)

	if got := rm.Metrics().CurrentExposure; got != 0 {
		t.Errorf("exposure = %v, want clamped to 0", got)
	}
}

func TestKillSwitchBlocksAndDelivers(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	rm.TriggerKillSwitch("unwind failed")
	if rm.CanExecute(1) {
		t.Error("kill switch active, trade should be rejected")
	}
	if active, reason := rm.KillSwitchActive(); !active || reason != "unwind failed" {
		t.Errorf("state = %v %q, want active with reason", active, reason)
	}

	select {
	case reason := <-rm.KillCh():
		if reason != "unwind failed" {
			t.Errorf("delivered reason = %q", reason)
		}
	default:
		t.Fatal("expected a reason on KillCh")
	}

	rm.ClearKillSwitch()
	if !rm.CanExecute(1) {
		t.Error("trade should pass after the switch is cleared")
	}
}

func TestKillSwitchReplacesUndeliveredReason(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	rm.TriggerKillSwitch("first")
	rm.TriggerKillSwitch("second")

	select {
	case reason := <-rm.KillCh():
		if reason != "second" {
			t.Errorf("delivered reason = %q, want the most recent", reason)
		}
	default:
		t.Fatal("expected a reason on KillCh")
	}
}

func TestDailyResetRestoresHeadroom(t *testing.T) {
	t.Parallel()

	rm := initialized(t, testConfig(), fixedBalance(1000))

	// Exhaust the daily loss budget, then simulate a restart-free midnight
	// rollover by backdating the reset marker.
	rm.UpdatePnL(-200)
	if rm.CanExecute(1) {
		t.Fatal("loss floor reached, trade should be rejected")
	}

	rm.mu.Lock()
	rm.lastResetDate = localDate(time.Now().AddDate(0, 0, -1))
	rm.mu.Unlock()

	if !rm.CanExecute(50) {
		t.Error("first gate decision after midnight should see reset metrics")
	}
	m := rm.Metrics()
	if m.DailyPnL != 0 || m.CurrentExposure != 0 {
		t.Errorf("metrics after reset = %+v, want zeroed", m)
	}
	if m.LastResetDate != localDate(time.Now()) {
		t.Errorf("reset date = %q, want today", m.LastResetDate)
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStateStore(dir)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	first := NewManager(testConfig(), fixedBalance(1000), store, testLogger())
	if err := first.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	first.UpdatePnL(-120)
	first.RegisterTrade(75)

	// Same-day restart: daily metrics must survive.
	second := NewManager(testConfig(), fixedBalance(1000), store, testLogger())
	if err := second.Init(context.Background()); err != nil {
		t.Fatalf("Init after restart: %v", err)
	}
	m := second.Metrics()
	if m.DailyPnL != -120 {
		t.Errorf("daily PnL = %v, want -120", m.DailyPnL)
	}
	if m.CurrentExposure != 75 {
		t.Errorf("exposure = %v, want 75", m.CurrentExposure)
	}
}

func TestStaleStateIgnoredAcrossDays(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := NewStateStore(dir)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}

	stale := DayState{
		LastResetDate:      localDate(time.Now().AddDate(0, 0, -1)),
		DailyPnL:           -500,
		CurrentExposure:    300,
		BankrollAtDayStart: 2000,
	}
	if err := store.Save(stale); err != nil {
		t.Fatalf("Save: %v", err)
	}

	rm := NewManager(testConfig(), fixedBalance(1000), store, testLogger())
	if err := rm.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	m := rm.Metrics()
	if m.DailyPnL != 0 || m.CurrentExposure != 0 {
		t.Errorf("yesterday's metrics leaked into today: %+v", m)
	}
	if m.BankrollAtDayStart != 1000 {
		t.Errorf("bankroll at day start = %v, want today's sync", m.BankrollAtDayStart)
	}
}

func TestSyncBalanceKeepsPreviousOnError(t *testing.T) {
	t.Parallel()

	calls := 0
	balance := func(context.Context) (float64, error) {
		calls++
		if calls > 1 {
			return 0, errors.New("venue unreachable")
		}
		return 1000, nil
	}

	rm := initialized(t, testConfig(), balance)
	before := rm.LastSync()

	if err := rm.SyncBalance(context.Background()); err == nil {
		t.Fatal("expected sync error")
	}
	if rm.Bankroll() != 1000 {
		t.Errorf("bankroll = %v, want previous value kept", rm.Bankroll())
	}
	if !rm.LastSync().Equal(before) {
		t.Error("failed sync must not advance the sync timestamp")
	}
}

func TestStoreLoadMissingFile(t *testing.T) {
	t.Parallel()

	store, err := NewStateStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	_, ok, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ok {
		t.Error("missing file should report ok=false")
	}
}
