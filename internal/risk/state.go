package risk

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DayState is the persisted slice of risk state. Daily loss tracking must
// survive a restart: a crash-loop that zeroed daily PnL on every boot
// would let the engine trade straight through the loss limit.
type DayState struct {
	LastResetDate      string  `json:"last_reset_date"` // local calendar date, 2006-01-02
	DailyPnL           float64 `json:"daily_pnl"`
	CurrentExposure    float64 `json:"current_exposure"`
	BankrollAtDayStart float64 `json:"bankroll_at_day_start"`
}

// StateStore persists DayState as a JSON file with atomic rename, so a
// crash mid-write never leaves a truncated state behind.
type StateStore struct {
	path string
}

// NewStateStore creates a store rooted at dir.
func NewStateStore(dir string) (*StateStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	return &StateStore{path: filepath.Join(dir, "risk_state.json")}, nil
}

// Load reads the persisted state. A missing file returns ok=false and no
// error: first boot starts clean.
func (s *StateStore) Load() (DayState, bool, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return DayState{}, false, nil
	}
	if err != nil {
		return DayState{}, false, fmt.Errorf("read risk state: %w", err)
	}

	var state DayState
	if err := json.Unmarshal(data, &state); err != nil {
		return DayState{}, false, fmt.Errorf("parse risk state: %w", err)
	}
	return state, true, nil
}

// Save writes the state atomically.
func (s *StateStore) Save(state DayState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal risk state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write risk state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("rename risk state: %w", err)
	}
	return nil
}
