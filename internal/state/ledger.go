package state

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const LedgerKey = "wallet:ledger"

// LedgerRecord is the durable form of the wallet's capital ledger, written
// after every mutation and loaded once at startup.
type LedgerRecord struct {
	InitialCapital     float64            `json:"initial_capital"`
	TotalCapital       float64            `json:"total_capital"`
	AvailableCapital   float64            `json:"available_capital"`
	CommittedCapital   float64            `json:"committed_capital"`
	AccumulatedFunding float64            `json:"accumulated_funding"`
	RealizedPnl        float64            `json:"realized_pnl"`
	UnrealizedPnl      float64            `json:"unrealized_pnl"`
	Allocations        map[string]float64 `json:"allocations"`
	SavedAtMS          int64              `json:"saved_at_ms"`
}

// LoadLedger returns the persisted ledger if one exists. A stored record
// that cannot be decoded is an error: running against a corrupt ledger is
// worse than refusing to start.
func LoadLedger(ctx context.Context, store Store) (LedgerRecord, bool, error) {
	if store == nil {
		return LedgerRecord{}, false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	raw, ok, err := store.Get(ctx, LedgerKey)
	if err != nil {
		return LedgerRecord{}, false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return LedgerRecord{}, false, nil
	}
	var record LedgerRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return LedgerRecord{}, false, fmt.Errorf("corrupt ledger record: %w", err)
	}
	return record, true, nil
}

func SaveLedger(ctx context.Context, store Store, record LedgerRecord) error {
	if store == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return store.Set(ctx, LedgerKey, string(payload))
}
