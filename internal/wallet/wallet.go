package wallet

import (
	"context"
	"sync"
	"time"

	"dn-funding-bot/internal/state"

	"go.uber.org/zap"
)

// Manager is the bot's internal capital ledger: total, available and
// committed capital, per-pair allocations, realized/unrealized PnL and
// accumulated funding. Every mutation holds the ledger invariant
// total == available + committed and is persisted to the state store
// before the call returns.
type Manager struct {
	store state.Store
	log   *zap.Logger

	mu                 sync.Mutex
	initialCapital     float64
	totalCapital       float64
	availableCapital   float64
	committedCapital   float64
	accumulatedFunding float64
	realizedPnl        float64
	unrealizedPnl      float64
	allocations        map[string]float64
}

// Snapshot is a read-time copy of the full ledger.
type Snapshot struct {
	InitialCapital     float64
	TotalCapital       float64
	AvailableCapital   float64
	CommittedCapital   float64
	AccumulatedFunding float64
	RealizedPnl        float64
	UnrealizedPnl      float64
	TotalPnl           float64
	ROIPct             float64
	Allocations        map[string]float64
}

// New loads the persisted ledger from the store, or seeds a fresh one with
// initialCapital. A corrupt stored ledger aborts startup.
func New(ctx context.Context, store state.Store, log *zap.Logger, initialCapital float64) (*Manager, error) {
	m := &Manager{
		store:            store,
		log:              log,
		initialCapital:   initialCapital,
		totalCapital:     initialCapital,
		availableCapital: initialCapital,
		allocations:      make(map[string]float64),
	}
	record, ok, err := state.LoadLedger(ctx, store)
	if err != nil {
		return nil, err
	}
	if ok {
		m.initialCapital = record.InitialCapital
		m.totalCapital = record.TotalCapital
		m.availableCapital = record.AvailableCapital
		m.committedCapital = record.CommittedCapital
		m.accumulatedFunding = record.AccumulatedFunding
		m.realizedPnl = record.RealizedPnl
		m.unrealizedPnl = record.UnrealizedPnl
		if record.Allocations != nil {
			m.allocations = record.Allocations
		}
		if log != nil {
			log.Info("wallet ledger loaded",
				zap.Float64("total_capital", m.totalCapital),
				zap.Float64("available_capital", m.availableCapital),
				zap.Int("allocations", len(m.allocations)),
			)
		}
	}
	return m, nil
}

// SetCapital resets the initial capital while keeping accumulated funding
// and realized PnL in the totals.
func (m *Manager) SetCapital(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialCapital = amount
	m.totalCapital = amount + m.accumulatedFunding + m.realizedPnl
	m.availableCapital = m.totalCapital - m.committedCapital
	m.persistLocked()
}

func (m *Manager) AddFunds(amount float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initialCapital += amount
	m.totalCapital += amount
	m.availableCapital += amount
	m.persistLocked()
}

// RemoveFunds withdraws from available capital. Returns false with no
// mutation when the amount exceeds what is available.
func (m *Manager) RemoveFunds(amount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > m.availableCapital {
		return false
	}
	m.initialCapital -= amount
	m.totalCapital -= amount
	m.availableCapital -= amount
	m.persistLocked()
	return true
}

// CanAllocate reports whether available capital covers the amount. Callers
// must also run the percentage and leverage gates before Allocate; Allocate
// itself only enforces availability.
func (m *Manager) CanAllocate(amount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return amount <= m.availableCapital
}

// Allocate moves amount from available to committed under the pair.
func (m *Manager) Allocate(pair string, amount float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if amount > m.availableCapital {
		return false
	}
	m.availableCapital -= amount
	m.committedCapital += amount
	m.allocations[pair] += amount
	m.persistLocked()
	return true
}

// Release returns the pair's full allocation plus pnl to available capital
// and removes the pair from the allocation map. pnl is applied to realized
// PnL and total capital in the same critical section.
func (m *Manager) Release(pair string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allocated := m.allocations[pair]
	delete(m.allocations, pair)
	m.committedCapital -= allocated
	m.realizedPnl += pnl
	m.availableCapital += allocated + pnl
	m.totalCapital += pnl
	m.persistLocked()
}

// RecordFunding books funding income, immediately spendable.
func (m *Manager) RecordFunding(pair string, amount float64) {
	_ = pair
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accumulatedFunding += amount
	m.totalCapital += amount
	m.availableCapital += amount
	m.persistLocked()
}

func (m *Manager) UpdateUnrealizedPnl(value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnl = value
	m.persistLocked()
}

// CheckLeverage reports whether totalExposure stays within maxLeverage of
// total capital.
func (m *Manager) CheckLeverage(totalExposure, maxLeverage float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalCapital <= 0 {
		return false
	}
	return totalExposure/m.totalCapital <= maxLeverage
}

// CheckMaxAllocation reports whether amount stays within maxPct of total
// capital.
func (m *Manager) CheckMaxAllocation(amount, maxPct float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalCapital <= 0 {
		return false
	}
	return amount/m.totalCapital <= maxPct
}

func (m *Manager) TotalCapital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCapital
}

func (m *Manager) AvailableCapital() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.availableCapital
}

func (m *Manager) Allocation(pair string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocations[pair]
}

func (m *Manager) AverageLeverage(totalExposure float64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.totalCapital <= 0 {
		return 0
	}
	return totalExposure / m.totalCapital
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	allocations := make(map[string]float64, len(m.allocations))
	for pair, amount := range m.allocations {
		allocations[pair] = amount
	}
	totalPnl := m.realizedPnl + m.unrealizedPnl + m.accumulatedFunding
	roi := 0.0
	if m.initialCapital > 0 {
		roi = totalPnl / m.initialCapital * 100
	}
	return Snapshot{
		InitialCapital:     m.initialCapital,
		TotalCapital:       m.totalCapital,
		AvailableCapital:   m.availableCapital,
		CommittedCapital:   m.committedCapital,
		AccumulatedFunding: m.accumulatedFunding,
		RealizedPnl:        m.realizedPnl,
		UnrealizedPnl:      m.unrealizedPnl,
		TotalPnl:           totalPnl,
		ROIPct:             roi,
		Allocations:        allocations,
	}
}

// persistLocked writes the ledger synchronously. A failed write is logged,
// not propagated: the in-memory ledger stays authoritative until the next
// successful save.
func (m *Manager) persistLocked() {
	allocations := make(map[string]float64, len(m.allocations))
	for pair, amount := range m.allocations {
		allocations[pair] = amount
	}
	record := state.LedgerRecord{
		InitialCapital:     m.initialCapital,
		TotalCapital:       m.totalCapital,
		AvailableCapital:   m.availableCapital,
		CommittedCapital:   m.committedCapital,
		AccumulatedFunding: m.accumulatedFunding,
		RealizedPnl:        m.realizedPnl,
		UnrealizedPnl:      m.unrealizedPnl,
		Allocations:        allocations,
		SavedAtMS:          time.Now().UTC().UnixMilli(),
	}
	if err := state.SaveLedger(context.Background(), m.store, record); err != nil && m.log != nil {
		m.log.Error("wallet ledger save failed", zap.Error(err))
	}
}
