package position

import (
	"fmt"
	"sync"
)

const defaultLiquidationBufferPct = 0.15

// LegUpdate carries a bulk exchange sync for one leg.
type LegUpdate struct {
	Size      float64
	AvgPrice  float64
	MarkPrice float64
}

// PerpUpdate extends LegUpdate with perp-only fields. FundingDelta is added
// incrementally to the accumulated funding, not assigned.
type PerpUpdate struct {
	LegUpdate
	LiquidationPrice float64
	MarginUsed       float64
	FundingDelta     float64
}

// Entry describes a freshly opened hedge pair as persisted by the
// execution engine.
type Entry struct {
	SpotSize     float64
	PerpSize     float64
	EntryPrice   float64
	Leverage     float64
	EntryCapital float64
}

// Manager is the authoritative owner of all PairState instances. Every
// operation takes the single manager lock; pair cardinality is small enough
// that contention is irrelevant next to exchange round trips.
type Manager struct {
	mu            sync.Mutex
	pairs         map[string]*PairState
	totalRealized float64
}

func NewManager() *Manager {
	return &Manager{pairs: make(map[string]*PairState)}
}

func (m *Manager) getOrCreateLocked(pair string) *PairState {
	state, ok := m.pairs[pair]
	if !ok {
		state = &PairState{
			Pair: pair,
			Spot: Leg{Pair: pair},
			Perp: PerpLeg{Leg: Leg{Pair: pair}},
		}
		m.pairs[pair] = state
	}
	return state
}

// GetOrCreate ensures a pair state exists and returns a copy of it.
func (m *Manager) GetOrCreate(pair string) PairState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.getOrCreateLocked(pair)
}

// Snapshot returns a copy of the pair state if it exists.
func (m *Manager) Snapshot(pair string) (PairState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.pairs[pair]
	if !ok {
		return PairState{}, false
	}
	return *state, true
}

func (m *Manager) UpdatePrices(pair string, spotPrice, perpPrice float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.pairs[pair]
	if !ok {
		return
	}
	state.Spot.MarkPrice = spotPrice
	state.Perp.MarkPrice = perpPrice
}

// UpdateFromExchange syncs both legs from exchange-reported state in one
// critical section.
func (m *Manager) UpdateFromExchange(pair string, spot LegUpdate, perp PerpUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.getOrCreateLocked(pair)
	state.Spot.Size = spot.Size
	state.Spot.AvgPrice = spot.AvgPrice
	state.Spot.MarkPrice = spot.MarkPrice
	state.Perp.Size = perp.Size
	state.Perp.AvgPrice = perp.AvgPrice
	state.Perp.MarkPrice = perp.MarkPrice
	state.Perp.LiquidationPrice = perp.LiquidationPrice
	state.Perp.MarginUsed = perp.MarginUsed
	state.Perp.FundingCollected += perp.FundingDelta
}

func (m *Manager) RecordFunding(pair string, amountUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.pairs[pair]; ok {
		state.Perp.FundingCollected += amountUSD
	}
}

func (m *Manager) RecordRealizedPnl(pair string, pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.pairs[pair]; ok {
		state.RealizedPnl += pnl
	}
	m.totalRealized += pnl
}

// MarkOpened installs both legs and activates the pair.
func (m *Manager) MarkOpened(pair string, entry Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.getOrCreateLocked(pair)
	state.Active = true
	state.ReconcileRequired = false
	state.EntryCapital = entry.EntryCapital
	state.Spot.Size = entry.SpotSize
	state.Spot.AvgPrice = entry.EntryPrice
	state.Spot.MarkPrice = entry.EntryPrice
	state.Perp.Size = entry.PerpSize
	state.Perp.AvgPrice = entry.EntryPrice
	state.Perp.MarkPrice = entry.EntryPrice
	state.Perp.Leverage = entry.Leverage
}

// MarkClosed zeroes both legs and deactivates the pair. The pair state
// itself persists for the process lifetime. reconcileRequired records that
// a closing leg failed on the exchange and the local flat state may not
// match the venue.
func (m *Manager) MarkClosed(pair string, reconcileRequired bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.pairs[pair]
	if !ok {
		return
	}
	state.Active = false
	state.ReconcileRequired = reconcileRequired
	state.Spot.Size = 0
	state.Perp.Size = 0
}

// AdjustPerpSize applies a signed correction to the perp leg, as issued by
// a rebalance order.
func (m *Manager) AdjustPerpSize(pair string, delta float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.pairs[pair]; ok {
		state.Perp.Size += delta
	}
}

func (m *Manager) AllSummaries() []Summary {
	return m.AllSummariesWithBuffer(defaultLiquidationBufferPct)
}

func (m *Manager) AllSummariesWithBuffer(liquidationBufferPct float64) []Summary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Summary, 0, len(m.pairs))
	for _, state := range m.pairs {
		out = append(out, state.summary(liquidationBufferPct))
	}
	return out
}

func (m *Manager) TotalPnl() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, state := range m.pairs {
		total += state.TotalPnl()
	}
	return total
}

func (m *Manager) TotalFundingCollected() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, state := range m.pairs {
		total += state.Perp.FundingCollected
	}
	return total
}

// TotalExposure is the sum of gross exposure across all pairs.
func (m *Manager) TotalExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total float64
	for _, state := range m.pairs {
		total += state.GrossExposure()
	}
	return total
}

func (m *Manager) PairsNeedingRebalance(threshold float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for pair, state := range m.pairs {
		if state.Active && state.NeedsRebalance(threshold) {
			out = append(out, pair)
		}
	}
	return out
}

// LiquidationAlerts returns messages for active pairs whose perp leg is
// within bufferPct of its liquidation price.
func (m *Manager) LiquidationAlerts(bufferPct float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var alerts []string
	for pair, state := range m.pairs {
		if !state.Active || !state.Perp.NearLiquidation(bufferPct) {
			continue
		}
		lp := state.Perp.LiquidationPrice
		cp := state.Perp.MarkPrice
		pctAway := 0.0
		if cp > 0 {
			pctAway = abs(lp-cp) / cp * 100
		}
		alerts = append(alerts, fmt.Sprintf(
			"%s: liquidation price $%.2f (%.1f%% away from $%.2f)",
			pair, lp, pctAway, cp))
	}
	return alerts
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
