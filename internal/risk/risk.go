// Package risk enforces portfolio-level loss limits through a circuit
// breaker and exposes the sizing guards the strategy consults before
// committing capital.
package risk

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"dn-funding-bot/internal/config"
)

// Manager tracks equity against drawdown and daily-loss limits. The
// circuit breaker trips automatically when a limit is breached and only
// an operator can reset it.
type Manager struct {
	cfg config.RiskConfig
	log *zap.Logger

	mu            sync.Mutex
	circuitOpen   bool
	circuitReason string
	trippedAt     time.Time
	peakEquity    float64
	currentEquity float64
	dailyLoss     float64
	dayDate       string

	now func() time.Time
}

// Status is a read-only view of the breaker and equity tracking state.
type Status struct {
	CircuitOpen   bool
	CircuitReason string
	TrippedAt     time.Time
	PeakEquity    float64
	CurrentEquity float64
	DrawdownPct   float64
	DailyLossPct  float64
}

func New(cfg config.RiskConfig, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, log: log, now: time.Now}
}

// UpdateEquity records the latest account equity. Every drop between
// consecutive updates accumulates into the daily loss; rebounds do not
// pay it back. The accumulator resets lazily on the first update of
// each calendar day.
func (m *Manager) UpdateEquity(equity float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateEquityLocked(equity)
}

func (m *Manager) updateEquityLocked(equity float64) {
	today := m.now().UTC().Format("2006-01-02")
	newDay := m.dayDate != today
	if newDay {
		m.dayDate = today
		m.dailyLoss = 0
	}
	if !newDay && m.currentEquity > 0 && equity < m.currentEquity {
		m.dailyLoss += m.currentEquity - equity
	}
	m.currentEquity = equity
	if equity > m.peakEquity {
		m.peakEquity = equity
	}
}

// CheckAll returns the list of limit violations for the given equity
// without mutating breaker state beyond the equity tracking itself.
func (m *Manager) CheckAll(equity float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateEquityLocked(equity)
	return m.violationsLocked()
}

func (m *Manager) violationsLocked() []string {
	var violations []string
	if m.peakEquity > 0 {
		dd := (m.peakEquity - m.currentEquity) / m.peakEquity
		if dd > m.cfg.MaxDrawdownPct {
			violations = append(violations,
				fmt.Sprintf("MAX_DRAWDOWN: drawdown %.2f%% exceeds limit %.2f%%", dd*100, m.cfg.MaxDrawdownPct*100))
		}
	}
	if m.dailyLoss > 0 && m.currentEquity > 0 {
		loss := m.dailyLoss / m.currentEquity
		if loss > m.cfg.MaxDailyLossPct {
			violations = append(violations,
				fmt.Sprintf("DAILY_LOSS: daily loss %.2f%% exceeds limit %.2f%%", loss*100, m.cfg.MaxDailyLossPct*100))
		}
	}
	return violations
}

// AutoCheckAndTrip runs the limit checks and trips the circuit on the
// first violation. It returns the violations found, if any.
func (m *Manager) AutoCheckAndTrip(equity float64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateEquityLocked(equity)
	violations := m.violationsLocked()
	if len(violations) > 0 && !m.circuitOpen && !m.cfg.DisableCircuitBreaker {
		m.tripLocked(violations[0])
	}
	return violations
}

// TripCircuit opens the breaker manually. A no-op if already open.
func (m *Manager) TripCircuit(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.circuitOpen {
		return
	}
	m.tripLocked(reason)
}

func (m *Manager) tripLocked(reason string) {
	m.circuitOpen = true
	m.circuitReason = reason
	m.trippedAt = m.now().UTC()
	m.log.Error("circuit breaker tripped", zap.String("reason", reason))
}

// ResetCircuit closes the breaker. Only the operator surface calls this;
// there is no automatic re-close.
func (m *Manager) ResetCircuit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.circuitOpen {
		return
	}
	m.circuitOpen = false
	m.circuitReason = ""
	m.log.Warn("circuit breaker reset by operator")
}

// CircuitOpen reports whether new entries are blocked.
func (m *Manager) CircuitOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.circuitOpen
}

// ClampLeverage caps a requested leverage at the hard limit, logging
// when it has to intervene.
func (m *Manager) ClampLeverage(requested float64) float64 {
	if requested > m.cfg.MaxLeverageHard {
		m.log.Warn("requested leverage clamped",
			zap.Float64("requested", requested),
			zap.Float64("clamped", m.cfg.MaxLeverageHard))
		return m.cfg.MaxLeverageHard
	}
	return requested
}

// CheckConcentration reports whether adding notional to a pair keeps it
// within the per-pair concentration cap.
func (m *Manager) CheckConcentration(pairExposure, addNotional, totalCapital float64) bool {
	if totalCapital <= 0 {
		return false
	}
	return (pairExposure+addNotional)/totalCapital <= m.cfg.MaxConcentrationPerPairPct
}

// CheckGlobalLeverage reports whether aggregate exposure stays under
// the hard leverage cap.
func (m *Manager) CheckGlobalLeverage(totalExposure, totalCapital float64) bool {
	if totalCapital <= 0 {
		return false
	}
	return totalExposure/totalCapital <= m.cfg.MaxLeverageHard
}

// Snapshot returns the current breaker state and loss ratios.
func (m *Manager) Snapshot() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		CircuitOpen:   m.circuitOpen,
		CircuitReason: m.circuitReason,
		TrippedAt:     m.trippedAt,
		PeakEquity:    m.peakEquity,
		CurrentEquity: m.currentEquity,
	}
	if m.peakEquity > 0 {
		st.DrawdownPct = (m.peakEquity - m.currentEquity) / m.peakEquity
	}
	if m.dailyLoss > 0 && m.currentEquity > 0 {
		st.DailyLossPct = m.dailyLoss / m.currentEquity
	}
	return st
}
