package risk

import (
	"strings"
	"testing"
	"time"

	"dn-funding-bot/internal/config"
)

func testCfg() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownPct:             0.10,
		MaxDailyLossPct:            0.03,
		MaxLeverageHard:            5,
		MaxConcentrationPerPairPct: 0.5,
	}
}

func TestDailyLossTripsCircuit(t *testing.T) {
	m := New(testCfg(), nil)
	if v := m.AutoCheckAndTrip(10000); len(v) != 0 {
		t.Fatalf("expected no violations at baseline, got %v", v)
	}
	// 250/9750 = 2.56%, under the 3% limit.
	if v := m.AutoCheckAndTrip(9750); len(v) != 0 {
		t.Fatalf("expected no violations at 2.56%% loss, got %v", v)
	}
	if m.CircuitOpen() {
		t.Fatalf("circuit should still be closed")
	}
	// 800/9200 = 8.7%, over the limit.
	v := m.AutoCheckAndTrip(9200)
	if len(v) == 0 {
		t.Fatalf("expected daily loss violation")
	}
	if !strings.HasPrefix(v[0], "DAILY_LOSS") {
		t.Fatalf("expected DAILY_LOSS violation, got %q", v[0])
	}
	if !m.CircuitOpen() {
		t.Fatalf("circuit should be open after violation")
	}
}

func TestDailyLossAccumulatesThroughRebound(t *testing.T) {
	m := New(testCfg(), nil)
	if v := m.AutoCheckAndTrip(10000); len(v) != 0 {
		t.Fatalf("expected no violations at baseline, got %v", v)
	}
	m.AutoCheckAndTrip(9500)
	// The rebound must not pay back the accumulated 500 drop:
	// 500/9800 = 5.1%, over the 3% limit.
	v := m.AutoCheckAndTrip(9800)
	if len(v) == 0 || !strings.HasPrefix(v[0], "DAILY_LOSS") {
		t.Fatalf("expected DAILY_LOSS after rebound, got %v", v)
	}
	if !m.CircuitOpen() {
		t.Fatalf("circuit should be open despite the rebound")
	}
}

func TestDrawdownViolation(t *testing.T) {
	m := New(config.RiskConfig{MaxDrawdownPct: 0.10, MaxDailyLossPct: 0.50}, nil)
	m.UpdateEquity(10000)
	if v := m.CheckAll(9100); len(v) != 0 {
		t.Fatalf("9%% drawdown within limit, got %v", v)
	}
	v := m.CheckAll(8900)
	if len(v) == 0 || !strings.HasPrefix(v[0], "MAX_DRAWDOWN") {
		t.Fatalf("expected MAX_DRAWDOWN violation, got %v", v)
	}
}

func TestPeakEquityMonotonic(t *testing.T) {
	m := New(testCfg(), nil)
	m.UpdateEquity(10000)
	m.UpdateEquity(12000)
	m.UpdateEquity(11000)
	st := m.Snapshot()
	if st.PeakEquity != 12000 {
		t.Fatalf("expected peak 12000, got %v", st.PeakEquity)
	}
}

func TestDailyBaselineResetsNextDay(t *testing.T) {
	m := New(testCfg(), nil)
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return day }
	m.UpdateEquity(10000)
	day = day.Add(24 * time.Hour)
	// New day: the accumulator resets, so the overnight drop does not
	// count as daily loss.
	v := m.AutoCheckAndTrip(9600)
	for _, s := range v {
		if strings.HasPrefix(s, "DAILY_LOSS") {
			t.Fatalf("daily loss should have reset on new day: %v", v)
		}
	}
}

func TestRecoveryDoesNotCloseCircuit(t *testing.T) {
	m := New(testCfg(), nil)
	m.AutoCheckAndTrip(10000)
	m.AutoCheckAndTrip(9000)
	if !m.CircuitOpen() {
		t.Fatalf("expected circuit open")
	}
	m.AutoCheckAndTrip(10000)
	if !m.CircuitOpen() {
		t.Fatalf("circuit must stay open until operator reset")
	}
	m.ResetCircuit()
	if m.CircuitOpen() {
		t.Fatalf("expected circuit closed after operator reset")
	}
}

func TestManualTripRecordsReason(t *testing.T) {
	m := New(testCfg(), nil)
	m.TripCircuit("operator halt")
	st := m.Snapshot()
	if !st.CircuitOpen || st.CircuitReason != "operator halt" {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestDisabledBreakerStillReportsViolations(t *testing.T) {
	cfg := testCfg()
	cfg.DisableCircuitBreaker = true
	m := New(cfg, nil)
	m.AutoCheckAndTrip(10000)
	v := m.AutoCheckAndTrip(9000)
	if len(v) == 0 {
		t.Fatalf("expected violations with breaker disabled")
	}
	if m.CircuitOpen() {
		t.Fatalf("disabled breaker must not trip")
	}
}

func TestClampLeverage(t *testing.T) {
	m := New(testCfg(), nil)
	if got := m.ClampLeverage(3); got != 3 {
		t.Fatalf("expected 3, got %v", got)
	}
	if got := m.ClampLeverage(8); got != 5 {
		t.Fatalf("expected clamp to 5, got %v", got)
	}
}

func TestCheckConcentration(t *testing.T) {
	m := New(testCfg(), nil)
	if !m.CheckConcentration(2000, 2000, 10000) {
		t.Fatalf("40%% concentration should pass a 50%% cap")
	}
	if m.CheckConcentration(4000, 2000, 10000) {
		t.Fatalf("60%% concentration should fail a 50%% cap")
	}
	if m.CheckConcentration(0, 100, 0) {
		t.Fatalf("zero capital should fail")
	}
}

func TestCheckGlobalLeverage(t *testing.T) {
	m := New(testCfg(), nil)
	if !m.CheckGlobalLeverage(40000, 10000) {
		t.Fatalf("4x should pass a 5x cap")
	}
	if m.CheckGlobalLeverage(60000, 10000) {
		t.Fatalf("6x should fail a 5x cap")
	}
}
