package funding

import "sync"

// Manager owns one Analyzer per pair, created lazily on first reference.
type Manager struct {
	maPeriod      int
	intervalHours float64

	mu        sync.Mutex
	analyzers map[string]*Analyzer
}

func NewManager(maPeriod int, intervalHours float64) *Manager {
	return &Manager{
		maPeriod:      maPeriod,
		intervalHours: intervalHours,
		analyzers:     make(map[string]*Analyzer),
	}
}

func (m *Manager) Get(pair string) *Analyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	analyzer, ok := m.analyzers[pair]
	if !ok {
		analyzer = NewAnalyzer(pair, m.maPeriod, m.intervalHours)
		m.analyzers[pair] = analyzer
	}
	return analyzer
}

// Opportunities returns the pairs currently signaling entry.
func (m *Manager) Opportunities(k, minRate float64) []string {
	var out []string
	for _, a := range m.snapshot() {
		if a.IsSignal(k, minRate) {
			out = append(out, a.Pair())
		}
	}
	return out
}

// Anomalies returns alert messages for pairs whose funding rate dropped
// sharply since the previous sample.
func (m *Manager) Anomalies(dropThresholdPct float64) []string {
	var alerts []string
	for _, a := range m.snapshot() {
		if msg, ok := a.DetectAnomaly(dropThresholdPct); ok {
			alerts = append(alerts, msg)
		}
	}
	return alerts
}

func (m *Manager) AllSummaries() []Summary {
	analyzers := m.snapshot()
	out := make([]Summary, 0, len(analyzers))
	for _, a := range analyzers {
		out = append(out, a.Summary())
	}
	return out
}

func (m *Manager) snapshot() []*Analyzer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Analyzer, 0, len(m.analyzers))
	for _, a := range m.analyzers {
		out = append(out, a)
	}
	return out
}
