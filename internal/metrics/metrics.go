package metrics

type Counter interface {
	Inc()
}

type Gauge interface {
	Set(v float64)
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	PositionsOpened Counter
	PositionsClosed Counter
	Rebalances      Counter
	CircuitTrips    Counter
	FundingAccruals Counter

	TotalEquity   Gauge
	TotalExposure Gauge
	ActivePairs   Gauge
}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopGauge struct{}

func (noopGauge) Set(float64) {}

func NewNoop() *Metrics {
	c := noopCounter{}
	g := noopGauge{}
	return &Metrics{
		OrdersPlaced:    c,
		OrdersFailed:    c,
		PositionsOpened: c,
		PositionsClosed: c,
		Rebalances:      c,
		CircuitTrips:    c,
		FundingAccruals: c,
		TotalEquity:     g,
		TotalExposure:   g,
		ActivePairs:     g,
	}
}
