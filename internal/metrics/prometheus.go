package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "dn_funding_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type promGauge struct {
	gauge prometheus.Gauge
}

func (p promGauge) Set(v float64) {
	p.gauge.Set(v)
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()

	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}
	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(g)
		return g
	}

	m := &Metrics{
		OrdersPlaced:    promCounter{counter("orders_placed_total", "Total number of orders placed.")},
		OrdersFailed:    promCounter{counter("orders_failed_total", "Total number of order placement failures.")},
		PositionsOpened: promCounter{counter("positions_opened_total", "Total number of hedged positions opened.")},
		PositionsClosed: promCounter{counter("positions_closed_total", "Total number of hedged positions closed.")},
		Rebalances:      promCounter{counter("rebalances_total", "Total number of delta rebalance orders.")},
		CircuitTrips:    promCounter{counter("circuit_trips_total", "Total number of circuit breaker trips.")},
		FundingAccruals: promCounter{counter("funding_accruals_total", "Total number of funding accrual events recorded.")},
		TotalEquity:     promGauge{gauge("total_equity_usd", "Current account equity in USD.")},
		TotalExposure:   promGauge{gauge("total_exposure_usd", "Gross notional exposure across all pairs in USD.")},
		ActivePairs:     promGauge{gauge("active_pairs", "Number of pairs with an active hedged position.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
