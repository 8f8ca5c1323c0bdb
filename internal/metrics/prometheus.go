package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "statarb_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	positionsOpened := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_opened_total",
		Help:      "Total number of arbitrage positions opened.",
	})
	positionsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "positions_closed_total",
		Help:      "Total number of arbitrage positions closed.",
	})
	ordersFailed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "orders_failed_total",
		Help:      "Total number of failed order legs.",
	})
	rollbacks := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "rollbacks_total",
		Help:      "Total number of compensating spot rollbacks attempted.",
	})
	unresolvedHedges := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "unresolved_hedges_total",
		Help:      "Total number of partial fills requiring manual reconciliation.",
	})
	cyclesSkipped := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: promNamespace,
		Name:      "cycles_skipped_total",
		Help:      "Total number of decision cycles skipped on invalid data.",
	})

	registry.MustRegister(positionsOpened, positionsClosed, ordersFailed, rollbacks, unresolvedHedges, cyclesSkipped)

	m := &Metrics{
		PositionsOpened:  promCounter{positionsOpened},
		PositionsClosed:  promCounter{positionsClosed},
		OrdersFailed:     promCounter{ordersFailed},
		Rollbacks:        promCounter{rollbacks},
		UnresolvedHedges: promCounter{unresolvedHedges},
		CyclesSkipped:    promCounter{cyclesSkipped},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
