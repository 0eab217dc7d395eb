package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "triarb"

// Metrics holds every collector the bot exports. All collectors are
// registered on the Registerer passed to New, never on the global default.
type Metrics struct {
	HeadBlock       prometheus.Gauge
	BlocksProcessed prometheus.Counter
	BlockDuration   prometheus.Histogram
	PoolsTouched    prometheus.Counter
	PathsRepriced   prometheus.Counter

	Candidates  prometheus.Counter
	Simulations *prometheus.CounterVec // outcome
	Bundles     *prometheus.CounterVec // state

	FeedEvents    *prometheus.CounterVec // kind
	FeedConnected prometheus.Gauge
	BusLagged     *prometheus.CounterVec // subscriber
	Errors        *prometheus.CounterVec // stage
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HeadBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "head_block",
			Help: "Number of the last block the engine processed.",
		}),
		BlocksProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_processed_total",
			Help: "Blocks run through the decision loop.",
		}),
		BlockDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "block_processing_seconds",
			Help:    "Time from block receipt to the end of candidate handling.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		PoolsTouched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pools_touched_total",
			Help: "Pools whose reserves changed, summed over blocks.",
		}),
		PathsRepriced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "paths_repriced_total",
			Help: "Paths re-evaluated because a member pool changed.",
		}),
		Candidates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "candidates_total",
			Help: "Paths with positive estimated net profit.",
		}),
		Simulations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "simulations_total",
			Help: "Fork simulations by outcome.",
		}, []string{"outcome"}),
		Bundles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bundles_total",
			Help: "Bundles by terminal or current state.",
		}, []string{"state"}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_events_total",
			Help: "Upstream events observed by kind.",
		}, []string{"kind"}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "feed_connected",
			Help: "1 while the upstream websocket session is live.",
		}),
		BusLagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bus_lagged_total",
			Help: "Events a subscriber skipped because it fell behind.",
		}, []string{"subscriber"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Non-fatal errors by pipeline stage.",
		}, []string{"stage"}),
	}

	reg.MustRegister(
		m.HeadBlock, m.BlocksProcessed, m.BlockDuration, m.PoolsTouched, m.PathsRepriced,
		m.Candidates, m.Simulations, m.Bundles,
		m.FeedEvents, m.FeedConnected, m.BusLagged, m.Errors,
	)
	return m
}

// Discard returns collectors registered on a throwaway registry.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}
