package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_total", Help: "Count of market ticks emitted by feeds"},
		[]string{"symbol", "source"},
	)
	TicksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "ticks_dropped_total", Help: "Ticks rejected by the bar aggregator"},
		[]string{"reason"},
	)
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bars_total", Help: "Bars finalized by the aggregator"},
		[]string{"source", "kind"},
	)
	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadlag_batch_duration_seconds",
			Help:    "Wall time of one batch lead-lag estimation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)
	SearchStepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leadlag_search_step_seconds",
			Help:    "Wall time of one incremental search work unit",
			Buckets: []float64{0.001, 0.002, 0.004, 0.008, 0.012, 0.016, 0.025, 0.05},
		},
	)
	SearchEvaluations = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "leadlag_search_evaluations_total", Help: "Pair probes evaluated by the incremental search"},
	)
	SearchPairs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "leadlag_search_pairs", Help: "Incremental search pairs by status"},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(TicksTotal, TicksDropped, BarsTotal, BatchDuration, SearchStepDuration, SearchEvaluations, SearchPairs)
}

func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
