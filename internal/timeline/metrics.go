package timeline

import "github.com/prometheus/client_golang/prometheus"

var (
	buildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trial_replay",
		Subsystem: "timeline",
		Name:      "build_duration_seconds",
		Help:      "Время сборки таймлайна испытания.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	buildFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trial_replay",
		Subsystem: "timeline",
		Name:      "build_failures_total",
		Help:      "Сборки, прерванные ошибкой запроса к хранилищу.",
	})
	samplesMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trial_replay",
		Subsystem: "timeline",
		Name:      "samples_merged_total",
		Help:      "Значения точек, слитые в таймлайны.",
	})
	poolInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trial_replay",
		Subsystem: "timeline",
		Name:      "pool_queries_in_flight",
		Help:      "Запросы к хранилищу, выполняемые пулом в данный момент.",
	})
)

func init() {
	prometheus.MustRegister(buildDuration, buildFailures, samplesMerged, poolInUse)
}
