package replay

import "github.com/prometheus/client_golang/prometheus"

var (
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trial_replay",
		Name:      "active_sessions",
		Help:      "Сессии воспроизведения в состоянии Streaming.",
	})
	emittedEntries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trial_replay",
		Name:      "emitted_entries_total",
		Help:      "Записи таймлайна, отправленные подписчикам.",
	})
	finishedSessions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trial_replay",
		Name:      "sessions_finished_total",
		Help:      "Завершённые сессии по конечному состоянию.",
	}, []string{"state"})
	rateChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trial_replay",
		Name:      "rate_changes_total",
		Help:      "Изменения скорости воспроизведения.",
	})
)

func init() {
	prometheus.MustRegister(activeSessions, emittedEntries, finishedSessions, rateChanges)
}
