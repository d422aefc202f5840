package broadcast

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// StatsProvider источник метрик доставки (Hub, NATSSink).
type StatsProvider interface {
	Stats() Stats
}

// MetricsExporter периодически переносит Stats в Prometheus.
// Counter растёт на дельту между снимками.
type MetricsExporter struct {
	src  StatsProvider
	quit chan struct{}
	done chan struct{}

	published   prometheus.Counter
	delivered   prometheus.Counter
	dropped     prometheus.Counter
	inflight    prometheus.Gauge
	subscribers prometheus.Gauge
}

// NewMetricsExporter создаёт экспортер и регистрирует метрики в reg
// (nil = глобальный регистр). name различает источники: "hub", "nats".
func NewMetricsExporter(src StatsProvider, name string, reg prometheus.Registerer) *MetricsExporter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	labels := prometheus.Labels{"sink": name}

	me := &MetricsExporter{
		src:  src,
		quit: make(chan struct{}),
		done: make(chan struct{}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "trial_replay",
			Subsystem:   "broadcast",
			Name:        "messages_published_total",
			Help:        "Общее число опубликованных сообщений воспроизведения.",
			ConstLabels: labels,
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "trial_replay",
			Subsystem:   "broadcast",
			Name:        "messages_delivered_total",
			Help:        "Сообщений, доставленных подписчикам.",
			ConstLabels: labels,
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "trial_replay",
			Subsystem:   "broadcast",
			Name:        "messages_dropped_total",
			Help:        "Сообщений, не доставленных из-за ошибки или отписки.",
			ConstLabels: labels,
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "trial_replay",
			Subsystem:   "broadcast",
			Name:        "messages_inflight",
			Help:        "Сообщений в буферах подписчиков.",
			ConstLabels: labels,
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "trial_replay",
			Subsystem:   "broadcast",
			Name:        "subscribers",
			Help:        "Активные подписчики.",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(me.published, me.delivered, me.dropped, me.inflight, me.subscribers)
	return me
}

// Start запускает обновление метрик с интервалом interval.
func (m *MetricsExporter) Start(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	go m.loop(interval)
}

// Stop останавливает обновление метрик.
func (m *MetricsExporter) Stop() {
	close(m.quit)
	<-m.done
}

func (m *MetricsExporter) loop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(m.done)

	var prev Stats
	for {
		select {
		case <-ticker.C:
			prev = m.collect(prev)
		case <-m.quit:
			m.collect(prev)
			return
		}
	}
}

// collect переносит приращения с прошлого снимка.
func (m *MetricsExporter) collect(prev Stats) Stats {
	stats := m.src.Stats()

	if d := stats.Published - prev.Published; stats.Published > prev.Published {
		m.published.Add(float64(d))
	}
	if d := stats.Delivered - prev.Delivered; stats.Delivered > prev.Delivered {
		m.delivered.Add(float64(d))
	}
	if d := stats.Dropped - prev.Dropped; stats.Dropped > prev.Dropped {
		m.dropped.Add(float64(d))
	}
	m.inflight.Set(float64(stats.InFlight))
	m.subscribers.Set(float64(stats.Subscribers))
	return stats
}
