package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	nats "github.com/nats-io/nats.go"
)

// NATSConfig параметры NATS приёмника.
type NATSConfig struct {
	URL string

	// Stream включает JetStream: сообщения сохраняются в стриме с
	// subjects <SubjectPrefix>.> и могут быть дочитаны опоздавшим клиентом.
	Stream        string
	SubjectPrefix string
	Retention     time.Duration
}

// NATSSink публикует сообщения воспроизведения в NATS, subject = topic.
type NATSSink struct {
	nc *nats.Conn
	js nats.JetStreamContext

	published uint64
	failed    uint64
}

// NewNATSSink подключается к NATS и при необходимости создаёт стрим.
func NewNATSSink(cfg NATSConfig) (*NATSSink, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("trial-replay-broadcast"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	sink := &NATSSink{nc: nc}
	if cfg.Stream == "" {
		logging.Info("NATS broadcast sink connected: %s", cfg.URL)
		return sink, nil
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Drain()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if cfg.Retention == 0 {
		cfg.Retention = time.Hour
	}
	if _, err := js.StreamInfo(cfg.Stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.SubjectPrefix + ".>"},
			Retention: nats.LimitsPolicy,
			MaxAge:    cfg.Retention,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Drain()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	sink.js = js
	logging.Info("NATS JetStream broadcast sink connected: %s (stream: %s)", cfg.URL, cfg.Stream)
	return sink, nil
}

// Publish сериализует сообщение в JSON и публикует в subject topic.
func (s *NATSSink) Publish(ctx context.Context, topic string, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	if s.js != nil {
		_, err = s.js.Publish(topic, data, nats.Context(ctx))
	} else {
		err = s.nc.Publish(topic, data)
	}
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		return fmt.Errorf("nats publish %s: %w", topic, err)
	}

	atomic.AddUint64(&s.published, 1)
	return nil
}

// Stats метрики приёмника в терминах Hub.
func (s *NATSSink) Stats() Stats {
	return Stats{
		Published: atomic.LoadUint64(&s.published),
		Delivered: atomic.LoadUint64(&s.published),
		Dropped:   atomic.LoadUint64(&s.failed),
	}
}

// Close сбрасывает буферы и закрывает соединение.
func (s *NATSSink) Close() error {
	if err := s.nc.Drain(); err != nil {
		s.nc.Close()
		return err
	}
	return nil
}
