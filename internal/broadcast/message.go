// Package broadcast доставляет сообщения воспроизведения подписчикам:
// in-process Hub (SSE), NATS, метрики доставки.
package broadcast

import (
	"context"
	"time"
)

const (
	// CodeSuccess код успешного ответа в конверте.
	CodeSuccess = 200
	// MessageSuccess текст успешного ответа в конверте.
	MessageSuccess = "success"
	// SentinelTimestamp метка времени завершающего сообщения.
	SentinelTimestamp int64 = -1
)

// HistoryData полезная нагрузка одного шага воспроизведения.
// У завершающего сообщения Timestamp = -1 и нет PointsData.
type HistoryData struct {
	Timestamp   int64             `json:"timestamp"`
	PointsData  map[string]string `json:"pointsData,omitempty"`
	SubscribeID string            `json:"subscribeId"`
}

// Message конверт {code, message, timestamp, data}, общий для push и REST.
type Message struct {
	Code      int         `json:"code"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"` // время отправки
	Data      HistoryData `json:"data"`
}

// NewEntryMessage сообщение с записью таймлайна для подписчика.
func NewEntryMessage(subscriberID string, ts int64, points map[string]string, sentAt time.Time) *Message {
	return &Message{
		Code:      CodeSuccess,
		Message:   MessageSuccess,
		Timestamp: sentAt,
		Data:      HistoryData{Timestamp: ts, PointsData: points, SubscribeID: subscriberID},
	}
}

// NewSentinelMessage завершающее сообщение воспроизведения.
func NewSentinelMessage(subscriberID string, sentAt time.Time) *Message {
	return &Message{
		Code:      CodeSuccess,
		Message:   MessageSuccess,
		Timestamp: sentAt,
		Data:      HistoryData{Timestamp: SentinelTimestamp, SubscribeID: subscriberID},
	}
}

// IsSentinel сообщает, завершает ли сообщение воспроизведение.
func (m *Message) IsSentinel() bool {
	return m.Data.Timestamp == SentinelTimestamp
}

// Topic адрес подписчика: <prefix>.<subscriberID>.
func Topic(prefix, subscriberID string) string {
	if prefix == "" {
		return subscriberID
	}
	return prefix + "." + subscriberID
}

// Sink принимает сообщения для подписчика topic. Вызов может блокироваться
// до отмены ctx; ошибка означает, что сообщение не доставлено.
type Sink interface {
	Publish(ctx context.Context, topic string, msg *Message) error
}

// SinkFunc адаптер функции к Sink.
type SinkFunc func(ctx context.Context, topic string, msg *Message) error

func (f SinkFunc) Publish(ctx context.Context, topic string, msg *Message) error {
	return f(ctx, topic, msg)
}

// MultiSink публикует во все приёмники по порядку. Возвращается первая
// ошибка; остальные приёмники всё равно получают сообщение.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, topic string, msg *Message) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, topic, msg); err != nil && first == nil {
			first = err
		}
	}
	return first
}
