// Package notify рассылает исходящие webhook-уведомления о жизненном
// цикле сессий воспроизведения.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/replay"
	"github.com/cenkalti/backoff/v4"
)

// Типы событий.
const (
	EventStarted   = "replay.started"
	EventCompleted = "replay.completed"
	EventCancelled = "replay.cancelled"
	EventFailed    = "replay.failed"
)

// EventTypes возвращает доступные типы событий.
func EventTypes() []string {
	return []string{EventStarted, EventCompleted, EventCancelled, EventFailed}
}

// Target получатель уведомлений. Пустой Events или "*" = все события.
type Target struct {
	Name   string
	URL    string
	Secret string
	Events []string
}

// Config параметры рассылки.
type Config struct {
	ServerID     string
	Timeout      time.Duration // на одну попытку
	RetryCount   int
	RetryBackoff time.Duration // первая пауза между попытками
	QueueSize    int
	Targets      []Target
}

// Event тело уведомления.
type Event struct {
	EventType string                 `json:"event_type"`
	Timestamp int64                  `json:"timestamp"`
	ServerID  string                 `json:"server_id"`
	Data      map[string]interface{} `json:"data"`
}

// WebhookStatus статистика доставки одному получателю.
type WebhookStatus struct {
	Name         string     `json:"name"`
	URL          string     `json:"url"`
	Delivered    int        `json:"delivered"`
	FailureCount int        `json:"failure_count"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
}

type webhook struct {
	Target
	delivered    int
	failureCount int
	lastUsed     *time.Time
}

// Notifier очередь событий и воркер, доставляющий их подписанным получателям.
// Реализует replay.Listener.
type Notifier struct {
	cfg        Config
	webhooks   []*webhook
	queue      chan Event
	httpClient *http.Client
	logger     *logging.Logger

	mu        sync.Mutex
	closed    bool
	dropped   int
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewNotifier создаёт рассыльщик и запускает воркер.
func NewNotifier(cfg Config) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 1000
	}

	n := &Notifier{
		cfg:        cfg,
		queue:      make(chan Event, cfg.QueueSize),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.GetComponentLogger("notify"),
	}
	for _, t := range cfg.Targets {
		n.webhooks = append(n.webhooks, &webhook{Target: t})
	}

	n.wg.Add(1)
	go n.eventWorker()
	return n
}

// Send ставит событие в очередь. false, если очередь переполнена или закрыта.
func (n *Notifier) Send(eventType string, data map[string]interface{}) bool {
	event := Event{
		EventType: eventType,
		Timestamp: time.Now().UnixMilli(),
		ServerID:  n.cfg.ServerID,
		Data:      data,
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return false
	}

	select {
	case n.queue <- event:
		n.logger.Debug("📤 Event %s queued", eventType)
		return true
	default:
		n.dropped++
		n.logger.Warn("⚠️ Webhook queue is full, event %s dropped", eventType)
		return false
	}
}

// SessionStarted уведомляет о запуске воспроизведения.
func (n *Notifier) SessionStarted(s replay.Snapshot) {
	n.Send(EventStarted, snapshotData(s, nil))
}

// SessionFinished уведомляет о завершении: completed, cancelled или failed.
func (n *Notifier) SessionFinished(s replay.Snapshot, err error) {
	n.Send("replay."+s.State.String(), snapshotData(s, err))
}

func snapshotData(s replay.Snapshot, err error) map[string]interface{} {
	data := map[string]interface{}{
		"subscriberId": s.SubscriberID,
		"trialId":      s.TrialID,
		"rate":         s.Rate,
		"cursor":       s.Cursor,
		"total":        s.Total,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return data
}

// Stats статистика по получателям.
func (n *Notifier) Stats() []WebhookStatus {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]WebhookStatus, 0, len(n.webhooks))
	for _, wh := range n.webhooks {
		out = append(out, WebhookStatus{
			Name:         wh.Name,
			URL:          wh.URL,
			Delivered:    wh.delivered,
			FailureCount: wh.failureCount,
			LastUsed:     wh.lastUsed,
		})
	}
	return out
}

// Close перестаёт принимать события и ждёт доставки очереди до отмены ctx.
func (n *Notifier) Close(ctx context.Context) error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		close(n.queue)
		n.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("notify close: %w", ctx.Err())
	}
}

// eventWorker обрабатывает события из очереди по порядку.
func (n *Notifier) eventWorker() {
	defer n.wg.Done()
	for event := range n.queue {
		n.processEvent(event)
	}
}

func (n *Notifier) processEvent(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("❌ Failed to marshal event %s: %v", event.EventType, err)
		return
	}

	var wg sync.WaitGroup
	for _, wh := range n.webhooks {
		if !subscribed(wh.Events, event.EventType) {
			continue
		}
		wg.Add(1)
		go func(wh *webhook) {
			defer wg.Done()
			err := n.deliver(wh, event.EventType, body)

			n.mu.Lock()
			now := time.Now()
			wh.lastUsed = &now
			if err != nil {
				wh.failureCount++
			} else {
				wh.delivered++
			}
			n.mu.Unlock()

			if err != nil {
				n.logger.Warn("⚠️ Webhook %s: event %s not delivered: %v", wh.Name, event.EventType, err)
				return
			}
			n.logger.Debug("✅ Event %s delivered to webhook %s", event.EventType, wh.Name)
		}(wh)
	}
	wg.Wait()
}

func subscribed(events []string, eventType string) bool {
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// deliver отправляет тело с повторами. Ответ 4xx не повторяется.
func (n *Notifier) deliver(wh *webhook, eventType string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.cfg.RetryBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithMaxRetries(b, uint64(n.cfg.RetryCount))

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, wh.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "trial-replay/1.0")
		req.Header.Set("X-Event-Type", eventType)
		req.Header.Set("X-Server-ID", n.cfg.ServerID)
		if wh.Secret != "" {
			req.Header.Set("X-Webhook-Signature", Sign(body, wh.Secret))
		}

		resp, err := n.httpClient.Do(req)
		if err != nil {
			n.logger.Debug("Webhook %s attempt %d: %v", wh.Name, attempt, err)
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			return backoff.Permanent(fmt.Errorf("status %d", resp.StatusCode))
		default:
			n.logger.Debug("Webhook %s attempt %d: status %d", wh.Name, attempt, resp.StatusCode)
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	}, policy)
}

// Sign HMAC-SHA256 подпись тела в формате "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
