package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	"github.com/nats-io/nats.go"
)

// NATSInvalidator рассылает инвалидации таймлайнов между узлами через
// NATS Pub/Sub. Собственные сообщения узла игнорируются, повторы одного
// испытания в пределах окна дедупликации отбрасываются.
type NATSInvalidator struct {
	conn    *nats.Conn
	config  *InvalidatorConfig
	subject string
	nodeID  string

	subscription *nats.Subscription
	handler      InvalidationHandler
	subMu        sync.Mutex

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	recent    map[int64]time.Time
	recentMux sync.Mutex

	publishedCount int64
	receivedCount  int64
	errorsCount    int64
}

// InvalidatorConfig содержит конфигурацию NATS invalidator.
type InvalidatorConfig struct {
	NATSURL string
	Subject string

	MaxReconnects int
	ReconnectWait time.Duration

	// DedupeWindow окно подавления повторных уведомлений от других узлов.
	DedupeWindow time.Duration
}

// InvalidationMessage сообщение об инвалидации таймлайна.
type InvalidationMessage struct {
	TrialID   int64     `json:"trial_id"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
	Reason    string    `json:"reason,omitempty"`
}

// NewNATSInvalidator подключается к NATS.
//
// Параметры:
//
//	config - конфигурация NATS соединения
//	nodeID - уникальный идентификатор узла
func NewNATSInvalidator(config *InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	if config.Subject == "" {
		config.Subject = "trial.history.invalidation"
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = 10
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.DedupeWindow == 0 {
		config.DedupeWindow = 500 * time.Millisecond
	}

	opts := []nats.Option{
		nats.Name("trial-replay-invalidator-" + nodeID),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(config.NATSURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	inv := &NATSInvalidator{
		conn:    conn,
		config:  config,
		subject: config.Subject,
		nodeID:  nodeID,
		stopCh:  make(chan struct{}),
		recent:  make(map[int64]time.Time),
	}
	inv.startDedupeCleanup()

	logging.Info("NATS invalidator initialized: %s (subject: %s, node: %s)", config.NATSURL, config.Subject, nodeID)
	return inv, nil
}

// PublishInvalidation отправляет уведомление об инвалидации испытания.
func (n *NATSInvalidator) PublishInvalidation(ctx context.Context, trialID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(&InvalidationMessage{
		TrialID:   trialID,
		Timestamp: time.Now(),
		NodeID:    n.nodeID,
		Reason:    "timeline_invalidation",
	})
	if err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		return fmt.Errorf("failed to marshal invalidation message: %w", err)
	}

	if err := n.conn.Publish(n.subject, data); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		logging.Error("Failed to publish invalidation for trial %d: %v", trialID, err)
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}

	atomic.AddInt64(&n.publishedCount, 1)
	logging.Debug("Published invalidation for trial %d", trialID)
	return nil
}

// SubscribeInvalidations подписывается на уведомления других узлов.
// Подписка снимается при отмене ctx или Close.
func (n *NATSInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	if n.subscription != nil {
		return fmt.Errorf("already subscribed to invalidations")
	}

	n.handler = handler
	sub, err := n.conn.Subscribe(n.subject, n.handleMessage)
	if err != nil {
		return fmt.Errorf("failed to subscribe to invalidations: %w", err)
	}
	n.subscription = sub

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		select {
		case <-ctx.Done():
		case <-n.stopCh:
		}
		n.unsubscribe()
	}()

	logging.Info("Subscribed to timeline invalidations on subject: %s", n.subject)
	return nil
}

// Close закрывает соединение с NATS.
func (n *NATSInvalidator) Close() error {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.wg.Wait()
	n.conn.Close()
	logging.Info("NATS invalidator closed")
	return nil
}

// GetMetrics возвращает метрики invalidator.
func (n *NATSInvalidator) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"published_count": atomic.LoadInt64(&n.publishedCount),
		"received_count":  atomic.LoadInt64(&n.receivedCount),
		"errors_count":    atomic.LoadInt64(&n.errorsCount),
		"connected":       n.conn.IsConnected(),
	}
}

func (n *NATSInvalidator) handleMessage(msg *nats.Msg) {
	atomic.AddInt64(&n.receivedCount, 1)

	var m InvalidationMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		atomic.AddInt64(&n.errorsCount, 1)
		logging.Error("Failed to unmarshal invalidation message: %v", err)
		return
	}

	if m.NodeID == n.nodeID {
		return
	}
	if n.seenRecently(m.TrialID) {
		logging.Debug("Ignoring duplicate invalidation for trial %d", m.TrialID)
		return
	}

	if n.handler != nil {
		if err := n.handler(m.TrialID); err != nil {
			atomic.AddInt64(&n.errorsCount, 1)
			logging.Error("Invalidation handler failed for trial %d: %v", m.TrialID, err)
		}
	}
}

// seenRecently отмечает испытание и сообщает, было ли оно в окне.
func (n *NATSInvalidator) seenRecently(trialID int64) bool {
	n.recentMux.Lock()
	defer n.recentMux.Unlock()

	now := time.Now()
	if last, ok := n.recent[trialID]; ok && now.Sub(last) < n.config.DedupeWindow {
		return true
	}
	n.recent[trialID] = now
	return false
}

func (n *NATSInvalidator) unsubscribe() {
	n.subMu.Lock()
	defer n.subMu.Unlock()

	if n.subscription == nil {
		return
	}
	if err := n.subscription.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		logging.Error("Failed to unsubscribe from invalidations: %v", err)
	}
	n.subscription = nil
}

func (n *NATSInvalidator) startDedupeCleanup() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		ticker := time.NewTicker(n.config.DedupeWindow * 10)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				n.recentMux.Lock()
				now := time.Now()
				for id, ts := range n.recent {
					if now.Sub(ts) > n.config.DedupeWindow {
						delete(n.recent, id)
					}
				}
				n.recentMux.Unlock()
			case <-n.stopCh:
				return
			}
		}
	}()
}
