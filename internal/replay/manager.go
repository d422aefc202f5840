package replay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/annel0/trial-replay/internal/broadcast"
	"github.com/annel0/trial-replay/internal/cache"
	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/annel0/trial-replay/internal/trial"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// TimelineBuilder собирает таймлайн (timeline.Builder).
type TimelineBuilder interface {
	Build(ctx context.Context, tr *trial.Trial, points []trial.Point) (*timeline.Timeline, error)
}

// Listener получает события жизненного цикла сессий. Вызывается из
// горутины сессии, поэтому не должен блокироваться надолго.
type Listener interface {
	SessionStarted(s Snapshot)
	SessionFinished(s Snapshot, err error)
}

// Config параметры менеджера.
type Config struct {
	DefaultRate float64
	TopicPrefix string // "trial.history" по умолчанию
	Clock       Clock
	Listener    Listener // необязательный
}

// Manager управляет воспроизведениями: получает таймлайн из кеша или
// собирает его, запускает сессии и ведёт реестр активных подписчиков.
type Manager struct {
	catalog trial.Catalog
	cache   cache.TimelineCache
	builder TimelineBuilder
	sink    broadcast.Sink
	cfg     Config
	logger  *logging.Logger

	builds singleflight.Group

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup

	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// NewManager создаёт менеджер воспроизведений.
func NewManager(catalog trial.Catalog, c cache.TimelineCache, builder TimelineBuilder, sink broadcast.Sink, cfg Config) *Manager {
	cfg.DefaultRate = NormalizeRate(cfg.DefaultRate)
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "trial.history"
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		catalog:   catalog,
		cache:     c,
		builder:   builder,
		sink:      sink,
		cfg:       cfg,
		logger:    logging.GetReplayLogger(),
		sessions:  make(map[string]*Session),
		baseCtx:   ctx,
		cancelAll: cancel,
	}
}

// NewSubscriberID формирует идентификатор подписчика
// <время мс>-<ID испытания>-<8 hex>.
func (m *Manager) NewSubscriberID(trialID int64) string {
	return fmt.Sprintf("%d-%d-%s", m.cfg.Clock.Now().UnixMilli(), trialID, uuid.NewString()[:8])
}

// Topic адрес подписчика в приёмнике.
func (m *Manager) Topic(subscriberID string) string {
	return broadcast.Topic(m.cfg.TopicPrefix, subscriberID)
}

// GetOrBuild возвращает таймлайн из кеша или собирает его. Параллельные
// промахи по одному испытанию объединяются в одну сборку. Один вызов
// учитывается в статистике кеша один раз.
func (m *Manager) GetOrBuild(ctx context.Context, trialID int64) (*timeline.Timeline, error) {
	if tl, ok := m.cache.Get(ctx, trialID); ok {
		return tl, nil
	}

	ch := m.builds.DoChan(strconv.FormatInt(trialID, 10), func() (interface{}, error) {
		// сборка не зависит от отмены запроса, который её начал
		bctx := context.WithoutCancel(ctx)
		// сборка могла завершиться между Get и DoChan
		if tl, ok := m.cache.Peek(bctx, trialID); ok {
			return tl, nil
		}

		tr, err := m.catalog.Get(bctx, trialID)
		if err != nil {
			return nil, m.catalogErr(trialID, err)
		}
		points, err := m.catalog.Points(bctx, trialID)
		if err != nil {
			return nil, m.catalogErr(trialID, err)
		}
		return m.builder.Build(bctx, tr, points)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*timeline.Timeline), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) catalogErr(trialID int64, err error) error {
	if errors.Is(err, trial.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrTrialNotFound, trialID)
	}
	return fmt.Errorf("load trial %d: %w", trialID, err)
}

// StartReplay запускает воспроизведение испытания для нового подписчика.
func (m *Manager) StartReplay(ctx context.Context, trialID int64, opts ...SessionOption) (*Session, error) {
	return m.StartReplayFor(ctx, trialID, m.NewSubscriberID(trialID), opts...)
}

// StartReplayFor запускает воспроизведение с идентификатором, выбранным
// вызывающим (например, после подписки на его топик).
func (m *Manager) StartReplayFor(ctx context.Context, trialID int64, subscriberID string, opts ...SessionOption) (*Session, error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("empty subscriber id")
	}
	if err := m.checkFree(subscriberID); err != nil {
		return nil, err
	}

	tl, err := m.GetOrBuild(ctx, trialID)
	if err != nil {
		return nil, err
	}

	base := []SessionOption{
		WithRate(m.cfg.DefaultRate),
		WithTopic(m.Topic(subscriberID)),
		WithClock(m.cfg.Clock),
		WithSessionLogger(m.logger),
	}
	s := NewSession(subscriberID, tl, m.sink, append(base, opts...)...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, exists := m.sessions[subscriberID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, subscriberID)
	}
	m.sessions[subscriberID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	go m.run(s)
	return s, nil
}

func (m *Manager) checkFree(subscriberID string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrShuttingDown
	}
	if _, exists := m.sessions[subscriberID]; exists {
		return fmt.Errorf("%w: %s", ErrSessionExists, subscriberID)
	}
	return nil
}

// run выполняет сессию в собственной горутине и убирает её из реестра.
func (m *Manager) run(s *Session) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		if m.sessions[s.ID()] == s {
			delete(m.sessions, s.ID())
		}
		m.mu.Unlock()
	}()

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("❌ Replay %s listener panicked: %v", s.ID(), r)
		}
	}()

	l := m.cfg.Listener
	if l != nil {
		l.SessionStarted(s.Snapshot())
	}
	err := s.Run(m.baseCtx)
	if l != nil {
		l.SessionFinished(s.Snapshot(), err)
	}
}

// SetRate меняет скорость активной сессии.
func (m *Manager) SetRate(subscriberID string, rate float64) (float64, error) {
	s, ok := m.Session(subscriberID)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrSessionNotFound, subscriberID)
	}
	return s.SetRate(rate), nil
}

// Cancel останавливает активную сессию.
func (m *Manager) Cancel(subscriberID string) error {
	s, ok := m.Session(subscriberID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, subscriberID)
	}
	s.Cancel()
	return nil
}

// Session возвращает активную сессию.
func (m *Manager) Session(subscriberID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[subscriberID]
	return s, ok
}

// Sessions снимки активных сессий, упорядоченные по времени запуска.
func (m *Manager) Sessions() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SubscriberID < out[j].SubscriberID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History возвращает собранный таймлайн без воспроизведения.
func (m *Manager) History(ctx context.Context, trialID int64) (*timeline.Timeline, error) {
	return m.GetOrBuild(ctx, trialID)
}

// InvalidateTrial удаляет таймлайн испытания из кеша. Активные сессии
// продолжают проигрывать свою копию.
func (m *Manager) InvalidateTrial(ctx context.Context, trialID int64) error {
	if err := m.cache.Invalidate(ctx, trialID); err != nil {
		return fmt.Errorf("invalidate trial %d: %w", trialID, err)
	}
	m.logger.Info("Timeline cache of trial %d invalidated", trialID)
	return nil
}

// CacheStats счётчики кеша таймлайнов.
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

// Shutdown отменяет все сессии и ждёт их завершения или отмены ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	active := len(m.sessions)
	m.mu.Unlock()

	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Replay manager stopped (%d sessions cancelled)", active)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("replay shutdown: %w", ctx.Err())
	case <-time.After(30 * time.Second):
		return fmt.Errorf("replay shutdown: sessions still running after 30s")
	}
}
