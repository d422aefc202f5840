package cache

import (
	"context"
	"time"

	"github.com/annel0/trial-replay/internal/timeline"
)

// TimelineCache хранит собранные таймлайны по ID испытания.
// Ограничен по количеству записей (вытесняется самая давно записанная)
// и по возрасту с момента записи.
//
// Использование:
//
//	c := NewMemoryCache(Options{MaximumSize: 1000, ExpireAfterWrite: 30 * time.Minute})
//	tl, ok := c.Get(ctx, trialID)
//	err := c.Put(ctx, trialID, tl)
//	err = c.Invalidate(ctx, trialID)
type TimelineCache interface {
	// Get возвращает таймлайн, если он есть и не устарел.
	// Ошибки бэкенда считаются промахом.
	Get(ctx context.Context, trialID int64) (*timeline.Timeline, bool)

	// Peek как Get, но не меняет счётчики попаданий и промахов.
	Peek(ctx context.Context, trialID int64) (*timeline.Timeline, bool)

	// Put сохраняет таймлайн и перезапускает срок жизни записи.
	Put(ctx context.Context, trialID int64, tl *timeline.Timeline) error

	// Invalidate удаляет запись. Отсутствие записи не ошибка.
	Invalidate(ctx context.Context, trialID int64) error

	// Stats возвращает счётчики кеша.
	Stats() Stats

	// Close освобождает ресурсы.
	Close() error
}

// Invalidator рассылает инвалидации между узлами.
type Invalidator interface {
	// PublishInvalidation отправляет уведомление об инвалидации.
	PublishInvalidation(ctx context.Context, trialID int64) error

	// SubscribeInvalidations подписывается на уведомления других узлов.
	SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error

	// Close закрывает соединение.
	Close() error
}

// InvalidationHandler обрабатывает уведомление об инвалидации.
type InvalidationHandler func(trialID int64) error

// Stats содержит счётчики кеша.
type Stats struct {
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	HitRatio      float64 `json:"hitRatio"`
	Puts          int64   `json:"puts"`
	Evictions     int64   `json:"evictions"`
	Invalidations int64   `json:"invalidations"`
	Size          int     `json:"size"`

	LastUpdate time.Time `json:"lastUpdate"`
}

// Options параметры вытеснения. По умолчанию 1000 записей, 30 минут.
type Options struct {
	MaximumSize      int           // <= 0 без ограничения
	ExpireAfterWrite time.Duration // <= 0 без истечения

	// RunningTTL срок жизни таймлайнов незавершённых испытаний.
	RunningTTL time.Duration

	// Now источник времени (тесты).
	Now func() time.Time
}

// DefaultOptions возвращает настройки по умолчанию.
func DefaultOptions() Options {
	return Options{
		MaximumSize:      1000,
		ExpireAfterWrite: 30 * time.Minute,
		RunningTTL:       10 * time.Second,
	}
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// ttlFor срок жизни записи; 0 означает без истечения.
func (o *Options) ttlFor(tl *timeline.Timeline) time.Duration {
	ttl := o.ExpireAfterWrite
	if tl != nil && tl.Running && o.RunningTTL > 0 && (ttl <= 0 || o.RunningTTL < ttl) {
		ttl = o.RunningTTL
	}
	if ttl < 0 {
		ttl = 0
	}
	return ttl
}

func hitRatio(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
