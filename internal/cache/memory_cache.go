package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/robfig/cron/v3"
)

// MemoryCache кеш таймлайнов в памяти процесса.
//
// Особенности:
// - список записей упорядочен по времени записи, при переполнении
// вытесняется хвост
// - истёкшие записи удаляются при чтении и периодической очисткой (cron)
type MemoryCache struct {
	opts Options

	mu    sync.Mutex
	order *list.List // front = самая свежая запись
	items map[int64]*list.Element

	sweeper *cron.Cron

	hits          int64
	misses        int64
	puts          int64
	evictions     int64
	invalidations int64
}

type record struct {
	trialID   int64
	tl        *timeline.Timeline
	writtenAt time.Time
	expiresAt time.Time // zero = без истечения
}

// NewMemoryCache создаёт кеш в памяти.
func NewMemoryCache(opts Options) *MemoryCache {
	return &MemoryCache{
		opts:  opts,
		order: list.New(),
		items: make(map[int64]*list.Element),
	}
}

// StartSweeper запускает периодическое удаление истёкших записей.
func (c *MemoryCache) StartSweeper(interval time.Duration) error {
	if interval <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sweeper != nil {
		return fmt.Errorf("sweeper already running")
	}

	sweeper := cron.New(cron.WithLocation(time.UTC))
	if _, err := sweeper.AddFunc("@every "+interval.String(), func() {
		if n := c.Sweep(); n > 0 {
			logging.GetCacheLogger().Debug("Timeline cache sweep removed %d expired entries", n)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule cache sweep: %w", err)
	}
	sweeper.Start()
	c.sweeper = sweeper

	logging.GetCacheLogger().Info("Timeline cache sweeper started (interval: %v)", interval)
	return nil
}

// Get возвращает таймлайн, если запись есть и не истекла.
func (c *MemoryCache) Get(ctx context.Context, trialID int64) (*timeline.Timeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[trialID]
	if !ok {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	rec := el.Value.(*record)
	if c.expired(rec, c.opts.now()) {
		c.removeElement(el)
		atomic.AddInt64(&c.evictions, 1)
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&c.hits, 1)
	return rec.tl, true
}

// Peek возвращает живую запись без учёта в статистике.
func (c *MemoryCache) Peek(ctx context.Context, trialID int64) (*timeline.Timeline, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[trialID]
	if !ok {
		return nil, false
	}
	rec := el.Value.(*record)
	if c.expired(rec, c.opts.now()) {
		return nil, false
	}
	return rec.tl, true
}

// Put сохраняет таймлайн. Повторная запись обновляет время записи.
func (c *MemoryCache) Put(ctx context.Context, trialID int64, tl *timeline.Timeline) error {
	if tl == nil {
		return fmt.Errorf("nil timeline for trial %d", trialID)
	}

	now := c.opts.now()
	rec := &record{trialID: trialID, tl: tl, writtenAt: now}
	if ttl := c.opts.ttlFor(tl); ttl > 0 {
		rec.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[trialID]; ok {
		c.removeElement(el)
	}
	c.items[trialID] = c.order.PushFront(rec)
	atomic.AddInt64(&c.puts, 1)

	if c.opts.MaximumSize > 0 {
		for c.order.Len() > c.opts.MaximumSize {
			oldest := c.order.Back()
			c.removeElement(oldest)
			atomic.AddInt64(&c.evictions, 1)
		}
	}
	return nil
}

// Invalidate удаляет запись испытания.
func (c *MemoryCache) Invalidate(ctx context.Context, trialID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[trialID]; ok {
		c.removeElement(el)
		atomic.AddInt64(&c.invalidations, 1)
	}
	return nil
}

// Sweep удаляет истёкшие записи и возвращает их количество.
func (c *MemoryCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.now()
	removed := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if c.expired(el.Value.(*record), now) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	atomic.AddInt64(&c.evictions, int64(removed))
	return removed
}

// Stats возвращает счётчики кеша.
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	size := c.order.Len()
	c.mu.Unlock()

	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRatio:      hitRatio(hits, misses),
		Puts:          atomic.LoadInt64(&c.puts),
		Evictions:     atomic.LoadInt64(&c.evictions),
		Invalidations: atomic.LoadInt64(&c.invalidations),
		Size:          size,
		LastUpdate:    time.Now(),
	}
}

// Close останавливает очистку.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	sweeper := c.sweeper
	c.sweeper = nil
	c.mu.Unlock()

	if sweeper != nil {
		<-sweeper.Stop().Done()
	}
	return nil
}

func (c *MemoryCache) expired(rec *record, now time.Time) bool {
	return !rec.expiresAt.IsZero() && !now.Before(rec.expiresAt)
}

// removeElement вызывается под c.mu.
func (c *MemoryCache) removeElement(el *list.Element) {
	rec := c.order.Remove(el).(*record)
	delete(c.items, rec.trialID)
}
