package cache

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/annel0/trial-replay/internal/logging"
)

// DistributedCache оборачивает локальный кеш: локальная инвалидация
// рассылается другим узлам, чужие инвалидации применяются локально.
type DistributedCache struct {
	TimelineCache
	inv Invalidator

	remoteInvalidations int64
}

// WithInvalidator связывает кеш с рассылкой инвалидаций.
// Подписка живёт до отмены ctx или Close.
func WithInvalidator(ctx context.Context, local TimelineCache, inv Invalidator) (*DistributedCache, error) {
	d := &DistributedCache{TimelineCache: local, inv: inv}

	err := inv.SubscribeInvalidations(ctx, func(trialID int64) error {
		atomic.AddInt64(&d.remoteInvalidations, 1)
		return local.Invalidate(context.Background(), trialID)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe invalidations: %w", err)
	}
	return d, nil
}

// Invalidate удаляет запись локально и уведомляет остальные узлы.
// Ошибка рассылки логируется: локальная запись уже удалена.
func (d *DistributedCache) Invalidate(ctx context.Context, trialID int64) error {
	if err := d.TimelineCache.Invalidate(ctx, trialID); err != nil {
		return err
	}
	if err := d.inv.PublishInvalidation(ctx, trialID); err != nil {
		logging.Warn("Invalidation of trial %d not broadcast: %v", trialID, err)
	}
	return nil
}

// RemoteInvalidations количество применённых чужих инвалидаций.
func (d *DistributedCache) RemoteInvalidations() int64 {
	return atomic.LoadInt64(&d.remoteInvalidations)
}

// Close закрывает рассылку и локальный кеш.
func (d *DistributedCache) Close() error {
	invErr := d.inv.Close()
	if err := d.TimelineCache.Close(); err != nil {
		return err
	}
	return invErr
}
