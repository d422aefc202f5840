package timeline

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Pool ограничивает число одновременных запросов к хранилищу для всех
// сборок процесса. Запросы сверх лимита ждут освобождения слота.
type Pool struct {
	sem      *semaphore.Weighted
	size     int64
	inFlight int64
}

// NewPool создаёт пул на workers одновременных запросов (минимум 1).
func NewPool(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(workers)), size: int64(workers)}
}

// Do выполняет fn, заняв слот пула. Ожидание слота прерывается ctx.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)

	poolInUse.Set(float64(atomic.AddInt64(&p.inFlight, 1)))
	defer func() { poolInUse.Set(float64(atomic.AddInt64(&p.inFlight, -1))) }()

	return fn(ctx)
}

// Size размер пула.
func (p *Pool) Size() int { return int(p.size) }

// InFlight количество выполняемых сейчас запросов.
func (p *Pool) InFlight() int { return int(atomic.LoadInt64(&p.inFlight)) }
