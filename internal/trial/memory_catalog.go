package trial

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryCatalog хранит испытания в памяти. Используется в тестах и в
// демонстрационном режиме сервера.
type MemoryCatalog struct {
	mu     sync.RWMutex
	trials map[int64]Trial
	points map[int64][]Point // точки конкретного испытания
	global []Point           // точки по умолчанию для всех испытаний
}

// NewMemoryCatalog создаёт пустой каталог.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		trials: make(map[int64]Trial),
		points: make(map[int64][]Point),
	}
}

// Put добавляет или заменяет испытание.
func (c *MemoryCatalog) Put(t Trial) error {
	if err := t.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.trials[t.ID] = t
	return nil
}

// SetPoints задаёт набор точек испытания.
func (c *MemoryCatalog) SetPoints(trialID int64, points []Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[trialID] = append([]Point(nil), points...)
}

// SetGlobalPoints задаёт точки, общие для всех испытаний без собственного набора.
func (c *MemoryCatalog) SetGlobalPoints(points []Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.global = append([]Point(nil), points...)
}

// Close закрывает каталог.
func (c *MemoryCatalog) Close() error { return nil }

// Get возвращает копию испытания.
func (c *MemoryCatalog) Get(ctx context.Context, id int64) (*Trial, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	t, ok := c.trials[id]
	if !ok {
		return nil, fmt.Errorf("trial %d: %w", id, ErrNotFound)
	}
	if t.EndTimestamp != nil {
		t.EndTimestamp = Millis(*t.EndTimestamp)
	}
	return &t, nil
}

// Points возвращает точки испытания, упорядоченные по ID.
func (c *MemoryCatalog) Points(ctx context.Context, trialID int64) ([]Point, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.trials[trialID]; !ok {
		return nil, fmt.Errorf("trial %d: %w", trialID, ErrNotFound)
	}

	src, ok := c.points[trialID]
	if !ok {
		src = c.global
	}

	out := append([]Point(nil), src...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
