// Package timeseries содержит клиентов временного хранилища точек.
// Движку нужна ровно одна операция: выборка значений точки за интервал.
package timeseries

import (
	"context"
	"regexp"
	"sort"
	"sync"
)

// Sample одно значение точки. Значения хранятся как непрозрачные строки.
type Sample struct {
	Timestamp int64  `json:"ts"` // миллисекунды от эпохи
	Value     string `json:"value"`
}

// Reader выполняет выборку за интервал [start, end] включительно.
// Порядок результата не гарантируется. Реализации обязаны быть безопасны
// для параллельного вызова.
type Reader interface {
	Query(ctx context.Context, pointKey string, start, end int64) ([]Sample, error)
}

// ReaderFunc адаптер функции к Reader.
type ReaderFunc func(ctx context.Context, pointKey string, start, end int64) ([]Sample, error)

func (f ReaderFunc) Query(ctx context.Context, pointKey string, start, end int64) ([]Sample, error) {
	return f(ctx, pointKey, start, end)
}

var unsafeTableChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// TableName строит имя подтаблицы точки: prefix + ключ с заменой
// недопустимых символов на "_" (таблицы sensor_data_*).
func TableName(prefix, pointKey string) string {
	return prefix + unsafeTableChars.ReplaceAllString(pointKey, "_")
}

// MemoryReader хранит значения в памяти (тесты, демо-режим).
type MemoryReader struct {
	mu     sync.RWMutex
	series map[string][]Sample
}

// NewMemoryReader создаёт пустое хранилище.
func NewMemoryReader() *MemoryReader {
	return &MemoryReader{series: make(map[string][]Sample)}
}

// Append добавляет значения точки без сортировки.
func (m *MemoryReader) Append(pointKey string, samples ...Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series[pointKey] = append(m.series[pointKey], samples...)
}

// Query возвращает значения в порядке добавления.
func (m *MemoryReader) Query(ctx context.Context, pointKey string, start, end int64) ([]Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Sample
	for _, s := range m.series[pointKey] {
		if s.Timestamp >= start && s.Timestamp <= end {
			out = append(out, s)
		}
	}
	return out, nil
}

// Keys возвращает известные ключи точек по алфавиту.
func (m *MemoryReader) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.series))
	for k := range m.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
