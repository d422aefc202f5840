// Package timeline собирает единую хронологию испытания из рядов отдельных
// точек: параллельные запросы, слияние по метке времени, сортировка.
package timeline

import (
	"sort"
	"time"
)

// Entry все значения точек, записанные в один момент времени.
// Не изменяется после сборки таймлайна.
type Entry struct {
	Timestamp int64             `json:"timestamp"`
	Points    map[string]string `json:"pointsData"`
}

// Timeline упорядоченная хронология испытания. Метки времени уникальны
// и строго возрастают. Таймлайн общий для всех сессий и только читается.
type Timeline struct {
	TrialID    int64     `json:"trialId"`
	Entries    []Entry   `json:"entries"`
	BuiltAt    time.Time `json:"builtAt"`
	RangeStart int64     `json:"rangeStart"`
	RangeEnd   int64     `json:"rangeEnd"`

	// Running: испытание ещё шло в момент сборки, RangeEnd = время сборки.
	Running bool `json:"running,omitempty"`
}

// Len количество записей.
func (t *Timeline) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Entries)
}

// Duration длительность от первой до последней записи в миллисекундах.
func (t *Timeline) Duration() int64 {
	if t.Len() < 2 {
		return 0
	}
	return t.Entries[len(t.Entries)-1].Timestamp - t.Entries[0].Timestamp
}

// FromMerged строит отсортированный список записей из карты слияния.
func FromMerged(merged map[int64]map[string]string) []Entry {
	entries := make([]Entry, 0, len(merged))
	for ts, points := range merged {
		entries = append(entries, Entry{Timestamp: ts, Points: points})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp < entries[j].Timestamp
	})
	return entries
}
