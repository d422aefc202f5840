package replay

import "time"

// Clock источник времени сессии. Подменяется в тестах, чтобы наблюдать
// паузы без реального ожидания.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock системные часы.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
