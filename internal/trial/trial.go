// Package trial описывает испытания (trial) и точки измерения, а также
// каталог, из которого движок воспроизведения их читает. Создание и
// закрытие испытаний выполняется внешним сервисом.
package trial

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound возвращается каталогом, если испытание отсутствует.
var ErrNotFound = errors.New("trial not found")

// Trial испытание: именованное временное окно наблюдения.
// EndTimestamp == nil означает, что испытание ещё идёт.
type Trial struct {
	ID             int64  `json:"id" bson:"trial_id"`
	Name           string `json:"name" bson:"name"`
	RunNo          string `json:"runNo,omitempty" bson:"run_no,omitempty"`
	Mode           string `json:"mode,omitempty" bson:"mode,omitempty"`
	StartTimestamp int64  `json:"startTimestamp" bson:"start_timestamp"`
	EndTimestamp   *int64 `json:"endTimestamp,omitempty" bson:"end_timestamp,omitempty"`
}

// Running сообщает, идёт ли испытание.
func (t *Trial) Running() bool {
	return t.EndTimestamp == nil
}

// Window возвращает диапазон [start, end] в миллисекундах; для идущего
// испытания правая граница равна now.
func (t *Trial) Window(now time.Time) (int64, int64) {
	if t.EndTimestamp != nil {
		return t.StartTimestamp, *t.EndTimestamp
	}
	return t.StartTimestamp, now.UnixMilli()
}

// Validate проверяет обязательные поля.
func (t *Trial) Validate() error {
	if t.StartTimestamp < 0 {
		return fmt.Errorf("trial %d: negative start timestamp %d", t.ID, t.StartTimestamp)
	}
	if t.EndTimestamp != nil && *t.EndTimestamp < t.StartTimestamp {
		return fmt.Errorf("trial %d: end %d before start %d", t.ID, *t.EndTimestamp, t.StartTimestamp)
	}
	return nil
}

// Point точка измерения; Identity является ключом во временном хранилище.
type Point struct {
	ID       int64  `json:"id" bson:"point_id"`
	Identity string `json:"identity" bson:"identity"`
}

// Catalog источник испытаний и их наборов точек.
type Catalog interface {
	// Get возвращает испытание или ErrNotFound.
	Get(ctx context.Context, id int64) (*Trial, error)

	// Points возвращает точки, которые нужно воспроизвести для испытания.
	Points(ctx context.Context, trialID int64) ([]Point, error)

	Close() error
}

// Millis вспомогательная функция для необязательной метки времени.
func Millis(v int64) *int64 {
	return &v
}
