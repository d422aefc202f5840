package timeseries

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v3"
)

// BadgerReader встроенное хранилище временных рядов на BadgerDB.
// Ключ: "s/" + pointKey + 0x00 + ts (big-endian), значение: строка.
// Сортировка ключей Badger даёт упорядоченную по времени выборку.
type BadgerReader struct {
	db      *badger.DB
	mutex   sync.RWMutex
	isReady bool
}

// NewBadgerReader открывает хранилище в dataPath/timeseries.
func NewBadgerReader(dataPath string) (*BadgerReader, error) {
	opts := badger.DefaultOptions(filepath.Join(dataPath, "timeseries"))
	opts.Logger = nil // Отключаем логирование BadgerDB
	return openBadger(opts)
}

// NewInMemoryBadgerReader хранилище без диска (тесты).
func NewInMemoryBadgerReader() (*BadgerReader, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerReader, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}
	return &BadgerReader{db: db, isReady: true}, nil
}

func seriesPrefix(pointKey string) []byte {
	p := make([]byte, 0, len(pointKey)+3)
	p = append(p, 's', '/')
	p = append(p, pointKey...)
	return append(p, 0)
}

func sampleKey(pointKey string, ts int64) []byte {
	k := seriesPrefix(pointKey)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ts))
	return append(k, buf[:]...)
}

// Append сохраняет значения точки. Метки времени должны быть неотрицательными.
func (b *BadgerReader) Append(pointKey string, samples ...Sample) error {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if !b.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()

	for _, s := range samples {
		if s.Timestamp < 0 {
			return fmt.Errorf("negative timestamp %d for %s", s.Timestamp, pointKey)
		}
		if err := wb.Set(sampleKey(pointKey, s.Timestamp), []byte(s.Value)); err != nil {
			return fmt.Errorf("ошибка записи в BadgerDB: %w", err)
		}
	}
	return wb.Flush()
}

// Query выбирает значения за [start, end] в порядке возрастания ts.
func (b *BadgerReader) Query(ctx context.Context, pointKey string, start, end int64) ([]Sample, error) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	if !b.isReady {
		return nil, fmt.Errorf("хранилище не готово")
	}
	if end < 0 || start > end {
		return nil, nil
	}
	if start < 0 {
		start = 0
	}

	prefix := seriesPrefix(pointKey)
	upper := sampleKey(pointKey, end)

	var out []Sample
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(sampleKey(pointKey, start)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.Key()
			if bytes.Compare(key, upper) > 0 {
				break
			}

			ts := int64(binary.BigEndian.Uint64(key[len(prefix):]))
			err := item.Value(func(val []byte) error {
				out = append(out, Sample{Timestamp: ts, Value: string(val)})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}
	return out, nil
}

// Close закрывает хранилище.
func (b *BadgerReader) Close() error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.isReady {
		return nil
	}
	b.isReady = false
	return b.db.Close()
}
