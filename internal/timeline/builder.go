package timeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/timeseries"
	"github.com/annel0/trial-replay/internal/trial"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrQueryFailure сборка прервана ошибкой запроса хотя бы одной точки.
var ErrQueryFailure = errors.New("timeseries query failed")

// Store принимает собранный таймлайн (кеш).
type Store interface {
	Put(ctx context.Context, trialID int64, tl *Timeline) error
}

// Builder собирает таймлайн испытания: по запросу на точку в общем пуле,
// слияние под мьютексом, сортировка, запись в кеш.
type Builder struct {
	reader       timeseries.Reader
	store        Store
	pool         *Pool
	queryTimeout time.Duration
	now          func() time.Time
	tracer       trace.Tracer
	logger       *logging.Logger
}

// Option настройка Builder.
type Option func(*Builder)

// WithQueryTimeout ограничивает время одного запроса точки.
func WithQueryTimeout(d time.Duration) Option {
	return func(b *Builder) { b.queryTimeout = d }
}

// WithClock подменяет источник текущего времени (конец окна для идущих испытаний).
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithLogger задаёт логгер компонента.
func WithLogger(l *logging.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// NewBuilder создаёт сборщик. store может быть nil (без кеширования).
func NewBuilder(reader timeseries.Reader, store Store, pool *Pool, opts ...Option) *Builder {
	if pool == nil {
		pool = NewPool(100)
	}
	b := &Builder{
		reader: reader,
		store:  store,
		pool:   pool,
		now:    time.Now,
		tracer: otel.Tracer("trial-replay/timeline"),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = logging.GetTimelineLogger()
	}
	return b
}

// Build собирает таймлайн испытания по списку точек за окно
// [start, end или now]. При ошибке любого запроса остальные отменяются,
// в кеш ничего не пишется, возвращается ошибка, совместимая с ErrQueryFailure.
func (b *Builder) Build(ctx context.Context, tr *trial.Trial, points []trial.Point) (*Timeline, error) {
	started := time.Now()
	keys := b.pointKeys(tr.ID, points)

	ctx, span := b.tracer.Start(ctx, "timeline.Build", trace.WithAttributes(
		attribute.Int64("trial.id", tr.ID),
		attribute.Int("trial.points", len(keys)),
	))
	defer span.End()

	builtAt := b.now()
	rangeStart, rangeEnd := tr.Window(builtAt)

	var (
		mu     sync.Mutex
		merged = make(map[int64]map[string]string)
		total  int
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			return b.pool.Do(gctx, func(ctx context.Context) error {
				if b.queryTimeout > 0 {
					var cancel context.CancelFunc
					ctx, cancel = context.WithTimeout(ctx, b.queryTimeout)
					defer cancel()
				}

				samples, err := b.reader.Query(ctx, key, rangeStart, rangeEnd)
				if err != nil {
					return fmt.Errorf("%w: point %q: %w", ErrQueryFailure, key, err)
				}

				mu.Lock()
				for _, s := range samples {
					row, ok := merged[s.Timestamp]
					if !ok {
						row = make(map[string]string)
						merged[s.Timestamp] = row
					}
					row[key] = s.Value
				}
				total += len(samples)
				mu.Unlock()
				return nil
			})
		})
	}

	if err := g.Wait(); err != nil {
		if !errors.Is(err, ErrQueryFailure) {
			// отмена ctx во время ожидания слота пула
			err = fmt.Errorf("%w: %w", ErrQueryFailure, err)
		}
		buildFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failure")
		b.logger.Error("Timeline build for trial %d failed: %v", tr.ID, err)
		return nil, err
	}

	tl := &Timeline{
		TrialID:    tr.ID,
		Entries:    FromMerged(merged),
		BuiltAt:    builtAt,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		Running:    tr.Running(),
	}

	samplesMerged.Add(float64(total))
	buildDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(attribute.Int("timeline.entries", len(tl.Entries)))

	if b.store != nil {
		if err := b.store.Put(ctx, tr.ID, tl); err != nil {
			b.logger.Warn("Timeline of trial %d not cached: %v", tr.ID, err)
		}
	}

	b.logger.Debug("Built timeline for trial %d: %d points, %d samples, %d entries in %v",
		tr.ID, len(keys), total, len(tl.Entries), time.Since(started))
	return tl, nil
}

// pointKeys убирает пустые и повторяющиеся ключи, сохраняя порядок.
func (b *Builder) pointKeys(trialID int64, points []trial.Point) []string {
	seen := make(map[string]struct{}, len(points))
	keys := make([]string, 0, len(points))
	for _, p := range points {
		if p.Identity == "" {
			b.logger.Warn("Trial %d: point %d has empty identity, skipped", trialID, p.ID)
			continue
		}
		if _, dup := seen[p.Identity]; dup {
			continue
		}
		seen[p.Identity] = struct{}{}
		keys = append(keys, p.Identity)
	}
	return keys
}
