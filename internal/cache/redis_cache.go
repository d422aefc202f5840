package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/go-redis/redis/v8"
)

// RedisConfig параметры подключения к Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // префикс ключей, по умолчанию "trial:history:"

	MaxConnections int
	PoolTimeout    time.Duration
}

// RedisCache кеш таймлайнов в Redis, общий для нескольких узлов.
//
// Особенности:
// - значение: JSON таймлайна, сжатый zstd, с TTL = ExpireAfterWrite
// - sorted set <prefix>index (score = время записи) ограничивает размер:
// при переполнении удаляются самые давно записанные испытания
// - sorted set <prefix>expiry (score = момент истечения) убирает из индекса
// записи, истёкшие по TTL, в том числе с коротким RunningTTL
// - счётчики попаданий локальны для узла
type RedisCache struct {
	client *redis.Client
	prefix string
	opts   Options

	hits          int64
	misses        int64
	puts          int64
	evictions     int64
	invalidations int64
}

// NewRedisCache подключается к Redis и проверяет соединение.
func NewRedisCache(cfg RedisConfig, opts Options) (*RedisCache, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "trial:history:"
	}
	if cfg.MaxConnections == 0 {
		cfg.MaxConnections = 10
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = 30 * time.Second
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxConnections,
		PoolTimeout:  cfg.PoolTimeout,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Info("Redis timeline cache initialized: %s (prefix: %s, max: %d, ttl: %v)",
		cfg.Addr, cfg.Prefix, opts.MaximumSize, opts.ExpireAfterWrite)
	return &RedisCache{client: rdb, prefix: cfg.Prefix, opts: opts}, nil
}

func (r *RedisCache) key(trialID int64) string {
	return r.prefix + strconv.FormatInt(trialID, 10)
}

func (r *RedisCache) indexKey() string {
	return r.prefix + "index"
}

func (r *RedisCache) expiryKey() string {
	return r.prefix + "expiry"
}

// Get читает и распаковывает таймлайн. Ошибки Redis считаются промахом.
func (r *RedisCache) Get(ctx context.Context, trialID int64) (*timeline.Timeline, bool) {
	tl, ok := r.load(ctx, trialID)
	if ok {
		atomic.AddInt64(&r.hits, 1)
	} else {
		atomic.AddInt64(&r.misses, 1)
	}
	return tl, ok
}

// Peek как Get, без учёта в счётчиках.
func (r *RedisCache) Peek(ctx context.Context, trialID int64) (*timeline.Timeline, bool) {
	return r.load(ctx, trialID)
}

func (r *RedisCache) load(ctx context.Context, trialID int64) (*timeline.Timeline, bool) {
	data, err := r.client.Get(ctx, r.key(trialID)).Bytes()
	if err == redis.Nil {
		// запись истекла по TTL, убираем её из индексов
		r.dropIndexed(ctx, strconv.FormatInt(trialID, 10))
		return nil, false
	}
	if err != nil {
		logging.Error("Redis Get error for trial %d: %v", trialID, err)
		return nil, false
	}

	tl, err := DecodeTimeline(data)
	if err != nil {
		logging.Error("Corrupted cached timeline for trial %d: %v", trialID, err)
		return nil, false
	}
	return tl, true
}

// dropIndexed убирает члены из обоих индексов; удалённые из index
// считаются вытеснениями.
func (r *RedisCache) dropIndexed(ctx context.Context, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}

	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.ZRem(ctx, r.indexKey(), args...)
		pipe.ZRem(ctx, r.expiryKey(), args...)
		return nil
	})
	if err != nil {
		logging.Warn("Redis index cleanup failed: %v", err)
		return
	}
	if n := removed.Val(); n > 0 {
		atomic.AddInt64(&r.evictions, n)
	}
}

// trimExpired убирает из индексов записи, срок которых уже истёк.
func (r *RedisCache) trimExpired(ctx context.Context) error {
	now := strconv.FormatInt(r.opts.now().UnixMilli(), 10)
	expired, err := r.client.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	r.dropIndexed(ctx, expired...)
	return nil
}

// Put записывает таймлайн и вытесняет лишние записи.
func (r *RedisCache) Put(ctx context.Context, trialID int64, tl *timeline.Timeline) error {
	if tl == nil {
		return fmt.Errorf("nil timeline for trial %d", trialID)
	}

	data, err := EncodeTimeline(tl)
	if err != nil {
		return err
	}

	now := r.opts.now()
	ttl := r.opts.ttlFor(tl)
	member := strconv.FormatInt(trialID, 10)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(trialID), data, ttl)
		pipe.ZAdd(ctx, r.indexKey(), &redis.Z{Score: float64(now.UnixMilli()), Member: member})
		if ttl > 0 {
			pipe.ZAdd(ctx, r.expiryKey(), &redis.Z{Score: float64(now.Add(ttl).UnixMilli()), Member: member})
		} else {
			pipe.ZRem(ctx, r.expiryKey(), member)
		}
		return nil
	})
	if err != nil {
		logging.Error("Redis Set error for trial %d: %v", trialID, err)
		return fmt.Errorf("redis set error: %w", err)
	}
	atomic.AddInt64(&r.puts, 1)

	if r.opts.MaximumSize > 0 {
		if err := r.enforceSize(ctx); err != nil {
			logging.Warn("Redis cache size enforcement failed: %v", err)
		}
	}
	return nil
}

// enforceSize удаляет самые давно записанные испытания сверх MaximumSize.
func (r *RedisCache) enforceSize(ctx context.Context) error {
	if err := r.trimExpired(ctx); err != nil {
		return err
	}

	count, err := r.client.ZCard(ctx, r.indexKey()).Result()
	if err != nil {
		return err
	}
	excess := count - int64(r.opts.MaximumSize)
	if excess <= 0 {
		return nil
	}

	victims, err := r.client.ZRange(ctx, r.indexKey(), 0, excess-1).Result()
	if err != nil {
		return err
	}
	if len(victims) == 0 {
		return nil
	}

	keys := make([]string, len(victims))
	members := make([]interface{}, len(victims))
	for i, v := range victims {
		keys[i] = r.prefix + v
		members[i] = v
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, r.indexKey(), members...)
		pipe.ZRem(ctx, r.expiryKey(), members...)
		return nil
	})
	if err != nil {
		return err
	}

	atomic.AddInt64(&r.evictions, int64(len(victims)))
	logging.Debug("Redis cache evicted %d timelines", len(victims))
	return nil
}

// Invalidate удаляет таймлайн испытания.
func (r *RedisCache) Invalidate(ctx context.Context, trialID int64) error {
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		member := strconv.FormatInt(trialID, 10)
		del = pipe.Del(ctx, r.key(trialID))
		pipe.ZRem(ctx, r.indexKey(), member)
		pipe.ZRem(ctx, r.expiryKey(), member)
		return nil
	})
	if err != nil {
		logging.Error("Redis Delete error for trial %d: %v", trialID, err)
		return fmt.Errorf("redis delete error: %w", err)
	}
	if del.Val() > 0 {
		atomic.AddInt64(&r.invalidations, 1)
	}
	return nil
}

// Stats возвращает счётчики узла и текущий размер индекса.
func (r *RedisCache) Stats() Stats {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	size := 0
	if err := r.trimExpired(ctx); err != nil {
		logging.Warn("Redis expiry trim failed: %v", err)
	}
	if n, err := r.client.ZCard(ctx, r.indexKey()).Result(); err == nil {
		size = int(n)
	} else {
		logging.Warn("Redis ZCARD failed: %v", err)
	}

	hits := atomic.LoadInt64(&r.hits)
	misses := atomic.LoadInt64(&r.misses)
	return Stats{
		Hits:          hits,
		Misses:        misses,
		HitRatio:      hitRatio(hits, misses),
		Puts:          atomic.LoadInt64(&r.puts),
		Evictions:     atomic.LoadInt64(&r.evictions),
		Invalidations: atomic.LoadInt64(&r.invalidations),
		Size:          size,
		LastUpdate:    time.Now(),
	}
}

// Close закрывает соединение с Redis.
func (r *RedisCache) Close() error {
	if err := r.client.Close(); err != nil {
		logging.Error("Error closing Redis connection: %v", err)
		return err
	}
	logging.Info("Redis cache closed")
	return nil
}
