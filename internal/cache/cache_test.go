package cache

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock управляемые часы для проверки истечения без sleep.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func sampleTimeline(trialID int64) *timeline.Timeline {
	return &timeline.Timeline{
		TrialID: trialID,
		Entries: []timeline.Entry{
			{Timestamp: 0, Points: map[string]string{"A": "1"}},
			{Timestamp: 500, Points: map[string]string{"B": "x"}},
		},
		RangeStart: 0,
		RangeEnd:   1000,
	}
}

func TestMemoryCache_ExpireAfterWrite(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(Options{MaximumSize: 10, ExpireAfterWrite: 100 * time.Millisecond})
	defer c.Close()

	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	_, ok := c.Get(ctx, 1)
	assert.True(t, ok)

	time.Sleep(150 * time.Millisecond)

	_, ok = c.Get(ctx, 1)
	assert.False(t, ok, "entry older than max age must miss")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 0, stats.Size)
}

func TestMemoryCache_PutRestartsTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(0)}
	c := NewMemoryCache(Options{ExpireAfterWrite: time.Minute, Now: clock.Now})

	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	clock.Advance(40 * time.Second)
	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	clock.Advance(40 * time.Second)

	_, ok := c.Get(ctx, 1)
	assert.True(t, ok)

	clock.Advance(20 * time.Second)
	_, ok = c.Get(ctx, 1)
	assert.False(t, ok)
}

func TestMemoryCache_MaximumSizeEvictsOldestWritten(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(0)}
	c := NewMemoryCache(Options{MaximumSize: 2, Now: clock.Now})

	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	clock.Advance(time.Millisecond)
	require.NoError(t, c.Put(ctx, 2, sampleTimeline(2)))
	clock.Advance(time.Millisecond)

	// чтение не продлевает жизнь записи
	_, ok := c.Get(ctx, 1)
	require.True(t, ok)

	require.NoError(t, c.Put(ctx, 3, sampleTimeline(3)))

	_, ok = c.Get(ctx, 1)
	assert.False(t, ok)
	_, ok = c.Get(ctx, 2)
	assert.True(t, ok)
	_, ok = c.Get(ctx, 3)
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, 2, stats.Size)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(3), stats.Puts)
}

func TestMemoryCache_RunningTrialTTL(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(0)}
	c := NewMemoryCache(Options{ExpireAfterWrite: 30 * time.Minute, RunningTTL: 10 * time.Second, Now: clock.Now})

	running := sampleTimeline(1)
	running.Running = true
	require.NoError(t, c.Put(ctx, 1, running))
	require.NoError(t, c.Put(ctx, 2, sampleTimeline(2)))

	clock.Advance(11 * time.Second)

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok, "snapshot of running trial expires early")
	_, ok = c.Get(ctx, 2)
	assert.True(t, ok)
}

func TestMemoryCache_PeekDoesNotCount(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1000, 0)}
	c := NewMemoryCache(Options{ExpireAfterWrite: time.Minute, Now: clock.Now})

	_, ok := c.Peek(ctx, 1)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	got, ok := c.Peek(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, int64(1), got.TrialID)

	clock.Advance(2 * time.Minute)
	_, ok = c.Peek(ctx, 1)
	assert.False(t, ok, "expired entry is not returned")

	st := c.Stats()
	assert.Equal(t, int64(0), st.Hits)
	assert.Equal(t, int64(0), st.Misses)
}

func TestMemoryCache_InvalidateAndSweep(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.UnixMilli(0)}
	c := NewMemoryCache(Options{ExpireAfterWrite: time.Second, Now: clock.Now})

	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	require.NoError(t, c.Put(ctx, 2, sampleTimeline(2)))
	require.NoError(t, c.Invalidate(ctx, 1))
	require.NoError(t, c.Invalidate(ctx, 404))

	_, ok := c.Get(ctx, 1)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Invalidations)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Stats().Size)

	assert.Error(t, c.Put(ctx, 3, nil))
}

func TestMemoryCache_Sweeper(t *testing.T) {
	c := NewMemoryCache(DefaultOptions())
	require.NoError(t, c.StartSweeper(time.Minute))
	assert.Error(t, c.StartSweeper(time.Minute))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestMemoryCache_Concurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(Options{MaximumSize: 8, ExpireAfterWrite: time.Minute})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = c.Put(ctx, id, sampleTimeline(id))
				c.Get(ctx, id)
			}
		}(int64(i))
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Stats().Size, 8)
}

func TestTimelineCodec(t *testing.T) {
	tl := sampleTimeline(42)
	tl.BuiltAt = time.UnixMilli(1_700_000_000_000).UTC()

	data, err := EncodeTimeline(tl)
	require.NoError(t, err)

	decoded, err := DecodeTimeline(data)
	require.NoError(t, err)
	assert.Equal(t, tl.Entries, decoded.Entries)
	assert.True(t, tl.BuiltAt.Equal(decoded.BuiltAt))

	_, err = DecodeTimeline([]byte("not zstd"))
	assert.Error(t, err)
}

// MockInvalidator связывает несколько узлов в памяти.
type MockInvalidator struct {
	mutex     sync.Mutex
	published []int64
	handler   InvalidationHandler
	peers     []*MockInvalidator
}

func (m *MockInvalidator) PublishInvalidation(ctx context.Context, trialID int64) error {
	m.mutex.Lock()
	m.published = append(m.published, trialID)
	peers := m.peers
	m.mutex.Unlock()

	for _, p := range peers {
		p.mutex.Lock()
		h := p.handler
		p.mutex.Unlock()
		if h != nil {
			_ = h(trialID)
		}
	}
	return nil
}

func (m *MockInvalidator) SubscribeInvalidations(ctx context.Context, handler InvalidationHandler) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.handler = handler
	return nil
}

func (m *MockInvalidator) Close() error { return nil }

func TestDistributedCache(t *testing.T) {
	ctx := context.Background()
	invA, invB := &MockInvalidator{}, &MockInvalidator{}
	invA.peers = []*MockInvalidator{invB}
	invB.peers = []*MockInvalidator{invA}

	localA := NewMemoryCache(DefaultOptions())
	localB := NewMemoryCache(DefaultOptions())

	nodeA, err := WithInvalidator(ctx, localA, invA)
	require.NoError(t, err)
	nodeB, err := WithInvalidator(ctx, localB, invB)
	require.NoError(t, err)

	require.NoError(t, nodeA.Put(ctx, 7, sampleTimeline(7)))
	require.NoError(t, nodeB.Put(ctx, 7, sampleTimeline(7)))

	require.NoError(t, nodeA.Invalidate(ctx, 7))

	_, ok := nodeB.Get(ctx, 7)
	assert.False(t, ok, "remote invalidation must apply locally")
	assert.Equal(t, int64(1), nodeB.RemoteInvalidations())
	assert.Equal(t, []int64{7}, invA.published)

	require.NoError(t, nodeA.Close())
	require.NoError(t, nodeB.Close())
}

func redisAddr() string {
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisCache_BasicOperations(t *testing.T) {
	opts := Options{MaximumSize: 2, ExpireAfterWrite: 10 * time.Second}
	c, err := NewRedisCache(RedisConfig{Addr: redisAddr(), Prefix: "test:trial:" + time.Now().Format("150405.000") + ":"}, opts)
	if err != nil {
		t.Skipf("Redis not available, skipping test: %v", err)
		return
	}
	defer c.Close()

	ctx := context.Background()
	defer func() {
		for _, id := range []int64{1, 2, 3} {
			_ = c.Invalidate(ctx, id)
		}
	}()

	require.NoError(t, c.Put(ctx, 1, sampleTimeline(1)))
	got, ok := c.Get(ctx, 1)
	require.True(t, ok)
	assert.Equal(t, sampleTimeline(1).Entries, got.Entries)

	_, ok = c.Get(ctx, 404)
	assert.False(t, ok)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Put(ctx, 2, sampleTimeline(2)))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, c.Put(ctx, 3, sampleTimeline(3)))

	_, ok = c.Get(ctx, 1)
	assert.False(t, ok, "oldest written trial is evicted")
	assert.Equal(t, 2, c.Stats().Size)

	require.NoError(t, c.Invalidate(ctx, 3))
	_, ok = c.Get(ctx, 3)
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Invalidations)
}

func TestRedisCache_RunningEntriesLeaveIndex(t *testing.T) {
	opts := Options{MaximumSize: 2, ExpireAfterWrite: 10 * time.Second, RunningTTL: 200 * time.Millisecond}
	c, err := NewRedisCache(RedisConfig{Addr: redisAddr(), Prefix: "test:running:" + time.Now().Format("150405.000") + ":"}, opts)
	if err != nil {
		t.Skipf("Redis not available, skipping test: %v", err)
		return
	}
	defer c.Close()

	ctx := context.Background()
	defer func() {
		for _, id := range []int64{1, 2, 3} {
			_ = c.Invalidate(ctx, id)
		}
	}()

	running := sampleTimeline(1)
	running.Running = true
	require.NoError(t, c.Put(ctx, 1, running))
	require.NoError(t, c.Put(ctx, 2, sampleTimeline(2)))
	assert.Equal(t, 2, c.Stats().Size)

	time.Sleep(400 * time.Millisecond)

	st := c.Stats()
	assert.Equal(t, 1, st.Size, "expired running entry leaves the index")
	assert.Equal(t, int64(1), st.Evictions)

	// место истёкшей записи не стоит живой записи
	require.NoError(t, c.Put(ctx, 3, sampleTimeline(3)))
	_, ok := c.Peek(ctx, 2)
	assert.True(t, ok)
	_, ok = c.Peek(ctx, 3)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats().Size)
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestNATSInvalidator_PubSub(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		url = "nats://localhost:4222"
	}
	config := &InvalidatorConfig{NATSURL: url, Subject: "test.trial.invalidation"}

	inv1, err := NewNATSInvalidator(config, "node1")
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
		return
	}
	defer inv1.Close()

	inv2, err := NewNATSInvalidator(&InvalidatorConfig{NATSURL: url, Subject: config.Subject}, "node2")
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
		return
	}
	defer inv2.Close()

	received := make(chan int64, 4)
	ctx := context.Background()
	require.NoError(t, inv2.SubscribeInvalidations(ctx, func(trialID int64) error {
		received <- trialID
		return nil
	}))
	require.NoError(t, inv1.SubscribeInvalidations(ctx, func(trialID int64) error {
		t.Errorf("node must ignore its own invalidation %d", trialID)
		return nil
	}))
	assert.Error(t, inv1.SubscribeInvalidations(ctx, func(int64) error { return nil }))

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, inv1.PublishInvalidation(ctx, 42))

	select {
	case id := <-received:
		assert.Equal(t, int64(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("invalidation not received")
	}

	assert.Equal(t, int64(1), inv1.GetMetrics()["published_count"])
}
