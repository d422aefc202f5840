package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/annel0/trial-replay/internal/logging"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageEnvelopeJSON(t *testing.T) {
	sentAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	data, err := json.Marshal(NewEntryMessage("sub-1", 500, map[string]string{"B": "x"}, sentAt))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"code": 200,
		"message": "success",
		"timestamp": "2025-03-01T12:00:00Z",
		"data": {"timestamp": 500, "pointsData": {"B": "x"}, "subscribeId": "sub-1"}
	}`, string(data))

	sentinel := NewSentinelMessage("sub-1", sentAt)
	assert.True(t, sentinel.IsSentinel())
	data, err = json.Marshal(sentinel)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"code": 200,
		"message": "success",
		"timestamp": "2025-03-01T12:00:00Z",
		"data": {"timestamp": -1, "subscribeId": "sub-1"}
	}`, string(data))

	assert.Equal(t, "trial.history.sub-1", Topic("trial.history", "sub-1"))
	assert.Equal(t, "sub-1", Topic("", "sub-1"))
}

func TestHub_DeliversInOrderPerTopic(t *testing.T) {
	hub := NewHub(64)
	defer hub.Close()

	subA, err := hub.Subscribe("t.a")
	require.NoError(t, err)
	subA2, err := hub.Subscribe("t.a")
	require.NoError(t, err)
	subB, err := hub.Subscribe("t.b")
	require.NoError(t, err)

	ctx := context.Background()
	for i := int64(0); i < 50; i++ {
		require.NoError(t, hub.Publish(ctx, "t.a", NewEntryMessage("a", i, nil, time.Now())))
	}
	require.NoError(t, hub.Publish(ctx, "t.nobody", NewSentinelMessage("x", time.Now())))

	for _, sub := range []*Subscription{subA, subA2} {
		for i := int64(0); i < 50; i++ {
			msg := <-sub.C
			assert.Equal(t, i, msg.Data.Timestamp)
		}
	}
	assert.Len(t, subB.C, 0, "other topic receives nothing")

	stats := hub.Stats()
	assert.Equal(t, uint64(51), stats.Published)
	assert.Equal(t, uint64(100), stats.Delivered)
	assert.Equal(t, 3, stats.Subscribers)
}

func TestHub_FullBufferWaitsForContext(t *testing.T) {
	hub := NewHub(1)
	sub, err := hub.Subscribe("t")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), "t", NewEntryMessage("s", 1, nil, time.Now())))
	assert.Equal(t, 1, hub.Stats().InFlight)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err = hub.Publish(ctx, "t", NewEntryMessage("s", 2, nil, time.Now()))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// читатель освобождает место, публикация проходит
	<-sub.C
	require.NoError(t, hub.Publish(context.Background(), "t", NewEntryMessage("s", 3, nil, time.Now())))
	assert.Equal(t, int64(3), (<-sub.C).Data.Timestamp)
}

func TestHub_UnsubscribeReleasesBlockedPublisher(t *testing.T) {
	hub := NewHub(1)
	sub, err := hub.Subscribe("t")
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), "t", NewEntryMessage("s", 1, nil, time.Now())))

	errCh := make(chan error, 1)
	go func() {
		errCh <- hub.Publish(context.Background(), "t", NewEntryMessage("s", 2, nil, time.Now()))
	}()

	time.Sleep(20 * time.Millisecond)
	sub.Unsubscribe()
	sub.Unsubscribe()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("publisher still blocked after unsubscribe")
	}
	assert.Equal(t, uint64(1), hub.Stats().Dropped)
	assert.Equal(t, 0, hub.Subscribers("t"))
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(4)
	sub, err := hub.Subscribe("t")
	require.NoError(t, err)

	hub.Close()
	hub.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription must be closed with hub")
	}
	assert.ErrorIs(t, hub.Publish(context.Background(), "t", NewSentinelMessage("s", time.Now())), ErrHubClosed)
	_, err = hub.Subscribe("t")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestLoggingListener(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.NewWriterLogger("broadcast", &buf, logging.TRACE)

	hub := NewHub(4)
	stop := StartLoggingListener(hub, logger)

	ctx := context.Background()
	require.NoError(t, hub.Publish(ctx, "trial.history.s1", NewEntryMessage("s1", 10, map[string]string{"A": "1"}, time.Now())))
	require.NoError(t, hub.Publish(ctx, "trial.history.s1", NewSentinelMessage("s1", time.Now())))
	stop()
	require.NoError(t, hub.Publish(ctx, "trial.history.s1", NewEntryMessage("s1", 99, nil, time.Now())))

	out := buf.String()
	assert.Contains(t, out, "trial.history.s1 ts=10 points=1")
	assert.Contains(t, out, "replay finished (subscriber=s1)")
	assert.NotContains(t, out, "ts=99")
}

func TestMultiSink(t *testing.T) {
	boom := errors.New("boom")
	var calls []string
	sink := MultiSink{
		SinkFunc(func(ctx context.Context, topic string, msg *Message) error {
			calls = append(calls, "first")
			return boom
		}),
		SinkFunc(func(ctx context.Context, topic string, msg *Message) error {
			calls = append(calls, "second")
			return nil
		}),
	}

	err := sink.Publish(context.Background(), "t", NewSentinelMessage("s", time.Now()))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestMetricsExporter(t *testing.T) {
	hub := NewHub(8)
	sub, err := hub.Subscribe("t")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	reg := prometheus.NewRegistry()
	exp := NewMetricsExporter(hub, "hub", reg)

	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(context.Background(), "t", NewEntryMessage("s", int64(i), nil, time.Now())))
	}

	exp.Start(10 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	exp.Stop()

	assert.Equal(t, float64(3), testutil.ToFloat64(exp.published))
	assert.Equal(t, float64(3), testutil.ToFloat64(exp.delivered))
	assert.Equal(t, float64(3), testutil.ToFloat64(exp.inflight))
	assert.Equal(t, float64(1), testutil.ToFloat64(exp.subscribers))
}

func TestNATSSink(t *testing.T) {
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}

	sink, err := NewNATSSink(NATSConfig{URL: url})
	if err != nil {
		t.Skipf("NATS not available, skipping test: %v", err)
		return
	}
	defer sink.Close()

	nc, err := nats.Connect(url)
	require.NoError(t, err)
	defer nc.Close()

	nsub, err := nc.SubscribeSync("test.trial.history.s1")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	require.NoError(t, sink.Publish(context.Background(), "test.trial.history.s1", NewSentinelMessage("s1", time.Now())))

	raw, err := nsub.NextMsg(2 * time.Second)
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw.Data, &msg))
	assert.True(t, msg.IsSentinel())
	assert.Equal(t, "s1", msg.Data.SubscribeID)
	assert.Equal(t, uint64(1), sink.Stats().Published)
}
