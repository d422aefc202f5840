package timeseries

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func seed() []Sample {
	return []Sample{
		{Timestamp: 2000, Value: "3"},
		{Timestamp: 0, Value: "1"},
		{Timestamp: 1000, Value: "2"},
		{Timestamp: 4000, Value: "5"},
	}
}

func TestTableName(t *testing.T) {
	assert.Equal(t, "sensor_data_pump_1_temp", TableName("sensor_data_", "pump-1.temp"))
	assert.Equal(t, "sensor_data_A", TableName("sensor_data_", "A"))
	assert.Equal(t, "sensor_data_x__DROP_TABLE_y", TableName("sensor_data_", "x; DROP TABLE y"))
}

func TestMemoryReader(t *testing.T) {
	r := NewMemoryReader()
	r.Append("A", seed()...)

	got, err := r.Query(context.Background(), "A", 0, 2000)
	require.NoError(t, err)
	assert.ElementsMatch(t, []Sample{{0, "1"}, {1000, "2"}, {2000, "3"}}, got)

	got, err = r.Query(context.Background(), "missing", 0, 2000)
	require.NoError(t, err)
	assert.Empty(t, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Query(ctx, "A", 0, 1)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Equal(t, []string{"A"}, r.Keys())
}

func newSQLiteReader(t *testing.T) *SQLReader {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return NewSQLReaderFromDB(db, "")
}

func TestSQLReaderInclusiveRange(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteReader(t)
	require.NoError(t, r.Append(ctx, "pump-1.temp", seed()...))

	got, err := r.Query(ctx, "pump-1.temp", 1000, 4000)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{1000, "2"}, {2000, "3"}, {4000, "5"}}, got)

	got, err = r.Query(ctx, "pump-1.temp", 1001, 1999)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLReaderMissingTable(t *testing.T) {
	ctx := context.Background()
	r := newSQLiteReader(t)

	got, err := r.Query(ctx, "never-written", 0, 100)
	require.NoError(t, err)
	assert.Empty(t, got)

	r.MissingTableAsEmpty = false
	_, err = r.Query(ctx, "never-written", 0, 100)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sensor_data_never_written")
}

func TestSQLReaderClosedDB(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	r := NewSQLReaderFromDB(db, "ts_")
	require.NoError(t, db.Close())

	_, err = r.Query(context.Background(), "A", 0, 1)
	assert.Error(t, err)
}

func TestBadgerReader(t *testing.T) {
	r, err := NewInMemoryBadgerReader()
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, r.Append("A", seed()...))
	require.NoError(t, r.Append("AB", Sample{Timestamp: 1000, Value: "other"}))

	ctx := context.Background()
	got, err := r.Query(ctx, "A", 0, 2000)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{0, "1"}, {1000, "2"}, {2000, "3"}}, got, "prefix of another key must not leak")

	got, err = r.Query(ctx, "A", 2000, 4000)
	require.NoError(t, err)
	assert.Equal(t, []Sample{{2000, "3"}, {4000, "5"}}, got)

	got, err = r.Query(ctx, "A", 5000, 1000)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Error(t, r.Append("A", Sample{Timestamp: -5, Value: "x"}))

	require.NoError(t, r.Close())
	_, err = r.Query(ctx, "A", 0, 1)
	assert.Error(t, err)
}

func TestReaderFunc(t *testing.T) {
	boom := errors.New("boom")
	var r Reader = ReaderFunc(func(ctx context.Context, key string, start, end int64) ([]Sample, error) {
		return nil, boom
	})
	_, err := r.Query(context.Background(), "A", 0, 1)
	assert.ErrorIs(t, err, boom)
}
