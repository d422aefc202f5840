package trial

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func TestTrialWindow(t *testing.T) {
	now := time.UnixMilli(10_000)

	closed := Trial{ID: 1, StartTimestamp: 100, EndTimestamp: Millis(3000)}
	start, end := closed.Window(now)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(3000), end)
	assert.False(t, closed.Running())

	running := Trial{ID: 2, StartTimestamp: 100}
	start, end = running.Window(now)
	assert.Equal(t, int64(100), start)
	assert.Equal(t, int64(10_000), end)
	assert.True(t, running.Running())
}

func TestTrialValidate(t *testing.T) {
	assert.Error(t, (&Trial{ID: 1, StartTimestamp: 500, EndTimestamp: Millis(100)}).Validate())
	assert.Error(t, (&Trial{ID: 1, StartTimestamp: -1}).Validate())
	assert.NoError(t, (&Trial{ID: 1, StartTimestamp: 0}).Validate())
}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCatalog()
	require.NoError(t, c.Put(Trial{ID: 7, Name: "pump", StartTimestamp: 0, EndTimestamp: Millis(3000)}))
	c.SetGlobalPoints([]Point{{ID: 2, Identity: "B"}, {ID: 1, Identity: "A"}})

	tr, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "pump", tr.Name)

	// копия не должна разделять указатель с каталогом
	*tr.EndTimestamp = 1
	again, _ := c.Get(ctx, 7)
	assert.Equal(t, int64(3000), *again.EndTimestamp)

	points, err := c.Points(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []Point{{ID: 1, Identity: "A"}, {ID: 2, Identity: "B"}}, points)

	c.SetPoints(7, []Point{{ID: 9, Identity: "Z"}})
	points, err = c.Points(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []Point{{ID: 9, Identity: "Z"}}, points)

	_, err = c.Get(ctx, 404)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.Points(ctx, 404)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSQLCatalog(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	c := NewSQLCatalog(db)
	require.NoError(t, c.EnsureSchema(ctx))

	_, err = db.Exec(`INSERT INTO trial (id, name, run_no, mode, start_timestamp, end_timestamp) VALUES (1, 'closed', 'R-1', 'auto', 0, 3000)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO trial (id, name, start_timestamp) VALUES (2, 'running', 500)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO point (id, identity) VALUES (2, 'B'), (1, 'A')`)
	require.NoError(t, err)

	closed, err := c.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "R-1", closed.RunNo)
	assert.Equal(t, "auto", closed.Mode)
	require.NotNil(t, closed.EndTimestamp)
	assert.Equal(t, int64(3000), *closed.EndTimestamp)

	running, err := c.Get(ctx, 2)
	require.NoError(t, err)
	assert.True(t, running.Running())
	assert.Empty(t, running.RunNo)

	points, err := c.Points(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []Point{{ID: 1, Identity: "A"}, {ID: 2, Identity: "B"}}, points)

	_, err = c.Get(ctx, 3)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = c.Points(ctx, 3)
	assert.True(t, errors.Is(err, ErrNotFound))

	assert.NoError(t, c.Close(), "borrowed connection is not closed")
}

func TestMongoCatalog(t *testing.T) {
	uri := os.Getenv("TEST_MONGO_URI")
	if uri == "" {
		t.Skip("TEST_MONGO_URI not set, skipping MongoDB catalog test")
	}

	c, err := NewMongoCatalog(MongoConfig{
		URI:      uri,
		Database: "trial_replay_test_" + time.Now().Format("150405"),
	})
	if err != nil {
		t.Skipf("MongoDB not available, skipping test: %v", err)
	}
	defer func() {
		_ = c.trials.Database().Drop(context.Background())
		_ = c.Close()
	}()

	ctx := context.Background()
	require.NoError(t, c.Insert(ctx, Trial{ID: 5, Name: "mongo", StartTimestamp: 10, EndTimestamp: Millis(20)}))
	require.NoError(t, c.InsertPoints(ctx, []Point{{ID: 2, Identity: "B"}, {ID: 1, Identity: "A"}}))

	tr, err := c.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, "mongo", tr.Name)
	assert.Equal(t, int64(20), *tr.EndTimestamp)

	points, err := c.Points(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []Point{{ID: 1, Identity: "A"}, {ID: 2, Identity: "B"}}, points)

	_, err = c.Get(ctx, 6)
	assert.True(t, errors.Is(err, ErrNotFound))
}
