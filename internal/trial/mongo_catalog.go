package trial

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConfig contains connection settings for the MongoDB trial catalog.
type MongoConfig struct {
	URI        string // e.g. mongodb://localhost:27017
	Database   string // e.g. digitaltwin
	Trials     string // e.g. trials
	PointsColl string // e.g. points
	CtxTimeout time.Duration
}

// MongoCatalog implements Catalog on a MongoDB backend.
type MongoCatalog struct {
	client     *mongo.Client
	trials     *mongo.Collection
	points     *mongo.Collection
	ctxTimeout time.Duration
}

// NewMongoCatalog establishes connection and returns the catalog.
func NewMongoCatalog(cfg MongoConfig) (*MongoCatalog, error) {
	if cfg.URI == "" {
		cfg.URI = "mongodb://localhost:27017"
	}
	if cfg.Database == "" {
		cfg.Database = "digitaltwin"
	}
	if cfg.Trials == "" {
		cfg.Trials = "trials"
	}
	if cfg.PointsColl == "" {
		cfg.PointsColl = "points"
	}
	if cfg.CtxTimeout == 0 {
		cfg.CtxTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(cfg.Database)
	c := &MongoCatalog{
		client:     client,
		trials:     db.Collection(cfg.Trials),
		points:     db.Collection(cfg.PointsColl),
		ctxTimeout: cfg.CtxTimeout,
	}
	if err := c.ensureIndexes(); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}

func (c *MongoCatalog) ensureIndexes() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.ctxTimeout)
	defer cancel()

	_, err := c.trials.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "trial_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("trial_id_unique"),
	})
	if err != nil {
		return fmt.Errorf("ensure trial index: %w", err)
	}
	return nil
}

// Insert stores a trial document. Used by tests and seed tooling.
func (c *MongoCatalog) Insert(ctx context.Context, t Trial) error {
	if err := t.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.ctxTimeout)
	defer cancel()
	_, err := c.trials.InsertOne(ctx, t)
	return err
}

// InsertPoints stores point documents.
func (c *MongoCatalog) InsertPoints(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	docs := make([]interface{}, len(points))
	for i, p := range points {
		docs[i] = p
	}
	ctx, cancel := context.WithTimeout(ctx, c.ctxTimeout)
	defer cancel()
	_, err := c.points.InsertMany(ctx, docs)
	return err
}

// Get loads a trial by id.
func (c *MongoCatalog) Get(ctx context.Context, id int64) (*Trial, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ctxTimeout)
	defer cancel()

	var t Trial
	err := c.trials.FindOne(ctx, bson.M{"trial_id": id}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("trial %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load trial %d: %w", id, err)
	}
	return &t, nil
}

// Points returns every registered point, same as the SQL catalog.
func (c *MongoCatalog) Points(ctx context.Context, trialID int64) ([]Point, error) {
	if _, err := c.Get(ctx, trialID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.ctxTimeout)
	defer cancel()

	cur, err := c.points.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "point_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("load points: %w", err)
	}
	defer cur.Close(ctx)

	var points []Point
	if err := cur.All(ctx, &points); err != nil {
		return nil, fmt.Errorf("decode points: %w", err)
	}
	return points, nil
}

// Close disconnects the client.
func (c *MongoCatalog) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.ctxTimeout)
	defer cancel()
	return c.client.Disconnect(ctx)
}
