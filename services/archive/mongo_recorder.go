package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"quantlab_backend/logger"
	"quantlab_backend/models"
)

const MongoCollection = "job_runs"

// MongoRecorder stores runs as documents keyed by job id.
type MongoRecorder struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// ConnectMongo dials the deployment, verifies it with a ping and ensures the
// job_id index.
func ConnectMongo(ctx context.Context, uri, database string, log logger.Logger) (*MongoRecorder, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1)).
		SetMaxPoolSize(10).
		SetConnectTimeout(30 * time.Second).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	r := &MongoRecorder{client: client, coll: client.Database(database).Collection(MongoCollection)}
	_, err = r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "job_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		log.Warn("Failed to create job_runs index", logger.Error(err))
	}
	log.Info("MongoDB archive connected", logger.String("database", database))
	return r, nil
}

// NewMongoRecorder wraps an existing collection.
func NewMongoRecorder(coll *mongo.Collection) *MongoRecorder {
	return &MongoRecorder{client: coll.Database().Client(), coll: coll}
}

func (r *MongoRecorder) Name() string { return "mongodb" }

func (r *MongoRecorder) Record(ctx context.Context, run models.JobRun) error {
	_, err := r.coll.ReplaceOne(ctx,
		bson.M{"job_id": run.JobID},
		run,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert job run: %w", err)
	}
	return nil
}

func (r *MongoRecorder) Recent(ctx context.Context, limit int) ([]models.JobRun, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "completed_at", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.coll.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	var runs []models.JobRun
	if err := cursor.All(ctx, &runs); err != nil {
		return nil, fmt.Errorf("failed to decode job runs: %w", err)
	}
	return runs, nil
}

func (r *MongoRecorder) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

func (r *MongoRecorder) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}
