package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoDBConfig holds MongoDB-specific configuration.
type MongoDBConfig struct {
	// URL is the connection string (e.g., mongodb://localhost:27017).
	URL string
	// Database is the database name (default: modelbroker).
	Database string
}

// MongoDBStore persists records in a MongoDB collection keyed by _id.
type MongoDBStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

type mongoRecord struct {
	Key       string `bson:"_id"`
	Value     string `bson:"value"`
	UpdatedAt int64  `bson:"updated_at"`
}

// NewMongoDBStore connects to MongoDB and selects the kv_records collection.
func NewMongoDBStore(ctx context.Context, cfg MongoDBConfig) (*MongoDBStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("MongoDB URL is required")
	}

	dbName := cfg.Database
	if dbName == "" {
		dbName = "modelbroker"
	}

	client, err := mongo.Connect(options.Client().ApplyURI(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &MongoDBStore{
		client: client,
		coll:   client.Database(dbName).Collection("kv_records"),
	}, nil
}

// Get returns the value for key, or nil when absent.
func (s *MongoDBStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var rec mongoRecord
	err := s.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("query kv record: %w", err)
	}
	return json.RawMessage(rec.Value), nil
}

// Set upserts the value for key.
func (s *MongoDBStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	rec := mongoRecord{Key: key, Value: string(value), UpdatedAt: time.Now().Unix()}
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": key}, rec, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert kv record: %w", err)
	}
	return nil
}

// Delete removes key.
func (s *MongoDBStore) Delete(ctx context.Context, key string) error {
	if _, err := s.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete kv record: %w", err)
	}
	return nil
}

// List returns all entries whose key starts with prefix.
func (s *MongoDBStore) List(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	filter := bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list kv records: %w", err)
	}
	defer cursor.Close(ctx)

	out := make(map[string]json.RawMessage)
	for cursor.Next(ctx) {
		var rec mongoRecord
		if err := cursor.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode kv record: %w", err)
		}
		out[rec.Key] = json.RawMessage(rec.Value)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv records: %w", err)
	}
	return out, nil
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
