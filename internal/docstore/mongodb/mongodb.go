// Package mongodb implements docstore.Backend on a MongoDB deployment.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/vocarddev/vocard/internal/docstore"
	"github.com/vocarddev/vocard/pkg/logger"
)

// Config holds connection settings.
type Config struct {
	URI      string
	Database string
}

// Backend talks to one MongoDB database; collections are addressed by name.
type Backend struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logger.Logger
}

var _ docstore.Backend = (*Backend)(nil)

// Connect builds a pooled client and verifies the deployment is reachable.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Backend, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, fmt.Errorf("mongodb URI and database name are required")
	}

	opts := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(60 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create mongodb client: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	log.WithField("database", cfg.Database).Info("MongoDB connection established")
	return &Backend{client: client, db: client.Database(cfg.Database), log: log}, nil
}

// Close disconnects the underlying client.
func (b *Backend) Close(ctx context.Context) error {
	return b.client.Disconnect(ctx)
}

// Health verifies the deployment is still reachable.
func (b *Backend) Health(ctx context.Context) error {
	return b.client.Ping(ctx, nil)
}

func (b *Backend) FindOne(ctx context.Context, collection string, filter docstore.Filter) (docstore.Document, error) {
	var raw bson.M
	err := b.db.Collection(collection).FindOne(ctx, bson.M(filter)).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mongodb find_one failed: %w", err)
	}
	return toDocument(raw), nil
}

func (b *Backend) InsertOne(ctx context.Context, collection string, doc docstore.Document) error {
	if _, err := b.db.Collection(collection).InsertOne(ctx, bson.M(doc)); err != nil {
		return fmt.Errorf("mongodb insert_one failed: %w", err)
	}
	return nil
}

func (b *Backend) UpdateOne(ctx context.Context, collection string, filter docstore.Filter, ops docstore.Operations) (bool, error) {
	res, err := b.db.Collection(collection).UpdateOne(ctx, bson.M(filter), toUpdateDocument(ops))
	if err != nil {
		return false, fmt.Errorf("mongodb update_one failed: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (b *Backend) DeleteOne(ctx context.Context, collection string, filter docstore.Filter) (bool, error) {
	res, err := b.db.Collection(collection).DeleteOne(ctx, bson.M(filter))
	if err != nil {
		return false, fmt.Errorf("mongodb delete_one failed: %w", err)
	}
	return res.DeletedCount > 0, nil
}

func (b *Backend) Find(ctx context.Context, collection string, filter docstore.Filter, skip, limit int) ([]docstore.Document, error) {
	opts := options.Find().SetSkip(int64(skip))
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}

	cur, err := b.db.Collection(collection).Find(ctx, bson.M(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb find failed: %w", err)
	}

	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("mongodb cursor read failed: %w", err)
	}

	docs := make([]docstore.Document, 0, len(raw))
	for _, r := range raw {
		docs = append(docs, toDocument(r))
	}
	return docs, nil
}

// toUpdateDocument converts the operations into a driver update document.
// The cache layer's $slice keeps the newest n items for positive n; MongoDB
// expresses that as a negative $slice, so the operand sign is flipped.
func toUpdateDocument(ops docstore.Operations) bson.M {
	update := bson.M{}
	for op, edits := range ops {
		fields := bson.M{}
		for path, value := range edits {
			if op == docstore.OpPush {
				value = flipSlice(value)
			}
			fields[path] = value
		}
		update[op] = fields
	}
	return update
}

func flipSlice(operand any) any {
	mods, ok := operand.(map[string]any)
	if !ok {
		return operand
	}
	raw, hasSlice := mods["$slice"]
	if !hasSlice {
		return operand
	}
	n, ok := docstore.ToInt64(raw)
	if !ok {
		return operand
	}
	out := make(map[string]any, len(mods))
	for k, v := range mods {
		out[k] = v
	}
	out["$slice"] = -n
	return out
}

// toDocument rewrites driver-decoded values (bson.M, bson.A, int32) into
// the plain map/slice shapes the cache layer works with.
func toDocument(raw bson.M) docstore.Document {
	doc := make(docstore.Document, len(raw))
	for k, v := range raw {
		doc[k] = fromBSON(v)
	}
	return doc
}

func fromBSON(v any) any {
	switch val := v.(type) {
	case bson.M:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = fromBSON(item)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = fromBSON(item)
		}
		return m
	case bson.A:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = fromBSON(item)
		}
		return s
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = fromBSON(item)
		}
		return s
	case int32:
		return int64(val)
	default:
		return v
	}
}
