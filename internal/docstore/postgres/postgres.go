// Package postgres implements docstore.Backend on PostgreSQL, storing each
// document as a JSONB row keyed by (collection, id).
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/vocarddev/vocard/internal/docstore"
	"github.com/vocarddev/vocard/pkg/logger"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Config holds connection pool settings.
type Config struct {
	DatabaseURL     string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DefaultConfig returns the pool settings used in production.
func DefaultConfig(databaseURL string) Config {
	return Config{
		DatabaseURL:     databaseURL,
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
	}
}

// Backend wraps a pgx pool plus a database/sql handle for goose.
type Backend struct {
	pool  *pgxpool.Pool
	sqlDB *sql.DB
	log   *logger.Logger
}

var _ docstore.Backend = (*Backend)(nil)

// Connect creates the connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, log *logger.Logger) (*Backend, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info("PostgreSQL connection established")
	return &Backend{
		pool:  pool,
		sqlDB: stdlib.OpenDBFromPool(pool),
		log:   log,
	}, nil
}

// RunMigrations applies all pending embedded migrations.
func (b *Backend) RunMigrations(ctx context.Context) error {
	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, b.sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	b.log.Info("database migrations completed")
	return nil
}

// Close releases both database handles.
func (b *Backend) Close() {
	if b.sqlDB != nil {
		b.sqlDB.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

// Health checks if the database is reachable.
func (b *Backend) Health(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

// Stats returns connection pool statistics.
func (b *Backend) Stats() *pgxpool.Stat {
	return b.pool.Stat()
}

func (b *Backend) FindOne(ctx context.Context, collection string, filter docstore.Filter) (docstore.Document, error) {
	query, args := selectQuery(collection, filter, 0, 1)

	var raw []byte
	err := b.pool.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres find_one failed: %w", err)
	}
	return decodeDocument(raw)
}

func (b *Backend) InsertOne(ctx context.Context, collection string, doc docstore.Document) error {
	key, ok := docstore.ToInt64(doc["_id"])
	if !ok {
		return fmt.Errorf("document has no numeric _id")
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	_, err = b.pool.Exec(ctx,
		`INSERT INTO documents (collection, id, doc) VALUES ($1, $2, $3)`,
		collection, key, encoded)
	if err != nil {
		return fmt.Errorf("postgres insert_one failed: %w", err)
	}
	return nil
}

// UpdateOne locks the matching row, applies the operator engine to the
// decoded document and writes the result back, all in one transaction. This
// keeps its update semantics identical to the MongoDB backend's.
func (b *Backend) UpdateOne(ctx context.Context, collection string, filter docstore.Filter, ops docstore.Operations) (bool, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query, args := selectQuery(collection, filter, 0, 1)
	query = strings.Replace(query, "SELECT doc", "SELECT id, doc", 1) + " FOR UPDATE"

	var (
		id  int64
		raw []byte
	)
	err = tx.QueryRow(ctx, query, args...).Scan(&id, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres update_one lookup failed: %w", err)
	}

	doc, err := decodeDocument(raw)
	if err != nil {
		return false, err
	}
	updated := doc.Clone()
	if err := docstore.Apply(updated, ops); err != nil {
		return false, err
	}
	if reflect.DeepEqual(doc, updated) {
		return false, tx.Commit(ctx)
	}

	encoded, err := json.Marshal(updated)
	if err != nil {
		return false, fmt.Errorf("failed to encode document: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE documents SET doc = $1 WHERE collection = $2 AND id = $3`,
		encoded, collection, id); err != nil {
		return false, fmt.Errorf("postgres update_one failed: %w", err)
	}
	return true, tx.Commit(ctx)
}

func (b *Backend) DeleteOne(ctx context.Context, collection string, filter docstore.Filter) (bool, error) {
	if key, ok := filterKey(filter); ok {
		tag, err := b.pool.Exec(ctx,
			`DELETE FROM documents WHERE collection = $1 AND id = $2`,
			collection, key)
		if err != nil {
			return false, fmt.Errorf("postgres delete_one failed: %w", err)
		}
		return tag.RowsAffected() > 0, nil
	}

	query, args := selectQuery(collection, filter, 0, 1)
	query = strings.Replace(query, "SELECT doc", "SELECT id", 1)

	var id int64
	err := b.pool.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("postgres delete_one lookup failed: %w", err)
	}

	tag, err := b.pool.Exec(ctx,
		`DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return false, fmt.Errorf("postgres delete_one failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *Backend) Find(ctx context.Context, collection string, filter docstore.Filter, skip, limit int) ([]docstore.Document, error) {
	query, args := selectQuery(collection, filter, skip, limit)

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres find failed: %w", err)
	}
	defer rows.Close()

	var docs []docstore.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres row scan failed: %w", err)
		}
		doc, err := decodeDocument(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// selectQuery builds a filtered SELECT. The _id filter maps to the id
// column; every other path becomes a JSONB containment test, with dotted
// paths expanded into nested objects. Richer operators ($exists and
// friends) are not supported by this backend.
func selectQuery(collection string, filter docstore.Filter, skip, limit int) (string, []any) {
	var sb strings.Builder
	sb.WriteString(`SELECT doc FROM documents WHERE collection = $1`)
	args := []any{collection}

	containment := map[string]any{}
	for path, want := range filter {
		if path == "_id" {
			if key, ok := docstore.ToInt64(want); ok {
				args = append(args, key)
				fmt.Fprintf(&sb, " AND id = $%d", len(args))
				continue
			}
		}
		nestPath(containment, path, want)
	}
	if len(containment) > 0 {
		encoded, _ := json.Marshal(containment)
		args = append(args, encoded)
		fmt.Fprintf(&sb, " AND doc @> $%d", len(args))
	}

	sb.WriteString(" ORDER BY id")
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}
	if skip > 0 {
		args = append(args, skip)
		fmt.Fprintf(&sb, " OFFSET $%d", len(args))
	}
	return sb.String(), args
}

func nestPath(root map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := cur[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			cur[part] = child
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
}

func filterKey(filter docstore.Filter) (int64, bool) {
	if len(filter) != 1 {
		return 0, false
	}
	raw, ok := filter["_id"]
	if !ok {
		return 0, false
	}
	return docstore.ToInt64(raw)
}

func decodeDocument(raw []byte) (docstore.Document, error) {
	var doc docstore.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}
