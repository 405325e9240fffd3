package docstore

import "context"

// Filter selects documents in a collection. Keys are field paths (dotted
// paths allowed), values are matched by equality; the primary-key filter is
// {"_id": key}. Backends may support richer operators (the MongoDB backend
// passes filters through verbatim).
type Filter map[string]any

// Backend is the persistence contract the store depends on. Any document
// store exposing these five operations is substitutable.
type Backend interface {
	// FindOne returns the first matching document, or nil when nothing
	// matches.
	FindOne(ctx context.Context, collection string, filter Filter) (Document, error)

	// InsertOne persists a new document.
	InsertOne(ctx context.Context, collection string, doc Document) error

	// UpdateOne applies update operators to the first matching document
	// and reports whether it changed.
	UpdateOne(ctx context.Context, collection string, filter Filter, ops Operations) (bool, error)

	// DeleteOne removes the first matching document and reports whether
	// one was removed.
	DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error)

	// Find returns every matching document, honouring skip and, when
	// limit > 0, limit.
	Find(ctx context.Context, collection string, filter Filter, skip, limit int) ([]Document, error)
}
