// Package memory provides an in-process docstore.Backend used by tests and
// by the memory:// deployment mode. Update semantics are shared with the
// cache layer, so it behaves like the MongoDB backend for every supported
// operator.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/vocarddev/vocard/internal/docstore"
)

// Backend keeps every collection in a map guarded by one mutex.
type Backend struct {
	mu   sync.Mutex
	data map[string]map[int64]docstore.Document
}

var _ docstore.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{data: map[string]map[int64]docstore.Document{}}
}

func (b *Backend) collection(name string) map[int64]docstore.Document {
	col, ok := b.data[name]
	if !ok {
		col = map[int64]docstore.Document{}
		b.data[name] = col
	}
	return col
}

func (b *Backend) FindOne(_ context.Context, collection string, filter docstore.Filter) (docstore.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, _ := b.findLocked(collection, filter)
	if doc == nil {
		return nil, nil
	}
	return doc.Clone(), nil
}

func (b *Backend) InsertOne(_ context.Context, collection string, doc docstore.Document) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := docKey(doc)
	if !ok {
		return fmt.Errorf("document has no numeric _id")
	}
	col := b.collection(collection)
	if _, exists := col[key]; exists {
		return fmt.Errorf("duplicate _id %d in %s", key, collection)
	}
	col[key] = doc.Clone()
	return nil
}

func (b *Backend) UpdateOne(_ context.Context, collection string, filter docstore.Filter, ops docstore.Operations) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, key := b.findLocked(collection, filter)
	if doc == nil {
		return false, nil
	}

	updated := doc.Clone()
	if err := docstore.Apply(updated, ops); err != nil {
		return false, err
	}
	if reflect.DeepEqual(doc, updated) {
		return false, nil
	}
	b.collection(collection)[key] = updated
	return true, nil
}

func (b *Backend) DeleteOne(_ context.Context, collection string, filter docstore.Filter) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, key := b.findLocked(collection, filter)
	if doc == nil {
		return false, nil
	}
	delete(b.collection(collection), key)
	return true, nil
}

func (b *Backend) Find(_ context.Context, collection string, filter docstore.Filter, skip, limit int) ([]docstore.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []docstore.Document
	matched := 0
	for _, key := range sortedKeys(b.collection(collection)) {
		doc := b.collection(collection)[key]
		if !matches(doc, filter) {
			continue
		}
		matched++
		if matched <= skip {
			continue
		}
		out = append(out, doc.Clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Len reports the number of documents stored in a collection.
func (b *Backend) Len(collection string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.collection(collection))
}

func (b *Backend) findLocked(collection string, filter docstore.Filter) (docstore.Document, int64) {
	col := b.collection(collection)
	if key, ok := filterKey(filter); ok {
		if doc, exists := col[key]; exists {
			return doc, key
		}
		return nil, 0
	}
	for _, key := range sortedKeys(col) {
		if matches(col[key], filter) {
			return col[key], key
		}
	}
	return nil, 0
}

// matches evaluates equality on every (possibly dotted) filter path.
// An operand of the form {"$exists": bool} tests field presence instead.
func matches(doc docstore.Document, filter docstore.Filter) bool {
	for path, want := range filter {
		got, found := docstore.Lookup(doc, path)
		if cond, ok := want.(map[string]any); ok {
			if exists, isExists := cond["$exists"].(bool); isExists {
				if found != exists {
					return false
				}
				continue
			}
		}
		if !found || !docstore.ValuesEqual(got, want) {
			return false
		}
	}
	return true
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

func docKey(doc docstore.Document) (int64, bool) {
	return docstore.ToInt64(doc["_id"])
}

func sortedKeys(col map[int64]docstore.Document) []int64 {
	keys := make([]int64, 0, len(col))
	for k := range col {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
