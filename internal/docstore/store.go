package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vocarddev/vocard/pkg/logger"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 10000
)

// Collection declares a logical document collection: its name, the
// top-level fields callers may address through GetField, and the factory
// producing the default document for keys that do not exist yet.
type Collection struct {
	Name    string
	Fields  []string
	Default func(key int64) Document
}

// Config carries the cache bounds.
type Config struct {
	// TTL is the idle age after which an entry becomes eligible for
	// eviction by the maintenance sweep.
	TTL time.Duration
	// MaxEntries bounds the total cached entry count across all
	// collections; the sweep trims least-recently-accessed entries first.
	MaxEntries int
}

type entry struct {
	doc        Document
	lastAccess time.Time
}

type collectionState struct {
	spec    Collection
	fields  map[string]struct{}
	entries map[int64]*entry
}

// Store is a write-through document cache in front of a Backend. Reads are
// served from memory as deep copies; updates hit the cached document and
// the backend together, and any failure evicts the entry so the cache never
// diverges from durable state. A single mutex serializes every
// cache-touching path, which also guarantees first-access default creation
// happens exactly once per key.
type Store struct {
	mu          sync.Mutex
	backend     Backend
	collections map[string]*collectionState
	cfg         Config
	log         *logger.Logger
}

// New builds a store over backend with the given collection specs.
func New(backend Backend, collections []Collection, cfg Config, log *logger.Logger) *Store {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}

	states := make(map[string]*collectionState, len(collections))
	for _, spec := range collections {
		fields := make(map[string]struct{}, len(spec.Fields))
		for _, f := range spec.Fields {
			fields[f] = struct{}{}
		}
		states[spec.Name] = &collectionState{
			spec:    spec,
			fields:  fields,
			entries: make(map[int64]*entry),
		}
	}
	return &Store{
		backend:     backend,
		collections: states,
		cfg:         cfg,
		log:         log,
	}
}

// Get returns a deep copy of the document for key, loading it from the
// backend on first access and creating the collection's default document if
// none exists yet. Absence is never an error.
func (s *Store) Get(ctx context.Context, collection string, key int64) (Document, error) {
	return s.get(ctx, collection, key, false)
}

// Refresh behaves like Get but always refetches from the backend, replacing
// whatever is cached.
func (s *Store) Refresh(ctx context.Context, collection string, key int64) (Document, error) {
	return s.get(ctx, collection, key, true)
}

func (s *Store) get(ctx context.Context, collection string, key int64, force bool) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, err := s.loadLocked(ctx, collection, key, force)
	if err != nil {
		return nil, err
	}
	return ent.doc.Clone(), nil
}

// GetField returns a deep copy of one declared top-level field of the
// document. A missing field is populated in the cached document from the
// collection default (cache only; it is persisted by the next update that
// touches the document). Undeclared field names fail validation.
func (s *Store) GetField(ctx context.Context, collection string, key int64, field string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return nil, wrapValidation("unknown collection %q", collection)
	}
	if _, declared := col.fields[field]; !declared {
		return nil, wrapValidation("unknown field %q in collection %q", field, collection)
	}

	ent, err := s.loadLocked(ctx, collection, key, false)
	if err != nil {
		return nil, err
	}

	value, exists := ent.doc[field]
	if !exists {
		value = cloneValue(col.spec.Default(key)[field])
		ent.doc[field] = value
	}
	return cloneValue(value), nil
}

// loadLocked is the shared miss path: cache hit refreshes the access stamp,
// a miss fetches from the backend and falls back to default-document
// creation. Callers must hold s.mu.
func (s *Store) loadLocked(ctx context.Context, collection string, key int64, force bool) (*entry, error) {
	col, ok := s.collections[collection]
	if !ok {
		return nil, wrapValidation("unknown collection %q", collection)
	}

	if !force {
		if ent, cached := col.entries[key]; cached {
			ent.lastAccess = time.Now()
			return ent, nil
		}
	}

	doc, err := s.backend.FindOne(ctx, collection, Filter{"_id": key})
	if err != nil {
		return nil, wrapConnection("find "+collection, err)
	}
	if doc == nil {
		doc = col.spec.Default(key).Clone()
		doc["_id"] = key
		if err := s.backend.InsertOne(ctx, collection, doc); err != nil {
			return nil, wrapConnection("create "+collection, err)
		}
		s.log.WithField("collection", collection).Debugf("created default document for %d", key)
	}

	ent := &entry{doc: doc, lastAccess: time.Now()}
	col.entries[key] = ent
	return ent, nil
}

// UpdateTx is an in-progress update on a single cached document. It holds
// the store lock from BeginUpdate until Commit or Abort, so the document
// returned by Document is safe to read and must not be kept afterwards.
type UpdateTx struct {
	store      *Store
	collection string
	key        int64
	ent        *entry
	done       bool
}

// BeginUpdate loads the document for key (creating the default when absent)
// and returns a handle exposing the live cached document for
// compose-then-commit updates. The store lock is held until the handle is
// committed or aborted; keep the critical section short.
func (s *Store) BeginUpdate(ctx context.Context, collection string, key int64) (*UpdateTx, error) {
	s.mu.Lock()
	ent, err := s.loadLocked(ctx, collection, key, false)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &UpdateTx{store: s, collection: collection, key: key, ent: ent}, nil
}

// Document returns the live cached document. It aliases store-owned state:
// valid only until Commit or Abort, and callers must not mutate it outside
// the operations passed to Commit.
func (tx *UpdateTx) Document() Document {
	return tx.ent.doc
}

// Commit validates ops, applies them to the cached document and issues the
// same update to the backend. Any failure (operand validation mid-apply or
// a backend error) evicts the cache entry so the next access reloads
// backend-confirmed state, then propagates the failure. On success it
// reports whether the backend saw the document change; with upsert set, a
// no-change outcome inserts a fresh document built from the $set operand.
func (tx *UpdateTx) Commit(ctx context.Context, ops Operations, upsert bool) (bool, error) {
	if tx.done {
		return false, fmt.Errorf("update already finished for %s/%d", tx.collection, tx.key)
	}
	tx.done = true
	defer tx.store.mu.Unlock()

	s := tx.store
	col := s.collections[tx.collection]

	// Unknown operators fail the whole call before any mutation.
	if err := ops.Validate(); err != nil {
		return false, err
	}

	if err := Apply(tx.ent.doc, ops); err != nil {
		delete(col.entries, tx.key)
		s.log.WithField("collection", tx.collection).
			Warnf("evicted %d after failed update: %v", tx.key, err)
		return false, err
	}

	modified, err := s.backend.UpdateOne(ctx, tx.collection, Filter{"_id": tx.key}, ops)
	if err != nil {
		delete(col.entries, tx.key)
		s.log.WithField("collection", tx.collection).
			Warnf("evicted %d after backend failure: %v", tx.key, err)
		return false, wrapConnection("update "+tx.collection, err)
	}

	if !modified && upsert {
		doc := ops.SetDocument()
		doc["_id"] = tx.key
		if err := s.backend.InsertOne(ctx, tx.collection, doc); err != nil {
			delete(col.entries, tx.key)
			return false, wrapConnection("upsert "+tx.collection, err)
		}
		col.entries[tx.key] = &entry{doc: doc, lastAccess: time.Now()}
		return true, nil
	}

	tx.ent.lastAccess = time.Now()
	return modified, nil
}

// Abort releases the handle without touching the document or the backend.
func (tx *UpdateTx) Abort() {
	if tx.done {
		return
	}
	tx.done = true
	tx.store.mu.Unlock()
}

// Update is the one-shot form of BeginUpdate/Commit.
func (s *Store) Update(ctx context.Context, collection string, key int64, ops Operations, upsert bool) (bool, error) {
	tx, err := s.BeginUpdate(ctx, collection, key)
	if err != nil {
		return false, err
	}
	return tx.Commit(ctx, ops, upsert)
}

// Delete removes the document from the backend and, only on confirmed
// deletion, drops the cache entry. It reports whether a document was
// actually deleted.
func (s *Store) Delete(ctx context.Context, collection string, key int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	col, ok := s.collections[collection]
	if !ok {
		return false, wrapValidation("unknown collection %q", collection)
	}

	deleted, err := s.backend.DeleteOne(ctx, collection, Filter{"_id": key})
	if err != nil {
		return false, wrapConnection("delete "+collection, err)
	}
	if deleted {
		delete(col.entries, key)
	}
	return deleted, nil
}

// QueryMany passes the filter through to the backend and refreshes the
// cache with every returned document. The backend query runs without the
// store lock; only the cache refresh takes it. Results are returned as
// fetched, with independent copies cached.
func (s *Store) QueryMany(ctx context.Context, collection string, filter Filter, limit, skip int) ([]Document, error) {
	if _, ok := s.collections[collection]; !ok {
		return nil, wrapValidation("unknown collection %q", collection)
	}

	docs, err := s.backend.Find(ctx, collection, filter, skip, limit)
	if err != nil {
		return nil, wrapConnection("query "+collection, err)
	}

	s.mu.Lock()
	col := s.collections[collection]
	now := time.Now()
	for _, doc := range docs {
		key, ok := ToInt64(doc["_id"])
		if !ok {
			continue
		}
		col.entries[key] = &entry{doc: doc.Clone(), lastAccess: now}
	}
	s.mu.Unlock()

	return docs, nil
}

// EvictExpired runs one maintenance sweep: every entry idle longer than the
// TTL is dropped, then the least-recently-accessed entries are evicted one
// at a time until the total count is within MaxEntries. It returns the
// number of expired and size-evicted entries.
func (s *Store) EvictExpired() (expired, evicted int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	total := 0
	for _, col := range s.collections {
		for key, ent := range col.entries {
			if now.Sub(ent.lastAccess) > s.cfg.TTL {
				delete(col.entries, key)
				expired++
				continue
			}
			total++
		}
	}

	for total > s.cfg.MaxEntries {
		var (
			oldestCol *collectionState
			oldestKey int64
			oldest    time.Time
		)
		for _, col := range s.collections {
			for key, ent := range col.entries {
				if oldestCol == nil || ent.lastAccess.Before(oldest) {
					oldestCol, oldestKey, oldest = col, key, ent.lastAccess
				}
			}
		}
		delete(oldestCol.entries, oldestKey)
		evicted++
		total--
		s.log.WithField("collection", oldestCol.spec.Name).
			Warnf("cache over capacity, evicted least recently used entry %d", oldestKey)
	}

	if expired > 0 || evicted > 0 {
		s.log.Infof("cache sweep removed %d expired and %d over-capacity entries, %d remain", expired, evicted, total)
	}
	return expired, evicted
}

// Len returns the number of cached entries across all collections.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, col := range s.collections {
		total += len(col.entries)
	}
	return total
}

// StartMaintenance runs EvictExpired on a fixed interval until stop is
// closed. Run it in its own goroutine.
func (s *Store) StartMaintenance(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.EvictExpired()
		case <-stop:
			return
		}
	}
}

// Close drops every cached entry. The backend's lifecycle belongs to its
// owner and is not touched.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, col := range s.collections {
		col.entries = make(map[int64]*entry)
	}
}
