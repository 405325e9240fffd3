package docstore_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/vocarddev/vocard/internal/docstore"
	"github.com/vocarddev/vocard/internal/docstore/memory"
	"github.com/vocarddev/vocard/pkg/logger"
)

const (
	settingsCol = "Settings"
	usersCol    = "Users"
)

func testCollections() []docstore.Collection {
	return []docstore.Collection{
		{
			Name: settingsCol,
			Default: func(key int64) docstore.Document {
				return docstore.Document{"_id": key}
			},
		},
		{
			Name:   usersCol,
			Fields: []string{"playlist", "history", "inbox"},
			Default: func(key int64) docstore.Document {
				return docstore.Document{
					"_id":      key,
					"playlist": map[string]any{},
					"history":  []any{},
					"inbox":    []any{},
				}
			},
		},
	}
}

func newTestStore(cfg docstore.Config) (*docstore.Store, *memory.Backend) {
	backend := memory.New()
	store := docstore.New(backend, testCollections(), cfg, logger.Discard())
	return store, backend
}

// countingBackend tracks backend reads so tests can tell cache hits from
// cache misses.
type countingBackend struct {
	docstore.Backend
	findOneCalls int
}

func (b *countingBackend) FindOne(ctx context.Context, collection string, filter docstore.Filter) (docstore.Document, error) {
	b.findOneCalls++
	return b.Backend.FindOne(ctx, collection, filter)
}

// scriptedBackend forces specific outcomes on the write paths.
type scriptedBackend struct {
	docstore.Backend
	updateErr      error
	updateNoMod    bool
	insertReplaces bool
}

func (b *scriptedBackend) InsertOne(ctx context.Context, collection string, doc docstore.Document) error {
	if b.insertReplaces {
		_, _ = b.Backend.DeleteOne(ctx, collection, docstore.Filter{"_id": doc["_id"]})
	}
	return b.Backend.InsertOne(ctx, collection, doc)
}

func (b *scriptedBackend) UpdateOne(ctx context.Context, collection string, filter docstore.Filter, ops docstore.Operations) (bool, error) {
	if b.updateErr != nil {
		return false, b.updateErr
	}
	if b.updateNoMod {
		return false, nil
	}
	return b.Backend.UpdateOne(ctx, collection, filter, ops)
}

func TestGetCreatesDefaultDocument(t *testing.T) {
	store, backend := newTestStore(docstore.Config{})
	ctx := context.Background()

	doc, err := store.Get(ctx, settingsCol, 7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got, _ := docstore.ToInt64(doc["_id"]); got != 7 {
		t.Errorf("default document _id = %v, want 7", doc["_id"])
	}

	// The default was persisted, not just cached.
	persisted, err := backend.FindOne(ctx, settingsCol, docstore.Filter{"_id": int64(7)})
	if err != nil {
		t.Fatalf("backend FindOne failed: %v", err)
	}
	if persisted == nil {
		t.Fatal("default document was not written to the backend")
	}
}

func TestGetServesFromCache(t *testing.T) {
	backend := &countingBackend{Backend: memory.New()}
	store := docstore.New(backend, testCollections(), docstore.Config{}, logger.Discard())
	ctx := context.Background()

	if _, err := store.Get(ctx, settingsCol, 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := store.Get(ctx, settingsCol, 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if backend.findOneCalls != 1 {
		t.Errorf("expected one backend read, got %d", backend.findOneCalls)
	}

	if _, err := store.Refresh(ctx, settingsCol, 1); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if backend.findOneCalls != 2 {
		t.Errorf("expected Refresh to hit the backend, got %d reads", backend.findOneCalls)
	}
}

func TestGetReturnsDefensiveCopy(t *testing.T) {
	store, _ := newTestStore(docstore.Config{})
	ctx := context.Background()

	doc, err := store.Get(ctx, usersCol, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	doc["playlist"].(map[string]any)["999"] = map[string]any{"name": "sneaky"}
	doc["history"] = append(doc["history"].([]any), "x")

	fresh, err := store.Get(ctx, usersCol, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, leaked := fresh["playlist"].(map[string]any)["999"]; leaked {
		t.Error("caller mutation of nested map leaked into the cache")
	}
	if len(fresh["history"].([]any)) != 0 {
		t.Error("caller mutation of slice leaked into the cache")
	}
}

func TestGetField(t *testing.T) {
	store, _ := newTestStore(docstore.Config{})
	ctx := context.Background()

	playlist, err := store.GetField(ctx, usersCol, 1, "playlist")
	if err != nil {
		t.Fatalf("GetField failed: %v", err)
	}
	if _, ok := playlist.(map[string]any); !ok {
		t.Fatalf("expected playlist map, got %T", playlist)
	}

	if _, err := store.GetField(ctx, usersCol, 1, "password"); !errors.Is(err, docstore.ErrValidation) {
		t.Errorf("expected ErrValidation for undeclared field, got %v", err)
	}
	if _, err := store.GetField(ctx, settingsCol, 1, "playlist"); !errors.Is(err, docstore.ErrValidation) {
		t.Errorf("expected ErrValidation for settings field access, got %v", err)
	}
}

func TestUpdateSetNestedPath(t *testing.T) {
	store, backend := newTestStore(docstore.Config{})
	ctx := context.Background()

	modified, err := store.Update(ctx, usersCol, 42, docstore.Operations{
		docstore.OpSet: {"playlist.201.name": "Road Trip"},
	}, false)
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !modified {
		t.Error("expected update to report a modification")
	}

	doc, err := store.Get(ctx, usersCol, 42)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got, _ := docstore.Lookup(doc, "playlist.201.name"); got != "Road Trip" {
		t.Errorf("cached document: got %v, want Road Trip", got)
	}

	persisted, err := backend.FindOne(ctx, usersCol, docstore.Filter{"_id": int64(42)})
	if err != nil {
		t.Fatalf("backend FindOne failed: %v", err)
	}
	if got, _ := docstore.Lookup(persisted, "playlist.201.name"); got != "Road Trip" {
		t.Errorf("backend document: got %v, want Road Trip", got)
	}
}

func TestUpdatePushThenPull(t *testing.T) {
	store, _ := newTestStore(docstore.Config{})
	ctx := context.Background()

	if _, err := store.Update(ctx, settingsCol, 7, docstore.Operations{
		docstore.OpPush: {"history": "a"},
	}, false); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	if _, err := store.Update(ctx, settingsCol, 7, docstore.Operations{
		docstore.OpPull: {"history": "a"},
	}, false); err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	doc, err := store.Get(ctx, settingsCol, 7)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	history, _ := doc["history"].([]any)
	if len(history) != 0 {
		t.Errorf("expected empty history, got %v", history)
	}
}

func TestUpdateValidationEvictsEntry(t *testing.T) {
	store, backend := newTestStore(docstore.Config{})
	ctx := context.Background()

	if _, err := store.Update(ctx, settingsCol, 9, docstore.Operations{
		docstore.OpSet: {"prefix": "?"},
	}, false); err != nil {
		t.Fatalf("seed update failed: %v", err)
	}

	// Incrementing a string must fail validation without committing.
	_, err := store.Update(ctx, settingsCol, 9, docstore.Operations{
		docstore.OpInc: {"prefix": 1},
	}, false)
	if !errors.Is(err, docstore.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}

	// The cached value was discarded; the next read reflects the
	// backend-confirmed state.
	doc, err := store.Get(ctx, settingsCol, 9)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["prefix"] != "?" {
		t.Errorf("expected prefix to survive failed update, got %v", doc["prefix"])
	}

	persisted, _ := backend.FindOne(ctx, settingsCol, docstore.Filter{"_id": int64(9)})
	if persisted["prefix"] != "?" {
		t.Errorf("backend value changed after failed validation: %v", persisted["prefix"])
	}
}

func TestUpdateBackendFailureEvictsEntry(t *testing.T) {
	inner := memory.New()
	scripted := &scriptedBackend{Backend: inner, updateErr: errors.New("socket closed")}
	counting := &countingBackend{Backend: scripted}
	store := docstore.New(counting, testCollections(), docstore.Config{}, logger.Discard())
	ctx := context.Background()

	if _, err := store.Get(ctx, settingsCol, 3); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	reads := counting.findOneCalls

	_, err := store.Update(ctx, settingsCol, 3, docstore.Operations{
		docstore.OpSet: {"volume": int64(80)},
	}, false)
	if !errors.Is(err, docstore.ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}

	// Entry was evicted: the next Get must reload from the backend.
	doc, err := store.Get(ctx, settingsCol, 3)
	if err != nil {
		t.Fatalf("Get after failure failed: %v", err)
	}
	if counting.findOneCalls != reads+1 {
		t.Errorf("expected a fresh backend load, reads went %d -> %d", reads, counting.findOneCalls)
	}
	if _, dirty := doc["volume"]; dirty {
		t.Error("partially applied update leaked into a later read")
	}
}

func TestUpdateUpsert(t *testing.T) {
	inner := memory.New()
	scripted := &scriptedBackend{Backend: inner, updateNoMod: true, insertReplaces: true}
	store := docstore.New(scripted, testCollections(), docstore.Config{}, logger.Discard())
	ctx := context.Background()

	modified, err := store.Update(ctx, settingsCol, 5, docstore.Operations{
		docstore.OpSet: {"prefix": "!"},
	}, true)
	if err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if !modified {
		t.Error("upsert must report success")
	}

	doc, err := store.Get(ctx, settingsCol, 5)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["prefix"] != "!" {
		t.Errorf("expected upserted prefix, got %v", doc["prefix"])
	}
}

func TestBeginUpdateCompose(t *testing.T) {
	store, _ := newTestStore(docstore.Config{})
	ctx := context.Background()

	if _, err := store.Update(ctx, usersCol, 1, docstore.Operations{
		docstore.OpPush: {"history": "a"},
	}, false); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	tx, err := store.BeginUpdate(ctx, usersCol, 1)
	if err != nil {
		t.Fatalf("BeginUpdate failed: %v", err)
	}
	history := tx.Document()["history"].([]any)
	ops := docstore.Operations{
		docstore.OpPull: {"history": history[0]},
	}
	if _, err := tx.Commit(ctx, ops, false); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	doc, err := store.Get(ctx, usersCol, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := doc["history"].([]any); len(got) != 0 {
		t.Errorf("expected empty history, got %v", got)
	}
}

func TestBeginUpdateAbort(t *testing.T) {
	store, _ := newTestStore(docstore.Config{})
	ctx := context.Background()

	tx, err := store.BeginUpdate(ctx, settingsCol, 1)
	if err != nil {
		t.Fatalf("BeginUpdate failed: %v", err)
	}
	tx.Abort()

	// The store is not left locked.
	if _, err := store.Get(ctx, settingsCol, 1); err != nil {
		t.Fatalf("Get after Abort failed: %v", err)
	}
}

func TestDelete(t *testing.T) {
	store, backend := newTestStore(docstore.Config{})
	ctx := context.Background()

	if _, err := store.Get(ctx, usersCol, 10); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	deleted, err := store.Delete(ctx, usersCol, 10)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !deleted {
		t.Error("expected delete to report a removed document")
	}
	if backend.Len(usersCol) != 0 {
		t.Error("document still present in backend")
	}

	deleted, err = store.Delete(ctx, usersCol, 10)
	if err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
	if deleted {
		t.Error("expected second delete to report nothing removed")
	}
}

func TestQueryManyRefreshesCache(t *testing.T) {
	inner := memory.New()
	counting := &countingBackend{Backend: inner}
	store := docstore.New(counting, testCollections(), docstore.Config{}, logger.Discard())
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		if err := inner.InsertOne(ctx, usersCol, docstore.Document{
			"_id": i, "playlist": map[string]any{}, "history": []any{}, "inbox": []any{},
			"tier": "premium",
		}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	docs, err := store.QueryMany(ctx, usersCol, docstore.Filter{"tier": "premium"}, 0, 0)
	if err != nil {
		t.Fatalf("QueryMany failed: %v", err)
	}
	if len(docs) != 3 {
		t.Fatalf("expected 3 documents, got %d", len(docs))
	}

	// All three are now cached: reads must not touch the backend.
	reads := counting.findOneCalls
	for i := int64(1); i <= 3; i++ {
		if _, err := store.Get(ctx, usersCol, i); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
	}
	if counting.findOneCalls != reads {
		t.Errorf("expected cached reads, backend reads went %d -> %d", reads, counting.findOneCalls)
	}

	// Mutating returned documents must not corrupt the cache.
	docs[0]["tier"] = "banned"
	doc, _ := store.Get(ctx, usersCol, 1)
	if doc["tier"] != "premium" {
		t.Errorf("result aliasing corrupted the cache: %v", doc["tier"])
	}
}

func TestQueryManySkipLimit(t *testing.T) {
	store, backend := newTestStore(docstore.Config{})
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		if err := backend.InsertOne(ctx, usersCol, docstore.Document{"_id": i}); err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}

	docs, err := store.QueryMany(ctx, usersCol, docstore.Filter{}, 2, 1)
	if err != nil {
		t.Fatalf("QueryMany failed: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(docs))
	}
	ids := []int64{}
	for _, d := range docs {
		id, _ := docstore.ToInt64(d["_id"])
		ids = append(ids, id)
	}
	if !reflect.DeepEqual(ids, []int64{2, 3}) {
		t.Errorf("expected ids [2 3], got %v", ids)
	}
}

func TestEvictExpiredTTL(t *testing.T) {
	store, _ := newTestStore(docstore.Config{TTL: 30 * time.Millisecond})
	ctx := context.Background()

	if _, err := store.Get(ctx, settingsCol, 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	// Not yet expired.
	expired, _ := store.EvictExpired()
	if expired != 0 {
		t.Fatalf("entry expired too early")
	}

	time.Sleep(60 * time.Millisecond)
	expired, _ = store.EvictExpired()
	if expired != 1 {
		t.Errorf("expected 1 expired entry, got %d", expired)
	}
	if store.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", store.Len())
	}
}

func TestEvictExpiredLRUTrim(t *testing.T) {
	backend := &countingBackend{Backend: memory.New()}
	store := docstore.New(backend, testCollections(), docstore.Config{
		TTL:        time.Hour,
		MaxEntries: 2,
	}, logger.Discard())
	ctx := context.Background()

	for _, key := range []int64{1, 2, 3} {
		if _, err := store.Get(ctx, settingsCol, key); err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Touch key 1 so key 2 becomes the least recently accessed.
	if _, err := store.Get(ctx, settingsCol, 1); err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	expired, evicted := store.EvictExpired()
	if expired != 0 {
		t.Errorf("expected no TTL expiries, got %d", expired)
	}
	if evicted != 1 {
		t.Errorf("expected 1 LRU eviction, got %d", evicted)
	}
	if store.Len() != 2 {
		t.Errorf("expected cache trimmed to 2 entries, got %d", store.Len())
	}

	// Keys 1 and 3 stayed cached; key 2 needs a backend reload.
	reads := backend.findOneCalls
	store.Get(ctx, settingsCol, 1)
	store.Get(ctx, settingsCol, 3)
	if backend.findOneCalls != reads {
		t.Error("recently used entries were evicted")
	}
	store.Get(ctx, settingsCol, 2)
	if backend.findOneCalls != reads+1 {
		t.Error("least recently used entry was not evicted")
	}
}

func TestUnknownCollection(t *testing.T) {
	store, _ := newTestStore(docstore.Config{})
	ctx := context.Background()

	if _, err := store.Get(ctx, "Ghosts", 1); !errors.Is(err, docstore.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
	if _, err := store.Update(ctx, "Ghosts", 1, docstore.Operations{}, false); !errors.Is(err, docstore.ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
