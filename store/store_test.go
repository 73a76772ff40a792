package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/maxpert/livedata/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlStore, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlStore.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlStore,
	}
}

func ids(docs []*document.Document) []string {
	out := make([]string, 0, len(docs))
	for _, d := range docs {
		id, _ := d.ID()
		out = append(out, id)
	}
	return out
}

func TestStoreInsertFind(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for i, p := range []int{5, 9, 1} {
				_, err := s.Insert(ctx, "tasks", document.F("_id", fmt.Sprint(i+1), "status", "open", "priority", p))
				require.NoError(t, err)
			}
			_, err := s.Insert(ctx, "tasks", document.F("_id", "4", "status", "done", "priority", 7))
			require.NoError(t, err)

			docs, err := s.Find(ctx, "tasks", document.F("status", "open"), FindOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"1", "2", "3"}, ids(docs))

			docs, err = s.Find(ctx, "tasks", nil, FindOptions{
				Sort:   document.F("priority", -1),
				Skip:   1,
				Limit:  2,
				Fields: document.F("priority", 1),
			})
			require.NoError(t, err)
			assert.Equal(t, []string{"4", "1"}, ids(docs))
			assert.False(t, docs[0].Has("status"))

			doc, err := s.FindOne(ctx, "tasks", "2")
			require.NoError(t, err)
			require.NotNil(t, doc)
			p, _ := doc.Get("priority")
			assert.Equal(t, document.Int(9), p)

			doc, err = s.FindOne(ctx, "tasks", "missing")
			require.NoError(t, err)
			assert.Nil(t, doc)
		})
	}
}

func TestStoreDuplicateInsert(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Insert(ctx, "c", document.F("_id", "a"))
			require.NoError(t, err)
			_, err = s.Insert(ctx, "c", document.F("_id", "a"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDuplicateKey))
			assert.True(t, IsContention(err))

			var se *StoreError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, "insert", se.Op)
			assert.Equal(t, "c", se.Collection)

			_, err = s.Insert(ctx, "c", document.F("x", 1))
			assert.True(t, errors.Is(err, ErrMissingID))
		})
	}
}

func TestStoreUpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			for _, id := range []string{"a", "b", "c"} {
				_, err := s.Insert(ctx, "c", document.F("_id", id, "n", 1))
				require.NoError(t, err)
			}

			res, err := s.Update(ctx, "c", document.F("n", 1), document.MustParse(`{"$inc": {"n": 1}}`), UpdateOptions{})
			require.NoError(t, err)
			assert.Equal(t, 1, res.Matched)
			assert.Equal(t, []string{"a"}, res.IDs)

			res, err = s.Update(ctx, "c", document.F("n", 1), document.MustParse(`{"$set": {"n": 5}}`), UpdateOptions{Multi: true})
			require.NoError(t, err)
			assert.Equal(t, []string{"b", "c"}, res.IDs)

			res, err = s.Update(ctx, "c", document.F("n", 100), document.MustParse(`{"$set": {"n": 5}}`), UpdateOptions{})
			require.NoError(t, err)
			assert.Equal(t, 0, res.Matched)

			_, err = s.Update(ctx, "c", document.F("_id", "a"), document.MustParse(`{"$set": {"_id": "z"}}`), UpdateOptions{})
			assert.Error(t, err)
			assert.False(t, IsContention(err))

			rm, err := s.Remove(ctx, "c", document.F("n", 5))
			require.NoError(t, err)
			assert.Equal(t, 2, rm.Removed)
			assert.ElementsMatch(t, []string{"b", "c"}, rm.IDs)

			docs, err := s.Find(ctx, "c", nil, FindOptions{})
			require.NoError(t, err)
			assert.Equal(t, []string{"a"}, ids(docs))

			require.NoError(t, s.DropCollection(ctx, "c"))
			docs, err = s.Find(ctx, "c", nil, FindOptions{})
			require.NoError(t, err)
			assert.Empty(t, docs)
		})
	}
}

func TestStoreConditionalInsert(t *testing.T) {
	ctx := context.Background()
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			sel := document.F("name", "x")
			mod := document.MustParse(`{"$set": {"v": 1}}`)

			res, err := s.Update(ctx, "c", sel, mod, UpdateOptions{Upsert: true, InsertedID: "id1"})
			require.NoError(t, err)
			assert.Equal(t, "id1", res.UpsertedID)

			doc, err := s.FindOne(ctx, "c", "id1")
			require.NoError(t, err)
			assert.Equal(t, `{"_id":"id1","name":"x","v":1}`, doc.String())

			_, err = s.Update(ctx, "c", sel, mod, UpdateOptions{Upsert: true, InsertedID: "id2"})
			assert.True(t, errors.Is(err, ErrCannotChangeID))

			_, err = s.Update(ctx, "c", document.F("name", "y"), mod, UpdateOptions{Upsert: true, InsertedID: "id1"})
			assert.True(t, errors.Is(err, ErrDuplicateKey))
		})
	}
}

func TestMemoryConcurrentConditionalInserts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	sel := document.F("_id", "A")
	mod := document.MustParse(`{"$set": {"v": 1}}`)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Update(ctx, "c", sel, mod, UpdateOptions{Upsert: true, InsertedID: "A"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	docs, err := s.Find(ctx, "c", nil, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestClosedMemoryStore(t *testing.T) {
	s := NewMemory()
	require.NoError(t, s.Close())
	_, err := s.Find(context.Background(), "c", nil, FindOptions{})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestInvalidCollectionName(t *testing.T) {
	s, err := OpenSQL("sqlite", filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Insert(context.Background(), "bad;name", document.F("_id", "a"))
	assert.Error(t, err)

	_, err = OpenSQL("postgres", "")
	assert.Error(t, err)
}
