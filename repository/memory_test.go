package repository

import (
	"context"
	"testing"

	"github.com/mailio/go-mailio-keyshare/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*CouchDBRepository)(nil)
)

type memDoc struct {
	types.BaseDocument
	Name      string            `json:"name"`
	Nested    map[string]string `json:"nested,omitempty"`
	Providers []memProvider     `json:"providers,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
}

type memProvider struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func loadMem(t *testing.T, repo *MemoryRepository, id string) memDoc {
	t.Helper()
	raw, err := repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	var d memDoc
	require.NoError(t, MapToObject(raw, &d))
	return d
}

func TestMemoryRevisions(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository("test")

	require.NoError(t, repo.Save(ctx, "a", &memDoc{Name: "alice"}))
	first := loadMem(t, repo, "a")
	assert.Equal(t, "a", first.UnderscoreID)
	assert.Contains(t, first.UnderscoreRev, "1-")

	// no revision on an existing document
	err := repo.Save(ctx, "a", &memDoc{Name: "mallory"})
	assert.ErrorIs(t, err, types.ErrConflict)

	first.Name = "alice2"
	require.NoError(t, repo.Save(ctx, "a", &first))
	second := loadMem(t, repo, "a")
	assert.Contains(t, second.UnderscoreRev, "2-")
	assert.Equal(t, "alice2", second.Name)

	// stale revision
	first.Name = "stale"
	assert.ErrorIs(t, repo.Save(ctx, "a", &first), types.ErrConflict)

	// revision on a missing document
	assert.ErrorIs(t, repo.Save(ctx, "b", &memDoc{BaseDocument: types.BaseDocument{UnderscoreRev: "1-x"}}), types.ErrConflict)

	require.NoError(t, repo.Delete(ctx, "a"))
	_, err = repo.GetByID(ctx, "a")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, repo.Delete(ctx, "a"), types.ErrNotFound)
}

func TestMemoryFind(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository("test")
	require.NoError(t, repo.Save(ctx, "a", &memDoc{Name: "alice", Nested: map[string]string{"k": "v"},
		Providers: []memProvider{{Type: "firebase", ID: "1"}}, Tags: []string{"x"}}))
	require.NoError(t, repo.Save(ctx, "b", &memDoc{Name: "bob",
		Providers: []memProvider{{Type: "keycloak", ID: "1"}, {Type: "firebase", ID: "2"}}}))
	require.NoError(t, repo.Save(ctx, "c", &memDoc{Name: "carol"}))

	find := func(sel map[string]interface{}) []string {
		docs, err := repo.Find(ctx, sel, 0)
		require.NoError(t, err)
		names := []string{}
		for _, d := range docs {
			var m memDoc
			require.NoError(t, MapToObject(d, &m))
			names = append(names, m.Name)
		}
		return names
	}

	assert.Equal(t, []string{"bob"}, find(map[string]interface{}{"name": "bob"}))
	assert.Equal(t, []string{"alice"}, find(map[string]interface{}{"nested.k": map[string]interface{}{"$eq": "v"}}))
	assert.Equal(t, []string{"bob"}, find(map[string]interface{}{
		"providers": map[string]interface{}{"$elemMatch": map[string]interface{}{"type": "firebase", "id": "2"}},
	}))
	assert.Equal(t, []string{"alice"}, find(map[string]interface{}{
		"tags": map[string]interface{}{"$elemMatch": map[string]interface{}{"$eq": "x"}},
	}))
	assert.Equal(t, []string{"alice", "carol"}, find(map[string]interface{}{
		"$or": []interface{}{
			map[string]interface{}{"name": "alice"},
			map[string]interface{}{"name": "carol"},
		},
	}))
	assert.Equal(t, []string{"carol"}, find(map[string]interface{}{"providers": map[string]interface{}{"$exists": false}}))
	assert.Empty(t, find(map[string]interface{}{"name": "dave"}))

	_, err := repo.Find(ctx, map[string]interface{}{"name": map[string]interface{}{"$regex": "a"}}, 0)
	assert.ErrorIs(t, err, types.ErrBadRequest)

	docs, err := repo.Find(ctx, map[string]interface{}{"name": map[string]interface{}{"$ne": "x"}}, 2)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestMemoryGetAll(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository("test")
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, repo.Save(ctx, id, &memDoc{Name: id}))
	}
	docs, err := repo.GetAll(ctx, 2, 1)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	var d memDoc
	require.NoError(t, MapToObject(docs[0], &d))
	assert.Equal(t, "b", d.Name)
}
