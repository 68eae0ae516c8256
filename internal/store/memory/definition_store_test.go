package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/storefleet/internal/models"
	"github.com/wolfeidau/storefleet/internal/store"
)

func newDefinition(kind models.DefinitionKind, name string) *models.Definition {
	return &models.Definition{
		ID:           uuid.New(),
		Kind:         kind,
		Name:         name,
		Image:        "registry.local/" + name + ":1",
		InternalPort: 3000,
		IsActive:     true,
	}
}

func TestMemoryDefinitionStore_Defaults(t *testing.T) {
	st := NewDefinitionStore()
	ctx := context.Background()

	_, err := st.GetDefault(ctx, models.KindAPI)
	require.ErrorIs(t, err, store.ErrNoDefaultDefinition)

	a := newDefinition(models.KindAPI, "api-a")
	b := newDefinition(models.KindAPI, "api-b")
	th := newDefinition(models.KindTheme, "theme-a")
	a.IsDefault = true // ignored on create
	require.NoError(t, st.Create(ctx, a))
	require.NoError(t, st.Create(ctx, b))
	require.NoError(t, st.Create(ctx, th))

	_, err = st.GetDefault(ctx, models.KindAPI)
	require.ErrorIs(t, err, store.ErrNoDefaultDefinition)

	require.NoError(t, st.SetDefault(ctx, models.KindAPI, a.ID))
	require.NoError(t, st.SetDefault(ctx, models.KindTheme, th.ID))
	require.NoError(t, st.SetDefault(ctx, models.KindAPI, b.ID))

	def, err := st.GetDefault(ctx, models.KindAPI)
	require.NoError(t, err)
	require.Equal(t, b.ID, def.ID)

	def, err = st.GetDefault(ctx, models.KindTheme)
	require.NoError(t, err)
	require.Equal(t, th.ID, def.ID)

	t.Run("kind mismatch", func(t *testing.T) {
		require.ErrorIs(t, st.SetDefault(ctx, models.KindTheme, a.ID), store.ErrDefinitionNotFound)
	})
}

func TestMemoryDefinitionStore_ConcurrentSetDefault(t *testing.T) {
	st := NewDefinitionStore()
	ctx := context.Background()

	var ids []uuid.UUID
	for i := range 8 {
		def := newDefinition(models.KindTheme, "theme-"+string(rune('a'+i)))
		require.NoError(t, st.Create(ctx, def))
		ids = append(ids, def.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, st.SetDefault(ctx, models.KindTheme, id))
		}()
	}
	wg.Wait()

	defs, err := st.List(ctx, models.KindTheme)
	require.NoError(t, err)

	defaults := 0
	for _, d := range defs {
		if d.IsDefault {
			defaults++
		}
	}
	require.Equal(t, 1, defaults)
}

func TestMemoryDefinitionStore_Update(t *testing.T) {
	st := NewDefinitionStore()
	ctx := context.Background()

	def := newDefinition(models.KindAPI, "api")
	require.NoError(t, st.Create(ctx, def))
	require.NoError(t, st.SetDefault(ctx, models.KindAPI, def.ID))

	upd := &models.Definition{ID: def.ID, Name: "api", Image: "registry.local/api:2", InternalPort: 3334, IsActive: true}
	require.NoError(t, st.Update(ctx, upd))
	require.True(t, upd.IsDefault)
	require.Equal(t, models.KindAPI, upd.Kind)

	got, err := st.Get(ctx, def.ID)
	require.NoError(t, err)
	require.Equal(t, "registry.local/api:2", got.Image)
	require.Equal(t, 3334, got.InternalPort)

	require.NoError(t, st.Delete(ctx, def.ID))
	_, err = st.Get(ctx, def.ID)
	require.ErrorIs(t, err, store.ErrDefinitionNotFound)
}
