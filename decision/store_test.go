package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ PolicyStore = (*InMemoryPolicyStore)(nil)
	_ PolicyStore = (*PostgresPolicyStore)(nil)
	_ StatsStore  = (*InMemoryStatsStore)(nil)
	_ StatsStore  = (*PostgresStatsStore)(nil)
	_ StatsStore  = (*RedisStatsStore)(nil)
)

func TestInMemoryPolicyStoreCRUD(t *testing.T) {
	store := NewInMemoryPolicyStore()
	ctx := context.Background()

	p := &Policy{ID: "p1", Name: "first", Graph: thresholdGraph(100), VariantAPercentage: 100, Enabled: true}
	require.NoError(t, store.Add(ctx, p))
	assert.False(t, p.CreatedAt.IsZero())

	err := store.Add(ctx, &Policy{ID: "p1"})
	assert.ErrorContains(t, err, "already exists")

	got, err := store.Get(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Name)

	got.Name = "mutated"
	again, _ := store.Get(ctx, "p1")
	assert.Equal(t, "first", again.Name, "Get should return a copy")

	created := again.CreatedAt
	time.Sleep(time.Millisecond)
	require.NoError(t, store.Update(ctx, &Policy{ID: "p1", Name: "renamed"}))
	updated, _ := store.Get(ctx, "p1")
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, created, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(created))

	require.NoError(t, store.Add(ctx, &Policy{ID: "a0"}))
	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a0", list[0].ID)

	require.NoError(t, store.Delete(ctx, "p1"))
	_, err = store.Get(ctx, "p1")
	assert.True(t, errors.Is(err, ErrPolicyNotFound))
	assert.True(t, errors.Is(store.Delete(ctx, "p1"), ErrPolicyNotFound))
	assert.True(t, errors.Is(store.Update(ctx, &Policy{ID: "ghost"}), ErrPolicyNotFound))
}

func TestInMemoryPolicyStoreReplace(t *testing.T) {
	store := NewInMemoryPolicyStore()
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, &Policy{ID: "old"}))

	store.Replace([]*Policy{{ID: "x"}, {ID: "y"}})

	list, _ := store.List(ctx)
	require.Len(t, list, 2)
	assert.Equal(t, "x", list[0].ID)
	assert.False(t, list[0].UpdatedAt.IsZero())
	_, err := store.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrPolicyNotFound)
}
