package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/inspect-gateway/internal/upstream"
)

func TestMockCacheStoreRoundTrip(t *testing.T) {
	store := NewMockCacheStore()
	ctx := context.Background()

	got, err := store.Get(ctx, "111")
	require.NoError(t, err)
	assert.Nil(t, got)

	rec := &Record{AssetID: "111", Item: upstream.NormalizedItem{FloatValue: 0.123}}
	require.NoError(t, store.Put(ctx, rec))

	got, err = store.Get(ctx, "111")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0.123, got.Item.FloatValue)
}

func TestMockAccountStoreAddAndList(t *testing.T) {
	store := &MockAccountStore{}
	ctx := context.Background()

	require.NoError(t, store.AddAccount(ctx, upstream.Account{Username: "bot1"}))
	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "bot1", accounts[0].Username)
}
