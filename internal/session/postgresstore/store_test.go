package postgresstore

import (
	"context"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/storetest"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/testutil"

	"github.com/stretchr/testify/require"
)

func TestPostgresStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) conversation.Repository {
		store := New(testutil.PostgresPool(t))
		require.NoError(t, store.EnsureSchema(context.Background()))
		return store
	})
}

func TestPostgresStore_CrossInstanceAppend(t *testing.T) {
	pool := testutil.PostgresPool(t)

	ctx := context.Background()
	storeA := New(pool)
	storeB := New(pool)
	require.NoError(t, storeA.EnsureSchema(ctx))

	conv, err := storeA.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, storeA.AppendMessage(ctx, conv.ID, conversation.Message{Sender: "user", Content: "a"}))
	require.NoError(t, storeB.AppendMessage(ctx, conv.ID, conversation.Message{Sender: "user", Content: "b"}))

	loaded, err := storeA.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Messages, 2)
	require.Equal(t, "b", loaded.Messages[1].Content)
}
