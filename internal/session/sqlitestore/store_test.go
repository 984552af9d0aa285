package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/storetest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) conversation.Repository {
		store, err := Open(filepath.Join(t.TempDir(), "crewd.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestReopenKeepsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "crewd.db")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)
	conv, err := store.Create(ctx, "Persisted")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, conv.ID, conversation.Message{
		Sender: "Writer", Kind: conversation.KindAgentMessage, Content: "hello",
		Metadata: map[string]any{conversation.MetaRunID: "run-1"},
	}))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "run-1", got.Messages[0].Meta(conversation.MetaRunID))
	assert.Equal(t, "Persisted", got.Title)
}
