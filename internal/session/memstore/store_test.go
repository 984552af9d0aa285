package memstore

import (
	"context"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/session/storetest"

	"github.com/stretchr/testify/require"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) conversation.Repository {
		return New()
	})
}

func TestGetReturnsDetachedCopies(t *testing.T) {
	store := New()
	ctx := context.Background()
	conv, err := store.Create(ctx, "")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, conv.ID, conversation.Message{
		Content:  "hello",
		Metadata: map[string]any{"k": "v"},
	}))

	got, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"
	got.Messages[0].Metadata["k"] = "mutated"

	again, err := store.Get(ctx, conv.ID)
	require.NoError(t, err)
	require.Equal(t, "hello", again.Messages[0].Content)
	require.Equal(t, "v", again.Messages[0].Metadata["k"])
}
