// Package storetest holds the behavioural checks every conversation
// repository backend must pass.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises repo against the conversation.Repository contract.
func Run(t *testing.T, newRepo func(t *testing.T) conversation.Repository) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()

		created, err := repo.Create(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, conversation.DefaultTitle, created.Title)
		assert.Equal(t, conversation.StatusActive, created.Status)

		got, err := repo.Get(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, created.ID, got.ID)
		assert.Empty(t, got.Messages)
	})

	t.Run("missing conversation", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Get(context.Background(), "conv-missing")
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		err = repo.AppendMessage(context.Background(), "conv-missing", conversation.Message{Content: "x"})
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
	})

	t.Run("append preserves order and metadata", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		conv, err := repo.Create(ctx, "Strategy")
		require.NoError(t, err)

		require.NoError(t, repo.AppendMessage(ctx, conv.ID, conversation.Message{
			Sender: "user", Kind: conversation.KindUserMessage, Content: "first",
		}))
		require.NoError(t, repo.AppendMessage(ctx, conv.ID, conversation.Message{
			Sender: "system", Kind: conversation.KindQuestion, Content: "second",
			Metadata: map[string]any{conversation.MetaSelectionType: "radio"},
		}))
		require.NoError(t, repo.AppendMessage(ctx, conv.ID, conversation.Message{
			Sender: "Writer", Kind: conversation.KindToolCall, Content: "third", Tool: "web_fetch",
		}))

		got, err := repo.Get(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, got.Messages, 3)
		assert.Equal(t, "first", got.Messages[0].Content)
		assert.Equal(t, "radio", got.Messages[1].Meta(conversation.MetaSelectionType))
		assert.Equal(t, "web_fetch", got.Messages[2].Tool)
		assert.NotEmpty(t, got.Messages[0].Key)
		assert.False(t, got.Messages[0].Timestamp.IsZero())
	})

	t.Run("status summary title and active run", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		conv, err := repo.Create(ctx, "")
		require.NoError(t, err)

		require.NoError(t, repo.SetStatus(ctx, conv.ID, conversation.StatusAwaitingInput))
		require.NoError(t, repo.SetSummary(ctx, conv.ID, "The team produced a plan."))
		require.NoError(t, repo.SetTitle(ctx, conv.ID, "Write X"))
		require.NoError(t, repo.SetActiveRun(ctx, conv.ID, "run-1"))

		got, err := repo.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conversation.StatusAwaitingInput, got.Status)
		assert.Equal(t, "The team produced a plan.", got.LastRunSummary)
		assert.Equal(t, "Write X", got.Title)
		assert.Equal(t, "run-1", got.ActiveRunID)
		assert.Equal(t, []string{"run-1"}, got.RunIDs)

		require.NoError(t, repo.SetActiveRun(ctx, conv.ID, ""))
		got, err = repo.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Empty(t, got.ActiveRunID)
		assert.Equal(t, []string{"run-1"}, got.RunIDs)
	})

	t.Run("list most recent first with limit", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		first, err := repo.Create(ctx, "one")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		second, err := repo.Create(ctx, "two")
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, repo.SetTitle(ctx, first.ID, "one again"))

		list, err := repo.List(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, first.ID, list[0].ID)
		assert.Equal(t, second.ID, list[1].ID)

		limited, err := repo.List(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("runs lifecycle and cascade delete", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		conv, err := repo.Create(ctx, "")
		require.NoError(t, err)

		run := conversation.Run{
			ID:             "run-abc",
			ConversationID: conv.ID,
			Objective:      "write X",
			Status:         conversation.RunRunning,
			Tasks: []conversation.Task{
				{ID: "task-1-draft", Name: "draft", WorkerID: "writer", Order: 1},
			},
		}
		require.NoError(t, repo.CreateRun(ctx, run))

		completed := time.Now().UTC()
		run.Status = conversation.RunCompleted
		run.Output = "DONE"
		run.CompletedAt = &completed
		require.NoError(t, repo.UpdateRun(ctx, run))

		got, err := repo.GetRun(ctx, "run-abc")
		require.NoError(t, err)
		assert.Equal(t, conversation.RunCompleted, got.Status)
		assert.Equal(t, "DONE", got.Output)
		require.Len(t, got.Tasks, 1)
		assert.Equal(t, "writer", got.Tasks[0].WorkerID)
		require.NotNil(t, got.CompletedAt)

		runs, err := repo.ListRuns(ctx, conversation.RunFilter{Status: conversation.RunCompleted})
		require.NoError(t, err)
		assert.Len(t, runs, 1)
		runs, err = repo.ListRuns(ctx, conversation.RunFilter{Status: conversation.RunFailed})
		require.NoError(t, err)
		assert.Empty(t, runs)

		require.NoError(t, repo.Delete(ctx, conv.ID))
		_, err = repo.Get(ctx, conv.ID)
		assert.True(t, errors.Is(err, conversation.ErrNotFound))
		_, err = repo.GetRun(ctx, "run-abc")
		assert.True(t, errors.Is(err, conversation.ErrRunNotFound))
		assert.True(t, errors.Is(repo.Delete(ctx, conv.ID), conversation.ErrNotFound))
	})

	t.Run("update unknown run", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.UpdateRun(context.Background(), conversation.Run{ID: "run-none"})
		assert.True(t, errors.Is(err, conversation.ErrRunNotFound))
	})
}
