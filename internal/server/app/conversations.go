package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/catalog"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
)

// CreateConversation starts an empty conversation.
func (c *Coordinator) CreateConversation(ctx context.Context, title string) (*conversation.Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = conversation.DefaultTitle
	}
	if len([]rune(title)) > titleMaxChars*2 {
		return nil, ValidationError(fmt.Sprintf("title longer than %d characters", titleMaxChars*2))
	}
	conv, err := c.store.Create(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	c.logger.Info("Created conversation %s", conv.ID)
	return conv, nil
}

// ListConversations returns conversations, most recently updated first.
func (c *Coordinator) ListConversations(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	return c.store.List(ctx, conversation.NormalizeLimit(limit))
}

// GetConversation returns one conversation with its message log.
func (c *Coordinator) GetConversation(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	conv, err := c.store.Get(ctx, conversationID)
	if err != nil {
		return nil, mapStoreError(err, conversationID)
	}
	return conv, nil
}

// DeleteConversation removes a conversation and its runs. A conversation
// with a run still executing cannot be deleted.
func (c *Coordinator) DeleteConversation(ctx context.Context, conversationID string) error {
	if _, live := c.registry.Get(conversationID); live {
		return ConflictError(MsgRunActive)
	}
	if err := c.store.Delete(ctx, conversationID); err != nil {
		return mapStoreError(err, conversationID)
	}
	c.crews.Forget(conversationID)
	c.logger.Info("Deleted conversation %s", conversationID)
	return nil
}

// ListAgents returns the current worker catalog.
func (c *Coordinator) ListAgents() []catalog.Worker {
	return c.snapshot().Workers
}

// GetAgent returns one worker by id.
func (c *Coordinator) GetAgent(workerID string) (catalog.Worker, error) {
	w, ok := c.snapshot().Worker(workerID)
	if !ok {
		return catalog.Worker{}, NotFoundError(fmt.Sprintf("agent %s not found", workerID))
	}
	return w, nil
}

// ListRuns returns run records matching filter.
func (c *Coordinator) ListRuns(ctx context.Context, filter conversation.RunFilter) ([]conversation.Run, error) {
	switch filter.Status {
	case "", conversation.RunPending, conversation.RunRunning, conversation.RunCompleted, conversation.RunFailed:
	default:
		return nil, ValidationError(fmt.Sprintf("unknown run status %q", filter.Status))
	}
	filter.Limit = conversation.NormalizeLimit(filter.Limit)
	return c.store.ListRuns(ctx, filter)
}

// GetRun returns one run record.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*conversation.Run, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, mapStoreError(err, runID)
	}
	return run, nil
}

func mapStoreError(err error, ref string) error {
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		return NotFoundError(fmt.Sprintf("conversation %s not found", ref))
	case errors.Is(err, conversation.ErrRunNotFound):
		return NotFoundError(fmt.Sprintf("run %s not found", ref))
	default:
		return err
	}
}
