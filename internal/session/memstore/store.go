// Package memstore keeps conversations and runs in process memory.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	id "github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
)

// Store is an in-memory conversation.Repository.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*conversation.Conversation
	runs          map[string]*conversation.Run
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*conversation.Conversation),
		runs:          make(map[string]*conversation.Run),
	}
}

var _ conversation.Repository = (*Store)(nil)

func (s *Store) Create(ctx context.Context, title string) (*conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		title = conversation.DefaultTitle
	}
	now := time.Now().UTC()
	conv := &conversation.Conversation{
		ID:        id.NewConversationID(),
		Title:     title,
		Status:    conversation.StatusActive,
		Messages:  []conversation.Message{},
		RunIDs:    []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
	return cloneConversation(conv, true), nil
}

func (s *Store) Get(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	return cloneConversation(conv, true), nil
}

func (s *Store) List(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]conversation.Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, *cloneConversation(conv, false))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit = conversation.NormalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[conversationID]; !ok {
		return fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	delete(s.conversations, conversationID)
	for runID, run := range s.runs {
		if run.ConversationID == conversationID {
			delete(s.runs, runID)
		}
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	return s.mutate(ctx, conversationID, func(conv *conversation.Conversation) {
		if msg.Key == "" {
			msg.Key = id.NewMessageKey()
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		conv.Messages = append(conv.Messages, msg)
	})
}

func (s *Store) SetStatus(ctx context.Context, conversationID string, status conversation.Status) error {
	return s.mutate(ctx, conversationID, func(conv *conversation.Conversation) {
		conv.Status = status
	})
}

func (s *Store) SetSummary(ctx context.Context, conversationID string, summary string) error {
	return s.mutate(ctx, conversationID, func(conv *conversation.Conversation) {
		conv.LastRunSummary = summary
	})
}

func (s *Store) SetTitle(ctx context.Context, conversationID string, title string) error {
	return s.mutate(ctx, conversationID, func(conv *conversation.Conversation) {
		conv.Title = title
	})
}

func (s *Store) SetActiveRun(ctx context.Context, conversationID string, runID string) error {
	return s.mutate(ctx, conversationID, func(conv *conversation.Conversation) {
		conv.ActiveRunID = runID
		if runID != "" {
			conv.RunIDs = append(conv.RunIDs, runID)
		}
	})
}

func (s *Store) mutate(ctx context.Context, conversationID string, fn func(*conversation.Conversation)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[conversationID]
	if !ok {
		return fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	fn(conv)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run conversation.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if run.ID == "" {
		return fmt.Errorf("run id required")
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = cloneRun(&run)
	return nil
}

func (s *Store) UpdateRun(ctx context.Context, run conversation.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("%s: %w", run.ID, conversation.ErrRunNotFound)
	}
	s.runs[run.ID] = cloneRun(&run)
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (*conversation.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", runID, conversation.ErrRunNotFound)
	}
	return cloneRun(run), nil
}

func (s *Store) ListRuns(ctx context.Context, filter conversation.RunFilter) ([]conversation.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]conversation.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ConversationID != "" && run.ConversationID != filter.ConversationID {
			continue
		}
		out = append(out, *cloneRun(run))
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := conversation.NormalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func cloneConversation(conv *conversation.Conversation, withMessages bool) *conversation.Conversation {
	out := *conv
	out.RunIDs = append([]string(nil), conv.RunIDs...)
	if withMessages {
		out.Messages = make([]conversation.Message, len(conv.Messages))
		for i, msg := range conv.Messages {
			out.Messages[i] = msg
			if msg.Metadata != nil {
				meta := make(map[string]any, len(msg.Metadata))
				for k, v := range msg.Metadata {
					meta[k] = v
				}
				out.Messages[i].Metadata = meta
			}
		}
	} else {
		out.Messages = nil
	}
	return &out
}

func cloneRun(run *conversation.Run) *conversation.Run {
	out := *run
	out.Tasks = append([]conversation.Task(nil), run.Tasks...)
	return &out
}
