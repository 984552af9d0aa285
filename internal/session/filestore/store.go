// Package filestore persists conversations and runs as JSON documents on disk.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	id "github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store is a file-backed conversation.Repository. One process owns the
// directory; writes are serialized by an in-process lock.
type Store struct {
	baseDir string
	logger  logging.Logger
	mu      sync.Mutex
}

var _ conversation.Repository = (*Store)(nil)

// New creates the directory layout under baseDir. A leading "~/" expands to
// the user's home directory.
func New(baseDir string) (*Store, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	for _, dir := range []string{conversationsDir(baseDir), runsDir(baseDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}
	return &Store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("ConversationFileStore"),
	}, nil
}

func conversationsDir(base string) string { return filepath.Join(base, "conversations") }
func runsDir(base string) string          { return filepath.Join(base, "runs") }

func (s *Store) conversationPath(conversationID string) (string, error) {
	if !safeIDPattern.MatchString(conversationID) {
		return "", fmt.Errorf("invalid conversation id %q: %w", conversationID, conversation.ErrNotFound)
	}
	return filepath.Join(conversationsDir(s.baseDir), conversationID+".json"), nil
}

func (s *Store) runPath(runID string) (string, error) {
	if !safeIDPattern.MatchString(runID) {
		return "", fmt.Errorf("invalid run id %q: %w", runID, conversation.ErrRunNotFound)
	}
	return filepath.Join(runsDir(s.baseDir), runID+".json"), nil
}

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
	path, err := s.conversationPath(conv.ID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to write conversation: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close conversation file: %w", err)
	}
	return conv, nil
}

func (s *Store) Get(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readConversation(conversationID)
}

func (s *Store) readConversation(conversationID string) (*conversation.Conversation, error) {
	path, err := s.conversationPath(conversationID)
	if err != nil {
		return nil, err
	}
	var conv conversation.Conversation
	if err := readJSON(path, &conv); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
		}
		s.logger.Error("Failed to decode conversation file %s: %v", path, err)
		return nil, err
	}
	if conv.Messages == nil {
		conv.Messages = []conversation.Message{}
	}
	return &conv, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(conversationsDir(s.baseDir))
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Conversation, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		conv, err := s.readConversation(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("Skipping unreadable conversation %s: %v", entry.Name(), err)
			continue
		}
		conv.Messages = nil
		out = append(out, *conv)
	}
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

	conv, err := s.readConversation(conversationID)
	if err != nil {
		return err
	}
	for _, runID := range conv.RunIDs {
		if path, err := s.runPath(runID); err == nil {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("Failed to remove run %s: %v", runID, err)
			}
		}
	}
	path, _ := s.conversationPath(conversationID)
	return os.Remove(path)
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

	conv, err := s.readConversation(conversationID)
	if err != nil {
		return err
	}
	fn(conv)
	conv.UpdatedAt = time.Now().UTC()
	path, _ := s.conversationPath(conversationID)
	return writeJSON(path, conv)
}

func (s *Store) CreateRun(ctx context.Context, run conversation.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.runPath(run.ID)
	if err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	return writeJSON(path, run)
}

func (s *Store) UpdateRun(ctx context.Context, run conversation.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.runPath(run.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", run.ID, conversation.ErrRunNotFound)
	}
	return writeJSON(path, run)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*conversation.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.runPath(runID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var run conversation.Run
	if err := readJSON(path, &run); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", runID, conversation.ErrRunNotFound)
		}
		return nil, err
	}
	return &run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter conversation.RunFilter) ([]conversation.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(runsDir(s.baseDir))
	if err != nil {
		return nil, err
	}
	out := make([]conversation.Run, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		var run conversation.Run
		if err := readJSON(filepath.Join(runsDir(s.baseDir), entry.Name()), &run); err != nil {
			s.logger.Warn("Skipping unreadable run %s: %v", entry.Name(), err)
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.ConversationID != "" && run.ConversationID != filter.ConversationID {
			continue
		}
		out = append(out, run)
	}
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

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeJSON replaces path atomically so readers never observe a partial document.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
