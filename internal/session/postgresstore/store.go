// Package postgresstore persists conversations and runs in PostgreSQL.
package postgresstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	id "github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	conversationTable = "crew_conversations"
	runTable          = "crew_runs"
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Store implements conversation.Repository on a pgx pool. Messages live in a
// JSONB array and are appended server-side so concurrent writers never lose
// entries.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ conversation.Repository = (*Store)(nil)

// New constructs a Postgres-backed repository.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool:   pool,
		logger: logging.NewComponentLogger("ConversationPostgresStore"),
	}
}

// Open dials dsn, verifies connectivity and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := New(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("conversation store not initialized")
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL,
    status TEXT NOT NULL,
    messages JSONB NOT NULL DEFAULT '[]'::jsonb,
    active_run_id TEXT NOT NULL DEFAULT '',
    run_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
    last_run_summary TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_updated_at ON %[1]s (updated_at DESC);
CREATE TABLE IF NOT EXISTS %[2]s (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    objective TEXT NOT NULL,
    tasks JSONB NOT NULL DEFAULT '[]'::jsonb,
    status TEXT NOT NULL,
    output TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_%[2]s_conversation ON %[2]s (conversation_id);
CREATE INDEX IF NOT EXISTS idx_%[2]s_created_at ON %[2]s (created_at DESC);
`, conversationTable, runTable)

	_, err := s.pool.Exec(ctx, query)
	return err
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("conversation store not initialized")
	}
	return nil
}

func (s *Store) Create(ctx context.Context, title string) (*conversation.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		title = conversation.DefaultTitle
	}

	query := fmt.Sprintf(`
INSERT INTO %s (id, title, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $4)
`, conversationTable)

	for attempt := 0; attempt < 3; attempt++ {
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
		_, err := s.pool.Exec(ctx, query, conv.ID, conv.Title, string(conv.Status), now)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				continue
			}
			logging.OrNop(s.logger).Error("Failed to create conversation: %v", err)
			return nil, err
		}
		return conv, nil
	}
	return nil, fmt.Errorf("failed to allocate unique conversation ID")
}

func (s *Store) Get(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if !idPattern.MatchString(conversationID) {
		return nil, fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}

	query := fmt.Sprintf(`
SELECT id, title, status, messages, active_run_id, run_ids, last_run_summary, created_at, updated_at
FROM %s
WHERE id = $1
`, conversationTable)

	var (
		conv         conversation.Conversation
		status       string
		messagesJSON []byte
		runIDsJSON   []byte
	)
	err := s.pool.QueryRow(ctx, query, conversationID).Scan(
		&conv.ID,
		&conv.Title,
		&status,
		&messagesJSON,
		&conv.ActiveRunID,
		&runIDsJSON,
		&conv.LastRunSummary,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
		}
		return nil, err
	}
	conv.Status = conversation.Status(status)
	conv.Messages = []conversation.Message{}
	if len(messagesJSON) > 0 {
		if err := json.Unmarshal(messagesJSON, &conv.Messages); err != nil {
			return nil, fmt.Errorf("decode messages: %w", err)
		}
	}
	if len(runIDsJSON) > 0 {
		if err := json.Unmarshal(runIDsJSON, &conv.RunIDs); err != nil {
			return nil, fmt.Errorf("decode run ids: %w", err)
		}
	}
	return &conv, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
SELECT id, title, status, active_run_id, run_ids, last_run_summary, created_at, updated_at
FROM %s
ORDER BY updated_at DESC
LIMIT $1
`, conversationTable)

	rows, err := s.pool.Query(ctx, query, conversation.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		var (
			conv       conversation.Conversation
			status     string
			runIDsJSON []byte
		)
		if err := rows.Scan(&conv.ID, &conv.Title, &status, &conv.ActiveRunID, &runIDsJSON,
			&conv.LastRunSummary, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, err
		}
		conv.Status = conversation.Status(status)
		if len(runIDsJSON) > 0 {
			if err := json.Unmarshal(runIDsJSON, &conv.RunIDs); err != nil {
				return nil, fmt.Errorf("decode run ids: %w", err)
			}
		}
		out = append(out, conv)
	}
	return out, rows.Err()
}

// Delete removes the conversation and its runs in one transaction.
func (s *Store) Delete(ctx context.Context, conversationID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, conversationTable), conversationID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
		}
		_, err = tx.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE conversation_id = $1`, runTable), conversationID)
		return err
	})
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	if msg.Key == "" {
		msg.Key = id.NewMessageKey()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal([]conversation.Message{msg})
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return s.update(ctx, conversationID, "messages = messages || $2::jsonb", payload)
}

func (s *Store) SetStatus(ctx context.Context, conversationID string, status conversation.Status) error {
	return s.update(ctx, conversationID, "status = $2", string(status))
}

func (s *Store) SetSummary(ctx context.Context, conversationID string, summary string) error {
	return s.update(ctx, conversationID, "last_run_summary = $2", summary)
}

func (s *Store) SetTitle(ctx context.Context, conversationID string, title string) error {
	return s.update(ctx, conversationID, "title = $2", title)
}

func (s *Store) SetActiveRun(ctx context.Context, conversationID string, runID string) error {
	if runID == "" {
		return s.update(ctx, conversationID, "active_run_id = $2", "")
	}
	return s.update(ctx, conversationID,
		"active_run_id = $2, run_ids = run_ids || to_jsonb($2::text)", runID)
}

func (s *Store) update(ctx context.Context, conversationID, assignment string, value any) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s, updated_at = now() WHERE id = $1`, conversationTable, assignment)
	tag, err := s.pool.Exec(ctx, query, conversationID, value)
	if err != nil {
		logging.OrNop(s.logger).Error("Failed to update conversation %s: %v", conversationID, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateRun(ctx context.Context, run conversation.Run) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	tasks, err := json.Marshal(nonNilTasks(run.Tasks))
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, conversation_id, objective, tasks, status, output, error, created_at, started_at, completed_at)
VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10)
`, runTable)
	_, err = s.pool.Exec(ctx, query, run.ID, run.ConversationID, run.Objective, tasks,
		string(run.Status), run.Output, run.Error, run.CreatedAt, run.StartedAt, run.CompletedAt)
	return err
}

func (s *Store) UpdateRun(ctx context.Context, run conversation.Run) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tasks, err := json.Marshal(nonNilTasks(run.Tasks))
	if err != nil {
		return fmt.Errorf("encode tasks: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s
SET objective = $2, tasks = $3::jsonb, status = $4, output = $5, error = $6, started_at = $7, completed_at = $8
WHERE id = $1
`, runTable)
	tag, err := s.pool.Exec(ctx, query, run.ID, run.Objective, tasks, string(run.Status),
		run.Output, run.Error, run.StartedAt, run.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", run.ID, conversation.ErrRunNotFound)
	}
	return nil
}

const runColumns = "id, conversation_id, objective, tasks, status, output, error, created_at, started_at, completed_at"

func (s *Store) GetRun(ctx context.Context, runID string) (*conversation.Run, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, runTable)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", runID, conversation.ErrRunNotFound)
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter conversation.RunFilter) ([]conversation.Run, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR conversation_id = $2)
ORDER BY created_at DESC
LIMIT $3
`, runColumns, runTable)

	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.ConversationID,
		conversation.NormalizeLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanRun(row pgx.Row) (*conversation.Run, error) {
	var (
		run       conversation.Run
		status    string
		tasksJSON []byte
	)
	if err := row.Scan(&run.ID, &run.ConversationID, &run.Objective, &tasksJSON, &status,
		&run.Output, &run.Error, &run.CreatedAt, &run.StartedAt, &run.CompletedAt); err != nil {
		return nil, err
	}
	run.Status = conversation.RunStatus(status)
	if len(tasksJSON) > 0 {
		if err := json.Unmarshal(tasksJSON, &run.Tasks); err != nil {
			return nil, fmt.Errorf("decode tasks: %w", err)
		}
	}
	return &run, nil
}

func nonNilTasks(tasks []conversation.Task) []conversation.Task {
	if tasks == nil {
		return []conversation.Task{}
	}
	return tasks
}
