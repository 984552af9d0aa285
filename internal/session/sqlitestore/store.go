// Package sqlitestore persists conversations and runs in an embedded SQLite
// database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/domain/conversation"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	id "github.com/richlaw1986/content-gap-crew-sub000/internal/utils/id"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// Store is a conversation.Repository on a single SQLite file. Messages are
// rows keyed by an autoincrement sequence so appends keep insertion order.
type Store struct {
	db     *sql.DB
	logger logging.Logger
}

var _ conversation.Repository = (*Store)(nil)

// Open opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("resolve home directory: %w", err)
			}
			path = filepath.Join(home, path[2:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logging.NewComponentLogger("ConversationSQLiteStore")}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		status TEXT NOT NULL,
		active_run_id TEXT NOT NULL DEFAULT '',
		run_ids TEXT NOT NULL DEFAULT '[]',
		last_run_summary TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		msg_key TEXT NOT NULL,
		sender TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		tool TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		objective TEXT NOT NULL,
		tasks TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		output TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) Create(ctx context.Context, title string) (*conversation.Conversation, error) {
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		conv.ID, conv.Title, string(conv.Status), formatTime(now), formatTime(now))
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (s *Store) Get(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, status, active_run_id, run_ids, last_run_summary, created_at, updated_at
		FROM conversations WHERE id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
		}
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_key, sender, kind, content, tool, metadata, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conv.Messages = []conversation.Message{}
	for rows.Next() {
		var (
			msg      conversation.Message
			kind     string
			metadata sql.NullString
			created  string
		)
		if err := rows.Scan(&msg.Key, &msg.Sender, &kind, &msg.Content, &msg.Tool, &metadata, &created); err != nil {
			return nil, err
		}
		msg.Kind = conversation.Kind(kind)
		msg.Timestamp = parseTime(created)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &msg.Metadata); err != nil {
				s.logger.Warn("Dropping undecodable metadata on %s: %v", msg.Key, err)
			}
		}
		conv.Messages = append(conv.Messages, msg)
	}
	return conv, rows.Err()
}

func (s *Store) List(ctx context.Context, limit int) ([]conversation.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, status, active_run_id, run_ids, last_run_summary, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC LIMIT ?`, conversation.NormalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []conversation.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, conversationID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) error {
	if msg.Key == "" {
		msg.Key = id.NewMessageKey()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	var metadata any
	if len(msg.Metadata) > 0 {
		data, err := json.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadata = string(data)
	}

	return s.withConversation(ctx, conversationID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO messages (conversation_id, msg_key, sender, kind, content, tool, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			conversationID, msg.Key, msg.Sender, string(msg.Kind), msg.Content, msg.Tool, metadata,
			formatTime(msg.Timestamp))
		return err
	})
}

func (s *Store) SetStatus(ctx context.Context, conversationID string, status conversation.Status) error {
	return s.setColumn(ctx, conversationID, "status", string(status))
}

func (s *Store) SetSummary(ctx context.Context, conversationID string, summary string) error {
	return s.setColumn(ctx, conversationID, "last_run_summary", summary)
}

func (s *Store) SetTitle(ctx context.Context, conversationID string, title string) error {
	return s.setColumn(ctx, conversationID, "title", title)
}

func (s *Store) SetActiveRun(ctx context.Context, conversationID string, runID string) error {
	return s.withConversation(ctx, conversationID, func(tx *sql.Tx) error {
		if runID == "" {
			_, err := tx.ExecContext(ctx, `UPDATE conversations SET active_run_id = '' WHERE id = ?`, conversationID)
			return err
		}
		var raw string
		if err := tx.QueryRowContext(ctx, `SELECT run_ids FROM conversations WHERE id = ?`, conversationID).Scan(&raw); err != nil {
			return err
		}
		var runIDs []string
		_ = json.Unmarshal([]byte(raw), &runIDs)
		encoded, err := json.Marshal(append(runIDs, runID))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE conversations SET active_run_id = ?, run_ids = ? WHERE id = ?`,
			runID, string(encoded), conversationID)
		return err
	})
}

// setColumn updates one whitelisted column.
func (s *Store) setColumn(ctx context.Context, conversationID, column, value string) error {
	return s.withConversation(ctx, conversationID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE conversations SET %s = ? WHERE id = ?`, column), value, conversationID)
		return err
	})
}

// withConversation runs fn in a transaction after checking the conversation
// exists, then bumps updated_at.
func (s *Store) withConversation(ctx context.Context, conversationID string, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM conversations WHERE id = ?`, conversationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", conversationID, conversation.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(time.Now().UTC()), conversationID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) CreateRun(ctx context.Context, run conversation.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	tasks, err := encodeTasks(run.Tasks)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, conversation_id, objective, tasks, status, output, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, run.Objective, tasks, string(run.Status), run.Output, run.Error,
		formatTime(run.CreatedAt), formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt))
	return err
}

func (s *Store) UpdateRun(ctx context.Context, run conversation.Run) error {
	tasks, err := encodeTasks(run.Tasks)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET objective = ?, tasks = ?, status = ?, output = ?, error = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		run.Objective, tasks, string(run.Status), run.Output, run.Error,
		formatTimePtr(run.StartedAt), formatTimePtr(run.CompletedAt), run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", run.ID, conversation.ErrRunNotFound)
	}
	return nil
}

const runColumns = "id, conversation_id, objective, tasks, status, output, error, created_at, started_at, completed_at"

func (s *Store) GetRun(ctx context.Context, runID string) (*conversation.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", runID, conversation.ErrRunNotFound)
		}
		return nil, err
	}
	return run, nil
}

func (s *Store) ListRuns(ctx context.Context, filter conversation.RunFilter) ([]conversation.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE (? = '' OR status = ?) AND (? = '' OR conversation_id = ?)
		ORDER BY created_at DESC LIMIT ?`,
		string(filter.Status), string(filter.Status), filter.ConversationID, filter.ConversationID,
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

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(row scanner) (*conversation.Conversation, error) {
	var (
		conv             conversation.Conversation
		status, runIDs   string
		created, updated string
	)
	if err := row.Scan(&conv.ID, &conv.Title, &status, &conv.ActiveRunID, &runIDs,
		&conv.LastRunSummary, &created, &updated); err != nil {
		return nil, err
	}
	conv.Status = conversation.Status(status)
	conv.CreatedAt = parseTime(created)
	conv.UpdatedAt = parseTime(updated)
	if err := json.Unmarshal([]byte(runIDs), &conv.RunIDs); err != nil {
		return nil, fmt.Errorf("decode run ids: %w", err)
	}
	return &conv, nil
}

func scanRun(row scanner) (*conversation.Run, error) {
	var (
		run                  conversation.Run
		tasks, status        string
		created              string
		started, completedAt sql.NullString
	)
	if err := row.Scan(&run.ID, &run.ConversationID, &run.Objective, &tasks, &status,
		&run.Output, &run.Error, &created, &started, &completedAt); err != nil {
		return nil, err
	}
	run.Status = conversation.RunStatus(status)
	run.CreatedAt = parseTime(created)
	run.StartedAt = parseTimePtr(started)
	run.CompletedAt = parseTimePtr(completedAt)
	if err := json.Unmarshal([]byte(tasks), &run.Tasks); err != nil {
		return nil, fmt.Errorf("decode tasks: %w", err)
	}
	return &run, nil
}

func encodeTasks(tasks []conversation.Task) (string, error) {
	if tasks == nil {
		tasks = []conversation.Task{}
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("encode tasks: %w", err)
	}
	return string(data), nil
}

// Timestamps are fixed-width UTC strings so lexical ORDER BY matches time order.
func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}
