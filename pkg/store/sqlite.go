package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/harun/cadence/internal/observability"
	"github.com/harun/cadence/internal/tracing"
)

// SQLiteConfig configures SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:".
	Path   string
	Logger zerolog.Logger
}

// SQLiteStore persists records in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens the database and creates the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.Path == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: cfg.Logger.With().Str("component", "store").Logger(),
		now:    time.Now,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().Str("path", cfg.Path).Msg("Store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id TEXT,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			session_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			tool_name TEXT,
			tool_call_id TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id);

		CREATE TABLE IF NOT EXISTS conversation_messages (
			conversation_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			message_id TEXT NOT NULL,
			PRIMARY KEY (conversation_id, position),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE,
			FOREIGN KEY (message_id) REFERENCES messages(id)
		);

		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			parent_id TEXT REFERENCES tasks(id),
			conversation_id TEXT NOT NULL,
			description TEXT NOT NULL,
			position INTEGER NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_conversation ON tasks(conversation_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	return s.SaveMessages(ctx, []*Message{msg})
}

func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []*Message) (err error) {
	ctx, span := tracing.StartSpan(ctx, tracing.TracerName, "store.save_messages")
	defer func() { tracing.EndSpan(span, err) }()
	start := time.Now()

	now := s.now()
	for _, msg := range msgs {
		if err := prepareMessage(msg, now); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (id, conversation_id, session_id, role, content, tool_name, tool_call_id, status, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content, status = excluded.status, metadata = excluded.metadata
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		var meta []byte
		if len(msg.Metadata) > 0 {
			if meta, err = json.Marshal(msg.Metadata); err != nil {
				return fmt.Errorf("failed to encode metadata: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx,
			msg.ID, msg.ConversationID, msg.SessionID, msg.Role, msg.Content,
			msg.ToolName, msg.ToolCallID, msg.Status, msg.CreatedAt.UnixNano(), string(meta),
		); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit messages: %w", err)
	}
	observability.RecordStoreWrite("save_messages", time.Since(start))
	return nil
}

func (s *SQLiteStore) UpdateConversationContext(ctx context.Context, conv Conversation, messageIDs ...string) error {
	if conv.ID == "" {
		return errors.New("conversation id is required")
	}
	start := time.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, session_id, user_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conv.ID, conv.SessionID, conv.UserID, s.now().UnixNano()); err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position) + 1, 0) FROM conversation_messages WHERE conversation_id = ?`, conv.ID,
	).Scan(&next); err != nil {
		return fmt.Errorf("failed to read conversation context: %w", err)
	}

	for i, id := range messageIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conversation_messages (conversation_id, position, message_id) VALUES (?, ?, ?)`,
			conv.ID, next+i, id,
		); err != nil {
			return fmt.Errorf("failed to append message %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conversation context: %w", err)
	}
	observability.RecordStoreWrite("update_conversation", time.Since(start))
	return nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, description string, conv Conversation) (*Task, error) {
	return s.createTask(ctx, description, "", conv)
}

func (s *SQLiteStore) CreateSubtask(ctx context.Context, description, parentID string, conv Conversation) (*Task, error) {
	if parentID == "" {
		return nil, errors.New("parent task id is required")
	}
	return s.createTask(ctx, description, parentID, conv)
}

func (s *SQLiteStore) createTask(ctx context.Context, description, parentID string, conv Conversation) (*Task, error) {
	start := time.Now()
	task, err := newTask(description, parentID, conv, s.now())
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var parent sql.NullString
	if parentID != "" {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE id = ?`, parentID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("failed to look up parent task: %w", err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("parent task %s: %w", parentID, ErrNotFound)
		}
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE parent_id = ?`, parentID,
		).Scan(&task.Position); err != nil {
			return nil, fmt.Errorf("failed to count sibling tasks: %w", err)
		}
		parent = sql.NullString{String: parentID, Valid: true}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, parent_id, conversation_id, description, position, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, task.ID, parent, task.ConversationID, task.Description, task.Position, task.Status, task.CreatedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task: %w", err)
	}
	observability.RecordStoreWrite("create_task", time.Since(start))
	return task, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{ActiveMessageIDs: []string{}}
	var userID sql.NullString
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, user_id, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.SessionID, &userID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	conv.UserID = userID.String
	conv.UpdatedAt = time.Unix(0, updated)

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM conversation_messages WHERE conversation_id = ? ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation context: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var mid string
		if err := rows.Scan(&mid); err != nil {
			return nil, err
		}
		conv.ActiveMessageIDs = append(conv.ActiveMessageIDs, mid)
	}
	return conv, rows.Err()
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, session_id, role, content, tool_name, tool_call_id, status, created_at, metadata
		FROM messages WHERE conversation_id = ? ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			msg                                   Message
			sessionID, toolName, toolCallID, meta sql.NullString
			created                               int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &sessionID, &msg.Role, &msg.Content,
			&toolName, &toolCallID, &msg.Status, &created, &meta); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.SessionID = sessionID.String
		msg.ToolName = toolName.String
		msg.ToolCallID = toolCallID.String
		msg.CreatedAt = time.Unix(0, created)
		if meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &msg.Metadata); err != nil {
				s.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to decode message metadata")
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTasks(ctx context.Context, conversationID string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, conversation_id, description, position, status, created_at
		FROM tasks WHERE conversation_id = ? ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var (
			t       Task
			parent  sql.NullString
			created int64
		)
		if err := rows.Scan(&t.ID, &parent, &t.ConversationID, &t.Description, &t.Position, &t.Status, &created); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.ParentID = parent.String
		t.CreatedAt = time.Unix(0, created)
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortTasks(out)
	return out, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
