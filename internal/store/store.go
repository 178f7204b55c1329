package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	// register database/sql drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"go-chat-stream/internal/models"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore holds conversations, messages and models in SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect

	mu       sync.Mutex
	lastNano int64
}

// Open connects to the database named by url. postgres:// and postgresql:// URLs
// use pgx; anything else is treated as a SQLite file path.
func Open(url string) (*SQLStore, error) {
	var (
		db  *sql.DB
		d   dialect
		err error
	)
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		d = dialectPostgres
		db, err = sql.Open("pgx", url)
		if err != nil {
			return nil, fmt.Errorf("open postgres db: %w", err)
		}
	default:
		d = dialectSQLite
		path := strings.TrimPrefix(url, "sqlite://")
		if dir := filepath.Dir(strings.SplitN(path, "?", 2)[0]); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", withSQLitePragmas(path))
		if err != nil {
			return nil, fmt.Errorf("open sqlite db: %w", err)
		}
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func withSQLitePragmas(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

func (s *SQLStore) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS models (
	id TEXT PRIMARY KEY,
	model_name TEXT NOT NULL UNIQUE,
	model_description TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT 'New Conversation',
	model_id TEXT REFERENCES models(id) ON DELETE SET NULL,
	system_prompt TEXT,
	temperature DOUBLE PRECISION,
	max_tokens INTEGER,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_user_updated_idx ON conversations(user_id, updated_at);
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	job_id TEXT UNIQUE,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conv_created_idx ON messages(conversation_id, created_at);
`
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// Close releases underlying database resources.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// now returns a strictly increasing UnixNano value so that messages written by
// this process in quick succession keep their insertion order.
func (s *SQLStore) now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := time.Now().UTC().UnixNano()
	if n <= s.lastNano {
		n = s.lastNano + 1
	}
	s.lastNano = n
	return n
}

// EnsureModel returns the id of the named model, creating it when missing.
func (s *SQLStore) EnsureModel(ctx context.Context, name, description string) (string, error) {
	if name == "" {
		return "", errors.New("model name required")
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO models(id, model_name, model_description) VALUES(?, ?, ?)
ON CONFLICT(model_name) DO NOTHING`), uuid.NewString(), name, description)
	if err != nil {
		return "", fmt.Errorf("insert model: %w", err)
	}
	var id string
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT id FROM models WHERE model_name = ?`), name).Scan(&id); err != nil {
		return "", fmt.Errorf("lookup model: %w", err)
	}
	return id, nil
}

// CreateConversation inserts a conversation for conv.UserID. ID, Title and the
// timestamps are filled in when empty.
func (s *SQLStore) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	if conv.UserID == "" {
		return models.Conversation{}, errors.New("conversation requires user id")
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.Title == "" {
		conv.Title = "New Conversation"
	}
	now := s.now()
	conv.CreatedAt = time.Unix(0, now).UTC()
	conv.UpdatedAt = conv.CreatedAt
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO conversations(id, user_id, title, model_id, system_prompt, temperature, max_tokens, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		conv.ID, conv.UserID, conv.Title, conv.ModelID, conv.SystemPrompt, conv.Temperature, conv.MaxTokens, now, now)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// OwnedConversation returns the conversation when it exists and belongs to userID.
// Both a missing row and a foreign owner yield models.ErrConversationNotFound.
func (s *SQLStore) OwnedConversation(ctx context.Context, userID, conversationID string) (models.Conversation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, user_id, title, model_id, system_prompt, temperature, max_tokens, created_at, updated_at
FROM conversations WHERE id = ? AND user_id = ?`), conversationID, userID)

	var (
		conv             models.Conversation
		modelID, prompt  sql.NullString
		temperature      sql.NullFloat64
		maxTokens        sql.NullInt64
		created, updated int64
	)
	err := row.Scan(&conv.ID, &conv.UserID, &conv.Title, &modelID, &prompt, &temperature, &maxTokens, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, models.ErrConversationNotFound
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	conv.ModelID = nullString(modelID)
	conv.SystemPrompt = nullString(prompt)
	conv.Temperature = nullFloat(temperature)
	conv.MaxTokens = nullInt(maxTokens)
	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updated).UTC()
	return conv, nil
}

// ConversationContext loads the settings the worker needs for one job.
func (s *SQLStore) ConversationContext(ctx context.Context, conversationID string) (models.ConversationContext, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT c.id, c.system_prompt, c.temperature, c.max_tokens, m.model_name
FROM conversations c LEFT JOIN models m ON m.id = c.model_id
WHERE c.id = ?`), conversationID)

	var (
		cc          models.ConversationContext
		prompt      sql.NullString
		temperature sql.NullFloat64
		maxTokens   sql.NullInt64
		modelName   sql.NullString
	)
	err := row.Scan(&cc.ID, &prompt, &temperature, &maxTokens, &modelName)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversationContext{}, models.ErrConversationNotFound
	}
	if err != nil {
		return models.ConversationContext{}, fmt.Errorf("load conversation context: %w", err)
	}
	cc.SystemPrompt = nullString(prompt)
	cc.Temperature = nullFloat(temperature)
	cc.MaxTokens = nullInt(maxTokens)
	cc.ModelIdentifier = modelName.String
	return cc, nil
}

// ListMessages returns every message of the conversation, oldest first.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, conversation_id, role, content, job_id, created_at
FROM messages WHERE conversation_id = ?
ORDER BY created_at ASC, id ASC`), conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// CreateMessage appends a message to the conversation and bumps its updated_at.
func (s *SQLStore) CreateMessage(ctx context.Context, conversationID string, role models.Role, content string) (models.Message, error) {
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	now := s.now()
	msg.CreatedAt = time.Unix(0, now).UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO messages(id, conversation_id, role, content, created_at) VALUES(?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, now); err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, conversationID); err != nil {
		return models.Message{}, fmt.Errorf("touch conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

// SaveAssistantMessage persists the reply produced by jobID. A redelivered job
// finds the existing row and returns it with created=false.
func (s *SQLStore) SaveAssistantMessage(ctx context.Context, conversationID, jobID, content string) (msg models.Message, created bool, err error) {
	if jobID == "" {
		return models.Message{}, false, errors.New("assistant message requires job id")
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO messages(id, conversation_id, role, content, job_id, created_at) VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(job_id) DO NOTHING`),
		uuid.NewString(), conversationID, string(models.RoleAssistant), content, jobID, now)
	if err != nil {
		return models.Message{}, false, fmt.Errorf("insert assistant message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
		if _, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET updated_at = ? WHERE id = ?`), now, conversationID); err != nil {
			return models.Message{}, false, fmt.Errorf("touch conversation: %w", err)
		}
	}

	row := s.db.QueryRowContext(ctx, s.rebind(`
SELECT id, conversation_id, role, content, job_id, created_at FROM messages WHERE job_id = ?`), jobID)
	msg, err = scanMessage(row)
	if err != nil {
		return models.Message{}, false, err
	}
	return msg, created, nil
}

func (s *SQLStore) UpdateTitle(ctx context.Context, conversationID, title string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`),
		title, s.now(), conversationID)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrConversationNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		msg     models.Message
		role    string
		jobID   sql.NullString
		created int64
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &jobID, &created); err != nil {
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.Role = models.Role(role)
	msg.JobID = jobID.String
	msg.CreatedAt = time.Unix(0, created).UTC()
	return msg, nil
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}
