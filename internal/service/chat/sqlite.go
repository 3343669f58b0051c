package chat

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/drakyn/agent/backend/internal/model/chat"
	"github.com/drakyn/agent/backend/internal/model/user"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore persists conversations in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite store: empty path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", dir)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One writer keeps per-conversation appends strictly ordered and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return db, nil
}

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return errors.Wrap(err, "create migration provider")
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	for _, res := range results {
		log.Info().
			Str("component", "store").
			Int64("version", res.Source.Version).
			Dur("duration", res.Duration).
			Msg("migration applied")
	}
	return nil
}

// MigrateFile opens the database at path, applies migrations and closes it.
func MigrateFile(ctx context.Context, path string) error {
	db, err := openDB(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return Migrate(ctx, db)
}

func (s *SQLiteStore) CreateConversation(ctx context.Context, owner, title string) (chat.Conversation, error) {
	if owner == "" {
		return chat.Conversation{}, ErrOwnerRequired
	}

	now := time.Now().UTC()
	conv := chat.Conversation{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     normalizeTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations(id, user_email, title, created_at_ms, updated_at_ms) VALUES(?,?,?,?,?)",
		conv.ID, conv.Owner, conv.Title, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "insert conversation")
	}
	return fromMillis(conv), nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, user_email, title, created_at_ms, updated_at_ms FROM conversations WHERE id=?", id)
	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, ErrNotFound
	}
	if err != nil {
		return chat.Conversation{}, errors.Wrap(err, "select conversation")
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, owner string) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, user_email, title, created_at_ms, updated_at_ms FROM conversations WHERE user_email=? ORDER BY updated_at_ms DESC, id ASC",
		owner)
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	defer rows.Close()

	out := make([]chat.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan conversation")
		}
		out = append(out, conv)
	}
	return out, errors.Wrap(rows.Err(), "iterate conversations")
}

func (s *SQLiteStore) RenameConversation(ctx context.Context, id, owner, title string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET title=?, updated_at_ms=? WHERE id=? AND user_email=?",
		normalizeTitle(title), time.Now().UnixMilli(), id, owner)
	if err != nil {
		return errors.Wrap(err, "rename conversation")
	}
	return requireAffected(res)
}

func (s *SQLiteStore) DeleteConversation(ctx context.Context, id, owner string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	var storedOwner string
	err = tx.QueryRowContext(ctx, "SELECT user_email FROM conversations WHERE id=?", id).Scan(&storedOwner)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && storedOwner != owner) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "select conversation owner")
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE conversation_id=?", id); err != nil {
		return errors.Wrap(err, "delete messages")
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE id=?", id); err != nil {
		return errors.Wrap(err, "delete conversation")
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// Append inserts a message and bumps the conversation's update time in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, conversationID string, role chat.Role, content string) (chat.Message, error) {
	if !role.Valid() {
		return chat.Message{}, ErrInvalidRole
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "begin append")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, "UPDATE conversations SET updated_at_ms=? WHERE id=?", now.UnixMilli(), conversationID)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "touch conversation")
	}
	if err := requireAffected(res); err != nil {
		return chat.Message{}, err
	}

	res, err = tx.ExecContext(ctx,
		"INSERT INTO messages(conversation_id, role, content, created_at_ms) VALUES(?,?,?,?)",
		conversationID, string(role), content, now.UnixMilli())
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "insert message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "message id")
	}
	if err := tx.Commit(); err != nil {
		return chat.Message{}, errors.Wrap(err, "commit append")
	}

	return chat.Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.UnixMilli(now.UnixMilli()).UTC(),
	}, nil
}

// List returns the transcript in append order.
func (s *SQLiteStore) List(ctx context.Context, conversationID string) ([]chat.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, conversation_id, role, content, created_at_ms FROM messages WHERE conversation_id=? ORDER BY id ASC",
		conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	out := make([]chat.Message, 0)
	for rows.Next() {
		var (
			msg       chat.Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		msg.Role = chat.Role(role)
		msg.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "iterate messages")
}

// SaveOAuthToken upserts the token; an empty refresh token keeps the stored one.
func (s *SQLiteStore) SaveOAuthToken(ctx context.Context, email string, token user.OAuthToken) error {
	if email == "" {
		return ErrOwnerRequired
	}

	var expiresAt int64
	if !token.ExpiresAt.IsZero() {
		expiresAt = token.ExpiresAt.UnixMilli()
	}
	now := time.Now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens(user_email, access_token, refresh_token, token_type, expires_at_ms, created_at_ms, updated_at_ms)
		VALUES(?,?,?,?,?,?,?)
		ON CONFLICT(user_email) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = COALESCE(NULLIF(excluded.refresh_token, ''), oauth_tokens.refresh_token),
			token_type = excluded.token_type,
			expires_at_ms = excluded.expires_at_ms,
			updated_at_ms = excluded.updated_at_ms`,
		email, token.AccessToken, token.RefreshToken, token.TokenType, expiresAt, now, now)
	return errors.Wrap(err, "upsert oauth token")
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (chat.Conversation, error) {
	var (
		conv               chat.Conversation
		createdAt, updated int64
	)
	if err := row.Scan(&conv.ID, &conv.Owner, &conv.Title, &createdAt, &updated); err != nil {
		return chat.Conversation{}, err
	}
	conv.CreatedAt = time.UnixMilli(createdAt).UTC()
	conv.UpdatedAt = time.UnixMilli(updated).UTC()
	return conv, nil
}

// fromMillis truncates timestamps to the stored precision.
func fromMillis(conv chat.Conversation) chat.Conversation {
	conv.CreatedAt = time.UnixMilli(conv.CreatedAt.UnixMilli()).UTC()
	conv.UpdatedAt = time.UnixMilli(conv.UpdatedAt.UnixMilli()).UTC()
	return conv
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
