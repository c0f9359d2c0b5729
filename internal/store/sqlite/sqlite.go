package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/vovakirdan/recallchat/internal/store"
)

// Schema is the reference DDL. Production databases are provisioned externally;
// tests and the serve --apply-schema flag apply it through NewWithSetup.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	avatar     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	author_id     TEXT NOT NULL,
	author_name   TEXT NOT NULL DEFAULT '',
	author_avatar TEXT NOT NULL DEFAULT '',
	kind          TEXT NOT NULL,
	text          TEXT NOT NULL DEFAULT '',
	attachment    TEXT,
	quoted_id     TEXT,
	status        TEXT NOT NULL DEFAULT 'active',
	recalled_at   INTEGER,
	created_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_messages_recalled ON messages(status, recalled_at);
`

const selectMessage = `
	SELECT id, author_id, author_name, author_avatar, kind, text, attachment,
	       quoted_id, status, recalled_at, created_at
	FROM messages
`

// SQLiteStore implements store.Store for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLite store.
// dbPath is the path to the SQLite database file.
func New(dbPath string) (*SQLiteStore, error) {
	return NewWithSetup(dbPath, nil)
}

// NewWithSetup creates a new SQLite store and runs a setup function.
// Useful for tests to apply schema without migrations.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection; it also serializes the
	// guarded read-modify-write transactions below.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if setup != nil {
		if err := setup(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// ApplySchema is a setup function that creates the reference schema.
func ApplySchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ==== UserStore implementation ====

// UpsertUser records an identity announced by a session.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *store.User) (*store.User, error) {
	query := `
		INSERT INTO users (id, username, avatar, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username, avatar = excluded.avatar
	`
	if _, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.Avatar, time.Now().UnixMilli()); err != nil {
		return nil, fmt.Errorf("upsert user: %w", err)
	}
	return s.GetUserByID(ctx, user.ID)
}

// GetUserByID retrieves a user by ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*store.User, error) {
	query := `SELECT id, username, avatar, created_at FROM users WHERE id = ?`

	var user store.User
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.Avatar, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("user %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	user.CreatedAt = time.UnixMilli(createdAt)

	return &user, nil
}

// ListUsers returns all known users ordered by username.
func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*store.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, username, avatar, created_at FROM users ORDER BY username ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]*store.User, 0)
	for rows.Next() {
		var user store.User
		var createdAt int64
		if err := rows.Scan(&user.ID, &user.Username, &user.Avatar, &createdAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		user.CreatedAt = time.UnixMilli(createdAt)
		users = append(users, &user)
	}

	return users, rows.Err()
}

// ==== MessageStore implementation ====

// CreateMessage persists a new message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *store.Message) (*store.Message, error) {
	if msg.Status == "" {
		msg.Status = store.MessageStatusActive
	}

	attachment, err := encodeAttachment(msg.Attachment)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT INTO messages (id, author_id, author_name, author_avatar, kind, text,
		                      attachment, quoted_id, status, recalled_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		msg.ID,
		msg.AuthorID,
		msg.AuthorName,
		msg.AuthorAvatar,
		msg.Kind,
		msg.Text,
		attachment,
		nullString(msg.QuotedID),
		msg.Status,
		nullMillis(msg.RecalledAt),
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("message %s: %w", msg.ID, store.ErrDuplicateID)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}

	return s.GetMessage(ctx, msg.ID)
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	return msg, nil
}

// UpdateMessage applies patch inside one transaction: the row is read, the
// status guard checked and the write conditioned on the status that was read.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, id string, patch store.MessagePatch) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := scanMessage(tx.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}

	if patch.ExpectStatus != nil && current.Status != *patch.ExpectStatus {
		return nil, fmt.Errorf("message %s is %s, want %s: %w", id, current.Status, *patch.ExpectStatus, store.ErrConflict)
	}
	if patch.Empty() {
		return current, nil
	}

	var sets []string
	var args []any
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Kind != nil {
		sets = append(sets, "kind = ?")
		args = append(args, *patch.Kind)
	}
	if patch.Text != nil {
		sets = append(sets, "text = ?")
		args = append(args, *patch.Text)
	}
	if patch.ClearAttachment {
		sets = append(sets, "attachment = NULL")
	}
	if patch.RecalledAt != nil {
		sets = append(sets, "recalled_at = ?")
		args = append(args, patch.RecalledAt.UnixMilli())
	}
	if patch.ClearRecalledAt {
		sets = append(sets, "recalled_at = NULL")
	}

	query := `UPDATE messages SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND status = ?`
	args = append(args, id, current.Status)

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("update message: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("message %s changed concurrently: %w", id, store.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	patch.Apply(current)
	return current, nil
}

// DeleteMessage removes a message and returns the deleted row.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string, expect *store.MessageStatus) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, err := scanMessage(tx.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, store.ErrNotFound)
		}
		return nil, fmt.Errorf("query message: %w", err)
	}
	if expect != nil && current.Status != *expect {
		return nil, fmt.Errorf("message %s is %s, want %s: %w", id, current.Status, *expect, store.ErrConflict)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND status = ?`, id, current.Status)
	if err != nil {
		return nil, fmt.Errorf("delete message: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return nil, fmt.Errorf("message %s changed concurrently: %w", id, store.ErrConflict)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return current, nil
}

// ListMessages returns all messages ordered by creation time.
func (s *SQLiteStore) ListMessages(ctx context.Context) ([]*store.Message, error) {
	return s.queryMessages(ctx, selectMessage+` ORDER BY created_at ASC, rowid ASC`)
}

// ListRecalledBefore returns recalled messages whose recall time is at or before cutoff.
func (s *SQLiteStore) ListRecalledBefore(ctx context.Context, cutoff time.Time) ([]*store.Message, error) {
	query := selectMessage + ` WHERE status = ? AND recalled_at IS NOT NULL AND recalled_at <= ? ORDER BY recalled_at ASC`
	return s.queryMessages(ctx, query, store.MessageStatusRecalled, cutoff.UnixMilli())
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := make([]*store.Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var msg store.Message
	var attachment, quotedID sql.NullString
	var recalledAt sql.NullInt64
	var createdAt int64

	err := row.Scan(
		&msg.ID,
		&msg.AuthorID,
		&msg.AuthorName,
		&msg.AuthorAvatar,
		&msg.Kind,
		&msg.Text,
		&attachment,
		&quotedID,
		&msg.Status,
		&recalledAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	if attachment.Valid && attachment.String != "" {
		var att store.Attachment
		if err := json.Unmarshal([]byte(attachment.String), &att); err != nil {
			return nil, fmt.Errorf("decode attachment of %s: %w", msg.ID, err)
		}
		msg.Attachment = &att
	}
	if quotedID.Valid {
		msg.QuotedID = &quotedID.String
	}
	if recalledAt.Valid {
		ts := time.UnixMilli(recalledAt.Int64)
		msg.RecalledAt = &ts
	}
	msg.CreatedAt = time.UnixMilli(createdAt)

	return &msg, nil
}

func encodeAttachment(att *store.Attachment) (sql.NullString, error) {
	if att == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(att)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode attachment: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullMillis(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.UnixMilli(), Valid: true}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
