// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	inMemory := path == ":memory:"
	if !inMemory {
		// Ensure parent directory exists
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dataSourceName(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if inMemory {
		// every connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// dataSourceName builds the modernc DSN. Pragmas are applied per connection;
// immediate transactions take the write lock up front so concurrent appends
// queue on busy_timeout instead of failing on lock upgrade.
func dataSourceName(path string) string {
	pragmas := "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?" + pragmas
	}
	return "file:" + path + "?_pragma=journal_mode(WAL)&" + pragmas
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS app_conversations (
			id                  TEXT PRIMARY KEY,
			participant_a       TEXT NOT NULL,
			participant_b       TEXT NOT NULL,
			last_message        TEXT NOT NULL DEFAULT '',
			last_message_time   TEXT,
			last_message_sender TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			CHECK (participant_a < participant_b)
		);

		CREATE INDEX IF NOT EXISTS idx_app_conversations_a ON app_conversations(participant_a);
		CREATE INDEX IF NOT EXISTS idx_app_conversations_b ON app_conversations(participant_b);

		CREATE TABLE IF NOT EXISTS sms_conversations (
			id                  TEXT PRIMARY KEY,
			owner_identity      TEXT NOT NULL,
			phone_number        TEXT NOT NULL,
			contact_name        TEXT NOT NULL DEFAULT '',
			last_message        TEXT NOT NULL DEFAULT '',
			last_message_time   TEXT,
			last_message_sender TEXT NOT NULL DEFAULT '',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			UNIQUE(owner_identity, phone_number)
		);

		CREATE INDEX IF NOT EXISTS idx_sms_conversations_owner ON sms_conversations(owner_identity);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			channel         TEXT NOT NULL,
			sender          TEXT NOT NULL,
			receiver        TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			type            TEXT NOT NULL DEFAULT 'text',
			media_ref       TEXT,
			is_read         INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (channel IN ('app', 'sms')),
			CHECK (type IN ('text', 'image', 'video', 'audio', 'document', 'location'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(channel, conversation_id, created_at);

		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(channel, conversation_id, receiver, is_read);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("pinging database", err)
	}
	return nil
}

// unavailable tags a driver error so callers can match ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// nullTime stores the zero time as NULL
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

func parseNullTime(field string, value sql.NullString) (time.Time, error) {
	if !value.Valid {
		return time.Time{}, nil
	}
	return parseTime(field, value.String)
}

// scanner is satisfied by *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

const appConversationColumns = `id, participant_a, participant_b, last_message, last_message_time,
	last_message_sender, created_at, updated_at`

func scanAppConversation(row scanner) (*AppConversation, error) {
	var conv AppConversation
	var lastTime sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&conv.ID,
		&conv.Participants[0],
		&conv.Participants[1],
		&conv.LastMessage,
		&lastTime,
		&conv.LastMessageSender,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if conv.LastMessageTime, err = parseNullTime("last_message_time", lastTime); err != nil {
		return nil, err
	}
	if conv.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &conv, nil
}

// UpsertAppConversation inserts conv unless a row with its id already exists,
// then returns the stored row. The insert is a single conditional statement,
// so concurrent callers for the same pair converge on one row.
func (s *SQLiteStore) UpsertAppConversation(ctx context.Context, conv *AppConversation) (*AppConversation, error) {
	query := `
		INSERT INTO app_conversations (id, participant_a, participant_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.Participants[0],
		conv.Participants[1],
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return nil, unavailable("upserting app conversation", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Debug("created app conversation", "id", conv.ID)
	}

	return s.GetAppConversation(ctx, conv.ID)
}

// GetAppConversation retrieves an app conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetAppConversation(ctx context.Context, id string) (*AppConversation, error) {
	query := `SELECT ` + appConversationColumns + ` FROM app_conversations WHERE id = ?`

	conv, err := scanAppConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying app conversation", err)
	}
	return conv, nil
}

// ListAppConversations returns every app conversation identity takes part in,
// most recently active first.
func (s *SQLiteStore) ListAppConversations(ctx context.Context, identity string) ([]*AppConversation, error) {
	query := `
		SELECT ` + appConversationColumns + `
		FROM app_conversations
		WHERE participant_a = ? OR participant_b = ?
		ORDER BY last_message_time DESC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, identity, identity)
	if err != nil {
		return nil, unavailable("querying app conversations", err)
	}
	defer rows.Close()

	var convs []*AppConversation
	for rows.Next() {
		conv, err := scanAppConversation(rows)
		if err != nil {
			return nil, unavailable("scanning app conversation row", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating app conversation rows", err)
	}
	return convs, nil
}

const smsConversationColumns = `id, owner_identity, phone_number, contact_name, last_message,
	last_message_time, last_message_sender, created_at, updated_at`

func scanSmsConversation(row scanner) (*SmsConversation, error) {
	var conv SmsConversation
	var lastTime sql.NullString
	var createdAtStr, updatedAtStr string

	if err := row.Scan(
		&conv.ID,
		&conv.OwnerIdentity,
		&conv.PhoneNumber,
		&conv.ContactName,
		&conv.LastMessage,
		&lastTime,
		&conv.LastMessageSender,
		&createdAtStr,
		&updatedAtStr,
	); err != nil {
		return nil, err
	}

	var err error
	if conv.LastMessageTime, err = parseNullTime("last_message_time", lastTime); err != nil {
		return nil, err
	}
	if conv.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
		return nil, err
	}
	return &conv, nil
}

// CreateSmsConversation inserts a new SMS conversation.
// If one already exists for the same owner and phone number,
// it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateSmsConversation(ctx context.Context, conv *SmsConversation) error {
	query := `
		INSERT INTO sms_conversations (id, owner_identity, phone_number, contact_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.OwnerIdentity,
		conv.PhoneNumber,
		conv.ContactName,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		// Check for UNIQUE constraint violation
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return unavailable("inserting sms conversation", err)
	}

	s.logger.Debug("created sms conversation", "id", conv.ID, "owner", conv.OwnerIdentity)
	return nil
}

// GetSmsConversation retrieves an SMS conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetSmsConversation(ctx context.Context, id string) (*SmsConversation, error) {
	query := `SELECT ` + smsConversationColumns + ` FROM sms_conversations WHERE id = ?`

	conv, err := scanSmsConversation(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying sms conversation", err)
	}
	return conv, nil
}

// GetSmsConversationByKey retrieves an SMS conversation by owner and phone number.
// Returns ErrNotFound if no conversation exists for the pair.
func (s *SQLiteStore) GetSmsConversationByKey(ctx context.Context, owner, phone string) (*SmsConversation, error) {
	query := `
		SELECT ` + smsConversationColumns + `
		FROM sms_conversations
		WHERE owner_identity = ? AND phone_number = ?
	`

	conv, err := scanSmsConversation(s.db.QueryRowContext(ctx, query, owner, phone))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("querying sms conversation by key", err)
	}
	return conv, nil
}

// ListSmsConversations returns every SMS conversation owned by owner,
// most recently active first.
func (s *SQLiteStore) ListSmsConversations(ctx context.Context, owner string) ([]*SmsConversation, error) {
	query := `
		SELECT ` + smsConversationColumns + `
		FROM sms_conversations
		WHERE owner_identity = ?
		ORDER BY last_message_time DESC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, owner)
	if err != nil {
		return nil, unavailable("querying sms conversations", err)
	}
	defer rows.Close()

	var convs []*SmsConversation
	for rows.Next() {
		conv, err := scanSmsConversation(rows)
		if err != nil {
			return nil, unavailable("scanning sms conversation row", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating sms conversation rows", err)
	}
	return convs, nil
}

// conversationTable maps a channel to the table holding its conversations.
func conversationTable(ch Channel) (string, error) {
	switch ch {
	case ChannelApp:
		return "app_conversations", nil
	case ChannelSMS:
		return "sms_conversations", nil
	default:
		return "", fmt.Errorf("unknown channel %q", ch)
	}
}

// AppendMessage inserts msg and overwrites the owning conversation's summary
// in one transaction. The summary only moves forward in time: an append whose
// created_at is older than the stored summary keeps the message but leaves the
// summary alone. Returns ErrNotFound (and writes nothing) if the conversation
// does not exist.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	table, err := conversationTable(msg.Channel)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("beginning append transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	insert := `
		INSERT INTO messages (id, conversation_id, channel, sender, receiver, content, type, media_ref, is_read, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		msg.ID,
		msg.ConversationID,
		string(msg.Channel),
		msg.Sender,
		msg.Receiver,
		msg.Content,
		string(msg.Type),
		nullString(msg.MediaRef),
		msg.IsRead,
		formatTime(msg.CreatedAt),
		formatTime(msg.UpdatedAt),
	); err != nil {
		return unavailable("inserting message", err)
	}

	created := formatTime(msg.CreatedAt)
	summary := `
		UPDATE ` + table + `
		SET last_message = ?, last_message_time = ?, last_message_sender = ?, updated_at = ?
		WHERE id = ? AND (last_message_time IS NULL OR last_message_time <= ?)
	`
	res, err := tx.ExecContext(ctx, summary,
		msg.Content, created, msg.Sender, created, msg.ConversationID, created)
	if err != nil {
		return unavailable("updating conversation summary", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return unavailable("getting rows affected", err)
	}

	if rowsAffected == 0 {
		// Either the conversation is missing or it already shows a newer message
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, msg.ConversationID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return unavailable("checking conversation", err)
		}
		s.logger.Debug("kept newer summary", "conversation_id", msg.ConversationID, "message_id", msg.ID)
	}

	if err := tx.Commit(); err != nil {
		return unavailable("committing append", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "channel", msg.Channel)
	return nil
}

// ListMessages returns all messages of a conversation in chronological order.
func (s *SQLiteStore) ListMessages(ctx context.Context, ref ConversationRef) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, channel, sender, receiver, content, type, media_ref, is_read, created_at, updated_at
		FROM messages
		WHERE channel = ? AND conversation_id = ?
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, string(ref.Channel), ref.ID)
	if err != nil {
		return nil, unavailable("querying messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var channel, msgType string
		var mediaRef sql.NullString
		var createdAtStr, updatedAtStr string

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &channel, &msg.Sender, &msg.Receiver,
			&msg.Content, &msgType, &mediaRef, &msg.IsRead, &createdAtStr, &updatedAtStr); err != nil {
			return nil, unavailable("scanning message row", err)
		}

		msg.Channel = Channel(channel)
		msg.Type = MessageType(msgType)
		msg.MediaRef = mediaRef.String
		if msg.CreatedAt, err = parseTime("created_at", createdAtStr); err != nil {
			return nil, err
		}
		if msg.UpdatedAt, err = parseTime("updated_at", updatedAtStr); err != nil {
			return nil, err
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating message rows", err)
	}

	return messages, nil
}

// MarkRead sets is_read on every unread message in ref addressed to reader
// with one UPDATE and returns the number of rows it changed.
func (s *SQLiteStore) MarkRead(ctx context.Context, ref ConversationRef, reader string, at time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET is_read = 1, updated_at = ?
		WHERE channel = ? AND conversation_id = ? AND receiver = ? AND is_read = 0
	`

	res, err := s.db.ExecContext(ctx, query, formatTime(at), string(ref.Channel), ref.ID, reader)
	if err != nil {
		return 0, unavailable("marking messages read", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("getting rows affected", err)
	}

	s.logger.Debug("marked messages read", "conversation", ref.String(), "reader", reader, "count", n)
	return n, nil
}
