package devserver

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/putto11262002/chatsync/core"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteOption struct {
	// mode can be ro | rw | rwc | memory
	Mode string
	// cache can be shared | private
	Cache string
	// JournalMode be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (o *SQLiteOption) DSN(file string) string {
	var sb strings.Builder
	sb.WriteString("file:")
	sb.WriteString(file)
	if o == nil {
		return sb.String()
	}

	params := make([]string, 0, 3)
	if o.Mode != "" {
		params = append(params, "mode="+o.Mode)
	}
	if o.Cache != "" {
		params = append(params, "cache="+o.Cache)
	}
	if o.JournalMode != "" {
		params = append(params, "_journal_mode="+o.JournalMode)
	}
	if len(params) > 0 {
		sb.WriteString("?")
		sb.WriteString(strings.Join(params, "&"))
	}
	return sb.String()
}

// Store persists messages in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens the database in file and applies the migrations.
func OpenStore(ctx context.Context, file string, opt *SQLiteOption) (*Store, error) {
	db, err := sql.Open("sqlite3", opt.DSN(file))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	// a single connection serializes writers and keeps in-memory databases alive
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("SetDialect: %w", err)
	}
	if err := goose.UpContext(ctx, s.db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveMessage assigns an id and a creation time to m and stores it.
func (s *Store) SaveMessage(ctx context.Context, m core.Message) (core.Message, error) {
	m.ID = uuid.New().String()
	m.CreatedAt = time.Now().UTC()
	m.Pending, m.Unsent = false, false

	query := `INSERT INTO messages (id, client_id, sender_id, receiver_id, channel_id, workspace_id, content, message_type, created_at)
	          VALUES (@id, @client_id, @sender_id, @receiver_id, @channel_id, @workspace_id, @content, @message_type, @created_at)`
	_, err := s.db.ExecContext(ctx, query,
		sql.Named("id", m.ID), sql.Named("client_id", m.ClientID),
		sql.Named("sender_id", m.SenderID), sql.Named("receiver_id", m.ReceiverID),
		sql.Named("channel_id", m.ChannelID), sql.Named("workspace_id", m.WorkspaceID),
		sql.Named("content", m.Content), sql.Named("message_type", string(m.MessageType)),
		sql.Named("created_at", m.CreatedAt.UnixNano()),
	)
	if err != nil {
		return core.Message{}, fmt.Errorf("ExecContext(insert message): %w", err)
	}
	return m, nil
}

// DirectMessages returns a page of the conversation between two users,
// newest first.
func (s *Store) DirectMessages(ctx context.Context, userA, userB string, page core.Page) ([]core.Message, error) {
	query := `SELECT id, client_id, sender_id, receiver_id, channel_id, workspace_id, content, message_type, created_at
	          FROM messages
	          WHERE channel_id = '' AND ((sender_id = @a AND receiver_id = @b) OR (sender_id = @b AND receiver_id = @a))
	          ORDER BY created_at DESC, rowid DESC LIMIT @limit OFFSET @skip`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("a", userA), sql.Named("b", userB),
		sql.Named("limit", limit(page)), sql.Named("skip", page.Skip))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	return scanMessages(rows)
}

// ChannelMessages returns a page of a channel, newest first.
func (s *Store) ChannelMessages(ctx context.Context, channelID string, page core.Page) ([]core.Message, error) {
	query := `SELECT id, client_id, sender_id, receiver_id, channel_id, workspace_id, content, message_type, created_at
	          FROM messages
	          WHERE channel_id = @channel_id
	          ORDER BY created_at DESC, rowid DESC LIMIT @limit OFFSET @skip`
	rows, err := s.db.QueryContext(ctx, query,
		sql.Named("channel_id", channelID),
		sql.Named("limit", limit(page)), sql.Named("skip", page.Skip))
	if err != nil {
		return nil, fmt.Errorf("QueryContext: %w", err)
	}
	return scanMessages(rows)
}

func limit(page core.Page) int {
	if page.Limit <= 0 {
		return core.DefaultPage().Limit
	}
	return page.Limit
}

func scanMessages(rows *sql.Rows) ([]core.Message, error) {
	defer rows.Close()
	messages := make([]core.Message, 0)
	for rows.Next() {
		var (
			m         core.Message
			typ       string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ClientID, &m.SenderID, &m.ReceiverID, &m.ChannelID,
			&m.WorkspaceID, &m.Content, &typ, &createdAt); err != nil {
			return nil, fmt.Errorf("Scan: %w", err)
		}
		m.MessageType = core.MessageType(typ)
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return messages, nil
}
