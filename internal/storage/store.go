package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/storage/zapadapter"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrChatNotExist      = errors.New("chat does not exist")
	ErrParticipantExists = errors.New("user is already a chat participant")
	ErrMessageBadChat    = errors.New("bad chat id")
	ErrBadEnum           = errors.New("unknown chat type, role or message type")
)

//go:embed schema.sql
var schema string

// Store defines fields used in db interaction processes.
// Writes are serialized by mu: one insert in flight per process.
type Store struct {
	logger *zap.SugaredLogger
	db     *pgxpool.Pool
	mu     sync.Mutex
}

// New sets provided zap.Logger via zapadapter to pgxpool.Pool and returns instance of Store struct
func New(ctx context.Context, logger *zap.SugaredLogger, cfg Config, opts ...Option) (*Store, error) {
	config, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}
	config.ConnConfig.Logger = zapadapter.NewLogger(logger.Desugar())
	config.ConnConfig.LogLevel = pgx.LogLevelWarn

	for _, opt := range opts {
		opt.apply(config)
	}

	pool, err := pgxpool.ConnectConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ConnectConfig: %w", err)
	}

	return &Store{
		logger: logger,
		db:     pool,
	}, nil
}

// Migrate creates tables and indexes if they do not exist yet
func (s *Store) Migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

// Close closes all pooled connections
func (s *Store) Close() {
	s.db.Close()
}

// CreateChat inserts chat and returns its id
func (s *Store) CreateChat(ctx context.Context, chat Chat) (int64, error) {
	s.logger.Debugf("Creating chat (%s) of type %s", chat.Name, chat.Type)

	now := time.Now()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = now
	}
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = chat.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	sql := "insert into chats (name, chat_type, creator_id, created_at, updated_at) values ($1, $2, $3, $4, $5) returning id"
	err := s.db.QueryRow(ctx, sql, chat.Name, string(chat.Type), chat.CreatorID, chat.CreatedAt, chat.UpdatedAt).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}

	s.logger.Debugf("Created chat (%s) with id %d", chat.Name, id)

	return id, nil
}

// AddChatParticipant inserts a membership row
func (s *Store) AddChatParticipant(ctx context.Context, p ChatParticipant) error {
	s.logger.Debugf("Adding user (id: %d) to chat (id: %d) as %s", p.UserID, p.ChatID, p.Role)

	s.mu.Lock()
	defer s.mu.Unlock()

	sql := "insert into chat_participants (chat_id, user_id, role) values ($1, $2, $3)"
	_, err := s.db.Exec(ctx, sql, p.ChatID, p.UserID, string(p.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrChatNotExist
		}
		return classify(err)
	}

	return nil
}

// CreateMessage inserts message, touches the parent chat's updated_at and returns the message id.
// A zero CreatedAt is replaced with the current time.
func (s *Store) CreateMessage(ctx context.Context, m Message) (int64, error) {
	s.logger.Debugf("Creating message from user (id: %d) in chat (id: %d)", m.SenderID, m.ChatID)

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	editedAt := pgtype.Timestamptz{Status: pgtype.Null}
	if m.EditedAt != nil {
		editedAt = pgtype.Timestamptz{Time: *m.EditedAt, Status: pgtype.Present}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	sql := `with inserted as (
				insert into messages (chat_id, sender_id, content, message_type, created_at, is_edited, edited_at)
				values ($1, $2, $3, $4, $5, $6, $7)
				returning id, chat_id, created_at
			), touched as (
				update chats
				   set updated_at = inserted.created_at
				  from inserted
				 where chats.id = inserted.chat_id
			)
			select id from inserted`
	err := s.db.QueryRow(ctx, sql, m.ChatID, m.SenderID, m.Content, string(m.Type), m.CreatedAt, m.IsEdited, &editedAt).Scan(&id)
	if err != nil {
		return 0, classify(err)
	}

	s.logger.Debugf("Created message with id %d", id)

	return id, nil
}

// Chats returns every chat ordered by id
func (s *Store) Chats(ctx context.Context) ([]Chat, error) {
	sql := "select id, name, chat_type, creator_id, created_at, updated_at from chats order by id"
	rows, err := s.db.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var c Chat
		var chatType string
		if err := rows.Scan(&c.ID, &c.Name, &chatType, &c.CreatorID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.Type = ChatType(chatType)
		chats = append(chats, c)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	s.logger.Debugf("Retrieved %d chats", len(chats))

	return chats, nil
}

// ChatParticipants returns membership rows of a chat
func (s *Store) ChatParticipants(ctx context.Context, chat int64) ([]ChatParticipant, error) {
	sql := "select chat_id, user_id, role from chat_participants where chat_id = $1 order by user_id"
	rows, err := s.db.Query(ctx, sql, chat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []ChatParticipant
	for rows.Next() {
		var p ChatParticipant
		var role string
		if err := rows.Scan(&p.ChatID, &p.UserID, &role); err != nil {
			return nil, err
		}
		p.Role = Role(role)
		participants = append(participants, p)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return participants, nil
}

// RecentMessages returns up to limit latest messages of a chat, sorted by creation time
// (from latest to earliest)
func (s *Store) RecentMessages(ctx context.Context, chat int64, limit int) ([]Message, error) {
	sql := `select id, chat_id, sender_id, content, message_type, created_at, is_edited, edited_at
			  from messages
			 where chat_id = $1
			 order by created_at desc, id desc
			 limit $2`

	rows, err := s.db.Query(ctx, sql, chat, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		var messageType string
		var editedAt pgtype.Timestamptz
		err = rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &messageType, &m.CreatedAt, &m.IsEdited, &editedAt)
		if err != nil {
			return nil, err
		}
		m.Type = MessageType(messageType)
		if editedAt.Status == pgtype.Present {
			t := editedAt.Time
			m.EditedAt = &t
		}
		messages = append(messages, m)
	}

	if rows.Err() != nil {
		return nil, rows.Err()
	}

	return messages, nil
}

// classify maps known constraint violations to package errors
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.ForeignKeyViolation:
			if pgErr.ConstraintName == "messages_chat_id_fkey" {
				return ErrMessageBadChat
			}
			return ErrChatNotExist
		case pgerrcode.UniqueViolation:
			if pgErr.TableName == "chat_participants" {
				return ErrParticipantExists
			}
		case pgerrcode.CheckViolation:
			return ErrBadEnum
		}
	}
	return fmt.Errorf("storage: %w", err)
}
