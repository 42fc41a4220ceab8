package storage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
)

var messageColumns = []string{"chat_id", "sender_id", "content", "message_type", "created_at", "is_edited", "edited_at"}

type messageBulk struct {
	rows []Message
	idx  int
}

func copyFromMessages(rows []Message) pgx.CopyFromSource {
	return &messageBulk{
		rows: rows,
		idx:  -1,
	}
}

func (mb *messageBulk) Next() bool {
	mb.idx++
	return mb.idx < len(mb.rows)
}

func (mb *messageBulk) Values() ([]interface{}, error) {
	m := mb.rows[mb.idx]
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return []interface{}{m.ChatID, m.SenderID, m.Content, string(m.Type), createdAt, m.IsEdited, m.EditedAt}, nil
}

func (mb *messageBulk) Err() error {
	return nil
}

// ImportMessages bulk loads historical messages via COPY and returns the number of copied rows.
// Ids are assigned by the database and not reported back; chats' updated_at is not touched.
func (s *Store) ImportMessages(ctx context.Context, messages []Message) (int64, error) {
	s.logger.Debugf("Importing %d messages", len(messages))

	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"messages"}, messageColumns, copyFromMessages(messages))
	if err != nil {
		return 0, classify(err)
	}

	return n, nil
}
