package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts the pgx query interface for testing.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store mirrors delivered and received messages into Postgres for reporting.
// The operational source of truth stays in the conversation store; archive
// writes are best-effort and callers only log failures.
type Store struct {
	db DB
}

// NewStore creates a new archive store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// AppendMessage records one message in the archive.
func (s *Store) AppendMessage(ctx context.Context, convoKey, role, content, providerMessageID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO archived_messages (conversation_id, role, content, provider_message_id, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)`,
		convoKey, role, content, providerMessageID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("archive: append message: %w", err)
	}
	return nil
}

// MessageRecord is one archived message row.
type MessageRecord struct {
	ID                int64
	ConversationID    string
	Role              string
	Content           string
	ProviderMessageID string
	CreatedAt         time.Time
}

// History returns the archived messages for one conversation, oldest first.
func (s *Store) History(ctx context.Context, convoKey string, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(provider_message_id, ''), created_at
		FROM archived_messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, convoKey, limit)
	if err != nil {
		return nil, fmt.Errorf("archive: load history: %w", err)
	}
	defer rows.Close()

	var records []MessageRecord
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.Role, &r.Content, &r.ProviderMessageID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("archive: scan message: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive: read history: %w", err)
	}
	return records, nil
}

// Stats summarizes archived traffic since a cutoff.
type Stats struct {
	Conversations int64
	UserMessages  int64
	SentMessages  int64
}

// GetStats aggregates message volume since the given time.
func (s *Store) GetStats(ctx context.Context, since time.Time) (Stats, error) {
	row := s.db.QueryRow(ctx, `
		SELECT COUNT(DISTINCT conversation_id),
		       COUNT(*) FILTER (WHERE role = 'user'),
		       COUNT(*) FILTER (WHERE role = 'assistant')
		FROM archived_messages
		WHERE created_at >= $1`, since)

	var st Stats
	if err := row.Scan(&st.Conversations, &st.UserMessages, &st.SentMessages); err != nil {
		return Stats{}, fmt.Errorf("archive: get stats: %w", err)
	}
	return st, nil
}
