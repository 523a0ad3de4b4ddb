package settings

import (
	"context"
	"errors"
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

// Store provides workspace settings persistence.
type Store struct {
	db DB
}

// NewStore creates a new settings store.
func NewStore(db DB) *Store {
	return &Store{db: db}
}

// Get loads a workspace's settings merged with defaults. An unknown business
// id returns pure defaults rather than an error.
func (s *Store) Get(ctx context.Context, businessID string) (Workspace, error) {
	row := s.db.QueryRow(ctx, `
		SELECT version, autopilot_mode, page_access_token, booking_link, system_prompt,
		       keywords, keyword_phrases, activation_phrases, initial_message, start_followups_on_keyword
		FROM workspace_settings
		WHERE business_id = $1`, businessID)

	w := Workspace{BusinessID: businessID}
	var mode string
	err := row.Scan(
		&w.Version, &mode, &w.PageAccessToken, &w.BookingLink, &w.SystemPrompt,
		&w.Keywords, &w.KeywordPhrases, &w.ActivationPhrases, &w.InitialMessage,
		&w.StartFollowupsOnKeyword,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Defaults(businessID), nil
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("settings: get workspace: %w", err)
	}

	w.AutopilotMode = ParseAutopilotMode(mode)
	return MergeWithDefaults(w), nil
}

// Upsert stores a workspace's settings, bumping the version.
func (s *Store) Upsert(ctx context.Context, w Workspace) (Workspace, error) {
	w = MergeWithDefaults(w)
	now := time.Now().UTC()

	row := s.db.QueryRow(ctx, `
		INSERT INTO workspace_settings (
			business_id, version, autopilot_mode, page_access_token, booking_link, system_prompt,
			keywords, keyword_phrases, activation_phrases, initial_message, start_followups_on_keyword,
			created_at, updated_at
		) VALUES ($1, 1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (business_id) DO UPDATE SET
			version = workspace_settings.version + 1,
			autopilot_mode = EXCLUDED.autopilot_mode,
			page_access_token = EXCLUDED.page_access_token,
			booking_link = EXCLUDED.booking_link,
			system_prompt = EXCLUDED.system_prompt,
			keywords = EXCLUDED.keywords,
			keyword_phrases = EXCLUDED.keyword_phrases,
			activation_phrases = EXCLUDED.activation_phrases,
			initial_message = EXCLUDED.initial_message,
			start_followups_on_keyword = EXCLUDED.start_followups_on_keyword,
			updated_at = EXCLUDED.updated_at
		RETURNING version`,
		w.BusinessID, string(w.AutopilotMode), w.PageAccessToken, w.BookingLink, w.SystemPrompt,
		w.Keywords, w.KeywordPhrases, w.ActivationPhrases, w.InitialMessage,
		w.StartFollowupsOnKeyword, now,
	)

	if err := row.Scan(&w.Version); err != nil {
		return Workspace{}, fmt.Errorf("settings: upsert workspace: %w", err)
	}
	return w, nil
}
