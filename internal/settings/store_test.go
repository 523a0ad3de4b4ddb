package settings

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAutopilotMode(t *testing.T) {
	tests := []struct {
		raw  string
		want AutopilotMode
	}{
		{"off", ModeOff},
		{"DISABLED", ModeOff},
		{"full", ModeFull},
		{"All", ModeFull},
		{"lead_capture", ModeLeadCapture},
		{"", ModeLeadCapture},
		{"garbage", ModeLeadCapture},
	}
	for _, tt := range tests {
		if got := ParseAutopilotMode(tt.raw); got != tt.want {
			t.Errorf("ParseAutopilotMode(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestStore_GetReturnsDefaultsForUnknownBusiness(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT version, autopilot_mode").
		WithArgs("page-unknown").
		WillReturnError(pgx.ErrNoRows)

	store := NewStore(mock)
	ws, err := store.Get(context.Background(), "page-unknown")
	require.NoError(t, err)
	assert.Equal(t, "page-unknown", ws.BusinessID)
	assert.Equal(t, ModeLeadCapture, ws.AutopilotMode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetMergesStoredRow(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{
		"version", "autopilot_mode", "page_access_token", "booking_link", "system_prompt",
		"keywords", "keyword_phrases", "activation_phrases", "initial_message", "start_followups_on_keyword",
	}).AddRow(
		int64(3), "full", "tok-123", "https://cal.example/book", "be helpful",
		[]string{"USA"}, "send info", "tell me more", "Hi there!", true,
	)
	mock.ExpectQuery("SELECT version, autopilot_mode").
		WithArgs("page-1").
		WillReturnRows(rows)

	store := NewStore(mock)
	ws, err := store.Get(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, ws.AutopilotMode)
	assert.Equal(t, int64(3), ws.Version)
	assert.Equal(t, []string{"USA"}, ws.Keywords)
	assert.True(t, ws.StartFollowupsOnKeyword)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetPropagatesQueryErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT version, autopilot_mode").
		WithArgs("page-1").
		WillReturnError(errors.New("connection reset"))

	store := NewStore(mock)
	_, err = store.Get(context.Background(), "page-1")
	require.Error(t, err)
}

func TestStore_UpsertBumpsVersion(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO workspace_settings").
		WithArgs("page-1", "full", "tok", "link", "prompt",
			[]string{"USA"}, "", "", "Hello!", false, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(int64(4)))

	store := NewStore(mock)
	ws, err := store.Upsert(context.Background(), Workspace{
		BusinessID:      "page-1",
		AutopilotMode:   ModeFull,
		PageAccessToken: "tok",
		BookingLink:     "link",
		SystemPrompt:    "prompt",
		Keywords:        []string{"USA"},
		InitialMessage:  "Hello!",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), ws.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorkspaceReplacements(t *testing.T) {
	ws := Workspace{BookingLink: "https://cal.example/book"}
	got := ws.Replacements()
	if got["booking_link"] != "https://cal.example/book" {
		t.Errorf("unexpected replacements: %v", got)
	}
}
