package archive

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_AppendMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO archived_messages").
		WithArgs("page-1_user-1", "assistant", "hello there", "mid-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	err = store.AppendMessage(context.Background(), "page-1_user-1", "assistant", "hello there", "mid-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_History(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{"id", "conversation_id", "role", "content", "coalesce", "created_at"}).
		AddRow(int64(1), "page-1_user-1", "user", "hi", "mid-1", created).
		AddRow(int64(2), "page-1_user-1", "assistant", "hello!", "mid-2", created.Add(time.Minute))
	mock.ExpectQuery("SELECT id, conversation_id, role").
		WithArgs("page-1_user-1", 50).
		WillReturnRows(rows)

	store := NewStore(mock)
	records, err := store.History(context.Background(), "page-1_user-1", 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "hi", records[0].Content)
	assert.Equal(t, "assistant", records[1].Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_GetStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT COUNT").
		WithArgs(since).
		WillReturnRows(pgxmock.NewRows([]string{"conversations", "user_messages", "sent_messages"}).
			AddRow(int64(12), int64(40), int64(37)))

	store := NewStore(mock)
	stats, err := store.GetStats(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, int64(12), stats.Conversations)
	assert.Equal(t, int64(40), stats.UserMessages)
	assert.Equal(t, int64(37), stats.SentMessages)
	assert.NoError(t, mock.ExpectationsWereMet())
}
