package instagram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendText(t *testing.T) {
	var gotReq SendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		assert.Equal(t, "tok-123", r.URL.Query().Get("access_token"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		json.NewEncoder(w).Encode(SendResponse{RecipientID: "user1", MessageID: "mid.123"})
	}))
	defer srv.Close()

	c := NewClient()
	c.SetGraphAPIBase(srv.URL)

	mid, err := c.SendText(context.Background(), "tok-123", "user1", "hello!")
	require.NoError(t, err)
	assert.Equal(t, "mid.123", mid)
	assert.Equal(t, "user1", gotReq.Recipient.ID)
	assert.Equal(t, "hello!", gotReq.Message.Text)
}

func TestSendTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(SendResponse{
			Error: &SendError{Message: "outside messaging window", Code: 10},
		})
	}))
	defer srv.Close()

	c := NewClient()
	c.SetGraphAPIBase(srv.URL)

	_, err := c.SendText(context.Background(), "tok", "user1", "too late")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside messaging window")
}
