package quorumsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestVoteSendsActorAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/items/ticket/t-1/votes", r.URL.Path)
		assert.Equal(t, "alice", r.Header.Get("X-Actor-Id"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "group", body["target_type"])
		assert.EqualValues(t, 60, body["minimal_required_percent"])
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Vote{ID: "v-1", Status: "waiting", StepInstanceID: "si-1"})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "alice"
	percent := 60
	v, err := c.RequestVote(context.Background(), "ticket", "t-1", VoteRequest{TargetType: "group", TargetID: "ops", MinimalRequiredPercent: &percent})
	require.NoError(t, err)
	assert.Equal(t, "v-1", v.ID)
	assert.Equal(t, "si-1", v.StepInstanceID)
}

func TestBearerTokenWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("X-Actor-Id"))
		assert.Equal(t, "ops,qa", r.URL.Query().Get("groups"))
		json.NewEncoder(w).Encode(map[string]any{"count": 3})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "alice"
	c.BearerToken = "tok"
	n, err := c.PendingCount(context.Background(), "bob", []string{"ops", "qa"})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"missing_refusal_reason","message":"a reason is required"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).AnswerVote(context.Background(), "v-1", "refused", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "missing_refusal_reason", apiErr.Code)
}

func TestDeleteAcceptsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()
	require.NoError(t, New(srv.URL).DeleteVote(context.Background(), "v-1"))
}
