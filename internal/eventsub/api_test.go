package eventsub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/perchbot/perch/errs"
	"github.com/perchbot/perch/internal/credential"
)

func newAPIClient(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	source := credential.NewStaticSource(map[string]credential.Token{
		"9000": {AccessToken: "tok-abc"},
	})
	return NewAPIClient(APIConfig{
		BaseURL:     server.URL,
		ClientID:    "client-xyz",
		BotUserID:   "9000",
		Credentials: source,
	}, nil)
}

func TestCreateSubscription(t *testing.T) {
	var gotBody createRequest
	client := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, subscriptionsPath, r.URL.Path)
		require.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		require.Equal(t, "client-xyz", r.Header.Get("Client-Id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{
			"data": [{"id": "sub-1", "status": "enabled", "type": "stream.online", "version": "1", "cost": 1}],
			"total": 1,
			"total_cost": 1
		}`))
	})

	created, err := client.Create(context.Background(), "stream.online", "1", "100", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", created.UpstreamID)
	require.Equal(t, "enabled", created.Status)
	require.Equal(t, 1, created.Cost)

	require.Equal(t, "stream.online", gotBody.Type)
	require.Equal(t, "100", gotBody.Condition.BroadcasterUserID)
	require.Empty(t, gotBody.Condition.UserID)
	require.Equal(t, "websocket", gotBody.Transport.Method)
	require.Equal(t, "sess-1", gotBody.Transport.SessionID)
}

func TestCreateChatTopicScopesBotUser(t *testing.T) {
	var gotBody createRequest
	client := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data": [{"id": "sub-2", "status": "enabled", "cost": 0}]}`))
	})

	_, err := client.Create(context.Background(), "channel.chat.message", "1", "100", "sess-1")
	require.NoError(t, err)
	require.Equal(t, "100", gotBody.Condition.BroadcasterUserID)
	require.Equal(t, "9000", gotBody.Condition.UserID)
}

func TestCreateCostExceeded(t *testing.T) {
	client := newAPIClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		http.Error(w, `{"error":"Too Many Requests","message":"websocket subscription cost exceeded"}`, http.StatusTooManyRequests)
	})

	_, err := client.Create(context.Background(), "stream.online", "1", "100", "sess-1")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeCostExceeded))
}

func TestCreateAuthFailure(t *testing.T) {
	client := newAPIClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
	})

	_, err := client.Create(context.Background(), "stream.online", "1", "100", "sess-1")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeAuth))
}

func TestNeedsReauthBlocksWithoutCalling(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(server.Close)

	source := credential.NewStaticSource(map[string]credential.Token{
		"9000": {AccessToken: "stale", NeedsReauth: true},
	})
	client := NewAPIClient(APIConfig{
		BaseURL:     server.URL,
		ClientID:    "client-xyz",
		BotUserID:   "9000",
		Credentials: source,
	}, nil)

	_, err := client.Create(context.Background(), "stream.online", "1", "100", "sess-1")
	require.True(t, errs.IsCode(err, errs.CodeAuth))
	require.Zero(t, hits.Load())
}

func TestDeleteSubscription(t *testing.T) {
	client := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		require.Equal(t, "sub-1", r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.Delete(context.Background(), "sub-1"))
}

func TestDeleteMissingSubscription(t *testing.T) {
	client := newAPIClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"Not Found"}`, http.StatusNotFound)
	})

	err := client.Delete(context.Background(), "sub-gone")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestListPaginates(t *testing.T) {
	var calls atomic.Int64
	client := newAPIClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			require.Empty(t, r.URL.Query().Get("after"))
			_, _ = w.Write([]byte(`{
				"data": [{"id": "sub-1", "type": "stream.online", "status": "enabled", "cost": 1,
				          "condition": {"broadcaster_user_id": "100"}}],
				"pagination": {"cursor": "page2"}
			}`))
		default:
			require.Equal(t, "page2", r.URL.Query().Get("after"))
			_, _ = w.Write([]byte(`{
				"data": [{"id": "sub-2", "type": "channel.follow", "status": "enabled", "cost": 1,
				          "condition": {"broadcaster_user_id": "200"}}],
				"pagination": {}
			}`))
		}
	})

	subs, err := client.List(context.Background())
	require.NoError(t, err)
	require.Len(t, subs, 2)
	require.Equal(t, int64(2), calls.Load())
	require.Equal(t, "sub-1", subs[0].UpstreamID)
	require.Equal(t, "100", subs[0].ChannelID)
	require.Equal(t, "sub-2", subs[1].UpstreamID)
	require.Equal(t, "channel.follow", subs[1].Topic)
}
