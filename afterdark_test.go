package afterdark

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// REST sub-clients
// ============================================================================

func TestAccountClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeResult(w, http.StatusOK, map[string]any{"id": "acct-1", "name": "Alex", "role": "Customer"})
	})
	mux.HandleFunc("/api/me/entities", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, []map[string]any{
			{"id": "acct-1", "type": "Account", "role": "customer", "name": "Alex", "messagingId": "E1"},
			{"id": "dj-4", "type": "BusinessAccount", "role": "dj", "name": "DJ Nova"},
			{"id": "bar-9", "type": "bar_page", "role": "bar", "name": "The Cellar"},
		})
	})
	mux.HandleFunc("/api/accounts/acct-1/entities/Business/dj-4/messaging-id", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusOK, map[string]string{"messagingId": "E4"})
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	t.Run("me", func(t *testing.T) {
		acct, err := client.Account.Me(ctx)
		require.NoError(t, err)
		assert.Equal(t, "acct-1", acct.ID)
		assert.Equal(t, RoleCustomer, acct.Role)
	})

	t.Run("entities normalize kinds", func(t *testing.T) {
		ents, err := client.Account.Entities(ctx)
		require.NoError(t, err)
		require.Len(t, ents, 3)
		assert.Equal(t, KindAccount, ents[0].Kind)
		assert.Equal(t, KindBusiness, ents[1].Kind)
		assert.Equal(t, RoleDJ, ents[1].Role)
		assert.Equal(t, KindBarPage, ents[2].Kind)
	})

	t.Run("messaging id", func(t *testing.T) {
		id, err := client.Account.MessagingID(ctx, "acct-1", EntityRef{ID: "dj-4", Kind: KindBusiness})
		require.NoError(t, err)
		assert.Equal(t, "E4", id)
	})
}

func TestMessagesClient(t *testing.T) {
	var sendBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/api/conversations/C1/messages", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "m010", r.URL.Query().Get("before"))
			assert.Equal(t, "20", r.URL.Query().Get("limit"))
			writeResult(w, http.StatusOK, []map[string]any{
				{"id": "m009", "content": "hey", "senderId": "E2", "createdAt": "2025-06-01T22:00:00Z"},
				{"id": "m008", "content": "", "senderId": "E1", "createdAt": "2025-06-01T21:59:00Z", "type": "shared-post", "sharedPost": "p1", "status": "read"},
			})
		case http.MethodPost:
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&sendBody))
			writeResult(w, http.StatusOK, map[string]string{"id": "srv-1", "senderId": "E1"})
		}
	})
	client := newTestClient(t, mux)
	ctx := context.Background()

	t.Run("list fills defaults", func(t *testing.T) {
		msgs, err := client.Messages.List(ctx, "C1", ListMessagesOptions{Before: "m010", Limit: 20})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "C1", msgs[0].ConversationID)
		assert.Equal(t, MessageText, msgs[0].Type)
		assert.Equal(t, StatusSent, msgs[0].Status)
		assert.Equal(t, MessageSharedPost, msgs[1].Type)
		assert.Equal(t, "p1", msgs[1].SharedPostID)
		assert.Equal(t, StatusRead, msgs[1].Status)
	})

	t.Run("send", func(t *testing.T) {
		sent, err := client.Messages.Send(ctx, SendMessageRequest{
			ConversationID: "C1",
			Content:        "hi",
			SenderID:       "E1",
			EntityType:     "Account",
			EntityID:       "acct-1",
			ClientID:       "cid-1",
		})
		require.NoError(t, err)
		assert.Equal(t, "srv-1", sent.ID)
		assert.Equal(t, "hi", sendBody["content"])
		assert.Equal(t, "text", sendBody["type"])
		assert.Equal(t, "cid-1", sendBody["clientId"])
		assert.NotContains(t, sendBody, "conversationId")
	})
}

func TestNotFoundMapsToSentinel(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusNotFound, nil)
	}))

	_, err := client.Profiles.ByMessagingID(context.Background(), "E9")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	_, err = client.Posts.Get(context.Background(), "p1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServerErrorIsNotNotFound(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, http.StatusBadGateway, nil)
	}))
	_, err := client.Conversations.List(context.Background(), "E1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestRealtimeFactoryURL(t *testing.T) {
	c := NewClient("tok", WithBaseURL("https://api.example.com/"))
	assert.Equal(t, "wss://api.example.com/ws", c.Realtime.WSUrl())

	c = NewClient("tok", WithBaseURL("http://localhost:8080"))
	assert.Equal(t, "ws://localhost:8080/ws", c.Realtime.WSUrl())
}

// ============================================================================
// Types
// ============================================================================

func TestParseEntityKind(t *testing.T) {
	cases := map[string]EntityKind{
		"Account":         KindAccount,
		"BarPage":         KindBarPage,
		"bar_page":        KindBarPage,
		"Business":        KindBusiness,
		"BusinessAccount": KindBusiness,
		"business":        KindBusiness,
		"spaceship":       KindUnknown,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseEntityKind(in), in)
	}
}

func TestParseEntityRef(t *testing.T) {
	ref, err := ParseEntityRef("BusinessAccount:dj-4")
	require.NoError(t, err)
	assert.Equal(t, EntityRef{ID: "dj-4", Kind: KindBusiness}, ref)
	assert.Equal(t, "Business:dj-4", ref.String())

	_, err = ParseEntityRef("dj-4")
	assert.Error(t, err)
	_, err = ParseEntityRef("Spaceship:1")
	assert.Error(t, err)
}

func TestMessageStatusAdvance(t *testing.T) {
	assert.Equal(t, StatusSent, StatusPending.Advance(StatusSent))
	assert.Equal(t, StatusRead, StatusDelivered.Advance(StatusRead))
	assert.Equal(t, StatusRead, StatusRead.Advance(StatusSent))
	assert.Equal(t, StatusDelivered, StatusDelivered.Advance(StatusPending))
	assert.Equal(t, StatusSent, StatusPending.Advance(""))
}
