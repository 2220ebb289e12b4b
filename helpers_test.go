package afterdark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC)

// makeHistory returns n confirmed messages one minute apart, oldest first.
func makeHistory(conversationID string, n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{
			ID:             fmt.Sprintf("m%03d", i+1),
			ConversationID: conversationID,
			SenderID:       "E2",
			Content:        fmt.Sprintf("message %d", i+1),
			Type:           MessageText,
			CreatedAt:      testEpoch.Add(time.Duration(i) * time.Minute),
			Status:         StatusSent,
		}
	}
	return out
}

// fakeMessages is an in-memory MessageSource that pages like the server:
// newest page first, "before" exclusive.
type fakeMessages struct {
	mu        sync.Mutex
	history   []Message
	listCalls []ListMessagesOptions
	sent      []SendMessageRequest
	sendErr   error
	listErr   error
	// sendGate, when set, blocks Send until it is closed.
	sendGate chan struct{}
	// echoClientID makes the server echo the client id on listed messages.
	echoClientID bool
	nextID       int
}

func (f *fakeMessages) List(ctx context.Context, conversationID string, opts ListMessagesOptions) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls = append(f.listCalls, opts)
	if f.listErr != nil {
		return nil, f.listErr
	}

	end := len(f.history)
	if opts.Before != "" {
		end = 0
		for i, m := range f.history {
			if m.ID == opts.Before {
				end = i
				break
			}
		}
	}
	start := 0
	if opts.Limit > 0 && end-opts.Limit > 0 {
		start = end - opts.Limit
	}
	page := make([]Message, 0, end-start)
	for _, m := range f.history[start:end] {
		if !f.echoClientID {
			m.ClientID = ""
		}
		page = append(page, m)
	}
	// Newest first, the way the API returns pages.
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, nil
}

func (f *fakeMessages) Send(ctx context.Context, req SendMessageRequest) (*SentMessage, error) {
	f.mu.Lock()
	gate := f.sendGate
	f.sent = append(f.sent, req)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	id := fmt.Sprintf("srv%03d", f.nextID)
	f.history = append(f.history, Message{
		ID:             id,
		ClientID:       req.ClientID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		Type:           req.Type,
		CreatedAt:      time.Now().UTC(),
		ReplyToID:      req.ReplyToID,
		SharedPostID:   req.SharedPostID,
		Status:         StatusSent,
	})
	return &SentMessage{ID: id, SenderID: req.SenderID}, nil
}

func (f *fakeMessages) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listCalls)
}

// fakeMarker records mark-read calls.
type fakeMarker struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeMarker) MarkRead(ctx context.Context, conversationID, messagingID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, conversationID+"@"+messagingID)
	return nil
}

func (f *fakeMarker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func staticSender(id string) func(context.Context) Sender {
	return func(context.Context) Sender {
		return Sender{MessagingID: id, Entity: EntityRef{ID: "acct-1", Kind: KindAccount}}
	}
}

// fakeProfiles is a ProfileSource backed by a map; ids in errs fail with
// the given error and unknown ids are reported as not found.
type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]Profile
	errs     map[string]error
	calls    int
}

func (f *fakeProfiles) ByMessagingID(ctx context.Context, messagingID string) (*Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err, ok := f.errs[messagingID]; ok {
		return nil, err
	}
	p, ok := f.profiles[messagingID]
	if !ok {
		return nil, &APIError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "profile not found"}
	}
	return &p, nil
}

// fakeConversations is a ConversationSource returning a fixed list.
type fakeConversations struct {
	mu      sync.Mutex
	convs   []RemoteConversation
	err     error
	queries []string
}

func (f *fakeConversations) List(ctx context.Context, messagingID string) ([]RemoteConversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, messagingID)
	if f.err != nil {
		return nil, f.err
	}
	return append([]RemoteConversation(nil), f.convs...), nil
}

func (f *fakeConversations) MarkRead(ctx context.Context, conversationID, messagingID string) error {
	return nil
}

func (f *fakeConversations) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// testSession is an account with a personal entity and a bar page; only
// the personal entity has a messaging id.
func testSession() *Session {
	personal := Entity{ID: "acct-1", Kind: KindAccount, Role: RoleCustomer, Name: "Alex", MessagingID: "E1"}
	bar := Entity{ID: "bar-9", Kind: KindBarPage, Role: RoleBar, Name: "The Cellar"}
	return &Session{
		Account:  Account{ID: "acct-1", Name: "Alex", Role: RoleCustomer, Token: "tok"},
		Entities: []Entity{personal, bar},
		Active:   &personal,
	}
}

func seededStore(t *testing.T, s *Session) *IdentityStore {
	t.Helper()
	storage := NewMemoryStorage()
	if s != nil {
		data, err := json.Marshal(s)
		if err != nil {
			t.Fatal(err)
		}
		if err := storage.Save(data); err != nil {
			t.Fatal(err)
		}
	}
	return NewIdentityStore(storage, nil)
}

// writeResult writes an API envelope.
func writeResult(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status >= 300 {
		json.NewEncoder(w).Encode(map[string]any{
			"ok":    false,
			"error": map[string]string{"code": http.StatusText(status), "message": "request failed"},
		})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient("test-token", WithBaseURL(srv.URL))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
