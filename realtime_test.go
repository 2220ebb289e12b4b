package afterdark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Test server
// ============================================================================

type wsFrame struct {
	Conn    int
	Type    string            `json:"type"`
	Payload map[string]string `json:"payload"`
}

type wsServer struct {
	srv    *httptest.Server
	frames chan wsFrame

	mu    sync.Mutex
	conns []*websocket.Conn
	auth  []string
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{frames: make(chan wsFrame, 256)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.auth = append(s.auth, r.Header.Get("Authorization"))
		idx := len(s.conns) - 1
		s.mu.Unlock()

		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			var f wsFrame
			if json.Unmarshal(data, &f) == nil {
				f.Conn = idx
				s.frames <- f
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) conn(i int) *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

func (s *wsServer) authHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.auth...)
}

func (s *wsServer) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *wsServer) push(t *testing.T, conn int, eventType string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(RealtimeEnvelope{Type: eventType, Payload: raw})
	require.NoError(t, err)
	require.NoError(t, s.conn(conn).Write(context.Background(), websocket.MessageText, data))
}

func (s *wsServer) next(t *testing.T) wsFrame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(3 * time.Second):
		t.Fatal("no frame received")
		return wsFrame{}
	}
}

func (s *wsServer) expectNone(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("unexpected frame %q", f.Type)
	case <-time.After(d):
	}
}

// ============================================================================
// RealtimeClient
// ============================================================================

func TestRealtimeConnectAndRooms(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeClient(s.url(), &RealtimeConfig{Token: "tok-1"})
	ctx := context.Background()

	// Joined before connecting: recorded, sent on connect.
	require.NoError(t, ws.JoinRoom(ctx, "E1"))
	assert.Equal(t, StateDisconnected, ws.State())

	connected := make(chan struct{}, 1)
	ws.OnConnected(func() { connected <- struct{}{} })
	require.NoError(t, ws.Connect(ctx))
	defer ws.Disconnect() //nolint:errcheck
	<-connected

	assert.Equal(t, StateConnected, ws.State())
	assert.Equal(t, []string{"Bearer tok-1"}, s.authHeaders())

	f := s.next(t)
	assert.Equal(t, CommandJoin, f.Type)
	assert.Equal(t, "E1", f.Payload["roomId"])

	require.NoError(t, ws.JoinConversation(ctx, "C1"))
	f = s.next(t)
	assert.Equal(t, CommandJoinConversation, f.Type)
	assert.Equal(t, "C1", f.Payload["conversationId"])
	assert.Equal(t, []string{"conversation:C1", "room:E1"}, ws.Rooms())

	require.NoError(t, ws.LeaveConversation(ctx, "C1"))
	f = s.next(t)
	assert.Equal(t, CommandLeaveConversation, f.Type)
	assert.Equal(t, []string{"room:E1"}, ws.Rooms())
}

func TestRealtimeDispatch(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeClient(s.url(), nil)

	msgs := make(chan Message, 1)
	acks := make(chan Ack, 1)
	reactions := make(chan Reaction, 1)
	presence := make(chan PresencePayload, 1)
	typing := make(chan bool, 2)
	generic := make(chan string, 1)
	ws.OnNewMessage(func(m Message) { msgs <- m })
	ws.OnAck(func(a Ack) { acks <- a })
	ws.OnReaction(func(r Reaction) { reactions <- r })
	ws.OnPresence(func(p PresencePayload) { presence <- p })
	ws.OnTyping(func(p TypingPayload, started bool) { typing <- started })
	ws.On(EventPresenceUpdate, func(eventType string, _ json.RawMessage) { generic <- eventType })

	require.NoError(t, ws.Connect(context.Background()))
	defer ws.Disconnect() //nolint:errcheck
	waitFor(t, func() bool { return s.connCount() == 1 })

	s.push(t, 0, EventNewMessage, map[string]any{"id": "m1", "conversationId": "C1", "senderId": "E2", "content": "yo"})
	m := <-msgs
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, StatusSent, m.Status)

	s.push(t, 0, EventMessageAck, Ack{ClientID: "cid", MessageID: "m2", Status: StatusDelivered})
	assert.Equal(t, Ack{ClientID: "cid", MessageID: "m2", Status: StatusDelivered}, <-acks)

	s.push(t, 0, EventMessageReaction, Reaction{MessageID: "m1", ConversationID: "C1", SenderID: "E2", Emoji: "🔥"})
	assert.Equal(t, "🔥", (<-reactions).Emoji)

	s.push(t, 0, EventPresenceUpdate, PresencePayload{MessagingID: "E2", Status: "online"})
	assert.Equal(t, "online", (<-presence).Status)
	assert.Equal(t, EventPresenceUpdate, <-generic)

	s.push(t, 0, EventTypingStart, TypingPayload{ConversationID: "C1", SenderID: "E2"})
	s.push(t, 0, EventTypingStop, TypingPayload{ConversationID: "C1", SenderID: "E2"})
	assert.True(t, <-typing)
	assert.False(t, <-typing)
}

func TestRealtimeReconnectRejoins(t *testing.T) {
	s := newWSServer(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	ws := NewRealtimeClient(s.url(), &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
		Metrics:            metrics,
	})
	var disconnects, connects atomic.Int32
	ws.OnDisconnected(func(string) { disconnects.Add(1) })
	ws.OnConnected(func() { connects.Add(1) })

	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	defer ws.Disconnect() //nolint:errcheck
	require.NoError(t, ws.JoinRoom(ctx, "E1"))
	require.NoError(t, ws.JoinConversation(ctx, "C1"))
	s.next(t)
	s.next(t)

	require.NoError(t, s.conn(0).Close(websocket.StatusGoingAway, "restart"))

	waitFor(t, func() bool { return connects.Load() == 2 })
	assert.GreaterOrEqual(t, disconnects.Load(), int32(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.Reconnects), 1.0)

	rejoined := map[string]bool{}
	for i := 0; i < 2; i++ {
		f := s.next(t)
		assert.Equal(t, 1, f.Conn, "rejoin goes over the new connection")
		rejoined[f.Type] = true
	}
	assert.True(t, rejoined[CommandJoin])
	assert.True(t, rejoined[CommandJoinConversation])
	assert.Equal(t, StateConnected, ws.State())
}

func TestRealtimeTypingThrottle(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeClient(s.url(), &RealtimeConfig{TypingInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	defer ws.Disconnect() //nolint:errcheck

	require.NoError(t, ws.StartTyping(ctx, "C1", "E1"))
	require.NoError(t, ws.StartTyping(ctx, "C1", "E1"))
	f := s.next(t)
	assert.Equal(t, CommandTypingStart, f.Type)
	assert.Equal(t, "E1", f.Payload["senderId"])

	require.NoError(t, ws.StopTyping(ctx, "C1", "E1"))
	assert.Equal(t, CommandTypingStop, s.next(t).Type)

	// Stopping resets the throttle.
	require.NoError(t, ws.StartTyping(ctx, "C1", "E1"))
	assert.Equal(t, CommandTypingStart, s.next(t).Type)
	s.expectNone(t, 50*time.Millisecond)
}

func TestRealtimeDisconnect(t *testing.T) {
	s := newWSServer(t)
	ws := NewRealtimeClient(s.url(), &RealtimeConfig{AutoReconnect: true})
	ctx := context.Background()
	require.NoError(t, ws.Connect(ctx))
	require.NoError(t, ws.Disconnect())

	assert.Equal(t, StateDisconnected, ws.State())
	assert.ErrorIs(t, ws.Send(ctx, &RealtimeCommand{Type: "noop"}), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, s.connCount(), "no reconnect after an intentional close")
}

func TestRealtimeDialFailure(t *testing.T) {
	ws := NewRealtimeClient("ws://127.0.0.1:1/ws", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, ws.Connect(ctx))
	assert.Equal(t, StateDisconnected, ws.State())
}
