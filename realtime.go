package afterdark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Server → client event types.
const (
	EventNewMessage      = "new_message"
	EventMessageAck      = "message:ack"
	EventMessageReaction = "message:reaction"
	EventPresenceUpdate  = "presence:update"
	EventTypingStart     = "typing:start"
	EventTypingStop      = "typing:stop"
)

// Client → server command types.
const (
	CommandJoin              = "join"
	CommandJoinConversation  = "join_conversation"
	CommandLeaveConversation = "leave_conversation"
	CommandTypingStart       = "typing:start"
	CommandTypingStop        = "typing:stop"
)

// RealtimeEnvelope is the wire format for all realtime frames.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server frame.
type RealtimeCommand struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// PresencePayload is sent when an identity's presence changes.
type PresencePayload struct {
	MessagingID string `json:"messagingId"`
	Status      string `json:"status"`
}

// TypingPayload is sent when someone starts or stops typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures a RealtimeClient.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	// TypingInterval is the minimum gap between typing:start frames for one
	// conversation.
	TypingInterval time.Duration
	HTTPClient     *http.Client
	Logger         *zap.Logger
	Metrics        *Metrics
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.TypingInterval == 0 {
		c.TypingInterval = 3 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// RealtimeEventHandler is the generic event callback type.
type RealtimeEventHandler func(eventType string, payload json.RawMessage)

type eventDispatcher struct {
	mu             sync.RWMutex
	logger         *zap.Logger
	generic        map[string][]RealtimeEventHandler
	onNewMessage   []func(Message)
	onAck          []func(Ack)
	onReaction     []func(Reaction)
	onPresence     []func(PresencePayload)
	onTyping       []func(TypingPayload, bool)
	onConnected    []func()
	onDisconnected []func(string)
	onReconnecting []func(int, time.Duration)
}

func newEventDispatcher(logger *zap.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:  logger,
		generic: make(map[string][]RealtimeEventHandler),
	}
}

// dispatch runs handlers on the read goroutine, preserving frame order.
// Handlers must not block.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Type {
	case EventNewMessage:
		var p Message
		if d.decode(env, &p) {
			if p.Status == "" {
				p.Status = StatusSent
			}
			for _, h := range d.onNewMessage {
				h(p)
			}
		}
	case EventMessageAck:
		var p Ack
		if d.decode(env, &p) {
			for _, h := range d.onAck {
				h(p)
			}
		}
	case EventMessageReaction:
		var p Reaction
		if d.decode(env, &p) {
			for _, h := range d.onReaction {
				h(p)
			}
		}
	case EventPresenceUpdate:
		var p PresencePayload
		if d.decode(env, &p) {
			for _, h := range d.onPresence {
				h(p)
			}
		}
	case EventTypingStart, EventTypingStop:
		var p TypingPayload
		if d.decode(env, &p) {
			for _, h := range d.onTyping {
				h(p, env.Type == EventTypingStart)
			}
		}
	}

	for _, h := range d.generic[env.Type] {
		h(env.Type, env.Payload)
	}
}

func (d *eventDispatcher) decode(env RealtimeEnvelope, v any) bool {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		d.logger.Debug("dropping malformed event", zap.String("type", env.Type), zap.Error(err))
		return false
	}
	return true
}

func (d *eventDispatcher) emitConnected() {
	for _, h := range snapshotHandlers(d, &d.onConnected) {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	for _, h := range snapshotHandlers(d, &d.onDisconnected) {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	for _, h := range snapshotHandlers(d, &d.onReconnecting) {
		h(attempt, delay)
	}
}

func addHandler[H any](d *eventDispatcher, list *[]H, h H) {
	d.mu.Lock()
	*list = append(*list, h)
	d.mu.Unlock()
}

// snapshotHandlers copies list; the copy is called without the lock held.
func snapshotHandlers[H any](d *eventDispatcher, list *[]H) []H {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]H(nil), (*list)...)
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a WebSocket realtime client with auto-reconnect,
// heartbeat and room tracking. Joined rooms are replayed after every
// successful (re)connect.
type RealtimeClient struct {
	url        string
	config     *RealtimeConfig
	logger     *zap.Logger
	dispatcher *eventDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	life             context.Context
	lifeCancel       context.CancelFunc
	connCancel       context.CancelFunc
	rooms            map[string]RealtimeCommand

	typingMu sync.Mutex
	typing   map[string]*rate.Limiter
}

// NewRealtimeClient creates a client for the WebSocket endpoint at url.
func NewRealtimeClient(url string, config *RealtimeConfig) *RealtimeClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	logger := cfg.Logger.Named("realtime")
	return &RealtimeClient{
		url:        url,
		config:     &cfg,
		logger:     logger,
		dispatcher: newEventDispatcher(logger),
		state:      StateDisconnected,
		rooms:      make(map[string]RealtimeCommand),
		typing:     make(map[string]*rate.Limiter),
	}
}

// OnNewMessage registers a handler for new messages.
func (ws *RealtimeClient) OnNewMessage(h func(Message)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onNewMessage, h)
}

// OnAck registers a handler for message acknowledgments.
func (ws *RealtimeClient) OnAck(h func(Ack)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onAck, h)
}

// OnReaction registers a handler for message reactions.
func (ws *RealtimeClient) OnReaction(h func(Reaction)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onReaction, h)
}

// OnPresence registers a handler for presence updates.
func (ws *RealtimeClient) OnPresence(h func(PresencePayload)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onPresence, h)
}

// OnTyping registers a handler for typing start (started=true) and stop.
func (ws *RealtimeClient) OnTyping(h func(p TypingPayload, started bool)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onTyping, h)
}

// OnConnected registers a handler for the connected meta-event. It fires
// after rooms have been rejoined.
func (ws *RealtimeClient) OnConnected(h func()) {
	addHandler(ws.dispatcher, &ws.dispatcher.onConnected, h)
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeClient) OnDisconnected(h func(reason string)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onDisconnected, h)
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	addHandler(ws.dispatcher, &ws.dispatcher.onReconnecting, h)
}

// On registers a generic event handler.
func (ws *RealtimeClient) On(eventType string, h RealtimeEventHandler) {
	d := ws.dispatcher
	d.mu.Lock()
	d.generic[eventType] = append(d.generic[eventType], h)
	d.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// Connect establishes the WebSocket connection.
func (ws *RealtimeClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	if ws.life == nil || ws.life.Err() != nil {
		ws.life, ws.lifeCancel = context.WithCancel(context.Background())
	}
	ws.mu.Unlock()

	if err := ws.dial(ctx); err != nil {
		ws.setState(StateDisconnected)
		return err
	}
	return nil
}

func (ws *RealtimeClient) dial(ctx context.Context) error {
	header := http.Header{}
	if ws.config.Token != "" {
		header.Set("Authorization", "Bearer "+ws.config.Token)
	}
	conn, _, err := websocket.Dial(ctx, ws.url, &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	ws.mu.Lock()
	if ws.intentionalClose {
		ws.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrNotConnected
	}
	connCtx, cancel := context.WithCancel(ws.life)
	ws.conn = conn
	ws.connCancel = cancel
	ws.state = StateConnected
	ws.mu.Unlock()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)

	ws.rejoin(ctx)
	ws.logger.Info("connected", zap.String("url", ws.url))
	ws.dispatcher.emitConnected()
	return nil
}

// Disconnect gracefully closes the connection and stops reconnecting.
func (ws *RealtimeClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.connCancel != nil {
		ws.connCancel()
		ws.connCancel = nil
	}
	if ws.lifeCancel != nil {
		ws.lifeCancel()
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	ws.dispatcher.emitDisconnected("client disconnect")
	return nil
}

// JoinRoom joins an identity-scoped room and keeps it joined across
// reconnects. While disconnected the join is only recorded.
func (ws *RealtimeClient) JoinRoom(ctx context.Context, roomID string) error {
	return ws.track(ctx, "room:"+roomID, RealtimeCommand{
		Type:    CommandJoin,
		Payload: map[string]string{"roomId": roomID},
	})
}

// LeaveRoom stops rejoining roomID after reconnects. The protocol has no
// explicit leave for identity rooms; the server drops membership with the
// connection.
func (ws *RealtimeClient) LeaveRoom(roomID string) {
	ws.mu.Lock()
	delete(ws.rooms, "room:"+roomID)
	ws.mu.Unlock()
}

// JoinConversation joins a conversation room.
func (ws *RealtimeClient) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.track(ctx, "conversation:"+conversationID, RealtimeCommand{
		Type:    CommandJoinConversation,
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// LeaveConversation leaves a conversation room.
func (ws *RealtimeClient) LeaveConversation(ctx context.Context, conversationID string) error {
	ws.mu.Lock()
	delete(ws.rooms, "conversation:"+conversationID)
	ws.mu.Unlock()

	ws.typingMu.Lock()
	delete(ws.typing, conversationID)
	ws.typingMu.Unlock()

	err := ws.Send(ctx, &RealtimeCommand{
		Type:    CommandLeaveConversation,
		Payload: map[string]string{"conversationId": conversationID},
	})
	if err == ErrNotConnected {
		return nil
	}
	return err
}

// Rooms returns the tracked room keys, sorted.
func (ws *RealtimeClient) Rooms() []string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return sortedKeys(ws.rooms)
}

func (ws *RealtimeClient) track(ctx context.Context, key string, cmd RealtimeCommand) error {
	ws.mu.Lock()
	ws.rooms[key] = cmd
	ws.mu.Unlock()

	err := ws.Send(ctx, &cmd)
	if err == ErrNotConnected {
		return nil
	}
	return err
}

func (ws *RealtimeClient) rejoin(ctx context.Context) {
	ws.mu.Lock()
	cmds := make([]RealtimeCommand, 0, len(ws.rooms))
	for _, k := range sortedKeys(ws.rooms) {
		cmds = append(cmds, ws.rooms[k])
	}
	ws.mu.Unlock()

	for i := range cmds {
		if err := ws.Send(ctx, &cmds[i]); err != nil {
			ws.logger.Warn("rejoin failed", zap.String("type", cmds[i].Type), zap.Error(err))
		}
	}
}

// StartTyping announces typing in a conversation. Repeated calls within
// TypingInterval are dropped.
func (ws *RealtimeClient) StartTyping(ctx context.Context, conversationID, senderID string) error {
	ws.typingMu.Lock()
	lim, ok := ws.typing[conversationID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(ws.config.TypingInterval), 1)
		ws.typing[conversationID] = lim
	}
	ws.typingMu.Unlock()
	if !lim.Allow() {
		return nil
	}
	return ws.Send(ctx, &RealtimeCommand{
		Type:    CommandTypingStart,
		Payload: TypingPayload{ConversationID: conversationID, SenderID: senderID},
	})
}

// StopTyping announces that typing stopped.
func (ws *RealtimeClient) StopTyping(ctx context.Context, conversationID, senderID string) error {
	ws.typingMu.Lock()
	delete(ws.typing, conversationID)
	ws.typingMu.Unlock()
	return ws.Send(ctx, &RealtimeCommand{
		Type:    CommandTypingStop,
		Payload: TypingPayload{ConversationID: conversationID, SenderID: senderID},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *RealtimeClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			current := ws.conn == conn
			if current {
				ws.conn = nil
				ws.state = StateDisconnected
				if ws.connCancel != nil {
					ws.connCancel()
					ws.connCancel = nil
				}
			}
			ws.mu.Unlock()
			if intentional || !current {
				return
			}

			ws.logger.Warn("connection lost", zap.Error(err))
			ws.dispatcher.emitDisconnected(err.Error())

			if ws.config.AutoReconnect {
				go ws.reconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.logger.Warn("heartbeat failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *RealtimeClient) reconnect() {
	ws.mu.Lock()
	life := ws.life
	ws.state = StateReconnecting
	ws.mu.Unlock()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = ws.config.ReconnectBaseDelay
	eb.MaxInterval = ws.config.ReconnectMaxDelay
	eb.MaxElapsedTime = 0
	var b backoff.BackOff = eb
	if ws.config.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(ws.config.MaxReconnectAttempts))
	}
	b = backoff.WithContext(b, life)

	attempt := 0
	op := func() error {
		if life.Err() != nil {
			return backoff.Permanent(life.Err())
		}
		attempt++
		ws.config.Metrics.Reconnects.Inc()
		ctx, cancel := context.WithTimeout(life, 15*time.Second)
		defer cancel()
		return ws.dial(ctx)
	}
	notify := func(err error, delay time.Duration) {
		ws.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		ws.dispatcher.emitReconnecting(attempt, delay)
	}
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		ws.logger.Warn("giving up reconnect", zap.Int("attempts", attempt), zap.Error(err))
		ws.setState(StateDisconnected)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
