package afterdark

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultPollInterval is how often the Messenger refreshes the inbox when
// nothing else triggers a refresh.
const DefaultPollInterval = 30 * time.Second

// Transport is the realtime surface the Messenger drives. *RealtimeClient
// implements it.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(roomID string)
	JoinConversation(ctx context.Context, conversationID string) error
	LeaveConversation(ctx context.Context, conversationID string) error
	StartTyping(ctx context.Context, conversationID, senderID string) error
	StopTyping(ctx context.Context, conversationID, senderID string) error

	OnNewMessage(func(Message))
	OnAck(func(Ack))
	OnReaction(func(Reaction))
	OnPresence(func(PresencePayload))
	OnTyping(func(p TypingPayload, started bool))
	OnConnected(func())
}

// ============================================================================
// Options
// ============================================================================

type MessengerOption func(*Messenger)

func WithLogger(l *zap.Logger) MessengerOption {
	return func(m *Messenger) { m.logger = l }
}

func WithMetrics(metrics *Metrics) MessengerOption {
	return func(m *Messenger) { m.metrics = metrics }
}

func WithPollInterval(d time.Duration) MessengerOption {
	return func(m *Messenger) { m.pollInterval = d }
}

func WithPageSize(n int) MessengerOption {
	return func(m *Messenger) { m.pageSize = n }
}

func WithTypingTimeout(d time.Duration) MessengerOption {
	return func(m *Messenger) { m.typingTimeout = d }
}

// WithTransport replaces the realtime transport. Passing nil disables
// realtime and leaves the Messenger on polling only.
func WithTransport(t Transport) MessengerOption {
	return func(m *Messenger) {
		m.transport = t
		m.transportSet = true
	}
}

// WithTypingListener is called whenever the typers of a conversation change.
func WithTypingListener(fn func(conversationID string, typers []string)) MessengerOption {
	return func(m *Messenger) { m.onTyping = fn }
}

// ============================================================================
// Messenger
// ============================================================================

// Messenger keeps the active entity's inbox, open threads and realtime
// rooms in sync with the identity store.
//
// Session changes arrive on SignalSessionChanged and are applied on the
// Messenger's own goroutine: the profile cache is rebuilt, the messaging
// id re-resolved, the identity room switched and the inbox refreshed.
type Messenger struct {
	client        *Client
	store         *IdentityStore
	bridge        *Bridge
	resolver      *Resolver
	cache         *ProfileCache
	profiles      *ProfileDirectory
	inbox         *Inbox
	posts         *PostEmbeds
	typing        *TypingTracker
	transport     Transport
	transportSet  bool
	logger        *zap.Logger
	metrics       *Metrics
	pollInterval  time.Duration
	pageSize      int
	typingTimeout time.Duration
	onTyping      func(string, []string)

	sessionCh chan struct{}
	refreshCh chan struct{}
	wireOnce  sync.Once
	wg        sync.WaitGroup

	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
	unsubscribe   func()
	stopped       bool
	entityKey     string
	identity      string
	room          string
	threads       map[string]*Thread
	conversations []Conversation
	unread        int
	presence      map[string]string
}

// NewMessenger creates a Messenger for client and store.
func NewMessenger(client *Client, store *IdentityStore, opts ...MessengerOption) *Messenger {
	m := &Messenger{
		client:       client,
		store:        store,
		bridge:       store.Bridge(),
		pollInterval: DefaultPollInterval,
		pageSize:     DefaultPageSize,
		sessionCh:    make(chan struct{}, 1),
		refreshCh:    make(chan struct{}, 1),
		threads:      make(map[string]*Thread),
		presence:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	if !m.transportSet {
		m.transport = client.Realtime.Connect(&RealtimeConfig{
			AutoReconnect: true,
			Logger:        m.logger,
			Metrics:       m.metrics,
		})
	}

	m.resolver = NewResolver(store, client.Account, m.logger)
	m.cache = NewProfileCache(store.Get())
	m.profiles = NewProfileDirectory(m.cache, client.Profiles, m.metrics, m.logger)
	m.inbox = NewInbox(client.Conversations, m.profiles, m.bridge, m.logger)
	m.posts = NewPostEmbeds(client.Posts, m.logger)
	m.typing = NewTypingTracker(m.typingTimeout, m.onTyping)
	m.logger = m.logger.Named("messenger")
	return m
}

// Start subscribes to session changes, connects the transport and starts
// the background loop. A failed realtime connect is logged; polling keeps
// the inbox current in the meantime. A stopped Messenger cannot be
// restarted.
func (m *Messenger) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrMessengerStopped
	}
	if m.ctx != nil {
		m.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	m.ctx, m.cancel = ctx, cancel
	m.unsubscribe = m.bridge.Subscribe(SignalSessionChanged, "messenger", func(Event) {
		kick(m.sessionCh)
	})
	m.mu.Unlock()

	if m.transport != nil {
		m.wireOnce.Do(m.wireTransport)
		if err := m.transport.Connect(ctx); err != nil {
			m.logger.Warn("realtime connect failed, polling only", zap.Error(err))
		}
	}

	m.wg.Add(1)
	go m.loop(ctx)
	kick(m.sessionCh)
	return nil
}

// Stop halts the loop, disconnects the transport and closes open threads.
// Results of requests still in flight are discarded.
func (m *Messenger) Stop() error {
	m.mu.Lock()
	cancel := m.cancel
	unsubscribe := m.unsubscribe
	threads := m.threads
	m.threads = make(map[string]*Thread)
	m.cancel = nil
	m.unsubscribe = nil
	if cancel != nil {
		m.stopped = true
	}
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
	for _, t := range threads {
		t.Close()
	}
	m.typing.Close()

	var err error
	if m.transport != nil {
		err = m.transport.Disconnect()
	}
	m.wg.Wait()
	return err
}

func (m *Messenger) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.sessionCh:
			m.applySession(ctx)
		case <-m.refreshCh:
			m.RefreshInbox(ctx)
		case <-ticker.C:
			m.RefreshInbox(ctx)
			for _, t := range m.openThreads() {
				if err := t.Reload(ctx); err != nil && err != ErrThreadClosed {
					m.logger.Debug("poll reload failed", zap.String("conversation_id", t.ID()), zap.Error(err))
				}
			}
		}
	}
}

func (m *Messenger) applySession(ctx context.Context) {
	sess := m.store.Get()
	m.cache.Rebuild(sess)

	// A changed entity list gives entities without a messaging id another
	// backfill attempt.
	key := entityListKey(sess)
	m.mu.Lock()
	changed := key != m.entityKey
	m.entityKey = key
	m.mu.Unlock()
	if changed && sess != nil {
		for _, e := range sess.Entities {
			if e.MessagingID == "" {
				m.resolver.Forget(e.Ref())
			}
		}
	}

	id := m.resolver.MessagingID(ctx)
	room, fallback := id, false
	if id == "" {
		room, fallback = IdentityRoom(m.store.Get())
	}
	if ctx.Err() != nil {
		return
	}

	m.mu.Lock()
	prevIdentity, prevRoom := m.identity, m.room
	m.identity, m.room = id, room
	var stale []*Thread
	if prevIdentity != id && prevIdentity != "" {
		for cid, t := range m.threads {
			stale = append(stale, t)
			delete(m.threads, cid)
		}
	}
	m.mu.Unlock()

	for _, t := range stale {
		t.Close()
		if m.transport != nil {
			if err := m.transport.LeaveConversation(ctx, t.ID()); err != nil {
				m.logger.Debug("leave conversation failed", zap.String("conversation_id", t.ID()), zap.Error(err))
			}
		}
	}
	if room != prevRoom {
		m.joinIdentity(ctx, prevRoom, room, fallback)
	}
	m.RefreshInbox(ctx)
}

func entityListKey(s *Session) string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for _, e := range s.Entities {
		b.WriteString(e.Ref().String())
		b.WriteByte('=')
		b.WriteString(e.MessagingID)
		b.WriteByte(';')
	}
	return b.String()
}

func (m *Messenger) joinIdentity(ctx context.Context, prev, room string, fallback bool) {
	if m.transport == nil {
		return
	}
	if prev != "" {
		m.transport.LeaveRoom(prev)
	}
	if room == "" {
		return
	}
	path := "primary"
	if fallback {
		path = "fallback"
		m.logger.Warn("joining identity room by account id", zap.String("path", path), zap.String("room", room))
	} else {
		m.logger.Info("joining identity room", zap.String("path", path), zap.String("room", room))
	}
	m.metrics.RoomJoins.WithLabelValues(path).Inc()
	if err := m.transport.JoinRoom(ctx, room); err != nil {
		m.logger.Warn("identity room join failed", zap.String("room", room), zap.Error(err))
	}
}

// RefreshInbox re-lists the active entity's conversations. On failure the
// previous list and count are kept.
func (m *Messenger) RefreshInbox(ctx context.Context) ([]Conversation, int, error) {
	id := m.resolver.MessagingID(ctx)
	convs, total, err := m.inbox.List(ctx, id)
	if err != nil {
		m.logger.Warn("inbox refresh failed", zap.Error(err))
		return m.Conversations(), m.UnreadCount(), err
	}
	if ctx.Err() != nil {
		return m.Conversations(), m.UnreadCount(), ctx.Err()
	}
	m.mu.Lock()
	m.conversations = convs
	m.unread = total
	m.mu.Unlock()
	return convs, total, nil
}

// Conversations returns the last listed conversations.
func (m *Messenger) Conversations() []Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Conversation(nil), m.conversations...)
}

// UnreadCount returns the last computed aggregate unread count.
func (m *Messenger) UnreadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unread
}

// MessagingID returns the active entity's messaging id, or "".
func (m *Messenger) MessagingID(ctx context.Context) string {
	return m.resolver.MessagingID(ctx)
}

// Presence returns the last reported presence status of messagingID.
func (m *Messenger) Presence(messagingID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presence[messagingID]
}

// Typing returns who is typing in conversationID.
func (m *Messenger) Typing(conversationID string) []string {
	return m.typing.Typing(conversationID)
}

// Posts returns the shared-post cache used by threads.
func (m *Messenger) Posts() *PostEmbeds {
	return m.posts
}

// OpenConversation opens conversationID, joins its room and loads the most
// recent page. An already open thread is returned as is. The thread is
// returned even when the initial load fails.
func (m *Messenger) OpenConversation(ctx context.Context, conversationID string, onChange func([]Message)) (*Thread, error) {
	m.mu.Lock()
	if t, ok := m.threads[conversationID]; ok {
		m.mu.Unlock()
		return t, nil
	}
	t := NewThread(conversationID, m.client.Messages, m.client.Conversations, m.sender, &ThreadOptions{
		PageSize: m.pageSize,
		OnChange: onChange,
		Posts:    m.posts,
		Logger:   m.logger,
		Metrics:  m.metrics,
	})
	m.threads[conversationID] = t
	m.mu.Unlock()

	if m.transport != nil {
		m.metrics.RoomJoins.WithLabelValues("conversation").Inc()
		if err := m.transport.JoinConversation(ctx, conversationID); err != nil {
			m.logger.Warn("conversation join failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	err := t.LoadInitial(ctx)
	kick(m.refreshCh)
	if err != nil {
		return t, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	return t, nil
}

// CloseConversation closes the thread and leaves its room.
func (m *Messenger) CloseConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	t, ok := m.threads[conversationID]
	delete(m.threads, conversationID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	t.Close()
	if m.transport == nil {
		return nil
	}
	return m.transport.LeaveConversation(ctx, conversationID)
}

// Thread returns the open thread for conversationID, if any.
func (m *Messenger) Thread(conversationID string) (*Thread, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[conversationID]
	return t, ok
}

// StartTyping announces that the active entity is typing.
func (m *Messenger) StartTyping(ctx context.Context, conversationID string) error {
	id := m.resolver.MessagingID(ctx)
	if id == "" {
		return ErrUnresolvedIdentity
	}
	if m.transport == nil {
		return ErrNotConnected
	}
	return m.transport.StartTyping(ctx, conversationID, id)
}

// StopTyping announces that the active entity stopped typing.
func (m *Messenger) StopTyping(ctx context.Context, conversationID string) error {
	id := m.resolver.MessagingID(ctx)
	if id == "" {
		return ErrUnresolvedIdentity
	}
	if m.transport == nil {
		return ErrNotConnected
	}
	return m.transport.StopTyping(ctx, conversationID, id)
}

// SwitchEntity makes ref the active entity. The Messenger picks the change
// up from the session signal.
func (m *Messenger) SwitchEntity(ref EntityRef) (*Session, error) {
	return SwitchEntity(m.store, ref)
}

func (m *Messenger) sender(ctx context.Context) Sender {
	s := Sender{MessagingID: m.resolver.MessagingID(ctx)}
	if sess := m.store.Get(); sess != nil && sess.Active != nil {
		s.Entity = sess.Active.Ref()
	}
	return s
}

func (m *Messenger) openThreads() []*Thread {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		out = append(out, t)
	}
	return out
}

func (m *Messenger) running() (context.Context, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil || m.cancel == nil {
		return nil, false
	}
	return m.ctx, true
}

// async runs fn off the transport's read goroutine.
func (m *Messenger) async(fn func(ctx context.Context)) {
	ctx, ok := m.running()
	if !ok {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

// ============================================================================
// Realtime handlers
// ============================================================================

func (m *Messenger) wireTransport() {
	m.transport.OnNewMessage(m.handleNewMessage)
	m.transport.OnAck(m.handleAck)
	m.transport.OnReaction(m.handleReaction)
	m.transport.OnPresence(m.handlePresence)
	m.transport.OnTyping(m.handleTyping)
	m.transport.OnConnected(func() {
		// Anything missed while disconnected is picked up here.
		m.async(func(ctx context.Context) {
			for _, t := range m.openThreads() {
				if err := t.Reload(ctx); err != nil && err != ErrThreadClosed {
					m.logger.Debug("reconnect reload failed", zap.String("conversation_id", t.ID()), zap.Error(err))
				}
			}
			kick(m.refreshCh)
		})
	})
}

func (m *Messenger) handleNewMessage(msg Message) {
	m.typing.Stop(msg.ConversationID, msg.SenderID)
	m.async(func(ctx context.Context) {
		if t, ok := m.Thread(msg.ConversationID); ok {
			if err := t.Refresh(ctx); err != nil && err != ErrThreadClosed {
				m.logger.Debug("refresh after new message failed", zap.String("conversation_id", msg.ConversationID), zap.Error(err))
			}
		}
		m.bridge.Publish(SignalMessageRefresh, msg.ConversationID)
		kick(m.refreshCh)
	})
}

func (m *Messenger) handleAck(ack Ack) {
	for _, t := range m.openThreads() {
		if t.ReconcileAck(ack) {
			return
		}
	}
}

func (m *Messenger) handleReaction(r Reaction) {
	if t, ok := m.Thread(r.ConversationID); ok {
		t.ApplyReaction(r)
		return
	}
	for _, t := range m.openThreads() {
		if t.ApplyReaction(r) {
			return
		}
	}
}

func (m *Messenger) handlePresence(p PresencePayload) {
	m.mu.Lock()
	m.presence[p.MessagingID] = p.Status
	m.mu.Unlock()
}

func (m *Messenger) handleTyping(p TypingPayload, started bool) {
	if started {
		m.typing.Start(p.ConversationID, p.SenderID)
	} else {
		m.typing.Stop(p.ConversationID, p.SenderID)
	}
}

func kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// ============================================================================
// Session helpers
// ============================================================================

// SwitchEntity makes ref the active entity of the stored session. It is a
// local transition followed by the session broadcast; nothing is sent to
// the server.
func SwitchEntity(store *IdentityStore, ref EntityRef) (*Session, error) {
	sess := store.Get()
	if sess == nil {
		return nil, ErrNoSession
	}
	e, ok := sess.Entity(ref)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
	}
	return store.Update(SessionPatch{Active: &e})
}

// Bootstrap fetches the account and its entities once after login and
// stores them. The personal account entity becomes active unless the
// stored active entity is still among the fetched ones.
func Bootstrap(ctx context.Context, client *Client, store *IdentityStore) (*Session, error) {
	acct, err := client.Account.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch account: %w", err)
	}
	entities, err := client.Account.Entities(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch entities: %w", err)
	}
	if acct.Token == "" {
		acct.Token = client.token
	}

	patch := SessionPatch{Account: acct, Entities: entities}
	cur := store.Get()
	keep := false
	if cur != nil && cur.Active != nil {
		for _, e := range entities {
			if e.Ref() == cur.Active.Ref() {
				keep = true
				break
			}
		}
	}
	if !keep && len(entities) > 0 {
		active := entities[0]
		for _, e := range entities {
			if e.Kind == KindAccount {
				active = e
				break
			}
		}
		patch.Active = &active
	}
	return store.Update(patch)
}
