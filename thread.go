package afterdark

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultPageSize is the number of messages fetched per history page.
const DefaultPageSize = 20

// ReplyPlaceholder is shown for a reply whose target is outside the
// loaded window.
const ReplyPlaceholder = "attachment"

// MessageSource reads and writes conversation messages.
type MessageSource interface {
	List(ctx context.Context, conversationID string, opts ListMessagesOptions) ([]Message, error)
	Send(ctx context.Context, req SendMessageRequest) (*SentMessage, error)
}

// ReadMarker marks a conversation read for a messaging identity.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID, messagingID string) error
}

// Sender is the identity messages are sent as.
type Sender struct {
	MessagingID string
	Entity      EntityRef
}

// Ack acknowledges a client-originated message.
type Ack struct {
	ClientID  string        `json:"clientId"`
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
}

// Reaction is a reaction applied to a message.
type Reaction struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Emoji          string `json:"emoji"`
}

// SendOptions are optional send parameters.
type SendOptions struct {
	Type         MessageType
	ReplyToID    string
	SharedPostID string
}

// ReplyPreview is what a reply bubble shows of the message it answers.
type ReplyPreview struct {
	MessageID string
	SenderID  string
	Content   string
	Missing   bool
}

// Viewport tracks the scroll position of a thread. Offset is measured from
// the top of the loaded content.
type Viewport struct {
	Offset        float64
	ContentHeight float64
}

// AtBottom reports whether the viewport is scrolled to the end.
func (v Viewport) AtBottom() bool {
	return v.Offset >= v.ContentHeight
}

// PrependResult describes a page of older history added to a thread.
type PrependResult struct {
	Added       int
	AddedHeight float64
}

// ThreadOptions configure a Thread.
type ThreadOptions struct {
	PageSize int
	// Height measures a rendered message; it defaults to 1 per message.
	Height   func(Message) float64
	OnChange func([]Message)
	Posts    *PostEmbeds
	Logger   *zap.Logger
	Metrics  *Metrics
}

// Thread holds the loaded history of one conversation and keeps it in sync
// with the server. Messages are always ordered by CreatedAt ascending.
type Thread struct {
	id       string
	source   MessageSource
	marker   ReadMarker
	sender   func(context.Context) Sender
	pageSize int
	height   func(Message) float64
	onChange func([]Message)
	posts    *PostEmbeds
	logger   *zap.Logger
	metrics  *Metrics

	mu        sync.Mutex
	messages  []Message
	inflight  map[string]bool
	acked     map[string]string
	exhausted bool
	loaded    bool
	closed    bool
	viewport  Viewport
}

// NewThread creates a thread for conversationID. sender is asked for the
// current identity on every send and mark-read.
func NewThread(conversationID string, source MessageSource, marker ReadMarker, sender func(context.Context) Sender, opts *ThreadOptions) *Thread {
	t := &Thread{
		id:       conversationID,
		source:   source,
		marker:   marker,
		sender:   sender,
		pageSize: DefaultPageSize,
		height:   func(Message) float64 { return 1 },
		inflight: make(map[string]bool),
		acked:    make(map[string]string),
	}
	if opts != nil {
		if opts.PageSize > 0 {
			t.pageSize = opts.PageSize
		}
		if opts.Height != nil {
			t.height = opts.Height
		}
		t.onChange = opts.OnChange
		t.posts = opts.Posts
		t.logger = opts.Logger
		t.metrics = opts.Metrics
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	if t.metrics == nil {
		t.metrics = NewMetrics(nil)
	}
	t.logger = t.logger.Named("thread").With(zap.String("conversation_id", conversationID))
	return t
}

// ID returns the conversation id.
func (t *Thread) ID() string {
	return t.id
}

// Messages returns a copy of the loaded messages.
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyMessages(t.messages)
}

// Viewport returns the current scroll state.
func (t *Thread) Viewport() Viewport {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.viewport
}

// ScrollTo records a user scroll.
func (t *Thread) ScrollTo(offset float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.viewport.Offset = offset
}

// Exhausted reports whether older history has run out.
func (t *Thread) Exhausted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exhausted
}

// Close detaches the thread. Results of requests still in flight are
// discarded.
func (t *Thread) Close() {
	t.mu.Lock()
	t.closed = true
	t.onChange = nil
	t.mu.Unlock()
}

// LoadInitial fetches the most recent page, scrolls to the bottom and
// marks the conversation read.
func (t *Thread) LoadInitial(ctx context.Context) error {
	if err := t.reload(ctx, true); err != nil {
		return err
	}
	t.markRead(ctx)
	return nil
}

// Refresh reloads the most recent page and marks the conversation read.
// It is the reaction to an inbound new-message event.
func (t *Thread) Refresh(ctx context.Context) error {
	if err := t.reload(ctx, false); err != nil {
		return err
	}
	t.markRead(ctx)
	return nil
}

// Reload replaces the newest page with the server's copy. Pending messages
// whose send is still in flight survive; every other pending entry is
// superseded.
func (t *Thread) Reload(ctx context.Context) error {
	return t.reload(ctx, false)
}

func (t *Thread) reload(ctx context.Context, initial bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrThreadClosed
	}
	t.mu.Unlock()

	page, err := t.source.List(ctx, t.id, ListMessagesOptions{Limit: t.pageSize})
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	sortMessages(page)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrThreadClosed
	}
	wasAtBottom := t.viewport.AtBottom()

	byServerID := make(map[string]string, len(t.acked))
	for cid, sid := range t.acked {
		byServerID[sid] = cid
	}
	inPage := make(map[string]bool, len(page))
	pageClients := make(map[string]bool, len(page))
	for i := range page {
		if page[i].ClientID == "" {
			page[i].ClientID = byServerID[page[i].ID]
		}
		inPage[page[i].ID] = true
		if page[i].ClientID != "" {
			pageClients[page[i].ClientID] = true
		}
	}

	// A full page that shares no message with the loaded history leaves a
	// hole between them. The older window is dropped and paging restarts
	// from the new page.
	gap := false
	if !initial && len(page) == t.pageSize {
		gap = true
		for _, m := range t.messages {
			if m.ID != "" && !m.Pending() && inPage[m.ID] {
				gap = false
				break
			}
		}
	}

	next := make([]Message, 0, len(t.messages)+len(page))
	if !initial && len(page) == t.pageSize && !gap {
		// Keep previously loaded history strictly older than the new page.
		oldest := page[0].CreatedAt
		for _, m := range t.messages {
			if m.ClientID != "" && t.inflight[m.ClientID] {
				continue
			}
			if m.ID != "" && !m.Pending() && !inPage[m.ID] && m.CreatedAt.Before(oldest) {
				next = append(next, m)
			}
		}
	}
	next = append(next, page...)
	for _, m := range t.messages {
		if m.ClientID == "" || !t.inflight[m.ClientID] || pageClients[m.ClientID] || (m.ID != "" && inPage[m.ID]) {
			continue
		}
		next = append(next, m)
	}
	sortMessages(next)
	t.messages = next
	if initial || !t.loaded {
		t.exhausted = len(page) < t.pageSize
		t.loaded = true
	} else if gap {
		t.exhausted = false
	}
	t.viewport.ContentHeight = t.contentHeightLocked()
	if initial || wasAtBottom {
		t.viewport.Offset = t.viewport.ContentHeight
	}
	emit := t.snapshotLocked()
	t.mu.Unlock()
	emit()
	return nil
}

// LoadOlder fetches the page strictly older than the oldest loaded message
// and prepends it, shifting the scroll offset by exactly the added height so
// the visible content does not move. Once a page comes back short, further
// calls return immediately without a request.
func (t *Thread) LoadOlder(ctx context.Context) (PrependResult, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return PrependResult{}, ErrThreadClosed
	}
	if !t.loaded || t.exhausted {
		t.mu.Unlock()
		return PrependResult{}, nil
	}
	before := ""
	for _, m := range t.messages {
		if m.ID != "" && !m.Pending() {
			before = m.ID
			break
		}
	}
	t.mu.Unlock()
	if before == "" {
		return PrependResult{}, nil
	}

	page, err := t.source.List(ctx, t.id, ListMessagesOptions{Before: before, Limit: t.pageSize})
	if err != nil {
		return PrependResult{}, fmt.Errorf("load older messages: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return PrependResult{}, ErrThreadClosed
	}
	seen := make(map[string]bool, len(t.messages))
	for _, m := range t.messages {
		if m.ID != "" {
			seen[m.ID] = true
		}
	}
	var res PrependResult
	for _, m := range page {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		t.messages = append(t.messages, m)
		res.Added++
		res.AddedHeight += t.height(m)
	}
	sortMessages(t.messages)
	t.exhausted = len(page) < t.pageSize
	t.viewport.ContentHeight = t.contentHeightLocked()
	t.viewport.Offset += res.AddedHeight
	emit := func() {}
	if res.Added > 0 {
		emit = t.snapshotLocked()
	}
	t.mu.Unlock()
	emit()
	return res, nil
}

// Send inserts a pending message immediately, sends it, and then reloads
// the authoritative page whether or not the send succeeded. The returned
// message is the entry that now carries the client id, if any.
func (t *Thread) Send(ctx context.Context, content string, opts *SendOptions) (Message, error) {
	if opts == nil {
		opts = &SendOptions{}
	}
	self := t.sender(ctx)
	if self.MessagingID == "" {
		return Message{}, ErrUnresolvedIdentity
	}
	msgType := opts.Type
	if msgType == "" {
		msgType = MessageText
		if opts.SharedPostID != "" {
			msgType = MessageSharedPost
		}
	}

	clientID := uuid.NewString()
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Message{}, ErrThreadClosed
	}
	pending := Message{
		ClientID:       clientID,
		ConversationID: t.id,
		SenderID:       self.MessagingID,
		Content:        content,
		Type:           msgType,
		CreatedAt:      time.Now().UTC(),
		ReplyToID:      t.resolveReplyLocked(opts.ReplyToID),
		SharedPostID:   opts.SharedPostID,
		Status:         StatusPending,
	}
	t.messages = append(t.messages, pending)
	t.inflight[clientID] = true
	sortMessages(t.messages)
	t.viewport.ContentHeight = t.contentHeightLocked()
	t.viewport.Offset = t.viewport.ContentHeight
	emit := t.snapshotLocked()
	t.mu.Unlock()
	emit()

	req := SendMessageRequest{
		ConversationID: t.id,
		Content:        content,
		Type:           msgType,
		SenderID:       self.MessagingID,
		ClientID:       clientID,
		ReplyToID:      pending.ReplyToID,
		SharedPostID:   opts.SharedPostID,
	}
	if self.Entity.ID != "" {
		req.EntityType = self.Entity.Kind.String()
		req.EntityID = self.Entity.ID
	}
	sent, sendErr := t.source.Send(ctx, req)

	t.mu.Lock()
	delete(t.inflight, clientID)
	if sendErr == nil && sent != nil {
		t.acked[clientID] = sent.ID
		t.applyAckLocked(Ack{ClientID: clientID, MessageID: sent.ID, Status: StatusSent})
	}
	t.mu.Unlock()

	if sendErr != nil {
		t.metrics.MessagesSent.WithLabelValues("error").Inc()
		t.logger.Warn("send failed, reconciling", zap.String("client_id", clientID), zap.Error(sendErr))
	} else {
		t.metrics.MessagesSent.WithLabelValues("ok").Inc()
	}

	if err := t.reload(ctx, false); err != nil && err != ErrThreadClosed {
		t.logger.Warn("reconcile reload failed", zap.String("client_id", clientID), zap.Error(err))
	}

	out, _ := t.byClientID(clientID)
	if sendErr != nil {
		return out, fmt.Errorf("send message: %w", sendErr)
	}
	return out, nil
}

// ReconcileAck applies an acknowledgment to the matching message in place.
// It reports whether a message matched.
func (t *Thread) ReconcileAck(ack Ack) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	if ack.ClientID != "" && ack.MessageID != "" {
		t.acked[ack.ClientID] = ack.MessageID
	}
	if !t.applyAckLocked(ack) {
		t.mu.Unlock()
		return false
	}
	emit := t.snapshotLocked()
	t.mu.Unlock()

	t.metrics.MessageAcks.WithLabelValues(string(StatusPending.Advance(ack.Status))).Inc()
	emit()
	return true
}

func (t *Thread) applyAckLocked(ack Ack) bool {
	for i := range t.messages {
		m := &t.messages[i]
		match := (ack.ClientID != "" && m.ClientID == ack.ClientID) ||
			(ack.ClientID == "" && ack.MessageID != "" && m.ID == ack.MessageID)
		if !match {
			continue
		}
		m.Status = m.Status.Advance(ack.Status)
		if ack.MessageID != "" && m.ID != ack.MessageID {
			m.ID = ack.MessageID
			t.dropDuplicatesLocked(i)
		}
		return true
	}
	return false
}

// dropDuplicatesLocked removes every entry other than t.messages[keep] that
// carries the same server id, folding their status into the kept entry.
func (t *Thread) dropDuplicatesLocked(keep int) {
	kept := t.messages[keep]
	out := make([]Message, 0, len(t.messages))
	dropped := false
	for i, m := range t.messages {
		if i != keep && m.ID == kept.ID {
			kept.Status = kept.Status.Advance(m.Status)
			if kept.Reactions == nil {
				kept.Reactions = m.Reactions
			}
			dropped = true
			continue
		}
		out = append(out, m)
	}
	if !dropped {
		return
	}
	for i := range out {
		if out[i].ID == kept.ID {
			out[i] = kept
		}
	}
	t.messages = out
	t.viewport.ContentHeight = t.contentHeightLocked()
}

// ApplyReaction records r on the loaded message it targets. An empty emoji
// removes the sender's reaction.
func (t *Thread) ApplyReaction(r Reaction) bool {
	t.mu.Lock()
	for i := range t.messages {
		m := &t.messages[i]
		if m.ID != r.MessageID {
			continue
		}
		reactions := maps.Clone(m.Reactions)
		if r.Emoji == "" {
			delete(reactions, r.SenderID)
		} else {
			if reactions == nil {
				reactions = make(map[string]string, 1)
			}
			reactions[r.SenderID] = r.Emoji
		}
		m.Reactions = reactions
		emit := t.snapshotLocked()
		t.mu.Unlock()
		emit()
		return true
	}
	t.mu.Unlock()
	return false
}

// ReplyPreview resolves the message m replies to from the loaded window
// only. A target outside the window degrades to ReplyPlaceholder.
func (t *Thread) ReplyPreview(m Message) (ReplyPreview, bool) {
	if m.ReplyToID == "" {
		return ReplyPreview{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, target := range t.messages {
		if target.ID != m.ReplyToID && target.ClientID != m.ReplyToID {
			continue
		}
		content := target.Content
		if target.Type != MessageText && target.Type != "" {
			content = ReplyPlaceholder
		}
		return ReplyPreview{MessageID: m.ReplyToID, SenderID: target.SenderID, Content: content}, true
	}
	return ReplyPreview{MessageID: m.ReplyToID, Content: ReplyPlaceholder, Missing: true}, true
}

// SharedPost returns the embedded post of m through the post cache.
func (t *Thread) SharedPost(ctx context.Context, m Message) (*Post, error) {
	if m.SharedPostID == "" || t.posts == nil {
		return nil, nil
	}
	return t.posts.Get(ctx, m.SharedPostID)
}

func (t *Thread) markRead(ctx context.Context) {
	if t.marker == nil {
		return
	}
	self := t.sender(ctx)
	if self.MessagingID == "" {
		return
	}
	if err := t.marker.MarkRead(ctx, t.id, self.MessagingID); err != nil {
		t.logger.Debug("mark read failed", zap.Error(err))
	}
}

func (t *Thread) byClientID(clientID string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.messages {
		if m.ClientID == clientID {
			return m, true
		}
	}
	return Message{}, false
}

// resolveReplyLocked maps a reply target given by client id onto its
// server id once that is known.
func (t *Thread) resolveReplyLocked(id string) string {
	if id == "" {
		return ""
	}
	for _, m := range t.messages {
		if m.ClientID == id && m.ID != "" {
			return m.ID
		}
	}
	return id
}

func (t *Thread) contentHeightLocked() float64 {
	h := 0.0
	for _, m := range t.messages {
		h += t.height(m)
	}
	return h
}

// snapshotLocked captures the change listener and the current messages so
// the listener can run after the lock is released.
func (t *Thread) snapshotLocked() func() {
	fn := t.onChange
	if fn == nil {
		return func() {}
	}
	msgs := copyMessages(t.messages)
	return func() { fn(msgs) }
}

// copyMessages returns a copy of msgs that shares no reaction maps with it.
func copyMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Reactions = maps.Clone(m.Reactions)
		out[i] = m
	}
	return out
}

func sortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
