package afterdark

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Signal names a cross-surface broadcast. Publishers and subscribers agree
// on names only; there is no compile-time contract between them.
//
//	SignalSessionChanged       IdentityStore.Update/Clear/Reload → Messenger, ProfileCache
//	SignalProfileUpdated       profile editors → Messenger (inbox refresh)
//	SignalMessageRefresh       Messenger on realtime new_message → inbox badges
//	SignalNotificationRefresh  notification surfaces (payload-free)
//	SignalUnreadMessages       Inbox.List → header badges (payload: int)
//	SignalUnreadNotifications  notification surfaces (payload: int)
type Signal string

const (
	SignalSessionChanged      Signal = "sessionUpdated"
	SignalProfileUpdated      Signal = "profileUpdated"
	SignalMessageRefresh      Signal = "messageRefresh"
	SignalNotificationRefresh Signal = "notificationRefresh"
	SignalUnreadMessages      Signal = "unreadMessagesChanged"
	SignalUnreadNotifications Signal = "unreadNotificationsChanged"
)

// Event is delivered to bridge handlers.
type Event struct {
	Signal  Signal
	Payload any
}

// Handler handles a bridge event.
type Handler func(Event)

type subscription struct {
	seq     uint64
	handler Handler
}

// Bridge is an in-process publish/subscribe bus. Subscriptions are keyed,
// so subscribing twice with the same key replaces the earlier handler
// instead of adding a duplicate.
type Bridge struct {
	mu     sync.RWMutex
	subs   map[Signal]map[string]subscription
	seq    uint64
	logger *zap.Logger
}

// NewBridge creates an empty bridge. A nil logger disables logging.
func NewBridge(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		subs:   make(map[Signal]map[string]subscription),
		logger: logger.Named("bridge"),
	}
}

// Subscribe registers h under key for signal and returns a function that
// removes it. Calling the returned function after the key was re-subscribed
// leaves the newer handler in place.
func (b *Bridge) Subscribe(signal Signal, key string, h Handler) func() {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	if b.subs[signal] == nil {
		b.subs[signal] = make(map[string]subscription)
	}
	b.subs[signal][key] = subscription{seq: seq, handler: h}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[signal][key]; ok && s.seq == seq {
			delete(b.subs[signal], key)
		}
	}
}

// Unsubscribe removes the handler for key. Removing an absent key is a no-op.
func (b *Bridge) Unsubscribe(signal Signal, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[signal], key)
}

// Subscribers returns the number of handlers registered for signal.
func (b *Bridge) Subscribers(signal Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[signal])
}

// Publish delivers the event synchronously to every subscriber in
// registration order. A panicking handler is logged and skipped.
func (b *Bridge) Publish(signal Signal, payload any) {
	b.mu.RLock()
	handlers := make([]subscription, 0, len(b.subs[signal]))
	for _, s := range b.subs[signal] {
		handlers = append(handlers, s)
	}
	b.mu.RUnlock()
	sort.Slice(handlers, func(i, j int) bool { return handlers[i].seq < handlers[j].seq })

	ev := Event{Signal: signal, Payload: payload}
	for _, s := range handlers {
		b.deliver(s.handler, ev)
	}
}

func (b *Bridge) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", zap.String("signal", string(ev.Signal)), zap.Any("panic", r))
		}
	}()
	h(ev)
}
