package afterdark

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingTimeout is how long a typing indicator lives without a stop
// event.
const DefaultTypingTimeout = 5 * time.Second

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// TypingTracker holds the ephemeral "is typing" state per conversation.
// Indicators expire on their own when no stop event arrives.
type TypingTracker struct {
	timeout  time.Duration
	onChange func(conversationID string, typers []string)

	mu     sync.Mutex
	gen    uint64
	active map[string]map[string]typingEntry
	closed bool
}

// NewTypingTracker creates a tracker. onChange, if set, is called with the
// current typers whenever a conversation's set changes.
func NewTypingTracker(timeout time.Duration, onChange func(conversationID string, typers []string)) *TypingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingTracker{
		timeout:  timeout,
		onChange: onChange,
		active:   make(map[string]map[string]typingEntry),
	}
}

// Start marks senderID as typing in conversationID, restarting its expiry.
func (t *TypingTracker) Start(conversationID, senderID string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	users := t.active[conversationID]
	if users == nil {
		users = make(map[string]typingEntry)
		t.active[conversationID] = users
	}
	prev, existed := users[senderID]
	if existed {
		prev.timer.Stop()
	}
	t.gen++
	gen := t.gen
	users[senderID] = typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.timeout, func() { t.expire(conversationID, senderID, gen) }),
	}
	emit := t.emitLocked(conversationID, !existed)
	t.mu.Unlock()
	emit()
}

// Stop clears senderID's indicator in conversationID.
func (t *TypingTracker) Stop(conversationID, senderID string) {
	t.mu.Lock()
	emit := t.removeLocked(conversationID, senderID, 0)
	t.mu.Unlock()
	emit()
}

// Typing returns who is typing in conversationID, sorted.
func (t *TypingTracker) Typing(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typersLocked(conversationID)
}

// Close stops all timers. Later calls to Start are ignored.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, users := range t.active {
		for _, e := range users {
			e.timer.Stop()
		}
	}
	t.active = make(map[string]map[string]typingEntry)
}

func (t *TypingTracker) expire(conversationID, senderID string, gen uint64) {
	t.mu.Lock()
	emit := t.removeLocked(conversationID, senderID, gen)
	t.mu.Unlock()
	emit()
}

// removeLocked deletes the entry; a non-zero gen only removes that exact
// generation so a stale timer cannot clear a refreshed indicator.
func (t *TypingTracker) removeLocked(conversationID, senderID string, gen uint64) func() {
	users := t.active[conversationID]
	e, ok := users[senderID]
	if !ok || (gen != 0 && e.gen != gen) {
		return func() {}
	}
	e.timer.Stop()
	delete(users, senderID)
	if len(users) == 0 {
		delete(t.active, conversationID)
	}
	return t.emitLocked(conversationID, true)
}

func (t *TypingTracker) typersLocked(conversationID string) []string {
	users := t.active[conversationID]
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (t *TypingTracker) emitLocked(conversationID string, changed bool) func() {
	if !changed || t.onChange == nil {
		return func() {}
	}
	fn := t.onChange
	typers := t.typersLocked(conversationID)
	return func() { fn(conversationID, typers) }
}
