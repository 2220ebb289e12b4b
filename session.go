package afterdark

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// IdentityStore is the single owner of the cached Session. Every other
// component reads copies through Get and funnels writes through Update, so
// that each change is persisted and announced on the bridge.
type IdentityStore struct {
	mu      sync.Mutex
	storage SessionStorage
	bridge  *Bridge
	logger  *zap.Logger
	session *Session
	raw     []byte
}

// StoreOption configures an IdentityStore.
type StoreOption func(*IdentityStore)

func WithStoreLogger(l *zap.Logger) StoreOption {
	return func(s *IdentityStore) { s.logger = l }
}

// NewIdentityStore rehydrates the session from storage. Missing or corrupt
// records yield an empty store, never an error.
func NewIdentityStore(storage SessionStorage, bridge *Bridge, opts ...StoreOption) *IdentityStore {
	s := &IdentityStore{
		storage: storage,
		bridge:  bridge,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("identity")
	if s.bridge == nil {
		s.bridge = NewBridge(s.logger)
	}
	s.session, s.raw = s.load()
	return s
}

// Bridge returns the bridge the store publishes on.
func (s *IdentityStore) Bridge() *Bridge {
	return s.bridge
}

func (s *IdentityStore) load() (*Session, []byte) {
	data, err := s.storage.Load()
	if err != nil {
		s.logger.Warn("session load failed, treating as absent", zap.Error(err))
		return nil, nil
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		s.logger.Warn("corrupt session record, treating as absent", zap.Error(err))
		return nil, nil
	}
	if sess.Account.ID == "" {
		return nil, nil
	}
	return &sess, data
}

// Get returns a copy of the current session, or nil when signed out.
func (s *IdentityStore) Get() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.Clone()
}

// Update merges patch into the session, persists it and broadcasts
// SignalSessionChanged. A populated messaging id is never replaced by an
// empty one for the same entity.
func (s *IdentityStore) Update(patch SessionPatch) (*Session, error) {
	s.mu.Lock()
	next := mergeSession(s.session, patch)
	if err := s.persistLocked(next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	out := next.Clone()
	s.mu.Unlock()

	s.bridge.Publish(SignalSessionChanged, nil)
	return out, nil
}

// SetMessagingIDIfEmpty records messagingID for ref unless a value is
// already present. It reports whether the store changed.
func (s *IdentityStore) SetMessagingIDIfEmpty(ref EntityRef, messagingID string) (bool, error) {
	if messagingID == "" {
		return false, nil
	}
	s.mu.Lock()
	if s.session == nil {
		s.mu.Unlock()
		return false, ErrNoSession
	}
	next := s.session.Clone()
	changed := false
	for i := range next.Entities {
		if next.Entities[i].Ref() == ref && next.Entities[i].MessagingID == "" {
			next.Entities[i].MessagingID = messagingID
			changed = true
		}
	}
	if next.Active != nil && next.Active.Ref() == ref && next.Active.MessagingID == "" {
		next.Active.MessagingID = messagingID
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return false, nil
	}
	if err := s.persistLocked(next); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	s.bridge.Publish(SignalSessionChanged, nil)
	return true, nil
}

// Clear wipes the session, including the auth token.
func (s *IdentityStore) Clear() error {
	s.mu.Lock()
	if err := s.storage.Remove(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("clear session: %w", err)
	}
	s.session, s.raw = nil, nil
	s.mu.Unlock()

	s.bridge.Publish(SignalSessionChanged, nil)
	return nil
}

// Reload re-reads storage after an external writer changed it. The change
// is broadcast only when the stored record differs from what this store
// last wrote or read.
func (s *IdentityStore) Reload() bool {
	s.mu.Lock()
	sess, raw := s.load()
	if bytes.Equal(raw, s.raw) {
		s.mu.Unlock()
		return false
	}
	s.session, s.raw = sess, raw
	s.mu.Unlock()

	s.logger.Debug("session changed externally")
	s.bridge.Publish(SignalSessionChanged, nil)
	return true
}

func (s *IdentityStore) persistLocked(next *Session) error {
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.storage.Save(data); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	s.session, s.raw = next, data
	return nil
}

// mergeSession applies patch on top of a copy of cur.
func mergeSession(cur *Session, patch SessionPatch) *Session {
	next := cur.Clone()
	if next == nil {
		next = &Session{}
	}

	if a := patch.Account; a != nil {
		if a.ID != "" {
			next.Account.ID = a.ID
		}
		if a.Name != "" {
			next.Account.Name = a.Name
		}
		if a.Avatar != "" {
			next.Account.Avatar = a.Avatar
		}
		if a.Role != "" {
			next.Account.Role = a.Role
		}
		if a.Token != "" {
			next.Account.Token = a.Token
		}
	}

	if patch.Entities != nil {
		known := make(map[EntityRef]string, len(next.Entities))
		for _, e := range next.Entities {
			if e.MessagingID != "" {
				known[e.Ref()] = e.MessagingID
			}
		}
		entities := make([]Entity, len(patch.Entities))
		copy(entities, patch.Entities)
		for i := range entities {
			if entities[i].MessagingID == "" {
				entities[i].MessagingID = known[entities[i].Ref()]
			}
		}
		next.Entities = entities
	}

	if patch.Active != nil {
		active := *patch.Active
		if active.MessagingID == "" {
			if cur != nil && cur.Active != nil && cur.Active.Ref() == active.Ref() {
				active.MessagingID = cur.Active.MessagingID
			}
			if active.MessagingID == "" {
				if e, ok := next.Entity(active.Ref()); ok {
					active.MessagingID = e.MessagingID
				}
			}
		}
		next.Active = &active
	}
	return next
}
