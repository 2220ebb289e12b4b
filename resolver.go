package afterdark

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ResolveMessagingID derives the active entity's messaging id from s:
// the active entity's own value, then the matching record in the entity
// list, then "". It has no side effects.
func ResolveMessagingID(s *Session) string {
	if s == nil || s.Active == nil {
		return ""
	}
	if s.Active.MessagingID != "" {
		return s.Active.MessagingID
	}
	if e, ok := s.Entity(s.Active.Ref()); ok {
		return e.MessagingID
	}
	return ""
}

// IdentityRoom returns the realtime room the active identity should join.
// When no messaging id is resolvable it falls back to the raw account id and
// reports fallback=true; that id lives in a different identifier space.
func IdentityRoom(s *Session) (room string, fallback bool) {
	if id := ResolveMessagingID(s); id != "" {
		return id, false
	}
	if s != nil && s.Account.ID != "" {
		return s.Account.ID, true
	}
	return "", false
}

// MessagingIDSource looks up an entity's messaging id remotely.
type MessagingIDSource interface {
	MessagingID(ctx context.Context, accountID string, ref EntityRef) (string, error)
}

// Resolver resolves the active messaging id and backfills it from the
// network at most once per entity when the session lacks it.
type Resolver struct {
	store  *IdentityStore
	source MessagingIDSource
	logger *zap.Logger

	group     singleflight.Group
	mu        sync.Mutex
	attempted map[EntityRef]bool
}

// NewResolver creates a resolver. source may be nil to disable backfill.
func NewResolver(store *IdentityStore, source MessagingIDSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		source:    source,
		logger:    logger.Named("resolver"),
		attempted: make(map[EntityRef]bool),
	}
}

// MessagingID returns the active entity's messaging id, or "" when it
// cannot be resolved.
func (r *Resolver) MessagingID(ctx context.Context) string {
	sess := r.store.Get()
	if id := ResolveMessagingID(sess); id != "" || sess == nil || sess.Active == nil {
		return id
	}
	if r.source == nil || sess.Account.ID == "" {
		return ""
	}

	ref := sess.Active.Ref()
	r.mu.Lock()
	done := r.attempted[ref]
	r.attempted[ref] = true
	r.mu.Unlock()
	if done {
		return ResolveMessagingID(r.store.Get())
	}

	v, _, _ := r.group.Do(ref.String(), func() (interface{}, error) {
		id, err := r.source.MessagingID(ctx, sess.Account.ID, ref)
		if err != nil {
			r.logger.Warn("messaging id backfill failed", zap.Stringer("entity", ref), zap.Error(err))
			return "", nil
		}
		if _, err := r.store.SetMessagingIDIfEmpty(ref, id); err != nil {
			r.logger.Warn("messaging id write-back failed", zap.Stringer("entity", ref), zap.Error(err))
		}
		return id, nil
	})

	// A concurrent writer may have won; the store holds the authoritative value.
	if id := ResolveMessagingID(r.store.Get()); id != "" {
		return id
	}
	return v.(string)
}

// Forget clears the one-time backfill marker for ref so a later call may
// try again, e.g. after the entity list was refreshed.
func (r *Resolver) Forget(ref EntityRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempted, ref)
}
