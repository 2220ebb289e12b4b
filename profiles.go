package afterdark

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BannedProfile replaces the real profile of a banned participant.
var BannedProfile = Profile{Name: "Unavailable user", Status: ProfileStatusBanned}

// ProfileCache is a read-only snapshot of the account's own entities keyed
// by messaging id. It is derived from the session and rebuilt whenever the
// session changes; a miss means "ask the network", not "does not exist".
type ProfileCache struct {
	mu       sync.RWMutex
	snapshot map[string]Profile
}

// NewProfileCache builds a cache from s.
func NewProfileCache(s *Session) *ProfileCache {
	c := &ProfileCache{}
	c.Rebuild(s)
	return c
}

// Rebuild replaces the snapshot with one derived from s.
func (c *ProfileCache) Rebuild(s *Session) {
	snap := make(map[string]Profile)
	if s != nil {
		for _, e := range s.Entities {
			if e.MessagingID == "" {
				continue
			}
			snap[e.MessagingID] = Profile{MessagingID: e.MessagingID, Name: e.Name, Avatar: e.Avatar}
		}
		if a := s.Active; a != nil && a.MessagingID != "" {
			if _, ok := snap[a.MessagingID]; !ok {
				snap[a.MessagingID] = Profile{MessagingID: a.MessagingID, Name: a.Name, Avatar: a.Avatar}
			}
		}
	}
	c.mu.Lock()
	c.snapshot = snap
	c.mu.Unlock()
}

// Lookup returns the cached profile for messagingID.
func (c *ProfileCache) Lookup(messagingID string) (Profile, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.snapshot[messagingID]
	return p, ok
}

// Len returns the number of cached profiles.
func (c *ProfileCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshot)
}

// ProfileSource fetches a profile remotely. A missing profile must be
// reported with an error matching ErrNotFound.
type ProfileSource interface {
	ByMessagingID(ctx context.Context, messagingID string) (*Profile, error)
}

// ProfileDirectory resolves display profiles: local cache first, then the
// remote source behind a circuit breaker, then a placeholder carrying the
// raw id as its name. It never fails.
type ProfileDirectory struct {
	cache   *ProfileCache
	source  ProfileSource
	breaker *gobreaker.CircuitBreaker
	metrics *Metrics
	logger  *zap.Logger
}

// NewProfileDirectory creates a directory. source may be nil.
func NewProfileDirectory(cache *ProfileCache, source ProfileSource, metrics *Metrics, logger *zap.Logger) *ProfileDirectory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	d := &ProfileDirectory{
		cache:   cache,
		source:  source,
		metrics: metrics,
		logger:  logger.Named("profiles"),
	}
	d.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "profile-lookup",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Info("circuit state changed", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return d
}

// Resolve returns the display profile for messagingID. status is the
// participant status reported alongside the conversation, if any.
func (d *ProfileDirectory) Resolve(ctx context.Context, messagingID, status string) Profile {
	if status == ProfileStatusBanned {
		return banned(messagingID)
	}
	if d.cache != nil {
		if p, ok := d.cache.Lookup(messagingID); ok {
			d.metrics.ProfileLookups.WithLabelValues("cache").Inc()
			return p
		}
	}
	placeholder := Profile{MessagingID: messagingID, Name: messagingID}
	if d.source == nil {
		return placeholder
	}

	v, err := d.breaker.Execute(func() (interface{}, error) {
		return d.source.ByMessagingID(ctx, messagingID)
	})
	switch {
	case errors.Is(err, ErrNotFound):
		d.metrics.ProfileLookups.WithLabelValues("missing").Inc()
		return placeholder
	case err != nil:
		d.metrics.ProfileLookups.WithLabelValues("error").Inc()
		d.logger.Debug("profile lookup failed", zap.String("messaging_id", messagingID), zap.Error(err))
		return placeholder
	}
	d.metrics.ProfileLookups.WithLabelValues("remote").Inc()

	p := v.(*Profile)
	if p == nil {
		return placeholder
	}
	if p.Status == ProfileStatusBanned {
		return banned(messagingID)
	}
	out := *p
	out.MessagingID = messagingID
	if out.Name == "" {
		out.Name = messagingID
	}
	return out
}

func banned(messagingID string) Profile {
	p := BannedProfile
	p.MessagingID = messagingID
	return p
}
