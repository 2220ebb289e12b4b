package afterdark

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// PostSource fetches a post by id. A missing post must be reported with an
// error matching ErrNotFound.
type PostSource interface {
	Get(ctx context.Context, postID string) (*Post, error)
}

// PostEmbeds lazily fetches and caches posts referenced by shared-post
// messages. Concurrent requests for one post share a single fetch.
type PostEmbeds struct {
	source PostSource
	logger *zap.Logger
	group  singleflight.Group

	mu    sync.RWMutex
	cache map[string]*Post
}

func NewPostEmbeds(source PostSource, logger *zap.Logger) *PostEmbeds {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostEmbeds{
		source: source,
		logger: logger.Named("posts"),
		cache:  make(map[string]*Post),
	}
}

// Get returns the post for postID. A post that does not exist comes back
// as a placeholder with Unavailable set; only transient failures return an
// error, and those are not cached.
func (p *PostEmbeds) Get(ctx context.Context, postID string) (*Post, error) {
	p.mu.RLock()
	cached, ok := p.cache[postID]
	p.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := p.group.Do(postID, func() (interface{}, error) {
		post, err := p.source.Get(ctx, postID)
		if errors.Is(err, ErrNotFound) {
			post, err = &Post{ID: postID, Unavailable: true}, nil
		}
		if err != nil {
			p.logger.Debug("post fetch failed", zap.String("post_id", postID), zap.Error(err))
			return nil, err
		}
		p.mu.Lock()
		p.cache[postID] = post
		p.mu.Unlock()
		return post, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Post), nil
}

// Cached reports whether postID is already cached.
func (p *PostEmbeds) Cached(postID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.cache[postID]
	return ok
}
