package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/veltalk/roomsync/remote"
	"github.com/veltalk/roomsync/pkg/log"
)

type profileEntry struct {
	name    string
	expires time.Time
}

// profileResolver caches display-name lookups with a TTL, collapsing
// concurrent lookups for the same user into one remote call. Unknown
// users cache as an empty name so they are not re-resolved on every
// aggregation.
type profileResolver struct {
	store  remote.Store
	ttl    time.Duration
	logger zerolog.Logger
	sf     singleflight.Group

	mu     sync.RWMutex
	byUser map[string]profileEntry
}

func newProfileResolver(store remote.Store, ttl time.Duration, logger zerolog.Logger) *profileResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &profileResolver{
		store:  store,
		ttl:    ttl,
		logger: logger,
		byUser: make(map[string]profileEntry),
	}
}

// displayName returns the resolved name, or empty when the user is
// unknown or the lookup fails. Callers fall back to the raw user ID.
func (r *profileResolver) displayName(ctx context.Context, userID string) string {
	r.mu.RLock()
	e, cached := r.byUser[userID]
	r.mu.RUnlock()
	if cached && time.Now().Before(e.expires) {
		return e.name
	}

	v, err, _ := r.sf.Do(userID, func() (interface{}, error) {
		p, err := r.store.ResolveProfile(ctx, userID)
		if err != nil {
			return nil, err
		}
		name := ""
		if p != nil {
			name = p.DisplayName
		}
		r.mu.Lock()
		r.byUser[userID] = profileEntry{name: name, expires: time.Now().Add(r.ttl)}
		r.mu.Unlock()
		return name, nil
	})
	if err != nil {
		r.logger.Warn().Err(err).Str(log.FieldUserID, userID).Msg("profile lookup failed")
		if cached {
			return e.name // stale beats nothing
		}
		return ""
	}
	return v.(string)
}
