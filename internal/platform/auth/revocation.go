package auth

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cm/cm/internal/platform/cache"
)

// RevocationCache answers whether a raw bearer credential has been revoked.
// Entries are written by the identity service on logout and by the revoke
// endpoint; lookups are eventually consistent with those writes.
type RevocationCache interface {
	IsRevoked(ctx context.Context, credential string) (bool, error)
}

// RevocationList is a RevocationCache that also accepts new entries.
type RevocationList interface {
	RevocationCache
	Revoke(ctx context.Context, credential string, ttl time.Duration) error
}

// revokedValue is the marker stored under a revoked credential; only key
// presence matters.
const revokedValue = "1"

// RedisRevocationList keeps revoked credentials as Redis keys that expire
// when the token would have.
type RedisRevocationList struct {
	store *cache.RedisStore
}

// NewRedisRevocationList stores revoked credentials under prefix. The
// identity service writes the same keyspace, so prefix must match its
// configuration.
func NewRedisRevocationList(client *redis.Client, prefix string) *RedisRevocationList {
	return &RedisRevocationList{store: cache.NewRedisStore(client, prefix)}
}

func (l *RedisRevocationList) IsRevoked(ctx context.Context, credential string) (bool, error) {
	if credential == "" {
		return false, nil
	}
	return l.store.Exists(ctx, credential)
}

func (l *RedisRevocationList) Revoke(ctx context.Context, credential string, ttl time.Duration) error {
	if credential == "" {
		return nil
	}
	return l.store.Set(ctx, credential, revokedValue, ttl)
}

// MemoryRevocationList is a single-process revocation list with a background
// sweep of expired entries. Used in development and tests.
type MemoryRevocationList struct {
	mu      sync.RWMutex
	entries map[string]time.Time // credential -> expiry
	done    chan struct{}
}

// NewMemoryRevocationList starts a goroutine that drops expired entries every
// sweep interval. Call Close to stop it.
func NewMemoryRevocationList(sweep time.Duration) *MemoryRevocationList {
	l := &MemoryRevocationList{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go l.cleanupLoop(sweep)
	return l
}

func (l *MemoryRevocationList) Revoke(_ context.Context, credential string, ttl time.Duration) error {
	if credential == "" {
		return nil
	}
	l.mu.Lock()
	l.entries[credential] = time.Now().Add(ttl)
	l.mu.Unlock()
	return nil
}

func (l *MemoryRevocationList) IsRevoked(_ context.Context, credential string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, ok := l.entries[credential]
	return ok, nil
}

// Count returns the number of currently tracked credentials.
func (l *MemoryRevocationList) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Close stops the background cleanup goroutine. It is safe to call
// multiple times.
func (l *MemoryRevocationList) Close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}

func (l *MemoryRevocationList) cleanupLoop(sweep time.Duration) {
	if sweep <= 0 {
		sweep = 5 * time.Minute
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.cleanup(time.Now())
		}
	}
}

// cleanup removes entries whose tokens have expired on their own.
func (l *MemoryRevocationList) cleanup(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for credential, expiresAt := range l.entries {
		if now.After(expiresAt) {
			delete(l.entries, credential)
		}
	}
}
