package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SessionStore maps session ids to the agent they were last routed to.
// Implementations must treat a missing session as ("", nil).
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (string, error)
	Set(ctx context.Context, sessionID, agentID string, ttl time.Duration) error
	Delete(ctx context.Context, sessionID string) error
}

// sessionKeyPrefix namespaces sticky-session keys in Redis.
const sessionKeyPrefix = "valueflow:route:session:"

// RedisSessionStore shares sticky-session state across engine replicas.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client *redis.Client) *RedisSessionStore {
	return &RedisSessionStore{client: client}
}

func (s *RedisSessionStore) Get(ctx context.Context, sessionID string) (string, error) {
	val, err := s.client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return val, nil
}

func (s *RedisSessionStore) Set(ctx context.Context, sessionID, agentID string, ttl time.Duration) error {
	return s.client.Set(ctx, sessionKeyPrefix+sessionID, agentID, ttl).Err()
}

func (s *RedisSessionStore) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKeyPrefix+sessionID).Err()
}

// MemorySessionStore is a process-local session store for single-instance
// deployments and tests.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]memorySession
	now      func() time.Time
}

type memorySession struct {
	agentID   string
	expiresAt time.Time
}

// NewMemorySessionStore creates an in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]memorySession),
		now:      time.Now,
	}
}

// SetClock overrides the expiry clock. Intended for tests.
func (s *MemorySessionStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return "", nil
	}
	if !sess.expiresAt.IsZero() && !s.now().Before(sess.expiresAt) {
		return "", nil
	}
	return sess.agentID, nil
}

func (s *MemorySessionStore) Set(ctx context.Context, sessionID, agentID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := memorySession{agentID: agentID}
	if ttl > 0 {
		sess.expiresAt = s.now().Add(ttl)
	}
	s.sessions[sessionID] = sess
	return nil
}

func (s *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
