package environment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"onboarding-crm/internal/common/errors"
	"onboarding-crm/internal/common/logger"
)

// Store persists the selected non-production environment so every replica
// agrees on it.
type Store interface {
	Load(ctx context.Context) (Environment, bool, error)
	Save(ctx context.Context, env Environment) error
}

type RedisStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisStore creates a selection store backed by one Redis key.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Load(ctx context.Context) (Environment, bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", s.key, err)
	}
	return Environment(val), true, nil
}

func (s *RedisStore) Save(ctx context.Context, env Environment) error {
	if err := s.client.Set(ctx, s.key, string(env), 0).Err(); err != nil {
		return fmt.Errorf("write %s: %w", s.key, err)
	}
	return nil
}

// MemoryStore keeps the selection in process. Used when Redis is not
// configured and in tests.
type MemoryStore struct {
	mu    sync.Mutex
	value Environment
	set   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Environment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.set, nil
}

func (s *MemoryStore) Save(_ context.Context, env Environment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = env
	s.set = true
	return nil
}

// Selector is the cached view of the selected environment. Reads within the
// TTL are served from memory; a failed store read keeps the last known value.
type Selector struct {
	store    Store
	fallback Environment
	ttl      time.Duration
	logger   logger.Logger
	now      func() time.Time

	mu        sync.RWMutex
	current   Environment
	fetchedAt time.Time

	// generation changes on every Set; refreshes that began earlier are dropped.
	generation uint64
}

// NewSelector creates a selector that caches the stored value for ttl.
func NewSelector(store Store, fallback Environment, ttl time.Duration, log logger.Logger) *Selector {
	if !fallback.Selectable() {
		fallback = Development
	}
	return &Selector{
		store:    store,
		fallback: fallback,
		ttl:      ttl,
		logger:   log.WithFields(map[string]interface{}{"component": "environment-selector"}),
		now:      time.Now,
		current:  fallback,
	}
}

// Current returns the selected environment, refreshing from the store once
// the cached value is older than the TTL.
func (s *Selector) Current(ctx context.Context) Environment {
	s.mu.RLock()
	if !s.fetchedAt.IsZero() && s.now().Sub(s.fetchedAt) < s.ttl {
		env := s.current
		s.mu.RUnlock()
		return env
	}
	generation := s.generation
	s.mu.RUnlock()

	env, found, err := s.store.Load(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != generation {
		return s.current
	}
	s.fetchedAt = s.now()

	switch {
	case err != nil:
		s.logger.Warn("Environment store unavailable, keeping last known value", map[string]interface{}{
			"error":   err.Error(),
			"current": string(s.current),
		})
	case !found:
		s.current = s.fallback
	case !env.Selectable():
		s.logger.Warn("Ignoring unselectable stored environment", map[string]interface{}{
			"stored": string(env),
		})
		s.current = s.fallback
	default:
		s.current = env
	}
	return s.current
}

// Set changes the selection for subsequent resolutions. Only development and
// test are accepted.
func (s *Selector) Set(ctx context.Context, env Environment) error {
	if !env.Selectable() {
		return errors.NewInvalidEnvironmentError(string(env))
	}
	if err := s.store.Save(ctx, env); err != nil {
		return errors.NewInternalError(err)
	}

	s.mu.Lock()
	previous := s.current
	s.current = env
	s.fetchedAt = s.now()
	s.generation++
	s.mu.Unlock()

	s.logger.Info("Environment selection changed", map[string]interface{}{
		"from": string(previous),
		"to":   string(env),
	})
	return nil
}
