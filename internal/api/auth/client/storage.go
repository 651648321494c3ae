package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/FACorreiaa/go-property-portal/internal/types"
)

// SessionStorage persists a client's session so it can be rehydrated after
// the client is recreated. Load returns nil, nil when nothing is stored.
type SessionStorage interface {
	Load(ctx context.Context, key string) (*types.AuthSession, error)
	Save(ctx context.Context, key string, session *types.AuthSession) error
	Delete(ctx context.Context, key string) error
}

var (
	_ SessionStorage = (*MemoryStorage)(nil)
	_ SessionStorage = (*RedisStorage)(nil)
)

// MemoryStorage keeps sessions in process memory with a fixed lifetime.
type MemoryStorage struct {
	store *cache.Cache
	ttl   time.Duration
}

func NewMemoryStorage(ttl time.Duration) *MemoryStorage {
	return &MemoryStorage{
		store: cache.New(ttl, 10*time.Minute),
		ttl:   ttl,
	}
}

func (m *MemoryStorage) Load(_ context.Context, key string) (*types.AuthSession, error) {
	v, ok := m.store.Get(key)
	if !ok {
		return nil, nil
	}
	s := v.(types.AuthSession)
	return &s, nil
}

func (m *MemoryStorage) Save(_ context.Context, key string, session *types.AuthSession) error {
	if session == nil {
		return errors.New("nil session")
	}
	m.store.Set(key, *session, m.ttl)
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, key string) error {
	m.store.Delete(key)
	return nil
}

// RedisStorage stores sessions as JSON under prefix+key.
type RedisStorage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisStorage(client *redis.Client, prefix string, ttl time.Duration) *RedisStorage {
	return &RedisStorage{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisStorage) Load(ctx context.Context, key string) (*types.AuthSession, error) {
	raw, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var s types.AuthSession
	if err = json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

func (r *RedisStorage) Save(ctx context.Context, key string, session *types.AuthSession) error {
	if session == nil {
		return errors.New("nil session")
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err = r.client.Set(ctx, r.prefix+key, raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (r *RedisStorage) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// NewRedisClient connects and pings, the way the rest of the stack expects a
// ready client.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
