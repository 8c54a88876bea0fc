package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"momo-orchestrator/domain"
	"momo-orchestrator/providers"

	"github.com/redis/go-redis/v9"
)

// Reference lock states.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	// Short, so a crashed instance cannot block a reference for long.
	InProgressExpiry = 30 * time.Second
	CompletedExpiry  = 24 * time.Hour
)

// ReferenceLock keeps two initiations with the same reference from reaching
// the provider at the same time.
type ReferenceLock interface {
	CheckOrSetInProgress(ctx context.Context, provider domain.Provider, reference string) (bool, error)
	SetCompleted(ctx context.Context, provider domain.Provider, reference string) error
	Release(ctx context.Context, provider domain.Provider, reference string) error
}

// RedisStore implements ReferenceLock and providers.TokenStore.
type RedisStore struct {
	client *redis.Client
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Client() *redis.Client {
	return r.client
}

func referenceKey(provider domain.Provider, reference string) string {
	return fmt.Sprintf("ref:%s:%s", provider, reference)
}

func tokenKey(provider domain.Provider) string {
	return fmt.Sprintf("token:%s", provider)
}

// CheckOrSetInProgress returns (true, nil) when the reference was already
// completed, (true, ErrReferenceInProgress) when another call holds it, and
// (false, nil) when this call now holds it.
func (r *RedisStore) CheckOrSetInProgress(ctx context.Context, provider domain.Provider, reference string) (bool, error) {
	key := referenceKey(provider, reference)

	status, err := r.client.Get(ctx, key).Result()
	if err == nil && status == StatusCompleted {
		return true, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("redis GET error: %w", err)
	}

	// SET NX checks and sets atomically.
	set, err := r.client.SetNX(ctx, key, StatusInProgress, InProgressExpiry).Result()
	if err != nil {
		return false, fmt.Errorf("redis SETNX error: %w", err)
	}
	if !set {
		return true, domain.ErrReferenceInProgress
	}
	return false, nil
}

func (r *RedisStore) SetCompleted(ctx context.Context, provider domain.Provider, reference string) error {
	return r.client.Set(ctx, referenceKey(provider, reference), StatusCompleted, CompletedExpiry).Err()
}

// Release drops an in-progress marker after a failed initiation so the
// caller can retry with the same reference.
func (r *RedisStore) Release(ctx context.Context, provider domain.Provider, reference string) error {
	return r.client.Del(ctx, referenceKey(provider, reference)).Err()
}

type storedToken struct {
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (r *RedisStore) GetToken(ctx context.Context, provider domain.Provider) (*providers.AccessToken, error) {
	raw, err := r.client.Get(ctx, tokenKey(provider)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET error: %w", err)
	}

	var tok storedToken
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("corrupt cached token: %w", err)
	}
	return &providers.AccessToken{Value: tok.Value, ExpiresAt: tok.ExpiresAt}, nil
}

func (r *RedisStore) SetToken(ctx context.Context, provider domain.Provider, token *providers.AccessToken) error {
	ttl := time.Until(token.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(storedToken{Value: token.Value, ExpiresAt: token.ExpiresAt})
	if err != nil {
		return err
	}
	return r.client.Set(ctx, tokenKey(provider), payload, ttl).Err()
}

func (r *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
