package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/nextkey/keyadmin/pkg/constants"
)

// RedisStore implements CredentialStore on Redis, one string key per
// persisted field under a common prefix. Writes go through MULTI/EXEC so a
// reader never sees a new access token next to an old refresh token.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store using client. An empty prefix selects
// the default "keyadmin:".
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = constants.DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(name string) string {
	return r.prefix + name
}

func (r *RedisStore) keys() []string {
	return []string{
		r.key(constants.AccessTokenKey),
		r.key(constants.RefreshTokenKey),
		r.key(constants.ExpiresAtKey),
	}
}

// LoadToken implements CredentialStore.LoadToken.
func (r *RedisStore) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	values, err := r.client.MGet(ctx, r.keys()...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load session from redis: %w", err)
	}

	names := []string{constants.AccessTokenKey, constants.RefreshTokenKey, constants.ExpiresAtKey}
	kv := make(map[string]string, len(names))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // nil for a missing key
		}
		kv[names[i]] = s
	}

	return DecodeToken(kv)
}

// StoreToken implements CredentialStore.StoreToken.
func (r *RedisStore) StoreToken(ctx context.Context, token *oauth2.Token) error {
	kv := EncodeToken(token)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(constants.AccessTokenKey), kv[constants.AccessTokenKey], 0)
		pipe.Set(ctx, r.key(constants.RefreshTokenKey), kv[constants.RefreshTokenKey], 0)
		if expiry, ok := kv[constants.ExpiresAtKey]; ok {
			pipe.Set(ctx, r.key(constants.ExpiresAtKey), expiry, 0)
		} else {
			pipe.Del(ctx, r.key(constants.ExpiresAtKey))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store session in redis: %w", err)
	}
	return nil
}

// ClearToken implements CredentialStore.ClearToken.
func (r *RedisStore) ClearToken(ctx context.Context) error {
	if err := r.client.Del(ctx, r.keys()...).Err(); err != nil {
		return fmt.Errorf("failed to clear session in redis: %w", err)
	}
	return nil
}

// HasToken implements CredentialStore.HasToken.
func (r *RedisStore) HasToken(ctx context.Context) bool {
	n, err := r.client.Exists(ctx, r.key(constants.AccessTokenKey)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false
	}
	return n > 0
}

// GetStoragePath implements CredentialStore.GetStoragePath.
func (r *RedisStore) GetStoragePath() string {
	return "redis://" + r.prefix
}
