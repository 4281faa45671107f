package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// revoked:{token_id} -> "1", expiring with the token
const revokedKeyFormat = "revoked:%s"

// RedisRevocationStore checks (and records) token revocations in Redis.
type RedisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore creates a revocation store on an existing client
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

// IsRevoked implements RevocationChecker
func (s *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, fmt.Sprintf(revokedKeyFormat, tokenID)).Result()
	if err != nil {
		return false, errors.Wrap(err, "failed to check token revocation")
	}
	return n > 0, nil
}

// Revoke marks a token id as revoked until its natural expiry
func (s *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	err := s.client.Set(ctx, fmt.Sprintf(revokedKeyFormat, tokenID), "1", ttl).Err()
	return errors.Wrap(err, "failed to revoke token")
}
