package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chroniclehq/chronicle/internal/kv"
)

// RedisUserResolver resolves client→user mappings and primary speaker lists
// from the key–value store.
type RedisUserResolver struct {
	rdb *redis.Client
}

var _ UserResolver = (*RedisUserResolver)(nil)

// NewRedisUserResolver wraps an established connection.
func NewRedisUserResolver(rdb *redis.Client) *RedisUserResolver {
	return &RedisUserResolver{rdb: rdb}
}

// ResolveUser implements UserResolver. An unmapped client yields an empty user
// id without error; a mapped user without a primary-speakers entry yields an
// empty list.
func (r *RedisUserResolver) ResolveUser(ctx context.Context, clientID string) (string, []string, error) {
	userID, err := r.rdb.Get(ctx, kv.ClientUser(clientID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("streaming: resolve user for %s: %w", clientID, err)
	}

	raw, err := r.rdb.Get(ctx, kv.UserPrimarySpeakers(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return userID, nil, nil
	}
	if err != nil {
		return userID, nil, fmt.Errorf("streaming: primary speakers for %s: %w", userID, err)
	}

	var speakers []string
	if err := json.Unmarshal([]byte(raw), &speakers); err != nil {
		return userID, nil, fmt.Errorf("streaming: decode primary speakers for %s: %w", userID, err)
	}
	return userID, speakers, nil
}
