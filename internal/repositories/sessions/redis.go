package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/casalink/casalink/internal/common"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "session:"

// RedisRepository stores sessions in Redis, keyed by token hash. The TTL
// is only an upper bound used to garbage-collect rows; the authoritative
// expiry check stays in the auth layer, which compares session age against
// the owning user's timeout.
type RedisRepository struct {
	client *redis.Client
	maxTTL time.Duration
}

// NewRedisRepository creates a Redis-backed session store. maxTTL should
// be at least the largest session timeout configured for any user; zero
// disables the bound.
func NewRedisRepository(client *redis.Client, maxTTL time.Duration) *RedisRepository {
	return &RedisRepository{client: client, maxTTL: maxTTL}
}

type redisSession struct {
	CreatedAt time.Time `json:"createdAt"`
	Email     string    `json:"email"`
}

func (r *RedisRepository) GetSession(ctx context.Context, keyHash string) (*Session, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+keyHash).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}

	var stored redisSession
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}

	return &Session{KeyHash: keyHash, CreatedAt: stored.CreatedAt, Email: stored.Email}, nil
}

func (r *RedisRepository) GetSessions(ctx context.Context) ([]*Session, error) {
	var result []*Session

	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		session, err := r.GetSession(ctx, key[len(redisKeyPrefix):])
		if err != nil {
			if errors.Is(err, common.ErrorNotFound) {
				// Expired between SCAN and GET.
				continue
			}
			return nil, err
		}
		result = append(result, session)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis error: %w", err)
	}

	return result, nil
}

func (r *RedisRepository) CreateSession(ctx context.Context, session *Session) error {
	data, err := json.Marshal(redisSession{CreatedAt: session.CreatedAt, Email: session.Email})
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := r.client.Set(ctx, redisKeyPrefix+session.KeyHash, data, r.maxTTL).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}

	return nil
}

func (r *RedisRepository) DeleteSession(ctx context.Context, keyHash string) error {
	if err := r.client.Del(ctx, redisKeyPrefix+keyHash).Err(); err != nil {
		return fmt.Errorf("redis error: %w", err)
	}
	return nil
}
