package hmrc

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	statePrefix = "hmrc:state:"
	stateTTL    = 10 * time.Minute
)

// StateStore issues and consumes single-use OAuth state values. The state is
// the CSRF defense on the callback: it must match exactly once and never again.
type StateStore interface {
	IssueState(ctx context.Context, userId int) (string, error)
	ConsumeState(ctx context.Context, state string) (int, error)
}

// RedisStateStore keeps states in Redis under a short TTL. GETDEL makes
// consumption atomic, so a replayed callback can never validate twice.
type RedisStateStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStateStore(rdb *redis.Client) *RedisStateStore {
	return &RedisStateStore{rdb: rdb, ttl: stateTTL}
}

// IssueState persists a fresh nonce bound to the initiating user before any
// redirect happens. Two UUIDs concatenated give ~244 bits of entropy.
func (s *RedisStateStore) IssueState(ctx context.Context, userId int) (string, error) {
	nonce := uuid.NewString() + uuid.NewString()
	err := s.rdb.Set(ctx, statePrefix+nonce, strconv.Itoa(userId), s.ttl).Err()
	if err != nil {
		return "", err
	}
	return nonce, nil
}

// ConsumeState resolves a state back to its user and deletes it in the same
// operation. Missing, expired, and replayed states all fail the same way.
func (s *RedisStateStore) ConsumeState(ctx context.Context, state string) (int, error) {
	if state == "" {
		return 0, ErrStateInvalid
	}
	val, err := s.rdb.GetDel(ctx, statePrefix+state).Result()
	if errors.Is(err, redis.Nil) {
		return 0, ErrStateInvalid
	}
	if err != nil {
		return 0, err
	}
	userId, convErr := strconv.Atoi(val)
	if convErr != nil {
		return 0, ErrStateInvalid
	}
	return userId, nil
}
