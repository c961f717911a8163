package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	orderpay "github.com/x402-foundation/orderpay"
)

const (
	redisAttemptPrefix  = "orderpay:attempt:"
	redisDecisionPrefix = "orderpay:decision:"
	redisActiveSet      = "orderpay:attempts:active"
	redisPendingSet     = "orderpay:notify:pending"
)

// redisCommitScript stores the decision only if none exists and queues it for
// notification in the same step.
// KEYS[1] = decision key
// KEYS[2] = pending notification set
// ARGV[1] = decision JSON
// ARGV[2] = order id
var redisCommitScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
    redis.call("SADD", KEYS[2], ARGV[2])
    return {1, ARGV[1]}
end
return {0, redis.call("GET", KEYS[1])}
`)

// RedisStore persists settlement state in Redis. Attempts are JSON values
// indexed by an active set; decisions are write-once keys.
type RedisStore struct {
	client *redis.Client
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromURL creates a store from a redis:// URL
func NewRedisStoreFromURL(rawURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return &RedisStore{client: redis.NewClient(opts)}, nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveAttempt(ctx context.Context, attempt *orderpay.Attempt) error {
	body, err := encodeAttempt(attempt)
	if err != nil {
		return err
	}
	id := string(attempt.OrderID)

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisAttemptPrefix+id, body, 0)
		if attempt.State.Terminal() {
			pipe.SRem(ctx, redisActiveSet, id)
		} else {
			pipe.SAdd(ctx, redisActiveSet, id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist attempt: %w", err)
	}
	return nil
}

func (s *RedisStore) LoadAttempt(ctx context.Context, orderID orderpay.OrderID) (*orderpay.Attempt, error) {
	body, err := s.client.Get(ctx, redisAttemptPrefix+string(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load attempt: %w", err)
	}
	return decodeAttempt(body)
}

func (s *RedisStore) ActiveAttempts(ctx context.Context) ([]*orderpay.Attempt, error) {
	ids, err := s.client.SMembers(ctx, redisActiveSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	var out []*orderpay.Attempt
	for _, id := range ids {
		a, err := s.LoadAttempt(ctx, orderpay.OrderID(id))
		if errors.Is(err, orderpay.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !a.State.Terminal() {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *RedisStore) CommitDecision(ctx context.Context, d *orderpay.SettlementDecision) (*orderpay.SettlementDecision, bool, error) {
	body, err := json.Marshal(d)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode decision: %w", err)
	}

	res, err := redisCommitScript.Run(ctx, s.client,
		[]string{redisDecisionPrefix + string(d.OrderID), redisPendingSet},
		string(body), string(d.OrderID),
	).Slice()
	if err != nil {
		return nil, false, fmt.Errorf("failed to commit decision: %w", err)
	}
	if len(res) != 2 {
		return nil, false, fmt.Errorf("unexpected commit result length %d", len(res))
	}

	created, _ := res[0].(int64)
	stored, _ := res[1].(string)
	var out orderpay.SettlementDecision
	if err := json.Unmarshal([]byte(stored), &out); err != nil {
		return nil, false, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &out, created == 1, nil
}

func (s *RedisStore) Decision(ctx context.Context, orderID orderpay.OrderID) (*orderpay.SettlementDecision, error) {
	body, err := s.client.Get(ctx, redisDecisionPrefix+string(orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, orderpay.ErrNotFound.WithOrder(orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load decision: %w", err)
	}
	var d orderpay.SettlementDecision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &d, nil
}

func (s *RedisStore) MarkNotified(ctx context.Context, orderID orderpay.OrderID) error {
	if err := s.client.SRem(ctx, redisPendingSet, string(orderID)).Err(); err != nil {
		return fmt.Errorf("failed to mark notified: %w", err)
	}
	return nil
}

func (s *RedisStore) PendingNotifications(ctx context.Context) ([]*orderpay.SettlementDecision, error) {
	ids, err := s.client.SMembers(ctx, redisPendingSet).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list pending notifications: %w", err)
	}

	var out []*orderpay.SettlementDecision
	for _, id := range ids {
		d, err := s.Decision(ctx, orderpay.OrderID(id))
		if errors.Is(err, orderpay.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Close releases the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
