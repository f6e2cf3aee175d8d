package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-redis/redis/v8"

	"payrecon/internal/common/clock"
)

// RedisConfig holds Redis connection settings for the order store.
type RedisConfig struct {
	URL       string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	KeyPrefix string `envconfig:"REDIS_KEY_PREFIX" default:"payrecon"`
}

// NewRedisClient parses cfg.URL and pings the server.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}

// Each order is a hash {status, data}. Two sorted sets index pending
// orders by creation time and terminal orders by last update.

// KEYS[1]=order KEYS[2]=pending KEYS[3]=terminal
// ARGV[1]=data ARGV[2]=created score ARGV[3]=reference
var putScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current and current ~= 'expired' then
	return 0
end
redis.call('HSET', KEYS[1], 'status', 'pending', 'data', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('ZREM', KEYS[3], ARGV[3])
return 1
`)

// KEYS[1]=order KEYS[2]=pending KEYS[3]=terminal
// ARGV[1]=from ARGV[2]=to ARGV[3]=data ARGV[4]=updated score ARGV[5]=reference
var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
redis.call('ZREM', KEYS[2], ARGV[5])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[5])
return 1
`)

// RedisStore implements Store on Redis. CAS runs as a Lua script so the
// status check and write are atomic on the server.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	clock  clock.Clock
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store using keys under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string, c clock.Clock) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, clock: c}
}

func (s *RedisStore) orderKey(ref string) string { return s.prefix + ":order:" + ref }
func (s *RedisStore) pendingKey() string         { return s.prefix + ":orders:pending" }
func (s *RedisStore) terminalKey() string        { return s.prefix + ":orders:terminal" }

func (s *RedisStore) Put(ctx context.Context, o *Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding order: %w", err)
	}

	ref := o.Reference.String()
	ok, err := putScript.Run(ctx, s.client,
		[]string{s.orderKey(ref), s.pendingKey(), s.terminalKey()},
		data, o.CreatedAt.UnixNano(), ref,
	).Int()
	if err != nil {
		return fmt.Errorf("storing order: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, ref)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, ref solana.PublicKey) (*Order, error) {
	data, err := s.client.HGet(ctx, s.orderKey(ref.String()), "data").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting order: %w", err)
	}
	return decodeOrder(data)
}

func (s *RedisStore) Transition(ctx context.Context, ref solana.PublicKey, from, to Status, payment *Payment) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	o, err := s.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return ErrStaleOrMissing
	}
	if err != nil {
		return err
	}
	if o.Status != from {
		return ErrStaleOrMissing
	}
	// The stored data only changes together with status, so the copy read
	// above is still current if the script's status check passes.
	if err := o.apply(to, payment, s.clock.Now()); err != nil {
		return err
	}
	return s.casStatus(ctx, o, from)
}

func (s *RedisStore) casStatus(ctx context.Context, o *Order, from Status) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding order: %w", err)
	}

	ref := o.Reference.String()
	ok, err := transitionScript.Run(ctx, s.client,
		[]string{s.orderKey(ref), s.pendingKey(), s.terminalKey()},
		string(from), string(o.Status), data, o.UpdatedAt.UnixNano(), ref,
	).Int()
	if err != nil {
		return fmt.Errorf("updating order status: %w", err)
	}
	if ok == 0 {
		return ErrStaleOrMissing
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, olderThan time.Duration) ([]solana.PublicKey, error) {
	now := s.clock.Now()
	cutoff := now.Add(-olderThan).UnixNano()

	// Scores are creation times, so an exclusive bound matches "created before cutoff".
	candidates, err := s.client.ZRangeByScore(ctx, s.pendingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("listing expirable orders: %w", err)
	}

	var expired []solana.PublicKey
	for _, raw := range candidates {
		ref, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			return expired, fmt.Errorf("decoding reference %q: %w", raw, err)
		}
		err = s.Transition(ctx, ref, StatusPending, StatusExpired, nil)
		if errors.Is(err, ErrStaleOrMissing) {
			// Paid concurrently; nothing to expire.
			continue
		}
		if err != nil {
			return expired, err
		}
		expired = append(expired, ref)
	}
	return expired, nil
}

func (s *RedisStore) Purge(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-retention).UnixNano()

	refs, err := s.client.ZRangeByScore(ctx, s.terminalKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("listing purgeable orders: %w", err)
	}
	if len(refs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(refs))
	members := make([]interface{}, len(refs))
	for i, ref := range refs {
		keys[i] = s.orderKey(ref)
		members[i] = ref
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.terminalKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging orders: %w", err)
	}
	return len(refs), nil
}

func (s *RedisStore) ListPending(ctx context.Context, limit int) ([]*Order, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	refs, err := s.client.ZRange(ctx, s.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("listing pending orders: %w", err)
	}
	if len(refs) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(refs))
	for i, ref := range refs {
		cmds[i] = pipe.HGet(ctx, s.orderKey(ref), "data")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("loading pending orders: %w", err)
	}

	orders := make([]*Order, 0, len(refs))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("loading pending order: %w", err)
		}
		o, err := decodeOrder(data)
		if err != nil {
			return nil, err
		}
		if o.Status == StatusPending {
			orders = append(orders, o)
		}
	}
	return orders, nil
}

func decodeOrder(data []byte) (*Order, error) {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("decoding order: %w", err)
	}
	return &o, nil
}
