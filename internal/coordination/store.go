// Package coordination provides the atomic compare-and-set primitive the
// state machine uses to make "move this qid to EXECUTING" a single,
// race-free operation across any number of server processes.
//
// It is backed by Redis, the same store the original Python implementation
// used via StrictRedis for its Finist-backed state machine. Go-redis gives
// us the Lua EVAL path needed to make get-compare-set atomic without a
// client-side transaction.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/greenape/flowmachine-server/internal/logging"
	"github.com/greenape/flowmachine-server/internal/telemetry"
)

// ErrNotFound is returned when a key has no value recorded yet.
var ErrNotFound = errors.New("coordination: key not found")

// ErrConflict is returned by CompareAndSwap when the observed value did not
// match what the caller expected, meaning some other process won the race.
var ErrConflict = errors.New("coordination: compare-and-swap conflict")

// compareAndSwapScript atomically checks the current value of KEYS[1]
// against ARGV[1] (the expected value, or the empty string to mean "key must
// not exist yet") and, if it matches, sets it to ARGV[2]. It returns 1 on a
// successful swap and 0 on a conflict, so the caller never needs a second
// round trip to discover which happened.
const compareAndSwapScript = `
local current = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
	if current then
		return 0
	end
else
	if current ~= ARGV[1] then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call("EXPIRE", KEYS[1], tonumber(ARGV[3]))
end
return 1
`

// Store is a thin wrapper around a Redis client providing the atomic
// primitives the rest of the server needs: Get, CompareAndSwap, and Delete.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// Config names the Redis endpoint and the default TTL applied to keys this
// store writes (0 disables expiry).
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New opens a Store against the Redis endpoint described by cfg.
func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Store{client: client, ttl: cfg.TTL}
}

// Close releases the underlying Redis connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity, used by health checks at process startup.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Get returns the current value stored at key, or ErrNotFound if unset.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coordination: get %q: %w", key, err)
	}
	return val, nil
}

// CompareAndSwap atomically sets key to next if and only if its current
// value equals expected. Pass expected = "" to require the key be absent
// (the first-ever transition into a state). Returns ErrConflict if some
// other process already moved the value.
func (s *Store) CompareAndSwap(ctx context.Context, key, expected, next string) error {
	ttlSeconds := int64(s.ttl / time.Second)

	result, err := s.client.Eval(ctx, compareAndSwapScript, []string{key}, expected, next, ttlSeconds).Result()
	if err != nil {
		return fmt.Errorf("coordination: compare-and-swap %q: %w", key, err)
	}

	ok, _ := result.(int64)
	if ok != 1 {
		logging.Debugf("coordination: cas conflict key=%s expected=%q next=%q", key, expected, next)
		telemetry.Instruments.CASConflicts.Add(ctx, 1)
		return ErrConflict
	}
	return nil
}

// Delete removes key outright, used when resetting a qid back to its
// pristine, never-seen state.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coordination: delete %q: %w", key, err)
	}
	return nil
}

// StateKey builds the Redis key used to store a qid's current lifecycle
// state, keeping the keyspace shape in one place.
func StateKey(qid string) string {
	return qid + "-state"
}
