package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// RedisStore provides a Redis-backed implementation of the Store interface.
// Documents and their versions live under separate keys so version reads stay
// cheap; conditional saves run as a Lua script to make the compare-and-swap
// atomic. This implementation is suitable for distributed deployments where
// several hosts share actor state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the time-to-live for state documents.
// Default is 0, meaning state never expires.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for Redis keys.
// Default is "trebuchet".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// NewRedisStore creates a new Redis-backed state store.
//
// Example:
//
//	store := NewRedisStore(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    WithPrefix("myapp"),
//	)
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "trebuchet",
	}

	for _, opt := range opts {
		opt(store)
	}

	return store
}

// saveScript bumps the version and writes the document in one atomic step.
var saveScript = redis.NewScript(`
local version = redis.call('INCR', KEYS[2])
redis.call('SET', KEYS[1], ARGV[1])
if tonumber(ARGV[2]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  redis.call('PEXPIRE', KEYS[2], ARGV[2])
end
return version
`)

// casScript writes the document only when the stored version matches the
// caller's expectation. Returns {1, newVersion} on success and
// {0, currentVersion} on conflict.
var casScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if current ~= tonumber(ARGV[2]) then
  return {0, current}
end
local version = current + 1
redis.call('SET', KEYS[2], version)
redis.call('SET', KEYS[1], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[3])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return {1, version}
`)

// Load retrieves the state document and version for a key.
func (s *RedisStore) Load(ctx context.Context, key string) (value json.RawMessage, version int64, err error) {
	defer func() { record("load", err) }()
	if key == "" {
		return nil, 0, ErrInvalidKey
	}

	// MGET reads both keys in a single atomic command so the value and
	// version can't straddle a concurrent save.
	vals, err := s.client.MGet(ctx, s.stateKey(key), s.versionKey(key)).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("redis mget failed: %w", err)
	}
	raw, ok := vals[0].(string)
	if !ok {
		return nil, 0, ErrNotFound
	}
	if v, ok := vals[1].(string); ok {
		version, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, 0, fmt.Errorf("corrupt version for %q: %w", key, err)
		}
	}
	return json.RawMessage(raw), version, nil
}

// Save persists the document unconditionally and bumps the version.
func (s *RedisStore) Save(ctx context.Context, key string, value json.RawMessage) (version int64, err error) {
	defer func() { record("save", err) }()
	if key == "" {
		return 0, ErrInvalidKey
	}

	keys := []string{s.stateKey(key), s.versionKey(key)}
	version, err = saveScript.Run(ctx, s.client, keys, string(value), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis save failed: %w", err)
	}

	s.publish(ctx, Event{Type: EventPut, Key: key, Value: value, Version: version})
	return version, nil
}

// SaveIfVersion persists the document only when the stored version matches
// expected. Expected 0 makes the save create-only.
func (s *RedisStore) SaveIfVersion(ctx context.Context, key string, value json.RawMessage, expected int64) (version int64, err error) {
	defer func() { record("saveIfVersion", err) }()
	if key == "" {
		return 0, ErrInvalidKey
	}

	keys := []string{s.stateKey(key), s.versionKey(key)}
	res, err := casScript.Run(ctx, s.client, keys, string(value), expected, s.ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis conditional save failed: %w", err)
	}
	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return 0, fmt.Errorf("unexpected script reply %T", res)
	}
	outcome, _ := reply[0].(int64)
	current, _ := reply[1].(int64)
	if outcome == 0 {
		prommetrics.RecordVersionConflict()
		return 0, wire.VersionConflict(expected, current)
	}

	s.publish(ctx, Event{Type: EventPut, Key: key, Value: value, Version: current})
	return current, nil
}

// GetVersion returns the current version, or 0 when the key is absent.
func (s *RedisStore) GetVersion(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}

	raw, err := s.client.Get(ctx, s.versionKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis get failed: %w", err)
	}
	version, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt version for %q: %w", key, err)
	}
	return version, nil
}

// Delete removes the document and its version.
// Returns ErrNotFound if the key is absent.
func (s *RedisStore) Delete(ctx context.Context, key string) (err error) {
	defer func() { record("delete", err) }()
	if key == "" {
		return ErrInvalidKey
	}

	pipe := s.client.TxPipeline()
	stateDel := pipe.Del(ctx, s.stateKey(key))
	pipe.Del(ctx, s.versionKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	if stateDel.Val() == 0 {
		return ErrNotFound
	}

	s.publish(ctx, Event{Type: EventDelete, Key: key})
	return nil
}

// Exists reports whether the key currently holds a document.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	n, err := s.client.Exists(ctx, s.stateKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// Watch subscribes to change events for keys with the given prefix.
// Events are carried over a Redis pub/sub channel shared by all writers
// using the same key prefix.
func (s *RedisStore) Watch(ctx context.Context, prefix string) (*Subscription, error) {
	pubsub := s.client.Subscribe(ctx, s.eventsChannel())
	// Wait for the subscription confirmation so callers don't miss events
	// published right after Watch returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe failed: %w", err)
	}

	events := make(chan Event, watchBuffer)
	stopped := make(chan struct{})
	sub := &Subscription{events: events}
	sub.stop = func() {
		close(stopped)
		_ = pubsub.Close()
	}

	go func() {
		defer close(events)
		for msg := range pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn("malformed state event, skipping", "error", err)
				continue
			}
			if prefix != "" && !strings.HasPrefix(ev.Key, prefix) {
				continue
			}
			select {
			case events <- ev:
			default:
				logger.Warn("state watch buffer full, dropping event",
					"key", ev.Key, "version", ev.Version)
			}
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-stopped:
		}
	}()

	return sub, nil
}

// publish emits a change event. Delivery is best-effort; a failed publish
// never fails the write that produced it.
func (s *RedisStore) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("failed to encode state event", "key", ev.Key, "error", err)
		return
	}
	if err := s.client.Publish(ctx, s.eventsChannel(), payload).Err(); err != nil {
		logger.Warn("failed to publish state event", "key", ev.Key, "error", err)
	}
}

func (s *RedisStore) stateKey(key string) string {
	return fmt.Sprintf("%s:state:%s", s.prefix, key)
}

func (s *RedisStore) versionKey(key string) string {
	return fmt.Sprintf("%s:version:%s", s.prefix, key)
}

func (s *RedisStore) eventsChannel() string {
	return s.prefix + ":events"
}

func record(op string, err error) {
	status := prommetrics.StatusSuccess
	if err != nil && !errors.Is(err, ErrNotFound) && !wire.IsKind(err, wire.KindVersionConflict) {
		status = prommetrics.StatusError
	}
	prommetrics.RecordStoreOperation(op, status)
}
