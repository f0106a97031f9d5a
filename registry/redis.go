package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briannadoubt/trebuchet/logger"
)

// scanCount is the SCAN batch size hint for key listing.
const scanCount = 100

// RedisRegistry provides a Redis-backed implementation of the Registry
// interface. Each registration lives under its own key whose Redis TTL is
// the lease, so expiry needs no sweeper. Registration events travel over a
// pub/sub channel shared by every registry using the same prefix.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// RedisOption configures a RedisRegistry.
type RedisOption func(*RedisRegistry)

// WithPrefix sets the key prefix for Redis keys.
// Default is "trebuchet".
func WithPrefix(prefix string) RedisOption {
	return func(r *RedisRegistry) {
		r.prefix = prefix
	}
}

// NewRedisRegistry creates a new Redis-backed registry.
func NewRedisRegistry(client *redis.Client, opts ...RedisOption) *RedisRegistry {
	r := &RedisRegistry{
		client: client,
		prefix: "trebuchet",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces the entry for (ID, Endpoint) under its TTL.
func (r *RedisRegistry) Register(ctx context.Context, entry Entry) error {
	if entry.ID == "" || entry.Endpoint == "" {
		return ErrInvalidEntry
	}
	if entry.TTL <= 0 {
		entry.TTL = DefaultTTL
	}
	entry.ExpiresAt = time.Now().Add(entry.TTL)

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	key := r.entryKey(entry.ID, entry.Endpoint)
	if err := r.client.Set(ctx, key, payload, entry.TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}

	r.publish(ctx, Event{Type: EventUpdated, Entry: entry})
	return nil
}

// Resolve returns one live endpoint for the actor ID, chosen at random to
// spread load across replicas.
func (r *RedisRegistry) Resolve(ctx context.Context, id string) (Entry, error) {
	live, err := r.ResolveAll(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return live[rand.IntN(len(live))], nil
}

// ResolveAll returns every live endpoint for the actor ID, sorted by
// endpoint.
func (r *RedisRegistry) ResolveAll(ctx context.Context, id string) ([]Entry, error) {
	keys, err := r.scanKeys(ctx, fmt.Sprintf("%s:registry:%s:*", r.prefix, id))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, ErrNotFound
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	var live []Entry
	for _, val := range vals {
		raw, ok := val.(string)
		if !ok {
			// Expired between SCAN and MGET.
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			logger.Warn("corrupt registration, skipping", "actor", id, "error", err)
			continue
		}
		live = append(live, entry)
	}
	if len(live) == 0 {
		return nil, ErrNotFound
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Endpoint < live[j].Endpoint })
	return live, nil
}

// Deregister removes the entry for (id, endpoint).
func (r *RedisRegistry) Deregister(ctx context.Context, id, endpoint string) error {
	raw, err := r.client.GetDel(ctx, r.entryKey(id, endpoint)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis getdel failed: %w", err)
	}

	entry := Entry{ID: id, Endpoint: endpoint}
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		logger.Warn("corrupt registration on deregister", "actor", id, "error", err)
	}
	r.publish(ctx, Event{Type: EventRemoved, Entry: entry})
	return nil
}

// Heartbeat extends the lease for (id, endpoint) by its TTL.
func (r *RedisRegistry) Heartbeat(ctx context.Context, id, endpoint string) error {
	key := r.entryKey(id, endpoint)
	raw, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get failed: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return fmt.Errorf("corrupt registration for %q: %w", id, err)
	}
	if entry.TTL <= 0 {
		entry.TTL = DefaultTTL
	}
	entry.ExpiresAt = time.Now().Add(entry.TTL)

	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}
	if err := r.client.Set(ctx, key, payload, entry.TTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// List returns the distinct live actor IDs matching the prefix, sorted.
func (r *RedisRegistry) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := r.scanKeys(ctx, fmt.Sprintf("%s:registry:%s*", r.prefix, prefix))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, key := range keys {
		rest := strings.TrimPrefix(key, r.prefix+":registry:")
		// Actor IDs never contain a colon, so the first one separates the
		// ID from the endpoint.
		id, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		seen[id] = struct{}{}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Watch subscribes to registration changes for actor IDs with the given
// prefix.
func (r *RedisRegistry) Watch(ctx context.Context, prefix string) (*Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.eventsChannel())
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
				logger.Warn("malformed registry event, skipping", "error", err)
				continue
			}
			if prefix != "" && !strings.HasPrefix(ev.Entry.ID, prefix) {
				continue
			}
			select {
			case events <- ev:
			default:
				logger.Warn("registry watch buffer full, dropping event",
					"actor", ev.Entry.ID, "endpoint", ev.Entry.Endpoint)
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

func (r *RedisRegistry) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

// publish emits a registration event. Delivery is best-effort.
func (r *RedisRegistry) publish(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logger.Warn("failed to encode registry event", "actor", ev.Entry.ID, "error", err)
		return
	}
	if err := r.client.Publish(ctx, r.eventsChannel(), payload).Err(); err != nil {
		logger.Warn("failed to publish registry event", "actor", ev.Entry.ID, "error", err)
	}
}

func (r *RedisRegistry) entryKey(id, endpoint string) string {
	return fmt.Sprintf("%s:registry:%s:%s", r.prefix, id, endpoint)
}

func (r *RedisRegistry) eventsChannel() string {
	return r.prefix + ":registry:events"
}
