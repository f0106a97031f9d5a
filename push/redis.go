package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/briannadoubt/trebuchet/logger"
	prommetrics "github.com/briannadoubt/trebuchet/metrics/prometheus"
	"github.com/briannadoubt/trebuchet/wire"
)

// RedisRegistry provides a Redis-backed implementation of the Registry
// interface. Each record is a hash whose Redis TTL is the lease, so expiry
// needs no sweeper and the checkpoint advances with a single field write
// instead of rewriting the whole record. A plain set per actor carries the
// secondary index; members whose record expired or rebound to another actor
// are pruned lazily on reads.
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

// NewRedisRegistry creates a new Redis-backed connection registry.
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

// touchScript advances the checkpoint and renews the record's lease in one
// atomic step. Returns 0 when the record is gone.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'lastSequence', ARGV[1])
local ttl = tonumber(redis.call('HGET', KEYS[1], 'ttl') or '0')
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// Put registers or replaces the record for its connection ID.
func (r *RedisRegistry) Put(ctx context.Context, conn Connection) (err error) {
	defer func() { record("connPut", err) }()
	if conn.ConnectionID == "" {
		return ErrInvalidConnection
	}
	if conn.TTL <= 0 {
		conn.TTL = DefaultTTL
	}

	actorJSON, err := json.Marshal(conn.Actor)
	if err != nil {
		return fmt.Errorf("encode actor: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.connKey(conn.ConnectionID),
		"actor", string(actorJSON),
		"streamId", conn.StreamID,
		"target", conn.Target,
		"lastSequence", strconv.FormatUint(conn.LastSequence, 10),
		"connectedAt", conn.ConnectedAt.UTC().Format(time.RFC3339Nano),
		"ttl", strconv.FormatInt(conn.TTL.Milliseconds(), 10),
	)
	pipe.PExpire(ctx, r.connKey(conn.ConnectionID), conn.TTL)
	if conn.Actor.ID != "" {
		pipe.SAdd(ctx, r.actorKey(conn.Actor.ID), conn.ConnectionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put failed: %w", err)
	}
	return nil
}

// Get returns the record for a connection ID.
func (r *RedisRegistry) Get(ctx context.Context, connectionID string) (conn Connection, err error) {
	defer func() { record("connGet", err) }()

	fields, err := r.client.HGetAll(ctx, r.connKey(connectionID)).Result()
	if err != nil {
		return Connection{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return Connection{}, ErrUnknownConnection
	}
	return parseConn(connectionID, fields)
}

// ByActor returns every live record observing the logical actor ID.
func (r *RedisRegistry) ByActor(ctx context.Context, actorID string) (live []Connection, err error) {
	defer func() { record("connByActor", err) }()

	ids, err := r.client.SMembers(ctx, r.actorKey(actorID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}

	live = make([]Connection, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, r.connKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall failed: %w", err)
		}
		if len(fields) == 0 {
			// Record expired under its index entry.
			stale = append(stale, id)
			continue
		}
		conn, err := parseConn(id, fields)
		if err != nil {
			logger.Warn("corrupt connection record, skipping", "connectionId", id, "error", err)
			continue
		}
		if conn.Actor.ID != actorID {
			// Rebound to another actor since it was indexed here.
			stale = append(stale, id)
			continue
		}
		live = append(live, conn)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, r.actorKey(actorID), stale...).Err(); err != nil {
			logger.Warn("index prune failed", "actor", actorID, "error", err)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ConnectionID < live[j].ConnectionID })
	return live, nil
}

// Touch advances the delivery checkpoint and renews the record lease.
func (r *RedisRegistry) Touch(ctx context.Context, connectionID string, lastSequence uint64) (err error) {
	defer func() { record("connTouch", err) }()

	res, err := touchScript.Run(ctx, r.client,
		[]string{r.connKey(connectionID)},
		strconv.FormatUint(lastSequence, 10),
	).Int()
	if err != nil {
		return fmt.Errorf("redis touch failed: %w", err)
	}
	if res == 0 {
		return ErrUnknownConnection
	}
	return nil
}

// Remove deletes the record and its actor index entry.
func (r *RedisRegistry) Remove(ctx context.Context, connectionID string) (err error) {
	defer func() { record("connRemove", err) }()

	raw, err := r.client.HGet(ctx, r.connKey(connectionID), "actor").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis hget failed: %w", err)
	}

	var actor wire.ActorID
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &actor); err != nil {
			logger.Warn("corrupt connection record, removing anyway",
				"connectionId", connectionID, "error", err)
		}
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.connKey(connectionID))
	if actor.ID != "" {
		pipe.SRem(ctx, r.actorKey(actor.ID), connectionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis remove failed: %w", err)
	}
	return nil
}

func parseConn(connectionID string, fields map[string]string) (Connection, error) {
	conn := Connection{
		ConnectionID: connectionID,
		StreamID:     fields["streamId"],
		Target:       fields["target"],
	}
	if raw := fields["actor"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &conn.Actor); err != nil {
			return Connection{}, fmt.Errorf("corrupt actor for %q: %w", connectionID, err)
		}
	}
	if raw := fields["lastSequence"]; raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Connection{}, fmt.Errorf("corrupt sequence for %q: %w", connectionID, err)
		}
		conn.LastSequence = seq
	}
	if raw := fields["connectedAt"]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Connection{}, fmt.Errorf("corrupt timestamp for %q: %w", connectionID, err)
		}
		conn.ConnectedAt = ts
	}
	if raw := fields["ttl"]; raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Connection{}, fmt.Errorf("corrupt ttl for %q: %w", connectionID, err)
		}
		conn.TTL = time.Duration(ms) * time.Millisecond
	}
	return conn, nil
}

func (r *RedisRegistry) connKey(connectionID string) string {
	return fmt.Sprintf("%s:conn:%s", r.prefix, connectionID)
}

func (r *RedisRegistry) actorKey(actorID string) string {
	return fmt.Sprintf("%s:actorconns:%s", r.prefix, actorID)
}

func record(op string, err error) {
	status := prommetrics.StatusSuccess
	if err != nil && !errors.Is(err, ErrUnknownConnection) {
		status = prommetrics.StatusError
	}
	prommetrics.RecordStoreOperation(op, status)
}
