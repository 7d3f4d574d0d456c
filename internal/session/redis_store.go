package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKeyPrefix namespaces session keys in the shared Redis keyspace.
const redisKeyPrefix = "gateway:session:"

// RedisStore is the external-KV-backed [Store] described in spec.md §4.2:
// an external key/value store with TTL support, whose wire protocol is not
// part of the core spec. On any Redis error it degrades to an ephemeral
// in-process [MemoryStore] and reports itself as degraded via [Store.Degraded],
// matching the failure mode spec.md §4.2 requires ("requests still succeed
// but affinity is lost across process restarts").
type RedisStore struct {
	client   *redis.Client
	fallback *MemoryStore
	degraded atomic.Bool
	ttl      time.Duration
}

// NewRedisStore connects to the Redis instance at url (a standard
// redis://[:password@]host:port/db URL). It does not fail construction on
// an unreachable server — the first failing operation flips the store into
// degraded mode instead, consistent with the gateway's "requests still
// succeed" failure mode. ttl governs both the key's native Redis TTL and
// the lazy-expiry check (spec.md §6: SESSION_TTL_SECONDS); a zero ttl falls
// back to the package default [TTL].
func NewRedisStore(url string, ttl time.Duration) (*RedisStore, error) {
	if ttl <= 0 {
		ttl = TTL
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("session: parse SESSION_STORE_URL: %w", err)
	}
	return &RedisStore{
		client:   redis.NewClient(opts),
		fallback: NewMemoryStore(ttl),
		ttl:      ttl,
	}, nil
}

// newRedisStoreWithClient is used by tests to inject a client pointed at a
// miniredis instance, mirroring the NewRedisStorageWithClient helper pattern
// used for testing Redis-backed stores elsewhere in the ecosystem.
func newRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = TTL
	}
	return &RedisStore{client: client, fallback: NewMemoryStore(ttl), ttl: ttl}
}

func (r *RedisStore) key(id string) string { return redisKeyPrefix + id }

func (r *RedisStore) markDegraded(err error) {
	if r.degraded.CompareAndSwap(false, true) {
		slog.Warn("session store: redis unreachable, degrading to in-process store", "err", err)
	}
}

// Get implements [Store].
func (r *RedisStore) Get(ctx context.Context, id string) (Binding, bool, error) {
	if r.Degraded() {
		return r.fallback.Get(ctx, id)
	}

	raw, err := r.client.Get(ctx, r.key(id)).Bytes()
	if err == redis.Nil {
		return Binding{}, false, nil
	}
	if err != nil {
		r.markDegraded(err)
		return r.fallback.Get(ctx, id)
	}

	var b Binding
	if err := json.Unmarshal(raw, &b); err != nil {
		return Binding{}, false, fmt.Errorf("session: decode binding %q: %w", id, err)
	}
	if b.expired(time.Now(), r.ttl) {
		_ = r.client.Del(ctx, r.key(id)).Err()
		return Binding{}, false, nil
	}
	return b, true, nil
}

// Mutate implements [Store]. Redis does not give us a per-key mutex, so the
// read-modify-write is made atomic with an optimistic WATCH/MULTI/EXEC
// transaction: if another caller's write interleaves, the transaction is
// retried, never silently dropped (spec.md §4.2 "increments must not be
// lost"). If it still conflicts after maxRetries attempts, the conflict is
// returned as an error and the store stays on Redis.
func (r *RedisStore) Mutate(ctx context.Context, id string, fn MutateFunc) (Binding, error) {
	if r.Degraded() {
		return r.fallback.Mutate(ctx, id, fn)
	}

	key := r.key(id)
	var result Binding

	txf := func(tx *redis.Tx) error {
		now := time.Now()
		raw, err := tx.Get(ctx, key).Bytes()
		var prev Binding
		found := false
		switch {
		case err == redis.Nil:
			// no existing binding
		case err != nil:
			return err
		default:
			if jsonErr := json.Unmarshal(raw, &prev); jsonErr != nil {
				return jsonErr
			}
			found = !prev.expired(now, r.ttl)
		}

		next := normalize(prev, found, fn(prev, found), now)
		encoded, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	const maxRetries = 5
	var err error
	for i := 0; i < maxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		break
	}
	if err == redis.TxFailedErr {
		return Binding{}, fmt.Errorf("session: mutate %q: conflicting writes after %d attempts: %w", id, maxRetries, err)
	}
	if err != nil {
		r.markDegraded(err)
		return r.fallback.Mutate(ctx, id, fn)
	}
	return result, nil
}

// Delete implements [Store].
func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if r.Degraded() {
		return r.fallback.Delete(ctx, id)
	}
	if err := r.client.Del(ctx, r.key(id)).Err(); err != nil {
		r.markDegraded(err)
		return r.fallback.Delete(ctx, id)
	}
	return nil
}

// Sweep implements [Store]. Redis keys carry a native TTL already (set on
// every Mutate), so most expiry happens for free; Sweep exists to give an
// exact count for the /cleanup endpoint and to catch bindings whose TTL was
// set under a previous, longer configuration.
func (r *RedisStore) Sweep(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	if r.Degraded() {
		return r.fallback.Sweep(ctx, now, ttl)
	}

	removed := 0
	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		raw, err := r.client.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var b Binding
		if err := json.Unmarshal(raw, &b); err != nil {
			continue
		}
		if b.expired(now, ttl) {
			if err := r.client.Del(ctx, iter.Val()).Err(); err == nil {
				removed++
			}
		}
	}
	if err := iter.Err(); err != nil {
		r.markDegraded(err)
		return r.fallback.Sweep(ctx, now, ttl)
	}
	return removed, nil
}

// Degraded implements [Store].
func (r *RedisStore) Degraded() bool { return r.degraded.Load() }

// Close implements [Store].
func (r *RedisStore) Close() error { return r.client.Close() }
