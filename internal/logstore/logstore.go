// Package logstore adapts the storage primitives every other component
// persists through: append-only streams with consumer groups, TTL'd keys and
// counters, sorted-set timelines, and sets. Isolation across tenants is a
// property of the keys callers pass in, built by pkg/redis; this package
// never derives tenant identity itself.
package logstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/haroon-aygtc/apix-uaui-protocol-sub000/pkg/logging"
)

// Store wraps a Redis client with the gateway's access patterns. All methods
// are safe for concurrent use. The store never retries; callers own retry
// policy so the idempotency model of each operation stays visible.
type Store struct {
	client goredis.UniversalClient
	logger logging.Logger
}

func New(client goredis.UniversalClient, logger logging.Logger) *Store {
	return &Store{client: client, logger: logger}
}

// === Streams ===

// Append XADDs one record to a stream and returns the assigned stream id.
// A non-zero maxLen caps the stream approximately (MAXLEN ~).
func (s *Store) Append(ctx context.Context, stream string, values map[string]interface{}, maxLen int64) (string, error) {
	args := &goredis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

// RangeStream reads stream entries between two stream ids inclusive. Pass
// "-" and "+" for the full stream. A non-zero count limits the result.
func (s *Store) RangeStream(ctx context.Context, stream, start, end string, count int64) ([]goredis.XMessage, error) {
	var (
		msgs []goredis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = s.client.XRangeN(ctx, stream, start, end, count).Result()
	} else {
		msgs, err = s.client.XRange(ctx, stream, start, end).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", stream, err)
	}
	return msgs, nil
}

// EnsureGroup creates a consumer group reading from the beginning of the
// stream, creating the stream itself when absent. Repeated calls are no-ops.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("xgroup create %s %s: %w", stream, group, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && err.Error() == "BUSYGROUP Consumer Group name already exists"
}

// ReadGroup reads up to count undelivered entries for a consumer, blocking up
// to block before returning empty. Zero or negative block means no blocking.
// The group must already exist.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]goredis.XMessage, error) {
	// go-redis treats Block == 0 as "block forever"; a negative value omits
	// blocking entirely.
	if block <= 0 {
		block = -1
	}
	res, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s %s: %w", stream, group, err)
	}
	for _, sr := range res {
		if sr.Stream == stream {
			return sr.Messages, nil
		}
	}
	return nil, nil
}

// AckStream acknowledges consumed entries for a group.
func (s *Store) AckStream(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	n, err := s.client.XAck(ctx, stream, group, ids...).Result()
	if err != nil {
		return 0, fmt.Errorf("xack %s %s: %w", stream, group, err)
	}
	return n, nil
}

// StreamLen returns the number of entries in a stream. Missing streams have
// length zero.
func (s *Store) StreamLen(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", stream, err)
	}
	return n, nil
}

// === Counters ===

// Incr increments a plain counter.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

// IncrWindow increments a windowed counter, arming the TTL when the counter
// is created by this call. Used for the quota hour/minute buckets.
func (s *Store) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr window %s: %w", key, err)
	}
	return incr.Val(), nil
}

// IncrBy adjusts a gauge-style counter by delta, which may be negative. The
// result is returned so callers can detect underflow.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("incrby %s: %w", key, err)
	}
	return n, nil
}

// GetInt reads an integer counter. Missing keys read as zero.
func (s *Store) GetInt(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// === KV ===

// SetJSON stores a JSON-encoded value. Zero ttl means no expiry.
func (s *Store) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON loads a JSON-encoded value into out. The boolean reports presence.
func (s *Store) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// SetNX writes a key only when absent, returning whether the write won.
// This is the dedup and idempotency primitive.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// GetString reads a plain string value. The boolean reports presence.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// SetString writes a plain string value. Zero ttl means no expiry.
func (s *Store) SetString(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete removes keys. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// ScanKeys collects every key matching pattern. Listing scans are bounded by
// the per-tenant key prefixes, so full SCAN iteration stays cheap.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// === Sorted sets ===

// ZAdd indexes a member under a numeric score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("zadd %s: %w", key, err)
	}
	return nil
}

// ZRangeByScore returns members with min <= score <= max in score order.
// A non-zero count pages the result.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, count int64) ([]string, error) {
	args := &goredis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}
	if count > 0 {
		args.Count = count
	}
	members, err := s.client.ZRangeByScore(ctx, key, args).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", key, err)
	}
	return members, nil
}

// ZCount counts members with min <= score <= max.
func (s *Store) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcount %s: %w", key, err)
	}
	return n, nil
}

// ZTrimBefore removes members scored strictly below cutoff. Used to expire
// timeline entries past retention.
func (s *Store) ZTrimBefore(ctx context.Context, key string, cutoff float64) (int64, error) {
	n, err := s.client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%f", cutoff)).Result()
	if err != nil {
		return 0, fmt.Errorf("zremrangebyscore %s: %w", key, err)
	}
	return n, nil
}

func formatScore(v float64) string {
	return fmt.Sprintf("%f", v)
}

// === Sets ===

// SAdd adds members to a set.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("sadd %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set.
func (s *Store) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("srem %s: %w", key, err)
	}
	return nil
}

// SIsMember reports set membership.
func (s *Store) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("sismember %s: %w", key, err)
	}
	return ok, nil
}

// SMembers returns every member of a set.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", key, err)
	}
	return members, nil
}

// === Hashes ===

// HSetJSON stores a JSON-encoded value under a hash field.
func (s *Store) HSetJSON(ctx context.Context, key, field string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", key, field, err)
	}
	if err := s.client.HSet(ctx, key, field, raw).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HGetJSON loads a JSON-encoded hash field into out. The boolean reports
// presence.
func (s *Store) HGetJSON(ctx context.Context, key, field string, out interface{}) (bool, error) {
	raw, err := s.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hget %s/%s: %w", key, field, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, fmt.Errorf("unmarshal %s/%s: %w", key, field, err)
	}
	return true, nil
}

// HGetAll returns every field of a hash. Missing hashes return an empty map.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return fields, nil
}

// === Transactions ===

// Tx runs fn inside one MULTI/EXEC so its queued commands commit atomically.
// The delivery engine uses this to bind the idempotency index to the receipt
// write.
func (s *Store) Tx(ctx context.Context, fn func(pipe goredis.Pipeliner) error) error {
	if _, err := s.client.TxPipelined(ctx, fn); err != nil {
		return fmt.Errorf("tx: %w", err)
	}
	return nil
}
