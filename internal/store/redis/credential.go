package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/keypool/internal/domain"
	"github.com/MrSnakeDoc/keypool/internal/store"
)

// incrementUsageScript atomically bumps usage and records history. Counters
// that would overflow are pinned to ARGV[5] instead.
// KEYS[1] = credential hash
// KEYS[2] = usage history hash
// ARGV[1] = amount
// ARGV[2] = used_at (RFC3339)
// ARGV[3] = day bucket
// ARGV[4] = history ttl (seconds)
// ARGV[5] = counter ceiling
//
// Returns 1 on success, 0 if the credential no longer exists.
var incrementUsageScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
local function incr(key, field)
    local res = redis.pcall("HINCRBY", key, field, ARGV[1])
    if type(res) == "table" and res.err then
        redis.call("HSET", key, field, ARGV[5])
    end
end
incr(KEYS[1], "usage_today")
redis.call("HSET", KEYS[1], "last_used_at", ARGV[2])
incr(KEYS[2], ARGV[3])
redis.call("EXPIRE", KEYS[2], tonumber(ARGV[4]))
return 1
`)

// setIfExistsScript sets one field only when the hash exists.
// KEYS[1] = credential hash
// ARGV[1] = field, ARGV[2] = value, ARGV[3] = updated_at ("" to skip)
var setIfExistsScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
if ARGV[3] ~= "" then
    redis.call("HSET", KEYS[1], "updated_at", ARGV[3])
end
return 1
`)

// ListCredentials retrieves all credentials from Redis
func (s *Store) ListCredentials(ctx context.Context) ([]*domain.Credential, error) {
	ids, err := s.client.SMembers(ctx, s.AllCredentialsKey()).Result()
	if err != nil {
		return nil, wrapErr("list credential ids", err)
	}
	if len(ids) == 0 {
		return []*domain.Credential{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.CredentialKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, wrapErr("list credentials", err)
	}

	creds := make([]*domain.Credential, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Deleted between SMEMBERS and HGETALL.
			continue
		}
		c, err := decodeCredential(fields)
		if err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", ids[i], err)
		}
		creds = append(creds, c)
	}
	return creds, nil
}

// GetCredential retrieves a credential from Redis by ID
func (s *Store) GetCredential(ctx context.Context, id string) (*domain.Credential, error) {
	fields, err := s.client.HGetAll(ctx, s.CredentialKey(id)).Result()
	if err != nil {
		return nil, wrapErr("get credential", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("get credential %s: %w", id, store.ErrNotFound)
	}
	c, err := decodeCredential(fields)
	if err != nil {
		return nil, fmt.Errorf("decode credential %s: %w", id, err)
	}
	return c, nil
}

// CreateCredential stores a new credential, rejecting duplicate secrets.
func (s *Store) CreateCredential(ctx context.Context, c *domain.Credential) error {
	now := s.now().UTC()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	claimed, err := s.client.HSetNX(ctx, s.SecretIndexKey(), fingerprint(c.Secret), c.ID).Result()
	if err != nil {
		return wrapErr("claim secret", err)
	}
	if !claimed {
		return domain.ErrDuplicateCredential
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.CredentialKey(c.ID), encodeCredential(c))
	pipe.SAdd(ctx, s.AllCredentialsKey(), c.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		// Release the fingerprint so the secret can be retried.
		s.client.HDel(context.WithoutCancel(ctx), s.SecretIndexKey(), fingerprint(c.Secret))
		return wrapErr("save credential", err)
	}
	return nil
}

// UpdateCredential applies patch inside a WATCH transaction.
func (s *Store) UpdateCredential(ctx context.Context, id string, patch domain.CredentialPatch) (*domain.Credential, error) {
	key := s.CredentialKey(id)
	var updated *domain.Credential

	txf := func(tx *goredis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return store.ErrNotFound
		}
		cur, err := decodeCredential(fields)
		if err != nil {
			return err
		}
		oldSecret := cur.Secret
		patch.Apply(cur)
		cur.UpdatedAt = s.now().UTC()

		if cur.Secret != oldSecret {
			owner, err := tx.HGet(ctx, s.SecretIndexKey(), fingerprint(cur.Secret)).Result()
			if err != nil && !errors.Is(err, goredis.Nil) {
				return err
			}
			if owner != "" && owner != id {
				return domain.ErrDuplicateCredential
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, encodeCredential(cur))
			if cur.Secret != oldSecret {
				pipe.HDel(ctx, s.SecretIndexKey(), fingerprint(oldSecret))
				pipe.HSet(ctx, s.SecretIndexKey(), fingerprint(cur.Secret), id)
			}
			return nil
		})
		if err == nil {
			updated = cur
		}
		return err
	}

	if err := s.watch(ctx, txf, key, s.SecretIndexKey()); err != nil {
		if errors.Is(err, domain.ErrDuplicateCredential) {
			return nil, err
		}
		return nil, wrapErr("update credential "+id, err)
	}
	return updated, nil
}

// DeleteCredential removes a credential, its secret fingerprint and its history.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	key := s.CredentialKey(id)
	secret, err := s.client.HGet(ctx, key, "secret").Result()
	if err != nil {
		return wrapErr("delete credential "+id, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.Del(ctx, s.UsageHistoryKey(id))
	pipe.SRem(ctx, s.AllCredentialsKey(), id)
	pipe.HDel(ctx, s.SecretIndexKey(), fingerprint(secret))
	if _, err := pipe.Exec(ctx); err != nil {
		return wrapErr("delete credential "+id, err)
	}
	return nil
}

// SetCredentialsActive flips the active flag on every existing id.
func (s *Store) SetCredentialsActive(ctx context.Context, ids []string, active bool) (int, error) {
	now := formatTime(s.now())
	changed := 0
	for _, id := range ids {
		n, err := setIfExistsScript.Run(ctx, s.client, []string{s.CredentialKey(id)},
			"active", strconv.FormatBool(active), now).Int()
		if err != nil {
			return changed, wrapErr("set active "+id, err)
		}
		changed += n
	}
	return changed, nil
}

// ResetUsage zeroes usage_today for ids, or for all credentials.
func (s *Store) ResetUsage(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		all, err := s.client.SMembers(ctx, s.AllCredentialsKey()).Result()
		if err != nil {
			return 0, wrapErr("reset usage", err)
		}
		ids = all
	}
	now := formatTime(s.now())
	reset := 0
	for _, id := range ids {
		n, err := setIfExistsScript.Run(ctx, s.client, []string{s.CredentialKey(id)},
			"usage_today", "0", now).Int()
		if err != nil {
			return reset, wrapErr("reset usage "+id, err)
		}
		reset += n
	}
	return reset, nil
}

// IncrementUsage atomically adds amount to the credential's usage counter.
func (s *Store) IncrementUsage(ctx context.Context, id string, amount int64, usedAt time.Time) error {
	ok, err := incrementUsageScript.Run(ctx, s.client,
		[]string{s.CredentialKey(id), s.UsageHistoryKey(id)},
		amount, formatTime(usedAt), store.DayKey(usedAt), int64(s.historyTTL/time.Second), int64(math.MaxInt64),
	).Int()
	if err != nil {
		return wrapErr("increment usage "+id, err)
	}
	if ok == 0 {
		return fmt.Errorf("increment usage %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// TouchCredential records an attempt without consuming quota.
func (s *Store) TouchCredential(ctx context.Context, id string, usedAt time.Time) error {
	ok, err := setIfExistsScript.Run(ctx, s.client, []string{s.CredentialKey(id)},
		"last_used_at", formatTime(usedAt), "").Int()
	if err != nil {
		return wrapErr("touch credential "+id, err)
	}
	if ok == 0 {
		return fmt.Errorf("touch credential %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// UsageHistory returns the per-day usage recorded for a credential.
func (s *Store) UsageHistory(ctx context.Context, id string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.UsageHistoryKey(id)).Result()
	if err != nil {
		return nil, wrapErr("usage history "+id, err)
	}
	out := make(map[string]int64, len(raw))
	for day, v := range raw {
		out[day] = parseInt(v)
	}
	return out, nil
}

// PruneUsageHistory removes day buckets older than before from every
// credential's history hash. Hashes also expire on their own after the
// history TTL; this trims the ones still being written to.
func (s *Store) PruneUsageHistory(ctx context.Context, before time.Time) (int, error) {
	cutoff := store.DayKey(before)

	ids, err := s.client.SMembers(ctx, s.AllCredentialsKey()).Result()
	if err != nil {
		return 0, wrapErr("prune usage history", err)
	}

	removed := 0
	for _, id := range ids {
		key := s.UsageHistoryKey(id)
		days, err := s.client.HKeys(ctx, key).Result()
		if err != nil {
			return removed, wrapErr("prune usage history "+id, err)
		}
		var stale []string
		for _, day := range days {
			if day < cutoff {
				stale = append(stale, day)
			}
		}
		if len(stale) == 0 {
			continue
		}
		n, err := s.client.HDel(ctx, key, stale...).Result()
		if err != nil {
			return removed, wrapErr("prune usage history "+id, err)
		}
		removed += int(n)
	}
	return removed, nil
}

// watch runs txf under WATCH, retrying when another client touched the keys.
func (s *Store) watch(ctx context.Context, txf func(*goredis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, keys...)
		if !errors.Is(err, goredis.TxFailedErr) {
			return err
		}
	}
	return store.ErrConflict
}

func encodeCredential(c *domain.Credential) map[string]interface{} {
	return map[string]interface{}{
		"id":            c.ID,
		"name":          c.Name,
		"secret":        c.Secret,
		"active":        strconv.FormatBool(c.Active),
		"usage_today":   c.UsageToday,
		"limit_per_day": c.LimitPerDay,
		"last_used_at":  formatTimePtr(c.LastUsedAt),
		"created_at":    formatTime(c.CreatedAt),
		"updated_at":    formatTime(c.UpdatedAt),
	}
}

func decodeCredential(f map[string]string) (*domain.Credential, error) {
	c := &domain.Credential{
		ID:          f["id"],
		Name:        f["name"],
		Secret:      f["secret"],
		Active:      f["active"] == "true",
		UsageToday:  parseInt(f["usage_today"]),
		LimitPerDay: parseInt(f["limit_per_day"]),
	}
	var err error
	if c.LastUsedAt, err = parseTimePtr(f["last_used_at"]); err != nil {
		return nil, fmt.Errorf("last_used_at: %w", err)
	}
	if c.CreatedAt, err = parseTime(f["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(f["updated_at"]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	return c, nil
}
