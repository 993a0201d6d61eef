package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/portfolio-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store with a Redis read-through cache for
// read-only queries. Transactions always go to the primary, so trading never
// acts on a cached balance. Writes invalidate the account's keys and bump a
// per-account generation; a read only fills the cache when the generation it
// saw before reading the primary is still current, so a slow reader cannot
// put back a snapshot older than a commit it raced with.
// Leaderboard pages are cached for the TTL since rankings are eventually
// consistent anyway.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// genTTL bounds how long an idle account's generation counter lives. It
// must outlast any single primary read.
const genTTL = 24 * time.Hour

// fillScript sets a cache key only if the account's generation still
// matches the one observed before the primary read.
// KEYS: gen, data. ARGV: observed gen, payload, ttl ms, hash field ("" for a
// plain string key).
var fillScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1]) or '0'
if cur ~= ARGV[1] then
  return 0
end
if ARGV[4] == '' then
  redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
else
  redis.call('HSET', KEYS[2], ARGV[4], ARGV[2])
  redis.call('PEXPIRE', KEYS[2], ARGV[3])
end
return 1
`)

// --- Write path (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.invalidate(ctx, a.UserID)
	return nil
}

func (s *CachedStore) RunTransaction(ctx context.Context, userID string, fn Mutation) (*model.Account, error) {
	acct, err := s.primary.RunTransaction(ctx, userID, fn)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)
	return acct, nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			if a.Holdings == nil {
				a.Holdings = make(map[string]model.Holding)
			}
			return &a, nil
		}
	}

	// Cache miss (or Redis down): read from primary.
	gen, genOK := s.generation(ctx, userID)
	a, err := s.primary.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	if genOK {
		if data, err := json.Marshal(a); err == nil {
			s.fill(ctx, userID, gen, accountKey(userID), "", data)
		}
	}
	return a, nil
}

func (s *CachedStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	key := tradesKey(userID)
	field := fmt.Sprint(limit)

	data, err := s.rdb.HGet(ctx, key, field).Bytes()
	if err == nil {
		var trades []model.TradeRecord
		if json.Unmarshal(data, &trades) == nil {
			return trades, nil
		}
	}

	gen, genOK := s.generation(ctx, userID)
	trades, err := s.primary.ListTrades(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	if genOK {
		if data, err := json.Marshal(trades); err == nil {
			s.fill(ctx, userID, gen, key, field, data)
		}
	}
	return trades, nil
}

func (s *CachedStore) QueryTopByValue(ctx context.Context, level *int, limit int) ([]model.AccountSummary, error) {
	key := rankingKey(level, limit)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var rows []model.AccountSummary
		if json.Unmarshal(data, &rows) == nil {
			return rows, nil
		}
	}

	rows, err := s.primary.QueryTopByValue(ctx, level, limit)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(rows); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return rows, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ScanAccounts(ctx context.Context, level *int, limit int) ([]*model.Account, error) {
	return s.primary.ScanAccounts(ctx, level, limit)
}

// --- Cache helpers ---

// invalidate bumps the account's generation and drops its cached keys in
// one round trip.
func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, genKey(userID))
	pipe.Expire(ctx, genKey(userID), genTTL)
	pipe.Del(ctx, accountKey(userID), tradesKey(userID))
	pipe.Exec(ctx)
}

// generation returns the account's current cache generation. ok is false
// when Redis cannot be read, in which case nothing should be cached.
func (s *CachedStore) generation(ctx context.Context, userID string) (string, bool) {
	gen, err := s.rdb.Get(ctx, genKey(userID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0", true
	case err != nil:
		return "", false
	}
	return gen, true
}

func (s *CachedStore) fill(ctx context.Context, userID, gen, key, field string, data []byte) {
	fillScript.Run(ctx, s.rdb, []string{genKey(userID), key},
		gen, data, s.ttl.Milliseconds(), field)
}

func accountKey(uid string) string { return fmt.Sprintf("account:%s", uid) }
func tradesKey(uid string) string  { return fmt.Sprintf("trades:%s", uid) }
func genKey(uid string) string     { return fmt.Sprintf("gen:%s", uid) }

func rankingKey(level *int, limit int) string {
	if level == nil {
		return fmt.Sprintf("ranking:all:%d", limit)
	}
	return fmt.Sprintf("ranking:%d:%d", *level, limit)
}
