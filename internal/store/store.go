// Package store defines the persistence interface for the portfolio engine.
// Implementations include PostgreSQL (source of truth), SQLite (single-node
// deployments), Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/papertrade/portfolio-engine/internal/model"
)

var (
	// ErrNotFound is returned when the referenced account does not exist.
	ErrNotFound = errors.New("store: account not found")

	// ErrExists is returned by CreateAccount for a duplicate user id.
	ErrExists = errors.New("store: account already exists")

	// ErrConflict is returned by RunTransaction when a concurrent writer
	// committed first. The caller may retry against a fresh read.
	ErrConflict = errors.New("store: concurrent modification")

	// ErrUnavailable wraps infrastructure failures (connection refused,
	// timeouts, pool exhaustion).
	ErrUnavailable = errors.New("store: backend unavailable")

	// ErrRankingUnavailable is returned by QueryTopByValue when the sorted
	// index or view backing it is missing.
	ErrRankingUnavailable = errors.New("store: ranking index unavailable")

	// ErrCorruptRecord is returned when a persisted row fails validation on
	// the way out.
	ErrCorruptRecord = errors.New("store: corrupt record")
)

// Mutation applies a change to a private copy of one account. Returning an
// error aborts the transaction with no side effects. A non-nil record is
// appended to the trade ledger atomically with the account update.
type Mutation func(acct *model.Account) (*model.TradeRecord, error)

// Store is the persistence interface. Every implementation gives
// RunTransaction snapshot isolation with conflict detection: a writer that
// loses a race gets ErrConflict instead of overwriting the winner.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount returns a read-only copy of an account.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// RunTransaction reads the current account, applies fn to a copy and
	// commits the result if no other writer committed in between. It makes
	// a single attempt; retry policy belongs to the caller.
	RunTransaction(ctx context.Context, userID string, fn Mutation) (*model.Account, error)

	// --- Immutable ledger ---

	// ListTrades returns up to limit trades for a user, newest first.
	// limit <= 0 returns all of them.
	ListTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error)

	// --- Leaderboard queries ---

	// QueryTopByValue returns accounts ordered by cash balance descending,
	// then user id ascending. level == nil means all levels.
	QueryTopByValue(ctx context.Context, level *int, limit int) ([]model.AccountSummary, error)

	// ScanAccounts returns up to limit accounts ordered by user id, so a
	// bounded scan over unchanged data always picks the same accounts.
	// It is the fallback when the sorted query is unavailable.
	ScanAccounts(ctx context.Context, level *int, limit int) ([]*model.Account, error)
}

// applyMutation runs fn against a copy of cur and returns the validated
// next state. Identity, tier and creation time cannot be changed by a
// mutation. The version is bumped exactly once per commit.
func applyMutation(cur *model.Account, fn Mutation, now time.Time) (*model.Account, *model.TradeRecord, error) {
	next := cur.Clone()
	rec, err := fn(next)
	if err != nil {
		return nil, nil, err
	}
	next.UserID = cur.UserID
	next.Level = cur.Level
	next.CreatedAt = cur.CreatedAt
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return nil, nil, err
	}
	if rec != nil {
		rec.UserID = cur.UserID
	}
	return next, rec, nil
}

// sortSummaries orders rows by cash balance descending, then user id
// ascending, so equal balances always come back in the same order.
func sortSummaries(rows []model.AccountSummary) {
	sort.SliceStable(rows, func(i, j int) bool {
		if c := rows[i].CashBalance.Cmp(rows[j].CashBalance); c != 0 {
			return c > 0
		}
		return rows[i].UserID < rows[j].UserID
	})
}
