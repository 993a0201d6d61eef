package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/papertrade/portfolio-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are optimistic: the mutation runs outside the lock against
// a snapshot, and the commit only succeeds if the account version is
// unchanged. This mirrors the conflict behaviour of the SQL stores.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	ledger   []model.TradeRecord

	rankingIndex bool
	now          func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithoutRankingIndex makes QueryTopByValue fail with ErrRankingUnavailable,
// the same way a store with a missing sorted view behaves.
func WithoutRankingIndex() MemoryOption {
	return func(s *MemoryStore) { s.rankingIndex = false }
}

// WithClock overrides the time source used for UpdatedAt stamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		accounts:     make(map[string]*model.Account),
		rankingIndex: true,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.UserID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, acct.UserID)
	}
	// Store a copy to avoid external mutation.
	s.accounts[acct.UserID] = acct.Clone()
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	return a.Clone(), nil
}

func (s *MemoryStore) RunTransaction(ctx context.Context, userID string, fn Mutation) (*model.Account, error) {
	snapshot, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	next, rec, err := applyMutation(snapshot, fn, s.now())
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, userID)
	}
	if cur.Version != snapshot.Version {
		return nil, fmt.Errorf("%w: %s at version %d, read %d", ErrConflict, userID, cur.Version, snapshot.Version)
	}
	s.accounts[userID] = next
	if rec != nil {
		s.ledger = append(s.ledger, *rec)
	}
	return next.Clone(), nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeRecord
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID != userID {
			continue
		}
		result = append(result, s.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) QueryTopByValue(_ context.Context, level *int, limit int) ([]model.AccountSummary, error) {
	if !s.rankingIndex {
		return nil, ErrRankingUnavailable
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []model.AccountSummary
	for _, a := range s.accounts {
		if !model.MatchesLevel(level, a.Level) {
			continue
		}
		rows = append(rows, model.AccountSummary{
			UserID:      a.UserID,
			Level:       a.Level,
			CashBalance: a.CashBalance,
		})
	}
	sortSummaries(rows)
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (s *MemoryStore) ScanAccounts(_ context.Context, level *int, limit int) ([]*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.accounts))
	for id, a := range s.accounts {
		if model.MatchesLevel(level, a.Level) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	result := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.accounts[id].Clone())
	}
	return result, nil
}
