package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"
)

//go:embed postgres_schema.sql
var postgresSchema string

var _ Store = (*PostgresStore)(nil)

// PostgreSQL error codes the store classifies.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
	pgUndefinedTable       = "42P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Account transactions run at SERIALIZABLE isolation so a losing concurrent
// writer is aborted by the database instead of overwriting the winner.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables, indexes and ranking view if they are missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return classifyPG(fmt.Errorf("migrate: %w", err))
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return classifyPG(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO accounts (user_id, cash_balance, level, version, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.CashBalance.String(), a.Level, a.Version, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return classifyPG(fmt.Errorf("create account %s: %w", a.UserID, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrExists, a.UserID)
	}
	if err := writeHoldings(ctx, tx, a); err != nil {
		return err
	}
	return classifyPG(tx.Commit(ctx))
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return readAccount(ctx, s.pool, userID)
}

func (s *PostgresStore) RunTransaction(ctx context.Context, userID string, fn Mutation) (*model.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, classifyPG(err)
	}
	defer tx.Rollback(ctx)

	cur, err := readAccount(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	next, rec, err := applyMutation(cur, fn, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx,
		`UPDATE accounts
		 SET cash_balance = $2::NUMERIC, version = $3, updated_at = $4
		 WHERE user_id = $1 AND version = $5`,
		userID, next.CashBalance.String(), next.Version, next.UpdatedAt, cur.Version,
	)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("update account %s: %w", userID, err))
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflict, userID)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM holdings WHERE user_id = $1`, userID); err != nil {
		return nil, classifyPG(fmt.Errorf("clear holdings %s: %w", userID, err))
	}
	if err := writeHoldings(ctx, tx, next); err != nil {
		return nil, err
	}

	if rec != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (id, user_id, symbol, side, quantity, price, amount, realized_pnl, cash_after, executed_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
			rec.ID, rec.UserID, rec.Symbol, string(rec.Side), rec.Quantity,
			rec.Price.String(), rec.Amount.String(), rec.RealizedPnL.String(), rec.CashAfter.String(),
			rec.ExecutedAt,
		)
		if err != nil {
			return nil, classifyPG(fmt.Errorf("record trade %s: %w", rec.ID, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPG(fmt.Errorf("commit %s: %w", userID, err))
	}
	return next, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	query := `SELECT id::TEXT, user_id, symbol, side, quantity,
		        price::TEXT, amount::TEXT, realized_pnl::TEXT, cash_after::TEXT, executed_at
		 FROM trades WHERE user_id = $1 ORDER BY executed_at DESC, id`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var side, priceS, amountS, pnlS, cashS string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Symbol, &side, &r.Quantity,
			&priceS, &amountS, &pnlS, &cashS, &r.ExecutedAt); err != nil {
			return nil, classifyPG(err)
		}
		r.Side = model.Side(side)
		if !r.Side.Valid() {
			return nil, fmt.Errorf("%w: trade %s has side %q", ErrCorruptRecord, r.ID, side)
		}
		r.Price, _ = decimal.NewFromString(priceS)
		r.Amount, _ = decimal.NewFromString(amountS)
		r.RealizedPnL, _ = decimal.NewFromString(pnlS)
		r.CashAfter, _ = decimal.NewFromString(cashS)
		trades = append(trades, r)
	}
	return trades, classifyPG(rows.Err())
}

// QueryTopByValue reads the account_rankings view. If the view has not been
// created, the query fails with ErrRankingUnavailable so the caller can fall
// back to a bounded scan.
func (s *PostgresStore) QueryTopByValue(ctx context.Context, level *int, limit int) ([]model.AccountSummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, level, cash_balance::TEXT
		 FROM account_rankings
		 WHERE ($1::INTEGER IS NULL OR level = $1)
		 ORDER BY cash_balance DESC, user_id ASC
		 LIMIT $2`, level, limitOrAll(limit))
	if err != nil {
		return nil, rankingErr(err)
	}
	defer rows.Close()

	var out []model.AccountSummary
	for rows.Next() {
		var r model.AccountSummary
		var cashS string
		if err := rows.Scan(&r.UserID, &r.Level, &cashS); err != nil {
			return nil, classifyPG(err)
		}
		r.CashBalance, _ = decimal.NewFromString(cashS)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, rankingErr(err)
	}
	return out, nil
}

// rankingErr reports a missing ranking view as ErrRankingUnavailable.
// pgx may surface the error from Query or from rows.Err.
func rankingErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable {
		return fmt.Errorf("%w: %v", ErrRankingUnavailable, err)
	}
	return classifyPG(err)
}

func (s *PostgresStore) ScanAccounts(ctx context.Context, level *int, limit int) ([]*model.Account, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM accounts
		 WHERE ($1::INTEGER IS NULL OR level = $1)
		 ORDER BY user_id
		 LIMIT $2`, level, limitOrAll(limit))
	if err != nil {
		return nil, classifyPG(err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classifyPG(err)
	}

	accounts := make([]*model.Account, 0, len(ids))
	for _, id := range ids {
		a, err := readAccount(ctx, s.pool, id)
		if errors.Is(err, ErrNotFound) {
			continue // deleted between the scan and the read
		}
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func readAccount(ctx context.Context, q querier, userID string) (*model.Account, error) {
	var cashS string
	a := &model.Account{Holdings: make(map[string]model.Holding)}

	err := q.QueryRow(ctx,
		`SELECT user_id, cash_balance::TEXT, level, version, created_at, updated_at
		 FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.UserID, &cashS, &a.Level, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, classifyPG(fmt.Errorf("get account %s: %w", userID, err))
	}
	a.CashBalance, _ = decimal.NewFromString(cashS)

	rows, err := q.Query(ctx,
		`SELECT symbol, shares, average_cost::TEXT FROM holdings WHERE user_id = $1`, userID)
	if err != nil {
		return nil, classifyPG(err)
	}
	defer rows.Close()

	for rows.Next() {
		var h model.Holding
		var costS string
		if err := rows.Scan(&h.Symbol, &h.Shares, &costS); err != nil {
			return nil, classifyPG(err)
		}
		h.AverageCost, _ = decimal.NewFromString(costS)
		a.Holdings[h.Symbol] = h
	}
	return a, classifyPG(rows.Err())
}

func writeHoldings(ctx context.Context, q querier, a *model.Account) error {
	for _, h := range a.Holdings {
		_, err := q.Exec(ctx,
			`INSERT INTO holdings (user_id, symbol, shares, average_cost)
			 VALUES ($1, $2, $3, $4::NUMERIC)`,
			a.UserID, h.Symbol, h.Shares, h.AverageCost.String(),
		)
		if err != nil {
			return classifyPG(fmt.Errorf("write holding %s/%s: %w", a.UserID, h.Symbol, err))
		}
	}
	return nil
}

// limitOrAll maps a non-positive limit to NULL, which LIMIT treats as "all".
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}

// classifyPG maps driver errors onto the store's sentinel errors. Context
// cancellation passes through unchanged.
func classifyPG(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrExists) || errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrRankingUnavailable) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case pgUniqueViolation:
			return fmt.Errorf("%w: %v", ErrExists, err)
		}
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
