package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/portfolio-engine/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ Store = (*SQLiteStore)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    user_id      TEXT PRIMARY KEY,
    cash_balance TEXT    NOT NULL,
    cash_micros  INTEGER NOT NULL,
    level        INTEGER NOT NULL DEFAULT 0,
    version      INTEGER NOT NULL DEFAULT 0,
    holdings     TEXT    NOT NULL DEFAULT '{}',
    created_at   TEXT    NOT NULL,
    updated_at   TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS accounts_ranking_idx ON accounts (cash_micros DESC, user_id ASC);
CREATE INDEX IF NOT EXISTS accounts_level_ranking_idx ON accounts (level, cash_micros DESC, user_id ASC);

CREATE TABLE IF NOT EXISTS trades (
    seq          INTEGER PRIMARY KEY AUTOINCREMENT,
    id           TEXT    NOT NULL UNIQUE,
    user_id      TEXT    NOT NULL,
    symbol       TEXT    NOT NULL,
    side         TEXT    NOT NULL,
    quantity     INTEGER NOT NULL,
    price        TEXT    NOT NULL,
    amount       TEXT    NOT NULL,
    realized_pnl TEXT    NOT NULL,
    cash_after   TEXT    NOT NULL,
    executed_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_user_idx ON trades (user_id, seq DESC);
`

// SQLiteStore implements Store on a single SQLite file. Holdings are kept
// as a JSON document on the account row. Commits are a compare-and-swap on
// the version column: an UPDATE that matches no row means another writer
// won and the transaction reports ErrConflict.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	// One writer at a time; concurrency is resolved by the version check.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := a.Validate(); err != nil {
		return err
	}
	holdings, err := json.Marshal(a.Holdings)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, cash_balance, cash_micros, level, version, holdings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id) DO NOTHING`,
		a.UserID, a.CashBalance.String(), micros(a.CashBalance), a.Level, a.Version,
		string(holdings), formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		return classifySQLite(fmt.Errorf("create account %s: %w", a.UserID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrExists, a.UserID)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, cash_balance, level, version, holdings, created_at, updated_at
		 FROM accounts WHERE user_id = ?`, userID)
	a, err := scanSQLiteAccount(row)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("get account %s: %w", userID, err))
	}
	return a, nil
}

func (s *SQLiteStore) RunTransaction(ctx context.Context, userID string, fn Mutation) (*model.Account, error) {
	cur, err := s.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	next, rec, err := applyMutation(cur, fn, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	holdings, err := json.Marshal(next.Holdings)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE accounts
		 SET cash_balance = ?, cash_micros = ?, version = ?, holdings = ?, updated_at = ?
		 WHERE user_id = ? AND version = ?`,
		next.CashBalance.String(), micros(next.CashBalance), next.Version, string(holdings),
		formatTime(next.UpdatedAt), userID, cur.Version,
	)
	if err != nil {
		return nil, classifySQLite(fmt.Errorf("update account %s: %w", userID, err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConflict, userID)
	}

	if rec != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO trades (id, user_id, symbol, side, quantity, price, amount, realized_pnl, cash_after, executed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.UserID, rec.Symbol, string(rec.Side), rec.Quantity,
			rec.Price.String(), rec.Amount.String(), rec.RealizedPnL.String(), rec.CashAfter.String(),
			formatTime(rec.ExecutedAt),
		)
		if err != nil {
			return nil, classifySQLite(fmt.Errorf("record trade %s: %w", rec.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classifySQLite(fmt.Errorf("commit %s: %w", userID, err))
	}
	return next, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.TradeRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, side, quantity, price, amount, realized_pnl, cash_after, executed_at
		 FROM trades WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var r model.TradeRecord
		var side, priceS, amountS, pnlS, cashS, execS string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Symbol, &side, &r.Quantity,
			&priceS, &amountS, &pnlS, &cashS, &execS); err != nil {
			return nil, classifySQLite(err)
		}
		r.Side = model.Side(side)
		if !r.Side.Valid() {
			return nil, fmt.Errorf("%w: trade %s has side %q", ErrCorruptRecord, r.ID, side)
		}
		r.Price, _ = decimal.NewFromString(priceS)
		r.Amount, _ = decimal.NewFromString(amountS)
		r.RealizedPnL, _ = decimal.NewFromString(pnlS)
		r.CashAfter, _ = decimal.NewFromString(cashS)
		r.ExecutedAt, _ = time.Parse(time.RFC3339Nano, execS)
		trades = append(trades, r)
	}
	return trades, classifySQLite(rows.Err())
}

// QueryTopByValue walks the cash_micros index. Rows are re-sorted on the
// exact decimal balance so differences below a micro-dollar within the page
// still order correctly.
func (s *SQLiteStore) QueryTopByValue(ctx context.Context, level *int, limit int) ([]model.AccountSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, level, cash_balance FROM accounts
		 WHERE (? IS NULL OR level = ?)
		 ORDER BY cash_micros DESC, user_id ASC
		 LIMIT ?`, level, level, limit)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return nil, fmt.Errorf("%w: %v", ErrRankingUnavailable, err)
		}
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var out []model.AccountSummary
	for rows.Next() {
		var r model.AccountSummary
		var cashS string
		if err := rows.Scan(&r.UserID, &r.Level, &cashS); err != nil {
			return nil, classifySQLite(err)
		}
		r.CashBalance, _ = decimal.NewFromString(cashS)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifySQLite(err)
	}
	sortSummaries(out)
	return out, nil
}

func (s *SQLiteStore) ScanAccounts(ctx context.Context, level *int, limit int) ([]*model.Account, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, cash_balance, level, version, holdings, created_at, updated_at
		 FROM accounts WHERE (? IS NULL OR level = ?)
		 ORDER BY user_id LIMIT ?`, level, level, limit)
	if err != nil {
		return nil, classifySQLite(err)
	}
	defer rows.Close()

	var out []*model.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, classifySQLite(err)
		}
		out = append(out, a)
	}
	return out, classifySQLite(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteAccount(row rowScanner) (*model.Account, error) {
	var a model.Account
	var cashS, holdingsS, createdS, updatedS string
	if err := row.Scan(&a.UserID, &cashS, &a.Level, &a.Version, &holdingsS, &createdS, &updatedS); err != nil {
		return nil, err
	}
	var err error
	if a.CashBalance, err = decimal.NewFromString(cashS); err != nil {
		return nil, fmt.Errorf("parse cash_balance: %w", err)
	}
	if err := json.Unmarshal([]byte(holdingsS), &a.Holdings); err != nil {
		return nil, fmt.Errorf("parse holdings: %w", err)
	}
	if a.Holdings == nil {
		a.Holdings = make(map[string]model.Holding)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdS)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedS)
	return &a, nil
}

// micros is the index key for a balance. Balances agree with it to six
// decimal places; the exact decimal is re-compared after the read.
func micros(v decimal.Decimal) int64 {
	return v.Shift(6).Floor().IntPart()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// classifySQLite maps driver errors onto the store's sentinel errors.
func classifySQLite(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "SQLITE_BUSY"), strings.Contains(msg, "database is locked"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%w: %v", ErrExists, err)
	case errors.Is(err, sql.ErrConnDone):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
