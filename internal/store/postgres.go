package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/moneyflow888/moneyflow-web/internal/guard"
	"github.com/moneyflow888/moneyflow-web/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// settlementLockKey is the pg_advisory_lock key shared by every instance.
const settlementLockKey int64 = 0x66756e64736574 // "fundset"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// --- NAV snapshots ---

const snapshotColumns = `id, total_nav::TEXT, total_shares::TEXT, share_price::TEXT, created_at`

func (s *PostgresStore) LatestNavSnapshot(ctx context.Context) (*model.NavSnapshot, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+snapshotColumns+` FROM nav_snapshots ORDER BY created_at DESC LIMIT 1`)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("latest nav snapshot: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest nav snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListNavSnapshots(ctx context.Context, limit int) ([]model.NavSnapshot, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM nav_snapshots ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []model.NavSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

func (s *PostgresStore) InsertNavSnapshot(ctx context.Context, snap *model.NavSnapshot) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nav_snapshots (id, total_nav, total_shares, share_price, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5)`,
		snap.ID, snap.TotalNAV.String(),
		nullString(snap.TotalShares), nullString(snap.SharePrice),
		snap.CreatedAt,
	)
	return err
}

// --- Investor accounts ---

const accountColumns = `user_id, COALESCE(email, ''), principal::TEXT, shares::TEXT, pending_withdraw::TEXT, updated_at`

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.InvestorAccount, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM investor_accounts WHERE user_id = $1`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	return acct, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context) ([]model.InvestorAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM investor_accounts ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []model.InvestorAccount
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

func (s *PostgresStore) AccountTotals(ctx context.Context) (model.AccountTotals, error) {
	var totals model.AccountTotals
	var shares, principal, pending string

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(shares), 0)::TEXT,
		        COALESCE(SUM(principal), 0)::TEXT,
		        COALESCE(SUM(pending_withdraw), 0)::TEXT
		 FROM investor_accounts`).
		Scan(&totals.Investors, &shares, &principal, &pending)
	if err != nil {
		return totals, fmt.Errorf("account totals: %w", err)
	}

	totals.Shares, _ = decimal.NewFromString(shares)
	totals.Principal, _ = decimal.NewFromString(principal)
	totals.PendingWithdraw, _ = decimal.NewFromString(pending)
	return totals, nil
}

// --- Deposit requests ---

const depositColumns = `id, user_id, COALESCE(email, ''), amount::TEXT, status, share_price_used::TEXT, minted_shares::TEXT, created_at, executed_at`

func (s *PostgresStore) CreateDeposit(ctx context.Context, d *model.DepositRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO investor_deposit_requests (id, user_id, email, amount, status, created_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4::NUMERIC, $5, $6)`,
		d.ID, d.UserID, d.Email, d.Amount.String(), d.Status, d.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListPendingDeposits(ctx context.Context) ([]model.DepositRequest, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM investor_deposit_requests
		 WHERE status = 'PENDING' ORDER BY created_at, id`)
}

func (s *PostgresStore) ListDepositsByUser(ctx context.Context, userID string) ([]model.DepositRequest, error) {
	return s.queryDeposits(ctx,
		`SELECT `+depositColumns+` FROM investor_deposit_requests
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

func (s *PostgresStore) queryDeposits(ctx context.Context, sql string, args ...any) ([]model.DepositRequest, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DepositRequest
	for rows.Next() {
		var d model.DepositRequest
		var amount string
		var price, minted *string
		if err := rows.Scan(&d.ID, &d.UserID, &d.Email, &amount, &d.Status,
			&price, &minted, &d.CreatedAt, &d.ExecutedAt); err != nil {
			return nil, err
		}
		d.Amount, _ = decimal.NewFromString(amount)
		d.SharePriceUsed = parseNull(price)
		d.MintedShares = parseNull(minted)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelDeposit(ctx context.Context, id, userID string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE investor_deposit_requests SET status = 'CANCELLED'
		 WHERE id = $1 AND user_id = $2 AND status = 'PENDING'`, id, userID)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.requireRow(ctx, s.pool,
		`SELECT 1 FROM investor_deposit_requests WHERE id = $1 AND user_id = $2`,
		"deposit "+id, id, userID)
}

func (s *PostgresStore) SettleDeposit(ctx context.Context, st DepositSettlement) (*model.InvestorAccount, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) // no-op after commit

	tag, err := tx.Exec(ctx,
		`UPDATE investor_deposit_requests
		 SET status = 'MINTED', executed_at = $2,
		     share_price_used = $3::NUMERIC, minted_shares = $4::NUMERIC
		 WHERE id = $1 AND status = 'PENDING'`,
		st.DepositID, st.ExecutedAt, st.SharePrice.String(), st.MintedShares.String())
	if err != nil {
		return nil, fmt.Errorf("mark deposit %s minted: %w", st.DepositID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("deposit %s: %w", st.DepositID, ErrNotPending)
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO investor_accounts (user_id, email, principal, shares, pending_withdraw, updated_at)
		 VALUES ($1, NULLIF($5, ''), $2::NUMERIC, $3::NUMERIC, 0, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET principal  = investor_accounts.principal + EXCLUDED.principal,
		     shares     = investor_accounts.shares + EXCLUDED.shares,
		     email      = COALESCE(EXCLUDED.email, investor_accounts.email),
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+accountColumns,
		st.UserID, st.Amount.String(), st.MintedShares.String(), st.ExecutedAt, st.Email)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("credit account %s: %w", st.UserID, err)
	}

	if err := insertPrincipalAdjustment(ctx, tx, &st.Adjustment); err != nil {
		return nil, fmt.Errorf("principal adjustment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

// --- Withdrawal requests ---

const withdrawColumns = `id, user_id, amount::TEXT, status, share_price_used::TEXT, burned_shares::TEXT, created_at, executed_at, paid_at`

func (s *PostgresStore) CreateWithdraw(ctx context.Context, w *model.WithdrawRequest) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE investor_accounts
		 SET pending_withdraw = pending_withdraw + $2::NUMERIC, updated_at = $3
		 WHERE user_id = $1`,
		w.UserID, w.Amount.String(), w.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", w.UserID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO investor_withdraw_requests (id, user_id, amount, status, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		w.ID, w.UserID, w.Amount.String(), w.Status, w.CreatedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ListPendingWithdrawals(ctx context.Context) ([]model.WithdrawRequest, error) {
	return s.queryWithdrawals(ctx,
		`SELECT `+withdrawColumns+` FROM investor_withdraw_requests
		 WHERE status = 'PENDING' ORDER BY created_at, id`)
}

func (s *PostgresStore) ListWithdrawQueue(ctx context.Context) ([]model.WithdrawRequest, error) {
	return s.queryWithdrawals(ctx,
		`SELECT `+withdrawColumns+` FROM investor_withdraw_requests
		 WHERE status IN ('PENDING', 'UNPAID') ORDER BY created_at, id`)
}

func (s *PostgresStore) ListWithdrawalsByUser(ctx context.Context, userID string) ([]model.WithdrawRequest, error) {
	return s.queryWithdrawals(ctx,
		`SELECT `+withdrawColumns+` FROM investor_withdraw_requests
		 WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
}

func (s *PostgresStore) queryWithdrawals(ctx context.Context, sql string, args ...any) ([]model.WithdrawRequest, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WithdrawRequest
	for rows.Next() {
		var w model.WithdrawRequest
		var amount string
		var price, burned *string
		if err := rows.Scan(&w.ID, &w.UserID, &amount, &w.Status,
			&price, &burned, &w.CreatedAt, &w.ExecutedAt, &w.PaidAt); err != nil {
			return nil, err
		}
		w.Amount, _ = decimal.NewFromString(amount)
		w.SharePriceUsed = parseNull(price)
		w.BurnedShares = parseNull(burned)
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CancelWithdraw(ctx context.Context, id, userID string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var amount string
	err = tx.QueryRow(ctx,
		`UPDATE investor_withdraw_requests SET status = 'CANCELLED'
		 WHERE id = $1 AND user_id = $2 AND status = 'PENDING'
		 RETURNING amount::TEXT`, id, userID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, s.requireRow(ctx, tx,
			`SELECT 1 FROM investor_withdraw_requests WHERE id = $1 AND user_id = $2`,
			"withdrawal "+id, id, userID)
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE investor_accounts
		 SET pending_withdraw = GREATEST(pending_withdraw - $2::NUMERIC, 0), updated_at = now()
		 WHERE user_id = $1`, userID, amount); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (s *PostgresStore) SettleWithdraw(ctx context.Context, st WithdrawSettlement) (*model.InvestorAccount, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// Lock the account row so the share check and the burn see the same balance.
	var sharesS string
	err = tx.QueryRow(ctx,
		`SELECT shares::TEXT FROM investor_accounts WHERE user_id = $1 FOR UPDATE`, st.UserID).
		Scan(&sharesS)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("withdrawal %s: %w", st.WithdrawID, ErrInsufficientShares)
	}
	if err != nil {
		return nil, err
	}
	held, _ := decimal.NewFromString(sharesS)
	if !guard.CoversBurn(held, st.BurnedShares, st.Epsilon) {
		return nil, fmt.Errorf("withdrawal %s: %w", st.WithdrawID, ErrInsufficientShares)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE investor_withdraw_requests
		 SET status = 'UNPAID', executed_at = $2,
		     share_price_used = $3::NUMERIC, burned_shares = $4::NUMERIC
		 WHERE id = $1 AND status = 'PENDING'`,
		st.WithdrawID, st.ExecutedAt, st.SharePrice.String(), st.BurnedShares.String())
	if err != nil {
		return nil, fmt.Errorf("mark withdrawal %s unpaid: %w", st.WithdrawID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("withdrawal %s: %w", st.WithdrawID, ErrNotPending)
	}

	row := tx.QueryRow(ctx,
		`UPDATE investor_accounts
		 SET shares           = GREATEST(shares - $2::NUMERIC, 0),
		     pending_withdraw = GREATEST(pending_withdraw - $3::NUMERIC, 0),
		     updated_at       = $4
		 WHERE user_id = $1
		 RETURNING `+accountColumns,
		st.UserID, st.BurnedShares.String(), st.Amount.String(), st.ExecutedAt)
	acct, err := scanAccount(row)
	if err != nil {
		return nil, fmt.Errorf("debit account %s: %w", st.UserID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *PostgresStore) MarkWithdrawPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE investor_withdraw_requests SET status = 'PAID', paid_at = $2
		 WHERE id = $1 AND status = 'UNPAID'`, id, paidAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.requireRow(ctx, s.pool,
		`SELECT 1 FROM investor_withdraw_requests WHERE id = $1`, "withdrawal "+id, id)
}

// --- P&L adjustment ledgers ---

func (s *PostgresStore) ListPrincipalAdjustments(ctx context.Context) ([]model.PrincipalAdjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, month, delta::TEXT, note, created_at
		 FROM principal_adjustments ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PrincipalAdjustment
	for rows.Next() {
		var a model.PrincipalAdjustment
		var delta string
		if err := rows.Scan(&a.ID, &a.Month, &delta, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Delta, _ = decimal.NewFromString(delta)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertPrincipalAdjustment(ctx context.Context, adj *model.PrincipalAdjustment) error {
	return insertPrincipalAdjustment(ctx, s.pool, adj)
}

func (s *PostgresStore) ListWtdAdjustments(ctx context.Context) ([]model.WtdAdjustment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, week, delta::TEXT, note, created_at
		 FROM wtd_adjustments ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.WtdAdjustment
	for rows.Next() {
		var a model.WtdAdjustment
		var delta string
		if err := rows.Scan(&a.ID, &a.Week, &delta, &a.Note, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Delta, _ = decimal.NewFromString(delta)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertWtdAdjustment(ctx context.Context, adj *model.WtdAdjustment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wtd_adjustments (id, week, delta, note, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)`,
		adj.ID, adj.Week, adj.Delta.String(), adj.Note, adj.CreatedAt)
	return err
}

// --- Coordination ---

// LockSettlement takes a session-level advisory lock on a dedicated pooled
// connection, so concurrent batches on any instance are serialized.
func (s *PostgresStore) LockSettlement(ctx context.Context) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, settlementLockKey); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire settlement lock: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Unlock with a fresh context: the caller's may already be cancelled.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, settlementLockKey); err != nil {
				// Destroy the connection so the session lock dies with it.
				conn.Conn().Close(ctx)
			}
			conn.Release()
		})
	}, nil
}

// --- helpers ---

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertPrincipalAdjustment(ctx context.Context, q querier, adj *model.PrincipalAdjustment) error {
	var id string
	return q.QueryRow(ctx,
		`INSERT INTO principal_adjustments (id, month, delta, note, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5) RETURNING id`,
		adj.ID, adj.Month, adj.Delta.String(), adj.Note, adj.CreatedAt).Scan(&id)
}

// requireRow returns nil if the probe query finds a row, ErrNotFound otherwise.
func (s *PostgresStore) requireRow(ctx context.Context, q querier, sql, what string, args ...any) error {
	var one int
	err := q.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func scanSnapshot(row rowScanner) (*model.NavSnapshot, error) {
	var snap model.NavSnapshot
	var nav string
	var shares, price *string
	if err := row.Scan(&snap.ID, &nav, &shares, &price, &snap.CreatedAt); err != nil {
		return nil, err
	}
	snap.TotalNAV, _ = decimal.NewFromString(nav)
	snap.TotalShares = parseNull(shares)
	snap.SharePrice = parseNull(price)
	return &snap, nil
}

func scanAccount(row rowScanner) (*model.InvestorAccount, error) {
	var a model.InvestorAccount
	var principal, shares, pending string
	if err := row.Scan(&a.UserID, &a.Email, &principal, &shares, &pending, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Principal, _ = decimal.NewFromString(principal)
	a.Shares, _ = decimal.NewFromString(shares)
	a.PendingWithdraw, _ = decimal.NewFromString(pending)
	return &a, nil
}

func parseNull(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(v)
}

func nullString(v decimal.NullDecimal) *string {
	if !v.Valid {
		return nil
	}
	s := v.Decimal.String()
	return &s
}
