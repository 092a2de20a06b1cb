package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
)

// pgerrUniqueViolation is the PostgreSQL error code for unique_violation.
const pgerrUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const lockColumns = `lock_id, user_id, usd_amount::TEXT, kes_required::TEXT, locked_rate::TEXT,
	lock_type, status, quote_id, correlation_id, bank_rate::TEXT, savings_amount::TEXT,
	COALESCE(payment_reference, ''), COALESCE(chain_lock_id, ''), COALESCE(chain_tx_hash, ''),
	created_at, expires_at, executed_at, cancelled_at`

func (s *PostgresStore) CreateLock(ctx context.Context, l *model.Lock, maxOpen int) error {
	// Under READ COMMITTED a count subquery only sees committed rows, so two
	// concurrent creates could both count 9 and both insert. A per-user
	// transaction-scoped advisory lock serializes the count+insert; creates
	// for different users never contend. The lock releases at commit.
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("create lock %s: %w", l.ID, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('lock_cap:' || $1))`, l.UserID); err != nil {
		return fmt.Errorf("create lock %s: %w", l.ID, err)
	}

	var open int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM locks WHERE user_id = $1 AND status IN ('pending', 'active')`,
		l.UserID).Scan(&open); err != nil {
		return fmt.Errorf("create lock %s: %w", l.ID, err)
	}
	if open >= maxOpen {
		return ErrTooManyOpenLocks
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO locks (lock_id, user_id, usd_amount, kes_required, locked_rate,
		                    lock_type, status, quote_id, correlation_id, bank_rate,
		                    savings_amount, created_at, expires_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10::NUMERIC, $11::NUMERIC, $12, $13)`,
		l.ID, l.UserID, l.USDAmount.String(), l.KESRequired.String(), l.LockedRate.String(),
		string(l.LockType), l.Status, l.QuoteID, l.CorrelationID, l.BankRate.String(),
		l.SavingsAmount.String(), l.CreatedAt, l.ExpiresAt,
	)
	if err != nil {
		// locks_quote_id_key is a partial unique index on quote_id where
		// quote_id <> ''. One quote converts into at most one lock.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrUniqueViolation && pgErr.ConstraintName == "locks_quote_id_key" {
			return ErrQuoteAlreadyUsed
		}
		return fmt.Errorf("create lock %s: %w", l.ID, err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) ActivateLock(ctx context.Context, lockID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE locks SET status = 'active' WHERE lock_id = $1 AND status = 'pending'`, lockID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrLockNotActive
	}
	return nil
}

func (s *PostgresStore) GetLock(ctx context.Context, lockID string) (*model.Lock, error) {
	// Lazy expiry at the point of read.
	_, _ = s.pool.Exec(ctx,
		`UPDATE locks SET status = 'expired'
		 WHERE lock_id = $1 AND status IN ('pending', 'active') AND expires_at <= now()`, lockID)

	row := s.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE lock_id = $1`, lockID)
	return scanLock(row)
}

func (s *PostgresStore) ListUserLocks(ctx context.Context, userID, status string, limit, offset int) ([]model.Lock, error) {
	query := `SELECT ` + lockColumns + ` FROM locks WHERE user_id = $1`
	args := []any{userID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

func (s *PostgresStore) ExecuteLock(ctx context.Context, lockID, paymentRef string, now time.Time) (*model.Lock, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE locks
		 SET status = 'executed', executed_at = $2, payment_reference = $3
		 WHERE lock_id = $1 AND status = 'active' AND expires_at > $2
		 RETURNING `+lockColumns, lockID, now, paymentRef)

	lock, err := scanLock(row)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, s.transitionFailure(ctx, lockID, now)
}

func (s *PostgresStore) CancelLock(ctx context.Context, lockID string, now time.Time) (*model.Lock, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE locks
		 SET status = 'cancelled', cancelled_at = $2
		 WHERE lock_id = $1 AND status = 'active'
		 RETURNING `+lockColumns, lockID, now)

	lock, err := scanLock(row)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return nil, s.transitionFailure(ctx, lockID, now)
}

// transitionFailure decides why a compare-and-set transition matched no row:
// the lock is missing, past its deadline, or in a non-active status.
func (s *PostgresStore) transitionFailure(ctx context.Context, lockID string, now time.Time) error {
	var status string
	var expiresAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT status, expires_at FROM locks WHERE lock_id = $1`, lockID).
		Scan(&status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status == model.StatusActive || status == model.StatusPending {
		if !expiresAt.After(now) {
			// Sweep it while we are here.
			_, _ = s.pool.Exec(ctx,
				`UPDATE locks SET status = 'expired'
				 WHERE lock_id = $1 AND status IN ('pending', 'active')`, lockID)
			return ErrLockExpired
		}
	}
	return ErrLockNotActive
}

func (s *PostgresStore) ExpireOverdueLocks(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE locks SET status = 'expired'
		 WHERE status IN ('pending', 'active') AND expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ListUnprojectedLocks(ctx context.Context, limit int) ([]model.Lock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE status IN ('pending', 'active') AND COALESCE(chain_lock_id, '') = ''
		 ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

func (s *PostgresStore) ListUnsettledExecutions(ctx context.Context, limit int) ([]model.Lock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM locks
		 WHERE status = 'executed'
		   AND COALESCE(payment_reference, '') <> ''
		   AND COALESCE(chain_tx_hash, '') = ''
		 ORDER BY executed_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

func (s *PostgresStore) SetChainLock(ctx context.Context, lockID, chainLockID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE locks SET chain_lock_id = $2
		 WHERE lock_id = $1 AND COALESCE(chain_lock_id, '') = ''`,
		lockID, chainLockID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetChainTxHash(ctx context.Context, lockID, txHash string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE locks SET chain_tx_hash = $2
		 WHERE lock_id = $1 AND COALESCE(chain_tx_hash, '') = ''`, lockID, txHash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetLockByCorrelation(ctx context.Context, correlationID string) (*model.Lock, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+lockColumns+` FROM locks WHERE correlation_id = $1`, correlationID)
	return scanLock(row)
}

func (s *PostgresStore) InsertRateSample(ctx context.Context, sample *model.RateSample) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_history (time, source, mid_market, spread_bps)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		sample.Time, sample.Source, sample.MidMarket.String(), sample.SpreadBps)
	return err
}

func (s *PostgresStore) LatestRateSample(ctx context.Context) (*model.RateSample, error) {
	var sample model.RateSample
	var mid string
	err := s.pool.QueryRow(ctx,
		`SELECT time, source, mid_market::TEXT, spread_bps
		 FROM rate_history ORDER BY time DESC LIMIT 1`).
		Scan(&sample.Time, &sample.Source, &mid, &sample.SpreadBps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoRateHistory
	}
	if err != nil {
		return nil, err
	}
	sample.MidMarket, _ = decimal.NewFromString(mid)
	return &sample, nil
}

func (s *PostgresStore) RateSpan(ctx context.Context, window time.Duration) (decimal.Decimal, decimal.Decimal, int, error) {
	var firstS, lastS string
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT
		   COALESCE((ARRAY_AGG(mid_market::TEXT ORDER BY time ASC))[1], ''),
		   COALESCE((ARRAY_AGG(mid_market::TEXT ORDER BY time DESC))[1], ''),
		   COUNT(*)
		 FROM rate_history WHERE time >= now() - make_interval(secs => $1)`,
		window.Seconds()).
		Scan(&firstS, &lastS, &count)
	if err != nil {
		return decimal.Zero, decimal.Zero, 0, err
	}
	if count == 0 {
		return decimal.Zero, decimal.Zero, 0, nil
	}
	first, _ := decimal.NewFromString(firstS)
	last, _ := decimal.NewFromString(lastS)
	return first, last, count, nil
}

func (s *PostgresStore) RateBuckets(ctx context.Context, window time.Duration) ([]RateBucket, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('hour', time) AS bucket,
		        AVG(mid_market)::TEXT, MIN(mid_market)::TEXT, MAX(mid_market)::TEXT
		 FROM rate_history
		 WHERE time >= now() - make_interval(secs => $1)
		 GROUP BY bucket ORDER BY bucket ASC`, window.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buckets []RateBucket
	for rows.Next() {
		var b RateBucket
		var avgS, minS, maxS string
		if err := rows.Scan(&b.Bucket, &avgS, &minS, &maxS); err != nil {
			return nil, err
		}
		b.AvgRate, _ = decimal.NewFromString(avgS)
		b.MinRate, _ = decimal.NewFromString(minS)
		b.MaxRate, _ = decimal.NewFromString(maxS)
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *PostgresStore) PoolUtilization(ctx context.Context) (decimal.Decimal, error) {
	var utilS string
	err := s.pool.QueryRow(ctx,
		`SELECT utilization_percent::TEXT FROM pool_snapshots
		 ORDER BY snapshot_at DESC LIMIT 1`).Scan(&utilS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNoPoolSnapshot
	}
	if err != nil {
		return decimal.Zero, err
	}
	util, _ := decimal.NewFromString(utilS)
	return util, nil
}

func (s *PostgresStore) UserKYCStatus(ctx context.Context, userID string) (string, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT kyc_status FROM users WHERE user_id = $1`, userID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return status, err
}

func (s *PostgresStore) InsertHedgePosition(ctx context.Context, p *model.HedgePosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hedge_positions (id, lock_id, exchange, instrument, side, size, entry_price, is_open, opened_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		p.ID, p.LockID, p.Exchange, p.Instrument, p.Side,
		p.Size.String(), p.EntryPrice.String(), p.IsOpen, p.OpenedAt)
	return err
}

func (s *PostgresStore) ListLocksNeedingHedge(ctx context.Context) ([]model.Lock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM locks l
		 WHERE l.status = 'active' AND l.lock_type IN ('7day', '30day')
		   AND NOT EXISTS (SELECT 1 FROM hedge_positions h WHERE h.lock_id = l.lock_id)
		 ORDER BY l.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanLocks(rows)
}

func (s *PostgresStore) ListHedgesToClose(ctx context.Context) ([]model.HedgePosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT h.id, h.lock_id, h.exchange, h.instrument, h.side,
		        h.size::TEXT, h.entry_price::TEXT, h.is_open, h.opened_at
		 FROM hedge_positions h
		 JOIN locks l ON l.lock_id = h.lock_id
		 WHERE h.is_open AND l.status IN ('executed', 'cancelled', 'expired')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.HedgePosition
	for rows.Next() {
		var p model.HedgePosition
		var sizeS, entryS string
		if err := rows.Scan(&p.ID, &p.LockID, &p.Exchange, &p.Instrument, &p.Side,
			&sizeS, &entryS, &p.IsOpen, &p.OpenedAt); err != nil {
			return nil, err
		}
		p.Size, _ = decimal.NewFromString(sizeS)
		p.EntryPrice, _ = decimal.NewFromString(entryS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) CloseHedgePosition(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE hedge_positions SET is_open = FALSE WHERE id = $1`, id)
	return err
}

// --- Row scanning helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanLock(row pgxRow) (*model.Lock, error) {
	var l model.Lock
	var usdS, kesS, rateS, bankS, savingsS, lockType string

	err := row.Scan(&l.ID, &l.UserID, &usdS, &kesS, &rateS,
		&lockType, &l.Status, &l.QuoteID, &l.CorrelationID, &bankS, &savingsS,
		&l.PaymentReference, &l.ChainLockID, &l.ChainTxHash,
		&l.CreatedAt, &l.ExpiresAt, &l.ExecutedAt, &l.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	l.LockType = model.LockType(lockType)
	l.USDAmount, _ = decimal.NewFromString(usdS)
	l.KESRequired, _ = decimal.NewFromString(kesS)
	l.LockedRate, _ = decimal.NewFromString(rateS)
	l.BankRate, _ = decimal.NewFromString(bankS)
	l.SavingsAmount, _ = decimal.NewFromString(savingsS)
	return &l, nil
}

func scanLocks(rows pgx.Rows) ([]model.Lock, error) {
	var locks []model.Lock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}
