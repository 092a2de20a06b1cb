// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth) and in-memory (for
// testing). The Lock row is authoritative; chain and payment state are
// projections recorded onto it.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrTooManyOpenLocks is returned when a conditional insert would push a
	// user past the open-lock cap.
	ErrTooManyOpenLocks = errors.New("store: too many open locks")

	// ErrQuoteAlreadyUsed is returned when a create references a quote that
	// already produced a lock. A quote converts at most once.
	ErrQuoteAlreadyUsed = errors.New("store: quote already used")

	// ErrLockNotActive is returned when a compare-and-set transition finds
	// the lock in a status other than active.
	ErrLockNotActive = errors.New("store: lock not active")

	// ErrLockExpired is returned when a transition is attempted after the
	// lock's deadline has passed.
	ErrLockExpired = errors.New("store: lock expired")

	// ErrNoRateHistory is returned when no persisted rate samples exist.
	ErrNoRateHistory = errors.New("store: no rate history")

	// ErrNoPoolSnapshot is returned when no pool snapshot exists.
	ErrNoPoolSnapshot = errors.New("store: no pool snapshot")
)

// RateBucket is one hourly aggregate of the rate history.
type RateBucket struct {
	Bucket  time.Time       `json:"timestamp"`
	AvgRate decimal.Decimal `json:"avg_rate"`
	MinRate decimal.Decimal `json:"min_rate"`
	MaxRate decimal.Decimal `json:"max_rate"`
}

// Store is the persistence interface. PostgreSQL is the source of truth.
type Store interface {
	// --- Lock lifecycle ---

	// CreateLock inserts a new lock if and only if the user currently holds
	// fewer than maxOpen locks in {pending, active}. Implementations must
	// serialize the count and insert per user; a plain read-check-write would
	// exceed the cap under concurrent requests. Returns ErrTooManyOpenLocks
	// when the cap is hit and ErrQuoteAlreadyUsed when the lock's quote ID
	// already produced a lock.
	CreateLock(ctx context.Context, lock *model.Lock, maxOpen int) error

	// ActivateLock promotes a pending lock to active once durably written.
	ActivateLock(ctx context.Context, lockID string) error

	// GetLock retrieves a lock by ID, lazily expiring it first if its
	// deadline has passed.
	GetLock(ctx context.Context, lockID string) (*model.Lock, error)

	// ListUserLocks returns a user's locks, newest first, optionally
	// filtered by status.
	ListUserLocks(ctx context.Context, userID, status string, limit, offset int) ([]model.Lock, error)

	// ExecuteLock transitions active → executed via compare-and-set,
	// recording the payment reference and execution time. Fails with
	// ErrLockExpired past the deadline and ErrLockNotActive if a concurrent
	// transition already moved the lock.
	ExecuteLock(ctx context.Context, lockID, paymentRef string, now time.Time) (*model.Lock, error)

	// CancelLock transitions active → cancelled via compare-and-set.
	CancelLock(ctx context.Context, lockID string, now time.Time) (*model.Lock, error)

	// ExpireOverdueLocks sweeps every open lock whose deadline has passed
	// into expired. Returns the number of rows transitioned.
	ExpireOverdueLocks(ctx context.Context, now time.Time) (int64, error)

	// --- Chain reconciliation ---

	// ListUnprojectedLocks returns open locks with no on-chain identifier.
	ListUnprojectedLocks(ctx context.Context, limit int) ([]model.Lock, error)

	// ListUnsettledExecutions returns executed locks with a payment
	// reference but no on-chain execution transaction.
	ListUnsettledExecutions(ctx context.Context, limit int) ([]model.Lock, error)

	// SetChainLock records the on-chain lock identifier once projected.
	// Only writes when chain_lock_id is still empty.
	SetChainLock(ctx context.Context, lockID, chainLockID string) error

	// SetChainTxHash records the on-chain execution transaction. Idempotent:
	// only writes when chain_tx_hash is still empty.
	SetChainTxHash(ctx context.Context, lockID, txHash string) error

	// GetLockByCorrelation finds a lock by its correlation token.
	GetLockByCorrelation(ctx context.Context, correlationID string) (*model.Lock, error)

	// --- Rate history and pool state ---

	// InsertRateSample appends a rate observation. Best-effort history;
	// callers log and continue on failure.
	InsertRateSample(ctx context.Context, sample *model.RateSample) error

	// LatestRateSample returns the most recent persisted rate.
	LatestRateSample(ctx context.Context) (*model.RateSample, error)

	// RateSpan returns the first and last mid-market rates observed within
	// the trailing window plus the sample count.
	RateSpan(ctx context.Context, window time.Duration) (first, last decimal.Decimal, count int, err error)

	// RateBuckets returns hourly min/avg/max aggregates over the window.
	RateBuckets(ctx context.Context, window time.Duration) ([]RateBucket, error)

	// PoolUtilization returns the latest pool utilization percentage.
	PoolUtilization(ctx context.Context) (decimal.Decimal, error)

	// --- Users ---

	// UserKYCStatus returns the user's verification status.
	UserKYCStatus(ctx context.Context, userID string) (string, error)

	// --- Hedge positions ---

	// InsertHedgePosition appends a hedge audit record.
	InsertHedgePosition(ctx context.Context, pos *model.HedgePosition) error

	// ListLocksNeedingHedge returns active 7day/30day locks without any
	// hedge position.
	ListLocksNeedingHedge(ctx context.Context) ([]model.Lock, error)

	// ListHedgesToClose returns open hedge positions whose lock has reached
	// a terminal status.
	ListHedgesToClose(ctx context.Context) ([]model.HedgePosition, error)

	// CloseHedgePosition flips is_open to false.
	CloseHedgePosition(ctx context.Context, id string) error
}
