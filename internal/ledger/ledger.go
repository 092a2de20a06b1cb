// Package ledger is the on-chain contract client. The settlement contract is
// a downstream projection of the lock store, never authoritative: the
// reconciler pushes state onto it and ingests its events, matching by the
// correlation token minted at lock creation.
package ledger

import (
	"context"
	"errors"
)

// Event kinds emitted by the settlement contract.
const (
	EventLockCreated  = "lock_created"
	EventLockExecuted = "lock_executed"
)

// ErrUnknownLock is returned when no on-chain lock exists for a correlation
// token.
var ErrUnknownLock = errors.New("ledger: unknown lock")

// Event is a contract event reconciled back into the lock store. Events are
// matched to locks by correlation token, never by amount equality, so two
// concurrent same-amount locks cannot cross wires.
type Event struct {
	Kind          string
	CorrelationID string
	ChainLockID   string
	TxHash        string
}

// LockState is the contract's view of one lock.
type LockState struct {
	ChainLockID string
	Executed    bool
}

// CreateLockParams carries the fields projected on-chain at creation.
type CreateLockParams struct {
	CorrelationID string
	USDAmount     string
	KESAmount     string
	Rate          string
	ExpiresAt     int64
}

// Ledger is the settlement contract surface.
//
// Transaction submission has a bounded timeout; a timeout means unknown
// outcome, and callers must re-check with LookupLock before resubmitting.
type Ledger interface {
	// CreateLock submits a create-lock transaction tagged with the
	// correlation token. Returns the on-chain lock ID and transaction hash.
	CreateLock(ctx context.Context, p CreateLockParams) (chainLockID, txHash string, err error)

	// ExecuteLock submits on-chain execution for an existing lock,
	// referencing the off-chain payment receipt.
	ExecuteLock(ctx context.Context, chainLockID, paymentRef string) (txHash string, err error)

	// LookupLock returns the contract state for a correlation token, or
	// ErrUnknownLock if nothing was ever mined for it.
	LookupLock(ctx context.Context, correlationID string) (*LockState, error)

	// WatchEvents streams contract events into ch until ctx is cancelled.
	WatchEvents(ctx context.Context, ch chan<- Event) error
}
