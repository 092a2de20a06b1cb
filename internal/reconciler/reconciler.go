// Package reconciler keeps the lock store and the on-chain settlement
// contract convergent. Three independent periodic loops share nothing but
// the store: the projector pushes new locks on-chain, the executor pushes
// payment-confirmed executions, and the listener ingests contract events.
// A fault in any loop never stalls the others; consistency is eventual and
// convergent via retry, not exactly-once.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pesabridge/settlement-engine/internal/ledger"
	"github.com/pesabridge/settlement-engine/internal/metrics"
	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/store"
)

const (
	// DefaultInterval is the polling period for the projector and executor.
	DefaultInterval = 5 * time.Second

	// DefaultBatch bounds how many locks one cycle processes.
	DefaultBatch = 50
)

// Reconciler drives the projection loops.
type Reconciler struct {
	store    store.Store
	ledger   ledger.Ledger
	interval time.Duration
	batch    int
	now      func() time.Time
}

// New creates a reconciler polling at interval with batch locks per cycle.
// Zero values mean DefaultInterval and DefaultBatch.
func New(st store.Store, ld ledger.Ledger, interval time.Duration, batch int) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Reconciler{
		store:    st,
		ledger:   ld,
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Run starts the projector, executor, and event listener and blocks until
// ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() {
		defer wg.Done()
		r.loop(ctx, "projector", r.ProjectOnce)
	}()
	go func() {
		defer wg.Done()
		r.loop(ctx, "executor", r.ExecuteOnce)
	}()
	go func() {
		defer wg.Done()
		r.listen(ctx)
	}()

	wg.Wait()
}

// loop runs fn on every tick. Errors are logged and retried next cycle.
func (r *Reconciler) loop(ctx context.Context, name string, fn func(context.Context) error) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler loop stopped", "loop", name)
			return
		case <-ticker.C:
			metrics.ReconcilerCycles.WithLabelValues(name).Inc()
			if err := fn(ctx); err != nil {
				metrics.ReconcilerErrors.WithLabelValues(name).Inc()
				slog.Error("reconciler cycle failed", "loop", name, "err", err)
			}
		}
	}
}

// ProjectOnce runs one projector cycle: sweep overdue locks to expired, then
// submit every open lock without an on-chain identifier.
//
// Before submitting, the ledger is asked whether the correlation token was
// already mined. A previous cycle may have timed out after submission; the
// re-check prevents a duplicate lock on-chain.
func (r *Reconciler) ProjectOnce(ctx context.Context) error {
	now := r.now().UTC()
	if n, err := r.store.ExpireOverdueLocks(ctx, now); err != nil {
		slog.Error("expiry sweep failed", "err", err)
	} else if n > 0 {
		metrics.LockTransitions.WithLabelValues(model.StatusExpired).Add(float64(n))
		slog.Info("expired overdue locks", "count", n)
	}

	locks, err := r.store.ListUnprojectedLocks(ctx, r.batch)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range locks {
		if err := r.projectLock(ctx, &locks[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("lock projection failed, will retry",
				"lock_id", locks[i].ID, "err", err)
		}
	}
	return firstErr
}

func (r *Reconciler) projectLock(ctx context.Context, l *model.Lock) error {
	var chainLockID string

	state, err := r.ledger.LookupLock(ctx, l.CorrelationID)
	switch {
	case err == nil:
		// Already mined by a cycle whose outcome we never saw.
		chainLockID = state.ChainLockID
	case errors.Is(err, ledger.ErrUnknownLock):
		chainLockID, _, err = r.ledger.CreateLock(ctx, ledger.CreateLockParams{
			CorrelationID: l.CorrelationID,
			USDAmount:     l.USDAmount.String(),
			KESAmount:     l.KESRequired.String(),
			Rate:          l.LockedRate.String(),
			ExpiresAt:     l.ExpiresAt.Unix(),
		})
		if err != nil {
			return err
		}
	default:
		return err
	}

	if err := r.store.SetChainLock(ctx, l.ID, chainLockID); err != nil {
		// A concurrent cycle or the event listener got there first.
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	slog.Info("lock projected on-chain",
		"lock_id", l.ID,
		"chain_lock_id", chainLockID,
		"correlation_id", l.CorrelationID,
	)
	return nil
}

// ExecuteOnce runs one executor cycle: for every lock executed off-chain
// with no settlement transaction yet, submit on-chain execution.
//
// Locks not yet projected are skipped; the projector catches them up first.
// Recording the hash through SetChainTxHash is write-once, so repeated
// cycles over the same lock settle it exactly once.
func (r *Reconciler) ExecuteOnce(ctx context.Context) error {
	locks, err := r.store.ListUnsettledExecutions(ctx, r.batch)
	if err != nil {
		return err
	}

	var firstErr error
	for i := range locks {
		l := &locks[i]
		if l.ChainLockID == "" {
			continue
		}

		txHash, err := r.settleLock(ctx, l)
		if errors.Is(err, errAlreadySettled) {
			// Mined by an earlier cycle whose outcome we never saw. The
			// event listener records the hash; nothing to submit.
			continue
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			slog.Warn("on-chain execution failed, will retry",
				"lock_id", l.ID, "err", err)
			continue
		}

		if err := r.store.SetChainTxHash(ctx, l.ID, txHash); err != nil && !errors.Is(err, store.ErrNotFound) {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		slog.Info("lock settled on-chain",
			"lock_id", l.ID,
			"chain_tx", txHash,
			"payment_ref", l.PaymentReference,
		)
	}
	return firstErr
}

var errAlreadySettled = errors.New("reconciler: already settled on-chain")

func (r *Reconciler) settleLock(ctx context.Context, l *model.Lock) (string, error) {
	// Re-check first: a timed-out submission from an earlier cycle may have
	// mined. Executing twice would revert, wasting gas every cycle.
	state, err := r.ledger.LookupLock(ctx, l.CorrelationID)
	if err == nil && state.Executed {
		return "", errAlreadySettled
	}
	return r.ledger.ExecuteLock(ctx, l.ChainLockID, l.PaymentReference)
}

// listen ingests contract events. The subscription is re-established after
// failures with a short backoff.
func (r *Reconciler) listen(ctx context.Context) {
	events := make(chan ledger.Event, 64)

	go func() {
		for {
			metrics.ReconcilerCycles.WithLabelValues("listener").Inc()
			err := r.ledger.WatchEvents(ctx, events)
			if ctx.Err() != nil {
				return
			}
			metrics.ReconcilerErrors.WithLabelValues("listener").Inc()
			slog.Error("event subscription dropped, reconnecting", "err", err)

			select {
			case <-ctx.Done():
				return
			case <-time.After(r.interval):
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reconciler loop stopped", "loop", "listener")
			return
		case ev := <-events:
			if err := r.HandleEvent(ctx, ev); err != nil {
				slog.Warn("event reconciliation failed",
					"kind", ev.Kind,
					"correlation_id", ev.CorrelationID,
					"err", err)
			}
		}
	}
}

// HandleEvent reconciles one contract event into the store, matching by
// correlation token. Events for unknown tokens are logged and dropped; the
// store is authoritative and never fabricates a lock from chain state.
func (r *Reconciler) HandleEvent(ctx context.Context, ev ledger.Event) error {
	l, err := r.store.GetLockByCorrelation(ctx, ev.CorrelationID)
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("event for unknown correlation token",
			"kind", ev.Kind, "correlation_id", ev.CorrelationID)
		return nil
	}
	if err != nil {
		return err
	}

	switch ev.Kind {
	case ledger.EventLockCreated:
		if l.ChainLockID != "" {
			return nil
		}
		err = r.store.SetChainLock(ctx, l.ID, ev.ChainLockID)
	case ledger.EventLockExecuted:
		if l.ChainTxHash != "" {
			return nil
		}
		err = r.store.SetChainTxHash(ctx, l.ID, ev.TxHash)
	default:
		return nil
	}

	if errors.Is(err, store.ErrNotFound) {
		// A polling loop already recorded it.
		return nil
	}
	return err
}
