package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger implements Ledger with a map. Used for testing and
// development. Failures can be injected to exercise reconciler retry paths.
type MemoryLedger struct {
	mu       sync.Mutex
	nextID   int
	locks    map[string]*LockState // keyed by correlation token
	watchers []chan<- Event

	// FailCreates and FailExecutes make the next N calls fail.
	FailCreates  int
	FailExecutes int
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{locks: make(map[string]*LockState)}
}

func (m *MemoryLedger) CreateLock(_ context.Context, p CreateLockParams) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreates > 0 {
		m.FailCreates--
		return "", "", fmt.Errorf("ledger: injected create failure")
	}

	// Resubmission after an unknown outcome must not mint a second lock.
	if state, ok := m.locks[p.CorrelationID]; ok {
		return state.ChainLockID, m.txHash("create", state.ChainLockID), nil
	}

	m.nextID++
	state := &LockState{ChainLockID: fmt.Sprintf("%d", m.nextID)}
	m.locks[p.CorrelationID] = state

	m.emit(Event{
		Kind:          EventLockCreated,
		CorrelationID: p.CorrelationID,
		ChainLockID:   state.ChainLockID,
		TxHash:        m.txHash("create", state.ChainLockID),
	})
	return state.ChainLockID, m.txHash("create", state.ChainLockID), nil
}

func (m *MemoryLedger) ExecuteLock(_ context.Context, chainLockID, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailExecutes > 0 {
		m.FailExecutes--
		return "", fmt.Errorf("ledger: injected execute failure")
	}

	for corr, state := range m.locks {
		if state.ChainLockID == chainLockID {
			state.Executed = true
			m.emit(Event{
				Kind:          EventLockExecuted,
				CorrelationID: corr,
				ChainLockID:   chainLockID,
				TxHash:        m.txHash("execute", chainLockID),
			})
			return m.txHash("execute", chainLockID), nil
		}
	}
	return "", ErrUnknownLock
}

func (m *MemoryLedger) LookupLock(_ context.Context, correlationID string) (*LockState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.locks[correlationID]
	if !ok {
		return nil, ErrUnknownLock
	}
	copied := *state
	return &copied, nil
}

func (m *MemoryLedger) WatchEvents(ctx context.Context, ch chan<- Event) error {
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

// Seed records a lock as already existing on-chain.
func (m *MemoryLedger) Seed(correlationID, chainLockID string, executed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[correlationID] = &LockState{ChainLockID: chainLockID, Executed: executed}
}

// CreateCount reports how many locks the ledger holds.
func (m *MemoryLedger) CreateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *MemoryLedger) emit(ev Event) {
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *MemoryLedger) txHash(op, id string) string {
	return fmt.Sprintf("0x%s-%s", op, id)
}
