package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.Mutex
	locks       map[string]*model.Lock
	rateHistory []model.RateSample
	hedges      map[string]*model.HedgePosition
	kycStatus   map[string]string
	utilization decimal.Decimal
	hasPoolSnap bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[string]*model.Lock),
		hedges:    make(map[string]*model.HedgePosition),
		kycStatus: make(map[string]string),
	}
}

// SetUserKYC seeds a user's verification status.
func (s *MemoryStore) SetUserKYC(userID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kycStatus[userID] = status
}

// SetPoolUtilization seeds the pool utilization snapshot.
func (s *MemoryStore) SetPoolUtilization(pct decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utilization = pct
	s.hasPoolSnap = true
}

func (s *MemoryStore) CreateLock(_ context.Context, l *model.Lock, maxOpen int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	open := 0
	for _, existing := range s.locks {
		if l.QuoteID != "" && existing.QuoteID == l.QuoteID {
			return ErrQuoteAlreadyUsed
		}
		if existing.UserID == l.UserID && existing.Open() {
			open++
		}
	}
	if open >= maxOpen {
		return ErrTooManyOpenLocks
	}

	copy := *l
	s.locks[l.ID] = &copy
	return nil
}

func (s *MemoryStore) ActivateLock(_ context.Context, lockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok || l.Status != model.StatusPending {
		return ErrLockNotActive
	}
	l.Status = model.StatusActive
	return nil
}

func (s *MemoryStore) GetLock(_ context.Context, lockID string) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok {
		return nil, ErrNotFound
	}
	s.expireLocked(l, time.Now())
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListUserLocks(_ context.Context, userID, status string, limit, offset int) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locks []model.Lock
	for _, l := range s.locks {
		if l.UserID != userID {
			continue
		}
		if status != "" && l.Status != status {
			continue
		}
		locks = append(locks, *l)
	}
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].CreatedAt.After(locks[j].CreatedAt)
	})

	if offset >= len(locks) {
		return []model.Lock{}, nil
	}
	locks = locks[offset:]
	if limit > 0 && limit < len(locks) {
		locks = locks[:limit]
	}
	return locks, nil
}

func (s *MemoryStore) ExecuteLock(_ context.Context, lockID, paymentRef string, now time.Time) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Open() && !l.ExpiresAt.After(now) {
		l.Status = model.StatusExpired
		return nil, ErrLockExpired
	}
	if l.Status != model.StatusActive {
		return nil, ErrLockNotActive
	}

	executedAt := now
	l.Status = model.StatusExecuted
	l.ExecutedAt = &executedAt
	l.PaymentReference = paymentRef
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) CancelLock(_ context.Context, lockID string, now time.Time) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Open() && !l.ExpiresAt.After(now) {
		l.Status = model.StatusExpired
		return nil, ErrLockExpired
	}
	if l.Status != model.StatusActive {
		return nil, ErrLockNotActive
	}

	cancelledAt := now
	l.Status = model.StatusCancelled
	l.CancelledAt = &cancelledAt
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ExpireOverdueLocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, l := range s.locks {
		if l.Open() && !l.ExpiresAt.After(now) {
			l.Status = model.StatusExpired
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListUnprojectedLocks(_ context.Context, limit int) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locks []model.Lock
	for _, l := range s.locks {
		if l.Open() && l.ChainLockID == "" {
			locks = append(locks, *l)
		}
	}
	sortByCreated(locks)
	return truncate(locks, limit), nil
}

func (s *MemoryStore) ListUnsettledExecutions(_ context.Context, limit int) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locks []model.Lock
	for _, l := range s.locks {
		if l.Status == model.StatusExecuted && l.PaymentReference != "" && l.ChainTxHash == "" {
			locks = append(locks, *l)
		}
	}
	sortByCreated(locks)
	return truncate(locks, limit), nil
}

func (s *MemoryStore) SetChainLock(_ context.Context, lockID, chainLockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok || l.ChainLockID != "" {
		return ErrNotFound
	}
	l.ChainLockID = chainLockID
	return nil
}

func (s *MemoryStore) SetChainTxHash(_ context.Context, lockID, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[lockID]
	if !ok || l.ChainTxHash != "" {
		return ErrNotFound
	}
	l.ChainTxHash = txHash
	return nil
}

func (s *MemoryStore) GetLockByCorrelation(_ context.Context, correlationID string) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.locks {
		if l.CorrelationID == correlationID {
			copy := *l
			return &copy, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) InsertRateSample(_ context.Context, sample *model.RateSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateHistory = append(s.rateHistory, *sample)
	return nil
}

func (s *MemoryStore) LatestRateSample(_ context.Context) (*model.RateSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rateHistory) == 0 {
		return nil, ErrNoRateHistory
	}
	latest := s.rateHistory[0]
	for _, r := range s.rateHistory[1:] {
		if r.Time.After(latest.Time) {
			latest = r
		}
	}
	return &latest, nil
}

func (s *MemoryStore) RateSpan(_ context.Context, window time.Duration) (decimal.Decimal, decimal.Decimal, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	var inWindow []model.RateSample
	for _, r := range s.rateHistory {
		if !r.Time.Before(cutoff) {
			inWindow = append(inWindow, r)
		}
	}
	if len(inWindow) == 0 {
		return decimal.Zero, decimal.Zero, 0, nil
	}
	sort.Slice(inWindow, func(i, j int) bool { return inWindow[i].Time.Before(inWindow[j].Time) })
	return inWindow[0].MidMarket, inWindow[len(inWindow)-1].MidMarket, len(inWindow), nil
}

func (s *MemoryStore) RateBuckets(_ context.Context, window time.Duration) ([]RateBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-window)
	byHour := make(map[time.Time][]decimal.Decimal)
	for _, r := range s.rateHistory {
		if r.Time.Before(cutoff) {
			continue
		}
		hour := r.Time.Truncate(time.Hour)
		byHour[hour] = append(byHour[hour], r.MidMarket)
	}

	var buckets []RateBucket
	for hour, rates := range byHour {
		b := RateBucket{Bucket: hour, MinRate: rates[0], MaxRate: rates[0]}
		sum := decimal.Zero
		for _, r := range rates {
			sum = sum.Add(r)
			if r.LessThan(b.MinRate) {
				b.MinRate = r
			}
			if r.GreaterThan(b.MaxRate) {
				b.MaxRate = r
			}
		}
		b.AvgRate = sum.Div(decimal.NewFromInt(int64(len(rates))))
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Bucket.Before(buckets[j].Bucket) })
	return buckets, nil
}

func (s *MemoryStore) PoolUtilization(_ context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hasPoolSnap {
		return decimal.Zero, ErrNoPoolSnapshot
	}
	return s.utilization, nil
}

func (s *MemoryStore) UserKYCStatus(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, ok := s.kycStatus[userID]
	if !ok {
		return "", ErrNotFound
	}
	return status, nil
}

func (s *MemoryStore) InsertHedgePosition(_ context.Context, p *model.HedgePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *p
	s.hedges[p.ID] = &copy
	return nil
}

func (s *MemoryStore) ListLocksNeedingHedge(_ context.Context) ([]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hedged := make(map[string]bool)
	for _, h := range s.hedges {
		hedged[h.LockID] = true
	}

	var locks []model.Lock
	for _, l := range s.locks {
		if l.Status == model.StatusActive && l.LockType != model.LockTypeInstant && !hedged[l.ID] {
			locks = append(locks, *l)
		}
	}
	sortByCreated(locks)
	return locks, nil
}

func (s *MemoryStore) ListHedgesToClose(_ context.Context) ([]model.HedgePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var positions []model.HedgePosition
	for _, h := range s.hedges {
		if !h.IsOpen {
			continue
		}
		l, ok := s.locks[h.LockID]
		if ok && !l.Open() {
			positions = append(positions, *h)
		}
	}
	return positions, nil
}

func (s *MemoryStore) CloseHedgePosition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hedges[id]
	if !ok {
		return ErrNotFound
	}
	h.IsOpen = false
	return nil
}

// expireLocked lazily expires an open lock past its deadline. Caller holds mu.
func (s *MemoryStore) expireLocked(l *model.Lock, now time.Time) {
	if l.Open() && !l.ExpiresAt.After(now) {
		l.Status = model.StatusExpired
	}
}

func sortByCreated(locks []model.Lock) {
	sort.Slice(locks, func(i, j int) bool {
		return locks[i].CreatedAt.Before(locks[j].CreatedAt)
	})
}

func truncate(locks []model.Lock, limit int) []model.Lock {
	if limit > 0 && limit < len(locks) {
		return locks[:limit]
	}
	return locks
}
