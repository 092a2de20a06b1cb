package hedge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeTrade struct {
	opens   []decimal.Decimal
	closes  []decimal.Decimal
	failing bool
}

func (f *fakeTrade) OpenShort(_ context.Context, symbol string, qty decimal.Decimal) (*Order, error) {
	if f.failing {
		return nil, errors.New("exchange down")
	}
	f.opens = append(f.opens, qty)
	return &Order{OrderID: fmt.Sprintf("o-%d", len(f.opens)), AvgPrice: d(1.0002)}, nil
}

func (f *fakeTrade) CloseShort(_ context.Context, symbol string, qty decimal.Decimal) (*Order, error) {
	if f.failing {
		return nil, errors.New("exchange down")
	}
	f.closes = append(f.closes, qty)
	return &Order{OrderID: fmt.Sprintf("c-%d", len(f.closes)), AvgPrice: d(1.0001)}, nil
}

func seedLock(t *testing.T, ms *store.MemoryStore, lockType model.LockType, usd float64) *model.Lock {
	t.Helper()
	l := &model.Lock{
		ID:            uuid.New().String(),
		UserID:        "user1",
		USDAmount:     d(usd),
		KESRequired:   d(usd * 128.7),
		LockedRate:    d(128.7),
		LockType:      lockType,
		Status:        model.StatusActive,
		CorrelationID: uuid.New().String(),
		BankRate:      d(131),
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(lockType.Duration()),
	}
	if err := ms.CreateLock(context.Background(), l, 100); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	return l
}

func newTestMonitor() (*Monitor, *store.MemoryStore, *fakeTrade) {
	ms := store.NewMemoryStore()
	ft := &fakeTrade{}
	return NewMonitor(ms, ft, time.Second), ms, ft
}

func TestTick_OpensHedgesAtTypeRatio(t *testing.T) {
	m, ms, ft := newTestMonitor()
	ctx := context.Background()

	l7 := seedLock(t, ms, model.LockType7Day, 1000)
	l30 := seedLock(t, ms, model.LockType30Day, 1000)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ft.opens) != 2 {
		t.Fatalf("expected 2 shorts, got %d", len(ft.opens))
	}

	open, err := ms.ListHedgesToClose(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("active locks should not have closable hedges, got %d", len(open))
	}

	sizes := map[string]string{}
	for _, qty := range ft.opens {
		sizes[qty.String()] = qty.String()
	}
	if _, ok := sizes["400"]; !ok {
		t.Errorf("expected a 400 USD short for the 7day lock %s, got %v", l7.ID, ft.opens)
	}
	if _, ok := sizes["800"]; !ok {
		t.Errorf("expected an 800 USD short for the 30day lock %s, got %v", l30.ID, ft.opens)
	}
}

func TestTick_IdempotentAcrossCycles(t *testing.T) {
	m, ms, ft := newTestMonitor()
	ctx := context.Background()
	seedLock(t, ms, model.LockType7Day, 500)

	for i := 0; i < 3; i++ {
		if err := m.Tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
	}
	if len(ft.opens) != 1 {
		t.Fatalf("expected a single short across cycles, got %d", len(ft.opens))
	}
}

func TestTick_ClosesHedgeWhenLockSettles(t *testing.T) {
	m, ms, ft := newTestMonitor()
	ctx := context.Background()
	l := seedLock(t, ms, model.LockType7Day, 1000)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := ms.ExecuteLock(ctx, l.ID, "MPESA-REF-1", time.Now().UTC()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick after settle: %v", err)
	}
	if len(ft.closes) != 1 {
		t.Fatalf("expected 1 close, got %d", len(ft.closes))
	}
	if got := ft.closes[0].String(); got != "400" {
		t.Errorf("close size = %s, want 400", got)
	}

	stale, err := ms.ListHedgesToClose(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("hedge should be flipped closed, got %d still open", len(stale))
	}
}

func TestTick_ClosesHedgeWhenLockCancelled(t *testing.T) {
	m, ms, ft := newTestMonitor()
	ctx := context.Background()
	l := seedLock(t, ms, model.LockType30Day, 100)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, err := ms.CancelLock(ctx, l.ID, time.Now().UTC()); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick after cancel: %v", err)
	}
	if len(ft.closes) != 1 {
		t.Fatalf("expected 1 close, got %d", len(ft.closes))
	}
}

func TestTick_ExchangeFailureRetriesNextCycle(t *testing.T) {
	m, ms, ft := newTestMonitor()
	ctx := context.Background()
	seedLock(t, ms, model.LockType7Day, 1000)

	ft.failing = true
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick should not fail the pass on trade errors: %v", err)
	}
	if len(ft.opens) != 0 {
		t.Fatalf("no shorts should have filled, got %d", len(ft.opens))
	}

	ft.failing = false
	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ft.opens) != 1 {
		t.Fatalf("expected the hedge on retry, got %d", len(ft.opens))
	}
}

func TestOpenHedge_SkipsDustPositions(t *testing.T) {
	m, ms, ft := newTestMonitor()
	ctx := context.Background()

	// 0.4 * 2 rounds down to 0 contracts, below any exchange minimum.
	seedLock(t, ms, model.LockType7Day, 2)

	if err := m.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(ft.opens) != 0 {
		t.Fatalf("dust lock should stay unhedged, got %d shorts", len(ft.opens))
	}
}
