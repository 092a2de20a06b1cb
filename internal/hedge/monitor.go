package hedge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/metrics"
	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/store"
)

const (
	// DefaultInterval is how often the monitor scans for hedge work.
	DefaultInterval = 10 * time.Second

	// Symbol is the futures instrument used to offset KES rate exposure.
	Symbol = "USDCUSDT"

	exchange = "binance"
)

// hedgeRatios give the fraction of a lock's USD notional to short. Instant
// locks settle too fast to be worth hedging and are never listed by the
// store.
var hedgeRatios = map[model.LockType]decimal.Decimal{
	model.LockType7Day:  decimal.NewFromFloat(0.4),
	model.LockType30Day: decimal.NewFromFloat(0.8),
}

// Monitor keeps hedge positions aligned with the lock book: it opens a short
// for every active 7day/30day lock that lacks one, and unwinds positions
// whose lock has reached a terminal status.
type Monitor struct {
	store    store.Store
	client   TradeClient
	interval time.Duration
	now      func() time.Time
}

func NewMonitor(st store.Store, client TradeClient, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{store: st, client: client, interval: interval, now: time.Now}
}

// Run ticks until ctx is cancelled. Each lock is handled independently so a
// single exchange failure never blocks the rest of the book.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.ReconcilerCycles.WithLabelValues("hedge").Inc()
			if err := m.Tick(ctx); err != nil {
				metrics.ReconcilerErrors.WithLabelValues("hedge").Inc()
				slog.Error("hedge cycle failed", "error", err)
			}
		}
	}
}

// Tick runs one scan: open missing hedges, then close stale ones. The first
// listing error aborts the pass; per-lock trade errors are logged and
// retried next tick.
func (m *Monitor) Tick(ctx context.Context) error {
	locks, err := m.store.ListLocksNeedingHedge(ctx)
	if err != nil {
		return err
	}
	for _, l := range locks {
		if err := m.openHedge(ctx, &l); err != nil {
			slog.Error("open hedge failed", "lock_id", l.ID, "error", err)
		}
	}

	stale, err := m.store.ListHedgesToClose(ctx)
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := m.closeHedge(ctx, &p); err != nil {
			slog.Error("close hedge failed", "hedge_id", p.ID, "lock_id", p.LockID, "error", err)
		}
	}
	return nil
}

func (m *Monitor) openHedge(ctx context.Context, l *model.Lock) error {
	ratio, ok := hedgeRatios[l.LockType]
	if !ok {
		return nil
	}
	size := l.USDAmount.Mul(ratio)
	if size.Floor().IsZero() {
		// Below the exchange's minimum order; carry the exposure unhedged.
		return nil
	}

	order, err := m.client.OpenShort(ctx, Symbol, size)
	if err != nil {
		return err
	}

	pos := &model.HedgePosition{
		ID:         uuid.New().String(),
		LockID:     l.ID,
		Exchange:   exchange,
		Instrument: Symbol,
		Side:       "short",
		Size:       size,
		EntryPrice: order.AvgPrice,
		IsOpen:     true,
		OpenedAt:   m.now(),
	}
	if err := m.store.InsertHedgePosition(ctx, pos); err != nil {
		// The short is live but unrecorded. Flag for manual review rather
		// than double-hedging on the next tick.
		slog.Error("hedge opened but not recorded, manual review needed",
			"lock_id", l.ID, "order_id", order.OrderID, "size", size)
		return err
	}

	metrics.HedgesOpened.WithLabelValues(string(l.LockType)).Inc()
	slog.Info("hedge opened",
		"lock_id", l.ID, "lock_type", l.LockType,
		"size", size, "entry_price", order.AvgPrice)
	return nil
}

func (m *Monitor) closeHedge(ctx context.Context, p *model.HedgePosition) error {
	if _, err := m.client.CloseShort(ctx, p.Instrument, p.Size); err != nil {
		return err
	}
	if err := m.store.CloseHedgePosition(ctx, p.ID); err != nil {
		return err
	}
	slog.Info("hedge closed", "hedge_id", p.ID, "lock_id", p.LockID, "size", p.Size)
	return nil
}
