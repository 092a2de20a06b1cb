// Package quote implements rate quoting: spread computation over a market
// snapshot, and the single-use quote cache locks are created from.
//
// All monetary values use shopspring/decimal — never float64 for money.
// Compute is a pure function of its inputs, reproducible for audit given the
// same snapshot.
package quote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/market"
	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/oracle"
)

var (
	// ErrInvalidAmount is returned when usdAmount is outside [10, 50000].
	ErrInvalidAmount = errors.New("quote: usd amount must be between 10 and 50000")

	// ErrInvalidLockType is returned for lock types outside the enumeration.
	ErrInvalidLockType = errors.New("quote: lock type must be instant, 7day or 30day")

	// BankRate is the fixed reference bank rate savings are computed against.
	BankRate = decimal.NewFromFloat(131.0)

	// MinSpread is the floor below which the spread is never quoted; the
	// platform never quotes a rate that yields non-positive margin.
	MinSpread = decimal.NewFromFloat(0.3)

	// MinAmount and MaxAmount bound a single quote request in USD.
	MinAmount = decimal.NewFromInt(10)
	MaxAmount = decimal.NewFromInt(50000)
)

// TTL is how long an issued quote stays consumable.
const TTL = 120 * time.Second

// baseSpread per lock type: longer windows carry more rate risk.
var baseSpread = map[model.LockType]decimal.Decimal{
	model.LockTypeInstant: decimal.NewFromFloat(0.8),
	model.LockType7Day:    decimal.NewFromFloat(1.4),
	model.LockType30Day:   decimal.NewFromFloat(2.2),
}

// ValidateRequest checks the quote preconditions.
func ValidateRequest(usdAmount decimal.Decimal, lockType model.LockType) error {
	if usdAmount.LessThan(MinAmount) || usdAmount.GreaterThan(MaxAmount) {
		return ErrInvalidAmount
	}
	if !lockType.Valid() {
		return ErrInvalidLockType
	}
	return nil
}

// Snapshot is the explicit market state a quote is priced against.
type Snapshot struct {
	MidMarketRate decimal.Decimal
	Condition     model.MarketCondition
	Now           time.Time
}

// Compute prices one quote against a snapshot. kesRequired is exactly
// usdAmount * quotedRate — no hidden rounding divergence.
func Compute(usdAmount decimal.Decimal, lockType model.LockType, snap Snapshot) model.Quote {
	volAdj := market.VolatilityAdjustment(snap.Condition.Volatility)
	utilAdj := market.UtilizationAdjustment(snap.Condition.PoolUtilization)

	spread := baseSpread[lockType].
		Add(snap.Condition.SpreadAdjustment).
		Add(volAdj).
		Add(utilAdj)
	if spread.LessThan(MinSpread) {
		spread = MinSpread
	}

	quotedRate := snap.MidMarketRate.Sub(spread)
	kesRequired := usdAmount.Mul(quotedRate)

	bankTotal := usdAmount.Mul(BankRate)
	savings := bankTotal.Sub(kesRequired)
	savingsPct := decimal.Zero
	if bankTotal.IsPositive() {
		savingsPct = savings.Div(bankTotal).Mul(decimal.NewFromInt(100))
	}

	return model.Quote{
		USDAmount:             usdAmount,
		LockType:              lockType,
		MidMarketRate:         snap.MidMarketRate,
		QuotedRate:            quotedRate,
		KESRequired:           kesRequired,
		Spread:                spread,
		VolatilityAdjustment:  volAdj,
		UtilizationAdjustment: utilAdj,
		Savings:               model.Savings{Amount: savings, Percentage: savingsPct},
		BankRate:              BankRate,
		CircuitBreakerStatus:  snap.Condition.CircuitBreakerStatus,
		IssuedAt:              snap.Now,
		ExpiresAt:             snap.Now.Add(TTL),
	}
}

// Oracle is the rate source the engine snapshots from.
type Oracle interface {
	ReferenceRate(ctx context.Context) (decimal.Decimal, string)
	SevenDayVolatility(ctx context.Context) decimal.Decimal
}

// Pool reports settlement-pool utilization.
type Pool interface {
	PoolUtilization(ctx context.Context) (decimal.Decimal, error)
}

// HistoryWriter records issued quotes for the rate history. Best-effort.
type HistoryWriter interface {
	InsertRateSample(ctx context.Context, sample *model.RateSample) error
}

// Engine assembles snapshots and issues quotes.
type Engine struct {
	oracle  Oracle
	pool    Pool
	history HistoryWriter
	now     func() time.Time
}

// NewEngine creates a quote engine. history may be nil to skip recording.
func NewEngine(oracle Oracle, pool Pool, history HistoryWriter) *Engine {
	return &Engine{oracle: oracle, pool: pool, history: history, now: time.Now}
}

// Snapshot gathers the current market state: reference rate, trailing
// volatility, and pool utilization. A missing pool snapshot reads as zero
// utilization.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	mid, source := e.oracle.ReferenceRate(ctx)
	vol := e.oracle.SevenDayVolatility(ctx)

	util := decimal.Zero
	if e.pool != nil {
		u, err := e.pool.PoolUtilization(ctx)
		if err == nil {
			util = u
		}
	}

	if source != oracle.SourceFeed {
		slog.Warn("quoting from fallback rate", "source", source, "rate", mid.String())
	}

	return Snapshot{
		MidMarketRate: mid,
		Condition:     market.Analyze(vol, util),
		Now:           e.now().UTC(),
	}
}

// Quote validates the request, prices it against a fresh snapshot, and
// records the sample in the rate history. History failures are logged, never
// surfaced — persistence must not block quote issuance.
func (e *Engine) Quote(ctx context.Context, usdAmount decimal.Decimal, lockType model.LockType) (model.Quote, error) {
	if err := ValidateRequest(usdAmount, lockType); err != nil {
		return model.Quote{}, err
	}

	q := Compute(usdAmount, lockType, e.Snapshot(ctx))

	if e.history != nil {
		sample := &model.RateSample{
			Time:      q.IssuedAt,
			Source:    "quote_engine",
			MidMarket: q.MidMarketRate,
			SpreadBps: q.Spread.Mul(decimal.NewFromInt(100)).Round(0).IntPart(),
		}
		if err := e.history.InsertRateSample(ctx, sample); err != nil {
			slog.Warn("rate history write failed", "err", err)
		}
	}

	return q, nil
}
