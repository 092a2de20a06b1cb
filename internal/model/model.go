// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LockType enumerates the supported rate-lock windows.
type LockType string

const (
	LockTypeInstant LockType = "instant"
	LockType7Day    LockType = "7day"
	LockType30Day   LockType = "30day"
)

// Valid reports whether t is one of the enumerated lock types.
func (t LockType) Valid() bool {
	switch t {
	case LockTypeInstant, LockType7Day, LockType30Day:
		return true
	}
	return false
}

// Duration returns how long a lock of this type stays executable.
func (t LockType) Duration() time.Duration {
	switch t {
	case LockType7Day:
		return 7 * 24 * time.Hour
	case LockType30Day:
		return 30 * 24 * time.Hour
	default:
		return 2 * time.Hour
	}
}

// Lock status values. pending means "written but not yet confirmed"; active
// means "confirmed and counting toward limits". Both are "open" for the
// per-user cap. executed, cancelled and expired are terminal.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusExecuted  = "executed"
	StatusCancelled = "cancelled"
	StatusExpired   = "expired"
)

// Savings is the quoted saving versus the reference bank rate.
type Savings struct {
	Amount     decimal.Decimal `json:"amount"`
	Percentage decimal.Decimal `json:"percentage"`
}

// Quote is an unconfirmed, time-limited rate offer. Quotes live only in the
// quote cache; QuotedRate and KESRequired are immutable once issued.
type Quote struct {
	USDAmount             decimal.Decimal `json:"usd_amount"`
	LockType              LockType        `json:"lock_type"`
	MidMarketRate         decimal.Decimal `json:"mid_market_rate"`
	QuotedRate            decimal.Decimal `json:"quoted_rate"`
	KESRequired           decimal.Decimal `json:"kes_required"`
	Spread                decimal.Decimal `json:"spread"`
	VolatilityAdjustment  decimal.Decimal `json:"volatility_adjustment"`
	UtilizationAdjustment decimal.Decimal `json:"utilization_adjustment"`
	Savings               Savings         `json:"savings"`
	BankRate              decimal.Decimal `json:"bank_rate"`
	CircuitBreakerStatus  string          `json:"circuit_breaker_status"`
	IssuedAt              time.Time       `json:"issued_at"`
	ExpiresAt             time.Time       `json:"expires_at"`
}

// Lock is a user's commitment to a specific USD→KES rate for a bounded
// window. The Lock row is the single source of truth; the on-chain contract
// and the payment provider are downstream projections.
type Lock struct {
	ID               string          `json:"lock_id" db:"lock_id"`
	UserID           string          `json:"user_id" db:"user_id"`
	USDAmount        decimal.Decimal `json:"usd_amount" db:"usd_amount"`
	KESRequired      decimal.Decimal `json:"kes_required" db:"kes_required"`
	LockedRate       decimal.Decimal `json:"locked_rate" db:"locked_rate"`
	LockType         LockType        `json:"lock_type" db:"lock_type"`
	Status           string          `json:"status" db:"status"`
	QuoteID          string          `json:"quote_id" db:"quote_id"`
	CorrelationID    string          `json:"correlation_id" db:"correlation_id"`
	BankRate         decimal.Decimal `json:"bank_rate" db:"bank_rate"`
	SavingsAmount    decimal.Decimal `json:"savings_amount" db:"savings_amount"`
	PaymentReference string          `json:"payment_reference,omitempty" db:"payment_reference"`
	ChainLockID      string          `json:"chain_lock_id,omitempty" db:"chain_lock_id"`
	ChainTxHash      string          `json:"chain_tx_hash,omitempty" db:"chain_tx_hash"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at" db:"expires_at"`
	ExecutedAt       *time.Time      `json:"executed_at,omitempty" db:"executed_at"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// Open reports whether the lock counts toward the per-user cap.
func (l *Lock) Open() bool {
	return l.Status == StatusPending || l.Status == StatusActive
}

// HedgePosition is an append-only audit record of a hedge opened against a
// 7day/30day lock. Never mutated after creation except flipping IsOpen at
// settlement.
type HedgePosition struct {
	ID         string          `json:"id" db:"id"`
	LockID     string          `json:"lock_id" db:"lock_id"`
	Exchange   string          `json:"exchange" db:"exchange"`
	Instrument string          `json:"instrument" db:"instrument"`
	Side       string          `json:"side" db:"side"`
	Size       decimal.Decimal `json:"size" db:"size"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	IsOpen     bool            `json:"is_open" db:"is_open"`
	OpenedAt   time.Time       `json:"opened_at" db:"opened_at"`
}

// RateSample is one persisted observation of the reference rate, used for
// volatility computation and oracle fallback.
type RateSample struct {
	Time      time.Time       `json:"time" db:"time"`
	Source    string          `json:"source" db:"source"`
	MidMarket decimal.Decimal `json:"mid_market" db:"mid_market"`
	SpreadBps int64           `json:"spread_bps" db:"spread_bps"`
}

// MarketCondition is the per-quote snapshot of market state. Computed, never
// persisted as an entity.
type MarketCondition struct {
	Volatility           decimal.Decimal `json:"volatility"`
	PoolUtilization      decimal.Decimal `json:"pool_utilization"`
	CircuitBreakerStatus string          `json:"circuit_breaker_status"`
	SpreadAdjustment     decimal.Decimal `json:"spread_adjustment"`
}
