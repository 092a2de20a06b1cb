// Package market turns oracle volatility and pool utilization into a
// circuit-breaker state and spread adjustments.
//
// The analyzer is a pure function over an explicit snapshot — it never reads
// ambient globals, so it is unit-testable without a live feed.
package market

import (
	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
)

// Circuit breaker states.
const (
	StatusNormal         = "NORMAL"
	StatusHighVolatility = "HIGH_VOLATILITY"
	StatusExtreme        = "EXTREME"
)

// Volatility thresholds in percent over the trailing 7 days.
var (
	ThresholdLow     = decimal.NewFromFloat(1.0)
	ThresholdMedium  = decimal.NewFromFloat(2.0)
	ThresholdHigh    = decimal.NewFromFloat(3.0)
	ThresholdExtreme = decimal.NewFromFloat(5.0)
)

var (
	highVolNarrowing  = decimal.NewFromFloat(-0.6)
	utilHighThreshold = decimal.NewFromInt(70)
	utilLowThreshold  = decimal.NewFromInt(30)
	utilHighNarrowing = decimal.NewFromFloat(-0.4)
	utilLowWidening   = decimal.NewFromFloat(0.3)
)

// Analyze computes the market condition for one quote. At EXTREME volatility
// the breaker trips: lock creation is refused and no spread adjustment
// applies. In the high band the spread narrows to stay competitive despite
// risk.
func Analyze(volatility, poolUtilization decimal.Decimal) model.MarketCondition {
	status := StatusNormal
	adjustment := decimal.Zero

	switch {
	case volatility.GreaterThanOrEqual(ThresholdExtreme):
		status = StatusExtreme
	case volatility.GreaterThanOrEqual(ThresholdHigh):
		status = StatusHighVolatility
		adjustment = highVolNarrowing
	}

	return model.MarketCondition{
		Volatility:           volatility,
		PoolUtilization:      poolUtilization,
		CircuitBreakerStatus: status,
		SpreadAdjustment:     adjustment,
	}
}

// VolatilityAdjustment narrows the spread further above the high band. The
// low-volatility widening the platform once applied is gone: below the low
// threshold the adjustment is zero.
func VolatilityAdjustment(volatility decimal.Decimal) decimal.Decimal {
	if volatility.GreaterThan(ThresholdHigh) {
		return highVolNarrowing
	}
	return decimal.Zero
}

// UtilizationAdjustment prices liquidity: scarce liquidity narrows margin to
// preserve volume; abundant liquidity widens margin.
func UtilizationAdjustment(utilization decimal.Decimal) decimal.Decimal {
	switch {
	case utilization.GreaterThan(utilHighThreshold):
		return utilHighNarrowing
	case utilization.LessThan(utilLowThreshold):
		return utilLowWidening
	}
	return decimal.Zero
}

// Tripped reports whether the circuit breaker refuses new locks.
func Tripped(cond model.MarketCondition) bool {
	return cond.CircuitBreakerStatus == StatusExtreme
}
