package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/market"
	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/oracle"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func snap(mid, vol, util float64) Snapshot {
	return Snapshot{
		MidMarketRate: d(mid),
		Condition:     market.Analyze(d(vol), d(util)),
		Now:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// --- Validation tests ---

func TestValidateRequest(t *testing.T) {
	cases := []struct {
		name     string
		amount   decimal.Decimal
		lockType model.LockType
		want     error
	}{
		{"below minimum", d(9.99), model.LockTypeInstant, ErrInvalidAmount},
		{"at minimum", d(10), model.LockTypeInstant, nil},
		{"at maximum", d(50000), model.LockType30Day, nil},
		{"above maximum", d(50000.01), model.LockTypeInstant, ErrInvalidAmount},
		{"negative", d(-100), model.LockTypeInstant, ErrInvalidAmount},
		{"unknown lock type", d(500), model.LockType("90day"), ErrInvalidLockType},
		{"empty lock type", d(500), model.LockType(""), ErrInvalidLockType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateRequest(tc.amount, tc.lockType); !errors.Is(err, tc.want) {
				t.Errorf("ValidateRequest(%s, %q) = %v, want %v",
					tc.amount, tc.lockType, err, tc.want)
			}
		})
	}
}

// --- Pricing tests ---

func TestCompute_InstantQuietMarket(t *testing.T) {
	q := Compute(d(5000), model.LockTypeInstant, snap(129.5, 0.5, 50))

	if !q.Spread.Equal(d(0.8)) {
		t.Errorf("expected spread 0.8, got %s", q.Spread)
	}
	if !q.QuotedRate.Equal(d(128.7)) {
		t.Errorf("expected quoted rate 128.7, got %s", q.QuotedRate)
	}
	if !q.KESRequired.Equal(d(643500)) {
		t.Errorf("expected KES 643500, got %s", q.KESRequired)
	}
	if !q.Savings.Amount.Equal(d(11500)) {
		t.Errorf("expected savings 11500, got %s", q.Savings.Amount)
	}
	if q.CircuitBreakerStatus != market.StatusNormal {
		t.Errorf("expected NORMAL breaker, got %s", q.CircuitBreakerStatus)
	}
}

func TestCompute_BaseSpreadsPerLockType(t *testing.T) {
	cases := []struct {
		lockType model.LockType
		spread   decimal.Decimal
	}{
		{model.LockTypeInstant, d(0.8)},
		{model.LockType7Day, d(1.4)},
		{model.LockType30Day, d(2.2)},
	}
	for _, tc := range cases {
		q := Compute(d(1000), tc.lockType, snap(129.5, 0.5, 50))
		if !q.Spread.Equal(tc.spread) {
			t.Errorf("%s: expected spread %s, got %s", tc.lockType, tc.spread, q.Spread)
		}
	}
}

func TestCompute_SpreadFloor(t *testing.T) {
	// vol 3.5 triggers both the breaker narrowing and the volatility
	// adjustment; util 80 narrows further. 0.8 - 0.6 - 0.6 - 0.4 would be
	// negative without the floor.
	q := Compute(d(1000), model.LockTypeInstant, snap(129.5, 3.5, 80))
	if !q.Spread.Equal(MinSpread) {
		t.Errorf("expected floored spread %s, got %s", MinSpread, q.Spread)
	}
	if !q.QuotedRate.Equal(d(129.2)) {
		t.Errorf("expected quoted rate 129.2, got %s", q.QuotedRate)
	}
}

func TestCompute_SpreadNeverBelowFloor(t *testing.T) {
	vols := []float64{0, 0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4.9, 5, 8}
	utils := []float64{0, 15, 30, 50, 70, 85, 100}
	types := []model.LockType{model.LockTypeInstant, model.LockType7Day, model.LockType30Day}

	for _, lt := range types {
		for _, vol := range vols {
			for _, util := range utils {
				q := Compute(d(250), lt, snap(129.5, vol, util))
				if q.Spread.LessThan(MinSpread) {
					t.Errorf("%s vol=%v util=%v: spread %s below floor",
						lt, vol, util, q.Spread)
				}
			}
		}
	}
}

func TestCompute_KESIsExactProduct(t *testing.T) {
	amounts := []decimal.Decimal{d(10), d(33.33), d(1234.56), d(50000)}
	for _, amt := range amounts {
		q := Compute(amt, model.LockType7Day, snap(129.41, 1.2, 45))
		want := amt.Mul(q.QuotedRate)
		if !q.KESRequired.Equal(want) {
			t.Errorf("amount %s: KES %s != %s * %s", amt, q.KESRequired, amt, q.QuotedRate)
		}
	}
}

func TestCompute_SavingsAgainstBankRate(t *testing.T) {
	q := Compute(d(100), model.LockTypeInstant, snap(129.5, 0.5, 50))
	bankTotal := d(100).Mul(BankRate)
	wantAmount := bankTotal.Sub(q.KESRequired)
	if !q.Savings.Amount.Equal(wantAmount) {
		t.Errorf("expected savings %s, got %s", wantAmount, q.Savings.Amount)
	}
	wantPct := wantAmount.Div(bankTotal).Mul(d(100))
	if !q.Savings.Percentage.Equal(wantPct) {
		t.Errorf("expected savings pct %s, got %s", wantPct, q.Savings.Percentage)
	}
}

func TestCompute_ExtremeVolatilityStillQuotes(t *testing.T) {
	q := Compute(d(1000), model.LockTypeInstant, snap(129.5, 6.0, 50))
	if q.CircuitBreakerStatus != market.StatusExtreme {
		t.Errorf("expected EXTREME breaker, got %s", q.CircuitBreakerStatus)
	}
	// no breaker adjustment at EXTREME; vol>3 still narrows 0.8-0.6=0.2,
	// which the floor lifts back to 0.3
	if !q.Spread.Equal(MinSpread) {
		t.Errorf("expected floored spread %s, got %s", MinSpread, q.Spread)
	}
}

// --- Engine tests ---

type stubOracle struct {
	rate   decimal.Decimal
	source string
	vol    decimal.Decimal
}

func (s *stubOracle) ReferenceRate(context.Context) (decimal.Decimal, string) {
	return s.rate, s.source
}

func (s *stubOracle) SevenDayVolatility(context.Context) decimal.Decimal {
	return s.vol
}

type stubPool struct {
	util decimal.Decimal
	err  error
}

func (s *stubPool) PoolUtilization(context.Context) (decimal.Decimal, error) {
	return s.util, s.err
}

type recordingHistory struct {
	samples []*model.RateSample
	err     error
}

func (h *recordingHistory) InsertRateSample(_ context.Context, s *model.RateSample) error {
	h.samples = append(h.samples, s)
	return h.err
}

func TestEngineQuote_Full(t *testing.T) {
	hist := &recordingHistory{}
	eng := NewEngine(
		&stubOracle{rate: d(129.5), source: oracle.SourceFeed, vol: d(0.5)},
		&stubPool{util: d(50)},
		hist,
	)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return fixed }

	q, err := eng.Quote(context.Background(), d(5000), model.LockTypeInstant)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !q.QuotedRate.Equal(d(128.7)) {
		t.Errorf("expected quoted rate 128.7, got %s", q.QuotedRate)
	}
	if !q.IssuedAt.Equal(fixed) {
		t.Errorf("expected issued at %s, got %s", fixed, q.IssuedAt)
	}
	if !q.ExpiresAt.Equal(fixed.Add(TTL)) {
		t.Errorf("expected expiry %s, got %s", fixed.Add(TTL), q.ExpiresAt)
	}

	if len(hist.samples) != 1 {
		t.Fatalf("expected 1 rate sample, got %d", len(hist.samples))
	}
	if hist.samples[0].SpreadBps != 80 {
		t.Errorf("expected 80 bps, got %d", hist.samples[0].SpreadBps)
	}
}

func TestEngineQuote_RejectsInvalid(t *testing.T) {
	eng := NewEngine(&stubOracle{rate: d(129.5), source: oracle.SourceFeed}, nil, nil)
	if _, err := eng.Quote(context.Background(), d(5), model.LockTypeInstant); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := eng.Quote(context.Background(), d(500), model.LockType("forever")); !errors.Is(err, ErrInvalidLockType) {
		t.Errorf("expected ErrInvalidLockType, got %v", err)
	}
}

func TestEngineQuote_HistoryFailureDoesNotBlock(t *testing.T) {
	hist := &recordingHistory{err: errors.New("db down")}
	eng := NewEngine(&stubOracle{rate: d(129.5), source: oracle.SourceFeed}, nil, hist)

	if _, err := eng.Quote(context.Background(), d(100), model.LockTypeInstant); err != nil {
		t.Fatalf("history failure must not surface: %v", err)
	}
}

func TestEngineSnapshot_PoolErrorReadsAsZero(t *testing.T) {
	eng := NewEngine(
		&stubOracle{rate: d(129.5), source: oracle.SourceFeed, vol: d(0.5)},
		&stubPool{err: errors.New("no snapshot")},
		nil,
	)
	s := eng.Snapshot(context.Background())
	if !s.Condition.PoolUtilization.IsZero() {
		t.Errorf("expected zero utilization, got %s", s.Condition.PoolUtilization)
	}
}
