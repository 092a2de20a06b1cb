package rates_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/oracle"
	"github.com/pesabridge/settlement-engine/internal/quote"
	"github.com/pesabridge/settlement-engine/internal/rates"
	"github.com/pesabridge/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type stubOracle struct {
	rate decimal.Decimal
	vol  decimal.Decimal
}

func (o *stubOracle) ReferenceRate(context.Context) (decimal.Decimal, string) {
	return o.rate, oracle.SourceFeed
}

func (o *stubOracle) SevenDayVolatility(context.Context) decimal.Decimal {
	return o.vol
}

func newService(t *testing.T) (*rates.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	ms.SetPoolUtilization(d(50))
	eng := quote.NewEngine(&stubOracle{rate: d(129.5), vol: d(0.5)}, ms, nil)
	return rates.NewService(eng, ms, nil, nil), ms
}

func TestCurrentRates_AllLockTypes(t *testing.T) {
	svc, _ := newService(t)

	w := httptest.NewRecorder()
	svc.CurrentRates(w, httptest.NewRequest("GET", "/api/v1/rates/current", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var b rates.Board
	if err := json.Unmarshal(w.Body.Bytes(), &b); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !b.MidMarketRate.Equal(d(129.5)) {
		t.Errorf("expected mid 129.5, got %s", b.MidMarketRate)
	}
	if b.CircuitBreakerStatus != "NORMAL" {
		t.Errorf("expected NORMAL, got %s", b.CircuitBreakerStatus)
	}
	if len(b.Rates) != 3 {
		t.Fatalf("expected 3 lock types, got %d", len(b.Rates))
	}

	// One snapshot prices the whole board, so spreads follow the base
	// ordering: instant < 7day < 30day.
	instant := b.Rates[string(model.LockTypeInstant)]
	week := b.Rates[string(model.LockType7Day)]
	month := b.Rates[string(model.LockType30Day)]

	if !instant.QuotedRate.Equal(d(128.7)) {
		t.Errorf("expected instant rate 128.7, got %s", instant.QuotedRate)
	}
	if !instant.Spread.LessThan(week.Spread) || !week.Spread.LessThan(month.Spread) {
		t.Errorf("spreads out of order: %s %s %s", instant.Spread, week.Spread, month.Spread)
	}
}

func TestRateHistory_Buckets(t *testing.T) {
	svc, ms := newService(t)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ms.InsertRateSample(context.Background(), &model.RateSample{
			Time:      now.Add(-time.Duration(i) * time.Hour),
			Source:    "feed",
			MidMarket: d(129.0 + float64(i)*0.1),
		})
	}

	w := httptest.NewRecorder()
	svc.RateHistory(w, httptest.NewRequest("GET", "/api/v1/rates/history?hours=24", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var buckets []store.RateBucket
	if err := json.Unmarshal(w.Body.Bytes(), &buckets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(buckets) == 0 {
		t.Fatal("expected at least one bucket")
	}
	for _, b := range buckets {
		if b.MinRate.GreaterThan(b.MaxRate) {
			t.Errorf("bucket min %s > max %s", b.MinRate, b.MaxRate)
		}
	}
}

func TestRateHistory_BadHours(t *testing.T) {
	svc, _ := newService(t)

	for _, q := range []string{"hours=0", "hours=-5", "hours=100000", "hours=abc"} {
		w := httptest.NewRecorder()
		svc.RateHistory(w, httptest.NewRequest("GET", "/api/v1/rates/history?"+q, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, w.Code)
		}
	}
}

func TestRateHistory_Empty(t *testing.T) {
	svc, _ := newService(t)

	w := httptest.NewRecorder()
	svc.RateHistory(w, httptest.NewRequest("GET", "/api/v1/rates/history", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body == "null\n" {
		t.Error("empty history should encode as [], not null")
	}
}
