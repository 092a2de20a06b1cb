package oracle_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/oracle"
	"github.com/pesabridge/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type stubFeed struct {
	rate  decimal.Decimal
	err   error
	calls int
}

func (f *stubFeed) MidMarketRate(context.Context) (decimal.Decimal, error) {
	f.calls++
	return f.rate, f.err
}

func TestReferenceRate_FromFeed(t *testing.T) {
	feed := &stubFeed{rate: d(129.5)}
	adapter := oracle.NewAdapter(feed, store.NewMemoryStore(), time.Second)

	rate, source := adapter.ReferenceRate(context.Background())

	if !rate.Equal(d(129.5)) {
		t.Errorf("expected 129.5, got %s", rate)
	}
	if source != oracle.SourceFeed {
		t.Errorf("expected feed source, got %s", source)
	}
	if feed.calls != 1 {
		t.Errorf("expected 1 feed call, got %d", feed.calls)
	}
}

func TestReferenceRate_FeedFailureFallsBackToHistory(t *testing.T) {
	feed := &stubFeed{err: errors.New("feed down")}
	ms := store.NewMemoryStore()
	ms.InsertRateSample(context.Background(), &model.RateSample{
		Time:      time.Now(),
		Source:    "feed",
		MidMarket: d(128.9),
	})
	adapter := oracle.NewAdapter(feed, ms, time.Second)

	rate, source := adapter.ReferenceRate(context.Background())

	if !rate.Equal(d(128.9)) {
		t.Errorf("expected 128.9 from history, got %s", rate)
	}
	if source != oracle.SourceHistory {
		t.Errorf("expected history source, got %s", source)
	}
	if feed.calls != 2 {
		t.Errorf("expected one retry (2 calls), got %d", feed.calls)
	}
}

func TestReferenceRate_BootstrapWhenEmpty(t *testing.T) {
	feed := &stubFeed{err: errors.New("feed down")}
	adapter := oracle.NewAdapter(feed, store.NewMemoryStore(), time.Second)

	rate, source := adapter.ReferenceRate(context.Background())

	if !rate.Equal(oracle.BootstrapRate) {
		t.Errorf("expected bootstrap rate, got %s", rate)
	}
	if source != oracle.SourceBootstrap {
		t.Errorf("expected bootstrap source, got %s", source)
	}
}

func TestSevenDayVolatility(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now()
	ms.InsertRateSample(context.Background(), &model.RateSample{Time: now.Add(-6 * 24 * time.Hour), MidMarket: d(130)})
	ms.InsertRateSample(context.Background(), &model.RateSample{Time: now.Add(-3 * 24 * time.Hour), MidMarket: d(127)})
	ms.InsertRateSample(context.Background(), &model.RateSample{Time: now, MidMarket: d(128.7)})

	adapter := oracle.NewAdapter(nil, ms, time.Second)
	vol := adapter.SevenDayVolatility(context.Background())

	// |128.7 - 130| / 130 * 100 = 1.0
	if !vol.Equal(d(1.0)) {
		t.Errorf("expected 1.0%% volatility, got %s", vol)
	}
}

func TestSevenDayVolatility_ColdStart(t *testing.T) {
	ms := store.NewMemoryStore()
	ms.InsertRateSample(context.Background(), &model.RateSample{Time: time.Now(), MidMarket: d(130)})

	adapter := oracle.NewAdapter(nil, ms, time.Second)

	// One sample is not enough: policy is 0, not "unknown".
	if vol := adapter.SevenDayVolatility(context.Background()); !vol.IsZero() {
		t.Errorf("expected 0 volatility on cold start, got %s", vol)
	}
}

func TestSevenDayVolatility_IgnoresOldSamples(t *testing.T) {
	ms := store.NewMemoryStore()
	now := time.Now()
	ms.InsertRateSample(context.Background(), &model.RateSample{Time: now.Add(-10 * 24 * time.Hour), MidMarket: d(100)})
	ms.InsertRateSample(context.Background(), &model.RateSample{Time: now, MidMarket: d(130)})

	adapter := oracle.NewAdapter(nil, ms, time.Second)

	// Only one sample falls inside the trailing window.
	if vol := adapter.SevenDayVolatility(context.Background()); !vol.IsZero() {
		t.Errorf("expected 0 volatility, got %s", vol)
	}
}
