// Package oracle provides the reference mid-market KES/USD rate and the
// trailing volatility measure the pricing engine consumes.
//
// Rate resolution never blocks indefinitely: the feed call gets a bounded
// timeout and a single retry, then the adapter falls back to the most recent
// persisted rate, then to a hard-coded bootstrap constant.
package oracle

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/model"
)

// BootstrapRate is the rate of last resort when neither the feed nor the
// history store can produce one.
var BootstrapRate = decimal.NewFromFloat(129.5)

// Rate sources reported by ReferenceRate.
const (
	SourceFeed      = "feed"
	SourceHistory   = "history"
	SourceBootstrap = "bootstrap"
)

// Feed fetches the live mid-market rate from an external price feed.
type Feed interface {
	MidMarketRate(ctx context.Context) (decimal.Decimal, error)
}

// History is the slice of the store the adapter needs for fallback and
// volatility computation.
type History interface {
	LatestRateSample(ctx context.Context) (*model.RateSample, error)
	RateSpan(ctx context.Context, window time.Duration) (first, last decimal.Decimal, count int, err error)
}

// Adapter resolves reference rates with a feed → history → bootstrap
// fallback chain. Read-only; persistence of history is the refresher's job.
type Adapter struct {
	feed    Feed
	history History
	timeout time.Duration
}

// NewAdapter creates an oracle adapter. timeout bounds each feed call; zero
// means 5 seconds.
func NewAdapter(feed Feed, history History, timeout time.Duration) *Adapter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Adapter{feed: feed, history: history, timeout: timeout}
}

// ReferenceRate returns the latest mid-market KES/USD rate and which source
// produced it. Feed failures degrade through the fallback chain instead of
// surfacing an error.
func (a *Adapter) ReferenceRate(ctx context.Context) (decimal.Decimal, string) {
	if a.feed != nil {
		// One attempt plus one retry, each with its own bounded deadline.
		for attempt := 0; attempt < 2; attempt++ {
			callCtx, cancel := context.WithTimeout(ctx, a.timeout)
			rate, err := a.feed.MidMarketRate(callCtx)
			cancel()
			if err == nil && rate.IsPositive() {
				return rate, SourceFeed
			}
			slog.Warn("price feed fetch failed", "attempt", attempt+1, "err", err)
		}
	}

	if a.history != nil {
		if sample, err := a.history.LatestRateSample(ctx); err == nil {
			return sample.MidMarket, SourceHistory
		}
	}

	return BootstrapRate, SourceBootstrap
}

// SevenDayVolatility computes |end-start|/start*100 over the trailing 7-day
// rate history. With fewer than two samples it returns 0 — the cold-start
// policy is "calm", not "unknown".
func (a *Adapter) SevenDayVolatility(ctx context.Context) decimal.Decimal {
	if a.history == nil {
		return decimal.Zero
	}

	first, last, count, err := a.history.RateSpan(ctx, 7*24*time.Hour)
	if err != nil {
		slog.Warn("volatility query failed", "err", err)
		return decimal.Zero
	}
	if count < 2 || first.IsZero() {
		return decimal.Zero
	}

	return last.Sub(first).Div(first).Abs().Mul(decimal.NewFromInt(100))
}
