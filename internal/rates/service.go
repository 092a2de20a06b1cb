package rates

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/market"
	"github.com/pesabridge/settlement-engine/internal/metrics"
	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/quote"
	"github.com/pesabridge/settlement-engine/internal/store"
)

const (
	// currentRatesKey is the read-through cache key for the rate board.
	currentRatesKey = "current_rates"

	// currentRatesTTL bounds how stale a cached board may get.
	currentRatesTTL = 60 * time.Second

	// RefreshInterval is how often the refresher recomputes and broadcasts.
	RefreshInterval = 30 * time.Second
)

// indicativeAmount is the USD amount the public rate board is priced for.
var indicativeAmount = decimal.NewFromInt(1000)

// IndicativeRate is one lock type's entry on the rate board.
type IndicativeRate struct {
	QuotedRate decimal.Decimal `json:"quoted_rate"`
	Spread     decimal.Decimal `json:"spread"`
	SavingsPct decimal.Decimal `json:"savings_pct"`
}

// Board is the public rate snapshot across all lock types.
type Board struct {
	MidMarketRate        decimal.Decimal           `json:"mid_market_rate"`
	BankRate             decimal.Decimal           `json:"bank_rate"`
	CircuitBreakerStatus string                    `json:"circuit_breaker_status"`
	Volatility           decimal.Decimal           `json:"volatility"`
	Rates                map[string]IndicativeRate `json:"rates"`
	UpdatedAt            time.Time                 `json:"updated_at"`
}

// Service serves the rate board and history, and runs the refresher.
type Service struct {
	engine *quote.Engine
	store  store.Store
	rdb    *redis.Client
	hub    *Hub
}

// NewService creates a rates service. rdb and hub may be nil.
func NewService(eng *quote.Engine, st store.Store, rdb *redis.Client, hub *Hub) *Service {
	return &Service{engine: eng, store: st, rdb: rdb, hub: hub}
}

// board prices the indicative amount for every lock type against one
// snapshot, so the whole board is internally consistent.
func (s *Service) board(ctx context.Context) Board {
	snap := s.engine.Snapshot(ctx)

	rates := make(map[string]IndicativeRate, 3)
	for _, lt := range []model.LockType{model.LockTypeInstant, model.LockType7Day, model.LockType30Day} {
		q := quote.Compute(indicativeAmount, lt, snap)
		rates[string(lt)] = IndicativeRate{
			QuotedRate: q.QuotedRate,
			Spread:     q.Spread,
			SavingsPct: q.Savings.Percentage,
		}
	}

	switch snap.Condition.CircuitBreakerStatus {
	case market.StatusExtreme:
		metrics.CircuitBreakerState.Set(2)
	case market.StatusHighVolatility:
		metrics.CircuitBreakerState.Set(1)
	default:
		metrics.CircuitBreakerState.Set(0)
	}

	return Board{
		MidMarketRate:        snap.MidMarketRate,
		BankRate:             quote.BankRate,
		CircuitBreakerStatus: snap.Condition.CircuitBreakerStatus,
		Volatility:           snap.Condition.Volatility,
		Rates:                rates,
		UpdatedAt:            snap.Now,
	}
}

// cachedBoard reads the board through the Redis cache.
func (s *Service) cachedBoard(ctx context.Context) Board {
	if s.rdb != nil {
		data, err := s.rdb.Get(ctx, currentRatesKey).Bytes()
		if err == nil {
			var b Board
			if json.Unmarshal(data, &b) == nil {
				return b
			}
		} else if !errors.Is(err, redis.Nil) {
			slog.Warn("rate board cache read failed", "err", err)
		}
	}

	b := s.board(ctx)
	s.cacheBoard(ctx, b)
	return b
}

func (s *Service) cacheBoard(ctx context.Context, b Board) {
	if s.rdb == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, currentRatesKey, data, currentRatesTTL).Err(); err != nil {
		slog.Warn("rate board cache write failed", "err", err)
	}
}

// RunRefresher recomputes the board periodically, refreshes the cache, and
// broadcasts the new mid rate to WebSocket clients. Blocks until ctx is
// cancelled.
func (s *Service) RunRefresher(ctx context.Context) {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("rate refresher stopped")
			return
		case <-ticker.C:
			b := s.board(ctx)
			s.cacheBoard(ctx, b)
			if s.hub != nil {
				s.hub.Broadcast(WSMessage{
					Type:          "rate_update",
					MidMarketRate: b.MidMarketRate.String(),
					BreakerStatus: b.CircuitBreakerStatus,
				})
			}
		}
	}
}

// --- HTTP Handlers ---

// CurrentRates handles GET /api/v1/rates/current
func (s *Service) CurrentRates(w http.ResponseWriter, r *http.Request) {
	b := s.cachedBoard(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(b)
}

// RateHistory handles GET /api/v1/rates/history?hours=24
// Returns hourly min/avg/max aggregates of the observed mid rate.
func (s *Service) RateHistory(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 24*30 {
			writeError(w, "hours must be between 1 and 720", http.StatusBadRequest)
			return
		}
		hours = n
	}

	buckets, err := s.store.RateBuckets(r.Context(), time.Duration(hours)*time.Hour)
	if err != nil {
		writeError(w, "failed to load rate history", http.StatusInternalServerError)
		return
	}
	if buckets == nil {
		buckets = []store.RateBucket{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(buckets)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
