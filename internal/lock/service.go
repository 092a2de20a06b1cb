// Package lock provides the HTTP handlers and business logic for the rate
// lock lifecycle: quoting, creation, execution, cancellation, and expiry.
//
// All monetary values use shopspring/decimal — never float64 for money.
package lock

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/settlement-engine/internal/market"
	"github.com/pesabridge/settlement-engine/internal/metrics"
	"github.com/pesabridge/settlement-engine/internal/model"
	"github.com/pesabridge/settlement-engine/internal/payment"
	"github.com/pesabridge/settlement-engine/internal/quote"
	"github.com/pesabridge/settlement-engine/internal/store"
)

// MaxOpenLocks is the per-user cap on locks in {pending, active}.
const MaxOpenLocks = 10

var (
	// ErrQuoteExpired is returned when the referenced quote is past its
	// expiry. Distinct from not-found: the client should re-quote, not
	// re-check the identifier.
	ErrQuoteExpired = errors.New("lock: quote expired")

	// ErrQuoteMismatch is returned when the request amount or lock type
	// disagrees with the cached quote.
	ErrQuoteMismatch = errors.New("lock: amount or lock type does not match quote")

	// ErrKycRequired is returned when the user is not verified.
	ErrKycRequired = errors.New("lock: user verification required")

	// ErrCircuitBreakerTripped is returned when EXTREME volatility pauses
	// new lock creation. Kept distinct so clients can explain "markets
	// paused" rather than a generic failure.
	ErrCircuitBreakerTripped = errors.New("lock: market volatility too high, new locks paused")
)

// Broadcaster pushes lock lifecycle events to connected clients. Optional.
type Broadcaster interface {
	BroadcastLockEvent(event string, lock *model.Lock)
}

// Service handles rate lock operations. All state lives in the store; the
// per-user cap and status transitions are enforced there atomically, so the
// service itself holds no cross-request locks.
type Service struct {
	store    store.Store
	engine   *quote.Engine
	cache    quote.Cache
	payments payment.Provider
	hub      Broadcaster
	now      func() time.Time
}

// NewService creates a lock service. payments and hub may be nil.
func NewService(st store.Store, eng *quote.Engine, cache quote.Cache, payments payment.Provider, hub Broadcaster) *Service {
	return &Service{
		store:    st,
		engine:   eng,
		cache:    cache,
		payments: payments,
		hub:      hub,
		now:      time.Now,
	}
}

// --- Request/Response types ---

// QuoteRequest is the JSON body for POST /api/v1/quotes.
type QuoteRequest struct {
	USDAmount decimal.Decimal `json:"usd_amount"`
	LockType  model.LockType  `json:"lock_type"`
}

// QuoteResponse wraps an issued quote with its cache identifier.
type QuoteResponse struct {
	QuoteID string `json:"quote_id"`
	model.Quote
}

// CreateLockRequest is the JSON body for POST /api/v1/locks. Amount and lock
// type must restate the quote's values; a mismatch is rejected rather than
// silently trusting either side.
type CreateLockRequest struct {
	UserID    string          `json:"user_id"`
	QuoteID   string          `json:"quote_id"`
	USDAmount decimal.Decimal `json:"usd_amount"`
	LockType  model.LockType  `json:"lock_type"`
}

// ExecuteLockRequest is the JSON body for POST /api/v1/locks/{id}/execute.
type ExecuteLockRequest struct {
	PaymentReference string `json:"payment_reference"`
}

// PayLockRequest is the JSON body for POST /api/v1/locks/{id}/pay.
type PayLockRequest struct {
	Phone string `json:"phone"`
}

// PayLockResponse carries the payment provider's request identifier back to
// the client for status polling.
type PayLockResponse struct {
	LockID            string          `json:"lock_id"`
	CheckoutRequestID string          `json:"checkout_request_id"`
	KESAmount         decimal.Decimal `json:"kes_amount"`
}

// --- HTTP Handlers ---

// CreateQuote handles POST /api/v1/quotes
func (s *Service) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	q, err := s.engine.Quote(ctx, req.USDAmount, req.LockType)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := s.cache.Store(ctx, q)
	if err != nil {
		slog.Error("quote cache write failed", "err", err)
		writeError(w, "quote service unavailable", http.StatusServiceUnavailable)
		return
	}

	metrics.QuotesIssued.WithLabelValues(string(req.LockType)).Inc()
	slog.Info("quote issued",
		"quote_id", id,
		"usd", req.USDAmount.String(),
		"lock_type", req.LockType,
		"rate", q.QuotedRate.String(),
		"breaker", q.CircuitBreakerStatus,
	)

	writeJSON(w, http.StatusOK, QuoteResponse{QuoteID: id, Quote: q})
}

// CreateLock handles POST /api/v1/locks
//
// A lock is written as pending and promoted to active in the same request
// once the insert is durable. The per-user open-lock cap is enforced inside
// the insert, not by a separate count query.
func (s *Service) CreateLock(w http.ResponseWriter, r *http.Request) {
	var req CreateLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := s.now().UTC()

	q, err := s.cache.Get(ctx, req.QuoteID)
	if errors.Is(err, quote.ErrQuoteNotFound) || errors.Is(err, quote.ErrInvalidID) {
		writeError(w, "quote not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "quote lookup failed", http.StatusServiceUnavailable)
		return
	}

	// Expiry is checked against the quote's own deadline, not cache
	// presence, so a still-cached stale quote cannot be consumed.
	if now.After(q.ExpiresAt) {
		metrics.LockRejections.WithLabelValues("quote_expired").Inc()
		writeError(w, ErrQuoteExpired.Error(), http.StatusBadRequest)
		return
	}
	if !req.USDAmount.Equal(q.USDAmount) || req.LockType != q.LockType {
		metrics.LockRejections.WithLabelValues("quote_mismatch").Inc()
		writeError(w, ErrQuoteMismatch.Error(), http.StatusBadRequest)
		return
	}

	// Re-analyze at creation time. A quote issued under calm conditions
	// does not entitle the holder to a lock once the breaker trips.
	snap := s.engine.Snapshot(ctx)
	if market.Tripped(snap.Condition) {
		metrics.LockRejections.WithLabelValues("circuit_breaker").Inc()
		writeError(w, ErrCircuitBreakerTripped.Error(), http.StatusConflict)
		return
	}

	kyc, err := s.store.UserKYCStatus(ctx, req.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeError(w, "verification lookup failed", http.StatusInternalServerError)
		return
	}
	if kyc != "verified" {
		metrics.LockRejections.WithLabelValues("kyc").Inc()
		writeError(w, ErrKycRequired.Error(), http.StatusForbidden)
		return
	}

	lock := &model.Lock{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		USDAmount:     q.USDAmount,
		KESRequired:   q.KESRequired,
		LockedRate:    q.QuotedRate,
		LockType:      q.LockType,
		Status:        model.StatusPending,
		QuoteID:       req.QuoteID,
		CorrelationID: uuid.New().String(),
		BankRate:      q.BankRate,
		SavingsAmount: q.Savings.Amount,
		CreatedAt:     now,
		ExpiresAt:     now.Add(q.LockType.Duration()),
	}

	if err := s.store.CreateLock(ctx, lock, MaxOpenLocks); err != nil {
		if errors.Is(err, store.ErrTooManyOpenLocks) {
			metrics.LockRejections.WithLabelValues("too_many_open").Inc()
			writeError(w, "too many open locks", http.StatusTooManyRequests)
			return
		}
		if errors.Is(err, store.ErrQuoteAlreadyUsed) {
			metrics.LockRejections.WithLabelValues("quote_reused").Inc()
			writeError(w, store.ErrQuoteAlreadyUsed.Error(), http.StatusConflict)
			return
		}
		slog.Error("lock insert failed", "err", err, "user", req.UserID)
		writeError(w, "failed to create lock", http.StatusInternalServerError)
		return
	}

	// The insert is durable; promote to active. The reconciler projects
	// active locks on-chain asynchronously.
	if err := s.store.ActivateLock(ctx, lock.ID); err != nil {
		slog.Error("lock activation failed", "err", err, "lock_id", lock.ID)
	} else {
		lock.Status = model.StatusActive
	}

	metrics.LocksCreated.WithLabelValues(string(lock.LockType)).Inc()
	metrics.LockTransitions.WithLabelValues(model.StatusActive).Inc()
	slog.Info("lock created",
		"lock_id", lock.ID,
		"user", lock.UserID,
		"usd", lock.USDAmount.String(),
		"rate", lock.LockedRate.String(),
		"lock_type", lock.LockType,
		"expires_at", lock.ExpiresAt,
	)

	s.broadcast("lock_created", lock)
	writeJSON(w, http.StatusCreated, lock)
}

// ExecuteLock handles POST /api/v1/locks/{lockID}/execute
//
// Execution is the payment-confirmed transition; the reconciler watches for
// executed locks to push on-chain settlement.
func (s *Service) ExecuteLock(w http.ResponseWriter, r *http.Request) {
	lockID := chi.URLParam(r, "lockID")

	var req ExecuteLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PaymentReference == "" {
		writeError(w, "payment_reference is required", http.StatusBadRequest)
		return
	}

	lock, err := s.store.ExecuteLock(r.Context(), lockID, req.PaymentReference, s.now().UTC())
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	metrics.LockTransitions.WithLabelValues(model.StatusExecuted).Inc()
	slog.Info("lock executed",
		"lock_id", lock.ID,
		"payment_ref", req.PaymentReference,
		"kes", lock.KESRequired.String(),
	)

	s.broadcast("lock_executed", lock)
	writeJSON(w, http.StatusOK, lock)
}

// CancelLock handles POST /api/v1/locks/{lockID}/cancel
func (s *Service) CancelLock(w http.ResponseWriter, r *http.Request) {
	lockID := chi.URLParam(r, "lockID")

	lock, err := s.store.CancelLock(r.Context(), lockID, s.now().UTC())
	if err != nil {
		writeTransitionError(w, err)
		return
	}

	metrics.LockTransitions.WithLabelValues(model.StatusCancelled).Inc()
	slog.Info("lock cancelled", "lock_id", lock.ID, "user", lock.UserID)

	s.broadcast("lock_cancelled", lock)
	writeJSON(w, http.StatusOK, lock)
}

// GetLock handles GET /api/v1/locks/{lockID}
func (s *Service) GetLock(w http.ResponseWriter, r *http.Request) {
	lock, err := s.store.GetLock(r.Context(), chi.URLParam(r, "lockID"))
	if err != nil {
		writeError(w, "lock not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// ListUserLocks handles GET /api/v1/users/{userID}/locks?status=&limit=&offset=
func (s *Service) ListUserLocks(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	status := r.URL.Query().Get("status")
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	locks, err := s.store.ListUserLocks(r.Context(), userID, status, limit, offset)
	if err != nil {
		writeError(w, "failed to list locks", http.StatusInternalServerError)
		return
	}
	if locks == nil {
		locks = []model.Lock{}
	}
	writeJSON(w, http.StatusOK, locks)
}

// PayLock handles POST /api/v1/locks/{lockID}/pay
//
// Initiates an STK push for the lock's KES amount. The lock transitions only
// when the provider's callback confirms the payment.
func (s *Service) PayLock(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, "payments not configured", http.StatusNotImplemented)
		return
	}

	lockID := chi.URLParam(r, "lockID")

	var req PayLockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Phone == "" {
		writeError(w, "phone is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	lock, err := s.store.GetLock(ctx, lockID)
	if err != nil {
		writeError(w, "lock not found", http.StatusNotFound)
		return
	}
	if lock.Status != model.StatusActive {
		writeError(w, store.ErrLockNotActive.Error(), http.StatusConflict)
		return
	}
	if s.now().UTC().After(lock.ExpiresAt) {
		writeError(w, store.ErrLockExpired.Error(), http.StatusConflict)
		return
	}

	checkoutID, err := s.payments.InitiatePayment(ctx, lock.KESRequired, req.Phone, lock.ID)
	if err != nil {
		metrics.PaymentsInitiated.WithLabelValues("error").Inc()
		slog.Error("payment initiation failed", "err", err, "lock_id", lock.ID)
		writeError(w, "payment provider unavailable", http.StatusBadGateway)
		return
	}

	metrics.PaymentsInitiated.WithLabelValues("ok").Inc()
	slog.Info("payment initiated",
		"lock_id", lock.ID,
		"checkout_id", checkoutID,
		"kes", lock.KESRequired.String(),
	)

	writeJSON(w, http.StatusAccepted, PayLockResponse{
		LockID:            lock.ID,
		CheckoutRequestID: checkoutID,
		KESAmount:         lock.KESRequired,
	})
}

// MpesaCallback handles POST /webhooks/mpesa/callback
//
// The provider retries callbacks, so the handler must be idempotent: a
// repeat delivery for an already-executed lock is acknowledged, not failed.
// The provider only stops retrying on a 200.
func (s *Service) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	cb, err := payment.ParseCallback(r.Body)
	if err != nil {
		slog.Warn("malformed mpesa callback", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"ResultDesc": "rejected"})
		return
	}

	if !cb.Success {
		slog.Info("mpesa payment failed",
			"checkout_id", cb.CheckoutRequestID,
			"result_code", cb.ResultCode,
			"desc", cb.ResultDesc,
		)
		writeJSON(w, http.StatusOK, map[string]string{"ResultDesc": "acknowledged"})
		return
	}

	lockID, ok := "", false
	if s.payments != nil {
		lockID, ok = s.payments.LockForCheckout(cb.CheckoutRequestID)
	}
	if !ok {
		slog.Warn("mpesa callback for unknown checkout",
			"checkout_id", cb.CheckoutRequestID,
			"receipt", cb.Receipt,
		)
		writeJSON(w, http.StatusOK, map[string]string{"ResultDesc": "acknowledged"})
		return
	}

	lock, err := s.store.ExecuteLock(r.Context(), lockID, cb.Receipt, s.now().UTC())
	switch {
	case err == nil:
		metrics.LockTransitions.WithLabelValues(model.StatusExecuted).Inc()
		slog.Info("lock executed via mpesa callback",
			"lock_id", lock.ID,
			"receipt", cb.Receipt,
			"amount", cb.Amount.String(),
		)
		s.broadcast("lock_executed", lock)
	case errors.Is(err, store.ErrLockNotActive):
		// Duplicate delivery or a concurrent transition. Acknowledge.
		slog.Info("mpesa callback for non-active lock", "lock_id", lockID)
	default:
		slog.Error("mpesa callback processing failed", "err", err, "lock_id", lockID)
	}

	writeJSON(w, http.StatusOK, map[string]string{"ResultDesc": "acknowledged"})
}

func (s *Service) broadcast(event string, lock *model.Lock) {
	if s.hub != nil {
		s.hub.BroadcastLockEvent(event, lock)
	}
}

// --- Helpers ---

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeTransitionError maps store transition failures onto HTTP statuses.
// Races and expiry are conflicts the caller resolves by re-fetching.
func writeTransitionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "lock not found", http.StatusNotFound)
	case errors.Is(err, store.ErrLockExpired):
		writeError(w, store.ErrLockExpired.Error(), http.StatusConflict)
	case errors.Is(err, store.ErrLockNotActive):
		writeError(w, store.ErrLockNotActive.Error(), http.StatusConflict)
	default:
		writeError(w, "lock transition failed", http.StatusInternalServerError)
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
