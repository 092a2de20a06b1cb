// Package payment integrates the M-Pesa Daraja STK push API: initiating
// payment requests and parsing result callbacks.
package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Provider initiates payments and resolves callbacks back to locks.
type Provider interface {
	// InitiatePayment sends an STK push for amount KES to phone, tagged
	// with the lock identifier. Returns the provider's checkout request ID.
	InitiatePayment(ctx context.Context, amount decimal.Decimal, phone, lockID string) (string, error)

	// LockForCheckout resolves a checkout request ID from a callback to the
	// lock it was initiated for. Callbacks carry no account reference, so
	// the mapping recorded at initiation is the only link back.
	LockForCheckout(checkoutID string) (string, bool)
}

// ErrProviderRejected is returned when Daraja acknowledges the request but
// refuses to process it.
var ErrProviderRejected = errors.New("payment: provider rejected request")

// Config holds Daraja API credentials.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// Client is the Daraja STK push client.
type Client struct {
	cfg  Config
	http *http.Client
	now  func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	checkouts   map[string]string // checkout request ID -> lock ID
}

// NewClient creates an M-Pesa client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: 15 * time.Second},
		now:       time.Now,
		checkouts: make(map[string]string),
	}
}

// accessToken returns a cached OAuth token, refreshing when within a minute
// of expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-time.Minute)) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment: token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment: token request returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("payment: token decode: %w", err)
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.tokenExpiry = c.now().Add(55 * time.Minute)
	c.mu.Unlock()

	return body.AccessToken, nil
}

// password builds the Daraja transaction password for a timestamp.
func (c *Client) password(ts time.Time) (string, string) {
	stamp := ts.Format("20060102150405")
	raw := c.cfg.ShortCode + c.cfg.Passkey + stamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), stamp
}

// NormalizePhone converts a Kenyan phone number to 254... format.
func NormalizePhone(phone string) string {
	p := strings.ReplaceAll(phone, "+", "")
	p = strings.ReplaceAll(p, " ", "")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if !strings.HasPrefix(p, "254") {
		p = "254" + p
	}
	return p
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
}

// InitiatePayment sends an STK push. The amount is rounded up to a whole
// shilling; Daraja does not accept decimals.
func (c *Client) InitiatePayment(ctx context.Context, amount decimal.Decimal, phone, lockID string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	password, stamp := c.password(c.now().UTC())
	normalized := NormalizePhone(phone)

	shortID := lockID
	if len(shortID) > 8 {
		shortID = shortID[:8]
	}

	body := stkPushRequest{
		BusinessShortCode: c.cfg.ShortCode,
		Password:          password,
		Timestamp:         stamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount.Ceil().String(),
		PartyA:            normalized,
		PartyB:            c.cfg.ShortCode,
		PhoneNumber:       normalized,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  lockID,
		TransactionDesc:   "FX Lock Execution " + shortID,
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("payment: stk push: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("payment: stk push returned %d", resp.StatusCode)
	}

	var out stkPushResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("payment: stk push decode: %w", err)
	}
	if out.ResponseCode != "0" {
		return "", fmt.Errorf("%w: %s", ErrProviderRejected, out.ResponseDescription)
	}

	c.mu.Lock()
	c.checkouts[out.CheckoutRequestID] = lockID
	c.mu.Unlock()

	slog.Info("stk push sent",
		"checkout_id", out.CheckoutRequestID,
		"lock_id", lockID,
		"phone", normalized,
	)
	return out.CheckoutRequestID, nil
}

// LockForCheckout resolves a checkout ID to its lock. The mapping lives only
// in process memory; a restart between push and callback loses it, and the
// payment then needs manual reconciliation against the receipt.
func (c *Client) LockForCheckout(checkoutID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lockID, ok := c.checkouts[checkoutID]
	if ok {
		delete(c.checkouts, checkoutID)
	}
	return lockID, ok
}

// Callback is a parsed STK push result.
type Callback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Success           bool
	Amount            decimal.Decimal
	Receipt           string
	Phone             string
}

type callbackEnvelope struct {
	Body struct {
		STKCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string          `json:"Name"`
					Value json.RawMessage `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback decodes a Daraja result webhook. Metadata items are only
// present on success; their values arrive as mixed JSON types.
func ParseCallback(r io.Reader) (*Callback, error) {
	var env callbackEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return nil, fmt.Errorf("payment: callback decode: %w", err)
	}

	stk := env.Body.STKCallback
	if stk.CheckoutRequestID == "" {
		return nil, errors.New("payment: callback missing stkCallback body")
	}

	cb := &Callback{
		MerchantRequestID: stk.MerchantRequestID,
		CheckoutRequestID: stk.CheckoutRequestID,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
		Success:           stk.ResultCode == 0,
	}

	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "Amount":
			var amt decimal.Decimal
			if err := json.Unmarshal(item.Value, &amt); err == nil {
				cb.Amount = amt
			}
		case "MpesaReceiptNumber":
			var s string
			if err := json.Unmarshal(item.Value, &s); err == nil {
				cb.Receipt = s
			}
		case "PhoneNumber":
			cb.Phone = strings.Trim(string(item.Value), `"`)
		}
	}

	return cb, nil
}
