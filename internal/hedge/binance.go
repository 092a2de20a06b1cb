// Package hedge offsets rate exposure on 7day/30day locks with short
// futures positions, and closes them when the lock settles.
package hedge

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order is a filled exchange order.
type Order struct {
	OrderID  string
	AvgPrice decimal.Decimal
}

// TradeClient places hedge trades. Implementations wrap one exchange.
type TradeClient interface {
	// OpenShort market-sells quantity of symbol on futures.
	OpenShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*Order, error)

	// CloseShort buys back quantity of symbol, reduce-only.
	CloseShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*Order, error)
}

// BinanceClient signs requests against the Binance futures API.
type BinanceClient struct {
	baseURL string
	apiKey  string
	secret  []byte
	http    *http.Client
	now     func() time.Time
}

// NewBinanceClient creates a futures client. baseURL selects mainnet or
// testnet.
func NewBinanceClient(baseURL, apiKey, apiSecret string) *BinanceClient {
	return &BinanceClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		secret:  []byte(apiSecret),
		http:    &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

// sign computes the HMAC-SHA256 signature over the query string.
func (c *BinanceClient) sign(query string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *BinanceClient) OpenShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*Order, error) {
	return c.marketOrder(ctx, symbol, "SELL", quantity, false)
}

func (c *BinanceClient) CloseShort(ctx context.Context, symbol string, quantity decimal.Decimal) (*Order, error) {
	return c.marketOrder(ctx, symbol, "BUY", quantity, true)
}

type orderResponse struct {
	OrderID  int64  `json:"orderId"`
	AvgPrice string `json:"avgPrice"`
	Price    string `json:"price"`
}

func (c *BinanceClient) marketOrder(ctx context.Context, symbol, side string, quantity decimal.Decimal, reduceOnly bool) (*Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", quantity.Floor().String())
	if reduceOnly {
		params.Set("reduceOnly", "true")
	}
	params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))

	query := params.Encode()
	body := query + "&signature=" + c.sign(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/fapi/v1/order", strings.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hedge: order request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("hedge: order returned %d: %s", resp.StatusCode, payload)
	}

	var out orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("hedge: order decode: %w", err)
	}

	price := out.AvgPrice
	if price == "" || price == "0" {
		price = out.Price
	}
	avg, err := decimal.NewFromString(price)
	if err != nil {
		avg = decimal.Zero
	}

	return &Order{
		OrderID:  strconv.FormatInt(out.OrderID, 10),
		AvgPrice: avg,
	}, nil
}
