package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lightercpty/config"
	"lightercpty/logger"
	"lightercpty/models"
	"lightercpty/ratelimit"
)

// Transaction type names used for rate limiting and wire encoding.
const (
	TxTypeCreateOrder     = "L2CreateOrder"
	TxTypeCancelOrder     = "L2CancelOrder"
	TxTypeCancelAllOrders = "L2CancelAllOrders"
)

// txTypeCodes maps transaction type names onto the venue's numeric
// transaction identifiers.
var txTypeCodes = map[string]int{
	"L2ChangePubKey":      8,
	"L2CreateSubAccount":  9,
	"L2Transfer":          12,
	"L2Withdraw":          13,
	TxTypeCreateOrder:     14,
	TxTypeCancelOrder:     15,
	TxTypeCancelAllOrders: 16,
	"L2UpdateLeverage":    20,
}

// Order type and time-in-force wire encodings.
const (
	wireOrderTypeLimit  = 0
	wireOrderTypeMarket = 1

	wireTifIOC      = 0
	wireTifGTC      = 1
	wireTifPostOnly = 2
)

// VenueError is a non-success response from the venue API.
type VenueError struct {
	Code    int
	Message string
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Message)
}

// Client talks to the venue's REST API. Every call passes the shared
// rate limiter before touching the wire.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	signer       Signer
	limiter      *ratelimit.Limiter
	accountIndex int
	apiKeyIndex  int
	userKey      string
	log          *logger.Log
}

func NewClient(cfg config.LighterConfig, limiter *ratelimit.Limiter) *Client {
	var signer Signer
	if cfg.AuthToken != "" {
		signer = StaticToken(cfg.AuthToken)
	} else {
		signer = NewHMACSigner(cfg.PrivateKey, cfg.AccountIndex, cfg.APIKeyIndex)
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		signer:       signer,
		limiter:      limiter,
		accountIndex: cfg.AccountIndex,
		apiKeyIndex:  cfg.APIKeyIndex,
		userKey:      strconv.Itoa(cfg.AccountIndex),
		log:          logger.GetLogger(),
	}
}

// Signer exposes the client's signer for components that authenticate
// websocket subscriptions.
func (c *Client) Signer() Signer { return c.signer }

type apiResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
}

func (c *Client) do(ctx context.Context, method, endpoint string, query map[string]string, body []byte, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.WaitREST(ctx, c.userKey, "local", endpoint); err != nil {
			return err
		}
	}

	url := c.baseURL + "/api/v1" + endpoint
	if len(query) > 0 {
		parts := make([]string, 0, len(query))
		for k, v := range query {
			parts = append(parts, k+"="+v)
		}
		url += "?" + strings.Join(parts, "&")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", c.signer.AuthToken())

	logger.IncrementVenueCall(endpoint)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return &VenueError{Code: apiErr.Code, Message: apiErr.Message}
		}
		return &VenueError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
		}
	}
	return nil
}

// CheckAuth verifies the configured credentials by listing API keys for
// the account. A venue error means the key is invalid or revoked.
func (c *Client) CheckAuth(ctx context.Context) error {
	query := map[string]string{
		"account_index": strconv.Itoa(c.accountIndex),
		"api_key_index": strconv.Itoa(c.apiKeyIndex),
	}
	var resp struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/apikeys", query, nil, &resp); err != nil {
		return err
	}
	if resp.Code != 0 && resp.Code != 200 {
		return &VenueError{Code: resp.Code, Message: resp.Message}
	}
	return nil
}

type orderBookDetail struct {
	MarketID       int    `json:"market_id"`
	Symbol         string `json:"symbol"`
	PriceDecimals  int    `json:"price_decimals"`
	SizeDecimals   int    `json:"size_decimals"`
	MinBaseAmount  string `json:"min_base_amount"`
	Status         string `json:"status"`
}

// FetchMarkets downloads metadata for every market the venue lists.
// Markets missing decimals are skipped since orders for them cannot be
// scaled safely.
func (c *Client) FetchMarkets(ctx context.Context) (map[int]models.MarketInfo, error) {
	var resp struct {
		Code             int               `json:"code"`
		Message          string            `json:"message"`
		OrderBookDetails []orderBookDetail `json:"order_book_details"`
	}
	if err := c.do(ctx, http.MethodGet, "/orderBookDetails", nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 0 && resp.Code != 200 {
		return nil, &VenueError{Code: resp.Code, Message: resp.Message}
	}

	markets := make(map[int]models.MarketInfo, len(resp.OrderBookDetails))
	for _, d := range resp.OrderBookDetails {
		if d.PriceDecimals == 0 && d.SizeDecimals == 0 {
			c.log.WithComponent("venue").WithFields(logger.Fields{
				"market_id": d.MarketID,
				"symbol":    d.Symbol,
			}).Warn("market metadata missing decimals, skipping")
			continue
		}
		minSize, _ := strconv.ParseFloat(d.MinBaseAmount, 64)
		markets[d.MarketID] = models.MarketInfo{
			MarketID:      d.MarketID,
			BaseAsset:     d.Symbol,
			QuoteAsset:    "USDC",
			PriceDecimals: d.PriceDecimals,
			SizeDecimals:  d.SizeDecimals,
			MinOrderSize:  minSize,
		}
	}
	return markets, nil
}

func (c *Client) sendTx(ctx context.Context, txType string, txInfo interface{}) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.WaitTransaction(ctx, c.userKey, txType); err != nil {
			return "", err
		}
	}

	code, ok := txTypeCodes[txType]
	if !ok {
		return "", fmt.Errorf("unknown transaction type %q", txType)
	}
	info, err := json.Marshal(txInfo)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(map[string]interface{}{
		"tx_type":   code,
		"tx_info":   string(info),
		"signature": c.signer.Sign(info),
	})
	if err != nil {
		return "", err
	}

	var resp apiResponse
	if err := c.do(ctx, http.MethodPost, "/sendTx", nil, body, &resp); err != nil {
		return "", err
	}
	if resp.Code != 0 && resp.Code != 200 {
		return "", &VenueError{Code: resp.Code, Message: resp.Message}
	}
	return resp.TxHash, nil
}

// CreateOrderTx carries the scaled integer fields of a new order.
type CreateOrderTx struct {
	MarketIndex      int
	ClientOrderIndex int64
	BaseAmount       int64
	Price            int64
	IsAsk            bool
	OrderType        models.OrderType
	TimeInForce      models.TimeInForce
	ReduceOnly       bool
	PostOnly         bool
}

// CreateOrder submits a new order transaction and returns the venue tx
// hash, which becomes the venue order id.
func (c *Client) CreateOrder(ctx context.Context, tx CreateOrderTx) (string, error) {
	orderType := wireOrderTypeLimit
	if tx.OrderType == models.OrderTypeMarket {
		orderType = wireOrderTypeMarket
	}
	tif := wireTifGTC
	switch {
	case tx.PostOnly:
		tif = wireTifPostOnly
	case tx.TimeInForce == models.TimeInForceIOC, tx.TimeInForce == models.TimeInForceFOK:
		tif = wireTifIOC
	}
	isAsk := 0
	if tx.IsAsk {
		isAsk = 1
	}
	reduceOnly := 0
	if tx.ReduceOnly {
		reduceOnly = 1
	}

	return c.sendTx(ctx, TxTypeCreateOrder, map[string]interface{}{
		"account_index":      c.accountIndex,
		"api_key_index":      c.apiKeyIndex,
		"market_index":       tx.MarketIndex,
		"client_order_index": tx.ClientOrderIndex,
		"base_amount":        tx.BaseAmount,
		"price":              tx.Price,
		"is_ask":             isAsk,
		"type":               orderType,
		"time_in_force":      tif,
		"reduce_only":        reduceOnly,
		"trigger_price":      0,
	})
}

// CancelOrder submits a cancel transaction for the order identified by
// its market and client order index.
func (c *Client) CancelOrder(ctx context.Context, marketIndex int, orderIndex int64) (string, error) {
	return c.sendTx(ctx, TxTypeCancelOrder, map[string]interface{}{
		"account_index": c.accountIndex,
		"api_key_index": c.apiKeyIndex,
		"market_index":  marketIndex,
		"order_index":   orderIndex,
	})
}

// CancelAllOrders submits a venue-side cancel of every resting order on
// the account.
func (c *Client) CancelAllOrders(ctx context.Context) (string, error) {
	return c.sendTx(ctx, TxTypeCancelAllOrders, map[string]interface{}{
		"account_index": c.accountIndex,
		"api_key_index": c.apiKeyIndex,
		"time_in_force": 0,
		"timestamp":     time.Now().UnixMilli(),
	})
}

// AccountBalance fetches collateral over REST. It backs up the
// websocket account feed, which is the primary balance source.
func (c *Client) AccountBalance(ctx context.Context) (float64, error) {
	query := map[string]string{
		"by":    "index",
		"value": strconv.Itoa(c.accountIndex),
	}
	var resp struct {
		Code     int    `json:"code"`
		Message  string `json:"message"`
		Accounts []struct {
			Collateral       string `json:"collateral"`
			AvailableBalance string `json:"available_balance"`
		} `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/account", query, nil, &resp); err != nil {
		return 0, err
	}
	if resp.Code != 0 && resp.Code != 200 {
		return 0, &VenueError{Code: resp.Code, Message: resp.Message}
	}
	if len(resp.Accounts) == 0 {
		return 0, fmt.Errorf("account %d not found", c.accountIndex)
	}
	acct := resp.Accounts[0]
	for _, raw := range []string{acct.Collateral, acct.AvailableBalance} {
		if raw == "" {
			continue
		}
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("account %d reported no parsable balance", c.accountIndex)
}
