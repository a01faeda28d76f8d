package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/expirybot/internal/crypto"
	"github.com/alanyoungcy/expirybot/internal/domain"
)

const zeroAddress = "0x0000000000000000000000000000000000000000"

// ClobConfig controls how orders are built and where they are sent.
type ClobConfig struct {
	// BaseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
	BaseURL string
	// SignatureType is 0 (EOA), 1 (proxy) or 2 (Safe).
	SignatureType int
	// Funder is the proxy or Safe address holding the funds. Empty means
	// the signing key's own address.
	Funder string
	// NegRisk selects the neg-risk exchange contract.
	NegRisk bool
	// OrderType is the CLOB time in force; defaults to GTC.
	OrderType string
	Timeout   time.Duration
}

// ClobClient is the REST client for the Polymarket CLOB. It serves book
// snapshots and implements domain.OrderRouter.
type ClobClient struct {
	cfg        ClobConfig
	httpClient *http.Client
	signer     *crypto.Signer

	mu       sync.RWMutex
	hmacAuth *crypto.HMACAuth
}

// NewClobClient creates a CLOB client. signer and hmac may be nil for a
// read-only client (book snapshots only).
func NewClobClient(cfg ClobConfig, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	if cfg.OrderType == "" {
		cfg.OrderType = "GTC"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &ClobClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     signer,
		hmacAuth:   hmac,
	}
}

// Snapshot fetches the current book for token over REST.
func (c *ClobClient) Snapshot(ctx context.Context, token string) (domain.OrderbookState, error) {
	path := "/book?" + url.Values{"token_id": {token}}.Encode()
	body, err := c.do(ctx, http.MethodGet, path, nil, false)
	if err != nil {
		return domain.OrderbookState{}, fmt.Errorf("polymarket/clob: book %s: %w", token, err)
	}
	var book BookMessage
	if err := json.Unmarshal(body, &book); err != nil {
		return domain.OrderbookState{}, fmt.Errorf("polymarket/clob: decode book: %w", err)
	}

	l := newLadder()
	l.replace(&book)
	// LastUpdate stays zero; the feed stamps snapshots with its own clock.
	tick := l.top(token, time.Time{})
	return domain.OrderbookState{}.Apply(tick), nil
}

// PlaceOrder signs and submits a limit order. req.Key seeds the order salt,
// so a resubmitted key yields the identical order hash and cannot execute
// twice.
func (c *ClobClient) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResult, error) {
	const op = "polymarket/clob: place order"

	if err := validateOrder(req); err != nil {
		return domain.OrderResult{}, domain.NewError(domain.KindMalformedOrder, op, err)
	}
	auth := c.auth()
	if c.signer == nil || !auth.Valid() {
		return domain.OrderResult{}, domain.NewError(domain.KindRejectedOrder, op, errors.New("no signing key or API credentials configured"))
	}

	signed, err := c.buildOrder(req)
	if err != nil {
		return domain.OrderResult{}, domain.NewError(domain.KindMalformedOrder, op, err)
	}
	body := apiOrder{Order: signed, Owner: auth.Key, OrderType: c.cfg.OrderType}

	respBody, err := c.do(ctx, http.MethodPost, "/order", body, true)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("%s: %w", op, err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, domain.NewError(domain.KindTransientNetwork, op, fmt.Errorf("decode response: %w", err))
	}
	if !apiResult.Success || apiResult.ErrorMsg != "" {
		return domain.OrderResult{}, classifyRejection(op, apiResult.ErrorMsg)
	}
	return toOrderResult(req, &apiResult), nil
}

// CancelOrder cancels a single resting order.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	const op = "polymarket/clob: cancel order"

	respBody, err := c.do(ctx, http.MethodDelete, "/order", map[string]string{"orderID": orderID}, true)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, orderID, err)
	}
	var result apiCancelResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return domain.NewError(domain.KindRejectedOrder, op, errors.New(reason))
	}
	return nil
}

// OrderFill reports how much of orderID has matched and whether it still
// rests on the book.
func (c *ClobClient) OrderFill(ctx context.Context, orderID string) (domain.OrderFill, error) {
	const op = "polymarket/clob: order"

	respBody, err := c.do(ctx, http.MethodGet, "/data/order/"+url.PathEscape(orderID), nil, true)
	if err != nil {
		return domain.OrderFill{}, fmt.Errorf("%s %s: %w", op, orderID, err)
	}
	var o apiOpenOrder
	if err := json.Unmarshal(respBody, &o); err != nil {
		return domain.OrderFill{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if o.ID == "" {
		return domain.OrderFill{}, fmt.Errorf("%s %s: %w", op, orderID, domain.ErrNotFound)
	}
	fill := domain.OrderFill{
		OrderID: o.ID,
		Open:    strings.EqualFold(o.Status, "live") || strings.EqualFold(o.Status, "delayed"),
	}
	if v, err := decimal.NewFromString(o.SizeMatched); err == nil {
		fill.FilledSize = v.InexactFloat64()
	}
	if v, err := decimal.NewFromString(o.Price); err == nil {
		fill.AvgPrice = v.InexactFloat64()
	}
	return fill, nil
}

// DeriveAPIKey performs L1 authentication to obtain L2 credentials for the
// signing key and installs them on the client.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) (*crypto.HMACAuth, error) {
	if c.signer == nil {
		return nil, errors.New("polymarket/clob: derive api key: no signer")
	}
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(timestamp, nonce)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", c.signer.Address().Hex())
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("POLY_NONCE", strconv.FormatInt(nonce, 10))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("polymarket/clob: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var creds apiCreds
	if err := json.Unmarshal(respBody, &creds); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}
	auth := crypto.NewHMACAuth(creds.APIKey, creds.Secret, creds.Passphrase)
	c.mu.Lock()
	c.hmacAuth = auth
	c.mu.Unlock()
	return auth, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *ClobClient) auth() *crypto.HMACAuth {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hmacAuth
}

func (c *ClobClient) exchange() common.Address {
	if c.cfg.NegRisk {
		return crypto.NegRiskCTFExchange
	}
	return crypto.CTFExchange
}

func validateOrder(req domain.OrderRequest) error {
	switch {
	case req.Key == "":
		return errors.New("missing idempotency key")
	case req.Token == "":
		return errors.New("missing token")
	case req.Price <= 0 || req.Price >= 1:
		return fmt.Errorf("price %g outside (0,1)", req.Price)
	case req.Size <= 0:
		return fmt.Errorf("size %g must be positive", req.Size)
	case req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell:
		return fmt.Errorf("unknown side %q", req.Side)
	}
	return nil
}

// buildOrder computes the fixed-point amounts (6 decimals for both USDC and
// outcome shares) and signs the order.
func (c *ClobClient) buildOrder(req domain.OrderRequest) (apiSignedOrder, error) {
	price := decimal.NewFromFloat(req.Price).Round(4)
	size := decimal.NewFromFloat(req.Size).RoundFloor(2)
	if !size.IsPositive() {
		return apiSignedOrder{}, fmt.Errorf("size %g rounds to zero", req.Size)
	}
	notional := price.Mul(size).RoundFloor(4)

	side, sideName := crypto.SideBuy, "BUY"
	maker, taker := notional, size
	if req.Side == domain.OrderSideSell {
		side, sideName = crypto.SideSell, "SELL"
		maker, taker = size, notional
	}

	signerAddr := c.signer.Address().Hex()
	makerAddr := signerAddr
	if c.cfg.Funder != "" {
		makerAddr = common.HexToAddress(c.cfg.Funder).Hex()
	}

	payload := crypto.OrderPayload{
		Salt:          crypto.SaltForKey(req.Key),
		Maker:         makerAddr,
		Signer:        signerAddr,
		Taker:         zeroAddress,
		TokenID:       req.Token,
		MakerAmount:   toUnits(maker),
		TakerAmount:   toUnits(taker),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          side,
		SignatureType: c.cfg.SignatureType,
	}
	sig, err := c.signer.SignOrder(payload, c.exchange())
	if err != nil {
		return apiSignedOrder{}, err
	}
	salt, err := strconv.ParseInt(payload.Salt, 10, 64)
	if err != nil {
		return apiSignedOrder{}, fmt.Errorf("salt: %w", err)
	}

	return apiSignedOrder{
		Salt:          salt,
		Maker:         payload.Maker,
		Signer:        payload.Signer,
		Taker:         payload.Taker,
		TokenID:       payload.TokenID,
		MakerAmount:   payload.MakerAmount,
		TakerAmount:   payload.TakerAmount,
		Expiration:    payload.Expiration,
		Nonce:         payload.Nonce,
		FeeRateBps:    payload.FeeRateBps,
		Side:          sideName,
		SignatureType: payload.SignatureType,
		Signature:     sig,
	}, nil
}

func toUnits(d decimal.Decimal) string {
	return d.Shift(6).Truncate(0).String()
}

// toOrderResult maps the CLOB status. "matched" is a fill; "live",
// "delayed" and "unmatched" leave nothing filled yet.
func toOrderResult(req domain.OrderRequest, r *APIOrderResult) domain.OrderResult {
	res := domain.OrderResult{
		Key:     req.Key,
		OrderID: r.OrderID,
		Status:  domain.OrderStatusPending,
		Message: r.Status,
	}
	if !strings.EqualFold(r.Status, "matched") {
		return res
	}

	filled := req.Size
	// Shares are the taking side of a buy and the making side of a sell.
	shares := r.TakingAmount
	if req.Side == domain.OrderSideSell {
		shares = r.MakingAmount
	}
	if v, err := decimal.NewFromString(shares); err == nil && v.IsPositive() {
		filled = v.InexactFloat64()
	}
	res.FilledSize = filled
	res.AvgPrice = req.Price
	res.Status = domain.OrderStatusFilled
	if filled < req.Size {
		res.Status = domain.OrderStatusPartiallyFilled
	}
	return res
}

// classifyRejection maps a CLOB error message to an error kind.
func classifyRejection(op, msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "balance") || strings.Contains(lower, "allowance"):
		return domain.NewError(domain.KindInsufficientBalance, op, errors.New(msg))
	case strings.Contains(lower, "no match") || strings.Contains(lower, "no orders found to match"):
		return domain.NewError(domain.KindInsufficientLiquidity, op, errors.New(msg))
	default:
		return domain.NewError(domain.KindRejectedOrder, op, errors.New(msg))
	}
}

// do builds, optionally signs (L2 HMAC), sends and reads a request.
func (c *ClobClient) do(ctx context.Context, method, path string, body any, authenticated bool) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if authenticated {
		auth := c.auth()
		if c.signer == nil || !auth.Valid() {
			return nil, domain.NewError(domain.KindRejectedOrder, "", errors.New("unauthenticated client"))
		}
		// The signed path excludes the query string.
		signPath, _, _ := strings.Cut(path, "?")
		for k, v := range auth.L2Headers(c.signer.Address().Hex(), method, signPath, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, domain.NewError(domain.KindTransientNetwork, "", ctx.Err())
		}
		return nil, domain.NewError(domain.KindTransientNetwork, "", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewError(domain.KindTransientNetwork, "", fmt.Errorf("read response: %w", err))
	}

	if err := checkHTTPStatus(resp, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx responses to classified errors.
func checkHTTPStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	msg := extractError(body)
	cause := fmt.Errorf("HTTP %d: %s", code, msg)
	switch {
	case code == http.StatusTooManyRequests:
		e := domain.NewError(domain.KindRateLimited, "", cause)
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return e
	case code >= 500 || code == http.StatusRequestTimeout:
		return domain.NewError(domain.KindTransientNetwork, "", cause)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewError(domain.KindRejectedOrder, "", fmt.Errorf("%w: %w", domain.ErrUnauthorized, cause))
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", domain.ErrNotFound, cause)
	case code == http.StatusBadRequest:
		return classifyRejection("", fmt.Sprintf("HTTP %d: %s", code, msg))
	default:
		return domain.NewError(domain.KindRejectedOrder, "", cause)
	}
}

func extractError(body []byte) string {
	var e struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
	}
	if json.Unmarshal(body, &e) == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.ErrorMsg != "" {
			return e.ErrorMsg
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// parseRetryAfter understands delta-seconds and HTTP dates.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
