package connectors

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	logger "github.com/sirupsen/logrus"
)

const (
	defaultRetryAttempts   = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxBackoff = 8 * time.Second
	defaultRequestTimeout  = 15 * time.Second
)

// apiResponse is the exchange's envelope: code 0 means success, anything
// else carries a business error.
type apiResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// business error codes the exchange documents as permanent.
var permanentCodes = map[int]string{
	10003: CodeAuthFailed,
	10004: CodeAuthFailed,
	11003: CodeInvalidOrder,
	11015: CodeInvalidOrder,
	11017: CodeInvalidOrder,
	11051: CodeInsufficient,
	11052: CodeInsufficient,
	11062: CodeOrderNotFound,
	11120: CodeSymbolNotFound,
}

func isRetryableResp(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}
	if r == nil {
		return false
	}
	return classifyHTTP(r.StatusCode()) == ErrTransient
}

// RestConnector is a signed REST adapter for a USDT-margined futures
// exchange. Retry with backoff on transient conditions is handled inside
// the resty client; callers see at most one normalized error.
type RestConnector struct {
	name      string
	apiKey    string
	apiSecret string
	baseURL   string
	http      *resty.Client
}

func NewRestConnector(name, apiKey, apiSecret, baseURL string) *RestConnector {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(defaultRequestTimeout).
		SetRetryCount(defaultRetryAttempts - 1).
		SetRetryWaitTime(defaultRetryBaseDelay).
		SetRetryMaxWaitTime(defaultRetryMaxBackoff).
		AddRetryCondition(isRetryableResp)

	return &RestConnector{
		name:      name,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		baseURL:   baseURL,
		http:      httpClient,
	}
}

func (c *RestConnector) Name() string { return c.name }

func signRequest(path, query, body string, expiry int64, secret string) string {
	base := path
	if query != "" {
		base += query
	}
	base += fmt.Sprintf("%d", expiry)
	if body != "" {
		base += body
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(base))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *RestConnector) doRequest(ctx context.Context, method, path, query string, body []byte) (*apiResponse, error) {
	expiry := time.Now().Add(1 * time.Minute).Unix()
	sig := signRequest(path, query, string(body), expiry, c.apiSecret)

	req := c.http.R().
		SetContext(ctx).
		SetHeader("x-access-token", c.apiKey).
		SetHeader("x-request-expiry", fmt.Sprintf("%d", expiry)).
		SetHeader("x-signature", sig).
		SetHeader("Content-Type", "application/json")

	fullPath := path
	if query != "" {
		fullPath += "?" + query
	}
	if body != nil {
		req.SetBody(body)
	}

	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(fullPath)
	case "POST":
		resp, err = req.Post(fullPath)
	case "DELETE":
		resp, err = req.Delete(fullPath)
	default:
		return nil, Permanent(CodeInvalidOrder, "unsupported method "+method, nil)
	}
	if err != nil {
		return nil, Transient(CodeTimeout, "request failed after retries", err)
	}

	if resp.StatusCode() >= 400 {
		kind := classifyHTTP(resp.StatusCode())
		code := CodeServerError
		if resp.StatusCode() == 429 {
			code = CodeRateLimited
		} else if kind == ErrPermanent {
			code = CodeAuthFailed
		}
		return nil, &ExchangeError{Kind: kind, Code: code,
			Message: fmt.Sprintf("http %d from %s", resp.StatusCode(), path)}
	}

	var api apiResponse
	if err := json.Unmarshal(resp.Body(), &api); err != nil {
		return nil, Transient(CodeServerError, "unparseable exchange response", err)
	}
	if api.Code != 0 {
		if code, ok := permanentCodes[api.Code]; ok {
			return nil, Permanent(code, api.Msg, nil)
		}
		return nil, Transient(CodeServerError, fmt.Sprintf("exchange code %d: %s", api.Code, api.Msg), nil)
	}
	return &api, nil
}

type wireOrder struct {
	OrderID   string `json:"orderID"`
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"ordType"`
	Status    string `json:"ordStatus"`
	Price     string `json:"priceRp"`
	Quantity  string `json:"orderQtyRq"`
	AvgPrice  string `json:"avgPriceRp"`
	FilledQty string `json:"cumQtyRq"`
	Fee       string `json:"cumFeeRv"`
	CreatedNs int64  `json:"actionTimeNs"`
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func normalizeOrderStatus(s string) string {
	switch s {
	case "New", "Untriggered", "Triggered":
		return OrderStatusNew
	case "Filled":
		return OrderStatusFilled
	case "PartiallyFilled":
		return OrderStatusPartial
	case "Canceled", "Deactivated":
		return OrderStatusCanceled
	case "Rejected":
		return OrderStatusRejected
	}
	return s
}

func (c *RestConnector) PlaceOrder(ctx context.Context, req OrderRequest) (*OrderResult, error) {
	clientID := req.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}

	payload := map[string]interface{}{
		"clOrdID":    clientID,
		"symbol":     NativeSymbol(req.Pair),
		"side":       req.Side,
		"ordType":    req.Type,
		"orderQtyRq": req.Quantity.String(),
	}
	if req.Type == OrderTypeLimit {
		payload["priceRp"] = req.Price.String()
	}
	body, _ := json.Marshal(payload)

	logger.WithFields(map[string]interface{}{
		"exchange": c.name,
		"pair":     req.Pair,
		"side":     req.Side,
		"type":     req.Type,
		"qty":      req.Quantity.String(),
	}).Info("placing order")

	api, err := c.doRequest(ctx, "POST", "/g-orders", "", body)
	if err != nil {
		return nil, err
	}

	var wire wireOrder
	if err := json.Unmarshal(api.Data, &wire); err != nil {
		return nil, Transient(CodeServerError, "unparseable order ack", err)
	}
	return &OrderResult{
		OrderID:   wire.OrderID,
		Status:    normalizeOrderStatus(wire.Status),
		FillPrice: parseDec(wire.AvgPrice),
		FillQty:   parseDec(wire.FilledQty),
		Fee:       parseDec(wire.Fee),
	}, nil
}

func (c *RestConnector) CancelOrder(ctx context.Context, pair, orderID string) error {
	query := url.Values{
		"symbol":  {NativeSymbol(pair)},
		"orderID": {orderID},
	}.Encode()
	_, err := c.doRequest(ctx, "DELETE", "/g-orders/cancel", query, nil)
	return err
}

func (c *RestConnector) GetOpenOrders(ctx context.Context, pair string) ([]OpenOrder, error) {
	query := url.Values{"symbol": {NativeSymbol(pair)}}.Encode()
	api, err := c.doRequest(ctx, "GET", "/g-orders/activeList", query, nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Rows []wireOrder `json:"rows"`
	}
	if err := json.Unmarshal(api.Data, &wrapper); err != nil {
		return nil, Transient(CodeServerError, "unparseable open orders", err)
	}

	out := make([]OpenOrder, 0, len(wrapper.Rows))
	for _, w := range wrapper.Rows {
		out = append(out, OpenOrder{
			OrderID:  w.OrderID,
			Pair:     NormalizePair(w.Symbol),
			Side:     w.Side,
			Type:     w.OrderType,
			Quantity: parseDec(w.Quantity),
			Price:    parseDec(w.Price),
			Created:  time.Unix(0, w.CreatedNs),
		})
	}
	return out, nil
}

func (c *RestConnector) GetOrderStatus(ctx context.Context, pair, orderID string) (*OrderResult, error) {
	query := url.Values{
		"symbol":  {NativeSymbol(pair)},
		"orderID": {orderID},
	}.Encode()
	api, err := c.doRequest(ctx, "GET", "/exchange/order", query, nil)
	if err != nil {
		return nil, err
	}

	var wires []wireOrder
	if err := json.Unmarshal(api.Data, &wires); err != nil {
		return nil, Transient(CodeServerError, "unparseable order status", err)
	}
	if len(wires) == 0 {
		return nil, Permanent(CodeOrderNotFound, "order "+orderID+" not found", nil)
	}
	w := wires[0]
	return &OrderResult{
		OrderID:   w.OrderID,
		Status:    normalizeOrderStatus(w.Status),
		FillPrice: parseDec(w.AvgPrice),
		FillQty:   parseDec(w.FilledQty),
		Fee:       parseDec(w.Fee),
	}, nil
}

func (c *RestConnector) GetBalance(ctx context.Context, currency string) (*Balance, error) {
	query := url.Values{"currency": {currency}}.Encode()
	api, err := c.doRequest(ctx, "GET", "/g-accounts/accountPositions", query, nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Account struct {
			Currency  string `json:"currency"`
			Balance   string `json:"accountBalanceRv"`
			Available string `json:"availBalanceRv"`
		} `json:"account"`
	}
	if err := json.Unmarshal(api.Data, &wrapper); err != nil {
		return nil, Transient(CodeServerError, "unparseable account", err)
	}
	return &Balance{
		Currency:  wrapper.Account.Currency,
		Available: parseDec(wrapper.Account.Available),
		Total:     parseDec(wrapper.Account.Balance),
	}, nil
}

func (c *RestConnector) GetOpenPositions(ctx context.Context) ([]Position, error) {
	api, err := c.doRequest(ctx, "GET", "/g-accounts/accountPositions", "", nil)
	if err != nil {
		return nil, err
	}

	var wrapper struct {
		Positions []struct {
			Symbol     string `json:"symbol"`
			Side       string `json:"posSide"`
			Size       string `json:"sizeRq"`
			EntryPrice string `json:"avgEntryPriceRp"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(api.Data, &wrapper); err != nil {
		return nil, Transient(CodeServerError, "unparseable positions", err)
	}

	var out []Position
	for _, p := range wrapper.Positions {
		size := parseDec(p.Size)
		if size.IsZero() {
			continue
		}
		out = append(out, Position{
			Pair:       NormalizePair(p.Symbol),
			Side:       p.Side,
			Quantity:   size,
			EntryPrice: parseDec(p.EntryPrice),
		})
	}
	return out, nil
}
