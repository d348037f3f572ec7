package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/newplayman/kalshi-gateway/internal/metrics"
)

// KalshiRESTClient 签名 REST 客户端。
// 每次调用：限流 → 签名头 → 带重试发送 → 状态码分类 → 解析 DTO。
// HTTPClient 可注入 httptest，默认不发起真实网络调用由测试保证。
type KalshiRESTClient struct {
	BaseURL    string
	Signer     Signer
	HTTPClient *http.Client
	Limiter    RateLimiter
	Retry      RetryLogic
}

// NewKalshiRESTClient 用默认超时与重试策略构造 REST 客户端。
func NewKalshiRESTClient(baseURL string, signer Signer, limiter RateLimiter) *KalshiRESTClient {
	if baseURL == "" {
		baseURL = KalshiRestEndpoint
	}
	return &KalshiRESTClient{
		BaseURL:    baseURL,
		Signer:     signer,
		HTTPClient: NewDefaultHTTPClient(),
		Limiter:    limiter,
		Retry:      DefaultRetryLogic(),
	}
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// Ping 轻量健康检查，走交易所状态端点。
func (c *KalshiRESTClient) Ping(ctx context.Context) error {
	var out struct {
		ExchangeActive bool `json:"exchange_active"`
		TradingActive  bool `json:"trading_active"`
	}
	return c.doJSON(ctx, http.MethodGet, "/exchange/status", nil, nil, &out)
}

// GetMarkets 拉取市场列表；tickers 为空则不过滤。
func (c *KalshiRESTClient) GetMarkets(ctx context.Context, status string, tickers []string) ([]Market, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	for _, t := range tickers {
		q.Add("tickers", t)
	}
	var out struct {
		Markets []Market `json:"markets"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/markets", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Markets, nil
}

// GetMarket 查询单个市场。
func (c *KalshiRESTClient) GetMarket(ctx context.Context, ticker string) (*Market, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker required")
	}
	var out struct {
		Market Market `json:"market"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/markets/"+ticker, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Market, nil
}

// GetOrderbook 拉取订单簿，depth <= 0 时取远端默认档数。
func (c *KalshiRESTClient) GetOrderbook(ctx context.Context, ticker string, depth int) (*Orderbook, error) {
	if ticker == "" {
		return nil, fmt.Errorf("ticker required")
	}
	q := url.Values{}
	if depth > 0 {
		q.Set("depth", strconv.Itoa(depth))
	}
	var out struct {
		Orderbook struct {
			Yes [][2]int64 `json:"yes"`
			No  [][2]int64 `json:"no"`
		} `json:"orderbook"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/markets/"+ticker+"/orderbook", q, nil, &out); err != nil {
		return nil, err
	}
	book := &Orderbook{}
	for _, lvl := range out.Orderbook.Yes {
		book.Yes = append(book.Yes, PriceLevel{Price: lvl[0], Count: lvl[1]})
	}
	for _, lvl := range out.Orderbook.No {
		book.No = append(book.No, PriceLevel{Price: lvl[0], Count: lvl[1]})
	}
	return book, nil
}

// CreateOrder 下单；未提供 client_order_id 时自动生成。
func (c *KalshiRESTClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if req.Ticker == "" {
		return nil, fmt.Errorf("ticker required")
	}
	if req.Count <= 0 {
		return nil, fmt.Errorf("count must be > 0")
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/portfolio/orders", nil, req, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// CancelOrder 撤单。
func (c *KalshiRESTClient) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id required")
	}
	var out struct {
		Order Order `json:"order"`
	}
	if err := c.doJSON(ctx, http.MethodDelete, "/portfolio/orders/"+orderID, nil, nil, &out); err != nil {
		return nil, err
	}
	return &out.Order, nil
}

// GetOrders 查询账户订单，可按 ticker/status 过滤。
func (c *KalshiRESTClient) GetOrders(ctx context.Context, ticker, status string) ([]Order, error) {
	q := url.Values{}
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	if status != "" {
		q.Set("status", status)
	}
	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/orders", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// GetPositions 查询全部市场仓位。
func (c *KalshiRESTClient) GetPositions(ctx context.Context) ([]Position, error) {
	var out struct {
		MarketPositions []Position `json:"market_positions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/positions", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.MarketPositions, nil
}

// GetBalance 查询账户余额（分）。
func (c *KalshiRESTClient) GetBalance(ctx context.Context) (int64, error) {
	var out Balance
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/balance", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// GetFills 查询成交记录，可按 ticker 过滤。
func (c *KalshiRESTClient) GetFills(ctx context.Context, ticker string) ([]Fill, error) {
	q := url.Values{}
	if ticker != "" {
		q.Set("ticker", ticker)
	}
	var out struct {
		Fills []Fill `json:"fills"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/portfolio/fills", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Fills, nil
}

// doJSON REST 调用统一出口。
func (c *KalshiRESTClient) doJSON(ctx context.Context, method, path string, query url.Values, reqBody, out interface{}) error {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if c.Signer == nil {
		return fmt.Errorf("signer not set")
	}

	var bodyBytes []byte
	if reqBody != nil {
		var err error
		bodyBytes, err = json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	base, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	requestPath := base.Path + path
	if len(query) > 0 {
		requestPath += "?" + query.Encode()
	}
	endpoint := base.Scheme + "://" + base.Host + requestPath

	resp, err := c.sendWithRetry(ctx, method, endpoint, requestPath, bodyBytes)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		apiErr := ClassifyStatus(resp.StatusCode, respBody, retryAfterHint(resp))
		metrics.RecordError(apiErr.Kind.String())
		return fmt.Errorf("%s %s: %w", method, path, apiErr)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			metrics.RecordError(ErrorKindDecode.String())
			return fmt.Errorf("%s %s: %w", method, path, &APIError{
				Kind:    ErrorKindDecode,
				Status:  resp.StatusCode,
				Message: err.Error(),
			})
		}
	}
	return nil
}

// sendWithRetry 限流 + 签名 + 指数退避重试；签名每次重建，从不跨请求复用。
func (c *KalshiRESTClient) sendWithRetry(ctx context.Context, method, endpoint, requestPath string, body []byte) (*http.Response, error) {
	retry := c.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryLogic()
	}
	delay := retry.InitialDelay
	var lastErr error
	var lastAPIErr *APIError

	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if c.Limiter != nil {
			if err := c.Limiter.Acquire(ctx); err != nil {
				return nil, fmt.Errorf("rate limiter: %w", err)
			}
		}

		header, err := AuthHeaders(c.Signer, method, requestPath, string(body))
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		for k, v := range header {
			req.Header[k] = v
		}
		if len(body) > 0 {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			metrics.ObserveAPILatency(requestPath, "error", time.Since(start).Seconds())
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		} else {
			metrics.ObserveAPILatency(requestPath, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())
			if !retry.shouldRetry(resp.StatusCode) {
				return resp, nil
			}
			hint := retryAfterHint(resp)
			if hint > 0 {
				delay = hint
			}
			// 留住最后一次响应的分类信息，重试耗尽时按原样上报
			respBody, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastAPIErr = ClassifyStatus(resp.StatusCode, respBody, hint)
			lastErr = lastAPIErr
		}

		if attempt < retry.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = retry.nextDelay(delay)
		}
	}
	if lastAPIErr == nil {
		// 网络层一直失败，没拿到过响应
		lastAPIErr = &APIError{Kind: ErrorKindTransient, Message: lastErr.Error()}
	}
	metrics.RecordError(lastAPIErr.Kind.String())
	return nil, fmt.Errorf("request failed after %d attempts: %w", retry.MaxAttempts, lastAPIErr)
}
