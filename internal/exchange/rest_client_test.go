package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestRESTClient(t *testing.T, handler http.Handler) (*KalshiRESTClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	signer, err := NewHMACSigner("rest-key", "rest-secret")
	if err != nil {
		t.Fatalf("NewHMACSigner failed: %v", err)
	}
	c := NewKalshiRESTClient(srv.URL+"/trade-api/v2", signer, nil)
	c.Retry.InitialDelay = 5 * time.Millisecond
	return c, srv
}

func TestRESTClientSignsRequests(t *testing.T) {
	var gotKey, gotTS, gotSig, gotPath string
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get(HeaderAccessKey)
		gotTS = r.Header.Get(HeaderAccessTimestamp)
		gotSig = r.Header.Get(HeaderAccessSignature)
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(map[string]interface{}{"markets": []Market{}})
	}))

	if _, err := c.GetMarkets(context.Background(), "open", nil); err != nil {
		t.Fatalf("GetMarkets failed: %v", err)
	}
	if gotKey != "rest-key" {
		t.Errorf("ACCESS-KEY = %q", gotKey)
	}
	if gotTS == "" || gotSig == "" {
		t.Error("missing timestamp or signature header")
	}
	if gotPath != "/trade-api/v2/markets" {
		t.Errorf("path = %q", gotPath)
	}
}

func TestRESTClientGetMarket(t *testing.T) {
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/trade-api/v2/markets/KXHIGH" {
			t.Errorf("path = %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"market": Market{Ticker: "KXHIGH", Status: "open", YesBid: 40, YesAsk: 42},
		})
	}))

	m, err := c.GetMarket(context.Background(), "KXHIGH")
	if err != nil {
		t.Fatalf("GetMarket failed: %v", err)
	}
	if m.Ticker != "KXHIGH" || m.YesBid != 40 {
		t.Errorf("market = %+v", m)
	}

	if _, err := c.GetMarket(context.Background(), ""); err == nil {
		t.Error("empty ticker should fail before hitting the wire")
	}
}

func TestRESTClientGetOrderbook(t *testing.T) {
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"orderbook":{"yes":[[40,100],[41,50]],"no":[[58,200]]}}`))
	}))

	book, err := c.GetOrderbook(context.Background(), "KXHIGH", 10)
	if err != nil {
		t.Fatalf("GetOrderbook failed: %v", err)
	}
	if len(book.Yes) != 2 || len(book.No) != 1 {
		t.Fatalf("levels yes=%d no=%d", len(book.Yes), len(book.No))
	}
	if book.Yes[1].Price != 41 || book.Yes[1].Count != 50 {
		t.Errorf("yes[1] = %+v", book.Yes[1])
	}
}

func TestRESTClientCreateOrderGeneratesClientID(t *testing.T) {
	var received CreateOrderRequest
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&received)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"order": Order{OrderID: "ord-1", ClientOrderID: received.ClientOrderID, Status: "resting"},
		})
	}))

	order, err := c.CreateOrder(context.Background(), CreateOrderRequest{
		Ticker: "KXHIGH",
		Action: "buy",
		Side:   "yes",
		Type:   "limit",
		Count:  10,
	})
	if err != nil {
		t.Fatalf("CreateOrder failed: %v", err)
	}
	if received.ClientOrderID == "" {
		t.Error("client_order_id should be auto-generated")
	}
	if order.OrderID != "ord-1" {
		t.Errorf("order = %+v", order)
	}

	// 入参校验
	if _, err := c.CreateOrder(context.Background(), CreateOrderRequest{Count: 1}); err == nil {
		t.Error("missing ticker should fail")
	}
	if _, err := c.CreateOrder(context.Background(), CreateOrderRequest{Ticker: "X"}); err == nil {
		t.Error("zero count should fail")
	}
}

func TestRESTClientErrorMapping(t *testing.T) {
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"invalid_signature","message":"signature mismatch"}}`))
	}))

	_, err := c.GetBalance(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.Kind != ErrorKindAuth {
		t.Errorf("Kind = %v, want auth", apiErr.Kind)
	}
	if apiErr.Code != "invalid_signature" {
		t.Errorf("Code = %q", apiErr.Code)
	}
}

func TestRESTClientRetriesTransientFailures(t *testing.T) {
	var calls int32
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"balance": int64(12345)})
	}))

	bal, err := c.GetBalance(context.Background())
	if err != nil {
		t.Fatalf("GetBalance failed after retries: %v", err)
	}
	if bal != 12345 {
		t.Errorf("balance = %d", bal)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestRESTClientExhaustsRetries(t *testing.T) {
	var calls int32
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := c.GetBalance(context.Background())
	if err == nil {
		t.Fatal("expected failure after retry exhaustion")
	}
	if got := atomic.LoadInt32(&calls); got != int32(c.Retry.MaxAttempts) {
		t.Errorf("calls = %d, want %d", got, c.Retry.MaxAttempts)
	}
	// 耗尽后仍应携带最后一次响应的错误分类
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError after exhaustion, got %v", err)
	}
	if apiErr.Kind != ErrorKindTransient || apiErr.Status != http.StatusBadGateway {
		t.Errorf("kind = %v status = %d, want transient 502", apiErr.Kind, apiErr.Status)
	}
}

func TestRESTClientRateLimitExhaustionKeepsKind(t *testing.T) {
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":"ratelimit","message":"too many requests"}}`))
	}))

	_, err := c.GetBalance(context.Background())
	if err == nil {
		t.Fatal("expected failure after retry exhaustion")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError after exhaustion, got %v", err)
	}
	if apiErr.Kind != ErrorKindRateLimit {
		t.Errorf("kind = %v, want rate_limit", apiErr.Kind)
	}
	if apiErr.Code != "ratelimit" {
		t.Errorf("code = %q, want ratelimit", apiErr.Code)
	}
}

func TestRESTClientNoRetryOnValidation(t *testing.T) {
	var calls int32
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"bad_ticker","message":"no such market"}}`))
	}))

	_, err := c.GetOrders(context.Background(), "NOPE", "")
	if err == nil {
		t.Fatal("expected validation error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != ErrorKindValidation {
		t.Errorf("expected validation kind, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, validation errors must not retry", got)
	}
}

func TestRESTClientHonorsRetryAfter(t *testing.T) {
	var calls int32
	var firstRetryAt, secondCallAt time.Time
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			firstRetryAt = time.Now()
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		secondCallAt = time.Now()
		json.NewEncoder(w).Encode(map[string]interface{}{"balance": int64(1)})
	}))

	if _, err := c.GetBalance(context.Background()); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if wait := secondCallAt.Sub(firstRetryAt); wait < 900*time.Millisecond {
		t.Errorf("second call after %v, expected >= ~1s per Retry-After", wait)
	}
}

func TestRESTClientUsesLimiter(t *testing.T) {
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"fills": []Fill{}})
	}))
	limiter := NewTokenBucketLimiter(100, 1, 4)
	defer limiter.Close()
	c.Limiter = limiter

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.GetFills(context.Background(), ""); err != nil {
			t.Fatalf("GetFills %d failed: %v", i, err)
		}
	}
	// burst=1、rate=100/s：三次调用至少等待两次令牌补充
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("three calls took %v, expected limiter pacing", elapsed)
	}
}

func TestRESTClientContextCancellation(t *testing.T) {
	c, _ := newTestRESTClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.GetPositions(ctx)
	if err == nil {
		t.Fatal("expected context error")
	}
}
