package gateway

// Market describes a single market returned by /markets.
type Market struct {
	Ticker       string `json:"ticker"`
	EventTicker  string `json:"event_ticker"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	YesBid       int64  `json:"yes_bid"`
	YesAsk       int64  `json:"yes_ask"`
	NoBid        int64  `json:"no_bid"`
	NoAsk        int64  `json:"no_ask"`
	LastPrice    int64  `json:"last_price"`
	Volume       int64  `json:"volume"`
	OpenInterest int64  `json:"open_interest"`
	CloseTime    string `json:"close_time"`
}

// Orderbook is the two-sided book for one market, prices in cents.
type Orderbook struct {
	Yes []PriceLevel
	No  []PriceLevel
}

// Order describes an order as returned by the portfolio endpoints.
type Order struct {
	OrderID        string `json:"order_id"`
	ClientOrderID  string `json:"client_order_id"`
	Ticker         string `json:"ticker"`
	Action         string `json:"action"` // "buy" | "sell"
	Side           string `json:"side"`   // "yes" | "no"
	Type           string `json:"type"`   // "limit" | "market"
	YesPrice       int64  `json:"yes_price"`
	NoPrice        int64  `json:"no_price"`
	Count          int64  `json:"count"`
	RemainingCount int64  `json:"remaining_count"`
	Status         string `json:"status"`
	CreatedTime    string `json:"created_time"`
}

// CreateOrderRequest 下单参数。
type CreateOrderRequest struct {
	Ticker        string `json:"ticker"`
	ClientOrderID string `json:"client_order_id"`
	Action        string `json:"action"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Count         int64  `json:"count"`
	YesPrice      int64  `json:"yes_price,omitempty"`
	NoPrice       int64  `json:"no_price,omitempty"`
}

// Position describes a per-market position.
type Position struct {
	Ticker         string `json:"ticker"`
	Position       int64  `json:"position"`
	MarketExposure int64  `json:"market_exposure"`
	RealizedPNL    int64  `json:"realized_pnl"`
	TotalTraded    int64  `json:"total_traded"`
}

// Fill describes a single execution against one of our orders.
type Fill struct {
	TradeID     string `json:"trade_id"`
	OrderID     string `json:"order_id"`
	Ticker      string `json:"ticker"`
	Action      string `json:"action"`
	Side        string `json:"side"`
	YesPrice    int64  `json:"yes_price"`
	NoPrice     int64  `json:"no_price"`
	Count       int64  `json:"count"`
	IsTaker     bool   `json:"is_taker"`
	CreatedTime string `json:"created_time"`
}

// Balance 账户可用余额（分）。
type Balance struct {
	Balance int64 `json:"balance"`
}
