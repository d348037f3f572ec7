package gateway

import (
	"encoding/json"
)

// MessageKind 入站消息的封闭变体集合。
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindOrderbookSnapshot
	KindOrderbookDelta
	KindTrade
	KindOrderUpdate
	KindFill
	KindPosition
	KindHeartbeat
	KindSubscribed
	KindUnsubscribed
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindOrderbookSnapshot:
		return "orderbook_snapshot"
	case KindOrderbookDelta:
		return "orderbook_delta"
	case KindTrade:
		return "trade"
	case KindOrderUpdate:
		return "order"
	case KindFill:
		return "fill"
	case KindPosition:
		return "position"
	case KindHeartbeat:
		return "heartbeat"
	case KindSubscribed:
		return "subscribed"
	case KindUnsubscribed:
		return "unsubscribed"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// 消息类型标签（envelope 的 "type" 字段取值）
const (
	TypeOrderbookSnapshot = "orderbook_snapshot"
	TypeOrderbookDelta    = "orderbook_delta"
	TypeTrade             = "trade"
	TypeOrderUpdate       = "order"
	TypeFill              = "fill"
	TypePosition          = "market_position"
	TypeHeartbeat         = "heartbeat"
	TypeSubscribed        = "subscribed"
	TypeUnsubscribed      = "unsubscribed"
	TypeError             = "error"
)

// PriceLevel 订单簿中的一档：价格（整数分）+ 数量。
type PriceLevel struct {
	Price int64
	Count int64
}

// OrderbookSnapshot 全量订单簿。
type OrderbookSnapshot struct {
	MarketTicker string
	Yes          []PriceLevel
	No           []PriceLevel
}

// OrderbookDelta 单档增量。
type OrderbookDelta struct {
	MarketTicker string
	Price        int64
	Delta        int64
	Side         string // "yes" | "no"
}

// Trade 公共成交。
type Trade struct {
	MarketTicker string
	Side         string // taker 方向，"yes" | "no"
	YesPrice     int64
	NoPrice      int64
	Count        int64
}

// OrderUpdate 私有订单回报。
type OrderUpdate struct {
	OrderID      string
	MarketTicker string
	Side         string
	Action       string // "buy" | "sell"
	Price        int64
	Count        int64
	Status       string
}

// FillUpdate 私有成交回报。
type FillUpdate struct {
	TradeID      string
	OrderID      string
	MarketTicker string
	Side         string
	YesPrice     int64
	NoPrice      int64
	Count        int64
	IsTaker      bool
}

// PositionUpdate 仓位更新。
type PositionUpdate struct {
	MarketTicker   string
	Position       int64
	MarketExposure int64
	RealizedPNL    int64
	TotalTraded    int64
}

// SubscriptionAck 订阅/退订确认。
type SubscriptionAck struct {
	ID      int64
	SID     int64
	Channel string
}

// ServerError 服务端下发的错误消息。
type ServerError struct {
	Code    int64
	Message string
}

// InboundMessage 入站消息的带标签联合。
// Kind 指示哪个变体指针非空；未识别的 type 保留原始标签与 Raw 负载。
type InboundMessage struct {
	Kind        MessageKind
	Type        string // 原始 type 标签
	Seq         int64  // 通道内单调递增，重连后可能出现缺口，由调用方检测
	TimestampMs int64

	Snapshot   *OrderbookSnapshot
	Delta      *OrderbookDelta
	Trade      *Trade
	Order      *OrderUpdate
	Fill       *FillUpdate
	Position   *PositionUpdate
	Ack        *SubscriptionAck
	ServerErr  *ServerError
	Raw        json.RawMessage
	DecodeErr  error // 负载解析失败时记录原因，消息仍按 Unknown 投递
}

// envelope 入站包装：type 判别 + 可选 seq/ts/id/sid，负载可嵌在 msg 里也可内联。
type envelope struct {
	Type string          `json:"type"`
	ID   int64           `json:"id"`
	SID  int64           `json:"sid"`
	Seq  int64           `json:"seq"`
	Ts   int64           `json:"ts"`
	Msg  json.RawMessage `json:"msg"`
}

// DecodeMessage 解码一帧入站消息。永不返回错误：
// 无法识别或解析失败的消息以 Unknown 变体投递，绝不让一条坏消息断掉整条流水线。
func DecodeMessage(raw []byte) InboundMessage {
	msg := InboundMessage{Kind: KindUnknown, Raw: append(json.RawMessage(nil), raw...)}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		msg.DecodeErr = err
		return msg
	}
	msg.Type = env.Type
	msg.Seq = env.Seq
	msg.TimestampMs = env.Ts

	// 两种负载形态兼容：嵌套 msg 对象 或 直接内联在顶层
	payload := []byte(env.Msg)
	if len(payload) == 0 {
		payload = raw
	}

	switch env.Type {
	case TypeOrderbookSnapshot:
		var p struct {
			MarketTicker string     `json:"market_ticker"`
			Yes          [][2]int64 `json:"yes"`
			No           [][2]int64 `json:"no"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		snap := &OrderbookSnapshot{MarketTicker: p.MarketTicker}
		for _, lvl := range p.Yes {
			snap.Yes = append(snap.Yes, PriceLevel{Price: lvl[0], Count: lvl[1]})
		}
		for _, lvl := range p.No {
			snap.No = append(snap.No, PriceLevel{Price: lvl[0], Count: lvl[1]})
		}
		msg.Kind = KindOrderbookSnapshot
		msg.Snapshot = snap

	case TypeOrderbookDelta:
		var p struct {
			MarketTicker string `json:"market_ticker"`
			Price        int64  `json:"price"`
			Delta        int64  `json:"delta"`
			Side         string `json:"side"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		msg.Kind = KindOrderbookDelta
		msg.Delta = &OrderbookDelta{
			MarketTicker: p.MarketTicker,
			Price:        p.Price,
			Delta:        p.Delta,
			Side:         p.Side,
		}

	case TypeTrade:
		var p struct {
			MarketTicker string `json:"market_ticker"`
			Side         string `json:"side"`
			YesPrice     int64  `json:"yes_price"`
			NoPrice      int64  `json:"no_price"`
			Count        int64  `json:"count"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		msg.Kind = KindTrade
		msg.Trade = &Trade{
			MarketTicker: p.MarketTicker,
			Side:         p.Side,
			YesPrice:     p.YesPrice,
			NoPrice:      p.NoPrice,
			Count:        p.Count,
		}

	case TypeOrderUpdate:
		var p struct {
			OrderID      string `json:"order_id"`
			MarketTicker string `json:"market_ticker"`
			Side         string `json:"side"`
			Action       string `json:"action"`
			Price        int64  `json:"price"`
			Count        int64  `json:"count"`
			Status       string `json:"status"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		msg.Kind = KindOrderUpdate
		msg.Order = &OrderUpdate{
			OrderID:      p.OrderID,
			MarketTicker: p.MarketTicker,
			Side:         p.Side,
			Action:       p.Action,
			Price:        p.Price,
			Count:        p.Count,
			Status:       p.Status,
		}

	case TypeFill:
		var p struct {
			TradeID      string `json:"trade_id"`
			OrderID      string `json:"order_id"`
			MarketTicker string `json:"market_ticker"`
			Side         string `json:"side"`
			YesPrice     int64  `json:"yes_price"`
			NoPrice      int64  `json:"no_price"`
			Count        int64  `json:"count"`
			IsTaker      bool   `json:"is_taker"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		msg.Kind = KindFill
		msg.Fill = &FillUpdate{
			TradeID:      p.TradeID,
			OrderID:      p.OrderID,
			MarketTicker: p.MarketTicker,
			Side:         p.Side,
			YesPrice:     p.YesPrice,
			NoPrice:      p.NoPrice,
			Count:        p.Count,
			IsTaker:      p.IsTaker,
		}

	case TypePosition:
		var p struct {
			MarketTicker   string `json:"market_ticker"`
			Position       int64  `json:"position"`
			MarketExposure int64  `json:"market_exposure"`
			RealizedPNL    int64  `json:"realized_pnl"`
			TotalTraded    int64  `json:"total_traded"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		msg.Kind = KindPosition
		msg.Position = &PositionUpdate{
			MarketTicker:   p.MarketTicker,
			Position:       p.Position,
			MarketExposure: p.MarketExposure,
			RealizedPNL:    p.RealizedPNL,
			TotalTraded:    p.TotalTraded,
		}

	case TypeHeartbeat:
		msg.Kind = KindHeartbeat

	case TypeSubscribed, TypeUnsubscribed:
		var p struct {
			Channel string `json:"channel"`
			SID     int64  `json:"sid"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		if env.Type == TypeSubscribed {
			msg.Kind = KindSubscribed
		} else {
			msg.Kind = KindUnsubscribed
		}
		sid := p.SID
		if sid == 0 {
			sid = env.SID
		}
		msg.Ack = &SubscriptionAck{ID: env.ID, SID: sid, Channel: p.Channel}

	case TypeError:
		var p struct {
			Code int64  `json:"code"`
			Msg  string `json:"msg"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			msg.DecodeErr = err
			return msg
		}
		msg.Kind = KindError
		msg.ServerErr = &ServerError{Code: p.Code, Message: p.Msg}

	default:
		// 未识别的 type：保留原始标签与负载，交由上层决定
	}
	return msg
}
