package gateway

import (
	"sort"
	"strings"
	"sync"
)

// 订阅通道名
const (
	ChannelOrderbookDelta = "orderbook_delta"
	ChannelTicker         = "ticker"
	ChannelTrade          = "trade"
	ChannelFill           = "fill"
	ChannelOrder          = "order"
	ChannelPosition       = "market_positions"
)

// Subscription 一条订阅意图：通道 + 有序去重的 ticker 集合。
// 值对象，创建后不可变；改字段需要构造新值。
type Subscription struct {
	Channel       string
	MarketTickers []string
}

// NewSubscription 构造订阅，复制并排序去重 ticker 列表。
func NewSubscription(channel string, tickers []string) Subscription {
	out := make([]string, 0, len(tickers))
	seen := make(map[string]struct{}, len(tickers))
	for _, t := range tickers {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return Subscription{Channel: channel, MarketTickers: out}
}

// Key 按通道 + ticker 集合的全等判定唯一性。
func (s Subscription) Key() string {
	return s.Channel + "|" + strings.Join(s.MarketTickers, ",")
}

// SubscriptionRegistry 当前期望的订阅集合。
// 归流客户端持有而非连接持有，因此能跨越重连存活；
// 单把互斥锁允许 subscribe/unsubscribe 与重连回放并发调用。
type SubscriptionRegistry struct {
	mu   sync.Mutex
	subs map[string]Subscription
}

// NewSubscriptionRegistry 创建空注册表。
func NewSubscriptionRegistry() *SubscriptionRegistry {
	return &SubscriptionRegistry{subs: make(map[string]Subscription)}
}

// Add 幂等加入；重复加入同一订阅无副作用。
func (r *SubscriptionRegistry) Add(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.Key()] = sub
}

// Remove 幂等移除。
func (r *SubscriptionRegistry) Remove(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, sub.Key())
}

// Snapshot 返回时间点副本，供重连回放使用，避免跨网络调用持锁。
func (r *SubscriptionRegistry) Snapshot() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// Len 当前订阅数。
func (r *SubscriptionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Clear 清空全部订阅，客户端销毁时调用。
func (r *SubscriptionRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs = make(map[string]Subscription)
}
