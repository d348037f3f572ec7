package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gateway "github.com/newplayman/kalshi-gateway/internal/exchange"
)

var (
	// ErrNotSynced 在收到快照前收到了增量
	ErrNotSynced = errors.New("book not synced, snapshot required")
	// ErrSeqGap 序号不连续，订单簿可能失真
	ErrSeqGap = errors.New("sequence gap detected")
)

// MarketBook 单个市场的订单簿状态
type MarketBook struct {
	Mu sync.RWMutex

	MarketTicker string
	Yes          map[int64]int64 // 价格(分) -> 数量
	No           map[int64]int64

	LastSeq    int64
	LastUpdate time.Time
	Synced     bool // 收到快照后为 true，检测到缺口降回 false
}

// Store 维护全部市场的订单簿，消费流消息驱动更新
type Store struct {
	mu      sync.RWMutex
	markets map[string]*MarketBook
}

// NewStore 创建空的订单簿存储
func NewStore() *Store {
	return &Store{markets: make(map[string]*MarketBook)}
}

// Apply 按消息类型更新订单簿。
// 快照整体替换；增量要求已同步且序号连续，否则标记失同步并返回错误，
// 由调用方决定重新订阅或拉取 REST 快照。
func (s *Store) Apply(msg gateway.InboundMessage) error {
	switch msg.Kind {
	case gateway.KindOrderbookSnapshot:
		s.applySnapshot(msg)
		return nil
	case gateway.KindOrderbookDelta:
		return s.applyDelta(msg)
	default:
		return nil
	}
}

func (s *Store) applySnapshot(msg gateway.InboundMessage) {
	snap := msg.Snapshot
	b := s.getOrCreate(snap.MarketTicker)

	yes := make(map[int64]int64, len(snap.Yes))
	for _, lvl := range snap.Yes {
		yes[lvl.Price] = lvl.Count
	}
	no := make(map[int64]int64, len(snap.No))
	for _, lvl := range snap.No {
		no[lvl.Price] = lvl.Count
	}

	b.Mu.Lock()
	b.Yes = yes
	b.No = no
	b.LastSeq = msg.Seq
	b.LastUpdate = time.Now()
	b.Synced = true
	b.Mu.Unlock()
}

func (s *Store) applyDelta(msg gateway.InboundMessage) error {
	delta := msg.Delta
	b := s.getOrCreate(delta.MarketTicker)

	b.Mu.Lock()
	defer b.Mu.Unlock()

	if !b.Synced {
		return fmt.Errorf("%s: %w", delta.MarketTicker, ErrNotSynced)
	}
	if msg.Seq != 0 && b.LastSeq != 0 && msg.Seq != b.LastSeq+1 {
		b.Synced = false
		return fmt.Errorf("%s: seq %d after %d: %w", delta.MarketTicker, msg.Seq, b.LastSeq, ErrSeqGap)
	}

	side := b.Yes
	if delta.Side == "no" {
		side = b.No
	}
	next := side[delta.Price] + delta.Delta
	if next <= 0 {
		delete(side, delta.Price)
	} else {
		side[delta.Price] = next
	}

	if msg.Seq != 0 {
		b.LastSeq = msg.Seq
	}
	b.LastUpdate = time.Now()
	return nil
}

func (s *Store) getOrCreate(ticker string) *MarketBook {
	s.mu.RLock()
	b, ok := s.markets[ticker]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.markets[ticker]; ok {
		return b
	}
	b = &MarketBook{
		MarketTicker: ticker,
		Yes:          make(map[int64]int64),
		No:           make(map[int64]int64),
	}
	s.markets[ticker] = b
	return b
}

// Get 返回指定市场的订单簿，不存在时为 nil
func (s *Store) Get(ticker string) *MarketBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markets[ticker]
}

// Tickers 返回当前跟踪的全部市场
func (s *Store) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.markets))
	for t := range s.markets {
		out = append(out, t)
	}
	return out
}

// BestYes 返回 yes 侧最优买价与数量
func (s *Store) BestYes(ticker string) (price, count int64, ok bool) {
	b := s.Get(ticker)
	if b == nil {
		return 0, 0, false
	}
	b.Mu.RLock()
	defer b.Mu.RUnlock()
	return bestBid(b.Yes)
}

// BestNo 返回 no 侧最优买价与数量
func (s *Store) BestNo(ticker string) (price, count int64, ok bool) {
	b := s.Get(ticker)
	if b == nil {
		return 0, 0, false
	}
	b.Mu.RLock()
	defer b.Mu.RUnlock()
	return bestBid(b.No)
}

// bestBid 买方出价最高的档位
func bestBid(side map[int64]int64) (price, count int64, ok bool) {
	for p, c := range side {
		if !ok || p > price {
			price, count, ok = p, c, true
		}
	}
	return price, count, ok
}
