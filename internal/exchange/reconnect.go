package gateway

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// ReconnectPolicy 把尝试次数映射为重连延迟（纯函数，状态由调用方持有）。
// attempt 从 1 开始；返回 false 表示放弃重试。
type ReconnectPolicy interface {
	NextDelay(attempt int) (time.Duration, bool)
	Reset()
}

// ExponentialBackoff 指数退避 + ±10% 抖动。
// MaxAttempts == 0 表示不设上限。
type ExponentialBackoff struct {
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
	MaxAttempts int

	mu  sync.Mutex
	rnd *rand.Rand
}

// DefaultBackoff 返回默认重连策略：1s 起步、2 倍增长、30s 封顶、无限次。
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Initial:    time.Second,
		Max:        30 * time.Second,
		Multiplier: 2.0,
	}
}

// NextDelay 计算第 attempt 次重连的延迟。
func (b *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if attempt < 1 {
		attempt = 1
	}
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	initial := b.Initial
	if initial <= 0 {
		initial = time.Second
	}
	multiplier := b.Multiplier
	if multiplier <= 1 {
		multiplier = 2.0
	}
	max := b.Max
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := float64(initial) * math.Pow(multiplier, float64(attempt-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	// ±10% 乘性抖动，避免集群同刻重连
	delay *= 0.9 + 0.2*b.random()
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay), true
}

// Reset 为带状态的实现预留的钩子；指数退避本身无状态。
func (b *ExponentialBackoff) Reset() {}

func (b *ExponentialBackoff) random() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rnd == nil {
		b.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return b.rnd.Float64()
}
