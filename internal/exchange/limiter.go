package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// 限流器错误
var (
	ErrLimiterClosed    = errors.New("rate limiter closed")
	ErrLimiterQueueFull = errors.New("rate limiter queue full")
)

// RateLimiter 控制出站请求速率，避免触发交易所限流。
type RateLimiter interface {
	Acquire(ctx context.Context) error
	IsThrottling() bool
}

// TokenBucketLimiter 令牌桶：容量 burst，连续按 rate 补充。
// 等待者按到达顺序由单个派发 goroutine 唤醒，先到先得。
type TokenBucketLimiter struct {
	rate     float64
	burst    float64
	lowWater float64

	mu     sync.Mutex
	tokens float64
	last   time.Time

	// 占用计数显式跟踪：正在被派发的等待者也算队列占用，
	// 不能依赖 channel 缓冲，出队瞬间缓冲就腾出一个空位
	queueDepth int64
	pending    int64

	requests chan *limiterWaiter
	done     chan struct{}
	closeOne sync.Once
}

type limiterWaiter struct {
	ctx   context.Context
	ready chan struct{}
}

const defaultLimiterQueueDepth = 64

// NewTokenBucketLimiter 创建限流器并启动派发循环。
// queueDepth <= 0 时使用默认队列深度。
func NewTokenBucketLimiter(rate float64, burst int, queueDepth int) *TokenBucketLimiter {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	if queueDepth <= 0 {
		queueDepth = defaultLimiterQueueDepth
	}
	l := &TokenBucketLimiter{
		rate:       rate,
		burst:      float64(burst),
		lowWater:   float64(burst) * 0.25,
		tokens:     float64(burst),
		last:       time.Now(),
		queueDepth: int64(queueDepth),
		requests:   make(chan *limiterWaiter, queueDepth),
		done:       make(chan struct{}),
	}
	go l.dispatch()
	return l
}

// Acquire 阻塞直到拿到一个令牌；ctx 取消、队列满或限流器关闭时失败。
func (l *TokenBucketLimiter) Acquire(ctx context.Context) error {
	select {
	case <-l.done:
		return ErrLimiterClosed
	default:
	}
	if atomic.AddInt64(&l.pending, 1) > l.queueDepth {
		atomic.AddInt64(&l.pending, -1)
		return ErrLimiterQueueFull
	}
	// pending 计数保证队内人数不超过缓冲容量，此处不会阻塞
	w := &limiterWaiter{ctx: ctx, ready: make(chan struct{})}
	l.requests <- w
	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLimiterClosed
	}
}

// IsThrottling 报告可用令牌是否低于低水位（默认 25% 容量）。
// 仅作监控信号，不参与放行判定。
func (l *TokenBucketLimiter) IsThrottling() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(time.Now())
	return l.tokens < l.lowWater
}

// Tokens 返回当前可用令牌数，供监控指标使用。
func (l *TokenBucketLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked(time.Now())
	return l.tokens
}

// Close 关闭限流器：所有排队和后续的 Acquire 立即失败。幂等。
func (l *TokenBucketLimiter) Close() {
	l.closeOne.Do(func() { close(l.done) })
}

// dispatch 按 FIFO 逐个放行排队请求。
func (l *TokenBucketLimiter) dispatch() {
	for {
		var w *limiterWaiter
		select {
		case <-l.done:
			return
		case w = <-l.requests:
		}
		// 调用方已放弃则跳过，不消耗令牌
		if w.ctx.Err() != nil {
			atomic.AddInt64(&l.pending, -1)
			continue
		}
		if !l.waitForToken(w.ctx) {
			atomic.AddInt64(&l.pending, -1)
			continue
		}
		// 等令牌期间一直占着队位，放行瞬间才释放
		atomic.AddInt64(&l.pending, -1)
		close(w.ready)
	}
}

// waitForToken 睡到有整令牌可扣为止；返回 false 表示无需放行。
func (l *TokenBucketLimiter) waitForToken(ctx context.Context) bool {
	for {
		l.mu.Lock()
		now := time.Now()
		l.refillLocked(now)
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return true
		}
		sleep := time.Duration((1-l.tokens)/l.rate*float64(time.Second)) + time.Millisecond
		l.mu.Unlock()

		timer := time.NewTimer(sleep)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-l.done:
			timer.Stop()
			return false
		}
	}
}

func (l *TokenBucketLimiter) refillLocked(now time.Time) {
	elapsed := now.Sub(l.last).Seconds()
	if elapsed <= 0 {
		return
	}
	l.last = now
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
}
