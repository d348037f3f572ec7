package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterBurstIsInstant(t *testing.T) {
	l := NewTokenBucketLimiter(10, 5, 16)
	defer l.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst acquires took %v, expected near-instant", elapsed)
	}
}

func TestLimiterBlocksWhenEmpty(t *testing.T) {
	// rate=20/s：桶空后下一个令牌约 50ms
	l := NewTokenBucketLimiter(20, 1, 16)
	defer l.Close()

	ctx := context.Background()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	start := time.Now()
	if err := l.Acquire(ctx); err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second acquire returned after %v, expected ~50ms wait", elapsed)
	}
}

func TestLimiterThrottlingLowWater(t *testing.T) {
	l := NewTokenBucketLimiter(0.1, 8, 16)
	defer l.Close()

	if l.IsThrottling() {
		t.Error("full bucket should not report throttling")
	}

	// 低水位为 25%：8 个令牌扣到剩 1 个
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("Acquire %d failed: %v", i, err)
		}
	}
	if !l.IsThrottling() {
		t.Errorf("expected throttling below low water, tokens=%.2f", l.Tokens())
	}
}

func TestLimiterContextCancel(t *testing.T) {
	l := NewTokenBucketLimiter(0.5, 1, 16)
	defer l.Close()

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestLimiterQueueFull(t *testing.T) {
	// 队列深度 1，第一个等待者占满队列
	l := NewTokenBucketLimiter(0.01, 1, 1)
	defer l.Close()

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	blocked := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		blocked <- l.Acquire(ctx)
	}()
	time.Sleep(20 * time.Millisecond) // 等它进入队列

	err := l.Acquire(context.Background())
	if !errors.Is(err, ErrLimiterQueueFull) {
		t.Errorf("expected ErrLimiterQueueFull, got %v", err)
	}

	if err := <-blocked; !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("queued waiter: expected DeadlineExceeded, got %v", err)
	}
	time.Sleep(20 * time.Millisecond) // 等派发循环跳过超时等待者

	// 超时的等待者让出队位后应能重新入队
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); errors.Is(err, ErrLimiterQueueFull) {
		t.Error("queue slot not released after waiter gave up")
	}
}

func TestLimiterClose(t *testing.T) {
	l := NewTokenBucketLimiter(0.01, 1, 16)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}

	waiting := make(chan error, 1)
	go func() {
		waiting <- l.Acquire(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)

	l.Close()
	l.Close() // 幂等

	select {
	case err := <-waiting:
		if !errors.Is(err, ErrLimiterClosed) {
			t.Errorf("expected ErrLimiterClosed for queued waiter, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("queued waiter did not return after Close")
	}

	if err := l.Acquire(context.Background()); !errors.Is(err, ErrLimiterClosed) {
		t.Errorf("expected ErrLimiterClosed after Close, got %v", err)
	}
}

func TestLimiterFIFOOrder(t *testing.T) {
	l := NewTokenBucketLimiter(50, 1, 16)
	defer l.Close()

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("drain Acquire failed: %v", err)
	}

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if err := l.Acquire(context.Background()); err == nil {
				order <- i
			}
		}()
		time.Sleep(10 * time.Millisecond) // 固定入队顺序
	}

	for want := 0; want < 3; want++ {
		select {
		case got := <-order:
			if got != want {
				t.Errorf("waiter %d released before %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("waiter %d never released", want)
		}
	}
}
