package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeProbe struct {
	mu         sync.Mutex
	last       time.Time
	reconnects int
}

func (p *fakeProbe) LastMessageAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *fakeProbe) ForceReconnect(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects++
}

func (p *fakeProbe) reconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

func (p *fakeProbe) touch(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = t
}

type fakeHooks struct {
	mu      sync.Mutex
	entered []string
	exited  []string
}

func (h *fakeHooks) EnterSafeMode(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entered = append(h.entered, reason)
}

func (h *fakeHooks) ExitSafeMode(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.exited = append(h.exited, reason)
}

func (h *fakeHooks) enterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entered)
}

func TestWatchdogForcesReconnectOnStaleStream(t *testing.T) {
	probe := &fakeProbe{}
	probe.touch(time.Now().Add(-time.Minute))
	hooks := &fakeHooks{}

	w := NewWatchdog(Config{
		StreamCheckInterval:    10 * time.Millisecond,
		StreamStaleThreshold:   20 * time.Millisecond,
		StreamFailureThreshold: 2,
	}, nil, probe, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	defer func() {
		cancel()
		w.Stop()
	}()

	deadline := time.Now().Add(time.Second)
	for probe.reconnectCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated reconnect attempts, got %d", probe.reconnectCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if hooks.enterCount() == 0 {
		t.Error("expected safe mode entry after repeated stale checks")
	}
}

func TestWatchdogIgnoresStreamBeforeFirstMessage(t *testing.T) {
	probe := &fakeProbe{} // last 为零值
	hooks := &fakeHooks{}

	w := NewWatchdog(Config{
		StreamCheckInterval:  10 * time.Millisecond,
		StreamStaleThreshold: 10 * time.Millisecond,
	}, nil, probe, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	w.Stop()

	if probe.reconnectCount() != 0 {
		t.Errorf("expected no reconnects before first message, got %d", probe.reconnectCount())
	}
}

func TestWatchdogHealthyStreamStaysQuiet(t *testing.T) {
	probe := &fakeProbe{}
	probe.touch(time.Now())
	hooks := &fakeHooks{}

	w := NewWatchdog(Config{
		StreamCheckInterval:  10 * time.Millisecond,
		StreamStaleThreshold: time.Minute,
	}, nil, probe, hooks)

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()
	w.Stop()

	if probe.reconnectCount() != 0 {
		t.Errorf("expected no reconnects for fresh stream, got %d", probe.reconnectCount())
	}
	if hooks.enterCount() != 0 {
		t.Errorf("expected no safe mode entries, got %d", hooks.enterCount())
	}
}
