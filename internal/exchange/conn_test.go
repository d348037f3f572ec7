package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newEchoServer 起一个回显 WS 服务端，返回 ws:// 地址。
func newEchoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			mt, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnLifecycle(t *testing.T) {
	url := newEchoServer(t)
	c := NewConn(DefaultConnConfig())

	if c.State() != StateDisconnected {
		t.Fatalf("initial state = %v, want disconnected", c.State())
	}

	if err := c.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state after connect = %v, want connected", c.State())
	}

	// 重复连接被拒绝
	err := c.Connect(context.Background(), url, nil)
	if _, ok := err.(*StateError); !ok {
		t.Errorf("double connect: expected StateError, got %v", err)
	}

	if err := c.MarkAuthenticated(); err != nil {
		t.Fatalf("MarkAuthenticated failed: %v", err)
	}
	if err := c.MarkSubscribed(); err != nil {
		t.Fatalf("MarkSubscribed failed: %v", err)
	}
	if c.State() != StateSubscribed {
		t.Fatalf("state = %v, want subscribed", c.State())
	}

	c.Close(websocket.CloseNormalClosure, "done")
	if c.State() != StateDisconnected {
		t.Fatalf("state after close = %v, want disconnected", c.State())
	}
}

func TestConnMarkTransitionsRequireOrder(t *testing.T) {
	c := NewConn(DefaultConnConfig())

	// Disconnected 状态下认证/订阅都非法
	if err := c.MarkAuthenticated(); err == nil {
		t.Error("MarkAuthenticated from disconnected should fail")
	}
	if err := c.MarkSubscribed(); err == nil {
		t.Error("MarkSubscribed from disconnected should fail")
	}

	url := newEchoServer(t)
	if err := c.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close(websocket.CloseNormalClosure, "")

	// 跳过认证直接订阅非法
	if err := c.MarkSubscribed(); err == nil {
		t.Error("MarkSubscribed from connected should fail")
	}
}

func TestConnSendReceive(t *testing.T) {
	url := newEchoServer(t)
	c := NewConn(DefaultConnConfig())
	if err := c.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer c.Close(websocket.CloseNormalClosure, "")

	if err := c.Send([]byte(`{"cmd":"ping"}`)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	frame, err := c.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(frame) != `{"cmd":"ping"}` {
		t.Errorf("echo mismatch: %s", frame)
	}

	if err := c.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestConnSendWithoutSocket(t *testing.T) {
	c := NewConn(DefaultConnConfig())
	if err := c.Send([]byte("x")); err == nil {
		t.Error("Send without socket should fail")
	}
	if _, err := c.Receive(); err == nil {
		t.Error("Receive without socket should fail")
	}
	if err := c.Ping(); err == nil {
		t.Error("Ping without socket should fail")
	}
}

func TestConnObserversSeeTransitions(t *testing.T) {
	url := newEchoServer(t)
	c := NewConn(DefaultConnConfig())
	changes := c.StateChanges()

	if err := c.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	_ = c.MarkAuthenticated()
	c.Close(websocket.CloseNormalClosure, "")

	want := []ConnState{StateConnecting, StateConnected, StateAuthenticated, StateDisconnected}
	for _, expected := range want {
		select {
		case chg := <-changes:
			if chg.To != expected {
				t.Errorf("transition to %v, want %v", chg.To, expected)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing transition to %v", expected)
		}
	}
}

func TestConnResetCarriesCause(t *testing.T) {
	url := newEchoServer(t)
	c := NewConn(DefaultConnConfig())
	if err := c.Connect(context.Background(), url, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	changes := c.StateChanges()

	cause := &StateError{Op: "test", State: StateConnected}
	c.Reset(cause)

	select {
	case chg := <-changes:
		if chg.To != StateDisconnected {
			t.Errorf("reset transitioned to %v", chg.To)
		}
		if chg.Err != cause {
			t.Errorf("expected cause to propagate, got %v", chg.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("no transition observed after Reset")
	}
}

func TestConnDialTimeout(t *testing.T) {
	c := NewConn(ConnConfig{HandshakeTimeout: 50 * time.Millisecond})
	// 不可达地址：RFC 5737 测试网段
	err := c.Connect(context.Background(), "ws://192.0.2.1:9/ws", nil)
	if err == nil {
		t.Fatal("expected dial failure")
	}
	if c.State() != StateDisconnected {
		t.Errorf("state after failed dial = %v, want disconnected", c.State())
	}
}
