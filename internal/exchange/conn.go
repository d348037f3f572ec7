package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ConnState 连接状态机。
// Disconnected → Connecting → Connected → Authenticated → Subscribed，
// 任意状态出错或关闭后回到 Disconnected。
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateSubscribed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	default:
		return "unknown"
	}
}

// StateChange 状态变更通知，Err 为触发变更的错误（可为 nil）。
type StateChange struct {
	From ConnState
	To   ConnState
	Err  error
}

// StateError 表示操作在非法连接状态下被调用。
type StateError struct {
	Op    string
	State ConnState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: invalid connection state %s", e.Op, e.State)
}

// ConnConfig 单条 WS 连接的超时参数。
type ConnConfig struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 每帧读超时，pong 与入站消息都会刷新
	WriteTimeout     time.Duration
}

// DefaultConnConfig 默认超时配置。
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     10 * time.Second,
	}
}

// Conn 持有一条底层 socket 并维护状态机。
// 状态只能通过生命周期操作变更；socket 读只发生在接收循环，
// 写只经过上层的单一发送路径，二者互不并发。
type Conn struct {
	cfg ConnConfig

	mu    sync.Mutex
	state ConnState
	ws    *websocket.Conn

	obsMu     sync.Mutex
	observers []chan StateChange
}

// NewConn 创建处于 Disconnected 状态的连接。
func NewConn(cfg ConnConfig) *Conn {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Conn{cfg: cfg}
}

// State 返回当前状态。
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges 注册一个状态变更观察者。
// 每个观察者独立消费；缓冲写满时丢弃该观察者的通知，不阻塞状态机。
func (c *Conn) StateChanges() <-chan StateChange {
	ch := make(chan StateChange, 16)
	c.obsMu.Lock()
	c.observers = append(c.observers, ch)
	c.obsMu.Unlock()
	return ch
}

// Connect 拨号并进入 Connected；仅允许从 Disconnected 发起。
func (c *Conn) Connect(ctx context.Context, url string, header http.Header) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		state := c.state
		c.mu.Unlock()
		return &StateError{Op: "connect", State: state}
	}
	c.transitionLocked(StateConnecting, nil)
	c.mu.Unlock()

	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		dialErr := fmt.Errorf("ws dial %s: %w", url, err)
		c.mu.Lock()
		c.transitionLocked(StateDisconnected, dialErr)
		c.mu.Unlock()
		return dialErr
	}

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.ws = ws
	c.transitionLocked(StateConnected, nil)
	c.mu.Unlock()
	return nil
}

// MarkAuthenticated 认证完成；仅允许从 Connected 进入。
func (c *Conn) MarkAuthenticated() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return &StateError{Op: "mark authenticated", State: c.state}
	}
	c.transitionLocked(StateAuthenticated, nil)
	return nil
}

// MarkSubscribed 订阅生效；仅允许从 Authenticated 进入。
// 防止调用方在认证完成前抢跑 subscribe。
func (c *Conn) MarkSubscribed() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateAuthenticated {
		return &StateError{Op: "mark subscribed", State: c.state}
	}
	c.transitionLocked(StateSubscribed, nil)
	return nil
}

// Send 写一帧文本消息。
func (c *Conn) Send(payload []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return &StateError{Op: "send", State: c.State()}
	}
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// Ping 发送心跳帧。
func (c *Conn) Ping() error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return &StateError{Op: "ping", State: c.State()}
	}
	return ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
}

// Receive 读一帧；每次读取刷新读超时。
func (c *Conn) Receive() ([]byte, error) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil, &StateError{Op: "receive", State: c.State()}
	}
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	_, message, err := ws.ReadMessage()
	return message, err
}

// Close 发送关闭帧后关闭 socket，进入 Disconnected。
// 清理过程中的错误一律吞掉。
func (c *Conn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
		c.ws = nil
	}
	if c.state != StateDisconnected {
		c.transitionLocked(StateDisconnected, nil)
	}
}

// Reset 无条件丢弃 socket 并强制回到 Disconnected，用于不可恢复的 I/O 错误之后。
func (c *Conn) Reset(cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	if c.state != StateDisconnected {
		c.transitionLocked(StateDisconnected, cause)
	}
}

// transitionLocked 变更状态并广播。调用方必须持有 c.mu。
func (c *Conn) transitionLocked(to ConnState, err error) {
	from := c.state
	c.state = to
	change := StateChange{From: from, To: to, Err: err}
	c.obsMu.Lock()
	for _, ch := range c.observers {
		select {
		case ch <- change:
		default:
		}
	}
	c.obsMu.Unlock()
}
