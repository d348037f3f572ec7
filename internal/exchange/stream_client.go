package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/kalshi-gateway/internal/metrics"
)

// AuthMode WS 握手认证方式。上游同时存在两种约定，按配置选择。
type AuthMode int

const (
	// AuthModeHeaders 在升级请求上附加 ACCESS-* 签名头。
	AuthModeHeaders AuthMode = iota
	// AuthModeLogin socket 打开后立即发送 login 帧。
	AuthModeLogin
)

// ErrClientClosed 客户端已销毁。
var ErrClientClosed = errors.New("stream client closed")

// StreamConfig 归流客户端配置。
type StreamConfig struct {
	Endpoint       string
	AuthMode       AuthMode
	Signer         Signer // AuthModeHeaders 必填；AuthModeLogin 用它的 KeyID
	APIKeyID       string // AuthModeLogin 可直接指定
	AutoReconnect  bool
	Policy         ReconnectPolicy
	Conn           ConnConfig
	PingInterval   time.Duration
	DisconnectWait time.Duration // 等待接收循环退出的上限
}

// wsCommand 出站订阅命令。
type wsCommand struct {
	ID     int64     `json:"id"`
	Cmd    string    `json:"cmd"`
	Params cmdParams `json:"params"`
}

type cmdParams struct {
	Channels      []string `json:"channels"`
	MarketTickers []string `json:"market_tickers"`
}

// loginCommand 显式登录帧（AuthModeLogin）。
type loginCommand struct {
	Cmd    string      `json:"cmd"`
	Params loginParams `json:"params"`
}

type loginParams struct {
	APIKey string `json:"api_key"`
}

// StreamClient 编排一条持久 WS 连接：
// 连接、认证、订阅、接收分发，以及断线后的重连与订阅回放。
// 所有公开方法都可与接收循环并发调用。
type StreamClient struct {
	cfg      StreamConfig
	conn     *Conn
	registry *SubscriptionRegistry
	policy   ReconnectPolicy
	queue    *messageQueue

	sendMu sync.Mutex // socket 同一时刻只允许一个写者
	cmdID  int64

	lastMsgNano int64 // 最近一帧到达时刻 (unix nano)，0 表示尚未收到

	mu       sync.Mutex
	running  bool
	disposed bool
	attempts int // 连续失败计数，连接成功即清零
	stop     chan struct{}
	loopDone chan struct{}
}

// NewStreamClient 创建归流客户端。
func NewStreamClient(cfg StreamConfig) (*StreamClient, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = KalshiWSEndpoint
	}
	switch cfg.AuthMode {
	case AuthModeHeaders:
		if cfg.Signer == nil {
			return nil, fmt.Errorf("header auth requires a signer")
		}
	case AuthModeLogin:
		if cfg.APIKeyID == "" && cfg.Signer == nil {
			return nil, fmt.Errorf("login auth requires an api key id")
		}
	default:
		return nil, fmt.Errorf("unknown auth mode %d", cfg.AuthMode)
	}
	if cfg.Policy == nil {
		cfg.Policy = DefaultBackoff()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 10 * time.Second
	}
	if cfg.DisconnectWait <= 0 {
		cfg.DisconnectWait = 5 * time.Second
	}
	return &StreamClient{
		cfg:      cfg,
		conn:     NewConn(cfg.Conn),
		registry: NewSubscriptionRegistry(),
		policy:   cfg.Policy,
		queue:    newMessageQueue(),
	}, nil
}

// State 当前连接状态。
func (c *StreamClient) State() ConnState { return c.conn.State() }

// StateChanges 注册状态变更观察者，可多个监听者独立消费。
func (c *StreamClient) StateChanges() <-chan StateChange { return c.conn.StateChanges() }

// Messages 返回入站消息流。无界缓冲，迟缓的消费者不会阻塞接收循环；
// 不为晚到的消费者补发历史。客户端断开后通道关闭。
func (c *StreamClient) Messages() <-chan InboundMessage { return c.queue.out }

// LastMessageAt 最近一帧到达时刻；从未收到过消息时为零值。
func (c *StreamClient) LastMessageAt() time.Time {
	nano := atomic.LoadInt64(&c.lastMsgNano)
	if nano == 0 {
		return time.Time{}
	}
	return time.Unix(0, nano)
}

// ForceReconnect 强制断开底层连接，由后台循环按策略重连。
// 看门狗判定流失活时调用。
func (c *StreamClient) ForceReconnect(reason string) {
	log.Warn().Str("reason", reason).Msg("forcing stream reconnect")
	c.conn.Reset(fmt.Errorf("forced reconnect: %s", reason))
}

// Connect 建立连接并认证；仅在 Disconnected 状态下允许发起。
// 成功后启动唯一一条后台接收循环。
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.running || c.conn.State() != StateDisconnected {
		state := c.conn.State()
		c.mu.Unlock()
		return &StateError{Op: "connect", State: state}
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.attempts = 0
	c.running = true
	c.stop = make(chan struct{})
	c.loopDone = make(chan struct{})
	c.mu.Unlock()
	c.policy.Reset()

	go c.run()
	log.Info().Str("endpoint", c.cfg.Endpoint).Msg("stream connected")
	return nil
}

// dial 拨号 + 认证，结束时连接处于 Authenticated。
func (c *StreamClient) dial(ctx context.Context) error {
	header, err := c.handshakeHeader()
	if err != nil {
		return err
	}
	if err := c.conn.Connect(ctx, c.cfg.Endpoint, header); err != nil {
		return err
	}
	if c.cfg.AuthMode == AuthModeLogin {
		if err := c.sendLogin(); err != nil {
			c.conn.Reset(err)
			return err
		}
	}
	if err := c.conn.MarkAuthenticated(); err != nil {
		c.conn.Reset(err)
		return err
	}
	return nil
}

// handshakeHeader 头签名模式下为升级请求计算 ACCESS-* 头。
func (c *StreamClient) handshakeHeader() (http.Header, error) {
	if c.cfg.AuthMode != AuthModeHeaders {
		return nil, nil
	}
	u, err := url.Parse(c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse ws endpoint: %w", err)
	}
	h, err := AuthHeaders(c.cfg.Signer, "GET", u.Path, "")
	if err != nil {
		return nil, fmt.Errorf("sign ws handshake: %w", err)
	}
	return h, nil
}

// sendLogin socket 打开后立即发送登录帧。
func (c *StreamClient) sendLogin() error {
	keyID := c.cfg.APIKeyID
	if keyID == "" {
		keyID = c.cfg.Signer.KeyID()
	}
	payload, err := json.Marshal(loginCommand{
		Cmd:    "login",
		Params: loginParams{APIKey: keyID},
	})
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(payload)
}

// Subscribe 订阅一个通道；要求已认证。
// 先发命令后改注册表，发送失败不会留下幽灵订阅。
func (c *StreamClient) Subscribe(ctx context.Context, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sendCommand("subscribe", sub); err != nil {
		return err
	}
	c.registry.Add(sub)
	if c.conn.State() == StateAuthenticated {
		// 竞态下可能已是 Subscribed，忽略即可
		_ = c.conn.MarkSubscribed()
	}
	metrics.SetSubscriptionCount(c.registry.Len())
	log.Debug().Str("channel", sub.Channel).Strs("tickers", sub.MarketTickers).Msg("subscribed")
	return nil
}

// Unsubscribe 退订；同样先发命令后改注册表。
func (c *StreamClient) Unsubscribe(ctx context.Context, sub Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.sendCommand("unsubscribe", sub); err != nil {
		return err
	}
	c.registry.Remove(sub)
	metrics.SetSubscriptionCount(c.registry.Len())
	return nil
}

// sendCommand 订阅命令统一出口：校验状态、编号、串行写。
func (c *StreamClient) sendCommand(cmd string, sub Subscription) error {
	state := c.conn.State()
	if state != StateAuthenticated && state != StateSubscribed {
		return &StateError{Op: cmd, State: state}
	}
	payload, err := json.Marshal(wsCommand{
		ID:  atomic.AddInt64(&c.cmdID, 1),
		Cmd: cmd,
		Params: cmdParams{
			Channels:      []string{sub.Channel},
			MarketTickers: sub.MarketTickers,
		},
	})
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.conn.Send(payload)
}

// run 后台主循环：接收 → 断线处理 → 重连，直到停止或放弃。
func (c *StreamClient) run() {
	defer func() {
		c.mu.Lock()
		done := c.loopDone
		// 循环自行退出（重连关闭或策略放弃）时归还 running，
		// 后续手动 Connect 才能重新接入
		if !c.disposed {
			c.running = false
			c.stop = nil
			c.loopDone = nil
		}
		c.mu.Unlock()
		close(done)
	}()
	for {
		err := c.receiveLoop()
		if c.stopped() {
			return
		}
		log.Warn().Err(err).Msg("stream read failed, resetting connection")
		c.conn.Reset(err)
		if !c.cfg.AutoReconnect {
			return
		}
		if !c.reconnect() {
			return
		}
	}
}

// receiveLoop 逐帧读取、解码、入队，直到读失败或客户端停止。
func (c *StreamClient) receiveLoop() error {
	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.pingLoop(stopPing)

	for {
		frame, err := c.conn.Receive()
		if err != nil {
			return err
		}
		atomic.StoreInt64(&c.lastMsgNano, time.Now().UnixNano())
		msg := DecodeMessage(frame)
		if msg.Kind == KindUnknown {
			if msg.DecodeErr != nil {
				metrics.RecordDecodeError()
				log.Warn().Err(msg.DecodeErr).Str("type", msg.Type).Msg("inbound message decode failed")
			} else {
				log.Debug().Str("type", msg.Type).Msg("unrecognized inbound message type")
			}
		}
		metrics.RecordWSMessage(msg.Kind.String(), len(frame))
		c.queue.push(msg)
	}
}

// pingLoop 连接存续期间定期发心跳帧。
func (c *StreamClient) pingLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.conn.Ping(); err != nil {
				return
			}
		}
	}
}

// reconnect 显式重连循环：计数、询问策略、等待、重拨、回放订阅。
// 策略给出放弃信号或客户端停止时返回 false。
func (c *StreamClient) reconnect() bool {
	for {
		c.mu.Lock()
		c.attempts++
		attempt := c.attempts
		c.mu.Unlock()

		delay, ok := c.policy.NextDelay(attempt)
		if !ok {
			log.Error().Int("attempts", attempt).Msg("reconnect attempts exhausted, giving up")
			return false
		}
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")

		select {
		case <-c.stop:
			return false
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Conn.HandshakeTimeout+c.cfg.Conn.WriteTimeout)
		err := c.dial(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect dial failed")
			continue
		}
		if err := c.resubscribe(); err != nil {
			log.Warn().Err(err).Msg("resubscribe after reconnect failed")
			c.conn.Reset(err)
			continue
		}

		c.mu.Lock()
		c.attempts = 0
		c.mu.Unlock()
		c.policy.Reset()
		metrics.RecordReconnect()
		log.Info().Int("subscriptions", c.registry.Len()).Msg("reconnected and resubscribed")
		return true
	}
}

// resubscribe 回放注册表里的每一条订阅，每条恰好一次。
func (c *StreamClient) resubscribe() error {
	for _, sub := range c.registry.Snapshot() {
		if err := c.sendCommand("subscribe", sub); err != nil {
			return fmt.Errorf("replay %s: %w", sub.Key(), err)
		}
		if c.conn.State() == StateAuthenticated {
			_ = c.conn.MarkSubscribed()
		}
		metrics.RecordResubscribe()
	}
	return nil
}

// Disconnect 销毁客户端：停用自动重连 → 取消接收循环 →
// 限时等待退出 → 关闭 socket → 清空注册表。幂等，清理错误一律吞掉。
func (c *StreamClient) Disconnect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	running := c.running
	c.running = false
	stop := c.stop
	loopDone := c.loopDone
	c.mu.Unlock()

	if running {
		close(stop)
		c.conn.Close(websocket.CloseNormalClosure, "client disconnect")
		select {
		case <-loopDone:
		case <-time.After(c.cfg.DisconnectWait):
			log.Warn().Dur("wait", c.cfg.DisconnectWait).Msg("receive loop did not exit in time, continuing shutdown")
		}
	} else {
		c.conn.Close(websocket.CloseNormalClosure, "client disconnect")
	}

	c.registry.Clear()
	metrics.SetSubscriptionCount(0)
	c.queue.close()
	log.Info().Msg("stream client disconnected")
}

func (c *StreamClient) stopped() bool {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return true
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// messageQueue 无界消息队列：接收循环的 push 永不阻塞，
// 消费端通过 out 通道惰性拉取。
type messageQueue struct {
	mu     sync.Mutex
	buf    []InboundMessage
	wake   chan struct{}
	done   chan struct{}
	closed bool
	out    chan InboundMessage
}

func newMessageQueue() *messageQueue {
	q := &messageQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan InboundMessage),
	}
	go q.pump()
	return q
}

func (q *messageQueue) push(m InboundMessage) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, m)
	depth := len(q.buf)
	q.mu.Unlock()
	metrics.SetMessageQueueLength(depth)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *messageQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *messageQueue) pump() {
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(q.out)
				return
			}
			select {
			case <-q.wake:
			case <-q.done:
			}
			continue
		}
		m := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		select {
		case q.out <- m:
		case <-q.done:
			// 客户端已断开，未消费的缓冲直接丢弃
			close(q.out)
			return
		}
	}
}
