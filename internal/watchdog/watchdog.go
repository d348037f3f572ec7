package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// RestPinger 定义REST心跳能力
type RestPinger interface {
	Ping(ctx context.Context) error
}

// StreamProbe 被监控的流连接需要暴露的探测面
type StreamProbe interface {
	LastMessageAt() time.Time
	ForceReconnect(reason string)
}

// Hooks 上层需要实现的自恢复动作
type Hooks interface {
	EnterSafeMode(reason string)
	ExitSafeMode(reason string)
}

// Config 看门狗配置
type Config struct {
	RestPingInterval      time.Duration
	RestPingTimeout       time.Duration
	RestFailureThreshold  int
	RestRecoveryThreshold int

	StreamCheckInterval     time.Duration
	StreamStaleThreshold    time.Duration
	StreamFailureThreshold  int
	StreamRecoveryThreshold int
}

func (c *Config) normalize() {
	if c.RestPingInterval <= 0 {
		c.RestPingInterval = 15 * time.Second
	}
	if c.RestPingTimeout <= 0 {
		c.RestPingTimeout = 5 * time.Second
	}
	if c.RestFailureThreshold <= 0 {
		c.RestFailureThreshold = 3
	}
	if c.RestRecoveryThreshold <= 0 {
		c.RestRecoveryThreshold = 2
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = 5 * time.Second
	}
	if c.StreamStaleThreshold <= 0 {
		c.StreamStaleThreshold = 60 * time.Second
	}
	if c.StreamFailureThreshold <= 0 {
		c.StreamFailureThreshold = 3
	}
	if c.StreamRecoveryThreshold <= 0 {
		c.StreamRecoveryThreshold = 2
	}
}

// Watchdog 监控REST/流连接状态并触发自恢复
type Watchdog struct {
	cfg    Config
	rest   RestPinger
	stream StreamProbe
	hooks  Hooks

	cancel context.CancelFunc
	wg     sync.WaitGroup

	restFailures   int
	restRecoveries int
	restUnhealthy  bool

	streamFailures   int
	streamRecoveries int
	streamUnhealthy  bool
}

// NewWatchdog 创建看门狗
func NewWatchdog(cfg Config, rest RestPinger, stream StreamProbe, hooks Hooks) *Watchdog {
	cfg.normalize()
	return &Watchdog{
		cfg:    cfg,
		rest:   rest,
		stream: stream,
		hooks:  hooks,
	}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	if w.stream == nil || w.hooks == nil {
		log.Warn().Msg("watchdog 未启用：缺少 stream 或 hooks")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.rest != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.runRestLoop(childCtx)
		}()
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.runStreamLoop(childCtx)
	}()
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
	}
}

func (w *Watchdog) runRestLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.RestPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, w.cfg.RestPingTimeout)
			err := w.rest.Ping(pingCtx)
			cancel()
			if err != nil {
				w.restFailures++
				w.restRecoveries = 0
				log.Error().Err(err).Msg("REST心跳失败")
				if w.restFailures >= w.cfg.RestFailureThreshold && !w.restUnhealthy {
					w.restUnhealthy = true
					log.Error().Msg("REST连续失败，进入安全模式")
					w.hooks.EnterSafeMode("rest_unreachable")
				}
			} else {
				if w.restUnhealthy {
					w.restRecoveries++
					if w.restRecoveries >= w.cfg.RestRecoveryThreshold {
						w.restUnhealthy = false
						log.Info().Msg("REST恢复，退出安全模式")
						w.hooks.ExitSafeMode("rest_recovered")
					}
				}
				w.restFailures = 0
			}
		}
	}
}

func (w *Watchdog) runStreamLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.StreamCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.streamStale() {
				w.streamFailures++
				w.streamRecoveries = 0
				log.Error().
					Dur("stale_threshold", w.cfg.StreamStaleThreshold).
					Msg("流长时间无数据，触发重连")
				w.stream.ForceReconnect("stream_stale")
				if w.streamFailures >= w.cfg.StreamFailureThreshold && !w.streamUnhealthy {
					w.streamUnhealthy = true
					w.hooks.EnterSafeMode("stream_stale")
				}
			} else {
				w.streamFailures = 0
				if w.streamUnhealthy {
					w.streamRecoveries++
					if w.streamRecoveries >= w.cfg.StreamRecoveryThreshold {
						w.streamUnhealthy = false
						log.Info().Msg("流恢复，退出安全模式")
						w.hooks.ExitSafeMode("stream_recovered")
					}
				}
			}
		}
	}
}

func (w *Watchdog) streamStale() bool {
	last := w.stream.LastMessageAt()
	if last.IsZero() {
		// 尚未收到过任何消息，交给连接层自己的握手超时
		return false
	}
	return time.Since(last) > w.cfg.StreamStaleThreshold
}
