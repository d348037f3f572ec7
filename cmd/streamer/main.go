package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/newplayman/kalshi-gateway/internal/book"
	"github.com/newplayman/kalshi-gateway/internal/config"
	gateway "github.com/newplayman/kalshi-gateway/internal/exchange"
	"github.com/newplayman/kalshi-gateway/internal/metrics"
	"github.com/newplayman/kalshi-gateway/internal/watchdog"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，覆盖配置文件")
)

func main() {
	flag.Parse()

	// 单实例锁，防止多进程启动
	lockFile := "/tmp/kalshi_streamer.lock"
	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	err = syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		log.Fatal().Msg("已有一个streamer进程在运行")
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		os.Remove(lockFile)
	}()

	log.Info().Msg("Kalshi行情网关启动中...")

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	level := cfg.Global.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	setupLogger(level)

	log.Info().
		Int("subscriptions", len(cfg.Subscriptions)).
		Bool("demo", cfg.Global.Demo).
		Msg("配置加载成功")

	// 构建签名器：优先RSA私钥，否则HMAC共享密钥
	signer, err := buildSigner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("构建签名器失败")
	}

	// 限流器
	limiter := gateway.NewTokenBucketLimiter(cfg.Global.RateLimit, cfg.Global.RateBurst, cfg.Global.QueueDepth)
	defer limiter.Close()

	// REST客户端
	restEndpoint := cfg.Global.RestEndpoint
	if restEndpoint == "" {
		restEndpoint = gateway.KalshiRestEndpoint
		if cfg.Global.Demo {
			restEndpoint = gateway.KalshiDemoRestEndpoint
		}
	}
	rest := gateway.NewKalshiRESTClient(restEndpoint, signer, limiter)

	// 流客户端
	wsEndpoint := cfg.Global.WSEndpoint
	if wsEndpoint == "" {
		wsEndpoint = gateway.KalshiWSEndpoint
		if cfg.Global.Demo {
			wsEndpoint = gateway.KalshiDemoWSEndpoint
		}
	}
	client, err := gateway.NewStreamClient(gateway.StreamConfig{
		Endpoint:      wsEndpoint,
		AuthMode:      gateway.AuthModeHeaders,
		Signer:        signer,
		AutoReconnect: cfg.Global.AutoReconnect,
		PingInterval:  cfg.GetPingInterval(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("创建流客户端失败")
	}

	// 启动Prometheus监控
	if cfg.Global.MetricsPort >= 0 {
		if _, err := metrics.StartMetricsServer(cfg.Global.MetricsPort); err != nil {
			log.Error().Err(err).Msg("启动监控服务器失败")
		}
	}

	// 限流指标采样
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			metrics.UpdateLimiterMetrics(limiter.Tokens(), limiter.IsThrottling())
		}
	}()

	// 状态变更观察：喂给指标
	go func() {
		for chg := range client.StateChanges() {
			metrics.SetConnectionState(int(chg.To))
			log.Info().
				Str("from", chg.From.String()).
				Str("to", chg.To.String()).
				Msg("连接状态变更")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("连接失败")
	}

	// 按配置建立订阅
	for _, sub := range cfg.Subscriptions {
		s := gateway.NewSubscription(sub.Channel, sub.MarketTickers)
		if err := client.Subscribe(ctx, s); err != nil {
			log.Fatal().Err(err).Str("channel", sub.Channel).Msg("订阅失败")
		}
	}

	// 流失活看门狗
	wd := watchdog.NewWatchdog(watchdog.Config{
		StreamStaleThreshold: cfg.GetStaleTimeout(),
	}, rest, client, &safeModeHooks{})
	wd.Start(ctx)
	defer wd.Stop()

	// 消费入站消息，维护本地订单簿
	books := book.NewStore()
	go consumeMessages(client, books)

	log.Info().Str("endpoint", wsEndpoint).Msg("网关启动完成，开始接收行情...")

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info().Msg("收到退出信号，正在关闭...")

	// 优雅关闭
	cancel()
	client.Disconnect()

	log.Info().Msg("网关已关闭")
}

// buildSigner 根据配置选择RSA-PSS或HMAC签名
func buildSigner(cfg *config.Config) (gateway.Signer, error) {
	if cfg.Global.PrivateKeyPath != "" {
		return gateway.NewRSAPSSSignerFromFile(cfg.Global.APIKeyID, cfg.Global.PrivateKeyPath)
	}
	return gateway.NewHMACSigner(cfg.Global.APIKeyID, cfg.Global.APISecret)
}

// consumeMessages 维护订单簿并把入站行情落到日志，通道关闭即退出。
// 检测到序号缺口时强制重连，订阅回放后会收到新快照。
func consumeMessages(client *gateway.StreamClient, books *book.Store) {
	for msg := range client.Messages() {
		if err := books.Apply(msg); err != nil {
			if errors.Is(err, book.ErrSeqGap) {
				client.ForceReconnect("orderbook sequence gap")
			} else {
				log.Warn().Err(err).Msg("订单簿更新失败")
			}
			continue
		}
		switch msg.Kind {
		case gateway.KindTrade:
			log.Info().
				Str("ticker", msg.Trade.MarketTicker).
				Str("side", msg.Trade.Side).
				Int64("yes_price", msg.Trade.YesPrice).
				Int64("count", msg.Trade.Count).
				Msg("成交")
		case gateway.KindOrderbookSnapshot:
			log.Debug().
				Str("ticker", msg.Snapshot.MarketTicker).
				Int("yes_levels", len(msg.Snapshot.Yes)).
				Int("no_levels", len(msg.Snapshot.No)).
				Msg("订单簿快照")
		case gateway.KindOrderbookDelta:
			log.Debug().
				Str("ticker", msg.Delta.MarketTicker).
				Msg("订单簿增量")
		case gateway.KindFill:
			log.Info().
				Str("ticker", msg.Fill.MarketTicker).
				Int64("count", msg.Fill.Count).
				Msg("账户成交")
		case gateway.KindError:
			log.Error().
				Int64("code", msg.ServerErr.Code).
				Str("message", msg.ServerErr.Message).
				Msg("服务端错误")
		case gateway.KindUnknown:
			if msg.DecodeErr != nil {
				log.Warn().Err(msg.DecodeErr).Msg("无法解析的消息")
			}
		}
	}
	log.Info().Msg("消息流已关闭")
}

// safeModeHooks 看门狗回调：网关无持仓动作，只记录状态
type safeModeHooks struct{}

func (h *safeModeHooks) EnterSafeMode(reason string) {
	log.Error().Str("reason", reason).Msg("进入安全模式")
}

func (h *safeModeHooks) ExitSafeMode(reason string) {
	log.Info().Str("reason", reason).Msg("退出安全模式")
}

// setupLogger 设置日志
func setupLogger(level string) {
	// 设置日志格式为人类可读的格式
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	// 设置日志级别
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
