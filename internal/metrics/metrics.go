package metrics

import (
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// 连接指标
	ConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connection_state",
			Help: "连接状态 (0=断开, 1=连接中, 2=已连接, 3=已认证, 4=已订阅)",
		},
	)

	ReconnectCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_reconnect_total",
			Help: "重连次数",
		},
	)

	ResubscribeCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_resubscribe_total",
			Help: "重连后恢复订阅次数",
		},
	)

	SubscriptionCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_subscription_count",
			Help: "当前活跃订阅数",
		},
	)

	// WebSocket流量监控
	WSBytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_ws_bytes_received_total",
			Help: "WebSocket接收字节数（下行流量）",
		},
	)

	WSMessageCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_ws_message_count_total",
			Help: "WebSocket消息数量（按类型统计）",
		},
		[]string{"type"}, // type: orderbook_snapshot, orderbook_delta, trade, fill, ...
	)

	DecodeErrorCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_decode_error_total",
			Help: "消息解析失败次数",
		},
	)

	MessageQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_message_queue_length",
			Help: "入站消息缓冲队列当前长度",
		},
	)

	// 限流指标
	LimiterTokens = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_limiter_tokens",
			Help: "令牌桶当前令牌数",
		},
	)

	LimiterThrottling = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_limiter_throttling",
			Help: "是否处于限流状态 (0/1)",
		},
	)

	// REST指标
	APILatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_api_latency_seconds",
			Help:    "API请求延迟",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"endpoint", "status"},
	)

	ErrorCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_error_count_total",
			Help: "错误计数（按分类统计）",
		},
		[]string{"kind"},
	)
)

func init() {
	// 注册所有指标
	prometheus.MustRegister(
		ConnectionState,
		ReconnectCount,
		ResubscribeCount,
		SubscriptionCount,
		WSBytesReceived,
		WSMessageCount,
		DecodeErrorCount,
		MessageQueueLength,
		LimiterTokens,
		LimiterThrottling,
		APILatency,
		ErrorCount,
	)
}

// StartMetricsServer 启动Prometheus监控服务器，并返回实际监听端口
func StartMetricsServer(port int) (int, error) {
	if port < 0 {
		port = 0
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listen on %s failed: %w", addr, err)
	}

	actualPort := listener.Addr().(*net.TCPAddr).Port

	log.Info().Int("port", actualPort).Msg("启动Prometheus监控服务器")

	go func() {
		if err := http.Serve(listener, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Prometheus服务器启动失败")
		}
	}()

	return actualPort, nil
}

// SetConnectionState 更新连接状态
func SetConnectionState(state int) {
	ConnectionState.Set(float64(state))
}

// RecordReconnect 记录一次成功重连
func RecordReconnect() {
	ReconnectCount.Inc()
}

// RecordResubscribe 记录一次订阅恢复
func RecordResubscribe() {
	ResubscribeCount.Inc()
}

// SetSubscriptionCount 更新活跃订阅数
func SetSubscriptionCount(n int) {
	SubscriptionCount.Set(float64(n))
}

// RecordWSMessage 记录WebSocket消息
func RecordWSMessage(msgType string, bytes int) {
	WSBytesReceived.Add(float64(bytes))
	WSMessageCount.WithLabelValues(msgType).Inc()
}

// RecordDecodeError 记录解析失败
func RecordDecodeError() {
	DecodeErrorCount.Inc()
}

// SetMessageQueueLength 更新消息队列长度
func SetMessageQueueLength(n int) {
	MessageQueueLength.Set(float64(n))
}

// UpdateLimiterMetrics 更新限流指标
func UpdateLimiterMetrics(tokens float64, throttling bool) {
	LimiterTokens.Set(tokens)
	if throttling {
		LimiterThrottling.Set(1)
	} else {
		LimiterThrottling.Set(0)
	}
}

// ObserveAPILatency 记录API请求延迟
func ObserveAPILatency(endpoint, status string, seconds float64) {
	APILatency.WithLabelValues(endpoint, status).Observe(seconds)
}

// RecordError 记录错误
func RecordError(kind string) {
	ErrorCount.WithLabelValues(kind).Inc()
}
