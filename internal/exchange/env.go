package gateway

import (
	"os"
	"strings"
)

// Kalshi endpoints (production / demo)
const (
	KalshiRestEndpoint = "https://api.elections.kalshi.com/trade-api/v2"
	KalshiWSEndpoint   = "wss://api.elections.kalshi.com/trade-api/ws/v2"

	KalshiDemoRestEndpoint = "https://demo-api.kalshi.co/trade-api/v2"
	KalshiDemoWSEndpoint   = "wss://demo-api.kalshi.co/trade-api/ws/v2"
)

// EnvConfig 从环境变量构造客户端所需的基础参数。
type EnvConfig struct {
	APIKeyID       string
	PrivateKeyPath string
	APISecret      string
	RestURL        string
	WSEndpoint     string
}

// LoadEnvConfig 读取密钥与端点（可选），若未设置则使用默认生产端点。
func LoadEnvConfig() EnvConfig {
	return EnvConfig{
		APIKeyID:       os.Getenv("KALSHI_API_KEY_ID"),
		PrivateKeyPath: os.Getenv("KALSHI_PRIVATE_KEY_PATH"),
		APISecret:      os.Getenv("KALSHI_API_SECRET"),
		RestURL:        pick(os.Getenv("KALSHI_REST_URL"), KalshiRestEndpoint),
		WSEndpoint:     pick(os.Getenv("KALSHI_WS_ENDPOINT"), KalshiWSEndpoint),
	}
}

func pick(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
