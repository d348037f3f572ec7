package gateway

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// 可覆盖的时间函数，便于测试。
var timeNowMillis = func() int64 { return time.Now().UnixMilli() }

// Signature 一次签名的结果。
type Signature struct {
	KeyID       string
	TimestampMs int64
	Value       string // base64
}

// Signer 负责为 REST 请求和 WS 握手生成签名。
// 算法可替换：RSA-PSS（非对称）与 HMAC-SHA256（对称）共用同一接口。
type Signer interface {
	Sign(method, path, body string, timestampMs int64) (Signature, error)
	KeyID() string
}

// RSAPSSSigner 使用 RSA-PSS 对 timestamp+METHOD+path 签名（不含 query）。
// 密钥在构造时解析校验，避免把坏密钥拖到每次调用。
type RSAPSSSigner struct {
	keyID string
	key   *rsa.PrivateKey
}

// NewRSAPSSSigner 从 PEM 私钥构造签名器，支持 PKCS#8 与 PKCS#1。
func NewRSAPSSSigner(keyID string, pemData []byte) (*RSAPSSSigner, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id required")
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("private key: no PEM block found")
	}
	var key *rsa.PrivateKey
	if parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key: not an RSA key")
		}
		key = rsaKey
	} else if rsaKey, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = rsaKey
	} else {
		return nil, fmt.Errorf("private key: unsupported format")
	}
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("private key: validation failed")
	}
	return &RSAPSSSigner{keyID: keyID, key: key}, nil
}

// NewRSAPSSSignerFromFile 从文件读取 PEM 私钥。
func NewRSAPSSSignerFromFile(keyID, path string) (*RSAPSSSigner, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key file: %w", err)
	}
	return NewRSAPSSSigner(keyID, pemData)
}

func (s *RSAPSSSigner) KeyID() string { return s.keyID }

// Sign 构造规范串 timestamp_ms + UPPERCASE(method) + path 并签名。
// PSS 含随机盐，签名每次不同，但均可验证。
func (s *RSAPSSSigner) Sign(method, path, _ string, timestampMs int64) (Signature, error) {
	canonical := strconv.FormatInt(timestampMs, 10) + strings.ToUpper(method) + stripQuery(path)
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPSS(rand.Reader, s.key, crypto.SHA256, digest[:], &rsa.PSSOptions{
		SaltLength: rsa.PSSSaltLengthEqualsHash,
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return Signature{}, fmt.Errorf("rsa-pss sign: %w", err)
	}
	return Signature{
		KeyID:       s.keyID,
		TimestampMs: timestampMs,
		Value:       base64.StdEncoding.EncodeToString(sig),
	}, nil
}

// HMACSigner 对称方案：对 timestamp\nMETHOD\npath-and-query\nbody 做 HMAC-SHA256。
// 同样输入同样时间戳的签名完全确定。
type HMACSigner struct {
	keyID  string
	secret []byte
}

// NewHMACSigner 构造 HMAC 签名器；secret 为空视为配置错误。
func NewHMACSigner(keyID, secret string) (*HMACSigner, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id required")
	}
	if secret == "" {
		return nil, fmt.Errorf("secret required")
	}
	return &HMACSigner{keyID: keyID, secret: []byte(secret)}, nil
}

func (s *HMACSigner) KeyID() string { return s.keyID }

func (s *HMACSigner) Sign(method, path, body string, timestampMs int64) (Signature, error) {
	canonical := strconv.FormatInt(timestampMs, 10) + "\n" +
		strings.ToUpper(method) + "\n" +
		path + "\n" +
		body
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(canonical))
	return Signature{
		KeyID:       s.keyID,
		TimestampMs: timestampMs,
		Value:       base64.StdEncoding.EncodeToString(mac.Sum(nil)),
	}, nil
}

// 请求签名头
const (
	HeaderAccessKey       = "ACCESS-KEY"
	HeaderAccessTimestamp = "ACCESS-TIMESTAMP"
	HeaderAccessSignature = "ACCESS-SIGNATURE"
)

// AuthHeaders 为一次请求生成三个签名头；每次调用重新计算，不做缓存。
func AuthHeaders(s Signer, method, path, body string) (http.Header, error) {
	sig, err := s.Sign(method, path, body, timeNowMillis())
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(HeaderAccessKey, sig.KeyID)
	h.Set(HeaderAccessTimestamp, strconv.FormatInt(sig.TimestampMs, 10))
	h.Set(HeaderAccessSignature, sig.Value)
	return h, nil
}

func stripQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
