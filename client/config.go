package client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config 客户端配置
type Config struct {
	// Endpoint 节点端点地址
	Endpoint string `validate:"required"`

	// Protocol 协议类型
	Protocol Protocol `validate:"omitempty,oneof=http grpc websocket"`

	// Timeout 单次调用超时；<=0 表示不超时（节点等待用户离线确认时使用）
	Timeout time.Duration

	// HandshakeTimeout WebSocket 握手超时
	HandshakeTimeout time.Duration `validate:"gte=0"`

	// WriteTimeout 单帧写超时
	WriteTimeout time.Duration `validate:"gte=0"`

	// GracePeriod 最后一个监听者移除后，延迟多久才真正发送 unsubscribe
	GracePeriod time.Duration `validate:"gte=0"`

	// MaxReconnectAttempts 非正常断线后的最大重连次数
	MaxReconnectAttempts int `validate:"gte=0"`

	// ReconnectOnLoss 非正常断线时是否自动重连
	ReconnectOnLoss bool

	// ReconnectDelay 每次重连前的等待时间，0 表示立即重连
	ReconnectDelay time.Duration `validate:"gte=0"`

	// EventBufferSize 每个订阅的推送缓冲大小
	EventBufferSize int `validate:"gte=0"`

	// Header 握手时附带的 HTTP 头
	Header http.Header

	// Metadata 附加到每个出站请求的静态顶层字段（如鉴权信息）
	Metadata map[string]interface{}

	// MatchNullID 允许 id 为 null 的响应匹配本连接发出的第一个请求（兼容部分节点实现）
	MatchNullID bool

	// TLS 配置
	TLS *TLSConfig

	// 调试模式
	Debug bool

	// 日志器（可选）
	Logger Logger

	// Retry HTTP 传输的重试配置（可选）
	Retry *RetryConfig

	// Metrics Prometheus 指标（可选）
	Metrics *Metrics

	// OnReconnect 自动重连成功后回调；订阅不会自动恢复，调用方可在此重新 Listen
	OnReconnect func()
}

// Protocol 协议类型
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolGRPC      Protocol = "grpc"
	ProtocolWebSocket Protocol = "websocket"
)

// TLSConfig TLS 配置
type TLSConfig struct {
	CertFile string
	KeyFile  string
	CAFile   string
	Insecure bool // 跳过 TLS 验证（仅用于开发）
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Endpoint:             "ws://localhost:8545",
		Protocol:             ProtocolWebSocket,
		Timeout:              30 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         5 * time.Second,
		GracePeriod:          time.Second,
		MaxReconnectAttempts: 5,
		ReconnectOnLoss:      true,
		EventBufferSize:      256,
	}
}

var validate = validator.New()

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// logger 返回可用的日志器
func (c *Config) logger() Logger {
	if c.Logger == nil {
		return nopLogger{}
	}
	return c.Logger
}

// tlsConfig 根据 TLSConfig 构建 *tls.Config；未配置时返回 nil
func (c *Config) tlsConfig() (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}

	cfg := &tls.Config{
		InsecureSkipVerify: c.TLS.Insecure,
	}

	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in CA file %s", c.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}

	if c.TLS.CertFile != "" || c.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}
