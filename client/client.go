package client

import (
	"context"
	"fmt"
)

// Client JSON-RPC 客户端接口
type Client interface {
	// Call 调用 JSON-RPC 方法
	Call(ctx context.Context, method string, params interface{}) (interface{}, error)

	// CallInto 调用 JSON-RPC 方法并把结果解码到 out
	CallInto(ctx context.Context, method string, params interface{}, out interface{}) error

	// BatchCall 批量调用，结果按位置与请求对应
	BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchResult, error)

	// Close 关闭连接
	Close() error
}

// SubscriptionClient 支持事件订阅的客户端（WebSocket）
type SubscriptionClient interface {
	Client

	// Listen 为事件键注册监听者
	Listen(ctx context.Context, key EventKey, fn Listener) (*Listening, error)

	// CloseAllListeners 立即移除事件键上的全部监听者
	CloseAllListeners(ctx context.Context, key EventKey) error
}

var (
	_ SubscriptionClient = (*WebSocketClient)(nil)
	_ Client             = (*unaryClient)(nil)
)

// NewClient 按协议创建客户端
func NewClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	switch config.Protocol {
	case ProtocolHTTP:
		return NewHTTPClient(config)
	case ProtocolGRPC:
		return NewGRPCClient(config)
	case ProtocolWebSocket, "":
		ws, err := NewWebSocketClient(config)
		if err != nil {
			return nil, err
		}
		return ws, nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", config.Protocol)
	}
}

// AsSubscriptionClient 返回支持订阅的客户端；HTTP 与 gRPC 传输返回 NotSupported
func AsSubscriptionClient(c Client) (SubscriptionClient, error) {
	if sc, ok := c.(SubscriptionClient); ok {
		return sc, nil
	}
	return nil, NewNotSupportedError("event subscription")
}
