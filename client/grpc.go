package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// grpcCallMethod 节点的 JSON-RPC 网关方法：请求与响应都是完整的 JSON-RPC 帧
const grpcCallMethod = "/wes.rpc.JSONRPC/Call"

// rawCodec 直接收发字节，不经过 protobuf
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	}
	return nil, fmt.Errorf("raw codec: unsupported type %T", v)
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("raw codec: unsupported type %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string {
	return "jsonrpc"
}

// grpcClient gRPC 传输：每个 JSON-RPC 帧一次 unary 调用
type grpcClient struct {
	conn    *grpc.ClientConn
	timeout time.Duration
	header  metadata.MD
}

// NewGRPCClient 创建 gRPC 客户端
func NewGRPCClient(config *Config) (Client, error) {
	return newGRPCClient(config)
}

func newGRPCClient(config *Config, opts ...grpc.DialOption) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// 移除协议前缀
	endpoint := strings.TrimPrefix(strings.TrimPrefix(config.Endpoint, "http://"), "https://")

	creds := insecure.NewCredentials()
	tlsCfg, err := config.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		creds = credentials.NewTLS(tlsCfg)
	}

	dialCtx := context.Background()
	if config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(dialCtx, config.HandshakeTimeout)
		defer cancel()
	}

	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(creds)}, opts...)
	conn, err := grpc.DialContext(dialCtx, endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial gRPC: %w", err)
	}

	md := metadata.MD{}
	for k, vs := range config.Header {
		md.Append(k, vs...)
	}

	transport := &grpcClient{
		conn:    conn,
		timeout: config.Timeout,
		header:  md,
	}
	return newUnaryClient(config, transport), nil
}

// roundTrip 通过 gRPC 发送一帧
func (c *grpcClient) roundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if len(c.header) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, c.header)
	}

	var reply []byte
	if err := c.conn.Invoke(ctx, grpcCallMethod, frame, &reply, grpc.ForceCodec(rawCodec{})); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, NewTimeoutError()
		}
		return nil, NewNetworkError(err)
	}
	return reply, nil
}

func (c *grpcClient) close() error {
	return c.conn.Close()
}
