package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// roundTripper 一帧请求换一帧响应的传输（HTTP、gRPC）
type roundTripper interface {
	roundTrip(ctx context.Context, frame []byte) ([]byte, error)
	close() error
}

// unaryClient 在 roundTripper 之上实现 Client
//
// 每个请求单独往返，不需要 id 复用与订阅。
type unaryClient struct {
	transport roundTripper
	nextID    atomic.Uint64
	metadata  map[string]interface{}
	logger    Logger
	debug     bool
	metrics   *Metrics
}

func newUnaryClient(config *Config, transport roundTripper) *unaryClient {
	return &unaryClient{
		transport: transport,
		metadata:  config.Metadata,
		logger:    config.logger(),
		debug:     config.Debug,
		metrics:   config.Metrics,
	}
}

// Call 调用JSON-RPC方法
func (c *unaryClient) Call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, NewDecodeError(err)
	}
	return v, nil
}

// CallInto 调用JSON-RPC方法并解码结果
func (c *unaryClient) CallInto(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if err := DecodeResult(raw, out); err != nil {
		return NewDecodeError(err)
	}
	return nil
}

// BatchCall 批量调用
func (c *unaryClient) BatchCall(ctx context.Context, requests []BatchRequest) (results []BatchResult, err error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	data, err := encodeBatch(c.nextID.Add(1), requests, c.metadata)
	if err != nil {
		return nil, err
	}

	c.metrics.callStarted()
	defer func() { c.metrics.callFinished(outcomeOf(err)) }()

	f, err := c.exchange(ctx, "batch", data)
	if err != nil {
		return nil, err
	}
	if f.batch != nil {
		return decodeBatchResponse(f.batch, len(requests))
	}
	return batchFromSingle(f.single, len(requests))
}

// Close 关闭底层传输
func (c *unaryClient) Close() error {
	return c.transport.close()
}

func (c *unaryClient) call(ctx context.Context, method string, params interface{}) (raw json.RawMessage, err error) {
	data, err := encodeRequest(&jsonrpcRequest{
		ID:      c.nextID.Add(1),
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}, c.metadata)
	if err != nil {
		return nil, err
	}

	c.metrics.callStarted()
	defer func() { c.metrics.callFinished(outcomeOf(err)) }()

	f, err := c.exchange(ctx, method, data)
	if err != nil {
		return nil, err
	}
	if f.single == nil {
		return nil, NewInvalidResponseError("batch response to a single call")
	}
	if rpcErr := f.single.rpcError(); rpcErr != nil {
		return nil, NewRPCError(rpcErr)
	}
	return f.single.Result, nil
}

func (c *unaryClient) exchange(ctx context.Context, method string, data []byte) (*frame, error) {
	if c.debug {
		c.logger.Debug("JSON-RPC request", "method", method, "body", string(data))
	}

	body, err := c.transport.roundTrip(ctx, data)
	if err != nil {
		return nil, err
	}

	if c.debug {
		c.logger.Debug("JSON-RPC response", "method", method, "body", string(body))
	}

	f, err := parseFrame(body)
	if err != nil {
		return nil, NewDecodeError(err)
	}
	return f, nil
}
