package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// pendingCall 等待响应的调用
type pendingCall struct {
	id     uint64
	method string
	batch  int // 批量调用的请求数，单个调用为 0
	ch     chan callResult
}

type callResult struct {
	frame *frame
	err   error
}

// Call 调用 JSON-RPC 方法
//
// 结果中的整数在 int64 范围内为 int64，超出范围为 *big.Int，小数为 float64。
func (c *WebSocketClient) Call(ctx context.Context, method string, params interface{}) (interface{}, error) {
	raw, _, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return nil, err
	}
	v, err := decodeValue(raw)
	if err != nil {
		return nil, NewDecodeError(err)
	}
	return v, nil
}

// CallInto 调用 JSON-RPC 方法并把结果解码到 out
func (c *WebSocketClient) CallInto(ctx context.Context, method string, params interface{}, out interface{}) error {
	raw, _, err := c.roundTrip(ctx, method, params)
	if err != nil {
		return err
	}
	if err := DecodeResult(raw, out); err != nil {
		return NewDecodeError(err)
	}
	return nil
}

// BatchCall 批量调用
//
// 所有请求共用一个 id，作为一个数组发送；响应数组按位置与请求对应。
// 单个元素的错误放在对应位置，顶层错误或空响应使整个批次失败。
// 空的 requests 是调用方错误，返回普通 error 而不是 *Error。
func (c *WebSocketClient) BatchCall(ctx context.Context, requests []BatchRequest) (results []BatchResult, err error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	sess := c.current()
	if sess == nil {
		return nil, NewNotConnectedError("websocket not connected")
	}

	p, err := c.start(sess, "", nil, requests)
	if err != nil {
		return nil, err
	}
	defer func() { c.metrics.callFinished(outcomeOf(err)) }()

	f, err := c.wait(ctx, p)
	if err != nil {
		return nil, err
	}
	if f.batch != nil {
		return decodeBatchResponse(f.batch, len(requests))
	}
	return batchFromSingle(f.single, len(requests))
}

// roundTrip 发送单个请求并等待结果，同时返回请求 id
func (c *WebSocketClient) roundTrip(ctx context.Context, method string, params interface{}) (json.RawMessage, uint64, error) {
	sess := c.current()
	if sess == nil {
		return nil, 0, NewNotConnectedError("websocket not connected")
	}

	p, err := c.start(sess, method, params, nil)
	if err != nil {
		return nil, 0, err
	}
	raw, err := c.await(ctx, p)
	return raw, p.id, err
}

// await 等待单个调用的响应并检查远端错误
func (c *WebSocketClient) await(ctx context.Context, p *pendingCall) (raw json.RawMessage, err error) {
	defer func() { c.metrics.callFinished(outcomeOf(err)) }()

	f, err := c.wait(ctx, p)
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

// wait 等待响应、超时或 ctx 取消；超时和取消会注销该调用，迟到的响应被丢弃
func (c *WebSocketClient) wait(ctx context.Context, p *pendingCall) (*frame, error) {
	var timeout <-chan time.Time
	if c.config.Timeout > 0 {
		timer := time.NewTimer(c.config.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-p.ch:
		return res.frame, res.err
	case <-timeout:
		c.forget(p.id)
		c.logger.Debug("call timed out", "id", p.id, "method", p.method)
		return nil, NewTimeoutError()
	case <-ctx.Done():
		c.forget(p.id)
		return nil, ctx.Err()
	}
}

// start 登记调用并写出请求
func (c *WebSocketClient) start(sess *session, method string, params interface{}, batch []BatchRequest) (*pendingCall, error) {
	c.mu.Lock()
	p, data, err := c.prepareLocked(method, params, batch)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := sess.write(data); err != nil {
		c.mu.Lock()
		c.dropPendingLocked(p)
		c.mu.Unlock()
		return nil, NewWriteError(err)
	}
	c.debugFrame("send", data)
	return p, nil
}

// prepareLocked 分配 id、编码请求并登记，调用方持有 c.mu
func (c *WebSocketClient) prepareLocked(method string, params interface{}, batch []BatchRequest) (*pendingCall, []byte, error) {
	p := &pendingCall{
		id:     c.allocateLocked(),
		method: method,
		batch:  len(batch),
		ch:     make(chan callResult, 1),
	}

	var (
		data []byte
		err  error
	)
	if p.batch > 0 {
		p.method = "batch"
		data, err = encodeBatch(p.id, batch, c.config.Metadata)
	} else {
		data, err = encodeRequest(&jsonrpcRequest{
			ID:      p.id,
			JSONRPC: jsonrpcVersion,
			Method:  method,
			Params:  params,
		}, c.config.Metadata)
	}
	if err != nil {
		return nil, nil, err
	}

	c.pending[p.id] = p
	if p.batch > 0 {
		c.batches = append(c.batches, p.id)
	}
	if c.firstID == 0 {
		c.firstID = p.id
	}
	c.metrics.callStarted()
	return p, data, nil
}

// allocateLocked 分配新的请求 id，跳过仍被调用或订阅占用的值
func (c *WebSocketClient) allocateLocked() uint64 {
	for {
		id := c.nextID.Add(1)
		if _, busy := c.pending[id]; busy {
			continue
		}
		if _, busy := c.byRemote[id]; busy {
			continue
		}
		return id
	}
}

func (c *WebSocketClient) forget(id uint64) {
	c.mu.Lock()
	c.removePendingLocked(id)
	c.mu.Unlock()
}

// dropPendingLocked 注销一个未能发出的调用
func (c *WebSocketClient) dropPendingLocked(p *pendingCall) {
	c.removePendingLocked(p.id)
	c.metrics.callFinished(outcomeNotConnected)
}

func (c *WebSocketClient) removePendingLocked(id uint64) *pendingCall {
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.batch > 0 {
		for i, bid := range c.batches {
			if bid == id {
				c.batches = append(c.batches[:i], c.batches[i+1:]...)
				break
			}
		}
	}
	return p
}

// failPending 以 err 结束全部未完成调用
func (c *WebSocketClient) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, p := range c.pending {
		p.ch <- callResult{err: err}
		delete(c.pending, id)
	}
	c.batches = nil
}

// PendingCalls 当前等待响应的调用数
func (c *WebSocketClient) PendingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// dispatch 分发一个入站帧
func (c *WebSocketClient) dispatch(data []byte) {
	c.debugFrame("recv", data)

	f, err := parseFrame(data)
	if err != nil {
		c.logger.Warn("drop malformed frame", "error", err, "size", len(data))
		c.metrics.frameDropped("malformed")
		return
	}

	if f.batch != nil {
		c.dispatchBatch(f)
		return
	}
	c.dispatchSingle(f)
}

// dispatchSingle 依次匹配：已确认订阅的推送、等待中的调用、订阅上的错误
func (c *WebSocketClient) dispatchSingle(f *frame) {
	resp := f.single
	hasErr := !isNull(resp.Error)

	c.mu.Lock()
	id, ok := resp.id()
	if !ok {
		if isNull(resp.ID) && c.config.MatchNullID && c.firstID != 0 {
			if p, exists := c.pending[c.firstID]; exists && p.batch == 0 {
				c.removePendingLocked(p.id)
				c.mu.Unlock()
				p.ch <- callResult{frame: f}
				return
			}
		}
		c.mu.Unlock()
		c.logger.Debug("drop frame without usable id", "id", string(resp.ID))
		c.metrics.frameDropped("unmatched")
		return
	}

	sub := c.byRemote[id]
	if sub != nil && !hasErr {
		c.pushLocked(sub, inbound{raw: resp.Result})
		c.mu.Unlock()
		return
	}

	if p := c.removePendingLocked(id); p != nil {
		c.mu.Unlock()
		p.ch <- callResult{frame: f}
		return
	}

	if sub != nil {
		c.pushLocked(sub, inbound{err: NewRPCError(resp.rpcError())})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.logger.Debug("drop unmatched frame", "id", id)
	c.metrics.frameDropped("unmatched")
}

// dispatchBatch 按元素回显的 id 匹配批量调用，没有 id 时交给最早发出的批次
func (c *WebSocketClient) dispatchBatch(f *frame) {
	var (
		id    uint64
		found bool
	)
	for i := range f.batch {
		if id, found = f.batch[i].id(); found {
			break
		}
	}

	c.mu.Lock()
	var p *pendingCall
	if found {
		if cand, ok := c.pending[id]; ok && cand.batch > 0 {
			p = cand
		}
	}
	if p == nil && len(c.batches) > 0 {
		p = c.pending[c.batches[0]]
	}
	if p != nil {
		c.removePendingLocked(p.id)
	}
	c.mu.Unlock()

	if p == nil {
		c.logger.Debug("drop unmatched batch response", "elements", len(f.batch))
		c.metrics.frameDropped("unmatched")
		return
	}
	p.ch <- callResult{frame: f}
}

func (c *WebSocketClient) debugFrame(direction string, data []byte) {
	if c.config.Debug {
		c.logger.Debug("websocket frame", "direction", direction, "body", string(data))
	}
}
