package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

const jsonrpcVersion = "2.0"

// jsonrpcRequest JSON-RPC 请求
type jsonrpcRequest struct {
	ID      uint64      `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// jsonrpcResponse JSON-RPC 响应
//
// 字段保持原始字节，按需再解码；id 可能是数字、数字字符串或 null。
type jsonrpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// BatchRequest 批量调用中的单个请求
type BatchRequest struct {
	Method string
	Params interface{}
}

// BatchResult 批量调用中与请求位置对应的结果
type BatchResult struct {
	Result interface{}
	Raw    json.RawMessage
	Error  error
}

// encodeRequest 序列化单个请求，并把静态元数据合并为顶层字段
func encodeRequest(req *jsonrpcRequest, metadata map[string]interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if len(metadata) == 0 {
		return data, nil
	}

	fields := make(map[string]json.RawMessage, len(metadata)+4)
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("merge metadata: %w", err)
	}
	for k, v := range metadata {
		// 元数据不能覆盖信封字段
		if _, exists := fields[k]; exists {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata %q: %w", k, err)
		}
		fields[k] = raw
	}
	return json.Marshal(fields)
}

// encodeBatch 序列化批量请求，所有元素共用同一个 id
func encodeBatch(id uint64, reqs []BatchRequest, metadata map[string]interface{}) (json.RawMessage, error) {
	elems := make([]json.RawMessage, 0, len(reqs))
	for _, r := range reqs {
		raw, err := encodeRequest(&jsonrpcRequest{
			ID:      id,
			JSONRPC: jsonrpcVersion,
			Method:  r.Method,
			Params:  r.Params,
		}, metadata)
		if err != nil {
			return nil, err
		}
		elems = append(elems, raw)
	}
	return json.Marshal(elems)
}

// frame 解码后的入站消息：单个对象或数组
type frame struct {
	single *jsonrpcResponse
	batch  []jsonrpcResponse
}

// parseFrame 识别入站消息形态
func parseFrame(data []byte) (*frame, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	switch trimmed[0] {
	case '[':
		var batch []jsonrpcResponse
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, err
		}
		return &frame{batch: batch}, nil
	case '{':
		var resp jsonrpcResponse
		if err := json.Unmarshal(trimmed, &resp); err != nil {
			return nil, err
		}
		return &frame{single: &resp}, nil
	}
	return nil, fmt.Errorf("unexpected frame start %q", trimmed[0])
}

// isNull 判断原始 JSON 是否缺失或为 null
func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// id 解析响应 id；null 或缺失时 ok=false
func (r *jsonrpcResponse) id() (uint64, bool) {
	if isNull(r.ID) {
		return 0, false
	}
	var n uint64
	if err := json.Unmarshal(r.ID, &n); err == nil {
		return n, true
	}
	// 部分节点会把数字 id 以字符串回显
	var s string
	if err := json.Unmarshal(r.ID, &s); err == nil {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// rpcError 解析 error 字段；没有错误时返回 nil
func (r *jsonrpcResponse) rpcError() *RPCError {
	if isNull(r.Error) {
		return nil
	}
	var rpcErr RPCError
	if err := json.Unmarshal(r.Error, &rpcErr); err == nil {
		return &rpcErr
	}
	var msg string
	if err := json.Unmarshal(r.Error, &msg); err == nil {
		return &RPCError{Code: -1, Message: msg}
	}
	return &RPCError{Code: -1, Message: string(r.Error)}
}

// DecodeResult 将 JSON 结果解码到 out
//
// 使用 UseNumber，interface{} 字段得到 json.Number，*big.Int 字段保持完整精度。
func DecodeResult(raw json.RawMessage, out interface{}) error {
	if isNull(raw) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(out)
}

// decodeValue 将 JSON 结果解码为通用值
//
// 整数在 int64 范围内为 int64，超出范围为 *big.Int；带小数或指数的为 float64。
func decodeValue(raw json.RawMessage) (interface{}, error) {
	if isNull(raw) {
		return nil, nil
	}
	var v interface{}
	if err := DecodeResult(raw, &v); err != nil {
		return nil, err
	}
	return normalizeNumbers(v), nil
}

func normalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		return convertNumber(x)
	case map[string]interface{}:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
		return x
	case []interface{}:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
		return x
	}
	return v
}

func convertNumber(n json.Number) interface{} {
	s := n.String()
	if strings.ContainsAny(s, ".eE") {
		if f, err := n.Float64(); err == nil {
			return f
		}
		return s
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if b, ok := new(big.Int).SetString(s, 10); ok {
		return b
	}
	return s
}

// decodeBatchResponse 按位置把响应元素映射到请求
//
// 元素上的 id 被忽略；空响应视为整体失败。
func decodeBatchResponse(elems []jsonrpcResponse, n int) ([]BatchResult, error) {
	if len(elems) == 0 {
		return nil, NewInvalidResponseError("empty batch response")
	}

	results := make([]BatchResult, n)
	for i := range results {
		if i >= len(elems) {
			results[i].Error = NewInvalidResponseError(fmt.Sprintf("missing batch response element %d", i))
			continue
		}
		elem := elems[i]
		if rpcErr := elem.rpcError(); rpcErr != nil {
			results[i].Error = NewRPCError(rpcErr)
			continue
		}
		v, err := decodeValue(elem.Result)
		if err != nil {
			results[i].Error = NewDecodeError(err)
			continue
		}
		results[i].Result = v
		results[i].Raw = elem.Result
	}
	return results, nil
}

// batchFromSingle 处理对批量请求返回单个对象的情况：
// 顶层错误使整个批次失败，result 为数组时按数组处理
func batchFromSingle(resp *jsonrpcResponse, n int) ([]BatchResult, error) {
	if rpcErr := resp.rpcError(); rpcErr != nil {
		return nil, NewRPCError(rpcErr)
	}
	if isNull(resp.Result) {
		return nil, NewInvalidResponseError("batch response carries no data")
	}
	var elems []jsonrpcResponse
	if err := json.Unmarshal(resp.Result, &elems); err != nil {
		return nil, NewDecodeError(err)
	}
	return decodeBatchResponse(elems, n)
}
