package client

import (
	"errors"
	"fmt"

	"github.com/weisyn/wsrpc-go/types"
)

// Error 客户端错误
type Error struct {
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code == ErrCodeRPCError {
		// 远端 message 原样返回
		return e.Message
	}
	if e.Err != nil && !isLocalWesError(e.Err) {
		return fmt.Sprintf("client error [%d]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("client error [%d]: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 按错误码匹配，使 errors.Is(err, ErrTimeout) 可用
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsWesError 检查错误链中是否包含 WES Problem Details 错误
func IsWesError(err error) (*types.WesError, bool) {
	return types.IsWesError(err)
}

// 错误码定义
const (
	ErrCodeNetwork            = 1000 // 网络错误
	ErrCodeTimeout            = 1001 // 超时错误
	ErrCodeInvalidResponse    = 1002 // 无效响应（解码失败）
	ErrCodeRPCError           = 1003 // JSON-RPC错误
	ErrCodeNotSupported       = 1004 // 不支持的操作
	ErrCodeNotConnected       = 1005 // 未连接
	ErrCodeSubscriptionFailed = 1006 // 订阅失败
)

// 哨兵错误，仅用于 errors.Is 比较
var (
	ErrNotConnected       = &Error{Code: ErrCodeNotConnected, Message: "not connected"}
	ErrTimeout            = &Error{Code: ErrCodeTimeout, Message: "request timeout"}
	ErrInvalidResponse    = &Error{Code: ErrCodeInvalidResponse, Message: "invalid response"}
	ErrRemote             = &Error{Code: ErrCodeRPCError, Message: "rpc error"}
	ErrSubscriptionFailed = &Error{Code: ErrCodeSubscriptionFailed, Message: "subscription failed"}
	ErrNotSupported       = &Error{Code: ErrCodeNotSupported, Message: "not supported"}
)

// RPCError 远端返回的 JSON-RPC error 对象
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return e.Message
}

// NewNetworkError 创建网络错误
func NewNetworkError(err error) *Error {
	return &Error{
		Code:    ErrCodeNetwork,
		Message: "network error",
		Err:     err,
	}
}

// NewNotConnectedError 创建未连接错误
func NewNotConnectedError(reason string) *Error {
	return &Error{
		Code:    ErrCodeNotConnected,
		Message: reason,
		Err:     types.CreateDefaultWesError(types.ErrorCodeSDKConnectionError, "节点未连接", reason, 503, nil),
	}
}

// NewWriteError 写入已失效的连接，按未连接处理
func NewWriteError(err error) *Error {
	return &Error{
		Code:    ErrCodeNotConnected,
		Message: "write failed",
		Err: &localCause{
			err: err,
			wes: types.CreateDefaultWesError(types.ErrorCodeSDKConnectionError, "节点连接已断开", err.Error(), 503, nil),
		},
	}
}

// NewTimeoutError 创建超时错误
func NewTimeoutError() *Error {
	return &Error{
		Code:    ErrCodeTimeout,
		Message: "request timeout",
		Err:     types.CreateDefaultWesError(types.ErrorCodeCommonTimeout, "请求超时", "no response before deadline", 504, nil),
	}
}

// NewInvalidResponseError 创建无效响应错误
func NewInvalidResponseError(message string) *Error {
	return &Error{
		Code:    ErrCodeInvalidResponse,
		Message: message,
	}
}

// NewDecodeError 创建解码错误
func NewDecodeError(err error) *Error {
	return &Error{
		Code:    ErrCodeInvalidResponse,
		Message: "decode response failed",
		Err: &localCause{
			err: err,
			wes: types.CreateDefaultWesError(types.ErrorCodeSDKResponseDeserializationError, "响应解析失败", err.Error(), 502, nil),
		},
	}
}

// NewRPCError 创建JSON-RPC错误
//
// Message 原样保留远端的 message；如果 data 中携带 Problem Details，
// 错误链中会包含 *types.WesError。
func NewRPCError(rpcErr *RPCError) *Error {
	var cause error = rpcErr
	if rpcErr.Data != nil {
		raw := map[string]interface{}{
			"code":    rpcErr.Code,
			"message": rpcErr.Message,
			"data":    rpcErr.Data,
		}
		if pd, err := types.ParseProblemDetailsFromRPCError(raw); err == nil {
			cause = &remoteCause{rpc: rpcErr, wes: types.NewWesErrorFromProblemDetails(pd)}
		}
	}
	return &Error{
		Code:    ErrCodeRPCError,
		Message: rpcErr.Message,
		Err:     cause,
	}
}

// NewSubscriptionFailedError 创建订阅失败错误
func NewSubscriptionFailedError(event string, err error) *Error {
	return &Error{
		Code:    ErrCodeSubscriptionFailed,
		Message: fmt.Sprintf("subscribe %s failed", event),
		Err: &localCause{
			err: err,
			wes: types.CreateDefaultWesError(types.ErrorCodeSDKSubscriptionError, "事件订阅失败", err.Error(), 502,
				map[string]interface{}{"event": event}),
		},
	}
}

// NewNotSupportedError 创建不支持的操作错误
func NewNotSupportedError(operation string) *Error {
	return &Error{
		Code:    ErrCodeNotSupported,
		Message: fmt.Sprintf("operation not supported: %s", operation),
	}
}

// remoteCause 同时暴露原始 RPCError 与解析出的 WesError
type remoteCause struct {
	rpc *RPCError
	wes *types.WesError
}

func (c *remoteCause) Error() string {
	return c.rpc.Message
}

func (c *remoteCause) Unwrap() []error {
	return []error{c.rpc, c.wes}
}

// localCause 本地失败的原始错误与 SDK 生成的 WesError
//
// 原始错误链中有远端 WesError 时 errors.As 先找到远端的，否则先找到本层的。
type localCause struct {
	err error
	wes *types.WesError
}

func (c *localCause) Error() string {
	return c.err.Error()
}

func (c *localCause) Unwrap() []error {
	if wes, ok := types.IsWesError(c.err); ok && wes.Layer != types.LayerClientSDKGo {
		return []error{c.err, c.wes}
	}
	return []error{c.wes, c.err}
}

func isLocalWesError(err error) bool {
	wes, ok := err.(*types.WesError)
	return ok && wes.Layer == types.LayerClientSDKGo
}

// IsRemoteError 返回错误链中的远端 RPCError
func IsRemoteError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
