package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WesProblemDetails WES Problem Details 结构（基于 RFC7807 + WES 扩展）
// 节点在 JSON-RPC error.data 中携带该结构
type WesProblemDetails struct {
	// RFC7807 标准字段
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   *int   `json:"status,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// WES 扩展字段（必填）
	Code        string                 `json:"code"`
	Layer       string                 `json:"layer"`
	UserMessage string                 `json:"userMessage"`
	Details     map[string]interface{} `json:"details,omitempty"`
	TraceID     string                 `json:"traceId"`
	Timestamp   string                 `json:"timestamp"`
}

// WesError WES 错误类型
type WesError struct {
	Code        string
	Layer       string
	UserMessage string
	Detail      string
	Status      *int
	Details     map[string]interface{}
	TraceID     string
	Timestamp   string
}

func (e *WesError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.UserMessage, e.Detail)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.UserMessage)
}

// NewWesErrorFromProblemDetails 从 Problem Details 创建 WesError
func NewWesErrorFromProblemDetails(pd *WesProblemDetails) *WesError {
	return &WesError{
		Code:        pd.Code,
		Layer:       pd.Layer,
		UserMessage: pd.UserMessage,
		Detail:      pd.Detail,
		Status:      pd.Status,
		Details:     pd.Details,
		TraceID:     pd.TraceID,
		Timestamp:   pd.Timestamp,
	}
}

// IsWesError 检查错误链中是否包含 WesError
func IsWesError(err error) (*WesError, bool) {
	var wesErr *WesError
	if errors.As(err, &wesErr) {
		return wesErr, true
	}
	return nil, false
}

// LayerClientSDKGo 本客户端在本地生成的错误所属层
const LayerClientSDKGo = "wsrpc-go"

// 本地错误码
const (
	ErrorCodeSDKConnectionError              = "SDK_CONNECTION_ERROR"
	ErrorCodeSDKSubscriptionError            = "SDK_SUBSCRIPTION_ERROR"
	ErrorCodeSDKResponseDeserializationError = "SDK_RESPONSE_DESERIALIZATION_ERROR"
	ErrorCodeCommonTimeout                   = "COMMON_TIMEOUT"
)

// ParseProblemDetailsFromRPCError 从 JSON-RPC 错误对象解析 Problem Details
//
// rpcError 为解码后的 error 对象（map），Problem Details 位于 data 字段。
func ParseProblemDetailsFromRPCError(rpcError interface{}) (*WesProblemDetails, error) {
	rpcMap, ok := rpcError.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid RPC error format")
	}

	data, ok := rpcMap["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("no data field in RPC error")
	}

	code, _ := data["code"].(string)
	layer, _ := data["layer"].(string)
	userMessage, _ := data["userMessage"].(string)
	traceID, _ := data["traceId"].(string)

	if code == "" || layer == "" || userMessage == "" || traceID == "" {
		return nil, fmt.Errorf("missing required fields in problem details")
	}

	// detail 缺省时回退到 RPC message
	detail, _ := data["detail"].(string)
	if detail == "" {
		if msg, ok := rpcMap["message"].(string); ok {
			detail = msg
		}
	}

	var status *int
	if s, ok := toInt(data["status"]); ok {
		status = &s
	} else if s, ok := toInt(rpcMap["code"]); ok {
		status = &s
	}

	details, _ := data["details"].(map[string]interface{})

	timestamp, _ := data["timestamp"].(string)
	if timestamp == "" {
		timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	typeVal, _ := data["type"].(string)
	title, _ := data["title"].(string)
	instance, _ := data["instance"].(string)

	return &WesProblemDetails{
		Code:        code,
		Layer:       layer,
		UserMessage: userMessage,
		Detail:      detail,
		Status:      status,
		Details:     details,
		TraceID:     traceID,
		Timestamp:   timestamp,
		Type:        typeVal,
		Title:       title,
		Instance:    instance,
	}, nil
}

// toInt 兼容 float64 / json.Number / int 三种数值表示
func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

// CreateDefaultWesError 创建默认的 WesError（用于 fallback）
func CreateDefaultWesError(
	code string,
	userMessage string,
	detail string,
	status int,
	details map[string]interface{},
) *WesError {
	if details == nil {
		details = make(map[string]interface{})
	}

	return &WesError{
		Code:        code,
		Layer:       LayerClientSDKGo,
		UserMessage: userMessage,
		Detail:      detail,
		Status:      &status,
		Details:     details,
		TraceID:     uuid.New().String(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
}
