package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/weisyn/wsrpc-go/types"
)

// httpClient HTTP 传输：每个 JSON-RPC 帧一次 POST
type httpClient struct {
	endpoint string
	header   http.Header
	client   *http.Client
	logger   Logger
	retry    *RetryConfig
}

// NewHTTPClient 创建HTTP客户端
func NewHTTPClient(config *Config) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	httpCli := &http.Client{
		Timeout: config.Timeout,
	}
	if config.Timeout < 0 {
		httpCli.Timeout = 0
	}

	tlsCfg, err := config.tlsConfig()
	if err != nil {
		return nil, err
	}
	if tlsCfg != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = tlsCfg
		httpCli.Transport = transport
	}

	logger := config.logger()
	retryConfig := config.Retry
	if retryConfig == nil {
		retryConfig = DefaultRetryConfig()
		if config.Debug {
			retryConfig.OnRetry = func(attempt int, err error) {
				logger.Warn("Retrying request", "attempt", attempt, "error", err)
			}
		}
	}

	transport := &httpClient{
		endpoint: config.Endpoint,
		header:   config.Header,
		client:   httpCli,
		logger:   logger,
		retry:    retryConfig,
	}
	return newUnaryClient(config, transport), nil
}

// roundTrip 发送一帧并返回响应体（带重试）
func (c *httpClient) roundTrip(ctx context.Context, frame []byte) ([]byte, error) {
	var body []byte

	err := withRetry(ctx, func() error {
		// 每次重试都创建新的请求（Body 只能读取一次）
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(frame))
		if err != nil {
			return fmt.Errorf("create request failed: %w", err)
		}
		for k, vs := range c.header {
			for _, v := range vs {
				httpReq.Header.Add(k, v)
			}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(httpReq)
		if err != nil {
			return err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				c.logger.Warn("Failed to close response body", "error", err)
			}
		}()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response failed: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return c.statusError(resp, respBody)
		}

		body = respBody
		return nil
	}, c.retry)
	if err != nil {
		if _, ok := types.IsWesError(err); ok {
			return nil, err
		}
		return nil, NewNetworkError(err)
	}
	return body, nil
}

// statusError 将非 200 响应转换为错误；携带 Problem Details 时返回 *types.WesError
func (c *httpClient) statusError(resp *http.Response, body []byte) error {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "application/problem+json" || mediaType == "application/json" {
		var pd types.WesProblemDetails
		if err := json.Unmarshal(body, &pd); err == nil &&
			pd.Code != "" && pd.Layer != "" && pd.UserMessage != "" && pd.TraceID != "" {
			if pd.Status == nil {
				status := resp.StatusCode
				pd.Status = &status
			}
			return types.NewWesErrorFromProblemDetails(&pd)
		}
	}

	return &httpStatusError{StatusCode: resp.StatusCode, Body: string(body)}
}

func (c *httpClient) close() error {
	c.client.CloseIdleConnections()
	return nil
}

// httpStatusError 非 200 的 HTTP 响应
type httpStatusError struct {
	StatusCode int
	Body       string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("HTTP error: %d, body: %s", e.StatusCode, e.Body)
}
