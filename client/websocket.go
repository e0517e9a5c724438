package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const defaultEventBufferSize = 256

// WebSocketClient 基于单条 WebSocket 长连接的 JSON-RPC 客户端
//
// 一条连接同时承载任意数量的并发调用和事件订阅。
// 所有状态都属于该实例，不存在全局单例。
type WebSocketClient struct {
	config  *Config
	logger  Logger
	metrics *Metrics
	dialer  *websocket.Dialer

	// nextID 请求 id 计数器，仅在显式 Connect 时归零
	nextID atomic.Uint64

	// connMu 保护连接状态
	connMu   sync.Mutex
	endpoint string
	sess     *session
	gen      uint64
	epoch    uint64 // Connect/Close 时递增，使旧的重连任务失效
	closed   bool
	attempts int

	// mu 保护调用表与订阅表
	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	batches  []uint64
	firstID  uint64
	subs     map[EventKey]*subscription
	byRemote map[uint64]*subscription
	// flushing 已登记但尚未写出的 unsubscribe，同一键上新的 subscribe 要等它写完
	flushing map[EventKey]chan struct{}
}

// session 一次成功握手得到的底层连接
type session struct {
	id      string
	gen     uint64
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
	local   atomic.Bool
}

// write 串行写入一帧
func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.timeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// closeLocal 本端主动关闭：发送 normal closure 后断开
func (s *session) closeLocal() error {
	if !s.local.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// NewWebSocketClient 创建 WebSocket 客户端并建立连接
func NewWebSocketClient(config *Config) (*WebSocketClient, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	c, err := newWebSocketClient(config)
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.HandshakeTimeout)
		defer cancel()
	}

	if err := c.Connect(ctx, toWebSocketURL(config.Endpoint)); err != nil {
		return nil, err
	}
	return c, nil
}

func newWebSocketClient(config *Config) (*WebSocketClient, error) {
	tlsCfg, err := config.tlsConfig()
	if err != nil {
		return nil, err
	}

	return &WebSocketClient{
		config:  config,
		logger:  config.logger(),
		metrics: config.Metrics,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
		pending:  make(map[uint64]*pendingCall),
		subs:     make(map[EventKey]*subscription),
		byRemote: make(map[uint64]*subscription),
		flushing: make(map[EventKey]chan struct{}),
	}, nil
}

// toWebSocketURL 将 http(s) 端点转换为 ws(s)
func toWebSocketURL(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		return "ws://" + strings.TrimPrefix(endpoint, "http://")
	case strings.HasPrefix(endpoint, "https://"):
		return "wss://" + strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return endpoint
	}
	return "ws://" + endpoint
}

// Connect 连接到 endpoint
//
// 已有连接会先被关闭；id 计数器、未完成调用和订阅全部重置。
// 未完成的调用以 NotConnected 失败。
func (c *WebSocketClient) Connect(ctx context.Context, endpoint string) error {
	c.connMu.Lock()
	c.closed = false
	c.epoch++
	epoch := c.epoch
	c.endpoint = endpoint
	c.attempts = 0
	old := c.sess
	c.sess = nil
	c.connMu.Unlock()

	if old != nil {
		_ = old.closeLocal()
	}
	c.reset(NewNotConnectedError("connection replaced"))
	c.nextID.Store(0)

	sess, err := c.dial(ctx, endpoint)
	if err != nil {
		return NewNetworkError(fmt.Errorf("dial %s: %w", endpoint, err))
	}
	if !c.install(sess, epoch) {
		return NewNotConnectedError("connection superseded")
	}

	c.logger.Info("websocket connected", "endpoint", endpoint, "session", sess.id)
	return nil
}

// Close 关闭连接并禁止自动重连，可重复调用
func (c *WebSocketClient) Close() error {
	c.connMu.Lock()
	if c.closed {
		c.connMu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++
	endpoint := c.endpoint
	sess := c.sess
	c.sess = nil
	c.connMu.Unlock()

	c.reset(NewNotConnectedError("client closed"))

	if sess == nil {
		return nil
	}
	c.logger.Info("websocket closed", "endpoint", endpoint, "session", sess.id)
	return sess.closeLocal()
}

// Connected 当前是否持有可用连接
func (c *WebSocketClient) Connected() bool {
	return c.current() != nil
}

func (c *WebSocketClient) current() *session {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.sess
}

func (c *WebSocketClient) dial(ctx context.Context, endpoint string) (*session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, endpoint, c.config.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &session{
		id:      uuid.NewString(),
		conn:    conn,
		timeout: c.config.WriteTimeout,
	}, nil
}

// install 把新连接设为当前连接；epoch 已变化时丢弃该连接
func (c *WebSocketClient) install(sess *session, epoch uint64) bool {
	c.connMu.Lock()
	if c.closed || c.epoch != epoch {
		c.connMu.Unlock()
		_ = sess.closeLocal()
		return false
	}
	c.gen++
	sess.gen = c.gen
	c.sess = sess
	c.attempts = 0
	c.connMu.Unlock()

	c.mu.Lock()
	c.firstID = 0
	c.mu.Unlock()

	go c.readLoop(sess)
	return true
}

// readLoop 读取并分发入站帧，直到连接断开
func (c *WebSocketClient) readLoop(sess *session) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			c.handleClose(sess, err)
			return
		}

		if c.current() != sess {
			c.logger.Debug("drop frame from superseded connection", "session", sess.id, "generation", sess.gen)
			c.metrics.frameDropped("superseded")
			continue
		}
		c.dispatch(data)
	}
}

// handleClose 处理连接断开
//
// 非本端关闭且不是 normal closure 时视为异常断开，按配置重连。
// 订阅不会随重连恢复；未完成调用保留，由超时结束。
func (c *WebSocketClient) handleClose(sess *session, err error) {
	c.connMu.Lock()
	if c.sess != sess {
		c.connMu.Unlock()
		return
	}
	c.sess = nil
	epoch := c.epoch
	endpoint := c.endpoint
	unclean := !sess.local.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure)
	reconnect := unclean && c.config.ReconnectOnLoss && !c.closed
	c.connMu.Unlock()

	_ = sess.conn.Close()
	c.clearSubscriptions()

	if !reconnect {
		c.logger.Info("websocket connection closed", "endpoint", endpoint, "session", sess.id, "error", err)
		c.failPending(NewNotConnectedError("connection closed"))
		return
	}

	c.logger.Warn("websocket connection lost", "endpoint", endpoint, "session", sess.id, "error", err)
	go c.reconnect(epoch)
}

// reconnect 立即（或按 ReconnectDelay 延迟后）重连，超过最大次数后放弃
func (c *WebSocketClient) reconnect(epoch uint64) {
	for {
		if d := c.config.ReconnectDelay; d > 0 {
			time.Sleep(d)
		}

		c.connMu.Lock()
		if c.closed || c.epoch != epoch {
			c.connMu.Unlock()
			return
		}
		c.attempts++
		attempt := c.attempts
		endpoint := c.endpoint
		c.connMu.Unlock()

		if attempt > c.config.MaxReconnectAttempts {
			c.logger.Error("giving up reconnection", "endpoint", endpoint, "attempts", attempt-1)
			c.failPending(NewNotConnectedError("reconnection abandoned"))
			return
		}

		c.metrics.reconnectAttempt()
		c.logger.Info("reconnecting", "endpoint", endpoint, "attempt", attempt)

		ctx := context.Background()
		var cancel context.CancelFunc = func() {}
		if c.config.HandshakeTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		}
		sess, err := c.dial(ctx, endpoint)
		cancel()
		if err != nil {
			c.logger.Warn("reconnect attempt failed", "endpoint", endpoint, "attempt", attempt, "error", err)
			continue
		}

		if !c.install(sess, epoch) {
			return
		}
		c.logger.Info("websocket reconnected", "endpoint", endpoint, "session", sess.id, "attempt", attempt)
		if c.config.OnReconnect != nil {
			c.config.OnReconnect()
		}
		return
	}
}

// reset 清空全部调用与订阅状态
func (c *WebSocketClient) reset(err error) {
	c.failPending(err)
	c.clearSubscriptions()
}

