package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// rpcRequest 测试节点收到的请求
type rpcRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// nodeConn 测试节点上的一条连接
type nodeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *nodeConn) send(v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteJSON(v)
}

func (c *nodeConn) sendRaw(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *nodeConn) reply(id uint64, result interface{}) {
	c.send(map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": result})
}

func (c *nodeConn) replyError(id uint64, code int, message string) {
	c.send(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]interface{}{"code": code, "message": message},
	})
}

// drop 不发送关闭帧直接断开，客户端视为异常断线
func (c *nodeConn) drop() {
	_ = c.conn.UnderlyingConn().Close()
}

// closeNormal 发送 normal closure 后断开
func (c *nodeConn) closeNormal() {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}

// mockNode 进程内的 WebSocket JSON-RPC 节点
type mockNode struct {
	t      *testing.T
	server *httptest.Server

	// handle 处理单个请求；返回 false 时使用默认应答
	handle func(nc *nodeConn, req rpcRequest) bool
	// handleBatch 处理批量请求
	handleBatch func(nc *nodeConn, reqs []rpcRequest)

	hits   atomic.Int32
	reject atomic.Bool
	header atomic.Pointer[http.Header]

	mu       sync.Mutex
	conns    []*nodeConn
	requests []rpcRequest
	frames   [][]byte
}

// withBatch 设置批量请求处理函数
func withBatch(fn func(nc *nodeConn, reqs []rpcRequest)) func(*mockNode) {
	return func(n *mockNode) { n.handleBatch = fn }
}

func newMockNode(t *testing.T, handle func(nc *nodeConn, req rpcRequest) bool, opts ...func(*mockNode)) *mockNode {
	t.Helper()

	n := &mockNode{t: t, handle: handle}
	for _, opt := range opts {
		opt(n)
	}
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n.hits.Add(1)
		h := r.Header.Clone()
		n.header.Store(&h)
		if n.reject.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		nc := &nodeConn{conn: conn}
		n.mu.Lock()
		n.conns = append(n.conns, nc)
		n.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			n.serve(nc, data)
		}
	}))
	t.Cleanup(n.server.Close)
	return n
}

func (n *mockNode) serve(nc *nodeConn, data []byte) {
	n.mu.Lock()
	n.frames = append(n.frames, append([]byte(nil), data...))
	n.mu.Unlock()

	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
		var reqs []rpcRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return
		}
		n.mu.Lock()
		n.requests = append(n.requests, reqs...)
		n.mu.Unlock()
		if n.handleBatch != nil {
			n.handleBatch(nc, reqs)
		}
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	n.mu.Lock()
	n.requests = append(n.requests, req)
	n.mu.Unlock()

	if n.handle != nil && n.handle(nc, req) {
		return
	}
	switch req.Method {
	case "subscribe", "unsubscribe":
		nc.reply(req.ID, true)
	default:
		nc.reply(req.ID, nil)
	}
}

func (n *mockNode) url() string {
	return "ws" + strings.TrimPrefix(n.server.URL, "http")
}

// conn 返回第 i 条连接
func (n *mockNode) conn(i int) *nodeConn {
	n.t.Helper()
	require.Eventually(n.t, func() bool {
		n.mu.Lock()
		defer n.mu.Unlock()
		return len(n.conns) > i
	}, 2*time.Second, 5*time.Millisecond)

	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[i]
}

// count 返回收到的指定方法请求数
func (n *mockNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	total := 0
	for _, r := range n.requests {
		if r.Method == method {
			total++
		}
	}
	return total
}

// received 返回收到的指定方法请求
func (n *mockNode) received(method string) []rpcRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	var out []rpcRequest
	for _, r := range n.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func (n *mockNode) lastFrame() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.frames) == 0 {
		return nil
	}
	return n.frames[len(n.frames)-1]
}

// newTestClient 连接到测试节点
func newTestClient(t *testing.T, n *mockNode, mutate func(*Config)) *WebSocketClient {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Endpoint = n.url()
	cfg.Timeout = 2 * time.Second
	cfg.GracePeriod = 100 * time.Millisecond
	if mutate != nil {
		mutate(cfg)
	}

	c, err := NewWebSocketClient(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}
