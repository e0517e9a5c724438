package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketClient_GetHeightThenNewBlock(t *testing.T) {
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		if req.Method == "get_height" {
			nc.reply(req.ID, 42)
			return true
		}
		return false
	})
	c := newTestClient(t, n, nil)
	ctx := context.Background()

	height, err := c.Call(ctx, "get_height", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), height)

	blocks := make(chan interface{}, 1)
	_, err = c.Listen(ctx, Event("NewBlock"), func(result interface{}, err error) {
		assert.NoError(t, err)
		blocks <- result
	})
	require.NoError(t, err)

	subs := n.received("subscribe")
	require.Len(t, subs, 1)
	assert.JSONEq(t, `{"notify":"NewBlock"}`, string(subs[0].Params))

	// 推送沿用 subscribe 请求的 id
	assert.Equal(t, uint64(1), n.received("get_height")[0].ID)
	assert.Equal(t, uint64(2), subs[0].ID)
	n.conn(0).reply(2, map[string]interface{}{"height": 43})

	select {
	case block := <-blocks:
		assert.Equal(t, map[string]interface{}{"height": int64(43)}, block)
	case <-time.After(2 * time.Second):
		t.Fatal("NewBlock not delivered")
	}
}

func TestWebSocketClient_ConcurrentCallsOutOfOrder(t *testing.T) {
	const calls = 16

	var (
		mu      sync.Mutex
		waiting []rpcRequest
	)
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		mu.Lock()
		defer mu.Unlock()
		waiting = append(waiting, req)
		if len(waiting) < calls {
			return true
		}
		// 全部到齐后倒序应答，结果回显参数
		for i := len(waiting) - 1; i >= 0; i-- {
			var params []int
			_ = json.Unmarshal(waiting[i].Params, &params)
			nc.reply(waiting[i].ID, params[0])
		}
		return true
	})
	c := newTestClient(t, n, nil)

	var wg sync.WaitGroup
	results := make([]interface{}, calls)
	errs := make([]error, calls)
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Call(context.Background(), "echo", []int{i})
		}(i)
	}
	wg.Wait()

	for i := 0; i < calls; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(i), results[i])
	}
	assert.Zero(t, c.PendingCalls())
}

func TestWebSocketClient_Timeout(t *testing.T) {
	ids := make(chan uint64, 1)
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		switch req.Method {
		case "slow":
			ids <- req.ID
			return true
		case "fast":
			nc.reply(req.ID, "fast")
			return true
		}
		return false
	})
	timeout := 150 * time.Millisecond
	c := newTestClient(t, n, func(cfg *Config) { cfg.Timeout = timeout })

	start := time.Now()
	_, err := c.Call(context.Background(), "slow", nil)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)
	assert.Zero(t, c.PendingCalls())

	// 迟到的响应被忽略，不会结果错配
	n.conn(0).reply(<-ids, "late")

	result, err := c.Call(context.Background(), "fast", nil)
	require.NoError(t, err)
	assert.Equal(t, "fast", result)
}

func TestWebSocketClient_ZeroTimeoutWaitsForContext(t *testing.T) {
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		return req.Method == "hang"
	})
	c := newTestClient(t, n, func(cfg *Config) { cfg.Timeout = 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := c.Call(ctx, "hang", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, c.PendingCalls())
}

func TestWebSocketClient_RemoteError(t *testing.T) {
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		nc.replyError(req.ID, -32601, "Method not found")
		return true
	})
	c := newTestClient(t, n, nil)

	_, err := c.Call(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, "Method not found", err.Error())

	rpcErr, ok := IsRemoteError(err)
	require.True(t, ok)
	assert.Equal(t, -32601, rpcErr.Code)
}

func TestWebSocketClient_RemoteErrorWithProblemDetails(t *testing.T) {
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		nc.sendRaw(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"error":{"code":-32000,"message":"tx not found","data":{
			"code":"BC_TX_NOT_FOUND","layer":"blockchain-service","userMessage":"交易不存在","traceId":"trace-1"}}}`)
		return true
	})
	c := newTestClient(t, n, nil)

	_, err := c.Call(context.Background(), "get_transaction", []string{"0x01"})
	require.Error(t, err)
	assert.Equal(t, "tx not found", err.Error())

	wesErr, ok := IsWesError(err)
	require.True(t, ok)
	assert.Equal(t, "BC_TX_NOT_FOUND", wesErr.Code)
}

func TestWebSocketClient_CallIntoPreservesPrecision(t *testing.T) {
	const huge = "123456789012345678901234567890123"
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		nc.sendRaw(`{"jsonrpc":"2.0","id":` + jsonID(req.ID) + `,"result":{"balance":` + huge + `,"topoheight":7}}`)
		return true
	})
	c := newTestClient(t, n, nil)

	var out struct {
		Balance    *big.Int `json:"balance"`
		Topoheight uint64   `json:"topoheight"`
	}
	require.NoError(t, c.CallInto(context.Background(), "get_balance", nil, &out))
	assert.Equal(t, huge, out.Balance.String())
	assert.Equal(t, uint64(7), out.Topoheight)

	v, err := c.Call(context.Background(), "get_balance", nil)
	require.NoError(t, err)
	m := v.(map[string]interface{})
	require.IsType(t, &big.Int{}, m["balance"])
	assert.Equal(t, huge, m["balance"].(*big.Int).String())
}

func TestWebSocketClient_CallIntoDecodeError(t *testing.T) {
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		nc.reply(req.ID, "not a number")
		return true
	})
	c := newTestClient(t, n, nil)

	var out int
	err := c.CallInto(context.Background(), "get_height", nil, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.True(t, c.Connected())
}

func TestWebSocketClient_BatchCallPositional(t *testing.T) {
	n := newMockNode(t, nil, withBatch(func(nc *nodeConn, reqs []rpcRequest) {
		id := reqs[0].ID
		nc.send([]interface{}{
			map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": "a"},
			map[string]interface{}{"jsonrpc": "2.0", "id": id, "error": map[string]interface{}{"code": -1, "message": "boom"}},
			map[string]interface{}{"jsonrpc": "2.0", "id": id, "result": 3},
		})
	}))
	c := newTestClient(t, n, nil)

	results, err := c.BatchCall(context.Background(), []BatchRequest{
		{Method: "a"},
		{Method: "b"},
		{Method: "c", Params: []int{3}},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Error)
	assert.Equal(t, "a", results[0].Result)

	assert.ErrorIs(t, results[1].Error, ErrRemote)
	assert.Equal(t, "boom", results[1].Error.Error())

	assert.NoError(t, results[2].Error)
	assert.Equal(t, int64(3), results[2].Result)

	// 所有元素共用一个 id
	reqs := append(n.received("a"), n.received("b")...)
	reqs = append(reqs, n.received("c")...)
	require.Len(t, reqs, 3)
	assert.Equal(t, reqs[0].ID, reqs[1].ID)
	assert.Equal(t, reqs[0].ID, reqs[2].ID)
}

func TestWebSocketClient_BatchCallWithoutEchoedIDs(t *testing.T) {
	n := newMockNode(t, nil, withBatch(func(nc *nodeConn, reqs []rpcRequest) {
		nc.sendRaw(`[{"jsonrpc":"2.0","id":null,"result":1},{"jsonrpc":"2.0","id":null,"result":2}]`)
	}))
	c := newTestClient(t, n, nil)

	results, err := c.BatchCall(context.Background(), []BatchRequest{{Method: "a"}, {Method: "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), results[0].Result)
	assert.Equal(t, int64(2), results[1].Result)
}

func TestWebSocketClient_BatchCallTopLevelError(t *testing.T) {
	n := newMockNode(t, nil, withBatch(func(nc *nodeConn, reqs []rpcRequest) {
		nc.replyError(reqs[0].ID, -32600, "batch not allowed")
	}))
	c := newTestClient(t, n, nil)

	_, err := c.BatchCall(context.Background(), []BatchRequest{{Method: "a"}, {Method: "b"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemote)
	assert.Equal(t, "batch not allowed", err.Error())
}

func TestWebSocketClient_BatchCallEmptyResponse(t *testing.T) {
	n := newMockNode(t, nil, withBatch(func(nc *nodeConn, reqs []rpcRequest) {
		nc.reply(reqs[0].ID, nil)
	}))
	c := newTestClient(t, n, nil)

	_, err := c.BatchCall(context.Background(), []BatchRequest{{Method: "a"}})
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestWebSocketClient_MatchNullID(t *testing.T) {
	nullReply := func(nc *nodeConn, req rpcRequest) bool {
		nc.sendRaw(`{"jsonrpc":"2.0","id":null,"result":"quirk"}`)
		return true
	}

	t.Run("enabled", func(t *testing.T) {
		n := newMockNode(t, nullReply)
		c := newTestClient(t, n, func(cfg *Config) { cfg.MatchNullID = true })

		result, err := c.Call(context.Background(), "get_info", nil)
		require.NoError(t, err)
		assert.Equal(t, "quirk", result)
	})

	t.Run("disabled", func(t *testing.T) {
		n := newMockNode(t, nullReply)
		c := newTestClient(t, n, func(cfg *Config) { cfg.Timeout = 100 * time.Millisecond })

		_, err := c.Call(context.Background(), "get_info", nil)
		assert.ErrorIs(t, err, ErrTimeout)
	})
}

func TestWebSocketClient_MalformedFrameDropped(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetricsWithRegistry(reg)

	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		nc.sendRaw(`this is not json`)
		nc.sendRaw(`{"jsonrpc":"2.0","id":999,"result":"nobody"}`)
		nc.reply(req.ID, "ok")
		return true
	})
	c := newTestClient(t, n, func(cfg *Config) { cfg.Metrics = metrics })

	result, err := c.Call(context.Background(), "get_info", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("malformed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("unmatched")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.Calls.WithLabelValues(outcomeOK)))
	assert.Zero(t, testutil.ToFloat64(metrics.PendingCalls))
}

func TestWebSocketClient_MetadataMerged(t *testing.T) {
	n := newMockNode(t, nil)
	c := newTestClient(t, n, func(cfg *Config) {
		cfg.Metadata = map[string]interface{}{"api_key": "k1", "method": "override"}
	})

	_, err := c.Call(context.Background(), "get_info", nil)
	require.NoError(t, err)

	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(n.lastFrame(), &frame))
	assert.Equal(t, "k1", frame["api_key"])
	assert.Equal(t, "get_info", frame["method"])
	assert.Equal(t, "2.0", frame["jsonrpc"])
}

func TestWebSocketClient_ContextCanceled(t *testing.T) {
	n := newMockNode(t, func(nc *nodeConn, req rpcRequest) bool {
		return true
	})
	c := newTestClient(t, n, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Call(ctx, "hang", nil)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Zero(t, c.PendingCalls())
}

func jsonID(id uint64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
