package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// EventKey 事件键：事件名加上静态参数的规范 JSON
//
// EventKey 是可比较的值类型，可直接作为 map 键。
type EventKey struct {
	Name   string
	Params string
}

// NewEventKey 创建事件键，params 中的字段会与 notify 一起出现在 subscribe 参数中
func NewEventKey(name string, params map[string]interface{}) (EventKey, error) {
	if name == "" {
		return EventKey{}, fmt.Errorf("empty event name")
	}
	if len(params) == 0 {
		return EventKey{Name: name}, nil
	}
	if _, ok := params["notify"]; ok {
		return EventKey{}, fmt.Errorf("event params must not contain notify")
	}
	// map 按键排序序列化，相同参数得到相同的键
	data, err := json.Marshal(params)
	if err != nil {
		return EventKey{}, fmt.Errorf("marshal event params: %w", err)
	}
	return EventKey{Name: name, Params: string(data)}, nil
}

// Event 创建不带参数的事件键
func Event(name string) EventKey {
	return EventKey{Name: name}
}

func (k EventKey) String() string {
	if k.Params == "" {
		return k.Name
	}
	return k.Name + k.Params
}

// requestParams subscribe / unsubscribe 使用的参数
func (k EventKey) requestParams() (map[string]interface{}, error) {
	params := make(map[string]interface{})
	if k.Params != "" {
		if err := json.Unmarshal([]byte(k.Params), &params); err != nil {
			return nil, fmt.Errorf("decode event params: %w", err)
		}
	}
	params["notify"] = k.Name
	return params, nil
}

// Listener 事件监听函数；推送解码失败或远端在订阅上报错时 err 非空
type Listener func(result interface{}, err error)

type subState int

const (
	stateSubscribing subState = iota + 1
	stateActive
	stateGrace
)

func (s subState) String() string {
	switch s {
	case stateSubscribing:
		return "subscribing"
	case stateActive:
		return "active"
	case stateGrace:
		return "grace_period"
	}
	return "unsubscribed"
}

// subscription 一个事件键在本地的订阅状态
type subscription struct {
	key       EventKey
	state     subState
	remoteID  uint64
	listeners []*listenerEntry

	// ready 在 subscribe 结果确定后关闭，err 为其结果
	ready chan struct{}
	err   error

	timer    *time.Timer
	timerSeq uint64

	events chan inbound
	done   chan struct{}
}

type listenerEntry struct {
	fn Listener
}

type inbound struct {
	raw json.RawMessage
	err error
}

// Listening Listen 返回的句柄
type Listening struct {
	client *WebSocketClient
	sub    *subscription
	entry  *listenerEntry
	once   sync.Once
}

// Key 返回监听的事件键
func (l *Listening) Key() EventKey {
	return l.sub.key
}

// Detach 移除监听者，可重复调用
//
// 最后一个监听者移除后订阅进入宽限期，宽限期内无人重新监听才发送 unsubscribe。
func (l *Listening) Detach() {
	l.once.Do(func() {
		l.client.detach(l.sub, l.entry)
	})
}

// Listen 为事件键注册监听者
//
// 第一个监听者触发远端 subscribe；同一键上并发的 Listen 等待同一次 subscribe 的结果。
// subscribe 失败时所有等待者都得到 SubscriptionFailed，订阅被丢弃。
func (c *WebSocketClient) Listen(ctx context.Context, key EventKey, fn Listener) (*Listening, error) {
	if fn == nil {
		return nil, fmt.Errorf("nil listener")
	}
	if c.current() == nil {
		return nil, NewNotConnectedError("websocket not connected")
	}

	entry := &listenerEntry{fn: fn}

	c.mu.Lock()
	if sub, ok := c.subs[key]; ok {
		sub.listeners = append(sub.listeners, entry)
		switch sub.state {
		case stateGrace:
			sub.cancelGrace()
			sub.state = stateActive
			c.mu.Unlock()
			c.logger.Debug("subscription resumed within grace period", "event", key.String())
			return c.listening(sub, entry), nil
		case stateActive:
			c.mu.Unlock()
			return c.listening(sub, entry), nil
		}

		ready := sub.ready
		c.mu.Unlock()
		select {
		case <-ready:
		case <-ctx.Done():
			c.detach(sub, entry)
			return nil, ctx.Err()
		}
		if sub.err != nil {
			return nil, sub.err
		}
		return c.listening(sub, entry), nil
	}

	sub := c.newSubscription(key)
	sub.listeners = append(sub.listeners, entry)
	c.subs[key] = sub
	flushing := c.flushing[key]
	c.mu.Unlock()

	remoteID, err := c.subscribe(ctx, key, flushing)
	return c.confirm(sub, entry, remoteID, err)
}

// confirm 根据 subscribe 结果完成注册
func (c *WebSocketClient) confirm(sub *subscription, entry *listenerEntry, remoteID uint64, err error) (*Listening, error) {
	key := sub.key

	c.mu.Lock()
	registered := c.subs[key] == sub
	if err != nil {
		if registered {
			c.removeSubLocked(sub)
		}
		sub.err = NewSubscriptionFailedError(key.String(), err)
		close(sub.ready)
		c.mu.Unlock()
		c.logger.Warn("subscribe failed", "event", key.String(), "error", err)
		return nil, sub.err
	}

	if !registered {
		// 确认前订阅已被移除（断线或 CloseAllListeners），撤销远端订阅
		sub.err = NewSubscriptionFailedError(key.String(), errors.New("subscription discarded before confirmation"))
		close(sub.ready)
		var w *unsubscribeWrite
		if _, replaced := c.subs[key]; !replaced {
			if sess := c.current(); sess != nil {
				w, _ = c.prepareUnsubscribeLocked(sess, key)
			}
		}
		c.mu.Unlock()
		if w != nil {
			if p, err := c.sendUnsubscribe(w); err == nil {
				go c.finishUnsubscribe(key, p)
			}
		}
		return nil, sub.err
	}

	sub.state = stateActive
	sub.remoteID = remoteID
	c.byRemote[remoteID] = sub
	close(sub.ready)
	if len(sub.listeners) == 0 {
		c.startGraceLocked(sub)
	}
	c.mu.Unlock()

	c.metrics.subscriptionActive()
	c.logger.Debug("subscribed", "event", key.String(), "id", remoteID)
	return c.listening(sub, entry), nil
}

func (c *WebSocketClient) listening(sub *subscription, entry *listenerEntry) *Listening {
	return &Listening{client: c, sub: sub, entry: entry}
}

// subscribe 发送 subscribe，返回推送使用的 id
//
// flushing 非空时先等待同一键上的 unsubscribe 写出。
func (c *WebSocketClient) subscribe(ctx context.Context, key EventKey, flushing <-chan struct{}) (uint64, error) {
	params, err := key.requestParams()
	if err != nil {
		return 0, err
	}
	if flushing != nil {
		select {
		case <-flushing:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	raw, id, err := c.roundTrip(ctx, "subscribe", params)
	if err != nil {
		return 0, err
	}
	var accepted bool
	if json.Unmarshal(raw, &accepted) == nil && !accepted {
		return 0, fmt.Errorf("subscribe rejected by node")
	}
	// 推送沿用 subscribe 请求的 id，结果中的任何 id 字段都不参与匹配
	return id, nil
}

// unsubscribeWrite 已登记 id、尚未写出的 unsubscribe
type unsubscribeWrite struct {
	sess *session
	key  EventKey
	p    *pendingCall
	data []byte
	done chan struct{}
}

// prepareUnsubscribeLocked 在持有 c.mu 时登记 unsubscribe，写出由 sendUnsubscribe 在锁外完成
func (c *WebSocketClient) prepareUnsubscribeLocked(sess *session, key EventKey) (*unsubscribeWrite, error) {
	params, err := key.requestParams()
	if err != nil {
		return nil, err
	}
	p, data, err := c.prepareLocked("unsubscribe", params, nil)
	if err != nil {
		return nil, err
	}
	w := &unsubscribeWrite{sess: sess, key: key, p: p, data: data, done: make(chan struct{})}
	c.flushing[key] = w.done
	return w, nil
}

// sendUnsubscribe 写出 unsubscribe 并放行同一键上等待中的 subscribe
func (c *WebSocketClient) sendUnsubscribe(w *unsubscribeWrite) (*pendingCall, error) {
	err := w.sess.write(w.data)

	c.mu.Lock()
	if c.flushing[w.key] == w.done {
		delete(c.flushing, w.key)
	}
	if err != nil {
		c.dropPendingLocked(w.p)
	}
	c.mu.Unlock()
	close(w.done)

	if err != nil {
		c.logger.Warn("unsubscribe failed", "event", w.key.String(), "error", err)
		return nil, NewWriteError(err)
	}
	c.debugFrame("send", w.data)
	return w.p, nil
}

func (c *WebSocketClient) finishUnsubscribe(key EventKey, p *pendingCall) {
	ctx := context.Background()
	if _, err := c.await(ctx, p); err != nil {
		c.logger.Warn("unsubscribe failed", "event", key.String(), "error", err)
	}
}

// detach 移除一个监听者
func (c *WebSocketClient) detach(sub *subscription, entry *listenerEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[sub.key] != sub {
		return
	}
	for i, e := range sub.listeners {
		if e == entry {
			sub.listeners = append(sub.listeners[:i], sub.listeners[i+1:]...)
			break
		}
	}
	if len(sub.listeners) == 0 && sub.state == stateActive {
		c.startGraceLocked(sub)
	}
}

// startGraceLocked 进入宽限期并启动延迟 unsubscribe
func (c *WebSocketClient) startGraceLocked(sub *subscription) {
	sub.state = stateGrace
	sub.timerSeq++
	seq := sub.timerSeq
	sub.timer = time.AfterFunc(c.config.GracePeriod, func() {
		c.expire(sub, seq)
	})
}

// cancelGrace 取消宽限期计时；计时器已触发时由 seq 校验保证无副作用
func (s *subscription) cancelGrace() {
	s.timerSeq++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// expire 宽限期结束：仍无监听者则移除订阅并发送 unsubscribe（未连接时跳过）
func (c *WebSocketClient) expire(sub *subscription, seq uint64) {
	c.mu.Lock()
	if c.subs[sub.key] != sub || sub.state != stateGrace || sub.timerSeq != seq || len(sub.listeners) != 0 {
		c.mu.Unlock()
		return
	}
	c.removeSubLocked(sub)

	var w *unsubscribeWrite
	if sess := c.current(); sess != nil {
		var err error
		if w, err = c.prepareUnsubscribeLocked(sess, sub.key); err != nil {
			c.logger.Warn("unsubscribe failed", "event", sub.key.String(), "error", err)
		}
	}
	c.mu.Unlock()

	if w == nil {
		return
	}
	if p, err := c.sendUnsubscribe(w); err == nil {
		c.finishUnsubscribe(sub.key, p)
	}
}

// CloseAllListeners 立即移除事件键上的全部监听者，已订阅时发送 unsubscribe
func (c *WebSocketClient) CloseAllListeners(ctx context.Context, key EventKey) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	subscribed := sub.state == stateActive || sub.state == stateGrace
	c.removeSubLocked(sub)

	var (
		w   *unsubscribeWrite
		err error
	)
	if subscribed {
		if sess := c.current(); sess != nil {
			w, err = c.prepareUnsubscribeLocked(sess, key)
		}
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if w == nil {
		return nil
	}
	p, err := c.sendUnsubscribe(w)
	if err != nil {
		return err
	}
	_, err = c.await(ctx, p)
	return err
}

// Subscriptions 返回当前本地登记的事件键
func (c *WebSocketClient) Subscriptions() []EventKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]EventKey, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	return keys
}

// ListenerCount 返回事件键上的监听者数量
func (c *WebSocketClient) ListenerCount(key EventKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sub, ok := c.subs[key]; ok {
		return len(sub.listeners)
	}
	return 0
}

func (c *WebSocketClient) newSubscription(key EventKey) *subscription {
	size := c.config.EventBufferSize
	if size <= 0 {
		size = defaultEventBufferSize
	}
	sub := &subscription{
		key:    key,
		state:  stateSubscribing,
		ready:  make(chan struct{}),
		events: make(chan inbound, size),
		done:   make(chan struct{}),
	}
	go c.pump(sub)
	return sub
}

// removeSubLocked 从订阅表移除并停止投递
func (c *WebSocketClient) removeSubLocked(sub *subscription) {
	if c.subs[sub.key] == sub {
		delete(c.subs, sub.key)
	}
	if sub.remoteID != 0 && c.byRemote[sub.remoteID] == sub {
		delete(c.byRemote, sub.remoteID)
	}
	if sub.state == stateActive || sub.state == stateGrace {
		c.metrics.subscriptionRemoved()
	}
	sub.cancelGrace()
	close(sub.done)
}

// clearSubscriptions 丢弃全部订阅，不发送 unsubscribe
func (c *WebSocketClient) clearSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, sub := range c.subs {
		c.removeSubLocked(sub)
	}
}

// pushLocked 把推送放入订阅的投递队列；队列满时丢弃
func (c *WebSocketClient) pushLocked(sub *subscription, ev inbound) {
	select {
	case sub.events <- ev:
	default:
		c.logger.Warn("event queue full, dropping event", "event", sub.key.String())
		c.metrics.eventDropped(sub.key.Name)
	}
}

// pump 按顺序把推送交给监听者，订阅移除后退出
func (c *WebSocketClient) pump(sub *subscription) {
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.events:
			c.deliver(sub, ev)
		}
	}
}

func (c *WebSocketClient) deliver(sub *subscription, ev inbound) {
	c.mu.Lock()
	listeners := append([]*listenerEntry(nil), sub.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		var result interface{}
		err := ev.err
		if err == nil {
			// 每个监听者拿到独立解码的值
			if result, err = decodeValue(ev.raw); err != nil {
				err = NewDecodeError(err)
			}
		}
		c.invoke(sub.key, l, result, err)
	}
	c.metrics.eventDelivered(sub.key.Name)
}

// invoke 调用监听者，panic 只影响本次调用
func (c *WebSocketClient) invoke(key EventKey, l *listenerEntry, result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("listener panicked", "event", key.String(), "panic", r)
		}
	}()
	l.fn(result, err)
}
