package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/weisyn/wsrpc-go/client"
)

// Service Event 业务服务接口
type Service interface {
	// OnNewBlock 监听新区块
	OnNewBlock(ctx context.Context, fn func(*BlockEvent, error)) (*client.Listening, error)

	// OnBlockOrphaned 监听孤块
	OnBlockOrphaned(ctx context.Context, fn func(*BlockOrphanedEvent, error)) (*client.Listening, error)

	// OnTransactionAddedInMempool 监听进入内存池的交易
	OnTransactionAddedInMempool(ctx context.Context, fn func(*TransactionEvent, error)) (*client.Listening, error)

	// OnTransactionExecuted 监听已执行的交易
	OnTransactionExecuted(ctx context.Context, fn func(*TransactionExecutedEvent, error)) (*client.Listening, error)

	// OnContractEvent 监听合约事件
	OnContractEvent(ctx context.Context, contract []byte, eventID uint64, fn func(*ContractEventPayload, error)) (*client.Listening, error)

	// OnNewTopoHeight 监听钱包拓扑高度
	OnNewTopoHeight(ctx context.Context, fn func(*TopoHeightEvent, error)) (*client.Listening, error)

	// OnBalanceChanged 监听地址余额变化
	OnBalanceChanged(ctx context.Context, address string, asset []byte, fn func(*BalanceChangedEvent, error)) (*client.Listening, error)

	// OnNewTransaction 监听钱包新交易
	OnNewTransaction(ctx context.Context, fn func(*WalletTransactionEvent, error)) (*client.Listening, error)

	// OnOnline 钱包上线
	OnOnline(ctx context.Context, fn func(error)) (*client.Listening, error)

	// OnOffline 钱包离线
	OnOffline(ctx context.Context, fn func(error)) (*client.Listening, error)

	// SubscribeEvents 以 channel 形式接收事件，ctx 结束时移除监听并关闭 channel
	SubscribeEvents(ctx context.Context, key client.EventKey) (<-chan *EventInfo, error)
}

// eventService Event 服务实现
type eventService struct {
	client client.SubscriptionClient
}

// NewService 创建 Event 服务
func NewService(c client.SubscriptionClient) Service {
	return &eventService{
		client: c,
	}
}

// EventInfo 事件信息
type EventInfo struct {
	Key    client.EventKey
	Result interface{}
	Err    error
}

// Decode 将事件结果解码到 out
func (e *EventInfo) Decode(out interface{}) error {
	if e.Err != nil {
		return e.Err
	}
	return decodeInto(e.Result, out)
}

// Listen 为事件键注册监听者，推送结果解码为 T
func Listen[T any](ctx context.Context, c client.SubscriptionClient, key client.EventKey, fn func(*T, error)) (*client.Listening, error) {
	return c.Listen(ctx, key, func(result interface{}, err error) {
		if err != nil {
			fn(nil, err)
			return
		}
		out := new(T)
		if err := decodeInto(result, out); err != nil {
			fn(nil, client.NewDecodeError(err))
			return
		}
		fn(out, nil)
	})
}

// decodeInto 将监听者收到的通用值重新编码后解码到 out
func decodeInto(result interface{}, out interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal event result: %w", err)
	}
	return client.DecodeResult(raw, out)
}

func (s *eventService) OnNewBlock(ctx context.Context, fn func(*BlockEvent, error)) (*client.Listening, error) {
	return Listen(ctx, s.client, client.Event(NewBlock), fn)
}

func (s *eventService) OnBlockOrphaned(ctx context.Context, fn func(*BlockOrphanedEvent, error)) (*client.Listening, error) {
	return Listen(ctx, s.client, client.Event(BlockOrphaned), fn)
}

func (s *eventService) OnTransactionAddedInMempool(ctx context.Context, fn func(*TransactionEvent, error)) (*client.Listening, error) {
	return Listen(ctx, s.client, client.Event(TransactionAddedInMempool), fn)
}

func (s *eventService) OnTransactionExecuted(ctx context.Context, fn func(*TransactionExecutedEvent, error)) (*client.Listening, error) {
	return Listen(ctx, s.client, client.Event(TransactionExecuted), fn)
}

func (s *eventService) OnContractEvent(ctx context.Context, contract []byte, eventID uint64, fn func(*ContractEventPayload, error)) (*client.Listening, error) {
	key, err := ContractEventKey(contract, eventID)
	if err != nil {
		return nil, err
	}
	return Listen(ctx, s.client, key, fn)
}

func (s *eventService) OnNewTopoHeight(ctx context.Context, fn func(*TopoHeightEvent, error)) (*client.Listening, error) {
	return Listen(ctx, s.client, client.Event(NewTopoHeight), fn)
}

func (s *eventService) OnBalanceChanged(ctx context.Context, address string, asset []byte, fn func(*BalanceChangedEvent, error)) (*client.Listening, error) {
	key, err := BalanceChangedKey(address, asset)
	if err != nil {
		return nil, err
	}
	return Listen(ctx, s.client, key, fn)
}

func (s *eventService) OnNewTransaction(ctx context.Context, fn func(*WalletTransactionEvent, error)) (*client.Listening, error) {
	return Listen(ctx, s.client, client.Event(NewTransaction), fn)
}

func (s *eventService) OnOnline(ctx context.Context, fn func(error)) (*client.Listening, error) {
	return s.client.Listen(ctx, client.Event(Online), func(_ interface{}, err error) { fn(err) })
}

func (s *eventService) OnOffline(ctx context.Context, fn func(error)) (*client.Listening, error) {
	return s.client.Listen(ctx, client.Event(Offline), func(_ interface{}, err error) { fn(err) })
}

// SubscribeEvents 订阅事件
func (s *eventService) SubscribeEvents(ctx context.Context, key client.EventKey) (<-chan *EventInfo, error) {
	infoChan := make(chan *EventInfo, 10)

	var (
		mu     sync.Mutex
		closed bool
	)
	listening, err := s.client.Listen(ctx, key, func(result interface{}, err error) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case infoChan <- &EventInfo{Key: key, Result: result, Err: err}:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe events failed: %w", err)
	}

	go func() {
		<-ctx.Done()
		listening.Detach()

		mu.Lock()
		closed = true
		close(infoChan)
		mu.Unlock()
	}()

	return infoChan, nil
}
