package event

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/weisyn/wsrpc-go/client"
	"github.com/weisyn/wsrpc-go/utils"
)

// 节点事件
const (
	NewBlock                  = "NewBlock"
	BlockOrphaned             = "BlockOrphaned"
	TransactionAddedInMempool = "TransactionAddedInMempool"
	TransactionExecuted       = "TransactionExecuted"
	ContractEvent             = "ContractEvent"
)

// 钱包事件
const (
	NewTopoHeight  = "NewTopoHeight"
	BalanceChanged = "BalanceChanged"
	NewTransaction = "NewTransaction"
	Online         = "Online"
	Offline        = "Offline"
)

// ContractEventKey 合约事件键，同一合约的不同事件 ID 是不同的订阅
func ContractEventKey(contract []byte, eventID uint64) (client.EventKey, error) {
	if len(contract) == 0 {
		return client.EventKey{}, fmt.Errorf("empty contract hash")
	}
	return client.NewEventKey(ContractEvent, map[string]interface{}{
		"contract": hexutil.Encode(contract),
		"id":       eventID,
	})
}

// BalanceChangedKey 地址余额变化事件键
//
// 地址可以是 Base58 或 0x 十六进制；asset 为空时监听全部资产。
func BalanceChangedKey(address string, asset []byte) (client.EventKey, error) {
	addr, err := utils.NormalizeAddress(address)
	if err != nil {
		return client.EventKey{}, fmt.Errorf("balance changed key: %w", err)
	}
	params := map[string]interface{}{"address": addr}
	if len(asset) > 0 {
		params["asset"] = hexutil.Encode(asset)
	}
	return client.NewEventKey(BalanceChanged, params)
}

// BlockEvent NewBlock 推送
type BlockEvent struct {
	Hash       hexutil.Bytes   `json:"hash"`
	Height     uint64          `json:"height"`
	TopoHeight uint64          `json:"topoheight"`
	Timestamp  uint64          `json:"timestamp"`
	Miner      string          `json:"miner"`
	Difficulty *big.Int        `json:"difficulty"`
	TxsHashes  []hexutil.Bytes `json:"txs_hashes"`
}

// BlockOrphanedEvent BlockOrphaned 推送
type BlockOrphanedEvent struct {
	BlockHash     hexutil.Bytes `json:"block_hash"`
	OldTopoHeight uint64        `json:"old_topoheight"`
}

// TransactionEvent TransactionAddedInMempool 推送
type TransactionEvent struct {
	Hash   hexutil.Bytes `json:"hash"`
	Source string        `json:"source"`
	Fee    *big.Int      `json:"fee"`
	Nonce  uint64        `json:"nonce"`
	Size   uint64        `json:"size"`
}

// TransactionExecutedEvent TransactionExecuted 推送
type TransactionExecutedEvent struct {
	BlockHash  hexutil.Bytes `json:"block_hash"`
	TxHash     hexutil.Bytes `json:"tx_hash"`
	TopoHeight uint64        `json:"topoheight"`
}

// ContractEventPayload ContractEvent 推送
type ContractEventPayload struct {
	Contract   hexutil.Bytes `json:"contract"`
	EventID    uint64        `json:"id"`
	TxHash     hexutil.Bytes `json:"tx_hash"`
	TopoHeight uint64        `json:"topoheight"`
	Data       hexutil.Bytes `json:"data"`
}

// TopoHeightEvent NewTopoHeight 推送
type TopoHeightEvent struct {
	TopoHeight uint64 `json:"topoheight"`
}

// BalanceChangedEvent BalanceChanged 推送
type BalanceChangedEvent struct {
	Address    string        `json:"address"`
	Asset      hexutil.Bytes `json:"asset"`
	Balance    *big.Int      `json:"balance"`
	TopoHeight uint64        `json:"topoheight"`
}

// WalletTransactionEvent NewTransaction 推送
type WalletTransactionEvent struct {
	Hash       hexutil.Bytes   `json:"hash"`
	TopoHeight uint64          `json:"topoheight"`
	Entry      json.RawMessage `json:"entry"`
}
