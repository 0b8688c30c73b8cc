package domain

import "github.com/ethereum/go-ethereum/common/hexutil"

// Block is an eth_getBlockByNumber response with transaction objects inlined.
// Hashes and addresses are lowercase hex.
type Block struct {
	Number           hexutil.Uint64 `json:"number"`
	Hash             string         `json:"hash"`
	ParentHash       string         `json:"parentHash"`
	Timestamp        hexutil.Uint64 `json:"timestamp"`
	Miner            string         `json:"miner"`
	GasLimit         hexutil.Uint64 `json:"gasLimit"`
	GasUsed          hexutil.Uint64 `json:"gasUsed"`
	BaseFeePerGas    *hexutil.Big   `json:"baseFeePerGas,omitempty"`
	LogsBloom        string         `json:"logsBloom"`
	StateRoot        string         `json:"stateRoot"`
	TransactionsRoot string         `json:"transactionsRoot"`
	ReceiptsRoot     string         `json:"receiptsRoot"`
	Size             hexutil.Uint64 `json:"size"`
	Transactions     []*Transaction `json:"transactions"`
}

// HasTransaction reports whether hash is one of the block's transactions.
func (b *Block) HasTransaction(hash string) bool {
	for _, tx := range b.Transactions {
		if tx.Hash == hash {
			return true
		}
	}
	return false
}

// TransactionIndex returns the position of hash in the block, or -1.
func (b *Block) TransactionIndex(hash string) int {
	for i, tx := range b.Transactions {
		if tx.Hash == hash {
			return i
		}
	}
	return -1
}
