package domain

import "github.com/ethereum/go-ethereum/common/hexutil"

// Transaction is a transaction object as inlined in a full block.
type Transaction struct {
	Hash                 string         `json:"hash"`
	BlockHash            string         `json:"blockHash"`
	BlockNumber          hexutil.Uint64 `json:"blockNumber"`
	TransactionIndex     hexutil.Uint64 `json:"transactionIndex"`
	From                 string         `json:"from"`
	To                   *string        `json:"to"`
	Input                hexutil.Bytes  `json:"input"`
	Value                *hexutil.Big   `json:"value"`
	Nonce                hexutil.Uint64 `json:"nonce"`
	Gas                  hexutil.Uint64 `json:"gas"`
	GasPrice             *hexutil.Big   `json:"gasPrice,omitempty"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas,omitempty"`
	Type                 hexutil.Uint64 `json:"type"`
}

// TransactionReceipt is an eth_getTransactionReceipt response.
type TransactionReceipt struct {
	TransactionHash   string         `json:"transactionHash"`
	TransactionIndex  hexutil.Uint64 `json:"transactionIndex"`
	BlockHash         string         `json:"blockHash"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	From              string         `json:"from"`
	To                *string        `json:"to"`
	ContractAddress   *string        `json:"contractAddress"`
	CumulativeGasUsed hexutil.Uint64 `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice,omitempty"`
	Status            hexutil.Uint64 `json:"status"`
	Type              hexutil.Uint64 `json:"type"`
	LogsBloom         string         `json:"logsBloom"`
	Logs              []*Log         `json:"logs"`
}
