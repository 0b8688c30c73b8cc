package domain

import "github.com/ethereum/go-ethereum/common/hexutil"

// Log is a single eth_getLogs entry.
type Log struct {
	Address          string         `json:"address"`
	Topics           []string       `json:"topics"`
	Data             hexutil.Bytes  `json:"data"`
	BlockNumber      hexutil.Uint64 `json:"blockNumber"`
	BlockHash        string         `json:"blockHash"`
	TransactionHash  string         `json:"transactionHash"`
	TransactionIndex hexutil.Uint64 `json:"transactionIndex"`
	LogIndex         hexutil.Uint64 `json:"logIndex"`
	Removed          bool           `json:"removed"`
}

// Topic returns topic i, or "" when the log has fewer topics.
func (l *Log) Topic(i int) string {
	if i < len(l.Topics) {
		return l.Topics[i]
	}
	return ""
}

// LogWithBlock pairs a log with its containing block. Block is nil for
// logs persisted ahead of their block, such as factory logs.
type LogWithBlock struct {
	Log   *Log
	Block *Block
}
