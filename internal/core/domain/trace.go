package domain

import "github.com/ethereum/go-ethereum/common/hexutil"

// CallFrame is one node of a callTracer call tree.
type CallFrame struct {
	Type         string         `json:"type"`
	From         string         `json:"from"`
	To           string         `json:"to"`
	Gas          hexutil.Uint64 `json:"gas"`
	GasUsed      hexutil.Uint64 `json:"gasUsed"`
	Input        hexutil.Bytes  `json:"input"`
	Output       hexutil.Bytes  `json:"output,omitempty"`
	Value        *hexutil.Big   `json:"value,omitempty"`
	Error        string         `json:"error,omitempty"`
	RevertReason string         `json:"revertReason,omitempty"`
	Calls        []*CallFrame   `json:"calls,omitempty"`
}

// Trace is the call tree of one transaction, as returned by
// debug_traceBlockByNumber.
type Trace struct {
	TxHash string     `json:"txHash"`
	Result *CallFrame `json:"result"`
}

// TraceRecord is a single matched call frame, ready to persist.
type TraceRecord struct {
	// Frame holds the matched call without its children.
	Frame           CallFrame
	TransactionHash string
	// Index is the frame's position in a depth-first walk of its transaction.
	Index int
	// Subcalls is the number of direct children of the frame.
	Subcalls int
	Block    *Block
}
