package domain

import "fmt"

// EventType orders events that share a transaction in a checkpoint.
type EventType uint8

const (
	EventTypeTransaction EventType = 2
	EventTypeBlock       EventType = 5
	EventTypeLog         EventType = 5
	EventTypeTrace       EventType = 7
)

// Checkpoint field widths. The encoded string sorts lexicographically in
// the same order as the tuple it encodes.
const (
	checkpointTimestampDigits = 10
	checkpointChainIDDigits   = 16
	checkpointBlockDigits     = 16
	checkpointTxIndexDigits   = 16
	checkpointEventDigits     = 16
)

// Checkpoint identifies a position in a multichain event stream.
type Checkpoint struct {
	BlockTimestamp   uint64
	ChainID          ChainID
	BlockNumber      uint64
	TransactionIndex uint64
	EventType        EventType
	EventIndex       uint64
}

// Encode renders the checkpoint as a fixed-width decimal string.
func (c Checkpoint) Encode() string {
	return fmt.Sprintf("%0*d%0*d%0*d%0*d%d%0*d",
		checkpointTimestampDigits, c.BlockTimestamp,
		checkpointChainIDDigits, uint64(c.ChainID),
		checkpointBlockDigits, c.BlockNumber,
		checkpointTxIndexDigits, c.TransactionIndex,
		c.EventType,
		checkpointEventDigits, c.EventIndex,
	)
}

// LogCheckpoint returns the encoded checkpoint of a log inside block.
func LogCheckpoint(chainID ChainID, block *Block, log *Log) string {
	return Checkpoint{
		BlockTimestamp:   uint64(block.Timestamp),
		ChainID:          chainID,
		BlockNumber:      uint64(block.Number),
		TransactionIndex: uint64(log.TransactionIndex),
		EventType:        EventTypeLog,
		EventIndex:       uint64(log.LogIndex),
	}.Encode()
}
