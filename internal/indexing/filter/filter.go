// Package filter describes what the backfill syncs.
//
// A Filter is an immutable data requirement scoped to one chain and an
// inclusive block range. Four kinds exist:
//   - LogFilter: eth_getLogs by address and topics
//   - BlockFilter: every Nth block
//   - TransferFilter: native value transfers found in call traces
//   - TransactionFilter: calls found in call traces
//
// Address fields take an AddressValue, which is a concrete Address, an
// AddressList, or a *Factory whose child addresses are discovered from logs.
package filter

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/core/interval"
)

// Kind tags the filter union.
type Kind string

const (
	KindLog         Kind = "log"
	KindBlock       Kind = "block"
	KindTransfer    Kind = "transfer"
	KindTransaction Kind = "transaction"
)

// ErrInvalidFilter is returned by Validate.
var ErrInvalidFilter = errors.New("invalid filter")

// idNamespace scopes filter IDs so they never collide with other UUIDv5 users.
var idNamespace = uuid.MustParse("6f1c2a9e-3d4b-5e8f-9a0b-1c2d3e4f5a6b")

// Filter is the unit of coverage tracking.
type Filter interface {
	Kind() Kind
	Chain() domain.ChainID
	// Bounds returns the inclusive block range. A nil to means unbounded.
	Bounds() (from uint64, to *uint64)
	// ID is a stable fingerprint of the filter's predicates, used as the
	// storage key of its coverage.
	ID() string
}

// TraceFilter is a filter matched against call frames.
type TraceFilter interface {
	Filter
	// AddressFields returns the from and to constraints.
	AddressFields() (from, to AddressValue)
	// MatchTrace reports whether frame, found at the given call depth, is
	// wanted. from and to are the resolved address constraints.
	MatchTrace(frame *domain.CallFrame, depth int, from, to *AddressSet) bool
}

// Topic is one eth_getLogs topic position. Nil matches anything, otherwise
// any of the listed values matches.
type Topic []string

// LogFilter selects logs by emitting address and topics.
type LogFilter struct {
	ChainID                    domain.ChainID `json:"chainId"`
	Address                    AddressValue   `json:"address"`
	Topics                     []Topic        `json:"topics"`
	IncludeTransactionReceipts bool           `json:"includeTransactionReceipts"`
	FromBlock                  uint64         `json:"fromBlock"`
	ToBlock                    *uint64        `json:"toBlock"`
}

func (f *LogFilter) Kind() Kind { return KindLog }
func (f *LogFilter) Chain() domain.ChainID { return f.ChainID }
func (f *LogFilter) Bounds() (uint64, *uint64) { return f.FromBlock, f.ToBlock }
func (f *LogFilter) ID() string { return fingerprint(KindLog, f) }

// BlockFilter selects every block where (number - Offset) % Interval == 0.
type BlockFilter struct {
	ChainID   domain.ChainID `json:"chainId"`
	Interval  uint64         `json:"interval"`
	Offset    uint64         `json:"offset"`
	FromBlock uint64         `json:"fromBlock"`
	ToBlock   *uint64        `json:"toBlock"`
}

func (f *BlockFilter) Kind() Kind { return KindBlock }
func (f *BlockFilter) Chain() domain.ChainID { return f.ChainID }
func (f *BlockFilter) Bounds() (uint64, *uint64) { return f.FromBlock, f.ToBlock }
func (f *BlockFilter) ID() string { return fingerprint(KindBlock, f) }

// Blocks returns the block numbers in iv selected by the filter.
func (f *BlockFilter) Blocks(iv interval.Interval) []uint64 {
	step := max(f.Interval, 1)

	first := f.Offset
	if iv.Start > f.Offset {
		rem := (iv.Start - f.Offset) % step
		first = iv.Start
		if rem != 0 {
			first += step - rem
		}
	}

	var blocks []uint64
	for b := first; b >= first && b <= iv.End; b += step {
		blocks = append(blocks, b)
	}
	return blocks
}

// TransferFilter selects call frames that move native value.
type TransferFilter struct {
	ChainID         domain.ChainID `json:"chainId"`
	FromAddress     AddressValue   `json:"fromAddress"`
	ToAddress       AddressValue   `json:"toAddress"`
	IncludeReverted bool           `json:"includeReverted"`
	FromBlock       uint64         `json:"fromBlock"`
	ToBlock         *uint64        `json:"toBlock"`
}

func (f *TransferFilter) Kind() Kind { return KindTransfer }
func (f *TransferFilter) Chain() domain.ChainID { return f.ChainID }
func (f *TransferFilter) Bounds() (uint64, *uint64) { return f.FromBlock, f.ToBlock }
func (f *TransferFilter) ID() string { return fingerprint(KindTransfer, f) }
func (f *TransferFilter) AddressFields() (AddressValue, AddressValue) { return f.FromAddress, f.ToAddress }

// TransactionFilter selects call frames by address, call type and selector.
type TransactionFilter struct {
	ChainID           domain.ChainID `json:"chainId"`
	FromAddress       AddressValue   `json:"fromAddress"`
	ToAddress         AddressValue   `json:"toAddress"`
	CallTypes         []string       `json:"callTypes"`
	FunctionSelectors []string       `json:"functionSelectors"`
	IncludeInner      bool           `json:"includeInner"`
	IncludeFailed     bool           `json:"includeFailed"`
	FromBlock         uint64         `json:"fromBlock"`
	ToBlock           *uint64        `json:"toBlock"`
}

func (f *TransactionFilter) Kind() Kind { return KindTransaction }
func (f *TransactionFilter) Chain() domain.ChainID { return f.ChainID }
func (f *TransactionFilter) Bounds() (uint64, *uint64) { return f.FromBlock, f.ToBlock }
func (f *TransactionFilter) ID() string { return fingerprint(KindTransaction, f) }
func (f *TransactionFilter) AddressFields() (AddressValue, AddressValue) {
	return f.FromAddress, f.ToAddress
}

// Clip intersects target with the filter's bounds.
func Clip(f Filter, target interval.Interval) (interval.Interval, bool) {
	from, to := f.Bounds()
	bounds := interval.Interval{Start: from, End: ^uint64(0)}
	if to != nil {
		bounds.End = *to
	}
	if bounds.Start > bounds.End {
		return interval.Interval{}, false
	}
	return target.Intersect(bounds)
}

// Dependencies returns every factory the filter's address fields refer to.
func Dependencies(f Filter) []*Factory {
	switch f := f.(type) {
	case *LogFilter:
		return Factories(f.Address)
	case TraceFilter:
		from, to := f.AddressFields()
		return append(Factories(from), Factories(to)...)
	}
	return nil
}

// Validate checks addresses, factory locations and bounds.
func Validate(f Filter) error {
	from, to := f.Bounds()
	if to != nil && from > *to {
		return fmt.Errorf("%w: fromBlock %d is above toBlock %d", ErrInvalidFilter, from, *to)
	}

	switch f := f.(type) {
	case *LogFilter:
		return validateAddress(f.Address)
	case *BlockFilter:
		if f.Interval == 0 {
			return fmt.Errorf("%w: block interval must be positive", ErrInvalidFilter)
		}
	case TraceFilter:
		from, to := f.AddressFields()
		if err := validateAddress(from); err != nil {
			return err
		}
		return validateAddress(to)
	}
	return nil
}

func validateAddress(v AddressValue) error {
	for _, addr := range Concrete(v) {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: bad address %q", ErrInvalidFilter, addr)
		}
	}
	for _, factory := range Factories(v) {
		if _, err := parseLocation(factory.ChildAddressLocation); err != nil {
			return err
		}
		if len(Concrete(factory.Address)) == 0 {
			return fmt.Errorf("%w: factory %s has no seed address", ErrInvalidFilter, factory.EventSelector)
		}
		if err := validateAddress(factory.Address); err != nil {
			return err
		}
	}
	return nil
}

func fingerprint(kind Kind, f Filter) string {
	data, err := json.Marshal(f)
	if err != nil {
		// Filters hold only strings, numbers and nested filters.
		panic(fmt.Sprintf("filter: marshal %s filter: %v", kind, err))
	}
	return uuid.NewSHA1(idNamespace, append([]byte(kind+":"), data...)).String()
}
