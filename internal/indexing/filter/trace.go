package filter

import (
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// MatchTrace implements TraceFilter. A transfer is any successful frame
// with a positive value; reverted frames count only with IncludeReverted.
func (f *TransferFilter) MatchTrace(frame *domain.CallFrame, _ int, from, to *AddressSet) bool {
	if frame.Value == nil || frame.Value.ToInt().Sign() <= 0 {
		return false
	}
	if frame.Error != "" && !f.IncludeReverted {
		return false
	}
	return from.Matches(frame.From) && to.Matches(frame.To)
}

// MatchTrace implements TraceFilter.
func (f *TransactionFilter) MatchTrace(frame *domain.CallFrame, depth int, from, to *AddressSet) bool {
	if depth > 0 && !f.IncludeInner {
		return false
	}
	if frame.Error != "" && !f.IncludeFailed {
		return false
	}
	if !from.Matches(frame.From) || !to.Matches(frame.To) {
		return false
	}
	if len(f.CallTypes) > 0 && !containsFold(f.CallTypes, frame.Type) {
		return false
	}
	if len(f.FunctionSelectors) > 0 {
		if len(frame.Input) < 4 {
			return false
		}
		if !containsFold(f.FunctionSelectors, hexutil.Encode(frame.Input[:4])) {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	return slices.ContainsFunc(list, func(s string) bool {
		return strings.EqualFold(s, v)
	})
}
