package evm

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vietddude/chainsync/internal/infra/rpc/provider"
)

// ankrMaxRange is the documented Ankr eth_getLogs limit. Its error message
// does not carry the number.
const ankrMaxRange = 3000

// RangeTooLargeError is a rejected eth_getLogs range together with the
// size to retry with.
type RangeTooLargeError struct {
	From, To uint64
	// Size is the number of blocks per request to retry with.
	Size uint64
	// Suggested is set when the provider stated its limit. Otherwise Size
	// is a guess.
	Suggested bool
	Err       error
}

func (e *RangeTooLargeError) Error() string {
	return fmt.Sprintf("eth_getLogs range %d-%d too large, retry with %d blocks: %v", e.From, e.To, e.Size, e.Err)
}

func (e *RangeTooLargeError) Unwrap() error { return e.Err }

var (
	// Alchemy: "this block range should work: [0x1, 0x2]"
	// Infura, thirdweb: "Try with this block range [0x1, 0x2]."
	suggestedRangeRe = regexp.MustCompile(`(?i)(?:this block range should work|try with this block range):?\s*\[\s*(0x[0-9a-f]+)\s*,\s*(0x[0-9a-f]+)\s*\]`)
	// QuickNode: "eth_getLogs is limited to a 10,000 range"
	limitedToRe = regexp.MustCompile(`(?i)limited to a ([\d,]+) range`)
	// eRPC: "exceeds the range allowed for your plan (49999 > 2000)"
	planRangeRe = regexp.MustCompile(`(?i)exceeds the range allowed for your plan \(\d+ > (\d+)\)`)
	upToRe      = regexp.MustCompile(`(?i)up to a ([\d,]+) block range`)
	greaterRe   = regexp.MustCompile(`(?i)block range greater than ([\d,]+) max`)
	ankrRe      = regexp.MustCompile(`(?i)block range is too wide`)
)

var genericRangePatterns = []string{
	"block range too large",
	"block range is too large",
	"range too large",
	"exceed maximum block range",
	"query returned more than 10000 results",
	"response size exceeded",
	"response size should not greater than",
	"log response size exceeded",
	"query timeout exceeded",
	"request timed out",
	"too many blocks",
}

// ParseLogsRangeError decides whether err rejected the eth_getLogs range
// [from, to] and, if so, how many blocks per request to retry with. It
// returns false when err is unrelated or the range cannot shrink further.
func ParseLogsRangeError(err error, from, to uint64) (*RangeTooLargeError, bool) {
	if err == nil || to < from {
		return nil, false
	}
	span := to - from + 1
	text := errorText(err)

	size, suggested := uint64(0), true
	switch {
	case suggestedRangeRe.MatchString(text):
		m := suggestedRangeRe.FindStringSubmatch(text)
		start, err1 := strconv.ParseUint(m[1][2:], 16, 64)
		end, err2 := strconv.ParseUint(m[2][2:], 16, 64)
		if err1 != nil || err2 != nil || end < start {
			return nil, false
		}
		size = end - start + 1
	case limitedToRe.MatchString(text):
		size = parseCount(limitedToRe.FindStringSubmatch(text)[1])
	case planRangeRe.MatchString(text):
		size = parseCount(planRangeRe.FindStringSubmatch(text)[1])
	case upToRe.MatchString(text):
		size = parseCount(upToRe.FindStringSubmatch(text)[1])
	case greaterRe.MatchString(text):
		size = parseCount(greaterRe.FindStringSubmatch(text)[1])
	case ankrRe.MatchString(text):
		size = ankrMaxRange
	case containsAny(text, genericRangePatterns):
		size, suggested = span/2, false
	default:
		return nil, false
	}

	if size == 0 || size >= span {
		return nil, false
	}
	return &RangeTooLargeError{From: from, To: to, Size: size, Suggested: suggested, Err: err}, true
}

// errorText gathers the message and data of an RPC error, since some
// providers put the range hint in the data field.
func errorText(err error) string {
	var sb strings.Builder
	sb.WriteString(err.Error())

	var rpcErr *provider.RPCError
	if errors.As(err, &rpcErr) && len(rpcErr.Data) > 0 {
		sb.WriteByte(' ')
		sb.Write(rpcErr.Data)
	}
	return sb.String()
}

func parseCount(s string) uint64 {
	n, err := strconv.ParseUint(strings.ReplaceAll(s, ",", ""), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func containsAny(text string, patterns []string) bool {
	lower := strings.ToLower(text)
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
