package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// ErrMalformedLog is returned when a log is too short to hold the child
// address a factory expects.
var ErrMalformedLog = errors.New("malformed log")

// Factory discovers child addresses from logs emitted by seed addresses.
// It is also a log filter in its own right, with coverage tracked apart
// from the filters that depend on it.
type Factory struct {
	ChainID domain.ChainID `json:"chainId"`
	// Address holds the seed addresses. It must be concrete.
	Address       AddressValue `json:"address"`
	EventSelector string       `json:"eventSelector"`
	// ChildAddressLocation is "topic1", "topic2", "topic3" or "offset<N>",
	// where N is a byte offset into the log data.
	ChildAddressLocation string `json:"childAddressLocation"`
}

func (f *Factory) Kind() Kind { return KindLog }
func (f *Factory) Chain() domain.ChainID { return f.ChainID }
func (f *Factory) Bounds() (uint64, *uint64) { return 0, nil }
func (f *Factory) ID() string { return fingerprint("factory", f) }

// Topics returns the eth_getLogs topics matching the creation event.
func (f *Factory) Topics() []Topic {
	return []Topic{{strings.ToLower(f.EventSelector)}}
}

type location struct {
	topic  int
	offset int
}

func parseLocation(loc string) (location, error) {
	switch {
	case strings.HasPrefix(loc, "topic"):
		n, err := strconv.Atoi(strings.TrimPrefix(loc, "topic"))
		if err != nil || n < 1 || n > 3 {
			return location{}, fmt.Errorf("%w: child address location %q", ErrInvalidFilter, loc)
		}
		return location{topic: n}, nil
	case strings.HasPrefix(loc, "offset"):
		n, err := strconv.Atoi(strings.TrimPrefix(loc, "offset"))
		if err != nil || n < 0 {
			return location{}, fmt.Errorf("%w: child address location %q", ErrInvalidFilter, loc)
		}
		return location{offset: n}, nil
	}
	return location{}, fmt.Errorf("%w: child address location %q", ErrInvalidFilter, loc)
}

// ChildAddress extracts the address created by log according to the
// factory's child address location. Addresses are right-aligned in a
// 32-byte word, so the last 20 bytes of the word are taken.
func ChildAddress(log *domain.Log, factory *Factory) (string, error) {
	loc, err := parseLocation(factory.ChildAddressLocation)
	if err != nil {
		return "", err
	}

	if loc.topic > 0 {
		raw := log.Topic(loc.topic)
		word, err := hexutil.Decode(raw)
		if err != nil || len(word) < 32 {
			return "", fmt.Errorf("%w: topic%d is %q", ErrMalformedLog, loc.topic, raw)
		}
		return hexutil.Encode(word[12:32]), nil
	}

	start := 12 + loc.offset
	if len(log.Data) < start+20 {
		return "", fmt.Errorf("%w: data has %d bytes, need %d", ErrMalformedLog, len(log.Data), start+20)
	}
	return hexutil.Encode(log.Data[start : start+20]), nil
}
