package config

import (
	"fmt"
	"strings"

	"github.com/vietddude/chainsync/internal/core/domain"
	"github.com/vietddude/chainsync/internal/indexing/filter"
)

// Source kinds accepted in configuration.
const (
	SourceLog         = "log"
	SourceBlock       = "block"
	SourceTransfer    = "transfer"
	SourceTransaction = "transaction"
)

// SourceConfig declares one source. Which fields apply depends on Kind.
type SourceConfig struct {
	Name      string  `yaml:"name"`
	Kind      string  `yaml:"kind"`
	ABI       string  `yaml:"abi"` // optional inline JSON ABI
	FromBlock uint64  `yaml:"from_block"`
	ToBlock   *uint64 `yaml:"to_block"`

	// log
	Address                    []string       `yaml:"address"`
	Factory                    *FactoryConfig `yaml:"factory"`
	Topics                     [][]string     `yaml:"topics"`
	IncludeTransactionReceipts bool           `yaml:"include_transaction_receipts"`

	// block
	Interval uint64 `yaml:"interval"`
	Offset   uint64 `yaml:"offset"`

	// transfer and transaction
	From              []string       `yaml:"from"`
	FromFactory       *FactoryConfig `yaml:"from_factory"`
	To                []string       `yaml:"to"`
	ToFactory         *FactoryConfig `yaml:"to_factory"`
	CallTypes         []string       `yaml:"call_types"`
	FunctionSelectors []string       `yaml:"function_selectors"`
	IncludeInner      bool           `yaml:"include_inner"`
	IncludeFailed     bool           `yaml:"include_failed"`
	IncludeReverted   bool           `yaml:"include_reverted"`
}

// FactoryConfig declares a factory whose children are the addresses of a
// source.
type FactoryConfig struct {
	Address              []string `yaml:"address"`
	EventSelector        string   `yaml:"event_selector"`
	ChildAddressLocation string   `yaml:"child_address_location"`
}

func (f *FactoryConfig) build(chainID domain.ChainID) *filter.Factory {
	return &filter.Factory{
		ChainID:              chainID,
		Address:              filter.Addresses(f.Address...),
		EventSelector:        strings.ToLower(f.EventSelector),
		ChildAddressLocation: f.ChildAddressLocation,
	}
}

// addressValue picks the factory when set, otherwise the concrete list.
// An absent list means any address.
func addressValue(chainID domain.ChainID, addrs []string, factory *FactoryConfig) filter.AddressValue {
	switch {
	case factory != nil:
		return factory.build(chainID)
	case len(addrs) == 0:
		return nil
	}
	return filter.Addresses(addrs...)
}

// Source builds the filter described by the config for chain.
func (c SourceConfig) Source(chain ChainConfig) (*filter.Source, error) {
	id := chain.ChainID

	var f filter.Filter
	switch c.Kind {
	case SourceLog, "":
		if c.Factory != nil && len(c.Address) > 0 {
			return nil, fmt.Errorf("source %s: address and factory are exclusive", c.Name)
		}
		var topics []filter.Topic
		for _, t := range c.Topics {
			if len(t) == 0 {
				topics = append(topics, nil)
				continue
			}
			lower := make(filter.Topic, len(t))
			for i, v := range t {
				lower[i] = strings.ToLower(v)
			}
			topics = append(topics, lower)
		}
		f = &filter.LogFilter{
			ChainID:                    id,
			Address:                    addressValue(id, c.Address, c.Factory),
			Topics:                     topics,
			IncludeTransactionReceipts: c.IncludeTransactionReceipts,
			FromBlock:                  c.FromBlock,
			ToBlock:                    c.ToBlock,
		}
	case SourceBlock:
		f = &filter.BlockFilter{
			ChainID:   id,
			Interval:  c.Interval,
			Offset:    c.Offset,
			FromBlock: c.FromBlock,
			ToBlock:   c.ToBlock,
		}
	case SourceTransfer:
		f = &filter.TransferFilter{
			ChainID:         id,
			FromAddress:     addressValue(id, c.From, c.FromFactory),
			ToAddress:       addressValue(id, c.To, c.ToFactory),
			IncludeReverted: c.IncludeReverted,
			FromBlock:       c.FromBlock,
			ToBlock:         c.ToBlock,
		}
	case SourceTransaction:
		f = &filter.TransactionFilter{
			ChainID:           id,
			FromAddress:       addressValue(id, c.From, c.FromFactory),
			ToAddress:         addressValue(id, c.To, c.ToFactory),
			CallTypes:         c.CallTypes,
			FunctionSelectors: c.FunctionSelectors,
			IncludeInner:      c.IncludeInner,
			IncludeFailed:     c.IncludeFailed,
			FromBlock:         c.FromBlock,
			ToBlock:           c.ToBlock,
		}
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", c.Name, c.Kind)
	}

	if err := filter.Validate(f); err != nil {
		return nil, fmt.Errorf("source %s: %w", c.Name, err)
	}

	return &filter.Source{
		Name:        c.Name,
		NetworkName: chain.Name,
		ABI:         []byte(c.ABI),
		Filter:      f,
	}, nil
}

// BuildSources builds every source of the chain.
func (c ChainConfig) BuildSources() ([]*filter.Source, error) {
	sources := make([]*filter.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		src, err := sc.Source(c)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}
