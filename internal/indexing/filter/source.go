package filter

import "encoding/json"

// SourceKind is the kind of user-facing source a filter came from.
type SourceKind string

const (
	SourceKindContract SourceKind = "contract"
	SourceKindBlock    SourceKind = "block"
)

// Source is a Filter with the metadata of the contract or block source
// that declared it. The backfill iterates over sources.
type Source struct {
	Name        string
	NetworkName string
	ABI         json.RawMessage
	Filter      Filter
}

// Kind returns SourceKindBlock for block filters and SourceKindContract
// otherwise.
func (s *Source) Kind() SourceKind {
	if s.Filter != nil && s.Filter.Kind() == KindBlock {
		return SourceKindBlock
	}
	return SourceKindContract
}
