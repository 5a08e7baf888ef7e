package service

import (
	"index/suffixarray"
	"slices"
	"sort"
	"strings"

	"netviz/internal/model"
)

const fieldSeparator = '\x00'

// SearchIndex is built once per snapshot and never modified afterwards, so
// it is safe for concurrent readers.
type SearchIndex struct {
	text   *suffixarray.Index
	starts []int // byte offset of each record's segment in the indexed text
	asn    map[uint32]int
}

// NewSearchIndex indexes the lowercased name and aka of every record for
// substring lookup, plus an exact ASN map. Positions refer to records.
func NewSearchIndex(records []model.NetworkRecord) *SearchIndex {
	var b strings.Builder
	starts := make([]int, len(records))
	asn := make(map[uint32]int, len(records))

	for i, r := range records {
		starts[i] = b.Len()
		b.WriteString(indexable(r.Name))
		b.WriteByte(fieldSeparator)
		b.WriteString(indexable(r.AKA))
		b.WriteByte(fieldSeparator)
		asn[r.ASN] = i
	}

	return &SearchIndex{
		text:   suffixarray.New([]byte(b.String())),
		starts: starts,
		asn:    asn,
	}
}

func indexable(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), string(fieldSeparator), "")
}

// Substring returns the positions, ascending, of records whose name or aka
// contains query, ignoring case. An empty query matches nothing.
func (idx *SearchIndex) Substring(query string) []int {
	q := indexable(query)
	if q == "" || len(idx.starts) == 0 {
		return nil
	}

	offsets := idx.text.Lookup([]byte(q), -1)
	if len(offsets) == 0 {
		return nil
	}

	positions := make([]int, 0, len(offsets))
	for _, off := range offsets {
		// The segment containing off is the last one starting at or before it.
		pos := sort.SearchInts(idx.starts, off+1) - 1
		positions = append(positions, pos)
	}
	slices.Sort(positions)
	return slices.Compact(positions)
}

func (idx *SearchIndex) ByASN(asn uint32) (int, bool) {
	pos, ok := idx.asn[asn]
	return pos, ok
}

var _ model.SearchIndex = (*SearchIndex)(nil)
