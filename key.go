package spandb

import "github.com/spandb/spandb.go/pkg/protocol"

// Key is one primary key value, column by column in key order.
type Key []any

// KeyRange selects a contiguous span of keys.
type KeyRange struct {
	Start Key
	End   Key
	Kind  protocol.KeyRangeKind
}

// KeySet names the rows a read or delete applies to.
type KeySet struct {
	proto protocol.KeySet
}

// AllKeys selects every row of the table.
func AllKeys() KeySet {
	return KeySet{proto: protocol.KeySet{All: true}}
}

// Keys selects the listed keys.
func Keys(keys ...Key) KeySet {
	ks := protocol.KeySet{Keys: make([][]any, 0, len(keys))}
	for _, k := range keys {
		ks.Keys = append(ks.Keys, []any(k))
	}
	return KeySet{proto: ks}
}

// Ranges selects the listed key ranges.
func Ranges(ranges ...KeyRange) KeySet {
	ks := protocol.KeySet{Ranges: make([]protocol.KeyRange, 0, len(ranges))}
	for _, r := range ranges {
		ks.Ranges = append(ks.Ranges, protocol.KeyRange{
			Start: []any(r.Start),
			End:   []any(r.End),
			Kind:  r.Kind,
		})
	}
	return KeySet{proto: ks}
}

// Union combines key sets. If any operand selects all keys, so does the
// result.
func Union(sets ...KeySet) KeySet {
	var out protocol.KeySet
	for _, s := range sets {
		if s.proto.All {
			return AllKeys()
		}
		out.Keys = append(out.Keys, s.proto.Keys...)
		out.Ranges = append(out.Ranges, s.proto.Ranges...)
	}
	return KeySet{proto: out}
}

func (ks KeySet) toProto() protocol.KeySet { return ks.proto }
