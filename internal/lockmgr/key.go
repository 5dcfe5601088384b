// Package lockmgr serializes conflicting transactions by granting exclusive
// ownership of record identities and index entries.
package lockmgr

import (
	"cmp"
	"slices"

	"pkt.systems/txcore/internal/record"
)

// KeyKind separates record keys from index-entry keys.
type KeyKind uint8

const (
	// KindRecord keys lock one record identity.
	KindRecord KeyKind = iota + 1
	// KindIndex keys lock one entry of a unique index.
	KindIndex
)

// IndexKey names one entry of an index, e.g. {"Person.surname", "Smith"}.
type IndexKey struct {
	Index string `json:"index"`
	Key   string `json:"key"`
}

func (k IndexKey) String() string {
	return k.Index + "=" + k.Key
}

// CompareIndexKeys orders index keys by index name then key.
func CompareIndexKeys(a, b IndexKey) int {
	if c := cmp.Compare(a.Index, b.Index); c != 0 {
		return c
	}
	return cmp.Compare(a.Key, b.Key)
}

// SortedIndexKeys returns keys sorted and deduplicated.
func SortedIndexKeys(keys []IndexKey) []IndexKey {
	out := slices.Clone(keys)
	slices.SortFunc(out, CompareIndexKeys)
	return slices.Compact(out)
}

// Key is a lockable resource. It is comparable and used only as a map key.
type Key struct {
	kind   KeyKind
	record record.ID
	index  IndexKey
}

// RecordKey returns the key guarding id.
func RecordKey(id record.ID) Key {
	return Key{kind: KindRecord, record: id}
}

// IndexEntryKey returns the key guarding one index entry.
func IndexEntryKey(k IndexKey) Key {
	return Key{kind: KindIndex, index: k}
}

// Kind reports which resource the key guards.
func (k Key) Kind() KeyKind { return k.kind }

func (k Key) String() string {
	switch k.kind {
	case KindRecord:
		return "record:" + k.record.String()
	case KindIndex:
		return "index:" + k.index.String()
	default:
		return "invalid"
	}
}

// CompareKeys defines the global acquisition order: every record key before
// every index key, each group in its natural order.
func CompareKeys(a, b Key) int {
	if c := cmp.Compare(a.kind, b.kind); c != 0 {
		return c
	}
	if a.kind == KindRecord {
		return record.Compare(a.record, b.record)
	}
	return CompareIndexKeys(a.index, b.index)
}

// Guard proves its holder owns Key. It is consumed by Manager.Unlock.
type Guard struct {
	key   Key
	owner uint64
}

// Key returns the guarded key.
func (g Guard) Key() Key { return g.key }
