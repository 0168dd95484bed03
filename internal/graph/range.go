package graph

import (
	"strings"

	"github.com/jbeverly/rangexx/internal/kv"
)

// Range aggregates the two named graph instances the Graph API reads and
// writes: the environment/cluster/host topology in "primary", and the
// cross-environment dependency edges in "dependency".
type Range struct {
	Primary    *Instance
	Dependency *Instance
}

var graphListKey = kv.KeyName(kv.RecordGraphMeta, []byte("graph_list"))

// NewRange opens both named instances against backend, recording their
// names under the graph_info table's graph_list key if not already there.
func NewRange(backend kv.Backend) *Range {
	recordGraphList(backend, []string{"primary", "dependency"})
	return &Range{
		Primary:    NewInstance(backend, "primary"),
		Dependency: NewInstance(backend, "dependency"),
	}
}

func recordGraphList(backend kv.Backend, names []string) {
	data, err := encodeGraphList(names)
	if err != nil {
		return
	}
	existing, err := backend.GetRecord(kv.RecordGraphMeta, graphListKey)
	if err == nil && existing != nil {
		if decoded, err := decodeGraphList(existing); err == nil && len(decoded) == len(names) {
			return
		}
	}
	scope, err := backend.WriteLock(kv.RecordGraphMeta, graphListKey)
	if err != nil {
		return
	}
	if err := scope.Put(kv.RecordGraphMeta, graphListKey, data); err != nil {
		scope.Abort()
		return
	}
	scope.Commit()
}

// StartTxn opens a transaction joined across both instances, so a single
// write can advance both changelists atomically.
func (rg *Range) StartTxn(req TxnRequest) (*Txn, error) {
	t, err := rg.Primary.StartTxn(req)
	if err != nil {
		return nil, err
	}
	if err := t.Join(rg.Dependency); err != nil {
		t.Abort()
		return nil, err
	}
	return t, nil
}

// RangeStructKind tags the active field of a RangeStruct.
type RangeStructKind int

const (
	KindBool RangeStructKind = iota
	KindString
	KindArray
	KindTuple
	KindObject
)

// RangeStruct is the Graph API's recursive return value: a tagged union of
// bool, string, array, tuple, and string-keyed object, matching the
// read surface's RangeStruct = true | false | String | Array | Tuple | Object.
type RangeStruct struct {
	Kind  RangeStructKind
	Bool  bool
	Str   string
	Array []RangeStruct
	Tuple []RangeStruct
	Obj   map[string]RangeStruct
}

func BoolStruct(b bool) RangeStruct   { return RangeStruct{Kind: KindBool, Bool: b} }
func StringStruct(s string) RangeStruct { return RangeStruct{Kind: KindString, Str: s} }
func ArrayStruct(vs []RangeStruct) RangeStruct { return RangeStruct{Kind: KindArray, Array: vs} }
func TupleStruct(vs ...RangeStruct) RangeStruct { return RangeStruct{Kind: KindTuple, Tuple: vs} }
func ObjectStruct(m map[string]RangeStruct) RangeStruct { return RangeStruct{Kind: KindObject, Obj: m} }

// qualify applies the read-side name rewriting rule: a cluster name C in
// environment E is stored as "E#C" unless it already contains "#". HOST
// nodes are stored unprefixed and never go through qualify.
func qualify(env, name string) string {
	if strings.Contains(name, "#") {
		return name
	}
	return env + "#" + name
}

// unqualify strips the "E#" prefix from a stored cluster name, if present.
func unqualify(name string) string {
	if i := strings.IndexByte(name, '#'); i >= 0 {
		return name[i+1:]
	}
	return name
}
