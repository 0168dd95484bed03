package graph

import (
	"github.com/jbeverly/rangexx/internal/kv"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

var nodeLog = rangelog.For("graph.node")

// Node exposes one logical node at a chosen wanted version, mediating all
// edge/tag reads and writes against the underlying record. It holds only
// the owning graph's name and a backend handle, never a pointer back to
// the Instance, to avoid a reference cycle between the two.
type Node struct {
	backend   kv.Backend
	graphName string
	record    *NodeRecord
	wanted    uint64
	valid     bool
}

// loadNode reads and decodes the record for name from the backend, without
// regard for presence at any particular version; the caller decides
// visibility via IsPresentAt.
func loadNode(backend kv.Backend, graphName, name string) (*Node, error) {
	data, err := backend.GetRecord(kv.RecordNode, kv.KeyName(kv.RecordNode, []byte(graphName+"/"+name)))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	rec, err := DecodeNodeRecord(data)
	if err != nil {
		return nil, err
	}
	n := &Node{backend: backend, graphName: graphName, record: rec, valid: true}
	n.wanted = rec.ListVersion
	return n, nil
}

func newNode(backend kv.Backend, graphName string, rec *NodeRecord) *Node {
	n := &Node{backend: backend, graphName: graphName, record: rec, valid: true}
	n.wanted = rec.ListVersion
	return n
}

func (n *Node) recordKey() []byte {
	return kv.KeyName(kv.RecordNode, []byte(n.graphName+"/"+n.record.Name))
}

func (n *Node) Name() string             { return n.record.Name }
func (n *Node) Type() NodeType           { return n.record.Type }
func (n *Node) Version() uint64          { return n.record.ListVersion }
func (n *Node) GetWantedVersion() uint64 { return n.wanted }
func (n *Node) Crc32() uint32            { return n.record.Checksum }
func (n *Node) IsValid() bool            { return n.valid }

// SetWantedVersion changes the version subsequent reads resolve against.
func (n *Node) SetWantedVersion(v uint64) error {
	if v > n.record.ListVersion {
		return NewInvalidVersionError("wanted version exceeds node's list version")
	}
	n.wanted = v
	return nil
}

// IsPresentAt reports whether the node should be visible at graph wanted
// version gv. It reuses the same "odd count of versions <= W" rule edges
// and tags use: a node is created (odd) and removed (even) the same way
// an edge is added/removed.
func (n *Node) IsPresentAt(gv uint64) bool {
	if len(n.record.GraphVersions) == 0 {
		return false
	}
	return oddCountAtOrBelow(n.record.GraphVersions, gv)
}

func (n *Node) ForwardEdges() []*VersionedEdge {
	out := make([]*VersionedEdge, 0, len(n.record.ForwardEdges))
	for _, e := range n.record.ForwardEdges {
		if e.PresentAt(n.wanted) {
			out = append(out, e)
		}
	}
	return out
}

func (n *Node) ReverseEdges() []*VersionedEdge {
	out := make([]*VersionedEdge, 0, len(n.record.ReverseEdges))
	for _, e := range n.record.ReverseEdges {
		if e.PresentAt(n.wanted) {
			out = append(out, e)
		}
	}
	return out
}

// Tags returns the resolved key -> values map at the wanted version.
func (n *Node) Tags() map[string][]string {
	out := make(map[string][]string)
	for key, entry := range n.record.Tags {
		if !entry.PresentAt(n.wanted) {
			continue
		}
		values := make([]string, 0, len(entry.Values))
		for _, v := range entry.Values {
			if v.PresentAt(n.wanted) {
				values = append(values, v.Value)
			}
		}
		out[key] = values
	}
	return out
}

func (n *Node) bumpVersion() uint64 {
	n.record.ListVersion++
	n.wanted = n.record.ListVersion
	return n.record.ListVersion
}

// AddForwardEdge adds other to this node's forward edges at a new version.
// When symmetric is true, other's reverse edges are updated to match, with
// its own symmetric argument set to false to avoid recursing back.
func (n *Node) AddForwardEdge(other *Node, symmetric bool) error {
	v := n.bumpVersion()
	if e := n.record.findForward(other.Name()); e != nil {
		e.Versions = append(e.Versions, v)
	} else {
		n.record.ForwardEdges = append(n.record.ForwardEdges, &VersionedEdge{Target: other.Name(), Versions: []uint64{v}})
	}
	if symmetric {
		if err := other.AddReverseEdge(n, false); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) AddReverseEdge(other *Node, symmetric bool) error {
	v := n.bumpVersion()
	if e := n.record.findReverse(other.Name()); e != nil {
		e.Versions = append(e.Versions, v)
	} else {
		n.record.ReverseEdges = append(n.record.ReverseEdges, &VersionedEdge{Target: other.Name(), Versions: []uint64{v}})
	}
	if symmetric {
		if err := other.AddForwardEdge(n, false); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) RemoveForwardEdge(other *Node, symmetric bool) error {
	e := n.record.findForward(other.Name())
	if e == nil {
		return NewEdgeNotFoundError("no forward edge to " + other.Name())
	}
	v := n.bumpVersion()
	e.Versions = append(e.Versions, v)
	if symmetric {
		if err := other.RemoveReverseEdge(n, false); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) RemoveReverseEdge(other *Node, symmetric bool) error {
	e := n.record.findReverse(other.Name())
	if e == nil {
		return NewEdgeNotFoundError("no reverse edge to " + other.Name())
	}
	v := n.bumpVersion()
	e.Versions = append(e.Versions, v)
	if symmetric {
		if err := other.RemoveForwardEdge(n, false); err != nil {
			return err
		}
	}
	return nil
}

// UpdateTag replaces the current value set for key with values, recorded
// at a new list version: every value present immediately before v is
// marked absent as of v before the new values are added as present.
func (n *Node) UpdateTag(key string, values []string) error {
	v := n.bumpVersion()
	entry, ok := n.record.Tags[key]
	if !ok {
		entry = &TagEntry{}
		n.record.Tags[key] = entry
	}
	if !entry.PresentAt(v - 1) {
		entry.Versions = append(entry.Versions, v)
	}
	for _, tv := range entry.Values {
		if tv.PresentAt(v - 1) {
			tv.Versions = append(tv.Versions, v)
		}
	}
	tagValues := make([]*TagValue, 0, len(values))
	for _, val := range values {
		tagValues = append(tagValues, &TagValue{Value: val, Versions: []uint64{v}})
	}
	entry.Values = append(entry.Values, tagValues...)
	return nil
}

// DeleteTag flips the key's presence from odd to even by appending a new
// version, without discarding history.
func (n *Node) DeleteTag(key string) error {
	entry, ok := n.record.Tags[key]
	if !ok {
		return NewNodeNotFoundError("no such tag: " + key)
	}
	v := n.bumpVersion()
	entry.Versions = append(entry.Versions, v)
	return nil
}

func (n *Node) AddGraphVersion(v uint64) {
	n.record.GraphVersions = append(n.record.GraphVersions, v)
}

func (n *Node) GraphVersions() []uint64 {
	return append([]uint64(nil), n.record.GraphVersions...)
}

// Commit persists the node's current record to the backend within scope.
func (n *Node) Commit(scope kv.WriteScope) error {
	data, err := EncodeNodeRecord(n.record)
	if err != nil {
		return err
	}
	return n.backend.WriteRecord(scope, kv.RecordNode, n.recordKey(), data)
}
