package graph

import (
	"github.com/jbeverly/rangexx/internal/kv"
	"github.com/jbeverly/rangexx/internal/rangelog"
)

var instanceLog = rangelog.For("graph.instance")

// Instance is one named graph: "primary" or "dependency" in this
// module's usage ("environment graph" vs. "dependency graph").
type Instance struct {
	name           string
	backend        kv.Backend
	currentVersion uint64
	changelist     []ChangeSet

	// wantedVersion is the global version the caller asked to observe;
	// graphWantedVersionMap translates that into a per-node wanted version
	// by replaying the changelist backward (SetWantedVersion). pinned is
	// false until SetWantedVersion succeeds at least once, distinguishing
	// "no pin, read head" from "pinned to version 0" (the empty view).
	wantedVersion         uint64
	graphWantedVersionMap map[string]uint64
	pinned                bool

	// pending accumulates node changes made during the transaction
	// currently in progress; Txn.Commit drains it via appendChangeSet.
	pending []NodeVersion

	// activeTxn guards against starting a second Txn on this instance
	// before the first has been committed or aborted.
	activeTxn bool
}

// NewInstance opens (or implicitly creates, on first access) the named
// graph instance, restoring its head version and changelist from the
// backend's graph_info table if they were persisted by a prior run.
func NewInstance(backend kv.Backend, name string) *Instance {
	g := &Instance{
		name:                  name,
		backend:               backend,
		graphWantedVersionMap: make(map[string]uint64),
	}
	if data, err := backend.GetRecord(kv.RecordGraphMeta, g.changelistKey()); err == nil && data != nil {
		if version, changelist, err := decodeChangelist(data); err == nil {
			g.currentVersion = version
			g.changelist = changelist
		} else {
			instanceLog.Errorf("discarding corrupt persisted changelist for %q: %v", name, err)
		}
	}
	return g
}

// changelistKey is the graph_info key this instance's head version and
// changelist are persisted under, qualified by instance name since
// "primary" and "dependency" each keep their own independent history.
func (g *Instance) changelistKey() []byte {
	return kv.KeyName(kv.RecordGraphMeta, []byte(g.name+"/range_changelist"))
}

func (g *Instance) Name() string    { return g.name }
func (g *Instance) Version() uint64 { return g.currentVersion }

// nodeWantedVersion returns the per-node wanted version to apply when
// reading name: if SetWantedVersion has pinned a historical version, the
// node's own recorded version at that point in the changelist; otherwise
// the node's own current list_version (head).
func (g *Instance) nodeWantedVersion(n *Node) uint64 {
	if !g.pinned {
		return n.record.ListVersion
	}
	if v, ok := g.graphWantedVersionMap[n.Name()]; ok {
		return v
	}
	// untouched within the walked window: it hasn't changed since before
	// the window, so its current recorded version is already correct for
	// the pinned read.
	return n.record.ListVersion
}

// GetNode returns the node named name if it is present at the instance's
// current wanted version, or nil if absent or never created.
func (g *Instance) GetNode(name string) (*Node, error) {
	n, err := loadNode(g.backend, g.name, name)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, nil
	}
	if err := n.SetWantedVersion(g.nodeWantedVersion(n)); err != nil {
		return nil, err
	}
	if !n.IsPresentAt(g.effectiveGraphVersion()) {
		return nil, nil
	}
	return n, nil
}

// effectiveGraphVersion is the global version node presence is checked
// against: the pinned wanted version, or head if none was pinned.
func (g *Instance) effectiveGraphVersion() uint64 {
	if g.pinned {
		return g.wantedVersion
	}
	return g.currentVersion
}

// Create adds a brand-new node, or re-creates one that existed historically
// but is absent at head.
func (g *Instance) Create(scope kv.WriteScope, name string, t NodeType) (*Node, error) {
	existing, err := loadNode(g.backend, g.name, name)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsPresentAt(g.currentVersion) {
		return nil, NewNodeExistsError("node already exists: " + name)
	}

	var n *Node
	if existing != nil {
		// historically present but absent at head: re-create as a new
		// version rather than fabricating a fresh record.
		n = existing
		n.bumpVersion()
		n.record.Type = t
	} else {
		n = newNode(g.backend, g.name, NewNodeRecord(name, t))
	}
	newGraphVersion := g.currentVersion + 1
	n.AddGraphVersion(newGraphVersion)
	if err := n.Commit(scope); err != nil {
		return nil, err
	}
	g.recordChange(n)
	return n, nil
}

// Remove flips every currently-present edge of n to absent and appends a
// graph-version marking it removed.
func (g *Instance) Remove(scope kv.WriteScope, n *Node) error {
	for _, e := range n.ForwardEdges() {
		other, err := g.GetNode(e.Target)
		if err != nil {
			return err
		}
		if other != nil {
			if err := n.RemoveForwardEdge(other, true); err != nil {
				return err
			}
		}
	}
	for _, e := range n.ReverseEdges() {
		other, err := g.GetNode(e.Target)
		if err != nil {
			return err
		}
		if other != nil {
			if err := n.RemoveReverseEdge(other, true); err != nil {
				return err
			}
		}
	}
	n.AddGraphVersion(g.currentVersion + 1)
	if err := n.Commit(scope); err != nil {
		return err
	}
	g.recordChange(n)
	return nil
}

// recordChange adds n to pending, the nodes touched during the transaction
// currently in progress, flushed into a changelist entry on commit.
func (g *Instance) recordChange(n *Node) {
	g.pending = append(g.pending, NodeVersion{Name: n.Name(), Version: n.Version()})
}

// AllNodeNames walks a cursor over every node ever recorded in this
// instance and returns those present at the current wanted version.
func (g *Instance) AllNodeNames() ([]string, error) {
	scope, err := g.backend.ReadLock(kv.RecordNode, nil)
	if err != nil {
		return nil, err
	}
	defer scope.Close()
	cursor, err := scope.Cursor(kv.RecordNode)
	if err != nil {
		return nil, err
	}
	prefix := kv.KeyName(kv.RecordNode, []byte(g.name+"/"))
	var names []string
	for k, v, ok := cursor.First(); ok; k, v, ok = cursor.Next() {
		name := stripGraphPrefix(k, prefix)
		if name == "" {
			continue
		}
		rec, err := DecodeNodeRecord(v)
		if err != nil {
			return nil, err
		}
		n := newNode(g.backend, g.name, rec)
		if err := n.SetWantedVersion(g.nodeWantedVersion(n)); err != nil {
			return nil, err
		}
		if n.IsPresentAt(g.effectiveGraphVersion()) {
			names = append(names, name)
		}
	}
	return names, nil
}

func stripGraphPrefix(key, prefix []byte) string {
	// the stored key is <type><0x07><0x07><graphname>/<nodename>; the
	// cursor returns it whole, so prefix carries the same type byte and
	// separators ahead of the graph name.
	if len(key) < len(prefix) {
		return ""
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return ""
		}
	}
	return string(key[len(prefix):])
}

// V returns the number of nodes present at the wanted version.
func (g *Instance) V() (int, error) {
	names, err := g.AllNodeNames()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// E returns the number of forward edges present at the wanted version.
func (g *Instance) E() (int, error) {
	names, err := g.AllNodeNames()
	if err != nil {
		return 0, err
	}
	total := 0
	for _, name := range names {
		n, err := g.GetNode(name)
		if err != nil {
			return 0, err
		}
		if n != nil {
			total += len(n.ForwardEdges())
		}
	}
	return total, nil
}

// SetWantedVersion walks the changelist from head back to v, populating
// graphWantedVersionMap with each node's recorded version at that point.
// The walk stops at the first changelist entry whose version is <= v; using
// an unsigned loop bound of "entryVersion >= v" instead underflows when
// v == 0 and the changelist is non-empty, so the comparison is written the
// other way around.
func (g *Instance) SetWantedVersion(v uint64) bool {
	if v > g.currentVersion {
		return false
	}
	if v == 0 {
		g.wantedVersion = 0
		g.graphWantedVersionMap = make(map[string]uint64)
		g.pinned = true
		return true
	}
	if len(g.changelist) == 0 {
		return false
	}
	oldestRetained := g.currentVersion - uint64(len(g.changelist)) + 1
	if v < oldestRetained {
		return false
	}

	versionMap := make(map[string]uint64)
	for i := len(g.changelist) - 1; i >= 0; i-- {
		entryVersion := oldestRetained + uint64(i)
		for _, nv := range g.changelist[i].Nodes {
			versionMap[nv.Name] = nv.Version
		}
		if entryVersion <= v {
			break
		}
	}
	g.wantedVersion = v
	g.graphWantedVersionMap = versionMap
	g.pinned = true
	return true
}

// appendChangeSet finalizes the transaction's accumulated node changes into
// one changelist entry and bumps the instance's head version.
func (g *Instance) appendChangeSet(timestampUnixNano int64) {
	g.currentVersion++
	g.changelist = append(g.changelist, ChangeSet{
		TimestampUnixNano: timestampUnixNano,
		Nodes:             g.pending,
	})
	g.pending = nil
}

// persistNextChangeSet writes, into scope, the graph_info changelist record
// this instance will advance to once its pending node changes are
// finalized by appendChangeSet with the same timestamp. Staging this ahead
// of the in-memory advance keeps the persisted changelist from ever
// describing a version that wasn't actually durable.
func (g *Instance) persistNextChangeSet(scope kv.WriteScope, timestampUnixNano int64) error {
	nextChangelist := append(append([]ChangeSet(nil), g.changelist...), ChangeSet{
		TimestampUnixNano: timestampUnixNano,
		Nodes:             g.pending,
	})
	data, err := encodeChangelist(g.currentVersion+1, nextChangelist)
	if err != nil {
		return err
	}
	return scope.Put(kv.RecordGraphMeta, g.changelistKey(), data)
}
