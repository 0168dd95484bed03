package graph

import "github.com/jbeverly/rangexx/internal/kv"

// NodeIterator walks every node of an Instance present at its current
// wanted version, in key order. It is restartable: Reset reopens the
// underlying cursor rather than caching a snapshot, so a long-lived
// iterator observes later commits made through the same Instance. An
// iterator owns a read transaction for as long as it is open; callers
// must call Close when done with it.
type NodeIterator struct {
	g      *Instance
	scope  kv.ReadScope
	cursor kv.Cursor
	prefix []byte
	node   *Node
	ok     bool
}

// Begin returns an iterator positioned at the first present node.
func (g *Instance) Begin() (*NodeIterator, error) {
	it, err := g.newIterator()
	if err != nil {
		return nil, err
	}
	if err := it.seekFirst(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

// End returns an iterator positioned at the last present node.
func (g *Instance) End() (*NodeIterator, error) {
	it, err := g.newIterator()
	if err != nil {
		return nil, err
	}
	if err := it.seekLast(); err != nil {
		it.Close()
		return nil, err
	}
	return it, nil
}

func (g *Instance) newIterator() (*NodeIterator, error) {
	scope, err := g.backend.ReadLock(kv.RecordNode, nil)
	if err != nil {
		return nil, err
	}
	cursor, err := scope.Cursor(kv.RecordNode)
	if err != nil {
		scope.Close()
		return nil, err
	}
	return &NodeIterator{g: g, scope: scope, cursor: cursor, prefix: kv.KeyName(kv.RecordNode, []byte(g.name+"/"))}, nil
}

// Reset reopens the cursor and repositions at the first present node,
// picking up any changes committed since the iterator was created.
func (it *NodeIterator) Reset() error {
	scope, err := it.g.backend.ReadLock(kv.RecordNode, nil)
	if err != nil {
		return err
	}
	cursor, err := scope.Cursor(kv.RecordNode)
	if err != nil {
		scope.Close()
		return err
	}
	it.scope.Close()
	it.scope = scope
	it.cursor = cursor
	return it.seekFirst()
}

// Close releases the iterator's underlying read transaction. Safe to call
// more than once.
func (it *NodeIterator) Close() error {
	if it.scope == nil {
		return nil
	}
	err := it.scope.Close()
	it.scope = nil
	return err
}

func (it *NodeIterator) seekFirst() error {
	k, v, ok := it.cursor.First()
	return it.advanceUntilPresent(k, v, ok, it.cursor.Next)
}

func (it *NodeIterator) seekLast() error {
	k, v, ok := it.cursor.Last()
	return it.advanceUntilPresent(k, v, ok, it.cursor.Prev)
}

// advanceUntilPresent scans using step until it finds a key within the
// instance's name prefix whose decoded node is present at the effective
// wanted version, or runs out of keys.
func (it *NodeIterator) advanceUntilPresent(k, v []byte, ok bool, step func() ([]byte, []byte, bool)) error {
	for ok {
		name := stripGraphPrefix(k, it.prefix)
		if name != "" {
			rec, err := DecodeNodeRecord(v)
			if err != nil {
				return err
			}
			n := newNode(it.g.backend, it.g.name, rec)
			if err := n.SetWantedVersion(it.g.nodeWantedVersion(n)); err != nil {
				return err
			}
			if n.IsPresentAt(it.g.effectiveGraphVersion()) {
				it.node = n
				it.ok = true
				return nil
			}
		}
		k, v, ok = step()
	}
	it.node = nil
	it.ok = false
	return nil
}

// Valid reports whether the iterator is positioned at a node.
func (it *NodeIterator) Valid() bool { return it.ok }

// Node returns the node at the iterator's current position, or nil.
func (it *NodeIterator) Node() *Node { return it.node }

// Next advances the iterator to the next present node.
func (it *NodeIterator) Next() error {
	if !it.ok {
		return nil
	}
	k, v, ok := it.cursor.Next()
	return it.advanceUntilPresent(k, v, ok, it.cursor.Next)
}

// Prev moves the iterator to the previous present node.
func (it *NodeIterator) Prev() error {
	if !it.ok {
		return nil
	}
	k, v, ok := it.cursor.Prev()
	return it.advanceUntilPresent(k, v, ok, it.cursor.Prev)
}
