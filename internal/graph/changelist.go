package graph

import (
	"bufio"
	"bytes"
	"encoding/binary"
)

// NodeVersion pairs a node name with the list_version it had when a change
// set was recorded.
type NodeVersion struct {
	Name    string
	Version uint64
}

// ChangeSet is one entry in a graph instance's changelist: the wall-clock
// time of the commit and every node whose list_version advanced.
type ChangeSet struct {
	TimestampUnixNano int64
	Nodes             []NodeVersion
}

// encodeChangelist serializes an instance's head version and its full
// changelist, stored under the graph_info table's range_changelist key so
// SetWantedVersion's historical-read walk survives a restart.
func encodeChangelist(currentVersion uint64, changelist []ChangeSet) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)

	if err := binary.Write(w, binary.LittleEndian, currentVersion); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(changelist))); err != nil {
		return nil, err
	}
	for _, cs := range changelist {
		if err := binary.Write(w, binary.LittleEndian, cs.TimestampUnixNano); err != nil {
			return nil, err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(cs.Nodes))); err != nil {
			return nil, err
		}
		for _, nv := range cs.Nodes {
			if err := writeFieldBytes(w, []byte(nv.Name)); err != nil {
				return nil, err
			}
			if err := binary.Write(w, binary.LittleEndian, nv.Version); err != nil {
				return nil, err
			}
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeChangelist is the inverse of encodeChangelist.
func decodeChangelist(b []byte) (uint64, []ChangeSet, error) {
	r := bufio.NewReader(bytes.NewReader(b))

	var currentVersion uint64
	if err := binary.Read(r, binary.LittleEndian, &currentVersion); err != nil {
		return 0, nil, err
	}
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, nil, err
	}
	changelist := make([]ChangeSet, n)
	for i := range changelist {
		var ts int64
		if err := binary.Read(r, binary.LittleEndian, &ts); err != nil {
			return 0, nil, err
		}
		var numNodes uint32
		if err := binary.Read(r, binary.LittleEndian, &numNodes); err != nil {
			return 0, nil, err
		}
		nodes := make([]NodeVersion, numNodes)
		for j := range nodes {
			name, err := readFieldBytes(r)
			if err != nil {
				return 0, nil, err
			}
			var v uint64
			if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
				return 0, nil, err
			}
			nodes[j] = NodeVersion{Name: string(name), Version: v}
		}
		changelist[i] = ChangeSet{TimestampUnixNano: ts, Nodes: nodes}
	}
	return currentVersion, changelist, nil
}

// encodeGraphList serializes a list of graph-instance names for the
// graph_info table's graph_list key.
func encodeGraphList(names []string) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)
	if err := binary.Write(w, binary.LittleEndian, uint32(len(names))); err != nil {
		return nil, err
	}
	for _, n := range names {
		if err := writeFieldBytes(w, []byte(n)); err != nil {
			return nil, err
		}
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGraphList is the inverse of encodeGraphList.
func decodeGraphList(b []byte) ([]string, error) {
	r := bufio.NewReader(bytes.NewReader(b))
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		name, err := readFieldBytes(r)
		if err != nil {
			return nil, err
		}
		names[i] = string(name)
	}
	return names, nil
}
