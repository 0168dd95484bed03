package graph

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/jbeverly/rangexx/internal/kv"
)

// writeFieldBytes writes a length-prefixed byte field.
func writeFieldBytes(w *bufio.Writer, b []byte) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(b))); err != nil {
		return err
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("short write: expected %d, wrote %d", len(b), n)
	}
	return nil
}

func readFieldBytes(r *bufio.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := readFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeUint64Slice(w *bufio.Writer, vs []uint64) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(vs))); err != nil {
		return err
	}
	for _, v := range vs {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	return nil
}

func readUint64Slice(r *bufio.Reader) ([]uint64, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	vs := make([]uint64, n)
	for i := range vs {
		if err := binary.Read(r, binary.LittleEndian, &vs[i]); err != nil {
			return nil, err
		}
	}
	return vs, nil
}

func writeEdges(w *bufio.Writer, edges []*VersionedEdge) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(edges))); err != nil {
		return err
	}
	for _, e := range edges {
		if err := writeFieldBytes(w, []byte(e.Target)); err != nil {
			return err
		}
		if err := writeUint64Slice(w, e.Versions); err != nil {
			return err
		}
	}
	return nil
}

func readEdges(r *bufio.Reader) ([]*VersionedEdge, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	edges := make([]*VersionedEdge, n)
	for i := range edges {
		target, err := readFieldBytes(r)
		if err != nil {
			return nil, err
		}
		versions, err := readUint64Slice(r)
		if err != nil {
			return nil, err
		}
		edges[i] = &VersionedEdge{Target: string(target), Versions: versions}
	}
	return edges, nil
}

func writeTags(w *bufio.Writer, tags map[string]*TagEntry) error {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(keys))); err != nil {
		return err
	}
	for _, k := range keys {
		entry := tags[k]
		if err := writeFieldBytes(w, []byte(k)); err != nil {
			return err
		}
		if err := writeUint64Slice(w, entry.Versions); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(entry.Values))); err != nil {
			return err
		}
		for _, v := range entry.Values {
			if err := writeFieldBytes(w, []byte(v.Value)); err != nil {
				return err
			}
			if err := writeUint64Slice(w, v.Versions); err != nil {
				return err
			}
		}
	}
	return nil
}

func readTags(r *bufio.Reader) (map[string]*TagEntry, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	tags := make(map[string]*TagEntry, n)
	for i := uint32(0); i < n; i++ {
		key, err := readFieldBytes(r)
		if err != nil {
			return nil, err
		}
		keyVersions, err := readUint64Slice(r)
		if err != nil {
			return nil, err
		}
		var numValues uint32
		if err := binary.Read(r, binary.LittleEndian, &numValues); err != nil {
			return nil, err
		}
		values := make([]*TagValue, numValues)
		for j := range values {
			val, err := readFieldBytes(r)
			if err != nil {
				return nil, err
			}
			valVersions, err := readUint64Slice(r)
			if err != nil {
				return nil, err
			}
			values[j] = &TagValue{Value: string(val), Versions: valVersions}
		}
		tags[string(key)] = &TagEntry{Versions: keyVersions, Values: values}
	}
	return tags, nil
}

// marshalWithChecksum serializes r with the checksum field set to crc,
// used both to compute the real checksum (crc=0 pass) and to produce the
// final bytes (crc=real pass): zero the checksum, serialize, checksum,
// serialize again.
func marshalWithChecksum(r *NodeRecord, crc uint32) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := bufio.NewWriter(buf)

	if err := writeFieldBytes(w, []byte(r.Name)); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(r.Type)); err != nil {
		return nil, err
	}
	if err := writeEdges(w, r.ForwardEdges); err != nil {
		return nil, err
	}
	if err := writeEdges(w, r.ReverseEdges); err != nil {
		return nil, err
	}
	if err := writeTags(w, r.Tags); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, r.ListVersion); err != nil {
		return nil, err
	}
	if err := writeUint64Slice(w, r.GraphVersions); err != nil {
		return nil, err
	}
	if err := binary.Write(w, binary.LittleEndian, crc); err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// EncodeNodeRecord performs the deterministic two-pass serialize: zero the
// checksum, serialize, compute crc32 over that, then serialize again with
// the real checksum.
func EncodeNodeRecord(r *NodeRecord) ([]byte, error) {
	zeroed, err := marshalWithChecksum(r, 0)
	if err != nil {
		return nil, err
	}
	// crc is the trailing 4 bytes; compute over everything before it.
	sum := crc32.ChecksumIEEE(zeroed[:len(zeroed)-4])
	r.Checksum = sum
	return marshalWithChecksum(r, sum)
}

// DecodeNodeRecord deserializes b and verifies its checksum, returning
// kv.CorruptRecord on mismatch.
func DecodeNodeRecord(b []byte) (*NodeRecord, error) {
	r := bufio.NewReader(bytes.NewReader(b))

	name, err := readFieldBytes(r)
	if err != nil {
		return nil, err
	}
	var nodeType uint16
	if err := binary.Read(r, binary.LittleEndian, &nodeType); err != nil {
		return nil, err
	}
	fwd, err := readEdges(r)
	if err != nil {
		return nil, err
	}
	rev, err := readEdges(r)
	if err != nil {
		return nil, err
	}
	tags, err := readTags(r)
	if err != nil {
		return nil, err
	}
	var listVersion uint64
	if err := binary.Read(r, binary.LittleEndian, &listVersion); err != nil {
		return nil, err
	}
	graphVersions, err := readUint64Slice(r)
	if err != nil {
		return nil, err
	}
	var storedCRC uint32
	if err := binary.Read(r, binary.LittleEndian, &storedCRC); err != nil {
		return nil, err
	}

	rec := &NodeRecord{
		Name:          string(name),
		Type:          NodeType(nodeType),
		ForwardEdges:  fwd,
		ReverseEdges:  rev,
		Tags:          tags,
		ListVersion:   listVersion,
		GraphVersions: graphVersions,
		Checksum:      storedCRC,
	}

	zeroed, err := marshalWithChecksum(rec, 0)
	if err != nil {
		return nil, err
	}
	recomputed := crc32.ChecksumIEEE(zeroed[:len(zeroed)-4])
	if recomputed != storedCRC {
		return nil, kv.NewCorruptRecord(fmt.Sprintf("checksum mismatch for node %q: stored %08x, computed %08x", rec.Name, storedCRC, recomputed))
	}
	return rec, nil
}
