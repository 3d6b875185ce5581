package schema

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// PartKey is the canonicalized, byte-encoded tuple of partition-key column
// values for one series. It uniquely identifies a time series within a
// dataset (spec §3). The encoding is a length-prefixed sequence of
// (name, value) pairs sorted by name, so that two PartKeys built from the
// same label set always compare byte-equal regardless of insertion order.
type PartKey struct {
	bytes []byte
}

// Bytes returns the opaque encoded form, safe to use as a map key.
func (k PartKey) Bytes() []byte { return k.bytes }

// String renders the PartKey's encoded bytes for logging; use Labels() to
// recover the structured label set.
func (k PartKey) String() string { return string(k.bytes) }

// Empty reports whether the key carries no bytes, i.e. was never built from
// any labels.
func (k PartKey) Empty() bool { return len(k.bytes) == 0 }

// PartKeyFromBytes wraps already-encoded bytes (as previously produced by
// BuildPartKey) back into a PartKey, used when a caller only has the
// opaque byte form on hand (e.g. an index handle resolved to raw bytes)
// and needs to decode it.
func PartKeyFromBytes(b []byte) PartKey { return PartKey{bytes: b} }

// BuildPartKey canonicalizes a label-value map into a PartKey: it sorts by
// name and writes a deterministic binary encoding so identical label sets
// always produce identical keys.
func BuildPartKey(labels map[string]string) PartKey {
	names := make([]string, 0, len(labels))
	for n := range labels {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	var lenPrefix [4]byte
	for _, n := range names {
		v := labels[n]
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(n)))
		buf.Write(lenPrefix[:])
		buf.WriteString(n)
		binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(v)))
		buf.Write(lenPrefix[:])
		buf.WriteString(v)
	}
	return PartKey{bytes: buf.Bytes()}
}

// Labels decodes a PartKey back into its label-value map. Decoding is only
// needed on the cold path (metadata endpoints, debugging); hot-path scans
// operate on the encoded bytes directly.
func (k PartKey) Labels() (map[string]string, error) {
	out := map[string]string{}
	buf := k.bytes
	for len(buf) > 0 {
		name, rest, err := readField(buf)
		if err != nil {
			return nil, err
		}
		value, rest2, err := readField(rest)
		if err != nil {
			return nil, err
		}
		out[name] = value
		buf = rest2
	}
	return out, nil
}

func readField(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, fmt.Errorf("schema: truncated partkey field length")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, fmt.Errorf("schema: truncated partkey field value")
	}
	return string(buf[:n]), buf[n:], nil
}
