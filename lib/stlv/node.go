// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package stlv

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// Node is one decoded record. A value node carries Value; a segment
// node carries Children. The two are distinguished by the tag's
// [Kind], not by which field happens to be empty.
type Node struct {
	Tag      Tag
	Kind     Kind
	Value    []byte
	Children []*Node
}

// NewValue returns a leaf node.
func NewValue(tag Tag, value []byte) *Node {
	return &Node{Tag: tag, Kind: KindValue, Value: value}
}

// NewSegment returns a segment node. Nil children are dropped so that
// optional fields can be built inline.
func NewSegment(tag Tag, children ...*Node) *Node {
	node := &Node{Tag: tag, Kind: KindSegment}
	for _, child := range children {
		if child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// NewString returns a leaf node holding UTF-8 text.
func NewString(tag Tag, value string) *Node {
	return NewValue(tag, []byte(value))
}

// NewBool returns a leaf node holding a single 0 or 1 byte.
func NewBool(tag Tag, value bool) *Node {
	if value {
		return NewValue(tag, []byte{1})
	}
	return NewValue(tag, []byte{0})
}

// NewUint32s returns a leaf node holding big-endian uint32 values.
func NewUint32s(tag Tag, values []uint32) *Node {
	encoded := make([]byte, 4*len(values))
	for i, value := range values {
		binary.BigEndian.PutUint32(encoded[4*i:], value)
	}
	return NewValue(tag, encoded)
}

// Add appends non-nil children to a segment node.
func (n *Node) Add(children ...*Node) {
	for _, child := range children {
		if child != nil {
			n.Children = append(n.Children, child)
		}
	}
}

// ContentLength returns the length of the encoded value: the raw value
// for leaves, the encoded children for segments.
func (n *Node) ContentLength() uint64 {
	if n.Kind == KindValue {
		return uint64(len(n.Value))
	}
	var total uint64
	for _, child := range n.Children {
		total += child.EncodedLength()
	}
	return total
}

// EncodedLength returns the length of the complete encoded record.
func (n *Node) EncodedLength() uint64 {
	length := n.ContentLength()
	return uint64(HeaderSize(length)) + length
}

// AppendTo appends the encoded record to dst. Children are measured
// before anything is written so the length prefix is exact.
func (n *Node) AppendTo(dst []byte) []byte {
	dst = AppendHeader(dst, n.Tag, n.ContentLength())
	if n.Kind == KindValue {
		return append(dst, n.Value...)
	}
	for _, child := range n.Children {
		dst = child.AppendTo(dst)
	}
	return dst
}

// Encode returns the encoded record.
func (n *Node) Encode() []byte {
	return n.AppendTo(make([]byte, 0, n.EncodedLength()))
}

// WriteTo writes the encoded record to w.
func (n *Node) WriteTo(w io.Writer) (int64, error) {
	written, err := w.Write(n.Encode())
	return int64(written), err
}

// Child returns the first direct child with the given tag, or nil.
func (n *Node) Child(tag Tag) *Node {
	for _, child := range n.Children {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// ChildrenWith returns all direct children with the given tag, in order.
func (n *Node) ChildrenWith(tag Tag) []*Node {
	var result []*Node
	for _, child := range n.Children {
		if child.Tag == tag {
			result = append(result, child)
		}
	}
	return result
}

// Equal reports whether two trees have identical tags, kinds, values,
// and children.
func (n *Node) Equal(other *Node) bool {
	if n == nil || other == nil {
		return n == other
	}
	if n.Tag != other.Tag || n.Kind != other.Kind {
		return false
	}
	if n.Kind == KindValue {
		return bytes.Equal(n.Value, other.Value)
	}
	if len(n.Children) != len(other.Children) {
		return false
	}
	for i := range n.Children {
		if !n.Children[i].Equal(other.Children[i]) {
			return false
		}
	}
	return true
}

// AsString returns the value as UTF-8 text.
func (n *Node) AsString() (string, error) {
	if n.Kind != KindValue {
		return "", corruptf("%s is a segment, expected a string", n.Tag)
	}
	if !utf8.Valid(n.Value) {
		return "", corruptf("%s is not valid UTF-8", n.Tag)
	}
	return string(n.Value), nil
}

// AsBool returns the value as a boolean. Only the single bytes 0 and 1
// are accepted.
func (n *Node) AsBool() (bool, error) {
	if n.Kind != KindValue || len(n.Value) != 1 || n.Value[0] > 1 {
		return false, corruptf("%s is not a boolean", n.Tag)
	}
	return n.Value[0] == 1, nil
}

// AsUint32s returns the value as a sequence of big-endian uint32s.
func (n *Node) AsUint32s() ([]uint32, error) {
	if n.Kind != KindValue || len(n.Value)%4 != 0 {
		return nil, corruptf("%s length %d is not a multiple of 4", n.Tag, len(n.Value))
	}
	values := make([]uint32, len(n.Value)/4)
	for i := range values {
		values[i] = binary.BigEndian.Uint32(n.Value[4*i:])
	}
	return values, nil
}

// Decode decodes exactly one record from data. An unknown optional
// record at the top level is skipped, which leaves nothing to return
// and is reported as corrupt.
func Decode(data []byte, schema Schema) (*Node, error) {
	nodes, err := DecodeSequence(data, schema, "")
	if err != nil {
		return nil, err
	}
	if len(nodes) != 1 {
		return nil, corruptf("expected one record, found %d", len(nodes))
	}
	return nodes[0], nil
}

// DecodeSequence decodes consecutive records filling data. segment is
// the name of the enclosing segment and only appears in errors.
//
// Unknown optional records are skipped by exactly their declared
// length. A nil schema knows no tags. Unknown required records stop decoding with an
// [*UnsupportedTagError].
func DecodeSequence(data []byte, schema Schema, segment string) ([]*Node, error) {
	var nodes []*Node
	for len(data) > 0 {
		tag, length, headerLength, err := parseHeader(data)
		if err != nil {
			return nil, err
		}
		data = data[headerLength:]
		if length > uint64(len(data)) {
			return nil, corruptf("%s declares %d bytes, only %d remain", TagName(schema, tag), length, len(data))
		}
		value := data[:length]
		data = data[length:]

		name, kind, known := lookup(schema, tag)
		if !known {
			if tag.IsOptional() {
				continue
			}
			return nil, &UnsupportedTagError{Tag: tag, Segment: segment}
		}

		node := &Node{Tag: tag, Kind: kind}
		if kind == KindValue {
			node.Value = value
		} else {
			children, err := DecodeSequence(value, schema, name)
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// String renders the tree on one line for test failure messages.
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.Kind == KindValue {
		return fmt.Sprintf("%s=%x", n.Tag, n.Value)
	}
	var buffer bytes.Buffer
	fmt.Fprintf(&buffer, "%s{", n.Tag)
	for i, child := range n.Children {
		if i > 0 {
			buffer.WriteString(" ")
		}
		buffer.WriteString(child.String())
	}
	buffer.WriteString("}")
	return buffer.String()
}
