// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package wire provides the generic tag tree produced by decoding
// either wire representation of the protocol (binary or textual XML),
// plus the textual XML parser itself.  The binary decoder lives in
// the wbxml package and produces the same tree shape, so everything
// above this layer is codec-agnostic.
package wire

// A Node is an ordered mapping from tag name to a value.  A value is
// one of:
//
//   string:   a leaf with scalar text content
//   *Node:    a single nested element
//   []*Node:  two or more same-named sibling elements
//   []string: two or more same-named sibling leaves
//
// The asymmetry is deliberate and load bearing: a tag observed more
// than once at the same nesting level collapses to a slice, while a
// singleton stays a scalar or *Node and is never wrapped in a
// one-element slice.  Callers normalize through Children when they
// need to iterate.
//
// Read accessors tolerate a nil receiver so lookups can chain
// through levels that may be absent.
type Node struct {
	tags   map[string]any
	tagSeq []string
}

// NewNode returns an empty tree node.
func NewNode() *Node {
	return &Node{tags: make(map[string]any)}
}

// Get returns the raw value stored under tag, which may be a string,
// a *Node or a []*Node.
func (n *Node) Get(tag string) (any, bool) {
	if n == nil {
		return nil, false
	}
	v, ok := n.tags[tag]
	return v, ok
}

// Has reports whether the tag is present at this level.
func (n *Node) Has(tag string) bool {
	if n == nil {
		return false
	}
	_, ok := n.tags[tag]
	return ok
}

// Text returns the scalar content of tag, or the empty string if the
// tag is absent or holds nested elements.
func (n *Node) Text(tag string) string {
	if n == nil {
		return ""
	}
	if s, ok := n.tags[tag].(string); ok {
		return s
	}
	return ""
}

// Child returns the nested node stored under tag.  If the tag holds a
// sequence, the first element is returned; if it is absent or a
// scalar, nil.
func (n *Node) Child(tag string) *Node {
	if n == nil {
		return nil
	}
	switch v := n.tags[tag].(type) {
	case *Node:
		return v
	case []*Node:
		if len(v) > 0 {
			return v[0]
		}
	}
	return nil
}

// Children normalizes the single-vs-multiple asymmetry for
// iteration: a missing or scalar tag yields nil, a singleton yields a
// one-element slice, a sequence is returned as-is.
func (n *Node) Children(tag string) []*Node {
	if n == nil {
		return nil
	}
	switch v := n.tags[tag].(type) {
	case *Node:
		return []*Node{v}
	case []*Node:
		return v
	}
	return nil
}

// Tags returns the tag names at this level in insertion order.
func (n *Node) Tags() []string {
	if n == nil {
		return nil
	}
	return n.tagSeq
}

// SetText stores scalar text under tag, replacing any prior value.
func (n *Node) SetText(tag, text string) {
	n.set(tag, text)
}

// SetChild stores a single nested node under tag, replacing any prior
// value.
func (n *Node) SetChild(tag string, child *Node) {
	n.set(tag, child)
}

func (n *Node) set(tag string, v any) {
	if _, ok := n.tags[tag]; !ok {
		n.tagSeq = append(n.tagSeq, tag)
	}
	n.tags[tag] = v
}

// Append adds a nested node under tag with collapse semantics: the
// first node stored under a tag stays a singleton, a second promotes
// the value to a sequence, further nodes extend it.
func (n *Node) Append(tag string, child *Node) {
	switch v := n.tags[tag].(type) {
	case nil:
		n.set(tag, child)
	case *Node:
		n.tags[tag] = []*Node{v, child}
	case []*Node:
		n.tags[tag] = append(v, child)
	default:
		// A scalar being joined by an element keeps the later
		// elements only; the protocol never mixes the two
		// under one tag.
		n.tags[tag] = child
	}
}

// AppendText adds scalar text under tag with the same collapse
// semantics as Append: a singleton stays a string, a repeat promotes
// to []string.  The protocol uses repeated leaf tags for flat lists
// (for example Category).
func (n *Node) AppendText(tag, text string) {
	switch v := n.tags[tag].(type) {
	case nil:
		n.set(tag, text)
	case string:
		n.tags[tag] = []string{v, text}
	case []string:
		n.tags[tag] = append(v, text)
	}
}

// TextList normalizes a repeated leaf tag for iteration: one string
// for a singleton, the sequence for a repeat, nil when absent.
func (n *Node) TextList(tag string) []string {
	if n == nil {
		return nil
	}
	switch v := n.tags[tag].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	}
	return nil
}
