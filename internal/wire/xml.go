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

package wire

import (
	"bytes"
	"encoding/xml"
	"io"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// rawElem is the intermediate element tree built from the token
// stream before the multiplicity collapse pass.
type rawElem struct {
	name     string
	text     strings.Builder
	children []*rawElem
}

// ParseXML parses a textual XML document into a tree.  The discovery
// exchange is the only place the protocol uses textual XML; protocol
// data rides the binary codec.
//
// An element with only text collapses to a scalar (percent-decoded,
// since embedded user data arrives escaped that way); an element with
// element children recurses.  Same-named siblings collapse per the
// Node multiplicity rule.  Any parse failure is reported as
// ErrMalformed so the caller can abort the exchange it belongs to.
func ParseXML(data []byte) (*Node, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	root, err := readElem(dec)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "xml parse: %v", err)
	}
	if root == nil {
		return nil, errors.Wrap(ErrMalformed, "xml parse: no root element")
	}
	n := NewNode()
	addCollapsed(n, []*rawElem{root})
	return n, nil
}

// readElem consumes tokens up to and including the first top-level
// element, returning its raw tree.
func readElem(dec *xml.Decoder) (*rawElem, error) {
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return readElemBody(dec, start)
		}
	}
}

func readElemBody(dec *xml.Decoder, start xml.StartElement) (*rawElem, error) {
	e := &rawElem{name: start.Name.Local}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := readElemBody(dec, t)
			if err != nil {
				return nil, err
			}
			e.children = append(e.children, child)
		case xml.CharData:
			e.text.Write(t)
		case xml.EndElement:
			return e, nil
		}
	}
}

// addCollapsed performs the per-level two-pass collapse: first count
// tag-name occurrences among the siblings, then store singletons
// directly and push-append repeats so they promote to sequences.
func addCollapsed(parent *Node, siblings []*rawElem) {
	counts := make(map[string]int, len(siblings))
	for _, e := range siblings {
		counts[e.name]++
	}
	for _, e := range siblings {
		if len(e.children) == 0 {
			text := decodeText(e.text.String())
			if counts[e.name] > 1 {
				parent.AppendText(e.name, text)
			} else {
				parent.SetText(e.name, text)
			}
			continue
		}
		child := NewNode()
		addCollapsed(child, e.children)
		if counts[e.name] > 1 {
			parent.Append(e.name, child)
		} else {
			parent.SetChild(e.name, child)
		}
	}
}

func decodeText(s string) string {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, "%") {
		return s
	}
	decoded, err := url.PathUnescape(s)
	if err != nil {
		// Not percent-encoded user data after all; keep the
		// literal text.
		return s
	}
	return decoded
}
