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

package wbxml

import (
	"strings"

	"easync/internal/wire"

	"github.com/pkg/errors"
)

type decoder struct {
	data []byte
	pos  int
	page Namespace
}

// Decode parses a binary document into the same tree shape ParseXML
// produces for an equivalent textual document.  Unbalanced nesting,
// a truncated buffer or an unknown token all surface as ErrMalformed:
// the exchange this buffer belongs to must be aborted.
func Decode(data []byte) (*wire.Node, error) {
	d := &decoder{data: data, page: AirSync}
	if err := d.readHeader(); err != nil {
		return nil, err
	}
	root := wire.NewNode()
	if err := d.readContent(root, true); err != nil {
		return nil, err
	}
	return root, nil
}

func (d *decoder) readHeader() error {
	version, err := d.byteAt()
	if err != nil {
		return err
	}
	if version != 0x03 {
		return errors.Wrapf(wire.ErrMalformed, "wbxml: unsupported version 0x%02x", version)
	}
	if _, err := d.readMultiByte(); err != nil { // public identifier
		return err
	}
	if _, err := d.byteAt(); err != nil { // charset
		return err
	}
	tableLen, err := d.readMultiByte()
	if err != nil {
		return err
	}
	// The protocol always sends an empty string table; skip it if a
	// server sends one anyway.
	if d.pos+int(tableLen) > len(d.data) {
		return errors.Wrap(wire.ErrMalformed, "wbxml: string table overruns buffer")
	}
	d.pos += int(tableLen)
	return nil
}

// readContent consumes tokens into parent until END (or, at the top
// level, end of buffer).
func (d *decoder) readContent(parent *wire.Node, top bool) error {
	for {
		if top && d.pos >= len(d.data) {
			return nil
		}
		tok, err := d.byteAt()
		if err != nil {
			return err
		}
		switch tok {
		case tokEnd:
			if top {
				return errors.Wrap(wire.ErrMalformed, "wbxml: close without open")
			}
			return nil
		case tokSwitchPage:
			idx, err := d.byteAt()
			if err != nil {
				return err
			}
			ns, ok := pageByIndex[idx]
			if !ok {
				return errors.Wrapf(wire.ErrMalformed, "wbxml: unknown codepage %d", idx)
			}
			d.page = ns
		case tokStrI:
			// Loose text at element level carries no tag to
			// hang it on; skip it like the XML parser skips
			// inter-element whitespace.
			if _, err := d.readString(); err != nil {
				return err
			}
		default:
			if err := d.readElement(parent, tok); err != nil {
				return err
			}
		}
	}
}

func (d *decoder) readElement(parent *wire.Node, tok byte) error {
	name, ok := tagNames[d.page][tok&^tokHasContent]
	if !ok {
		return errors.Wrapf(wire.ErrMalformed, "wbxml: unknown token 0x%02x in namespace %q", tok, d.page)
	}
	if tok&tokHasContent == 0 {
		// Present but blank.
		parent.AppendText(name, "")
		return nil
	}

	var text strings.Builder
	node := wire.NewNode()
	hasChildren := false
	for {
		inner, err := d.byteAt()
		if err != nil {
			return err
		}
		switch inner {
		case tokEnd:
			if hasChildren {
				parent.Append(name, node)
			} else {
				parent.AppendText(name, text.String())
			}
			return nil
		case tokSwitchPage:
			idx, err := d.byteAt()
			if err != nil {
				return err
			}
			ns, ok := pageByIndex[idx]
			if !ok {
				return errors.Wrapf(wire.ErrMalformed, "wbxml: unknown codepage %d", idx)
			}
			d.page = ns
		case tokStrI:
			s, err := d.readString()
			if err != nil {
				return err
			}
			text.WriteString(s)
		default:
			hasChildren = true
			if err := d.readElement(node, inner); err != nil {
				return err
			}
		}
	}
}

func (d *decoder) byteAt() (byte, error) {
	if d.pos >= len(d.data) {
		return 0, errors.Wrap(wire.ErrMalformed, "wbxml: truncated buffer")
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readString() (string, error) {
	start := d.pos
	for d.pos < len(d.data) {
		if d.data[d.pos] == 0x00 {
			s := string(d.data[start:d.pos])
			d.pos++
			return s, nil
		}
		d.pos++
	}
	return "", errors.Wrap(wire.ErrMalformed, "wbxml: unterminated string")
}

// readMultiByte reads the variable-length unsigned integer form used
// in the document header: seven value bits per byte, high bit set on
// all but the last.
func (d *decoder) readMultiByte() (uint32, error) {
	var v uint32
	for i := 0; ; i++ {
		if i > 4 {
			return 0, errors.Wrap(wire.ErrMalformed, "wbxml: oversized integer")
		}
		b, err := d.byteAt()
		if err != nil {
			return 0, err
		}
		v = v<<7 | uint32(b&0x7F)
		if b&0x80 == 0 {
			return v, nil
		}
	}
}
