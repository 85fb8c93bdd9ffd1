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

// Package wbxml implements the compact binary tag-tree codec the
// protocol uses for data exchanges.  Encoding is an explicit
// open/attribute/close tag stream; decoding reconstructs the same
// generic tree the textual XML parser produces, so the field
// translators never see which wire form a document arrived in.
package wbxml

import (
	"bytes"

	"github.com/pkg/errors"
)

// Control tokens of the binary form.
const (
	tokSwitchPage = 0x00
	tokEnd        = 0x01
	tokStrI       = 0x03
	tokHasContent = 0x40
)

// Document header: version 1.3, public identifier "unknown", UTF-8,
// empty string table.  The protocol pins all four.
var header = []byte{0x03, 0x01, 0x6A, 0x00}

// ErrUnclosedTag reports a Bytes call while a tag is still open, or a
// CloseTag with nothing open.  Both are programmer errors: the tag
// stream is produced by fixed translator code, never by input data.
var ErrUnclosedTag = errors.New("wbxml: unbalanced tag nesting")

// EmitPolicy controls what AttributeTag does with an empty value.
// The protocol distinguishes "field absent" from "field present but
// blank", and which of the two a blank local value means is a
// translator decision, not a codec one.
type EmitPolicy int

const (
	// OmitEmpty drops the tag entirely when the value is empty.
	OmitEmpty EmitPolicy = iota
	// AlwaysEmit writes the tag with empty content, blanking the
	// field server-side.
	AlwaysEmit
)

// An Encoder builds one binary document.  It is single-use: create,
// emit tags, call Bytes.
type Encoder struct {
	buf   bytes.Buffer
	stack []string
	page  Namespace
	err   error
}

// NewEncoder returns an encoder with the given initial tag namespace
// active.
func NewEncoder(ns Namespace) *Encoder {
	e := &Encoder{page: ns}
	e.buf.Write(header)
	if _, ok := pageIndex[ns]; !ok {
		e.err = errors.Errorf("wbxml: unknown namespace %q", ns)
	} else if pageIndex[ns] != 0 {
		e.writeSwitch(ns)
	}
	return e
}

// SwitchCodepage changes the dictionary subsequent tag names resolve
// against.  The switch is sticky: the encoder never restores the
// previous page on CloseTag, the caller switches back itself.
func (e *Encoder) SwitchCodepage(ns Namespace) {
	if e.err != nil {
		return
	}
	if _, ok := pageIndex[ns]; !ok {
		e.err = errors.Errorf("wbxml: unknown namespace %q", ns)
		return
	}
	if ns == e.page {
		return
	}
	e.writeSwitch(ns)
}

func (e *Encoder) writeSwitch(ns Namespace) {
	e.buf.WriteByte(tokSwitchPage)
	e.buf.WriteByte(pageIndex[ns])
	e.page = ns
}

// OpenTag opens a container tag; content emitted afterwards nests
// under it until the matching CloseTag.
func (e *Encoder) OpenTag(name string) {
	tok, ok := e.resolve(name)
	if !ok {
		return
	}
	e.buf.WriteByte(tok | tokHasContent)
	e.stack = append(e.stack, name)
}

// CloseTag closes the innermost open tag.  Closing with nothing open
// is an invariant violation and poisons the encoder.
func (e *Encoder) CloseTag() {
	if e.err != nil {
		return
	}
	if len(e.stack) == 0 {
		e.err = errors.Wrap(ErrUnclosedTag, "close without open")
		return
	}
	e.stack = e.stack[:len(e.stack)-1]
	e.buf.WriteByte(tokEnd)
}

// AttributeTag emits a leaf tag with scalar text content, shorthand
// for open+text+close.  Under OmitEmpty an empty value emits nothing
// at all.
func (e *Encoder) AttributeTag(name, value string, policy EmitPolicy) {
	if value == "" && policy == OmitEmpty {
		return
	}
	tok, ok := e.resolve(name)
	if !ok {
		return
	}
	if value == "" {
		// Present but blank: an empty element.
		e.buf.WriteByte(tok)
		return
	}
	e.buf.WriteByte(tok | tokHasContent)
	e.writeInlineString(value)
	e.buf.WriteByte(tokEnd)
}

func (e *Encoder) writeInlineString(s string) {
	e.buf.WriteByte(tokStrI)
	e.buf.WriteString(s)
	e.buf.WriteByte(0x00)
}

func (e *Encoder) resolve(name string) (byte, bool) {
	if e.err != nil {
		return 0, false
	}
	tok, ok := tagTokens[e.page][name]
	if !ok {
		e.err = errors.Errorf("wbxml: tag %q not in namespace %q", name, e.page)
		return 0, false
	}
	return tok, true
}

// Bytes finalizes the document.  An unclosed tag at this point is an
// invariant violation in the calling translator.
func (e *Encoder) Bytes() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	if len(e.stack) != 0 {
		return nil, errors.Wrapf(ErrUnclosedTag, "tag %q still open", e.stack[len(e.stack)-1])
	}
	return e.buf.Bytes(), nil
}
