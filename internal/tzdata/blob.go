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

package tzdata

import (
	"encoding/base64"
	"encoding/binary"
	"unicode/utf16"

	"easync/internal/wire"

	"github.com/pkg/errors"
)

// The wire timezone field is the base64 form of a fixed 172-byte
// little-endian structure: bias, a 64-byte UTF-16 standard name, the
// standard transition rule, the standard bias, then the same trio for
// daylight time.
const blobSize = 172

// EncodeBlob serializes a descriptor into its base64 wire form.
func EncodeBlob(d Descriptor) string {
	buf := make([]byte, blobSize)
	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(d.Bias)))
	putName(buf[4:68], d.StdName)
	putRule(buf[68:84], d.StdRule)
	binary.LittleEndian.PutUint32(buf[84:], uint32(int32(d.StdBias)))
	putName(buf[88:152], d.DstName)
	putRule(buf[152:168], d.DstRule)
	binary.LittleEndian.PutUint32(buf[168:], uint32(int32(d.DstBias)))
	return base64.StdEncoding.EncodeToString(buf)
}

// DecodeBlob parses the base64 wire form back into a descriptor.  A
// buffer of the wrong size is malformed data for the enclosing
// exchange.
func DecodeBlob(s string) (Descriptor, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return Descriptor{}, errors.Wrapf(wire.ErrMalformed, "timezone blob: %v", err)
	}
	if len(buf) != blobSize {
		return Descriptor{}, errors.Wrapf(wire.ErrMalformed, "timezone blob: %d bytes, want %d", len(buf), blobSize)
	}
	d := Descriptor{
		Bias:    int(int32(binary.LittleEndian.Uint32(buf[0:]))),
		StdName: getName(buf[4:68]),
		StdRule: getRule(buf[68:84]),
		StdBias: int(int32(binary.LittleEndian.Uint32(buf[84:]))),
		DstName: getName(buf[88:152]),
		DstRule: getRule(buf[152:168]),
		DstBias: int(int32(binary.LittleEndian.Uint32(buf[168:]))),
	}
	return d, nil
}

func putName(dst []byte, name string) {
	units := utf16.Encode([]rune(name))
	if len(units) > 32 {
		units = units[:32]
	}
	for i, u := range units {
		binary.LittleEndian.PutUint16(dst[i*2:], u)
	}
}

func getName(src []byte) string {
	units := make([]uint16, 0, 32)
	for i := 0; i+1 < len(src); i += 2 {
		u := binary.LittleEndian.Uint16(src[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// putRule writes the rule as the wire's SYSTEMTIME: year zero marks
// an annually recurring date, the day field holds the week-of-month.
func putRule(dst []byte, r Rule) {
	if r.IsZero() {
		return
	}
	binary.LittleEndian.PutUint16(dst[0:], 0) // year: recurring
	binary.LittleEndian.PutUint16(dst[2:], uint16(r.Month))
	binary.LittleEndian.PutUint16(dst[4:], uint16(r.DayOfWeek))
	binary.LittleEndian.PutUint16(dst[6:], uint16(r.Week))
	binary.LittleEndian.PutUint16(dst[8:], uint16(r.Hour))
	binary.LittleEndian.PutUint16(dst[10:], uint16(r.Minute))
	binary.LittleEndian.PutUint16(dst[12:], uint16(r.Second))
	binary.LittleEndian.PutUint16(dst[14:], 0) // milliseconds
}

func getRule(src []byte) Rule {
	return Rule{
		Month:     int(binary.LittleEndian.Uint16(src[2:])),
		DayOfWeek: int(binary.LittleEndian.Uint16(src[4:])),
		Week:      int(binary.LittleEndian.Uint16(src[6:])),
		Hour:      int(binary.LittleEndian.Uint16(src[8:])),
		Minute:    int(binary.LittleEndian.Uint16(src[10:])),
		Second:    int(binary.LittleEndian.Uint16(src[12:])),
	}
}
